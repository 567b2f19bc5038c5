package engine

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sunbk201/reqhdr/internal/config"
	"github.com/sunbk201/reqhdr/internal/rule"
	"github.com/sunbk201/reqhdr/internal/statistics"
)

// AllURLs is the universal listener filter. The engine never narrows the
// filter to rule domains so self-inspection probes and newly added rules are
// always observed.
const AllURLs = "<all_urls>"

// ListenerSpec is what the engine asks the host to subscribe it with.
type ListenerSpec struct {
	URLs     []string `json:"urls"`
	Elevated bool     `json:"elevated"`
}

// Registrar is the host side of listener (re)registration.
type Registrar interface {
	Register(spec ListenerSpec)
}

// generation is one immutable rule set together with the match cache built
// over it. Swapping the generation pointer swaps rules and cache in one step.
type generation struct {
	id       uint64
	rules    []*rule.Rule
	elevated bool
	cache    MatchCache
	loadedAt time.Time
}

// Engine owns the active rule set and serves request header mutation.
type Engine struct {
	mu  sync.Mutex
	gen atomic.Pointer[generation]

	cacheSize     int
	regexTimeout  time.Duration
	forceElevated bool
	initiator     string

	registrar Registrar
	inspector Inspector
	recorder  *statistics.Recorder
}

type Option func(*Engine)

func WithCacheSize(size int) Option {
	return func(e *Engine) {
		e.cacheSize = size
	}
}

func WithRegexTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.regexTimeout = d
	}
}

// WithForceElevated makes every registration request elevated capability,
// regardless of which headers the rules touch.
func WithForceElevated(force bool) Option {
	return func(e *Engine) {
		e.forceElevated = force
	}
}

// WithInitiator sets the sentinel that marks self-initiated requests.
func WithInitiator(sentinel string) Option {
	return func(e *Engine) {
		if sentinel != "" {
			e.initiator = sentinel
		}
	}
}

func WithRegistrar(r Registrar) Option {
	return func(e *Engine) {
		e.registrar = r
	}
}

func WithInspector(i Inspector) Option {
	return func(e *Engine) {
		e.inspector = i
	}
}

func WithRecorder(r *statistics.Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// New returns an engine with an empty rule set.
func New(opts ...Option) *Engine {
	e := &Engine{
		regexTimeout: config.DefaultRegexTimeout,
		initiator:    config.DefaultInitiator,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.gen.Store(e.newGeneration(0, []*rule.Rule{}, false))
	return e
}

func (e *Engine) newGeneration(id uint64, rules []*rule.Rule, elevated bool) *generation {
	return &generation{
		id:       id,
		rules:    rules,
		elevated: elevated,
		cache:    NewMatchCache(e.cacheSize),
		loadedAt: time.Now(),
	}
}

// SetRegistrar sets the registrar and immediately registers with the current
// generation's capability flag. It is meant for hosts constructed after the engine.
func (e *Engine) SetRegistrar(r Registrar) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registrar = r
	if r != nil {
		r.Register(e.listenerSpec(e.gen.Load()))
	}
}

// Replace atomically installs a new rule set. The new generation starts with
// a cold cache, so no request that observes the new rules can read an entry
// built from the old ones. The previous cache is cleared afterwards and the
// host is asked to re-register the listener.
func (e *Engine) Replace(rules []*rule.Rule, needsElevated bool) {
	if rules == nil {
		rules = []*rule.Rule{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.gen.Load()
	next := e.newGeneration(prev.id+1, rules, needsElevated)
	e.gen.Store(next)
	prev.cache.Clear()

	slog.Info("Rule set replaced",
		slog.Uint64("generation", next.id),
		slog.Int("rules", len(rules)),
		slog.Bool("elevated", needsElevated))

	if e.registrar != nil {
		e.registrar.Register(e.listenerSpec(next))
	}
}

// Reload compiles raw rules and replaces the active set with the result.
// Rules that failed to compile are returned; the rest are installed.
func (e *Engine) Reload(raw []config.Rule) []*rule.CompilationError {
	result := rule.Compile(raw, rule.WithRegexTimeout(e.regexTimeout))
	e.Replace(result.Rules, result.NeedsElevated)
	e.recorder.ObserveReload(len(result.Rules), len(result.Warnings), result.NeedsElevated)
	return result.Warnings
}

// Current returns the active rule set. The slice must not be modified.
func (e *Engine) Current() []*rule.Rule {
	return e.gen.Load().rules
}

func (e *Engine) Generation() uint64 {
	return e.gen.Load().id
}

// Elevated reports whether the active rule set touches a protected header.
func (e *Engine) Elevated() bool {
	return e.gen.Load().elevated
}

func (e *Engine) ListenerSpec() ListenerSpec {
	return e.listenerSpec(e.gen.Load())
}

func (e *Engine) listenerSpec(g *generation) ListenerSpec {
	return ListenerSpec{
		URLs:     []string{AllURLs},
		Elevated: g.elevated || e.forceElevated,
	}
}

// CacheLen is the number of URLs memoized for the active generation.
func (e *Engine) CacheLen() int {
	return e.gen.Load().cache.Len()
}

// Initiator is the sentinel that marks self-initiated requests.
func (e *Engine) Initiator() string {
	return e.initiator
}
