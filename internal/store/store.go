package store

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.yaml.in/yaml/v3"

	"github.com/sunbk201/reqhdr/internal/config"
	"github.com/sunbk201/reqhdr/internal/engine"
	"github.com/sunbk201/reqhdr/internal/rule"
)

const defaultDebounce = 200 * time.Millisecond

// Store holds the persisted rule list and keeps the engine in sync with it.
// When a rules file is configured, writes go to the file and external edits
// to the file are picked up by a watcher.
type Store struct {
	engine   *engine.Engine
	path     string
	debounce time.Duration

	mu      sync.Mutex
	raw     []config.Rule
	content []byte

	watcher *fsnotify.Watcher
	timer   *time.Timer
	done    chan struct{}
	wg      sync.WaitGroup
}

type Option func(*Store)

func WithDebounce(d time.Duration) Option {
	return func(s *Store) {
		s.debounce = d
	}
}

// New returns a store feeding eng. path may be empty, in which case rules
// only live in memory.
func New(eng *engine.Engine, path string, opts ...Option) *Store {
	s := &Store{
		engine:   eng,
		debounce: defaultDebounce,
		done:     make(chan struct{}),
	}
	if path != "" {
		s.path = filepath.Clean(path)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Path() string {
	return s.path
}

// Raw returns a copy of the persisted rule list.
func (s *Store) Raw() []config.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRules(s.raw)
}

// Set replaces the rule list, persisting it when a rules file is configured,
// and installs it in the engine.
func (s *Store) Set(raw []config.Rule) ([]*rule.CompilationError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path != "" {
		data, err := Encode(raw)
		if err != nil {
			return nil, err
		}
		if err := writeFileAtomic(s.path, data); err != nil {
			return nil, err
		}
		s.content = data
	}
	return s.apply(raw), nil
}

// Load reads the rules file and installs its rules. A missing file is an
// empty rule list.
func (s *Store) Load() ([]*rule.CompilationError, error) {
	if s.path == "" {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("Rules file not found, starting with no rules", slog.String("path", s.path))
		s.content = nil
		return s.apply(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("os.ReadFile: %w", err)
	}
	if s.content != nil && bytes.Equal(data, s.content) {
		return nil, nil
	}

	raw, err := Decode(data)
	if err != nil {
		return nil, err
	}
	s.content = data
	return s.apply(raw), nil
}

func (s *Store) apply(raw []config.Rule) []*rule.CompilationError {
	s.raw = cloneRules(raw)
	warnings := s.engine.Reload(raw)
	slog.Info("Rules loaded",
		slog.Int("rules", len(raw)),
		slog.Int("active", len(s.engine.Current())),
		slog.Int("dropped", len(warnings)))
	return warnings
}

// Start watches the rules file's directory and reloads on change. It is a
// no-op without a rules file.
func (s *Store) Start() error {
	if s.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		return fmt.Errorf("watcher.Add: %w", err)
	}
	s.watcher = w

	s.wg.Add(1)
	go s.watch()
	slog.Info("Watching rules file", slog.String("path", s.path))
	return nil
}

func (s *Store) watch() {
	defer s.wg.Done()
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			s.schedule()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Rules watcher error", slog.Any("error", err))
		case <-s.done:
			return
		}
	}
}

func (s *Store) schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, s.reload)
}

func (s *Store) reload() {
	select {
	case <-s.done:
		return
	default:
	}
	if _, err := s.Load(); err != nil {
		slog.Error("Rules reload failed, keeping current rules", slog.String("path", s.path), slog.Any("error", err))
	}
}

func (s *Store) Close() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Close()
	s.wg.Wait()
	return err
}

type rulesFile struct {
	Rules []config.Rule `yaml:"rules"`
}

// Decode parses a rules document: either a mapping with a "rules" key or a
// bare rule list. JSON documents are accepted as YAML.
func Decode(data []byte) ([]config.Rule, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("yaml.Unmarshal: %w", err)
	}
	if len(node.Content) > 0 && node.Content[0].Kind == yaml.SequenceNode {
		var raw []config.Rule
		if err := node.Content[0].Decode(&raw); err != nil {
			return nil, fmt.Errorf("yaml.Decode: %w", err)
		}
		return raw, nil
	}

	var f rulesFile
	if err := node.Decode(&f); err != nil {
		return nil, fmt.Errorf("yaml.Decode: %w", err)
	}
	return f.Rules, nil
}

func Encode(raw []config.Rule) ([]byte, error) {
	if raw == nil {
		raw = []config.Rule{}
	}
	data, err := yaml.Marshal(&rulesFile{Rules: raw})
	if err != nil {
		return nil, fmt.Errorf("yaml.Marshal: %w", err)
	}
	return data, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("os.CreateTemp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("os.Rename: %w", err)
	}
	return nil
}

func cloneRules(raw []config.Rule) []config.Rule {
	out := make([]config.Rule, len(raw))
	for i, r := range raw {
		out[i] = config.Rule{
			Domains: append([]string(nil), r.Domains...),
			Headers: append([]config.Header(nil), r.Headers...),
		}
	}
	return out
}
