package rule

import (
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sunbk201/reqhdr/internal/config"
)

// CompileResult is the engine-ready form of a raw rule list.
type CompileResult struct {
	Rules         []*Rule
	NeedsElevated bool
	Warnings      []*CompilationError
}

type Option func(*compiler)

// WithRegexTimeout bounds every domain expression evaluation.
func WithRegexTimeout(d time.Duration) Option {
	return func(c *compiler) {
		c.regexTimeout = d
	}
}

type compiler struct {
	regexTimeout time.Duration
	validate     *validator.Validate
}

// Compile normalizes raw rules: header names are lower-cased and
// de-duplicated (the last declaration of a name wins), domains are compiled.
// A rule without domains or with a pattern that fails to compile is dropped
// and reported in Warnings; the remaining rules are still compiled. Header
// entries without a name are skipped.
func Compile(raw []config.Rule, opts ...Option) *CompileResult {
	c := &compiler{
		regexTimeout: config.DefaultRegexTimeout,
		validate:     validator.New(),
	}
	for _, opt := range opts {
		opt(c)
	}

	result := &CompileResult{Rules: make([]*Rule, 0, len(raw))}
	for i := range raw {
		r, cerr := c.compileRule(i, &raw[i])
		if cerr != nil {
			slog.Warn("Invalid rule", slog.Int("index", i), slog.Any("error", cerr))
			result.Warnings = append(result.Warnings, cerr)
			continue
		}
		for _, h := range r.headers {
			if IsProtected(h.Name) {
				result.NeedsElevated = true
				break
			}
		}
		result.Rules = append(result.Rules, r)
	}
	return result
}

func (c *compiler) compileRule(index int, raw *config.Rule) (*Rule, *CompilationError) {
	if err := c.validate.Struct(raw); err != nil {
		return nil, &CompilationError{Index: index, Err: err}
	}

	domains := make([]*DomainPattern, 0, len(raw.Domains))
	for _, source := range raw.Domains {
		p, err := NewDomainPattern(source, c.regexTimeout)
		if err != nil {
			return nil, &CompilationError{Index: index, Domain: source, Err: err}
		}
		domains = append(domains, p)
	}

	return &Rule{
		index:   index,
		domains: domains,
		headers: normalizeHeaders(index, raw.Headers),
	}, nil
}

// normalizeHeaders lower-cases names and keeps only the last occurrence of
// each name, at the position of that occurrence. Entries without a name are
// skipped.
func normalizeHeaders(index int, raw []config.Header) []HeaderRule {
	last := make(map[string]int, len(raw))
	for i, h := range raw {
		if h.Name == "" {
			slog.Warn("Ignoring header without name", slog.Int("rule", index), slog.Int("header", i))
			continue
		}
		last[strings.ToLower(h.Name)] = i
	}

	headers := make([]HeaderRule, 0, len(last))
	for i, h := range raw {
		name := strings.ToLower(h.Name)
		if name == "" || last[name] != i {
			continue
		}
		headers = append(headers, HeaderRule{Name: name, Value: h.Value})
	}
	return headers
}
