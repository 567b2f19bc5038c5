package rule

import (
	"encoding/json"
	"log/slog"
)

// Rule is a compiled rule. It is never mutated after Compile returns it.
type Rule struct {
	index   int
	domains []*DomainPattern
	headers []HeaderRule
}

// Index is the position of the rule in the raw rule list it was compiled from.
func (r *Rule) Index() int {
	return r.index
}

func (r *Rule) Domains() []*DomainPattern {
	return r.domains
}

func (r *Rule) Headers() []HeaderRule {
	return r.headers
}

// MatchLiteral reports whether any domain of the rule equals url.
func (r *Rule) MatchLiteral(url string) bool {
	for _, d := range r.domains {
		if d.MatchLiteral(url) {
			return true
		}
	}
	return false
}

// MatchRegex reports whether any domain expression of the rule matches url.
func (r *Rule) MatchRegex(url string) bool {
	for _, d := range r.domains {
		if d.MatchRegex(url) {
			return true
		}
	}
	return false
}

func (r *Rule) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"index":   r.index,
		"domains": r.domains,
		"headers": r.headers,
	})
}

func (r *Rule) LogValue() slog.Value {
	domains := make([]string, 0, len(r.domains))
	for _, d := range r.domains {
		domains = append(domains, d.Source())
	}
	return slog.GroupValue(
		slog.Int("index", r.index),
		slog.Any("domains", domains),
		slog.Int("headers", len(r.headers)),
	)
}
