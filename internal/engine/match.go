package engine

import (
	"github.com/sunbk201/reqhdr/internal/rule"
)

// match resolves the rules that apply to url within generation g, consulting
// and populating g's cache.
func (e *Engine) match(g *generation, url string) []*rule.Rule {
	if rules, ok := g.cache.Lookup(url); ok {
		e.recorder.ObserveCacheLookup(true)
		return rules
	}
	e.recorder.ObserveCacheLookup(false)
	return g.cache.Store(url, scan(g.rules, url))
}

// scan returns the rules with a domain equal to url when there are any, and
// otherwise every rule with a domain expression matching url. Both lists keep
// rule order and the result does not depend on where in the rule list a
// literal match sits.
func scan(rules []*rule.Rule, url string) []*rule.Rule {
	literal := make([]*rule.Rule, 0, 1)
	for _, r := range rules {
		if r.MatchLiteral(url) {
			literal = append(literal, r)
		}
	}
	if len(literal) > 0 {
		return literal
	}

	matched := make([]*rule.Rule, 0)
	for _, r := range rules {
		if r.MatchRegex(url) {
			matched = append(matched, r)
		}
	}
	return matched
}
