package rule

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dlclark/regexp2"
)

// DomainPattern is a compiled domain entry. A request URL equal to Source is a
// literal match; otherwise the expression is evaluated against the URL.
type DomainPattern struct {
	source string
	regex  *regexp2.Regexp
}

func NewDomainPattern(source string, timeout time.Duration) (*DomainPattern, error) {
	regex, err := regexp2.Compile(source, regexp2.ECMAScript)
	if err != nil {
		return nil, fmt.Errorf("regexp2.Compile %q: %w", source, err)
	}
	if timeout > 0 {
		regex.MatchTimeout = timeout
	}
	return &DomainPattern{source: source, regex: regex}, nil
}

func (p *DomainPattern) Source() string {
	return p.source
}

func (p *DomainPattern) MatchLiteral(url string) bool {
	return p.source == url
}

// MatchRegex evaluates the expression against url. A match error (timeout)
// is reported as no match.
func (p *DomainPattern) MatchRegex(url string) bool {
	matched, err := p.regex.MatchString(url)
	if err != nil {
		slog.Warn("regexp2.MatchString", slog.String("pattern", p.source), slog.String("url", url), slog.Any("error", err))
		return false
	}
	return matched
}

func (p *DomainPattern) String() string {
	return p.source
}

func (p *DomainPattern) MarshalText() ([]byte, error) {
	return []byte(p.source), nil
}
