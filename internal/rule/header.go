package rule

import (
	"log/slog"
	"strings"
)

type Op string

const (
	OpSet    Op = "SET"
	OpDelete Op = "DELETE"
)

// HeaderRule is a normalized header mutation. Name is always lower-cased.
type HeaderRule struct {
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

// Op reports what the rule does to a matching request header: an empty value
// deletes the header, anything else sets it.
func (h HeaderRule) Op() Op {
	if h.Value == "" {
		return OpDelete
	}
	return OpSet
}

func (h HeaderRule) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", h.Name),
		slog.String("value", h.Value),
		slog.String("op", string(h.Op())),
	)
}

// protectedHeaders are request headers the host only exposes in elevated mode.
var protectedHeaders = map[string]struct{}{
	"authorization":  {},
	"cache-control":  {},
	"connection":     {},
	"content-length": {},
	"host":           {},
	"origin":         {},
	"referer":        {},
	"te":             {},
	"upgrade":        {},
	"via":            {},
}

var protectedPrefixes = []string{"if-", "proxy-", "sec-"}

// IsProtected reports whether a header name requires elevated request
// inspection capability. The name is compared case-insensitively.
func IsProtected(name string) bool {
	name = strings.ToLower(name)
	if _, ok := protectedHeaders[name]; ok {
		return true
	}
	for _, prefix := range protectedPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
