package mitm

import (
	"fmt"
	"log/slog"
	"net"
	"path"
	"strconv"
	"strings"
)

const defaultPort = "443"

// hostnamePattern is one entry of the interception list, domain[:port].
// Port 0 matches every port; no port means 443.
type hostnamePattern struct {
	glob    string
	port    string
	anyPort bool
}

// HostnameFilter decides which CONNECT targets are intercepted. Domain
// patterns use path.Match glob syntax and are compared case-insensitively.
//
//	"example.com"      example.com:443
//	"example.com:8443" example.com:8443
//	"*.example.com:0"  any subdomain of example.com, any port
//	"*"                every host on 443
type HostnameFilter struct {
	patterns []hostnamePattern
}

// NewHostnameFilter parses a comma-separated list. Malformed entries are
// logged and skipped; an empty list intercepts nothing.
func NewHostnameFilter(list string) (*HostnameFilter, error) {
	f := &HostnameFilter{}
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p, err := parseHostnamePattern(part)
		if err != nil {
			slog.Warn("Invalid MitM hostname entry", slog.String("entry", part), slog.Any("error", err))
			continue
		}
		f.patterns = append(f.patterns, p)
	}
	slog.Debug("MitM hostname filter configured", slog.Int("entries", len(f.patterns)))
	return f, nil
}

func parseHostnamePattern(s string) (hostnamePattern, error) {
	p := hostnamePattern{glob: s, port: defaultPort}
	if i := strings.LastIndex(s, ":"); i >= 0 {
		if port, err := strconv.Atoi(s[i+1:]); err == nil {
			if port < 0 || port > 65535 {
				return p, fmt.Errorf("port %d out of range (0-65535)", port)
			}
			p.glob = s[:i]
			p.port = s[i+1:]
			p.anyPort = port == 0
		}
	}
	p.glob = strings.ToLower(strings.TrimSpace(p.glob))
	if p.glob == "" {
		return p, fmt.Errorf("empty domain")
	}
	return p, nil
}

func (f *HostnameFilter) Len() int {
	if f == nil {
		return 0
	}
	return len(f.patterns)
}

// Allow reports whether host on port is intercepted.
func (f *HostnameFilter) Allow(host, port string) bool {
	if f == nil {
		return false
	}
	host = strings.ToLower(host)
	for _, p := range f.patterns {
		if !p.anyPort && p.port != port {
			continue
		}
		if matchDomain(p.glob, host) {
			return true
		}
	}
	return false
}

// AllowHostPort is Allow for a CONNECT authority. A missing port means 443.
func (f *HostnameFilter) AllowHostPort(hostport string) bool {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = hostport, defaultPort
	}
	return f.Allow(host, port)
}

func matchDomain(pattern, host string) bool {
	pattern = strings.ToLower(pattern)
	host = strings.ToLower(host)
	matched, err := path.Match(pattern, host)
	if err != nil {
		return pattern == host
	}
	return matched
}
