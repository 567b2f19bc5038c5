package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sunbk201/reqhdr/internal/config"
)

// InitiatorHeader carries the initiator of a request through the proxy. The
// proxy strips it before forwarding.
const InitiatorHeader = "X-Reqhdr-Initiator"

var (
	ErrEmptyTarget   = errors.New("empty probe target")
	ErrInvalidTarget = errors.New("invalid probe target")
)

// TransientError is a probe that could not reach the network.
type TransientError struct {
	Target string
	Err    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("Failed to inspect HTTP headers sent to %s", e.Target)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Normalize trims target and defaults it to https when it carries no http or
// https scheme.
func Normalize(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", ErrEmptyTarget
	}
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = "https://" + target
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}
	return target, nil
}

type Result struct {
	Target    string `json:"target"`
	Initiator string `json:"initiator"`
	Status    int    `json:"status"`
}

type initiatorKey struct{}

// Client issues self-initiated requests through the proxy.
type Client struct {
	initiator string
	timeout   time.Duration
	rootCAs   *x509.CertPool
	insecure  bool
	http      *http.Client
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithInitiator(sentinel string) Option {
	return func(c *Client) {
		if sentinel != "" {
			c.initiator = sentinel
		}
	}
}

// WithRootCAs trusts the proxy's interception CA.
func WithRootCAs(pool *x509.CertPool) Option {
	return func(c *Client) {
		c.rootCAs = pool
	}
}

func WithInsecureSkipVerify(insecure bool) Option {
	return func(c *Client) {
		c.insecure = insecure
	}
}

// NewClient returns a probe client sending through the proxy at proxyAddr
// (host:port or URL).
func NewClient(proxyAddr string, opts ...Option) (*Client, error) {
	if !strings.Contains(proxyAddr, "://") {
		proxyAddr = "http://" + proxyAddr
	}
	proxyURL, err := url.Parse(proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("url.Parse %q: %w", proxyAddr, err)
	}

	c := &Client{
		initiator: config.DefaultInitiator,
		timeout:   config.DefaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	transport := &http.Transport{
		Proxy: http.ProxyURL(proxyURL),
		// CONNECT requests carry the initiator too so the proxy intercepts
		// the tunnel and sees the request inside it.
		GetProxyConnectHeader: func(ctx context.Context, _ *url.URL, _ string) (http.Header, error) {
			h := http.Header{}
			if initiator, ok := ctx.Value(initiatorKey{}).(string); ok {
				h.Set(InitiatorHeader, initiator)
			}
			return h, nil
		},
		TLSClientConfig: &tls.Config{
			RootCAs:            c.rootCAs,
			InsecureSkipVerify: c.insecure,
		},
		DisableKeepAlives: true,
	}
	c.http = &http.Client{
		Transport: transport,
		Timeout:   c.timeout,
	}
	return c, nil
}

// NewInitiator returns a fresh initiator value carrying the sentinel, unique
// to one probe.
func (c *Client) NewInitiator() string {
	return c.initiator + "probe/" + uuid.NewString()
}

// Do sends a GET for target through the proxy marked with initiator. Any
// HTTP response counts as success; only transport failures are errors.
func (c *Client) Do(ctx context.Context, target, initiator string) (*Result, error) {
	normalized, err := Normalize(target)
	if err != nil {
		return nil, err
	}
	if initiator == "" {
		initiator = c.NewInitiator()
	}

	ctx = context.WithValue(ctx, initiatorKey{}, initiator)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, normalized, nil)
	if err != nil {
		return nil, &TransientError{Target: normalized, Err: err}
	}
	req.Header.Set(InitiatorHeader, initiator)

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Warn("Probe failed", slog.String("target", normalized), slog.Any("error", err))
		return nil, &TransientError{Target: normalized, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	slog.Debug("Probe sent", slog.String("target", normalized), slog.Int("status", resp.StatusCode))
	return &Result{Target: normalized, Initiator: initiator, Status: resp.StatusCode}, nil
}
