package http

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/elazarl/goproxy"
	xproxy "golang.org/x/net/proxy"

	"github.com/sunbk201/reqhdr/internal/config"
	"github.com/sunbk201/reqhdr/internal/engine"
	"github.com/sunbk201/reqhdr/internal/log"
	"github.com/sunbk201/reqhdr/internal/mitm"
	"github.com/sunbk201/reqhdr/internal/probe"
	"github.com/sunbk201/reqhdr/internal/rule"
)

// Server is the forward proxy hosting the header engine. Every request,
// including those inside intercepted CONNECT tunnels, is offered to the
// engine before it is sent upstream.
type Server struct {
	cfg    *config.Config
	engine *engine.Engine
	certs  *mitm.CertManager
	filter *mitm.HostnameFilter

	proxy      *goproxy.ProxyHttpServer
	httpServer *http.Server
	addr       atomic.Value
	listener   atomic.Pointer[engine.ListenerSpec]
}

// New builds the proxy. certs may be nil, in which case no tunnel is
// intercepted and only plain HTTP requests reach the engine.
func New(cfg *config.Config, eng *engine.Engine, certs *mitm.CertManager) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		engine: eng,
		certs:  certs,
		proxy:  goproxy.NewProxyHttpServer(),
	}
	s.addr.Store(cfg.ListenAddr)

	if cfg.MitM.Enabled {
		filter, err := mitm.NewHostnameFilter(cfg.MitM.Hostname)
		if err != nil {
			return nil, fmt.Errorf("mitm.NewHostnameFilter: %w", err)
		}
		s.filter = filter
	}

	s.proxy.Logger = goproxyLogger{}
	s.proxy.Tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.MitM.InsecureSkipVerify}
	if cfg.Upstream != "" {
		if err := s.configureUpstream(cfg.Upstream); err != nil {
			return nil, err
		}
	}

	s.proxy.OnRequest().HandleConnectFunc(s.handleConnect)
	s.proxy.OnRequest().DoFunc(s.handleRequest)
	return s, nil
}

// Register implements engine.Registrar.
func (s *Server) Register(spec engine.ListenerSpec) {
	s.listener.Store(&spec)
	slog.Info("Listener registered", slog.Any("urls", spec.URLs), slog.Bool("elevated", spec.Elevated))
}

// Listener is the most recent registration.
func (s *Server) Listener() engine.ListenerSpec {
	if spec := s.listener.Load(); spec != nil {
		return *spec
	}
	return engine.ListenerSpec{}
}

func (s *Server) elevated() bool {
	spec := s.listener.Load()
	return spec != nil && spec.Elevated
}

func (s *Server) handleConnect(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
	if s.certs == nil {
		return goproxy.OkConnect, host
	}
	self := ctx.Req != nil && s.engine.SelfInitiated(ctx.Req.Header.Get(probe.InitiatorHeader))
	if !self && !s.filter.AllowHostPort(host) {
		return goproxy.OkConnect, host
	}
	slog.Debug("Intercepting tunnel", slog.String("host", host), slog.Bool("self", self))
	return &goproxy.ConnectAction{
		Action: goproxy.ConnectMitm,
		TLSConfig: func(host string, _ *goproxy.ProxyCtx) (*tls.Config, error) {
			return s.certs.TLSConfig(host)
		},
	}, host
}

func (s *Server) handleRequest(r *http.Request, _ *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	initiator := r.Header.Get(probe.InitiatorHeader)
	r.Header.Del(probe.InitiatorHeader)

	elevated := s.elevated()
	view, hidden := headerView(r, elevated)
	out := s.engine.Handle(&engine.Request{
		URL:       r.URL.String(),
		Headers:   view,
		Initiator: initiator,
	})
	applyHeaders(r, out, hidden)

	log.LogDebugWithURL(r.URL.String(), "Request forwarded", slog.Int("headers", len(out)))
	return r, nil
}

// headerView flattens r's headers into the engine's list form, one entry per
// value, sorted by name. Without elevated capability protected headers are
// withheld and returned separately so they are forwarded untouched.
func headerView(r *http.Request, elevated bool) ([]engine.Header, http.Header) {
	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)

	view := make([]engine.Header, 0, len(r.Header)+1)
	hidden := http.Header{}
	if elevated && r.Host != "" {
		view = append(view, engine.Header{Name: "Host", Value: r.Host})
	}
	for _, name := range names {
		if !elevated && rule.IsProtected(name) {
			hidden[name] = r.Header[name]
			continue
		}
		for _, value := range r.Header[name] {
			view = append(view, engine.Header{Name: name, Value: value})
		}
	}
	return view, hidden
}

// applyHeaders replaces r's headers with the engine output plus the withheld
// headers. A host entry sets the request host; an absent one leaves it as is.
func applyHeaders(r *http.Request, out []engine.Header, hidden http.Header) {
	h := make(http.Header, len(out)+len(hidden))
	for name, values := range hidden {
		h[name] = values
	}
	for _, e := range out {
		if e.Name == "" {
			continue
		}
		if strings.EqualFold(e.Name, "host") {
			r.Host = e.Value
			continue
		}
		h.Add(e.Name, e.Value)
	}
	r.Header = h
}

func (s *Server) configureUpstream(upstream string) error {
	u, err := url.Parse(upstream)
	if err != nil {
		return fmt.Errorf("url.Parse %q: %w", upstream, err)
	}
	switch u.Scheme {
	case "http", "https":
		s.proxy.Tr.Proxy = http.ProxyURL(u)
		s.proxy.ConnectDial = s.proxy.NewConnectDialToProxy(upstream)
	case "socks5", "socks5h":
		dialer, err := xproxy.FromURL(u, xproxy.Direct)
		if err != nil {
			return fmt.Errorf("proxy.FromURL: %w", err)
		}
		if cd, ok := dialer.(xproxy.ContextDialer); ok {
			s.proxy.Tr.DialContext = cd.DialContext
		} else {
			s.proxy.Tr.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
		s.proxy.Tr.Proxy = nil
		s.proxy.ConnectDial = dialer.Dial
	default:
		return fmt.Errorf("unsupported upstream scheme %q", u.Scheme)
	}
	slog.Info("Upstream proxy configured", slog.String("upstream", u.Redacted()))
	return nil
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Handler:           s.proxy,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("proxy listen failed: %w", err)
	}
	s.addr.Store(ln.Addr().String())
	slog.Info("Proxy started", slog.String("addr", s.Addr()), slog.Bool("mitm", s.filter.Len() > 0))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("proxy error", slog.Any("error", err))
		}
	}()
	return nil
}

// Addr is the bound listen address once started.
func (s *Server) Addr() string {
	return s.addr.Load().(string)
}

func (s *Server) Close() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	slog.Info("Proxy shutting down")
	return s.httpServer.Shutdown(ctx)
}

type goproxyLogger struct{}

func (goproxyLogger) Printf(format string, v ...any) {
	slog.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), slog.String("component", "goproxy"))
}

var _ engine.Registrar = (*Server)(nil)
