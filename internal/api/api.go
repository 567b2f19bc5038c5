package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/sunbk201/reqhdr/internal/config"
	"github.com/sunbk201/reqhdr/internal/engine"
	"github.com/sunbk201/reqhdr/internal/inspect"
	applog "github.com/sunbk201/reqhdr/internal/log"
	"github.com/sunbk201/reqhdr/internal/probe"
	"github.com/sunbk201/reqhdr/internal/statistics"
	"github.com/sunbk201/reqhdr/internal/store"
)

// probeInterval is the minimum spacing between two accepted probes.
const probeInterval = 1500 * time.Millisecond

// Prober sends self-initiated requests through the proxy.
type Prober interface {
	NewInitiator() string
	Do(ctx context.Context, target, initiator string) (*probe.Result, error)
}

// ListenerSource reports the host's current listener registration.
type ListenerSource interface {
	Listener() engine.ListenerSpec
}

type Deps struct {
	Engine         *engine.Engine
	Store          *store.Store
	Listener       ListenerSource
	Hub            *inspect.Hub
	Prober         Prober
	Recorder       *statistics.Recorder
	Gatherer       prometheus.Gatherer
	LogBroadcaster *applog.LineBroadcaster
}

type APIServer struct {
	version string
	cfg     *config.Config
	addr    string
	deps    Deps

	probeLimit *rate.Limiter

	httpServer *http.Server
}

func New(addr string, version string, cfg *config.Config, deps Deps) *APIServer {
	return &APIServer{
		version:    version,
		cfg:        cfg,
		addr:       addr,
		deps:       deps,
		probeLimit: rate.NewLimiter(rate.Every(probeInterval), 1),
	}
}

// Handler builds the API router.
func (s *APIServer) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(slogMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	if s.cfg.APIServerSecret != "" {
		r.Use(s.authMiddleware)
	}

	r.Get("/version", s.handleVersion)
	r.Get("/config", s.handleConfig)

	r.Get("/rules", s.handleRules)
	r.Put("/rules", s.handlePutRules)
	r.Get("/listener", s.handleListener)
	r.Get("/stats", s.handleStats)

	r.Get("/inspections", s.handleInspections)
	r.Post("/probe", s.handleProbe)

	r.Get("/logs", s.handleLogs)

	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/debug/pprof", func(r chi.Router) {
		r.HandleFunc("/", pprof.Index)
		r.HandleFunc("/cmdline", pprof.Cmdline)
		r.HandleFunc("/profile", pprof.Profile)
		r.HandleFunc("/symbol", pprof.Symbol)
		r.HandleFunc("/trace", pprof.Trace)
		r.Handle("/goroutine", pprof.Handler("goroutine"))
		r.Handle("/heap", pprof.Handler("heap"))
		r.Handle("/allocs", pprof.Handler("allocs"))
		r.Handle("/block", pprof.Handler("block"))
		r.Handle("/mutex", pprof.Handler("mutex"))
	})
	return r
}

func (s *APIServer) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api-server listen failed: %w", err)
	}

	slog.Info("api-server started", slog.String("addr", s.addr))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("api-server error", slog.Any("error", err))
		}
	}()

	return nil
}

func (s *APIServer) Close() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	slog.Info("api-server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func slogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("api-server request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote", r.RemoteAddr),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

func (s *APIServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if auth := r.Header.Get("Authorization"); auth != "" {
			if len(auth) > 7 && auth[:7] == "Bearer " {
				token = auth[7:]
			} else {
				token = auth
			}
		}
		if token == "" {
			token = r.URL.Query().Get("secret")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIServerSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowProbe reports whether a probe may run at now and, if so, takes the token.
func (s *APIServer) allowProbe(now time.Time) bool {
	return s.probeLimit.AllowN(now, 1)
}
