// Package debug serves the optional operator endpoint: liveness, a JSON
// status document and the net/http/pprof handlers.
package debug

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"plantmon/internal/runtime/supervisor"
	logx "plantmon/pkg/logx"
)

// ErrInsecureBind is returned when a non-loopback address is configured
// without a token and without AllowInsecure.
var ErrInsecureBind = errors.New("debug: non-loopback addr requires token or allow_insecure")

// Config controls the debug HTTP server. Prefer a loopback Addr.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// StatusFunc returns the document served at /debug/status. It must be safe
// for concurrent use.
type StatusFunc func() any

type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	cfg    Config
	status StatusFunc

	ln  net.Listener
	sup *supervisor.Supervisor
}

func New(cfg Config, status StatusFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, status: status, log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr returns the bound address, or nil while not listening.
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Supervisor exposes the restart loop for status output (nil when stopped).
func (s *Service) Supervisor() *supervisor.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start launches the server under a restarting supervisor. It is a no-op
// when disabled or already running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return nil
	}
	addr := normalizeAddr(s.cfg.Addr)
	if !s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("debug server refused to start", logx.String("addr", addr), logx.Err(ErrInsecureBind))
		return ErrInsecureBind
	}
	if s.cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("debug server running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	s.sup = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(s.log))
	cfg := s.cfg
	s.sup.GoRestart("debug.http", func(c context.Context) error { return s.serveOnce(c, cfg) },
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
	return nil
}

// Stop shuts the server down and waits for the serve loop, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	s.log.Info("debug server stopped")
	return err
}

// Reconfigure applies cfg, restarting the server when its listener settings
// changed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			return s.Stop(ctx)
		}
		return nil
	case !running:
		return s.Start(ctx)
	case needsRestart(prev, cfg):
		if err := s.Stop(ctx); err != nil {
			return err
		}
		return s.Start(ctx)
	}
	return nil
}

func needsRestart(a, b Config) bool {
	return normalizeAddr(a.Addr) != normalizeAddr(b.Addr) ||
		a.Token != b.Token ||
		a.AllowInsecure != b.AllowInsecure ||
		a.ReadTimeout != b.ReadTimeout ||
		a.WriteTimeout != b.WriteTimeout
}

func (s *Service) serveOnce(ctx context.Context, cfg Config) error {
	addr := normalizeAddr(cfg.Addr)
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}

	srv := &http.Server{
		Handler:           s.Handler(cfg.Token),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.ln == ln {
			s.ln = nil
		}
		s.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	s.log.Info("debug server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cfg.Token != ""),
	)
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("debug server exited unexpectedly")
	}
	return err
}

// Handler builds the route table. A non-empty token guards every route.
func (s *Service) Handler(token string) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.Handler { return withAuth(token, h) }

	mux.Handle("/healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	}))
	mux.Handle("/debug/status", wrap(s.serveStatus))
	mux.Handle("/debug/pprof/", wrap(hpprof.Index))
	mux.Handle("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.Handle("/debug/pprof/profile", wrap(hpprof.Profile))
	mux.Handle("/debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.Handle("/debug/pprof/trace", wrap(hpprof.Trace))
	return mux
}

func (s *Service) serveStatus(w http.ResponseWriter, r *http.Request) {
	var doc any = struct{}{}
	if s.status != nil {
		doc = s.status()
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		s.log.Debug("status encode failed", logx.Err(err))
	}
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(ah[len(p):]) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func normalizeAddr(addr string) string {
	if a := strings.TrimSpace(addr); a != "" {
		return a
	}
	return "127.0.0.1:6060"
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
