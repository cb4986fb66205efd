package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"tidewatch/internal/config"
	"tidewatch/internal/runtime/supervisor"
	"tidewatch/pkg/logx"
)

// Server exposes the query surface and the Prometheus scrape endpoint
// over HTTP. It binds to loopback by default; a non-loopback bind
// requires a token or an explicit allow_insecure.
type Server struct {
	mu  sync.Mutex
	log logx.Logger
	cfg config.MetricsConfig

	rep     *Reporter
	metrics http.Handler

	ln       net.Listener
	srv      *http.Server
	stopDone chan struct{}
}

func NewServer(cfg config.MetricsConfig, log logx.Logger, rep *Reporter, metrics http.Handler) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, log: log, rep: rep, metrics: metrics}
}

// Start launches the listener on a supervised goroutine. Disabled
// config is a no-op. Listen failures are logged, not fatal; the
// daemon's core keeps scheduling without its query surface.
func (s *Server) Start(sup *supervisor.Supervisor) {
	s.mu.Lock()
	cfg := s.cfg
	running := s.srv != nil
	s.mu.Unlock()

	if !cfg.Enabled || running {
		return
	}

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:9402"
	}
	if !cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("status listener refused to start: non-loopback addr requires token or allow_insecure",
			logx.String("addr", addr))
		return
	}
	if cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("status listener running without token on non-loopback addr",
			logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("status listen failed", logx.String("addr", addr), logx.Err(err))
		return
	}

	srv := &http.Server{
		Handler:      s.routes(cfg.Token),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.stopDone = make(chan struct{})
	s.mu.Unlock()

	s.log.Info("status listener started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cfg.Token != ""))

	sup.Go("status.serve", func(ctx context.Context) error {
		go func() {
			<-ctx.Done()
			cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = srv.Shutdown(cctx)
			cancel()
		}()
		err := srv.Serve(ln)
		s.mu.Lock()
		if s.srv == srv {
			s.srv, s.ln = nil, nil
		}
		done := s.stopDone
		s.stopDone = nil
		s.mu.Unlock()
		if done != nil {
			close(done)
		}
		if err == nil || errors.Is(err, http.ErrServerClosed) || ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("status server exited: %w", err)
	})
}

// Stop shuts the listener down gracefully, bounded by ctx.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	done := s.stopDone
	s.mu.Unlock()
	if srv == nil {
		return
	}
	_ = srv.Shutdown(ctx)
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
}

func (s *Server) routes(token string) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(token, h) }

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", withAuth(token, s.metrics.ServeHTTP))

	mux.HandleFunc("/api/status", wrap(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.rep.GetSystemStatus())
	}))
	mux.HandleFunc("/api/history", wrap(func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				http.Error(w, "bad limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		writeJSON(w, s.rep.GetJobHistory(limit))
	}))
	mux.HandleFunc("/api/health", wrap(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.rep.GetServiceHealth())
	}))
	mux.HandleFunc("/api/errors", wrap(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.rep.GetErrorStatistics())
	}))
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
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
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
