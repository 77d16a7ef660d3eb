// Package receiver is a development collector for the gt8004 wire format. It
// accepts ingest batches, keeps them in a badger store and serves them back
// for inspection.
package receiver

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gt8004/gt8004/pkg/metrics"
)

// Config configures the receiver server.
type Config struct {
	Addr        string
	MaxBodySize int64    // bytes; applies to compressed and decompressed bodies
	APIKeys     []string // empty accepts any caller
	RateLimit   float64  // events/sec per agent; 0 = unlimited
	Burst       int
}

// DefaultMaxBodySize is used when Config.MaxBodySize is unset.
const DefaultMaxBodySize = 4 << 20

// Server is the development collector.
type Server struct {
	store *Store
	cfg   Config
	keys  map[string]bool

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	httpSrv *http.Server
}

// NewServer creates a receiver backed by store.
func NewServer(cfg Config, store *Store) *Server {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.RateLimit > 0 && cfg.Burst <= 0 {
		cfg.Burst = max(int(cfg.RateLimit), 1)
	}
	s := &Server{
		store:    store,
		cfg:      cfg,
		keys:     make(map[string]bool, len(cfg.APIKeys)),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, k := range cfg.APIKeys {
		s.keys[k] = true
	}
	return s
}

// Handler returns the receiver API together with /metrics and /healthz.
func (s *Server) Handler() http.Handler {
	mux := metrics.Mux()
	s.RegisterAPIRoutes(mux)
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Addr
	if addr == "" {
		addr = ":8080"
	}

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("receiver listening", "addr", addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("receiver shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Store returns the underlying event store.
func (s *Server) Store() *Store {
	return s.store
}

// limiter returns the token bucket for agentID, or nil when unlimited.
func (s *Server) limiter(agentID string) *rate.Limiter {
	if s.cfg.RateLimit <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[agentID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.Burst)
		s.limiters[agentID] = lim
	}
	return lim
}

// admit takes n tokens for agentID. When the bucket cannot cover n now it
// returns false and how long the caller should wait.
func (s *Server) admit(agentID string, n int) (bool, time.Duration) {
	lim := s.limiter(agentID)
	if lim == nil {
		return true, 0
	}
	now := time.Now()
	res := lim.ReserveN(now, n)
	if !res.OK() {
		// Larger than the burst; it will never fit.
		return false, time.Second
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return false, d
	}
	return true, 0
}
