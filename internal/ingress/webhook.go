// Package ingress holds the daemon's inbound surfaces: the HTTP webhook
// listener and the Telegram message adapter. Both are thin; matching and
// admission live in the dispatch package.
package ingress

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"routined/internal/dispatch"
	logx "routined/pkg/logx"
)

// WebhookConfig configures the HTTP listener.
type WebhookConfig struct {
	Addr      string  `json:"addr" yaml:"addr"`
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"` // requests/sec per remote, 0 = default
	RateBurst int     `json:"rate_burst" yaml:"rate_burst"`
}

const (
	defaultRateLimit = 5
	defaultRateBurst = 10
	limiterIdleTTL   = 10 * time.Minute
)

// WebhookServer accepts POSTs and forwards the URL path to the dispatcher.
// Request bodies are ignored; a webhook trigger carries no payload.
type WebhookServer struct {
	cfg WebhookConfig
	d   *dispatch.Dispatcher
	log logx.Logger

	mu       sync.Mutex
	limiters map[string]*limiterEntry
}

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewWebhookServer builds a webhook listener for d.
func NewWebhookServer(cfg WebhookConfig, d *dispatch.Dispatcher, log logx.Logger) *WebhookServer {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &WebhookServer{cfg: cfg, d: d, log: log, limiters: make(map[string]*limiterEntry)}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *WebhookServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("webhook listener started", logx.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *WebhookServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	remote := remoteHost(r)
	if !s.limiter(remote).Allow() {
		s.log.Debug("webhook rate limited", logx.String("remote", remote))
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	if !s.d.HandleWebhook(r.Context(), r.URL.Path) {
		http.NotFound(w, r)
		return
	}
	// matched; admission may still have skipped it, which is not the
	// caller's concern
	w.WriteHeader(http.StatusAccepted)
}

func (s *WebhookServer) limiter(remote string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if e, ok := s.limiters[remote]; ok {
		e.seen = now
		return e.lim
	}
	// opportunistic sweep of idle entries
	for k, e := range s.limiters {
		if now.Sub(e.seen) > limiterIdleTTL {
			delete(s.limiters, k)
		}
	}
	e := &limiterEntry{lim: rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst), seen: now}
	s.limiters[remote] = e
	return e.lim
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
