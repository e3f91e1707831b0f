package frontend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/workspace/collab-gateway/internal/authtoken"
	"github.com/workspace/collab-gateway/internal/config"
	"github.com/workspace/collab-gateway/internal/gateway"
	"github.com/workspace/collab-gateway/internal/metrics"
	"github.com/workspace/collab-gateway/internal/pipeline"
)

// Server is the gateway's HTTP/WebSocket front door.
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	validator  authtoken.Validator
	manager    *gateway.SessionManager
	metrics    *metrics.Registry
	stats      *gateway.StatsStore
	accounts   *accountsClient
	done       chan struct{}
	rebootCh   chan struct{}
}

// New constructs a Server wired to factory for lazily constructing
// per-workspace pipelines.
func New(cfg *config.Config, validator authtoken.Validator, factory pipeline.Factory) (*Server, error) {
	reg := metrics.New()

	var store *gateway.StatsStore
	if cfg.StatsDBPath != "" {
		s, err := gateway.OpenStatsStore(cfg.StatsDBPath)
		if err != nil {
			return nil, fmt.Errorf("open stats store: %w", err)
		}
		store = s
	}

	manager := gateway.NewSessionManager(gateway.ManagerConfig{
		ProductID:         cfg.ProductID,
		PipelineFactory:   factory,
		Metrics:           reg,
		Stats:             store,
		SoftShutdownTicks: cfg.SoftShutdownTicks,
		RateLimit:         cfg.SessionRateLimit,
		RateBurst:         cfg.SessionRateBurst,
	})

	s := &Server{
		cfg:       cfg,
		validator: validator,
		manager:   manager,
		metrics:   reg,
		stats:     store,
		accounts:  newAccountsClient(cfg.AccountsServiceURL),
		done:      make(chan struct{}),
		rebootCh:  make(chan struct{}, 1),
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     corsMiddleware(mux, cfg.AllowedOrigins),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
		// WriteTimeout intentionally left zero: it would apply to the
		// underlying net.Conn before the handler runs and kill hijacked
		// long-lived WebSocket connections mid-session.
	}

	return s, nil
}

// Manager exposes the server's session manager. cmd/gateway drives the
// rolling-window ticker through RollStatistics, not through Manager.
func (s *Server) Manager() *gateway.SessionManager { return s.manager }

// RebootRequested signals once an admin `reboot` operation has been
// received (spec.md §6: "reboot terminates the process after
// flushing"); cmd/gateway selects on it alongside OS signals and exits
// 0 once the in-flight HTTP response has been written and Stop
// completes.
func (s *Server) RebootRequested() <-chan struct{} { return s.rebootCh }

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/version", s.handleVersion)
	mux.HandleFunc("GET /api/v1/statistics", s.handleStatistics)
	mux.HandleFunc("PUT /api/v1/manage", s.handleManage)
	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.HandleFunc("GET /ws/{token}", s.handleUpgrade)
}

// Start begins serving. Blocks until Stop is called or the listener errors.
func (s *Server) Start() error {
	slog.Info("starting collaboration gateway", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the HTTP server down and releases the gateway's
// own operational-state resources (it never touches pipeline data).
func (s *Server) Stop(ctx context.Context) error {
	close(s.done)

	if s.stats != nil {
		if err := s.stats.Close(); err != nil {
			slog.Warn("failed to close stats store", "error", err)
		}
	}

	return s.httpServer.Shutdown(ctx)
}

// RollStatistics starts a ticker that blends each session's rolling
// statistics window once per cfg.StatsRollInterval, stopping when ctx is
// cancelled (spec.md §4.B "mins5" window).
func (s *Server) RollStatistics(ctx context.Context) {
	interval := s.cfg.StatsRollInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.manager.RollStatistics()
		}
	}
}

func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := false
		for _, o := range allowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
			if strings.Contains(o, "*.") {
				idx := strings.Index(o, "*.")
				prefix, suffix := o[:idx], o[idx+1:]
				if strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
					allowed = true
					break
				}
			}
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
