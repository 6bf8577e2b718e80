// Package api exposes the sentinel REST surface: event ingestion,
// audit trail, alert lifecycle, mitigation lookups, and admin
// operations.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/careerhive/sentinel/internal/audit"
	"github.com/careerhive/sentinel/internal/core"
	"github.com/careerhive/sentinel/internal/notify"
	"github.com/careerhive/sentinel/internal/ratelimit"
)

// Deps are the wired pipeline components the API serves.
type Deps struct {
	Config    *core.Config
	Ingestor  *core.Ingestor
	Alerts    *core.AlertManager
	Responses *core.ResponseExecutor
	Rules     *core.RuleRegistry
	Audit     *audit.Logger
	Limiter   *ratelimit.Limiter
	Metrics   *core.Metrics
	PromReg   *prometheus.Registry
	Bus       *core.EventBus
	Notifier  *notify.WebhookNotifier
}

// Server is the sentinel REST API server.
type Server struct {
	deps     Deps
	server   *http.Server
	logger   zerolog.Logger
	done     chan struct{}
	stopOnce sync.Once
}

// NewServer builds the router and middleware chain.
func NewServer(logger zerolog.Logger, deps Deps) *Server {
	s := &Server{
		deps:   deps,
		logger: logger.With().Str("component", "api_server").Logger(),
		done:   make(chan struct{}),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/events", s.handleIngestEvent).Methods(http.MethodPost)
	v1.HandleFunc("/events/recent", s.handleRecentEvents).Methods(http.MethodGet)
	v1.HandleFunc("/audit", s.handleAuditLog).Methods(http.MethodPost)
	v1.HandleFunc("/audit/search", s.handleAuditSearch).Methods(http.MethodGet)
	v1.HandleFunc("/audit/export", s.handleAuditExport).Methods(http.MethodGet)
	v1.HandleFunc("/alerts", s.handleListAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id}", s.handleGetAlert).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id}", s.handlePatchAlert).Methods(http.MethodPatch)
	v1.HandleFunc("/blocked/{ip}", s.handleBlockedIP).Methods(http.MethodGet)
	v1.HandleFunc("/locked/{user}", s.handleLockedAccount).Methods(http.MethodGet)
	v1.HandleFunc("/ratelimit/{provider}/{user}", s.handleRateLimitRemaining).Methods(http.MethodGet)
	v1.HandleFunc("/metrics", s.handleMetricsSnapshot).Methods(http.MethodGet)
	v1.HandleFunc("/rules", s.handleListRules).Methods(http.MethodGet)
	v1.HandleFunc("/rules/{id}/enable", s.handleRuleToggle(true)).Methods(http.MethodPost)
	v1.HandleFunc("/rules/{id}/disable", s.handleRuleToggle(false)).Methods(http.MethodPost)
	v1.HandleFunc("/notifications/deadletters", s.handleNotifyDeadLetters).Methods(http.MethodGet)
	v1.HandleFunc("/notifications/stats", s.handleNotifyStats).Methods(http.MethodGet)

	if deps.PromReg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.PromReg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	handler := s.requestLogging(s.httpRateLimit(s.auth(r), 100))

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", deps.Config.Server.Host, deps.Config.Server.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the composed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start begins serving in the background.
func (s *Server) Start() {
	s.logger.Info().Str("addr", s.server.Addr).Msg("API server starting")
	if s.deps.Config.AuthEnabled() {
		s.logger.Info().Int("keys", len(s.deps.Config.Server.APIKeys)).Msg("API authentication enabled")
	} else {
		s.logger.Warn().Msg("API authentication disabled, set api_keys in config or SENTINEL_API_KEY")
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
}

// Stop gracefully shuts the server down and releases background
// goroutines.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
