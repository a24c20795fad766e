package collectord

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"adchain/collector"
	"adchain/services/collectord/middleware"
	"adchain/settlement"
)

// AdminScope is required on tokens presented to admin routes.
const AdminScope = "settlement:admin"

// RetryQueue is the settlement surface exposed to operators.
type RetryQueue interface {
	RetryDue(ctx context.Context) ([]settlement.BatchRecord, error)
	Retries(ctx context.Context) ([]settlement.RetryItem, error)
	Requeue(ctx context.Context, id string) (settlement.RetryItem, error)
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Auth         middleware.AuthConfig
	CORS         middleware.CORSConfig
	RateLimit    middleware.RateLimit
	MaxBodyBytes int64
	// Stream enables /v1/tenants/{tenant}/stream when set.
	Stream     *Stream
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Server exposes the collector over HTTP.
type Server struct {
	collector *collector.Collector
	retries   RetryQueue
	logger    *slog.Logger
	maxBody   int64
	stream    *Stream
	handler   http.Handler

	originPatterns []string
}

// NewServer builds the router.
func NewServer(c *collector.Collector, retries RetryQueue, cfg ServerConfig, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	obs, err := middleware.NewObservability(cfg.Registerer, logger)
	if err != nil {
		return nil, err
	}
	s := &Server{
		collector:      c,
		retries:        retries,
		logger:         logger,
		maxBody:        cfg.MaxBodyBytes,
		stream:         cfg.Stream,
		originPatterns: originPatterns(cfg.CORS.AllowedOrigins),
	}

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))
	r.Use(obs.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	auth := middleware.NewAuthenticator(cfg.Auth, logger)
	limiter := middleware.NewRateLimiter(cfg.RateLimit)

	r.Route("/v1/tenants/{tenant}", func(tr chi.Router) {
		tr.Group(func(pub chi.Router) {
			if limiter != nil {
				pub.Use(limiter.Middleware)
			}
			pub.Post("/events", s.handleRecord)
		})
		tr.Get("/status", s.handleStatus)
		tr.Get("/history", s.handleHistory)
		tr.Get("/verify", s.handleVerify)
		if s.stream != nil {
			tr.Get("/stream", s.handleStream)
		}
		if auth != nil {
			tr.With(auth.Middleware(AdminScope)).Post("/flush", s.handleFlush)
		}
	})
	if auth != nil && retries != nil {
		r.Route("/v1/admin", func(ar chi.Router) {
			ar.Use(auth.Middleware(AdminScope))
			ar.Post("/retry", s.handleRetryDue)
			ar.Get("/retries", s.handleListRetries)
			ar.Post("/retries/requeue", s.handleRequeue)
		})
	}

	s.handler = otelhttp.NewHandler(r, "collectord")
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	var req collector.Request
	body := http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	resp, err := s.collector.Record(r.Context(), chi.URLParam(r, "tenant"), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.collector.Status(chi.URLParam(r, "tenant"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	records, err := s.collector.History(r.Context(), chi.URLParam(r, "tenant"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	report, err := s.collector.VerifyPending(chi.URLParam(r, "tenant"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	records, err := s.collector.Flush(r.Context(), chi.URLParam(r, "tenant"), settlement.TriggerManual)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleRetryDue(w http.ResponseWriter, r *http.Request) {
	records, err := s.retries.RetryDue(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// retrySummary omits the event payload from listings.
type retrySummary struct {
	ID             string    `json:"id"`
	Tenant         string    `json:"tenant"`
	CampaignID     string    `json:"campaignId"`
	SegmentIndex   uint64    `json:"segmentIndex"`
	Events         int       `json:"events"`
	Reason         string    `json:"reason"`
	LastError      string    `json:"lastError,omitempty"`
	Attempts       int       `json:"attempts"`
	NextAttempt    time.Time `json:"nextAttempt"`
	Parked         bool      `json:"parked"`
	ContentAddress string    `json:"contentAddress,omitempty"`
	TxHash         string    `json:"txHash,omitempty"`
}

func (s *Server) handleListRetries(w http.ResponseWriter, r *http.Request) {
	items, err := s.retries.Retries(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]retrySummary, 0, len(items))
	for _, item := range items {
		out = append(out, retrySummary{
			ID:             item.ID,
			Tenant:         item.Tenant,
			CampaignID:     item.CampaignID,
			SegmentIndex:   item.SegmentIndex,
			Events:         len(item.Events),
			Reason:         item.Reason,
			LastError:      item.LastError,
			Attempts:       item.Attempts,
			NextAttempt:    item.NextAttempt.UTC(),
			Parked:         item.Parked,
			ContentAddress: item.ContentAddress,
			TxHash:         item.TxHash,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"retries": out})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "id required")
		return
	}
	item, err := s.retries.Requeue(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": item.ID, "nextAttempt": item.NextAttempt})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, collector.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, settlement.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, settlement.ErrSegmentBusy):
		writeError(w, http.StatusConflict, "flush already in progress")
	default:
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// originPatterns converts CORS origins into websocket host patterns.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if i := strings.Index(origin, "://"); i >= 0 {
			origin = origin[i+3:]
		}
		patterns = append(patterns, origin)
	}
	if len(patterns) == 0 {
		return []string{"*"}
	}
	return patterns
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
