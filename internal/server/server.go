// Package server exposes the coaching backend: the evaluate-session
// endpoint with its request lifecycle machine, the attempt log sink, and
// the device identity / quota snapshot mirror routes consumed by the app.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/claude/squatcoach/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Store is the persistence surface the handlers need. *storage.DB
// satisfies it.
type Store interface {
	FindAttempt(ctx context.Context, deviceID uuid.UUID, attemptIndex int) (*storage.PersistedAttempt, error)
	CheckRateLimit(ctx context.Context, deviceID uuid.UUID, windowSeconds, maxAttempts int) (storage.RateLimitSnapshot, error)
	PersistEvaluation(ctx context.Context, params storage.PersistEvaluationParams) (storage.PersistResult, error)
	InsertAttemptLog(ctx context.Context, deviceID uuid.UUID, attemptIndex int, stage string, metadata json.RawMessage) (*storage.AttemptLogRow, error)
	ListAttemptLogs(ctx context.Context, deviceID *uuid.UUID, limit int) ([]storage.AttemptLogRow, error)
	UpsertDevice(ctx context.Context, deviceID uuid.UUID) (*storage.DeviceIdentityRow, error)
	LatestDevice(ctx context.Context) (*storage.DeviceIdentityRow, error)
	GetQuotaSnapshot(ctx context.Context, deviceID uuid.UUID) (*storage.QuotaSnapshotRow, error)
	UpsertQuotaSnapshot(ctx context.Context, deviceID uuid.UUID, snapshot storage.QuotaSnapshotRow) error
	ListLockedDevices(ctx context.Context, limit int) ([]storage.LockedDeviceRow, error)
}

var _ Store = (*storage.DB)(nil)

// EvalConfig bounds the evaluation pipeline.
type EvalConfig struct {
	RateLimitAttempts      int
	RateLimitWindowSeconds int
	LLMTimeout             time.Duration
	LLMModel               string
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	db     Store
	llm    LLMProvider
	cfg    EvalConfig
	log    *slog.Logger
	apiKey string
	router chi.Router
}

// New creates a new Server with all routes configured.
func New(db Store, llm LLMProvider, cfg EvalConfig, apiKey string, log *slog.Logger) *Server {
	s := &Server{
		db:     db,
		llm:    llm,
		cfg:    cfg,
		log:    log,
		apiKey: apiKey,
		router: chi.NewRouter(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Use(RequestLogging(s.log))
	s.router.Use(CORS)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(APIKeyAuth(s.apiKey))
		r.Post("/evaluate", s.handleEvaluate)
		r.Post("/attempts", s.handleLogAttempt)
		r.Get("/attempts", s.handleListAttempts)
		r.Get("/devices/current", s.handleCurrentDevice)
		r.Put("/devices/{device_id}", s.handlePutDevice)
		r.Get("/quota/locked", s.handleListLockedDevices)
		r.Get("/quota/{device_id}", s.handleGetQuota)
		r.Put("/quota/{device_id}", s.handlePutQuota)
	})
}
