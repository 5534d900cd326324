// Package httpapi implements Errly's dashboard-facing REST surface: health
// and diagnostics, direct error ingestion, the SSE push stream, and the
// conventional list/detail/related/delete/status/stats/services endpoints
// over the Store. Grounded on pkg/httpserver's chi.Router (already built in
// the teacher's net/http.Server bootstrap shape) plus the teacher's
// services/gateway-svc/internal/handlers convention of one file per concern
// fed by a shared handler struct holding its collaborators.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"errly/internal/grouper"
	"errly/internal/platformclient"
	"errly/internal/pushhub"
	"errly/internal/store"
	"errly/internal/watcher"
	"errly/pkg/config"
	"errly/pkg/ratelimit"
)

const (
	maxIngestBodyBytes     = 262144
	ingestRateLimitPerMin  = 100
	maxBulkDeleteIDs       = 500
	bulkClearThreshold     = 100
	relatedWindowMinutes   = 5
	relatedLimit           = 20
	sessionCookieName      = "errly_session"
	integrationTokenKey    = "integrationToken"
)

// HealthChecker is the subset of *database.SQLiteDB the health endpoint
// needs to verify connectivity.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handler owns every collaborator the HTTP surface calls into. Watcher and
// PlatformClient are nil when auto-capture is disabled (no Railway token
// configured); handlers treat that as "no data to report", never an error.
type Handler struct {
	cfg      *config.Config
	db       HealthChecker
	store    *store.Store
	grouper  *grouper.Grouper
	hub      *pushhub.Hub
	watcher  *watcher.Watcher
	platform *platformclient.Client

	ingestLimiter *ratelimit.MemoryLimiter
	startedAt     time.Time
}

// New builds a Handler. watcher and platform may be nil.
func New(cfg *config.Config, db HealthChecker, st *store.Store, g *grouper.Grouper, hub *pushhub.Hub, w *watcher.Watcher, pc *platformclient.Client) *Handler {
	return &Handler{
		cfg:      cfg,
		db:       db,
		store:    st,
		grouper:  g,
		hub:      hub,
		watcher:  w,
		platform: pc,
		ingestLimiter: ratelimit.NewMemoryLimiter(&ratelimit.Config{
			Requests:        ingestRateLimitPerMin,
			Window:          time.Minute,
			Strategy:        "sliding_window",
			CleanupInterval: 5 * time.Minute,
		}),
		startedAt: time.Now(),
	}
}

// Close releases background resources (the ingest limiter's cleanup loop).
func (h *Handler) Close() {
	h.ingestLimiter.Close()
}

// RegisterRoutes wires every endpoint onto r, which is expected to already
// carry the standard middleware chain from pkg/httpserver.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.With(h.requireIntegrationToken, h.rateLimitIngestion).Post("/errors", h.handleIngest)

		r.Group(func(r chi.Router) {
			r.Use(h.requireSession)

			r.Get("/diagnostics", h.handleDiagnostics)
			r.Get("/errors/stream", h.handleStream)
			r.Get("/errors", h.handleList)
			r.Get("/errors/{id}", h.handleDetail)
			r.Get("/errors/{id}/related", h.handleRelated)
			r.Delete("/errors", h.handleBulkDelete)
			r.Post("/errors/delete-all", h.handleDeleteAll)
			r.Patch("/errors/{id}/status", h.handleUpdateStatus)
			r.Get("/errors/stats", h.handleStats)
			r.Get("/errors/services", h.handleServices)
		})
	})
}

func withJSONBody(w http.ResponseWriter, r *http.Request, limit int64) *http.Request {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	return r
}
