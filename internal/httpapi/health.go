package httpapi

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"errly/internal/watcher"
)

// healthPayload is shared between the unauthenticated /health summary and
// the authenticated /api/diagnostics superset of it.
type healthPayload struct {
	Status              string `json:"status"`
	UptimeSeconds       int64  `json:"uptime"`
	DBConnected         bool   `json:"dbConnected"`
	AutoCaptureEnabled  bool   `json:"autoCaptureEnabled"`
	ActiveSubscriptions int    `json:"activeSubscriptions"`
	SSEClients          int    `json:"sseClients"`
	LastDiscoveryAt     *int64 `json:"lastDiscoveryAt,omitempty"`
}

func (h *Handler) buildHealth(ctx context.Context) (healthPayload, error) {
	dbErr := h.db.HealthCheck(ctx)

	p := healthPayload{
		Status:             "ok",
		UptimeSeconds:      int64(time.Since(h.startedAt).Seconds()),
		DBConnected:        dbErr == nil,
		AutoCaptureEnabled: h.cfg.AutoCaptureEnabled(),
		SSEClients:         h.hub.ClientCount(),
	}
	if dbErr != nil {
		p.Status = "degraded"
	}

	if h.watcher != nil {
		p.ActiveSubscriptions = h.watcher.ActiveSubscriptionCount()
		if t := h.watcher.LastDiscoveryAt(); !t.IsZero() {
			ms := t.UnixMilli()
			p.LastDiscoveryAt = &ms
		}
	}

	return p, dbErr
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload, dbErr := h.buildHealth(r.Context())

	status := http.StatusOK
	if dbErr != nil {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, payload)
}

// diagnosticsPayload extends healthPayload with the operator-facing detail
// spec §6 requires: circuit state, rate-limit status, per-subscription
// status, error rate, and process memory.
type diagnosticsPayload struct {
	healthPayload
	CircuitState       string                       `json:"circuitState"`
	RateLimitRemaining int64                        `json:"rateLimitRemaining"`
	RateLimitResetAt   *int64                       `json:"rateLimitResetAt,omitempty"`
	Subscriptions      []watcher.SubscriptionStatus  `json:"subscriptions"`
	ErrorsPerMinute    float64                       `json:"errorsPerMinute"`
	HeapAllocBytes     uint64                        `json:"heapAllocBytes"`
	// SysBytes is the memory reserved from the OS by the Go runtime; the
	// closest cross-platform approximation of RSS available without
	// reading /proc directly.
	SysBytes uint64 `json:"sysBytes"`
}

func (h *Handler) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	base, _ := h.buildHealth(r.Context())

	stats, err := h.store.Stats(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	payload := diagnosticsPayload{
		healthPayload:   base,
		CircuitState:    "n/a",
		ErrorsPerMinute: float64(stats.ErrorsLastHour) / 60.0,
		HeapAllocBytes:  ms.HeapAlloc,
		SysBytes:        ms.Sys,
	}

	if h.platform != nil {
		payload.CircuitState = h.platform.BreakerState()
		remaining, _, resetsAt := h.platform.RateLimitStatus()
		payload.RateLimitRemaining = remaining
		if !resetsAt.IsZero() {
			ms := resetsAt.UnixMilli()
			payload.RateLimitResetAt = &ms
		}
	}
	if h.watcher != nil {
		payload.Subscriptions = h.watcher.Subscriptions()
	}

	respondJSON(w, http.StatusOK, payload)
}
