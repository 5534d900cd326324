package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"errly/internal/grouper"
	"errly/internal/store"
	"errly/internal/wiring"
	"errly/pkg/apperror"
)

var validSeverities = map[string]bool{"error": true, "warn": true, "fatal": true}

var validStatuses = map[string]bool{
	store.StatusNew:           true,
	store.StatusInvestigating: true,
	store.StatusInProgress:    true,
	store.StatusResolved:      true,
}

type ingestRequest struct {
	Service    string            `json:"service"`
	Message    string            `json:"message"`
	StackTrace string            `json:"stackTrace"`
	Severity   string            `json:"severity"`
	Endpoint   string            `json:"endpoint"`
	Metadata   map[string]string `json:"metadata"`
}

type ingestResponse struct {
	ID          string `json:"id"`
	Fingerprint string `json:"fingerprint"`
	IsNew       bool   `json:"isNew"`
}

// handleIngest implements POST /api/errors: the direct-ingestion path
// guarded by requireIntegrationToken and rateLimitIngestion ahead of this
// handler in the route chain.
func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	r = withJSONBody(w, r, maxIngestBodyBytes)

	var req ingestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, err)
		return
	}

	if req.Service == "" {
		respondError(w, apperror.NewWithField(apperror.CodeValidation, "service is required", "service"))
		return
	}
	if req.Message == "" {
		respondError(w, apperror.NewWithField(apperror.CodeValidation, "message is required", "message"))
		return
	}

	severity := req.Severity
	if severity == "" {
		severity = "error"
	}
	if !validSeverities[severity] {
		respondError(w, apperror.NewWithField(apperror.CodeValidation, "severity must be one of error, warn, fatal", "severity"))
		return
	}

	result, err := h.grouper.Process(r.Context(), grouper.Input{
		Service:  req.Service,
		Message:  req.Message,
		Stack:    req.StackTrace,
		Severity: severity,
		Endpoint: req.Endpoint,
		RawLog:   req.Message,
		Source:   store.SourceDirect,
		Metadata: req.Metadata,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, ingestResponse{
		ID:          result.Group.ID,
		Fingerprint: result.Group.Fingerprint,
		IsNew:       result.IsNew,
	})
}

type listResponse struct {
	Groups []store.ErrorGroup `json:"groups"`
	Total  int                `json:"total"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	opts := store.ListOptions{
		Limit:  limit,
		Offset: offset,
		Filter: store.ListFilter{
			Service:   q.Get("service"),
			Severity:  q.Get("severity"),
			Status:    q.Get("status"),
			TimeRange: store.TimeRange(q.Get("timeRange")),
			Query:     q.Get("q"),
		},
	}

	groups, total, err := h.store.List(r.Context(), opts)
	if err != nil {
		respondError(w, apperror.Wrap(err, apperror.CodeInternal, "failed to list error groups"))
		return
	}

	respondJSON(w, http.StatusOK, listResponse{Groups: groups, Total: total})
}

func (h *Handler) getGroupOrRespond(w http.ResponseWriter, r *http.Request, id string) (*store.ErrorGroup, bool) {
	g, err := h.store.GetByID(r.Context(), id)
	if errors.Is(err, store.ErrGroupNotFound) {
		respondError(w, apperror.New(apperror.CodeNotFound, "error group not found"))
		return nil, false
	}
	if err != nil {
		respondError(w, apperror.Wrap(err, apperror.CodeInternal, "failed to look up error group"))
		return nil, false
	}
	return g, true
}

func (h *Handler) handleDetail(w http.ResponseWriter, r *http.Request) {
	g, ok := h.getGroupOrRespond(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, g)
}

func (h *Handler) handleRelated(w http.ResponseWriter, r *http.Request) {
	g, ok := h.getGroupOrRespond(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	related, err := h.store.GetRelated(r.Context(), g, relatedWindowMinutes, relatedLimit)
	if err != nil {
		respondError(w, apperror.Wrap(err, apperror.CodeInternal, "failed to look up related error groups"))
		return
	}
	respondJSON(w, http.StatusOK, related)
}

type bulkDeleteRequest struct {
	IDs []string `json:"ids"`
}

func (h *Handler) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var req bulkDeleteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	if len(req.IDs) == 0 {
		respondError(w, apperror.NewWithField(apperror.CodeValidation, "ids is required", "ids"))
		return
	}
	if len(req.IDs) > maxBulkDeleteIDs {
		respondError(w, apperror.NewWithField(apperror.CodeValidation, "ids must not exceed 500 entries", "ids"))
		return
	}

	deleted, err := h.store.DeleteByIDs(r.Context(), req.IDs)
	if err != nil {
		respondError(w, apperror.Wrap(err, apperror.CodeInternal, "failed to delete error groups"))
		return
	}

	h.broadcastCleared(deleted)
	respondJSON(w, http.StatusOK, map[string]int{"deleted": len(deleted)})
}

type deleteAllRequest struct {
	Confirm bool `json:"confirm"`
}

func (h *Handler) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	var req deleteAllRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	if !req.Confirm {
		respondError(w, apperror.NewWithField(apperror.CodeValidation, "confirm must be true", "confirm"))
		return
	}

	n, err := h.store.DeleteAll(r.Context())
	if err != nil {
		respondError(w, apperror.Wrap(err, apperror.CodeInternal, "failed to delete all error groups"))
		return
	}
	if n > 0 && h.hub != nil {
		h.hub.Broadcast(wiring.HubEvent{Type: "bulk-cleared", Payload: map[string]any{}})
	}

	respondJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// broadcastCleared mirrors the Retention Sweeper's own threshold policy
// (spec §9): few enough deletions that the dashboard can patch its list in
// place get the id-bearing event, otherwise it's told to just refetch.
func (h *Handler) broadcastCleared(ids []string) {
	if h.hub == nil || len(ids) == 0 {
		return
	}
	if len(ids) <= bulkClearThreshold {
		h.hub.Broadcast(wiring.HubEvent{Type: "error-cleared", Payload: map[string][]string{"ids": ids}})
		return
	}
	h.hub.Broadcast(wiring.HubEvent{Type: "bulk-cleared", Payload: map[string]any{}})
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	if !validStatuses[req.Status] {
		respondError(w, apperror.NewWithField(apperror.CodeValidation, "status must be one of new, investigating, in-progress, resolved", "status"))
		return
	}

	g, err := h.store.UpdateStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if errors.Is(err, store.ErrGroupNotFound) {
		respondError(w, apperror.New(apperror.CodeNotFound, "error group not found"))
		return
	}
	if err != nil {
		respondError(w, apperror.Wrap(err, apperror.CodeInternal, "failed to update error group status"))
		return
	}

	if h.hub != nil {
		h.hub.Broadcast(wiring.HubEvent{Type: "error-updated", Payload: g})
	}
	respondJSON(w, http.StatusOK, g)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		respondError(w, apperror.Wrap(err, apperror.CodeInternal, "failed to compute stats"))
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.store.Services(r.Context())
	if err != nil {
		respondError(w, apperror.Wrap(err, apperror.CodeInternal, "failed to list services"))
		return
	}
	respondJSON(w, http.StatusOK, services)
}
