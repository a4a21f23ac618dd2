package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/otherjamesbrown/user-export-service/internal/exports"
)

// Launcher starts export pipelines and cleans up after cancellations. The
// pipeline runner implements it.
type Launcher interface {
	Launch(id uuid.UUID)
	ScheduleCleanup(id uuid.UUID)
}

// ExportsHandler serves the export job lifecycle endpoints.
type ExportsHandler struct {
	registry *exports.Registry
	launcher Launcher
	logger   *zap.Logger
}

// NewExportsHandler creates the export lifecycle handler.
func NewExportsHandler(registry *exports.Registry, launcher Launcher, logger *zap.Logger) *ExportsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportsHandler{
		registry: registry,
		launcher: launcher,
		logger:   logger,
	}
}

type initiateResponse struct {
	ExportID string         `json:"exportId"`
	Status   exports.Status `json:"status"`
}

type statusResponse struct {
	ExportID    string           `json:"exportId"`
	Status      exports.Status   `json:"status"`
	Progress    exports.Progress `json:"progress"`
	Error       *string          `json:"error"`
	CreatedAt   string           `json:"createdAt"`
	CompletedAt *string          `json:"completedAt"`
	OutputURI   string           `json:"outputUri,omitempty"`
	Checksum    string           `json:"checksum,omitempty"`
}

type listResponse struct {
	Exports []statusResponse `json:"exports"`
}

// Initiate handles POST /exports/csv. Validation failures return 400 before
// any job exists; on success the job is admitted and its pipeline launched
// immediately.
func (h *ExportsHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	spec, err := exports.ParseSpec(exports.RequestParams{
		CountryCode:      q.Get("country_code"),
		SubscriptionTier: q.Get("subscription_tier"),
		MinLTV:           q.Get("min_ltv"),
		Columns:          q.Get("columns"),
		Delimiter:        q.Get("delimiter"),
		QuoteChar:        q.Get("quoteChar"),
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	job := h.registry.Create(spec)
	h.launcher.Launch(job.ID)

	h.logger.Info("export initiated",
		zap.String("job_id", job.ID.String()),
		zap.Strings("columns", spec.Columns),
	)

	respondJSON(w, http.StatusAccepted, initiateResponse{
		ExportID: job.ID.String(),
		Status:   job.Status,
	})
}

// Status handles GET /exports/{exportID}/status.
func (h *ExportsHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := parseExportID(w, r)
	if !ok {
		return
	}
	job, ok := h.registry.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "export not found")
		return
	}
	respondJSON(w, http.StatusOK, toStatusResponse(job))
}

// List handles GET /exports. The optional status query parameter filters by
// lifecycle state.
func (h *ExportsHandler) List(w http.ResponseWriter, r *http.Request) {
	var filter *exports.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := exports.Status(raw)
		switch status {
		case exports.StatusPending, exports.StatusProcessing, exports.StatusCompleted,
			exports.StatusFailed, exports.StatusCancelled:
			filter = &status
		default:
			respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", raw))
			return
		}
	}

	jobs := h.registry.List(filter, 0)
	resp := listResponse{Exports: make([]statusResponse, 0, len(jobs))}
	for _, job := range jobs {
		resp.Exports = append(resp.Exports, toStatusResponse(job))
	}
	respondJSON(w, http.StatusOK, resp)
}

// Cancel handles DELETE /exports/{exportID}. Cancelling a terminal job is a
// client error; cancelling an active one schedules artifact cleanup.
func (h *ExportsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseExportID(w, r)
	if !ok {
		return
	}

	if h.registry.CancelJob(id) {
		h.launcher.ScheduleCleanup(id)
		h.logger.Info("export cancelled", zap.String("job_id", id.String()))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// Read the status after the failed transition; a job may have gone
	// terminal while this request was in flight, and the error must name
	// the state that actually blocked the cancel.
	job, ok := h.registry.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "export not found")
		return
	}
	respondError(w, http.StatusBadRequest,
		fmt.Sprintf("export is %s and cannot be cancelled", job.Status))
}

func toStatusResponse(job exports.Job) statusResponse {
	resp := statusResponse{
		ExportID:  job.ID.String(),
		Status:    job.Status,
		Progress:  job.Progress,
		CreatedAt: job.CreatedAt.UTC().Format(time.RFC3339),
		OutputURI: job.OutputURI,
		Checksum:  job.Checksum,
	}
	if job.Error != "" {
		msg := job.Error
		resp.Error = &msg
	}
	if job.CompletedAt != nil {
		done := job.CompletedAt.UTC().Format(time.RFC3339)
		resp.CompletedAt = &done
	}
	return resp
}

// parseExportID extracts and parses the exportID path parameter. A
// malformed identifier cannot name any job, so it reads as not found.
func parseExportID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "exportID")
	id, err := uuid.Parse(raw)
	if err != nil {
		respondError(w, http.StatusNotFound, "export not found")
		return uuid.UUID{}, false
	}
	return id, true
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
