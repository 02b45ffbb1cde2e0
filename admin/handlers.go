// Package admin serves the HTTP endpoints used to watch a migration run:
// health, progress, the failure journal, metrics and the destination
// topology.
package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/maxpert/burrow/journal"
	"github.com/maxpert/burrow/pipeline"
	"github.com/rs/zerolog/log"
)

const (
	defaultFailureLimit = 100
	maxFailureLimit     = 1000
)

// ProgressSource reports the run's counters.
type ProgressSource interface {
	Progress() pipeline.Result
}

// FailureSource exposes the most recent journaled failures.
type FailureSource interface {
	Tail(limit int) ([]journal.FailedOperation, error)
	Count() uint64
}

// AdminHandlers handles the admin endpoints
type AdminHandlers struct {
	progress ProgressSource
	failures FailureSource
}

// NewAdminHandlers creates a new AdminHandlers instance. failures may be nil
// when no journal is configured.
func NewAdminHandlers(progress ProgressSource, failures FailureSource) *AdminHandlers {
	return &AdminHandlers{progress: progress, failures: failures}
}

// handleHealth reports liveness plus whether the run has finished.
func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	res := h.progress.Progress()
	status := "running"
	if res.Done {
		status = "done"
	}
	writeJSONResponse(w, map[string]interface{}{
		"status": status,
		"run_id": res.RunID,
	})
}

func (h *AdminHandlers) handleProgress(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.progress.Progress())
}

// handleFailures returns the newest journaled failures, newest last.
func (h *AdminHandlers) handleFailures(w http.ResponseWriter, r *http.Request) {
	if h.failures == nil {
		writeErrorResponse(w, http.StatusNotFound, "failure journal not configured")
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	recs, err := h.failures.Tail(limit)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []journal.FailedOperation{}
	}

	writeJSONResponse(w, map[string]interface{}{
		"total":    h.failures.Count(),
		"failures": recs,
	})
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return defaultFailureLimit, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}
	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}
	if limit > maxFailureLimit {
		return 0, fmt.Errorf("limit cannot exceed %d", maxFailureLimit)
	}
	return limit, nil
}
