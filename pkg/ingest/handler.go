package ingest

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/nicktill/tinyauction/pkg/config"
	"github.com/nicktill/tinyauction/pkg/httpx"
)

// Handler exposes manual cycle triggering and cycle status over HTTP.
type Handler struct {
	collector *Collector
	timeout   time.Duration
}

// NewHandler creates an ingest handler. timeout bounds a triggered cycle.
func NewHandler(collector *Collector, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = config.DefaultIngestTimeout
	}
	return &Handler{collector: collector, timeout: timeout}
}

// StatusResponse is returned by GET /v1/ingest/status.
type StatusResponse struct {
	Running bool         `json:"running"`
	Last    *CycleReport `json:"last,omitempty"`
}

// HandleRun handles POST /v1/ingest/run
func (h *Handler) HandleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	// The cycle must not be cut short by the client disconnecting.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.timeout)
	defer cancel()

	report, err := h.collector.RunCycle(ctx)
	switch {
	case errors.Is(err, ErrCycleInProgress):
		httpx.RespondError(w, http.StatusConflict, err)
	case err != nil:
		httpx.RespondJSON(w, httpx.StatusFor(err), report)
	default:
		httpx.RespondJSON(w, http.StatusOK, report)
	}
}

// HandleStatus handles GET /v1/ingest/status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, StatusResponse{
		Running: h.collector.Running(),
		Last:    h.collector.Last(),
	})
}
