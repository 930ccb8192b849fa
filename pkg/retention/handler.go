package retention

import (
	"context"
	"net/http"

	"github.com/nicktill/tinyauction/pkg/config"
	"github.com/nicktill/tinyauction/pkg/httpx"
	"github.com/nicktill/tinyauction/pkg/storage"
)

// Handler serves read-only retention views. Destructive operations are
// only reachable from the CLI.
type Handler struct {
	engine *Engine
}

// NewHandler creates a retention handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// BackupsResponse is returned by GET /v1/history/backups.
type BackupsResponse struct {
	Backups []storage.BackupInfo `json:"backups"`
}

// HandleStats handles GET /v1/history/stats
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	stats, err := h.engine.Stats(ctx)
	if err != nil {
		httpx.RespondFailure(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, stats)
}

// HandlePreview handles GET /v1/history/preview
func (h *Handler) HandlePreview(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	preview, err := h.engine.Preview(ctx)
	if err != nil {
		httpx.RespondFailure(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, preview)
}

// HandleBackups handles GET /v1/history/backups
func (h *Handler) HandleBackups(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	backups, err := h.engine.ListBackups(ctx)
	if err != nil {
		httpx.RespondFailure(w, err)
		return
	}
	if backups == nil {
		backups = []storage.BackupInfo{}
	}
	httpx.RespondJSON(w, http.StatusOK, BackupsResponse{Backups: backups})
}
