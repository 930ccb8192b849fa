package query

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/tinyauction/pkg/config"
	"github.com/nicktill/tinyauction/pkg/httpx"
)

// Handler serves market queries over HTTP.
type Handler struct {
	service *Service
}

// NewHandler creates a query handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RefreshResponse is returned by POST /v1/tiers/refresh.
type RefreshResponse struct {
	Changed     bool      `json:"changed"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// HandleItems handles GET /v1/items
func (h *Handler) HandleItems(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	items, err := h.service.Items(ctx)
	if err != nil {
		httpx.RespondFailure(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, items)
}

// HandleSearch handles GET /v1/items/search?query=
func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	items, err := h.service.Search(ctx, r.URL.Query().Get("query"))
	if err != nil {
		httpx.RespondFailure(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, items)
}

// HandleTier handles GET /v1/items/{id}/tier
func (h *Handler) HandleTier(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid item id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	resp, err := h.service.Tier(ctx, id)
	if err != nil {
		httpx.RespondFailure(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, resp)
}

// HandleRefreshTiers handles POST /v1/tiers/refresh
func (h *Handler) HandleRefreshTiers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	changed, err := h.service.RefreshTiers(ctx)
	if err != nil {
		httpx.RespondFailure(w, err)
		return
	}
	resp := RefreshResponse{Changed: changed}
	if h.service.tiers != nil {
		resp.RefreshedAt = h.service.tiers.RefreshedAt()
	}
	httpx.RespondJSON(w, http.StatusOK, resp)
}

// HandleMarket handles GET /v1/auctions?query=
func (h *Handler) HandleMarket(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	rows, err := h.service.Market(ctx, r.URL.Query().Get("query"))
	if err != nil {
		httpx.RespondFailure(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, rows)
}

// HandleHistory handles GET /v1/auctions/history?item_id=&hours=
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	itemID, err := parseItemID(r, false)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	window, err := parseHours(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	rows, err := h.service.History(ctx, HistoryQuery{ItemID: itemID, Window: window})
	if err != nil {
		httpx.RespondFailure(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, rows)
}

// HandleTrends handles GET /v1/auctions/trends?item_id=&hours=
func (h *Handler) HandleTrends(w http.ResponseWriter, r *http.Request) {
	itemID, err := parseItemID(r, true)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	window, err := parseHours(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	buckets, err := h.service.Trends(ctx, itemID, window)
	if err != nil {
		httpx.RespondFailure(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, buckets)
}

func parseItemID(r *http.Request, required bool) (int64, error) {
	raw := r.URL.Query().Get("item_id")
	if raw == "" {
		if required {
			return 0, fmt.Errorf("item_id parameter is required")
		}
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid item_id %q", raw)
	}
	return id, nil
}

// parseHours reads the hours parameter; absent means the default window.
func parseHours(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("hours")
	if raw == "" {
		return 0, nil
	}
	hours, err := strconv.Atoi(raw)
	if err != nil || hours <= 0 {
		return 0, fmt.Errorf("invalid hours %q", raw)
	}
	return time.Duration(hours) * time.Hour, nil
}
