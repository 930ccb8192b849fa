package export

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinyauction/pkg/config"
	"github.com/nicktill/tinyauction/pkg/httpx"
	"github.com/nicktill/tinyauction/pkg/logging"
)

var contentTypes = map[string]string{
	FormatJSON: "application/json",
	FormatCSV:  "text/csv",
	FormatXLSX: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

// Handler handles the export HTTP endpoint
type Handler struct {
	exporter *Exporter
	log      *zap.Logger
}

// NewHandler creates a new export handler
func NewHandler(store Store, log *zap.Logger) *Handler {
	return &Handler{
		exporter: NewExporter(store),
		log:      logging.OrNop(log).Named("export"),
	}
}

// HandleExport handles GET /v1/export
// Query params:
//   - format: "json", "csv" or "xlsx" (default: json)
//   - start: RFC3339 timestamp (default: 24h before end)
//   - end: RFC3339 timestamp (default: now)
//   - item_id: item filter (optional)
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	query := r.URL.Query()

	format := query.Get("format")
	if format == "" {
		format = FormatJSON
	}
	contentType, ok := contentTypes[format]
	if !ok {
		httpx.RespondErrorString(w, http.StatusBadRequest, "Invalid format. Must be 'json', 'csv' or 'xlsx'")
		return
	}

	end := parseTimeParam(query.Get("end"), h.exporter.now())
	start := parseTimeParam(query.Get("start"), end.Add(-config.DefaultExportWindow))
	if !start.Before(end) {
		httpx.RespondErrorString(w, http.StatusBadRequest, "start must be before end")
		return
	}
	if end.Sub(start) > config.MaxExportWindow {
		httpx.RespondErrorString(w, http.StatusBadRequest,
			fmt.Sprintf("Time range too large. Maximum is %v", config.MaxExportWindow))
		return
	}

	opts := ExportOptions{Start: start, End: end, Format: format}
	if raw := query.Get("item_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			httpx.RespondErrorString(w, http.StatusBadRequest, "invalid item_id")
			return
		}
		opts.ItemID = id
	}

	// Render fully before writing headers so a failure still yields a
	// proper error response.
	var buf bytes.Buffer
	result, err := h.exporter.Export(r.Context(), &buf, opts)
	if err != nil {
		h.log.Error("Export failed", zap.String("format", format), zap.Error(err))
		httpx.RespondFailure(w, err)
		return
	}

	timestamp := h.exporter.now().UTC().Format("20060102-150405")
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=tinyauction-history-%s.%s", timestamp, format))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		h.log.Warn("Export write interrupted", zap.Error(err))
		return
	}

	h.log.Info("History exported",
		zap.Int("records", result.RecordsExported),
		zap.String("format", format),
		zap.String("range", result.TimeRange))
}

// parseTimeParam parses a time parameter or returns default
func parseTimeParam(param string, defaultTime time.Time) time.Time {
	if param == "" {
		return defaultTime
	}
	if t, err := time.Parse(time.RFC3339, param); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02T15:04:05", param); err == nil {
		return t
	}
	return defaultTime
}
