package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"

	"github.com/nicktill/tinyauction/pkg/market"
	"github.com/nicktill/tinyauction/pkg/storage"
)

// Supported formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

// FormatVersion is written into JSON metadata.
const FormatVersion = "1.0"

const sheetName = "History"

// Store is the read surface an export needs.
type Store interface {
	History(ctx context.Context, req storage.HistoryRequest) ([]market.HistoryRecord, error)
	Items(ctx context.Context) ([]market.Item, error)
}

// Exporter handles exporting auction history to various formats
type Exporter struct {
	storage Store
	now     func() time.Time
}

// NewExporter creates a new exporter
func NewExporter(store Store) *Exporter {
	return &Exporter{storage: store, now: time.Now}
}

// ExportOptions configures the export operation
type ExportOptions struct {
	// Time range to export (Start exclusive, End inclusive)
	Start time.Time
	End   time.Time

	// Filter by item (0 = all items)
	ItemID int64

	// Format: "json", "csv" or "xlsx"
	Format string
}

// ExportResult contains stats about the export
type ExportResult struct {
	RecordsExported int       `json:"records_exported"`
	TimeRange       string    `json:"time_range"`
	Format          string    `json:"format"`
	ExportedAt      time.Time `json:"exported_at"`
}

// Record is one exported history row.
type Record struct {
	ID           int64           `json:"id"`
	ItemID       int64           `json:"item_id"`
	ItemName     string          `json:"item_name"`
	Quantity     int64           `json:"quantity"`
	Buyout       int64           `json:"buyout"`
	Price        string          `json:"price"`
	TimeLeft     market.TimeLeft `json:"time_left"`
	SnapshotTime time.Time       `json:"snapshot_time"`
}

// Metadata heads a JSON export.
type Metadata struct {
	ExportedAt  time.Time `json:"exported_at"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	ItemID      int64     `json:"item_id,omitempty"`
	RecordCount int       `json:"record_count"`
	Format      string    `json:"format"`
	Version     string    `json:"version"`
}

// Document is the JSON export layout.
type Document struct {
	Metadata Metadata `json:"metadata"`
	Records  []Record `json:"records"`
}

var header = []string{"id", "item_id", "item_name", "quantity", "buyout", "price", "time_left", "snapshot_time"}

// Export writes history in opts.Format to w.
func (e *Exporter) Export(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	switch opts.Format {
	case FormatJSON, "":
		return e.ExportToJSON(ctx, w, opts)
	case FormatCSV:
		return e.ExportToCSV(ctx, w, opts)
	case FormatXLSX:
		return e.ExportToXLSX(ctx, w, opts)
	default:
		return nil, fmt.Errorf("unsupported format %q", opts.Format)
	}
}

// ExportToJSON exports history as JSON to the given writer
func (e *Exporter) ExportToJSON(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	records, err := e.records(ctx, opts)
	if err != nil {
		return nil, err
	}

	doc := Document{
		Metadata: Metadata{
			ExportedAt:  e.now(),
			StartTime:   opts.Start,
			EndTime:     opts.End,
			ItemID:      opts.ItemID,
			RecordCount: len(records),
			Format:      FormatJSON,
			Version:     FormatVersion,
		},
		Records: records,
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return nil, errors.Wrap(err, "encode JSON")
	}
	return e.result(opts, FormatJSON, len(records), doc.Metadata.ExportedAt), nil
}

// ExportToCSV exports history as CSV to the given writer
func (e *Exporter) ExportToCSV(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	records, err := e.records(ctx, opts)
	if err != nil {
		return nil, err
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return nil, errors.Wrap(err, "write CSV header")
	}
	for _, r := range records {
		row := []string{
			strconv.FormatInt(r.ID, 10),
			strconv.FormatInt(r.ItemID, 10),
			r.ItemName,
			strconv.FormatInt(r.Quantity, 10),
			strconv.FormatInt(r.Buyout, 10),
			r.Price,
			string(r.TimeLeft),
			r.SnapshotTime.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(row); err != nil {
			return nil, errors.Wrap(err, "write CSV row")
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, errors.Wrap(err, "flush CSV")
	}
	return e.result(opts, FormatCSV, len(records), e.now()), nil
}

// ExportToXLSX exports history as a single-sheet workbook.
func (e *Exporter) ExportToXLSX(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	records, err := e.records(ctx, opts)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return nil, errors.Wrap(err, "name sheet")
	}

	sw, err := f.NewStreamWriter(sheetName)
	if err != nil {
		return nil, errors.Wrap(err, "open sheet writer")
	}
	head := make([]interface{}, len(header))
	for i, h := range header {
		head[i] = h
	}
	if err := sw.SetRow("A1", head); err != nil {
		return nil, errors.Wrap(err, "write XLSX header")
	}
	for i, r := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		row := []interface{}{
			r.ID, r.ItemID, r.ItemName, r.Quantity, r.Buyout, r.Price,
			string(r.TimeLeft), r.SnapshotTime.UTC().Format(time.RFC3339),
		}
		if err := sw.SetRow(cell, row); err != nil {
			return nil, errors.Wrap(err, "write XLSX row")
		}
	}
	if err := sw.Flush(); err != nil {
		return nil, errors.Wrap(err, "flush XLSX")
	}
	if _, err := f.WriteTo(w); err != nil {
		return nil, errors.Wrap(err, "write XLSX")
	}
	return e.result(opts, FormatXLSX, len(records), e.now()), nil
}

// records loads history oldest first and joins item names.
func (e *Exporter) records(ctx context.Context, opts ExportOptions) ([]Record, error) {
	history, err := e.storage.History(ctx, storage.HistoryRequest{
		After:  opts.Start,
		Before: opts.End,
		ItemID: opts.ItemID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "query history")
	}
	items, err := e.storage.Items(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load items")
	}
	names := make(map[int64]string, len(items))
	for _, it := range items {
		names[it.ID] = it.Name
	}

	out := make([]Record, len(history))
	for i, h := range history {
		name, ok := names[h.ItemID]
		if !ok {
			name = market.UnknownItemName
		}
		// History arrives newest first.
		out[len(history)-1-i] = Record{
			ID:           h.ID,
			ItemID:       h.ItemID,
			ItemName:     name,
			Quantity:     h.Quantity,
			Buyout:       h.Buyout,
			Price:        market.FormatMoney(h.Buyout),
			TimeLeft:     h.TimeLeft,
			SnapshotTime: h.SnapshotTime,
		}
	}
	return out, nil
}

func (e *Exporter) result(opts ExportOptions, format string, n int, at time.Time) *ExportResult {
	return &ExportResult{
		RecordsExported: n,
		TimeRange:       fmt.Sprintf("%s to %s", opts.Start.Format(time.RFC3339), opts.End.Format(time.RFC3339)),
		Format:          format,
		ExportedAt:      at,
	}
}
