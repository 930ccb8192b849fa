// Package export writes auction history to files for analysis outside the
// service.
//
// # Supported Formats
//
// JSON: a metadata header plus one record per history row, pretty-printed.
//
// CSV: one row per history row with a fixed header:
//
//	id,item_id,item_name,quantity,buyout,price,time_left,snapshot_time
//
// XLSX: the same columns in a single "History" sheet, streamed with
// excelize so large exports stay flat in memory.
//
// Records are ordered oldest first. buyout is in copper; price is the same
// value rendered as "12g 34s 56c". Items missing from the catalog are
// exported as "Unknown Item".
//
// # HTTP API
//
// Export endpoint: GET /v1/export
// Query parameters:
//   - format: "json", "csv" or "xlsx" (default: json)
//   - start: RFC3339 timestamp (default: 24h before end)
//   - end: RFC3339 timestamp (default: now)
//   - item_id: restrict to one item (optional)
//
// Example:
//
//	curl "http://localhost:8080/v1/export?format=xlsx&item_id=2589" -o linen.xlsx
//
// # Usage Limits
//
//   - Maximum export time range: 30 days
//   - Default export window: 24 hours
//
// # Programmatic Usage
//
//	exporter := export.NewExporter(store)
//	file, _ := os.Create("history.csv")
//	defer file.Close()
//
//	result, err := exporter.Export(ctx, file, export.ExportOptions{
//	    Start:  time.Now().Add(-24 * time.Hour),
//	    End:    time.Now(),
//	    Format: export.FormatCSV,
//	})
package export
