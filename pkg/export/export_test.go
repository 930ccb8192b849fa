package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/nicktill/tinyauction/pkg/market"
	"github.com/nicktill/tinyauction/pkg/storage/memory"
	"github.com/nicktill/tinyauction/pkg/storage/storagetest"
)

var base = storagetest.Base

func seededStore(t *testing.T) *memory.Storage {
	t.Helper()
	store := memory.New()
	_, err := store.PutItemIfAbsent(context.Background(), market.Item{ID: 2589, Name: "Linen Cloth"})
	require.NoError(t, err)
	storagetest.SeedHistory(t, store,
		storagetest.Listing(2589, 12_345, base.Add(-2*time.Hour)),
		storagetest.Listing(2589, 100, base.Add(-1*time.Hour)),
		storagetest.Listing(7, 5, base.Add(-1*time.Hour)),
		storagetest.Listing(2589, 1, base.Add(-48*time.Hour)),
	)
	return store
}

func window() ExportOptions {
	return ExportOptions{Start: base.Add(-24 * time.Hour), End: base}
}

func TestExportToJSON(t *testing.T) {
	exporter := NewExporter(seededStore(t))
	buf := &bytes.Buffer{}

	result, err := exporter.ExportToJSON(context.Background(), buf, window())
	require.NoError(t, err)
	assert.Equal(t, 3, result.RecordsExported)
	assert.Equal(t, FormatJSON, result.Format)

	var doc Document
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, 3, doc.Metadata.RecordCount)
	assert.Equal(t, FormatVersion, doc.Metadata.Version)
	require.Len(t, doc.Records, 3)

	// Oldest first.
	first := doc.Records[0]
	assert.Equal(t, int64(12_345), first.Buyout)
	assert.Equal(t, "Linen Cloth", first.ItemName)
	assert.Equal(t, "1g 23s 45c", first.Price)

	var unknown int
	for _, r := range doc.Records {
		if r.ItemName == market.UnknownItemName {
			unknown++
		}
	}
	assert.Equal(t, 1, unknown)
}

func TestExportToCSV(t *testing.T) {
	exporter := NewExporter(seededStore(t))
	buf := &bytes.Buffer{}

	opts := window()
	opts.ItemID = 2589
	result, err := exporter.ExportToCSV(context.Background(), buf, opts)
	require.NoError(t, err)
	assert.Equal(t, 2, result.RecordsExported)

	rows, err := csv.NewReader(buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, header, rows[0])
	assert.Equal(t, "12345", rows[1][4])
	assert.Equal(t, "100", rows[2][4])
	assert.Equal(t, base.Add(-time.Hour).Format(time.RFC3339), rows[2][7])
}

func TestExportToXLSX(t *testing.T) {
	exporter := NewExporter(seededStore(t))
	buf := &bytes.Buffer{}

	result, err := exporter.ExportToXLSX(context.Background(), buf, window())
	require.NoError(t, err)
	assert.Equal(t, 3, result.RecordsExported)

	f, err := excelize.OpenReader(buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(sheetName)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, header, rows[0])
	assert.Equal(t, "Linen Cloth", rows[1][2])
}

func TestExportEmptyStorage(t *testing.T) {
	exporter := NewExporter(memory.New())
	buf := &bytes.Buffer{}

	result, err := exporter.Export(context.Background(), buf, window())
	require.NoError(t, err)
	assert.Zero(t, result.RecordsExported)

	var doc Document
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Empty(t, doc.Records)
}

func TestExportUnsupportedFormat(t *testing.T) {
	opts := window()
	opts.Format = "parquet"
	_, err := NewExporter(memory.New()).Export(context.Background(), &bytes.Buffer{}, opts)
	require.Error(t, err)
}

func TestHandleExport(t *testing.T) {
	h := NewHandler(seededStore(t), nil)
	h.exporter.now = func() time.Time { return base }

	rr := httptest.NewRecorder()
	h.HandleExport(rr, httptest.NewRequest(http.MethodGet, "/v1/export?format=csv", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/csv", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), ".csv")

	rows, err := csv.NewReader(rr.Body).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}

func TestHandleExportValidation(t *testing.T) {
	h := NewHandler(memory.New(), nil)

	tests := []struct {
		name string
		url  string
	}{
		{"bad format", "/v1/export?format=xml"},
		{"inverted range", "/v1/export?start=2026-04-10T12:00:00Z&end=2026-04-09T12:00:00Z"},
		{"range too large", "/v1/export?start=2026-01-01T00:00:00Z&end=2026-04-01T00:00:00Z"},
		{"bad item", "/v1/export?item_id=abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.HandleExport(rr, httptest.NewRequest(http.MethodGet, tt.url, nil))
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}
