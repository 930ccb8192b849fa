package ingest

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyauction/pkg/storage/memory"
)

func TestHandleRun_Success(t *testing.T) {
	c := NewCollector(sampleSource(), newTestIngester(memory.New()), nil)
	handler := NewHandler(c, time.Minute)

	rr := httptest.NewRecorder()
	handler.HandleRun(rr, httptest.NewRequest(http.MethodPost, "/v1/ingest/run", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var report CycleReport
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	require.NotEmpty(t, report.ID)
	require.Equal(t, int64(2), report.Ingest.Inserted)

	rr = httptest.NewRecorder()
	handler.HandleStatus(rr, httptest.NewRequest(http.MethodGet, "/v1/ingest/status", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	require.False(t, status.Running)
	require.Equal(t, report.ID, status.Last.ID)
}

func TestHandleRun_UpstreamFailure(t *testing.T) {
	src := sampleSource()
	src.err = errors.New("timeout")
	handler := NewHandler(NewCollector(src, newTestIngester(memory.New()), nil), time.Minute)

	rr := httptest.NewRecorder()
	handler.HandleRun(rr, httptest.NewRequest(http.MethodPost, "/v1/ingest/run", nil))

	require.Equal(t, http.StatusBadGateway, rr.Code)
	var report CycleReport
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	require.Contains(t, report.Error, "timeout")
}

func TestHandleRun_MethodNotAllowed(t *testing.T) {
	handler := NewHandler(NewCollector(sampleSource(), newTestIngester(memory.New()), nil), time.Minute)

	rr := httptest.NewRecorder()
	handler.HandleRun(rr, httptest.NewRequest(http.MethodGet, "/v1/ingest/run", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}
