package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyauction/pkg/config"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(msg)
}

func TestHubBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(nil)
	go hub.Run(ctx)

	conn := dialHub(t, hub)
	require.Eventually(t, hub.HasClients, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Broadcast(CycleReport{ID: "cycle-1"}))
	assert.Contains(t, readText(t, conn), `"id":"cycle-1"`)
}

func TestHubReplaysLastReport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(nil)
	go hub.Run(ctx)

	require.NoError(t, hub.Broadcast(CycleReport{ID: "cycle-1"}))
	require.NoError(t, hub.Broadcast(CycleReport{ID: "cycle-2"}))

	conn := dialHub(t, hub)
	assert.Contains(t, readText(t, conn), `"id":"cycle-2"`)
}

func TestHubHandlersReturnAfterRunStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(nil)
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	var active atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		active.Add(1)
		defer active.Add(-1)
		hub.HandleWebSocket(w, r)
	}))
	defer srv.Close()

	// More clients than the register and unregister buffers hold.
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	for i := 0; i < 2*config.WSChannelBuffer+2; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		conn.Close()
	}

	assert.Eventually(t, func() bool { return active.Load() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, hub.HasClients())
}
