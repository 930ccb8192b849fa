package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nicktill/tinyauction/pkg/config"
	"github.com/nicktill/tinyauction/pkg/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Same-origin browsers, or non-browser clients without an Origin header
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// subscriber is one connected client. gorilla connections allow a single
// concurrent writer, so pings and reports share mu.
type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *subscriber) write(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
	return s.conn.WriteMessage(messageType, data)
}

// Hub fans cycle reports out to WebSocket subscribers. A new subscriber
// first receives the most recent report, if any.
type Hub struct {
	subscribers map[*subscriber]struct{}
	register    chan *subscriber
	unregister  chan *subscriber
	broadcast   chan []byte

	// Closed when Run returns
	done chan struct{}

	// Last broadcast payload, replayed on connect
	last atomic.Pointer[[]byte]

	log *zap.Logger
	mu  sync.RWMutex
}

// NewHub creates a new WebSocket hub
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		subscribers: make(map[*subscriber]struct{}),
		register:    make(chan *subscriber, config.WSChannelBuffer),
		unregister:  make(chan *subscriber, config.WSChannelBuffer),
		broadcast:   make(chan []byte, config.WSBroadcastBuffer),
		done:        make(chan struct{}),
		log:         logging.OrNop(log).Named("hub"),
	}
}

// Run owns the subscriber set until ctx is done. Handlers connecting
// after that are closed instead of registered.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for s := range h.subscribers {
				s.conn.Close()
			}
			h.subscribers = make(map[*subscriber]struct{})
			h.mu.Unlock()
			return
		case s := <-h.register:
			h.mu.Lock()
			h.subscribers[s] = struct{}{}
			count := len(h.subscribers)
			h.mu.Unlock()
			h.log.Debug("Subscriber connected", zap.Int("total", count))

			if last := h.last.Load(); last != nil {
				if err := s.write(websocket.TextMessage, *last); err != nil {
					h.drop(s)
				}
			}
		case s := <-h.unregister:
			h.drop(s)
		case message := <-h.broadcast:
			h.mu.RLock()
			var failed []*subscriber
			for s := range h.subscribers {
				if err := s.write(websocket.TextMessage, message); err != nil {
					h.log.Debug("WebSocket write error", zap.Error(err))
					failed = append(failed, s)
				}
			}
			h.mu.RUnlock()

			for _, s := range failed {
				h.drop(s)
			}
		}
	}
}

func (h *Hub) drop(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[s]; ok {
		delete(h.subscribers, s)
		s.conn.Close()
		h.log.Debug("Subscriber disconnected", zap.Int("total", len(h.subscribers)))
	}
}

// Broadcast queues data for all subscribers and remembers it for late
// joiners. Messages are dropped when the buffer is full.
func (h *Hub) Broadcast(data interface{}) error {
	message, err := json.Marshal(data)
	if err != nil {
		return err
	}
	h.last.Store(&message)

	select {
	case h.broadcast <- message:
	default:
		h.log.Warn("Broadcast channel full, dropping message")
	}
	return nil
}

// HasClients returns true if there are any connected WebSocket clients
func (h *Hub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers) > 0
}

// HandleWebSocket handles GET /v1/ws
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	s := &subscriber{conn: conn}
	select {
	case h.register <- s:
	case <-h.done:
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		select {
		case h.unregister <- s:
		case <-h.done:
			conn.Close()
		}
	}()

	go func() {
		ticker := time.NewTicker(config.WSPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		return nil
	})

	// Clients never send data; reading services control frames
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug("WebSocket error", zap.Error(err))
			}
			return
		}
	}
}
