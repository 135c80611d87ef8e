package server

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/javier96ke/plazas/pkg/config"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header = non-browser client (curl, monitoring)
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// StatusHub manages websocket clients subscribed to live cache status.
type StatusHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte

	pingInterval time.Duration

	mu sync.RWMutex
}

// NewStatusHub creates the hub. Run must be started before upgrades.
func NewStatusHub() *StatusHub {
	return &StatusHub{
		clients:      make(map[*websocket.Conn]bool),
		register:     make(chan *websocket.Conn, 8),
		unregister:   make(chan *websocket.Conn, 8),
		broadcast:    make(chan []byte, config.WSBroadcastBuffer),
		pingInterval: config.WSPingInterval,
	}
}

// Run drives the hub until the context is cancelled.
func (h *StatusHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client connected (total: %d)", count)
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client disconnected (total: %d)", count)
		case message := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()

			for _, conn := range failed {
				h.unregister <- conn
			}
		}
	}
}

// Broadcast queues a status payload for all connected clients. A full
// channel drops the message instead of blocking the caller.
func (h *StatusHub) Broadcast(data interface{}) error {
	message, err := json.Marshal(data)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- message:
	default:
		log.Printf("Broadcast channel full, dropping status update")
	}
	return nil
}

// HasClients reports whether anyone is listening.
func (h *StatusHub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// HandleUpgrade upgrades the request and registers the connection.
func (h *StatusHub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	h.register <- conn

	stop := make(chan struct{})

	// Ping sender keeps idle subscribers alive: status clients only
	// listen, so without pings the read deadline would expire and drop
	// them. The pong handler below refreshes that deadline.
	go func() {
		ticker := time.NewTicker(h.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop: we never expect client messages, but reading is what
	// surfaces close frames and dead peers.
	go func() {
		defer func() {
			close(stop)
			h.unregister <- conn
		}()
		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		}
	}()
}
