// Package exchange — WebSocket hub for real-time price broadcasting.
package exchange

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clubex/market-engine/internal/metrics"
	"github.com/clubex/market-engine/internal/model"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type      string `json:"type"`
	MemberID  string `json:"member_id"`
	Ticker    string `json:"ticker,omitempty"`
	Price     string `json:"price,omitempty"`
	Shares    string `json:"shares,omitempty"`
	Side      string `json:"side,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Hub fans out price and trade messages to every connected WebSocket
// client. Connection lifecycle runs through the join/leave channels so
// the clients map is only mutated from Run.
type Hub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	join      chan *websocket.Conn
	leave     chan *websocket.Conn
	mu        sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, 256),
		join:      make(chan *websocket.Conn),
		leave:     make(chan *websocket.Conn),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.join:
			h.mu.Lock()
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "total", total)

		case conn := <-h.leave:
			h.mu.Lock()
			h.drop(conn)
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					h.drop(conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// drop closes and forgets a connection. Caller holds h.mu.
func (h *Hub) drop(conn *websocket.Conn) {
	if _, ok := h.clients[conn]; !ok {
		return
	}
	delete(h.clients, conn)
	conn.Close()
	metrics.WebSocketClients.Dec()
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking trade execution.
	}
}

// BroadcastPrices pushes one price_update message per repriced listing.
// The scheduler calls this at the end of every tick.
func (h *Hub) BroadcastPrices(points []model.PriceHistoryPoint) {
	for _, p := range points {
		h.Broadcast(WSMessage{
			Type:      "price_update",
			MemberID:  p.MemberID,
			Price:     p.Price.String(),
			Timestamp: p.Timestamp.Format(time.RFC3339),
		})
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.join <- conn

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.leave <- conn }()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}
