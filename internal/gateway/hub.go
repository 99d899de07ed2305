package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arenex/exchange-core/internal/metrics"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = 30 * time.Second
	maxMessageBytes = 4096
	sendBuffer      = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// Hub fans the sequenced event stream out to /ws/events subscribers.
// Each subscriber gets a buffered send queue; one whose queue is full is
// dropped on the spot, so a slow consumer can never back the engine up.
type Hub struct {
	register   chan *subscriber
	unregister chan *subscriber
	broadcast  chan []byte
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates an event fan-out hub.
func NewHub() *Hub {
	return &Hub{
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		broadcast:  make(chan []byte, 1024),
	}
}

// Run owns the subscriber set. Must be called in a goroutine; it runs
// for the life of the process.
func (h *Hub) Run() {
	subs := make(map[*subscriber]bool)
	for {
		select {
		case s := <-h.register:
			subs[s] = true
			metrics.WebSocketClients.WithLabelValues("events").Inc()
			slog.Info("event subscriber connected", "total", len(subs))

		case s := <-h.unregister:
			if subs[s] {
				delete(subs, s)
				close(s.send)
				metrics.WebSocketClients.WithLabelValues("events").Dec()
			}

		case msg := <-h.broadcast:
			for s := range subs {
				select {
				case s.send <- msg:
				default:
					delete(subs, s)
					close(s.send)
					metrics.WebSocketClients.WithLabelValues("events").Dec()
					metrics.SubscribersDropped.Inc()
					slog.Warn("event subscriber dropped, send queue full")
				}
			}
		}
	}
}

// Broadcast enqueues one encoded event for every subscriber. It never
// blocks; if the hub itself is wedged the message is shed.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
	}
}

// HandleEvents upgrades GET /ws/events and streams sequenced events.
func (h *Hub) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "endpoint", "events", "err", err)
		return
	}
	s := &subscriber{conn: conn, send: make(chan []byte, sendBuffer)}
	h.register <- s

	go s.writePump()
	go s.readPump(h)
}

// readPump discards inbound frames, keeping the connection alive and
// detecting disconnects. The event stream is one-way.
func (s *subscriber) readPump(h *Hub) {
	defer func() {
		h.unregister <- s
		s.conn.Close()
	}()
	s.conn.SetReadLimit(maxMessageBytes)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
