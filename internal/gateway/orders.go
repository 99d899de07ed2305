package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/arenex/exchange-core/internal/metrics"
	"github.com/arenex/exchange-core/internal/model"
	"github.com/arenex/exchange-core/internal/protocol"
)

// welcomeFrame greets a new order connection with its session id.
type welcomeFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// errorFrame reports a transport-level problem: undecodable JSON, a
// command type this endpoint refuses, or a trader binding mismatch.
// These frames carry no sequence number; nothing reached the engine.
type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// orderSession is one /ws/orders connection. The first command binds the
// session to its trader id; every later command must carry the same id.
// Commands are handled strictly one at a time: read, inject, await the
// engine's reply, echo the events, then read the next.
type orderSession struct {
	g    *Gateway
	id   string
	conn *websocket.Conn
	done chan struct{}

	mu       sync.Mutex // guards conn writes
	traderID string
}

// handleOrders upgrades GET /ws/orders into an order session.
func (g *Gateway) handleOrders(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "endpoint", "orders", "err", err)
		return
	}
	s := &orderSession{
		g:    g,
		id:   uuid.NewString(),
		conn: conn,
		done: make(chan struct{}),
	}
	metrics.WebSocketClients.WithLabelValues("orders").Inc()
	slog.Info("order session opened", "session_id", s.id)
	go s.run()
}

func (s *orderSession) run() {
	defer s.close()

	s.conn.SetReadLimit(maxMessageBytes)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go s.pingLoop()

	if err := s.writeJSON(welcomeFrame{Type: "welcome", SessionID: s.id}); err != nil {
		return
	}
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handle(data)
	}
}

// handle processes one inbound frame end to end.
func (s *orderSession) handle(data []byte) {
	cmd, err := protocol.DecodeCommand(data)
	if err != nil {
		s.sendError(err.Error())
		return
	}
	switch cmd.Type {
	case model.CmdSubmitOrder, model.CmdCancelOrder, model.CmdCancelAll:
	default:
		s.sendError(fmt.Sprintf("%s is not accepted on this endpoint", cmd.Type))
		return
	}

	if s.traderID == "" {
		s.traderID = cmd.TraderID
		slog.Info("order session bound", "session_id", s.id, "trader_id", s.traderID)
	} else if cmd.TraderID != s.traderID {
		s.sendError("trader_id does not match this session")
		return
	}

	events, err := s.g.inject(context.Background(), cmd)
	if err != nil {
		s.sendError(err.Error())
		return
	}
	for _, ev := range events {
		// Events out of the engine are sealed: tagged, stamped, and
		// immutable, so a plain marshal is safe here.
		payload, err := json.Marshal(ev)
		if err != nil {
			slog.Error("event encode failed", "type", ev.EventType(), "err", err)
			continue
		}
		if s.write(payload) != nil {
			return
		}
	}
}

// close tears the session down and sweeps the trader's resting orders.
func (s *orderSession) close() {
	close(s.done)
	s.conn.Close()
	metrics.WebSocketClients.WithLabelValues("orders").Dec()
	if s.traderID == "" {
		slog.Info("order session closed", "session_id", s.id)
		return
	}
	s.g.sweep(s.traderID)
	slog.Info("order session closed, resting orders swept",
		"session_id", s.id, "trader_id", s.traderID)
}

func (s *orderSession) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *orderSession) sendError(msg string) {
	if err := s.writeJSON(errorFrame{Type: "error", Message: msg}); err != nil {
		slog.Debug("error frame dropped", "session_id", s.id, "err", err)
	}
}

func (s *orderSession) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *orderSession) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
