// Package gateway is the network edge of the exchange: the order and
// event WebSockets, the REST read model, and the admin endpoints. It
// stamps every inbound command with its arrival order and wall-clock
// timestamp, so everything downstream of this package is deterministic.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/arenex/exchange-core/internal/engine"
	"github.com/arenex/exchange-core/internal/fixed"
	"github.com/arenex/exchange-core/internal/metrics"
	"github.com/arenex/exchange-core/internal/model"
	"github.com/arenex/exchange-core/internal/store"
)

// injectTimeout bounds how long a producer waits for the engine before
// reporting it unavailable.
const injectTimeout = 5 * time.Second

var errEngineBusy = errors.New("engine unavailable, try again")

// Gateway owns the HTTP surface and feeds the engine's inbound queue.
type Gateway struct {
	store      store.Store
	hub        *Hub
	inbound    chan<- engine.Inbound
	adminToken string
	arrival    atomic.Uint64
}

// New creates a gateway. An empty adminToken disables the admin routes.
func New(st store.Store, hub *Hub, inbound chan<- engine.Inbound, adminToken string) *Gateway {
	return &Gateway{
		store:      st,
		hub:        hub,
		inbound:    inbound,
		adminToken: adminToken,
	}
}

// Router builds the full HTTP surface.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Admin-Token")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"exchange-core"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	// WebSockets hold their connections far beyond any request timeout,
	// so the timeout middleware applies to the REST tree only.
	r.Get("/ws/orders", g.handleOrders)
	r.Get("/ws/events", g.hub.HandleEvents)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/book", g.handleBook)
		r.Get("/trades", g.handleTrades)
		r.Get("/positions/{traderID}", g.handlePosition)
		r.Get("/leaderboard", g.handleLeaderboard)

		r.Route("/admin", func(r chi.Router) {
			r.Use(g.requireAdmin)
			r.Post("/halt", g.handleHalt)
			r.Post("/resume", g.handleResume)
			r.Post("/deposit", g.handleDeposit)
			r.Post("/unfreeze", g.handleUnfreeze)
		})
	})

	return r
}

// inject stamps a command with its arrival order and timestamp, queues
// it, and waits for the engine's reply.
func (g *Gateway) inject(ctx context.Context, cmd *model.Command) ([]model.Event, error) {
	cmd.ArrivalSeq = g.arrival.Add(1)
	cmd.TsNs = time.Now().UnixNano()
	ib := engine.Inbound{Cmd: cmd, Reply: make(chan []model.Event, 1)}

	timer := time.NewTimer(injectTimeout)
	defer timer.Stop()
	select {
	case g.inbound <- ib:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errEngineBusy
	}
	select {
	case events := <-ib.Reply:
		return events, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errEngineBusy
	}
}

// sweep injects the cancel-on-disconnect command for a trader whose
// order connection dropped. Fire and forget; nobody is left to reply to.
func (g *Gateway) sweep(traderID string) {
	cmd := &model.Command{
		Type:       model.CmdCancelAll,
		TraderID:   traderID,
		ArrivalSeq: g.arrival.Add(1),
		TsNs:       time.Now().UnixNano(),
	}
	timer := time.NewTimer(injectTimeout)
	defer timer.Stop()
	select {
	case g.inbound <- engine.Inbound{Cmd: cmd}:
	case <-timer.C:
		slog.Warn("disconnect sweep dropped, queue full", "trader_id", traderID)
	}
}

// --- REST read model ---

func (g *Gateway) handleBook(w http.ResponseWriter, r *http.Request) {
	snap, err := g.store.LatestBook(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, &store.BookSnapshot{
			Bids: []model.BookLevel{},
			Asks: []model.BookLevel{},
		})
		return
	}
	if err != nil {
		writeError(w, "failed to load book", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (g *Gateway) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50, 500)
	trades, err := g.store.RecentTrades(r.Context(), limit)
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []store.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

func (g *Gateway) handlePosition(w http.ResponseWriter, r *http.Request) {
	traderID := chi.URLParam(r, "traderID")
	p, err := g.store.Position(r.Context(), traderID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load position", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (g *Gateway) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 25, 100)
	board, err := g.store.Leaderboard(r.Context(), limit)
	if err != nil {
		writeError(w, "failed to load leaderboard", http.StatusInternalServerError)
		return
	}
	if board == nil {
		board = []store.PositionRecord{}
	}
	writeJSON(w, http.StatusOK, board)
}

// --- Admin endpoints ---

func (g *Gateway) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.adminToken == "" {
			writeError(w, "admin endpoints disabled", http.StatusNotFound)
			return
		}
		if r.Header.Get("X-Admin-Token") != g.adminToken {
			writeError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// adminResponse returns the sequenced events an admin command produced.
type adminResponse struct {
	Status string        `json:"status"`
	Events []model.Event `json:"events"`
}

func (g *Gateway) runAdmin(w http.ResponseWriter, r *http.Request, cmd *model.Command) {
	events, err := g.inject(r.Context(), cmd)
	if err != nil {
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	slog.Info("admin command applied", "type", cmd.Type, "trader_id", cmd.TraderID)
	writeJSON(w, http.StatusOK, adminResponse{Status: "ok", Events: events})
}

func (g *Gateway) handleHalt(w http.ResponseWriter, r *http.Request) {
	g.runAdmin(w, r, &model.Command{Type: model.CmdAdminHalt})
}

func (g *Gateway) handleResume(w http.ResponseWriter, r *http.Request) {
	g.runAdmin(w, r, &model.Command{Type: model.CmdAdminResume})
}

// depositRequest is the JSON body for POST /api/admin/deposit.
type depositRequest struct {
	TraderID string          `json:"trader_id"`
	Amount   decimal.Decimal `json:"amount"`
}

func (g *Gateway) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TraderID == "" {
		writeError(w, "trader_id is required", http.StatusBadRequest)
		return
	}
	amount, err := fixed.FromDecimal(req.Amount)
	if err != nil || amount <= 0 {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}
	g.runAdmin(w, r, &model.Command{
		Type:     model.CmdDeposit,
		TraderID: req.TraderID,
		Amount:   amount,
	})
}

// unfreezeRequest is the JSON body for POST /api/admin/unfreeze.
type unfreezeRequest struct {
	TraderID string `json:"trader_id"`
}

func (g *Gateway) handleUnfreeze(w http.ResponseWriter, r *http.Request) {
	var req unfreezeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TraderID == "" {
		writeError(w, "trader_id is required", http.StatusBadRequest)
		return
	}
	g.runAdmin(w, r, &model.Command{
		Type:     model.CmdAdminUnfreeze,
		TraderID: req.TraderID,
	})
}

// --- Helpers ---

func parseLimit(r *http.Request, def, max int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
