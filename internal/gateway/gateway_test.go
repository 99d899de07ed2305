package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arenex/exchange-core/internal/engine"
	"github.com/arenex/exchange-core/internal/fixed"
	"github.com/arenex/exchange-core/internal/model"
	"github.com/arenex/exchange-core/internal/risk"
	"github.com/arenex/exchange-core/internal/store"
)

func amt(t *testing.T, s string) fixed.Amount {
	t.Helper()
	a, err := fixed.FromString(s)
	if err != nil {
		t.Fatalf("FromString(%q): %v", s, err)
	}
	return a
}

// startGateway wires a real engine, hub, and dispatcher behind an
// httptest server, mirroring the production wiring in cmd/server.
func startGateway(t *testing.T, adminToken string) (*httptest.Server, *store.MemoryStore) {
	t.Helper()

	mem := store.NewMemoryStore()
	eng := engine.New(engine.Options{
		Risk: risk.Params{
			TickSize:         1,
			PriceCollarPct:   amt(t, "0.5"),
			MaxOrderQty:      10_000,
			MaxOrderNotional: amt(t, "10000000"),
			MarginMode:       model.MarginDisabled,
		},
		StartingCapital: amt(t, "100000"),
	})

	in := make(chan engine.Inbound, 64)
	out := make(chan model.Event, 256)
	ctx, cancel := context.WithCancel(context.Background())

	hub := NewHub()
	go hub.Run()
	go eng.Run(ctx, in, out)
	go Dispatch(out, hub, nil)

	g := New(mem, hub, in, adminToken)
	srv := httptest.NewServer(g.Router())
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv, mem
}

func getJSON(t *testing.T, url string, into any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if into != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestRESTReads(t *testing.T) {
	srv, mem := startGateway(t, "")
	ctx := context.Background()

	if resp := getJSON(t, srv.URL+"/healthz", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", resp.StatusCode)
	}

	var emptyBook store.BookSnapshot
	if resp := getJSON(t, srv.URL+"/api/book", &emptyBook); resp.StatusCode != http.StatusOK {
		t.Errorf("empty book status = %d, want 200", resp.StatusCode)
	}
	if len(emptyBook.Bids) != 0 || len(emptyBook.Asks) != 0 {
		t.Errorf("empty book = %+v, want no levels", emptyBook)
	}

	if err := mem.InsertTrades(ctx, []store.TradeRecord{
		{TradeID: 1, Price: amt(t, "100"), Qty: 2, Seq: 3},
		{TradeID: 2, Price: amt(t, "101"), Qty: 1, Seq: 7},
	}); err != nil {
		t.Fatalf("InsertTrades: %v", err)
	}
	if err := mem.UpsertPositions(ctx, []store.PositionRecord{
		{TraderID: "alice", Position: 2, RealizedPnL: amt(t, "5"), Seq: 8},
		{TraderID: "bob", Position: -2, RealizedPnL: amt(t, "-5"), Seq: 8},
	}); err != nil {
		t.Fatalf("UpsertPositions: %v", err)
	}

	var trades []store.TradeRecord
	getJSON(t, srv.URL+"/api/trades?limit=1", &trades)
	if len(trades) != 1 || trades[0].TradeID != 2 {
		t.Errorf("trades = %+v, want newest trade 2 only", trades)
	}

	var pos store.PositionRecord
	getJSON(t, srv.URL+"/api/positions/alice", &pos)
	if pos.TraderID != "alice" || pos.Position != 2 {
		t.Errorf("position = %+v, want alice with position 2", pos)
	}
	if resp := getJSON(t, srv.URL+"/api/positions/nobody", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown position status = %d, want 404", resp.StatusCode)
	}

	var board []store.PositionRecord
	getJSON(t, srv.URL+"/api/leaderboard", &board)
	if len(board) != 2 || board[0].TraderID != "alice" || board[1].TraderID != "bob" {
		t.Errorf("leaderboard = %+v, want alice then bob", board)
	}
}

func postAdmin(t *testing.T, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Admin-Token", token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestAdminAuth(t *testing.T) {
	srv, _ := startGateway(t, "secret")

	resp := postAdmin(t, srv.URL+"/api/admin/halt", "", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", resp.StatusCode)
	}

	resp = postAdmin(t, srv.URL+"/api/admin/halt", "wrong", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", resp.StatusCode)
	}

	resp = postAdmin(t, srv.URL+"/api/admin/halt", "secret", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("good token status = %d, want 200", resp.StatusCode)
	}

	disabled, _ := startGateway(t, "")
	resp = postAdmin(t, disabled.URL+"/api/admin/halt", "secret", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("disabled admin status = %d, want 404", resp.StatusCode)
	}
}

func TestAdminDeposit(t *testing.T) {
	srv, _ := startGateway(t, "secret")

	resp := postAdmin(t, srv.URL+"/api/admin/deposit", "secret",
		`{"trader_id":"alice","amount":"250"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deposit status = %d, want 200", resp.StatusCode)
	}

	var reply struct {
		Status string `json:"status"`
		Events []struct {
			Type string       `json:"type"`
			Cash fixed.Amount `json:"cash"`
			Seq  uint64       `json:"seq"`
		} `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Status != "ok" || len(reply.Events) != 1 {
		t.Fatalf("reply = %+v, want ok with one event", reply)
	}
	ev := reply.Events[0]
	if ev.Type != "position_update" || ev.Seq == 0 {
		t.Errorf("event = %+v, want sequenced position_update", ev)
	}
	if want := amt(t, "100250"); ev.Cash != want {
		t.Errorf("cash = %s, want %s", ev.Cash, want)
	}

	resp = postAdmin(t, srv.URL+"/api/admin/deposit", "secret",
		`{"trader_id":"","amount":"10"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing trader_id status = %d, want 400", resp.StatusCode)
	}

	resp = postAdmin(t, srv.URL+"/api/admin/deposit", "secret",
		`{"trader_id":"alice","amount":"-5"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("negative amount status = %d, want 400", resp.StatusCode)
	}
}

func dialWS(t *testing.T, httpURL, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(httpURL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal frame %s: %v", data, err)
	}
	return m
}

func frameType(t *testing.T, m map[string]json.RawMessage) string {
	t.Helper()
	var typ string
	if err := json.Unmarshal(m["type"], &typ); err != nil {
		t.Fatalf("frame has no type: %v", err)
	}
	return typ
}

func TestOrderSocketFlow(t *testing.T) {
	srv, _ := startGateway(t, "")

	events := dialWS(t, srv.URL, "/ws/events")
	// Give the hub a beat to register the subscriber before events flow.
	time.Sleep(50 * time.Millisecond)
	orders := dialWS(t, srv.URL, "/ws/orders")

	welcome := readFrame(t, orders)
	if frameType(t, welcome) != "welcome" {
		t.Fatalf("first frame = %s, want welcome", welcome)
	}
	var sessionID string
	json.Unmarshal(welcome["session_id"], &sessionID)
	if sessionID == "" {
		t.Error("welcome carries no session_id")
	}

	// Garbage never reaches the engine; it draws an unsequenced error.
	if err := orders.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if typ := frameType(t, readFrame(t, orders)); typ != "error" {
		t.Fatalf("garbage reply type = %s, want error", typ)
	}

	// Admin commands are refused on the order socket.
	if err := orders.WriteJSON(map[string]any{"type": "admin_halt"}); err != nil {
		t.Fatalf("write admin: %v", err)
	}
	if typ := frameType(t, readFrame(t, orders)); typ != "error" {
		t.Fatalf("admin reply type = %s, want error", typ)
	}

	submit := map[string]any{
		"type": "submit_order", "trader_id": "alice",
		"side": "buy", "kind": "limit", "price": "100", "qty": 5,
	}
	if err := orders.WriteJSON(submit); err != nil {
		t.Fatalf("write submit: %v", err)
	}
	ack := readFrame(t, orders)
	if frameType(t, ack) != "order_accepted" {
		t.Fatalf("submit reply = %s, want order_accepted", ack)
	}
	if frameType(t, readFrame(t, orders)) != "book_update" {
		t.Fatal("expected book_update after order_accepted")
	}

	// The event stream sees the same sequenced events.
	if typ := frameType(t, readFrame(t, events)); typ != "order_accepted" {
		t.Fatalf("event stream first frame = %s, want order_accepted", typ)
	}
	if typ := frameType(t, readFrame(t, events)); typ != "book_update" {
		t.Fatal("event stream missing book_update")
	}

	// The session is bound to alice now.
	submit["trader_id"] = "mallory"
	if err := orders.WriteJSON(submit); err != nil {
		t.Fatalf("write mismatched submit: %v", err)
	}
	if typ := frameType(t, readFrame(t, orders)); typ != "error" {
		t.Fatalf("mismatched trader reply = %s, want error", typ)
	}

	// Dropping the connection sweeps alice's resting order.
	orders.Close()
	sweep := readFrame(t, events)
	if typ := frameType(t, sweep); typ != "order_cancelled" {
		t.Fatalf("post-disconnect frame = %s, want order_cancelled", typ)
	}
	var cancelled struct {
		TraderID string `json:"trader_id"`
	}
	raw, _ := json.Marshal(sweep)
	json.Unmarshal(raw, &cancelled)
	if cancelled.TraderID != "alice" {
		t.Errorf("swept trader = %q, want alice", cancelled.TraderID)
	}
}

func TestOrderSocketRejectEcho(t *testing.T) {
	srv, _ := startGateway(t, "")
	orders := dialWS(t, srv.URL, "/ws/orders")
	readFrame(t, orders) // welcome

	// Market order into an empty book: sequenced rejection, echoed back.
	submit := map[string]any{
		"type": "submit_order", "trader_id": "bob",
		"side": "buy", "kind": "market", "qty": 1,
	}
	if err := orders.WriteJSON(submit); err != nil {
		t.Fatalf("write submit: %v", err)
	}
	frame := readFrame(t, orders)
	if frameType(t, frame) != "order_rejected" {
		t.Fatalf("reply = %s, want order_rejected", frame)
	}
	var rej struct {
		Reason string `json:"reason"`
		Seq    uint64 `json:"seq"`
	}
	raw, _ := json.Marshal(frame)
	json.Unmarshal(raw, &rej)
	if rej.Reason != string(model.ReasonNoLiquidity) {
		t.Errorf("reason = %q, want %q", rej.Reason, model.ReasonNoLiquidity)
	}
	if rej.Seq == 0 {
		t.Error("rejection carries no sequence number")
	}
}
