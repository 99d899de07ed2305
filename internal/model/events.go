package model

import (
	"encoding/json"
	"fmt"

	"github.com/arenex/exchange-core/internal/fixed"
)

// Event is an outbound message. Every event is stamped with a strictly
// increasing gapless sequence number and the deterministic timestamp of
// the command that caused it before it is journaled or dispatched.
type Event interface {
	EventType() string
	Stamp(seq uint64, tsNs int64)
	Sequence() uint64
	Timestamp() int64
}

// EventMeta carries the wire tag and sequencing fields shared by all
// events. The sequencer fills it in; constructors leave it zero.
type EventMeta struct {
	EvType string `json:"type"`
	Seq    uint64 `json:"seq"`
	TsNs   int64  `json:"timestamp"`
}

// Stamp records the assigned sequence number and timestamp.
func (m *EventMeta) Stamp(seq uint64, tsNs int64) {
	m.Seq = seq
	m.TsNs = tsNs
}

// Sequence returns the assigned sequence number (zero before stamping).
func (m *EventMeta) Sequence() uint64 { return m.Seq }

// Timestamp returns the stamped deterministic timestamp in nanoseconds.
func (m *EventMeta) Timestamp() int64 { return m.TsNs }

// SetEventType writes the wire tag. Called by the sequencer so event
// constructors cannot get it wrong.
func (m *EventMeta) SetEventType(t string) { m.EvType = t }

// Event type tags as they appear on the wire.
const (
	EvOrderAccepted  = "order_accepted"
	EvOrderRejected  = "order_rejected"
	EvCancelRejected = "cancel_rejected"
	EvOrderCancelled = "order_cancelled"
	EvTrade          = "trade"
	EvBookUpdate     = "book_update"
	EvPositionUpdate = "position_update"
	EvLiquidation    = "liquidation"
	EvEngineFault    = "engine_fault"
)

// OrderAccepted acknowledges an admitted order.
type OrderAccepted struct {
	EventMeta
	OrderID       uint64 `json:"order_id"`
	TraderID      string `json:"trader_id"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

func (*OrderAccepted) EventType() string { return EvOrderAccepted }

// OrderRejected reports a refused order together with a closed-set reason.
type OrderRejected struct {
	EventMeta
	Reason        Reason            `json:"reason"`
	Details       map[string]string `json:"details,omitempty"`
	TraderID      string            `json:"trader_id,omitempty"`
	ClientOrderID string            `json:"client_order_id,omitempty"`
}

func (*OrderRejected) EventType() string { return EvOrderRejected }

// CancelRejected reports a cancel that referenced no live order owned by
// the requester.
type CancelRejected struct {
	EventMeta
	OrderID  uint64 `json:"order_id"`
	TraderID string `json:"trader_id"`
	Reason   Reason `json:"reason"`
}

func (*CancelRejected) EventType() string { return EvCancelRejected }

// OrderCancelled reports removal of a resting order. Reason is set only
// for self-match-prevention cancellations.
type OrderCancelled struct {
	EventMeta
	OrderID  uint64 `json:"order_id"`
	TraderID string `json:"trader_id"`
	Reason   Reason `json:"reason,omitempty"`
}

func (*OrderCancelled) EventType() string { return EvOrderCancelled }

// TradeEvent reports one fill.
type TradeEvent struct {
	EventMeta
	TradeID      uint64       `json:"trade_id"`
	Price        fixed.Amount `json:"price"`
	Qty          uint32       `json:"qty"`
	BuyTraderID  string       `json:"buy_trader_id"`
	SellTraderID string       `json:"sell_trader_id"`
	BuyOrderID   uint64       `json:"buy_order_id"`
	SellOrderID  uint64       `json:"sell_order_id"`
}

func (*TradeEvent) EventType() string { return EvTrade }

// BookLevel is one aggregated price level in a book update. It marshals
// as a [price, qty] pair.
type BookLevel struct {
	Price fixed.Amount
	Qty   uint64
}

// MarshalJSON renders the level as ["<price>", qty].
func (l BookLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{l.Price, l.Qty})
}

// UnmarshalJSON parses the [price, qty] pair form.
func (l *BookLevel) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("book level: %w", err)
	}
	if err := json.Unmarshal(raw[0], &l.Price); err != nil {
		return fmt.Errorf("book level price: %w", err)
	}
	if err := json.Unmarshal(raw[1], &l.Qty); err != nil {
		return fmt.Errorf("book level qty: %w", err)
	}
	return nil
}

// BookUpdate carries the top of the book after a command changed it.
// Best prices are omitted when the corresponding side is empty.
type BookUpdate struct {
	EventMeta
	BestBid *fixed.Amount `json:"best_bid,omitempty"`
	BestAsk *fixed.Amount `json:"best_ask,omitempty"`
	Bids    []BookLevel   `json:"bids"`
	Asks    []BookLevel   `json:"asks"`
}

func (*BookUpdate) EventType() string { return EvBookUpdate }

// PositionUpdate snapshots one trader's account after their position or
// cash changed. MarkPrice is zero when no mark exists yet.
type PositionUpdate struct {
	EventMeta
	TraderID      string       `json:"trader_id"`
	Position      int64        `json:"position"`
	Cash          fixed.Amount `json:"cash"`
	AvgEntryPrice fixed.Amount `json:"avg_entry_price"`
	RealizedPnL   fixed.Amount `json:"realized_pnl"`
	UnrealizedPnL fixed.Amount `json:"unrealized_pnl"`
	TotalEquity   fixed.Amount `json:"total_equity"`
	MarkPrice     fixed.Amount `json:"mark_price"`
}

func (*PositionUpdate) EventType() string { return EvPositionUpdate }

// LiquidationEvent reports a forced close or an exhausted liquidation.
type LiquidationEvent struct {
	EventMeta
	TraderID string `json:"trader_id"`
	Reason   Reason `json:"reason"`
	Qty      uint32 `json:"qty"`
	Side     Side   `json:"side"`
}

func (*LiquidationEvent) EventType() string { return EvLiquidation }

// EngineFault is the terminal event journaled when a fatal invariant
// violation halts the engine.
type EngineFault struct {
	EventMeta
	Invariant string `json:"invariant"`
	Details   string `json:"details"`
}

func (*EngineFault) EventType() string { return EvEngineFault }
