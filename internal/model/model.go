// Package model defines the core domain types shared across the exchange
// engine: orders, trades, inbound commands, and the outbound event set.
// Prices and monetary values are fixed.Amount, never float64.
package model

import (
	"github.com/arenex/exchange-core/internal/fixed"
)

// Side of an order or position delta.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Valid reports whether the side is a known value.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// Kind distinguishes limit from market orders.
type Kind string

const (
	Limit  Kind = "limit"
	Market Kind = "market"
)

// Valid reports whether the kind is a known value.
func (k Kind) Valid() bool { return k == Limit || k == Market }

// TIF is the time-in-force of an order.
type TIF string

const (
	GTC TIF = "gtc" // rests until cancelled
	IOC TIF = "ioc" // fills what crosses, discards the rest
	FOK TIF = "fok" // fills completely at admission or rejects
)

// Valid reports whether the time-in-force is a known value.
func (t TIF) Valid() bool { return t == GTC || t == IOC || t == FOK }

// SelfMatchPolicy selects how an incoming order is handled when the best
// resting order on the opposite side belongs to the same trader.
type SelfMatchPolicy string

const (
	// SkipResting leaves the resting order untouched and looks past it.
	SkipResting SelfMatchPolicy = "skip_resting"
	// CancelResting cancels the resting order and keeps matching.
	CancelResting SelfMatchPolicy = "cancel_resting"
	// CancelIncoming cancels the remainder of the incoming order.
	CancelIncoming SelfMatchPolicy = "cancel_incoming"
)

// Valid reports whether the policy is a known value.
func (p SelfMatchPolicy) Valid() bool {
	return p == SkipResting || p == CancelResting || p == CancelIncoming
}

// MarginMode selects which margin checks the risk gate runs.
type MarginMode string

const (
	// MarginDisabled turns off both initial and maintenance checks.
	MarginDisabled MarginMode = "disabled"
	// MarginInitialOnly checks initial margin at admission but never
	// liquidates.
	MarginInitialOnly MarginMode = "initial_only"
	// MarginFull checks initial margin at admission and scans maintenance
	// margin after every position change.
	MarginFull MarginMode = "initial_and_maintenance"
)

// Valid reports whether the margin mode is a known value.
func (m MarginMode) Valid() bool {
	return m == MarginDisabled || m == MarginInitialOnly || m == MarginFull
}

// Order is the engine's working record of an admitted order. The matching
// engine is the only mutator (it reduces QtyLeaves); an order leaves the
// book when QtyLeaves reaches zero, it is cancelled, or its time-in-force
// expires it.
type Order struct {
	ID            uint64
	TraderID      string
	Side          Side
	Kind          Kind
	TIF           TIF
	Price         fixed.Amount // zero for market orders
	QtyOriginal   uint32
	QtyLeaves     uint32
	ClientOrderID string
	ArrivalSeq    uint64
	Liquidation   bool // synthetic close order generated by the liquidator
}

// Trade is one fill between two orders. Immutable once emitted.
type Trade struct {
	ID           uint64
	Price        fixed.Amount
	Qty          uint32
	BuyTraderID  string
	SellTraderID string
	BuyOrderID   uint64
	SellOrderID  uint64
}

// Reason is a rejection or informational reason code. The set is closed.
type Reason string

const (
	ReasonInvalidMessage        Reason = "invalid_message"
	ReasonExchangeHalted        Reason = "exchange_halted"
	ReasonInvalidPriceReference Reason = "invalid_price_reference"
	ReasonOrderSizeCap          Reason = "order_size_cap"
	ReasonNotionalCap           Reason = "notional_cap"
	ReasonRateLimited           Reason = "rate_limited"
	ReasonInitialMargin         Reason = "initial_margin_insufficient"
	ReasonNoLiquidity           Reason = "no_liquidity"
	ReasonFOKUnfillable         Reason = "fill_or_kill_unfillable"
	ReasonUnknownOrder          Reason = "unknown_order"
	ReasonAccountFrozen         Reason = "account_frozen"
	ReasonSelfMatchSkipped      Reason = "self_match_skipped" // informational
)

// Liquidation event reasons.
const (
	LiquidationMarginBreach       Reason = "maintenance_margin_breach"
	LiquidationLiquidityExhausted Reason = "liquidity_exhausted"
)

// CommandType tags an inbound command. Dispatch is exhaustive on the tag.
type CommandType string

const (
	CmdSubmitOrder   CommandType = "submit_order"
	CmdCancelOrder   CommandType = "cancel_order"
	CmdCancelAll     CommandType = "cancel_all"
	CmdAdminHalt     CommandType = "admin_halt"
	CmdAdminResume   CommandType = "admin_resume"
	CmdDeposit       CommandType = "deposit"
	CmdAdminUnfreeze CommandType = "admin_unfreeze"
)

// Command is the single inbound message shape. Unused fields stay at their
// zero values; the journal serializes commands exactly as received, so
// replay re-derives the identical event stream.
type Command struct {
	Type       CommandType `json:"type"`
	ArrivalSeq uint64      `json:"arrival_seq,omitempty"`
	TsNs       int64       `json:"timestamp"`
	TraderID   string      `json:"trader_id,omitempty"`

	// submit_order
	Side          Side         `json:"side,omitempty"`
	Kind          Kind         `json:"kind,omitempty"`
	TIF           TIF          `json:"tif,omitempty"`
	Price         fixed.Amount `json:"price,omitempty"`
	Qty           uint32       `json:"qty,omitempty"`
	ClientOrderID string       `json:"client_order_id,omitempty"`

	// cancel_order
	OrderID uint64 `json:"order_id,omitempty"`

	// deposit
	Amount fixed.Amount `json:"amount,omitempty"`

	// set only by the liquidator; never accepted from the wire
	Liquidation bool `json:"-"`
}

// IsCommandType reports whether s names a known inbound command.
func IsCommandType(s string) bool {
	switch CommandType(s) {
	case CmdSubmitOrder, CmdCancelOrder, CmdCancelAll,
		CmdAdminHalt, CmdAdminResume, CmdDeposit, CmdAdminUnfreeze:
		return true
	}
	return false
}
