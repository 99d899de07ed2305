// Package risk implements the pre-trade admission gate and the
// post-trade maintenance margin scan. Checks run in a fixed order so
// the same malformed order always draws the same rejection:
// kill switch, frozen account, field validation, price collar, size
// cap, notional cap, rate limit, initial margin. Liquidation orders
// skip the frozen and margin checks only; the kill switch still
// blocks them.
package risk

import (
	"sort"
	"strconv"

	"github.com/arenex/exchange-core/internal/fixed"
	"github.com/arenex/exchange-core/internal/model"
	"github.com/arenex/exchange-core/internal/position"
)

// Params are the gate's startup-time limits.
type Params struct {
	TickSize              fixed.Amount
	PriceCollarPct        fixed.Amount
	MaxOrderQty           uint32
	MaxOrderNotional      fixed.Amount
	RateTokensPerSec      int64 // 0 disables rate limiting
	RateBurst             int64
	MarginMode            model.MarginMode
	InitialMarginRate     fixed.Amount
	MaintenanceMarginRate fixed.Amount
}

// Rejection is a refused admission with its closed-set reason.
type Rejection struct {
	Reason  model.Reason
	Details map[string]string
}

func reject(reason model.Reason, kv ...string) *Rejection {
	r := &Rejection{Reason: reason}
	if len(kv) > 0 {
		r.Details = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			r.Details[kv[i]] = kv[i+1]
		}
	}
	return r
}

// MarketState is the snapshot of engine state a single admission
// decision depends on.
type MarketState struct {
	Halted       bool
	LastTrade    fixed.Amount
	HasLastTrade bool
	Mark         fixed.Amount
	HasMark      bool
	NowNs        int64 // command envelope timestamp
}

// Gate holds per-trader rate buckets and frozen flags. It reads
// account equity through the position engine but never mutates it.
type Gate struct {
	params   Params
	accounts *position.Engine
	buckets  map[string]*bucket
	frozen   map[string]struct{}
}

// NewGate returns a gate enforcing the given limits against the given
// accounts.
func NewGate(params Params, accounts *position.Engine) *Gate {
	return &Gate{
		params:   params,
		accounts: accounts,
		buckets:  make(map[string]*bucket),
		frozen:   make(map[string]struct{}),
	}
}

// AdmitOrder runs every pre-trade check against the order. A nil
// return admits the order and consumes one rate token; a non-nil
// return leaves all gate state untouched.
func (g *Gate) AdmitOrder(o *model.Order, st MarketState) (*Rejection, error) {
	if st.Halted {
		return reject(model.ReasonExchangeHalted), nil
	}
	if !o.Liquidation && g.IsFrozen(o.TraderID) {
		return reject(model.ReasonAccountFrozen), nil
	}
	if rej := g.validateFields(o); rej != nil {
		return rej, nil
	}
	if rej := g.checkCollar(o, st); rej != nil {
		return rej, nil
	}
	if o.QtyOriginal > g.params.MaxOrderQty {
		return reject(model.ReasonOrderSizeCap,
			"qty", strconv.FormatUint(uint64(o.QtyOriginal), 10),
			"max_order_qty", strconv.FormatUint(uint64(g.params.MaxOrderQty), 10)), nil
	}
	if rej := g.checkNotional(o); rej != nil {
		return rej, nil
	}

	bkt := g.bucketFor(o.TraderID, st.NowNs)
	if g.params.RateTokensPerSec > 0 {
		bkt.refill(g.params.RateTokensPerSec, g.params.RateBurst, st.NowNs)
		if !bkt.has() {
			return reject(model.ReasonRateLimited), nil
		}
	}

	rej, err := g.checkInitialMargin(o, st)
	if err != nil {
		return nil, err
	}
	if rej != nil {
		return rej, nil
	}

	if g.params.RateTokensPerSec > 0 {
		bkt.take()
	}
	return nil, nil
}

func (g *Gate) validateFields(o *model.Order) *Rejection {
	switch {
	case o.TraderID == "":
		return reject(model.ReasonInvalidMessage, "field", "trader_id")
	case !o.Side.Valid():
		return reject(model.ReasonInvalidMessage, "field", "side")
	case !o.Kind.Valid():
		return reject(model.ReasonInvalidMessage, "field", "kind")
	case !o.TIF.Valid():
		return reject(model.ReasonInvalidMessage, "field", "tif")
	case o.QtyOriginal == 0:
		return reject(model.ReasonInvalidMessage, "field", "qty")
	}
	if o.Kind == model.Market {
		if o.Price != 0 {
			return reject(model.ReasonInvalidMessage, "field", "price")
		}
		return nil
	}
	if o.Price <= 0 {
		return reject(model.ReasonInvalidMessage, "field", "price")
	}
	if g.params.TickSize > 0 && o.Price%g.params.TickSize != 0 {
		return reject(model.ReasonInvalidMessage,
			"field", "price",
			"tick_size", g.params.TickSize.String())
	}
	return nil
}

// checkCollar bounds a limit price to within collar_pct of the last
// trade. Before any trade exists there is no reference and no collar.
func (g *Gate) checkCollar(o *model.Order, st MarketState) *Rejection {
	if o.Kind != model.Limit || !st.HasLastTrade || g.params.PriceCollarPct == 0 {
		return nil
	}
	band, err := fixed.MulFrac(st.LastTrade, g.params.PriceCollarPct)
	if err != nil {
		return reject(model.ReasonInvalidPriceReference, "error", err.Error())
	}
	diff := o.Price - st.LastTrade
	if diff < 0 {
		diff = -diff
	}
	if diff > band {
		return reject(model.ReasonInvalidPriceReference,
			"price", o.Price.String(),
			"last_trade_price", st.LastTrade.String())
	}
	return nil
}

func (g *Gate) checkNotional(o *model.Order) *Rejection {
	if o.Kind != model.Limit {
		return nil
	}
	notional, err := fixed.MulQty(o.Price, o.QtyOriginal)
	if err != nil {
		// Unrepresentable notional is necessarily above any cap.
		return reject(model.ReasonNotionalCap, "error", err.Error())
	}
	if notional > g.params.MaxOrderNotional {
		return reject(model.ReasonNotionalCap,
			"notional", notional.String(),
			"max_order_notional", g.params.MaxOrderNotional.String())
	}
	return nil
}

// checkInitialMargin projects the worst-case position after a full
// fill at the reference price and requires margin against current
// equity. Only enabled margin modes run it; liquidation orders are
// exempt so a distressed account can always be flattened.
func (g *Gate) checkInitialMargin(o *model.Order, st MarketState) (*Rejection, error) {
	if g.params.MarginMode == model.MarginDisabled || o.Liquidation {
		return nil, nil
	}

	ref := o.Price
	if o.Kind == model.Market {
		if !st.HasMark {
			return reject(model.ReasonInvalidPriceReference, "mark_price", "undefined"), nil
		}
		ref = st.Mark
	}

	acct := g.accounts.Account(o.TraderID)
	projected := acct.Position
	if o.Side == model.Buy {
		projected += int64(o.QtyOriginal)
	} else {
		projected -= int64(o.QtyOriginal)
	}

	exposure, err := fixed.MulInt(ref, projected)
	if err != nil {
		return reject(model.ReasonInitialMargin, "error", err.Error()), nil
	}
	required, err := fixed.MulFrac(exposure.Abs(), g.params.InitialMarginRate)
	if err != nil {
		return reject(model.ReasonInitialMargin, "error", err.Error()), nil
	}
	equity, err := g.accounts.Equity(o.TraderID, st.Mark, st.HasMark)
	if err != nil {
		return nil, err
	}
	if equity < required {
		return reject(model.ReasonInitialMargin,
			"equity", equity.String(),
			"required_margin", required.String()), nil
	}
	return nil, nil
}

func (g *Gate) bucketFor(traderID string, nowNs int64) *bucket {
	b := g.buckets[traderID]
	if b == nil {
		b = newBucket(g.params.RateBurst, nowNs)
		g.buckets[traderID] = b
	}
	return b
}

// MaintenanceBreached reports whether the trader's equity has fallen
// below the maintenance requirement for their current position. Only
// full margin mode liquidates.
func (g *Gate) MaintenanceBreached(traderID string, mark fixed.Amount, hasMark bool) (bool, error) {
	if g.params.MarginMode != model.MarginFull || !hasMark {
		return false, nil
	}
	acct := g.accounts.Account(traderID)
	if acct.Position == 0 {
		return false, nil
	}
	exposure, err := fixed.MulInt(mark, acct.Position)
	if err != nil {
		return false, err
	}
	required, err := fixed.MulFrac(exposure.Abs(), g.params.MaintenanceMarginRate)
	if err != nil {
		return false, err
	}
	equity, err := g.accounts.Equity(traderID, mark, hasMark)
	if err != nil {
		return false, err
	}
	return equity < required, nil
}

// Freeze blocks all future orders from the trader until Unfreeze.
func (g *Gate) Freeze(traderID string) { g.frozen[traderID] = struct{}{} }

// Unfreeze lifts an account freeze (admin reset).
func (g *Gate) Unfreeze(traderID string) { delete(g.frozen, traderID) }

// IsFrozen reports whether the trader is blocked.
func (g *Gate) IsFrozen(traderID string) bool {
	_, ok := g.frozen[traderID]
	return ok
}

// Frozen returns the frozen trader ids in ascending order.
func (g *Gate) Frozen() []string {
	if len(g.frozen) == 0 {
		return nil
	}
	ids := make([]string, 0, len(g.frozen))
	for id := range g.frozen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
