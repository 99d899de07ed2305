package engine

import (
	"log/slog"
	"math"
	"sort"

	"github.com/arenex/exchange-core/internal/metrics"
	"github.com/arenex/exchange-core/internal/model"
	"github.com/arenex/exchange-core/internal/risk"
)

// maintenanceScan checks every open position against the maintenance
// requirement and force-closes the breached ones. It runs after every
// command: a cancel can move the mid and a deposit can restore equity,
// so trade participation alone is not the trigger. The breached set is
// snapshotted up front; accounts pushed into breach by a liquidation's
// own fills are caught by the next command's scan, which bounds the
// work per command.
func (e *Engine) maintenanceScan() ([]model.Event, error) {
	mark, hasMark := e.mark()
	if !hasMark {
		return nil, nil
	}
	var breached []string
	for _, t := range e.accounts.Traders() {
		if e.gate.IsFrozen(t) {
			continue
		}
		hit, err := e.gate.MaintenanceBreached(t, mark, true)
		if err != nil {
			return nil, err
		}
		if hit {
			breached = append(breached, t)
		} else {
			// A recovered trader's exhaustion count restarts; the
			// freeze threshold is consecutive breached scans.
			delete(e.breachTicks, t)
		}
	}
	var events []model.Event
	for _, t := range breached {
		evs, err := e.liquidate(t)
		events = append(events, evs...)
		if err != nil {
			return events, err
		}
	}
	return events, nil
}

// liquidate force-closes one breached account, re-checking the breach
// between attempts because fills move the mark. A pass that finds no
// liquidity ends the tick; if the breach then survives the configured
// number of consecutive ticks, the account is frozen until an admin
// unfreeze.
func (e *Engine) liquidate(traderID string) ([]model.Event, error) {
	var events []model.Event
	for attempt := 0; attempt < e.opts.LiquidationMaxAttempts; attempt++ {
		breached, err := e.stillBreached(traderID)
		if err != nil {
			return events, err
		}
		if !breached {
			delete(e.breachTicks, traderID)
			return events, nil
		}
		evs, filled, err := e.liquidationPass(traderID)
		events = append(events, evs...)
		if err != nil {
			return events, err
		}
		if filled == 0 {
			break
		}
	}

	breached, err := e.stillBreached(traderID)
	if err != nil {
		return events, err
	}
	if !breached {
		delete(e.breachTicks, traderID)
		return events, nil
	}
	e.breachTicks[traderID]++
	if e.breachTicks[traderID] < e.opts.LiquidationMaxAttempts {
		return events, nil
	}
	delete(e.breachTicks, traderID)
	e.gate.Freeze(traderID)
	acct := e.accounts.Account(traderID)
	side, qty := closingSide(acct.Position)
	slog.Warn("liquidation exhausted, account frozen",
		"trader_id", traderID, "position", acct.Position)
	metrics.LiquidationsTotal.WithLabelValues(string(model.LiquidationLiquidityExhausted)).Inc()
	return append(events, &model.LiquidationEvent{
		TraderID: traderID,
		Reason:   model.LiquidationLiquidityExhausted,
		Qty:      qty,
		Side:     side,
	}), nil
}

func (e *Engine) stillBreached(traderID string) (bool, error) {
	mark, hasMark := e.mark()
	return e.gate.MaintenanceBreached(traderID, mark, hasMark)
}

// liquidationPass is one synthetic close: sweep the trader's resting
// orders, then send a market order for the full position through the
// normal admission and matching path. Margin and freeze checks are
// bypassed for it; everything else, the kill switch included, still
// applies. Event order per pass: cancels, the liquidation record, its
// fills, one book update, position updates.
func (e *Engine) liquidationPass(traderID string) ([]model.Event, uint32, error) {
	events, swept, err := e.cancelAllFor(traderID)
	if err != nil {
		return events, 0, err
	}

	acct := e.accounts.Account(traderID)
	if acct.Position == 0 {
		if swept {
			events = append(events, e.bookUpdate())
		}
		return events, 0, nil
	}
	side, qty := closingSide(acct.Position)

	o := &model.Order{
		TraderID:      traderID,
		Side:          side,
		Kind:          model.Market,
		TIF:           model.IOC,
		QtyOriginal:   qty,
		QtyLeaves:     qty,
		ClientOrderID: "liquidation",
		Liquidation:   true,
	}

	rej, err := e.gate.AdmitOrder(o, e.marketState())
	if err != nil {
		return events, 0, err
	}
	if rej == nil && !e.hasCounterparty(o) {
		rej = &risk.Rejection{Reason: model.ReasonNoLiquidity}
	}
	if rej != nil {
		metrics.RejectsTotal.WithLabelValues(string(rej.Reason)).Inc()
		events = append(events, &model.OrderRejected{
			Reason:        rej.Reason,
			Details:       rej.Details,
			TraderID:      traderID,
			ClientOrderID: o.ClientOrderID,
		})
		if swept {
			events = append(events, e.bookUpdate())
			pu, perr := e.positionUpdate(traderID)
			if perr != nil {
				return events, 0, perr
			}
			events = append(events, pu)
		}
		return events, 0, nil
	}

	e.nextOrderID++
	o.ID = e.nextOrderID

	matchEvents, touched, bookChanged, err := e.match(o)
	if err != nil {
		return append(events, matchEvents...), 0, err
	}
	filled := o.QtyOriginal - o.QtyLeaves
	if filled > 0 {
		slog.Warn("maintenance breach liquidated",
			"trader_id", traderID, "side", side, "qty", filled)
		metrics.LiquidationsTotal.WithLabelValues(string(model.LiquidationMarginBreach)).Inc()
		events = append(events, &model.LiquidationEvent{
			TraderID: traderID,
			Reason:   model.LiquidationMarginBreach,
			Qty:      filled,
			Side:     side,
		})
	}
	events = append(events, matchEvents...)
	if swept || bookChanged {
		events = append(events, e.bookUpdate())
	}
	if swept || filled > 0 {
		set := make(map[string]struct{}, len(touched)+1)
		set[traderID] = struct{}{}
		for _, t := range touched {
			set[t] = struct{}{}
		}
		names := make([]string, 0, len(set))
		for t := range set {
			names = append(names, t)
		}
		sort.Strings(names)
		for _, t := range names {
			pu, perr := e.positionUpdate(t)
			if perr != nil {
				return events, filled, perr
			}
			events = append(events, pu)
		}
	}
	return events, filled, nil
}

// closingSide maps a signed position to the side and quantity that
// flatten it. Positions beyond the uint32 range close in slices.
func closingSide(pos int64) (model.Side, uint32) {
	if pos > 0 {
		return model.Sell, clampQty(uint64(pos))
	}
	return model.Buy, clampQty(uint64(-pos))
}

func clampQty(q uint64) uint32 {
	if q > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(q)
}
