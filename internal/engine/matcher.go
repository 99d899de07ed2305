package engine

import (
	"sort"

	"github.com/arenex/exchange-core/internal/metrics"
	"github.com/arenex/exchange-core/internal/model"
	"github.com/arenex/exchange-core/internal/risk"
)

// submit admits, matches, and rests one order. Event order: the
// acknowledgement first, then fills and self-match cancellations as
// they occurred, one book update if the book changed, then position
// updates for every trader touched, in trader order.
func (e *Engine) submit(cmd *model.Command) ([]model.Event, error) {
	o := &model.Order{
		TraderID:      cmd.TraderID,
		Side:          cmd.Side,
		Kind:          cmd.Kind,
		TIF:           cmd.TIF,
		Price:         cmd.Price,
		QtyOriginal:   cmd.Qty,
		QtyLeaves:     cmd.Qty,
		ClientOrderID: cmd.ClientOrderID,
		ArrivalSeq:    cmd.ArrivalSeq,
		Liquidation:   cmd.Liquidation,
	}

	rej, err := e.gate.AdmitOrder(o, e.marketState())
	if err != nil {
		return nil, err
	}
	if rej == nil {
		rej = e.preCheck(o)
	}
	if rej != nil {
		metrics.RejectsTotal.WithLabelValues(string(rej.Reason)).Inc()
		return []model.Event{&model.OrderRejected{
			Reason:        rej.Reason,
			Details:       rej.Details,
			TraderID:      o.TraderID,
			ClientOrderID: o.ClientOrderID,
		}}, nil
	}

	e.nextOrderID++
	o.ID = e.nextOrderID

	events := []model.Event{&model.OrderAccepted{
		OrderID:       o.ID,
		TraderID:      o.TraderID,
		ClientOrderID: o.ClientOrderID,
	}}
	matchEvents, touched, bookChanged, err := e.match(o)
	events = append(events, matchEvents...)
	if err != nil {
		return events, err
	}
	if bookChanged {
		events = append(events, e.bookUpdate())
	}
	for _, t := range touched {
		pu, perr := e.positionUpdate(t)
		if perr != nil {
			return events, perr
		}
		events = append(events, pu)
	}
	return events, nil
}

// preCheck covers the two rejections that must happen before any
// mutation: fill-or-kill feasibility and market-order liquidity. Both
// leave the book untouched so a rejected order is a true no-op.
func (e *Engine) preCheck(o *model.Order) *risk.Rejection {
	if o.TIF == model.FOK && e.fillableQty(o) < uint64(o.QtyOriginal) {
		return &risk.Rejection{Reason: model.ReasonFOKUnfillable}
	}
	if o.Kind == model.Market && !e.hasCounterparty(o) {
		return &risk.Rejection{Reason: model.ReasonNoLiquidity}
	}
	return nil
}

// fillableQty sums the resting quantity o could consume under the
// active self-match policy, without mutating anything. Under
// cancel_incoming the incoming order dies at its first own resting
// order, so quantity beyond that point is unreachable.
func (e *Engine) fillableQty(o *model.Order) uint64 {
	var avail uint64
	market := o.Kind == model.Market
	if e.opts.SelfMatchPolicy == model.CancelIncoming {
		e.book.WalkCrossing(o.Side, o.Price, market, func(r *model.Order) bool {
			if r.TraderID == o.TraderID {
				return false
			}
			avail += uint64(r.QtyLeaves)
			return avail < uint64(o.QtyOriginal)
		})
		return avail
	}
	e.book.WalkCrossing(o.Side, o.Price, market, func(r *model.Order) bool {
		if r.TraderID != o.TraderID {
			avail += uint64(r.QtyLeaves)
		}
		return avail < uint64(o.QtyOriginal)
	})
	return avail
}

// hasCounterparty reports whether any crossing resting order belongs to
// a different trader.
func (e *Engine) hasCounterparty(o *model.Order) bool {
	skip := func(r *model.Order) bool { return r.TraderID == o.TraderID }
	return e.book.FirstCrossing(o.Side, o.Price, o.Kind == model.Market, skip) != nil
}

// match runs the price-time loop: repeatedly take the best crossing
// resting order, fill at ITS price, and apply both legs. The self-match
// policy decides what happens when the best crossing order belongs to
// the incoming trader. Returns fill and cancellation events in
// occurrence order, the touched traders sorted, and whether the book
// changed.
func (e *Engine) match(o *model.Order) ([]model.Event, []string, bool, error) {
	var (
		events      []model.Event
		bookChanged bool
		touched     = make(map[string]struct{})
	)
	market := o.Kind == model.Market
	skipSelf := func(r *model.Order) bool { return r.TraderID == o.TraderID }

loop:
	for o.QtyLeaves > 0 {
		var r *model.Order
		if e.opts.SelfMatchPolicy == model.SkipResting {
			r = e.book.FirstCrossing(o.Side, o.Price, market, skipSelf)
			if r == nil {
				break
			}
		} else {
			r = e.book.FirstCrossing(o.Side, o.Price, market, nil)
			if r == nil {
				break
			}
			if r.TraderID == o.TraderID {
				if e.opts.SelfMatchPolicy == model.CancelResting {
					if _, err := e.book.Remove(r.ID); err != nil {
						return events, nil, bookChanged, err
					}
					bookChanged = true
					events = append(events, &model.OrderCancelled{
						OrderID:  r.ID,
						TraderID: r.TraderID,
						Reason:   model.ReasonSelfMatchSkipped,
					})
					continue
				}
				// cancel_incoming: the remainder dies here.
				events = append(events, &model.OrderCancelled{
					OrderID:  o.ID,
					TraderID: o.TraderID,
					Reason:   model.ReasonSelfMatchSkipped,
				})
				o.QtyLeaves = 0
				break loop
			}
		}

		qty := o.QtyLeaves
		if r.QtyLeaves < qty {
			qty = r.QtyLeaves
		}

		e.nextTradeID++
		t := &model.Trade{ID: e.nextTradeID, Price: r.Price, Qty: qty}
		if o.Side == model.Buy {
			t.BuyTraderID, t.BuyOrderID = o.TraderID, o.ID
			t.SellTraderID, t.SellOrderID = r.TraderID, r.ID
		} else {
			t.BuyTraderID, t.BuyOrderID = r.TraderID, r.ID
			t.SellTraderID, t.SellOrderID = o.TraderID, o.ID
		}
		if err := e.accounts.ApplyTrade(t); err != nil {
			return events, nil, bookChanged, err
		}
		if err := e.book.Fill(r.ID, qty); err != nil {
			return events, nil, bookChanged, err
		}
		o.QtyLeaves -= qty
		e.lastTrade = r.Price
		e.hasLastTrade = true
		bookChanged = true
		touched[t.BuyTraderID] = struct{}{}
		touched[t.SellTraderID] = struct{}{}
		events = append(events, &model.TradeEvent{
			TradeID:      t.ID,
			Price:        t.Price,
			Qty:          t.Qty,
			BuyTraderID:  t.BuyTraderID,
			SellTraderID: t.SellTraderID,
			BuyOrderID:   t.BuyOrderID,
			SellOrderID:  t.SellOrderID,
		})
		metrics.TradesTotal.Inc()
		metrics.TradeVolume.Add(float64(qty))
	}

	// Residual: GTC limits rest; IOC and market residuals evaporate.
	if o.QtyLeaves > 0 && o.Kind == model.Limit && o.TIF == model.GTC {
		if err := e.book.Insert(o); err != nil {
			return events, nil, bookChanged, err
		}
		bookChanged = true
	}

	names := make([]string, 0, len(touched))
	for t := range touched {
		names = append(names, t)
	}
	sort.Strings(names)
	return events, names, bookChanged, nil
}

// cancelAllFor removes every resting order of one trader, oldest id
// first. Shared by cancel_all commands, disconnect sweeps, and the
// liquidator's pre-close sweep.
func (e *Engine) cancelAllFor(traderID string) ([]model.Event, bool, error) {
	ids := e.book.TraderOrders(traderID)
	var events []model.Event
	for _, id := range ids {
		if _, err := e.book.Remove(id); err != nil {
			return events, len(events) > 0, err
		}
		events = append(events, &model.OrderCancelled{OrderID: id, TraderID: traderID})
	}
	return events, len(ids) > 0, nil
}
