// Package engine is the single-threaded exchange core: one mutator that
// owns the order book, the accounts, the risk gate, and the recovery
// journal. Commands enter through a bounded queue, are processed to
// completion one at a time, and leave as a gapless sequenced event
// stream. Determinism is load-bearing: all state, including timestamps
// and rate-limit refills, derives from the command stream alone, which
// is what makes journal replay reproduce state bit for bit.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arenex/exchange-core/internal/book"
	"github.com/arenex/exchange-core/internal/fixed"
	"github.com/arenex/exchange-core/internal/journal"
	"github.com/arenex/exchange-core/internal/metrics"
	"github.com/arenex/exchange-core/internal/model"
	"github.com/arenex/exchange-core/internal/position"
	"github.com/arenex/exchange-core/internal/risk"
)

// ErrFaulted means a fatal invariant violation halted the engine. No
// further commands are accepted; the process should exit non-zero.
var ErrFaulted = errors.New("engine: faulted")

// Options fixes the engine's behavior for the lifetime of a session.
type Options struct {
	Risk                   risk.Params
	StartingCapital        fixed.Amount
	BookDepth              int
	SelfMatchPolicy        model.SelfMatchPolicy
	LiquidationMaxAttempts int
	Journal                journal.Appender
}

// Engine is the exchange state machine. Not safe for concurrent use;
// exactly one goroutine may call Process (normally through Run).
type Engine struct {
	opts Options

	book     *book.Book
	accounts *position.Engine
	gate     *risk.Gate

	halted       bool
	lastTrade    fixed.Amount
	hasLastTrade bool

	nextOrderID uint64
	nextTradeID uint64
	nextSeq     uint64
	nextFrame   uint64

	// consecutive post-command scans in which the trader stayed
	// breached with no fillable liquidity
	breachTicks map[string]int

	clock      int64 // current command's envelope timestamp
	journaling bool
	faulted    bool
}

// New builds an engine. A nil Journal falls back to journal.Discard.
func New(opts Options) *Engine {
	if opts.Journal == nil {
		opts.Journal = journal.Discard{}
	}
	if opts.BookDepth <= 0 {
		opts.BookDepth = 10
	}
	if opts.LiquidationMaxAttempts <= 0 {
		opts.LiquidationMaxAttempts = 3
	}
	if opts.SelfMatchPolicy == "" {
		opts.SelfMatchPolicy = model.SkipResting
	}
	accounts := position.NewEngine(opts.StartingCapital)
	return &Engine{
		opts:        opts,
		book:        book.New(),
		accounts:    accounts,
		gate:        risk.NewGate(opts.Risk, accounts),
		breachTicks: make(map[string]int),
		journaling:  true,
	}
}

// Process applies one command and returns its events, sequenced and
// journaled in emission order. A non-nil error means the engine faulted
// and must not be fed again; the terminal engine_fault event is the
// last element of the returned slice.
func (e *Engine) Process(cmd *model.Command) ([]model.Event, error) {
	if e.faulted {
		return nil, ErrFaulted
	}
	start := time.Now()
	e.clock = cmd.TsNs

	if err := e.journalCommand(cmd); err != nil {
		return e.fault("journal_write", err.Error(), nil)
	}

	var (
		events []model.Event
		err    error
	)
	switch cmd.Type {
	case model.CmdSubmitOrder:
		events, err = e.submit(cmd)
	case model.CmdCancelOrder:
		events, err = e.cancel(cmd)
	case model.CmdCancelAll:
		events, err = e.cancelAll(cmd)
	case model.CmdAdminHalt:
		e.halted = true
		slog.Info("exchange halted")
	case model.CmdAdminResume:
		e.halted = false
		slog.Info("exchange resumed")
	case model.CmdDeposit:
		events, err = e.deposit(cmd)
	case model.CmdAdminUnfreeze:
		e.gate.Unfreeze(cmd.TraderID)
		delete(e.breachTicks, cmd.TraderID)
		slog.Info("account unfrozen", "trader_id", cmd.TraderID)
	default:
		// Unknown types never pass the protocol layer; a journal written
		// by a newer build could still carry one.
		events = []model.Event{&model.OrderRejected{
			Reason:   model.ReasonInvalidMessage,
			Details:  map[string]string{"type": string(cmd.Type)},
			TraderID: cmd.TraderID,
		}}
	}
	if err != nil {
		return e.fault("accounting", err.Error(), events)
	}

	if e.opts.Risk.MarginMode == model.MarginFull {
		liqEvents, lerr := e.maintenanceScan()
		events = append(events, liqEvents...)
		if lerr != nil {
			return e.fault("accounting", lerr.Error(), events)
		}
	}

	for _, ev := range events {
		if serr := e.seal(ev); serr != nil {
			return e.fault("journal_write", serr.Error(), events)
		}
	}

	if bid, ask, crossed := e.book.CrossedPair(); crossed {
		detail := fmt.Sprintf("bid %d at %s crosses ask %d at %s",
			bid.ID, bid.Price, ask.ID, ask.Price)
		return e.fault("crossed_book", detail, events)
	}

	metrics.CommandsTotal.WithLabelValues(string(cmd.Type)).Inc()
	metrics.CommandDuration.WithLabelValues(string(cmd.Type)).Observe(time.Since(start).Seconds())
	return events, nil
}

// fault seals a terminal engine_fault event, halts the engine for good,
// and reports ErrFaulted. Journal errors are ignored here: the fault
// event is best effort on the way down.
func (e *Engine) fault(invariant, details string, sofar []model.Event) ([]model.Event, error) {
	e.faulted = true
	e.halted = true
	ev := &model.EngineFault{Invariant: invariant, Details: details}
	_ = e.seal(ev)
	slog.Error("engine fault", "invariant", invariant, "details", details)
	metrics.FaultsTotal.Inc()
	return append(sofar, ev), ErrFaulted
}

func (e *Engine) cancel(cmd *model.Command) ([]model.Event, error) {
	o, ok := e.book.Order(cmd.OrderID)
	if !ok || o.TraderID != cmd.TraderID {
		metrics.RejectsTotal.WithLabelValues(string(model.ReasonUnknownOrder)).Inc()
		return []model.Event{&model.CancelRejected{
			OrderID:  cmd.OrderID,
			TraderID: cmd.TraderID,
			Reason:   model.ReasonUnknownOrder,
		}}, nil
	}
	if _, err := e.book.Remove(cmd.OrderID); err != nil {
		return nil, err
	}
	return []model.Event{
		&model.OrderCancelled{OrderID: o.ID, TraderID: o.TraderID},
		e.bookUpdate(),
	}, nil
}

func (e *Engine) cancelAll(cmd *model.Command) ([]model.Event, error) {
	events, changed, err := e.cancelAllFor(cmd.TraderID)
	if err != nil {
		return events, err
	}
	if changed {
		events = append(events, e.bookUpdate())
	}
	return events, nil
}

func (e *Engine) deposit(cmd *model.Command) ([]model.Event, error) {
	if _, err := e.accounts.Deposit(cmd.TraderID, cmd.Amount); err != nil {
		return nil, err
	}
	slog.Info("deposit credited", "trader_id", cmd.TraderID, "amount", cmd.Amount.String())
	pu, err := e.positionUpdate(cmd.TraderID)
	if err != nil {
		return nil, err
	}
	return []model.Event{pu}, nil
}

// mark returns the reference price: the mid when both book sides exist,
// else the last trade price, else nothing.
func (e *Engine) mark() (fixed.Amount, bool) {
	bid, okBid := e.book.BestBid()
	ask, okAsk := e.book.BestAsk()
	if okBid && okAsk {
		if m, err := fixed.Mid(bid, ask); err == nil {
			return m, true
		}
	}
	if e.hasLastTrade {
		return e.lastTrade, true
	}
	return 0, false
}

func (e *Engine) marketState() risk.MarketState {
	mark, hasMark := e.mark()
	return risk.MarketState{
		Halted:       e.halted,
		LastTrade:    e.lastTrade,
		HasLastTrade: e.hasLastTrade,
		Mark:         mark,
		HasMark:      hasMark,
		NowNs:        e.clock,
	}
}

func (e *Engine) bookUpdate() *model.BookUpdate {
	bids, asks := e.book.SnapshotTop(e.opts.BookDepth)
	up := &model.BookUpdate{Bids: bids, Asks: asks}
	if best, ok := e.book.BestBid(); ok {
		up.BestBid = &best
	}
	if best, ok := e.book.BestAsk(); ok {
		up.BestAsk = &best
	}
	return up
}

func (e *Engine) positionUpdate(traderID string) (*model.PositionUpdate, error) {
	acct := e.accounts.Account(traderID)
	mark, hasMark := e.mark()
	upnl, err := e.accounts.UnrealizedPnL(traderID, mark, hasMark)
	if err != nil {
		return nil, err
	}
	equity, err := e.accounts.Equity(traderID, mark, hasMark)
	if err != nil {
		return nil, err
	}
	if !hasMark {
		mark = 0
	}
	return &model.PositionUpdate{
		TraderID:      acct.TraderID,
		Position:      acct.Position,
		Cash:          acct.Cash,
		AvgEntryPrice: acct.AvgEntry,
		RealizedPnL:   acct.RealizedPnL,
		UnrealizedPnL: upnl,
		TotalEquity:   equity,
		MarkPrice:     mark,
	}, nil
}

// State is a deterministic snapshot of everything the engine owns. Two
// engines fed the same command stream produce equal States; crash
// recovery is verified against that.
type State struct {
	Halted       bool               `json:"halted"`
	LastTrade    fixed.Amount       `json:"last_trade"`
	HasLastTrade bool               `json:"has_last_trade"`
	NextOrderID  uint64             `json:"next_order_id"`
	NextTradeID  uint64             `json:"next_trade_id"`
	NextSeq      uint64             `json:"next_seq"`
	NextFrame    uint64             `json:"next_frame"`
	Orders       []model.Order      `json:"orders"`
	Accounts     []position.Account `json:"accounts"`
	Frozen       []string           `json:"frozen"`
	BreachTicks  map[string]int     `json:"breach_ticks,omitempty"`
}

// State captures the full engine state in a canonical order.
func (e *Engine) State() State {
	st := State{
		Halted:       e.halted,
		LastTrade:    e.lastTrade,
		HasLastTrade: e.hasLastTrade,
		NextOrderID:  e.nextOrderID,
		NextTradeID:  e.nextTradeID,
		NextSeq:      e.nextSeq,
		NextFrame:    e.nextFrame,
		Frozen:       e.gate.Frozen(),
	}
	for _, o := range e.book.AllOrders() {
		st.Orders = append(st.Orders, *o)
	}
	for _, t := range e.accounts.Traders() {
		st.Accounts = append(st.Accounts, *e.accounts.Account(t))
	}
	if len(e.breachTicks) > 0 {
		st.BreachTicks = make(map[string]int, len(e.breachTicks))
		for t, n := range e.breachTicks {
			st.BreachTicks[t] = n
		}
	}
	return st
}
