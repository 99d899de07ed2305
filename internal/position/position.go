// Package position tracks per-trader inventory, cash, weighted-average
// entry price, and realized PnL. Both legs of every fill flow through
// here; unrealized PnL and equity are derived on demand from a mark
// price and never stored.
package position

import (
	"fmt"
	"sort"

	"github.com/arenex/exchange-core/internal/fixed"
	"github.com/arenex/exchange-core/internal/model"
)

// Account is one trader's accounting state. Created lazily on first
// touch with the configured starting capital.
type Account struct {
	TraderID    string
	Position    int64
	Cash        fixed.Amount
	AvgEntry    fixed.Amount
	RealizedPnL fixed.Amount
	Deposited   fixed.Amount // lifetime deposits, excluded from PnL
}

// Engine owns all accounts. It is not safe for concurrent use; the
// matching goroutine owns it.
type Engine struct {
	accounts map[string]*Account
	starting fixed.Amount
}

// NewEngine returns an engine that seeds each new account with the
// given starting capital.
func NewEngine(startingCapital fixed.Amount) *Engine {
	return &Engine{
		accounts: make(map[string]*Account),
		starting: startingCapital,
	}
}

// StartingCapital returns the per-account seed amount.
func (e *Engine) StartingCapital() fixed.Amount { return e.starting }

func (e *Engine) ensure(traderID string) *Account {
	acct := e.accounts[traderID]
	if acct == nil {
		acct = &Account{TraderID: traderID, Cash: e.starting}
		e.accounts[traderID] = acct
	}
	return acct
}

// Account returns the trader's account, creating it on first use.
func (e *Engine) Account(traderID string) *Account { return e.ensure(traderID) }

// Count returns the number of accounts that have been touched.
func (e *Engine) Count() int { return len(e.accounts) }

// Traders returns all touched trader ids in ascending order, so scans
// over accounts are deterministic.
func (e *Engine) Traders() []string {
	ids := make([]string, 0, len(e.accounts))
	for id := range e.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Deposit credits external funds to the trader's cash.
func (e *Engine) Deposit(traderID string, amount fixed.Amount) (*Account, error) {
	acct := e.ensure(traderID)
	cash, err := fixed.Add(acct.Cash, amount)
	if err != nil {
		return nil, fmt.Errorf("position: deposit for %s: %w", traderID, err)
	}
	dep, err := fixed.Add(acct.Deposited, amount)
	if err != nil {
		return nil, fmt.Errorf("position: deposit for %s: %w", traderID, err)
	}
	acct.Cash = cash
	acct.Deposited = dep
	return acct, nil
}

// ApplyTrade applies both legs of a fill. Any arithmetic failure is an
// accounting invariant violation and must halt the engine.
func (e *Engine) ApplyTrade(t *model.Trade) error {
	if t.Qty == 0 {
		return fmt.Errorf("position: trade %d has zero qty", t.ID)
	}
	if err := e.applyFill(t.BuyTraderID, model.Buy, t.Qty, t.Price); err != nil {
		return err
	}
	return e.applyFill(t.SellTraderID, model.Sell, t.Qty, t.Price)
}

func (e *Engine) applyFill(traderID string, side model.Side, qty uint32, price fixed.Amount) error {
	acct := e.ensure(traderID)

	notional, err := fixed.MulQty(price, qty)
	if err != nil {
		return fmt.Errorf("position: %s notional: %w", traderID, err)
	}
	if side == model.Buy {
		acct.Cash, err = fixed.Sub(acct.Cash, notional)
	} else {
		acct.Cash, err = fixed.Add(acct.Cash, notional)
	}
	if err != nil {
		return fmt.Errorf("position: %s cash: %w", traderID, err)
	}

	sign := int64(1)
	if side == model.Sell {
		sign = -1
	}
	oldPos := acct.Position
	newPos := oldPos + sign*int64(qty)

	switch {
	case oldPos == 0:
		// Opening from flat: entry is the fill price.
		acct.Position = newPos
		acct.AvgEntry = price
		return nil

	case (oldPos > 0) == (sign > 0):
		// Extending in the same direction: weighted average entry.
		avg, err := fixed.WeightedAvg(acct.AvgEntry, absInt(oldPos), price, uint64(qty))
		if err != nil {
			return fmt.Errorf("position: %s avg entry: %w", traderID, err)
		}
		acct.AvgEntry = avg
		acct.Position = newPos
		return nil
	}

	// Reducing, closing, or flipping: realize PnL on the closed portion.
	closed := int64(qty)
	if a := int64(absInt(oldPos)); a < closed {
		closed = a
	}
	var perUnit fixed.Amount
	if oldPos > 0 {
		perUnit, err = fixed.Sub(price, acct.AvgEntry)
	} else {
		perUnit, err = fixed.Sub(acct.AvgEntry, price)
	}
	if err != nil {
		return fmt.Errorf("position: %s pnl: %w", traderID, err)
	}
	realized, err := fixed.MulQty(perUnit, uint32(closed))
	if err != nil {
		return fmt.Errorf("position: %s pnl: %w", traderID, err)
	}
	acct.RealizedPnL, err = fixed.Add(acct.RealizedPnL, realized)
	if err != nil {
		return fmt.Errorf("position: %s pnl: %w", traderID, err)
	}

	acct.Position = newPos
	switch {
	case newPos == 0:
		acct.AvgEntry = 0
	case (oldPos > 0) != (newPos > 0):
		// Flipped through flat: the residual opens at the fill price.
		acct.AvgEntry = price
	}
	return nil
}

// UnrealizedPnL derives (mark − avg_entry) × position. A flat position
// or an undefined mark yields zero.
func (e *Engine) UnrealizedPnL(traderID string, mark fixed.Amount, hasMark bool) (fixed.Amount, error) {
	acct := e.ensure(traderID)
	if acct.Position == 0 || !hasMark {
		return 0, nil
	}
	diff, err := fixed.Sub(mark, acct.AvgEntry)
	if err != nil {
		return 0, fmt.Errorf("position: %s unrealized: %w", traderID, err)
	}
	pnl, err := fixed.MulInt(diff, acct.Position)
	if err != nil {
		return 0, fmt.Errorf("position: %s unrealized: %w", traderID, err)
	}
	return pnl, nil
}

// Equity derives cash + unrealized PnL at the given mark.
func (e *Engine) Equity(traderID string, mark fixed.Amount, hasMark bool) (fixed.Amount, error) {
	acct := e.ensure(traderID)
	unreal, err := e.UnrealizedPnL(traderID, mark, hasMark)
	if err != nil {
		return 0, err
	}
	eq, err := fixed.Add(acct.Cash, unreal)
	if err != nil {
		return 0, fmt.Errorf("position: %s equity: %w", traderID, err)
	}
	return eq, nil
}

// TotalCash sums cash over all accounts. With every trade moving cash
// between two accounts, the sum equals seeded capital plus deposits.
func (e *Engine) TotalCash() (fixed.Amount, error) {
	var sum fixed.Amount
	var err error
	for _, acct := range e.accounts {
		sum, err = fixed.Add(sum, acct.Cash)
		if err != nil {
			return 0, fmt.Errorf("position: total cash: %w", err)
		}
	}
	return sum, nil
}

// TotalDeposited sums lifetime deposits over all accounts.
func (e *Engine) TotalDeposited() (fixed.Amount, error) {
	var sum fixed.Amount
	var err error
	for _, acct := range e.accounts {
		sum, err = fixed.Add(sum, acct.Deposited)
		if err != nil {
			return 0, fmt.Errorf("position: total deposits: %w", err)
		}
	}
	return sum, nil
}

// NetPosition sums positions over all accounts; zero in a closed
// system, since each trade adds and removes the same quantity.
func (e *Engine) NetPosition() int64 {
	var sum int64
	for _, acct := range e.accounts {
		sum += acct.Position
	}
	return sum
}

func absInt(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}
