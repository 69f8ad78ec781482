package state

import (
	"PerpClearing/internal/event"
	fpmath "PerpClearing/internal/math"
	"fmt"
)

// LiquidationEngine force-closes trader positions whose margin ratio fell
// below MinMargin and pays the liquidator.
type LiquidationEngine struct {
	ledger *PositionLedger
}

func NewLiquidationEngine(l *PositionLedger) *LiquidationEngine {
	return &LiquidationEngine{ledger: l}
}

// Liquidate closes account's position in full inside tx.
//
// Order of checks: no position, self liquidation, zero amount, margin still
// valid, proposed amount. Bad debt is covered by the insurance fund before
// the swap executes; if the fund cannot cover it nothing has been mutated
// and ErrInsufficientInsurance is returned.
func (e *LiquidationEngine) Liquidate(
	tx *LedgerTx,
	liquidator, account AccountID,
	proposedAmount fpmath.Wad,
) (*event.LiquidationCall, error) {
	if tx.l != e.ledger {
		panic("FATAL: liquidation transaction belongs to another market")
	}

	h := tx.SettleTrader(account)
	pos := h.Position()
	if pos.IsFlat() {
		return nil, ErrNoPosition
	}
	if liquidator == account {
		return nil, ErrSelfLiquidation
	}
	if !proposedAmount.IsPositive() {
		return nil, ErrZeroAmount
	}

	report, err := tx.Margin(account)
	if err != nil {
		return nil, fmt.Errorf("margin: %w", err)
	}
	if !tx.l.margin.IsLiquidatable(report.Ratio) {
		return nil, fmt.Errorf("%w: ratio %s", ErrMarginValid, report.Ratio)
	}

	params := tx.l.params
	q, err := quoteClose(tx.l.pool, pos.PositionSize)
	if err != nil {
		return nil, fmt.Errorf("quote close: %w", err)
	}
	if err := checkProposedAmount(proposedAmount, q.Input, params.SlippageTolerance); err != nil {
		return nil, err
	}

	tradeAmount := pos.OpenNotional.Abs()
	reward := tradeAmount.Mul(params.LiquidationRewardRatio)
	realized := fpmath.ComputeRealizedPnL(q.ExitValue, pos.OpenNotional)
	// the caller holds the collateral lock until commit, so this balance
	// is the one the settlement lands on
	badDebt := ComputeBadDebt(tx.Collateral(account), realized, reward)

	insurance := tx.l.insurance
	if badDebt.IsPositive() && !insurance.CoverBadDebt(badDebt) {
		return nil, fmt.Errorf("%w: bad debt %s, fund balance %s", ErrInsufficientInsurance, badDebt, insurance.Balance())
	}

	closed, err := tx.reduce(h, proposedAmount, fpmath.One, false)
	if err != nil {
		if badDebt.IsPositive() {
			if ferr := insurance.Fund(badDebt); ferr != nil {
				panic(fmt.Sprintf("FATAL: market %s: refund insurance %s: %v (close: %v)", params.MarketID, badDebt, ferr, err))
			}
		}
		return nil, err
	}
	if !closed.RealizedPnL.Equal(realized) {
		panic(fmt.Sprintf("FATAL: market %s: liquidation close realized %s, quoted %s",
			params.MarketID, closed.RealizedPnL, realized))
	}

	tx.stage(account, reward.Neg())
	tx.stage(liquidator, reward)
	tx.stage(account, badDebt)

	if h.pos.LiquidationState == LiquidationStateHealthy {
		h.pos.LiquidationState = LiquidationStateLiquidatable
	}
	if !h.pos.LiquidationState.CanTransitionTo(LiquidationStateClosed) {
		panic(fmt.Sprintf("FATAL: invalid state transition: %s -> Closed", h.pos.LiquidationState))
	}
	h.pos.LiquidationState = LiquidationStateClosed

	evt := &event.LiquidationCall{
		Header:      tx.header(account),
		Liquidator:  liquidator,
		MarginRatio: report.Ratio,
		TradeAmount: tradeAmount,
		ExitValue:   q.ExitValue,
		RealizedPnL: realized,
		Reward:      reward,
		BadDebt:     badDebt,
	}
	tx.emit(evt)
	return evt, nil
}

// Sweep classifies every committed trader position and moves it between
// Healthy and Liquidatable. It returns the accounts that are liquidatable.
func (e *LiquidationEngine) Sweep() ([]AccountID, error) {
	l := e.ledger
	var liquidatable []AccountID
	for _, account := range l.Accounts() {
		pos := l.Trader(account)
		if pos.IsFlat() {
			continue
		}
		report, err := l.Margin(account)
		if err != nil {
			return liquidatable, fmt.Errorf("margin for %s: %w", account, err)
		}
		if l.margin.IsLiquidatable(report.Ratio) {
			l.TransitionLiquidationState(account, LiquidationStateLiquidatable)
			liquidatable = append(liquidatable, account)
			continue
		}
		if pos.LiquidationState == LiquidationStateLiquidatable {
			l.TransitionLiquidationState(account, LiquidationStateHealthy)
		}
	}
	return liquidatable, nil
}
