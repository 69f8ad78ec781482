package core

import (
	"PerpClearing/internal/event"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/state"
	"fmt"
)

// ============================================================================
// Collateral
// ============================================================================

// Deposit credits collateral floored to the token precision.
func (ch *ClearingHouse) Deposit(account state.AccountID, amount fpmath.Wad, token string, ts int64) ([]*event.EventEnvelope, error) {
	return ch.collateralOp("deposit", ts, func() (event.Event, error) {
		credited, err := ch.vault.Deposit(account, amount, token)
		if err != nil {
			return nil, err
		}
		return &event.CollateralDeposited{
			Header:   event.Header{Account: account, Timestamp: ts},
			Token:    token,
			Amount:   amount,
			Credited: credited,
			Balance:  ch.vault.Balance(account),
		}, nil
	})
}

// Withdraw debits collateral. Every market in which the account holds
// exposure must keep (net value - amount) / exposure >= MinMarginAtCreation.
func (ch *ClearingHouse) Withdraw(account state.AccountID, amount fpmath.Wad, token string, ts int64) ([]*event.EventEnvelope, error) {
	if !amount.IsPositive() {
		return nil, state.ErrZeroAmount
	}

	// read locks on every market in id order: no market may move this
	// account's margin while the check and the debit happen
	for _, id := range ch.marketIDs {
		m := ch.markets[id]
		m.mu.RLock()
		defer m.mu.RUnlock()
	}

	return ch.collateralOp("withdraw", ts, func() (event.Event, error) {
		if err := ch.checkWithdrawMargin(account, amount); err != nil {
			return nil, err
		}
		if err := ch.vault.Withdraw(account, amount, token); err != nil {
			return nil, err
		}
		return &event.CollateralWithdrawn{
			Header:  event.Header{Account: account, Timestamp: ts},
			Token:   token,
			Amount:  amount,
			Balance: ch.vault.Balance(account),
		}, nil
	})
}

// checkWithdrawMargin runs with every market read-locked.
func (ch *ClearingHouse) checkWithdrawMargin(account state.AccountID, amount fpmath.Wad) error {
	for _, id := range ch.marketIDs {
		m := ch.markets[id]
		report, err := m.ledger.Margin(account)
		if err != nil {
			return fmt.Errorf("market %s margin: %w", id, err)
		}
		if report.Exposure.IsZero() {
			continue
		}
		ratio := state.MarginRatio(report.NetValue.Sub(amount), report.Exposure)
		if !m.ledger.MarginCalculator().CanOpen(ratio) {
			return fmt.Errorf("%w: market %s ratio after withdrawal %s below %s",
				state.ErrInsufficientMargin, id, ratio, m.params.MinMarginAtCreation)
		}
	}
	return nil
}

// Collateral is the account's vault balance.
func (ch *ClearingHouse) Collateral(account state.AccountID) fpmath.Wad {
	return ch.vault.Balance(account)
}

// SeedInsurance tops the insurance fund up from outside the system.
func (ch *ClearingHouse) SeedInsurance(amount fpmath.Wad) error {
	ch.collateralMu.Lock()
	defer ch.collateralMu.Unlock()
	if err := ch.insurance.Seed(amount); err != nil {
		return err
	}
	if ch.metrics != nil {
		ch.metrics.InsuranceFundBalance.Set(ch.insurance.Balance().Float64())
	}
	ch.logger.Info().Str("amount", amount.String()).Msg("insurance fund seeded")
	return nil
}

func (ch *ClearingHouse) InsuranceBalance() fpmath.Wad {
	return ch.insurance.Balance()
}

// ============================================================================
// Trading
// ============================================================================

func (ch *ClearingHouse) OpenPosition(
	marketID string,
	account state.AccountID,
	notional fpmath.Wad,
	direction state.Direction,
	ts int64,
) ([]*event.EventEnvelope, error) {
	return ch.marketOp(marketID, "open_position", ts, func(m *Market, tx *state.LedgerTx) error {
		h := tx.SettleTrader(account)
		_, err := tx.Open(h, notional, direction)
		return err
	})
}

func (ch *ClearingHouse) ExtendPosition(
	marketID string,
	account state.AccountID,
	notional fpmath.Wad,
	direction state.Direction,
	ts int64,
) ([]*event.EventEnvelope, error) {
	return ch.marketOp(marketID, "extend_position", ts, func(m *Market, tx *state.LedgerTx) error {
		h := tx.SettleTrader(account)
		_, err := tx.Extend(h, notional, direction)
		return err
	})
}

// ReducePosition closes ratio of the position. proposedAmount is the pool
// input the caller is willing to pay: base for a long, quote for a short.
func (ch *ClearingHouse) ReducePosition(
	marketID string,
	account state.AccountID,
	proposedAmount, ratio fpmath.Wad,
	ts int64,
) ([]*event.EventEnvelope, error) {
	return ch.marketOp(marketID, "reduce_position", ts, func(m *Market, tx *state.LedgerTx) error {
		h := tx.SettleTrader(account)
		_, err := tx.Reduce(h, proposedAmount, ratio)
		return err
	})
}

func (ch *ClearingHouse) ProvideLiquidity(
	marketID string,
	account state.AccountID,
	amount fpmath.Wad,
	ts int64,
) ([]*event.EventEnvelope, error) {
	return ch.marketOp(marketID, "provide_liquidity", ts, func(m *Market, tx *state.LedgerTx) error {
		h := tx.SettleLiquidity(account)
		_, err := tx.ProvideLiquidity(h, amount)
		return err
	})
}

func (ch *ClearingHouse) WithdrawLiquidity(
	marketID string,
	account state.AccountID,
	lpAmount fpmath.Wad,
	ts int64,
) ([]*event.EventEnvelope, error) {
	return ch.marketOp(marketID, "withdraw_liquidity", ts, func(m *Market, tx *state.LedgerTx) error {
		h := tx.SettleLiquidity(account)
		_, err := tx.WithdrawLiquidity(h, lpAmount)
		return err
	})
}

// Liquidate force-closes account on behalf of liquidator.
func (ch *ClearingHouse) Liquidate(
	marketID string,
	liquidator, account state.AccountID,
	proposedAmount fpmath.Wad,
	ts int64,
) ([]*event.EventEnvelope, error) {
	envs, err := ch.settlingMarketOp(marketID, "liquidate", ts, func(m *Market, tx *state.LedgerTx) error {
		_, err := m.liquidation.Liquidate(tx, liquidator, account, proposedAmount)
		return err
	})
	if err != nil && state.IsFatal(err) {
		ch.logger.Error().
			Str("market_id", marketID).
			Str("account", account.String()).
			Err(err).
			Msg("liquidation blocked: insurance fund exhausted")
		if ch.metrics != nil {
			ch.metrics.Liquidations.WithLabelValues(marketID, "insurance_exhausted").Inc()
		}
	}
	return envs, err
}

// UpdateFunding records both prices and accrues funding without touching
// any account.
func (ch *ClearingHouse) UpdateFunding(marketID string, ts int64) ([]*event.EventEnvelope, error) {
	return ch.marketOp(marketID, "update_funding", ts, nil)
}

// ============================================================================
// Margin sweep
// ============================================================================

// CheckMargins moves every trader position of the market between Healthy
// and Liquidatable and returns the liquidatable accounts.
func (ch *ClearingHouse) CheckMargins(marketID string) ([]state.AccountID, error) {
	m, err := ch.market(marketID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	accounts, err := m.liquidation.Sweep()
	if err != nil {
		return accounts, fmt.Errorf("market %s: %w", marketID, err)
	}
	if ch.metrics != nil {
		ch.metrics.LiquidatableAccounts.WithLabelValues(marketID).Set(float64(len(accounts)))
	}
	if len(accounts) > 0 {
		ch.logger.Warn().
			Str("market_id", marketID).
			Int("count", len(accounts)).
			Msg("liquidatable positions")
	}
	return accounts, nil
}

// CheckAllMargins sweeps every market. It stops at the first failure.
func (ch *ClearingHouse) CheckAllMargins() (map[string][]state.AccountID, error) {
	out := make(map[string][]state.AccountID, len(ch.marketIDs))
	for _, id := range ch.marketIDs {
		accounts, err := ch.CheckMargins(id)
		if err != nil {
			return out, err
		}
		if len(accounts) > 0 {
			out[id] = accounts
		}
	}
	return out, nil
}
