package state_test

import (
	"PerpClearing/internal/event"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/state"
	"bytes"
	"errors"
	"testing"
)

// ============================================================================
// Test: Open / Extend
// ============================================================================

func TestLedger_OpenLong(t *testing.T) {
	f := newFixture(t, "1")
	alice := newAccount()
	f.deposit(t, alice, "10")

	var evt *event.OpenPosition
	err := f.run(t, 1000, func(tx *state.LedgerTx) error {
		var err error
		evt, err = tx.Open(tx.SettleTrader(alice), wad("50"), state.DirectionLong)
		return err
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	pos := f.ledger.Trader(alice)
	assertWad(t, "size", pos.PositionSize, wad("50"))
	assertWad(t, "notional", pos.OpenNotional, wad("50"))
	if pos.Direction() != state.DirectionLong {
		t.Errorf("direction = %s, want long", pos.Direction())
	}
	if evt.Direction != "long" || evt.Header.Account != alice {
		t.Errorf("event = %+v", evt)
	}
	if f.ledger.Global().TimeOfLastTrade != 1000 {
		t.Errorf("time of last trade = %d, want 1000", f.ledger.Global().TimeOfLastTrade)
	}
	assertWad(t, "pool quote", f.pool.Balances(state.QuoteIndex), wad("1000050"))
}

func TestLedger_OpenShortSellsAtIndex(t *testing.T) {
	f := newFixture(t, "1")
	f.index.price = wad("2")
	bob := newAccount()
	f.deposit(t, bob, "10")

	f.open(t, 1000, bob, "50", state.DirectionShort)

	// 50 / 2 = 25 base sold at pool price 1
	pos := f.ledger.Trader(bob)
	assertWad(t, "size", pos.PositionSize, wad("-25"))
	assertWad(t, "notional", pos.OpenNotional, wad("-25"))
}

func TestLedger_OpenChargesFeeToInsurance(t *testing.T) {
	f := newFixture(t, "1")
	f.ledger = state.NewPositionLedger(withFee(f.params, "0.001"), f.pool, f.index, f.vault, f.insurance)
	alice := newAccount()
	f.deposit(t, alice, "10")

	f.open(t, 1000, alice, "50", state.DirectionLong)

	assertWad(t, "collateral", f.vault.Balance(alice), wad("9.95"))
	assertWad(t, "insurance", f.insurance.Balance(), wad("0.05"))
}

func TestLedger_OpenRejections(t *testing.T) {
	f := newFixture(t, "1")
	alice := newAccount()
	f.deposit(t, alice, "10")
	f.open(t, 1000, alice, "50", state.DirectionLong)

	poor := newAccount()
	f.deposit(t, poor, "1")

	tests := []struct {
		name     string
		account  state.AccountID
		notional string
		want     error
	}{
		{"zero notional", poor, "0", state.ErrZeroAmount},
		{"negative notional", poor, "-5", state.ErrZeroAmount},
		{"already open", alice, "1", state.ErrAlreadyOpen},
		{"margin at creation", poor, "50", state.ErrInsufficientMargin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			quoteBefore := f.pool.Balances(state.QuoteIndex)
			err := f.run(t, 1000, func(tx *state.LedgerTx) error {
				_, err := tx.Open(tx.SettleTrader(tt.account), wad(tt.notional), state.DirectionLong)
				return err
			})
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			assertWad(t, "pool quote", f.pool.Balances(state.QuoteIndex), quoteBefore)
		})
	}
	if pos := f.ledger.Trader(poor); !pos.IsFlat() {
		t.Error("rejected open left a position behind")
	}
}

func TestLedger_MarginAtCreationBoundary(t *testing.T) {
	f := newFixture(t, "1")
	alice := newAccount()
	f.deposit(t, alice, "5")

	// 5 / 50 = 0.1 exactly
	f.open(t, 1000, alice, "50", state.DirectionLong)
	if pos := f.ledger.Trader(alice); pos.IsFlat() {
		t.Fatal("open at exactly MinMarginAtCreation should succeed")
	}
}

func TestLedger_Extend(t *testing.T) {
	f := newFixture(t, "1")
	alice := newAccount()
	f.deposit(t, alice, "20")

	err := f.run(t, 1000, func(tx *state.LedgerTx) error {
		_, err := tx.Extend(tx.SettleTrader(alice), wad("10"), state.DirectionLong)
		return err
	})
	if !errors.Is(err, state.ErrNoPosition) {
		t.Fatalf("extend flat: err = %v, want ErrNoPosition", err)
	}

	f.open(t, 1000, alice, "50", state.DirectionLong)

	err = f.run(t, 1000, func(tx *state.LedgerTx) error {
		_, err := tx.Extend(tx.SettleTrader(alice), wad("10"), state.DirectionShort)
		return err
	})
	if !errors.Is(err, state.ErrWrongDirection) {
		t.Fatalf("extend opposite: err = %v, want ErrWrongDirection", err)
	}

	var evt *event.ExtendPosition
	err = f.run(t, 1000, func(tx *state.LedgerTx) error {
		var err error
		evt, err = tx.Extend(tx.SettleTrader(alice), wad("30"), state.DirectionLong)
		return err
	})
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	pos := f.ledger.Trader(alice)
	assertWad(t, "size", pos.PositionSize, wad("80"))
	assertWad(t, "notional", pos.OpenNotional, wad("80"))
	assertWad(t, "event total", evt.TotalOpenNotional, wad("80"))
}

// ============================================================================
// Test: Reduce
// ============================================================================

func TestLedger_ReducePartialLong(t *testing.T) {
	f := newFixture(t, "1")
	alice := newAccount()
	f.deposit(t, alice, "10")
	f.open(t, 1000, alice, "50", state.DirectionLong)
	f.pool.setPrice("1.2")

	var evt *event.ClosePosition
	err := f.run(t, 1000, func(tx *state.LedgerTx) error {
		var err error
		evt, err = tx.Reduce(tx.SettleTrader(alice), wad("25"), wad("0.5"))
		return err
	})
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}

	assertWad(t, "exit value", evt.ExitValue, wad("30"))
	assertWad(t, "realized", evt.RealizedPnL, wad("5"))
	if evt.FullyClosed {
		t.Error("half close reported fully closed")
	}
	pos := f.ledger.Trader(alice)
	assertWad(t, "size", pos.PositionSize, wad("25"))
	assertWad(t, "notional", pos.OpenNotional, wad("25"))
	assertWad(t, "collateral", f.vault.Balance(alice), wad("15"))
}

func TestLedger_ReduceFullShort(t *testing.T) {
	f := newFixture(t, "1")
	bob := newAccount()
	f.deposit(t, bob, "10")
	f.open(t, 1000, bob, "50", state.DirectionShort)
	f.pool.setPrice("0.8")

	var evt *event.ClosePosition
	err := f.run(t, 1000, func(tx *state.LedgerTx) error {
		var err error
		evt, err = tx.Reduce(tx.SettleTrader(bob), wad("40"), fpmath.One)
		return err
	})
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}

	assertWad(t, "exit value", evt.ExitValue, wad("-40"))
	assertWad(t, "realized", evt.RealizedPnL, wad("10"))
	if pos := f.ledger.Trader(bob); !evt.FullyClosed || !pos.IsFlat() {
		t.Error("full close left the position open")
	}
	assertWad(t, "collateral", f.vault.Balance(bob), wad("20"))
}

func TestLedger_ReduceRejections(t *testing.T) {
	f := newFixture(t, "1")
	alice := newAccount()
	f.deposit(t, alice, "10")
	f.open(t, 1000, alice, "50", state.DirectionLong)
	flat := newAccount()

	tests := []struct {
		name     string
		account  state.AccountID
		proposed string
		ratio    string
		want     error
	}{
		{"zero ratio", alice, "50", "0", state.ErrReductionRatioOutOfRange},
		{"ratio above one", alice, "50", "1.000000000000000001", state.ErrReductionRatioOutOfRange},
		{"negative ratio", alice, "50", "-0.5", state.ErrReductionRatioOutOfRange},
		{"zero proposed", alice, "0", "1", state.ErrZeroAmount},
		{"flat account", flat, "50", "1", state.ErrNoPosition},
		{"insufficient proposed", alice, "49.99", "1", state.ErrInsufficientProposedAmount},
		{"excessive proposed", alice, "50.51", "1", state.ErrExcessiveProposedAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.run(t, 1000, func(tx *state.LedgerTx) error {
				_, err := tx.Reduce(tx.SettleTrader(tt.account), wad(tt.proposed), wad(tt.ratio))
				return err
			})
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
	assertWad(t, "size", f.ledger.Trader(alice).PositionSize, wad("50"))
}

func TestLedger_ReduceAcceptsSlippageTolerance(t *testing.T) {
	f := newFixture(t, "1")
	alice := newAccount()
	f.deposit(t, alice, "10")
	f.open(t, 1000, alice, "50", state.DirectionLong)

	// required 50, tolerance 1% -> 50.5 is the limit
	err := f.run(t, 1000, func(tx *state.LedgerTx) error {
		_, err := tx.Reduce(tx.SettleTrader(alice), wad("50.5"), fpmath.One)
		return err
	})
	if err != nil {
		t.Fatalf("reduce at tolerance limit: %v", err)
	}
}

// ============================================================================
// Test: Funding settlement
// ============================================================================

func TestLedger_SettlementIsIdempotent(t *testing.T) {
	f := newFixture(t, "1")
	alice := newAccount()
	f.deposit(t, alice, "10")
	f.open(t, 1000, alice, "50", state.DirectionLong)
	f.pool.setPrice("1.1")

	tx, err := f.ledger.Begin(1012)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	tx.SettleTrader(alice)
	tx.SettleTrader(alice)
	events := tx.Commit()

	paid := 0
	var payment fpmath.Wad
	for _, evt := range events {
		if fp, ok := evt.(*event.FundingPaid); ok {
			paid++
			payment = fp.Payment
		}
	}
	if paid != 1 {
		t.Fatalf("funding paid %d times, want 1", paid)
	}
	// delta 166666666666666 raw, times notional 50
	assertWad(t, "payment", payment, fpmath.WadFromRaw(-8_333_333_333_333_300))

	after := f.vault.Balance(alice)
	err = f.run(t, 1012, func(tx *state.LedgerTx) error {
		tx.SettleTrader(alice)
		return nil
	})
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	assertWad(t, "collateral", f.vault.Balance(alice), after)
}

func TestLedger_LongsPayShortsWhenMarketAboveIndex(t *testing.T) {
	f := newFixture(t, "1")
	alice, bob := newAccount(), newAccount()
	f.deposit(t, alice, "10")
	f.deposit(t, bob, "10")
	f.open(t, 1000, alice, "50", state.DirectionLong)
	f.open(t, 1000, bob, "50", state.DirectionShort)
	f.pool.setPrice("1.1")

	err := f.run(t, 1012, func(tx *state.LedgerTx) error {
		tx.SettleTrader(alice)
		tx.SettleTrader(bob)
		return nil
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !f.vault.Balance(alice).LessThan(wad("10")) {
		t.Errorf("long collateral = %s, want below 10", f.vault.Balance(alice))
	}
	if !f.vault.Balance(bob).GreaterThan(wad("10")) {
		t.Errorf("short collateral = %s, want above 10", f.vault.Balance(bob))
	}
}

// ============================================================================
// Test: Transactions
// ============================================================================

func TestLedger_FailedExchangeLeavesNoTrace(t *testing.T) {
	f := newFixture(t, "1")
	alice := newAccount()
	f.deposit(t, alice, "10")
	f.open(t, 1000, alice, "20", state.DirectionLong)
	snapBefore := f.ledger.CanonicalBytes()
	twapBefore := f.ledger.IndexTwap()

	f.pool.failNext = true
	err := f.run(t, 2000, func(tx *state.LedgerTx) error {
		_, err := tx.Extend(tx.SettleTrader(alice), wad("10"), state.DirectionLong)
		return err
	})
	if err == nil {
		t.Fatal("expected exchange failure")
	}
	if !bytes.Equal(f.ledger.CanonicalBytes(), snapBefore) {
		t.Error("ledger changed after a failed operation")
	}
	if f.ledger.IndexTwap().TimeOfCumulativeAmount != twapBefore.TimeOfCumulativeAmount {
		t.Error("twap advanced after a failed operation")
	}
	assertWad(t, "collateral", f.vault.Balance(alice), wad("10"))
}

func TestLedger_ForeignHandlePanics(t *testing.T) {
	f := newFixture(t, "1")
	alice := newAccount()
	f.deposit(t, alice, "10")

	tx1, _ := f.ledger.Begin(1000)
	h := tx1.SettleTrader(alice)
	tx1.Abort()

	tx2, _ := f.ledger.Begin(1000)
	defer tx2.Abort()
	defer func() {
		if recover() == nil {
			t.Error("expected panic for a handle from another transaction")
		}
	}()
	tx2.Open(h, wad("10"), state.DirectionLong)
}

func TestLedger_NestedBeginPanics(t *testing.T) {
	f := newFixture(t, "1")
	tx, _ := f.ledger.Begin(1000)
	defer tx.Abort()

	defer func() {
		if recover() == nil {
			t.Error("expected panic for a second open transaction")
		}
	}()
	f.ledger.Begin(1000)
}

func TestLedger_BeginRecordsPricesAndAccrues(t *testing.T) {
	f := newFixture(t, "1.1")

	tx, _ := f.ledger.Begin(1000)
	first := tx.Commit()
	if len(first) != 1 || first[0].EventType() != event.EventTypeTwapUpdated {
		t.Fatalf("first begin events = %v, want one TwapUpdated", first)
	}

	tx, _ = f.ledger.Begin(1012)
	events := tx.Commit()
	var updated *event.FundingRateUpdated
	for _, evt := range events {
		if fr, ok := evt.(*event.FundingRateUpdated); ok {
			updated = fr
		}
	}
	if updated == nil {
		t.Fatal("no FundingRateUpdated event")
	}
	assertWad(t, "premium", updated.Premium, wad("0.1"))
	assertWad(t, "cum funding rate", f.ledger.Global().CumFundingRate, updated.CumFundingRate)
	marketTwap, indexTwap := f.ledger.MarketTwap(), f.ledger.IndexTwap()
	assertWad(t, "market twap", marketTwap.Twap(), wad("1.1"))
	assertWad(t, "index twap", indexTwap.Twap(), wad("1"))
}

// ============================================================================
// Test: Liquidity
// ============================================================================

func TestLedger_ProvideBootstrapsByIndexPrice(t *testing.T) {
	f := newFixture(t, "1")
	f.pool = &fixedPricePool{price: fpmath.One}
	f.index.price = wad("2")
	f.ledger = state.NewPositionLedger(f.params, f.pool, f.index, f.vault, f.insurance)
	carol := newAccount()
	f.deposit(t, carol, "100")

	var evt *event.LiquidityProvided
	err := f.run(t, 1000, func(tx *state.LedgerTx) error {
		var err error
		evt, err = tx.ProvideLiquidity(tx.SettleLiquidity(carol), wad("40"))
		return err
	})
	if err != nil {
		t.Fatalf("provide: %v", err)
	}
	if !evt.Bootstrap {
		t.Error("first deposit into an empty pool should bootstrap")
	}
	assertWad(t, "quote leg", evt.QuoteAmount, wad("20"))
	assertWad(t, "base leg", evt.BaseAmount, wad("10"))

	lp := f.ledger.Liquidity(carol)
	assertWad(t, "lp balance", lp.LiquidityBalance, evt.LPMinted)
	assertWad(t, "lp size", lp.PositionSize, wad("-10"))
	assertWad(t, "lp notional", lp.OpenNotional, wad("-20"))

	var out *event.LiquidityWithdrawn
	err = f.run(t, 1000, func(tx *state.LedgerTx) error {
		var err error
		out, err = tx.WithdrawLiquidity(tx.SettleLiquidity(carol), lp.LiquidityBalance)
		return err
	})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !out.ResidualBase.IsZero() || !out.RealizedPnL.IsZero() {
		t.Errorf("residual = %s, realized = %s, want 0", out.ResidualBase, out.RealizedPnL)
	}
	if lp := f.ledger.Liquidity(carol); !lp.IsEmpty() {
		t.Error("full withdrawal left liquidity behind")
	}
}

func TestLedger_ProvideSplitsByPoolRatio(t *testing.T) {
	f := newFixture(t, "1")
	f.pool.supply = f.pool.Balances(state.QuoteIndex)
	f.pool.balances[state.BaseIndex] = wad("500000")
	carol := newAccount()
	f.deposit(t, carol, "100")

	var evt *event.LiquidityProvided
	err := f.run(t, 1000, func(tx *state.LedgerTx) error {
		var err error
		evt, err = tx.ProvideLiquidity(tx.SettleLiquidity(carol), wad("40"))
		return err
	})
	if err != nil {
		t.Fatalf("provide: %v", err)
	}
	if evt.Bootstrap {
		t.Error("seeded pool should not bootstrap")
	}
	assertWad(t, "base leg", evt.BaseAmount, wad("10"))
}

func TestLedger_LiquidityRejections(t *testing.T) {
	f := newFixture(t, "1")
	f.pool.supply = f.pool.Balances(state.QuoteIndex)
	carol := newAccount()
	f.deposit(t, carol, "10")

	err := f.run(t, 1000, func(tx *state.LedgerTx) error {
		_, err := tx.ProvideLiquidity(tx.SettleLiquidity(carol), wad("11"))
		return err
	})
	if !errors.Is(err, state.ErrInsufficientMargin) {
		t.Errorf("provide above collateral: err = %v, want ErrInsufficientMargin", err)
	}

	err = f.run(t, 1000, func(tx *state.LedgerTx) error {
		_, err := tx.ProvideLiquidity(tx.SettleLiquidity(carol), wad("10"))
		return err
	})
	if err != nil {
		t.Fatalf("provide: %v", err)
	}

	balance := f.ledger.Liquidity(carol).LiquidityBalance
	err = f.run(t, 1000, func(tx *state.LedgerTx) error {
		_, err := tx.WithdrawLiquidity(tx.SettleLiquidity(carol), balance.Add(fpmath.WadFromRaw(1)))
		return err
	})
	if !errors.Is(err, state.ErrNotEnoughLiquidityProvided) {
		t.Errorf("over-withdraw: err = %v, want ErrNotEnoughLiquidityProvided", err)
	}

	err = f.run(t, 1000, func(tx *state.LedgerTx) error {
		_, err := tx.WithdrawLiquidity(tx.SettleLiquidity(carol), fpmath.Zero)
		return err
	})
	if !errors.Is(err, state.ErrZeroAmount) {
		t.Errorf("zero withdraw: err = %v, want ErrZeroAmount", err)
	}
}

func TestLedger_FailedResidualCloseRollsBackPool(t *testing.T) {
	f := newFixture(t, "1")
	f.pool.supply = f.pool.Balances(state.QuoteIndex)
	alice, carol := newAccount(), newAccount()
	f.deposit(t, alice, "10")
	f.deposit(t, carol, "100")

	err := f.run(t, 1000, func(tx *state.LedgerTx) error {
		_, err := tx.ProvideLiquidity(tx.SettleLiquidity(carol), wad("40"))
		return err
	})
	if err != nil {
		t.Fatalf("provide: %v", err)
	}
	// the long leaves carol a residual short to buy back on withdrawal
	f.open(t, 1000, alice, "50", state.DirectionLong)

	balances, supply := f.pool.balances, f.pool.supply
	lp := f.ledger.Liquidity(carol)
	collateral := f.vault.Balance(carol)
	f.pool.failNext = true

	err = f.run(t, 1000, func(tx *state.LedgerTx) error {
		_, err := tx.WithdrawLiquidity(tx.SettleLiquidity(carol), lp.LiquidityBalance)
		return err
	})
	if err == nil {
		t.Fatal("expected the residual close to fail")
	}
	assertWad(t, "supply", f.pool.supply, supply)
	assertWad(t, "quote reserve", f.pool.balances[state.QuoteIndex], balances[state.QuoteIndex])
	assertWad(t, "base reserve", f.pool.balances[state.BaseIndex], balances[state.BaseIndex])
	assertWad(t, "lp balance", f.ledger.Liquidity(carol).LiquidityBalance, lp.LiquidityBalance)
	assertWad(t, "lp size", f.ledger.Liquidity(carol).PositionSize, lp.PositionSize)
	assertWad(t, "carol collateral", f.vault.Balance(carol), collateral)
}

// ============================================================================
// Test: Conservation
// ============================================================================

func TestLedger_ConservesValue(t *testing.T) {
	f := newFixture(t, "1")
	f.ledger = state.NewPositionLedger(withFee(f.params, "0.001"), f.pool, f.index, f.vault, f.insurance)
	f.pool.supply = f.pool.Balances(state.QuoteIndex)
	alice, bob, carol := newAccount(), newAccount(), newAccount()
	for _, a := range []state.AccountID{alice, bob, carol} {
		f.deposit(t, a, "100")
	}
	total := func() fpmath.Wad {
		return f.vault.total().Add(f.insurance.Balance()).Add(f.pool.Balances(state.QuoteIndex))
	}
	start := total()

	// one timestamp throughout, so no funding flows in or out
	const ts = 1000
	mustRun := func(name string, op func(tx *state.LedgerTx) error) {
		t.Helper()
		if err := f.run(t, ts, op); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}

	mustRun("provide", func(tx *state.LedgerTx) error {
		_, err := tx.ProvideLiquidity(tx.SettleLiquidity(carol), wad("40"))
		return err
	})
	f.open(t, ts, alice, "50", state.DirectionLong)
	f.open(t, ts, bob, "30", state.DirectionShort)
	f.pool.setPrice("1.2")

	mustRun("close long", func(tx *state.LedgerTx) error {
		h := tx.SettleTrader(alice)
		_, err := tx.Reduce(h, h.Position().PositionSize, fpmath.One)
		return err
	})
	mustRun("close short", func(tx *state.LedgerTx) error {
		_, err := tx.Reduce(tx.SettleTrader(bob), wad("36"), fpmath.One)
		return err
	})
	mustRun("withdraw", func(tx *state.LedgerTx) error {
		h := tx.SettleLiquidity(carol)
		_, err := tx.WithdrawLiquidity(h, h.Position().LiquidityBalance)
		return err
	})

	assertWad(t, "vault + insurance + pool quote", total(), start)
	if !f.insurance.Balance().IsPositive() {
		t.Error("fees did not reach the insurance fund")
	}
}

// ============================================================================
// Test: Snapshot
// ============================================================================

func TestLedger_SnapshotRestore(t *testing.T) {
	f := newFixture(t, "1")
	alice, bob := newAccount(), newAccount()
	f.deposit(t, alice, "10")
	f.deposit(t, bob, "10")
	f.open(t, 1000, alice, "50", state.DirectionLong)
	f.open(t, 1012, bob, "20", state.DirectionShort)

	snap := f.ledger.Snapshot()
	restored := state.NewPositionLedger(f.params, f.pool, f.index, f.vault, f.insurance)
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if !bytes.Equal(restored.CanonicalBytes(), f.ledger.CanonicalBytes()) {
		t.Error("restored ledger differs from the original")
	}
	if restored.Version() != f.ledger.Version() {
		t.Errorf("version = %d, want %d", restored.Version(), f.ledger.Version())
	}

	other := state.NewPositionLedger(state.DefaultMarketParams("BTC-USDC"), f.pool, f.index, f.vault, f.insurance)
	if err := other.Restore(snap); err == nil {
		t.Error("restoring another market's snapshot should fail")
	}
}

func withFee(p state.MarketParams, fee string) state.MarketParams {
	p.TradeFeeRatio = wad(fee)
	return p
}
