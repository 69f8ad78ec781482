package core_test

import (
	"PerpClearing/internal/core"
	"PerpClearing/internal/event"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/state"
	"testing"

	"github.com/google/uuid"
)

// ============================================================================
// Scenario: deposit, open long, one day of funding, close, withdraw
// ============================================================================

const (
	fundingStep  = int64(12)
	fundingSteps = int64(7200) // one day
)

type scenarioResult struct {
	openFee    fpmath.Wad
	closeFee   fpmath.Wad
	realized   fpmath.Wad
	funding    fpmath.Wad
	cumFunding fpmath.Wad
	finalCol   fpmath.Wad
	withdrawn  fpmath.Wad
	marketTip  [32]byte
	collatTip  [32]byte
}

// runScenario uses a fixed account id so two runs are comparable byte for byte.
func runScenario(t *testing.T) scenarioResult {
	t.Helper()
	ch := newTestHouse(t, seededPool(t, 1_100_000_000, 1_000_000_000), nil)
	alice := uuid.MustParse("00000000-0000-0000-0000-00000000a11c")
	var r scenarioResult

	mustDeposit(t, ch, alice, "100", t0)

	envs, err := ch.OpenPosition(market, alice, wad("50"), state.DirectionLong, t0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	open, ok := findEvent[*event.OpenPosition](envs)
	if !ok {
		t.Fatal("no OpenPosition event")
	}
	r.openFee = open.Fee

	end := t0 + fundingStep*fundingSteps
	for ts := t0 + fundingStep; ts <= end; ts += fundingStep {
		if _, err := ch.UpdateFunding(market, ts); err != nil {
			t.Fatalf("update funding at %d: %v", ts, err)
		}
	}
	summary, err := ch.Summary(market)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	r.cumFunding = summary.CumFundingRate

	pos, err := ch.Position(market, alice)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	envs, err = ch.ReducePosition(market, alice, pos.PositionSize, fpmath.One, end)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	closed, ok := findEvent[*event.ClosePosition](envs)
	if !ok || !closed.FullyClosed {
		t.Fatalf("close event = %+v", closed)
	}
	paid, ok := findEvent[*event.FundingPaid](envs)
	if !ok {
		t.Fatal("no FundingPaid event on close")
	}
	r.closeFee = closed.Fee
	r.realized = closed.RealizedPnL
	r.funding = paid.Payment
	r.finalCol = ch.Collateral(alice)

	r.withdrawn = r.finalCol
	if _, err := ch.Withdraw(alice, r.withdrawn, token, end); err != nil {
		t.Fatalf("withdraw all: %v", err)
	}
	if !ch.Collateral(alice).IsZero() {
		t.Errorf("collateral after withdrawing all = %s", ch.Collateral(alice))
	}
	if err := ch.CheckInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}

	r.marketTip, _, _ = ch.StateHash(market)
	r.collatTip, _, _ = ch.StateHash(core.CollateralPartition)
	return r
}

func TestScenario_DepositOpenFundCloseWithdraw(t *testing.T) {
	r := runScenario(t)

	// market ~1.1 against index 1: premium ~0.1, and each 12s step adds
	// premium * 12 * 12 / 86400, so a day accrues ~1.2
	if r.cumFunding.LessThan(wad("1.19")) || r.cumFunding.GreaterThan(wad("1.21")) {
		t.Errorf("cum funding = %s, want ~1.2", r.cumFunding)
	}

	// the long pays: (0 - cum) * 50, exact because 50 is whole
	assertWad(t, "funding payment", r.funding, r.cumFunding.Neg().Mul(fpmath.NewWad(50)))
	if !r.funding.IsNegative() {
		t.Errorf("long should pay funding when market > index, got %s", r.funding)
	}

	assertWad(t, "open fee", r.openFee, wad("0.05"))

	want := wad("100").Sub(r.openFee).Sub(r.closeFee).Add(r.realized).Add(r.funding)
	assertWad(t, "final collateral", r.finalCol, want)
}

func TestScenario_Deterministic(t *testing.T) {
	a := runScenario(t)
	b := runScenario(t)

	assertWad(t, "final collateral", b.finalCol, a.finalCol)
	assertWad(t, "cum funding", b.cumFunding, a.cumFunding)
	if a.marketTip != b.marketTip {
		t.Error("market hash chain differs between identical runs")
	}
	if a.collatTip != b.collatTip {
		t.Error("collateral hash chain differs between identical runs")
	}
}
