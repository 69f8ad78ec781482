package projection_test

import (
	"PerpClearing/internal/core"
	"PerpClearing/internal/event"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/persistence"
	"PerpClearing/internal/projection"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	alice = uuid.MustParse("00000000-0000-0000-0000-00000000a11c")
	bob   = uuid.MustParse("00000000-0000-0000-0000-000000000b0b")
)

func fundingEnv(seq int64, market string, account uuid.UUID, payment string) *event.EventEnvelope {
	return &event.EventEnvelope{
		Sequence:  seq,
		EventType: event.EventTypeFundingPaid,
		MarketID:  market,
		Timestamp: 1_700_000_000 + seq,
		Event: &event.FundingPaid{
			Header:  event.Header{MarketID: market, Account: account, Timestamp: 1_700_000_000 + seq},
			Payment: fpmath.MustParseWad(payment),
		},
	}
}

func liquidationEnv(seq int64, market string, account uuid.UUID) *event.EventEnvelope {
	return &event.EventEnvelope{
		Sequence:  seq,
		EventType: event.EventTypeLiquidationCall,
		MarketID:  market,
		Timestamp: 1_700_000_000 + seq,
		Event: &event.LiquidationCall{
			Header:     event.Header{MarketID: market, Account: account},
			Liquidator: bob,
			Reward:     fpmath.MustParseWad("1.5"),
		},
	}
}

// ============================================================================
// Test: History
// ============================================================================

func TestHistory_FundingNewestFirst(t *testing.T) {
	h := projection.NewHistory(0)
	h.Apply(fundingEnv(1, "ETH-PERP", alice, "-1"))
	h.Apply(fundingEnv(2, "ETH-PERP", bob, "2"))
	h.Apply(fundingEnv(3, "ETH-PERP", alice, "-3"))
	h.Apply(fundingEnv(1, "BTC-PERP", alice, "9"))

	got := h.Funding("ETH-PERP", alice, 10)
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2", len(got))
	}
	if got[0].Sequence != 3 || got[1].Sequence != 1 {
		t.Errorf("order = %d,%d, want 3,1", got[0].Sequence, got[1].Sequence)
	}
	if !got[0].Payment.Equal(fpmath.MustParseWad("-3")) {
		t.Errorf("payment = %s", got[0].Payment)
	}

	if all := h.Funding("ETH-PERP", uuid.Nil, 10); len(all) != 3 {
		t.Errorf("all accounts = %d entries, want 3", len(all))
	}
	if limited := h.Funding("ETH-PERP", uuid.Nil, 1); len(limited) != 1 || limited[0].Sequence != 3 {
		t.Errorf("limit 1 = %+v", limited)
	}
}

func TestHistory_IgnoresReplayedSequences(t *testing.T) {
	h := projection.NewHistory(0)
	if !h.Apply(liquidationEnv(5, "ETH-PERP", alice)) {
		t.Fatal("first liquidation not applied")
	}
	if h.Apply(liquidationEnv(5, "ETH-PERP", alice)) {
		t.Error("same sequence applied twice")
	}
	if h.Apply(liquidationEnv(4, "ETH-PERP", alice)) {
		t.Error("older sequence applied")
	}
	if got := h.Liquidations("ETH-PERP", 10); len(got) != 1 || got[0].Liquidator != bob {
		t.Errorf("liquidations = %+v", got)
	}
	if h.Watermark("ETH-PERP") != 5 {
		t.Errorf("watermark = %d", h.Watermark("ETH-PERP"))
	}
}

func TestHistory_TrimsToLimit(t *testing.T) {
	h := projection.NewHistory(2)
	for seq := int64(1); seq <= 5; seq++ {
		h.Apply(fundingEnv(seq, "ETH-PERP", alice, "1"))
	}
	got := h.Funding("ETH-PERP", alice, 10)
	if len(got) != 2 || got[0].Sequence != 5 || got[1].Sequence != 4 {
		t.Errorf("kept = %+v", got)
	}
}

func TestHistory_SkipsCollateralEvents(t *testing.T) {
	h := projection.NewHistory(0)
	env := &event.EventEnvelope{Sequence: 1, Event: &event.CollateralDeposited{}}
	if h.Apply(env) {
		t.Error("collateral event applied")
	}
}

// ============================================================================
// Test: ProjectionWorker and Rebuild
// ============================================================================

func TestProjectionWorker_DrainsUntilClosed(t *testing.T) {
	in := make(chan core.CoreOutput, 4)
	h := projection.NewHistory(0)
	in <- core.CoreOutput{Envelope: fundingEnv(1, "ETH-PERP", alice, "1")}
	in <- core.CoreOutput{Envelope: liquidationEnv(2, "ETH-PERP", alice)}
	close(in)

	if err := projection.NewProjectionWorker(h, in, zerolog.Nop()).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.Watermark("ETH-PERP") != 2 {
		t.Errorf("watermark = %d, want 2", h.Watermark("ETH-PERP"))
	}
}

type fakeSource struct {
	rows map[string][]persistence.EventRow
	err  error
}

func (f *fakeSource) LoadEvents(_ context.Context, partition string, after int64, limit int) ([]persistence.EventRow, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []persistence.EventRow
	for _, r := range f.rows[partition] {
		if r.Sequence > after && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func rowOf(t *testing.T, partition string, env *event.EventEnvelope) persistence.EventRow {
	t.Helper()
	payload, err := json.Marshal(env.Event)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	r := persistence.EventRow{
		Partition: partition,
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		Payload:   payload,
		Timestamp: env.Timestamp,
	}
	r.MarketID.String, r.MarketID.Valid = env.MarketID, true
	return r
}

func TestRebuild_ReplaysEventLog(t *testing.T) {
	src := &fakeSource{rows: map[string][]persistence.EventRow{
		"market:ETH-PERP": {
			rowOf(t, "market:ETH-PERP", fundingEnv(1, "ETH-PERP", alice, "-0.5")),
			rowOf(t, "market:ETH-PERP", liquidationEnv(2, "ETH-PERP", alice)),
		},
	}}
	h := projection.NewHistory(0)
	if err := projection.Rebuild(context.Background(), src, h, []string{"ETH-PERP", "BTC-PERP"}, zerolog.Nop()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	funding := h.Funding("ETH-PERP", alice, 10)
	if len(funding) != 1 || !funding[0].Payment.Equal(fpmath.MustParseWad("-0.5")) {
		t.Errorf("funding = %+v", funding)
	}
	liqs := h.Liquidations("ETH-PERP", 10)
	if len(liqs) != 1 || !liqs[0].Reward.Equal(fpmath.MustParseWad("1.5")) {
		t.Errorf("liquidations = %+v", liqs)
	}

	// live traffic behind the rebuilt watermark is ignored
	if h.Apply(fundingEnv(2, "ETH-PERP", alice, "7")) {
		t.Error("envelope at the watermark applied after rebuild")
	}
}

func TestRebuild_PropagatesLoadError(t *testing.T) {
	src := &fakeSource{err: errors.New("connection reset")}
	err := projection.Rebuild(context.Background(), src, projection.NewHistory(0), []string{"ETH-PERP"}, zerolog.Nop())
	if err == nil {
		t.Fatal("want error")
	}
}
