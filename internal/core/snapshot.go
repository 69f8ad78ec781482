package core

import (
	"PerpClearing/internal/amm"
	"PerpClearing/internal/ledger"
	"PerpClearing/internal/state"
	"encoding/hex"
	"fmt"
)

// MarketState is the persisted form of one market.
type MarketState struct {
	Ledger    state.MarketSnapshot `json:"ledger"`
	Pool      amm.PoolState        `json:"pool"`
	Sequence  int64                `json:"sequence"`
	StateHash string               `json:"state_hash"`
	Clock     int64                `json:"clock"`
}

// CollateralState is the persisted form of the collateral partition.
type CollateralState struct {
	Book      ledger.BookSnapshot `json:"book"`
	Sequence  int64               `json:"sequence"`
	StateHash string              `json:"state_hash"`
	Clock     int64               `json:"clock"`
}

// SnapshotState captures the whole clearing house at one consistent point.
type SnapshotState struct {
	Markets    []MarketState   `json:"markets"`
	Collateral CollateralState `json:"collateral"`
}

// Snapshot read-locks every market in id order, then the collateral
// partition, and copies their state.
func (ch *ClearingHouse) Snapshot() *SnapshotState {
	for _, id := range ch.marketIDs {
		m := ch.markets[id]
		m.mu.RLock()
		defer m.mu.RUnlock()
	}
	ch.collateralMu.Lock()
	defer ch.collateralMu.Unlock()

	snap := &SnapshotState{
		Markets: make([]MarketState, 0, len(ch.marketIDs)),
	}
	for _, id := range ch.marketIDs {
		m := ch.markets[id]
		tip := m.log.hasher.GetPrevHash()
		snap.Markets = append(snap.Markets, MarketState{
			Ledger:    m.ledger.Snapshot(),
			Pool:      m.pool.State(),
			Sequence:  m.log.sequence,
			StateHash: hex.EncodeToString(tip[:]),
			Clock:     ch.clock.Last(marketPartition(id)),
		})
	}
	tip := ch.collateralLog.hasher.GetPrevHash()
	snap.Collateral = CollateralState{
		Book:      ch.book.Snapshot(),
		Sequence:  ch.collateralLog.sequence,
		StateHash: hex.EncodeToString(tip[:]),
		Clock:     ch.clock.Last(CollateralPartition),
	}
	return snap
}

// Restore replaces all state with snap. Market ids, hashes and the token
// are checked before anything is written.
func (ch *ClearingHouse) Restore(snap *SnapshotState) error {
	if snap == nil {
		return fmt.Errorf("nil snapshot")
	}

	type restored struct {
		m     *Market
		state MarketState
		tip   [32]byte
	}
	plan := make([]restored, 0, len(snap.Markets))
	seen := make(map[string]bool, len(snap.Markets))
	for _, ms := range snap.Markets {
		id := ms.Ledger.MarketID
		m, err := ch.market(id)
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		if seen[id] {
			return fmt.Errorf("restore: market %s appears twice", id)
		}
		seen[id] = true
		if ms.Pool.MarketID != id {
			return fmt.Errorf("restore: market %s carries pool state of %s", id, ms.Pool.MarketID)
		}
		tip, err := decodeHash(ms.StateHash)
		if err != nil {
			return fmt.Errorf("restore market %s: %w", id, err)
		}
		plan = append(plan, restored{m: m, state: ms, tip: tip})
	}
	collateralTip, err := decodeHash(snap.Collateral.StateHash)
	if err != nil {
		return fmt.Errorf("restore collateral: %w", err)
	}
	if snap.Collateral.Book.Token != ch.vault.Token() {
		return fmt.Errorf("restore: %w: snapshot holds %s", state.ErrWrongToken, snap.Collateral.Book.Token)
	}

	for _, id := range ch.marketIDs {
		m := ch.markets[id]
		m.mu.Lock()
		defer m.mu.Unlock()
	}
	ch.collateralMu.Lock()
	defer ch.collateralMu.Unlock()

	if err := ch.book.Restore(snap.Collateral.Book); err != nil {
		return fmt.Errorf("restore collateral: %w", err)
	}
	ch.collateralLog.sequence = snap.Collateral.Sequence
	ch.collateralLog.hasher.SetPrevHash(collateralTip)
	ch.clock.SetLast(CollateralPartition, snap.Collateral.Clock)

	for _, r := range plan {
		if err := r.m.pool.Restore(r.state.Pool); err != nil {
			return fmt.Errorf("restore market %s pool: %w", r.m.ID(), err)
		}
		if err := r.m.ledger.Restore(r.state.Ledger); err != nil {
			return fmt.Errorf("restore market %s: %w", r.m.ID(), err)
		}
		r.m.log.sequence = r.state.Sequence
		r.m.log.hasher.SetPrevHash(r.tip)
		ch.clock.SetLast(marketPartition(r.m.ID()), r.state.Clock)
	}

	ch.logger.Info().
		Int("markets", len(plan)).
		Int64("collateral_sequence", snap.Collateral.Sequence).
		Msg("state restored from snapshot")
	return nil
}

func decodeHash(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("state hash: %w", err)
	}
	if len(b) != len(out) {
		return out, fmt.Errorf("state hash: want %d bytes, got %d", len(out), len(b))
	}
	copy(out[:], b)
	return out, nil
}
