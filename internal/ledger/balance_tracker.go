package ledger

import (
	fpmath "PerpClearing/internal/math"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]fpmath.Wad
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]fpmath.Wad),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] = bt.balances[j.DebitAccount].Add(j.Amount)
	bt.balances[j.CreditAccount] = bt.balances[j.CreditAccount].Sub(j.Amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) fpmath.Wad {
	return bt.balances[key]
}

// GetUserCollateral returns the signed collateral of a user
func (bt *BalanceTracker) GetUserCollateral(userID uuid.UUID, assetID AssetID) fpmath.Wad {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypeCollateral, assetID))
}

// ValidateSufficientCollateral checks if user has enough collateral to release
func (bt *BalanceTracker) ValidateSufficientCollateral(userID uuid.UUID, assetID AssetID, required fpmath.Wad) error {
	available := bt.GetUserCollateral(userID, assetID)
	if available.LessThan(required) {
		return fmt.Errorf("insufficient collateral: have=%s, need=%s", available, required)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]fpmath.Wad {
	totals := make(map[AssetID]fpmath.Wad)

	for key, balance := range bt.balances {
		totals[key.AssetID] = totals[key.AssetID].Add(balance)
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance.IsNegative() {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns all non-zero balances keyed by account path
func (bt *BalanceTracker) Snapshot() map[string]fpmath.Wad {
	snapshot := make(map[string]fpmath.Wad, len(bt.balances))
	for k, v := range bt.balances {
		if !v.IsZero() {
			snapshot[k.AccountPath()] = v
		}
	}
	return snapshot
}

// Restore replaces all balances from a Snapshot.
func (bt *BalanceTracker) Restore(snapshot map[string]fpmath.Wad) error {
	balances := make(map[AccountKey]fpmath.Wad, len(snapshot))
	for path, v := range snapshot {
		key, err := ParseAccountPath(path)
		if err != nil {
			return err
		}
		balances[key] = v
	}
	bt.balances = balances
	return nil
}

// Keys returns every tracked account in path order.
func (bt *BalanceTracker) Keys() []AccountKey {
	keys := make([]AccountKey, 0, len(bt.balances))
	for k := range bt.balances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})
	return keys
}
