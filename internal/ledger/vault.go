package ledger

import (
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/state"
	"fmt"
	"sync"
)

// Book is the double-entry ledger behind the vault and the insurance fund.
// It holds a single collateral asset and is shared by every market.
type Book struct {
	mu sync.RWMutex

	asset     Asset
	tracker   *BalanceTracker
	generator *JournalGenerator
	validator *InvariantValidator
}

func NewBook(token string) (*Book, error) {
	asset, ok := GetAsset(token)
	if !ok {
		return nil, fmt.Errorf("%w: %s", state.ErrWrongToken, token)
	}
	tracker := NewBalanceTracker()
	return &Book{
		asset:     asset,
		tracker:   tracker,
		generator: NewJournalGenerator(1, tracker),
		validator: NewInvariantValidator(tracker),
	}, nil
}

func (b *Book) Asset() Asset { return b.asset }

// apply posts a batch. A batch the generator built can only fail
// validation through a programming error.
func (b *Book) apply(batch *Batch) {
	if batch == nil {
		return
	}
	if err := b.tracker.ApplyBatch(batch); err != nil {
		panic(fmt.Sprintf("FATAL: ledger batch %d rejected: %v", batch.Sequence, err))
	}
}

// Validate checks the zero-sum and insurance invariants.
func (b *Book) Validate() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	return b.validator.ValidateInsuranceNonNegative(b.asset.ID)
}

// PnLPool is the counterparty balance of all realized trading results.
func (b *Book) PnLPool() fpmath.Wad {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tracker.GetBalance(NewSystemAccountKey(SubTypeSystemPnLPool, b.asset.ID))
}

// BookSnapshot is the persisted form of a Book.
type BookSnapshot struct {
	Token    string                `json:"token"`
	Sequence int64                 `json:"sequence"`
	Balances map[string]fpmath.Wad `json:"balances"`
}

func (b *Book) Snapshot() BookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BookSnapshot{
		Token:    b.asset.Symbol,
		Sequence: b.generator.Sequence(),
		Balances: b.tracker.Snapshot(),
	}
}

func (b *Book) Restore(snap BookSnapshot) error {
	if snap.Token != b.asset.Symbol {
		return fmt.Errorf("%w: snapshot holds %s, book holds %s", state.ErrWrongToken, snap.Token, b.asset.Symbol)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	tracker := NewBalanceTracker()
	if err := tracker.Restore(snap.Balances); err != nil {
		return err
	}
	if err := NewInvariantValidator(tracker).ValidateGlobalBalance(); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	b.tracker = tracker
	b.generator = NewJournalGenerator(snap.Sequence, tracker)
	b.validator = NewInvariantValidator(tracker)
	return nil
}

// ============================================================================
// Vault
// ============================================================================

// Vault custodies user collateral on a Book.
type Vault struct {
	book *Book
}

var _ state.Vault = (*Vault)(nil)

func NewVault(book *Book) *Vault {
	return &Vault{book: book}
}

func (v *Vault) checkToken(token string) error {
	if token != v.book.asset.Symbol {
		return fmt.Errorf("%w: got %s, vault holds %s", state.ErrWrongToken, token, v.book.asset.Symbol)
	}
	return nil
}

// Deposit credits amount floored to the token's precision and returns the
// credited amount.
func (v *Vault) Deposit(account state.AccountID, amount fpmath.Wad, token string) (fpmath.Wad, error) {
	if err := v.checkToken(token); err != nil {
		return fpmath.Zero, err
	}
	decimals := v.book.asset.Decimals
	credited := fpmath.FromTokenUnits(amount.ToTokenUnits(decimals), decimals)
	if !credited.IsPositive() {
		return fpmath.Zero, state.ErrZeroAmount
	}

	v.book.mu.Lock()
	defer v.book.mu.Unlock()
	v.book.apply(v.book.generator.GenerateDeposit(account, credited, v.book.asset.ID))
	return credited, nil
}

func (v *Vault) Withdraw(account state.AccountID, amount fpmath.Wad, token string) error {
	if err := v.checkToken(token); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return state.ErrZeroAmount
	}

	v.book.mu.Lock()
	defer v.book.mu.Unlock()
	batch, err := v.book.generator.GenerateWithdrawal(account, amount, v.book.asset.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", state.ErrInsufficientCollateral, err)
	}
	v.book.apply(batch)
	return nil
}

// SettleProfit books a realized result. Losses may leave the account
// negative until bad debt coverage is settled in the same commit.
func (v *Vault) SettleProfit(account state.AccountID, amount fpmath.Wad) error {
	v.book.mu.Lock()
	defer v.book.mu.Unlock()
	v.book.apply(v.book.generator.GenerateSettlement(account, amount, v.book.asset.ID))
	return nil
}

func (v *Vault) Balance(account state.AccountID) fpmath.Wad {
	v.book.mu.RLock()
	defer v.book.mu.RUnlock()
	return v.book.tracker.GetUserCollateral(account, v.book.asset.ID)
}

func (v *Vault) Token() string { return v.book.asset.Symbol }

// ============================================================================
// InsuranceFund
// ============================================================================

// InsuranceFund is the system insurance account on a Book.
type InsuranceFund struct {
	book *Book
}

var _ state.InsuranceFund = (*InsuranceFund)(nil)

func NewInsuranceFund(book *Book) *InsuranceFund {
	return &InsuranceFund{book: book}
}

func (f *InsuranceFund) CoverBadDebt(amount fpmath.Wad) bool {
	if amount.IsNegative() {
		return false
	}
	if amount.IsZero() {
		return true
	}
	f.book.mu.Lock()
	defer f.book.mu.Unlock()
	batch, err := f.book.generator.GenerateInsuranceCoverage(amount, f.book.asset.ID)
	if err != nil {
		return false
	}
	f.book.apply(batch)
	return true
}

func (f *InsuranceFund) Fund(amount fpmath.Wad) error {
	if amount.IsNegative() {
		return state.ErrZeroAmount
	}
	if amount.IsZero() {
		return nil
	}
	f.book.mu.Lock()
	defer f.book.mu.Unlock()
	f.book.apply(f.book.generator.GenerateInsuranceFunding(amount, f.book.asset.ID))
	return nil
}

// Seed tops the fund up from outside the system.
func (f *InsuranceFund) Seed(amount fpmath.Wad) error {
	if !amount.IsPositive() {
		return state.ErrZeroAmount
	}
	f.book.mu.Lock()
	defer f.book.mu.Unlock()
	f.book.apply(f.book.generator.GenerateInsuranceSeed(amount, f.book.asset.ID))
	return nil
}

func (f *InsuranceFund) Balance() fpmath.Wad {
	f.book.mu.RLock()
	defer f.book.mu.RUnlock()
	return f.book.tracker.GetBalance(NewSystemAccountKey(SubTypeSystemInsuranceFund, f.book.asset.ID))
}
