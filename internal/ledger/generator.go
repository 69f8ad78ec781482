package ledger

import (
	fpmath "PerpClearing/internal/math"
	"fmt"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches for vault operations
type JournalGenerator struct {
	sequence       int64
	balanceTracker *BalanceTracker
}

func NewJournalGenerator(startSequence int64, tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		sequence:       startSequence,
		balanceTracker: tracker,
	}
}

func (jg *JournalGenerator) Sequence() int64 { return jg.sequence }

// transfer builds a one-entry batch moving amount from credit to debit.
func (jg *JournalGenerator) transfer(
	debit, credit AccountKey,
	assetID AssetID,
	amount fpmath.Wad,
	journalType JournalType,
) *Batch {
	batchID := uuid.New()

	batch := &Batch{
		BatchID:  batchID,
		Sequence: jg.sequence,
		Journals: []Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			Sequence:      jg.sequence,
			DebitAccount:  debit,
			CreditAccount: credit,
			AssetID:       assetID,
			Amount:        amount,
			JournalType:   journalType,
		}},
	}
	jg.sequence++
	return batch
}

// GenerateDeposit moves funds: external:deposits -> user:collateral
func (jg *JournalGenerator) GenerateDeposit(userID uuid.UUID, amount fpmath.Wad, assetID AssetID) *Batch {
	return jg.transfer(
		NewUserAccountKey(userID, SubTypeCollateral, assetID),
		NewExternalAccountKey(SubTypeExternalDeposits, assetID),
		assetID, amount, JournalTypeDeposit,
	)
}

// GenerateWithdrawal moves funds: user:collateral -> external:withdrawals
// Pre-check: user must have sufficient collateral.
func (jg *JournalGenerator) GenerateWithdrawal(userID uuid.UUID, amount fpmath.Wad, assetID AssetID) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientCollateral(userID, assetID, amount); err != nil {
		return nil, fmt.Errorf("withdrawal pre-check failed: %w", err)
	}
	return jg.transfer(
		NewExternalAccountKey(SubTypeExternalWithdrawals, assetID),
		NewUserAccountKey(userID, SubTypeCollateral, assetID),
		assetID, amount, JournalTypeWithdrawal,
	), nil
}

// GenerateSettlement books a realized result against the pnl pool.
// Profit: system:pnl_pool -> user:collateral. Loss: the reverse.
// Returns nil for a zero amount.
func (jg *JournalGenerator) GenerateSettlement(userID uuid.UUID, amount fpmath.Wad, assetID AssetID) *Batch {
	user := NewUserAccountKey(userID, SubTypeCollateral, assetID)
	pool := NewSystemAccountKey(SubTypeSystemPnLPool, assetID)

	switch amount.Sign() {
	case 1:
		return jg.transfer(user, pool, assetID, amount, JournalTypeSettlement)
	case -1:
		return jg.transfer(pool, user, assetID, amount.Neg(), JournalTypeSettlement)
	}
	return nil
}

// GenerateInsuranceCoverage moves funds: system:insurance_fund -> system:pnl_pool
// The covered account is then credited by a settlement out of the pnl pool.
// Pre-check: the fund must hold the full amount.
func (jg *JournalGenerator) GenerateInsuranceCoverage(amount fpmath.Wad, assetID AssetID) (*Batch, error) {
	fund := NewSystemAccountKey(SubTypeSystemInsuranceFund, assetID)
	if balance := jg.balanceTracker.GetBalance(fund); balance.LessThan(amount) {
		return nil, fmt.Errorf("insurance fund has %s, coverage needs %s", balance, amount)
	}
	return jg.transfer(
		NewSystemAccountKey(SubTypeSystemPnLPool, assetID),
		fund,
		assetID, amount, JournalTypeInsuranceCoverage,
	), nil
}

// GenerateInsuranceFunding moves funds: system:pnl_pool -> system:insurance_fund
// Used for fee income and for refunding an unused coverage.
func (jg *JournalGenerator) GenerateInsuranceFunding(amount fpmath.Wad, assetID AssetID) *Batch {
	return jg.transfer(
		NewSystemAccountKey(SubTypeSystemInsuranceFund, assetID),
		NewSystemAccountKey(SubTypeSystemPnLPool, assetID),
		assetID, amount, JournalTypeInsuranceFunding,
	)
}

// GenerateInsuranceSeed moves funds: external:deposits -> system:insurance_fund
func (jg *JournalGenerator) GenerateInsuranceSeed(amount fpmath.Wad, assetID AssetID) *Batch {
	return jg.transfer(
		NewSystemAccountKey(SubTypeSystemInsuranceFund, assetID),
		NewExternalAccountKey(SubTypeExternalDeposits, assetID),
		assetID, amount, JournalTypeInsuranceSeed,
	)
}
