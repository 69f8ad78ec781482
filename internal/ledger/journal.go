package ledger

import (
	fpmath "PerpClearing/internal/math"
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeSettlement
	JournalTypeInsuranceCoverage
	JournalTypeInsuranceFunding
	JournalTypeInsuranceSeed
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeSettlement:
		return "settlement"
	case JournalTypeInsuranceCoverage:
		return "insurance_coverage"
	case JournalTypeInsuranceFunding:
		return "insurance_funding"
	case JournalTypeInsuranceSeed:
		return "insurance_seed"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	Sequence      int64       // Ledger sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        fpmath.Wad  // WAD amount (ALWAYS positive)
	JournalType   JournalType // Entry type
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID  uuid.UUID
	Sequence int64
	Journals []Journal
}

// Validate ensures the batch is well-formed.
// Each journal moves one positive amount from the credit account to the
// debit account, so every entry, and therefore every batch, is balanced.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if !j.Amount.IsPositive() {
			return fmt.Errorf("journal %s has non-positive amount: %s", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s moves across assets", j.JournalID)
		}
	}

	return nil
}
