package state

import "errors"

// ErrorKind classifies ledger errors by how a caller should recover.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindValidation: bad argument, retry with corrected input
	KindValidation
	// KindStateConflict: inconsistent with ledger state, re-query before retrying
	KindStateConflict
	// KindEconomic: valid request that breaks a risk rule, adjust proposed values
	KindEconomic
	// KindSolvencyFatal: needs external intervention, never retried
	KindSolvencyFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "Validation"
	case KindStateConflict:
		return "StateConflict"
	case KindEconomic:
		return "Economic"
	case KindSolvencyFatal:
		return "SolvencyFatal"
	default:
		return "Unknown"
	}
}

// LedgerError is the concrete type behind every sentinel below.
// Match with errors.Is against the sentinel; callers add context with %w.
type LedgerError struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *LedgerError) Error() string {
	return e.Message
}

func newLedgerError(kind ErrorKind, code, msg string) *LedgerError {
	return &LedgerError{Kind: kind, Code: code, Message: msg}
}

var (
	ErrZeroAmount               = newLedgerError(KindValidation, "ZERO_AMOUNT", "amount must be greater than zero")
	ErrReductionRatioOutOfRange = newLedgerError(KindValidation, "REDUCTION_RATIO_OUT_OF_RANGE", "reduction ratio must be in (0, 1]")
	ErrWrongToken               = newLedgerError(KindValidation, "WRONG_TOKEN", "token is not accepted by the vault")
	ErrStaleTimestamp           = newLedgerError(KindValidation, "STALE_TIMESTAMP", "timestamp is older than the market clock")
	ErrUnknownMarket            = newLedgerError(KindValidation, "UNKNOWN_MARKET", "market is not configured")
	ErrSelfLiquidation          = newLedgerError(KindValidation, "SELF_LIQUIDATION", "an account cannot liquidate itself")

	ErrAlreadyOpen                = newLedgerError(KindStateConflict, "ALREADY_OPEN", "position is already open")
	ErrNoPosition                 = newLedgerError(KindStateConflict, "NO_POSITION", "account has no open position")
	ErrNotEnoughLiquidityProvided = newLedgerError(KindStateConflict, "NOT_ENOUGH_LIQUIDITY_PROVIDED", "withdrawal exceeds provided liquidity")
	ErrWrongDirection             = newLedgerError(KindStateConflict, "WRONG_DIRECTION", "position can only be extended in its own direction")

	ErrInsufficientMargin         = newLedgerError(KindEconomic, "INSUFFICIENT_MARGIN", "margin ratio below the required minimum")
	ErrMarginValid                = newLedgerError(KindEconomic, "MARGIN_VALID", "position is not liquidatable")
	ErrExcessiveProposedAmount    = newLedgerError(KindEconomic, "EXCESSIVE_PROPOSED_AMOUNT", "proposed amount exceeds the required amount beyond slippage tolerance")
	ErrInsufficientProposedAmount = newLedgerError(KindEconomic, "INSUFFICIENT_PROPOSED_AMOUNT", "proposed amount cannot close the position")
	ErrInsufficientCollateral     = newLedgerError(KindEconomic, "INSUFFICIENT_COLLATERAL", "collateral balance too low")
	ErrInsufficientLiquidity      = newLedgerError(KindEconomic, "INSUFFICIENT_LIQUIDITY", "pool cannot fill the trade")

	ErrInsufficientInsurance = newLedgerError(KindSolvencyFatal, "INSUFFICIENT_INSURANCE", "insurance fund cannot cover bad debt")
)

// KindOf reports the kind of the first LedgerError in err's chain.
func KindOf(err error) ErrorKind {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindUnknown
}

// CodeOf returns the stable error code, or "INTERNAL" for foreign errors.
func CodeOf(err error) string {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Code
	}
	return "INTERNAL"
}

// IsFatal reports whether err signals a solvency breach.
func IsFatal(err error) bool {
	return KindOf(err) == KindSolvencyFatal
}
