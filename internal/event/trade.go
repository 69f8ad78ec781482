package event

import (
	fpmath "PerpClearing/internal/math"
)

// OpenPosition is emitted when a flat account opens a position.
type OpenPosition struct {
	Header
	Direction    string     `json:"direction"`     // "long" or "short"
	Notional     fpmath.Wad `json:"notional"`      // signed, same sign as size
	PositionSize fpmath.Wad `json:"position_size"` // base received (long) or sold (short)
	Fee          fpmath.Wad `json:"fee"`
}

func (e *OpenPosition) EventType() EventType { return EventTypeOpenPosition }

// ExtendPosition is emitted when an existing position grows in its own direction.
type ExtendPosition struct {
	Header
	Direction         string     `json:"direction"`
	AddedNotional     fpmath.Wad `json:"added_notional"`
	AddedSize         fpmath.Wad `json:"added_size"`
	Fee               fpmath.Wad `json:"fee"`
	TotalOpenNotional fpmath.Wad `json:"total_open_notional"`
	TotalPositionSize fpmath.Wad `json:"total_position_size"`
}

func (e *ExtendPosition) EventType() EventType { return EventTypeExtendPosition }

// ClosePosition is emitted on every partial or full reduction.
type ClosePosition struct {
	Header
	ReductionRatio    fpmath.Wad `json:"reduction_ratio"`
	ProposedAmount    fpmath.Wad `json:"proposed_amount"`
	ClosedSize        fpmath.Wad `json:"closed_size"`
	ClosedNotional    fpmath.Wad `json:"closed_notional"`
	ExitValue         fpmath.Wad `json:"exit_value"`
	RealizedPnL       fpmath.Wad `json:"realized_pnl"`
	Fee               fpmath.Wad `json:"fee"`
	RemainingSize     fpmath.Wad `json:"remaining_size"`
	RemainingNotional fpmath.Wad `json:"remaining_notional"`
	FullyClosed       bool       `json:"fully_closed"`
}

func (e *ClosePosition) EventType() EventType { return EventTypeClosePosition }
