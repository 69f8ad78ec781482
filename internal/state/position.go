package state

import (
	fpmath "PerpClearing/internal/math"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountID identifies a trader, liquidity provider, or liquidator.
type AccountID = uuid.UUID

// Direction of a trader position.
type Direction int8

const (
	DirectionLong  Direction = 1
	DirectionShort Direction = -1
)

func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "long"
	case DirectionShort:
		return "short"
	default:
		return "flat"
	}
}

func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return DirectionLong, nil
	case "short", "sell":
		return DirectionShort, nil
	default:
		return 0, fmt.Errorf("invalid direction %q", s)
	}
}

// LiquidationState tracks the liquidation lifecycle of a trader position
type LiquidationState int32

const (
	LiquidationStateHealthy LiquidationState = iota
	LiquidationStateLiquidatable
	LiquidationStateClosed
)

func (ls LiquidationState) String() string {
	switch ls {
	case LiquidationStateHealthy:
		return "Healthy"
	case LiquidationStateLiquidatable:
		return "Liquidatable"
	case LiquidationStateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates state transitions
func (ls LiquidationState) CanTransitionTo(next LiquidationState) bool {
	validTransitions := map[LiquidationState][]LiquidationState{
		LiquidationStateHealthy: {
			LiquidationStateLiquidatable,
		},
		LiquidationStateLiquidatable: {
			LiquidationStateHealthy, // margin recovered
			LiquidationStateClosed,
		},
		LiquidationStateClosed: {
			LiquidationStateHealthy, // account opened a new position
		},
	}

	for _, allowed := range validTransitions[ls] {
		if next == allowed {
			return true
		}
	}
	return false
}

// GlobalPosition is the per-market funding clock every account reconciles against.
type GlobalPosition struct {
	TimeOfLastTrade   int64      `json:"time_of_last_trade"`
	TimeOfLastFunding int64      `json:"time_of_last_funding"`
	CumFundingRate    fpmath.Wad `json:"cum_funding_rate"`
}

// TraderPosition is an account's directional position in one market.
// OpenNotional carries the sign of PositionSize; a position is either fully
// open (both non-zero) or flat (both zero).
type TraderPosition struct {
	Account                AccountID        `json:"account"`
	OpenNotional           fpmath.Wad       `json:"open_notional"`
	PositionSize           fpmath.Wad       `json:"position_size"`
	CumFundingRateSnapshot fpmath.Wad       `json:"cum_funding_rate_snapshot"`
	LiquidationState       LiquidationState `json:"liquidation_state"`
}

// IsFlat returns true if position has no exposure
func (p *TraderPosition) IsFlat() bool {
	return p.PositionSize.IsZero()
}

func (p *TraderPosition) Direction() Direction {
	switch p.PositionSize.Sign() {
	case 1:
		return DirectionLong
	case -1:
		return DirectionShort
	default:
		return 0
	}
}

func (p *TraderPosition) Exposure() Exposure {
	return Exposure{Size: p.PositionSize, Notional: p.OpenNotional}
}

func (p *TraderPosition) checkInvariant() {
	if p.PositionSize.IsZero() != p.OpenNotional.IsZero() {
		panic(fmt.Sprintf("FATAL: position %s half open: size=%s notional=%s",
			p.Account, p.PositionSize, p.OpenNotional))
	}
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *TraderPosition) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, p.Account[:]...)
	buf = appendWad(buf, p.OpenNotional)
	buf = appendWad(buf, p.PositionSize)
	buf = appendWad(buf, p.CumFundingRateSnapshot)
	buf = append(buf, byte(p.LiquidationState))
	return buf
}

// LiquidityPosition is an account's share of the market pool. PositionSize
// and OpenNotional hold the negated base and quote it provided; adding the
// current pool share yields the provider's implicit exposure.
type LiquidityPosition struct {
	Account                AccountID  `json:"account"`
	LiquidityBalance       fpmath.Wad `json:"liquidity_balance"`
	PositionSize           fpmath.Wad `json:"position_size"`
	OpenNotional           fpmath.Wad `json:"open_notional"`
	CumFundingRateSnapshot fpmath.Wad `json:"cum_funding_rate_snapshot"`
}

func (p *LiquidityPosition) IsEmpty() bool {
	return p.LiquidityBalance.IsZero()
}

func (p *LiquidityPosition) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, p.Account[:]...)
	buf = appendWad(buf, p.LiquidityBalance)
	buf = appendWad(buf, p.PositionSize)
	buf = appendWad(buf, p.OpenNotional)
	buf = appendWad(buf, p.CumFundingRateSnapshot)
	return buf
}

// Exposure is a signed base size and the quote committed for it, with
// Notional carrying the same sign as Size.
type Exposure struct {
	Size     fpmath.Wad
	Notional fpmath.Wad
}

func (e Exposure) IsZero() bool {
	return e.Size.IsZero() && e.Notional.IsZero()
}

// appendWad writes a length-prefixed sign byte plus magnitude.
func appendWad(buf []byte, w fpmath.Wad) []byte {
	b := w.Big()
	mag := b.Bytes()
	sign := byte(0)
	if b.Sign() < 0 {
		sign = 1
	}
	buf = append(buf, sign, byte(len(mag)))
	return append(buf, mag...)
}
