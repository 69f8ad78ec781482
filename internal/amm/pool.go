// Package amm implements the constant-product pool each market trades against.
package amm

import (
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/state"
	"errors"
	"fmt"
	"math/big"
	"sync"
)

var (
	ErrSlippageExceeded = errors.New("slippage exceeded")
	ErrInvalidCoin      = errors.New("invalid coin index")
	ErrZeroLiquidity    = errors.New("zero liquidity not allowed")
)

const bpsDenominator = 10_000

var bigBps = big.NewInt(bpsDenominator)

// Pool is a two-coin x * y = k pool. Coin 0 is the quote asset and coin 1
// the base asset. The fee is taken on the input and stays in the reserves.
type Pool struct {
	mu sync.RWMutex

	marketID    string
	feeBps      int64
	reserves    [2]*big.Int
	totalSupply *big.Int

	// Statistics
	volume  [2]*big.Int
	txCount uint64
}

var _ state.Pool = (*Pool)(nil)

func NewPool(marketID string, feeBps int64) *Pool {
	return &Pool{
		marketID:    marketID,
		feeBps:      feeBps,
		reserves:    [2]*big.Int{new(big.Int), new(big.Int)},
		totalSupply: new(big.Int),
		volume:      [2]*big.Int{new(big.Int), new(big.Int)},
	}
}

func checkPair(i, j int) error {
	if i < 0 || i > 1 || j < 0 || j > 1 || i == j {
		return fmt.Errorf("%w: %d -> %d", ErrInvalidCoin, i, j)
	}
	return nil
}

// getDy implements x * y = k with the fee on the input:
// dy = reserveOut * dxWithFee / (reserveIn * 10000 + dxWithFee)
func (p *Pool) getDy(i, j int, dx *big.Int) (*big.Int, error) {
	if dx.Sign() <= 0 {
		return nil, state.ErrZeroAmount
	}
	reserveIn, reserveOut := p.reserves[i], p.reserves[j]
	if reserveIn.Sign() == 0 || reserveOut.Sign() == 0 {
		return nil, state.ErrInsufficientLiquidity
	}

	dxWithFee := new(big.Int).Mul(dx, big.NewInt(bpsDenominator-p.feeBps))
	numerator := new(big.Int).Mul(reserveOut, dxWithFee)
	denominator := new(big.Int).Mul(reserveIn, bigBps)
	denominator.Add(denominator, dxWithFee)
	dy := numerator.Div(numerator, denominator)

	if dy.Sign() <= 0 || dy.Cmp(reserveOut) >= 0 {
		return nil, state.ErrInsufficientLiquidity
	}
	return dy, nil
}

// GetDy quotes the output of swapping dx of coin i into coin j.
func (p *Pool) GetDy(i, j int, dx fpmath.Wad) (fpmath.Wad, error) {
	if err := checkPair(i, j); err != nil {
		return fpmath.Zero, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	dy, err := p.getDy(i, j, dx.Big())
	if err != nil {
		return fpmath.Zero, err
	}
	return fpmath.WadFromBig(dy), nil
}

// Exchange swaps dx of coin i for at least minDy of coin j.
func (p *Pool) Exchange(i, j int, dx, minDy fpmath.Wad) (fpmath.Wad, error) {
	if err := checkPair(i, j); err != nil {
		return fpmath.Zero, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	in := dx.Big()
	dy, err := p.getDy(i, j, in)
	if err != nil {
		return fpmath.Zero, err
	}
	if dy.Cmp(minDy.Big()) < 0 {
		return fpmath.Zero, fmt.Errorf("%w: out %s below %s", ErrSlippageExceeded, fpmath.WadFromBig(dy), minDy)
	}

	p.reserves[i].Add(p.reserves[i], in)
	p.reserves[j].Sub(p.reserves[j], dy)
	p.volume[i].Add(p.volume[i], in)
	p.txCount++
	return fpmath.WadFromBig(dy), nil
}

func (p *Pool) Balances(i int) fpmath.Wad {
	if i < 0 || i > 1 {
		return fpmath.Zero
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return fpmath.WadFromBig(p.reserves[i])
}

// PriceOracle returns the spot price of base in quote after the last
// state change, 0 for an empty pool.
func (p *Pool) PriceOracle() fpmath.Wad {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.reserves[state.BaseIndex].Sign() == 0 {
		return fpmath.Zero
	}
	return fpmath.WadFromBig(p.reserves[state.QuoteIndex]).Div(fpmath.WadFromBig(p.reserves[state.BaseIndex]))
}

func (p *Pool) TotalSupply() fpmath.Wad {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return fpmath.WadFromBig(p.totalSupply)
}

// AddLiquidity deposits both coins and mints LP tokens: the geometric mean
// for the first deposit, otherwise the smaller of the two pro-rata shares.
func (p *Pool) AddLiquidity(amounts [2]fpmath.Wad, minMint fpmath.Wad) (fpmath.Wad, error) {
	a0, a1 := amounts[0].Big(), amounts[1].Big()
	if a0.Sign() <= 0 || a1.Sign() <= 0 {
		return fpmath.Zero, state.ErrZeroAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var liquidity *big.Int
	if p.totalSupply.Sign() == 0 {
		liquidity = new(big.Int).Sqrt(new(big.Int).Mul(a0, a1))
	} else {
		l0 := new(big.Int).Mul(a0, p.totalSupply)
		l0.Div(l0, p.reserves[0])
		l1 := new(big.Int).Mul(a1, p.totalSupply)
		l1.Div(l1, p.reserves[1])
		liquidity = l0
		if l1.Cmp(l0) < 0 {
			liquidity = l1
		}
	}
	if liquidity.Sign() <= 0 {
		return fpmath.Zero, ErrZeroLiquidity
	}
	if liquidity.Cmp(minMint.Big()) < 0 {
		return fpmath.Zero, fmt.Errorf("%w: minted %s below %s", ErrSlippageExceeded, fpmath.WadFromBig(liquidity), minMint)
	}

	p.reserves[0].Add(p.reserves[0], a0)
	p.reserves[1].Add(p.reserves[1], a1)
	p.totalSupply.Add(p.totalSupply, liquidity)
	return fpmath.WadFromBig(liquidity), nil
}

// RemoveLiquidity burns amount LP tokens for a pro-rata share of both coins.
func (p *Pool) RemoveLiquidity(amount fpmath.Wad, minAmounts [2]fpmath.Wad) ([2]fpmath.Wad, error) {
	lp := amount.Big()
	if lp.Sign() <= 0 {
		return [2]fpmath.Wad{}, state.ErrZeroAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if lp.Cmp(p.totalSupply) > 0 {
		return [2]fpmath.Wad{}, state.ErrInsufficientLiquidity
	}

	var out [2]*big.Int
	for i := range out {
		out[i] = new(big.Int).Mul(lp, p.reserves[i])
		out[i].Div(out[i], p.totalSupply)
		if out[i].Cmp(minAmounts[i].Big()) < 0 {
			return [2]fpmath.Wad{}, ErrSlippageExceeded
		}
	}

	for i := range out {
		p.reserves[i].Sub(p.reserves[i], out[i])
	}
	p.totalSupply.Sub(p.totalSupply, lp)
	return [2]fpmath.Wad{fpmath.WadFromBig(out[0]), fpmath.WadFromBig(out[1])}, nil
}

// PoolState is the persisted form of a pool.
type PoolState struct {
	MarketID    string        `json:"market_id"`
	FeeBps      int64         `json:"fee_bps"`
	Reserves    [2]fpmath.Wad `json:"reserves"`
	TotalSupply fpmath.Wad    `json:"total_supply"`
	Volume      [2]fpmath.Wad `json:"volume"`
	TxCount     uint64        `json:"tx_count"`
}

func (p *Pool) State() PoolState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PoolState{
		MarketID:    p.marketID,
		FeeBps:      p.feeBps,
		Reserves:    [2]fpmath.Wad{fpmath.WadFromBig(p.reserves[0]), fpmath.WadFromBig(p.reserves[1])},
		TotalSupply: fpmath.WadFromBig(p.totalSupply),
		Volume:      [2]fpmath.Wad{fpmath.WadFromBig(p.volume[0]), fpmath.WadFromBig(p.volume[1])},
		TxCount:     p.txCount,
	}
}

// Checkpoint implements state.Pool on top of State and Restore.
func (p *Pool) Checkpoint() func() {
	saved := p.State()
	return func() {
		if err := p.Restore(saved); err != nil {
			panic(fmt.Sprintf("FATAL: pool %s rollback: %v", p.marketID, err))
		}
	}
}

// Restore replaces the pool state. The fee stays as configured.
func (p *Pool) Restore(s PoolState) error {
	if s.MarketID != p.marketID {
		return fmt.Errorf("pool state is for market %s, pool is %s", s.MarketID, p.marketID)
	}
	if s.Reserves[0].IsNegative() || s.Reserves[1].IsNegative() || s.TotalSupply.IsNegative() {
		return fmt.Errorf("pool state for %s has negative balances", s.MarketID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reserves = [2]*big.Int{s.Reserves[0].Big(), s.Reserves[1].Big()}
	p.totalSupply = s.TotalSupply.Big()
	p.volume = [2]*big.Int{s.Volume[0].Big(), s.Volume[1].Big()}
	p.txCount = s.TxCount
	return nil
}
