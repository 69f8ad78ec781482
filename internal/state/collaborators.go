package state

import (
	fpmath "PerpClearing/internal/math"
)

// Pool coin indices.
const (
	QuoteIndex = 0
	BaseIndex  = 1
)

// Pool is the AMM a market trades against. Callers hold the market lock,
// so a GetDy quote is exactly what the following Exchange returns.
type Pool interface {
	// GetDy quotes the output of swapping dx of coin i into coin j.
	GetDy(i, j int, dx fpmath.Wad) (fpmath.Wad, error)
	// Exchange swaps and fails if the output would be below minDy.
	Exchange(i, j int, dx, minDy fpmath.Wad) (fpmath.Wad, error)
	Balances(i int) fpmath.Wad
	// PriceOracle is the pool's own price of base in quote.
	PriceOracle() fpmath.Wad

	AddLiquidity(amounts [2]fpmath.Wad, minMint fpmath.Wad) (fpmath.Wad, error)
	RemoveLiquidity(amount fpmath.Wad, minAmounts [2]fpmath.Wad) ([2]fpmath.Wad, error)
	TotalSupply() fpmath.Wad

	// Checkpoint captures the pool. Calling the returned func puts reserves
	// and supply back exactly, undoing every mutation made since.
	Checkpoint() (rollback func())
}

// IndexPriceFeed is the external oracle price of base in quote.
type IndexPriceFeed interface {
	IndexPrice() (fpmath.Wad, error)
}

// Vault custodies collateral. Balances are signed: a liquidated account can
// go transiently negative before bad debt coverage is applied.
type Vault interface {
	Deposit(account AccountID, amount fpmath.Wad, token string) (fpmath.Wad, error)
	Withdraw(account AccountID, amount fpmath.Wad, token string) error
	// SettleProfit credits (positive) or debits (negative) realized results.
	SettleProfit(account AccountID, amount fpmath.Wad) error
	Balance(account AccountID) fpmath.Wad
}
