package state

import (
	fpmath "PerpClearing/internal/math"
	"fmt"
	"math/big"
)

// maxInputSearchDoublings caps the upper-bound search in requiredInput.
const maxInputSearchDoublings = 128

// requiredInput finds the smallest dx for which the pool quotes at least
// wantOut of coin j. The pool must be monotonic in dx.
func requiredInput(pool Pool, i, j int, wantOut fpmath.Wad) (fpmath.Wad, error) {
	if !wantOut.IsPositive() {
		return fpmath.Zero, nil
	}
	if wantOut.Cmp(pool.Balances(j)) >= 0 {
		return fpmath.Zero, ErrInsufficientLiquidity
	}

	fills := func(dx *big.Int) (bool, error) {
		dy, err := pool.GetDy(i, j, fpmath.WadFromBig(dx))
		if err != nil {
			return false, err
		}
		return dy.Cmp(wantOut) >= 0, nil
	}

	// spot estimate as the first upper bound
	hi := fpmath.MulDiv(wantOut, pool.Balances(i), pool.Balances(j)).Big()
	if hi.Sign() <= 0 {
		hi.SetInt64(1)
	}
	lo := big.NewInt(0)
	for n := 0; ; n++ {
		ok, err := fills(hi)
		if err != nil {
			return fpmath.Zero, fmt.Errorf("quote input for %s: %w", wantOut, err)
		}
		if ok {
			break
		}
		if n == maxInputSearchDoublings {
			return fpmath.Zero, ErrInsufficientLiquidity
		}
		lo.Set(hi)
		hi.Lsh(hi, 1)
	}

	// invariant: fills(hi) && !fills(lo) or lo == 0
	one := big.NewInt(1)
	mid := new(big.Int)
	for new(big.Int).Sub(hi, lo).Cmp(one) > 0 {
		mid.Add(lo, hi).Rsh(mid, 1)
		ok, err := fills(mid)
		if err != nil {
			return fpmath.Zero, fmt.Errorf("quote input for %s: %w", wantOut, err)
		}
		if ok {
			hi.Set(mid)
		} else {
			lo.Set(mid)
		}
	}
	return fpmath.WadFromBig(hi), nil
}

// closeQuote describes how a signed base exposure would be closed against the
// pool at its current state.
type closeQuote struct {
	// Input is the pool input required: base for a long, quote for a short.
	Input fpmath.Wad
	// ExitValue is the signed quote result: +received for a long, -paid for a short.
	ExitValue fpmath.Wad
}

// quoteClose prices closing size (positive long, negative short) without
// touching the pool.
func quoteClose(pool Pool, size fpmath.Wad) (closeQuote, error) {
	switch size.Sign() {
	case 0:
		return closeQuote{Input: fpmath.Zero, ExitValue: fpmath.Zero}, nil
	case 1:
		out, err := pool.GetDy(BaseIndex, QuoteIndex, size)
		if err != nil {
			return closeQuote{}, err
		}
		return closeQuote{Input: size, ExitValue: out}, nil
	default:
		in, err := requiredInput(pool, QuoteIndex, BaseIndex, size.Abs())
		if err != nil {
			return closeQuote{}, err
		}
		return closeQuote{Input: in, ExitValue: in.Neg()}, nil
	}
}

// executeClose performs the swap quoteClose priced. The caller holds the
// market lock, so the result matches the quote.
func executeClose(pool Pool, size fpmath.Wad, q closeQuote) error {
	switch size.Sign() {
	case 0:
		return nil
	case 1:
		_, err := pool.Exchange(BaseIndex, QuoteIndex, q.Input, q.ExitValue)
		return err
	default:
		_, err := pool.Exchange(QuoteIndex, BaseIndex, q.Input, size.Abs())
		return err
	}
}

// unrealizedPnL values an exposure at the current pool state.
func unrealizedPnL(pool Pool, e Exposure) (fpmath.Wad, error) {
	if e.Size.IsZero() {
		return e.Notional.Neg(), nil
	}
	q, err := quoteClose(pool, e.Size)
	if err != nil {
		return fpmath.Zero, err
	}
	return fpmath.ComputeRealizedPnL(q.ExitValue, e.Notional), nil
}
