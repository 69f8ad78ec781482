package math

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits carried by a Wad.
const Decimals = 18

// SecondsPerDay normalizes funding accrual to a daily rate.
const SecondsPerDay int64 = 86_400

var (
	wadScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)
	bigZero  = new(big.Int)
)

var (
	// Zero is the additive identity. The zero value of Wad is also zero.
	Zero = Wad{}
	// One is 1.0 (1e18 raw units).
	One = Wad{v: new(big.Int).Set(wadScale)}
	// MaxWad is used as the margin ratio of accounts without exposure.
	MaxWad = Wad{v: new(big.Int).Lsh(big.NewInt(1), 255)}
)

// scratch big.Ints for intermediate products
var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0)
	intPool.Put(v)
}

// Wad is a signed fixed-point decimal with 18 fractional digits.
// Values are immutable: every operation returns a fresh Wad.
//
// Rounding, per operation:
//   - Mul, Div, MulInt, DivInt, MulDiv truncate toward zero (floor for
//     non-negative results, ceiling for negative ones).
//   - ToTokenUnits floors; FromTokenUnits is exact. Converting a Wad to a
//     coarser token precision and back can therefore only lose value.
type Wad struct {
	v *big.Int
}

// NewWad returns whole units, e.g. NewWad(3) == 3.0.
func NewWad(whole int64) Wad {
	v := big.NewInt(whole)
	return Wad{v: v.Mul(v, wadScale)}
}

// WadFromRaw wraps a raw 1e-18 unit count.
func WadFromRaw(raw int64) Wad {
	return Wad{v: big.NewInt(raw)}
}

// WadFromBig copies b as raw units.
func WadFromBig(b *big.Int) Wad {
	if b == nil {
		return Zero
	}
	return Wad{v: new(big.Int).Set(b)}
}

// NewWadFraction returns num/den, truncated toward zero.
func NewWadFraction(num, den int64) Wad {
	return NewWad(num).DivInt(den)
}

// ParseWad parses a decimal string such as "0.025" or "-12.5".
// Digits beyond the 18th fractional place are truncated.
func ParseWad(s string) (Wad, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("parse wad %q: %w", s, err)
	}
	return Wad{v: d.Shift(Decimals).BigInt()}, nil
}

// MustParseWad is ParseWad for constants and tests.
func MustParseWad(s string) Wad {
	w, err := ParseWad(s)
	if err != nil {
		panic(err)
	}
	return w
}

func (w Wad) raw() *big.Int {
	if w.v == nil {
		return bigZero
	}
	return w.v
}

// Big returns a copy of the raw value.
func (w Wad) Big() *big.Int {
	return new(big.Int).Set(w.raw())
}

func (w Wad) Add(o Wad) Wad {
	return Wad{v: new(big.Int).Add(w.raw(), o.raw())}
}

func (w Wad) Sub(o Wad) Wad {
	return Wad{v: new(big.Int).Sub(w.raw(), o.raw())}
}

func (w Wad) Neg() Wad {
	return Wad{v: new(big.Int).Neg(w.raw())}
}

func (w Wad) Abs() Wad {
	return Wad{v: new(big.Int).Abs(w.raw())}
}

// Mul returns w*o/1e18 truncated toward zero.
func (w Wad) Mul(o Wad) Wad {
	prod := getInt()
	prod.Mul(w.raw(), o.raw())
	res := new(big.Int).Quo(prod, wadScale)
	putInt(prod)
	return Wad{v: res}
}

// Div returns w*1e18/o truncated toward zero. Division by zero panics.
func (w Wad) Div(o Wad) Wad {
	if o.IsZero() {
		panic("FATAL: wad division by zero")
	}
	num := getInt()
	num.Mul(w.raw(), wadScale)
	res := new(big.Int).Quo(num, o.raw())
	putInt(num)
	return Wad{v: res}
}

// MulInt scales by a plain integer (e.g. seconds).
func (w Wad) MulInt(n int64) Wad {
	return Wad{v: new(big.Int).Mul(w.raw(), big.NewInt(n))}
}

// DivInt divides by a plain integer, truncated toward zero.
func (w Wad) DivInt(n int64) Wad {
	if n == 0 {
		panic("FATAL: wad division by zero")
	}
	return Wad{v: new(big.Int).Quo(w.raw(), big.NewInt(n))}
}

// MulDiv returns a*b/c with a single truncation toward zero.
func MulDiv(a, b, c Wad) Wad {
	if c.IsZero() {
		panic("FATAL: wad division by zero")
	}
	prod := getInt()
	prod.Mul(a.raw(), b.raw())
	res := new(big.Int).Quo(prod, c.raw())
	putInt(prod)
	return Wad{v: res}
}

func (w Wad) Sign() int {
	return w.raw().Sign()
}

func (w Wad) IsZero() bool {
	return w.Sign() == 0
}

func (w Wad) IsNegative() bool {
	return w.Sign() < 0
}

func (w Wad) IsPositive() bool {
	return w.Sign() > 0
}

func (w Wad) Cmp(o Wad) int {
	return w.raw().Cmp(o.raw())
}

func (w Wad) Equal(o Wad) bool {
	return w.Cmp(o) == 0
}

func (w Wad) LessThan(o Wad) bool {
	return w.Cmp(o) < 0
}

func (w Wad) GreaterThan(o Wad) bool {
	return w.Cmp(o) > 0
}

func Min(a, b Wad) Wad {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

func Max(a, b Wad) Wad {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// ToTokenUnits floors w to a token with the given decimals (<= 18).
func (w Wad) ToTokenUnits(decimals uint8) *big.Int {
	factor := tokenFactor(decimals)
	// big.Int.Div is Euclidean, which floors for a positive divisor
	return new(big.Int).Div(w.raw(), factor)
}

// FromTokenUnits converts a token amount with the given decimals exactly.
func FromTokenUnits(amount *big.Int, decimals uint8) Wad {
	return Wad{v: new(big.Int).Mul(amount, tokenFactor(decimals))}
}

func tokenFactor(decimals uint8) *big.Int {
	if decimals > Decimals {
		panic(fmt.Sprintf("FATAL: token decimals %d exceed wad precision", decimals))
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(Decimals-decimals)), nil)
}

// Decimal returns the exact decimal representation.
func (w Wad) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(w.raw(), -Decimals)
}

// String renders the value as a plain decimal, e.g. "3.5".
func (w Wad) String() string {
	return w.Decimal().String()
}

// RawString renders the raw unit count, used for NUMERIC columns.
func (w Wad) RawString() string {
	return w.raw().String()
}

// Float64 is lossy and only meant for metrics.
func (w Wad) Float64() float64 {
	f, _ := w.Decimal().Float64()
	return f
}

func (w Wad) MarshalText() ([]byte, error) {
	return []byte(w.String()), nil
}

func (w *Wad) UnmarshalText(text []byte) error {
	parsed, err := ParseWad(string(text))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

func (w Wad) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.String())
}

// UnmarshalJSON accepts a quoted decimal string or a bare JSON number.
func (w *Wad) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("wad must be a decimal string or number: %w", err)
		}
		s = n.String()
	}
	return w.UnmarshalText([]byte(s))
}
