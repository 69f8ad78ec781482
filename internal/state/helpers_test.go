package state_test

import (
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/state"
	"errors"
	"testing"

	"github.com/google/uuid"
)

// ============================================================================
// Fakes
// ============================================================================

// fixedPricePool trades at a settable constant price (quote per base)
// while tracking reserves, so tests can compute expected amounts by hand.
type fixedPricePool struct {
	price    fpmath.Wad
	balances [2]fpmath.Wad
	supply   fpmath.Wad
	failNext bool
}

func newFixedPricePool(price string) *fixedPricePool {
	p := fpmath.MustParseWad(price)
	return &fixedPricePool{
		price:    p,
		balances: [2]fpmath.Wad{fpmath.NewWad(1_000_000).Mul(p), fpmath.NewWad(1_000_000)},
	}
}

func (p *fixedPricePool) setPrice(price string) {
	p.price = fpmath.MustParseWad(price)
}

func (p *fixedPricePool) GetDy(i, j int, dx fpmath.Wad) (fpmath.Wad, error) {
	if !dx.IsPositive() {
		return fpmath.Zero, state.ErrZeroAmount
	}
	var dy fpmath.Wad
	if i == state.QuoteIndex && j == state.BaseIndex {
		dy = dx.Div(p.price)
	} else {
		dy = dx.Mul(p.price)
	}
	if dy.Cmp(p.balances[j]) >= 0 {
		return fpmath.Zero, state.ErrInsufficientLiquidity
	}
	return dy, nil
}

func (p *fixedPricePool) Exchange(i, j int, dx, minDy fpmath.Wad) (fpmath.Wad, error) {
	if p.failNext {
		p.failNext = false
		return fpmath.Zero, errors.New("pool paused")
	}
	dy, err := p.GetDy(i, j, dx)
	if err != nil {
		return fpmath.Zero, err
	}
	if dy.LessThan(minDy) {
		return fpmath.Zero, errors.New("slippage")
	}
	p.balances[i] = p.balances[i].Add(dx)
	p.balances[j] = p.balances[j].Sub(dy)
	return dy, nil
}

func (p *fixedPricePool) Balances(i int) fpmath.Wad { return p.balances[i] }
func (p *fixedPricePool) PriceOracle() fpmath.Wad   { return p.price }
func (p *fixedPricePool) TotalSupply() fpmath.Wad   { return p.supply }

func (p *fixedPricePool) AddLiquidity(amounts [2]fpmath.Wad, minMint fpmath.Wad) (fpmath.Wad, error) {
	minted := amounts[state.QuoteIndex]
	if !p.supply.IsZero() {
		minted = fpmath.MulDiv(amounts[state.QuoteIndex], p.supply, p.balances[state.QuoteIndex])
	}
	p.balances[0] = p.balances[0].Add(amounts[0])
	p.balances[1] = p.balances[1].Add(amounts[1])
	p.supply = p.supply.Add(minted)
	return minted, nil
}

func (p *fixedPricePool) Checkpoint() func() {
	balances, supply := p.balances, p.supply
	return func() { p.balances, p.supply = balances, supply }
}

func (p *fixedPricePool) RemoveLiquidity(amount fpmath.Wad, minAmounts [2]fpmath.Wad) ([2]fpmath.Wad, error) {
	var out [2]fpmath.Wad
	for i := range out {
		out[i] = fpmath.MulDiv(amount, p.balances[i], p.supply)
		p.balances[i] = p.balances[i].Sub(out[i])
	}
	p.supply = p.supply.Sub(amount)
	return out, nil
}

type fixedIndex struct{ price fpmath.Wad }

func (f *fixedIndex) IndexPrice() (fpmath.Wad, error) { return f.price, nil }

type memVault struct {
	balances map[state.AccountID]fpmath.Wad
}

func newMemVault() *memVault {
	return &memVault{balances: make(map[state.AccountID]fpmath.Wad)}
}

func (v *memVault) Deposit(account state.AccountID, amount fpmath.Wad, token string) (fpmath.Wad, error) {
	if token != "USDC" {
		return fpmath.Zero, state.ErrWrongToken
	}
	v.balances[account] = v.balances[account].Add(amount)
	return amount, nil
}

func (v *memVault) Withdraw(account state.AccountID, amount fpmath.Wad, token string) error {
	if v.balances[account].LessThan(amount) {
		return state.ErrInsufficientCollateral
	}
	v.balances[account] = v.balances[account].Sub(amount)
	return nil
}

func (v *memVault) SettleProfit(account state.AccountID, amount fpmath.Wad) error {
	v.balances[account] = v.balances[account].Add(amount)
	return nil
}

func (v *memVault) Balance(account state.AccountID) fpmath.Wad {
	return v.balances[account]
}

func (v *memVault) total() fpmath.Wad {
	sum := fpmath.Zero
	for _, b := range v.balances {
		sum = sum.Add(b)
	}
	return sum
}

type memInsurance struct{ balance fpmath.Wad }

func (f *memInsurance) CoverBadDebt(amount fpmath.Wad) bool {
	if f.balance.LessThan(amount) {
		return false
	}
	f.balance = f.balance.Sub(amount)
	return true
}

func (f *memInsurance) Fund(amount fpmath.Wad) error {
	f.balance = f.balance.Add(amount)
	return nil
}

func (f *memInsurance) Balance() fpmath.Wad { return f.balance }

// ============================================================================
// Fixture
// ============================================================================

type fixture struct {
	params    state.MarketParams
	pool      *fixedPricePool
	index     *fixedIndex
	vault     *memVault
	insurance *memInsurance
	ledger    *state.PositionLedger
	liq       *state.LiquidationEngine
}

func newFixture(t *testing.T, price string) *fixture {
	t.Helper()
	params := state.DefaultMarketParams("ETH-USDC")
	params.TradeFeeRatio = fpmath.Zero
	if err := state.ValidateMarketParams(&params); err != nil {
		t.Fatalf("params: %v", err)
	}
	f := &fixture{
		params:    params,
		pool:      newFixedPricePool(price),
		index:     &fixedIndex{price: fpmath.One},
		vault:     newMemVault(),
		insurance: &memInsurance{},
	}
	f.ledger = state.NewPositionLedger(params, f.pool, f.index, f.vault, f.insurance)
	f.liq = state.NewLiquidationEngine(f.ledger)
	return f
}

func (f *fixture) deposit(t *testing.T, account state.AccountID, amount string) {
	t.Helper()
	if _, err := f.vault.Deposit(account, fpmath.MustParseWad(amount), "USDC"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

// run executes op in a transaction at ts and commits it on success.
func (f *fixture) run(t *testing.T, ts int64, op func(tx *state.LedgerTx) error) error {
	t.Helper()
	tx, err := f.ledger.Begin(ts)
	if err != nil {
		t.Fatalf("begin at %d: %v", ts, err)
	}
	defer tx.Abort()
	if err := op(tx); err != nil {
		return err
	}
	tx.Commit()
	return nil
}

func (f *fixture) open(t *testing.T, ts int64, account state.AccountID, notional string, dir state.Direction) {
	t.Helper()
	err := f.run(t, ts, func(tx *state.LedgerTx) error {
		_, err := tx.Open(tx.SettleTrader(account), fpmath.MustParseWad(notional), dir)
		return err
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
}

func wad(s string) fpmath.Wad { return fpmath.MustParseWad(s) }

func newAccount() state.AccountID { return uuid.New() }

func assertWad(t *testing.T, name string, got, want fpmath.Wad) {
	t.Helper()
	if !got.Equal(want) {
		t.Errorf("%s: got %s, want %s", name, got, want)
	}
}
