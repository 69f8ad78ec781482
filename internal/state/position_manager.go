package state

import (
	"PerpClearing/internal/event"
	fpmath "PerpClearing/internal/math"
	"bytes"
	"fmt"
	"sort"
)

// PositionLedger owns one market: the global funding clock, both price
// accumulators and every account position. Nothing outside the ledger
// writes positions; all mutation goes through a LedgerTx.
//
// PositionLedger is not safe for concurrent use. The clearing house holds
// the market lock around every call.
type PositionLedger struct {
	params    MarketParams
	pool      Pool
	index     IndexPriceFeed
	vault     Vault
	insurance InsuranceFund

	funding *FundingRateEngine
	margin  *MarginCalculator

	global     GlobalPosition
	indexTwap  TwapAccumulator
	marketTwap TwapAccumulator
	traders    map[AccountID]*TraderPosition
	providers  map[AccountID]*LiquidityPosition

	// Version counts committed transactions
	version  uint64
	activeTx *LedgerTx
}

func NewPositionLedger(
	params MarketParams,
	pool Pool,
	index IndexPriceFeed,
	vault Vault,
	insurance InsuranceFund,
) *PositionLedger {
	return &PositionLedger{
		params:     params,
		pool:       pool,
		index:      index,
		vault:      vault,
		insurance:  insurance,
		funding:    NewFundingRateEngine(params.Sensitivity),
		margin:     NewMarginCalculator(params),
		indexTwap:  NewTwapAccumulator(params.TwapPeriod),
		marketTwap: NewTwapAccumulator(params.TwapPeriod),
		traders:    make(map[AccountID]*TraderPosition),
		providers:  make(map[AccountID]*LiquidityPosition),
	}
}

func (l *PositionLedger) Params() MarketParams                { return l.params }
func (l *PositionLedger) Pool() Pool                          { return l.pool }
func (l *PositionLedger) MarginCalculator() *MarginCalculator { return l.margin }
func (l *PositionLedger) Global() GlobalPosition              { return l.global }
func (l *PositionLedger) IndexTwap() TwapAccumulator          { return l.indexTwap }
func (l *PositionLedger) MarketTwap() TwapAccumulator         { return l.marketTwap }
func (l *PositionLedger) Version() uint64                     { return l.version }

// Trader returns the committed trader position, or a flat one.
func (l *PositionLedger) Trader(account AccountID) TraderPosition {
	if pos, ok := l.traders[account]; ok {
		return *pos
	}
	return TraderPosition{Account: account}
}

// Liquidity returns the committed LP position, or an empty one.
func (l *PositionLedger) Liquidity(account AccountID) LiquidityPosition {
	if pos, ok := l.providers[account]; ok {
		return *pos
	}
	return LiquidityPosition{Account: account}
}

// Accounts returns every account with a trader or LP record, in id order.
func (l *PositionLedger) Accounts() []AccountID {
	seen := make(map[AccountID]struct{}, len(l.traders)+len(l.providers))
	for id := range l.traders {
		seen[id] = struct{}{}
	}
	for id := range l.providers {
		seen[id] = struct{}{}
	}
	out := make([]AccountID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sortAccounts(out)
	return out
}

// MarginView assembles committed state for a margin computation.
func (l *PositionLedger) MarginView(account AccountID) MarginView {
	return MarginView{
		Collateral:     l.vault.Balance(account),
		Trader:         l.Trader(account),
		Liquidity:      l.Liquidity(account),
		CumFundingRate: l.global.CumFundingRate,
	}
}

// Margin computes the account's margin report without mutating anything.
func (l *PositionLedger) Margin(account AccountID) (MarginReport, error) {
	return l.margin.Compute(l.pool, l.MarginView(account))
}

// TransitionLiquidationState moves a committed trader position along the
// liquidation state machine. It returns false for a disallowed transition.
func (l *PositionLedger) TransitionLiquidationState(account AccountID, next LiquidationState) bool {
	pos, ok := l.traders[account]
	if !ok || pos.LiquidationState == next {
		return false
	}
	if !pos.LiquidationState.CanTransitionTo(next) {
		return false
	}
	pos.LiquidationState = next
	return true
}

// Begin opens a transaction at ts: both accumulators record the current
// index and pool prices, then funding accrues on the staged global state.
// Only one transaction may be open at a time.
func (l *PositionLedger) Begin(ts int64) (*LedgerTx, error) {
	if l.activeTx != nil {
		panic(fmt.Sprintf("FATAL: market %s: ledger transaction already open", l.params.MarketID))
	}

	indexPrice, err := l.index.IndexPrice()
	if err != nil {
		return nil, fmt.Errorf("read index price: %w", err)
	}
	if !indexPrice.IsPositive() {
		return nil, fmt.Errorf("index price must be positive, got %s", indexPrice)
	}
	marketPrice := l.pool.PriceOracle()

	tx := &LedgerTx{
		l:          l,
		ts:         ts,
		indexPrice: indexPrice,
		global:     l.global,
		indexTwap:  l.indexTwap,
		marketTwap: l.marketTwap,
		traders:    make(map[AccountID]*TraderPosition),
		providers:  make(map[AccountID]*LiquidityPosition),
		pending:    make(map[AccountID]fpmath.Wad),
	}

	advanced := ts != tx.indexTwap.TimeOfCumulativeAmount || !tx.indexTwap.Observed()
	tx.indexTwap.Record(indexPrice, ts)
	tx.marketTwap.Record(marketPrice, ts)

	accrual, changed := l.funding.Accrue(&tx.global, tx.marketTwap.Twap(), tx.indexTwap.Twap(), ts)
	if advanced {
		tx.emit(&event.TwapUpdated{
			Header:      tx.header(AccountID{}),
			MarketTwap:  tx.marketTwap.Twap(),
			IndexTwap:   tx.indexTwap.Twap(),
			MarketPrice: marketPrice,
			IndexPrice:  indexPrice,
		})
	}
	if changed && !accrual.Anchored {
		tx.emit(&event.FundingRateUpdated{
			Header:         tx.header(AccountID{}),
			CumFundingRate: tx.global.CumFundingRate,
			Delta:          accrual.Delta,
			Premium:        accrual.Premium,
		})
	}

	l.activeTx = tx
	return tx, nil
}

type settlement struct {
	account AccountID
	amount  fpmath.Wad
}

// LedgerTx stages every change of one operation. Commit writes the staged
// state back and moves collateral; Abort discards it. The pool is the only
// collaborator touched before Commit, and each transaction performs at
// most one pool-mutating operation as its last fallible step.
type LedgerTx struct {
	l          *PositionLedger
	ts         int64
	indexPrice fpmath.Wad

	global     GlobalPosition
	indexTwap  TwapAccumulator
	marketTwap TwapAccumulator
	traders    map[AccountID]*TraderPosition
	providers  map[AccountID]*LiquidityPosition

	settlements []settlement
	pending     map[AccountID]fpmath.Wad
	fees        fpmath.Wad

	events      []event.Event
	poolTouched bool
	done        bool
}

// SettledTrader is a trader position whose funding has been settled inside
// a transaction. Trade operations accept nothing else.
type SettledTrader struct {
	tx  *LedgerTx
	pos *TraderPosition
}

func (h *SettledTrader) Position() TraderPosition { return *h.pos }

// SettledLiquidity is the LP counterpart of SettledTrader.
type SettledLiquidity struct {
	tx  *LedgerTx
	pos *LiquidityPosition
}

func (h *SettledLiquidity) Position() LiquidityPosition { return *h.pos }

func (tx *LedgerTx) Timestamp() int64       { return tx.ts }
func (tx *LedgerTx) IndexPrice() fpmath.Wad { return tx.indexPrice }
func (tx *LedgerTx) Global() GlobalPosition { return tx.global }
func (tx *LedgerTx) MarketID() string       { return tx.l.params.MarketID }
func (tx *LedgerTx) Params() MarketParams   { return tx.l.params }
func (tx *LedgerTx) Events() []event.Event  { return tx.events }

// Collateral is the vault balance plus everything staged for account.
func (tx *LedgerTx) Collateral(account AccountID) fpmath.Wad {
	return tx.l.vault.Balance(account).Add(tx.pending[account])
}

// MarginView assembles staged state for a margin computation.
func (tx *LedgerTx) MarginView(account AccountID) MarginView {
	return MarginView{
		Collateral:     tx.Collateral(account),
		Trader:         *tx.trader(account),
		Liquidity:      *tx.provider(account),
		CumFundingRate: tx.global.CumFundingRate,
	}
}

func (tx *LedgerTx) Margin(account AccountID) (MarginReport, error) {
	return tx.l.margin.Compute(tx.l.pool, tx.MarginView(account))
}

// SettleTrader applies pending funding to account's trader position and
// stages the payment.
func (tx *LedgerTx) SettleTrader(account AccountID) *SettledTrader {
	tx.checkOpen()
	pos := tx.trader(account)
	payment := fpmath.ComputeFundingPayment(pos.CumFundingRateSnapshot, tx.global.CumFundingRate, pos.OpenNotional)
	pos.CumFundingRateSnapshot = tx.global.CumFundingRate
	if !payment.IsZero() {
		tx.stage(account, payment)
		tx.emit(&event.FundingPaid{
			Header:         tx.header(account),
			Payment:        payment,
			CumFundingRate: tx.global.CumFundingRate,
		})
	}
	return &SettledTrader{tx: tx, pos: pos}
}

// SettleLiquidity applies pending funding to account's LP position.
func (tx *LedgerTx) SettleLiquidity(account AccountID) *SettledLiquidity {
	tx.checkOpen()
	pos := tx.provider(account)
	payment := fpmath.ComputeFundingPayment(pos.CumFundingRateSnapshot, tx.global.CumFundingRate, pos.OpenNotional)
	pos.CumFundingRateSnapshot = tx.global.CumFundingRate
	if !payment.IsZero() {
		tx.stage(account, payment)
		tx.emit(&event.FundingPaid{
			Header:         tx.header(account),
			Payment:        payment,
			CumFundingRate: tx.global.CumFundingRate,
			Liquidity:      true,
		})
	}
	return &SettledLiquidity{tx: tx, pos: pos}
}

// Open opens a position of notional quote in direction.
func (tx *LedgerTx) Open(h *SettledTrader, notional fpmath.Wad, direction Direction) (*event.OpenPosition, error) {
	tx.ownTrader(h)
	if !notional.IsPositive() {
		return nil, ErrZeroAmount
	}
	if !h.pos.IsFlat() {
		return nil, ErrAlreadyOpen
	}
	fill, err := tx.fillTrade(h, notional, direction)
	if err != nil {
		return nil, err
	}
	if h.pos.LiquidationState == LiquidationStateClosed {
		h.pos.LiquidationState = LiquidationStateHealthy
	}
	evt := &event.OpenPosition{
		Header:       tx.header(h.pos.Account),
		Direction:    direction.String(),
		Notional:     fill.notional,
		PositionSize: fill.size,
		Fee:          fill.fee,
	}
	tx.emit(evt)
	return evt, nil
}

// Extend grows an open position in its own direction.
func (tx *LedgerTx) Extend(h *SettledTrader, notional fpmath.Wad, direction Direction) (*event.ExtendPosition, error) {
	tx.ownTrader(h)
	if !notional.IsPositive() {
		return nil, ErrZeroAmount
	}
	if h.pos.IsFlat() {
		return nil, ErrNoPosition
	}
	if h.pos.Direction() != direction {
		return nil, ErrWrongDirection
	}
	fill, err := tx.fillTrade(h, notional, direction)
	if err != nil {
		return nil, err
	}
	evt := &event.ExtendPosition{
		Header:            tx.header(h.pos.Account),
		Direction:         direction.String(),
		AddedNotional:     fill.notional,
		AddedSize:         fill.size,
		Fee:               fill.fee,
		TotalOpenNotional: h.pos.OpenNotional,
		TotalPositionSize: h.pos.PositionSize,
	}
	tx.emit(evt)
	return evt, nil
}

type tradeFill struct {
	size     fpmath.Wad
	notional fpmath.Wad
	fee      fpmath.Wad
}

// fillTrade quotes the swap, checks margin at creation against the quote,
// then executes it and applies the deltas.
func (tx *LedgerTx) fillTrade(h *SettledTrader, notional fpmath.Wad, direction Direction) (tradeFill, error) {
	pool := tx.l.pool
	params := tx.l.params

	var in, out fpmath.Wad
	var fill tradeFill
	var i, j int
	switch direction {
	case DirectionLong:
		i, j = QuoteIndex, BaseIndex
		in = notional
		dy, err := pool.GetDy(i, j, in)
		if err != nil {
			return tradeFill{}, fmt.Errorf("quote long %s: %w", notional, err)
		}
		out = dy
		fill.size = dy
		fill.notional = notional
	case DirectionShort:
		i, j = BaseIndex, QuoteIndex
		in = notional.Div(tx.indexPrice)
		if in.IsZero() {
			return tradeFill{}, ErrZeroAmount
		}
		dy, err := pool.GetDy(i, j, in)
		if err != nil {
			return tradeFill{}, fmt.Errorf("quote short %s: %w", notional, err)
		}
		out = dy
		fill.size = in.Neg()
		fill.notional = dy.Neg()
	default:
		return tradeFill{}, fmt.Errorf("%w: %d", ErrWrongDirection, direction)
	}
	if fill.size.IsZero() || fill.notional.IsZero() {
		return tradeFill{}, ErrZeroAmount
	}
	fill.fee = fill.notional.Abs().Mul(params.TradeFeeRatio)

	// margin at creation: existing state plus the new notional, priced
	// before the swap moves the pool
	report, err := tx.Margin(h.pos.Account)
	if err != nil {
		return tradeFill{}, err
	}
	ratio := MarginRatio(report.NetValue.Sub(fill.fee), report.Exposure.Add(fill.notional.Abs()))
	if !tx.l.margin.CanOpen(ratio) {
		return tradeFill{}, fmt.Errorf("%w: ratio %s below %s", ErrInsufficientMargin, ratio, params.MinMarginAtCreation)
	}

	tx.touchPool()
	if _, err := pool.Exchange(i, j, in, out); err != nil {
		return tradeFill{}, fmt.Errorf("exchange: %w", err)
	}

	h.pos.PositionSize = h.pos.PositionSize.Add(fill.size)
	h.pos.OpenNotional = h.pos.OpenNotional.Add(fill.notional)
	h.pos.checkInvariant()
	tx.global.TimeOfLastTrade = tx.ts
	tx.chargeFee(h.pos.Account, fill.fee)
	return fill, nil
}

// Reduce closes ratio of the position. proposedAmount is the pool input the
// caller is prepared to pay: base for a long, quote for a short.
func (tx *LedgerTx) Reduce(h *SettledTrader, proposedAmount, ratio fpmath.Wad) (*event.ClosePosition, error) {
	return tx.reduce(h, proposedAmount, ratio, true)
}

func (tx *LedgerTx) reduce(h *SettledTrader, proposedAmount, ratio fpmath.Wad, chargeFee bool) (*event.ClosePosition, error) {
	tx.ownTrader(h)
	if !ratio.IsPositive() || ratio.GreaterThan(fpmath.One) {
		return nil, ErrReductionRatioOutOfRange
	}
	if !proposedAmount.IsPositive() {
		return nil, ErrZeroAmount
	}
	if h.pos.IsFlat() {
		return nil, ErrNoPosition
	}

	closedSize := fpmath.NotionalShare(h.pos.PositionSize, ratio)
	closedNotional := fpmath.NotionalShare(h.pos.OpenNotional, ratio)
	if closedSize.IsZero() || closedNotional.IsZero() {
		return nil, fmt.Errorf("%w: ratio %s closes nothing", ErrZeroAmount, ratio)
	}

	q, err := quoteClose(tx.l.pool, closedSize)
	if err != nil {
		return nil, fmt.Errorf("quote close: %w", err)
	}
	if err := checkProposedAmount(proposedAmount, q.Input, tx.l.params.SlippageTolerance); err != nil {
		return nil, err
	}

	fee := fpmath.Zero
	if chargeFee {
		fee = q.ExitValue.Abs().Mul(tx.l.params.TradeFeeRatio)
	}

	tx.touchPool()
	if err := executeClose(tx.l.pool, closedSize, q); err != nil {
		return nil, fmt.Errorf("exchange: %w", err)
	}

	realized := fpmath.ComputeRealizedPnL(q.ExitValue, closedNotional)
	h.pos.PositionSize = h.pos.PositionSize.Sub(closedSize)
	h.pos.OpenNotional = h.pos.OpenNotional.Sub(closedNotional)
	h.pos.checkInvariant()
	tx.global.TimeOfLastTrade = tx.ts

	tx.stage(h.pos.Account, realized)
	tx.chargeFee(h.pos.Account, fee)

	evt := &event.ClosePosition{
		Header:            tx.header(h.pos.Account),
		ReductionRatio:    ratio,
		ProposedAmount:    proposedAmount,
		ClosedSize:        closedSize,
		ClosedNotional:    closedNotional,
		ExitValue:         q.ExitValue,
		RealizedPnL:       realized,
		Fee:               fee,
		RemainingSize:     h.pos.PositionSize,
		RemainingNotional: h.pos.OpenNotional,
		FullyClosed:       h.pos.IsFlat(),
	}
	tx.emit(evt)
	return evt, nil
}

// checkProposedAmount accepts proposed in [required, required*(1+tolerance)].
func checkProposedAmount(proposed, required, tolerance fpmath.Wad) error {
	if proposed.LessThan(required) {
		return fmt.Errorf("%w: proposed %s, required %s", ErrInsufficientProposedAmount, proposed, required)
	}
	limit := required.Add(required.Mul(tolerance))
	if proposed.GreaterThan(limit) {
		return fmt.Errorf("%w: proposed %s, limit %s", ErrExcessiveProposedAmount, proposed, limit)
	}
	return nil
}

// ProvideLiquidity adds amount of quote value to the pool, half as quote
// and half as base. An empty pool is split by the index price, otherwise
// by the pool's current ratio.
func (tx *LedgerTx) ProvideLiquidity(h *SettledLiquidity, amount fpmath.Wad) (*event.LiquidityProvided, error) {
	tx.ownLiquidity(h)
	if !amount.IsPositive() {
		return nil, ErrZeroAmount
	}
	account := h.pos.Account
	if amount.GreaterThan(tx.Collateral(account)) {
		return nil, fmt.Errorf("%w: amount %s exceeds collateral %s", ErrInsufficientMargin, amount, tx.Collateral(account))
	}

	pool := tx.l.pool
	quote := amount.DivInt(2)
	bootstrap := pool.TotalSupply().IsZero()
	var base fpmath.Wad
	if bootstrap {
		base = quote.Div(tx.indexPrice)
	} else {
		base = fpmath.MulDiv(quote, pool.Balances(BaseIndex), pool.Balances(QuoteIndex))
	}
	if quote.IsZero() || base.IsZero() {
		return nil, ErrZeroAmount
	}

	tx.touchPool()
	minted, err := pool.AddLiquidity([2]fpmath.Wad{quote, base}, fpmath.Zero)
	if err != nil {
		return nil, fmt.Errorf("add liquidity: %w", err)
	}

	h.pos.LiquidityBalance = h.pos.LiquidityBalance.Add(minted)
	h.pos.PositionSize = h.pos.PositionSize.Sub(base)
	h.pos.OpenNotional = h.pos.OpenNotional.Sub(quote)
	tx.global.TimeOfLastTrade = tx.ts

	evt := &event.LiquidityProvided{
		Header:      tx.header(account),
		Amount:      amount,
		QuoteAmount: quote,
		BaseAmount:  base,
		LPMinted:    minted,
		Bootstrap:   bootstrap,
	}
	tx.emit(evt)
	return evt, nil
}

// WithdrawLiquidity burns lpAmount, closes the residual base exposure
// against the pool and realizes the provider's PnL on the withdrawn share.
func (tx *LedgerTx) WithdrawLiquidity(h *SettledLiquidity, lpAmount fpmath.Wad) (*event.LiquidityWithdrawn, error) {
	tx.ownLiquidity(h)
	if !lpAmount.IsPositive() {
		return nil, ErrZeroAmount
	}
	if lpAmount.GreaterThan(h.pos.LiquidityBalance) {
		return nil, fmt.Errorf("%w: withdrawing %s of %s", ErrNotEnoughLiquidityProvided, lpAmount, h.pos.LiquidityBalance)
	}

	ratio := fpmath.One
	if !lpAmount.Equal(h.pos.LiquidityBalance) {
		ratio = lpAmount.Div(h.pos.LiquidityBalance)
	}
	closedSize := fpmath.NotionalShare(h.pos.PositionSize, ratio)
	closedNotional := fpmath.NotionalShare(h.pos.OpenNotional, ratio)

	pool := tx.l.pool
	tx.touchPool()
	rollback := pool.Checkpoint()
	out, err := pool.RemoveLiquidity(lpAmount, [2]fpmath.Wad{})
	if err != nil {
		rollback()
		return nil, fmt.Errorf("remove liquidity: %w", err)
	}

	residual := out[BaseIndex].Add(closedSize)
	q, err := quoteClose(pool, residual)
	if err == nil {
		err = executeClose(pool, residual, q)
	}
	if err != nil {
		// re-adding out would mint at the post-burn ratio, not the burned amount
		rollback()
		return nil, fmt.Errorf("close residual %s: %w", residual, err)
	}

	realized := out[QuoteIndex].Add(q.ExitValue).Add(closedNotional)

	h.pos.LiquidityBalance = h.pos.LiquidityBalance.Sub(lpAmount)
	h.pos.PositionSize = h.pos.PositionSize.Sub(closedSize)
	h.pos.OpenNotional = h.pos.OpenNotional.Sub(closedNotional)
	tx.global.TimeOfLastTrade = tx.ts
	tx.stage(h.pos.Account, realized)

	evt := &event.LiquidityWithdrawn{
		Header:       tx.header(h.pos.Account),
		LPBurned:     lpAmount,
		QuoteOut:     out[QuoteIndex],
		BaseOut:      out[BaseIndex],
		ResidualBase: residual,
		RealizedPnL:  realized,
	}
	tx.emit(evt)
	return evt, nil
}

// Commit writes staged state back to the ledger, then applies staged
// collateral movements. A collaborator failure at this point would leave
// the ledger and the vault disagreeing, so it is fatal.
func (tx *LedgerTx) Commit() []event.Event {
	tx.checkOpen()
	l := tx.l

	l.global = tx.global
	l.indexTwap = tx.indexTwap
	l.marketTwap = tx.marketTwap
	for id, pos := range tx.traders {
		l.traders[id] = pos
	}
	for id, pos := range tx.providers {
		l.providers[id] = pos
	}

	for _, s := range tx.settlements {
		if err := l.vault.SettleProfit(s.account, s.amount); err != nil {
			panic(fmt.Sprintf("FATAL: market %s: settle %s for %s: %v", l.params.MarketID, s.amount, s.account, err))
		}
	}
	if tx.fees.IsPositive() {
		if err := l.insurance.Fund(tx.fees); err != nil {
			panic(fmt.Sprintf("FATAL: market %s: fund insurance with %s: %v", l.params.MarketID, tx.fees, err))
		}
	}

	l.version++
	tx.done = true
	l.activeTx = nil
	return tx.events
}

// Abort discards the transaction. It is a no-op after Commit, so callers
// can defer it.
func (tx *LedgerTx) Abort() {
	if tx.done {
		return
	}
	tx.done = true
	tx.l.activeTx = nil
}

func (tx *LedgerTx) checkOpen() {
	if tx.done {
		panic("FATAL: ledger transaction already finished")
	}
}

func (tx *LedgerTx) ownTrader(h *SettledTrader) {
	tx.checkOpen()
	if h == nil || h.tx != tx {
		panic("FATAL: settled position handle belongs to another transaction")
	}
}

func (tx *LedgerTx) ownLiquidity(h *SettledLiquidity) {
	tx.checkOpen()
	if h == nil || h.tx != tx {
		panic("FATAL: settled liquidity handle belongs to another transaction")
	}
}

func (tx *LedgerTx) touchPool() {
	if tx.poolTouched {
		panic("FATAL: ledger transaction already mutated the pool")
	}
	tx.poolTouched = true
}

func (tx *LedgerTx) trader(account AccountID) *TraderPosition {
	if pos, ok := tx.traders[account]; ok {
		return pos
	}
	staged := tx.l.Trader(account)
	tx.traders[account] = &staged
	return &staged
}

func (tx *LedgerTx) provider(account AccountID) *LiquidityPosition {
	if pos, ok := tx.providers[account]; ok {
		return pos
	}
	staged := tx.l.Liquidity(account)
	tx.providers[account] = &staged
	return &staged
}

// stage queues a collateral movement for Commit.
func (tx *LedgerTx) stage(account AccountID, amount fpmath.Wad) {
	if amount.IsZero() {
		return
	}
	tx.settlements = append(tx.settlements, settlement{account: account, amount: amount})
	tx.pending[account] = tx.pending[account].Add(amount)
}

func (tx *LedgerTx) chargeFee(account AccountID, fee fpmath.Wad) {
	if !fee.IsPositive() {
		return
	}
	tx.stage(account, fee.Neg())
	tx.fees = tx.fees.Add(fee)
}

func (tx *LedgerTx) emit(evt event.Event) {
	tx.events = append(tx.events, evt)
}

func (tx *LedgerTx) header(account AccountID) event.Header {
	return event.Header{MarketID: tx.l.params.MarketID, Account: account, Timestamp: tx.ts}
}

// MarketSnapshot is the persisted state of one market
type MarketSnapshot struct {
	MarketID   string              `json:"market_id"`
	Version    uint64              `json:"version"`
	Global     GlobalPosition      `json:"global"`
	IndexTwap  TwapAccumulator     `json:"index_twap"`
	MarketTwap TwapAccumulator     `json:"market_twap"`
	Traders    []TraderPosition    `json:"traders"`
	Providers  []LiquidityPosition `json:"providers"`
}

// Snapshot copies committed state in account order.
func (l *PositionLedger) Snapshot() MarketSnapshot {
	snap := MarketSnapshot{
		MarketID:   l.params.MarketID,
		Version:    l.version,
		Global:     l.global,
		IndexTwap:  l.indexTwap,
		MarketTwap: l.marketTwap,
		Traders:    make([]TraderPosition, 0, len(l.traders)),
		Providers:  make([]LiquidityPosition, 0, len(l.providers)),
	}
	for _, pos := range l.traders {
		snap.Traders = append(snap.Traders, *pos)
	}
	for _, pos := range l.providers {
		snap.Providers = append(snap.Providers, *pos)
	}
	sort.Slice(snap.Traders, func(i, j int) bool {
		return bytes.Compare(snap.Traders[i].Account[:], snap.Traders[j].Account[:]) < 0
	})
	sort.Slice(snap.Providers, func(i, j int) bool {
		return bytes.Compare(snap.Providers[i].Account[:], snap.Providers[j].Account[:]) < 0
	})
	return snap
}

// Restore replaces all ledger state with snap.
func (l *PositionLedger) Restore(snap MarketSnapshot) error {
	if l.activeTx != nil {
		panic(fmt.Sprintf("FATAL: market %s: restore during open transaction", l.params.MarketID))
	}
	if snap.MarketID != l.params.MarketID {
		return fmt.Errorf("snapshot is for market %s, ledger is %s", snap.MarketID, l.params.MarketID)
	}

	traders := make(map[AccountID]*TraderPosition, len(snap.Traders))
	for i := range snap.Traders {
		pos := snap.Traders[i]
		if pos.PositionSize.IsZero() != pos.OpenNotional.IsZero() {
			return fmt.Errorf("snapshot position %s is half open", pos.Account)
		}
		traders[pos.Account] = &pos
	}
	providers := make(map[AccountID]*LiquidityPosition, len(snap.Providers))
	for i := range snap.Providers {
		pos := snap.Providers[i]
		providers[pos.Account] = &pos
	}

	l.version = snap.Version
	l.global = snap.Global
	l.indexTwap = snap.IndexTwap
	l.marketTwap = snap.MarketTwap
	// period comes from config, not the snapshot
	l.indexTwap.Period = l.params.TwapPeriod
	l.marketTwap.Period = l.params.TwapPeriod
	l.traders = traders
	l.providers = providers
	return nil
}

// CanonicalBytes returns deterministic serialization of committed state for hashing
func (l *PositionLedger) CanonicalBytes() []byte {
	snap := l.Snapshot()
	buf := make([]byte, 0, 256)
	buf = append(buf, snap.MarketID...)
	buf = appendWad(buf, snap.Global.CumFundingRate)
	buf = appendWad(buf, fpmath.NewWad(snap.Global.TimeOfLastFunding))
	buf = appendWad(buf, snap.IndexTwap.CumulativeAmount)
	buf = appendWad(buf, snap.MarketTwap.CumulativeAmount)
	for i := range snap.Traders {
		buf = append(buf, snap.Traders[i].CanonicalBytes()...)
	}
	for i := range snap.Providers {
		buf = append(buf, snap.Providers[i].CanonicalBytes()...)
	}
	return buf
}

func sortAccounts(ids []AccountID) {
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
}
