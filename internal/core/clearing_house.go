package core

import (
	"PerpClearing/internal/amm"
	"PerpClearing/internal/event"
	"PerpClearing/internal/ledger"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/observability"
	"PerpClearing/internal/state"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CollateralPartition is the sequence partition of account-level
// collateral events. Market partitions are "market:<id>".
const CollateralPartition = "collateral"

// eventNamespace derives deterministic event ids from partition and sequence,
// so a replayed history reproduces the same ids.
var eventNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("PerpClearing/events"))

// CoreOutput is one sealed envelope plus its encoded payload.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Payload  []byte
}

// Config wires a ClearingHouse.
type Config struct {
	Markets         []state.MarketParams
	CollateralToken string

	// Pools pre-seeds market pools. Missing markets get an empty pool.
	Pools map[string]*amm.Pool
	// IndexFeeds by market. Missing markets use a fixed feed at the
	// configured initial index price.
	IndexFeeds map[string]state.IndexPriceFeed

	// PersistChan receives every envelope with a blocking send.
	PersistChan chan<- CoreOutput
	// FanoutChan receives envelopes with a non-blocking send.
	FanoutChan chan<- CoreOutput

	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

// Market is one configured market. mu guards the ledger, the pool and the
// event log of the market.
type Market struct {
	mu sync.RWMutex

	params      state.MarketParams
	pool        *amm.Pool
	ledger      *state.PositionLedger
	liquidation *state.LiquidationEngine
	log         *eventLog
}

func (m *Market) ID() string { return m.params.MarketID }

// eventLog assigns sequences and chains hashes for one partition.
type eventLog struct {
	partition string
	sequence  int64 // last assigned
	hasher    *StateHasher
}

func newEventLog(partition string) *eventLog {
	return &eventLog{
		partition: partition,
		hasher:    NewStateHasher(partition),
	}
}

// ClearingHouse owns every market and the shared collateral book. Market
// operations serialize on the market lock; collateral operations serialize
// on the collateral lock. Withdraw takes read locks on all markets in id
// order before the collateral lock.
type ClearingHouse struct {
	markets   map[string]*Market
	marketIDs []string

	book      *ledger.Book
	vault     *ledger.Vault
	insurance *ledger.InsuranceFund

	collateralMu  sync.Mutex
	collateralLog *eventLog

	clock *TimestampValidator

	persistChan chan<- CoreOutput
	fanoutChan  chan<- CoreOutput

	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewClearingHouse(cfg Config) (*ClearingHouse, error) {
	if len(cfg.Markets) == 0 {
		return nil, fmt.Errorf("at least one market is required")
	}
	book, err := ledger.NewBook(cfg.CollateralToken)
	if err != nil {
		return nil, err
	}

	ch := &ClearingHouse{
		markets:       make(map[string]*Market, len(cfg.Markets)),
		book:          book,
		vault:         ledger.NewVault(book),
		insurance:     ledger.NewInsuranceFund(book),
		collateralLog: newEventLog(CollateralPartition),
		clock:         NewTimestampValidator(),
		persistChan:   cfg.PersistChan,
		fanoutChan:    cfg.FanoutChan,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
	}
	ch.clock.OnStale(func(partition string) {
		if ch.metrics != nil {
			ch.metrics.StaleTimestamps.WithLabelValues(partition).Inc()
		}
	})

	for i := range cfg.Markets {
		params := cfg.Markets[i]
		if err := state.ValidateMarketParams(&params); err != nil {
			return nil, fmt.Errorf("market %q: %w", params.MarketID, err)
		}
		if _, dup := ch.markets[params.MarketID]; dup {
			return nil, fmt.Errorf("market %q configured twice", params.MarketID)
		}

		pool := cfg.Pools[params.MarketID]
		if pool == nil {
			pool = amm.NewPool(params.MarketID, params.PoolFeeBps)
		}
		feed := cfg.IndexFeeds[params.MarketID]
		if feed == nil {
			feed = FixedIndex(params.InitialIndexPrice)
		}

		pl := state.NewPositionLedger(params, pool, feed, ch.vault, ch.insurance)
		ch.markets[params.MarketID] = &Market{
			params:      params,
			pool:        pool,
			ledger:      pl,
			liquidation: state.NewLiquidationEngine(pl),
			log:         newEventLog(marketPartition(params.MarketID)),
		}
		ch.marketIDs = append(ch.marketIDs, params.MarketID)

		ch.logger.Info().
			Str("market_id", params.MarketID).
			Int64("twap_period", params.TwapPeriod).
			Str("min_margin", params.MinMargin.String()).
			Str("min_margin_at_creation", params.MinMarginAtCreation.String()).
			Msg("market configured")
	}
	sort.Strings(ch.marketIDs)
	return ch, nil
}

func marketPartition(marketID string) string {
	return "market:" + marketID
}

// PartitionOf names the sequence partition an envelope belongs to.
func PartitionOf(env *event.EventEnvelope) string {
	if env.MarketID == "" {
		return CollateralPartition
	}
	return marketPartition(env.MarketID)
}

// FixedIndex is an index feed that never moves.
type FixedIndex fpmath.Wad

func (f FixedIndex) IndexPrice() (fpmath.Wad, error) {
	return fpmath.Wad(f), nil
}

// Markets returns the configured market ids in order.
func (ch *ClearingHouse) Markets() []string {
	return append([]string(nil), ch.marketIDs...)
}

func (ch *ClearingHouse) market(marketID string) (*Market, error) {
	m, ok := ch.markets[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", state.ErrUnknownMarket, marketID)
	}
	return m, nil
}

// Token is the collateral token symbol.
func (ch *ClearingHouse) Token() string { return ch.vault.Token() }

// ============================================================================
// Pipeline
// ============================================================================

// marketOp runs fn inside a ledger transaction under the market write lock:
// timestamp check, TWAP and funding update, fn, commit, seal, emit.
// Nothing is committed and no event leaves if any step fails.
func (ch *ClearingHouse) marketOp(
	marketID, op string,
	ts int64,
	fn func(m *Market, tx *state.LedgerTx) error,
) ([]*event.EventEnvelope, error) {
	return ch.runMarketOp(marketID, op, ts, false, fn)
}

// settlingMarketOp is marketOp with the collateral lock also held from the
// first read of a vault balance through commit. Lock order matches Withdraw
// and Snapshot: market first, then collateral.
func (ch *ClearingHouse) settlingMarketOp(
	marketID, op string,
	ts int64,
	fn func(m *Market, tx *state.LedgerTx) error,
) ([]*event.EventEnvelope, error) {
	return ch.runMarketOp(marketID, op, ts, true, fn)
}

func (ch *ClearingHouse) runMarketOp(
	marketID, op string,
	ts int64,
	holdCollateral bool,
	fn func(m *Market, tx *state.LedgerTx) error,
) ([]*event.EventEnvelope, error) {
	start := time.Now()
	m, err := ch.market(marketID)
	if err != nil {
		ch.recordOp(marketID, op, start, err)
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if holdCollateral {
		ch.collateralMu.Lock()
		defer ch.collateralMu.Unlock()
	}

	partition := marketPartition(marketID)
	if err := ch.clock.Validate(partition, ts); err != nil {
		ch.recordOp(marketID, op, start, err)
		return nil, err
	}

	tx, err := m.ledger.Begin(ts)
	if err != nil {
		ch.recordOp(marketID, op, start, err)
		return nil, err
	}
	defer tx.Abort()

	if fn != nil {
		if err := fn(m, tx); err != nil {
			ch.recordOp(marketID, op, start, err)
			return nil, err
		}
	}

	events := tx.Commit()
	ch.clock.Advance(partition, ts)

	outputs := m.log.seal(events, m.ledger.CanonicalBytes())
	ch.emit(outputs)
	ch.recordOp(marketID, op, start, nil)
	ch.observeMarket(m, events)

	return envelopes(outputs), nil
}

// collateralOp is the collateral-partition counterpart of marketOp. fn
// returns the event to log. The caller holds any market locks it needs.
func (ch *ClearingHouse) collateralOp(op string, ts int64, fn func() (event.Event, error)) ([]*event.EventEnvelope, error) {
	start := time.Now()

	ch.collateralMu.Lock()
	defer ch.collateralMu.Unlock()

	if err := ch.clock.Validate(CollateralPartition, ts); err != nil {
		ch.recordOp(CollateralPartition, op, start, err)
		return nil, err
	}
	evt, err := fn()
	if err != nil {
		ch.recordOp(CollateralPartition, op, start, err)
		return nil, err
	}
	ch.clock.Advance(CollateralPartition, ts)

	outputs := ch.collateralLog.seal([]event.Event{evt}, bookDigest(ch.book.Snapshot()))
	ch.emit(outputs)
	ch.recordOp(CollateralPartition, op, start, nil)
	if ch.metrics != nil {
		ch.metrics.MarketSequence.WithLabelValues(CollateralPartition).Set(float64(ch.collateralLog.sequence))
	}
	return envelopes(outputs), nil
}

// seal wraps committed events into hash-chained envelopes. Every envelope
// of one commit hashes the same post-commit state digest.
func (lg *eventLog) seal(events []event.Event, digest []byte) []CoreOutput {
	outputs := make([]CoreOutput, 0, len(events))
	for _, evt := range events {
		payload, err := json.Marshal(evt)
		if err != nil {
			panic(fmt.Sprintf("FATAL: encode %s payload: %v", evt.EventType(), err))
		}

		lg.sequence++
		prev := lg.hasher.GetPrevHash()
		hash := lg.hasher.ComputeHash(lg.sequence, payload, digest)

		env := &event.EventEnvelope{
			Sequence:  lg.sequence,
			EventID:   uuid.NewSHA1(eventNamespace, []byte(fmt.Sprintf("%s:%d", lg.partition, lg.sequence))),
			EventType: evt.EventType(),
			MarketID:  evt.Market(),
			Timestamp: evt.Time(),
			Event:     evt,
			StateHash: hash,
			PrevHash:  prev,
		}
		outputs = append(outputs, CoreOutput{Envelope: env, Payload: payload})
	}
	return outputs
}

// emit sends to the persist channel with a blocking send (backpressure) and
// to the fan-out channel with a non-blocking send (drop on full). Fan-out
// consumers rebuild from the event log if they fall behind.
func (ch *ClearingHouse) emit(outputs []CoreOutput) {
	for _, out := range outputs {
		if ch.persistChan != nil {
			select {
			case ch.persistChan <- out:
			default:
				if ch.metrics != nil {
					ch.metrics.PersistBackpressure.Inc()
				}
				ch.persistChan <- out
			}
		}
		if ch.fanoutChan != nil {
			select {
			case ch.fanoutChan <- out:
			default:
				if ch.metrics != nil {
					ch.metrics.FanoutDrops.WithLabelValues("fanout").Inc()
				}
			}
		}
	}
}

func envelopes(outputs []CoreOutput) []*event.EventEnvelope {
	out := make([]*event.EventEnvelope, len(outputs))
	for i := range outputs {
		out[i] = outputs[i].Envelope
	}
	return out
}

// bookDigest is the canonical form of the collateral book for hashing.
func bookDigest(snap ledger.BookSnapshot) []byte {
	paths := make([]string, 0, len(snap.Balances))
	for p := range snap.Balances {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	buf := make([]byte, 0, 64*len(paths))
	buf = append(buf, snap.Token...)
	for _, p := range paths {
		buf = append(buf, 0)
		buf = append(buf, p...)
		buf = append(buf, 0)
		buf = append(buf, snap.Balances[p].RawString()...)
	}
	return buf
}

// ============================================================================
// Metrics
// ============================================================================

func (ch *ClearingHouse) recordOp(partition, op string, start time.Time, err error) {
	if err != nil {
		ch.logger.Debug().
			Str("partition", partition).
			Str("operation", op).
			Str("code", state.CodeOf(err)).
			Err(err).
			Msg("operation rejected")
	}
	if ch.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = state.CodeOf(err)
	}
	ch.metrics.Operations.WithLabelValues(partition, op, result).Inc()
	ch.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// observeMarket runs under the market lock after a commit.
func (ch *ClearingHouse) observeMarket(m *Market, events []event.Event) {
	for _, evt := range events {
		if lc, ok := evt.(*event.LiquidationCall); ok {
			ch.logger.Info().
				Str("market_id", m.ID()).
				Str("account", lc.Account.String()).
				Str("liquidator", lc.Liquidator.String()).
				Str("margin_ratio", lc.MarginRatio.String()).
				Str("reward", lc.Reward.String()).
				Str("bad_debt", lc.BadDebt.String()).
				Msg("position liquidated")
		}
	}
	if ch.metrics == nil {
		return
	}

	id := m.ID()
	global := m.ledger.Global()
	indexTwap := m.ledger.IndexTwap()
	marketTwap := m.ledger.MarketTwap()
	ch.metrics.MarketSequence.WithLabelValues(id).Set(float64(m.log.sequence))
	ch.metrics.CumFundingRate.WithLabelValues(id).Set(global.CumFundingRate.Float64())
	ch.metrics.Twap.WithLabelValues(id, "index").Set(indexTwap.Twap().Float64())
	ch.metrics.Twap.WithLabelValues(id, "market").Set(marketTwap.Twap().Float64())

	for _, evt := range events {
		switch e := evt.(type) {
		case *event.FundingPaid:
			direction := "received"
			if e.Payment.IsNegative() {
				direction = "paid"
			}
			ch.metrics.FundingPaid.WithLabelValues(id, direction).Inc()
		case *event.LiquidationCall:
			ch.metrics.Liquidations.WithLabelValues(id, "closed").Inc()
			if e.BadDebt.IsPositive() {
				ch.metrics.BadDebt.WithLabelValues(id).Add(e.BadDebt.Float64())
			}
		}
	}
	ch.metrics.InsuranceFundBalance.Set(ch.insurance.Balance().Float64())
}
