package ingestion

import (
	"PerpClearing/internal/core"
	"PerpClearing/internal/event"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/observability"
	"PerpClearing/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Outcome tells the subscriber how to settle a message.
type Outcome int

const (
	// Ack: applied, or a duplicate of something already applied
	Ack Outcome = iota
	// Nak: transient failure, redeliver
	Nak
	// Term: the message can never succeed, stop redelivering
	Term
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Nak:
		return "nak"
	default:
		return "term"
	}
}

// Clearing is the part of core.ClearingHouse the dispatcher drives.
type Clearing interface {
	UpdateFunding(marketID string, ts int64) ([]*event.EventEnvelope, error)
	Deposit(account state.AccountID, amount fpmath.Wad, token string, ts int64) ([]*event.EventEnvelope, error)
	Withdraw(account state.AccountID, amount fpmath.Wad, token string, ts int64) ([]*event.EventEnvelope, error)
}

// Dispatcher applies inbound messages to the clearing house.
type Dispatcher struct {
	house   Clearing
	feed    *IndexFeed
	dedup   *core.IdempotencyChecker // may be nil
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewDispatcher(
	house Clearing,
	feed *IndexFeed,
	dedup *core.IdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{house: house, feed: feed, dedup: dedup, metrics: metrics, logger: logger}
}

// Handle parses and applies one message.
func (d *Dispatcher) Handle(kind Kind, subject string, data []byte) Outcome {
	outcome := d.handle(kind, data)
	if d.metrics != nil {
		d.metrics.IngestMessages.WithLabelValues(string(kind), outcome.String()).Inc()
	}
	if outcome != Ack {
		d.logger.Debug().Str("subject", subject).Str("outcome", outcome.String()).Msg("message not applied")
	}
	return outcome
}

func (d *Dispatcher) handle(kind Kind, data []byte) Outcome {
	in, err := Parse(kind, data)
	if err != nil {
		d.logger.Warn().Err(err).Str("kind", string(kind)).Msg("malformed message")
		return Term
	}

	switch msg := in.(type) {
	case IndexPriceUpdate:
		if !d.feed.Set(msg.MarketID, msg.Price, msg.Timestamp) {
			d.logger.Debug().Str("market_id", msg.MarketID).Int64("ts", msg.Timestamp).Msg("out of order index price ignored")
		}
		return Ack

	case FundingTick:
		_, err := d.house.UpdateFunding(msg.MarketID, msg.Timestamp)
		return d.settle(err)

	case DepositConfirmed:
		return d.once("deposit", msg.DepositID, func() ([]*event.EventEnvelope, error) {
			return d.house.Deposit(msg.Account, msg.Amount, msg.Token, msg.Timestamp)
		})

	case WithdrawalRequested:
		return d.once("withdraw", msg.WithdrawalID, func() ([]*event.EventEnvelope, error) {
			return d.house.Withdraw(msg.Account, msg.Amount, msg.Token, msg.Timestamp)
		})
	}
	return Term
}

// once applies fn at most once per id.
func (d *Dispatcher) once(op string, id uuid.UUID, fn func() ([]*event.EventEnvelope, error)) Outcome {
	key := id.String()
	if d.dedup != nil {
		if dup, _ := d.dedup.Check(op, key); dup != core.DedupNew {
			return Ack
		}
	}
	envs, err := fn()
	if err == nil && d.dedup != nil {
		d.dedup.MarkProcessed(op, key, envs)
	}
	return d.settle(err)
}

// settle maps a ledger error to an outcome. Rejections by the ledger are
// final; anything the ledger did not classify may be transient.
func (d *Dispatcher) settle(err error) Outcome {
	if err == nil {
		return Ack
	}
	switch state.KindOf(err) {
	case state.KindValidation, state.KindStateConflict, state.KindEconomic:
		d.logger.Info().Err(err).Str("code", state.CodeOf(err)).Msg("message rejected by ledger")
		return Term
	case state.KindSolvencyFatal:
		d.logger.Error().Err(err).Msg("solvency failure while applying message")
		return Nak
	default:
		d.logger.Error().Err(err).Msg("apply failed")
		return Nak
	}
}
