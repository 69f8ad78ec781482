package ingestion

import (
	"PerpClearing/internal/core"
	"PerpClearing/internal/event"
	"PerpClearing/internal/observability"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Publisher is the JetStream publish call the outbound publisher needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed envelopes to NATS for downstream
// consumers. Subjects are <prefix>.<market|collateral>.<event_type>.
type OutboundPublisher struct {
	js      Publisher
	input   <-chan core.CoreOutput
	prefix  string
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// PublishedEvent is the outbound wire format.
type PublishedEvent struct {
	Sequence  int64           `json:"sequence"`
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	MarketID  string          `json:"market_id,omitempty"`
	Timestamp int64           `json:"timestamp"`
	StateHash string          `json:"state_hash"`
	PrevHash  string          `json:"prev_hash"`
	Payload   json.RawMessage `json:"payload"`
}

func NewOutboundPublisher(
	js Publisher,
	input <-chan core.CoreOutput,
	prefix string,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *OutboundPublisher {
	return &OutboundPublisher{js: js, input: input, prefix: prefix, metrics: metrics, logger: logger}
}

// Run publishes until ctx ends or the input closes. Publish failures are
// logged: downstream consumers can read the event log directly.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.input:
			if !ok {
				return nil
			}
			result := "ok"
			if err := op.publish(ctx, out); err != nil {
				result = "error"
				op.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
			if op.metrics != nil {
				op.metrics.Published.WithLabelValues(result).Inc()
			}
		}
	}
}

// NewPublishedEvent is the wire form of a committed envelope, shared by the
// outbound stream, the websocket feed and HTTP command responses.
func NewPublishedEvent(env *event.EventEnvelope, payload []byte) PublishedEvent {
	return PublishedEvent{
		Sequence:  env.Sequence,
		EventID:   env.EventID.String(),
		EventType: env.EventType.String(),
		MarketID:  env.MarketID,
		Timestamp: env.Timestamp,
		StateHash: hex.EncodeToString(env.StateHash[:]),
		PrevHash:  hex.EncodeToString(env.PrevHash[:]),
		Payload:   payload,
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.CoreOutput) error {
	env := out.Envelope
	msg := NewPublishedEvent(env, out.Payload)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	// the event id doubles as the JetStream dedup id
	_, err = op.js.Publish(ctx, EventSubject(op.prefix, env.MarketID, msg.EventType), data,
		jetstream.WithMsgID(msg.EventID))
	return err
}

// EventSubject builds the outbound subject. Dots in market ids would add
// subject tokens, so they become dashes.
func EventSubject(prefix, marketID, eventType string) string {
	scope := "collateral"
	if marketID != "" {
		scope = strings.ReplaceAll(marketID, ".", "-")
	}
	return prefix + "." + scope + "." + eventType
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, prefix string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       "PERP_CLEARING_EVENTS",
		Subjects:   []string{prefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
