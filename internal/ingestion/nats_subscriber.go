package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// SubjectConfig binds a JetStream subject to a message kind.
type SubjectConfig struct {
	Subject      string
	Kind         Kind
	ConsumerName string
	StreamName   string
}

// Subject and stream layout for inbound messages.
const (
	DepositSubject    = "perp.deposits.confirmed.>"
	WithdrawalSubject = "perp.withdrawals.requested.>"

	streamIndex     = "PERP_INDEX"
	streamFunding   = "PERP_FUNDING"
	streamTransfers = "PERP_TRANSFERS"
)

// DefaultSubjects returns the inbound subjects. durable prefixes the
// consumer names so several deployments can share a server.
func DefaultSubjects(indexSubject, fundingSubject, durable string) []SubjectConfig {
	return []SubjectConfig{
		{Subject: indexSubject, Kind: KindIndexPrice, ConsumerName: durable + "-index", StreamName: streamIndex},
		{Subject: fundingSubject, Kind: KindFundingTick, ConsumerName: durable + "-funding", StreamName: streamFunding},
		{Subject: DepositSubject, Kind: KindDepositConfirmed, ConsumerName: durable + "-deposits", StreamName: streamTransfers},
		{Subject: WithdrawalSubject, Kind: KindWithdrawalRequested, ConsumerName: durable + "-withdrawals", StreamName: streamTransfers},
	}
}

// NATSSubscriber consumes inbound subjects and hands each message to the
// dispatcher. Messages of one consumer are applied in delivery order.
type NATSSubscriber struct {
	js         jetstream.JetStream
	dispatcher *Dispatcher
	consumers  []jetstream.ConsumeContext
	logger     zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, dispatcher *Dispatcher, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:         js,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Subscribe creates a durable consumer per subject.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		kind := cfg.Kind
		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			var settleErr error
			switch ns.dispatcher.Handle(kind, msg.Subject(), msg.Data()) {
			case Ack:
				settleErr = msg.Ack()
			case Nak:
				settleErr = msg.NakWithDelay(time.Second)
			case Term:
				settleErr = msg.Term()
			}
			if settleErr != nil {
				ns.logger.Warn().Err(settleErr).Str("subject", msg.Subject()).Msg("settle message")
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, cc)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// Stop stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// EnsureStreams creates the inbound streams if they do not exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, indexSubject, fundingSubject string) error {
	streams := []jetstream.StreamConfig{
		{Name: streamIndex, Subjects: []string{indexSubject}},
		{Name: streamFunding, Subjects: []string{fundingSubject}},
		{Name: streamTransfers, Subjects: []string{"perp.deposits.>", "perp.withdrawals.>"}},
	}
	for _, cfg := range streams {
		cfg.Storage = jetstream.FileStorage
		cfg.Retention = jetstream.LimitsPolicy
		cfg.MaxAge = 72 * time.Hour
		cfg.Replicas = 1
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("perpclearing"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
