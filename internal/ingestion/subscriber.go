// Package ingestion is the NATS shell around the deterministic core: it
// consumes action requests and oracle reports from JetStream, parses them
// into typed requests, and publishes execution reports back out.
package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"PerpEngine/internal/observability"
)

// Subscriber consumes JetStream subjects and feeds raw messages into the
// processing loop.
type Subscriber struct {
	js        jetstream.JetStream
	messages  chan<- RawMessage
	consumers []jetstream.ConsumeContext
}

// RawMessage is a parsed-but-untyped message from NATS. The processing loop
// acks only after the resulting output has been handed to the persist
// channel; a nak schedules redelivery, which the dedupe and sequence layers
// absorb.
type RawMessage struct {
	Subject  string
	Data     []byte
	Received time.Time
	Ack      func()
	Nak      func()
}

// SubjectConfig binds one subject to a durable consumer.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
}

// Subjects consumed by the engine. Oracle reports and action requests ride
// separate streams so a burst of one cannot starve the other.
const (
	SubjectActions       = "perp.actions.>"
	SubjectOracleReports = "perp.oracle.reports.>"
	SubjectReports       = "perp.reports.>"

	StreamActions = "PERP_ACTIONS"
	StreamOracle  = "PERP_ORACLE"
	StreamReports = "PERP_REPORTS"
)

// DefaultSubjects returns the engine's inbound consumer bindings.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: SubjectActions, ConsumerName: "engine-actions", StreamName: StreamActions},
		{Subject: SubjectOracleReports, ConsumerName: "engine-oracle", StreamName: StreamOracle},
	}
}

func NewSubscriber(js jetstream.JetStream, messages chan<- RawMessage) *Subscriber {
	return &Subscriber{js: js, messages: messages}
}

// Subscribe creates durable JetStream consumers for the configured subjects.
// Consumers use explicit ack, max_deliver=5, ack_wait=30s.
func (s *Subscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	log := observability.NewLogger("ingestion")

	for _, cfg := range subjects {
		consumer, err := s.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
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

		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawMessage{
				Subject:  msg.Subject(),
				Data:     msg.Data(),
				Received: time.Now(),
				Ack:      func() { msg.Ack() },
				Nak:      func() { msg.Nak() },
			}
			select {
			case s.messages <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		s.consumers = append(s.consumers, cc)
		log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the engine's streams if they don't exist. Streams use
// file storage with limits retention and a 72h age cap; the engine does not
// replay from NATS beyond the redelivery window, snapshots cover the rest.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	log := observability.NewLogger("ingestion")

	streams := []jetstream.StreamConfig{
		{
			Name:      StreamActions,
			Subjects:  []string{"perp.actions.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      StreamOracle,
			Subjects:  []string{"perp.oracle.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      StreamReports,
			Subjects:  []string{"perp.reports.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (s *Subscriber) Stop() {
	for _, cc := range s.consumers {
		cc.Stop()
	}
	log := observability.NewLogger("ingestion")
	log.Info().Msg("consumers stopped")
}

// Connect establishes a NATS connection and returns a JetStream context.
func Connect(url string) (*nats.Conn, jetstream.JetStream, error) {
	log := observability.NewLogger("nats")

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("reconnected")
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
