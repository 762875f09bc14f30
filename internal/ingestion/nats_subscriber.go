package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"StreamPay/internal/event"
)

const (
	// CommandStream holds every inbound command subject.
	CommandStream = "STREAMPAY_COMMANDS"
	// CommandSubjectPrefix is followed by the event type and the token,
	// e.g. streampay.commands.Deposit.0xaa...
	CommandSubjectPrefix = "streampay.commands."
)

// CommandSubject returns the subject a command of type et for token is
// published on.
func CommandSubject(et event.EventType, token string) string {
	return CommandSubjectPrefix + et.String() + "." + strings.ToLower(token)
}

// ParseSubject splits a command subject into its event type and token.
func ParseSubject(subject string) (event.EventType, string, bool) {
	rest, ok := strings.CutPrefix(subject, CommandSubjectPrefix)
	if !ok {
		return 0, "", false
	}
	name, token, _ := strings.Cut(rest, ".")
	et, ok := event.ParseEventType(name)
	return et, token, ok
}

// RawEvent is one undecoded command taken off the stream. The ingestion
// loop parses it and acks once the typed command is queued for the core.
type RawEvent struct {
	Subject   string
	Data      []byte
	StreamSeq uint64 // JetStream stream sequence, for logs
	Delivered uint64 // delivery attempt, 1 on first delivery
	Timestamp time.Time
	AckFunc   func()
	NakFunc   func()
}

// ConsumerConfig tunes the durable command consumer.
type ConsumerConfig struct {
	Durable    string
	AckWait    time.Duration
	MaxDeliver int
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{Durable: "streampay-core", AckWait: 30 * time.Second, MaxDeliver: 5}
}

// NATSSubscriber feeds the command stream into the ingestion loop. Commands
// carry per-token sequences, so all types share one durable consumer and
// arrive in stream order.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consume   jetstream.ConsumeContext
	logger    zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{js: js, eventChan: eventChan, logger: logger}
}

// Subscribe creates or updates the durable consumer and starts delivery.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, cfg ConsumerConfig) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, CommandStream, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: CommandSubjectPrefix + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", cfg.Durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawEvent{
			Subject:   msg.Subject(),
			Data:      msg.Data(),
			Timestamp: time.Now(),
			AckFunc:   func() { _ = msg.Ack() },
			NakFunc:   func() { _ = msg.Nak() },
		}
		if md, err := msg.Metadata(); err == nil {
			raw.StreamSeq = md.Sequence.Stream
			raw.Delivered = md.NumDelivered
		}

		select {
		case ns.eventChan <- raw:
		case <-ctx.Done():
			_ = msg.Nak()
		}
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		ns.logger.Warn().Err(err).Msg("consume error")
	}))
	if err != nil {
		return fmt.Errorf("consume %s: %w", cfg.Durable, err)
	}
	ns.consume = cc

	ns.logger.Info().Str("stream", CommandStream).Str("consumer", cfg.Durable).Msg("subscribed")
	return nil
}

// Stop ends delivery; unacked messages are redelivered after AckWait.
func (ns *NATSSubscriber) Stop() {
	if ns.consume != nil {
		ns.consume.Stop()
	}
	ns.logger.Info().Msg("NATS subscriber stopped")
}

// EnsureStreams creates or updates the command stream: file storage,
// 72h retention and a 2m duplicate window keyed on Nats-Msg-Id.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	cfg := jetstream.StreamConfig{
		Name:       CommandStream,
		Subjects:   []string{CommandSubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	}
	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	return nil
}

// ConnectNATS dials url with unlimited reconnects and returns the
// connection and its JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("streampay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
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
