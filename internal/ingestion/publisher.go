package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"StreamPay/internal/core"
	"StreamPay/internal/ledger"
)

const (
	// OutboundStream holds processed commands and their ledger logs.
	OutboundStream        = "STREAMPAY_LEDGER_EVENTS"
	OutboundSubjectPrefix = "streampay.ledger.events."
)

// OutboundPublisher publishes processed commands to NATS for downstream
// consumers, after persistence is confirmed.
// Subjects follow the pattern: streampay.ledger.events.{event_type}
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
	logger    zerolog.Logger
}

// PublishableEvent is a processed command ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Token          string          `json:"token"`
	Outcome        string          `json:"outcome"`
	ErrorCode      uint32          `json:"error_code,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Logs           []PublishedLog  `json:"logs,omitempty"`
	Contract       string          `json:"contract,omitempty"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// PublishedLog is the wire form of one ledger log.
type PublishedLog struct {
	Kind            string `json:"kind"`
	Payer           string `json:"payer,omitempty"`
	Payee           string `json:"payee,omitempty"`
	AmountPerSec    string `json:"amount_per_sec,omitempty"`
	StreamID        string `json:"stream_id,omitempty"`
	Amount          string `json:"amount,omitempty"`
	OldPayee        string `json:"old_payee,omitempty"`
	OldAmountPerSec string `json:"old_amount_per_sec,omitempty"`
	OldStreamID     string `json:"old_stream_id,omitempty"`
}

// NewPublishableEvent converts a core output into its outbound form.
func NewPublishableEvent(out core.CoreOutput) PublishableEvent {
	env := out.Envelope
	pe := PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Token:          env.Token.Hex(),
		Outcome:        out.Outcome.String(),
		ErrorCode:      out.ErrorCode,
		Reason:         out.Reason,
		Payload:        json.RawMessage(env.Payload),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	}
	if out.Created != nil {
		pe.Contract = out.Created.Contract.Hex()
	}
	if out.Receipt != nil {
		for _, l := range out.Receipt.Logs {
			pe.Logs = append(pe.Logs, publishedLog(l))
		}
	}
	return pe
}

func publishedLog(l ledger.Log) PublishedLog {
	pl := PublishedLog{
		Kind:   l.Kind.String(),
		Payer:  l.Payer.Hex(),
		Amount: l.Amount.Dec(),
	}
	switch l.Kind {
	case ledger.LogStreamCreated, ledger.LogStreamCancelled, ledger.LogWithdraw, ledger.LogStreamModified:
		pl.Payee = l.Payee.Hex()
		pl.AmountPerSec = l.AmountPerSec.Dec()
		pl.StreamID = l.StreamID.Hex()
	case ledger.LogEmergencyRug:
		pl.Payee = l.Payee.Hex()
	}
	if l.Kind == ledger.LogStreamModified {
		pl.OldPayee = l.OldPayee.Hex()
		pl.OldAmountPerSec = l.OldAmountPerSec.Dec()
		pl.OldStreamID = l.OldStreamID.Hex()
	}
	return pl
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can read the event log directly
				op.logger.Warn().Err(err).Int64("seq", evt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := OutboundSubjectPrefix + evt.EventType
	_, err = op.js.Publish(ctx, subject, data, jetstream.WithMsgID(fmt.Sprintf("%d", evt.Sequence)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      OutboundStream,
		Subjects:  []string{OutboundSubjectPrefix + ">"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", OutboundStream).Msg("ensured outbound stream")
	return nil
}
