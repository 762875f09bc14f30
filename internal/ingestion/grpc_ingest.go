package ingestion

import (
	"context"

	"StreamPay/internal/errors"
	"StreamPay/internal/event"
	"StreamPay/internal/observability"
)

// GRPCIngestService provides admin/manual command injection via gRPC.
// It is meant for operators and tests; high-throughput producers use NATS.
type GRPCIngestService struct {
	eventChan chan<- event.Event
	metrics   *observability.Metrics
}

func NewGRPCIngestService(eventChan chan<- event.Event, metrics *observability.Metrics) *GRPCIngestService {
	return &GRPCIngestService{eventChan: eventChan, metrics: metrics}
}

// Submit decodes a command in its wire form and queues it for the core.
// It returns the command's idempotency key. Acceptance means queued, not
// applied: the outcome is recorded in the event log.
func (s *GRPCIngestService) Submit(ctx context.Context, eventType string, data []byte) (string, error) {
	et, ok := event.ParseEventType(eventType)
	if !ok {
		s.invalid()
		return "", errors.ErrInvalidArgument.Newf("unknown event type %q", eventType)
	}
	evt, err := event.Unmarshal(et, data)
	if err != nil {
		s.invalid()
		return "", errors.Wrap(errors.ErrInvalidArgument, err.Error())
	}
	if err := s.Inject(ctx, evt); err != nil {
		return "", err
	}
	return evt.IdempotencyKey(), nil
}

// Inject queues an already typed command.
func (s *GRPCIngestService) Inject(ctx context.Context, evt event.Event) error {
	if s.metrics != nil {
		s.metrics.IngestReceived.WithLabelValues("grpc", evt.EventType().String()).Inc()
	}
	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *GRPCIngestService) invalid() {
	if s.metrics != nil {
		s.metrics.IngestInvalid.WithLabelValues("grpc").Inc()
	}
}
