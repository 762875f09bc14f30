package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"StreamPay/internal/core"
	"StreamPay/internal/observability"
)

// Batch is what the worker writes for one core output.
type Batch struct {
	EventRow EventRow
	LogRows  []LedgerLogRow
	Source   core.CoreOutput
}

// NewBatch converts a core output into its event log rows.
func NewBatch(out core.CoreOutput) Batch {
	env := out.Envelope
	b := Batch{
		EventRow: EventRow{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Partition:      env.Partition,
			Token:          env.Token.Hex(),
			Sender:         env.Sender.Hex(),
			Outcome:        out.Outcome.String(),
			ErrorCode:      out.ErrorCode,
			Reason:         out.Reason,
			Payload:        env.Payload,
			StateHash:      env.StateHash[:],
			PrevHash:       env.PrevHash[:],
			Timestamp:      env.Timestamp,
			SourceSequence: env.SourceSequence,
		},
		Source: out,
	}
	if r := out.Receipt; r != nil {
		for i, l := range r.Logs {
			b.LogRows = append(b.LogRows, LedgerLogRow{
				Sequence:        env.Sequence,
				LogIndex:        i,
				Ledger:          r.Ledger.Hex(),
				Token:           r.Token.Hex(),
				Kind:            l.Kind.String(),
				Payer:           l.Payer.Hex(),
				Payee:           l.Payee.Hex(),
				AmountPerSec:    l.AmountPerSec.Dec(),
				StreamID:        l.StreamID.Hex(),
				Amount:          l.Amount.Dec(),
				OldPayee:        l.OldPayee.Hex(),
				OldAmountPerSec: l.OldAmountPerSec.Dec(),
				OldStreamID:     l.OldStreamID.Hex(),
				LedgerTime:      int64(r.Time),
			})
		}
	}
	return b
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// It runs independently from the deterministic core. The persist channel
// uses BLOCKING sends from the core, so if this worker falls behind, the
// core stalls and no command is lost.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	// OnFlushed, when set, receives every batch after its transaction commits.
	OnFlushed func([]Batch)
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// Run starts the persistence worker loop. It batches incoming outputs
// and flushes either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]Batch, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if len(batch) > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					pw.logger.Error().Err(err).Int("events", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := pw.flush(context.Background(), batch); err != nil {
						pw.logger.Error().Err(err).Int("events", len(batch)).Msg("final flush failed")
					}
				}
				return nil
			}

			batch = append(batch, NewBatch(output))

			if len(batch) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch = make([]Batch, 0, pw.batchSize)
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch = make([]Batch, 0, pw.batchSize)
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or the context is cancelled. The worker never drops a batch.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []Batch) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(batch)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				// Shutting down: one last attempt outside the cancelled context
				return pw.flush(context.Background(), batch)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch []Batch) error {
	start := time.Now()

	events := make([]EventRow, 0, len(batch))
	var logs []LedgerLogRow
	for _, b := range batch {
		events = append(events, b.EventRow)
		logs = append(logs, b.LogRows...)
	}

	// Commands and their logs go in one transaction
	tx, err := pw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		pw.recordError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.recordError("write_events")
		return err
	}

	if err := pw.writer.WriteLedgerLogBatch(ctx, tx, logs); err != nil {
		pw.recordError("write_logs")
		return err
	}

	if err := tx.Commit(); err != nil {
		pw.recordError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistLogsWritten.Add(float64(len(logs)))
		pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
	}

	if pw.OnFlushed != nil {
		pw.OnFlushed(batch)
	}
	return nil
}

func (pw *PersistenceWorker) recordError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}

// GetWriter returns the underlying writer.
func (pw *PersistenceWorker) GetWriter() *EventLogWriter {
	return pw.writer
}
