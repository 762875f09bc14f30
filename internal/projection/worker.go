package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"StreamPay/internal/core"
	"StreamPay/internal/ledger"
	"StreamPay/internal/observability"
	"StreamPay/internal/registry"
	"StreamPay/internal/token"
)

const watermarkName = "main"

// ProjectionWorker updates the read-model tables from processed commands.
// The projection channel is non-blocking with drop: when the worker falls
// behind, Sync rebuilds the tables from core state on the next start.
//
// Core sequences are contiguous, so a jump means outputs were dropped. From
// then on the worker keeps updating rows but freezes the watermark at the
// last contiguous sequence, so AsOfSequence never overstates freshness.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
	gapped    bool
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Resume tells the worker the tables already reflect every sequence up to
// lastSeq, as after Sync.
func (pw *ProjectionWorker) Resume(lastSeq int64) {
	pw.lastSeq = lastSeq
}

// Watermark returns the last sequence the watermark covers and whether a
// gap has frozen it.
func (pw *ProjectionWorker) Watermark() (int64, bool) {
	return pw.lastSeq, pw.gapped
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			seq := output.Envelope.Sequence
			pw.checkContinuity(seq)

			start := time.Now()
			if err := pw.processOutput(ctx, output, !pw.gapped); err != nil {
				// Projections are eventually consistent and rebuilt by Sync
				pw.logger.Warn().Err(err).Int64("seq", seq).Msg("projection update failed")
				pw.markGap(seq, seq+1)
				continue
			}
			if !pw.gapped {
				pw.lastSeq = seq
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues(output.Envelope.EventType.String()).Observe(time.Since(start).Seconds())
				pw.metrics.ProjectionLastSeq.Set(float64(pw.lastSeq))
			}
		}
	}
}

func (pw *ProjectionWorker) checkContinuity(seq int64) {
	if pw.gapped || seq <= pw.lastSeq+1 {
		return
	}
	pw.markGap(pw.lastSeq+1, seq)
}

// markGap freezes the watermark after outputs [from, to) went missing.
func (pw *ProjectionWorker) markGap(from, to int64) {
	if !pw.gapped {
		pw.logger.Warn().
			Int64("watermark", pw.lastSeq).
			Int64("missing_from", from).
			Int64("missing_to", to-1).
			Msg("projection outputs missing, watermark frozen until the next sync")
	}
	pw.gapped = true
	if pw.metrics != nil {
		pw.metrics.ProjectionGaps.Add(float64(to - from))
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput, advanceWatermark bool) error {
	seq := output.Envelope.Sequence

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if output.Outcome == core.OutcomeApplied {
		if c := output.Created; c != nil {
			if err := upsertPayContract(ctx, tx, *c, output.TokenInfo, seq); err != nil {
				return fmt.Errorf("pay contract projection: %w", err)
			}
		}
		if r := output.Receipt; r != nil {
			for _, p := range r.Payers {
				if err := upsertPayer(ctx, tx, r.Token.Hex(), p, seq); err != nil {
					return fmt.Errorf("payer projection: %w", err)
				}
			}
			for _, s := range r.Streams {
				if err := applyStream(ctx, tx, r.Token.Hex(), s, seq); err != nil {
					return fmt.Errorf("stream projection: %w", err)
				}
			}
		}
		for _, b := range output.Balances {
			if err := upsertTokenBalance(ctx, tx, b, seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}

	if advanceWatermark {
		if err := setWatermark(ctx, tx, seq); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func upsertPayContract(ctx context.Context, tx *sql.Tx, c registry.PayContractCreated, info token.Info, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.pay_contracts (token, contract, idx, symbol, decimals, created_seq)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (token) DO NOTHING
	`, c.Token.Hex(), c.Contract.Hex(), c.Index, info.Symbol, int16(info.Decimals), seq)
	return err
}

func upsertPayer(ctx context.Context, tx *sql.Tx, tokenHex string, p ledger.PayerRecord, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.payers (token, payer, balance, total_paid_per_sec, last_update, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (token, payer) DO UPDATE SET
			balance = EXCLUDED.balance,
			total_paid_per_sec = EXCLUDED.total_paid_per_sec,
			last_update = EXCLUDED.last_update,
			last_sequence = EXCLUDED.last_sequence
	`, tokenHex, p.Address.Hex(), p.Balance.Dec(), p.TotalPaidPerSec.Dec(), int64(p.LastUpdate), seq)
	return err
}

// applyStream upserts a live stream and deletes a removed one. Rows are
// keyed by token: the same stream id can be live on several ledgers.
func applyStream(ctx context.Context, tx *sql.Tx, tokenHex string, s ledger.StreamRecord, seq int64) error {
	if s.Start == 0 {
		_, err := tx.ExecContext(ctx, `DELETE FROM projections.streams WHERE token = $1 AND stream_id = $2`,
			tokenHex, s.ID.Hex())
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.streams (token, stream_id, payer, payee, amount_per_sec, start_time, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (token, stream_id) DO UPDATE SET
			start_time = EXCLUDED.start_time,
			last_sequence = EXCLUDED.last_sequence
	`, tokenHex, s.ID.Hex(), s.Key.Payer.Hex(), s.Key.Payee.Hex(), s.Key.AmountPerSec.Dec(), int64(s.Start), seq)
	return err
}

func upsertTokenBalance(ctx context.Context, tx *sql.Tx, b core.TokenBalance, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.token_balances (token, account, amount, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token, account) DO UPDATE SET
			amount = EXCLUDED.amount,
			last_sequence = EXCLUDED.last_sequence
	`, b.Token.Hex(), b.Account.Hex(), b.Amount.Dec(), seq)
	return err
}

func setWatermark(ctx context.Context, tx *sql.Tx, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection, last_sequence)
		VALUES ($1, $2)
		ON CONFLICT (projection) DO UPDATE SET last_sequence = GREATEST(projections.watermark.last_sequence, EXCLUDED.last_sequence)
	`, watermarkName, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}
