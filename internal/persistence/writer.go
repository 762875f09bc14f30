package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// EventLogWriter writes commands and ledger logs to Postgres using
// multi-row INSERTs inside the caller's transaction.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Partition      string
	Token          string
	Sender         string
	Outcome        string
	ErrorCode      uint32
	Reason         string
	Payload        []byte // JSON wire form of the command
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// LedgerLogRow represents a row in event_log.ledger_logs. Amounts are
// base-10 strings so they fit NUMERIC(78,0) exactly.
type LedgerLogRow struct {
	Sequence        int64
	LogIndex        int
	Ledger          string
	Token           string
	Kind            string
	Payer           string
	Payee           string
	AmountPerSec    string
	StreamID        string
	Amount          string
	OldPayee        string
	OldAmountPerSec string
	OldStreamID     string
	LedgerTime      int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes a batch of commands to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 14
	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, partition_key, token, sender, outcome, error_code, reason,
		 payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*cols)

	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Partition, e.Token, e.Sender,
			e.Outcome, int64(e.ErrorCode), e.Reason,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteLedgerLogBatch writes ledger logs to event_log.ledger_logs.
func (w *EventLogWriter) WriteLedgerLogBatch(ctx context.Context, tx *sql.Tx, logs []LedgerLogRow) error {
	if len(logs) == 0 {
		return nil
	}

	const cols = 14
	query := `INSERT INTO event_log.ledger_logs
		(sequence, log_index, ledger, token, kind, payer, payee, amount_per_sec, stream_id, amount,
		 old_payee, old_amount_per_sec, old_stream_id, ledger_time)
		VALUES `

	values := make([]string, 0, len(logs))
	args := make([]interface{}, 0, len(logs)*cols)

	for i, l := range logs {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			l.Sequence, l.LogIndex, l.Ledger, l.Token, l.Kind, l.Payer, l.Payee,
			l.AmountPerSec, l.StreamID, l.Amount,
			l.OldPayee, l.OldAmountPerSec, l.OldStreamID, l.LedgerTime,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence, log_index) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// LastSequence returns the highest persisted sequence, or 0 for an empty log.
func (w *EventLogWriter) LastSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := w.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last sequence: %w", err)
	}
	return seq.Int64, nil
}

// RecentIdempotencyKeys returns up to limit LRU keys of the latest commands,
// oldest first.
func (w *EventLogWriter) RecentIdempotencyKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT event_type, idempotency_key FROM (
			SELECT sequence, event_type, idempotency_key
			FROM event_log.events
			ORDER BY sequence DESC
			LIMIT $1
		) recent ORDER BY sequence ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var et, key string
		if err := rows.Scan(&et, &key); err != nil {
			return nil, err
		}
		keys = append(keys, et+":"+key)
	}
	return keys, rows.Err()
}

func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+i)
	}
	b.WriteByte(')')
	return b.String()
}
