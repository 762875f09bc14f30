package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"StreamPay/internal/core"
	"StreamPay/internal/event"
	"StreamPay/internal/ingestion"
	"StreamPay/internal/observability"
	"StreamPay/internal/persistence"
)

// coreLoop owns the deterministic core. Every command and every snapshot
// capture runs on its goroutine.
type coreLoop struct {
	core     *core.DeterministicCore
	snapMgr  *persistence.SnapshotManager
	metrics  *observability.Metrics
	logger   zerolog.Logger
	interval int64

	// requests asks the loop for a capture; the loop answers on the
	// enclosed channel.
	requests chan chan *persistence.SnapshotData
	// saves carries periodic captures to the snapshot writer.
	saves    chan *persistence.SnapshotData
	lastSnap int64

	// persisted is the highest sequence committed to the event log.
	persisted *atomic.Int64
}

func (l *coreLoop) run(ctx context.Context, natsEvents, grpcEvents <-chan event.Event) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case evt := <-natsEvents:
			l.process(evt, "nats")

		case evt := <-grpcEvents:
			l.process(evt, "grpc")

		case reply := <-l.requests:
			reply <- l.capture()

		case <-ticker.C:
			l.metrics.SetChannelMetrics("nats_commands", len(natsEvents), cap(natsEvents))
			l.metrics.SetChannelMetrics("grpc_commands", len(grpcEvents), cap(grpcEvents))
		}
	}
}

func (l *coreLoop) process(evt event.Event, surface string) {
	if err := l.core.ProcessEvent(evt); err != nil {
		// Ordering failures: the command was already acked and is not retried.
		l.logger.Error().Err(err).
			Str("surface", surface).
			Str("type", evt.EventType().String()).
			Str("key", evt.IdempotencyKey()).
			Str("partition", evt.Partition()).
			Msg("command not processed")
		return
	}

	if l.interval > 0 && l.core.GetSequence()-l.lastSnap >= l.interval {
		select {
		case l.saves <- l.capture():
		default:
			l.logger.Warn().Int64("sequence", l.core.GetSequence()).Msg("snapshot writer busy, skipping periodic snapshot")
		}
	}
}

func (l *coreLoop) capture() *persistence.SnapshotData {
	data := persistence.NewSnapshotData(l.core.CreateSnapshotState())
	l.lastSnap = data.Sequence
	return data
}

// TakeSnapshot captures the core state on the loop goroutine and stores it.
func (l *coreLoop) TakeSnapshot(ctx context.Context) (int64, int, error) {
	reply := make(chan *persistence.SnapshotData, 1)
	select {
	case l.requests <- reply:
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}

	var data *persistence.SnapshotData
	select {
	case data = <-reply:
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}

	size, err := l.save(ctx, data)
	if err != nil {
		return 0, 0, err
	}
	return data.Sequence, size, nil
}

func (l *coreLoop) runSnapshotWriter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-l.saves:
			if _, err := l.save(ctx, data); err != nil {
				l.logger.Warn().Err(err).Int64("sequence", data.Sequence).Msg("periodic snapshot failed")
				continue
			}
			l.logger.Info().Int64("sequence", data.Sequence).Msg("periodic snapshot saved")
		}
	}
}

// save stores a capture once the event log holds every command before it,
// so a restore never starts ahead of the log.
func (l *coreLoop) save(ctx context.Context, data *persistence.SnapshotData) (int, error) {
	start := time.Now()

	if err := l.waitPersisted(ctx, data.Sequence-1); err != nil {
		return 0, err
	}
	size, err := l.snapMgr.SaveSnapshot(ctx, data)
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	// Taken from live state, so it needs no replay check.
	if err := l.snapMgr.MarkVerified(ctx, data.Sequence); err != nil {
		l.logger.Warn().Err(err).Int64("sequence", data.Sequence).Msg("mark snapshot verified failed")
	}

	l.metrics.SnapshotTaken.Inc()
	l.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	l.metrics.SnapshotSizeBytes.Set(float64(size))
	l.metrics.SnapshotLastSeq.Set(float64(data.Sequence))
	return size, nil
}

func (l *coreLoop) waitPersisted(ctx context.Context, seq int64) error {
	if l.persisted == nil {
		return nil
	}
	deadline := time.NewTimer(30 * time.Second)
	defer deadline.Stop()
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()

	for l.persisted.Load() < seq {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("event log stuck at sequence %d, snapshot needs %d", l.persisted.Load(), seq)
		case <-poll.C:
		}
	}
	return nil
}

// --- Recovery ---

// recoverCore restores the latest snapshot, replays the event log from its
// sequence and checks every replayed command against its recorded hash.
// Without a snapshot the whole log is replayed.
func recoverCore(
	ctx context.Context,
	c *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	writer *persistence.EventLogWriter,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) error {
	start := time.Now()

	lastSeq, err := writer.LastSequence(ctx)
	if err != nil {
		return err
	}

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load snapshot, replaying the full log")
		snap = nil
	}
	if snap != nil && snap.Sequence > lastSeq+1 {
		logger.Warn().Int64("snapshot", snap.Sequence).Int64("log_head", lastSeq).Msg("snapshot is ahead of the event log, ignoring it")
		snap = nil
	}

	if snap != nil {
		state, err := snap.State()
		if err != nil {
			return fmt.Errorf("decode snapshot %d: %w", snap.Sequence, err)
		}
		if err := c.RestoreFromSnapshot(state); err != nil {
			return fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		logger.Info().Int64("sequence", snap.Sequence).Int("keys", len(snap.IdempotencyKeys)).Msg("restored snapshot")

		if err := verifySnapshotHash(ctx, snapMgr, snap); err != nil {
			return err
		}
	} else {
		logger.Info().Msg("no snapshot found, cold start")
	}

	replayed, err := replayEventsFromLog(ctx, snapMgr, c, c.GetSequence())
	if err != nil {
		return err
	}
	if c.GetSequence() != lastSeq+1 {
		return fmt.Errorf("replay ended at sequence %d, event log head is %d", c.GetSequence(), lastSeq)
	}
	if snap != nil && replayed > 0 {
		if err := snapMgr.MarkVerified(ctx, snap.Sequence); err != nil {
			logger.Warn().Err(err).Msg("mark snapshot verified failed")
		}
	}

	keys, err := writer.RecentIdempotencyKeys(ctx, 10_000)
	if err != nil {
		logger.Warn().Err(err).Msg("load recent idempotency keys failed")
	} else {
		c.WarmLRU(keys)
	}

	metrics.ReplayDuration.Set(time.Since(start).Seconds())
	logger.Info().
		Int64("replayed", replayed).
		Int64("sequence", c.GetSequence()).
		Dur("duration", time.Since(start)).
		Msg("recovery complete")
	return nil
}

// verifySnapshotHash checks the snapshot's hash against the command logged
// just before it.
func verifySnapshotHash(ctx context.Context, snapMgr *persistence.SnapshotManager, snap *persistence.SnapshotData) error {
	if snap.Sequence <= 1 {
		return nil
	}
	rows, err := snapMgr.LoadEventsFrom(ctx, snap.Sequence-1, 1)
	if err != nil {
		return fmt.Errorf("load sequence %d: %w", snap.Sequence-1, err)
	}
	if len(rows) == 0 || rows[0].Sequence != snap.Sequence-1 {
		return fmt.Errorf("event log has no sequence %d for snapshot %d", snap.Sequence-1, snap.Sequence)
	}
	if got := hex.EncodeToString(rows[0].StateHash); got != snap.StateHash {
		return fmt.Errorf("snapshot %d hash %s, event log has %s", snap.Sequence, snap.StateHash, got)
	}
	return nil
}

// replayEventsFromLog re-applies logged commands from fromSequence to the
// head of the log.
func replayEventsFromLog(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	c *core.DeterministicCore,
	fromSequence int64,
) (int64, error) {
	const batchSize = 1000
	var total int64

	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, fromSequence, batchSize)
		if err != nil {
			return total, fmt.Errorf("load events from seq %d: %w", fromSequence, err)
		}
		if len(rows) == 0 {
			return total, nil
		}

		for _, row := range rows {
			evt, err := ingestion.ParseRawEvent(ingestion.RawEvent{Subject: row.EventType, Data: row.Payload}, row.EventType)
			if err != nil {
				return total, fmt.Errorf("parse logged command at seq %d: %w", row.Sequence, err)
			}
			var hash [32]byte
			copy(hash[:], row.StateHash)
			if err := c.ReplayEvent(evt, row.Sequence, hash); err != nil {
				return total, err
			}
			total++
		}

		fromSequence = rows[len(rows)-1].Sequence + 1
	}
}
