package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"StreamPay/internal/core"
	"StreamPay/internal/ledger"
	"StreamPay/internal/registry"
	"StreamPay/internal/token"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// A snapshot holds token balances, the registry with every ledger, sequence
// counters, recent idempotency keys and the state hash at its sequence.
type SnapshotManager struct {
	db *sql.DB
}

// formatVersion 1: JSON SnapshotData with base-10 amount strings.
const formatVersion = 1

// SnapshotData is the serialized form of core.SnapshotState.
type SnapshotData struct {
	Sequence        int64            `json:"sequence"`
	StateHash       string           `json:"state_hash"`
	Tokens          []TokenSnap      `json:"tokens"`
	Factory         string           `json:"factory"`
	FactoryOwner    string           `json:"factory_owner"`
	Ledgers         []LedgerSnap     `json:"ledgers"`
	SequenceState   map[string]int64 `json:"sequence_state"`   // partition -> next expected seq
	IdempotencyKeys []string         `json:"idempotency_keys"` // Recent keys for LRU warming
	CreatedAt       time.Time        `json:"created_at"`
}

// TokenSnap is a serializable token.
type TokenSnap struct {
	Address  string      `json:"address"`
	Symbol   string      `json:"symbol"`
	Decimals uint8       `json:"decimals"`
	Supply   string      `json:"supply"`
	Balances []HoldSnap  `json:"balances"`
	Grants   []GrantSnap `json:"grants,omitempty"`
}

type HoldSnap struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type GrantSnap struct {
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

// LedgerSnap is a serializable ledger.
type LedgerSnap struct {
	Address  string       `json:"address"`
	Token    string       `json:"token"`
	Owner    string       `json:"owner"`
	LastTime uint64       `json:"last_time"`
	Payers   []PayerSnap  `json:"payers"`
	Streams  []StreamSnap `json:"streams"`
}

type PayerSnap struct {
	Address         string `json:"address"`
	Balance         string `json:"balance"`
	TotalPaidPerSec string `json:"total_paid_per_sec"`
	LastUpdate      uint64 `json:"last_update"`
}

type StreamSnap struct {
	Payer        string `json:"payer"`
	Payee        string `json:"payee"`
	AmountPerSec string `json:"amount_per_sec"`
	Start        uint64 `json:"start"`
}

// NewSnapshotData serializes a core snapshot.
func NewSnapshotData(s *core.SnapshotState) *SnapshotData {
	d := &SnapshotData{
		Sequence:        s.Sequence,
		StateHash:       hex.EncodeToString(s.StateHash[:]),
		Factory:         s.Registry.Address.Hex(),
		FactoryOwner:    s.Registry.Owner.Hex(),
		SequenceState:   s.SequenceState,
		IdempotencyKeys: s.IdempotencyKeys,
		CreatedAt:       time.Now().UTC(),
	}
	for _, t := range s.Tokens {
		ts := TokenSnap{
			Address:  t.Info.Address.Hex(),
			Symbol:   t.Info.Symbol,
			Decimals: t.Info.Decimals,
			Supply:   t.Supply.Dec(),
		}
		for _, h := range t.Balances {
			ts.Balances = append(ts.Balances, HoldSnap{Account: h.Account.Hex(), Amount: h.Amount.Dec()})
		}
		for _, g := range t.Grants {
			ts.Grants = append(ts.Grants, GrantSnap{Owner: g.Owner.Hex(), Spender: g.Spender.Hex(), Amount: g.Amount.Dec()})
		}
		d.Tokens = append(d.Tokens, ts)
	}
	for _, l := range s.Registry.Ledgers {
		ls := LedgerSnap{
			Address:  l.Address.Hex(),
			Token:    l.Token.Hex(),
			Owner:    l.Owner.Hex(),
			LastTime: l.LastTime,
		}
		for _, p := range l.Payers {
			ls.Payers = append(ls.Payers, PayerSnap{
				Address:         p.Address.Hex(),
				Balance:         p.Balance.Dec(),
				TotalPaidPerSec: p.TotalPaidPerSec.Dec(),
				LastUpdate:      p.LastUpdate,
			})
		}
		for _, st := range l.Streams {
			ls.Streams = append(ls.Streams, StreamSnap{
				Payer:        st.Key.Payer.Hex(),
				Payee:        st.Key.Payee.Hex(),
				AmountPerSec: st.Key.AmountPerSec.Dec(),
				Start:        st.Start,
			})
		}
		d.Ledgers = append(d.Ledgers, ls)
	}
	return d
}

// State decodes the snapshot back into core form.
func (d *SnapshotData) State() (*core.SnapshotState, error) {
	p := &snapParser{}
	s := &core.SnapshotState{
		Sequence:        d.Sequence,
		SequenceState:   d.SequenceState,
		IdempotencyKeys: d.IdempotencyKeys,
		Registry: registry.Snapshot{
			Address: p.address(d.Factory),
			Owner:   p.address(d.FactoryOwner),
		},
	}
	hash, err := hex.DecodeString(d.StateHash)
	if err != nil || len(hash) != 32 {
		return nil, fmt.Errorf("snapshot state hash %q is not 32 hex bytes", d.StateHash)
	}
	copy(s.StateHash[:], hash)

	for _, ts := range d.Tokens {
		t := token.TokenSnapshot{
			Info:   token.Info{Address: p.address(ts.Address), Symbol: ts.Symbol, Decimals: ts.Decimals},
			Supply: p.amount(ts.Supply),
		}
		for _, h := range ts.Balances {
			t.Balances = append(t.Balances, token.Holding{Account: p.address(h.Account), Amount: p.amount(h.Amount)})
		}
		for _, g := range ts.Grants {
			t.Grants = append(t.Grants, token.Grant{Owner: p.address(g.Owner), Spender: p.address(g.Spender), Amount: p.amount(g.Amount)})
		}
		s.Tokens = append(s.Tokens, t)
	}
	for _, ls := range d.Ledgers {
		l := ledger.Snapshot{
			Address:  p.address(ls.Address),
			Token:    p.address(ls.Token),
			Owner:    p.address(ls.Owner),
			LastTime: ls.LastTime,
		}
		for _, ps := range ls.Payers {
			rec := ledger.PayerRecord{Address: p.address(ps.Address)}
			rec.Balance.Set(p.amount(ps.Balance))
			rec.TotalPaidPerSec.Set(p.amount(ps.TotalPaidPerSec))
			rec.LastUpdate = ps.LastUpdate
			l.Payers = append(l.Payers, rec)
		}
		for _, ss := range ls.Streams {
			key := ledger.NewStreamKey(p.address(ss.Payer), p.address(ss.Payee), p.amount(ss.AmountPerSec))
			l.Streams = append(l.Streams, ledger.Stream{Key: key, Start: ss.Start})
		}
		s.Registry.Ledgers = append(s.Registry.Ledgers, l)
	}
	if p.err != nil {
		return nil, fmt.Errorf("decode snapshot %d: %w", d.Sequence, p.err)
	}
	return s, nil
}

type snapParser struct {
	err error
}

func (p *snapParser) address(s string) common.Address {
	if !common.IsHexAddress(s) && p.err == nil {
		p.err = fmt.Errorf("%q is not a hex address", s)
	}
	return common.HexToAddress(s)
}

func (p *snapParser) amount(s string) *uint256.Int {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		if p.err == nil {
			p.err = fmt.Errorf("amount %q: %w", s, err)
		}
		return new(uint256.Int)
	}
	return v
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot to Postgres and returns its encoded size.
// Snapshots start unverified; MarkVerified flags them once a replay from
// an earlier point reproduced their hash.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}
	hash, err := hex.DecodeString(snap.StateHash)
	if err != nil {
		return 0, fmt.Errorf("snapshot state hash: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, hash, formatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent snapshot. On warm restart the
// core restores it, then replays commands from its sequence forward. A nil
// snapshot with a nil error means cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, formatVersion)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads up to limit commands from a given sequence for replay.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, partition_key, token, sender, outcome,
		       error_code, reason, payload, state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		var code int64
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Partition, &e.Token, &e.Sender, &e.Outcome,
			&code, &e.Reason, &e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		e.ErrorCode = uint32(code)
		events = append(events, e)
	}

	return events, rows.Err()
}
