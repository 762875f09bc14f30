package persistence_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"StreamPay/internal/event"
	"StreamPay/internal/persistence"
)

func TestSnapshotData_RoundTripRestoresCore(t *testing.T) {
	c, _ := newCore()
	mustProcess(t, c, streamingCommands()...)

	data := persistence.NewSnapshotData(c.CreateSnapshotState())
	require.Equal(t, int64(7), data.Sequence)
	require.Len(t, data.Tokens, 1)
	require.Len(t, data.Ledgers, 1)
	require.Len(t, data.Ledgers[0].Streams, 1)
	require.Len(t, data.IdempotencyKeys, 6)

	raw, err := json.Marshal(data)
	require.NoError(t, err)
	var decoded persistence.SnapshotData
	require.NoError(t, json.Unmarshal(raw, &decoded))

	state, err := decoded.State()
	require.NoError(t, err)
	require.Equal(t, c.GetStateHash(), state.StateHash)

	// Re-encoding the decoded state gives the same snapshot.
	again := persistence.NewSnapshotData(state)
	again.CreatedAt = data.CreatedAt
	require.Equal(t, data, again)

	restored, _ := newCore()
	require.NoError(t, restored.RestoreFromSnapshot(state))
	require.Equal(t, c.GetSequence(), restored.GetSequence())

	// Both cores must hash the next command identically.
	next := &event.StreamWithdraw{Header: header(payeeAddr, t0+50), Payer: payerAddr, Payee: payeeAddr, AmountPerSec: rate}
	mustProcess(t, c, next)
	mustProcess(t, restored, next)
	require.Equal(t, c.GetStateHash(), restored.GetStateHash())

	l, err := restored.Factory().Ledger(tokenAddr)
	require.NoError(t, err)
	require.Equal(t, 1, l.StreamCount())
}

func TestSnapshotData_StateRejectsCorruption(t *testing.T) {
	c, _ := newCore()
	mustProcess(t, c, streamingCommands()...)

	cases := map[string]func(d *persistence.SnapshotData){
		"short hash": func(d *persistence.SnapshotData) { d.StateHash = "abcd" },
		"bad address": func(d *persistence.SnapshotData) {
			d.Tokens[0].Balances[0].Account = "0xnothex"
		},
		"bad amount": func(d *persistence.SnapshotData) {
			d.Ledgers[0].Payers[0].Balance = "12abc"
		},
	}
	for name, corrupt := range cases {
		t.Run(name, func(t *testing.T) {
			d := persistence.NewSnapshotData(c.CreateSnapshotState())
			corrupt(d)
			_, err := d.State()
			require.Error(t, err)
		})
	}
}

func TestNewBatch(t *testing.T) {
	c, persistChan := newCore()
	mustProcess(t, c, streamingCommands()...)
	outputs := drain(persistChan)
	require.Len(t, outputs, 6)

	created := persistence.NewBatch(outputs[4])
	require.Equal(t, int64(5), created.EventRow.Sequence)
	require.Equal(t, "DepositAndCreate", created.EventRow.EventType)
	require.Equal(t, "applied", created.EventRow.Outcome)
	require.Equal(t, "token:0x00000000000000000000000000000000000000aa", created.EventRow.Partition)
	require.Equal(t, time.Unix(t0+10, 0), created.EventRow.Timestamp)
	require.Len(t, created.EventRow.StateHash, 32)
	require.Len(t, created.LogRows, 2)
	require.Equal(t, "PayerDeposit", created.LogRows[0].Kind)
	require.Equal(t, "StreamCreated", created.LogRows[1].Kind)
	require.Equal(t, 1, created.LogRows[1].LogIndex)
	require.Equal(t, rate.Dec(), created.LogRows[1].AmountPerSec)
	require.Equal(t, int64(t0+10), created.LogRows[1].LedgerTime)

	// Each row's prev hash is the previous row's state hash.
	prev := persistence.NewBatch(outputs[3])
	require.Equal(t, prev.EventRow.StateHash, created.EventRow.PrevHash)

	rejected := persistence.NewBatch(outputs[5])
	require.Equal(t, "rejected", rejected.EventRow.Outcome)
	require.Equal(t, uint32(3), rejected.EventRow.ErrorCode)
	require.NotEmpty(t, rejected.EventRow.Reason)
	require.Empty(t, rejected.LogRows)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(rejected.EventRow.Payload, &wire))
	require.Equal(t, uint256.NewInt(1).Dec(), wire["amount_per_sec"])
}
