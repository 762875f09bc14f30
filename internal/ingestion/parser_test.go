package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"StreamPay/internal/core"
	"StreamPay/internal/event"
	"StreamPay/internal/ingestion"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func basePayload() map[string]interface{} {
	return map[string]interface{}{
		"request_id":   "550e8400-e29b-41d4-a716-446655440000",
		"sender":       "0x0000000000000000000000000000000000000002",
		"token":        "0x00000000000000000000000000000000000000aa",
		"sequence":     int64(7),
		"timestamp_us": int64(1700000000000000),
	}
}

func TestParseDepositAndCreate(t *testing.T) {
	payload := basePayload()
	payload["amount"] = "1000000000000000000000"
	payload["payee"] = "0x0000000000000000000000000000000000000003"
	payload["amount_per_sec"] = "385802469135802469"

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "DepositAndCreate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	dc, ok := evt.(*event.DepositAndCreate)
	if !ok {
		t.Fatalf("expected *event.DepositAndCreate, got %T", evt)
	}
	if dc.Sender != common.HexToAddress("0x02") {
		t.Errorf("sender: got %s", dc.Sender.Hex())
	}
	if dc.Payee != common.HexToAddress("0x03") {
		t.Errorf("payee: got %s", dc.Payee.Hex())
	}
	if dc.Amount.Dec() != "1000000000000000000000" {
		t.Errorf("amount: got %s", dc.Amount.Dec())
	}
	if dc.AmountPerSec.Dec() != "385802469135802469" {
		t.Errorf("amount_per_sec: got %s", dc.AmountPerSec.Dec())
	}
	if dc.SourceSequence() != 7 {
		t.Errorf("sequence: got %d, want 7", dc.SourceSequence())
	}
	if dc.Unix() != 1_700_000_000 {
		t.Errorf("unix: got %d, want 1700000000", dc.Unix())
	}
	if dc.IdempotencyKey() != "550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("idempotency key: got %s", dc.IdempotencyKey())
	}
	if dc.Partition() != "token:0x00000000000000000000000000000000000000aa" {
		t.Errorf("partition: got %s", dc.Partition())
	}
}

func TestParseStreamModify(t *testing.T) {
	payload := basePayload()
	payload["old_payee"] = "0x0000000000000000000000000000000000000003"
	payload["old_amount_per_sec"] = "100"
	payload["payee"] = "0x0000000000000000000000000000000000000004"
	payload["amount_per_sec"] = "200"

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "StreamModify")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	sm, ok := evt.(*event.StreamModify)
	if !ok {
		t.Fatalf("expected *event.StreamModify, got %T", evt)
	}
	if sm.OldAmountPerSec.Uint64() != 100 || sm.AmountPerSec.Uint64() != 200 {
		t.Errorf("rates: got %s -> %s", sm.OldAmountPerSec.Dec(), sm.AmountPerSec.Dec())
	}
	if sm.EventType() != event.EventTypeStreamModify {
		t.Errorf("event type: got %v", sm.EventType())
	}
}

func TestParseTokenRegistered_RequiresDecimals(t *testing.T) {
	payload := basePayload()
	payload["symbol"] = "USDC"

	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "TokenRegistered"); err == nil {
		t.Fatal("expected error for missing decimals")
	}

	payload["decimals"] = 6
	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "TokenRegistered")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if tr := evt.(*event.TokenRegistered); tr.Decimals != 6 || tr.Symbol != "USDC" {
		t.Errorf("got %s with %d decimals", tr.Symbol, tr.Decimals)
	}
}

func TestParseUnknownEventType_Fails(t *testing.T) {
	raw := ingestion.RawEvent{Data: []byte(`{}`)}
	_, err := ingestion.ParseRawEvent(raw, "NonExistentType")
	if err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	raw := ingestion.RawEvent{Data: []byte(`{invalid json`)}
	_, err := ingestion.ParseRawEvent(raw, "Deposit")
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseInvalidFields_Fail(t *testing.T) {
	cases := map[string]func(map[string]interface{}){
		"bad uuid":         func(p map[string]interface{}) { p["request_id"] = "not-a-uuid" },
		"bad sender":       func(p map[string]interface{}) { p["sender"] = "alice" },
		"zero timestamp":   func(p map[string]interface{}) { p["timestamp_us"] = 0 },
		"negative seq":     func(p map[string]interface{}) { p["sequence"] = -1 },
		"negative amount":  func(p map[string]interface{}) { p["amount"] = "-5" },
		"missing amount":   func(p map[string]interface{}) { delete(p, "amount") },
		"amount too large": func(p map[string]interface{}) { p["amount"] = "115792089237316195423570985008687907853269984665640564039457584007913129639936" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			payload := basePayload()
			payload["amount"] = "10"
			mutate(payload)
			if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "Deposit"); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

func TestParseRoundTrip_MatchesMarshal(t *testing.T) {
	payload := basePayload()
	payload["payer"] = "0x0000000000000000000000000000000000000002"
	payload["payee"] = "0x0000000000000000000000000000000000000003"
	payload["amount_per_sec"] = "42"

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "StreamWithdraw")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	data, err := event.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	again, err := event.Unmarshal(event.EventTypeStreamWithdraw, data)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	a, b := evt.(*event.StreamWithdraw), again.(*event.StreamWithdraw)
	if a.Payer != b.Payer || a.Payee != b.Payee || !a.AmountPerSec.Eq(b.AmountPerSec) || a.Unix() != b.Unix() {
		t.Errorf("round trip changed the command: %+v vs %+v", a, b)
	}
}

func TestParseSubject(t *testing.T) {
	cases := map[string]event.EventType{
		"streampay.commands.Deposit.0xaa":          event.EventTypeDeposit,
		"streampay.commands.DepositAndCreate.0xaa": event.EventTypeDepositAndCreate,
		"streampay.commands.PayerWithdraw.0xaa":    event.EventTypePayerWithdraw,
		"streampay.commands.PayerWithdrawAll.0xaa": event.EventTypePayerWithdrawAll,
	}
	for subject, want := range cases {
		got, token, ok := ingestion.ParseSubject(subject)
		if !ok || got != want || token != "0xaa" {
			t.Errorf("%s: got %s %q %v", subject, got, token, ok)
		}
	}
	for _, subject := range []string{"other.subject", "streampay.commands.Bogus.0xaa", "streampay.commands."} {
		if _, _, ok := ingestion.ParseSubject(subject); ok {
			t.Errorf("%s should not resolve", subject)
		}
	}
}

func TestCommandSubject_RoundTrips(t *testing.T) {
	subject := ingestion.CommandSubject(event.EventTypeStreamCancel, "0xAA")
	if subject != "streampay.commands.StreamCancel.0xaa" {
		t.Errorf("subject: got %s", subject)
	}
	got, token, ok := ingestion.ParseSubject(subject)
	if !ok || got != event.EventTypeStreamCancel || token != "0xaa" {
		t.Errorf("parsed to %s %q", got, token)
	}
}

func TestNewPublishableEvent_RejectedCarriesReason(t *testing.T) {
	out := core.CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       9,
			EventType:      event.EventTypeDeposit,
			IdempotencyKey: "k",
			Payload:        []byte(`{"amount":"1"}`),
		},
		Outcome:   core.OutcomeRejected,
		ErrorCode: 6,
		Reason:    "insufficient funds",
	}
	pe := ingestion.NewPublishableEvent(out)
	if pe.Outcome != "rejected" || pe.ErrorCode != 6 || pe.Reason != "insufficient funds" {
		t.Errorf("unexpected outbound event: %+v", pe)
	}
	if pe.EventType != "Deposit" || pe.Sequence != 9 {
		t.Errorf("unexpected routing: %+v", pe)
	}
	if len(pe.Logs) != 0 {
		t.Errorf("rejected command should carry no logs")
	}
}
