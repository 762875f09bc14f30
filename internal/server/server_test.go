package server_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"StreamPay/internal/errors"
	"StreamPay/internal/observability"
	"StreamPay/internal/query"
	"StreamPay/internal/server"
)

var (
	tokenAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	payerAddr = common.HexToAddress("0x0000000000000000000000000000000000000002")
	payeeAddr = common.HexToAddress("0x0000000000000000000000000000000000000003")
)

type fakeQuerier struct {
	lastRate  *uint256.Int
	lastAt    uint64
	lastToken common.Address
}

func (f *fakeQuerier) GetPayContract(_ context.Context, token common.Address) (*query.PayContractResponse, error) {
	if token != tokenAddr {
		return nil, errors.ErrNotFound.Newf("no pay contract for %s", token.Hex())
	}
	return &query.PayContractResponse{Token: token.Hex(), Contract: "0x00000000000000000000000000000000000000cc", Symbol: "TKN", Decimals: 18}, nil
}

func (f *fakeQuerier) ListPayContracts(ctx context.Context) ([]query.PayContractResponse, error) {
	c, _ := f.GetPayContract(ctx, tokenAddr)
	return []query.PayContractResponse{*c}, nil
}

func (f *fakeQuerier) GetPayerBalance(_ context.Context, token, payer common.Address, at uint64) (*query.PayerBalanceResponse, error) {
	f.lastAt = at
	return &query.PayerBalanceResponse{Token: token.Hex(), Payer: payer.Hex(), Balance: "-5", InDebt: true, At: at}, nil
}

func (f *fakeQuerier) Withdrawable(_ context.Context, _, _, _ common.Address, amountPerSec *uint256.Int, at uint64) (*query.WithdrawableResponse, error) {
	f.lastRate = amountPerSec
	f.lastAt = at
	return &query.WithdrawableResponse{WithdrawableAmount: "100", At: at}, nil
}

func (f *fakeQuerier) ListStreams(context.Context, common.Address, common.Address) ([]query.StreamResponse, error) {
	return []query.StreamResponse{{Payer: payerAddr.Hex(), Payee: payeeAddr.Hex(), AmountPerSec: "1"}}, nil
}

func (f *fakeQuerier) GetStreamHistory(_ context.Context, token common.Address, _ common.Hash, limit int, after *int64) ([]query.LedgerLogEntry, error) {
	f.lastToken = token
	var seq int64
	if after != nil {
		seq = *after
	}
	return []query.LedgerLogEntry{{Sequence: seq + 1, LogIndex: limit}}, nil
}

func (f *fakeQuerier) VerifyIntegrity(context.Context) (*query.IntegrityReport, error) {
	return &query.IntegrityReport{IsHealthy: true, AsOfSequence: 7}, nil
}

type fakeSubmitter struct {
	eventType string
	data      []byte
}

func (f *fakeSubmitter) Submit(_ context.Context, eventType string, data []byte) (string, error) {
	if eventType == "Bogus" {
		return "", errors.ErrInvalidArgument.Newf("unknown event type %q", eventType)
	}
	f.eventType = eventType
	f.data = data
	return "key-1", nil
}

type fakeSnapshotter struct{}

func (fakeSnapshotter) TakeSnapshot(context.Context) (int64, int, error) {
	return 42, 1024, nil
}

func newTestServer(t *testing.T) (*server.GRPCServer, *fakeQuerier, *fakeSubmitter) {
	t.Helper()
	q := &fakeQuerier{}
	sub := &fakeSubmitter{}
	srv := server.NewGRPCServer("", "", &server.ServerDeps{
		Query:         q,
		Ingest:        sub,
		Snapshots:     fakeSnapshotter{},
		HealthChecker: observability.NewHealthChecker(),
		Logger:        zerolog.Nop(),
	})
	return srv, q, sub
}

func mustDialBufconn(t *testing.T, srv *server.GRPCServer) *server.Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx, lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return server.NewClient(conn)
}

func TestGRPCGetPayContract(t *testing.T) {
	srv, _, _ := newTestServer(t)
	client := mustDialBufconn(t, srv)

	resp, err := client.GetPayContract(context.Background(), &server.GetPayContractRequest{Token: tokenAddr.Hex()})
	if err != nil {
		t.Fatalf("GetPayContract: %v", err)
	}
	if resp.Symbol != "TKN" || resp.Decimals != 18 {
		t.Errorf("got %+v", resp)
	}
}

func TestGRPCErrorsMapToStatusCodes(t *testing.T) {
	srv, _, _ := newTestServer(t)
	client := mustDialBufconn(t, srv)
	ctx := context.Background()

	_, err := client.GetPayContract(ctx, &server.GetPayContractRequest{Token: payerAddr.Hex()})
	if status.Code(err) != codes.NotFound {
		t.Errorf("unknown token: expected NotFound, got %v", err)
	}

	_, err = client.GetPayContract(ctx, &server.GetPayContractRequest{Token: "not-an-address"})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("bad address: expected InvalidArgument, got %v", err)
	}

	_, err = client.Withdrawable(ctx, &server.WithdrawableRequest{
		Token: tokenAddr.Hex(), Payer: payerAddr.Hex(), Payee: payeeAddr.Hex(), AmountPerSec: "12abc",
	})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("bad rate: expected InvalidArgument, got %v", err)
	}
}

func TestGRPCSubmit(t *testing.T) {
	srv, _, sub := newTestServer(t)
	client := mustDialBufconn(t, srv)

	cmd := json.RawMessage(`{"idempotency_key":"x"}`)
	resp, err := client.Submit(context.Background(), &server.SubmitRequest{EventType: "StreamCreate", Command: cmd})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !resp.Accepted || resp.IdempotencyKey != "key-1" {
		t.Errorf("got %+v", resp)
	}
	if sub.eventType != "StreamCreate" || string(sub.data) != string(cmd) {
		t.Errorf("submitter got %q %s", sub.eventType, sub.data)
	}

	_, err = client.Submit(context.Background(), &server.SubmitRequest{EventType: "StreamCreate"})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("empty command: expected InvalidArgument, got %v", err)
	}
}

func TestGRPCTakeSnapshot(t *testing.T) {
	srv, _, _ := newTestServer(t)
	client := mustDialBufconn(t, srv)

	resp, err := client.TakeSnapshot(context.Background(), &server.TakeSnapshotRequest{})
	if err != nil {
		t.Fatalf("TakeSnapshot: %v", err)
	}
	if resp.Sequence != 42 || resp.SizeBytes != 1024 {
		t.Errorf("got %+v", resp)
	}
}

func mustHandler(t *testing.T, srv *server.GRPCServer) http.Handler {
	t.Helper()
	h, err := srv.Handler()
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	return h
}

func TestGatewayWithdrawable(t *testing.T) {
	srv, q, _ := newTestServer(t)
	h := mustHandler(t, srv)

	path := "/v1/tokens/" + tokenAddr.Hex() + "/streams/" + payerAddr.Hex() + "/" + payeeAddr.Hex() + "/100000000000000000000/withdrawable?at=1700000100"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp query.WithdrawableResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.WithdrawableAmount != "100" {
		t.Errorf("amount = %s", resp.WithdrawableAmount)
	}
	if q.lastRate == nil || q.lastRate.Dec() != "100000000000000000000" {
		t.Errorf("rate = %v", q.lastRate)
	}
	if q.lastAt != 1_700_000_100 {
		t.Errorf("at = %d", q.lastAt)
	}
}

func TestGatewayErrorStatus(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := mustHandler(t, srv)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/pay-contracts/"+payerAddr.Hex(), nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/commands/Bogus", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != codes.InvalidArgument.String() {
		t.Errorf("code = %v", body["code"])
	}
}

func TestGatewayStreamHistoryParams(t *testing.T) {
	srv, q, _ := newTestServer(t)
	h := mustHandler(t, srv)

	id := common.Hash{0x01}.Hex()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tokens/"+tokenAddr.Hex()+"/streams/"+id+"/history?limit=10&after_sequence=5", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp server.GetStreamHistoryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Logs) != 1 || resp.Logs[0].Sequence != 6 || resp.Logs[0].LogIndex != 10 {
		t.Errorf("got %+v", resp.Logs)
	}
	if q.lastToken != tokenAddr {
		t.Errorf("history scoped to %s, want %s", q.lastToken.Hex(), tokenAddr.Hex())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tokens/"+tokenAddr.Hex()+"/streams/0x1234/history", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("short stream id: expected 400, got %d", rec.Code)
	}
}

func TestGatewayHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := mustHandler(t, srv)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz before ready: %d", rec.Code)
	}
}
