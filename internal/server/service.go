package server

import (
	"context"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"google.golang.org/grpc"

	"StreamPay/internal/errors"
	"StreamPay/internal/query"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "streampay.v1.StreamPay"

type SubmitRequest struct {
	EventType string          `json:"event_type"`
	Command   json.RawMessage `json:"command"`
}

type SubmitResponse struct {
	Accepted       bool   `json:"accepted"`
	IdempotencyKey string `json:"idempotency_key"`
}

type GetPayContractRequest struct {
	Token string `json:"token"`
}

type ListPayContractsRequest struct{}

type ListPayContractsResponse struct {
	PayContracts []query.PayContractResponse `json:"pay_contracts"`
}

// GetPayerBalanceRequest evaluates at At, or at the current time when At
// is zero.
type GetPayerBalanceRequest struct {
	Token string `json:"token"`
	Payer string `json:"payer"`
	At    uint64 `json:"at,omitempty"`
}

type WithdrawableRequest struct {
	Token        string `json:"token"`
	Payer        string `json:"payer"`
	Payee        string `json:"payee"`
	AmountPerSec string `json:"amount_per_sec"`
	At           uint64 `json:"at,omitempty"`
}

type ListStreamsRequest struct {
	Token string `json:"token"`
	Payer string `json:"payer"`
}

type ListStreamsResponse struct {
	Streams []query.StreamResponse `json:"streams"`
}

type GetStreamHistoryRequest struct {
	Token         string `json:"token"`
	StreamID      string `json:"stream_id"`
	Limit         int    `json:"limit,omitempty"`
	AfterSequence *int64 `json:"after_sequence,omitempty"`
}

type GetStreamHistoryResponse struct {
	Logs []query.LedgerLogEntry `json:"logs"`
}

type VerifyIntegrityRequest struct{}

type TakeSnapshotRequest struct{}

type TakeSnapshotResponse struct {
	Sequence  int64 `json:"sequence"`
	SizeBytes int   `json:"size_bytes"`
}

// StreamPayServer is the server API of the StreamPay service.
type StreamPayServer interface {
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
	GetPayContract(context.Context, *GetPayContractRequest) (*query.PayContractResponse, error)
	ListPayContracts(context.Context, *ListPayContractsRequest) (*ListPayContractsResponse, error)
	GetPayerBalance(context.Context, *GetPayerBalanceRequest) (*query.PayerBalanceResponse, error)
	Withdrawable(context.Context, *WithdrawableRequest) (*query.WithdrawableResponse, error)
	ListStreams(context.Context, *ListStreamsRequest) (*ListStreamsResponse, error)
	GetStreamHistory(context.Context, *GetStreamHistoryRequest) (*GetStreamHistoryResponse, error)
	VerifyIntegrity(context.Context, *VerifyIntegrityRequest) (*query.IntegrityReport, error)
	TakeSnapshot(context.Context, *TakeSnapshotRequest) (*TakeSnapshotResponse, error)
}

// ServiceDesc describes the StreamPay service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StreamPayServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", StreamPayServer.Submit),
		unary("GetPayContract", StreamPayServer.GetPayContract),
		unary("ListPayContracts", StreamPayServer.ListPayContracts),
		unary("GetPayerBalance", StreamPayServer.GetPayerBalance),
		unary("Withdrawable", StreamPayServer.Withdrawable),
		unary("ListStreams", StreamPayServer.ListStreams),
		unary("GetStreamHistory", StreamPayServer.GetStreamHistory),
		unary("VerifyIntegrity", StreamPayServer.VerifyIntegrity),
		unary("TakeSnapshot", StreamPayServer.TakeSnapshot),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "streampay/v1/streampay.json",
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(StreamPayServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(StreamPayServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(StreamPayServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Client is the client API of the StreamPay service.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := cc.Invoke(ctx, fullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Submit(ctx context.Context, in *SubmitRequest, opts ...grpc.CallOption) (*SubmitResponse, error) {
	return invoke[SubmitResponse](ctx, c.cc, "Submit", in, opts)
}

func (c *Client) GetPayContract(ctx context.Context, in *GetPayContractRequest, opts ...grpc.CallOption) (*query.PayContractResponse, error) {
	return invoke[query.PayContractResponse](ctx, c.cc, "GetPayContract", in, opts)
}

func (c *Client) ListPayContracts(ctx context.Context, in *ListPayContractsRequest, opts ...grpc.CallOption) (*ListPayContractsResponse, error) {
	return invoke[ListPayContractsResponse](ctx, c.cc, "ListPayContracts", in, opts)
}

func (c *Client) GetPayerBalance(ctx context.Context, in *GetPayerBalanceRequest, opts ...grpc.CallOption) (*query.PayerBalanceResponse, error) {
	return invoke[query.PayerBalanceResponse](ctx, c.cc, "GetPayerBalance", in, opts)
}

func (c *Client) Withdrawable(ctx context.Context, in *WithdrawableRequest, opts ...grpc.CallOption) (*query.WithdrawableResponse, error) {
	return invoke[query.WithdrawableResponse](ctx, c.cc, "Withdrawable", in, opts)
}

func (c *Client) ListStreams(ctx context.Context, in *ListStreamsRequest, opts ...grpc.CallOption) (*ListStreamsResponse, error) {
	return invoke[ListStreamsResponse](ctx, c.cc, "ListStreams", in, opts)
}

func (c *Client) GetStreamHistory(ctx context.Context, in *GetStreamHistoryRequest, opts ...grpc.CallOption) (*GetStreamHistoryResponse, error) {
	return invoke[GetStreamHistoryResponse](ctx, c.cc, "GetStreamHistory", in, opts)
}

func (c *Client) VerifyIntegrity(ctx context.Context, in *VerifyIntegrityRequest, opts ...grpc.CallOption) (*query.IntegrityReport, error) {
	return invoke[query.IntegrityReport](ctx, c.cc, "VerifyIntegrity", in, opts)
}

func (c *Client) TakeSnapshot(ctx context.Context, in *TakeSnapshotRequest, opts ...grpc.CallOption) (*TakeSnapshotResponse, error) {
	return invoke[TakeSnapshotResponse](ctx, c.cc, "TakeSnapshot", in, opts)
}

// ============================================================================
// Implementation
// ============================================================================

// Querier reads the projections. It is implemented by query.QueryService.
type Querier interface {
	GetPayContract(ctx context.Context, token common.Address) (*query.PayContractResponse, error)
	ListPayContracts(ctx context.Context) ([]query.PayContractResponse, error)
	GetPayerBalance(ctx context.Context, token, payer common.Address, at uint64) (*query.PayerBalanceResponse, error)
	Withdrawable(ctx context.Context, token, payer, payee common.Address, amountPerSec *uint256.Int, at uint64) (*query.WithdrawableResponse, error)
	ListStreams(ctx context.Context, token, payer common.Address) ([]query.StreamResponse, error)
	GetStreamHistory(ctx context.Context, token common.Address, streamID common.Hash, limit int, afterSequence *int64) ([]query.LedgerLogEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// Submitter queues wire-form commands. It is implemented by
// ingestion.GRPCIngestService.
type Submitter interface {
	Submit(ctx context.Context, eventType string, data []byte) (string, error)
}

// Snapshotter takes a snapshot on the core goroutine and reports the
// sequence it covers and its encoded size.
type Snapshotter interface {
	TakeSnapshot(ctx context.Context) (sequence int64, sizeBytes int, err error)
}

type streamPayService struct {
	query     Querier
	ingest    Submitter
	snapshots Snapshotter
}

func (s *streamPayService) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	if req.EventType == "" {
		return nil, errors.ErrInvalidArgument.New("event_type is required")
	}
	if len(req.Command) == 0 {
		return nil, errors.ErrInvalidArgument.New("command is required")
	}
	key, err := s.ingest.Submit(ctx, req.EventType, req.Command)
	if err != nil {
		return nil, err
	}
	return &SubmitResponse{Accepted: true, IdempotencyKey: key}, nil
}

func (s *streamPayService) GetPayContract(ctx context.Context, req *GetPayContractRequest) (*query.PayContractResponse, error) {
	token, err := parseAddress("token", req.Token)
	if err != nil {
		return nil, err
	}
	return s.query.GetPayContract(ctx, token)
}

func (s *streamPayService) ListPayContracts(ctx context.Context, _ *ListPayContractsRequest) (*ListPayContractsResponse, error) {
	contracts, err := s.query.ListPayContracts(ctx)
	if err != nil {
		return nil, err
	}
	return &ListPayContractsResponse{PayContracts: contracts}, nil
}

func (s *streamPayService) GetPayerBalance(ctx context.Context, req *GetPayerBalanceRequest) (*query.PayerBalanceResponse, error) {
	token, err := parseAddress("token", req.Token)
	if err != nil {
		return nil, err
	}
	payer, err := parseAddress("payer", req.Payer)
	if err != nil {
		return nil, err
	}
	return s.query.GetPayerBalance(ctx, token, payer, req.At)
}

func (s *streamPayService) Withdrawable(ctx context.Context, req *WithdrawableRequest) (*query.WithdrawableResponse, error) {
	token, err := parseAddress("token", req.Token)
	if err != nil {
		return nil, err
	}
	payer, err := parseAddress("payer", req.Payer)
	if err != nil {
		return nil, err
	}
	payee, err := parseAddress("payee", req.Payee)
	if err != nil {
		return nil, err
	}
	rate, err := uint256.FromDecimal(req.AmountPerSec)
	if err != nil {
		return nil, errors.ErrInvalidArgument.Newf("amount_per_sec %q: %v", req.AmountPerSec, err)
	}
	return s.query.Withdrawable(ctx, token, payer, payee, rate, req.At)
}

func (s *streamPayService) ListStreams(ctx context.Context, req *ListStreamsRequest) (*ListStreamsResponse, error) {
	token, err := parseAddress("token", req.Token)
	if err != nil {
		return nil, err
	}
	payer, err := parseAddress("payer", req.Payer)
	if err != nil {
		return nil, err
	}
	streams, err := s.query.ListStreams(ctx, token, payer)
	if err != nil {
		return nil, err
	}
	return &ListStreamsResponse{Streams: streams}, nil
}

func (s *streamPayService) GetStreamHistory(ctx context.Context, req *GetStreamHistoryRequest) (*GetStreamHistoryResponse, error) {
	token, err := parseAddress("token", req.Token)
	if err != nil {
		return nil, err
	}
	raw := common.FromHex(req.StreamID)
	if len(raw) != common.HashLength {
		return nil, errors.ErrInvalidArgument.Newf("stream_id %q is not a 32-byte hex value", req.StreamID)
	}
	limit := req.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	logs, err := s.query.GetStreamHistory(ctx, token, common.BytesToHash(raw), limit, req.AfterSequence)
	if err != nil {
		return nil, err
	}
	return &GetStreamHistoryResponse{Logs: logs}, nil
}

func (s *streamPayService) VerifyIntegrity(ctx context.Context, _ *VerifyIntegrityRequest) (*query.IntegrityReport, error) {
	return s.query.VerifyIntegrity(ctx)
}

func (s *streamPayService) TakeSnapshot(ctx context.Context, _ *TakeSnapshotRequest) (*TakeSnapshotResponse, error) {
	if s.snapshots == nil {
		return nil, errors.ErrInvalidState.New("snapshots are not enabled")
	}
	seq, size, err := s.snapshots.TakeSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &TakeSnapshotResponse{Sequence: seq, SizeBytes: size}, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, errors.ErrInvalidArgument.Newf("%s %q is not an address", field, s)
	}
	return common.HexToAddress(s), nil
}
