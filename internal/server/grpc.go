package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	googleuuid "github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"StreamPay/internal/errors"
	"StreamPay/internal/observability"
)

// requestIDHeader carries the caller's request id. One is generated when
// absent.
const requestIDHeader = "x-request-id"

// GRPCServer wraps the gRPC server and the HTTP gateway mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	service       *streamPayService
	healthChecker *observability.HealthChecker
	logger        zerolog.Logger
}

// ServerDeps holds all dependencies needed by the StreamPay service.
type ServerDeps struct {
	Query         Querier
	Ingest        Submitter
	Snapshots     Snapshotter
	HealthChecker *observability.HealthChecker
	Logger        zerolog.Logger
}

// NewGRPCServer creates a gRPC server with the StreamPay, health and
// reflection services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	s := &GRPCServer{
		grpcAddr: grpcAddr,
		httpAddr: httpAddr,
		service: &streamPayService{
			query:     deps.Query,
			ingest:    deps.Ingest,
			snapshots: deps.Snapshots,
		},
		healthChecker: deps.HealthChecker,
		logger:        deps.Logger,
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logRequests, statusInterceptor))
	s.grpcServer.RegisterService(&ServiceDesc, s.service)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(s.grpcServer)

	return s
}

// Server returns the underlying grpc.Server.
func (s *GRPCServer) Server() *grpc.Server {
	return s.grpcServer
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves gRPC on lis until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway starts the HTTP/JSON gateway (blocking). Gateway routes
// call the same service implementation the gRPC server does.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Handler builds the HTTP handler: the gateway routes plus /healthz and
// /readyz.
func (s *GRPCServer) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()
	if err := s.registerRoutes(mux); err != nil {
		return nil, fmt.Errorf("register gateway routes: %w", err)
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

type routeFunc func(r *http.Request, params map[string]string) (any, error)

func (s *GRPCServer) registerRoutes(mux *runtime.ServeMux) error {
	svc := s.service
	routes := []struct {
		method  string
		pattern string
		call    routeFunc
	}{
		{"POST", "/v1/commands/{event_type}", func(r *http.Request, p map[string]string) (any, error) {
			body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
			if err != nil {
				return nil, errors.Wrap(errors.ErrInvalidArgument, err.Error())
			}
			return svc.Submit(r.Context(), &SubmitRequest{EventType: p["event_type"], Command: body})
		}},
		{"GET", "/v1/pay-contracts", func(r *http.Request, _ map[string]string) (any, error) {
			return svc.ListPayContracts(r.Context(), &ListPayContractsRequest{})
		}},
		{"GET", "/v1/pay-contracts/{token}", func(r *http.Request, p map[string]string) (any, error) {
			return svc.GetPayContract(r.Context(), &GetPayContractRequest{Token: p["token"]})
		}},
		{"GET", "/v1/tokens/{token}/payers/{payer}/balance", func(r *http.Request, p map[string]string) (any, error) {
			at, err := uintParam(r, "at")
			if err != nil {
				return nil, err
			}
			return svc.GetPayerBalance(r.Context(), &GetPayerBalanceRequest{Token: p["token"], Payer: p["payer"], At: at})
		}},
		{"GET", "/v1/tokens/{token}/payers/{payer}/streams", func(r *http.Request, p map[string]string) (any, error) {
			return svc.ListStreams(r.Context(), &ListStreamsRequest{Token: p["token"], Payer: p["payer"]})
		}},
		{"GET", "/v1/tokens/{token}/streams/{payer}/{payee}/{amount_per_sec}/withdrawable", func(r *http.Request, p map[string]string) (any, error) {
			at, err := uintParam(r, "at")
			if err != nil {
				return nil, err
			}
			return svc.Withdrawable(r.Context(), &WithdrawableRequest{
				Token:        p["token"],
				Payer:        p["payer"],
				Payee:        p["payee"],
				AmountPerSec: p["amount_per_sec"],
				At:           at,
			})
		}},
		{"GET", "/v1/tokens/{token}/streams/{stream_id}/history", func(r *http.Request, p map[string]string) (any, error) {
			req := &GetStreamHistoryRequest{Token: p["token"], StreamID: p["stream_id"]}
			if v := r.URL.Query().Get("limit"); v != "" {
				limit, err := strconv.Atoi(v)
				if err != nil {
					return nil, errors.ErrInvalidArgument.Newf("limit %q", v)
				}
				req.Limit = limit
			}
			if v := r.URL.Query().Get("after_sequence"); v != "" {
				after, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					return nil, errors.ErrInvalidArgument.Newf("after_sequence %q", v)
				}
				req.AfterSequence = &after
			}
			return svc.GetStreamHistory(r.Context(), req)
		}},
		{"GET", "/v1/admin/integrity", func(r *http.Request, _ map[string]string) (any, error) {
			return svc.VerifyIntegrity(r.Context(), &VerifyIntegrityRequest{})
		}},
		{"POST", "/v1/admin/snapshots", func(r *http.Request, _ map[string]string) (any, error) {
			return svc.TakeSnapshot(r.Context(), &TakeSnapshotRequest{})
		}},
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, s.handle(rt.call)); err != nil {
			return fmt.Errorf("%s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

func (s *GRPCServer) handle(call routeFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		resp, err := call(r, params)
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			code := errors.GRPCCode(err)
			s.logger.Debug().Err(err).Str("path", r.URL.Path).Str("code", code.String()).Msg("gateway request failed")
			w.WriteHeader(runtime.HTTPStatusFromCode(code))
			json.NewEncoder(w).Encode(map[string]any{
				"code":       code.String(),
				"error_code": errors.Code(err),
				"message":    err.Error(),
			})
			return
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func uintParam(r *http.Request, name string) (uint64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, errors.ErrInvalidArgument.Newf("%s %q", name, v)
	}
	return n, nil
}

// statusInterceptor converts registered errors into gRPC statuses.
func statusInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	if err == nil {
		return resp, nil
	}
	if _, ok := status.FromError(err); ok {
		return nil, err
	}
	return nil, status.Error(errors.GRPCCode(err), err.Error())
}

func (s *GRPCServer) logRequests(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	requestID := ""
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(requestIDHeader); len(ids) > 0 {
			requestID = ids[0]
		}
	}
	if requestID == "" {
		requestID = googleuuid.NewString()
	}
	grpc.SetHeader(ctx, metadata.Pairs(requestIDHeader, requestID))

	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.Debug().
		Str("method", info.FullMethod).
		Str("request_id", requestID).
		Str("code", status.Code(err).String()).
		Dur("duration", time.Since(start)).
		Msg("rpc")
	return resp, err
}
