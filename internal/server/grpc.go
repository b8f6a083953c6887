package server

import (
	"PerpVault/internal/ingestion"
	"PerpVault/internal/observability"
	"PerpVault/internal/query"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "perpvault.v1.VaultService"

// JSONCodecName is the content-subtype of the JSON codec. Clients select it with
// grpc.CallContentSubtype(JSONCodecName).
const JSONCodecName = "json"

// jsonCodec carries the plain Go message structs as JSON on the gRPC wire.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return JSONCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// GRPCServer wraps the gRPC server and the HTTP gateway.
type GRPCServer struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
	api        *VaultAPI
	deps       *ServerDeps
	log        zerolog.Logger
}

// ServerDeps holds all dependencies needed by the gRPC services.
type ServerDeps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	CachedReader  *query.CachedReader
	IngestService *ingestion.GRPCIngestService
	Views         ViewSource
	HealthChecker *observability.HealthChecker
	Hub           *EventHub
	Gatherer      prometheus.Gatherer
	Log           zerolog.Logger
}

// VaultServiceServer is the server API of perpvault.v1.VaultService.
type VaultServiceServer interface {
	InjectCommand(context.Context, *InjectCommandRequest) (*InjectCommandResponse, error)
	GetPool(context.Context, *TokenRequest) (*query.PoolResponse, error)
	GetPools(context.Context, *Empty) (*PoolsResponse, error)
	GetPosition(context.Context, *PositionRequest) (*query.PositionResponse, error)
	ValidateLiquidation(context.Context, *PositionRequest) (*query.LiquidationCheck, error)
	GetGlobalShort(context.Context, *TokenRequest) (*query.GlobalShortResponse, error)
	GetAum(context.Context, *Empty) (*query.AumResponse, error)
	ListPositions(context.Context, *AccountRequest) (*PositionsResponse, error)
	GetBalance(context.Context, *AccountRequest) (*query.BalanceResponse, error)
	GetVaultBalances(context.Context, *TokenRequest) (*query.VaultBalances, error)
	ListLiquidations(context.Context, *AccountRequest) (*LiquidationsResponse, error)
	ListJournals(context.Context, *AccountRequest) (*JournalsResponse, error)
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
	RebuildProjections(context.Context, *Empty) (*RebuildResponse, error)
}

// VaultServiceDesc describes the service for grpc.Server.RegisterService.
var VaultServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*VaultServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("InjectCommand", VaultServiceServer.InjectCommand),
		unary("GetPool", VaultServiceServer.GetPool),
		unary("GetPools", VaultServiceServer.GetPools),
		unary("GetPosition", VaultServiceServer.GetPosition),
		unary("ValidateLiquidation", VaultServiceServer.ValidateLiquidation),
		unary("GetGlobalShort", VaultServiceServer.GetGlobalShort),
		unary("GetAum", VaultServiceServer.GetAum),
		unary("ListPositions", VaultServiceServer.ListPositions),
		unary("GetBalance", VaultServiceServer.GetBalance),
		unary("GetVaultBalances", VaultServiceServer.GetVaultBalances),
		unary("ListLiquidations", VaultServiceServer.ListLiquidations),
		unary("ListJournals", VaultServiceServer.ListJournals),
		unary("VerifyIntegrity", VaultServiceServer.VerifyIntegrity),
		unary("RebuildProjections", VaultServiceServer.RebuildProjections),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "perpvault/v1/vault.proto",
}

// unary adapts a typed method to a grpc.MethodDesc.
func unary[Req, Resp any](name string, call func(VaultServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(VaultServiceServer), ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
				return call(srv.(VaultServiceServer), ctx, r.(*Req))
			})
		},
	}
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	log := deps.Log.With().Str("component", "server").Logger()
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(log)))

	api := NewVaultAPI(deps)
	grpcServer.RegisterService(&VaultServiceDesc, api)

	// Health check
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return &GRPCServer{
		grpcServer: grpcServer,
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		api:        api,
		deps:       deps,
		log:        log,
	}
}

// Server exposes the underlying grpc.Server, e.g. for serving on a custom listener.
func (s *GRPCServer) Server() *grpc.Server {
	return s.grpcServer
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP/JSON gateway, health, metrics and the event
// websocket (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := NewHTTPHandler(s.api, s.deps)
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func loggingInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		ev := log.Debug()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).Dur("duration", time.Since(start)).Msg("rpc")
		return resp, err
	}
}
