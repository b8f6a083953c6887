package server

import (
	"PerpVault/internal/core"
	"PerpVault/internal/ingestion"
	"PerpVault/internal/projection"
	"PerpVault/internal/query"
	"PerpVault/internal/state"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ============================================================================
// Request / response messages
// ============================================================================

type TokenRequest struct {
	Token string `json:"token"`
}

type PositionRequest struct {
	Account         string `json:"account"`
	CollateralToken string `json:"collateral_token"`
	IndexToken      string `json:"index_token"`
	IsLong          bool   `json:"is_long"`
}

func (r *PositionRequest) key() (state.PositionKey, error) {
	if r.Account == "" || r.CollateralToken == "" || r.IndexToken == "" {
		return state.PositionKey{}, status.Error(codes.InvalidArgument, "account, collateral_token and index_token are required")
	}
	return state.PositionKey{
		Account:         r.Account,
		CollateralToken: r.CollateralToken,
		IndexToken:      r.IndexToken,
		IsLong:          r.IsLong,
	}, nil
}

type AccountRequest struct {
	Account       string `json:"account"`
	Asset         string `json:"asset,omitempty"`
	PageSize      int    `json:"page_size,omitempty"`
	AfterSequence int64  `json:"after_sequence,omitempty"`
}

type InjectCommandRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type InjectCommandResponse struct {
	Accepted       bool   `json:"accepted"`
	IdempotencyKey string `json:"idempotency_key"`
}

type Empty struct{}

type PoolsResponse struct {
	Pools []query.PoolResponse `json:"pools"`
}

type PositionsResponse struct {
	Positions []query.PositionResponse `json:"positions"`
}

type LiquidationsResponse struct {
	Liquidations []query.LiquidationResponse `json:"liquidations"`
}

type JournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

type RebuildResponse struct {
	Started      bool  `json:"started"`
	AsOfSequence int64 `json:"as_of_sequence"`
}

// ============================================================================
// VaultAPI: the handlers shared by the gRPC service and the HTTP gateway
// ============================================================================

// Reader is the subset of query reads that may be served from the Redis cache.
type Reader interface {
	GetPositions(ctx context.Context, account string) ([]query.PositionResponse, error)
	GetBalance(ctx context.Context, account, asset string) (*query.BalanceResponse, error)
	GetLiquidationHistory(ctx context.Context, account string, limit int) ([]query.LiquidationResponse, error)
}

// ViewSource exposes the core's full state for projection rebuilds.
type ViewSource interface {
	FullView() (int64, *core.StateView)
}

// VaultAPI implements VaultServiceServer. Errors are gRPC statuses.
type VaultAPI struct {
	qs     *query.QueryService
	reader Reader
	ingest *ingestion.GRPCIngestService
	db     *sql.DB
	views  ViewSource
	log    zerolog.Logger
}

// NewVaultAPI builds the API. Without a CachedReader projection reads go to Postgres.
func NewVaultAPI(deps *ServerDeps) *VaultAPI {
	api := &VaultAPI{
		qs:     deps.QueryService,
		ingest: deps.IngestService,
		db:     deps.DB,
		views:  deps.Views,
		log:    deps.Log,
	}
	api.reader = deps.QueryService
	if deps.CachedReader != nil {
		api.reader = deps.CachedReader
	}
	return api
}

// --- Ingest ---

func (a *VaultAPI) InjectCommand(ctx context.Context, req *InjectCommandRequest) (*InjectCommandResponse, error) {
	if a.ingest == nil {
		return nil, status.Error(codes.Unimplemented, "command injection is disabled")
	}
	if req.EventType == "" || len(req.Payload) == 0 {
		return nil, status.Error(codes.InvalidArgument, "event_type and payload are required")
	}
	key, err := a.ingest.Inject(ctx, req.EventType, req.Payload)
	if err != nil {
		return nil, toStatus(err, codes.InvalidArgument)
	}
	a.log.Info().Str("event_type", req.EventType).Str("idempotency_key", key).Msg("command injected")
	return &InjectCommandResponse{Accepted: true, IdempotencyKey: key}, nil
}

// --- Live vault ---

func (a *VaultAPI) GetPool(ctx context.Context, req *TokenRequest) (*query.PoolResponse, error) {
	if req.Token == "" {
		return nil, status.Error(codes.InvalidArgument, "token is required")
	}
	resp, err := a.qs.GetPool(ctx, req.Token)
	return resp, toStatus(err, codes.Internal)
}

func (a *VaultAPI) GetPools(ctx context.Context, _ *Empty) (*PoolsResponse, error) {
	pools, err := a.qs.GetPools(ctx)
	if err != nil {
		return nil, toStatus(err, codes.Internal)
	}
	return &PoolsResponse{Pools: pools}, nil
}

func (a *VaultAPI) GetPosition(ctx context.Context, req *PositionRequest) (*query.PositionResponse, error) {
	key, err := req.key()
	if err != nil {
		return nil, err
	}
	resp, err := a.qs.GetPosition(ctx, key)
	return resp, toStatus(err, codes.Internal)
}

func (a *VaultAPI) ValidateLiquidation(ctx context.Context, req *PositionRequest) (*query.LiquidationCheck, error) {
	key, err := req.key()
	if err != nil {
		return nil, err
	}
	resp, err := a.qs.ValidateLiquidation(ctx, key)
	return resp, toStatus(err, codes.Internal)
}

func (a *VaultAPI) GetGlobalShort(ctx context.Context, req *TokenRequest) (*query.GlobalShortResponse, error) {
	if req.Token == "" {
		return nil, status.Error(codes.InvalidArgument, "token is required")
	}
	resp, err := a.qs.GetGlobalShort(ctx, req.Token)
	return resp, toStatus(err, codes.Internal)
}

func (a *VaultAPI) GetAum(ctx context.Context, _ *Empty) (*query.AumResponse, error) {
	resp, err := a.qs.GetAum(ctx)
	return resp, toStatus(err, codes.Internal)
}

// --- Projections ---

func (a *VaultAPI) ListPositions(ctx context.Context, req *AccountRequest) (*PositionsResponse, error) {
	if req.Account == "" {
		return nil, status.Error(codes.InvalidArgument, "account is required")
	}
	positions, err := a.reader.GetPositions(ctx, req.Account)
	if err != nil {
		return nil, toStatus(err, codes.Internal)
	}
	return &PositionsResponse{Positions: positions}, nil
}

func (a *VaultAPI) GetBalance(ctx context.Context, req *AccountRequest) (*query.BalanceResponse, error) {
	if req.Account == "" || req.Asset == "" {
		return nil, status.Error(codes.InvalidArgument, "account and asset are required")
	}
	resp, err := a.reader.GetBalance(ctx, req.Account, req.Asset)
	return resp, toStatus(err, codes.Internal)
}

func (a *VaultAPI) GetVaultBalances(ctx context.Context, req *TokenRequest) (*query.VaultBalances, error) {
	if req.Token == "" {
		return nil, status.Error(codes.InvalidArgument, "token is required")
	}
	resp, err := a.qs.GetVaultBalances(ctx, req.Token)
	return resp, toStatus(err, codes.Internal)
}

func (a *VaultAPI) ListLiquidations(ctx context.Context, req *AccountRequest) (*LiquidationsResponse, error) {
	if req.Account == "" {
		return nil, status.Error(codes.InvalidArgument, "account is required")
	}
	liqs, err := a.reader.GetLiquidationHistory(ctx, req.Account, clampPageSize(req.PageSize, 50, 100))
	if err != nil {
		return nil, toStatus(err, codes.Internal)
	}
	return &LiquidationsResponse{Liquidations: liqs}, nil
}

func (a *VaultAPI) ListJournals(ctx context.Context, req *AccountRequest) (*JournalsResponse, error) {
	if req.Account == "" {
		return nil, status.Error(codes.InvalidArgument, "account is required")
	}
	var after *int64
	if req.AfterSequence > 0 {
		after = &req.AfterSequence
	}
	entries, err := a.qs.GetJournalHistory(ctx, req.Account, clampPageSize(req.PageSize, 100, 500), after)
	if err != nil {
		return nil, toStatus(err, codes.Internal)
	}
	return &JournalsResponse{Journals: entries}, nil
}

// --- Admin ---

func (a *VaultAPI) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	report, err := a.qs.VerifyIntegrity(ctx)
	return report, toStatus(err, codes.Internal)
}

// RebuildProjections reseeds the projection tables from the core's current state.
func (a *VaultAPI) RebuildProjections(ctx context.Context, _ *Empty) (*RebuildResponse, error) {
	if a.db == nil || a.views == nil {
		return nil, status.Error(codes.Unimplemented, "projection rebuild is disabled")
	}
	seq, view := a.views.FullView()
	if err := projection.RebuildProjections(ctx, a.db, seq, view, a.log); err != nil {
		return nil, status.Errorf(codes.Internal, "rebuild failed: %v", err)
	}
	return &RebuildResponse{Started: true, AsOfSequence: seq}, nil
}

// ============================================================================
// Helpers
// ============================================================================

// toStatus maps domain errors to gRPC statuses; fallback covers the rest.
func toStatus(err error, fallback codes.Code) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, query.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ingestion.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(fallback, err.Error())
}

func clampPageSize(n, def, max int) int {
	if n <= 0 || n > max {
		return def
	}
	return n
}

func parseSide(side string) (bool, error) {
	switch side {
	case "long":
		return true, nil
	case "short":
		return false, nil
	}
	return false, status.Error(codes.InvalidArgument, fmt.Sprintf("side must be long or short, got %q", side))
}
