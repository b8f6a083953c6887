package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// maxCommandBody bounds injected command payloads.
const maxCommandBody = 1 << 20

// NewHTTPHandler builds the HTTP surface: the /v1 JSON gateway over VaultAPI,
// /healthz and /readyz, /metrics and the /ws event stream.
func NewHTTPHandler(api *VaultAPI, deps *ServerDeps) (http.Handler, error) {
	gw := runtime.NewServeMux()
	if err := registerGateway(gw, api); err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if deps.HealthChecker != nil {
		r.Get("/healthz", deps.HealthChecker.LivenessHandler)
		r.Get("/readyz", deps.HealthChecker.ReadinessHandler)
	} else {
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if deps.Hub != nil {
		r.Get("/ws", deps.Hub.HandleWS)
	}

	r.Handle("/v1/*", gw)
	return r, nil
}

type route struct {
	method, pattern string
	handler         runtime.HandlerFunc
}

func registerGateway(mux *runtime.ServeMux, api *VaultAPI) error {
	positionReq := func(p map[string]string) (*PositionRequest, error) {
		isLong, err := parseSide(p["side"])
		if err != nil {
			return nil, err
		}
		return &PositionRequest{
			Account:         p["account"],
			CollateralToken: p["collateral"],
			IndexToken:      p["index"],
			IsLong:          isLong,
		}, nil
	}

	routes := []route{
		{"GET", "/v1/pools", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			respond(w)(api.GetPools(r.Context(), &Empty{}))
		}},
		{"GET", "/v1/pools/{token}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			respond(w)(api.GetPool(r.Context(), &TokenRequest{Token: p["token"]}))
		}},
		{"GET", "/v1/pools/{token}/balances", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			respond(w)(api.GetVaultBalances(r.Context(), &TokenRequest{Token: p["token"]}))
		}},
		{"GET", "/v1/shorts/{token}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			respond(w)(api.GetGlobalShort(r.Context(), &TokenRequest{Token: p["token"]}))
		}},
		{"GET", "/v1/aum", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			respond(w)(api.GetAum(r.Context(), &Empty{}))
		}},
		{"GET", "/v1/accounts/{account}/positions", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			respond(w)(api.ListPositions(r.Context(), &AccountRequest{Account: p["account"]}))
		}},
		{"GET", "/v1/accounts/{account}/positions/{collateral}/{index}/{side}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			req, err := positionReq(p)
			if err != nil {
				writeError(w, err)
				return
			}
			respond(w)(api.GetPosition(r.Context(), req))
		}},
		{"GET", "/v1/accounts/{account}/positions/{collateral}/{index}/{side}/liquidation", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			req, err := positionReq(p)
			if err != nil {
				writeError(w, err)
				return
			}
			respond(w)(api.ValidateLiquidation(r.Context(), req))
		}},
		{"GET", "/v1/accounts/{account}/balances/{asset}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			respond(w)(api.GetBalance(r.Context(), &AccountRequest{Account: p["account"], Asset: p["asset"]}))
		}},
		{"GET", "/v1/accounts/{account}/liquidations", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			respond(w)(api.ListLiquidations(r.Context(), pageRequest(r, p["account"])))
		}},
		{"GET", "/v1/accounts/{account}/journals", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			respond(w)(api.ListJournals(r.Context(), pageRequest(r, p["account"])))
		}},
		{"POST", "/v1/commands/{event_type}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			respond(w)(api.InjectCommand(r.Context(), &InjectCommandRequest{EventType: p["event_type"], Payload: body}))
		}},
		{"GET", "/v1/admin/integrity", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			respond(w)(api.VerifyIntegrity(r.Context(), &Empty{}))
		}},
		{"POST", "/v1/admin/projections/rebuild", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			respond(w)(api.RebuildProjections(r.Context(), &Empty{}))
		}},
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return err
		}
	}
	return nil
}

// pageRequest reads ?page_size= and ?after_sequence=; malformed values fall back
// to defaults.
func pageRequest(r *http.Request, account string) *AccountRequest {
	q := r.URL.Query()
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	after, _ := strconv.ParseInt(q.Get("after_sequence"), 10, 64)
	return &AccountRequest{Account: account, PageSize: pageSize, AfterSequence: after}
}

// respond returns a writer for a (response, error) pair.
func respond(w http.ResponseWriter) func(any, error) {
	return func(resp any, err error) {
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(toStatus(err, codes.Internal))
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), map[string]any{
		"code":    st.Code().String(),
		"message": st.Message(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
