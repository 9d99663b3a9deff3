package server

import (
	"StableLedger/internal/core"
	"StableLedger/internal/event"
	"StableLedger/internal/ingestion"
	fpmath "StableLedger/internal/math"
	"StableLedger/internal/observability"
	"StableLedger/internal/query"
	"StableLedger/internal/state"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxCommandBytes = 64 << 10

// Faucet credits a development wallet; satisfied by *token.MemoryVault
type Faucet interface {
	Faucet(user uuid.UUID, amount *uint256.Int)
}

// SnapshotTaker is satisfied by *persistence.Snapshotter
type SnapshotTaker interface {
	Take(ctx context.Context) (int64, error)
}

// GatewayDeps holds everything the HTTP gateway serves.
type GatewayDeps struct {
	Query    *query.Service
	Commands ingestion.CommandProcessor

	Snapshots SnapshotTaker     // optional
	Faucets   map[string]Faucet // by asset symbol; nil disables the faucet
	Health    *observability.HealthChecker
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
}

// Gateway is the JSON HTTP API, routed by a grpc-gateway ServeMux.
type Gateway struct {
	mux     *runtime.ServeMux
	deps    GatewayDeps
	json    runtime.Marshaler
	errJSON runtime.Marshaler
}

// CommandResponse is returned by POST /v1/commands/{type}
type CommandResponse struct {
	Sequence    int64                      `json:"sequence"`
	StateHash   string                     `json:"state_hash"`
	Duplicate   bool                       `json:"duplicate"`
	Journals    int                        `json:"journals"`
	Liquidation *query.LiquidationResponse `json:"liquidation,omitempty"`
}

type route struct {
	method, pattern string
	handler         runtime.HandlerFunc
}

type faucetRequest struct {
	UserID string `json:"user_id"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"` // base units
}

func NewGateway(deps GatewayDeps) (*Gateway, error) {
	g := &Gateway{
		mux:     runtime.NewServeMux(),
		deps:    deps,
		json:    &runtime.JSONBuiltin{},
		errJSON: &runtime.JSONPb{},
	}

	routes := []route{
		{http.MethodGet, "/v1/positions/{user}/{asset}", g.getPosition},
		{http.MethodGet, "/v1/users/{user}/debt", g.getUserDebt},
		{http.MethodGet, "/v1/users/{user}/journal", g.getJournal},
		{http.MethodGet, "/v1/protocol", g.getProtocol},
		{http.MethodGet, "/v1/liquidations", g.getLiquidations},
		{http.MethodPost, "/v1/commands/{type}", g.postCommand},
		{http.MethodGet, "/v1/admin/integrity", g.getIntegrity},
	}
	if deps.Snapshots != nil {
		routes = append(routes, route{http.MethodPost, "/v1/admin/snapshot", g.postSnapshot})
	}
	if deps.Faucets != nil {
		routes = append(routes, route{http.MethodPost, "/v1/dev/faucet", g.postFaucet})
	}

	for _, r := range routes {
		if err := g.mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}
	return g, nil
}

// Handler serves the API plus /healthz and /readyz.
func (g *Gateway) Handler() http.Handler {
	httpMux := http.NewServeMux()
	if g.deps.Health != nil {
		httpMux.HandleFunc("/healthz", g.deps.Health.LivenessHandler)
		httpMux.HandleFunc("/readyz", g.deps.Health.ReadinessHandler)
	}
	httpMux.Handle("/", g.mux)
	return httpMux
}

// Start serves the gateway on addr until ctx is done.
func (g *Gateway) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.deps.Logger.Info().Str("addr", addr).Msg("HTTP gateway listening")
	return serveHTTP(ctx, srv, g.deps.Logger)
}

// StartMetrics serves /metrics for gatherer on addr until ctx is done.
func StartMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	return serveHTTP(ctx, srv, logger)
}

func serveHTTP(ctx context.Context, srv *http.Server, logger zerolog.Logger) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Str("addr", srv.Addr).Msg("http shutdown")
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve %s: %w", srv.Addr, err)
	}
	return nil
}

// === Handlers ===

func (g *Gateway) getPosition(w http.ResponseWriter, r *http.Request, params map[string]string) {
	user, ok := g.userParam(w, r, params)
	if !ok {
		return
	}
	resp, err := g.deps.Query.GetPosition(r.Context(), user, params["asset"])
	g.respond(w, r, resp, err)
}

func (g *Gateway) getUserDebt(w http.ResponseWriter, r *http.Request, params map[string]string) {
	user, ok := g.userParam(w, r, params)
	if !ok {
		return
	}
	resp, err := g.deps.Query.GetUserDebt(r.Context(), user)
	g.respond(w, r, resp, err)
}

func (g *Gateway) getJournal(w http.ResponseWriter, r *http.Request, params map[string]string) {
	user, ok := g.userParam(w, r, params)
	if !ok {
		return
	}
	limit, ok := g.intQuery(w, r, "limit")
	if !ok {
		return
	}
	before, ok := g.intQuery(w, r, "before")
	if !ok {
		return
	}
	resp, err := g.deps.Query.GetJournalHistory(r.Context(), user, int(limit), before)
	g.respond(w, r, resp, err)
}

func (g *Gateway) getProtocol(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := g.deps.Query.GetProtocol(r.Context())
	g.respond(w, r, resp, err)
}

func (g *Gateway) getLiquidations(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	limit, ok := g.intQuery(w, r, "limit")
	if !ok {
		return
	}
	resp, err := g.deps.Query.GetLiquidations(r.Context(), int(limit))
	g.respond(w, r, resp, err)
}

func (g *Gateway) getIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := g.deps.Query.VerifyIntegrity(r.Context())
	g.respond(w, r, resp, err)
}

func (g *Gateway) postSnapshot(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	seq, err := g.deps.Snapshots.Take(r.Context())
	g.respond(w, r, map[string]int64{"sequence": seq}, err)
}

func (g *Gateway) postCommand(w http.ResponseWriter, r *http.Request, params map[string]string) {
	commandType := params["type"]
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCommandBytes))
	if err != nil {
		g.fail(w, r, status.Errorf(codes.InvalidArgument, "read body: %v", err))
		return
	}

	evt, err := ingestion.ParseCommand(commandType, body)
	if err != nil {
		if g.deps.Metrics != nil {
			reason, class := state.Reason(err)
			g.deps.Metrics.CoreCommandsRejected.WithLabelValues(commandType, reason, class.String()).Inc()
		}
		g.fail(w, r, err)
		return
	}

	res, err := g.deps.Commands.Process(r.Context(), evt)
	if err != nil {
		g.deps.Logger.Debug().Err(err).Str("command", evt.EventType().String()).Str("key", evt.IdempotencyKey()).
			Msg("command rejected")
		g.fail(w, r, err)
		return
	}

	g.respond(w, r, g.commandResponse(evt, res), nil)
}

func (g *Gateway) commandResponse(evt event.Event, res core.Result) *CommandResponse {
	resp := &CommandResponse{
		Sequence:  res.Sequence,
		StateHash: hex.EncodeToString(res.StateHash[:]),
		Duplicate: res.Duplicate,
	}
	if res.Batch != nil {
		resp.Journals = len(res.Batch.Journals)
	}
	if res.Liquidation != nil {
		rec := res.Liquidation
		resp.Liquidation = &query.LiquidationResponse{
			LiquidationID:  rec.LiquidationID,
			EventRef:       rec.EventRef,
			Sequence:       rec.Sequence,
			Timestamp:      rec.Timestamp,
			Liquidator:     rec.Liquidator,
			Debtor:         rec.Debtor,
			Asset:          evt.Asset(),
			Repaid:         fpmath.ToDecimal(rec.Repaid).String(),
			BaseSeize:      fpmath.ToDecimal(rec.BaseSeize).String(),
			Bonus:          fpmath.ToDecimal(rec.Bonus).String(),
			TotalSeize:     fpmath.ToDecimal(rec.TotalSeize).String(),
			Price:          fpmath.ToDecimal(rec.Price).String(),
			RatioBeforePct: fpmath.FormatPercent(rec.RatioBefore),
		}
	}
	return resp
}

func (g *Gateway) postFaucet(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req faucetRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBytes)).Decode(&req); err != nil {
		g.fail(w, r, status.Errorf(codes.InvalidArgument, "decode body: %v", err))
		return
	}

	user, err := uuid.Parse(req.UserID)
	if err != nil || user == uuid.Nil {
		g.fail(w, r, status.Errorf(codes.InvalidArgument, "invalid user_id %q", req.UserID))
		return
	}
	faucet, ok := g.deps.Faucets[req.Asset]
	if !ok {
		g.fail(w, r, fmt.Errorf("%w: %q", state.ErrDisallowedAsset, req.Asset))
		return
	}
	amount, err := fpmath.ParseBaseUnits(req.Amount)
	if err != nil {
		g.fail(w, r, status.Errorf(codes.InvalidArgument, "%v", err))
		return
	}

	faucet.Faucet(user, amount)
	g.deps.Logger.Info().Str("user", user.String()).Str("asset", req.Asset).Str("amount", amount.Dec()).Msg("faucet")
	g.respond(w, r, map[string]string{"user_id": user.String(), "asset": req.Asset, "amount": amount.Dec()}, nil)
}

// === Helpers ===

func (g *Gateway) userParam(w http.ResponseWriter, r *http.Request, params map[string]string) (uuid.UUID, bool) {
	user, err := uuid.Parse(params["user"])
	if err != nil {
		g.fail(w, r, status.Errorf(codes.InvalidArgument, "invalid user id %q", params["user"]))
		return uuid.Nil, false
	}
	return user, true
}

func (g *Gateway) intQuery(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		g.fail(w, r, status.Errorf(codes.InvalidArgument, "invalid %s %q", name, raw))
		return 0, false
	}
	return n, true
}

func (g *Gateway) respond(w http.ResponseWriter, r *http.Request, v any, err error) {
	if err != nil {
		g.fail(w, r, err)
		return
	}
	data, err := g.json.Marshal(v)
	if err != nil {
		g.fail(w, r, status.Errorf(codes.Internal, "marshal response: %v", err))
		return
	}
	w.Header().Set("Content-Type", g.json.ContentType(v))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		g.deps.Logger.Debug().Err(err).Str("path", r.URL.Path).Msg("write response")
	}
}

// fail writes a google.rpc.Status body with the mapped HTTP status
func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, err error) {
	st := toStatus(err)
	if st.Code() == codes.Internal {
		g.deps.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("internal error")
	}
	runtime.HTTPError(r.Context(), g.mux, g.errJSON, w, r, st.Err())
}
