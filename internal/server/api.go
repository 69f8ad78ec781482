package server

import (
	"PerpClearing/internal/core"
	"PerpClearing/internal/event"
	"PerpClearing/internal/ingestion"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/observability"
	"PerpClearing/internal/projection"
	"PerpClearing/internal/state"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
)

// IdempotencyHeader carries the client's command key.
const IdempotencyHeader = "Idempotency-Key"

const maxBodyBytes = 64 << 10

// API serves the clearing house commands and queries over HTTP/JSON.
type API struct {
	house   *core.ClearingHouse
	history *projection.History
	dedup   *core.IdempotencyChecker
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewAPI(
	house *core.ClearingHouse,
	history *projection.History,
	dedup *core.IdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *API {
	return &API{
		house:   house,
		history: history,
		dedup:   dedup,
		metrics: metrics,
		logger:  logger,
	}
}

// Register adds every route to mux.
func (a *API) Register(mux *runtime.ServeMux) error {
	routes := []struct {
		method, pattern, name string
		h                     runtime.HandlerFunc
	}{
		// commands
		{"POST", "/v1/accounts/{account}/deposit", "deposit", a.command("deposit", a.deposit)},
		{"POST", "/v1/accounts/{account}/withdraw", "withdraw", a.command("withdraw", a.withdraw)},
		{"POST", "/v1/markets/{market}/positions/{account}/open", "open_position", a.command("open_position", a.openPosition)},
		{"POST", "/v1/markets/{market}/positions/{account}/extend", "extend_position", a.command("extend_position", a.extendPosition)},
		{"POST", "/v1/markets/{market}/positions/{account}/reduce", "reduce_position", a.command("reduce_position", a.reducePosition)},
		{"POST", "/v1/markets/{market}/liquidity/{account}/provide", "provide_liquidity", a.command("provide_liquidity", a.provideLiquidity)},
		{"POST", "/v1/markets/{market}/liquidity/{account}/withdraw", "withdraw_liquidity", a.command("withdraw_liquidity", a.withdrawLiquidity)},
		{"POST", "/v1/markets/{market}/liquidate", "liquidate", a.command("liquidate", a.liquidate)},
		{"POST", "/v1/markets/{market}/funding", "update_funding", a.command("update_funding", a.updateFunding)},

		// queries
		{"GET", "/v1/markets", "markets", a.markets},
		{"GET", "/v1/markets/{market}/summary", "summary", a.summary},
		{"GET", "/v1/markets/{market}/positions/{account}", "position", a.position},
		{"GET", "/v1/markets/{market}/liquidity/{account}", "liquidity", a.liquidity},
		{"GET", "/v1/markets/{market}/margin/{account}", "margin", a.margin},
		{"GET", "/v1/markets/{market}/funding-history", "funding_history", a.fundingHistory},
		{"GET", "/v1/markets/{market}/liquidations", "liquidations", a.liquidations},
		{"GET", "/v1/accounts/{account}/collateral", "collateral", a.collateral},
		{"GET", "/v1/insurance", "insurance", a.insurance},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, a.instrument(r.name, r.h)); err != nil {
			return fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}
	return nil
}

// ============================================================================
// Request bodies
// ============================================================================

type transferRequest struct {
	Amount    fpmath.Wad `json:"amount"`
	Token     string     `json:"token"`
	Timestamp int64      `json:"timestamp"`
}

type tradeRequest struct {
	Notional  fpmath.Wad `json:"notional"`
	Direction string     `json:"direction"`
	Timestamp int64      `json:"timestamp"`
}

type reduceRequest struct {
	ProposedAmount fpmath.Wad `json:"proposed_amount"`
	Ratio          fpmath.Wad `json:"ratio"`
	Timestamp      int64      `json:"timestamp"`
}

type liquidityRequest struct {
	Amount    fpmath.Wad `json:"amount"`
	Timestamp int64      `json:"timestamp"`
}

type liquidateRequest struct {
	Liquidator     uuid.UUID  `json:"liquidator"`
	Account        uuid.UUID  `json:"account"`
	ProposedAmount fpmath.Wad `json:"proposed_amount"`
	Timestamp      int64      `json:"timestamp"`
}

type fundingRequest struct {
	Timestamp int64 `json:"timestamp"`
}

// commandResponse lists the events a command committed.
type commandResponse struct {
	Events []ingestion.PublishedEvent `json:"events"`
}

// ============================================================================
// Commands
// ============================================================================

// commandFunc runs one command and returns the committed envelopes.
type commandFunc func(r *http.Request, params map[string]string) ([]*event.EventEnvelope, error)

// cachedResponse is what the idempotency LRU replays.
type cachedResponse struct {
	status int
	body   []byte
}

// command wraps fn with body limits, idempotency and error mapping.
// Only successful responses are cached; a failed command may be retried
// under the same key.
func (a *API) command(op string, fn commandFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

		key := r.Header.Get(IdempotencyHeader)
		if key != "" && a.dedup != nil {
			switch d, resp := a.dedup.Check(op, key); d {
			case core.DedupReplay:
				if cached, ok := resp.(cachedResponse); ok {
					w.Header().Set("Idempotent-Replayed", "true")
					writeRaw(w, cached.status, cached.body)
					return
				}
				writeError(w, http.StatusConflict, "IDEMPOTENCY_CONFLICT", "idempotency key already used")
				return
			case core.DedupConflict:
				writeError(w, http.StatusConflict, "IDEMPOTENCY_CONFLICT", "idempotency key already used")
				return
			}
		}

		envs, err := fn(r, params)
		if err != nil {
			a.writeLedgerError(w, op, err)
			return
		}

		resp := commandResponse{Events: make([]ingestion.PublishedEvent, 0, len(envs))}
		for _, env := range envs {
			payload, err := env.Payload()
			if err != nil {
				a.writeLedgerError(w, op, err)
				return
			}
			resp.Events = append(resp.Events, ingestion.NewPublishedEvent(env, payload))
		}
		body, err := json.Marshal(resp)
		if err != nil {
			a.writeLedgerError(w, op, err)
			return
		}
		if key != "" && a.dedup != nil {
			a.dedup.MarkProcessed(op, key, cachedResponse{status: http.StatusOK, body: body})
		}
		writeRaw(w, http.StatusOK, body)
	}
}

func (a *API) deposit(r *http.Request, p map[string]string) ([]*event.EventEnvelope, error) {
	account, err := accountParam(p, "account")
	if err != nil {
		return nil, err
	}
	var req transferRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	return a.house.Deposit(account, req.Amount, a.tokenOrDefault(req.Token), req.Timestamp)
}

func (a *API) withdraw(r *http.Request, p map[string]string) ([]*event.EventEnvelope, error) {
	account, err := accountParam(p, "account")
	if err != nil {
		return nil, err
	}
	var req transferRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	return a.house.Withdraw(account, req.Amount, a.tokenOrDefault(req.Token), req.Timestamp)
}

func (a *API) openPosition(r *http.Request, p map[string]string) ([]*event.EventEnvelope, error) {
	account, req, dir, err := a.tradeInput(r, p)
	if err != nil {
		return nil, err
	}
	return a.house.OpenPosition(p["market"], account, req.Notional, dir, req.Timestamp)
}

func (a *API) extendPosition(r *http.Request, p map[string]string) ([]*event.EventEnvelope, error) {
	account, req, dir, err := a.tradeInput(r, p)
	if err != nil {
		return nil, err
	}
	return a.house.ExtendPosition(p["market"], account, req.Notional, dir, req.Timestamp)
}

func (a *API) tradeInput(r *http.Request, p map[string]string) (uuid.UUID, tradeRequest, state.Direction, error) {
	var req tradeRequest
	account, err := accountParam(p, "account")
	if err != nil {
		return account, req, 0, err
	}
	if err := decodeBody(r, &req); err != nil {
		return account, req, 0, err
	}
	dir, err := state.ParseDirection(req.Direction)
	if err != nil {
		return account, req, 0, badRequest(err)
	}
	return account, req, dir, nil
}

func (a *API) reducePosition(r *http.Request, p map[string]string) ([]*event.EventEnvelope, error) {
	account, err := accountParam(p, "account")
	if err != nil {
		return nil, err
	}
	var req reduceRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	return a.house.ReducePosition(p["market"], account, req.ProposedAmount, req.Ratio, req.Timestamp)
}

func (a *API) provideLiquidity(r *http.Request, p map[string]string) ([]*event.EventEnvelope, error) {
	account, err := accountParam(p, "account")
	if err != nil {
		return nil, err
	}
	var req liquidityRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	return a.house.ProvideLiquidity(p["market"], account, req.Amount, req.Timestamp)
}

func (a *API) withdrawLiquidity(r *http.Request, p map[string]string) ([]*event.EventEnvelope, error) {
	account, err := accountParam(p, "account")
	if err != nil {
		return nil, err
	}
	var req liquidityRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	return a.house.WithdrawLiquidity(p["market"], account, req.Amount, req.Timestamp)
}

func (a *API) liquidate(r *http.Request, p map[string]string) ([]*event.EventEnvelope, error) {
	var req liquidateRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if req.Liquidator == uuid.Nil || req.Account == uuid.Nil {
		return nil, badRequest(errors.New("liquidator and account are required"))
	}
	return a.house.Liquidate(p["market"], req.Liquidator, req.Account, req.ProposedAmount, req.Timestamp)
}

func (a *API) updateFunding(r *http.Request, p map[string]string) ([]*event.EventEnvelope, error) {
	var req fundingRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	return a.house.UpdateFunding(p["market"], req.Timestamp)
}

func (a *API) tokenOrDefault(token string) string {
	if token == "" {
		return a.house.Token()
	}
	return token
}

// ============================================================================
// Queries
// ============================================================================

func (a *API) markets(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, map[string]any{"markets": a.house.Markets()})
}

func (a *API) summary(w http.ResponseWriter, r *http.Request, p map[string]string) {
	s, err := a.house.Summary(p["market"])
	if err != nil {
		a.writeLedgerError(w, "summary", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) position(w http.ResponseWriter, r *http.Request, p map[string]string) {
	account, err := accountParam(p, "account")
	if err != nil {
		a.writeLedgerError(w, "position", err)
		return
	}
	pos, err := a.house.Position(p["market"], account)
	if err != nil {
		a.writeLedgerError(w, "position", err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (a *API) liquidity(w http.ResponseWriter, r *http.Request, p map[string]string) {
	account, err := accountParam(p, "account")
	if err != nil {
		a.writeLedgerError(w, "liquidity", err)
		return
	}
	pos, err := a.house.LiquidityPosition(p["market"], account)
	if err != nil {
		a.writeLedgerError(w, "liquidity", err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (a *API) margin(w http.ResponseWriter, r *http.Request, p map[string]string) {
	account, err := accountParam(p, "account")
	if err != nil {
		a.writeLedgerError(w, "margin", err)
		return
	}
	report, err := a.house.MarginRatio(p["market"], account)
	if err != nil {
		a.writeLedgerError(w, "margin", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) fundingHistory(w http.ResponseWriter, r *http.Request, p map[string]string) {
	if !a.knownMarket(w, p["market"]) {
		return
	}
	account := uuid.Nil
	if s := r.URL.Query().Get("account"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_ACCOUNT", err.Error())
			return
		}
		account = id
	}
	entries := a.history.Funding(p["market"], account, listLimit(r))
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":   entries,
		"watermark": a.history.Watermark(p["market"]),
	})
}

func (a *API) liquidations(w http.ResponseWriter, r *http.Request, p map[string]string) {
	if !a.knownMarket(w, p["market"]) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":   a.history.Liquidations(p["market"], listLimit(r)),
		"watermark": a.history.Watermark(p["market"]),
	})
}

func (a *API) collateral(w http.ResponseWriter, r *http.Request, p map[string]string) {
	account, err := accountParam(p, "account")
	if err != nil {
		a.writeLedgerError(w, "collateral", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account": account,
		"token":   a.house.Token(),
		"balance": a.house.Collateral(account),
	})
}

func (a *API) insurance(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, map[string]any{"balance": a.house.InsuranceBalance()})
}

func (a *API) knownMarket(w http.ResponseWriter, market string) bool {
	for _, id := range a.house.Markets() {
		if id == market {
			return true
		}
	}
	a.writeLedgerError(w, "market", state.ErrUnknownMarket)
	return false
}

// ============================================================================
// Helpers
// ============================================================================

// requestError is a malformed request that never reached the core.
type requestError struct{ err error }

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func badRequest(err error) error { return &requestError{err: err} }

func accountParam(p map[string]string, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(p[name])
	if err != nil {
		return uuid.Nil, badRequest(fmt.Errorf("invalid %s: %w", name, err))
	}
	return id, nil
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest(fmt.Errorf("decode body: %w", err))
	}
	return nil
}

// listLimit reads ?limit=, default 50, capped at 500.
func listLimit(r *http.Request) int {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	return limit
}

// GRPCCode maps a ledger error to the gRPC status code of its kind.
func GRPCCode(err error) codes.Code {
	var re *requestError
	switch {
	case errors.As(err, &re):
		return codes.InvalidArgument
	case errors.Is(err, state.ErrUnknownMarket):
		return codes.NotFound
	}
	switch state.KindOf(err) {
	case state.KindValidation:
		return codes.InvalidArgument
	case state.KindStateConflict:
		return codes.Aborted
	case state.KindEconomic:
		return codes.FailedPrecondition
	case state.KindSolvencyFatal:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func (a *API) writeLedgerError(w http.ResponseWriter, op string, err error) {
	code := GRPCCode(err)
	status := runtime.HTTPStatusFromCode(code)
	errCode := state.CodeOf(err)
	var re *requestError
	if errors.As(err, &re) {
		errCode = "INVALID_REQUEST"
	}
	if code == codes.Internal || code == codes.Unavailable {
		a.logger.Error().Err(err).Str("operation", op).Str("code", errCode).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  errCode,
		"kind":  state.KindOf(err).String(),
	})
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeRaw(w, status, data)
}

func writeRaw(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// instrument records request count and latency per route.
func (a *API) instrument(route string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(rw, r, params)
		if a.metrics != nil {
			a.metrics.QueryRequests.WithLabelValues(route, strconv.Itoa(rw.status)).Inc()
			a.metrics.QueryDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
		a.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", rw.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	}
}

// statusWriter captures the response status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}
