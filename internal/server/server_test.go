package server_test

import (
	"PerpClearing/internal/core"
	"PerpClearing/internal/event"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/observability"
	"PerpClearing/internal/projection"
	"PerpClearing/internal/server"
	"PerpClearing/internal/state"
	"PerpClearing/internal/testutil"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
)

type fixture struct {
	srv     *httptest.Server
	house   *core.ClearingHouse
	history *projection.History
	health  *observability.HealthChecker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	house := testutil.NewHouse(t, nil, nil)
	history := projection.NewHistory(0)
	dedup := core.NewIdempotencyChecker(100, nil, nil, zerolog.Nop())
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	health := observability.NewHealthChecker()

	api := server.NewAPI(house, history, dedup, metrics, zerolog.Nop())
	h, err := server.NewHandler(api, nil, health)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, house: house, history: history, health: health}
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	out.ReadFrom(resp.Body)
	return response{status: resp.StatusCode, header: resp.Header, body: out.Bytes()}
}

func decode[T any](t *testing.T, r response) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(r.body, &v); err != nil {
		t.Fatalf("decode %s: %v", r.body, err)
	}
	return v
}

type eventsBody struct {
	Events []struct {
		Sequence  int64  `json:"sequence"`
		EventType string `json:"event_type"`
		MarketID  string `json:"market_id"`
	} `json:"events"`
}

type errorBody struct {
	Code string `json:"code"`
	Kind string `json:"kind"`
}

func deposit(amount string) map[string]any {
	return map[string]any{"amount": amount, "timestamp": testutil.T0}
}

// ============================================================================
// Test: Commands
// ============================================================================

func TestAPI_DepositAndCollateral(t *testing.T) {
	f := newFixture(t)
	alice := uuid.New()

	r := f.do(t, "POST", fmt.Sprintf("/v1/accounts/%s/deposit", alice), deposit("100"), nil)
	if r.status != http.StatusOK {
		t.Fatalf("deposit status = %d: %s", r.status, r.body)
	}
	body := decode[eventsBody](t, r)
	if len(body.Events) != 1 || body.Events[0].EventType != "CollateralDeposited" {
		t.Errorf("events = %+v", body.Events)
	}

	r = f.do(t, "GET", fmt.Sprintf("/v1/accounts/%s/collateral", alice), nil, nil)
	bal := decode[struct {
		Balance fpmath.Wad `json:"balance"`
		Token   string     `json:"token"`
	}](t, r)
	if !bal.Balance.Equal(fpmath.NewWad(100)) || bal.Token != testutil.Token {
		t.Errorf("collateral = %s %s", bal.Balance, bal.Token)
	}
}

func TestAPI_OpenPositionAndQuery(t *testing.T) {
	f := newFixture(t)
	alice := uuid.New()
	f.do(t, "POST", fmt.Sprintf("/v1/accounts/%s/deposit", alice), deposit("100"), nil)

	r := f.do(t, "POST", fmt.Sprintf("/v1/markets/%s/positions/%s/open", testutil.Market, alice),
		map[string]any{"notional": "10", "direction": "long", "timestamp": testutil.T0 + 1}, nil)
	if r.status != http.StatusOK {
		t.Fatalf("open status = %d: %s", r.status, r.body)
	}
	found := false
	for _, e := range decode[eventsBody](t, r).Events {
		if e.EventType == "OpenPosition" && e.MarketID == testutil.Market {
			found = true
		}
	}
	if !found {
		t.Errorf("no OpenPosition event in %s", r.body)
	}

	r = f.do(t, "GET", fmt.Sprintf("/v1/markets/%s/positions/%s", testutil.Market, alice), nil, nil)
	pos := decode[state.TraderPosition](t, r)
	if !pos.PositionSize.IsPositive() {
		t.Errorf("position size = %s, want > 0", pos.PositionSize)
	}

	r = f.do(t, "GET", fmt.Sprintf("/v1/markets/%s/summary", testutil.Market), nil, nil)
	summary := decode[core.MarketSummary](t, r)
	if summary.MarketID != testutil.Market || summary.Timestamp != testutil.T0+1 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestAPI_IdempotencyKeyReplays(t *testing.T) {
	f := newFixture(t)
	alice := uuid.New()
	path := fmt.Sprintf("/v1/accounts/%s/deposit", alice)
	key := map[string]string{server.IdempotencyHeader: "dep-1"}

	first := f.do(t, "POST", path, deposit("100"), key)
	second := f.do(t, "POST", path, deposit("100"), key)
	if second.status != http.StatusOK || second.header.Get("Idempotent-Replayed") != "true" {
		t.Fatalf("replay status = %d, header = %q", second.status, second.header.Get("Idempotent-Replayed"))
	}
	if !bytes.Equal(first.body, second.body) {
		t.Errorf("replayed body differs:\n%s\n%s", first.body, second.body)
	}
	if got := f.house.Collateral(alice); !got.Equal(fpmath.NewWad(100)) {
		t.Errorf("collateral = %s, want 100 (deposit applied once)", got)
	}
}

func TestAPI_FailedCommandIsNotCached(t *testing.T) {
	f := newFixture(t)
	alice := uuid.New()
	key := map[string]string{server.IdempotencyHeader: "w-1"}
	path := fmt.Sprintf("/v1/accounts/%s/withdraw", alice)

	r := f.do(t, "POST", path, deposit("5"), key)
	if r.status != http.StatusBadRequest {
		t.Fatalf("withdraw without collateral = %d: %s", r.status, r.body)
	}
	if e := decode[errorBody](t, r); e.Code != "INSUFFICIENT_COLLATERAL" || e.Kind != "Economic" {
		t.Errorf("error = %+v", e)
	}

	f.do(t, "POST", fmt.Sprintf("/v1/accounts/%s/deposit", alice), deposit("10"), nil)
	if r := f.do(t, "POST", path, deposit("5"), key); r.status != http.StatusOK {
		t.Errorf("retry under the same key = %d: %s", r.status, r.body)
	}
}

func TestAPI_RequestErrors(t *testing.T) {
	f := newFixture(t)
	alice := uuid.New()

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"bad account", "POST", "/v1/accounts/not-a-uuid/deposit", deposit("1"), http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown field", "POST", fmt.Sprintf("/v1/accounts/%s/deposit", alice), map[string]any{"amount": "1", "bogus": 1}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"zero amount", "POST", fmt.Sprintf("/v1/accounts/%s/deposit", alice), deposit("0"), http.StatusBadRequest, "ZERO_AMOUNT"},
		{"bad direction", "POST", fmt.Sprintf("/v1/markets/%s/positions/%s/open", testutil.Market, alice),
			map[string]any{"notional": "1", "direction": "up", "timestamp": testutil.T0}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown market", "GET", "/v1/markets/DOGE-PERP/summary", nil, http.StatusNotFound, "UNKNOWN_MARKET"},
		{"unknown market history", "GET", "/v1/markets/DOGE-PERP/liquidations", nil, http.StatusNotFound, "UNKNOWN_MARKET"},
		{"missing liquidator", "POST", fmt.Sprintf("/v1/markets/%s/liquidate", testutil.Market),
			map[string]any{"account": alice.String(), "proposed_amount": "1", "timestamp": testutil.T0}, http.StatusBadRequest, "INVALID_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := f.do(t, tt.method, tt.path, tt.body, nil)
			if r.status != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", r.status, tt.wantStatus, r.body)
			}
			if e := decode[errorBody](t, r); e.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", e.Code, tt.wantCode)
			}
		})
	}
}

func TestGRPCCode(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{state.ErrZeroAmount, codes.InvalidArgument},
		{state.ErrUnknownMarket, codes.NotFound},
		{fmt.Errorf("open: %w", state.ErrAlreadyOpen), codes.Aborted},
		{state.ErrInsufficientMargin, codes.FailedPrecondition},
		{state.ErrInsufficientInsurance, codes.Unavailable},
		{errors.New("disk on fire"), codes.Internal},
	}
	for _, tt := range tests {
		if got := server.GRPCCode(tt.err); got != tt.want {
			t.Errorf("GRPCCode(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

// ============================================================================
// Test: Queries over the projection
// ============================================================================

func TestAPI_FundingHistory(t *testing.T) {
	f := newFixture(t)
	alice, bob := uuid.New(), uuid.New()
	for i, acct := range []uuid.UUID{alice, bob, alice} {
		f.history.Apply(&event.EventEnvelope{
			Sequence: int64(i + 1),
			MarketID: testutil.Market,
			Event: &event.FundingPaid{
				Header:  event.Header{MarketID: testutil.Market, Account: acct},
				Payment: fpmath.NewWad(int64(i + 1)),
			},
		})
	}

	r := f.do(t, "GET", fmt.Sprintf("/v1/markets/%s/funding-history?account=%s", testutil.Market, alice), nil, nil)
	if r.status != http.StatusOK {
		t.Fatalf("status = %d: %s", r.status, r.body)
	}
	body := decode[struct {
		Entries   []projection.FundingEntry `json:"entries"`
		Watermark int64                     `json:"watermark"`
	}](t, r)
	if len(body.Entries) != 2 || body.Entries[0].Sequence != 3 {
		t.Errorf("entries = %+v", body.Entries)
	}
	if body.Watermark != 3 {
		t.Errorf("watermark = %d, want 3", body.Watermark)
	}

	r = f.do(t, "GET", fmt.Sprintf("/v1/markets/%s/funding-history?limit=1", testutil.Market), nil, nil)
	if n := len(decode[struct {
		Entries []projection.FundingEntry `json:"entries"`
	}](t, r).Entries); n != 1 {
		t.Errorf("limit=1 returned %d entries", n)
	}
}

// ============================================================================
// Test: Health
// ============================================================================

func TestHealthProbes(t *testing.T) {
	f := newFixture(t)

	if r := f.do(t, "GET", "/healthz", nil, nil); r.status != http.StatusOK {
		t.Errorf("healthz = %d", r.status)
	}
	if r := f.do(t, "GET", "/readyz", nil, nil); r.status != http.StatusServiceUnavailable {
		t.Errorf("readyz before ready = %d", r.status)
	}
	f.health.SetReady(true)
	if r := f.do(t, "GET", "/readyz", nil, nil); r.status != http.StatusOK {
		t.Errorf("readyz after ready = %d", r.status)
	}
}

func TestMetricsHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	metrics.Operations.WithLabelValues("collateral", "deposit", "ok").Inc()

	srv := httptest.NewServer(server.MetricsHandler(reg))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if !bytes.Contains(buf.Bytes(), []byte("perp_operations_total")) {
		t.Errorf("metrics output missing operations counter")
	}
}
