package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/transfa/payout-service/internal/app"
	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/internal/store"
	"github.com/transfa/payout-service/pkg/circuitbreaker"
	"github.com/transfa/payout-service/pkg/metrics"
	"github.com/transfa/payout-service/pkg/ratelimit"
	"github.com/transfa/payout-service/pkg/sharedstore"
)

const (
	testInternalKey = "internal-secret"
	testJWTSecret   = "jwt-secret"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubSettler struct {
	dates  []time.Time
	result *app.SettlementResult
	err    error
}

func (s *stubSettler) Run(ctx context.Context, date time.Time) (*app.SettlementResult, error) {
	s.dates = append(s.dates, date)
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &app.SettlementResult{Date: date.Format("2006-01-02")}, nil
}

func (s *stubSettler) Mature(ctx context.Context) (int64, error) {
	return 4, s.err
}

type stubPayouts struct {
	payouts map[uuid.UUID]*domain.Payout
}

func (s *stubPayouts) FindPayoutByID(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error) {
	if p, ok := s.payouts[payoutID]; ok {
		return p, nil
	}
	return nil, store.ErrPayoutNotFound
}

func (s *stubPayouts) GetCreatorBalance(ctx context.Context, creatorID uuid.UUID, currency string) (*domain.CreatorBalance, error) {
	return &domain.CreatorBalance{CreatorID: creatorID, Currency: currency, AvailableAmount: 750000}, nil
}

type testServer struct {
	router   http.Handler
	settler  *stubSettler
	payouts  *stubPayouts
	breaker  *circuitbreaker.Breaker
	registry *metrics.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	registry := metrics.NewRegistry()
	settler := &stubSettler{}
	payouts := &stubPayouts{payouts: map[uuid.UUID]*domain.Payout{}}
	breaker := circuitbreaker.New(circuitbreaker.Settings{Name: "processor", FailureThreshold: 1, ResetTimeout: 30 * time.Second})

	limiter := ratelimit.NewLimiter(
		ratelimit.NewStoreWindow(sharedstore.NewMemoryStore(nil), nil),
		ratelimit.NewLocalWindow(nil),
		ratelimit.DefaultPolicy(30),
		registry,
		discardLogger(),
	)
	handler := NewHandler(settler, payouts, breaker, registry, discardLogger(), "NGN")
	router := NewRouter(handler, limiter, IdentityFromRequest(testJWTSecret), testInternalKey, discardLogger())

	return &testServer{router: router, settler: settler, payouts: payouts, breaker: breaker, registry: registry}
}

func (s *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.20:5000"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func internalHeaders() map[string]string {
	return map[string]string{"X-Internal-API-Key": testInternalKey}
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestHealthIsNotRateLimited(t *testing.T) {
	srv := newTestServer(t)
	for i := 0; i < 40; i++ {
		rec := srv.do(http.MethodGet, "/health", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("health request %d: expected 200, got %d", i, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "" {
			t.Fatalf("health must bypass the limiter")
		}
	}
}

func TestInternalRoutesRequireKey(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{name: "missing key", headers: nil, want: http.StatusUnauthorized},
		{name: "wrong key", headers: map[string]string{"X-Internal-API-Key": "nope"}, want: http.StatusUnauthorized},
		{name: "valid key", headers: internalHeaders(), want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(http.MethodGet, "/internal/breakers", "", tt.headers)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestRunSettlement_ParsesDate(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(http.MethodPost, "/internal/settlements/run", `{"date":"2026-10-14"}`, internalHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(srv.settler.dates) != 1 || !srv.settler.dates[0].Equal(time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected settlement dates %v", srv.settler.dates)
	}

	rec = srv.do(http.MethodPost, "/internal/settlements/run", `{"date":"14/10/2026"}`, internalHeaders())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed date, got %d", rec.Code)
	}
}

func TestRunSettlement_EmptyBodyUsesToday(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(http.MethodPost, "/internal/settlements/run", "", internalHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(srv.settler.dates) != 1 || srv.settler.dates[0].Location() != time.UTC {
		t.Fatalf("expected one run on a UTC date, got %v", srv.settler.dates)
	}
}

func TestRunSettlement_LockHeldReturnsConflict(t *testing.T) {
	srv := newTestServer(t)
	srv.settler.result = &app.SettlementResult{Date: "2026-10-15", LockHeld: true}

	rec := srv.do(http.MethodPost, "/internal/settlements/run", "", internalHeaders())
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestRunSettlement_BreakerOpenReturns503(t *testing.T) {
	srv := newTestServer(t)
	_ = srv.breaker.Execute(context.Background(), func(context.Context) error {
		return errors.New("connection refused")
	})

	rec := srv.do(http.MethodPost, "/internal/settlements/run", "", internalHeaders())
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retryAfter < 1 || retryAfter > 30 {
		t.Fatalf("expected Retry-After within the reset timeout, got %q", rec.Header().Get("Retry-After"))
	}
	if len(srv.settler.dates) != 0 {
		t.Fatal("settlement must not start while the processor breaker is open")
	}
}

func TestRunSettlement_StoreUnavailableReturns503(t *testing.T) {
	srv := newTestServer(t)
	srv.settler.err = fmt.Errorf("acquire settlement period lock: %w", sharedstore.ErrUnavailable)

	rec := srv.do(http.MethodPost, "/internal/settlements/run", "", internalHeaders())
	if rec.Code != http.StatusServiceUnavailable || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 503 with Retry-After, got %d", rec.Code)
	}
}

func TestRunSettlement_PathOverrideLimit(t *testing.T) {
	srv := newTestServer(t)

	var last *httptest.ResponseRecorder
	for i := 0; i < 6; i++ {
		last = srv.do(http.MethodPost, "/internal/settlements/run", "", internalHeaders())
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected the sixth run within a minute to be limited, got %d", last.Code)
	}
	if len(srv.settler.dates) != 5 {
		t.Fatalf("expected 5 runs to reach the settler, got %d", len(srv.settler.dates))
	}
}

func TestGetPayout(t *testing.T) {
	srv := newTestServer(t)
	id := uuid.New()
	srv.payouts.payouts[id] = &domain.Payout{ID: id, Status: domain.PayoutStatusCompleted, NetAmount: 595000}

	tests := []struct {
		name string
		path string
		want int
	}{
		{name: "found", path: "/internal/payouts/" + id.String(), want: http.StatusOK},
		{name: "not found", path: "/internal/payouts/" + uuid.NewString(), want: http.StatusNotFound},
		{name: "bad id", path: "/internal/payouts/abc", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(http.MethodGet, tt.path, "", internalHeaders())
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestGetCreatorBalance_DefaultsCurrency(t *testing.T) {
	srv := newTestServer(t)
	creatorID := uuid.New()

	rec := srv.do(http.MethodGet, "/internal/creators/"+creatorID.String()+"/balance", "", internalHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var balance domain.CreatorBalance
	if err := json.Unmarshal(rec.Body.Bytes(), &balance); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if balance.Currency != "NGN" || balance.CreatorID != creatorID {
		t.Fatalf("unexpected balance %+v", balance)
	}
}

func TestMetricsExposesCounters(t *testing.T) {
	srv := newTestServer(t)
	srv.do(http.MethodPost, "/internal/earnings/mature", "", internalHeaders())

	rec := srv.do(http.MethodGet, "/internal/metrics", "", internalHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ratelimit_decisions") {
		t.Fatalf("expected rate limit counters in metrics, got %s", rec.Body.String())
	}
}

func TestUnlimitedTierTokenSkipsLimiter(t *testing.T) {
	srv := newTestServer(t)
	token := signToken(t, testJWTSecret, jwt.MapClaims{
		"sub":  "ops-bot",
		"tier": "internal",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	headers := internalHeaders()
	headers["Authorization"] = "Bearer " + token

	for i := 0; i < 8; i++ {
		rec := srv.do(http.MethodPost, "/internal/settlements/run", "", headers)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "" {
			t.Fatal("unlimited tier must not carry rate limit headers")
		}
	}
}

func TestIdentityFromRequest(t *testing.T) {
	identify := IdentityFromRequest(testJWTSecret)
	valid := signToken(t, testJWTSecret, jwt.MapClaims{"sub": "user_1", "tier": "pro", "exp": time.Now().Add(time.Hour).Unix()})
	forged := signToken(t, "other-secret", jwt.MapClaims{"sub": "user_1", "tier": "internal"})
	expired := signToken(t, testJWTSecret, jwt.MapClaims{"sub": "user_1", "tier": "pro", "exp": time.Now().Add(-time.Hour).Unix()})

	tests := []struct {
		name     string
		auth     string
		apiKey   string
		wantUser string
		wantTier string
	}{
		{name: "valid token", auth: "Bearer " + valid, wantUser: "user_1", wantTier: "pro"},
		{name: "forged token", auth: "Bearer " + forged},
		{name: "expired token", auth: "Bearer " + expired},
		{name: "not bearer", auth: "Basic abc"},
		{name: "api key only", apiKey: "pk_live_1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/internal/metrics", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			if tt.apiKey != "" {
				req.Header.Set("X-API-Key", tt.apiKey)
			}
			id := identify(req)
			if id.UserID != tt.wantUser || id.Tier != tt.wantTier || id.APIKey != tt.apiKey {
				t.Fatalf("unexpected identity %+v", id)
			}
		})
	}
}
