package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akl7777777/imei-intel/internal/callerkey"
	"github.com/akl7777777/imei-intel/internal/fraud"
	"github.com/akl7777777/imei-intel/internal/logger"
	"github.com/akl7777777/imei-intel/internal/model"
	"github.com/akl7777777/imei-intel/internal/verify"
)

const testIMEI = "490154203237518"

type stubVerifier struct {
	mu   sync.Mutex
	reqs []model.VerificationRequest
	res  *model.VerificationResult
	err  error
}

func (s *stubVerifier) Verify(_ context.Context, req model.VerificationRequest) (*model.VerificationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, s.err
	}
	out := *s.res
	return &out, nil
}

func (s *stubVerifier) Stats(context.Context) *model.StatsResponse {
	return &model.StatsResponse{CacheTTL: "24h0m0s", RateLimitMax: 5, LedgerBackend: "memory"}
}

func (s *stubVerifier) last(t *testing.T) model.VerificationRequest {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.reqs)
	return s.reqs[len(s.reqs)-1]
}

func flaggedResult() *model.VerificationResult {
	return &model.VerificationResult{
		Identifier: testIMEI,
		Mode:       model.ModeFull,
		CheckedAt:  "2026-03-01T10:00:00Z",
		Provider:   "primary",
		Device:     model.Device{Brand: "Apple"},
		AI: model.FraudAssessment{
			FraudScore:    45,
			TrustScore:    55,
			Flags:         []string{fraud.KindCarrierLocked.Text()},
			FlagKinds:     []string{string(fraud.KindCarrierLocked)},
			OverallStatus: model.StatusWarning,
		},
		CreditsCharged: 1,
	}
}

func newTestServer(v Verifier, authKey string) *Server {
	return New(v, callerkey.NewResolver(callerkey.Options{}), Options{
		AuthKey:  authKey,
		Gatherer: prometheus.NewRegistry(),
		Logger:   logger.Discard(),
	})
}

func do(t *testing.T, h http.Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestVerifyPost(t *testing.T) {
	v := &stubVerifier{res: flaggedResult()}
	srv := newTestServer(v, "")

	w := do(t, srv, http.MethodPost, "/api/v1/verify",
		`{"identifier":"490154203237518","mode":"FULL","tenantId":"shop-1"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Empty(t, w.Header().Get("X-RateLimit-Degraded"))

	var got model.VerificationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, testIMEI, got.Identifier)
	assert.Equal(t, 1, got.CreditsCharged)
	assert.Equal(t, model.StatusWarning, got.AI.OverallStatus)

	req := v.last(t)
	assert.Equal(t, testIMEI, req.Identifier)
	assert.Equal(t, model.ModeFull, req.Mode)
	assert.Equal(t, "shop-1", req.TenantID)
	assert.Equal(t, "tenant:shop-1", req.CallerKey)
}

func TestVerifyPostAliasesAndHeaderTenant(t *testing.T) {
	v := &stubVerifier{res: flaggedResult()}
	srv := newTestServer(v, "")

	w := do(t, srv, http.MethodPost, "/api/v1/verify",
		`{"imei":"490154203237518"}`, map[string]string{"X-Tenant-ID": "shop-2"})
	require.Equal(t, http.StatusOK, w.Code)

	req := v.last(t)
	assert.Equal(t, testIMEI, req.Identifier)
	assert.Equal(t, model.Mode(""), req.Mode, "the engine picks the default mode")
	assert.Equal(t, "shop-2", req.TenantID)
}

func TestVerifyPassesIdentifierThrough(t *testing.T) {
	v := &stubVerifier{res: flaggedResult()}
	srv := newTestServer(v, "")

	w := do(t, srv, http.MethodPost, "/api/v1/verify", `{"identifier":" 490154203237518 "}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, " 490154203237518 ", v.last(t).Identifier, "validation belongs to the engine")
}

func TestVerifyPostRejectsMalformedBody(t *testing.T) {
	v := &stubVerifier{res: flaggedResult()}
	srv := newTestServer(v, "")

	w := do(t, srv, http.MethodPost, "/api/v1/verify", `{"identifier":`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, v.reqs)

	var resp model.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_request", resp.Kind)
}

func TestVerifyGet(t *testing.T) {
	v := &stubVerifier{res: flaggedResult()}
	srv := newTestServer(v, "")

	w := do(t, srv, http.MethodGet, "/api/v1/verify/"+testIMEI+"?mode=basic", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	req := v.last(t)
	assert.Equal(t, testIMEI, req.Identifier)
	assert.Equal(t, model.ModeBasic, req.Mode)
	assert.Equal(t, "ip:192.0.2.1", req.CallerKey, "httptest requests come from 192.0.2.1")
}

func TestVerifyGetDecoratesFlags(t *testing.T) {
	v := &stubVerifier{res: flaggedResult()}
	srv := newTestServer(v, "")

	w := do(t, srv, http.MethodGet, "/api/v1/verify/"+testIMEI+"?decorate=1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got model.VerificationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, fraud.Decorate(flaggedResult().AI), got.AI.Flags)
	assert.Equal(t, []string{fraud.KindCarrierLocked.Text()}, v.res.AI.Flags, "stored result is untouched")
}

func TestVerifyDegradedHeader(t *testing.T) {
	res := flaggedResult()
	res.RateLimitDegraded = true
	srv := newTestServer(&stubVerifier{res: res}, "")

	w := do(t, srv, http.MethodGet, "/api/v1/verify/"+testIMEI, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get("X-RateLimit-Degraded"))
	assert.NotContains(t, w.Body.String(), "Degraded")
}

func TestVerifyErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
		wantRetry  string
	}{
		{
			name:       "invalid identifier",
			err:        &verify.Error{Kind: verify.KindInvalidIdentifier, Message: "identifier must be 15 digits"},
			wantStatus: http.StatusBadRequest,
			wantKind:   "invalid_identifier",
		},
		{
			name:       "rate limited",
			err:        &verify.Error{Kind: verify.KindRateLimited, Message: "too many requests", RetryAfter: 41500 * time.Millisecond},
			wantStatus: http.StatusTooManyRequests,
			wantKind:   "rate_limited",
			wantRetry:  "42",
		},
		{
			name:       "credit exhausted",
			err:        &verify.Error{Kind: verify.KindCreditExhausted, Message: "no credits left"},
			wantStatus: http.StatusPaymentRequired,
			wantKind:   "credit_exhausted",
		},
		{
			name:       "canceled",
			err:        &verify.Error{Kind: verify.KindCanceled, Message: "request canceled"},
			wantStatus: verify.StatusClientClosedRequest,
			wantKind:   "canceled",
		},
		{
			name:       "unclassified",
			err:        context.DeadlineExceeded,
			wantStatus: http.StatusInternalServerError,
			wantKind:   "internal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(&stubVerifier{err: tt.err}, "")

			w := do(t, srv, http.MethodGet, "/api/v1/verify/"+testIMEI, "", nil)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantRetry, w.Header().Get("Retry-After"))

			var resp model.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantKind, resp.Kind)
			assert.Equal(t, tt.wantStatus, resp.Code)
		})
	}
}

func TestVerifyExhaustedListsAttempts(t *testing.T) {
	attempts := []model.Attempt{
		{Provider: "primary", Kind: "provider_timeout", Message: "no result after 12 polls"},
		{Provider: "fallback", Kind: "provider_order_failed", Message: "HTTP 500"},
	}
	srv := newTestServer(&stubVerifier{err: &verify.Error{
		Kind:     verify.KindAllProvidersExhausted,
		Message:  "all providers failed",
		Attempts: attempts,
	}}, "")

	w := do(t, srv, http.MethodPost, "/api/v1/verify", `{"identifier":"`+testIMEI+`"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var resp model.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "all_providers_exhausted", resp.Kind)
	assert.Equal(t, attempts, resp.Attempts)
}

func TestAuth(t *testing.T) {
	srv := newTestServer(&stubVerifier{res: flaggedResult()}, "secret")
	target := "/api/v1/verify/" + testIMEI

	assert.Equal(t, http.StatusUnauthorized, do(t, srv, http.MethodGet, target, "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		do(t, srv, http.MethodGet, target, "", map[string]string{"Authorization": "Bearer wrong"}).Code)
	assert.Equal(t, http.StatusOK,
		do(t, srv, http.MethodGet, target, "", map[string]string{"Authorization": "Bearer secret"}).Code)
	assert.Equal(t, http.StatusOK,
		do(t, srv, http.MethodGet, target, "", map[string]string{"Authorization": "secret"}).Code)

	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/v1/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/metrics", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, srv, http.MethodGet, "/api/v1/stats", "", nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(&stubVerifier{res: flaggedResult()}, "secret")

	w := do(t, srv, http.MethodOptions, "/api/v1/verify", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Tenant-ID")
}

func TestHealthAndStats(t *testing.T) {
	srv := newTestServer(&stubVerifier{}, "")

	w := do(t, srv, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = do(t, srv, http.MethodGet, "/api/v1/stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats model.StatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 5, stats.RateLimitMax)
	assert.Equal(t, "memory", stats.LedgerBackend)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	verify.NewMetrics(reg)
	srv := New(&stubVerifier{}, nil, Options{Gatherer: reg, Logger: logger.Discard()})

	w := do(t, srv, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "imei_fraud_score")
}

func TestUnknownRoutes(t *testing.T) {
	srv := newTestServer(&stubVerifier{}, "")

	w := do(t, srv, http.MethodGet, "/api/v1/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, srv, http.MethodDelete, "/api/v1/verify", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
