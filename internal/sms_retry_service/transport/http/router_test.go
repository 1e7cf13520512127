package http

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/BlokusPokus/ai-assistant-sub011/internal/platform/logger"
	"github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/domain"
	"github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/repository/memory"
)

const (
	testSigningSecret = "webhook-secret"
	testJWTSecret     = "admin-secret"
)

// --- Mocks ---

type MockCallbackHandler struct {
	mock.Mock
}

func (m *MockCallbackHandler) HandleCallback(ctx context.Context, providerMessageID, status string) (bool, error) {
	args := m.Called(ctx, providerMessageID, status)
	return args.Bool(0), args.Error(1)
}

type failingEntryReader struct{}

func (failingEntryReader) GetByID(context.Context, uuid.UUID) (*domain.RetryQueueEntry, error) {
	return nil, errors.New("db down")
}

func (failingEntryReader) ListEntries(context.Context, domain.ListFilter) ([]*domain.RetryQueueEntry, error) {
	return nil, errors.New("db down")
}

func (failingEntryReader) CountByStatus(context.Context) (map[domain.Status]int64, error) {
	return nil, errors.New("db down")
}

type routerTestComponents struct {
	router    http.Handler
	callbacks *MockCallbackHandler
	store     *memory.RetryQueueStore
}

func setupRouterTest(t *testing.T, signingSecret string) routerTestComponents {
	t.Helper()
	callbacks := new(MockCallbackHandler)
	store := memory.NewRetryQueueStore()
	router := NewRouter(RouterConfig{
		Callbacks:      callbacks,
		Entries:        store,
		SigningSecret:  signingSecret,
		AdminJWTSecret: testJWTSecret,
		Logger:         logger.Discard(),
	})
	t.Cleanup(func() { callbacks.AssertExpectations(t) })
	return routerTestComponents{router: router, callbacks: callbacks, store: store}
}

func sign(t *testing.T, body string) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(testSigningSecret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func adminToken(t *testing.T, secret string, expiresIn time.Duration) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops",
		"exp": time.Now().Add(expiresIn).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func do(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestWebhook_JSONCallback(t *testing.T) {
	c := setupRouterTest(t, "")
	c.callbacks.On("HandleCallback", mock.Anything, "SM1", "delivered").Return(true, nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms/delivery", strings.NewReader(`{"provider_message_id":"SM1","status":"delivered"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := do(c.router, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"acknowledged":true}`, rr.Body.String())
}

func TestWebhook_FormCallback(t *testing.T) {
	c := setupRouterTest(t, "")
	c.callbacks.On("HandleCallback", mock.Anything, "SM2", "undelivered").Return(true, nil).Once()

	form := url.Values{"MessageSid": {"SM2"}, "MessageStatus": {"undelivered"}, "AccountSid": {"AC1"}}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms/delivery", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	rr := do(c.router, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestWebhook_Malformed(t *testing.T) {
	c := setupRouterTest(t, "")

	for name, body := range map[string]string{
		"NotJSON":       `{oops`,
		"MissingID":     `{"status":"delivered"}`,
		"MissingStatus": `{"provider_message_id":"SM1"}`,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhooks/sms/delivery", strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			rr := do(c.router, req)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
	c.callbacks.AssertNotCalled(t, "HandleCallback", mock.Anything, mock.Anything, mock.Anything)
}

func TestWebhook_HandlerErrors(t *testing.T) {
	c := setupRouterTest(t, "")
	c.callbacks.On("HandleCallback", mock.Anything, "SM3", "delivered").Return(false, errors.New("db down")).Once()
	c.callbacks.On("HandleCallback", mock.Anything, "SM4", " ").Return(false, domain.ErrMalformedCallback).Once()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms/delivery", strings.NewReader(`{"provider_message_id":"SM3","status":"delivered"}`))
	assert.Equal(t, http.StatusInternalServerError, do(c.router, req).Code)

	req = httptest.NewRequest(http.MethodPost, "/webhooks/sms/delivery", strings.NewReader(`{"provider_message_id":"SM4","status":" "}`))
	assert.Equal(t, http.StatusBadRequest, do(c.router, req).Code)
}

func TestWebhook_BodyTooLarge(t *testing.T) {
	c := setupRouterTest(t, "")

	body := `{"provider_message_id":"SM1","status":"` + strings.Repeat("x", maxWebhookBodyBytes) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms/delivery", strings.NewReader(body))
	rr := do(c.router, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestWebhook_Signature(t *testing.T) {
	c := setupRouterTest(t, testSigningSecret)
	body := `{"provider_message_id":"SM5","status":"delivered"}`
	c.callbacks.On("HandleCallback", mock.Anything, "SM5", "delivered").Return(true, nil).Twice()

	t.Run("Valid", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/sms/delivery", strings.NewReader(body))
		req.Header.Set(SignatureHeader, sign(t, body))
		assert.Equal(t, http.StatusOK, do(c.router, req).Code)
	})

	t.Run("ValidWithPrefix", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/sms/delivery", strings.NewReader(body))
		req.Header.Set(SignatureHeader, "sha256="+sign(t, body))
		assert.Equal(t, http.StatusOK, do(c.router, req).Code)
	})

	t.Run("Missing", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/sms/delivery", strings.NewReader(body))
		assert.Equal(t, http.StatusUnauthorized, do(c.router, req).Code)
	})

	t.Run("Tampered", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/sms/delivery", strings.NewReader(strings.Replace(body, "SM5", "SM6", 1)))
		req.Header.Set(SignatureHeader, sign(t, body))
		assert.Equal(t, http.StatusUnauthorized, do(c.router, req).Code)
	})
}

func seedEntries(t *testing.T, store *memory.RetryQueueStore) []*domain.RetryQueueEntry {
	t.Helper()
	base := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	var out []*domain.RetryQueueEntry
	for i, status := range []domain.Status{domain.StatusPending, domain.StatusPending, domain.StatusFailed, domain.StatusDelivered} {
		e := &domain.RetryQueueEntry{
			ID:             uuid.New(),
			Recipient:      "+15005550006",
			MessageBody:    "hello",
			MaxAttempts:    3,
			NextEligibleAt: base,
			Status:         status,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
			UpdatedAt:      base,
		}
		require.NoError(t, store.Create(context.Background(), e))
		out = append(out, e)
	}
	return out
}

func adminRequest(t *testing.T, target string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, testJWTSecret, time.Hour))
	return req
}

func TestAdmin_RequiresValidToken(t *testing.T) {
	c := setupRouterTest(t, "")

	req := httptest.NewRequest(http.MethodGet, "/admin/retry/stats", nil)
	assert.Equal(t, http.StatusUnauthorized, do(c.router, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/retry/stats", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, "other-secret", time.Hour))
	assert.Equal(t, http.StatusUnauthorized, do(c.router, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/retry/stats", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, testJWTSecret, -time.Minute))
	assert.Equal(t, http.StatusUnauthorized, do(c.router, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/retry/stats", nil)
	req.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, http.StatusUnauthorized, do(c.router, req).Code)
}

func TestAdmin_ListEntries(t *testing.T) {
	c := setupRouterTest(t, "")
	seeded := seedEntries(t, c.store)

	rr := do(c.router, adminRequest(t, "/admin/retry/entries?status=pending&limit=1"))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp ListEntriesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, seeded[1].ID, resp.Entries[0].ID, "newest pending first")
	assert.Equal(t, 1, resp.Limit)

	rr = do(c.router, adminRequest(t, "/admin/retry/entries?offset=10"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"entries":[],"limit":50,"offset":10}`, rr.Body.String())

	for _, q := range []string{"status=bogus", "limit=0", "limit=x", "offset=-1"} {
		rr = do(c.router, adminRequest(t, "/admin/retry/entries?"+q))
		assert.Equal(t, http.StatusBadRequest, rr.Code, q)
	}
}

func TestAdmin_GetEntry(t *testing.T) {
	c := setupRouterTest(t, "")
	seeded := seedEntries(t, c.store)

	rr := do(c.router, adminRequest(t, "/admin/retry/entries/"+seeded[2].ID.String()))
	require.Equal(t, http.StatusOK, rr.Code)
	var got domain.RetryQueueEntry
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, domain.StatusFailed, got.Status)

	assert.Equal(t, http.StatusNotFound, do(c.router, adminRequest(t, "/admin/retry/entries/"+uuid.NewString())).Code)
	assert.Equal(t, http.StatusBadRequest, do(c.router, adminRequest(t, "/admin/retry/entries/not-a-uuid")).Code)
}

func TestAdmin_Stats(t *testing.T) {
	c := setupRouterTest(t, "")
	seedEntries(t, c.store)

	rr := do(c.router, adminRequest(t, "/admin/retry/stats"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"counts":{"pending":2,"in_flight":0,"delivered":1,"failed":1},"total":4}`, rr.Body.String())
}

func TestAdmin_StoreErrors(t *testing.T) {
	router := NewRouter(RouterConfig{
		Callbacks:      new(MockCallbackHandler),
		Entries:        failingEntryReader{},
		AdminJWTSecret: testJWTSecret,
		Logger:         logger.Discard(),
	})
	for _, target := range []string{"/admin/retry/entries", "/admin/retry/entries/" + uuid.NewString(), "/admin/retry/stats"} {
		assert.Equal(t, http.StatusInternalServerError, do(router, adminRequest(t, target)).Code, target)
	}
}

func TestRouter_AdminDisabledWithoutSecret(t *testing.T) {
	router := NewRouter(RouterConfig{
		Callbacks: new(MockCallbackHandler),
		Entries:   memory.NewRetryQueueStore(),
		Logger:    logger.Discard(),
	})
	assert.Equal(t, http.StatusNotFound, do(router, adminRequest(t, "/admin/retry/stats")).Code)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	c := setupRouterTest(t, "")

	rr := do(c.router, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	rr = do(c.router, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `sms_retry_http_requests_total{method="GET",route="/health",status="200"}`)
}

func TestRouter_MetricsUseRoutePattern(t *testing.T) {
	c := setupRouterTest(t, "admin-secret")

	rr := do(c.router, adminRequest(t, "/admin/retry/entries/0b6f1f2e-5c4a-4f7e-9a43-7f3a5d2c9e11"))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	do(c.router, httptest.NewRequest(http.MethodGet, "/no/such/route", nil))

	body := do(c.router, httptest.NewRequest(http.MethodGet, "/metrics", nil)).Body.String()
	assert.Contains(t, body, `route="/admin/retry/entries/{id}"`)
	assert.Contains(t, body, `route="unmatched"`)
	assert.NotContains(t, body, "0b6f1f2e-5c4a-4f7e-9a43-7f3a5d2c9e11")
}
