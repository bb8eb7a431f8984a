package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"identity-service/internal/config"
	"identity-service/internal/model"
	"identity-service/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeVerifier struct {
	startErr    error
	completeErr error
	lastStart   service.StartRequest
}

func (f *fakeVerifier) StartVerification(_ context.Context, req service.StartRequest) (*service.StartResponse, error) {
	f.lastStart = req
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &service.StartResponse{Status: service.StatusSent, ExpiresIn: 600}, nil
}

func (f *fakeVerifier) CompleteVerification(_ context.Context, req service.CompleteRequest) (*service.CompleteResponse, error) {
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return &service.CompleteResponse{
		AccessToken: "token",
		TokenType:   "Bearer",
		ExpiresIn:   86400,
		User:        service.UserInfo{ID: "u1", ContactType: "phone", IsNew: req.CreateAccount},
	}, nil
}

type fakePins struct {
	pins     map[string]*model.ProfessionalPin
	issueErr error
	verifyFn func(pin, verifierType, verifierID string) (string, error)
}

func (f *fakePins) Get(_ context.Context, userID string) (*model.ProfessionalPin, error) {
	if p, ok := f.pins[userID]; ok {
		return p, nil
	}
	return nil, service.ErrPinNotFound
}

func (f *fakePins) Issue(_ context.Context, userID, customPin string) (*model.ProfessionalPin, error) {
	if f.issueErr != nil {
		return nil, f.issueErr
	}
	number := customPin
	if number == "" {
		number = "PIN-NG-2025-AB12CD"
	}
	p := &model.ProfessionalPin{UserID: userID, PinNumber: number, VerificationStatus: model.PinStatusIssued}
	f.pins[userID] = p
	return p, nil
}

func (f *fakePins) Verify(_ context.Context, pin, verifierType, verifierID string) (string, error) {
	return f.verifyFn(pin, verifierType, verifierID)
}

type fakeLimiter struct{ err error }

func (f fakeLimiter) AllowPinVerify(context.Context, string, string) error { return f.err }

type fakeHealth map[string]error

func (f fakeHealth) HealthCheck(context.Context) map[string]error { return f }

type testServer struct {
	router   http.Handler
	verifier *fakeVerifier
	pins     *fakePins
	sessions *service.SessionIssuer
}

func newTestServer(t *testing.T, limiter VerifyLimiter, health HealthChecker) *testServer {
	t.Helper()
	sessions, err := service.NewSessionIssuer("test-secret", time.Hour, "identity-service")
	require.NoError(t, err)

	ts := &testServer{
		verifier: &fakeVerifier{},
		pins: &fakePins{
			pins: map[string]*model.ProfessionalPin{},
			verifyFn: func(pin, _, _ string) (string, error) {
				if pin == "PIN-NG-2025-AB12CD" {
					return "u1", nil
				}
				return "", service.ErrInvalidPin
			},
		},
		sessions: sessions,
	}
	logger := zap.NewNop()
	ts.router = NewRouter(
		NewOTPHandler(ts.verifier, logger),
		NewPinHandler(ts.pins, limiter, sessions, logger),
		health,
		config.ServerConfig{AllowedOrigins: []string{"https://example.com"}},
		logger,
	)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestOTPStart(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/otp/start", `{"contact":"+2348000000001","create_account":true}`, "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "sent", body["status"])
	assert.Equal(t, float64(600), body["expires_in"])
	assert.True(t, ts.verifier.lastStart.CreateAccount)
	assert.Equal(t, "192.0.2.1", ts.verifier.lastStart.ClientIP)
}

func TestOTPStartErrorStatuses(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{service.ErrInvalidInput, http.StatusBadRequest},
		{service.ErrAlreadyExists, http.StatusBadRequest},
		{service.ErrAccountNotFound, http.StatusNotFound},
		{service.ErrAccountDeleted, http.StatusForbidden},
		{&service.RateLimitError{RetryAfterSeconds: 42}, http.StatusTooManyRequests},
		{fmt.Errorf("%w: provider down", service.ErrDeliveryFailed), http.StatusInternalServerError},
		{fmt.Errorf("%w: timeout", service.ErrStorage), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			ts := newTestServer(t, nil, nil)
			ts.verifier.startErr = tc.err

			rec := ts.do(t, http.MethodPost, "/api/v1/otp/start", `{"contact":"+2348000000001"}`, "")
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, false, decode(t, rec)["success"])
		})
	}
}

func TestRateLimitedResponseCarriesRetryAfter(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ts.verifier.startErr = &service.RateLimitError{RetryAfterSeconds: 42}

	rec := ts.do(t, http.MethodPost, "/api/v1/otp/start", `{"contact":"+2348000000001"}`, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))
}

func TestDependencyErrorsAreGeneric(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ts.verifier.startErr = fmt.Errorf("%w: dial tcp 10.0.0.5:9042: connection refused", service.ErrStorage)

	rec := ts.do(t, http.MethodPost, "/api/v1/otp/start", `{"contact":"+2348000000001"}`, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
}

func TestOTPStartRejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	rec := ts.do(t, http.MethodPost, "/api/v1/otp/start", `{"contact":`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOTPComplete(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/otp/complete", `{"contact":"+2348000000001","otp":"123456","create_account":true}`, "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "token", body["access_token"])
	user := body["user"].(map[string]interface{})
	assert.Equal(t, "u1", user["id"])
	assert.Equal(t, true, user["is_new"])
}

func TestOTPCompleteErrorStatuses(t *testing.T) {
	cases := map[error]int{
		service.ErrOTPMismatch:     http.StatusBadRequest,
		service.ErrOTPNotFound:     http.StatusBadRequest,
		service.ErrTooManyAttempts: http.StatusTooManyRequests,
		service.ErrAccountDeleted:  http.StatusForbidden,
		service.ErrAccountNotFound: http.StatusNotFound,
		errors.New("boom"):         http.StatusInternalServerError,
	}
	for err, status := range cases {
		ts := newTestServer(t, nil, nil)
		ts.verifier.completeErr = err
		rec := ts.do(t, http.MethodPost, "/api/v1/otp/complete", `{"contact":"+2348000000001","otp":"1"}`, "")
		assert.Equal(t, status, rec.Code, err.Error())
	}
}

func TestPinIssueRequiresBearer(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/pin/issue", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/pin/issue", "", "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPinIssue(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	token, _, err := ts.sessions.Issue("u7", "")
	require.NoError(t, err)

	rec := ts.do(t, http.MethodPost, "/api/v1/pin/issue", "", token)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "PIN-NG-2025-AB12CD", body["pin"])
	assert.Equal(t, "u7", body["data"].(map[string]interface{})["user_id"])
	assert.Contains(t, ts.pins.pins, "u7")

	// A repeat call returns the same PIN in the same shape.
	rec = ts.do(t, http.MethodPost, "/api/v1/pin/issue", "", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PIN-NG-2025-AB12CD", decode(t, rec)["pin"])

	rec = ts.do(t, http.MethodGet, "/api/v1/pin", "", token)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPinIssueCustomTaken(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ts.pins.issueErr = service.ErrPinTaken
	token, _, err := ts.sessions.Issue("u7", "")
	require.NoError(t, err)

	rec := ts.do(t, http.MethodPost, "/api/v1/pin/issue", `{"custom_pin":"PIN-NG-2025-AB12CD"}`, token)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPinGetWithoutPin(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	token, _, err := ts.sessions.Issue("u8", "")
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/api/v1/pin", "", token)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPinVerify(t *testing.T) {
	ts := newTestServer(t, fakeLimiter{}, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/pin/verify",
		`{"pin":"PIN-NG-2025-AB12CD","verifier_type":"employer","verifier_id":"emp-1"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "u1", body["user_id"])

	rec = ts.do(t, http.MethodPost, "/api/v1/pin/verify",
		`{"pin":"PIN-NG-2025-ZZZZZZ","verifier_type":"employer","verifier_id":"emp-1"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "invalid pin", body["error"])
	assert.NotContains(t, body, "user_id")
}

func TestPinVerifyMissingFields(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ts.pins.verifyFn = func(string, string, string) (string, error) { return "", service.ErrInvalidInput }

	rec := ts.do(t, http.MethodPost, "/api/v1/pin/verify", `{"pin":"PIN-NG-2025-AB12CD"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPinVerifyRateLimited(t *testing.T) {
	ts := newTestServer(t, fakeLimiter{err: &service.RateLimitError{RetryAfterSeconds: 30}}, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/pin/verify",
		`{"pin":"PIN-NG-2025-AB12CD","verifier_type":"employer","verifier_id":"emp-1"}`, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t, nil, fakeHealth{"redis": nil, "scylla": errors.New("down")})

	rec := ts.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "unhealthy", body["status"])
	checks := body["checks"].(map[string]interface{})
	assert.Equal(t, "healthy", checks["redis"])
	assert.Equal(t, "unhealthy", checks["scylla"])
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	rec := ts.do(t, http.MethodGet, "/api/v1/nope", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
