package handler

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otp-auth-service/internal/bucketing"
	"otp-auth-service/internal/config"
	"otp-auth-service/internal/encryption"
	"otp-auth-service/internal/hashing"
	"otp-auth-service/internal/model"
	redisrepo "otp-auth-service/internal/repository/redis"
	"otp-auth-service/internal/repository/scylla"
	"otp-auth-service/internal/service"
	"otp-auth-service/internal/token"
)

// In-memory doubles for the stores behind the service layer.

type memPending struct {
	mu   sync.Mutex
	recs map[string]*model.PendingOTP
	ttls map[string]time.Duration
}

func (m *memPending) key(sid, phone string) string { return sid + ":" + phone }

func (m *memPending) Put(_ context.Context, p *model.PendingOTP, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *p
	m.recs[m.key(p.SessionID, p.Phone)] = &c
	m.ttls[m.key(p.SessionID, p.Phone)] = ttl
	return nil
}

func (m *memPending) Get(_ context.Context, sid, phone string) (*model.PendingOTP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.recs[m.key(sid, phone)]; ok {
		c := *r
		return &c, nil
	}
	return nil, redisrepo.ErrNotFound
}

func (m *memPending) TTL(_ context.Context, sid, phone string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ttl, ok := m.ttls[m.key(sid, phone)]; ok {
		return ttl, nil
	}
	return 0, redisrepo.ErrNotFound
}

func (m *memPending) DecrementAttempts(_ context.Context, sid, phone string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[m.key(sid, phone)]
	if !ok {
		return 0, redisrepo.ErrNotFound
	}
	r.AttemptsLeft--
	return r.AttemptsLeft, nil
}

func (m *memPending) Delete(_ context.Context, sid, phone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, m.key(sid, phone))
	delete(m.ttls, m.key(sid, phone))
	return nil
}

type memRates struct {
	mu       sync.Mutex
	counters map[string]int64
	guards   map[string]time.Time
}

func (m *memRates) IncrementRequests(_ context.Context, phone string, bucket int64, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := phone + ":" + time.Unix(bucket, 0).UTC().Format(time.RFC3339)
	m.counters[key]++
	return m.counters[key], nil
}

func (m *memRates) SetResendGuard(_ context.Context, phone string, cooldown time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.guards[phone]; ok && exp.After(time.Now()) {
		return false, nil
	}
	m.guards[phone] = time.Now().Add(cooldown)
	return true, nil
}

func (m *memRates) ResendGuardTTL(_ context.Context, phone string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.guards[phone]; ok && exp.After(time.Now()) {
		return time.Until(exp), nil
	}
	return 0, nil
}

func (m *memRates) clear(phone string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.guards, phone)
}

type memSessions struct {
	mu   sync.Mutex
	recs map[string]*model.ActiveSession
}

func (m *memSessions) Put(_ context.Context, s *model.ActiveSession, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *s
	m.recs[s.UserID+":"+s.FingerprintHash] = &c
	return nil
}

func (m *memSessions) Get(_ context.Context, uid, fp string) (*model.ActiveSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.recs[uid+":"+fp]; ok {
		c := *r
		return &c, nil
	}
	return nil, redisrepo.ErrSessionNotFound
}

func (m *memSessions) Delete(_ context.Context, uid, fp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, uid+":"+fp)
	return nil
}

type memUsers struct {
	mu      sync.Mutex
	byPhone map[string]*model.User
	byID    map[string]*model.User
	seq     int
}

func (m *memUsers) CreateUser(_ context.Context, u *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.UserID == "" {
		m.seq++
		u.UserID = "user-" + time.Now().Format("150405") + "-" + string(rune('a'+m.seq))
	}
	c := *u
	m.byPhone[u.PhoneHash] = &c
	m.byID[u.UserID] = &c
	return nil
}

func (m *memUsers) GetUserByPhoneHash(_ context.Context, ph string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.byPhone[ph]; ok {
		c := *u
		return &c, nil
	}
	return nil, scylla.ErrUserNotFound
}

func (m *memUsers) GetUserByID(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.byID[id]; ok {
		c := *u
		return &c, nil
	}
	return nil, scylla.ErrUserNotFound
}

func (m *memUsers) UpdateLastLogin(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.byID[id]; ok {
		u.LastLoginAt = &at
	}
	return nil
}

type memSender struct {
	mu    sync.Mutex
	codes []string
}

func (m *memSender) SendOTP(_ context.Context, _, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes = append(m.codes, code)
	return nil
}

func (m *memSender) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.codes) == 0 {
		return ""
	}
	return m.codes[len(m.codes)-1]
}

type testEnv struct {
	router http.Handler
	sender *memSender
	rates  *memRates
	cfg    *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{}
	cfg.OTP.CodeLength = 6
	cfg.OTP.Validity = 5 * time.Minute
	cfg.OTP.AttemptBudget = 5
	cfg.OTP.ResendCooldown = 60 * time.Second
	cfg.OTP.WindowLength = time.Hour
	cfg.OTP.WindowLimit = 5
	cfg.Hashing.Argon2MemoryCost = 8 * 1024
	cfg.Hashing.Argon2TimeCost = 1
	cfg.Hashing.Argon2Parallelism = 1
	cfg.Hashing.Pepper = "test-pepper"
	cfg.Bucketing.UserBuckets = 256
	cfg.Bucketing.EventBuckets = 64
	cfg.Token.CookieSecure = false

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tokens := token.NewProviderFromKeys(key, 15*time.Minute, 30*24*time.Hour)

	pending := &memPending{recs: map[string]*model.PendingOTP{}, ttls: map[string]time.Duration{}}
	rates := &memRates{counters: map[string]int64{}, guards: map[string]time.Time{}}
	sessions := &memSessions{recs: map[string]*model.ActiveSession{}}
	users := &memUsers{byPhone: map[string]*model.User{}, byID: map[string]*model.User{}}
	sender := &memSender{}

	buckets := bucketing.NewManager(cfg)
	hasher := hashing.NewHasher(cfg)
	encryptor := encryption.NewManager(cfg, nil)

	limiter := service.NewRateLimiter(rates, buckets, cfg)
	sessionSvc := service.NewSessionService(sessions, users, tokens, encryptor, nil)
	otpSvc := service.NewOTPService(pending, limiter, hasher, sender, sessionSvc, nil, cfg)

	services := &service.Services{RateLimiter: limiter, OTP: otpSvc, Session: sessionSvc}
	router := NewRouter(NewAuthHandler(services, cfg), cfg, nil)

	return &testEnv{router: router, sender: sender, rates: rates, cfg: cfg}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.7:51234"
	for _, c := range cookies {
		req.AddCookie(c)
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) (Response, map[string]any) {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	data, _ := resp.Data.(map[string]any)
	return resp, data
}

const handlerPhone = "+15554443322"

func (e *testEnv) requestOTP(t *testing.T) (sessionID, code string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/otp", map[string]string{"phone": handlerPhone})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	_, data := decodeEnvelope(t, rec)
	e.rates.clear(handlerPhone)
	return data["session_id"].(string), e.sender.last()
}

func TestRequestOTPReturnsSession(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/otp", map[string]string{"phone": handlerPhone})
	require.Equal(t, http.StatusCreated, rec.Code)

	resp, data := decodeEnvelope(t, rec)
	assert.True(t, resp.Success)
	assert.NotEmpty(t, data["session_id"])
	assert.NotEmpty(t, data["expires_at"])
	assert.Len(t, env.sender.last(), 6)
}

func TestRequestOTPValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/otp", map[string]string{"phone": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp, _ := decodeEnvelope(t, rec)
	assert.Equal(t, "INVALID_DATA", resp.ErrorCode)

	rec = env.do(t, http.MethodPost, "/otp", map[string]string{"phone": "letters"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestOTPCooldownConflict(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/otp", map[string]string{"phone": handlerPhone})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, "/otp", map[string]string{"phone": handlerPhone})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	resp, _ := decodeEnvelope(t, rec)
	assert.Equal(t, "OTP_RESEND_TOO_SOON", resp.ErrorCode)
}

func TestRequestOTPAbuseLimit(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 5; i++ {
		rec := env.do(t, http.MethodPost, "/otp", map[string]string{"phone": handlerPhone})
		require.Equal(t, http.StatusCreated, rec.Code)
		env.rates.clear(handlerPhone)
	}

	rec := env.do(t, http.MethodPost, "/otp", map[string]string{"phone": handlerPhone})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	resp, _ := decodeEnvelope(t, rec)
	assert.Equal(t, "ABUSE_LIMIT", resp.ErrorCode)
}

func TestVerifyFlowSetsCookies(t *testing.T) {
	env := newTestEnv(t)
	sessionID, code := env.requestOTP(t)

	rec := env.do(t, http.MethodPost, "/otp/verify", map[string]string{
		"session_id":  sessionID,
		"phone":       handlerPhone,
		"code":        code,
		"fingerprint": "device-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp, data := decodeEnvelope(t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, true, data["is_new_user"])

	cookies := rec.Result().Cookies()
	names := make(map[string]bool, len(cookies))
	for _, c := range cookies {
		names[c.Name] = true
		assert.True(t, c.HttpOnly, "cookie %s must be http-only", c.Name)
	}
	assert.True(t, names["access_token"])
	assert.True(t, names["refresh_token"])
}

func TestVerifyWrongCode(t *testing.T) {
	env := newTestEnv(t)
	sessionID, code := env.requestOTP(t)

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	rec := env.do(t, http.MethodPost, "/otp/verify", map[string]string{
		"session_id": sessionID,
		"phone":      handlerPhone,
		"code":       wrong,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	resp, _ := decodeEnvelope(t, rec)
	assert.Equal(t, "INVALID_CODE", resp.ErrorCode)
}

func TestVerifyUnknownSessionIsGone(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/otp/verify", map[string]string{
		"session_id": "79f1a0d3-02d6-4a6d-9d9a-54f339a1e609",
		"phone":      handlerPhone,
		"code":       "123456",
	})
	assert.Equal(t, http.StatusGone, rec.Code)
	resp, _ := decodeEnvelope(t, rec)
	assert.Equal(t, "OTP_EXPIRED_OR_UNKNOWN", resp.ErrorCode)
}

func TestVerifyExhaustionIsTooManyRequests(t *testing.T) {
	env := newTestEnv(t)
	sessionID, code := env.requestOTP(t)

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	var rec *httptest.ResponseRecorder
	for i := 0; i < 5; i++ {
		rec = env.do(t, http.MethodPost, "/otp/verify", map[string]string{
			"session_id": sessionID,
			"phone":      handlerPhone,
			"code":       wrong,
		})
	}
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	resp, _ := decodeEnvelope(t, rec)
	assert.Equal(t, "ATTEMPTS_EXHAUSTED", resp.ErrorCode)
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)
	sessionID, _ := env.requestOTP(t)

	rec := env.do(t, http.MethodGet, "/otp/status?session_id="+sessionID+"&phone="+url.QueryEscape(handlerPhone), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, data := decodeEnvelope(t, rec)
	assert.Equal(t, float64(5), data["attempts_left"])

	rec = env.do(t, http.MethodGet, "/otp/status?session_id=missing&phone="+url.QueryEscape(handlerPhone), nil)
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestRefreshWithCookie(t *testing.T) {
	env := newTestEnv(t)
	sessionID, code := env.requestOTP(t)

	verify := env.do(t, http.MethodPost, "/otp/verify", map[string]string{
		"session_id":  sessionID,
		"phone":       handlerPhone,
		"code":        code,
		"fingerprint": "device-1",
	})
	require.Equal(t, http.StatusOK, verify.Code)

	var refreshCookie *http.Cookie
	for _, c := range verify.Result().Cookies() {
		if c.Name == "refresh_token" {
			refreshCookie = c
		}
	}
	require.NotNil(t, refreshCookie)

	rec := env.do(t, http.MethodPost, "/auth/refresh",
		map[string]string{"fingerprint": "device-1"}, refreshCookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The same (now superseded) token is refused on a second use.
	rec = env.do(t, http.MethodPost, "/auth/refresh",
		map[string]string{"fingerprint": "device-1"}, refreshCookie)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	resp, _ := decodeEnvelope(t, rec)
	assert.Equal(t, "SESSION_REVOKED", resp.ErrorCode)
}

func TestRefreshWithoutToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/auth/refresh", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutClearsCookies(t *testing.T) {
	env := newTestEnv(t)
	sessionID, code := env.requestOTP(t)

	verify := env.do(t, http.MethodPost, "/otp/verify", map[string]string{
		"session_id":  sessionID,
		"phone":       handlerPhone,
		"code":        code,
		"fingerprint": "device-1",
	})
	require.Equal(t, http.StatusOK, verify.Code)

	var refreshCookie *http.Cookie
	for _, c := range verify.Result().Cookies() {
		if c.Name == "refresh_token" {
			refreshCookie = c
		}
	}
	require.NotNil(t, refreshCookie)

	rec := env.do(t, http.MethodPost, "/auth/logout",
		map[string]string{"fingerprint": "device-1"}, refreshCookie)
	require.Equal(t, http.StatusOK, rec.Code)

	// The session is gone, so the token no longer refreshes.
	rec = env.do(t, http.MethodPost, "/auth/refresh",
		map[string]string{"fingerprint": "device-1"}, refreshCookie)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp, data := decodeEnvelope(t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, "healthy", data["status"])
}

func TestUnknownRouteIsJSON(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
}
