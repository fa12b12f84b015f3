package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"otp-auth-service/internal/audit"
	"otp-auth-service/internal/bucketing"
	"otp-auth-service/internal/config"
	"otp-auth-service/internal/encryption"
	"otp-auth-service/internal/hashing"
	"otp-auth-service/internal/model"
	redisrepo "otp-auth-service/internal/repository/redis"
	"otp-auth-service/internal/repository/scylla"
	"otp-auth-service/internal/token"
	"otp-auth-service/internal/util"
)

func testConfig() *config.Config {
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
	cfg.KMS.Enabled = false
	cfg.Bucketing.UserBuckets = 256
	cfg.Bucketing.EventBuckets = 64
	return cfg
}

// fakePendingStore keeps pending records in memory with recorded TTLs.
type fakePendingStore struct {
	mu      sync.Mutex
	records map[string]*model.PendingOTP
	ttls    map[string]time.Duration
}

func newFakePendingStore() *fakePendingStore {
	return &fakePendingStore{
		records: make(map[string]*model.PendingOTP),
		ttls:    make(map[string]time.Duration),
	}
}

func pendingFakeKey(sessionID, phone string) string { return sessionID + ":" + phone }

func (f *fakePendingStore) Put(_ context.Context, pending *model.PendingOTP, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *pending
	f.records[pendingFakeKey(pending.SessionID, pending.Phone)] = &copied
	f.ttls[pendingFakeKey(pending.SessionID, pending.Phone)] = ttl
	return nil
}

func (f *fakePendingStore) Get(_ context.Context, sessionID, phone string) (*model.PendingOTP, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[pendingFakeKey(sessionID, phone)]
	if !ok {
		return nil, redisrepo.ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

func (f *fakePendingStore) TTL(_ context.Context, sessionID, phone string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ttl, ok := f.ttls[pendingFakeKey(sessionID, phone)]
	if !ok {
		return 0, redisrepo.ErrNotFound
	}
	return ttl, nil
}

func (f *fakePendingStore) DecrementAttempts(_ context.Context, sessionID, phone string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[pendingFakeKey(sessionID, phone)]
	if !ok {
		return 0, redisrepo.ErrNotFound
	}
	rec.AttemptsLeft--
	return rec.AttemptsLeft, nil
}

func (f *fakePendingStore) Delete(_ context.Context, sessionID, phone string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, pendingFakeKey(sessionID, phone))
	delete(f.ttls, pendingFakeKey(sessionID, phone))
	return nil
}

// fakeRateStore counts requests per phone and window bucket.
type fakeRateStore struct {
	mu       sync.Mutex
	counters map[string]int64
	guards   map[string]time.Time
}

func newFakeRateStore() *fakeRateStore {
	return &fakeRateStore{
		counters: make(map[string]int64),
		guards:   make(map[string]time.Time),
	}
}

func (f *fakeRateStore) IncrementRequests(_ context.Context, phone string, bucket int64, _ time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := phone + ":" + time.Unix(bucket, 0).UTC().Format(time.RFC3339)
	f.counters[key]++
	return f.counters[key], nil
}

func (f *fakeRateStore) SetResendGuard(_ context.Context, phone string, cooldown time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if expiry, ok := f.guards[phone]; ok && expiry.After(time.Now()) {
		return false, nil
	}
	f.guards[phone] = time.Now().Add(cooldown)
	return true, nil
}

func (f *fakeRateStore) ResendGuardTTL(_ context.Context, phone string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	expiry, ok := f.guards[phone]
	if !ok || expiry.Before(time.Now()) {
		return 0, nil
	}
	return time.Until(expiry), nil
}

func (f *fakeRateStore) clearGuard(phone string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.guards, phone)
}

// fakeSessionStore keeps one session per user and fingerprint.
type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*model.ActiveSession
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]*model.ActiveSession)}
}

func sessionFakeKey(userID, fpHash string) string { return userID + ":" + fpHash }

func (f *fakeSessionStore) Put(_ context.Context, session *model.ActiveSession, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *session
	f.sessions[sessionFakeKey(session.UserID, session.FingerprintHash)] = &copied
	return nil
}

func (f *fakeSessionStore) Get(_ context.Context, userID, fpHash string) (*model.ActiveSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[sessionFakeKey(userID, fpHash)]
	if !ok {
		return nil, redisrepo.ErrSessionNotFound
	}
	copied := *session
	return &copied, nil
}

func (f *fakeSessionStore) Delete(_ context.Context, userID, fpHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessionFakeKey(userID, fpHash))
	return nil
}

// fakeUserStore indexes users by phone hash and by ID.
type fakeUserStore struct {
	mu      sync.Mutex
	byPhone map[string]*model.User
	byID    map[string]*model.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{
		byPhone: make(map[string]*model.User),
		byID:    make(map[string]*model.User),
	}
}

func (f *fakeUserStore) CreateUser(_ context.Context, user *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if user.UserID == "" {
		user.UserID = uuid.New().String()
	}
	user.CreatedAt = time.Now().UTC()
	user.UpdatedAt = user.CreatedAt
	copied := *user
	f.byPhone[user.PhoneHash] = &copied
	f.byID[user.UserID] = &copied
	return nil
}

func (f *fakeUserStore) GetUserByPhoneHash(_ context.Context, phoneHash string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.byPhone[phoneHash]
	if !ok {
		return nil, scylla.ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

func (f *fakeUserStore) GetUserByID(_ context.Context, userID string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.byID[userID]
	if !ok {
		return nil, scylla.ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

func (f *fakeUserStore) UpdateLastLogin(_ context.Context, userID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if user, ok := f.byID[userID]; ok {
		user.LastLoginAt = &at
	}
	return nil
}

func (f *fakeUserStore) block(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if user, ok := f.byID[userID]; ok {
		user.IsBlocked = true
	}
}

// fakeSender records delivered codes instead of sending SMS.
type fakeSender struct {
	mu    sync.Mutex
	codes []string
	fail  bool
}

func (f *fakeSender) SendOTP(_ context.Context, _, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return context.DeadlineExceeded
	}
	f.codes = append(f.codes, code)
	return nil
}

func (f *fakeSender) lastCode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.codes) == 0 {
		return ""
	}
	return f.codes[len(f.codes)-1]
}

// captureRecorder collects audit events for assertions.
type captureRecorder struct {
	mu     sync.Mutex
	events []*model.AuthEvent
}

func (c *captureRecorder) Record(_ context.Context, event *model.AuthEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureRecorder) byType(eventType string) []*model.AuthEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*model.AuthEvent
	for _, ev := range c.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

var _ audit.Recorder = (*captureRecorder)(nil)

// harness wires the full service layer against in-memory stores, a real
// hasher, and a real token provider.
type harness struct {
	cfg      *config.Config
	pending  *fakePendingStore
	rates    *fakeRateStore
	sessions *fakeSessionStore
	users    *fakeUserStore
	sender   *fakeSender
	recorder *captureRecorder
	tokens   *token.Provider

	limiter *RateLimiter
	otp     *OTPService
	session *SessionService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := testConfig()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	h := &harness{
		cfg:      cfg,
		pending:  newFakePendingStore(),
		rates:    newFakeRateStore(),
		sessions: newFakeSessionStore(),
		users:    newFakeUserStore(),
		sender:   &fakeSender{},
		recorder: &captureRecorder{},
		tokens:   token.NewProviderFromKeys(key, 15*time.Minute, 30*24*time.Hour),
	}

	buckets := bucketing.NewManager(cfg)
	hasher := hashing.NewHasher(cfg)
	encryptor := encryption.NewManager(cfg, nil)

	h.limiter = NewRateLimiter(h.rates, buckets, cfg)
	h.session = NewSessionService(h.sessions, h.users, h.tokens, encryptor, h.recorder)
	h.otp = NewOTPService(h.pending, h.limiter, hasher, h.sender, h.session, h.recorder, cfg)

	return h
}

// issueAndFetchCode requests a code and returns the session ID with the code
// the sender captured. The resend guard is cleared so tests can issue again.
func (h *harness) issueAndFetchCode(t *testing.T, phone string) (string, string) {
	t.Helper()
	res, err := h.otp.Issue(context.Background(), phone)
	require.NoError(t, err)
	h.rates.clearGuard(normalized(t, phone))
	return res.SessionID, h.sender.lastCode()
}

func normalized(t *testing.T, phone string) string {
	t.Helper()
	p, err := util.NormalizePhone(phone)
	require.NoError(t, err)
	return p
}
