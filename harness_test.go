package memberauth

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

// memoryStore is an in-memory CredentialStore and AuditSink with the
// same contracts as the Redis implementation: case-folded email
// uniqueness, version-checked updates, and an append-only audit trail.
type memoryStore struct {
	mu       sync.Mutex
	accounts map[string]*Account
	emails   map[string]string
	history  map[string][]PasswordHistoryEntry
	tokens   map[string]*PasswordResetToken
	trail    []AuditEvent
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		accounts: map[string]*Account{},
		emails:   map[string]string{},
		history:  map[string][]PasswordHistoryEntry{},
		tokens:   map[string]*PasswordResetToken{},
	}
}

func (s *memoryStore) CreateAccount(_ context.Context, account *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.emails[account.Email]; exists {
		return ErrDuplicateEmail
	}
	clone := *account
	s.accounts[account.ID] = &clone
	s.emails[account.Email] = account.ID
	return nil
}

func (s *memoryStore) AccountByID(_ context.Context, id string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	clone := *stored
	return &clone, nil
}

func (s *memoryStore) AccountByEmail(ctx context.Context, email string) (*Account, error) {
	s.mu.Lock()
	id, ok := s.emails[email]
	s.mu.Unlock()
	if !ok {
		return nil, ErrAccountNotFound
	}
	return s.AccountByID(ctx, id)
}

func (s *memoryStore) AccountBySession(_ context.Context, sessionID string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stored := range s.accounts {
		if stored.SessionID != "" && stored.SessionID == sessionID {
			clone := *stored
			return &clone, nil
		}
	}
	return nil, ErrAccountNotFound
}

func (s *memoryStore) UpdateAccount(_ context.Context, account *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.accounts[account.ID]
	if !ok {
		return ErrAccountNotFound
	}
	if stored.Version != account.Version {
		return ErrVersionConflict
	}

	clone := *account
	clone.Version++
	s.accounts[account.ID] = &clone
	account.Version = clone.Version
	return nil
}

func (s *memoryStore) AppendPasswordHistory(_ context.Context, entry PasswordHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[entry.AccountID] = append(s.history[entry.AccountID], entry)
	return nil
}

func (s *memoryStore) PasswordHistory(_ context.Context, accountID string, limit int) ([]PasswordHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := append([]PasswordHistoryEntry(nil), s.history[accountID]...)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].SupersededAt.After(entries[j].SupersededAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *memoryStore) SaveResetToken(_ context.Context, token *PasswordResetToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *token
	s.tokens[token.Token] = &clone
	return nil
}

func (s *memoryStore) ResetTokenByValue(_ context.Context, token string) (*PasswordResetToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.tokens[token]
	if !ok {
		return nil, &TokenError{Reason: TokenNotFound}
	}
	clone := *stored
	return &clone, nil
}

func (s *memoryStore) MarkResetTokenUsed(_ context.Context, token string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.tokens[token]
	if !ok {
		return &TokenError{Reason: TokenNotFound}
	}
	if stored.Used {
		return &TokenError{Reason: TokenUsed}
	}
	stored.Used = true
	stored.UsedAt = usedAt
	return nil
}

func (s *memoryStore) Append(_ context.Context, event AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trail = append(s.trail, event)
	return nil
}

func (s *memoryStore) CountAuditEvents(_ context.Context, accountID, action string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, event := range s.trail {
		if event.AccountID == accountID && event.Action == action && !event.Timestamp.Before(since) {
			count++
		}
	}
	return count, nil
}

// eventsByAction returns the trail entries for one account and action.
func (s *memoryStore) eventsByAction(accountID, action string) []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []AuditEvent
	for _, event := range s.trail {
		if event.AccountID == accountID && event.Action == action {
			matched = append(matched, event)
		}
	}
	return matched
}

// mockVerifier accepts everything unless told otherwise.
type mockVerifier struct {
	mu      sync.Mutex
	reject  bool
	failErr error
	score   float64
	calls   int
}

func (v *mockVerifier) Verify(context.Context, string, string, string) (BotVerdict, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if v.failErr != nil {
		return BotVerdict{}, v.failErr
	}
	score := v.score
	if score == 0 {
		score = 1
	}
	return BotVerdict{Accepted: !v.reject, Score: score}, nil
}

// mockNotifier records the last delivered code and reset link.
type mockNotifier struct {
	mu        sync.Mutex
	lastOTP   string
	lastLink  string
	otpCount  int
	linkCount int
	failErr   error
}

func (n *mockNotifier) SendOTP(_ context.Context, _, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failErr != nil {
		return n.failErr
	}
	n.lastOTP = code
	n.otpCount++
	return nil
}

func (n *mockNotifier) SendPasswordResetLink(_ context.Context, _, resetURL string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failErr != nil {
		return n.failErr
	}
	n.lastLink = resetURL
	n.linkCount++
	return nil
}

func (n *mockNotifier) otp() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastOTP
}

func (n *mockNotifier) link() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastLink
}

// fakeClock replays time without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// testConfig keeps hashing cheap so suites stay fast.
func testConfig() Config {
	cfg := defaultConfig()
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Metrics.Enabled = true
	return cfg
}

type testEnv struct {
	engine   *Engine
	store    *memoryStore
	notifier *mockNotifier
	verifier *mockVerifier
	clock    *fakeClock
}

func newTestEngine(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	store := newMemoryStore()
	notifier := &mockNotifier{}
	verifier := &mockVerifier{}

	engine, err := New().
		WithConfig(cfg).
		WithCredentialStore(store).
		WithAuditSink(store).
		WithBotVerifier(verifier).
		WithNotifier(notifier).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(engine.Close)

	clock := newFakeClock()
	engine.now = clock.Now

	return &testEnv{
		engine:   engine,
		store:    store,
		notifier: notifier,
		verifier: verifier,
		clock:    clock,
	}
}

const (
	testEmail    = "member@example.com"
	testPassword = "Str0ng!Passw0rd123"
)

// createAccount registers a default member and returns it.
func (env *testEnv) createAccount(t *testing.T) *Account {
	t.Helper()

	account, err := env.engine.CreateAccount(context.Background(), CreateAccountRequest{
		Email:    testEmail,
		Password: testPassword,
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return account
}

// authenticate runs a login with the default bot token.
func (env *testEnv) authenticate(t *testing.T, email, password string) (*AuthOutcome, error) {
	t.Helper()
	return env.engine.Authenticate(context.Background(), AuthenticateRequest{
		Email:    email,
		Password: password,
		BotToken: "ok",
	})
}

// mustLogin authenticates and fails the test on any error.
func (env *testEnv) mustLogin(t *testing.T, email, password string) *AuthOutcome {
	t.Helper()
	outcome, err := env.authenticate(t, email, password)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	return outcome
}

// drainAudit flushes the async dispatcher so emitted events are
// visible on the trail.
func (env *testEnv) drainAudit(t *testing.T) {
	t.Helper()
	env.engine.Close()
}

var errStoreDown = errors.New("store down")
