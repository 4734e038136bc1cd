package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/membercore/memberauth"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(client, "")
}

func sampleAccount(id, email string) *memberauth.Account {
	return &memberauth.Account{
		ID:           id,
		Email:        email,
		PasswordHash: "$argon2id$v=19$m=8192,t=1,p=1$c2FsdA$aGFzaA",
		CreatedAt:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestCreateAndLoadAccount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	account := sampleAccount("acct-1", "member@example.com")
	account.TwoFactorEnabled = true
	account.TwoFactorMethod = memberauth.TwoFactorEmail
	account.PendingOTPHash = [32]byte{1, 2, 3}
	account.OTPIssuedAt = time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)

	if err := store.CreateAccount(ctx, account); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	byID, err := store.AccountByID(ctx, "acct-1")
	if err != nil {
		t.Fatalf("AccountByID: %v", err)
	}
	if byID.Email != account.Email || byID.PasswordHash != account.PasswordHash {
		t.Fatalf("row mismatch: %+v", byID)
	}
	if byID.PendingOTPHash != account.PendingOTPHash {
		t.Fatal("pending digest did not round-trip")
	}
	if !byID.OTPIssuedAt.Equal(account.OTPIssuedAt) {
		t.Fatalf("issued-at = %v, want %v", byID.OTPIssuedAt, account.OTPIssuedAt)
	}

	byEmail, err := store.AccountByEmail(ctx, "member@example.com")
	if err != nil {
		t.Fatalf("AccountByEmail: %v", err)
	}
	if byEmail.ID != "acct-1" {
		t.Fatalf("email index resolved %q", byEmail.ID)
	}
}

func TestCreateAccountDuplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateAccount(ctx, sampleAccount("acct-1", "member@example.com")); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	err := store.CreateAccount(ctx, sampleAccount("acct-2", "member@example.com"))
	if !errors.Is(err, memberauth.ErrDuplicateEmail) {
		t.Fatalf("got %v, want ErrDuplicateEmail", err)
	}
}

func TestAccountLookupMisses(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.AccountByID(ctx, "nope"); !errors.Is(err, memberauth.ErrAccountNotFound) {
		t.Fatalf("AccountByID: got %v, want ErrAccountNotFound", err)
	}
	if _, err := store.AccountByEmail(ctx, "nope@example.com"); !errors.Is(err, memberauth.ErrAccountNotFound) {
		t.Fatalf("AccountByEmail: got %v, want ErrAccountNotFound", err)
	}
	if _, err := store.AccountBySession(ctx, "nope"); !errors.Is(err, memberauth.ErrAccountNotFound) {
		t.Fatalf("AccountBySession: got %v, want ErrAccountNotFound", err)
	}
}

func TestUpdateAccountVersioning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	account := sampleAccount("acct-1", "member@example.com")
	if err := store.CreateAccount(ctx, account); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	account.FailedLogins = 1
	if err := store.UpdateAccount(ctx, account); err != nil {
		t.Fatalf("UpdateAccount: %v", err)
	}
	if account.Version != 1 {
		t.Fatalf("version = %d, want 1 after commit", account.Version)
	}

	// A writer holding the old version must lose.
	stale := sampleAccount("acct-1", "member@example.com")
	stale.Version = 0
	if err := store.UpdateAccount(ctx, stale); !errors.Is(err, memberauth.ErrVersionConflict) {
		t.Fatalf("got %v, want ErrVersionConflict", err)
	}

	stored, err := store.AccountByID(ctx, "acct-1")
	if err != nil {
		t.Fatalf("AccountByID: %v", err)
	}
	if stored.FailedLogins != 1 || stored.Version != 1 {
		t.Fatalf("stale write leaked: %+v", stored)
	}
}

func TestUpdateAccountMaintainsSessionIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	account := sampleAccount("acct-1", "member@example.com")
	if err := store.CreateAccount(ctx, account); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	account.SessionID = "sess-1"
	if err := store.UpdateAccount(ctx, account); err != nil {
		t.Fatalf("UpdateAccount: %v", err)
	}

	resolved, err := store.AccountBySession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("AccountBySession: %v", err)
	}
	if resolved.ID != "acct-1" {
		t.Fatalf("session resolved %q", resolved.ID)
	}

	// A new session replaces the index entry.
	account.SessionID = "sess-2"
	if err := store.UpdateAccount(ctx, account); err != nil {
		t.Fatalf("UpdateAccount: %v", err)
	}
	if _, err := store.AccountBySession(ctx, "sess-1"); !errors.Is(err, memberauth.ErrAccountNotFound) {
		t.Fatalf("old session: got %v, want ErrAccountNotFound", err)
	}
	if _, err := store.AccountBySession(ctx, "sess-2"); err != nil {
		t.Fatalf("new session: %v", err)
	}

	// Logout clears the index entirely.
	account.SessionID = ""
	if err := store.UpdateAccount(ctx, account); err != nil {
		t.Fatalf("UpdateAccount: %v", err)
	}
	if _, err := store.AccountBySession(ctx, "sess-2"); !errors.Is(err, memberauth.ErrAccountNotFound) {
		t.Fatalf("cleared session: got %v, want ErrAccountNotFound", err)
	}
}

func TestPasswordHistoryOrderAndLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := store.AppendPasswordHistory(ctx, memberauth.PasswordHistoryEntry{
			AccountID:    "acct-1",
			PasswordHash: "hash-" + string(rune('a'+i)),
			SupersededAt: base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("AppendPasswordHistory: %v", err)
		}
	}

	entries, err := store.PasswordHistory(ctx, "acct-1", 2)
	if err != nil {
		t.Fatalf("PasswordHistory: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	// Newest first.
	if entries[0].PasswordHash != "hash-c" || entries[1].PasswordHash != "hash-b" {
		t.Fatalf("unexpected order: %+v", entries)
	}

	empty, err := store.PasswordHistory(ctx, "acct-2", 2)
	if err != nil {
		t.Fatalf("PasswordHistory empty: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no entries, got %+v", empty)
	}
}

func TestResetTokenLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	token := &memberauth.PasswordResetToken{
		Token:     "tok-1",
		AccountID: "acct-1",
		CreatedAt: created,
		ExpiresAt: created.Add(24 * time.Hour),
	}
	if err := store.SaveResetToken(ctx, token); err != nil {
		t.Fatalf("SaveResetToken: %v", err)
	}

	loaded, err := store.ResetTokenByValue(ctx, "tok-1")
	if err != nil {
		t.Fatalf("ResetTokenByValue: %v", err)
	}
	if loaded.AccountID != "acct-1" || loaded.Used {
		t.Fatalf("row mismatch: %+v", loaded)
	}

	usedAt := created.Add(time.Hour)
	if err := store.MarkResetTokenUsed(ctx, "tok-1", usedAt); err != nil {
		t.Fatalf("MarkResetTokenUsed: %v", err)
	}

	loaded, err = store.ResetTokenByValue(ctx, "tok-1")
	if err != nil {
		t.Fatalf("ResetTokenByValue: %v", err)
	}
	if !loaded.Used || !loaded.UsedAt.Equal(usedAt) {
		t.Fatalf("used flag not persisted: %+v", loaded)
	}

	// Flipping twice is rejected.
	err = store.MarkResetTokenUsed(ctx, "tok-1", usedAt.Add(time.Minute))
	var tokErr *memberauth.TokenError
	if !errors.As(err, &tokErr) || tokErr.Reason != memberauth.TokenUsed {
		t.Fatalf("got %v, want used sub-reason", err)
	}

	// Unknown tokens carry the not-found sub-reason.
	_, err = store.ResetTokenByValue(ctx, "tok-404")
	if !errors.As(err, &tokErr) || tokErr.Reason != memberauth.TokenNotFound {
		t.Fatalf("got %v, want not-found sub-reason", err)
	}
}

func TestAuditAppendAndCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		err := store.Append(ctx, memberauth.AuditEvent{
			ID:        "evt-" + string(rune('a'+i)),
			AccountID: "acct-1",
			Action:    "login_failed",
			Timestamp: base.Add(time.Duration(i) * 5 * time.Minute),
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	// Anonymous events only land on the global trail.
	if err := store.Append(ctx, memberauth.AuditEvent{
		ID:        "evt-anon",
		Action:    "login_failed_bot",
		Timestamp: base,
	}); err != nil {
		t.Fatalf("Append anonymous: %v", err)
	}

	count, err := store.CountAuditEvents(ctx, "acct-1", "login_failed", base)
	if err != nil {
		t.Fatalf("CountAuditEvents: %v", err)
	}
	if count != 4 {
		t.Fatalf("count = %d, want 4", count)
	}

	// The window boundary is inclusive of since.
	count, err = store.CountAuditEvents(ctx, "acct-1", "login_failed", base.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("CountAuditEvents: %v", err)
	}
	if count != 2 {
		t.Fatalf("windowed count = %d, want 2", count)
	}

	// Other actions and other accounts do not leak into the count.
	count, err = store.CountAuditEvents(ctx, "acct-1", "login_success", base)
	if err != nil {
		t.Fatalf("CountAuditEvents: %v", err)
	}
	if count != 0 {
		t.Fatalf("foreign action count = %d, want 0", count)
	}
	count, err = store.CountAuditEvents(ctx, "acct-2", "login_failed", base)
	if err != nil {
		t.Fatalf("CountAuditEvents: %v", err)
	}
	if count != 0 {
		t.Fatalf("foreign account count = %d, want 0", count)
	}
}

func TestEngineOnRedisStore(t *testing.T) {
	store := newTestStore(t)

	cfg := memberauth.Config{}
	engine, err := memberauth.New().
		WithConfig(cfg).
		WithCredentialStore(store).
		WithAuditSink(store).
		WithBotVerifier(acceptAllVerifier{}).
		WithNotifier(discardNotifier{}).
		Build()
	if err == nil {
		engine.Close()
		t.Fatal("zero config must fail validation")
	}

	engine, err = memberauth.New().
		WithCredentialStore(store).
		WithAuditSink(store).
		WithBotVerifier(acceptAllVerifier{}).
		WithNotifier(discardNotifier{}).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer engine.Close()

	ctx := context.Background()
	account, err := engine.CreateAccount(ctx, memberauth.CreateAccountRequest{
		Email:    "member@example.com",
		Password: "Str0ng!Passw0rd123",
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	outcome, err := engine.Authenticate(ctx, memberauth.AuthenticateRequest{
		Email:    "member@example.com",
		Password: "Str0ng!Passw0rd123",
		BotToken: "ok",
	})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if outcome.SessionID == "" {
		t.Fatal("expected a session id")
	}

	sc := &memberauth.SessionContext{AccountID: account.ID, SessionID: outcome.SessionID}
	if err := engine.ValidateSession(ctx, sc); err != nil {
		t.Fatalf("ValidateSession: %v", err)
	}
}

type acceptAllVerifier struct{}

func (acceptAllVerifier) Verify(context.Context, string, string, string) (memberauth.BotVerdict, error) {
	return memberauth.BotVerdict{Accepted: true, Score: 1}, nil
}

type discardNotifier struct{}

func (discardNotifier) SendOTP(context.Context, string, string) error { return nil }

func (discardNotifier) SendPasswordResetLink(context.Context, string, string) error {
	return nil
}
