package memberauth

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/membercore/memberauth/password"
)

// updateRetryAttempts bounds the optimistic-concurrency retry loop
// around CredentialStore.UpdateAccount.
const updateRetryAttempts = 4

// Engine is the authentication core. Build one via [Builder], share it
// across goroutines, and Close it on shutdown to flush the audit
// dispatcher.
//
// The engine never touches storage, mail, or bot-score providers
// directly; all I/O goes through the injected collaborators.
type Engine struct {
	config   Config
	store    CredentialStore
	sink     AuditSink
	verifier BotChallengeVerifier
	notifier Notifier
	hasher   *password.Hasher
	totp     *totpManager
	audit    *auditDispatcher
	metrics  *Metrics

	// now is the engine clock. Tests swap it to replay time-dependent
	// scenarios without sleeping.
	now func() time.Time
}

// Close flushes and stops the async audit dispatcher. Events already
// dispatched are drained before Close returns.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports how many async audit events were discarded
// because the dispatcher buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of the counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) ready() error {
	if e == nil || e.store == nil || e.sink == nil || e.verifier == nil ||
		e.notifier == nil || e.hasher == nil || e.now == nil {
		return ErrEngineNotReady
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Authenticate runs the login sequence: bot gate, account lookup,
// lockout check, password verification, then either a two-factor
// challenge or a fresh session.
//
// Failure responses are enumeration-safe: an unknown email and a wrong
// password both surface [ErrInvalidCredentials], and only a known
// account's response carries its remaining attempts. A lockout rejects
// even the correct password until it expires.
func (e *Engine) Authenticate(ctx context.Context, req AuthenticateRequest) (*AuthOutcome, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	email := normalizeEmail(req.Email)

	// Bot gate first, before any account state is touched. A missing
	// token rejects without a verifier round trip, and verifier
	// transport errors reject the attempt, never bypass it.
	if req.BotToken == "" {
		e.metricInc(MetricLoginBotRejected)
		e.emitAudit(ctx, "", auditEventLoginFailedBot, map[string]string{
			"email":  email,
			"reason": "missing_token",
		})
		return nil, ErrBotRejected
	}
	verdict, err := e.verifier.Verify(ctx, req.BotToken, e.config.Bot.ExpectedAction, clientIPFromContext(ctx))
	if err != nil || !verdict.Accepted ||
		(e.config.Bot.MinScore > 0 && verdict.Score < e.config.Bot.MinScore) {
		e.metricInc(MetricLoginBotRejected)
		e.emitAudit(ctx, "", auditEventLoginFailedBot, map[string]string{
			"email": email,
		})
		return nil, ErrBotRejected
	}

	account, err := e.store.AccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			// No per-account trail exists; the response is
			// indistinguishable from a wrong password.
			e.metricInc(MetricLoginFailure)
			e.emitAudit(ctx, "", auditEventLoginFailed, map[string]string{
				"email":  email,
				"reason": "unknown_email",
			})
			return nil, &CredentialsError{RemainingAttempts: -1}
		}
		return nil, err
	}

	now := e.now()

	if account.LockedUntil.After(now) {
		remaining := account.LockedUntil.Sub(now)
		e.metricInc(MetricLockedAttempt)
		e.emitAudit(ctx, account.ID, auditEventLoginAttemptWhileLocked, nil)
		return nil, &LockoutError{Remaining: remaining}
	}

	ok, err := e.hasher.Verify(req.Password, account.PasswordHash)
	if err != nil {
		return nil, transient(err)
	}
	if !ok {
		return nil, e.registerLoginFailure(ctx, account, now)
	}

	if account.TwoFactorEnabled {
		// The first factor already cleared the brute-force state; the
		// session itself waits on the challenge.
		account, err = e.updateAccountRetry(ctx, account, func(a *Account) error {
			a.FailedLogins = 0
			a.LockedUntil = time.Time{}
			a.LastLoginAt = now
			return nil
		})
		if err != nil {
			return nil, err
		}
		return e.beginTwoFactor(ctx, account)
	}

	return e.finalizeLogin(ctx, account)
}

// registerLoginFailure appends the failure to the audit trail, then
// recomputes the sliding window over that trail. The trail, not the
// persisted counter, decides the lockout; the counter is kept for
// reporting only.
func (e *Engine) registerLoginFailure(ctx context.Context, account *Account, now time.Time) error {
	if err := e.recordAudit(ctx, account.ID, auditEventLoginFailed, nil); err != nil {
		return transient(err)
	}
	e.metricInc(MetricLoginFailure)

	since := now.Add(-e.config.Lockout.Window)
	count, err := e.store.CountAuditEvents(ctx, account.ID, auditEventLoginFailed, since)
	if err != nil {
		return err
	}

	if count < e.config.Lockout.Threshold {
		// Counter update is best-effort: a write failure must not turn
		// an invalid-credentials response into an outage.
		if _, err := e.updateAccountRetry(ctx, account, func(a *Account) error {
			a.FailedLogins++
			return nil
		}); err != nil {
			log.Printf("memberauth: failed-login counter update: %v", err)
		}
		return &CredentialsError{RemainingAttempts: e.config.Lockout.Threshold - count}
	}

	lockedUntil := now.Add(e.config.Lockout.Duration)
	if _, err := e.updateAccountRetry(ctx, account, func(a *Account) error {
		a.FailedLogins++
		a.LockedUntil = lockedUntil
		return nil
	}); err != nil {
		return err
	}

	if err := e.recordAudit(ctx, account.ID, auditEventAccountLocked, map[string]string{
		"locked_until": lockedUntil.UTC().Format(time.RFC3339),
	}); err != nil {
		return transient(err)
	}
	e.metricInc(MetricAccountLocked)

	return &LockoutError{Remaining: e.config.Lockout.Duration}
}

// updateAccountRetry persists a mutation under optimistic concurrency.
// On a version conflict the account is re-read and the mutation is
// re-applied to the fresh copy, up to updateRetryAttempts times. The
// returned account is the persisted state.
func (e *Engine) updateAccountRetry(ctx context.Context, account *Account, mutate func(*Account) error) (*Account, error) {
	current := account

	for attempt := 0; attempt < updateRetryAttempts; attempt++ {
		if err := mutate(current); err != nil {
			return nil, err
		}

		err := e.store.UpdateAccount(ctx, current)
		if err == nil {
			return current, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}

		fresh, readErr := e.store.AccountByID(ctx, account.ID)
		if readErr != nil {
			return nil, readErr
		}
		current = fresh
	}

	return nil, ErrVersionConflict
}
