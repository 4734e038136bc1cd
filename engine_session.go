package memberauth

import (
	"context"
	"errors"
	"time"

	"github.com/membercore/memberauth/internal/secrets"
)

// finalizeLogin mints a fresh opaque session id and commits the
// post-login account state. Writing the new id over the old one is
// what enforces session singularity: the previous session stops
// validating the moment this commit lands.
func (e *Engine) finalizeLogin(ctx context.Context, account *Account) (*AuthOutcome, error) {
	sessionID, err := secrets.NewSessionID()
	if err != nil {
		return nil, transient(err)
	}

	updated, err := e.updateAccountRetry(ctx, account, func(a *Account) error {
		a.SessionID = sessionID
		a.LastLoginAt = e.now()
		a.FailedLogins = 0
		a.LockedUntil = time.Time{}
		a.TwoFactorFailures = 0
		a.clearPendingOTP()
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricLoginSuccess)
	e.metricInc(MetricSessionIssued)
	e.emitAudit(ctx, updated.ID, auditEventLoginSuccess, nil)

	return &AuthOutcome{
		AccountID: updated.ID,
		SessionID: sessionID,
	}, nil
}

// ValidateSession checks the caller's transient session against the
// account's current one. Any mismatch de-authenticates the caller: sc
// is cleared before [ErrSessionInvalid] is returned, so a stale or
// superseded session cannot be retried.
//
// Comparison is constant-time over the full identifier.
func (e *Engine) ValidateSession(ctx context.Context, sc *SessionContext) error {
	if err := e.ready(); err != nil {
		return err
	}
	if sc == nil || sc.AccountID == "" || sc.SessionID == "" {
		sc.Clear()
		return ErrSessionInvalid
	}

	account, err := e.store.AccountByID(ctx, sc.AccountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			e.rejectSession(ctx, sc, "account_missing")
			return ErrSessionInvalid
		}
		return err
	}

	if !secrets.TokenMatches(account.SessionID, sc.SessionID) {
		e.rejectSession(ctx, sc, "session_superseded")
		return ErrSessionInvalid
	}

	return nil
}

func (e *Engine) rejectSession(ctx context.Context, sc *SessionContext, reason string) {
	accountID := sc.AccountID
	sc.Clear()
	e.metricInc(MetricSessionRejected)
	e.emitAudit(ctx, accountID, auditEventSessionMismatch, map[string]string{
		"reason": reason,
	})
}

// Logout drops the account's current session when the presented one
// matches it. The caller's transient state is cleared either way, so a
// stale session cannot linger client-side.
func (e *Engine) Logout(ctx context.Context, sc *SessionContext) error {
	if err := e.ready(); err != nil {
		return err
	}
	if sc == nil || sc.AccountID == "" || sc.SessionID == "" {
		sc.Clear()
		return ErrSessionInvalid
	}

	accountID := sc.AccountID
	sessionID := sc.SessionID
	sc.Clear()

	account, err := e.store.AccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return ErrSessionInvalid
		}
		return err
	}

	if !secrets.TokenMatches(account.SessionID, sessionID) {
		return ErrSessionInvalid
	}

	if _, err := e.updateAccountRetry(ctx, account, func(a *Account) error {
		a.SessionID = ""
		return nil
	}); err != nil {
		return err
	}

	e.emitAudit(ctx, accountID, auditEventLogout, nil)
	return nil
}
