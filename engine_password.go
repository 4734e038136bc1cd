package memberauth

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/membercore/memberauth/internal/secrets"
)

// passwordRef returns the instant the current password became active.
// Accounts that never changed their password age from creation.
func passwordRef(account *Account) time.Time {
	if !account.PasswordChangedAt.IsZero() {
		return account.PasswordChangedAt
	}
	return account.CreatedAt
}

// checkReuse verifies the candidate against the current hash and the
// recent history entries. History is consulted by verification, never
// by comparing plaintext.
func (e *Engine) checkReuse(ctx context.Context, account *Account, candidate string) error {
	ok, err := e.hasher.Verify(candidate, account.PasswordHash)
	if err != nil {
		return transient(err)
	}
	if ok {
		return ErrPasswordReuse
	}

	depth := e.config.Policy.HistoryDepth
	if depth <= 0 {
		return nil
	}

	history, err := e.store.PasswordHistory(ctx, account.ID, depth)
	if err != nil {
		return err
	}
	for _, entry := range history {
		ok, err := e.hasher.Verify(candidate, entry.PasswordHash)
		if err != nil {
			return transient(err)
		}
		if ok {
			return ErrPasswordReuse
		}
	}
	return nil
}

// applyNewPassword commits the new hash through the versioned update,
// then records the superseded hash in the history ledger. The ledger
// write waits for the commit so a failed update never strands an
// orphan entry that would shrink the effective reuse window.
// clearSession additionally revokes the live session so a credential
// rotation invalidates existing access.
func (e *Engine) applyNewPassword(ctx context.Context, account *Account, newPassword string, clearSession bool) error {
	newHash, err := e.hasher.Hash(newPassword)
	if err != nil {
		return transient(err)
	}

	now := e.now()

	// The superseded hash is captured inside the mutation so a retry
	// against a fresh copy ledgers the hash that was actually replaced.
	var superseded string
	_, err = e.updateAccountRetry(ctx, account, func(a *Account) error {
		superseded = a.PasswordHash
		a.PasswordHash = newHash
		a.PasswordChangedAt = now
		if clearSession {
			a.SessionID = ""
			a.FailedLogins = 0
			a.LockedUntil = time.Time{}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if superseded != "" {
		if err := e.store.AppendPasswordHistory(ctx, PasswordHistoryEntry{
			AccountID:    account.ID,
			PasswordHash: superseded,
			SupersededAt: now,
		}); err != nil {
			return err
		}
	}
	return nil
}

// ChangePassword rotates the password of an authenticated member. The
// current password is required; the new one must satisfy the
// composition policy, must not match the current or recent passwords,
// and the current one must be older than the minimum age.
//
// The live session survives a change; only reset-by-token revokes it.
func (e *Engine) ChangePassword(ctx context.Context, accountID, currentPassword, newPassword string) error {
	if err := e.ready(); err != nil {
		return err
	}

	account, err := e.store.AccountByID(ctx, accountID)
	if err != nil {
		return err
	}

	ok, err := e.hasher.Verify(currentPassword, account.PasswordHash)
	if err != nil {
		return transient(err)
	}
	if !ok {
		e.rejectPasswordChange(ctx, account.ID, "current_password")
		return &CredentialsError{RemainingAttempts: -1}
	}

	if policyErr := checkPasswordPolicy(e.config.Policy, newPassword); policyErr != nil {
		e.rejectPasswordChange(ctx, account.ID, "policy")
		return policyErr
	}

	if e.config.Policy.MinAge > 0 {
		age := e.now().Sub(passwordRef(account))
		if age < e.config.Policy.MinAge {
			e.rejectPasswordChange(ctx, account.ID, "min_age")
			return &MinAgeError{Remaining: e.config.Policy.MinAge - age}
		}
	}

	if err := e.checkReuse(ctx, account, newPassword); err != nil {
		if errors.Is(err, ErrPasswordReuse) {
			e.rejectPasswordChange(ctx, account.ID, "reuse")
		}
		return err
	}

	if err := e.applyNewPassword(ctx, account, newPassword, false); err != nil {
		return err
	}

	e.metricInc(MetricPasswordChanged)
	e.emitAudit(ctx, account.ID, auditEventPasswordChanged, nil)
	return nil
}

func (e *Engine) rejectPasswordChange(ctx context.Context, accountID, reason string) {
	e.metricInc(MetricPasswordChangeRejected)
	e.emitAudit(ctx, accountID, auditEventPasswordChangeFailed, map[string]string{
		"reason": reason,
	})
}

// RequestPasswordReset issues a single-use, time-limited reset token
// and mails the reset link. The outward response is uniform: an
// unknown email returns nil exactly like a known one, so the operation
// cannot be used to discover which addresses are registered.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) error {
	if err := e.ready(); err != nil {
		return err
	}

	account, err := e.store.AccountByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil
		}
		return err
	}

	token, err := secrets.NewResetToken()
	if err != nil {
		return transient(err)
	}

	now := e.now()
	record := &PasswordResetToken{
		Token:     token,
		AccountID: account.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(e.config.Reset.TokenTTL),
	}
	if err := e.store.SaveResetToken(ctx, record); err != nil {
		return err
	}

	e.metricInc(MetricResetTokenIssued)
	e.emitAudit(ctx, account.ID, auditEventResetTokenGenerated, map[string]string{
		"expires_at": record.ExpiresAt.UTC().Format(time.RFC3339),
	})

	dctx, cancel := context.WithTimeout(ctx, e.config.Notify.Timeout)
	defer cancel()
	if err := e.notifier.SendPasswordResetLink(dctx, account.Email, e.config.Reset.LinkBase+token); err != nil {
		log.Printf("memberauth: reset link delivery for account %s: %v", account.ID, err)
	}

	return nil
}

// ResetWithToken sets a new password by presenting a reset token. The
// token is consumed before the password changes, so it can never be
// replayed even when the change itself fails. A successful reset
// revokes the live session and clears any lockout state.
//
// All token failures surface [ErrResetTokenInvalid]; the sub-reason
// rides on [TokenError] for audit purposes only.
func (e *Engine) ResetWithToken(ctx context.Context, token, newPassword string) error {
	if err := e.ready(); err != nil {
		return err
	}

	record, err := e.store.ResetTokenByValue(ctx, token)
	if err != nil {
		if errors.Is(err, ErrResetTokenInvalid) {
			e.rejectReset(ctx, "", string(TokenNotFound))
			return err
		}
		return err
	}

	if record.Used {
		e.rejectReset(ctx, record.AccountID, string(TokenUsed))
		return &TokenError{Reason: TokenUsed}
	}

	now := e.now()
	if !now.Before(record.ExpiresAt) {
		e.rejectReset(ctx, record.AccountID, string(TokenExpired))
		return &TokenError{Reason: TokenExpired}
	}

	account, err := e.store.AccountByID(ctx, record.AccountID)
	if err != nil {
		return err
	}

	if policyErr := checkPasswordPolicy(e.config.Policy, newPassword); policyErr != nil {
		e.rejectReset(ctx, account.ID, "policy")
		return policyErr
	}

	if err := e.checkReuse(ctx, account, newPassword); err != nil {
		if errors.Is(err, ErrPasswordReuse) {
			e.rejectReset(ctx, account.ID, "reuse")
		}
		return err
	}

	if err := e.store.MarkResetTokenUsed(ctx, token, now); err != nil {
		return err
	}

	if err := e.applyNewPassword(ctx, account, newPassword, true); err != nil {
		return err
	}

	e.metricInc(MetricPasswordReset)
	e.emitAudit(ctx, account.ID, auditEventPasswordReset, nil)
	return nil
}

func (e *Engine) rejectReset(ctx context.Context, accountID, reason string) {
	e.metricInc(MetricResetRejected)
	e.emitAudit(ctx, accountID, auditEventPasswordResetFailed, map[string]string{
		"reason": reason,
	})
}

// IsPasswordExpired reports whether the account's password has
// outlived the maximum age and is due for rotation. The check is
// advisory; an expired password still authenticates.
func (e *Engine) IsPasswordExpired(ctx context.Context, accountID string) (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}

	account, err := e.store.AccountByID(ctx, accountID)
	if err != nil {
		return false, err
	}

	return e.now().Sub(passwordRef(account)) > e.config.Policy.MaxAge, nil
}
