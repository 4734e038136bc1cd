package memberauth

import (
	"context"
	"log"

	"github.com/membercore/memberauth/internal/secrets"
)

// beginTwoFactor branches a first-factor success into the account's
// configured challenge. For email, a fresh code is issued and
// delivered; for TOTP there is nothing to send, the authenticator app
// already has the secret.
func (e *Engine) beginTwoFactor(ctx context.Context, account *Account) (*AuthOutcome, error) {
	switch account.TwoFactorMethod {
	case TwoFactorEmail:
		if _, err := e.issueEmailOTP(ctx, account); err != nil {
			return nil, err
		}
	case TwoFactorTOTP:
		if account.TOTPSecret == "" {
			return nil, ErrChallengeNotConfigured
		}
	default:
		return nil, ErrChallengeNotConfigured
	}

	e.metricInc(MetricTwoFactorRequired)
	e.emitAudit(ctx, account.ID, auditEventTwoFactorRequired, map[string]string{
		"method": account.TwoFactorMethod.String(),
	})

	return &AuthOutcome{
		AccountID:         account.ID,
		TwoFactorRequired: true,
		Method:            account.TwoFactorMethod,
	}, nil
}

// issueEmailOTP commits a fresh pending code, then delivers it. Only
// the SHA-256 digest is persisted. A fresh code always rearms the
// shared failure budget. Delivery happens after the commit and is
// best-effort: a send failure never rolls the code back.
func (e *Engine) issueEmailOTP(ctx context.Context, account *Account) (*Account, error) {
	code, err := secrets.NewNumericOTP(e.config.TwoFactor.OTPDigits)
	if err != nil {
		return nil, transient(err)
	}

	hash := secrets.HashCode(code)
	issuedAt := e.now()

	updated, err := e.updateAccountRetry(ctx, account, func(a *Account) error {
		a.PendingOTPHash = hash
		a.OTPIssuedAt = issuedAt
		a.TwoFactorFailures = 0
		return nil
	})
	if err != nil {
		return nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, e.config.Notify.Timeout)
	defer cancel()
	if err := e.notifier.SendOTP(dctx, updated.Email, code); err != nil {
		log.Printf("memberauth: otp delivery for account %s: %v", updated.ID, err)
	}

	return updated, nil
}

// RequestEmailOTP re-issues the pending email code, superseding the
// previous one. Only valid for accounts whose second factor is email.
func (e *Engine) RequestEmailOTP(ctx context.Context, accountID string) error {
	if err := e.ready(); err != nil {
		return err
	}

	account, err := e.store.AccountByID(ctx, accountID)
	if err != nil {
		return err
	}
	if !account.TwoFactorEnabled || account.TwoFactorMethod != TwoFactorEmail {
		return ErrChallengeNotConfigured
	}

	if _, err := e.issueEmailOTP(ctx, account); err != nil {
		return err
	}

	e.emitAudit(ctx, account.ID, auditEventTwoFactorRequired, map[string]string{
		"method":   TwoFactorEmail.String(),
		"reissued": "true",
	})
	return nil
}

// CompleteTwoFactor verifies the second-factor code for an account
// that already passed the password check and finishes the login.
//
// Both methods draw on a shared failure budget, but exhaustion behaves
// differently: an exhausted email challenge discards the pending code
// (a new login mints a fresh one and rearms the budget), while an
// exhausted TOTP keeps its secret and stays exhausted until
// [Engine.ResetTwoFactorFailures] intervenes.
func (e *Engine) CompleteTwoFactor(ctx context.Context, accountID, code string) (*AuthOutcome, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	account, err := e.store.AccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.TwoFactorEnabled {
		return nil, ErrTwoFactorNotPending
	}

	switch account.TwoFactorMethod {
	case TwoFactorEmail:
		return e.completeEmailOTP(ctx, account, code)
	case TwoFactorTOTP:
		return e.completeTOTP(ctx, account, code)
	default:
		return nil, ErrChallengeNotConfigured
	}
}

func (e *Engine) completeEmailOTP(ctx context.Context, account *Account, code string) (*AuthOutcome, error) {
	if !account.HasPendingOTP() {
		return nil, ErrTwoFactorNotPending
	}

	if e.now().Sub(account.OTPIssuedAt) >= e.config.TwoFactor.EmailOTPTTL {
		e.failTwoFactor(ctx, account.ID, TwoFactorEmail, "expired")
		return nil, ErrChallengeExpired
	}

	if !secrets.CodeMatches(account.PendingOTPHash, code) {
		failures := account.TwoFactorFailures + 1

		if failures >= e.config.TwoFactor.MaxAttempts {
			// Exhaustion consumes the code; obtaining another one
			// requires passing the first factor again.
			if _, err := e.updateAccountRetry(ctx, account, func(a *Account) error {
				a.TwoFactorFailures = failures
				a.clearPendingOTP()
				return nil
			}); err != nil {
				return nil, err
			}
			e.failTwoFactor(ctx, account.ID, TwoFactorEmail, "exhausted")
			return nil, ErrChallengeExhausted
		}

		if _, err := e.updateAccountRetry(ctx, account, func(a *Account) error {
			a.TwoFactorFailures = failures
			return nil
		}); err != nil {
			return nil, err
		}
		e.failTwoFactor(ctx, account.ID, TwoFactorEmail, "incorrect")
		return nil, &ChallengeError{Remaining: e.config.TwoFactor.MaxAttempts - failures}
	}

	return e.succeedTwoFactor(ctx, account, TwoFactorEmail)
}

func (e *Engine) completeTOTP(ctx context.Context, account *Account, code string) (*AuthOutcome, error) {
	if account.TOTPSecret == "" {
		return nil, ErrChallengeNotConfigured
	}

	// An exhausted budget blocks validation outright. Nothing is
	// cleared here; the secret stays valid and recovery is an explicit
	// administrative reset.
	if account.TwoFactorFailures >= e.config.TwoFactor.MaxAttempts {
		e.failTwoFactor(ctx, account.ID, TwoFactorTOTP, "exhausted")
		return nil, ErrChallengeExhausted
	}

	ok, err := e.totp.Verify(account.TOTPSecret, code, e.now())
	if err != nil {
		return nil, transient(err)
	}
	if !ok {
		failures := account.TwoFactorFailures + 1
		if _, err := e.updateAccountRetry(ctx, account, func(a *Account) error {
			a.TwoFactorFailures = failures
			return nil
		}); err != nil {
			return nil, err
		}

		if failures >= e.config.TwoFactor.MaxAttempts {
			e.failTwoFactor(ctx, account.ID, TwoFactorTOTP, "exhausted")
			return nil, ErrChallengeExhausted
		}
		e.failTwoFactor(ctx, account.ID, TwoFactorTOTP, "incorrect")
		return nil, &ChallengeError{Remaining: e.config.TwoFactor.MaxAttempts - failures}
	}

	return e.succeedTwoFactor(ctx, account, TwoFactorTOTP)
}

func (e *Engine) failTwoFactor(ctx context.Context, accountID string, method TwoFactorMethod, reason string) {
	e.metricInc(MetricTwoFactorFailure)
	e.emitAudit(ctx, accountID, auditEventTwoFactorFailed, map[string]string{
		"method": method.String(),
		"reason": reason,
	})
}

func (e *Engine) succeedTwoFactor(ctx context.Context, account *Account, method TwoFactorMethod) (*AuthOutcome, error) {
	outcome, err := e.finalizeLogin(ctx, account)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricTwoFactorSuccess)
	e.emitAudit(ctx, account.ID, auditEventTwoFactorSuccess, map[string]string{
		"method": method.String(),
	})
	return outcome, nil
}

// EnrollTOTP generates a 160-bit secret for the account, switches its
// second factor to TOTP, and returns the secret with its otpauth://
// provisioning URI. Re-enrolling replaces any previous secret.
func (e *Engine) EnrollTOTP(ctx context.Context, accountID string) (*TOTPEnrollment, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	account, err := e.store.AccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	enrollment, err := e.totp.GenerateSecret(account.Email)
	if err != nil {
		return nil, transient(err)
	}

	if _, err := e.updateAccountRetry(ctx, account, func(a *Account) error {
		a.TwoFactorEnabled = true
		a.TwoFactorMethod = TwoFactorTOTP
		a.TOTPSecret = enrollment.Secret
		a.TwoFactorFailures = 0
		a.clearPendingOTP()
		return nil
	}); err != nil {
		return nil, err
	}

	e.emitAudit(ctx, account.ID, auditEventTOTPEnrolled, nil)
	return enrollment, nil
}

// EnableEmailTwoFactor switches the account's second factor to email
// OTP delivery.
func (e *Engine) EnableEmailTwoFactor(ctx context.Context, accountID string) error {
	if err := e.ready(); err != nil {
		return err
	}

	account, err := e.store.AccountByID(ctx, accountID)
	if err != nil {
		return err
	}

	if _, err := e.updateAccountRetry(ctx, account, func(a *Account) error {
		a.TwoFactorEnabled = true
		a.TwoFactorMethod = TwoFactorEmail
		a.TOTPSecret = ""
		a.TwoFactorFailures = 0
		a.clearPendingOTP()
		return nil
	}); err != nil {
		return err
	}

	e.emitAudit(ctx, account.ID, auditEventTwoFactorEnabled, map[string]string{
		"method": TwoFactorEmail.String(),
	})
	return nil
}

// DisableTwoFactor removes the second factor entirely: method, secret,
// pending code, and failure budget.
func (e *Engine) DisableTwoFactor(ctx context.Context, accountID string) error {
	if err := e.ready(); err != nil {
		return err
	}

	account, err := e.store.AccountByID(ctx, accountID)
	if err != nil {
		return err
	}

	if _, err := e.updateAccountRetry(ctx, account, func(a *Account) error {
		a.TwoFactorEnabled = false
		a.TwoFactorMethod = TwoFactorNone
		a.TOTPSecret = ""
		a.TwoFactorFailures = 0
		a.clearPendingOTP()
		return nil
	}); err != nil {
		return err
	}

	e.emitAudit(ctx, account.ID, auditEventTwoFactorDisabled, nil)
	return nil
}

// ResetTwoFactorFailures rearms the failure budget. This is the
// recovery path for an exhausted TOTP account, typically invoked after
// a support-desk identity check.
func (e *Engine) ResetTwoFactorFailures(ctx context.Context, accountID string) error {
	if err := e.ready(); err != nil {
		return err
	}

	account, err := e.store.AccountByID(ctx, accountID)
	if err != nil {
		return err
	}

	if _, err := e.updateAccountRetry(ctx, account, func(a *Account) error {
		a.TwoFactorFailures = 0
		return nil
	}); err != nil {
		return err
	}

	e.emitAudit(ctx, account.ID, auditEventTwoFactorReset, nil)
	return nil
}
