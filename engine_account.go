package memberauth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateAccount registers a new member. The email is case-folded
// before storage and must be unique among all accounts; the password
// must satisfy the composition policy. New accounts start without a
// second factor.
func (e *Engine) CreateAccount(ctx context.Context, req CreateAccountRequest) (*Account, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	email := normalizeEmail(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, errors.New("invalid email address")
	}

	if policyErr := checkPasswordPolicy(e.config.Policy, req.Password); policyErr != nil {
		return nil, policyErr
	}

	hash, err := e.hasher.Hash(req.Password)
	if err != nil {
		return nil, transient(err)
	}

	account := &Account{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    e.now(),
	}

	if err := e.store.CreateAccount(ctx, account); err != nil {
		return nil, err
	}

	e.metricInc(MetricAccountCreated)
	e.emitAudit(ctx, account.ID, auditEventAccountCreated, nil)

	return account, nil
}

// Account returns the stored record by id.
func (e *Engine) Account(ctx context.Context, accountID string) (*Account, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.store.AccountByID(ctx, accountID)
}

// UnlockAccount lifts an active lockout and zeroes the informational
// failure counter. Logins with the correct password succeed
// immediately afterwards; the audit trail itself is append-only and
// stays intact.
func (e *Engine) UnlockAccount(ctx context.Context, accountID string) error {
	if err := e.ready(); err != nil {
		return err
	}

	account, err := e.store.AccountByID(ctx, accountID)
	if err != nil {
		return err
	}

	if _, err := e.updateAccountRetry(ctx, account, func(a *Account) error {
		a.LockedUntil = time.Time{}
		a.FailedLogins = 0
		return nil
	}); err != nil {
		return err
	}

	e.emitAudit(ctx, accountID, auditEventAccountUnlocked, nil)
	return nil
}
