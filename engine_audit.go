package memberauth

import (
	"context"

	"github.com/google/uuid"
)

const (
	auditEventLoginFailedBot          = "login_failed_bot"
	auditEventLoginFailed             = "login_failed"
	auditEventLoginAttemptWhileLocked = "login_attempt_while_locked"
	auditEventAccountLocked           = "account_locked"
	auditEventLoginSuccess            = "login_success"
	auditEventTwoFactorRequired       = "two_factor_required"
	auditEventTwoFactorSuccess        = "two_factor_success"
	auditEventTwoFactorFailed         = "two_factor_failed"
	auditEventPasswordChanged         = "password_changed"
	auditEventPasswordChangeFailed    = "password_change_failed"
	auditEventResetTokenGenerated     = "password_reset_token_generated"
	auditEventPasswordReset           = "password_reset"
	auditEventPasswordResetFailed     = "password_reset_failed"
	auditEventAccountCreated          = "account_created"
	auditEventAccountUnlocked         = "account_unlocked"
	auditEventTOTPEnrolled            = "totp_enrolled"
	auditEventTwoFactorEnabled        = "two_factor_enabled"
	auditEventTwoFactorDisabled       = "two_factor_disabled"
	auditEventTwoFactorReset          = "two_factor_failures_reset"
	auditEventLogout                  = "logout"
	auditEventSessionMismatch         = "session_mismatch"
)

func (e *Engine) newAuditEvent(ctx context.Context, accountID, action string, detail map[string]string) AuditEvent {
	return AuditEvent{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Action:    action,
		Timestamp: e.now().UTC(),
		IP:        clientIPFromContext(ctx),
		UserAgent: userAgentFromContext(ctx),
		Detail:    detail,
	}
}

// recordAudit appends synchronously. Used for the lockout-relevant
// events whose presence in the trail feeds the sliding-window count;
// the append must be durable before the response is finalized.
func (e *Engine) recordAudit(ctx context.Context, accountID, action string, detail map[string]string) error {
	if e == nil || e.sink == nil {
		return ErrEngineNotReady
	}
	return e.sink.Append(ctx, e.newAuditEvent(ctx, accountID, action, detail))
}

// emitAudit dispatches asynchronously. Fire-and-forget events only.
func (e *Engine) emitAudit(ctx context.Context, accountID, action string, detail map[string]string) {
	if e == nil || e.audit == nil {
		return
	}
	e.audit.Dispatch(ctx, e.newAuditEvent(ctx, accountID, action, detail))
}
