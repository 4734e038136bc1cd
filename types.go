package memberauth

import (
	"context"
	"time"
)

// TwoFactorMethod selects which second factor an account uses. The
// variants are mutually exclusive per account.
type TwoFactorMethod uint8

const (
	// TwoFactorNone disables the second factor.
	TwoFactorNone TwoFactorMethod = iota
	// TwoFactorEmail delivers a one-time numeric code by email.
	TwoFactorEmail
	// TwoFactorTOTP derives codes from a shared secret per RFC 6238.
	TwoFactorTOTP
)

// String returns the wire/audit name of the method.
func (m TwoFactorMethod) String() string {
	switch m {
	case TwoFactorEmail:
		return "email"
	case TwoFactorTOTP:
		return "totp"
	default:
		return "none"
	}
}

// Account is the persisted member record. The engine owns the decision
// of when fields mutate; persistence mechanics belong to
// [CredentialStore].
//
// Zero time.Time values encode "null" timestamps; empty strings encode
// a missing session id or TOTP secret. LockedUntil is never actively
// cleared on read; callers compare it against the current time.
type Account struct {
	ID           string
	Email        string // stored case-folded
	PasswordHash string

	FailedLogins int       // informational; lockout is audit-window-driven
	LockedUntil  time.Time // zero = not locked
	SessionID    string    // current session, "" = none
	LastLoginAt  time.Time

	TwoFactorEnabled  bool
	TwoFactorMethod   TwoFactorMethod
	TOTPSecret        string   // base32, "" = not enrolled
	PendingOTPHash    [32]byte // SHA-256 of the pending email OTP
	OTPIssuedAt       time.Time
	TwoFactorFailures int

	PasswordChangedAt time.Time
	CreatedAt         time.Time

	// Version supports optimistic concurrency: UpdateAccount must fail
	// with ErrVersionConflict when the stored version differs, and
	// increment it on success.
	Version uint64
}

var zeroOTPHash [32]byte

// HasPendingOTP reports whether an email OTP is outstanding.
func (a *Account) HasPendingOTP() bool {
	return a.PendingOTPHash != zeroOTPHash && !a.OTPIssuedAt.IsZero()
}

func (a *Account) clearPendingOTP() {
	a.PendingOTPHash = zeroOTPHash
	a.OTPIssuedAt = time.Time{}
}

// AuditEvent is an append-only security-event record. AccountID is
// empty for anonymous/pre-auth events. Events are never updated or
// deleted by the core.
type AuditEvent struct {
	ID        string            `json:"id,omitempty"`
	AccountID string            `json:"account_id,omitempty"`
	Action    string            `json:"action"`
	Timestamp time.Time         `json:"timestamp"`
	IP        string            `json:"ip,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// PasswordHistoryEntry records a superseded password hash. Only the
// most recent entries up to the configured depth are consulted for
// reuse checks; older entries are not pruned by the core.
type PasswordHistoryEntry struct {
	AccountID    string
	PasswordHash string
	SupersededAt time.Time
}

// PasswordResetToken is a single-use, time-limited credential
// permitting a password reset without the current password. Tokens are
// never deleted by the core, only flagged used.
type PasswordResetToken struct {
	Token     string
	AccountID string
	CreatedAt time.Time
	ExpiresAt time.Time
	Used      bool
	UsedAt    time.Time
}

// CredentialStore is the persistence collaborator: account rows, the
// password-history ledger, the reset-token ledger, and the
// count-in-time-window query over the audit trail that drives lockout.
//
// Implementations must enforce case-folded email uniqueness, reject
// UpdateAccount on a stale Version with [ErrVersionConflict], and keep
// session-id and token lookups indexed (ValidateSession runs on every
// authenticated request). Lookups return [ErrAccountNotFound] or a
// *TokenError when nothing matches and wrap infrastructure failures in
// [ErrBackendUnavailable].
type CredentialStore interface {
	CreateAccount(ctx context.Context, account *Account) error
	AccountByID(ctx context.Context, id string) (*Account, error)
	AccountByEmail(ctx context.Context, email string) (*Account, error)
	AccountBySession(ctx context.Context, sessionID string) (*Account, error)
	UpdateAccount(ctx context.Context, account *Account) error

	AppendPasswordHistory(ctx context.Context, entry PasswordHistoryEntry) error
	PasswordHistory(ctx context.Context, accountID string, limit int) ([]PasswordHistoryEntry, error)

	SaveResetToken(ctx context.Context, token *PasswordResetToken) error
	ResetTokenByValue(ctx context.Context, token string) (*PasswordResetToken, error)
	MarkResetTokenUsed(ctx context.Context, token string, usedAt time.Time) error

	// CountAuditEvents returns how many events with the given action
	// were appended for the account at or after since. It is the sole
	// source of truth for the lockout decision.
	CountAuditEvents(ctx context.Context, accountID, action string, since time.Time) (int, error)
}

// AuditSink receives security events. Append must be durable before it
// returns: the engine calls it synchronously for lockout-relevant
// events and through an async dispatcher for everything else.
type AuditSink interface {
	Append(ctx context.Context, event AuditEvent) error
}

// BotVerdict is the outcome of a bot-score check.
type BotVerdict struct {
	Accepted bool
	Score    float64
}

// BotChallengeVerifier validates the client-supplied bot challenge
// token. The engine treats any error as a fail-closed rejection.
type BotChallengeVerifier interface {
	Verify(ctx context.Context, token, expectedAction, clientIP string) (BotVerdict, error)
}

// Notifier delivers out-of-band messages. Calls are made with a
// timeout and after the triggering state is committed: a delivery
// failure is logged but never rolls back the code or token.
type Notifier interface {
	SendOTP(ctx context.Context, email, code string) error
	SendPasswordResetLink(ctx context.Context, email, resetURL string) error
}

// AuthOutcome is returned by [Engine.Authenticate] and
// [Engine.CompleteTwoFactor]. Either SessionID is set (authenticated)
// or TwoFactorRequired is true and Method names the pending factor.
type AuthOutcome struct {
	AccountID string
	SessionID string

	TwoFactorRequired bool
	Method            TwoFactorMethod
}

// SessionContext models the caller's transient per-request session
// state as an explicit value (not ambient state). ValidateSession
// clears it on any mismatch, forcing de-authentication.
type SessionContext struct {
	AccountID string
	SessionID string
}

// Clear wipes the transient identity.
func (sc *SessionContext) Clear() {
	if sc == nil {
		return
	}
	sc.AccountID = ""
	sc.SessionID = ""
}

// AuthenticateRequest is the input to [Engine.Authenticate].
type AuthenticateRequest struct {
	Email    string
	Password string
	BotToken string
}

// CreateAccountRequest is the input to [Engine.CreateAccount].
type CreateAccountRequest struct {
	Email    string
	Password string
}

// TOTPEnrollment is returned by [Engine.EnrollTOTP]: the base32 secret
// and the otpauth:// provisioning URI for authenticator apps.
type TOTPEnrollment struct {
	Secret string
	URI    string
}
