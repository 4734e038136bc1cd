package memberauth

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials is the generic, enumeration-safe rejection
	// for a failed credential check. It never reveals whether the email
	// exists.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked indicates the account is inside an active
	// lockout window.
	ErrAccountLocked = errors.New("account locked")
	// ErrBotRejected indicates the bot challenge token was missing or
	// failed verification. Fail-closed: verifier transport errors map
	// here too.
	ErrBotRejected = errors.New("bot challenge rejected")
	// ErrAccountNotFound is returned by store lookups for an unknown
	// account id, email, session, or token owner.
	ErrAccountNotFound = errors.New("account not found")
	// ErrDuplicateEmail is returned by CreateAccount when another
	// account already holds the case-folded email.
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrVersionConflict is returned by CredentialStore.UpdateAccount
	// when the stored row version has moved past the caller's copy.
	ErrVersionConflict = errors.New("account version conflict")
	// ErrSessionInvalid indicates the presented session id does not
	// match the account's current one; the caller must de-authenticate.
	ErrSessionInvalid = errors.New("session invalid")

	// ErrChallengeExpired indicates an email OTP older than its TTL.
	ErrChallengeExpired = errors.New("challenge expired")
	// ErrChallengeIncorrect indicates a wrong OTP or TOTP code.
	ErrChallengeIncorrect = errors.New("challenge code incorrect")
	// ErrChallengeExhausted indicates the two-factor failure counter
	// reached its limit.
	ErrChallengeExhausted = errors.New("challenge attempts exhausted")
	// ErrChallengeNotConfigured indicates the account has no secret or
	// pending code for the requested method.
	ErrChallengeNotConfigured = errors.New("challenge not configured")
	// ErrTwoFactorNotPending indicates CompleteTwoFactor was called for
	// an account that has not passed the first factor.
	ErrTwoFactorNotPending = errors.New("no two-factor challenge pending")

	// ErrPasswordPolicy indicates the new password violates composition
	// rules; the concrete violations ride on [PolicyError].
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrPasswordReuse indicates the new password verifies against a
	// recent historical hash.
	ErrPasswordReuse = errors.New("password was used recently")
	// ErrPasswordMinAge indicates the current password is too young to
	// be changed again.
	ErrPasswordMinAge = errors.New("password changed too recently")
	// ErrResetTokenInvalid covers unknown, expired, and already-used
	// reset tokens; the sub-reason rides on [TokenError].
	ErrResetTokenInvalid = errors.New("reset token invalid")

	// ErrBackendUnavailable wraps transient store or collaborator
	// failures. Callers surface it as an opaque failure.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrEngineNotReady is returned when the engine is used before
	// Build wired its dependencies.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// CredentialsError is the typed form of [ErrInvalidCredentials] for a
// known account. RemainingAttempts reports how many failures remain
// before lockout; -1 means not applicable (the account may not exist,
// and saying so would enable enumeration).
type CredentialsError struct {
	RemainingAttempts int
}

func (e *CredentialsError) Error() string { return ErrInvalidCredentials.Error() }

// Is reports that a CredentialsError matches ErrInvalidCredentials.
func (e *CredentialsError) Is(target error) bool { return target == ErrInvalidCredentials }

// LockoutError is the typed form of [ErrAccountLocked].
type LockoutError struct {
	Remaining time.Duration
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("account locked for %s", e.Remaining.Round(time.Second))
}

// Is reports that a LockoutError matches ErrAccountLocked.
func (e *LockoutError) Is(target error) bool { return target == ErrAccountLocked }

// ChallengeError is the typed form of [ErrChallengeIncorrect],
// carrying the number of attempts left before exhaustion.
type ChallengeError struct {
	Remaining int
}

func (e *ChallengeError) Error() string {
	return fmt.Sprintf("challenge code incorrect, %d attempts remaining", e.Remaining)
}

// Is reports that a ChallengeError matches ErrChallengeIncorrect.
func (e *ChallengeError) Is(target error) bool { return target == ErrChallengeIncorrect }

// PolicyError is the typed form of [ErrPasswordPolicy]. Violations
// lists every failed rule, not just the first.
type PolicyError struct {
	Violations []string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("password policy violation: %d rule(s) failed", len(e.Violations))
}

// Is reports that a PolicyError matches ErrPasswordPolicy.
func (e *PolicyError) Is(target error) bool { return target == ErrPasswordPolicy }

// MinAgeError is the typed form of [ErrPasswordMinAge].
type MinAgeError struct {
	Remaining time.Duration
}

func (e *MinAgeError) Error() string {
	return fmt.Sprintf("password changed too recently, wait %s", e.Remaining.Round(time.Second))
}

// Is reports that a MinAgeError matches ErrPasswordMinAge.
func (e *MinAgeError) Is(target error) bool { return target == ErrPasswordMinAge }

// TokenInvalidReason is the sub-reason carried by [TokenError]. It is
// meant for audit logging; the outward-facing message stays generic.
type TokenInvalidReason string

const (
	// TokenNotFound means no token record matched.
	TokenNotFound TokenInvalidReason = "not_found"
	// TokenExpired means the token exists but its expiry has passed.
	TokenExpired TokenInvalidReason = "expired"
	// TokenUsed means the token was already consumed.
	TokenUsed TokenInvalidReason = "used"
)

// TokenError is the typed form of [ErrResetTokenInvalid].
type TokenError struct {
	Reason TokenInvalidReason
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("reset token invalid: %s", e.Reason)
}

// Is reports that a TokenError matches ErrResetTokenInvalid.
func (e *TokenError) Is(target error) bool { return target == ErrResetTokenInvalid }

func transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}
