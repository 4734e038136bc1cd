package memberauth

import (
	"errors"
	"time"
)

// Config carries every tunable of the engine. Configure it once and
// hand it to [Builder.WithConfig]; the engine keeps its own copy and
// treats it as immutable afterwards.
type Config struct {
	Lockout   LockoutConfig
	TwoFactor TwoFactorConfig
	Password  PasswordConfig
	Policy    PolicyConfig
	Reset     ResetConfig
	Bot       BotConfig
	Notify    NotifyConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
}

/*
====================================
LOCKOUT CONFIG
====================================
*/

// LockoutConfig tunes brute-force resistance. The decision recomputes
// a sliding window over the audit trail: Threshold counts failed
// attempts inside Window, including the attempt being processed.
type LockoutConfig struct {
	Threshold int
	Window    time.Duration
	Duration  time.Duration
}

/*
====================================
TWO FACTOR CONFIG
====================================
*/

// TwoFactorConfig tunes both challenge variants. MaxAttempts is the
// shared failure budget: email OTP exhaustion clears the pending code,
// TOTP exhaustion clears nothing (recovery requires an explicit
// ResetTwoFactorFailures).
type TwoFactorConfig struct {
	EmailOTPTTL time.Duration
	MaxAttempts int
	OTPDigits   int

	Issuer     string
	TOTPDigits int
	TOTPPeriod uint // seconds
	TOTPSkew   uint // accepted steps before/after the current one
}

/*
====================================
PASSWORD HASH CONFIG
====================================
*/

// PasswordConfig carries the Argon2id parameters.
type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// PolicyConfig tunes the password lifecycle rules. MinLength is a
// floor combined with four mandatory character classes; HistoryDepth
// is how many superseded hashes are consulted for reuse.
type PolicyConfig struct {
	MinLength    int
	HistoryDepth int
	MinAge       time.Duration
	MaxAge       time.Duration
}

// ResetConfig tunes reset-by-token. LinkBase is prepended to the token
// when composing the reset URL handed to the Notifier.
type ResetConfig struct {
	TokenTTL time.Duration
	LinkBase string
}

// BotConfig tunes the bot challenge gate. ExpectedAction is forwarded
// to the verifier; MinScore, when positive, rejects accepted verdicts
// scored below it.
type BotConfig struct {
	ExpectedAction string
	MinScore       float64
}

// NotifyConfig bounds outbound collaborator calls so delivery can
// never indefinitely block a decision.
type NotifyConfig struct {
	Timeout time.Duration
}

// AuditConfig tunes the async dispatcher used for non-lockout events.
// Lockout-relevant events always bypass it and are appended
// synchronously.
type AuditConfig struct {
	BufferSize int
	DropIfFull bool
}

// MetricsConfig enables the in-process counters.
type MetricsConfig struct {
	Enabled bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

func defaultConfig() Config {
	return Config{
		Lockout: LockoutConfig{
			Threshold: 3,
			Window:    15 * time.Minute,
			Duration:  5 * time.Minute,
		},
		TwoFactor: TwoFactorConfig{
			EmailOTPTTL: 10 * time.Minute,
			MaxAttempts: 3,
			OTPDigits:   6,
			Issuer:      "memberauth",
			TOTPDigits:  6,
			TOTPPeriod:  30,
			TOTPSkew:    1,
		},
		Password: PasswordConfig{
			Memory:      65536,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: PolicyConfig{
			MinLength:    12,
			HistoryDepth: 2,
			MinAge:       15 * time.Minute,
			MaxAge:       90 * 24 * time.Hour,
		},
		Reset: ResetConfig{
			TokenTTL: 24 * time.Hour,
		},
		Bot: BotConfig{
			ExpectedAction: "login",
		},
		Notify: NotifyConfig{
			Timeout: 5 * time.Second,
		},
		Audit: AuditConfig{
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
	}
}

/*
====================================
VALIDATION
====================================
*/

// Validate rejects configurations that would weaken the security
// invariants the engine is supposed to uphold.
func (c *Config) Validate() error {
	if c.Lockout.Threshold <= 0 {
		return errors.New("Lockout Threshold must be > 0")
	}
	if c.Lockout.Window <= 0 {
		return errors.New("Lockout Window must be > 0")
	}
	if c.Lockout.Duration <= 0 {
		return errors.New("Lockout Duration must be > 0")
	}

	if c.TwoFactor.EmailOTPTTL <= 0 {
		return errors.New("TwoFactor EmailOTPTTL must be > 0")
	}
	if c.TwoFactor.MaxAttempts <= 0 {
		return errors.New("TwoFactor MaxAttempts must be > 0")
	}
	if c.TwoFactor.OTPDigits < 6 || c.TwoFactor.OTPDigits > 10 {
		return errors.New("TwoFactor OTPDigits must be between 6 and 10")
	}
	if c.TwoFactor.Issuer == "" {
		return errors.New("TwoFactor Issuer is required")
	}
	if c.TwoFactor.TOTPDigits != 6 && c.TwoFactor.TOTPDigits != 8 {
		return errors.New("TwoFactor TOTPDigits must be 6 or 8")
	}
	if c.TwoFactor.TOTPPeriod < 15 {
		return errors.New("TwoFactor TOTPPeriod must be >= 15 seconds")
	}
	if c.TwoFactor.TOTPSkew > 2 {
		return errors.New("TwoFactor TOTPSkew must be <= 2")
	}

	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}

	if c.Policy.MinLength < 8 {
		return errors.New("Policy MinLength must be >= 8")
	}
	if c.Policy.HistoryDepth < 0 {
		return errors.New("Policy HistoryDepth must be >= 0")
	}
	if c.Policy.MinAge < 0 {
		return errors.New("Policy MinAge must be >= 0")
	}
	if c.Policy.MaxAge <= 0 {
		return errors.New("Policy MaxAge must be > 0")
	}
	if c.Policy.MinAge >= c.Policy.MaxAge {
		return errors.New("Policy MinAge must be < MaxAge")
	}

	if c.Reset.TokenTTL <= 0 {
		return errors.New("Reset TokenTTL must be > 0")
	}

	if c.Bot.ExpectedAction == "" {
		return errors.New("Bot ExpectedAction is required")
	}
	if c.Bot.MinScore < 0 || c.Bot.MinScore > 1 {
		return errors.New("Bot MinScore must be within [0, 1]")
	}

	if c.Notify.Timeout <= 0 {
		return errors.New("Notify Timeout must be > 0")
	}

	if c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0")
	}

	return nil
}
