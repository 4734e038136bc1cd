package memberauth

import (
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// 160-bit secrets per RFC 4226 recommendation.
const totpSecretBytes = 20

// totpManager wraps RFC 6238 code generation and validation with the
// engine's period, digit, and skew settings.
type totpManager struct {
	cfg TwoFactorConfig
}

func newTOTPManager(cfg TwoFactorConfig) *totpManager {
	return &totpManager{cfg: cfg}
}

func (m *totpManager) digits() otp.Digits {
	if m.cfg.TOTPDigits == 8 {
		return otp.DigitsEight
	}
	return otp.DigitsSix
}

// GenerateSecret creates a fresh enrollment: the base32 secret and the
// otpauth:// provisioning URI bound to the account email.
func (m *totpManager) GenerateSecret(accountEmail string) (*TOTPEnrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.cfg.Issuer,
		AccountName: accountEmail,
		Period:      m.cfg.TOTPPeriod,
		SecretSize:  totpSecretBytes,
		Digits:      m.digits(),
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, err
	}

	return &TOTPEnrollment{
		Secret: key.Secret(),
		URI:    key.URL(),
	}, nil
}

// Verify checks a code against the secret at the given instant,
// accepting the configured number of time steps before and after the
// current one to absorb clock drift.
func (m *totpManager) Verify(secret, code string, now time.Time) (bool, error) {
	return totp.ValidateCustom(code, secret, now, totp.ValidateOpts{
		Period:    m.cfg.TOTPPeriod,
		Skew:      m.cfg.TOTPSkew,
		Digits:    m.digits(),
		Algorithm: otp.AlgorithmSHA1,
	})
}
