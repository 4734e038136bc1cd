package memberauth

import (
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// codeAt computes the expected code for a secret at a given instant,
// using the same settings the manager validates with.
func (m *totpManager) codeAt(secret string, at time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    m.cfg.TOTPPeriod,
		Skew:      m.cfg.TOTPSkew,
		Digits:    m.digits(),
		Algorithm: otp.AlgorithmSHA1,
	})
}
