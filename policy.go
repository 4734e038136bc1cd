package memberauth

import "unicode"

// Password composition rule names reported inside [PolicyError].
// They are stable identifiers, safe to key translations on.
const (
	PolicyRuleMinLength = "min_length"
	PolicyRuleLowercase = "lowercase"
	PolicyRuleUppercase = "uppercase"
	PolicyRuleDigit     = "digit"
	PolicyRuleSymbol    = "symbol"
)

// checkPasswordPolicy validates composition: minimum length plus all
// four character classes, each mandatory. Every violated rule is
// collected, not just the first.
func checkPasswordPolicy(cfg PolicyConfig, password string) *PolicyError {
	var (
		hasLower, hasUpper, hasDigit, hasSymbol bool
	)

	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSymbol = true
		}
	}

	var violations []string
	if len([]rune(password)) < cfg.MinLength {
		violations = append(violations, PolicyRuleMinLength)
	}
	if !hasLower {
		violations = append(violations, PolicyRuleLowercase)
	}
	if !hasUpper {
		violations = append(violations, PolicyRuleUppercase)
	}
	if !hasDigit {
		violations = append(violations, PolicyRuleDigit)
	}
	if !hasSymbol {
		violations = append(violations, PolicyRuleSymbol)
	}

	if len(violations) == 0 {
		return nil
	}
	return &PolicyError{Violations: violations}
}
