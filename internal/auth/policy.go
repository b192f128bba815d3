package auth

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

// PasswordPolicy holds the composition rules for one environment.
type PasswordPolicy struct {
	MinLength        int  `mapstructure:"min_length" validate:"gte=1"`
	RequireMixedCase bool `mapstructure:"require_mixed_case"`
	RequireDigit     bool `mapstructure:"require_digit"`
	RequireSymbol    bool `mapstructure:"require_symbol"`
}

// Violation reasons reported by CheckPolicy.
const (
	ReasonTooShort      = "too_short"
	ReasonMissingLower  = "missing_lowercase"
	ReasonMissingUpper  = "missing_uppercase"
	ReasonMissingDigit  = "missing_digit"
	ReasonMissingSymbol = "missing_symbol"
)

// CheckPolicy evaluates plaintext against policy and returns a KindWeakPassword
// error listing every violated rule. Length is counted in runes.
func CheckPolicy(plaintext string, policy PasswordPolicy) error {
	var (
		lower, upper, digit, symbol bool
		reasons                     []string
	)
	for _, r := range plaintext {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r):
			symbol = true
		}
	}
	if utf8.RuneCountInString(plaintext) < policy.MinLength {
		reasons = append(reasons, ReasonTooShort)
	}
	if policy.RequireMixedCase {
		if !lower {
			reasons = append(reasons, ReasonMissingLower)
		}
		if !upper {
			reasons = append(reasons, ReasonMissingUpper)
		}
	}
	if policy.RequireDigit && !digit {
		reasons = append(reasons, ReasonMissingDigit)
	}
	if policy.RequireSymbol && !symbol {
		reasons = append(reasons, ReasonMissingSymbol)
	}
	if len(reasons) == 0 {
		return nil
	}
	return &Error{
		Kind:    KindWeakPassword,
		Message: fmt.Sprintf("password violates %d policy rule(s)", len(reasons)),
		Reasons: reasons,
	}
}
