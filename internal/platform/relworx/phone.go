package relworx

import (
	"errors"
	"strings"
)

const DefaultCountryCode = "256"

var ErrInvalidPhoneNumber = errors.New("invalid phone number")

// NormalizeMSISDN converts local and international spellings into "+<digits>".
// A leading 0 is replaced by defaultCountryCode.
func NormalizeMSISDN(raw, defaultCountryCode string) (string, error) {
	if defaultCountryCode == "" {
		defaultCountryCode = DefaultCountryCode
	}
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.', '\t':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))

	var digits string
	switch {
	case strings.HasPrefix(cleaned, "+"):
		digits = cleaned[1:]
	case strings.HasPrefix(cleaned, "00"):
		digits = cleaned[2:]
	case strings.HasPrefix(cleaned, "0"):
		digits = defaultCountryCode + cleaned[1:]
	case strings.HasPrefix(cleaned, defaultCountryCode):
		digits = cleaned
	default:
		digits = defaultCountryCode + cleaned
	}

	if len(digits) < 10 || len(digits) > 15 {
		return "", ErrInvalidPhoneNumber
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", ErrInvalidPhoneNumber
		}
	}
	return "+" + digits, nil
}
