// Package instrument normalizes and validates the identifiers that raw
// trade rows carry for a security: the ISIN and the exchange trading code.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// isinRegex matches: {country}{9 alphanumerics}{check digit}
// Example: BD0001AAMRA3, US0378331005
var isinRegex = regexp.MustCompile(`^[A-Z]{2}[A-Z0-9]{9}[0-9]$`)

var (
	ErrInvalidISIN   = errors.New("instrument: invalid ISIN format")
	ErrBadCheckDigit = errors.New("instrument: ISIN check digit mismatch")
)

// NormalizeISIN trims and upper-cases an ISIN and validates its format and
// check digit.
func NormalizeISIN(raw string) (string, error) {
	isin := strings.ToUpper(strings.TrimSpace(raw))
	if !isinRegex.MatchString(isin) {
		return "", fmt.Errorf("%w: %q", ErrInvalidISIN, raw)
	}
	if checkDigit(isin[:11]) != isin[11] {
		return "", fmt.Errorf("%w: %s", ErrBadCheckDigit, isin)
	}
	return isin, nil
}

// ValidISIN reports whether raw is a well-formed ISIN.
func ValidISIN(raw string) bool {
	_, err := NormalizeISIN(raw)
	return err == nil
}

// NormalizeCode canonicalizes an exchange trading code: trimmed,
// upper-case, inner whitespace removed.
func NormalizeCode(raw string) string {
	return strings.ToUpper(strings.Join(strings.Fields(raw), ""))
}

// checkDigit computes the ISIN check digit of the first 11 characters:
// letters expand to two digits (A=10 … Z=35), then the Luhn algorithm runs
// over the expanded digit string.
func checkDigit(body string) byte {
	var digits []int
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c >= 'A' && c <= 'Z' {
			v := int(c-'A') + 10
			digits = append(digits, v/10, v%10)
			continue
		}
		digits = append(digits, int(c-'0'))
	}

	sum := 0
	double := true // the rightmost body digit sits left of the check digit
	for i := len(digits) - 1; i >= 0; i-- {
		v := digits[i]
		if double {
			v *= 2
			if v > 9 {
				v -= 9
			}
		}
		sum += v
		double = !double
	}
	return byte('0' + (10-sum%10)%10)
}
