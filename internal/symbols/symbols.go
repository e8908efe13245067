package symbols

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var sixDigits = regexp.MustCompile(`^\d{6}$`)

// NormalizeProductCode converts a client-supplied product identifier into
// the 6-digit KRX instrument code the upstream expects. Accepted inputs are
// a bare 6-digit code ("005930"), the A-prefixed form ("A005930"), and
// identifiers containing a code among other characters. Identifiers with no
// digits at all are returned unchanged so the caller can decide how to
// fail.
func NormalizeProductCode(productID string) string {
	id := strings.TrimSpace(productID)
	if id == "" {
		return id
	}

	if sixDigits.MatchString(id) {
		return id
	}

	if strings.HasPrefix(id, "A") && len(id) == 7 {
		if code := id[1:]; sixDigits.MatchString(code) {
			return code
		}
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, id)

	switch {
	case len(digits) == 6:
		return digits
	case len(digits) > 6:
		return digits[len(digits)-6:]
	case len(digits) > 0:
		n, err := strconv.Atoi(digits)
		if err != nil {
			return id
		}
		return fmt.Sprintf("%06d", n)
	default:
		return id
	}
}

// Valid reports whether the identifier is usable as a subscription key.
func Valid(productID string) bool {
	return strings.TrimSpace(productID) != ""
}
