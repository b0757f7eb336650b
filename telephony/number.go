package telephony

import (
	"errors"
	"strings"
)

// ErrInvalidNumber is returned for text that is not a dialable E.164 number.
var ErrInvalidNumber = errors.New("not an E.164 phone number")

// NormalizeNumber strips visual separators and returns the number in E.164
// form. A missing leading plus is accepted.
func NormalizeNumber(s string) (string, error) {
	var b strings.Builder
	b.WriteByte('+')
	for i, r := range strings.TrimSpace(s) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", ErrInvalidNumber
		}
	}
	n := b.String()
	if len(n) < 8 || len(n) > 16 || n[1] == '0' {
		return "", ErrInvalidNumber
	}
	return n, nil
}

// Digits returns the number without its leading plus.
func Digits(number string) string {
	return strings.TrimPrefix(number, "+")
}
