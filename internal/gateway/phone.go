package gateway

import "strings"

const ivoryCoastCallingCode = "225"

// NormalizePhone reduces a Côte d'Ivoire number to its ten national digits.
// It returns "" when the input is not a valid national number.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return ""
		}
	}
	digits := b.String()
	digits = strings.TrimPrefix(digits, "00"+ivoryCoastCallingCode)
	if len(digits) == 13 && strings.HasPrefix(digits, ivoryCoastCallingCode) {
		digits = digits[len(ivoryCoastCallingCode):]
	}
	if len(digits) != 10 {
		return ""
	}
	return digits
}

// hasOperatorPrefix reports whether phone belongs to one of the operator prefixes.
func hasOperatorPrefix(phone string, prefixes []string) bool {
	national := NormalizePhone(phone)
	if national == "" {
		return false
	}
	for _, p := range prefixes {
		if strings.HasPrefix(national, p) {
			return true
		}
	}
	return false
}
