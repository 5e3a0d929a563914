package identity

import "strings"

const (
	countryCode = "7"
	trunkPrefix = '8'
)

// NormalizePhone reduces a phone number to the +7XXXXXXXXXX form the CRM
// stores. Ten digits get the country code prepended, an eleven-digit number
// with the domestic trunk prefix has it swapped for the country code, and
// anything else is kept digits-only behind a plus.
func NormalizePhone(raw string) string {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()

	switch {
	case len(d) == 10:
		return "+" + countryCode + d
	case len(d) == 11 && d[0] == trunkPrefix:
		return "+" + countryCode + d[1:]
	case len(d) == 11 && d[0] == countryCode[0]:
		return "+" + d
	default:
		return "+" + d
	}
}
