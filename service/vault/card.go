package vault

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RawCard is card input as submitted by the caller. It is forwarded to the
// processor for tokenization and never persisted.
type RawCard struct {
	Number string
	CVC    string
	// Expiry in "MM/YY" form, e.g. "09/30".
	Expiry string
}

// parseExpiry parses an "MM/YY" expiry into a month and a full year.
// Two-digit years are expanded into the 2000s.
func parseExpiry(expiry string) (month, year int, err error) {
	parts := strings.Split(strings.TrimSpace(expiry), "/")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expiry must be in MM/YY form, got %q", expiry)
	}

	month, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || month < 1 || month > 12 {
		return 0, 0, fmt.Errorf("invalid expiry month %q", parts[0])
	}

	yy, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || yy < 0 || yy > 99 {
		return 0, 0, fmt.Errorf("invalid expiry year %q", parts[1])
	}

	return month, 2000 + yy, nil
}

// expired reports whether a card expiry is in the past. A card is valid
// through the last day of its expiry month.
func expired(month, year int, now time.Time) bool {
	if year != now.Year() {
		return year < now.Year()
	}
	return month < int(now.Month())
}

// passesLuhn implements the standard mod-10 check on a card number.
func passesLuhn(number string) bool {
	if number == "" {
		return false
	}
	sum := 0
	alternate := false
	for i := len(number) - 1; i >= 0; i-- {
		c := number[i]
		if c < '0' || c > '9' {
			return false
		}
		n := int(c - '0')
		if alternate {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		alternate = !alternate
	}
	return sum%10 == 0
}

// normalizeCardNumber strips spaces and dashes from a card number.
func normalizeCardNumber(number string) string {
	number = strings.ReplaceAll(number, " ", "")
	return strings.ReplaceAll(number, "-", "")
}
