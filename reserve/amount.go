package reserve

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Decimals is the ledger's fixed fractional precision.
const Decimals = 8

const unitScale = 100_000_000

// ErrInvalidAmount is returned for malformed or out-of-range decimal strings.
var ErrInvalidAmount = errors.New("reserve: invalid amount")

// FormatAmount renders base units as a canonical 8-decimal string.
func FormatAmount(units int64) string {
	if units < 0 {
		return "-" + FormatAmount(-units)
	}
	return fmt.Sprintf("%d.%08d", units/unitScale, units%unitScale)
}

// ParseAmount converts a non-negative decimal string with at most 8
// fractional digits into base units.
func ParseAmount(s string) (int64, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, ErrInvalidAmount
	}
	whole := trimmed
	frac := ""
	if idx := strings.IndexByte(trimmed, '.'); idx >= 0 {
		whole = trimmed[:idx]
		frac = trimmed[idx+1:]
		if frac == "" {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Decimals {
		return 0, fmt.Errorf("%w: %q exceeds %d decimals", ErrInvalidAmount, s, Decimals)
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	padded := frac + strings.Repeat("0", Decimals-len(frac))
	units, err := strconv.ParseInt(whole+padded, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return units, nil
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
