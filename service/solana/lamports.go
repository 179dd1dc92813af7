package solana

import (
	"fmt"
	"strings"
)

// LamportsPerSol is the fixed conversion multiplier between SOL and the
// chain's smallest unit.
const LamportsPerSol = 1_000_000_000

// solDecimals is the number of fractional digits a SOL amount can carry.
const solDecimals = 9

// ToLamports converts a human-readable decimal SOL amount to lamports.
// The conversion is exact up to 9 fractional digits; anything beyond the
// ninth digit is truncated (never rounded up), so financial amounts are
// deterministic: "0.0001" -> 100000, "1" -> 1000000000, "1.5" -> 1500000000.
// Negative, empty, and malformed inputs are rejected.
func ToLamports(amount string) (uint64, error) {
	s := strings.TrimSpace(amount)
	if s == "" {
		return 0, fmt.Errorf("amount is empty")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("amount %q is negative", amount)
	}
	s = strings.TrimPrefix(s, "+")

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" && frac == "" {
		return 0, fmt.Errorf("amount %q is malformed", amount)
	}
	if whole == "" {
		whole = "0"
	}

	// Validate the full fraction before truncating, so "1.000000000abc"
	// is rejected instead of silently losing its tail.
	for _, r := range frac {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("amount %q is malformed", amount)
		}
	}

	// Truncate excess precision; lamports are the smallest unit.
	if len(frac) > solDecimals {
		frac = frac[:solDecimals]
	}
	// Right-pad the fraction to exactly 9 digits.
	frac += strings.Repeat("0", solDecimals-len(frac))

	var lamports uint64
	for _, r := range whole {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("amount %q is malformed", amount)
		}
		d := uint64(r - '0')
		if lamports > (1<<64-1-d)/10 {
			return 0, fmt.Errorf("amount %q overflows lamports", amount)
		}
		lamports = lamports*10 + d
	}
	if lamports > (1<<64-1)/LamportsPerSol {
		return 0, fmt.Errorf("amount %q overflows lamports", amount)
	}
	lamports *= LamportsPerSol

	var fracLamports uint64
	for _, r := range frac {
		fracLamports = fracLamports*10 + uint64(r-'0')
	}

	if lamports > 1<<64-1-fracLamports {
		return 0, fmt.Errorf("amount %q overflows lamports", amount)
	}
	return lamports + fracLamports, nil
}

// FormatLamports renders lamports as a decimal SOL string with trailing
// zeros trimmed. Used for logs and API responses, never for arithmetic.
func FormatLamports(lamports uint64) string {
	whole := lamports / LamportsPerSol
	frac := lamports % LamportsPerSol
	if frac == 0 {
		return fmt.Sprintf("%d", whole)
	}
	s := strings.TrimRight(fmt.Sprintf("%09d", frac), "0")
	return fmt.Sprintf("%d.%s", whole, s)
}
