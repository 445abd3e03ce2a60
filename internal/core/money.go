// Package core defines the identity and ledger value types shared by
// every other package: apartments, roles, users, tenants, expenses and
// fixed-point money.
package core

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Money is a fixed-point amount in euro cents. All ledger arithmetic is
// done on cents so that balances net to exactly zero; floats appear
// only at the display boundary.
type Money struct {
	Cents int64
}

// ParseDecimalToCents converts a decimal string to cents with half-up
// rounding on the third decimal place.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators.
// Negative values and signs are rejected; zero is allowed.
//
// Examples:
//
//	ParseDecimalToCents("12.34") -> 1234, nil
//	ParseDecimalToCents("12,34") -> 1234, nil
//	ParseDecimalToCents("12.345") -> 1234, nil (rounds down)
//	ParseDecimalToCents("12.346") -> 1235, nil (rounds up)
func ParseDecimalToCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	// Normalize decimal comma to dot
	s = strings.ReplaceAll(s, ",", ".")
	if strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		// Only unsigned values allowed
		return 0, ErrInvalidAmount
	}
	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, ErrInvalidAmount
	}
	intPart := parts[0]
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}
	if intPart == "" {
		intPart = "0"
	}
	for _, r := range intPart {
		if !unicode.IsDigit(r) {
			return 0, ErrInvalidAmount
		}
	}
	for _, r := range fracPart {
		if !unicode.IsDigit(r) {
			return 0, ErrInvalidAmount
		}
	}
	iv, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	// Prevent overflow when multiplying by 100
	const maxSafeInt64 = (1<<63 - 1) / 100
	if iv > maxSafeInt64 {
		return 0, ErrInvalidAmount
	}
	// Take first two fractional digits; then half-up rounding on third
	var fracCents int64
	if len(fracPart) > 0 {
		d1 := int64(fracPart[0] - '0')
		fracCents = d1 * 10
		if len(fracPart) > 1 {
			d2 := int64(fracPart[1] - '0')
			fracCents += d2
			if len(fracPart) > 2 && fracPart[2] >= '5' {
				fracCents++
			}
		}
	}
	return iv*100 + fracCents, nil
}

// Euros returns the euro value as a float64 for display purposes.
// Use cents for calculations to avoid floating-point precision issues.
func (m Money) Euros() float64 {
	return float64(m.Cents) / 100.0
}

// String formats the amount as a signed decimal euro value.
func (m Money) String() string {
	cents := m.Cents
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// Add returns m + other.
func (m Money) Add(other Money) Money {
	return Money{Cents: m.Cents + other.Cents}
}

// Sub returns m - other.
func (m Money) Sub(other Money) Money {
	return Money{Cents: m.Cents - other.Cents}
}

// SplitEven divides the amount into n shares that sum exactly to the
// original value. The first (Cents mod n) shares carry one extra cent,
// so the split is deterministic given the share order.
func (m Money) SplitEven(n int) ([]Money, error) {
	if n <= 0 {
		return nil, ErrInvalidInvolvedSet
	}
	if m.Cents < 0 {
		return nil, ErrInvalidAmount
	}
	base := m.Cents / int64(n)
	remainder := m.Cents % int64(n)
	shares := make([]Money, n)
	for i := range shares {
		shares[i] = Money{Cents: base}
		if int64(i) < remainder {
			shares[i].Cents++
		}
	}
	return shares, nil
}
