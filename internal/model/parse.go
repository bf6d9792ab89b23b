package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// NormalizeCustomerRef trims the reference and drops a fractional suffix
// such as "17850.0" that spreadsheet exports leave behind.
func NormalizeCustomerRef(raw string) string {
	ref := strings.TrimSpace(raw)
	if i := strings.IndexByte(ref, '.'); i > 0 && isDigits(ref[:i]) && isDigits(ref[i+1:]) {
		return ref[:i]
	}
	return ref
}

// ParseQuantity accepts an integral value that fits the quantity column.
// A zero fractional part is tolerated ("2.0" -> 2); "2.9" is rejected.
func ParseQuantity(raw string) (int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("%w: quantity is blank", ErrValidation)
	}
	if i := strings.IndexByte(s, '.'); i >= 0 {
		frac := s[i+1:]
		if !isDigits(frac) {
			return 0, fmt.Errorf("%w: quantity %q is not a number", ErrValidation, raw)
		}
		if strings.Trim(frac, "0") != "" {
			return 0, fmt.Errorf("%w: quantity %q is not a whole number", ErrValidation, raw)
		}
		s = s[:i]
	}
	n, err := strconv.ParseInt(s, 10, 32)
	if errors.Is(err, strconv.ErrRange) {
		return 0, fmt.Errorf("%w: quantity %q is out of range", ErrValidation, raw)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: quantity %q is not a number", ErrValidation, raw)
	}
	return int(n), nil
}

// ParseUnitPrice parses an exact decimal price.
func ParseUnitPrice(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: unit price is blank", ErrValidation)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: unit price %q is not a number", ErrValidation, raw)
	}
	return d, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
