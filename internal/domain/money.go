/**
 * @description
 * Money is the only representation of an amount used by the escrow engine.
 * Values are whole XOF francs (the minor unit) held as int64, so no component
 * ever does arithmetic on floating point amounts.
 */

package domain

import (
	"math"
	"strconv"
)

// Money is a non-negative amount in minor currency units.
type Money int64

// NewMoney validates a raw minor-unit amount.
func NewMoney(minor int64) (Money, error) {
	if minor < 0 {
		return 0, ErrInvalidAmount
	}
	return Money(minor), nil
}

// Int64 returns the raw minor-unit value for persistence and wire payloads.
func (m Money) Int64() int64 { return int64(m) }

func (m Money) IsZero() bool { return m == 0 }

// Add returns m + o. Overflow and negative operands are rejected.
func (m Money) Add(o Money) (Money, error) {
	if m < 0 || o < 0 {
		return 0, ErrInvalidAmount
	}
	if o > Money(math.MaxInt64)-m {
		return 0, ErrInvalidAmount
	}
	return m + o, nil
}

// Sub returns m - o and fails with ErrInvalidAmount when the result would be negative.
func (m Money) Sub(o Money) (Money, error) {
	if m < 0 || o < 0 || o > m {
		return 0, ErrInvalidAmount
	}
	return m - o, nil
}

// Percent returns floor(m * pct / 100) without overflowing for large amounts.
func (m Money) Percent(pct int) Money {
	if pct <= 0 || m <= 0 {
		return 0
	}
	if pct >= 100 {
		return m
	}
	q, r := int64(m)/100, int64(m)%100
	return Money(q*int64(pct) + r*int64(pct)/100)
}

func (m Money) String() string {
	return strconv.FormatInt(int64(m), 10) + " XOF"
}
