// Package currency implements the exact, unit-aware monetary value type used
// across the payments core.
//
// Amounts are integers in the smallest indivisible unit of their currency:
// minor units for fiat (cents for USD, whole yen for JPY) and millisatoshis
// for BTC. Floating point never enters the representation; human-entered
// decimals are converted exactly once at the boundary.
package currency

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	payments "github.com/v0l/payments-go"
)

// Currency is a supported currency unit.
type Currency string

const (
	EUR Currency = "EUR"
	USD Currency = "USD"
	GBP Currency = "GBP"
	CAD Currency = "CAD"
	CHF Currency = "CHF"
	AUD Currency = "AUD"
	JPY Currency = "JPY"
	// BTC amounts are held in millisatoshis.
	BTC Currency = "BTC"
)

var knownCurrencies = map[Currency]struct{}{
	EUR: {}, USD: {}, GBP: {}, CAD: {}, CHF: {}, AUD: {}, JPY: {}, BTC: {},
}

// Parse resolves a case-insensitive currency code.
func Parse(s string) (Currency, error) {
	c := Currency(strings.ToUpper(s))
	if _, ok := knownCurrencies[c]; !ok {
		return "", errors.Wrapf(payments.ErrInvalidAmount, "unknown currency %q", s)
	}
	return c, nil
}

// Exponent is the number of decimal digits between the major unit and the
// smallest indivisible unit: 2 for cent currencies, 0 for JPY, 11 for BTC
// (1 BTC = 100_000_000_000 millisatoshis).
func (c Currency) Exponent() int32 {
	switch c {
	case BTC:
		return 11
	case JPY:
		return 0
	default:
		return 2
	}
}

// IsFiat reports whether c is a fiat currency rather than the Lightning unit.
func (c Currency) IsFiat() bool { return c != BTC }

func (c Currency) String() string { return string(c) }

// Amount is an immutable monetary value: a currency and an integer magnitude
// in that currency's smallest unit. The zero value is not a valid amount.
type Amount struct {
	cur Currency
	val uint64
}

// FromMajor constructs an amount from a human-entered decimal string in the
// currency's major unit ("20.00" USD, "0.001" BTC). The value must be
// non-negative and must not carry more fractional digits than the currency
// allows.
func FromMajor(cur Currency, value string) (Amount, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Amount{}, errors.Wrapf(payments.ErrInvalidAmount, "parse %q: %v", value, err)
	}
	if d.IsNegative() {
		return Amount{}, errors.Wrapf(payments.ErrInvalidAmount, "negative amount %q", value)
	}
	scaled := d.Shift(cur.Exponent())
	if !scaled.IsInteger() {
		return Amount{}, errors.Wrapf(payments.ErrInvalidAmount,
			"%q has more fractional digits than %s allows", value, cur)
	}
	v, err := toUint64(scaled)
	if err != nil {
		return Amount{}, err
	}
	return Amount{cur: cur, val: v}, nil
}

// FromMinorUnits constructs an amount directly from the smallest unit.
func FromMinorUnits(cur Currency, value int64) (Amount, error) {
	if value < 0 {
		return Amount{}, errors.Wrapf(payments.ErrInvalidAmount, "negative amount %d", value)
	}
	return Amount{cur: cur, val: uint64(value)}, nil
}

// Millisats constructs a BTC amount from millisatoshis.
func Millisats(value int64) (Amount, error) {
	return FromMinorUnits(BTC, value)
}

// MustMillisats is Millisats for trusted constant inputs; it panics on
// negative values.
func MustMillisats(value int64) Amount {
	a, err := Millisats(value)
	if err != nil {
		panic(err)
	}
	return a
}

// Currency returns the unit of the amount.
func (a Amount) Currency() Currency { return a.cur }

// MinorUnits returns the raw integer magnitude in the smallest unit.
func (a Amount) MinorUnits() uint64 { return a.val }

// IsZero reports whether the magnitude is zero.
func (a Amount) IsZero() bool { return a.val == 0 }

// Add returns a+b. Both amounts must share the same unit.
func (a Amount) Add(b Amount) (Amount, error) {
	if a.cur != b.cur {
		return Amount{}, errors.Wrapf(payments.ErrUnitMismatch, "%s + %s", a.cur, b.cur)
	}
	sum := a.val + b.val
	if sum < a.val {
		return Amount{}, errors.Wrapf(payments.ErrInvalidAmount, "%s + %s overflows", a, b)
	}
	return Amount{cur: a.cur, val: sum}, nil
}

// Sub returns a-b. Both amounts must share the same unit and the result must
// not be negative.
func (a Amount) Sub(b Amount) (Amount, error) {
	if a.cur != b.cur {
		return Amount{}, errors.Wrapf(payments.ErrUnitMismatch, "%s - %s", a.cur, b.cur)
	}
	if b.val > a.val {
		return Amount{}, errors.Wrapf(payments.ErrUnderflow, "%s - %s", a, b)
	}
	return Amount{cur: a.cur, val: a.val - b.val}, nil
}

// Cmp compares two amounts of the same unit: -1 if a<b, 0 if equal, 1 if a>b.
func (a Amount) Cmp(b Amount) (int, error) {
	if a.cur != b.cur {
		return 0, errors.Wrapf(payments.ErrUnitMismatch, "%s vs %s", a.cur, b.cur)
	}
	switch {
	case a.val < b.val:
		return -1, nil
	case a.val > b.val:
		return 1, nil
	default:
		return 0, nil
	}
}

// ConvertTo produces a new amount in target using the caller-supplied
// exchange rate, expressed as target smallest-units per source smallest-unit.
// The result is always floored toward the payee's disadvantage; the discarded
// fractional remainder is returned so no truncation is silent. The core holds
// no rate table.
func (a Amount) ConvertTo(target Currency, rate decimal.Decimal) (Amount, decimal.Decimal, error) {
	if rate.IsNegative() {
		return Amount{}, decimal.Zero, errors.Wrapf(payments.ErrInvalidAmount, "negative rate %s", rate)
	}
	product := decimal.NewFromBigInt(new(big.Int).SetUint64(a.val), 0).Mul(rate)
	floored := product.Floor()
	v, err := toUint64(floored)
	if err != nil {
		return Amount{}, decimal.Zero, err
	}
	return Amount{cur: target, val: v}, product.Sub(floored), nil
}

// MajorString formats the amount in the major unit with the currency's full
// precision. FromMajor(c, a.MajorString()) reproduces a exactly.
func (a Amount) MajorString() string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(a.val), 0).
		Shift(-a.cur.Exponent()).
		StringFixed(a.cur.Exponent())
}

// String renders the amount for humans: "USD 20.00", "JPY 120",
// "BTC 1.00000000" (BTC shown to satoshi precision).
func (a Amount) String() string {
	if a.cur == BTC {
		btc := decimal.NewFromBigInt(new(big.Int).SetUint64(a.val), 0).Shift(-11)
		return fmt.Sprintf("BTC %s", btc.StringFixed(8))
	}
	return fmt.Sprintf("%s %s", a.cur, a.MajorString())
}

func toUint64(d decimal.Decimal) (uint64, error) {
	if d.IsNegative() {
		return 0, errors.Wrapf(payments.ErrInvalidAmount, "negative value %s", d)
	}
	bi := d.BigInt()
	if !bi.IsUint64() {
		return 0, errors.Wrapf(payments.ErrInvalidAmount, "value %s out of range", d)
	}
	return bi.Uint64(), nil
}
