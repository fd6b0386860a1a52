// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package value

import (
	"math"

	"github.com/cockroachdb/apd/v3"
	"github.com/cockroachdb/errors"
)

// DecimalCtx is the context used for NUMBER arithmetic.
var DecimalCtx = apd.BaseContext.WithPrecision(34)

// NewNumber returns a NUMBER with the given value.
func NewNumber(coeff int64, exponent int32) *DNumber {
	d := &DNumber{}
	d.SetFinite(coeff, exponent)
	return d
}

// ParseNumber parses a NUMBER literal.
func ParseNumber(s string) (*DNumber, error) {
	d := &DNumber{}
	if _, _, err := d.SetString(s); err != nil {
		return nil, errors.Wrapf(err, "could not parse %q as NUMBER", s)
	}
	return d, nil
}

// Int64 returns the value of an INTEGER or LONG.
func Int64(v Value) (int64, bool) {
	switch t := v.(type) {
	case DInteger:
		return int64(t), true
	case DLong:
		return int64(t), true
	}
	return 0, false
}

// Float64 returns the value of a FLOAT or DOUBLE.
func Float64(v Value) (float64, bool) {
	switch t := v.(type) {
	case DFloat:
		return float64(t), true
	case DDouble:
		return float64(t), true
	}
	return 0, false
}

// ToDecimal converts a finite numeric value to a decimal. The result must
// not be modified when v is a NUMBER.
func ToDecimal(v Value) (*apd.Decimal, error) {
	switch t := v.(type) {
	case DInteger, DLong:
		i, _ := Int64(t)
		return apd.New(i, 0), nil
	case DFloat, DDouble:
		f, _ := Float64(t)
		d := new(apd.Decimal)
		if _, err := d.SetFloat64(f); err != nil {
			return nil, err
		}
		return d, nil
	case *DNumber:
		return &t.Decimal, nil
	}
	return nil, errors.AssertionFailedf("%s is not numeric", v.Kind())
}

// ToFloat64 converts any numeric value to a float64, possibly losing
// precision.
func ToFloat64(v Value) float64 {
	switch t := v.(type) {
	case DInteger:
		return float64(t)
	case DLong:
		return float64(t)
	case DFloat:
		return float64(t)
	case DDouble:
		return float64(t)
	case *DNumber:
		f, err := t.Float64()
		if err != nil {
			return math.NaN()
		}
		return f
	}
	return math.NaN()
}

type numClass int

const (
	numIntegral numClass = iota
	numFloating
	numNumber
)

func classOf(k Kind) numClass {
	switch {
	case k.IsIntegral():
		return numIntegral
	case k.IsFloating():
		return numFloating
	default:
		return numNumber
	}
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// cmpFloat orders NaN after every other value, and equal to itself.
func cmpFloat(a, b float64) int {
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	switch {
	case aNaN && bNaN:
		return 0
	case aNaN:
		return 1
	case bNaN:
		return -1
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// cmpIntFloat compares an integer and a float exactly.
func cmpIntFloat(i int64, f float64) int {
	switch {
	case math.IsNaN(f):
		return -1
	case f >= math.MaxInt64: // 2^63, not representable as int64
		return -1
	case f < math.MinInt64:
		return 1
	}
	t := math.Trunc(f)
	if c := cmpInt(i, int64(t)); c != 0 {
		return c
	}
	switch {
	case f > t:
		return -1
	case f < t:
		return 1
	}
	return 0
}

func isNaNValue(v Value) bool {
	switch t := v.(type) {
	case DFloat, DDouble:
		f, _ := Float64(t)
		return math.IsNaN(f)
	case *DNumber:
		return t.Form == apd.NaN || t.Form == apd.NaNSignaling
	}
	return false
}

// infSign returns 1 or -1 for infinite values and 0 otherwise.
func infSign(v Value) int {
	switch t := v.(type) {
	case DFloat, DDouble:
		f, _ := Float64(t)
		switch {
		case math.IsInf(f, 1):
			return 1
		case math.IsInf(f, -1):
			return -1
		}
	case *DNumber:
		if t.Form == apd.Infinite {
			if t.Negative {
				return -1
			}
			return 1
		}
	}
	return 0
}

// compareNumeric compares two numeric values after promotion to the wider
// of their types. With forSort, values that are numerically equal are
// further ordered by type family (integral, floating, NUMBER) so that the
// result is a strict total order.
func compareNumeric(v0, v1 Value, forSort bool) int {
	c0, c1 := classOf(v0.Kind()), classOf(v1.Kind())
	var c int
	switch {
	case c0 == numIntegral && c1 == numIntegral:
		i0, _ := Int64(v0)
		i1, _ := Int64(v1)
		c = cmpInt(i0, i1)
	case c0 != numNumber && c1 != numNumber:
		c = compareFloating(v0, v1)
	default:
		c = compareDecimal(v0, v1)
	}
	if c == 0 && forSort {
		c = cmpInt(int64(c0), int64(c1))
	}
	return c
}

func compareFloating(v0, v1 Value) int {
	i0, isInt0 := Int64(v0)
	i1, isInt1 := Int64(v1)
	switch {
	case isInt0:
		f1, _ := Float64(v1)
		return cmpIntFloat(i0, f1)
	case isInt1:
		f0, _ := Float64(v0)
		return -cmpIntFloat(i1, f0)
	}
	f0, _ := Float64(v0)
	f1, _ := Float64(v1)
	return cmpFloat(f0, f1)
}

func compareDecimal(v0, v1 Value) int {
	nan0, nan1 := isNaNValue(v0), isNaNValue(v1)
	switch {
	case nan0 && nan1:
		return 0
	case nan0:
		return 1
	case nan1:
		return -1
	}
	s0, s1 := infSign(v0), infSign(v1)
	if s0 != 0 || s1 != 0 {
		return cmpInt(int64(s0), int64(s1))
	}
	d0, err0 := ToDecimal(v0)
	d1, err1 := ToDecimal(v1)
	if err0 != nil || err1 != nil {
		// Unreachable for finite numerics.
		return cmpFloat(ToFloat64(v0), ToFloat64(v1))
	}
	return d0.Cmp(d1)
}
