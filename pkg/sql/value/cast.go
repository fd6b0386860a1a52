// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package value

import (
	"math"

	"github.com/cockroachdb/apd/v3"
)

// Promote converts v to the given type without losing information. It
// returns false if v has no exact representation in that type, e.g. a
// DOUBLE with a fractional part bound to a LONG key column.
func Promote(v Value, t Type) (Value, bool) {
	if t.Kind == KindAny {
		return v, true
	}
	k := v.Kind()
	switch t.Kind {
	case KindInteger:
		i, ok := exactInt64(v)
		if !ok || i < math.MinInt32 || i > math.MaxInt32 {
			return nil, false
		}
		return DInteger(i), true
	case KindLong:
		i, ok := exactInt64(v)
		if !ok {
			return nil, false
		}
		return DLong(i), true
	case KindFloat:
		if !k.IsNumeric() || k == KindNumber {
			return nil, false
		}
		f := ToFloat64(v)
		if i, isInt := Int64(v); isInt && float64(float32(i)) != float64(i) {
			return nil, false
		}
		if float64(float32(f)) != f && !math.IsNaN(f) {
			return nil, false
		}
		return DFloat(f), true
	case KindDouble:
		switch {
		case k.IsFloating():
			return DDouble(ToFloat64(v)), true
		case k.IsIntegral():
			i, _ := Int64(v)
			if int64(float64(i)) != i || i == math.MaxInt64 {
				return nil, false
			}
			return DDouble(float64(i)), true
		}
		return nil, false
	case KindNumber:
		if !k.IsNumeric() {
			return nil, false
		}
		if n, ok := v.(*DNumber); ok {
			return n, true
		}
		if isNaNValue(v) || infSign(v) != 0 {
			return nil, false
		}
		d, err := ToDecimal(v)
		if err != nil {
			return nil, false
		}
		return &DNumber{Decimal: *d}, true
	case KindString:
		if k != KindString {
			return nil, false
		}
		return v, true
	case KindEnum:
		switch t1 := v.(type) {
		case DString:
			ord, ok := t.Enum.Ordinal(string(t1))
			if !ok {
				return nil, false
			}
			return &DEnum{Def: t.Enum, Ordinal: ord}, true
		case *DEnum:
			if !t1.Def.Equal(t.Enum) {
				return nil, false
			}
			return v, true
		}
		return nil, false
	case KindTimestamp:
		switch t1 := v.(type) {
		case DString:
			ts, err := ParseTimestamp(string(t1), t.Precision)
			if err != nil {
				return nil, false
			}
			return ts, true
		case *DTimestamp:
			ts := NewTimestamp(t1.Time, t.Precision)
			if !ts.Time.Equal(t1.Time) {
				return nil, false
			}
			return ts, true
		}
		return nil, false
	case KindBoolean:
		if k != KindBoolean {
			return nil, false
		}
		return v, true
	case KindBinary, KindFixedBinary:
		if !k.IsBinary() {
			return nil, false
		}
		if t.Kind == KindBinary {
			return DBinary(binaryBytes(v)), true
		}
		return DFixedBinary(binaryBytes(v)), true
	}
	return nil, false
}

// exactInt64 returns the value of a numeric that is an integer within the
// int64 range.
func exactInt64(v Value) (int64, bool) {
	if i, ok := Int64(v); ok {
		return i, true
	}
	switch t := v.(type) {
	case DFloat, DDouble:
		return integralValue(t)
	case *DNumber:
		if t.Form != apd.Finite {
			return 0, false
		}
		return integralValue(t)
	}
	return 0, false
}
