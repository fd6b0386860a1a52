// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package value

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/apd/v3"
)

// Hash returns a hash of v that is consistent with Equal: values that are
// equal hash alike. Numerics with an integral value hash as that integer
// regardless of their kind.
func Hash(v Value) uint64 {
	h := xxhash.New()
	var scratch [9]byte
	hashInto(h, v, scratch[:])
	return h.Sum64()
}

// HashValues hashes a sequence of values, e.g. a grouping key.
func HashValues(vals []Value) uint64 {
	h := xxhash.New()
	var scratch [9]byte
	for _, v := range vals {
		hashInto(h, v, scratch[:])
	}
	return h.Sum64()
}

const (
	hashTagInt byte = iota + 1
	hashTagFloat
	hashTagNaN
	hashTagString
	hashTagBool
	hashTagBinary
	hashTagTimestamp
	hashTagEnum
	hashTagRecord
	hashTagMap
	hashTagArray
	hashTagNull
	hashTagJSONNull
	hashTagEmpty
)

func writeTagged(h *xxhash.Digest, scratch []byte, tag byte, x uint64) {
	scratch[0] = tag
	binary.LittleEndian.PutUint64(scratch[1:], x)
	_, _ = h.Write(scratch[:9])
}

func hashInto(h *xxhash.Digest, v Value, scratch []byte) {
	switch t := v.(type) {
	case DInteger, DLong:
		i, _ := Int64(t)
		writeTagged(h, scratch, hashTagInt, uint64(i))
	case DFloat, DDouble, *DNumber:
		hashNumeric(h, t, scratch)
	case DString:
		writeTagged(h, scratch, hashTagString, uint64(len(t)))
		_, _ = h.WriteString(string(t))
	case DBool:
		var x uint64
		if t {
			x = 1
		}
		writeTagged(h, scratch, hashTagBool, x)
	case DBinary, DFixedBinary:
		b := binaryBytes(t)
		writeTagged(h, scratch, hashTagBinary, uint64(len(b)))
		_, _ = h.Write(b)
	case *DTimestamp:
		writeTagged(h, scratch, hashTagTimestamp, uint64(t.Time.Unix()))
		writeTagged(h, scratch, hashTagTimestamp, uint64(t.Time.Nanosecond()))
	case *DEnum:
		writeTagged(h, scratch, hashTagEnum, uint64(t.Ordinal))
	case *DRecord, *Tuple:
		_, fields, _ := RecordFields(t)
		writeTagged(h, scratch, hashTagRecord, uint64(len(fields)))
		for _, f := range fields {
			hashInto(h, f, scratch)
		}
	case *DMap:
		writeTagged(h, scratch, hashTagMap, uint64(t.Len()))
		for _, k := range sortedKeys(t) {
			_, _ = h.WriteString(k)
			hashInto(h, t.vals[k], scratch)
		}
	case *DArray:
		writeTagged(h, scratch, hashTagArray, uint64(len(t.Elems)))
		for _, e := range t.Elems {
			hashInto(h, e, scratch)
		}
	default:
		switch v.Kind() {
		case KindNull:
			writeTagged(h, scratch, hashTagNull, 0)
		case KindJSONNull:
			writeTagged(h, scratch, hashTagJSONNull, 0)
		default:
			writeTagged(h, scratch, hashTagEmpty, 0)
		}
	}
}

func hashNumeric(h *xxhash.Digest, v Value, scratch []byte) {
	if isNaNValue(v) {
		writeTagged(h, scratch, hashTagNaN, 0)
		return
	}
	if i, ok := integralValue(v); ok {
		writeTagged(h, scratch, hashTagInt, uint64(i))
		return
	}
	writeTagged(h, scratch, hashTagFloat, math.Float64bits(ToFloat64(v)))
}

// integralValue returns the value of a float or NUMBER that is an integer
// within the int64 range.
func integralValue(v Value) (int64, bool) {
	switch t := v.(type) {
	case DFloat, DDouble:
		f, _ := Float64(t)
		if math.IsInf(f, 0) || f != math.Trunc(f) || f >= math.MaxInt64 || f < math.MinInt64 {
			return 0, false
		}
		return int64(f), true
	case *DNumber:
		if t.Form != apd.Finite {
			return 0, false
		}
		var d DNumber
		if _, err := DecimalCtx.RoundToIntegralExact(&d.Decimal, &t.Decimal); err != nil {
			return 0, false
		}
		if d.Cmp(&t.Decimal) != 0 {
			return 0, false
		}
		i, err := d.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

// Equal reports whether two values are the same grouping key. NULL equals
// NULL. Values of different kinds are equal only if both are numeric or
// both binary.
func Equal(v0, v1 Value) bool {
	k0, k1 := v0.Kind(), v1.Kind()
	if k0 != k1 && !(k0.IsNumeric() && k1.IsNumeric()) && !(k0.IsBinary() && k1.IsBinary()) {
		return false
	}
	if k0 == KindNull {
		return true
	}
	switch k0 {
	case KindRecord:
		_, f0, _ := RecordFields(v0)
		_, f1, _ := RecordFields(v1)
		return EqualValues(f0, f1)
	case KindMap:
		m0, m1 := v0.(*DMap), v1.(*DMap)
		if m0.Len() != m1.Len() {
			return false
		}
		for _, k := range m0.keys {
			e1, ok := m1.vals[k]
			if !ok || !Equal(m0.vals[k], e1) {
				return false
			}
		}
		return true
	case KindArray:
		return EqualValues(v0.(*DArray).Elems, v1.(*DArray).Elems)
	}
	res := Compare(v0, v1, OpEQ, false /* forSort */)
	return !res.HaveNull && !res.Incompatible && res.Comp == 0
}

// EqualValues compares two sequences with Equal.
func EqualValues(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}
