// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package value

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvquery/pkg/util/encoding"
)

// AppendKeyEncoding appends the binary encoding of a primary key column
// value to b. Two primary keys are the same row if and only if their
// encodings are byte-equal, which is what duplicate elimination relies on.
//
// INTEGER and LONG are varints, FLOAT and DOUBLE the 8 IEEE754 bytes of the
// double, strings are length prefixed and enums are their ordinal.
func AppendKeyEncoding(b []byte, v Value) ([]byte, error) {
	switch t := v.(type) {
	case DInteger:
		return encoding.EncodeVarintAscending(b, int64(t)), nil
	case DLong:
		return encoding.EncodeVarintAscending(b, int64(t)), nil
	case DFloat:
		return encoding.EncodeUint64Ascending(b, math.Float64bits(float64(t))), nil
	case DDouble:
		return encoding.EncodeUint64Ascending(b, math.Float64bits(float64(t))), nil
	case *DNumber:
		var r DNumber
		r.Reduce(&t.Decimal)
		return appendLengthPrefixed(b, r.Decimal.String()), nil
	case DString:
		return appendLengthPrefixed(b, string(t)), nil
	case *DEnum:
		return encoding.EncodeVarintAscending(b, int64(t.Ordinal)), nil
	case *DTimestamp:
		return encoding.EncodeTimeAscending(b, t.Time), nil
	case DBool:
		if t {
			return append(b, 1), nil
		}
		return append(b, 0), nil
	case DBinary:
		return appendLengthPrefixed(b, string(t)), nil
	case DFixedBinary:
		return appendLengthPrefixed(b, string(t)), nil
	}
	return nil, errors.AssertionFailedf("%s is not a valid primary key value", v.Kind())
}

func appendLengthPrefixed(b []byte, s string) []byte {
	b = encoding.EncodeUvarintAscending(b, uint64(len(s)))
	return append(b, s...)
}

// EncodeKey encodes a sequence of primary key values.
func EncodeKey(vals []Value) ([]byte, error) {
	var b []byte
	for _, v := range vals {
		var err error
		if b, err = AppendKeyEncoding(b, v); err != nil {
			return nil, err
		}
	}
	return b, nil
}

const (
	orderedPresent  = 0x01
	orderedEmpty    = 0xfd
	orderedJSONNull = 0xfe
	orderedSQLNull  = 0xff
)

// AppendOrderedKey appends an order-preserving encoding of an index key
// value to b: for two values of the same column type, the byte order of the
// encodings is CompareTotalOrder with ascending order and nulls last.
// NUMBER values are ordered by their float64 approximation, with ties broken
// by their decimal representation.
func AppendOrderedKey(b []byte, v Value) ([]byte, error) {
	switch v.Kind() {
	case KindEmpty:
		return append(b, orderedEmpty), nil
	case KindJSONNull:
		return append(b, orderedJSONNull), nil
	case KindNull:
		return append(b, orderedSQLNull), nil
	}
	b = append(b, orderedPresent)
	switch t := v.(type) {
	case DInteger:
		return encoding.EncodeVarintAscending(b, int64(t)), nil
	case DLong:
		return encoding.EncodeVarintAscending(b, int64(t)), nil
	case DFloat:
		return encoding.EncodeFloatAscending(b, float64(t)), nil
	case DDouble:
		return encoding.EncodeFloatAscending(b, float64(t)), nil
	case *DNumber:
		b = encoding.EncodeFloatAscending(b, ToFloat64(t))
		var r DNumber
		r.Reduce(&t.Decimal)
		return encoding.EncodeStringAscending(b, r.Decimal.String()), nil
	case DString:
		return encoding.EncodeStringAscending(b, string(t)), nil
	case *DEnum:
		return encoding.EncodeVarintAscending(b, int64(t.Ordinal)), nil
	case *DTimestamp:
		return encoding.EncodeTimeAscending(b, t.Time), nil
	case DBool:
		if t {
			return append(b, 1), nil
		}
		return append(b, 0), nil
	case DBinary:
		return encoding.EncodeBytesAscending(b, t), nil
	case DFixedBinary:
		return encoding.EncodeBytesAscending(b, t), nil
	}
	return nil, errors.AssertionFailedf("%s is not a valid index key value", v.Kind())
}

// EncodeOrderedKey encodes a sequence of index key values with
// AppendOrderedKey.
func EncodeOrderedKey(vals []Value) ([]byte, error) {
	var b []byte
	for _, v := range vals {
		var err error
		if b, err = AppendOrderedKey(b, v); err != nil {
			return nil, err
		}
	}
	return b, nil
}
