// Copyright 2014 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package encoding implements the order-preserving byte encodings behind
// duplicate-elimination keys and hash keys of values. The encodings only
// go one way: keys are compared and hashed, never decoded.
package encoding

import (
	"bytes"
	"math"
	"time"
	"unsafe"
)

const (
	floatNaN  = 0x02
	floatNeg  = floatNaN + 1
	floatZero = floatNeg + 1
	floatPos  = floatZero + 1

	bytesMarker byte = 0x12
	timeMarker  byte = 0x14

	// IntMin is the smallest int tag. Tags stay clear of printable ASCII.
	IntMin      = 0x80
	intMaxWidth = 8
	intZero     = IntMin + intMaxWidth
	// Values up to intSmall fit in their tag.
	intSmall = IntMax - intZero - intMaxWidth
	// IntMax is the largest int tag.
	IntMax = 0xfd

	// Bytes end with escape, escapedTerm; a zero byte inside them becomes
	// escape, escaped00.
	escape      byte = 0x00
	escapedTerm byte = 0x01
	escaped00   byte = 0xff
)

// EncodeUint64Ascending appends v as 8 big-endian bytes.
func EncodeUint64Ascending(b []byte, v uint64) []byte {
	return append(b,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// EncodeVarintAscending appends v in a length-prefixed form. The tag of a
// negative value is IntMin plus 8 minus its length, so that larger
// magnitudes sort first; non-negative values use EncodeUvarintAscending.
func EncodeVarintAscending(b []byte, v int64) []byte {
	if v >= 0 {
		return EncodeUvarintAscending(b, uint64(v))
	}
	n := 1
	for n < 8 && v < -(int64(1)<<(8*n)-1) {
		n++
	}
	b = append(b, byte(IntMin+8-n))
	for i := n - 1; i >= 0; i-- {
		b = append(b, byte(v>>(8*i)))
	}
	return b
}

// EncodeUvarintAscending appends v in a length-prefixed form. Values up to
// intSmall are the tag alone; larger ones follow a tag that grows with
// their byte length.
func EncodeUvarintAscending(b []byte, v uint64) []byte {
	if v <= intSmall {
		return append(b, intZero+byte(v))
	}
	n := 1
	for n < 8 && v>>(8*n) != 0 {
		n++
	}
	b = append(b, byte(IntMax-8+n))
	for i := n - 1; i >= 0; i-- {
		b = append(b, byte(v>>(8*i)))
	}
	return b
}

// EncodeBytesAscending appends data behind bytesMarker, with its zero
// bytes escaped and a terminator that sorts before any escaped content.
func EncodeBytesAscending(b []byte, data []byte) []byte {
	b = append(b, bytesMarker)
	for {
		i := bytes.IndexByte(data, escape)
		if i == -1 {
			break
		}
		b = append(b, data[:i]...)
		b = append(b, escape, escaped00)
		data = data[i+1:]
	}
	b = append(b, data...)
	return append(b, escape, escapedTerm)
}

// EncodeStringAscending is EncodeBytesAscending for a string.
func EncodeStringAscending(b []byte, s string) []byte {
	if len(s) == 0 {
		return EncodeBytesAscending(b, nil)
	}
	// EncodeBytesAscending does not retain data.
	return EncodeBytesAscending(b, unsafe.Slice(unsafe.StringData(s), len(s)))
}

// EncodeFloatAscending appends f so that NaN sorts first, then negative
// values, zero and positive values.
func EncodeFloatAscending(b []byte, f float64) []byte {
	switch {
	case math.IsNaN(f):
		return append(b, floatNaN)
	case f == 0:
		return append(b, floatZero)
	}
	u := math.Float64bits(f)
	if u&(1<<63) != 0 {
		return EncodeUint64Ascending(append(b, floatNeg), ^u)
	}
	return EncodeUint64Ascending(append(b, floatPos), u)
}

// EncodeTimeAscending appends t as its Unix seconds and nanoseconds. The
// time zone is not encoded.
func EncodeTimeAscending(b []byte, t time.Time) []byte {
	b = append(b, timeMarker)
	b = EncodeVarintAscending(b, t.Unix())
	return EncodeVarintAscending(b, int64(t.Nanosecond()))
}
