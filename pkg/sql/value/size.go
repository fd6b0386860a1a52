// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package value

import "unsafe"

const (
	sizeOfValue     = int64(unsafe.Sizeof(Value(nil)))
	sizeOfTimestamp = int64(unsafe.Sizeof(DTimestamp{}))
	sizeOfNumber    = int64(unsafe.Sizeof(DNumber{}))
	sizeOfMapEntry  = int64(unsafe.Sizeof("")) + sizeOfValue + 16
)

// Size estimates the memory footprint of v in bytes, for memory
// accounting.
func Size(v Value) int64 {
	switch t := v.(type) {
	case DInteger, DFloat, DBool:
		return sizeOfValue + 4
	case DLong, DDouble:
		return sizeOfValue + 8
	case *DNumber:
		return sizeOfValue + sizeOfNumber + int64(t.Coeff.BitLen()/8)
	case DString:
		return sizeOfValue + 16 + int64(len(t))
	case DBinary:
		return sizeOfValue + 24 + int64(len(t))
	case DFixedBinary:
		return sizeOfValue + 24 + int64(len(t))
	case *DTimestamp:
		return sizeOfValue + sizeOfTimestamp
	case *DEnum:
		return sizeOfValue + 16
	case *DRecord:
		return sizeOfValue + 32 + SizeOfValues(t.Fields)
	case *Tuple:
		return sizeOfValue + 32 + SizeOfValues(t.Regs)
	case *DMap:
		sz := sizeOfValue + 48
		for _, k := range t.keys {
			sz += sizeOfMapEntry + int64(len(k)) + Size(t.vals[k])
		}
		return sz
	case *DArray:
		return sizeOfValue + 24 + SizeOfValues(t.Elems)
	}
	return sizeOfValue
}

// SizeOfValues sums Size over a slice.
func SizeOfValues(vals []Value) int64 {
	var sz int64
	for _, v := range vals {
		sz += Size(v)
	}
	return sz
}
