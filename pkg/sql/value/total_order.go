// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package value

import (
	"bytes"
	"sort"
	"strings"

	"github.com/cockroachdb/redact"
)

// SortSpec is the ordering of one sort column.
type SortSpec struct {
	Desc       bool
	NullsFirst bool
}

// SafeFormat implements redact.SafeFormatter.
func (s SortSpec) SafeFormat(w redact.SafePrinter, _ rune) {
	if s.Desc {
		w.SafeString("DESC")
	} else {
		w.SafeString("ASC")
	}
	if s.NullsFirst {
		w.SafeString(" NULLS FIRST")
	} else {
		w.SafeString(" NULLS LAST")
	}
}

func (s SortSpec) String() string { return redact.StringWithoutMarkers(s) }

// CompareTotalOrder imposes a strict total order over all values.
//
// EMPTY, JSON null and NULL (in that order) are placed before or after
// every other value according to NullsFirst, regardless of Desc. Among the
// rest, records sort before maps, maps before arrays and arrays before
// atomic values; Desc reverses the result. Nested values are compared in
// ascending order with absent values last.
func CompareTotalOrder(v0, v1 Value, spec SortSpec) int {
	a0, a1 := absenceRank(v0.Kind()), absenceRank(v1.Kind())
	switch {
	case a0 >= 0 && a1 >= 0:
		c := cmpInt(int64(a0), int64(a1))
		if spec.Desc {
			c = -c
		}
		return c
	case a0 >= 0:
		if spec.NullsFirst {
			return -1
		}
		return 1
	case a1 >= 0:
		if spec.NullsFirst {
			return 1
		}
		return -1
	}
	c := compareTotalOrderPresent(v0, v1)
	if spec.Desc {
		c = -c
	}
	return c
}

func absenceRank(k Kind) int {
	switch k {
	case KindEmpty:
		return 0
	case KindJSONNull:
		return 1
	case KindNull:
		return 2
	}
	return -1
}

func complexRank(k Kind) int {
	switch k {
	case KindRecord:
		return 0
	case KindMap:
		return 1
	case KindArray:
		return 2
	}
	return 3
}

func atomicRank(k Kind) int {
	switch {
	case k.IsNumeric():
		return 0
	case k == KindTimestamp:
		return 1
	case k == KindEnum:
		return 2
	case k == KindString:
		return 3
	case k == KindBoolean:
		return 4
	}
	return 5
}

var nestedSpec = SortSpec{}

func compareTotalOrderPresent(v0, v1 Value) int {
	k0, k1 := v0.Kind(), v1.Kind()
	if c := cmpInt(int64(complexRank(k0)), int64(complexRank(k1))); c != 0 {
		return c
	}
	switch k0 {
	case KindRecord:
		def0, f0, _ := RecordFields(v0)
		def1, f1, _ := RecordFields(v1)
		if c := compareSlices(f0, f1); c != 0 {
			return c
		}
		return compareFieldNames(def0, def1)
	case KindMap:
		return compareMapsTotalOrder(v0.(*DMap), v1.(*DMap))
	case KindArray:
		return compareSlices(v0.(*DArray).Elems, v1.(*DArray).Elems)
	}
	return CompareAtomicTotalOrder(v0, v1)
}

func compareSlices(s0, s1 []Value) int {
	n := len(s0)
	if len(s1) < n {
		n = len(s1)
	}
	for i := 0; i < n; i++ {
		if c := CompareTotalOrder(s0[i], s1[i], nestedSpec); c != 0 {
			return c
		}
	}
	return cmpInt(int64(len(s0)), int64(len(s1)))
}

func compareFieldNames(d0, d1 *RecordDef) int {
	for i := 0; i < len(d0.FieldNames) && i < len(d1.FieldNames); i++ {
		if c := strings.Compare(strings.ToLower(d0.FieldNames[i]), strings.ToLower(d1.FieldNames[i])); c != 0 {
			return c
		}
	}
	return 0
}

func sortedKeys(m *DMap) []string {
	keys := append([]string(nil), m.keys...)
	sort.Strings(keys)
	return keys
}

func compareMapsTotalOrder(m0, m1 *DMap) int {
	keys0, keys1 := sortedKeys(m0), sortedKeys(m1)
	for i := 0; i < len(keys0) && i < len(keys1); i++ {
		if c := strings.Compare(keys0[i], keys1[i]); c != 0 {
			return c
		}
		if c := CompareTotalOrder(m0.vals[keys0[i]], m1.vals[keys1[i]], nestedSpec); c != 0 {
			return c
		}
	}
	return cmpInt(int64(len(keys0)), int64(len(keys1)))
}

// CompareAtomicTotalOrder orders two atomic values ascending: numerics,
// then timestamps, enums, strings, booleans and binaries.
func CompareAtomicTotalOrder(v0, v1 Value) int {
	k0, k1 := v0.Kind(), v1.Kind()
	if c := cmpInt(int64(atomicRank(k0)), int64(atomicRank(k1))); c != 0 {
		return c
	}
	switch {
	case k0.IsNumeric():
		return compareNumeric(v0, v1, true /* forSort */)
	case k0 == KindTimestamp:
		return v0.(*DTimestamp).Time.Compare(v1.(*DTimestamp).Time)
	case k0 == KindEnum:
		e0, e1 := v0.(*DEnum), v1.(*DEnum)
		if e0.Def.Equal(e1.Def) {
			return cmpInt(int64(e0.Ordinal), int64(e1.Ordinal))
		}
		if c := strings.Compare(e0.Def.Name, e1.Def.Name); c != 0 {
			return c
		}
		if c := cmpInt(int64(e0.Ordinal), int64(e1.Ordinal)); c != 0 {
			return c
		}
		return strings.Compare(e0.Symbol(), e1.Symbol())
	case k0 == KindString:
		return strings.Compare(string(v0.(DString)), string(v1.(DString)))
	case k0 == KindBoolean:
		return cmpBool(bool(v0.(DBool)), bool(v1.(DBool)))
	}
	if c := bytes.Compare(binaryBytes(v0), binaryBytes(v1)); c != 0 {
		return c
	}
	return cmpInt(int64(k0), int64(k1))
}
