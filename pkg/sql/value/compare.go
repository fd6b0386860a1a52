// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package value

import (
	"bytes"
	"strings"

	"github.com/cockroachdb/redact"
)

// CompOp is a comparison operator.
type CompOp uint8

// Comparison operators. The numeric values are part of the plan wire
// format.
const (
	OpEQ CompOp = iota + 1
	OpNE
	OpGT
	OpGE
	OpLT
	OpLE
)

var compOpNames = [...]string{
	OpEQ: "=", OpNE: "!=", OpGT: ">", OpGE: ">=", OpLT: "<", OpLE: "<=",
}

func (op CompOp) String() string {
	if int(op) < len(compOpNames) && compOpNames[op] != "" {
		return compOpNames[op]
	}
	return "?"
}

// SafeValue implements redact.SafeValue.
func (CompOp) SafeValue() {}

// IsEquality returns true for = and !=.
func (op CompOp) IsEquality() bool { return op == OpEQ || op == OpNE }

// Eval returns the result of applying the operator to a comparison
// outcome. NULL operands must be handled by the caller; incompatible
// operands are unequal and unordered.
func (op CompOp) Eval(res CompResult) bool {
	if res.Incompatible {
		return op == OpNE
	}
	switch op {
	case OpEQ:
		return res.Comp == 0
	case OpNE:
		return res.Comp != 0
	case OpGT:
		return res.Comp > 0
	case OpGE:
		return res.Comp >= 0
	case OpLT:
		return res.Comp < 0
	case OpLE:
		return res.Comp <= 0
	}
	return false
}

// CompResult is the outcome of Compare.
type CompResult struct {
	// Comp is negative, zero or positive as v0 is less than, equal to or
	// greater than v1. For operators that are only defined for equality, a
	// non-zero Comp only means "not equal".
	Comp int
	// Incompatible is set when the operands cannot be compared with the
	// operator.
	Incompatible bool
	// HaveNull is set when either operand is NULL. Comp and Incompatible
	// are meaningless in that case.
	HaveNull bool
}

// SafeFormat implements redact.SafeFormatter.
func (r CompResult) SafeFormat(w redact.SafePrinter, _ rune) {
	switch {
	case r.HaveNull:
		w.SafeString("null")
	case r.Incompatible:
		w.SafeString("incompatible")
	default:
		w.Printf("%d", redact.Safe(r.Comp))
	}
}

func (r CompResult) String() string { return redact.StringWithoutMarkers(r) }

// Compare compares two values under the given operator.
//
// NULL on either side sets HaveNull. JSON null equals JSON null and is
// incompatible with everything else. EMPTY equals EMPTY under =, !=, <=
// and >=. A != against an incompatible JSON null or EMPTY reports "not
// equal". Numerics are promoted to the wider type; with forSort, values
// that are equal but belong to different type families are ordered by
// family. Binaries, records and maps only support = and !=.
func Compare(v0, v1 Value, op CompOp, forSort bool) CompResult {
	var res CompResult
	compare(v0, v1, op, forSort, &res)
	return res
}

func compare(v0, v1 Value, op CompOp, forSort bool, res *CompResult) {
	res.Comp = 0
	k0, k1 := v0.Kind(), v1.Kind()

	if k0 == KindNull || k1 == KindNull {
		res.HaveNull = true
		return
	}

	if k0 == KindJSONNull || k1 == KindJSONNull {
		switch {
		case k0 == k1:
		case op == OpNE:
			res.Comp = 1
		default:
			res.Incompatible = true
		}
		return
	}

	if k0 == KindEmpty || k1 == KindEmpty {
		switch {
		case k0 == k1:
			if op == OpLT || op == OpGT {
				res.Incompatible = true
			}
		case op == OpNE:
			res.Comp = 1
		default:
			res.Incompatible = true
		}
		return
	}

	switch {
	case k0.IsNumeric():
		if !k1.IsNumeric() {
			res.Incompatible = true
			return
		}
		res.Comp = compareNumeric(v0, v1, forSort)

	case k0 == KindString:
		s0 := string(v0.(DString))
		switch t1 := v1.(type) {
		case DString:
			res.Comp = strings.Compare(s0, string(t1))
		case *DEnum:
			ord, ok := t1.Def.Ordinal(s0)
			if !ok {
				res.Incompatible = true
				return
			}
			res.Comp = cmpInt(int64(ord), int64(t1.Ordinal))
		case *DTimestamp:
			ts, err := ParseTimestamp(s0, t1.Precision)
			if err != nil {
				res.Incompatible = true
				return
			}
			res.Comp = ts.Time.Compare(t1.Time)
		default:
			res.Incompatible = true
		}

	case k0 == KindEnum:
		e0 := v0.(*DEnum)
		switch t1 := v1.(type) {
		case *DEnum:
			if !e0.Def.Equal(t1.Def) {
				res.Incompatible = true
				return
			}
			res.Comp = cmpInt(int64(e0.Ordinal), int64(t1.Ordinal))
		case DString:
			ord, ok := e0.Def.Ordinal(string(t1))
			if !ok {
				res.Incompatible = true
				return
			}
			res.Comp = cmpInt(int64(e0.Ordinal), int64(ord))
		default:
			res.Incompatible = true
		}

	case k0 == KindTimestamp:
		t0 := v0.(*DTimestamp)
		switch t1 := v1.(type) {
		case *DTimestamp:
			res.Comp = t0.Time.Compare(t1.Time)
		case DString:
			ts, err := ParseTimestamp(string(t1), t0.Precision)
			if err != nil {
				res.Incompatible = true
				return
			}
			res.Comp = t0.Time.Compare(ts.Time)
		default:
			res.Incompatible = true
		}

	case k0 == KindBoolean:
		b1, ok := v1.(DBool)
		if !ok {
			res.Incompatible = true
			return
		}
		res.Comp = cmpBool(bool(v0.(DBool)), bool(b1))

	case k0.IsBinary():
		if !k1.IsBinary() || !op.IsEquality() {
			res.Incompatible = true
			return
		}
		if !bytes.Equal(binaryBytes(v0), binaryBytes(v1)) {
			res.Comp = 1
		}

	case k0 == KindRecord:
		if k1 != KindRecord || !op.IsEquality() {
			res.Incompatible = true
			return
		}
		compareRecords(v0, v1, forSort, res)

	case k0 == KindMap:
		if k1 != KindMap || !op.IsEquality() {
			res.Incompatible = true
			return
		}
		compareMaps(v0.(*DMap), v1.(*DMap), forSort, res)

	case k0 == KindArray:
		a1, ok := v1.(*DArray)
		if !ok {
			res.Incompatible = true
			return
		}
		compareArrays(v0.(*DArray), a1, op, forSort, res)

	default:
		res.Incompatible = true
	}
}

func compareRecords(v0, v1 Value, forSort bool, res *CompResult) {
	def0, f0, _ := RecordFields(v0)
	def1, f1, _ := RecordFields(v1)
	if len(f0) != len(f1) || !def0.SameFields(def1) {
		res.Comp = 1
		return
	}
	for i := range f0 {
		compare(f0[i], f1[i], OpEQ, forSort, res)
		if res.HaveNull || res.Incompatible {
			return
		}
		if res.Comp != 0 {
			res.Comp = 1
			return
		}
	}
}

func compareMaps(m0, m1 *DMap, forSort bool, res *CompResult) {
	if m0.Len() != m1.Len() {
		res.Comp = 1
		return
	}
	for _, k := range m0.keys {
		e1, ok := m1.vals[k]
		if !ok {
			res.Comp = 1
			return
		}
		compare(m0.vals[k], e1, OpEQ, forSort, res)
		if res.HaveNull || res.Incompatible {
			return
		}
		if res.Comp != 0 {
			res.Comp = 1
			return
		}
	}
}

func compareArrays(a0, a1 *DArray, op CompOp, forSort bool, res *CompResult) {
	if op.IsEquality() && len(a0.Elems) != len(a1.Elems) {
		res.Comp = 1
		return
	}
	n := len(a0.Elems)
	if len(a1.Elems) < n {
		n = len(a1.Elems)
	}
	for i := 0; i < n; i++ {
		compare(a0.Elems[i], a1.Elems[i], op, forSort, res)
		if res.HaveNull || res.Incompatible || res.Comp != 0 {
			return
		}
	}
	res.Comp = cmpInt(int64(len(a0.Elems)), int64(len(a1.Elems)))
}

func cmpBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	}
	return 1
}

func binaryBytes(v Value) []byte {
	switch t := v.(type) {
	case DBinary:
		return t
	case DFixedBinary:
		return t
	}
	return nil
}
