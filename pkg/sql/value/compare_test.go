// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package value

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/stretchr/testify/require"
)

var opsByName = map[string]CompOp{
	"eq": OpEQ, "ne": OpNE, "gt": OpGT, "ge": OpGE, "lt": OpLT, "le": OpLE,
}

// TestCompareDataDriven runs the comparator over the cases in
// testdata/compare.
//
// compare op=<eq|ne|gt|ge|lt|le> [sort]
// <v0> <v1>
// ...
//
// total-order [desc] [nulls-first]
// <v>
// ...
func TestCompareDataDriven(t *testing.T) {
	datadriven.RunTest(t, "testdata/compare", func(t *testing.T, d *datadriven.TestData) string {
		switch d.Cmd {
		case "compare":
			var opName string
			d.ScanArgs(t, "op", &opName)
			op, ok := opsByName[opName]
			require.True(t, ok, "unknown op %q", opName)
			forSort := d.HasArg("sort")
			var out strings.Builder
			for _, line := range strings.Split(d.Input, "\n") {
				fields := strings.Fields(line)
				require.Len(t, fields, 2, "bad line %q", line)
				v0, v1 := parseTestValue(t, fields[0]), parseTestValue(t, fields[1])
				res := Compare(v0, v1, op, forSort)
				if res.HaveNull {
					fmt.Fprintf(&out, "%s %s %s: null\n", fields[0], op, fields[1])
					continue
				}
				fmt.Fprintf(&out, "%s %s %s: %s %t\n", fields[0], op, fields[1], res, op.Eval(res))
			}
			return out.String()

		case "total-order":
			spec := SortSpec{Desc: d.HasArg("desc"), NullsFirst: d.HasArg("nulls-first")}
			lines := strings.Split(d.Input, "\n")
			vals := make([]Value, len(lines))
			for i, l := range lines {
				vals[i] = parseTestValue(t, strings.TrimSpace(l))
			}
			sort.SliceStable(vals, func(i, j int) bool {
				return CompareTotalOrder(vals[i], vals[j], spec) < 0
			})
			var out strings.Builder
			for _, v := range vals {
				fmt.Fprintf(&out, "%s\n", v)
			}
			return out.String()

		default:
			t.Fatalf("unknown command %q", d.Cmd)
			return ""
		}
	})
}

func TestSortModeEquality(t *testing.T) {
	res := Compare(DInteger(5), DDouble(5.0), OpEQ, true /* forSort */)
	require.NotEqual(t, 0, res.Comp)
	require.Equal(t, -1, res.Comp)
	res = Compare(DInteger(5), DDouble(5.0), OpEQ, false /* forSort */)
	require.Equal(t, 0, res.Comp)
	require.False(t, res.Incompatible)
}

func TestEmptySemantics(t *testing.T) {
	require.Equal(t, CompResult{Comp: 0}, Compare(DEmpty, DEmpty, OpEQ, false))
	require.True(t, Compare(DEmpty, DEmpty, OpGT, false).Incompatible)
	require.Equal(t, CompResult{Comp: 1}, Compare(DInteger(1), DEmpty, OpNE, false))
	require.True(t, Compare(DInteger(1), DEmpty, OpEQ, false).Incompatible)
	require.True(t, OpNE.Eval(Compare(DString("a"), DInteger(1), OpNE, false)))
}

// randomValue generates values of every kind, including nested ones.
func randomValue(rng *rand.Rand, depth int) Value {
	n := 17
	if depth > 1 {
		n = 14
	}
	switch rng.Intn(n) {
	case 0:
		return DInteger(rng.Intn(5) - 2)
	case 1:
		return DLong(rng.Intn(5) - 2)
	case 2:
		return DFloat(float32(rng.Intn(5)-2) / 2)
	case 3:
		return DDouble(float64(rng.Intn(5)-2) / 2)
	case 4:
		return NewNumber(int64(rng.Intn(5)-2), -1)
	case 5:
		return DString([]string{"", "a", "b", "red"}[rng.Intn(4)])
	case 6:
		return DBool(rng.Intn(2) == 0)
	case 7:
		return DBinary([]string{"", "x", "y"}[rng.Intn(3)])
	case 8:
		return &DEnum{Def: testColor, Ordinal: int32(rng.Intn(3))}
	case 9:
		return DNull
	case 10:
		return DJSONNull
	case 11:
		return DEmpty
	case 12:
		return DFixedBinary([]string{"", "x"}[rng.Intn(2)])
	case 13:
		return DDouble(0)
	case 14:
		elems := make([]Value, rng.Intn(3))
		for i := range elems {
			elems[i] = randomValue(rng, depth+1)
		}
		return NewArray(elems...)
	case 15:
		names := []string{"a", "b"}[:rng.Intn(3)%2+1]
		fields := make([]Value, len(names))
		for i := range fields {
			fields[i] = randomValue(rng, depth+1)
		}
		return NewRecord(NewRecordDef("r", names...), fields...)
	default:
		m := NewMap()
		for i := rng.Intn(3); i > 0; i-- {
			m.Put([]string{"x", "y", "z"}[rng.Intn(3)], randomValue(rng, depth+1))
		}
		return m
	}
}

func TestTotalOrderProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	specs := []SortSpec{{}, {Desc: true}, {NullsFirst: true}, {Desc: true, NullsFirst: true}}
	for iter := 0; iter < 2000; iter++ {
		a, b, c := randomValue(rng, 0), randomValue(rng, 0), randomValue(rng, 0)
		for _, spec := range specs {
			require.Equal(t, 0, CompareTotalOrder(a, a, spec), "%s", a)
			ab, ba := CompareTotalOrder(a, b, spec), CompareTotalOrder(b, a, spec)
			require.Equal(t, sign(ab), -sign(ba), "antisymmetry %s %s %s", a, b, spec)
			bc, ac := CompareTotalOrder(b, c, spec), CompareTotalOrder(a, c, spec)
			if ab <= 0 && bc <= 0 {
				require.LessOrEqual(t, ac, 0, "transitivity %s %s %s %s", a, b, c, spec)
			}
		}
	}
}

func TestTotalOrderNullPlacement(t *testing.T) {
	for _, desc := range []bool{false, true} {
		first := SortSpec{Desc: desc, NullsFirst: true}
		last := SortSpec{Desc: desc}
		require.Equal(t, -1, CompareTotalOrder(DNull, DInteger(1), first))
		require.Equal(t, 1, CompareTotalOrder(DNull, DInteger(1), last))
		require.Equal(t, 1, CompareTotalOrder(DString("z"), DEmpty, first))
	}
}

func sign(c int) int {
	switch {
	case c < 0:
		return -1
	case c > 0:
		return 1
	}
	return 0
}

func TestEqualAndHash(t *testing.T) {
	groups := [][]Value{
		{DInteger(5), DLong(5), DDouble(5), DFloat(5), NewNumber(50, -1)},
		{DDouble(0.5), DFloat(0.5), NewNumber(5, -1)},
		{DString("a")},
		{DNull},
		{NewArray(DInteger(1), DNull), NewArray(DLong(1), DNull)},
		{NewRecord(NewRecordDef("r", "x"), DInteger(1)), &Tuple{Def: NewRecordDef("r", "X"), Regs: []Value{DLong(1)}}},
	}
	for i, g := range groups {
		for _, a := range g {
			for _, b := range g {
				require.True(t, Equal(a, b), "%s = %s", a, b)
				require.Equal(t, Hash(a), Hash(b), "hash(%s) = hash(%s)", a, b)
			}
			for j, other := range groups {
				if i == j {
					continue
				}
				for _, b := range other {
					require.False(t, Equal(a, b), "%s != %s", a, b)
				}
			}
		}
	}
	require.False(t, Equal(DString("red"), &DEnum{Def: testColor, Ordinal: 0}))
	m0, m1 := NewMap(), NewMap()
	m0.Put("a", DInteger(1))
	m0.Put("b", DInteger(2))
	m1.Put("b", DLong(2))
	m1.Put("a", DLong(1))
	require.True(t, Equal(m0, m1))
	require.Equal(t, Hash(m0), Hash(m1))
	require.Equal(t, HashValues([]Value{DInteger(1), DString("x")}), HashValues([]Value{DLong(1), DString("x")}))
}
