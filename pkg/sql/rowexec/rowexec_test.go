// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package rowexec

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/cockroachdb/kvquery/pkg/kv"
	"github.com/cockroachdb/kvquery/pkg/sql/execerror"
	"github.com/cockroachdb/kvquery/pkg/sql/execinfra"
	"github.com/cockroachdb/kvquery/pkg/sql/value"
	"github.com/cockroachdb/kvquery/pkg/util/log"
	"github.com/cockroachdb/kvquery/pkg/util/mon"
	"github.com/kr/pretty"
	"github.com/stretchr/testify/require"
)

// runPlan drives root at a client until it is exhausted and returns copies
// of its results.
func runPlan(
	t *testing.T, b *Builder, root execinfra.PlanIter, externalVars ...value.Value,
) ([]value.Value, error) {
	ctx := context.Background()
	rcb := execinfra.NewRuntimeControlBlock(execinfra.RoleClient, b.Build(root), nil)
	rcb.ExternalVars = externalVars
	if err := root.Open(ctx, rcb); err != nil {
		return nil, err
	}
	defer func() { require.NoError(t, root.Close(ctx, rcb)) }()
	var res []value.Value
	for {
		more, err := root.Next(ctx, rcb)
		if err != nil {
			return nil, err
		}
		if !more {
			return res, nil
		}
		res = append(res, value.Copy(rcb.Reg(root.ResultReg())))
		require.Less(t, len(res), 1000, "plan does not end")
	}
}

func longs(vals ...int64) []value.Value {
	res := make([]value.Value, len(vals))
	for i, v := range vals {
		res[i] = value.DLong(v)
	}
	return res
}

var gvDef = value.NewRecordDef("", "g", "v")

func gv(g string, v int64) value.Value {
	return value.NewRecord(gvDef, value.DString(g), value.DLong(v))
}

func TestExpressions(t *testing.T) {
	defer log.Scope(t).Close(t)

	rec := value.NewRecord(gvDef, value.DString("a"), value.DLong(2))
	testCases := []struct {
		name     string
		build    func(b *Builder) execinfra.PlanIter
		expected []value.Value
		code     execerror.Code
	}{
		{
			name: "lt",
			build: func(b *Builder) execinfra.PlanIter {
				return b.CompOp(value.OpLT, b.Const(value.DLong(1)), b.Const(value.DDouble(1.5)))
			},
			expected: []value.Value{value.DTrue},
		},
		{
			name: "eq-null",
			build: func(b *Builder) execinfra.PlanIter {
				return b.CompOp(value.OpEQ, b.Const(value.DNull), b.Const(value.DLong(1)))
			},
			expected: []value.Value{value.DNull},
		},
		{
			name: "cardinality",
			build: func(b *Builder) execinfra.PlanIter {
				return b.CompOp(value.OpEQ, b.ArrayElements(b.Const(value.NewArray(longs(1, 2)...))),
					b.Const(value.DLong(1)))
			},
			code: execerror.CodeCardinalityViolated,
		},
		{
			name: "and-null",
			build: func(b *Builder) execinfra.PlanIter {
				return b.And(b.Const(value.DTrue), b.Const(value.DNull))
			},
			expected: []value.Value{value.DNull},
		},
		{
			name: "and-false",
			build: func(b *Builder) execinfra.PlanIter {
				return b.And(b.Const(value.DNull), b.Const(value.DFalse))
			},
			expected: []value.Value{value.DFalse},
		},
		{
			name: "or-true",
			build: func(b *Builder) execinfra.PlanIter {
				return b.Or(b.Const(value.DNull), b.Const(value.DTrue))
			},
			expected: []value.Value{value.DTrue},
		},
		{
			name: "or-empty",
			build: func(b *Builder) execinfra.PlanIter {
				return b.Or(b.ArrayElements(b.Const(value.NewArray())), b.Const(value.DFalse))
			},
			expected: []value.Value{value.DFalse},
		},
		{
			name: "and-not-boolean",
			build: func(b *Builder) execinfra.PlanIter {
				return b.And(b.Const(value.DLong(1)))
			},
			code: execerror.CodeIncompatibleTypes,
		},
		{
			name: "field",
			build: func(b *Builder) execinfra.PlanIter {
				return b.FieldStep(b.Const(rec), "v")
			},
			expected: longs(2),
		},
		{
			name: "field-missing",
			build: func(b *Builder) execinfra.PlanIter {
				return b.FieldStep(b.Const(rec), "x")
			},
		},
		{
			name: "field-of-array",
			build: func(b *Builder) execinfra.PlanIter {
				return b.FieldStep(b.Const(value.NewArray(gv("a", 1), value.DLong(7), gv("b", 3))), "v")
			},
			expected: longs(1, 3),
		},
		{
			name: "array-elements",
			build: func(b *Builder) execinfra.PlanIter {
				return b.ArrayElements(b.Const(value.NewArray(value.DLong(1), value.DNull, value.DLong(3))))
			},
			expected: []value.Value{value.DLong(1), value.DNull, value.DLong(3)},
		},
		{
			name: "array-elements-null",
			build: func(b *Builder) execinfra.PlanIter {
				return b.ArrayElements(b.Const(value.DNull))
			},
		},
		{
			name: "external",
			build: func(b *Builder) execinfra.PlanIter {
				return b.ExternalVar("$x", 0)
			},
			expected: longs(42),
		},
		{
			name: "external-unbound",
			build: func(b *Builder) execinfra.PlanIter {
				return b.ExternalVar("$y", 3)
			},
			code: execerror.CodeInvalidArgument,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := NewBuilder()
			res, err := runPlan(t, b, tc.build(b), value.DLong(42))
			if tc.code != "" {
				require.Error(t, err)
				require.Equal(t, tc.code, execerror.GetCode(err), "%+v", err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, res, pretty.Sprint(res))
		})
	}
}

// aggregate runs one aggregate function over vals and returns its value.
func aggregate(t *testing.T, fn AggFunc, merge bool, vals ...value.Value) value.Value {
	ctx := context.Background()
	b := NewBuilder()
	agg := b.Agg(fn, b.ArrayElements(b.Const(value.NewArray(vals...))), merge)
	rcb := execinfra.NewRuntimeControlBlock(execinfra.RoleClient, b.Build(agg), nil)
	require.NoError(t, agg.Open(ctx, rcb))
	more, err := agg.Next(ctx, rcb)
	require.NoError(t, err)
	require.True(t, more)
	res := agg.(aggregator).aggrValue(ctx, rcb, true)
	require.NoError(t, agg.Close(ctx, rcb))
	return res
}

func TestAggregateFunctions(t *testing.T) {
	defer log.Scope(t).Close(t)

	t.Run("count", func(t *testing.T) {
		vals := []value.Value{value.DLong(1), value.DNull, value.DString("x"), value.DDouble(2)}
		require.Equal(t, value.DLong(3), aggregate(t, AggCount, false, vals...))
		require.Equal(t, value.DLong(2), aggregate(t, AggCountNumbers, false, vals...))
		require.Equal(t, value.DLong(0), aggregate(t, AggCount, false))
		require.Equal(t, value.DLong(5), aggregate(t, AggCount, true, longs(2, 3)...))
	})

	t.Run("sum", func(t *testing.T) {
		require.Equal(t, value.DLong(6), aggregate(t, AggSum, false, longs(1, 2, 3)...))
		require.Equal(t, value.DDouble(3.5),
			aggregate(t, AggSum, false, value.DLong(1), value.DDouble(2.5)))
		require.Equal(t, value.DNull, aggregate(t, AggSum, false, value.DString("x")))
		require.Equal(t, value.DLong(10), aggregate(t, AggSum, true, longs(6, 4)...))

		overflow := aggregate(t, AggSum, false, value.DLong(math.MaxInt64), value.DLong(1))
		require.Equal(t, value.KindNumber, overflow.Kind())
		require.Equal(t, "9223372036854775808", overflow.String())

		num := aggregate(t, AggSum, false, value.DLong(1), value.NewNumber(25, -1))
		require.Equal(t, value.KindNumber, num.Kind())
		require.Equal(t, "3.5", num.String())
	})

	t.Run("min-max", func(t *testing.T) {
		vals := []value.Value{value.DLong(3), value.DNull, value.DLong(1), value.NewArray(), value.DLong(2)}
		require.Equal(t, value.DLong(1), aggregate(t, AggMin, false, vals...))
		require.Equal(t, value.DLong(3), aggregate(t, AggMax, false, vals...))
		require.Equal(t, value.DString("a"),
			aggregate(t, AggMin, false, value.DString("b"), value.DString("a")))
		require.Equal(t, value.DLong(7), aggregate(t, AggMax, true, longs(7, 2)...))
	})

	t.Run("collect", func(t *testing.T) {
		require.Equal(t, value.NewArray(longs(1, 1, 2)...),
			aggregate(t, AggCollect, false, longs(1, 1, 2)...))
		require.Equal(t, value.NewArray(longs(1, 2)...),
			aggregate(t, AggCollectDistinct, false, longs(1, 1, 2)...))
		require.Equal(t, value.NewArray(longs(1, 2, 3)...),
			aggregate(t, AggCollectDistinct, true,
				value.NewArray(longs(1, 2)...), value.NewArray(longs(2, 3)...)))
	})
}

// TestAggregateMemory checks that the value held by SUM, MIN and MAX is
// charged to the memory account as it changes.
func TestAggregateMemory(t *testing.T) {
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	setup := func(t *testing.T, limit int64) (*execinfra.RuntimeControlBlock, *mon.BoundAccount) {
		m := mon.NewMonitor("test", limit, nil)
		t.Cleanup(func() { m.Stop(ctx) })
		rcb := execinfra.NewRuntimeControlBlock(execinfra.RoleClient, &execinfra.Plan{}, nil)
		acc := m.MakeBoundAccount()
		rcb.SetMemoryAccount(&acc)
		return rcb, &acc
	}
	long := value.DString(strings.Repeat("z", 1000))

	t.Run("max", func(t *testing.T) {
		rcb, acc := setup(t, 1<<20)
		a := newAccumulator(AggMax, execerror.Location{})
		require.NoError(t, a.add(ctx, rcb, value.DString("a")))
		require.Equal(t, value.Size(value.DString("a")), acc.Used())
		require.NoError(t, a.add(ctx, rcb, long))
		require.Equal(t, value.Size(long), acc.Used())
		require.NoError(t, a.add(ctx, rcb, value.DString("b")))
		require.Equal(t, value.Size(long), acc.Used())
		a.release(ctx, rcb)
		require.Zero(t, acc.Used())
	})

	t.Run("min", func(t *testing.T) {
		rcb, acc := setup(t, 1<<20)
		a := newAccumulator(AggMin, execerror.Location{})
		require.NoError(t, a.add(ctx, rcb, long))
		require.Equal(t, value.Size(long), acc.Used())
		require.NoError(t, a.add(ctx, rcb, value.DString("a")))
		require.Equal(t, value.Size(value.DString("a")), acc.Used())
		a.release(ctx, rcb)
		require.Zero(t, acc.Used())
	})

	t.Run("sum", func(t *testing.T) {
		rcb, acc := setup(t, 1<<20)
		a := newAccumulator(AggSum, execerror.Location{})
		require.NoError(t, a.add(ctx, rcb, value.DString("x")))
		require.Zero(t, acc.Used())
		require.NoError(t, a.add(ctx, rcb, value.DLong(1)))
		require.Equal(t, value.Size(value.DLong(1)), acc.Used())
		require.NoError(t, a.add(ctx, rcb, value.NewNumber(math.MaxInt64, 40)))
		require.Equal(t, value.KindNumber, a.result().Kind())
		require.Equal(t, value.Size(a.result()), acc.Used())
		a.release(ctx, rcb)
		require.Zero(t, acc.Used())
	})

	t.Run("limit", func(t *testing.T) {
		rcb, acc := setup(t, 200)
		a := newAccumulator(AggMax, execerror.Location{StartLine: 2})
		require.NoError(t, a.add(ctx, rcb, value.DString("a")))
		err := a.add(ctx, rcb, long)
		require.Equal(t, execerror.CodeMemoryLimitExceeded, execerror.GetCode(err))
		require.Equal(t, value.DString("a"), a.result())
		a.release(ctx, rcb)
		require.Zero(t, acc.Used())
	})
}

func TestGroupIter(t *testing.T) {
	defer log.Scope(t).Close(t)

	input := func(b *Builder, vals ...value.Value) execinfra.PlanIter {
		return b.ArrayElements(b.Const(value.NewArray(vals...)))
	}
	t.Run("aggregate", func(t *testing.T) {
		b := NewBuilder()
		g := b.Group(input(b, gv("b", 1), gv("a", 1), gv("b", 4), gv("a", 2)), 1,
			[]string{"g", "total"}, []AggFunc{AggSum}, false)
		res, err := runPlan(t, b, g)
		require.NoError(t, err)
		def := value.NewRecordDef("", "g", "total")
		require.Equal(t, []value.Value{
			value.NewRecord(def, value.DString("b"), value.DLong(5)),
			value.NewRecord(def, value.DString("a"), value.DLong(3)),
		}, res)
	})

	t.Run("merge", func(t *testing.T) {
		b := NewBuilder()
		g := b.Group(input(b, gv("a", 2), gv("a", 3)), 1,
			[]string{"g", "cnt"}, []AggFunc{AggCount}, true)
		res, err := runPlan(t, b, g)
		require.NoError(t, err)
		require.Len(t, res, 1)
		_, fields, _ := value.RecordFields(res[0])
		require.Equal(t, value.DLong(5), fields[1])
	})

	t.Run("distinct", func(t *testing.T) {
		gDef := value.NewRecordDef("", "g")
		g := func(s string) value.Value { return value.NewRecord(gDef, value.DString(s)) }
		b := NewBuilder()
		it := b.Group(input(b, g("x"), g("y"), g("x"), g("z"), g("y")), 1, []string{"g"}, nil, false)
		res, err := runPlan(t, b, it)
		require.NoError(t, err)
		require.Equal(t, []value.Value{g("x"), g("y"), g("z")}, res)
	})

	t.Run("bad-input", func(t *testing.T) {
		b := NewBuilder()
		it := b.Group(input(b, value.DLong(1)), 1, []string{"g", "n"}, []AggFunc{AggCount}, false)
		_, err := runPlan(t, b, it)
		require.Error(t, err)
	})
}

func TestSFW(t *testing.T) {
	defer log.Scope(t).Close(t)

	from := func(b *Builder, vals ...value.Value) execinfra.PlanIter {
		return b.ArrayElements(b.Const(value.NewArray(vals...)))
	}

	t.Run("where-offset-limit", func(t *testing.T) {
		b := NewBuilder()
		x := from(b, longs(1, 2, 3, 4, 5, 6, 7, 8, 9, 10)...)
		sfw, err := b.SFW(SFWSpec{
			From:       []execinfra.PlanIter{x},
			FromVars:   []string{"$x"},
			Where:      b.CompOp(value.OpGT, b.VarRef(x, "$x"), b.Const(value.DLong(3))),
			Columns:    []execinfra.PlanIter{b.VarRef(x, "$x")},
			SelectStar: true,
			Offset:     b.Const(value.DLong(2)),
			Limit:      b.Const(value.DLong(3)),
		})
		require.NoError(t, err)
		res, err := runPlan(t, b, sfw)
		require.NoError(t, err)
		require.Equal(t, longs(6, 7, 8), res)
	})

	t.Run("records", func(t *testing.T) {
		b := NewBuilder()
		x := from(b, gv("a", 1), gv("b", 2))
		sfw, err := b.SFW(SFWSpec{
			From:     []execinfra.PlanIter{x},
			FromVars: []string{"$x"},
			Columns: []execinfra.PlanIter{
				b.FieldStep(b.VarRef(x, "$x"), "v"),
				b.FieldStep(b.VarRef(x, "$x"), "missing"),
			},
			ColumnNames: []string{"v", "m"},
		})
		require.NoError(t, err)
		res, err := runPlan(t, b, sfw)
		require.NoError(t, err)
		def := value.NewRecordDef("", "v", "m")
		require.Equal(t, []value.Value{
			value.NewRecord(def, value.DLong(1), value.DNull),
			value.NewRecord(def, value.DLong(2), value.DNull),
		}, res)
	})

	t.Run("grouping", func(t *testing.T) {
		b := NewBuilder()
		x := from(b, gv("a", 1), gv("a", 2), gv("b", 5), gv("c", 0), gv("c", 1))
		sfw, err := b.SFW(SFWSpec{
			From:     []execinfra.PlanIter{x},
			FromVars: []string{"$x"},
			Columns: []execinfra.PlanIter{
				b.FieldStep(b.VarRef(x, "$x"), "g"),
				b.Agg(AggSum, b.FieldStep(b.VarRef(x, "$x"), "v"), false),
				b.Agg(AggCountStar, nil, false),
			},
			ColumnNames:  []string{"g", "total", "cnt"},
			Grouping:     true,
			NumGBColumns: 1,
		})
		require.NoError(t, err)
		res, err := runPlan(t, b, sfw)
		require.NoError(t, err)
		def := value.NewRecordDef("", "g", "total", "cnt")
		row := func(g string, total, cnt int64) value.Value {
			return value.NewRecord(def, value.DString(g), value.DLong(total), value.DLong(cnt))
		}
		require.Equal(t, []value.Value{row("a", 3, 2), row("b", 5, 1), row("c", 1, 2)}, res)
	})

	t.Run("aggregate-no-rows", func(t *testing.T) {
		b := NewBuilder()
		x := from(b)
		sfw, err := b.SFW(SFWSpec{
			From:     []execinfra.PlanIter{x},
			FromVars: []string{"$x"},
			Columns: []execinfra.PlanIter{
				b.Agg(AggCount, b.VarRef(x, "$x"), false),
				b.Agg(AggSum, b.VarRef(x, "$x"), false),
			},
			ColumnNames: []string{"cnt", "total"},
			Grouping:    true,
		})
		require.NoError(t, err)
		res, err := runPlan(t, b, sfw)
		require.NoError(t, err)
		def := value.NewRecordDef("", "cnt", "total")
		require.Equal(t, []value.Value{value.NewRecord(def, value.DLong(0), value.DNull)}, res)
	})

	t.Run("bad-limit", func(t *testing.T) {
		b := NewBuilder()
		x := from(b, longs(1)...)
		sfw, err := b.SFW(SFWSpec{
			From:       []execinfra.PlanIter{x},
			FromVars:   []string{"$x"},
			Columns:    []execinfra.PlanIter{b.VarRef(x, "$x")},
			SelectStar: true,
			Limit:      b.Const(value.DString("ten")),
		})
		require.NoError(t, err)
		_, err = runPlan(t, b, sfw)
		require.Error(t, err)
		require.Equal(t, execerror.CodeInvalidArgument, execerror.GetCode(err))
	})
}

func testTable() *kv.Table {
	return &kv.Table{
		Name: "items",
		Columns: []kv.Column{
			{Name: "id", Type: value.Type{Kind: value.KindLong}},
			{Name: "grp", Type: value.Type{Kind: value.KindString}},
		},
		PrimaryKey: []int{0},
		Indexes:    []kv.Index{{Name: "by_grp", Fields: []string{"grp"}}},
	}
}

// serverPlan groups the rows of each partition of a shard.
func serverPlan(t *testing.T) *execinfra.Plan {
	b := NewBuilder()
	scan := WithChunkSize(b.TableScan(testTable(), "by_grp", kv.KeyRange{
		Start: value.DString("a"), StartInclusive: true,
	}), 16)
	sfw, err := b.SFW(SFWSpec{
		From:     []execinfra.PlanIter{scan},
		FromVars: []string{"$t"},
		Where: b.And(
			b.CompOp(value.OpNE, b.FieldStep(b.VarRef(scan, "$t"), "grp"), b.ExternalVar("$skip", 0)),
		),
		Columns: []execinfra.PlanIter{
			b.FieldStep(b.VarRef(scan, "$t"), "grp"),
			b.Agg(AggCountStar, nil, false),
			b.Agg(AggCollectDistinct, b.FieldStep(b.VarRef(scan, "$t"), "id"), false),
		},
		ColumnNames:  []string{"grp", "cnt", "ids"},
		Grouping:     true,
		NumGBColumns: 1,
	})
	require.NoError(t, err)
	return b.Build(b.PartitionUnion(sfw, true /* sorting */))
}

func TestPlanEncoding(t *testing.T) {
	defer log.Scope(t).Close(t)

	p := serverPlan(t)
	want := execinfra.Explain(p.Root, true /* verbose */)

	data, err := execinfra.EncodePlan(p, execinfra.SerialVersionCurrent, false /* forCloud */)
	require.NoError(t, err)
	decoded, err := execinfra.DecodePlan(data)
	require.NoError(t, err)
	require.Equal(t, want, execinfra.Explain(decoded.Root, true /* verbose */))
	require.Equal(t, p.NumRegs, decoded.NumRegs)
	require.Equal(t, p.NumStates, decoded.NumStates)
	require.Equal(t, p.NumTables, decoded.NumTables)

	compressed, ok, err := execinfra.MaybeCompressPlan(data)
	require.NoError(t, err)
	if ok {
		data, err = execinfra.DecompressPlan(compressed)
		require.NoError(t, err)
	}
	decoded, err = execinfra.DecodePlan(data)
	require.NoError(t, err)
	require.Equal(t, want, execinfra.Explain(decoded.Root, true /* verbose */))

	// Partition unions are unknown to servers at older versions.
	_, err = execinfra.EncodePlan(p, execinfra.SerialVersionNullsFirst, false /* forCloud */)
	require.Error(t, err)

	// A client plan shipping the server plan at an older version.
	b := NewBuilder()
	recv, err := b.Receive(ReceiveSpec{
		Distribution: DistAllShards,
		ServerPlan:   serverPlan(t),
		SortFields:   []string{"grp"},
		SortSpecs:    []value.SortSpec{{Desc: true, NullsFirst: true}},
		PKFields:     []string{"grp"},
	})
	require.NoError(t, err)
	require.True(t, IsReceive(recv))
	require.False(t, HasClientGrouping(recv))

	g := b.Group(recv, 1, []string{"grp", "cnt", "ids"},
		[]AggFunc{AggCount, AggCollectDistinct}, true /* merge */)
	require.True(t, HasClientGrouping(g))
	explain := execinfra.Explain(g, false /* verbose */)
	require.Contains(t, explain, "RECEIVE")
	require.Contains(t, explain, "all-shards")
}
