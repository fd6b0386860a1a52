// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package distsql

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvquery/pkg/kv"
	"github.com/cockroachdb/kvquery/pkg/kv/kvtest"
	"github.com/cockroachdb/kvquery/pkg/settings"
	"github.com/cockroachdb/kvquery/pkg/sql/execerror"
	"github.com/cockroachdb/kvquery/pkg/sql/execinfra"
	"github.com/cockroachdb/kvquery/pkg/sql/rowexec"
	"github.com/cockroachdb/kvquery/pkg/sql/value"
	"github.com/cockroachdb/kvquery/pkg/util/log"
	"github.com/stretchr/testify/require"
)

// testEnv is a cluster with one Server answering the requests of every
// shard, and an Executor driving queries against it.
type testEnv struct {
	c   *kvtest.Cluster
	sv  *settings.Values
	srv *Server
	d   *kvtest.Dispatcher
	e   *Executor
	tbl *kv.Table
}

func newTestEnv(t *testing.T, partitionShards ...int32) *testEnv {
	c := kvtest.NewCluster(partitionShards...)
	sv := settings.MakeTestingValues()
	srv := NewServer(ServerConfig{Settings: sv, Metadata: c, Topology: c})
	d := kvtest.NewDispatcher(c, srv)
	e := NewExecutor(ExecutorConfig{Settings: sv, Dispatcher: d, Topology: c})
	tbl := &kv.Table{
		Name: "items",
		Columns: []kv.Column{
			{Name: "id", Type: value.Type{Kind: value.KindLong}},
			{Name: "grp", Type: value.Type{Kind: value.KindString}},
			{Name: "amount", Type: value.Type{Kind: value.KindLong}},
			{Name: "tags", Type: value.Type{Kind: value.KindArray}},
		},
		PrimaryKey: []int{0},
		Indexes: []kv.Index{
			{Name: "by_grp", Fields: []string{"grp"}},
			{Name: "by_tag", Fields: []string{"tags[]"}},
		},
	}
	require.NoError(t, c.CreateTable(tbl))
	return &testEnv{c: c, sv: sv, srv: srv, d: d, e: e, tbl: tbl}
}

var groups = []string{"east", "north", "west"}

func item(id int64, tags ...string) []value.Value {
	arr := value.NewArray()
	for _, tag := range tags {
		arr.Elems = append(arr.Elems, value.DString(tag))
	}
	return []value.Value{value.DLong(id), value.DString(groups[id%3]), value.DLong(id), arr}
}

// load places the items with the given ids on each partition.
func (env *testEnv) load(t *testing.T, parts ...[]int64) {
	ctx := context.Background()
	for pid, ids := range parts {
		for _, id := range ids {
			require.NoError(t, env.c.InsertInto(ctx, env.tbl, int32(pid), item(id)))
		}
	}
}

// projectPlan is a server plan returning the given fields of the rows of
// items, scanned through index.
func projectPlan(t *testing.T, tbl *kv.Table, index string, fields ...string) *execinfra.Plan {
	b := rowexec.NewBuilder()
	scan := b.TableScan(tbl, index)
	cols := make([]execinfra.PlanIter, len(fields))
	for i, f := range fields {
		cols[i] = b.FieldStep(b.VarRef(scan, "$t"), f)
	}
	sfw, err := b.SFW(rowexec.SFWSpec{
		From:        []execinfra.PlanIter{scan},
		FromVars:    []string{"$t"},
		Columns:     cols,
		ColumnNames: fields,
	})
	require.NoError(t, err)
	return b.Build(sfw)
}

// selectPlan is a client plan returning field of the results of a
// receive. A negative offset or limit is left out.
func selectPlan(
	t *testing.T, spec rowexec.ReceiveSpec, field string, offset, limit int64,
) *execinfra.Plan {
	b := rowexec.NewBuilder()
	recv, err := b.Receive(spec)
	require.NoError(t, err)
	sfwSpec := rowexec.SFWSpec{
		From:        []execinfra.PlanIter{recv},
		FromVars:    []string{"$r"},
		Columns:     []execinfra.PlanIter{b.FieldStep(b.VarRef(recv, "$r"), field)},
		ColumnNames: []string{field},
		SelectStar:  true,
	}
	if offset >= 0 {
		sfwSpec.Offset = b.Const(value.DLong(offset))
	}
	if limit >= 0 {
		sfwSpec.Limit = b.Const(value.DLong(limit))
	}
	sfw, err := b.SFW(sfwSpec)
	require.NoError(t, err)
	return b.Build(sfw)
}

func longs(t *testing.T, vals []value.Value) []int64 {
	res := make([]int64, len(vals))
	for i, v := range vals {
		n, ok := value.Int64(v)
		require.True(t, ok, "%s is not an integer", v)
		res[i] = n
	}
	return res
}

func seq(from, to int64) []int64 {
	var res []int64
	for i := from; i <= to; i++ {
		res = append(res, i)
	}
	return res
}

// runBatches runs a query to completion on one Query and returns its
// batches.
func (env *testEnv) runBatches(
	t *testing.T, plan *execinfra.Plan, opts QueryOptions,
) [][]value.Value {
	ctx := context.Background()
	q, err := env.e.Start(ctx, plan, opts)
	require.NoError(t, err)
	defer q.Close(ctx)
	var batches [][]value.Value
	for i := 0; !q.Done(); i++ {
		require.Less(t, i, 1000, "query does not end")
		rows, err := q.NextBatch(ctx)
		require.NoError(t, err)
		if len(rows) > 0 {
			batches = append(batches, rows)
		}
	}
	return batches
}

// runWithTokens runs a query batch by batch, starting a new Query from the
// continuation token of the previous batch every time.
func (env *testEnv) runWithTokens(
	t *testing.T, plan *execinfra.Plan, opts QueryOptions,
) [][]value.Value {
	ctx := context.Background()
	var batches [][]value.Value
	for i := 0; ; i++ {
		require.Less(t, i, 1000, "query does not end")
		q, err := env.e.Start(ctx, plan, opts)
		require.NoError(t, err)
		rows, err := q.NextBatch(ctx)
		require.NoError(t, err)
		if len(rows) > 0 {
			batches = append(batches, rows)
		}
		tok, err := q.Token()
		require.NoError(t, err)
		q.Close(ctx)
		if tok == nil {
			require.True(t, q.Done())
			return batches
		}
		opts.Continuation = tok
	}
}

func flatten(batches [][]value.Value) []value.Value {
	var res []value.Value
	for _, b := range batches {
		res = append(res, b...)
	}
	return res
}

func TestSortedReceiveAllPartitions(t *testing.T) {
	defer log.Scope(t).Close(t)

	env := newTestEnv(t, 1, 1, 2, 2)
	env.load(t, []int64{1, 5, 9}, nil, []int64{2, 6}, []int64{3, 4, 7, 8, 10})
	plan := selectPlan(t, rowexec.ReceiveSpec{
		Distribution: rowexec.DistAllPartitions,
		Parallel:     true,
		ServerPlan:   projectPlan(t, env.tbl, "", "id"),
		SortFields:   []string{"id"},
		SortSpecs:    []value.SortSpec{{}},
	}, "id", -1, 100)

	batches := env.runBatches(t, plan, QueryOptions{BatchSize: 4})
	require.Len(t, batches, 3)
	require.Equal(t, []int64{1, 2, 3, 4}, longs(t, batches[0]))
	require.Equal(t, []int64{5, 6, 7, 8}, longs(t, batches[1]))
	require.Equal(t, []int64{9, 10}, longs(t, batches[2]))
	// One request per partition, and a second one for the partition with
	// more rows than a batch.
	require.Equal(t, int64(5), env.d.Requests.Load())
	require.Equal(t, int64(5), env.srv.Metrics().Requests.Count())
	require.Equal(t, int64(1), env.srv.Metrics().Suspended.Count())
	require.Equal(t, int64(1), env.e.Metrics().Queries.Count())
}

func TestContinuationToken(t *testing.T) {
	defer log.Scope(t).Close(t)

	env := newTestEnv(t, 1, 1, 2, 2)
	env.load(t, []int64{1, 5, 9}, nil, []int64{2, 6}, []int64{3, 4, 7, 8, 10})
	spec := rowexec.ReceiveSpec{
		Distribution: rowexec.DistAllPartitions,
		Parallel:     true,
		ServerPlan:   projectPlan(t, env.tbl, "", "id"),
		SortFields:   []string{"id"},
		SortSpecs:    []value.SortSpec{{}},
	}

	t.Run("sorted", func(t *testing.T) {
		plan := selectPlan(t, spec, "id", -1, -1)
		batches := env.runWithTokens(t, plan, QueryOptions{BatchSize: 4})
		require.Len(t, batches, 3)
		require.Equal(t, seq(1, 10), longs(t, flatten(batches)))
	})

	t.Run("offset-limit", func(t *testing.T) {
		plan := selectPlan(t, spec, "id", 3, 5)
		batches := env.runWithTokens(t, plan, QueryOptions{BatchSize: 2})
		require.Len(t, batches, 3)
		require.Equal(t, []int64{4, 5}, longs(t, batches[0]))
		require.Equal(t, []int64{6, 7}, longs(t, batches[1]))
		require.Equal(t, []int64{8}, longs(t, batches[2]))
	})

	t.Run("unsorted", func(t *testing.T) {
		unsorted := spec
		unsorted.SortFields, unsorted.SortSpecs = nil, nil
		unsorted.Parallel = false
		plan := selectPlan(t, unsorted, "id", -1, -1)
		got := longs(t, flatten(env.runWithTokens(t, plan, QueryOptions{BatchSize: 3})))
		require.ElementsMatch(t, seq(1, 10), got)
	})

	t.Run("invalid", func(t *testing.T) {
		plan := selectPlan(t, spec, "id", -1, -1)
		_, err := env.e.Start(context.Background(), plan, QueryOptions{Continuation: []byte("garbage")})
		require.Error(t, err)
		require.Equal(t, execerror.CodeInvalidContinuation, execerror.GetCode(err))
	})
}

func TestSinglePartitionReceive(t *testing.T) {
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	env := newTestEnv(t, 1, 2, 3)
	for id := int64(1); id <= 12; id++ {
		require.NoError(t, env.c.Insert(ctx, env.tbl, item(id)))
	}
	key := value.DLong(7)
	sb := rowexec.NewBuilder()
	scan := sb.TableScan(env.tbl, "", kv.KeyRange{
		Start: key, StartInclusive: true, End: key, EndInclusive: true,
	})
	sfw, err := sb.SFW(rowexec.SFWSpec{
		From:        []execinfra.PlanIter{scan},
		FromVars:    []string{"$t"},
		Columns:     []execinfra.PlanIter{sb.FieldStep(sb.VarRef(scan, "$t"), "id")},
		ColumnNames: []string{"id"},
	})
	require.NoError(t, err)

	b := rowexec.NewBuilder()
	plan := selectPlan(t, rowexec.ReceiveSpec{
		Distribution:  rowexec.DistSinglePartition,
		ServerPlan:    sb.Build(sfw),
		ShardKey:      []execinfra.PlanIter{b.Const(key)},
		ShardKeyTypes: []value.Type{{Kind: value.KindLong}},
	}, "id", -1, -1)
	got := longs(t, flatten(env.runBatches(t, plan, QueryOptions{})))
	require.Equal(t, []int64{7}, got)
	require.Equal(t, int64(1), env.d.Requests.Load())
}

// groupPlan sums the amounts of each group: the servers group the rows
// they scan in group order, and the client merges the partial groups.
func groupPlan(t *testing.T, tbl *kv.Table) *execinfra.Plan {
	sb := rowexec.NewBuilder()
	scan := sb.TableScan(tbl, "by_grp")
	names := []string{"grp", "cnt", "total"}
	sfw, err := sb.SFW(rowexec.SFWSpec{
		From:     []execinfra.PlanIter{scan},
		FromVars: []string{"$t"},
		Columns: []execinfra.PlanIter{
			sb.FieldStep(sb.VarRef(scan, "$t"), "grp"),
			sb.Agg(rowexec.AggCountStar, nil, false),
			sb.Agg(rowexec.AggSum, sb.FieldStep(sb.VarRef(scan, "$t"), "amount"), false),
		},
		ColumnNames:  names,
		Grouping:     true,
		NumGBColumns: 1,
	})
	require.NoError(t, err)

	b := rowexec.NewBuilder()
	recv, err := b.Receive(rowexec.ReceiveSpec{
		Distribution: rowexec.DistAllShards,
		Parallel:     true,
		ServerPlan:   sb.Build(sfw),
		SortFields:   []string{"grp"},
		SortSpecs:    []value.SortSpec{{}},
	})
	require.NoError(t, err)
	field := func(name string) execinfra.PlanIter {
		return b.FieldStep(b.VarRef(recv, "$r"), name)
	}
	gsfw, err := b.SFW(rowexec.SFWSpec{
		From:     []execinfra.PlanIter{recv},
		FromVars: []string{"$r"},
		Columns: []execinfra.PlanIter{
			field("grp"),
			b.Agg(rowexec.AggCount, field("cnt"), true),
			b.Agg(rowexec.AggSum, field("total"), true),
		},
		ColumnNames:  names,
		Grouping:     true,
		NumGBColumns: 1,
	})
	require.NoError(t, err)
	return b.Build(gsfw)
}

func formatGroups(t *testing.T, rows []value.Value) []string {
	res := make([]string, len(rows))
	for i, r := range rows {
		_, fields, ok := value.RecordFields(r)
		require.True(t, ok)
		require.Len(t, fields, 3)
		cnt, _ := value.Int64(fields[1])
		total, _ := value.Int64(fields[2])
		res[i] = fmt.Sprintf("%s:%d:%d", string(fields[0].(value.DString)), cnt, total)
	}
	return res
}

func TestDistributedGrouping(t *testing.T) {
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	// east holds 3, 6, 9, 12; north 1, 4, 7, 10; west 2, 5, 8, 11.
	expected := []string{"east:4:30", "north:4:22", "west:4:26"}
	for _, tc := range []struct {
		name    string
		version int16
	}{
		{name: "resumable-groups", version: execinfra.SerialVersionCurrent},
		{name: "split-groups", version: execinfra.SerialVersionNullsFirst},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, 1, 1, 2, 2)
			for id := int64(1); id <= 12; id++ {
				require.NoError(t, env.c.Insert(ctx, env.tbl, item(id)))
			}
			SerialVersion.Override(ctx, env.sv, int64(tc.version))
			plan := groupPlan(t, env.tbl)

			for _, batchSize := range []int{1, 2, 100} {
				batches := env.runBatches(t, plan, QueryOptions{BatchSize: batchSize})
				require.Equal(t, expected, formatGroups(t, flatten(batches)), "batch size %d", batchSize)
			}
		})
	}

	t.Run("no-token", func(t *testing.T) {
		env := newTestEnv(t, 1, 2)
		for id := int64(1); id <= 12; id++ {
			require.NoError(t, env.c.Insert(ctx, env.tbl, item(id)))
		}
		q, err := env.e.Start(ctx, groupPlan(t, env.tbl), QueryOptions{BatchSize: 1})
		require.NoError(t, err)
		defer q.Close(ctx)
		rows, err := q.NextBatch(ctx)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		_, err = q.Token()
		require.Error(t, err)
		require.Equal(t, execerror.CodeInvalidContinuation, execerror.GetCode(err))
	})
}

func TestReceiveDedup(t *testing.T) {
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	env := newTestEnv(t, 1, 2)
	rows := [][]value.Value{
		item(1, "a", "b"),
		item(2, "b"),
		item(3),
		item(4, "a", "b", "c"),
		item(5, "c", "c"),
	}
	require.NoError(t, env.c.Insert(ctx, env.tbl, rows...))
	spec := rowexec.ReceiveSpec{
		Distribution: rowexec.DistAllShards,
		Parallel:     true,
		ServerPlan:   projectPlan(t, env.tbl, "by_tag", "id"),
		PKFields:     []string{"id"},
	}
	plan := selectPlan(t, spec, "id", -1, -1)

	got := longs(t, flatten(env.runBatches(t, plan, QueryOptions{BatchSize: 2})))
	require.ElementsMatch(t, seq(1, 5), got)

	// The keys already returned travel in the token.
	got = longs(t, flatten(env.runWithTokens(t, plan, QueryOptions{BatchSize: 2})))
	require.ElementsMatch(t, seq(1, 5), got)

	spec.PKFields = nil
	plan = selectPlan(t, spec, "id", -1, -1)
	got = longs(t, flatten(env.runBatches(t, plan, QueryOptions{})))
	require.Len(t, got, 8)
}

func TestPartitionUnion(t *testing.T) {
	defer log.Scope(t).Close(t)

	for _, sorting := range []bool{false, true} {
		t.Run(fmt.Sprintf("sorting=%t", sorting), func(t *testing.T) {
			env := newTestEnv(t, 1, 1, 2, 2)
			env.load(t, []int64{1, 5, 9}, nil, []int64{2, 6}, []int64{3, 4, 7, 8, 10})

			sb := rowexec.NewBuilder()
			scan := sb.TableScan(env.tbl, "")
			sfw, err := sb.SFW(rowexec.SFWSpec{
				From:        []execinfra.PlanIter{scan},
				FromVars:    []string{"$t"},
				Columns:     []execinfra.PlanIter{sb.FieldStep(sb.VarRef(scan, "$t"), "id")},
				ColumnNames: []string{"id"},
			})
			require.NoError(t, err)
			spec := rowexec.ReceiveSpec{
				Distribution: rowexec.DistAllShards,
				ServerPlan:   sb.Build(sb.PartitionUnion(sfw, sorting)),
			}
			if sorting {
				spec.SortFields = []string{"id"}
				spec.SortSpecs = []value.SortSpec{{}}
			}
			plan := selectPlan(t, spec, "id", -1, -1)
			for _, batchSize := range []int{1, 3, 100} {
				got := longs(t, flatten(env.runBatches(t, plan, QueryOptions{BatchSize: batchSize})))
				if sorting {
					require.Equal(t, seq(1, 10), got, "batch size %d", batchSize)
				} else {
					require.ElementsMatch(t, seq(1, 10), got, "batch size %d", batchSize)
				}
			}
		})
	}
}

// TestSortedPartitionUnionReadBudget runs a sorting partition union whose
// filter rejects more rows than a batch may read, so the first result of a
// partition takes several batches to find.
func TestSortedPartitionUnionReadBudget(t *testing.T) {
	defer log.Scope(t).Close(t)

	env := newTestEnv(t, 1, 1, 2, 2)
	env.load(t,
		append(seq(1, 10), 200),
		[]int64{150},
		append(seq(20, 27), 120),
		[]int64{11, 12, 300},
	)

	sb := rowexec.NewBuilder()
	scan := sb.TableScan(env.tbl, "")
	sfw, err := sb.SFW(rowexec.SFWSpec{
		From:     []execinfra.PlanIter{scan},
		FromVars: []string{"$t"},
		Where: sb.CompOp(value.OpGT,
			sb.FieldStep(sb.VarRef(scan, "$t"), "id"), sb.Const(value.DLong(100))),
		Columns:     []execinfra.PlanIter{sb.FieldStep(sb.VarRef(scan, "$t"), "id")},
		ColumnNames: []string{"id"},
	})
	require.NoError(t, err)
	plan := selectPlan(t, rowexec.ReceiveSpec{
		Distribution: rowexec.DistAllShards,
		ServerPlan:   sb.Build(sb.PartitionUnion(sfw, true /* sorting */)),
		SortFields:   []string{"id"},
		SortSpecs:    []value.SortSpec{{}},
	}, "id", -1, -1)

	want := []int64{120, 150, 200, 300}
	for _, tc := range []struct {
		name string
		opts QueryOptions
	}{
		{"budget=3", QueryOptions{BatchSize: 10, MaxReadKB: 3}},
		{"budget=1", QueryOptions{BatchSize: 10, MaxReadKB: 1}},
		{"budget=3/batch=1", QueryOptions{BatchSize: 1, MaxReadKB: 3}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := longs(t, flatten(env.runBatches(t, plan, tc.opts)))
			require.Equal(t, want, got)
			got = longs(t, flatten(env.runWithTokens(t, plan, tc.opts)))
			require.Equal(t, want, got)
		})
	}
}

func TestPartitionMovedDuringShardScan(t *testing.T) {
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	env := newTestEnv(t, 1, 1, 2, 2)
	parts := make([][]int64, 4)
	for id := int64(1); id <= 20; id++ {
		pid := (id - 1) % 4
		parts[pid] = append(parts[pid], id)
	}
	env.load(t, parts...)

	// Partition 1 leaves shard 1 after the first batch of the shard.
	var shard1Requests atomic.Int32
	env.d.Knobs.BeforeRequest = func(shard int32, req *kv.Request) error {
		if shard == 1 && shard1Requests.Add(1) == 2 {
			_, err := env.c.MovePartition(ctx, 1, 2)
			return err
		}
		return nil
	}
	plan := selectPlan(t, rowexec.ReceiveSpec{
		Distribution: rowexec.DistAllShards,
		ServerPlan:   projectPlan(t, env.tbl, "", "id"),
	}, "id", -1, -1)

	var virtual atomic.Int32
	inner := env.d.Knobs.BeforeRequest
	env.d.Knobs.BeforeRequest = func(shard int32, req *kv.Request) error {
		if req.Target == kv.TargetShard && req.VirtualPID == 1 {
			virtual.Add(1)
		}
		return inner(shard, req)
	}
	got := longs(t, flatten(env.runBatches(t, plan, QueryOptions{BatchSize: 3})))
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	require.Equal(t, seq(1, 20), got)
	require.Positive(t, virtual.Load())
}

func TestRequestTimeout(t *testing.T) {
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	env := newTestEnv(t, 1, 2)
	require.NoError(t, env.c.Insert(ctx, env.tbl, item(1), item(2), item(3)))
	env.d.Knobs.Latency = time.Second
	RequestTimeout.Override(ctx, env.sv, 10*time.Millisecond)

	plan := selectPlan(t, rowexec.ReceiveSpec{
		Distribution: rowexec.DistAllShards,
		ServerPlan:   projectPlan(t, env.tbl, "", "id"),
	}, "id", -1, -1)
	q, err := env.e.Start(ctx, plan, QueryOptions{})
	require.NoError(t, err)
	defer q.Close(ctx)
	_, err = q.NextBatch(ctx)
	require.Error(t, err)
	var rte *execerror.RequestTimeoutError
	require.True(t, errors.As(err, &rte), "%+v", err)
	require.True(t, execerror.IsRetryable(err))
	require.Equal(t, int64(1), env.e.Metrics().Errors.Count())
	env.d.Wait()
}

func TestAsyncQuery(t *testing.T) {
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	env := newTestEnv(t, 1, 1, 2, 2)
	env.load(t, []int64{1, 5, 9}, nil, []int64{2, 6}, []int64{3, 4, 7, 8, 10})
	env.d.Knobs.Latency = time.Millisecond
	plan := selectPlan(t, rowexec.ReceiveSpec{
		Distribution: rowexec.DistAllPartitions,
		Parallel:     true,
		ServerPlan:   projectPlan(t, env.tbl, "", "id"),
	}, "id", -1, -1)

	q, err := env.e.Start(ctx, plan, QueryOptions{Async: true, BatchSize: 3})
	require.NoError(t, err)
	defer q.Close(ctx)

	var got []int64
	pending := 0
	for !q.Done() {
		v, ok, err := q.NextLocal(ctx)
		if errors.Is(err, execerror.ErrResultPending) {
			pending++
			select {
			case <-q.Ready():
			case <-time.After(10 * time.Second):
				t.Fatal("no request completed")
			}
			continue
		}
		require.NoError(t, err)
		if ok {
			got = append(got, longs(t, []value.Value{v})...)
		}
	}
	require.ElementsMatch(t, seq(1, 10), got)
	require.Positive(t, pending)
	env.d.Wait()

	_, _, err = (&Query{rcb: execinfra.NewRuntimeControlBlock(execinfra.RoleClient, plan, nil)}).NextLocal(ctx)
	require.Error(t, err)
}

// TestAsyncTimeoutWithOtherCompletion has a timed out request complete
// together with a successful one. The batch ends at the timeout; the
// successful results are kept and the timed out stream is sent again.
func TestAsyncTimeoutWithOtherCompletion(t *testing.T) {
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	env := newTestEnv(t, 1, 2, 3)
	env.load(t, []int64{1, 4, 7}, []int64{2, 5, 8}, []int64{3, 6, 9})

	// Partitions 0 and 2 wait for their gate; the first request of
	// partition 0 then times out.
	gates := map[int32]chan struct{}{0: make(chan struct{}), 2: make(chan struct{})}
	var timeouts, p0Requests atomic.Int32
	env.d.Knobs.BeforeRequest = func(shard int32, req *kv.Request) error {
		if req.Target != kv.TargetPartition {
			return nil
		}
		if gate, ok := gates[req.TargetID]; ok {
			<-gate
		}
		if req.TargetID == 0 && p0Requests.Add(1) == 1 {
			timeouts.Add(1)
			return context.DeadlineExceeded
		}
		return nil
	}
	plan := selectPlan(t, rowexec.ReceiveSpec{
		Distribution: rowexec.DistAllPartitions,
		Parallel:     true,
		ServerPlan:   projectPlan(t, env.tbl, "", "id"),
	}, "id", -1, -1)

	q, err := env.e.Start(ctx, plan, QueryOptions{Async: true, BatchSize: 100})
	require.NoError(t, err)
	defer q.Close(ctx)

	wait := func() {
		select {
		case <-q.Ready():
		case <-time.After(10 * time.Second):
			t.Fatal("no request completed")
		}
	}
	var got []int64
	// next returns false while the query waits for a request.
	next := func() bool {
		v, ok, err := q.NextLocal(ctx)
		if errors.Is(err, execerror.ErrResultPending) {
			return false
		}
		require.NoError(t, err)
		if ok {
			got = append(got, longs(t, []value.Value{v})...)
		}
		return true
	}

	// Only partition 1 can answer, once.
	require.False(t, next())
	wait()
	for next() {
	}
	require.Equal(t, []int64{2, 5, 8}, got)

	// The timeout of partition 0 is queued before the rows of partition 2.
	close(gates[0])
	wait()
	close(gates[2])
	env.d.Wait()

	for i := 0; !q.Done(); i++ {
		require.Less(t, i, 1000, "query does not end")
		if !next() {
			wait()
		}
	}
	require.ElementsMatch(t, seq(1, 9), got)
	require.Equal(t, int32(1), timeouts.Load())
	require.Equal(t, int32(2), p0Requests.Load())
	require.Zero(t, env.e.Metrics().Errors.Count())
	env.d.Wait()
}

func TestBatchTraces(t *testing.T) {
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	env := newTestEnv(t, 1, 2)
	require.NoError(t, env.c.Insert(ctx, env.tbl, item(1), item(2), item(3)))
	plan := selectPlan(t, rowexec.ReceiveSpec{
		Distribution: rowexec.DistAllShards,
		ServerPlan:   projectPlan(t, env.tbl, "", "id"),
	}, "id", -1, -1)

	q, err := env.e.Start(ctx, plan, QueryOptions{QueryID: "traced", Trace: true})
	require.NoError(t, err)
	defer q.Close(ctx)
	require.Equal(t, "traced", q.ID())
	for !q.Done() {
		_, err := q.NextBatch(ctx)
		require.NoError(t, err)
	}
	traces := q.BatchTraces()
	require.Len(t, traces, 2)
	for name, trace := range traces {
		require.True(t, strings.HasPrefix(name, "traced/recv"), name)
		require.Contains(t, trace, "running")
	}
}

func TestPlanCache(t *testing.T) {
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	env := newTestEnv(t, 1, 1, 2, 2)
	env.load(t, []int64{1, 5, 9}, nil, []int64{2, 6}, []int64{3, 4, 7, 8, 10})
	plan := selectPlan(t, rowexec.ReceiveSpec{
		Distribution: rowexec.DistAllPartitions,
		ServerPlan:   projectPlan(t, env.tbl, "", "id"),
	}, "id", -1, -1)
	env.runBatches(t, plan, QueryOptions{})
	require.Equal(t, int64(3), env.srv.Metrics().PlanCache.Count())
	require.Equal(t, 1, env.srv.plans.len())

	t.Run("registry", func(t *testing.T) {
		pr := makePlanRegistry()
		encode := func(p *execinfra.Plan) []byte {
			data, err := execinfra.EncodePlan(p, execinfra.SerialVersionCurrent, false /* forCloud */)
			require.NoError(t, err)
			return data
		}
		a := encode(projectPlan(t, env.tbl, "", "id"))
		b := encode(projectPlan(t, env.tbl, "by_grp", "grp"))

		p1, hit, err := pr.lookupOrDecode(ctx, a, false, 1)
		require.NoError(t, err)
		require.False(t, hit)
		p2, hit, err := pr.lookupOrDecode(ctx, a, false, 1)
		require.NoError(t, err)
		require.True(t, hit)
		require.Same(t, p1, p2)

		_, hit, err = pr.lookupOrDecode(ctx, b, false, 1)
		require.NoError(t, err)
		require.False(t, hit)
		require.Equal(t, 1, pr.len())

		_, _, err = pr.lookupOrDecode(ctx, []byte{0xff, 0x01}, false, 1)
		require.Error(t, err)
		require.Equal(t, 0, pr.len())

		_, hit, err = pr.lookupOrDecode(ctx, a, false, 0)
		require.NoError(t, err)
		require.False(t, hit)
		require.Equal(t, 0, pr.len())
	})
}
