// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package kvtest

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvquery/pkg/kv"
	"github.com/cockroachdb/kvquery/pkg/sql/execerror"
	"github.com/cockroachdb/kvquery/pkg/sql/resume"
	"github.com/cockroachdb/kvquery/pkg/sql/value"
	"github.com/cockroachdb/kvquery/pkg/util/log"
	"github.com/stretchr/testify/require"
)

func makeTable(t *testing.T, c *Cluster) *kv.Table {
	tbl := &kv.Table{
		Name: "items",
		Columns: []kv.Column{
			{Name: "id", Type: value.Type{Kind: value.KindLong}},
			{Name: "tags", Type: value.Type{Kind: value.KindArray}},
		},
		PrimaryKey: []int{0},
		Indexes:    []kv.Index{{Name: "by_tag", Fields: []string{"tags[]"}}},
	}
	require.NoError(t, c.CreateTable(tbl))
	return tbl
}

func row(id int64, tags ...string) []value.Value {
	arr := value.NewArray()
	for _, t := range tags {
		arr.Elems = append(arr.Elems, value.DString(t))
	}
	return []value.Value{value.DLong(id), arr}
}

func ids(rows []kv.Row) []int64 {
	res := make([]int64, len(rows))
	for i, r := range rows {
		res[i] = int64(r.Values[0].(value.DLong))
	}
	return res
}

func TestStoreScan(t *testing.T) {
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	c := NewCluster(1, 1, 2)
	tbl := makeTable(t, c)
	require.NoError(t, c.InsertInto(ctx, tbl, 0, row(4, "b"), row(1, "a", "c")))
	require.NoError(t, c.InsertInto(ctx, tbl, 1, row(3), row(2, "a")))
	require.NoError(t, c.InsertInto(ctx, tbl, 2, row(5, "a")))

	s := c.Store(1)
	require.Equal(t, []int32{0, 1}, s.LocalPartitions())
	require.True(t, s.HostsPartition(1))
	require.False(t, s.HostsPartition(2))

	t.Run("primary", func(t *testing.T) {
		rows, err := s.Scan(ctx, kv.ScanSpec{Table: tbl, Partitions: []int32{0, 1}})
		require.NoError(t, err)
		require.Equal(t, []int64{1, 2, 3, 4}, ids(rows))
		require.Equal(t, int32(1), rows[1].PID)
		require.Positive(t, rows[0].Size)
	})

	t.Run("resume", func(t *testing.T) {
		spec := kv.ScanSpec{Table: tbl, Partitions: []int32{0, 1}, Limit: 2}
		rows, err := s.Scan(ctx, spec)
		require.NoError(t, err)
		require.Equal(t, []int64{1, 2}, ids(rows))

		spec.ResumeKey = rows[1].Key
		rows, err = s.Scan(ctx, spec)
		require.NoError(t, err)
		require.Equal(t, []int64{2, 3}, ids(rows))

		spec.MoveAfter = true
		rows, err = s.Scan(ctx, spec)
		require.NoError(t, err)
		require.Equal(t, []int64{3, 4}, ids(rows))
	})

	t.Run("range", func(t *testing.T) {
		rows, err := s.Scan(ctx, kv.ScanSpec{
			Table:      tbl,
			Partitions: []int32{0, 1},
			Range:      kv.KeyRange{Start: value.DLong(2), End: value.DLong(4), StartInclusive: true},
		})
		require.NoError(t, err)
		require.Equal(t, []int64{2, 3}, ids(rows))
	})

	t.Run("secondary", func(t *testing.T) {
		rows, err := s.Scan(ctx, kv.ScanSpec{Table: tbl, Index: "by_tag", Partitions: []int32{0, 1}})
		require.NoError(t, err)
		// Row 3 has an empty array, indexed as EMPTY after every string.
		require.Equal(t, []int64{1, 2, 4, 1, 3}, ids(rows))

		rows, err = s.Scan(ctx, kv.ScanSpec{
			Table:      tbl,
			Index:      "by_tag",
			Partitions: []int32{0, 1},
			Range:      kv.KeyRange{Start: value.DString("a"), End: value.DString("a"), StartInclusive: true, EndInclusive: true},
		})
		require.NoError(t, err)
		require.Equal(t, []int64{1, 2}, ids(rows))
	})

	t.Run("moved", func(t *testing.T) {
		_, err := s.Scan(ctx, kv.ScanSpec{Table: tbl, Partitions: []int32{0, 2}})
		var ie *kv.IteratorError
		require.True(t, errors.As(err, &ie))
		pm, ok := execerror.IsPartitionMoved(err)
		require.True(t, ok)
		require.Equal(t, int32(2), pm.PartitionID)
		require.False(t, pm.Initial)
	})
}

func TestMovePartition(t *testing.T) {
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	c := NewCluster(1, 2)
	topo, err := c.MovePartition(ctx, 0, 3)
	require.NoError(t, err)
	require.Equal(t, int32(2), topo.SeqNum)
	require.Equal(t, []int32{1, 2, 3}, c.Shards())
	require.Empty(t, c.Store(1).LocalPartitions())
	require.Equal(t, []int32{0}, c.Store(3).LocalPartitions())

	old, err := c.TopologyAt(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []int32{0}, old.PartitionsInShards(1))
	_, err = c.TopologyAt(ctx, 3)
	require.Error(t, err)
	_, err = c.MovePartition(ctx, 7, 1)
	require.Error(t, err)
}

type handlerFunc func(ctx context.Context, req *kv.Request, store kv.Store) (*kv.Result, error)

func (f handlerFunc) HandleRequest(
	ctx context.Context, req *kv.Request, store kv.Store,
) (*kv.Result, error) {
	return f(ctx, req, store)
}

func TestDispatcherRetriesMovedPartition(t *testing.T) {
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	c := NewCluster(1, 2)
	var shards []int32
	d := NewDispatcher(c, handlerFunc(func(ctx context.Context, req *kv.Request, store kv.Store) (*kv.Result, error) {
		shards = append(shards, store.ShardID())
		pid := req.TargetID
		if req.Target == kv.TargetShard {
			pid = req.VirtualPID
		}
		if !store.HostsPartition(pid) {
			return nil, &kv.IteratorError{Err: execerror.NewPartitionMovedError(pid, true)}
		}
		// The handler may advance its resume info without affecting the
		// caller's.
		req.Resume.NumResultsComputed = 42
		return &kv.Result{}, nil
	}))

	req := &kv.Request{Target: kv.TargetPartition, TargetID: 0, VirtualPID: resume.NoPartition, Resume: resume.NewInfo(1)}
	_, err := d.ExecuteRequest(ctx, req)
	require.NoError(t, err)
	require.Equal(t, []int32{1}, shards)
	require.Equal(t, int64(0), d.Retries.Load())
	require.Equal(t, int64(0), req.Resume.NumResultsComputed)

	// The cached route is stale after the move.
	_, err = c.MovePartition(ctx, 0, 2)
	require.NoError(t, err)
	shards = nil
	_, err = d.ExecuteRequest(ctx, req)
	require.NoError(t, err)
	require.Equal(t, []int32{1, 2}, shards)
	require.Equal(t, int64(1), d.Retries.Load())

	// A virtual scan follows its partition.
	_, err = c.MovePartition(ctx, 0, 3)
	require.NoError(t, err)
	shards = nil
	vreq := &kv.Request{Target: kv.TargetShard, TargetID: 2, VirtualPID: 0, Resume: resume.NewInfo(1)}
	_, err = d.ExecuteRequest(ctx, vreq)
	require.NoError(t, err)
	require.Equal(t, []int32{2, 3}, shards)
	require.Equal(t, int64(5), d.Requests.Load())
}

func TestDispatcherAsync(t *testing.T) {
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	c := NewCluster(1)
	d := NewDispatcher(c, handlerFunc(func(context.Context, *kv.Request, kv.Store) (*kv.Result, error) {
		return nil, errors.New("boom")
	}))
	d.Knobs.BeforeRequest = func(shard int32, req *kv.Request) error {
		if req.BatchName == "unavailable" {
			return execerror.NewNodeUnavailableError(shard)
		}
		return nil
	}

	errCh := make(chan error, 2)
	d.ExecuteRequestAsync(ctx, &kv.Request{Target: kv.TargetShard, TargetID: 1, VirtualPID: resume.NoPartition},
		func(_ *kv.Result, err error) { errCh <- err })
	d.ExecuteRequestAsync(ctx, &kv.Request{Target: kv.TargetShard, TargetID: 1, VirtualPID: resume.NoPartition, BatchName: "unavailable"},
		func(_ *kv.Result, err error) { errCh <- err })
	d.Wait()
	close(errCh)

	var msgs []string
	for err := range errCh {
		require.Error(t, err)
		msgs = append(msgs, err.Error())
	}
	require.ElementsMatch(t, []string{"boom", "no node of shard 1 is available"}, msgs)

	_, err := d.ExecuteRequest(ctx, &kv.Request{Target: kv.TargetShard, TargetID: 9, VirtualPID: resume.NoPartition})
	require.True(t, execerror.IsRetryable(err))
}
