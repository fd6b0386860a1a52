// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package rowexec

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvquery/pkg/kv"
	"github.com/cockroachdb/kvquery/pkg/sql/execerror"
	"github.com/cockroachdb/kvquery/pkg/sql/execinfra"
	"github.com/cockroachdb/kvquery/pkg/sql/resume"
	"github.com/cockroachdb/kvquery/pkg/sql/value"
	"github.com/cockroachdb/kvquery/pkg/util/log"
)

// defaultScanChunkSize is the number of rows a table scan fetches from the
// store at once when the plan does not say.
const defaultScanChunkSize = 64

// tableScanIter reads the rows of a table in key order from the local
// store, through the primary index or a secondary one. It runs at servers
// only. Its position is kept in the resume info after every row, so a
// batch may end before any row.
type tableScanIter struct {
	execinfra.IterBase
	namespace string
	table     string
	// index is the secondary index to scan, or empty for the primary index.
	index string
	// tableIdx is the position of the table in the resume info.
	tableIdx int
	tupleReg int
	// ranges restrict the first key field of the index. No ranges means a
	// full scan.
	ranges    []kv.KeyRange
	chunkSize int
}

var _ execinfra.PlanIter = &tableScanIter{}

type tableScanState struct {
	execinfra.StateBase
	table *kv.Table
	tuple *value.Tuple
	// parts are the partitions to scan; nil until the first Next.
	parts     []int32
	buf       []kv.Row
	bufPos    int
	exhausted bool
}

func (it *tableScanIter) Open(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	if rcb.Store == nil || rcb.Metadata == nil {
		return errors.AssertionFailedf("table scan of %s outside a server", it.table)
	}
	t, err := rcb.Metadata.GetTable(ctx, it.namespace, it.table)
	if err != nil {
		return err
	}
	if it.index != "" {
		if _, ok := t.IndexByName(it.index); !ok {
			return execerror.NewQueryErrorf(execerror.CodeInvalidArgument, it.Loc,
				"table %s has no index %s", it.table, it.index)
		}
	}
	rcb.SetState(it.Pos, &tableScanState{
		table: t,
		tuple: &value.Tuple{Def: t.RowDef(), Regs: rcb.Regs(it.tupleReg, len(t.Columns))},
	})
	rcb.ResumeInfo().Table(it.tableIdx)
	return nil
}

func (it *tableScanIter) numRanges() int {
	if len(it.ranges) == 0 {
		return 1
	}
	return len(it.ranges)
}

func (it *tableScanIter) Next(ctx context.Context, rcb *execinfra.RuntimeControlBlock) (bool, error) {
	s := execinfra.GetState[*tableScanState](rcb, it.Pos)
	if s.IsDone() {
		return false, nil
	}
	if rcb.ShouldSuspend() {
		rcb.SetReachedLimit()
		return false, nil
	}
	ri := rcb.ResumeInfo()
	if s.parts == nil {
		parts, err := it.partitions(ctx, rcb)
		if err != nil {
			return false, err
		}
		s.parts = parts
		if log.V(2) {
			log.VEventf(ctx, 2, "scanning %s on partitions %v", it.table, parts)
		}
	}
	ti := ri.Table(it.tableIdx)
	for s.bufPos >= len(s.buf) {
		if s.exhausted {
			ti.Reset()
			ti.CurrentIndexRange++
			s.exhausted = false
		}
		if int(ti.CurrentIndexRange) >= it.numRanges() || len(s.parts) == 0 {
			s.Done()
			return false, nil
		}
		if err := it.fetch(ctx, rcb, s, ti); err != nil {
			return false, err
		}
	}
	row := s.buf[s.bufPos]
	s.bufPos++

	ti.PrimResumeKey = row.PrimaryKey
	if it.index != "" {
		ti.SecResumeKey = row.Key
	}
	ti.MoveAfterResumeKey = true
	kb := (row.Size + 1023) / 1024
	if kb < 1 {
		kb = 1
	}
	rcb.AddReadKB(kb)
	ri.TotalReadKB += kb

	for i, v := range row.Values {
		rcb.SetReg(it.tupleReg+i, v)
	}
	rcb.CurrentPID = row.PID
	rcb.SetReg(it.Reg, s.tuple)
	s.SetRunning()
	return true, nil
}

// fetch reads the next chunk of rows after the resume key.
func (it *tableScanIter) fetch(
	ctx context.Context, rcb *execinfra.RuntimeControlBlock, s *tableScanState, ti *resume.TableInfo,
) error {
	chunk := it.chunkSize
	if chunk <= 0 {
		chunk = defaultScanChunkSize
	}
	spec := kv.ScanSpec{
		Table:      s.table,
		Index:      it.index,
		Partitions: s.parts,
		MoveAfter:  ti.MoveAfterResumeKey,
		Limit:      chunk,
	}
	if len(it.ranges) > 0 {
		spec.Range = it.ranges[ti.CurrentIndexRange]
	}
	if it.index != "" {
		spec.ResumeKey = ti.SecResumeKey
	} else {
		spec.ResumeKey = ti.PrimResumeKey
	}
	rows, err := rcb.Store.Scan(ctx, spec)
	if err != nil {
		return err
	}
	s.buf = rows
	s.bufPos = 0
	s.exhausted = len(rows) < chunk
	return nil
}

// partitions returns the partitions the scan covers: those chosen by an
// enclosing partition union, the target partition of a partition request,
// or the partitions the shard held when the query started.
func (it *tableScanIter) partitions(
	ctx context.Context, rcb *execinfra.RuntimeControlBlock,
) ([]int32, error) {
	if rcb.ScanPartitions != nil {
		return rcb.ScanPartitions, nil
	}
	if pid := rcb.TargetPID; pid != resume.NoPartition {
		if !rcb.Store.HostsPartition(pid) {
			return nil, execerror.NewPartitionMovedError(pid, true /* initial */)
		}
		return []int32{pid}, nil
	}
	ri := rcb.ResumeInfo()
	return shardPartitions(ctx, rcb, func(int32) resume.TableInfo {
		return ri.Table(it.tableIdx).Clone()
	})
}

// shardPartitions returns the partitions of a shard scan: those the shard
// held in the topology the scan is pinned to and still holds. Each one that
// moved away since becomes a virtual scan resumed from tableFor(pid), to be
// completed on its new shard.
func shardPartitions(
	ctx context.Context,
	rcb *execinfra.RuntimeControlBlock,
	tableFor func(pid int32) resume.TableInfo,
) ([]int32, error) {
	store := rcb.Store
	if rcb.Topology == nil {
		return append([]int32{}, store.LocalPartitions()...), nil
	}
	ri := rcb.ResumeInfo()
	cur, err := rcb.Topology.Topology(ctx)
	if err != nil {
		return nil, err
	}
	if ri.BaseTopoSeq == 0 {
		ri.BaseTopoSeq = cur.SeqNum
	}
	base := cur
	if base.SeqNum != ri.BaseTopoSeq {
		if base, err = rcb.Topology.TopologyAt(ctx, ri.BaseTopoSeq); err != nil {
			return nil, err
		}
	}
	res := []int32{}
	for _, pid := range base.PartitionsInShards(store.ShardID()) {
		if hasVirtualScan(ri, pid) {
			continue
		}
		if store.HostsPartition(pid) {
			res = append(res, pid)
			continue
		}
		shard, err := cur.RepGroupID(pid)
		if err != nil {
			return nil, err
		}
		log.VEventf(ctx, 2, "partition %d moved to shard %d; adding virtual scan", pid, shard)
		ri.AddVirtualScan(resume.VirtualScan{
			PID:        pid,
			ShardID:    shard,
			Table:      tableFor(pid),
			FirstBatch: true,
		})
	}
	return res, nil
}

func hasVirtualScan(ri *resume.Info, pid int32) bool {
	for i := range ri.VirtualScans {
		if ri.VirtualScans[i].PID == pid {
			return true
		}
	}
	return false
}

func (it *tableScanIter) Reset(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	s := execinfra.GetState[*tableScanState](rcb, it.Pos)
	s.Reset()
	s.parts = nil
	s.buf = nil
	s.bufPos = 0
	s.exhausted = false
	return nil
}

func (it *tableScanIter) Close(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	if s, ok := rcb.State(it.Pos).(*tableScanState); ok && rcb.CloseState(it.Pos) {
		s.buf = nil
	}
	return nil
}

func (it *tableScanIter) Children() []execinfra.PlanIter { return nil }

func (it *tableScanIter) DisplayContent(d *execinfra.Display) {
	name := it.table
	if it.namespace != "" {
		name = it.namespace + ":" + name
	}
	d.Attr("table", name)
	if it.index != "" {
		d.Attr("index", it.index)
	}
	if len(it.ranges) > 0 {
		d.Attr("ranges", len(it.ranges))
	}
}

func writeKeyRange(w *execinfra.Writer, r kv.KeyRange) {
	w.WriteBool(r.Start != nil)
	if r.Start != nil {
		w.WriteValue(r.Start)
		w.WriteBool(r.StartInclusive)
	}
	w.WriteBool(r.End != nil)
	if r.End != nil {
		w.WriteValue(r.End)
		w.WriteBool(r.EndInclusive)
	}
}

func readKeyRange(r *execinfra.Reader) kv.KeyRange {
	var kr kv.KeyRange
	if r.ReadBool() {
		kr.Start = r.ReadValue()
		kr.StartInclusive = r.ReadBool()
	}
	if r.ReadBool() {
		kr.End = r.ReadValue()
		kr.EndInclusive = r.ReadBool()
	}
	return kr
}

func (it *tableScanIter) WriteTo(w *execinfra.Writer) error {
	w.WriteString(it.namespace)
	w.WriteString(it.table)
	w.WriteString(it.index)
	w.WriteInt(int64(it.tableIdx))
	w.WriteInt(int64(it.tupleReg))
	w.WriteUint(uint64(len(it.ranges)))
	for _, r := range it.ranges {
		writeKeyRange(w, r)
	}
	w.WriteInt(int64(it.chunkSize))
	return w.Err()
}

func init() {
	execinfra.RegisterIterDecoder(execinfra.KindTableScan, func(r *execinfra.Reader, base execinfra.IterBase) (execinfra.PlanIter, error) {
		it := &tableScanIter{IterBase: base}
		it.namespace = r.ReadString()
		it.table = r.ReadString()
		it.index = r.ReadString()
		it.tableIdx = int(r.ReadInt())
		it.tupleReg = int(r.ReadInt())
		n := int(r.ReadUint())
		for i := 0; i < n && r.Err() == nil; i++ {
			it.ranges = append(it.ranges, readKeyRange(r))
		}
		it.chunkSize = int(r.ReadInt())
		return it, r.Err()
	})
}
