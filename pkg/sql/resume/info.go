// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package resume

import (
	"fmt"

	"github.com/cockroachdb/kvquery/pkg/sql/value"
	"github.com/cockroachdb/redact"
)

// NoPartition is the CurrentPID of a scan that has not yet picked a
// partition.
const NoPartition int32 = -1

// TableInfo is the resume record of one table taking part in a scan.
type TableInfo struct {
	// CurrentIndexRange is the ordinal of the index range being scanned.
	CurrentIndexRange int32
	// PrimResumeKey is the primary key of the last row returned.
	PrimResumeKey []byte
	// SecResumeKey is the secondary index entry of the last row returned,
	// when the scan is over a secondary index.
	SecResumeKey []byte
	// DescResumeKey is the key of the last descendant row of a nested
	// tables scan.
	DescResumeKey []byte
	// JoinPathTables, JoinPathLength and JoinPathSecKey remember the tables
	// of a nested tables join matched by the current row.
	JoinPathTables  []int32
	JoinPathLength  int32
	JoinPathSecKey  []byte
	JoinPathMatched bool
	// MoveAfterResumeKey is set when the scan must skip the row at the
	// resume key instead of returning it again.
	MoveAfterResumeKey bool
}

// Reset clears the record so that the next scan starts from the beginning
// of the first index range.
func (t *TableInfo) Reset() {
	*t = TableInfo{}
}

// HasResumeKey returns true if the scan has returned at least one row.
func (t *TableInfo) HasResumeKey() bool {
	return t.PrimResumeKey != nil || t.SecResumeKey != nil
}

// Clone returns a deep copy of t.
func (t TableInfo) Clone() TableInfo {
	t.PrimResumeKey = cloneBytes(t.PrimResumeKey)
	t.SecResumeKey = cloneBytes(t.SecResumeKey)
	t.DescResumeKey = cloneBytes(t.DescResumeKey)
	t.JoinPathSecKey = cloneBytes(t.JoinPathSecKey)
	t.JoinPathTables = append([]int32(nil), t.JoinPathTables...)
	return t
}

// VirtualScan describes a partition that left a shard while the shard was
// being scanned. The rest of the partition is scanned on ShardID, starting
// from the resume keys the shard scan had reached.
type VirtualScan struct {
	PID     int32
	ShardID int32
	Table   TableInfo
	// FirstBatch is set until the first request for the virtual scan has been
	// answered.
	FirstBatch bool
}

// PartitionInfo is the per-partition resume record of a sorting partition
// union.
type PartitionInfo struct {
	PID    int32
	Done   bool
	Tables []TableInfo
}

// StreamState is the client-side record of one remote result stream of a
// receive operator. Results received but not yet consumed travel with the
// state so that the continuation never has to re-fetch them.
type StreamState struct {
	// Target is the partition or shard the stream sends requests to.
	Target int32
	// ShardTarget is set if Target is a shard.
	ShardTarget bool
	// VirtualPID is the partition a virtual scan stream is restricted to,
	// or NoPartition.
	VirtualPID int32
	Done       bool
	Info       *Info
	Buffered   []value.Value
}

// ReceiveState is the client-side state of one receive operator.
type ReceiveState struct {
	// Started is set once the initial requests have been sent.
	Started bool
	// NextTarget is the next shard to contact in sequential mode.
	NextTarget int32
	// SortPhase1 is set while the sequential sorting protocol is still
	// resolving partitions.
	SortPhase1 bool
	// Phase1 is the resume info of the shard being resolved in phase 1.
	Phase1 *Info
	// Shards are the targets a sequential receive visits, in order: shards,
	// or partitions for a receive over all partitions.
	Shards []int32
	// TopoSeq is the topology sequence number the receive started at.
	TopoSeq int32
	Streams []StreamState
	// SeenKeys holds the encoded primary keys already returned, for
	// duplicate elimination.
	SeenKeys [][]byte
}

// Info is the serializable checkpoint of a suspended query execution.
//
// The server-side fields are filled in by the server that executed the last
// batch and sent back verbatim with the next request. The client-side fields
// (Receivers) never leave the client except inside a continuation token.
type Info struct {
	// NumResultsComputed is the number of results produced so far.
	NumResultsComputed int64
	// CurrentPID is the partition a partition union was scanning.
	CurrentPID int32
	// PartitionsDone holds the partitions that are exhausted.
	PartitionsDone Bitmap
	// IsInSortPhase1 is set while a sorting partition union has not yet
	// resolved every partition of the store.
	IsInSortPhase1 bool
	// TotalReadKB is the number of KB read by all batches so far.
	TotalReadKB int64
	// Offset is the number of results the OFFSET clause skipped so far.
	Offset int64
	// Tables has one record per table of the scan.
	Tables []TableInfo
	// GBTuple is the partial group of a grouping SFW, when a batch ends in
	// the middle of a group.
	GBTuple []value.Value
	// VirtualScans are the partitions that migrated away from a shard
	// while it was being scanned.
	VirtualScans []VirtualScan
	// BaseTopoSeq is the topology sequence number a shard scan is pinned
	// to; zero if none.
	BaseTopoSeq int32
	// Partitions are the per-partition records of a sorting partition
	// union.
	Partitions []PartitionInfo
	// Receivers maps the state slot of each receive operator to its state.
	Receivers map[int32]*ReceiveState
}

// NewInfo returns a fresh Info for a scan over numTables tables.
func NewInfo(numTables int) *Info {
	return &Info{
		CurrentPID: NoPartition,
		Tables:     make([]TableInfo, numTables),
	}
}

// Table returns the record of table i, growing Tables if needed.
func (r *Info) Table(i int) *TableInfo {
	for len(r.Tables) <= i {
		r.Tables = append(r.Tables, TableInfo{})
	}
	return &r.Tables[i]
}

// ResetTables clears every table record.
func (r *Info) ResetTables() {
	for i := range r.Tables {
		r.Tables[i].Reset()
	}
}

// Reset returns the info to its initial state, keeping the number of
// tables.
func (r *Info) Reset() {
	n := len(r.Tables)
	*r = Info{CurrentPID: NoPartition, Tables: make([]TableInfo, n)}
}

// Partition returns the record of partition pid, adding one if needed.
func (r *Info) Partition(pid int32) *PartitionInfo {
	for i := range r.Partitions {
		if r.Partitions[i].PID == pid {
			return &r.Partitions[i]
		}
	}
	r.Partitions = append(r.Partitions, PartitionInfo{PID: pid})
	return &r.Partitions[len(r.Partitions)-1]
}

// AddVirtualScan records a migrated partition. A second record for the
// same partition replaces the first.
func (r *Info) AddVirtualScan(vs VirtualScan) {
	for i := range r.VirtualScans {
		if r.VirtualScans[i].PID == vs.PID {
			r.VirtualScans[i] = vs
			return
		}
	}
	r.VirtualScans = append(r.VirtualScans, vs)
}

// Receiver returns the state of the receive operator at slot pos, adding
// one if needed.
func (r *Info) Receiver(pos int32) *ReceiveState {
	if r.Receivers == nil {
		r.Receivers = make(map[int32]*ReceiveState)
	}
	st, ok := r.Receivers[pos]
	if !ok {
		st = &ReceiveState{}
		r.Receivers[pos] = st
	}
	return st
}

// Refresh merges the resume info returned by a server into r. The
// server's view of the scan position and counters replaces the local one;
// the done bitmap and the virtual scans accumulate.
func (r *Info) Refresh(from *Info) {
	r.NumResultsComputed = from.NumResultsComputed
	r.Offset = from.Offset
	r.CurrentPID = from.CurrentPID
	r.PartitionsDone.UnionWith(from.PartitionsDone)
	r.IsInSortPhase1 = from.IsInSortPhase1
	r.TotalReadKB = from.TotalReadKB
	r.Tables = r.Tables[:0]
	for _, t := range from.Tables {
		r.Tables = append(r.Tables, t.Clone())
	}
	r.GBTuple = copyValues(from.GBTuple)
	r.BaseTopoSeq = from.BaseTopoSeq
	r.Partitions = r.Partitions[:0]
	for _, p := range from.Partitions {
		r.Partitions = append(r.Partitions, p.copy())
	}
	for _, vs := range from.VirtualScans {
		r.AddVirtualScan(vs.copy())
	}
}

// Copy returns a deep copy of r.
func (r *Info) Copy() *Info {
	if r == nil {
		return nil
	}
	c := *r
	c.PartitionsDone = r.PartitionsDone.Copy()
	c.Tables = nil
	for _, t := range r.Tables {
		c.Tables = append(c.Tables, t.Clone())
	}
	c.GBTuple = copyValues(r.GBTuple)
	c.VirtualScans = nil
	for _, vs := range r.VirtualScans {
		c.VirtualScans = append(c.VirtualScans, vs.copy())
	}
	c.Partitions = nil
	for _, p := range r.Partitions {
		c.Partitions = append(c.Partitions, p.copy())
	}
	c.Receivers = nil
	for pos, st := range r.Receivers {
		if c.Receivers == nil {
			c.Receivers = make(map[int32]*ReceiveState, len(r.Receivers))
		}
		c.Receivers[pos] = st.copy()
	}
	return &c
}

func (vs VirtualScan) copy() VirtualScan {
	vs.Table = vs.Table.Clone()
	return vs
}

func (p PartitionInfo) copy() PartitionInfo {
	tables := p.Tables
	p.Tables = nil
	for _, t := range tables {
		p.Tables = append(p.Tables, t.Clone())
	}
	return p
}

func (s *ReceiveState) copy() *ReceiveState {
	c := *s
	c.Phase1 = s.Phase1.Copy()
	c.Shards = append([]int32(nil), s.Shards...)
	c.Streams = nil
	for _, st := range s.Streams {
		st.Info = st.Info.Copy()
		st.Buffered = copyValues(st.Buffered)
		c.Streams = append(c.Streams, st)
	}
	c.SeenKeys = nil
	for _, k := range s.SeenKeys {
		c.SeenKeys = append(c.SeenKeys, cloneBytes(k))
	}
	return &c
}

// SafeFormat implements the redact.SafeFormatter interface. Resume keys are
// rendered as unsafe data.
func (r *Info) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("results=%d pid=%d done=%s", r.NumResultsComputed, r.CurrentPID,
		redact.SafeString(r.PartitionsDone.String()))
	if r.IsInSortPhase1 {
		w.SafeString(" phase1")
	}
	if r.Offset > 0 {
		w.Printf(" offset=%d", r.Offset)
	}
	for i := range r.Tables {
		t := &r.Tables[i]
		if !t.HasResumeKey() && t.CurrentIndexRange == 0 {
			continue
		}
		w.Printf(" t%d(range=%d prim=%x sec=%x", i, t.CurrentIndexRange, t.PrimResumeKey, t.SecResumeKey)
		if t.MoveAfterResumeKey {
			w.SafeString(" after")
		}
		w.SafeRune(')')
	}
	if len(r.GBTuple) > 0 {
		w.Printf(" gb=%s", value.FormatValues(r.GBTuple))
	}
	for _, vs := range r.VirtualScans {
		w.Printf(" vs(pid=%d shard=%d)", vs.PID, vs.ShardID)
	}
	if r.BaseTopoSeq != 0 {
		w.Printf(" topo=%d", r.BaseTopoSeq)
	}
}

func (r *Info) String() string { return redact.StringWithoutMarkers(r) }

var _ fmt.Stringer = (*Info)(nil)

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

func copyValues(vals []value.Value) []value.Value {
	if vals == nil {
		return nil
	}
	res := make([]value.Value, len(vals))
	for i, v := range vals {
		res[i] = value.Copy(v)
	}
	return res
}
