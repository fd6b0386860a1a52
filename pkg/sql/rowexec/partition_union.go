// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package rowexec

import (
	"context"

	"github.com/cockroachdb/kvquery/pkg/sql/execerror"
	"github.com/cockroachdb/kvquery/pkg/sql/execinfra"
	"github.com/cockroachdb/kvquery/pkg/sql/resume"
	"github.com/cockroachdb/kvquery/pkg/util/log"
)

// partitionUnionIter runs its input once per partition of the local shard
// and returns the union of the results, each tagged with its partition
// through RuntimeControlBlock.CurrentPID.
//
// Without sorting, the partitions are scanned one after the other in
// increasing order; the resume info remembers the partition in progress
// and the exhausted ones.
//
// With sorting, the receive at the client merges the results of every
// partition and needs the head of each of them before it can return
// anything. In phase 1 a shard request returns at most the first result
// of each unresolved partition, recording where its scan stopped, or
// marks it exhausted. The client then fetches the rest of every
// partition with partition requests (phase 2), which this iterator serves
// like the unsorted case restricted to the target partition.
//
// The input must not carry a LIMIT: a limit counted across the partitions
// of one request would cut phase 1 short.
type partitionUnionIter struct {
	execinfra.IterBase
	input   execinfra.PlanIter
	sorting bool
}

var _ execinfra.PlanIter = &partitionUnionIter{}

type partitionUnionState struct {
	execinfra.StateBase
	parts  []int32
	idx    int
	active bool
}

func (it *partitionUnionIter) Open(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	rcb.SetState(it.Pos, &partitionUnionState{})
	// The scans below wait for a partition to be picked.
	rcb.ScanPartitions = []int32{}
	return it.input.Open(ctx, rcb)
}

func (it *partitionUnionIter) partitions(
	ctx context.Context, rcb *execinfra.RuntimeControlBlock,
) ([]int32, error) {
	if pid := rcb.TargetPID; pid != resume.NoPartition {
		return []int32{pid}, nil
	}
	ri := rcb.ResumeInfo()
	return shardPartitions(ctx, rcb, func(pid int32) resume.TableInfo {
		if pid == ri.CurrentPID && len(ri.Tables) > 0 {
			return ri.Tables[0].Clone()
		}
		return resume.TableInfo{}
	})
}

func (it *partitionUnionIter) Next(ctx context.Context, rcb *execinfra.RuntimeControlBlock) (bool, error) {
	s := execinfra.GetState[*partitionUnionState](rcb, it.Pos)
	if s.IsDone() {
		return false, nil
	}
	if s.parts == nil {
		parts, err := it.partitions(ctx, rcb)
		if err != nil {
			return false, err
		}
		s.parts = parts
	}
	if it.sorting && rcb.TargetPID == resume.NoPartition {
		return it.nextPhase1(ctx, rcb, s)
	}
	return it.nextSimple(ctx, rcb, s)
}

func (it *partitionUnionIter) checkHosted(rcb *execinfra.RuntimeControlBlock, pid int32) error {
	if rcb.Store.HostsPartition(pid) {
		return nil
	}
	return execerror.NewPartitionMovedError(pid, rcb.TargetPID != resume.NoPartition)
}

// startPartition points the input at partition pid.
func (it *partitionUnionIter) startPartition(
	ctx context.Context, rcb *execinfra.RuntimeControlBlock, pid int32,
) error {
	if err := it.checkHosted(rcb, pid); err != nil {
		return err
	}
	rcb.ScanPartitions = []int32{pid}
	return it.input.Reset(ctx, rcb)
}

func (it *partitionUnionIter) emit(rcb *execinfra.RuntimeControlBlock, pid int32) {
	rcb.CurrentPID = pid
	rcb.SetReg(it.Reg, rcb.Reg(it.input.ResultReg()))
}

func (it *partitionUnionIter) nextSimple(
	ctx context.Context, rcb *execinfra.RuntimeControlBlock, s *partitionUnionState,
) (bool, error) {
	ri := rcb.ResumeInfo()
	for {
		if !s.active {
			for s.idx < len(s.parts) && ri.PartitionsDone.Contains(s.parts[s.idx]) {
				s.idx++
			}
			if s.idx >= len(s.parts) {
				ri.CurrentPID = resume.NoPartition
				s.Done()
				return false, nil
			}
			pid := s.parts[s.idx]
			if pid != ri.CurrentPID {
				ri.ResetTables()
				ri.CurrentPID = pid
			}
			if err := it.startPartition(ctx, rcb, pid); err != nil {
				return false, err
			}
			s.active = true
		}
		pid := s.parts[s.idx]
		more, err := it.input.Next(ctx, rcb)
		if err != nil {
			return false, err
		}
		if more {
			it.emit(rcb, pid)
			s.SetRunning()
			return true, nil
		}
		if rcb.ReachedLimit() {
			return false, nil
		}
		log.VEventf(ctx, 2, "partition %d exhausted", pid)
		ri.PartitionsDone.Set(pid)
		ri.ResetTables()
		s.active = false
		s.idx++
	}
}

func findPartition(ri *resume.Info, pid int32) *resume.PartitionInfo {
	for i := range ri.Partitions {
		if ri.Partitions[i].PID == pid {
			return &ri.Partitions[i]
		}
	}
	return nil
}

func (it *partitionUnionIter) nextPhase1(
	ctx context.Context, rcb *execinfra.RuntimeControlBlock, s *partitionUnionState,
) (bool, error) {
	ri := rcb.ResumeInfo()
	ri.IsInSortPhase1 = true
	for ; s.idx < len(s.parts); s.idx++ {
		pid := s.parts[s.idx]
		if ri.PartitionsDone.Contains(pid) || findPartition(ri, pid) != nil {
			continue
		}
		// A partition suspended by the batch budget resumes where its
		// scan stopped.
		if pid != ri.CurrentPID {
			ri.ResetTables()
			ri.CurrentPID = pid
		}
		if err := it.startPartition(ctx, rcb, pid); err != nil {
			return false, err
		}
		more, err := it.input.Next(ctx, rcb)
		if err != nil {
			return false, err
		}
		if more {
			rec := ri.Partition(pid)
			for _, t := range ri.Tables {
				rec.Tables = append(rec.Tables, t.Clone())
			}
			it.emit(rcb, pid)
			s.idx++
			s.SetRunning()
			return true, nil
		}
		if rcb.ReachedLimit() {
			return false, nil
		}
		ri.Partition(pid).Done = true
		ri.PartitionsDone.Set(pid)
	}
	ri.ResetTables()
	ri.CurrentPID = resume.NoPartition
	ri.IsInSortPhase1 = false
	s.Done()
	return false, nil
}

func (it *partitionUnionIter) Reset(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	s := execinfra.GetState[*partitionUnionState](rcb, it.Pos)
	*s = partitionUnionState{}
	rcb.ScanPartitions = []int32{}
	return it.input.Reset(ctx, rcb)
}

func (it *partitionUnionIter) Close(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	rcb.CloseState(it.Pos)
	return it.input.Close(ctx, rcb)
}

func (it *partitionUnionIter) Children() []execinfra.PlanIter {
	return []execinfra.PlanIter{it.input}
}

func (it *partitionUnionIter) DisplayContent(d *execinfra.Display) {
	if it.sorting {
		d.Flag("sorting")
	}
}

func (it *partitionUnionIter) WriteTo(w *execinfra.Writer) error {
	w.WriteBool(it.sorting)
	w.WriteIter(it.input)
	return w.Err()
}

func init() {
	execinfra.RegisterIterDecoder(execinfra.KindPartitionUnion, func(r *execinfra.Reader, base execinfra.IterBase) (execinfra.PlanIter, error) {
		it := &partitionUnionIter{IterBase: base, sorting: r.ReadBool()}
		it.input = r.ReadIter()
		return it, r.Err()
	})
}
