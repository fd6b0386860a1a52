// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package rowexec

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvquery/pkg/sql/execinfra"
	"github.com/cockroachdb/kvquery/pkg/sql/value"
)

// groupIter groups the records produced by its input on their first
// numGBColumns fields and aggregates the remaining fields, one function per
// field. Its input does not need to be sorted.
//
// Without aggregate functions the iterator streams: a record is returned
// the first time its group is seen and dropped afterwards. Otherwise the
// groups are accumulated in a hash table and returned once the input is
// exhausted, or at a server once the table holds a batch worth of groups;
// the partial groups returned by a server are merged again by a group
// iterator at the client.
type groupIter struct {
	execinfra.IterBase
	input        execinfra.PlanIter
	numGBColumns int
	columnNames  []string
	funcs        []AggFunc
	// merge is set if the aggregated fields are partial aggregates.
	merge bool

	def *value.RecordDef
}

type groupEntry struct {
	gb   []value.Value
	accs []accumulator
}

type groupState struct {
	execinfra.StateBase
	groups   map[uint64][]*groupEntry
	order    []*groupEntry
	drainPos int
	draining bool
	mem      int64
}

func newGroupIter(
	base execinfra.IterBase,
	input execinfra.PlanIter,
	numGBColumns int,
	columnNames []string,
	funcs []AggFunc,
	merge bool,
) *groupIter {
	return &groupIter{
		IterBase:     base,
		input:        input,
		numGBColumns: numGBColumns,
		columnNames:  columnNames,
		funcs:        funcs,
		merge:        merge,
		def:          value.NewRecordDef("", columnNames...),
	}
}

func (it *groupIter) Open(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	rcb.SetState(it.Pos, &groupState{groups: make(map[uint64][]*groupEntry)})
	return it.input.Open(ctx, rcb)
}

func (it *groupIter) Next(ctx context.Context, rcb *execinfra.RuntimeControlBlock) (bool, error) {
	s := execinfra.GetState[*groupState](rcb, it.Pos)
	if s.IsDone() {
		return false, nil
	}
	if s.draining {
		return it.drainNext(rcb, s), nil
	}
	for {
		more, err := it.input.Next(ctx, rcb)
		if err != nil {
			return false, err
		}
		if !more {
			if len(it.funcs) == 0 {
				s.Done()
				return false, nil
			}
			// The drain must not be cut by a suspend: the groups live only in
			// this iterator's state.
			s.draining = true
			rcb.EnterNoSuspend()
			return it.drainNext(rcb, s), nil
		}
		in := rcb.Reg(it.input.ResultReg())
		_, fields, ok := value.RecordFields(in)
		if !ok || len(fields) != it.numGBColumns+len(it.funcs) {
			return false, errors.AssertionFailedf("group input is not a record of %d fields: %s",
				it.numGBColumns+len(it.funcs), in)
		}
		gb := fields[:it.numGBColumns]
		skip := false
		for _, v := range gb {
			if v.Kind() == value.KindEmpty {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		h := value.HashValues(gb)
		var e *groupEntry
		for _, cand := range s.groups[h] {
			if value.EqualValues(cand.gb, gb) {
				e = cand
				break
			}
		}
		if e == nil {
			e = &groupEntry{gb: make([]value.Value, len(gb))}
			for i, v := range gb {
				e.gb[i] = value.Copy(v)
			}
			sz := value.SizeOfValues(e.gb) + int64(48*len(it.funcs))
			if err := rcb.GrowMemory(ctx, sz, it.Loc); err != nil {
				return false, err
			}
			s.mem += sz
			for _, fn := range it.funcs {
				e.accs = append(e.accs, newAccumulator(fn, it.Loc))
			}
			s.groups[h] = append(s.groups[h], e)
			s.order = append(s.order, e)
			if len(it.funcs) == 0 {
				rcb.SetReg(it.Reg, value.NewRecord(it.def, append([]value.Value(nil), e.gb...)...))
				return true, nil
			}
			if rcb.IsServer() && rcb.Limits.BatchSize > 0 && len(s.order) >= rcb.Limits.BatchSize {
				rcb.SetNeedToSuspend()
			}
		}
		for i, acc := range e.accs {
			v := fields[it.numGBColumns+i]
			if it.merge {
				err = acc.merge(ctx, rcb, v)
			} else {
				err = acc.add(ctx, rcb, v)
			}
			if err != nil {
				return false, err
			}
		}
	}
}

func (it *groupIter) drainNext(rcb *execinfra.RuntimeControlBlock, s *groupState) bool {
	if s.drainPos >= len(s.order) {
		it.stopDraining(rcb, s)
		s.Done()
		return false
	}
	e := s.order[s.drainPos]
	s.drainPos++
	vals := make([]value.Value, 0, len(it.columnNames))
	vals = append(vals, e.gb...)
	for _, acc := range e.accs {
		vals = append(vals, acc.result())
	}
	rcb.SetReg(it.Reg, value.NewRecord(it.def, vals...))
	return true
}

func (it *groupIter) stopDraining(rcb *execinfra.RuntimeControlBlock, s *groupState) {
	if s.draining {
		s.draining = false
		rcb.ExitNoSuspend()
	}
}

func (it *groupIter) release(ctx context.Context, rcb *execinfra.RuntimeControlBlock, s *groupState) {
	it.stopDraining(rcb, s)
	for _, e := range s.order {
		for _, acc := range e.accs {
			acc.release(ctx, rcb)
		}
	}
	if s.mem > 0 {
		_ = rcb.GrowMemory(ctx, -s.mem, it.Loc)
	}
	s.groups = make(map[uint64][]*groupEntry)
	s.order = nil
	s.drainPos = 0
	s.mem = 0
}

func (it *groupIter) Reset(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	s := execinfra.GetState[*groupState](rcb, it.Pos)
	it.release(ctx, rcb, s)
	s.Reset()
	return it.input.Reset(ctx, rcb)
}

func (it *groupIter) Close(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	if s, ok := rcb.State(it.Pos).(*groupState); ok && !s.IsClosed() {
		it.release(ctx, rcb, s)
		rcb.CloseState(it.Pos)
	}
	return it.input.Close(ctx, rcb)
}

func (it *groupIter) Children() []execinfra.PlanIter { return []execinfra.PlanIter{it.input} }

func (it *groupIter) DisplayContent(d *execinfra.Display) {
	d.Attr("gb", it.numGBColumns)
	if len(it.funcs) > 0 {
		d.Attr("funcs", fmt.Sprint(it.funcs))
	}
	if it.merge {
		d.Flag("merge")
	}
}

func (it *groupIter) WriteTo(w *execinfra.Writer) error {
	w.WriteInt(int64(it.numGBColumns))
	w.WriteStrings(it.columnNames)
	w.WriteUint(uint64(len(it.funcs)))
	for _, fn := range it.funcs {
		w.WriteUint(uint64(fn))
	}
	w.WriteBool(it.merge)
	w.WriteIter(it.input)
	return w.Err()
}

func init() {
	execinfra.RegisterIterDecoder(execinfra.KindGroup, func(r *execinfra.Reader, base execinfra.IterBase) (execinfra.PlanIter, error) {
		numGB := int(r.ReadInt())
		names := r.ReadStrings()
		n := int(r.ReadUint())
		if r.Err() == nil && n > len(names) {
			return nil, errors.Newf("group iterator has %d functions for %d columns", n, len(names))
		}
		funcs := make([]AggFunc, 0, n)
		for i := 0; i < n && r.Err() == nil; i++ {
			fn := AggFunc(r.ReadUint())
			if _, ok := aggFuncKinds[fn]; !ok && r.Err() == nil {
				return nil, errors.Newf("unknown aggregate function %d", fn)
			}
			funcs = append(funcs, fn)
		}
		merge := r.ReadBool()
		input := r.ReadIter()
		if r.Err() != nil {
			return nil, r.Err()
		}
		return newGroupIter(base, input, numGB, names, funcs, merge), nil
	})
}
