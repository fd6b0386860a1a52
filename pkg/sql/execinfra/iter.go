// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package execinfra

import (
	"context"

	"github.com/cockroachdb/kvquery/pkg/sql/execerror"
)

// PlanIter is a node of a query plan. Plans are immutable trees that may be
// run by many executions at once: everything an iterator changes while it
// runs lives in the RuntimeControlBlock of the execution, in the iterator's
// result register and in its state slot.
//
// The protocol is Open, then Next until it returns false, then Close. Reset
// returns an open iterator to the state it had right after Open, so that it
// can produce its results again (possibly different ones, if it depends on
// registers set by an ancestor). Close must be idempotent.
//
// Next returns true when the iterator placed a new result in its result
// register. It returns false when there are no more results or, at a
// server, when the batch is being suspended; the two cases are told apart by
// RuntimeControlBlock.ReachedLimit. In asynchronous mode Next may return
// execerror.ErrResultPending, in which case it must be called again once
// the control block publishes a completion.
type PlanIter interface {
	Kind() IterKind
	// ResultReg is the register holding the iterator's current result.
	ResultReg() int
	// StatePos is the iterator's state slot.
	StatePos() int
	// Location is the position of the iterator's expression in the query
	// text.
	Location() execerror.Location

	Open(ctx context.Context, rcb *RuntimeControlBlock) error
	Next(ctx context.Context, rcb *RuntimeControlBlock) (bool, error)
	Reset(ctx context.Context, rcb *RuntimeControlBlock) error
	Close(ctx context.Context, rcb *RuntimeControlBlock) error

	// Children returns the child iterators, for display and serialization.
	Children() []PlanIter
	// DisplayContent adds the iterator's attributes to an EXPLAIN tree.
	DisplayContent(d *Display)
	// WriteTo writes the kind-specific fields of the iterator. The kind tag
	// and the fields of IterBase are written by WritePlanIter.
	WriteTo(w *Writer) error
}

// IterBase holds the fields common to every iterator.
type IterBase struct {
	IKind IterKind
	Reg   int
	Pos   int
	Loc   execerror.Location
}

// MakeIterBase returns an IterBase.
func MakeIterBase(kind IterKind, reg, pos int, loc execerror.Location) IterBase {
	return IterBase{IKind: kind, Reg: reg, Pos: pos, Loc: loc}
}

// Kind is part of the PlanIter interface.
func (b *IterBase) Kind() IterKind { return b.IKind }

// ResultReg is part of the PlanIter interface.
func (b *IterBase) ResultReg() int { return b.Reg }

// StatePos is part of the PlanIter interface.
func (b *IterBase) StatePos() int { return b.Pos }

// Location is part of the PlanIter interface.
func (b *IterBase) Location() execerror.Location { return b.Loc }

// StateFlag is the lifecycle state of an iterator in one execution.
type StateFlag int8

// The lifecycle states.
const (
	StateOpen StateFlag = iota
	StateRunning
	StateDone
	StateClosed
)

// IterState is the per-execution state of an iterator. Implementations embed
// StateBase.
type IterState interface {
	base() *StateBase
}

// StateBase is the part of every iterator state that tracks its lifecycle.
type StateBase struct {
	flag StateFlag
}

func (s *StateBase) base() *StateBase { return s }

// IsOpen returns true if the iterator was opened or reset and has not
// produced anything yet.
func (s *StateBase) IsOpen() bool { return s.flag == StateOpen }

// IsDone returns true if the iterator has no more results.
func (s *StateBase) IsDone() bool { return s.flag == StateDone }

// IsClosed returns true if the iterator was closed.
func (s *StateBase) IsClosed() bool { return s.flag == StateClosed }

// SetRunning marks the iterator as having started producing results.
func (s *StateBase) SetRunning() { s.flag = StateRunning }

// Done marks the iterator as exhausted.
func (s *StateBase) Done() { s.flag = StateDone }

// Close marks the iterator as closed.
func (s *StateBase) Close() { s.flag = StateClosed }

// Reset returns the iterator to the open state.
func (s *StateBase) Reset() { s.flag = StateOpen }

// Flag returns the lifecycle state.
func (s *StateBase) Flag() StateFlag { return s.flag }

// Plan is a compiled query plan together with the size of the register
// file and state array its executions need.
type Plan struct {
	Root      PlanIter
	NumRegs   int
	NumStates int
	// NumTables is the number of tables scanned by the plan.
	NumTables int
	// Version is the serial version the plan was decoded with, or
	// SerialVersionCurrent for plans built in memory.
	Version int16
}

// Walk calls fn on every iterator of the tree rooted at it, parents before
// children.
func Walk(it PlanIter, fn func(PlanIter)) {
	fn(it)
	for _, c := range it.Children() {
		if c != nil {
			Walk(c, fn)
		}
	}
}
