// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package rowexec

import (
	"context"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvquery/pkg/sql/execerror"
	"github.com/cockroachdb/kvquery/pkg/sql/execinfra"
	"github.com/cockroachdb/kvquery/pkg/sql/value"
)

// AggFunc is an aggregate function. The numeric values are part of the
// plan wire format.
type AggFunc uint8

// The aggregate functions.
const (
	AggCountStar AggFunc = iota + 1
	AggCount
	AggCountNumbers
	AggSum
	AggMin
	AggMax
	AggCollect
	AggCollectDistinct
)

var aggFuncNames = [...]string{
	AggCountStar:       "count(*)",
	AggCount:           "count",
	AggCountNumbers:    "count_numbers",
	AggSum:             "sum",
	AggMin:             "min",
	AggMax:             "max",
	AggCollect:         "array_collect",
	AggCollectDistinct: "array_collect_distinct",
}

func (f AggFunc) String() string {
	if int(f) < len(aggFuncNames) && aggFuncNames[f] != "" {
		return aggFuncNames[f]
	}
	return "unknown"
}

// SafeValue implements redact.SafeValue.
func (AggFunc) SafeValue() {}

// AggFuncByName is the inverse of AggFunc.String.
func AggFuncByName(name string) (AggFunc, bool) {
	for f, n := range aggFuncNames {
		if n != "" && strings.EqualFold(n, name) {
			return AggFunc(f), true
		}
	}
	return 0, false
}

var aggFuncKinds = map[AggFunc]execinfra.IterKind{
	AggCountStar:       execinfra.KindFnCountStar,
	AggCount:           execinfra.KindFnCount,
	AggCountNumbers:    execinfra.KindFnCountNumbers,
	AggSum:             execinfra.KindFnSum,
	AggMin:             execinfra.KindFnMin,
	AggMax:             execinfra.KindFnMax,
	AggCollect:         execinfra.KindFnCollect,
	AggCollectDistinct: execinfra.KindFnCollectDistinct,
}

// accumulator is the running state of one aggregate function over one
// group.
type accumulator interface {
	// add aggregates one input item.
	add(ctx context.Context, rcb *execinfra.RuntimeControlBlock, v value.Value) error
	// merge aggregates the partial result of the same function computed
	// elsewhere, e.g. by a server for a part of the group.
	merge(ctx context.Context, rcb *execinfra.RuntimeControlBlock, partial value.Value) error
	result() value.Value
	// release returns the memory charged by the accumulator.
	release(ctx context.Context, rcb *execinfra.RuntimeControlBlock)
}

func newAccumulator(fn AggFunc, loc execerror.Location) accumulator {
	switch fn {
	case AggCountStar, AggCount, AggCountNumbers:
		return &countAcc{fn: fn}
	case AggSum:
		return &sumAcc{held: heldValue{loc: loc}}
	case AggMin, AggMax:
		return &minMaxAcc{isMin: fn == AggMin, held: heldValue{loc: loc}}
	case AggCollect, AggCollectDistinct:
		return &collectAcc{distinct: fn == AggCollectDistinct, loc: loc}
	}
	panic(errors.AssertionFailedf("unknown aggregate function %d", fn))
}

// heldValue charges the memory account for the one value an accumulator
// holds, as that value changes.
type heldValue struct {
	loc execerror.Location
	mem int64
}

func (h *heldValue) resize(
	ctx context.Context, rcb *execinfra.RuntimeControlBlock, v value.Value,
) error {
	sz := value.Size(v)
	if sz == h.mem {
		return nil
	}
	if err := rcb.GrowMemory(ctx, sz-h.mem, h.loc); err != nil {
		return err
	}
	h.mem = sz
	return nil
}

func (h *heldValue) release(ctx context.Context, rcb *execinfra.RuntimeControlBlock) {
	if h.mem > 0 {
		_ = rcb.GrowMemory(ctx, -h.mem, h.loc)
		h.mem = 0
	}
}

type countAcc struct {
	fn AggFunc
	n  int64
}

func (a *countAcc) add(_ context.Context, _ *execinfra.RuntimeControlBlock, v value.Value) error {
	switch a.fn {
	case AggCountStar:
		a.n++
	case AggCount:
		if k := v.Kind(); k != value.KindNull && k != value.KindEmpty {
			a.n++
		}
	case AggCountNumbers:
		if v.Kind().IsNumeric() {
			a.n++
		}
	}
	return nil
}

func (a *countAcc) merge(_ context.Context, _ *execinfra.RuntimeControlBlock, partial value.Value) error {
	n, ok := value.Int64(partial)
	if !ok {
		return errors.AssertionFailedf("partial count is a %s", partial.Kind())
	}
	a.n += n
	return nil
}

func (a *countAcc) result() value.Value { return value.DLong(a.n) }

func (a *countAcc) release(context.Context, *execinfra.RuntimeControlBlock) {}

// sumAcc sums numeric items. The type of the sum widens as items come in:
// LONG, then DOUBLE when a floating point item is seen, then NUMBER when a
// NUMBER item is seen or a LONG sum overflows. A sum over no numeric items
// is NULL.
type sumAcc struct {
	kind value.Kind
	l    int64
	d    float64
	n    apd.Decimal
	held heldValue
}

func (a *sumAcc) add(ctx context.Context, rcb *execinfra.RuntimeControlBlock, v value.Value) error {
	if !v.Kind().IsNumeric() {
		return nil
	}
	if err := a.addNumeric(v); err != nil {
		return err
	}
	return a.held.resize(ctx, rcb, a.result())
}

func (a *sumAcc) addNumeric(v value.Value) error {
	switch k := v.Kind(); {
	case k.IsIntegral():
		i, _ := value.Int64(v)
		switch a.kind {
		case 0, value.KindLong:
			a.kind = value.KindLong
			sum, overflow := addInt64(a.l, i)
			if !overflow {
				a.l = sum
				return nil
			}
			a.n.SetInt64(a.l)
			a.kind = value.KindNumber
			return a.addDecimal(apd.New(i, 0))
		case value.KindDouble:
			a.d += float64(i)
		case value.KindNumber:
			return a.addDecimal(apd.New(i, 0))
		}
	case k.IsFloating():
		f := value.ToFloat64(v)
		switch a.kind {
		case 0, value.KindLong:
			a.d = float64(a.l) + f
			a.kind = value.KindDouble
		case value.KindDouble:
			a.d += f
		case value.KindNumber:
			dec, err := value.ToDecimal(v)
			if err != nil {
				return err
			}
			return a.addDecimal(dec)
		}
	default:
		dec, err := value.ToDecimal(v)
		if err != nil {
			return err
		}
		switch a.kind {
		case 0, value.KindLong:
			a.n.SetInt64(a.l)
		case value.KindDouble:
			if _, err := a.n.SetFloat64(a.d); err != nil {
				return err
			}
		}
		a.kind = value.KindNumber
		return a.addDecimal(dec)
	}
	return nil
}

func (a *sumAcc) addDecimal(d *apd.Decimal) error {
	_, err := value.DecimalCtx.Add(&a.n, &a.n, d)
	return err
}

// addInt64 returns a+b and whether the addition overflowed.
func addInt64(a, b int64) (int64, bool) {
	s := a + b
	return s, (a >= 0) == (b >= 0) && (s >= 0) != (a >= 0)
}

func (a *sumAcc) merge(ctx context.Context, rcb *execinfra.RuntimeControlBlock, partial value.Value) error {
	return a.add(ctx, rcb, partial)
}

func (a *sumAcc) result() value.Value {
	switch a.kind {
	case value.KindLong:
		return value.DLong(a.l)
	case value.KindDouble:
		return value.DDouble(a.d)
	case value.KindNumber:
		n := &value.DNumber{}
		n.Set(&a.n)
		return n
	}
	return value.DNull
}

func (a *sumAcc) release(ctx context.Context, rcb *execinfra.RuntimeControlBlock) {
	a.held.release(ctx, rcb)
}

// minMaxAcc keeps the smallest or largest atomic item. Absent, complex and
// binary items are ignored.
type minMaxAcc struct {
	isMin bool
	v     value.Value
	held  heldValue
}

func (a *minMaxAcc) add(ctx context.Context, rcb *execinfra.RuntimeControlBlock, v value.Value) error {
	k := v.Kind()
	if !k.IsAtomic() || k.IsBinary() {
		return nil
	}
	if a.v != nil {
		c := value.CompareAtomicTotalOrder(v, a.v)
		if (a.isMin && c >= 0) || (!a.isMin && c <= 0) {
			return nil
		}
	}
	if err := a.held.resize(ctx, rcb, v); err != nil {
		return err
	}
	a.v = value.Copy(v)
	return nil
}

func (a *minMaxAcc) merge(ctx context.Context, rcb *execinfra.RuntimeControlBlock, partial value.Value) error {
	return a.add(ctx, rcb, partial)
}

func (a *minMaxAcc) result() value.Value {
	if a.v == nil {
		return value.DNull
	}
	return a.v
}

func (a *minMaxAcc) release(ctx context.Context, rcb *execinfra.RuntimeControlBlock) {
	a.held.release(ctx, rcb)
}

// collectAcc collects items into an array, optionally without duplicates.
type collectAcc struct {
	distinct bool
	loc      execerror.Location
	elems    []value.Value
	seen     map[uint64][]value.Value
	mem      int64
}

func (a *collectAcc) add(ctx context.Context, rcb *execinfra.RuntimeControlBlock, v value.Value) error {
	if k := v.Kind(); k == value.KindEmpty || k == value.KindNull {
		return nil
	}
	if a.distinct {
		h := value.Hash(v)
		for _, e := range a.seen[h] {
			if value.Equal(e, v) {
				return nil
			}
		}
		if a.seen == nil {
			a.seen = make(map[uint64][]value.Value)
		}
		v = value.Copy(v)
		a.seen[h] = append(a.seen[h], v)
	} else {
		v = value.Copy(v)
	}
	sz := value.Size(v)
	if err := rcb.GrowMemory(ctx, sz, a.loc); err != nil {
		return err
	}
	a.mem += sz
	a.elems = append(a.elems, v)
	return nil
}

func (a *collectAcc) merge(ctx context.Context, rcb *execinfra.RuntimeControlBlock, partial value.Value) error {
	arr, ok := partial.(*value.DArray)
	if !ok {
		return a.add(ctx, rcb, partial)
	}
	for _, e := range arr.Elems {
		if err := a.add(ctx, rcb, e); err != nil {
			return err
		}
	}
	return nil
}

func (a *collectAcc) result() value.Value {
	return value.NewArray(append([]value.Value(nil), a.elems...)...)
}

func (a *collectAcc) release(ctx context.Context, rcb *execinfra.RuntimeControlBlock) {
	if a.mem > 0 {
		_ = rcb.GrowMemory(ctx, -a.mem, a.loc)
		a.mem = 0
	}
	a.elems, a.seen = nil, nil
}

// aggregator is implemented by the aggregate function iterators used in
// the SELECT list of a grouping SFW. Next accumulates the items its input
// produces for the current row; the SFW asks for the aggregate at group
// boundaries.
type aggregator interface {
	execinfra.PlanIter
	// aggrValue returns the aggregate of the rows accumulated so far and, if
	// reset is set, starts a new group.
	aggrValue(ctx context.Context, rcb *execinfra.RuntimeControlBlock, reset bool) value.Value
	// initAggrValue starts a new group seeded with a partial aggregate.
	initAggrValue(ctx context.Context, rcb *execinfra.RuntimeControlBlock, partial value.Value) error
}

// aggrFuncIter implements every aggregate function. With merge set its
// input produces partial aggregates rather than items.
type aggrFuncIter struct {
	execinfra.IterBase
	fn    AggFunc
	input execinfra.PlanIter
	merge bool
}

var _ aggregator = &aggrFuncIter{}

type aggrFuncState struct {
	execinfra.StateBase
	acc accumulator
}

func (it *aggrFuncIter) Open(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	rcb.SetState(it.Pos, &aggrFuncState{acc: newAccumulator(it.fn, it.Loc)})
	if it.input == nil {
		return nil
	}
	return it.input.Open(ctx, rcb)
}

func (it *aggrFuncIter) Next(ctx context.Context, rcb *execinfra.RuntimeControlBlock) (bool, error) {
	s := execinfra.GetState[*aggrFuncState](rcb, it.Pos)
	if it.input == nil {
		return true, s.acc.add(ctx, rcb, value.DNull)
	}
	for {
		more, err := it.input.Next(ctx, rcb)
		if err != nil {
			return false, err
		}
		if !more {
			break
		}
		v := rcb.Reg(it.input.ResultReg())
		if it.merge {
			err = s.acc.merge(ctx, rcb, v)
		} else {
			err = s.acc.add(ctx, rcb, v)
		}
		if err != nil {
			return false, err
		}
	}
	return true, it.input.Reset(ctx, rcb)
}

func (it *aggrFuncIter) aggrValue(
	ctx context.Context, rcb *execinfra.RuntimeControlBlock, reset bool,
) value.Value {
	s := execinfra.GetState[*aggrFuncState](rcb, it.Pos)
	res := s.acc.result()
	if reset {
		s.acc.release(ctx, rcb)
		s.acc = newAccumulator(it.fn, it.Loc)
	}
	return res
}

func (it *aggrFuncIter) initAggrValue(
	ctx context.Context, rcb *execinfra.RuntimeControlBlock, partial value.Value,
) error {
	s := execinfra.GetState[*aggrFuncState](rcb, it.Pos)
	s.acc.release(ctx, rcb)
	s.acc = newAccumulator(it.fn, it.Loc)
	if partial.Kind() == value.KindNull {
		return nil
	}
	return s.acc.merge(ctx, rcb, partial)
}

func (it *aggrFuncIter) Reset(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	s := execinfra.GetState[*aggrFuncState](rcb, it.Pos)
	s.Reset()
	s.acc.release(ctx, rcb)
	s.acc = newAccumulator(it.fn, it.Loc)
	if it.input == nil {
		return nil
	}
	return it.input.Reset(ctx, rcb)
}

func (it *aggrFuncIter) Close(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	if s, ok := rcb.State(it.Pos).(*aggrFuncState); ok && rcb.CloseState(it.Pos) {
		s.acc.release(ctx, rcb)
	}
	if it.input == nil {
		return nil
	}
	return it.input.Close(ctx, rcb)
}

func (it *aggrFuncIter) Children() []execinfra.PlanIter {
	if it.input == nil {
		return nil
	}
	return []execinfra.PlanIter{it.input}
}

func (it *aggrFuncIter) DisplayContent(d *execinfra.Display) {
	if it.merge {
		d.Flag("merge")
	}
}

func (it *aggrFuncIter) WriteTo(w *execinfra.Writer) error {
	w.WriteBool(it.merge)
	if it.fn != AggCountStar {
		w.WriteIter(it.input)
	}
	return w.Err()
}

func init() {
	for fn, kind := range aggFuncKinds {
		fn := fn
		execinfra.RegisterIterDecoder(kind, func(r *execinfra.Reader, base execinfra.IterBase) (execinfra.PlanIter, error) {
			it := &aggrFuncIter{IterBase: base, fn: fn, merge: r.ReadBool()}
			if fn != AggCountStar {
				it.input = r.ReadIter()
			}
			return it, r.Err()
		})
	}
}
