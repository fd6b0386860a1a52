// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package rowexec

import (
	"context"

	"github.com/cockroachdb/kvquery/pkg/sql/execerror"
	"github.com/cockroachdb/kvquery/pkg/sql/execinfra"
	"github.com/cockroachdb/kvquery/pkg/sql/value"
)

// evalSingle runs an expression iterator and returns its only result, or
// value.DEmpty if it produced nothing. More than one result is a user
// error. The caller resets the iterator.
func evalSingle(
	ctx context.Context, rcb *execinfra.RuntimeControlBlock, it execinfra.PlanIter,
) (value.Value, error) {
	more, err := it.Next(ctx, rcb)
	if err != nil {
		return nil, err
	}
	if !more {
		return value.DEmpty, nil
	}
	v := rcb.Reg(it.ResultReg())
	more, err = it.Next(ctx, rcb)
	if err != nil {
		return nil, err
	}
	if more {
		return nil, execerror.NewQueryErrorf(execerror.CodeCardinalityViolated, it.Location(),
			"expression returned more than one item")
	}
	return v, nil
}

func openAll(ctx context.Context, rcb *execinfra.RuntimeControlBlock, its []execinfra.PlanIter) error {
	for _, it := range its {
		if it == nil {
			continue
		}
		if err := it.Open(ctx, rcb); err != nil {
			return err
		}
	}
	return nil
}

func resetAll(ctx context.Context, rcb *execinfra.RuntimeControlBlock, its []execinfra.PlanIter) error {
	for _, it := range its {
		if it == nil {
			continue
		}
		if err := it.Reset(ctx, rcb); err != nil {
			return err
		}
	}
	return nil
}

// closeAll closes every iterator and returns the first error.
func closeAll(ctx context.Context, rcb *execinfra.RuntimeControlBlock, its []execinfra.PlanIter) error {
	var res error
	for _, it := range its {
		if it == nil {
			continue
		}
		if err := it.Close(ctx, rcb); err != nil && res == nil {
			res = err
		}
	}
	return res
}

// onceState is the state of the iterators that produce a single result.
type onceState struct {
	execinfra.StateBase
}

func openOnce(rcb *execinfra.RuntimeControlBlock, pos int) {
	rcb.SetState(pos, &onceState{})
}

// nextOnce returns true the first time it is called after an open or reset.
func nextOnce(rcb *execinfra.RuntimeControlBlock, pos int) bool {
	s := execinfra.GetState[*onceState](rcb, pos)
	if s.IsDone() {
		return false
	}
	s.Done()
	return true
}

func resetOnce(rcb *execinfra.RuntimeControlBlock, pos int) {
	execinfra.GetState[*onceState](rcb, pos).Reset()
}

// constIter produces a literal.
type constIter struct {
	execinfra.IterBase
	val value.Value
}

var _ execinfra.PlanIter = &constIter{}

func (it *constIter) Open(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	openOnce(rcb, it.Pos)
	return nil
}

func (it *constIter) Next(ctx context.Context, rcb *execinfra.RuntimeControlBlock) (bool, error) {
	if !nextOnce(rcb, it.Pos) {
		return false, nil
	}
	rcb.SetReg(it.Reg, it.val)
	return true, nil
}

func (it *constIter) Reset(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	resetOnce(rcb, it.Pos)
	return nil
}

func (it *constIter) Close(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	rcb.CloseState(it.Pos)
	return nil
}

func (it *constIter) Children() []execinfra.PlanIter { return nil }

func (it *constIter) DisplayContent(d *execinfra.Display) { d.Attr("value", it.val) }

func (it *constIter) WriteTo(w *execinfra.Writer) error {
	w.WriteValue(it.val)
	return w.Err()
}

// externalVarIter produces the value bound to an external variable.
type externalVarIter struct {
	execinfra.IterBase
	name string
	id   int
}

func (it *externalVarIter) Open(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	openOnce(rcb, it.Pos)
	return nil
}

func (it *externalVarIter) Next(ctx context.Context, rcb *execinfra.RuntimeControlBlock) (bool, error) {
	if !nextOnce(rcb, it.Pos) {
		return false, nil
	}
	if it.id >= len(rcb.ExternalVars) || rcb.ExternalVars[it.id] == nil {
		return false, execerror.NewQueryErrorf(execerror.CodeInvalidArgument, it.Loc,
			"external variable %s is not bound", it.name)
	}
	rcb.SetReg(it.Reg, rcb.ExternalVars[it.id])
	return true, nil
}

func (it *externalVarIter) Reset(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	resetOnce(rcb, it.Pos)
	return nil
}

func (it *externalVarIter) Close(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	rcb.CloseState(it.Pos)
	return nil
}

func (it *externalVarIter) Children() []execinfra.PlanIter { return nil }

func (it *externalVarIter) DisplayContent(d *execinfra.Display) {
	d.Attr("name", it.name)
	d.Attr("id", it.id)
}

func (it *externalVarIter) WriteTo(w *execinfra.Writer) error {
	w.WriteString(it.name)
	w.WriteInt(int64(it.id))
	return w.Err()
}

// varRefIter produces the value bound to a FROM variable. Its result
// register is the register of the binding iterator, so it only has to say
// that there is a value.
type varRefIter struct {
	execinfra.IterBase
	name string
}

func (it *varRefIter) Open(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	openOnce(rcb, it.Pos)
	return nil
}

func (it *varRefIter) Next(ctx context.Context, rcb *execinfra.RuntimeControlBlock) (bool, error) {
	if !nextOnce(rcb, it.Pos) {
		return false, nil
	}
	return rcb.Reg(it.Reg) != nil, nil
}

func (it *varRefIter) Reset(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	resetOnce(rcb, it.Pos)
	return nil
}

func (it *varRefIter) Close(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	rcb.CloseState(it.Pos)
	return nil
}

func (it *varRefIter) Children() []execinfra.PlanIter { return nil }

func (it *varRefIter) DisplayContent(d *execinfra.Display) { d.Attr("name", it.name) }

func (it *varRefIter) WriteTo(w *execinfra.Writer) error {
	w.WriteString(it.name)
	return w.Err()
}

// stepState is shared by the iterators that walk into the items of their
// input.
type stepState struct {
	execinfra.StateBase
	elems []value.Value
	idx   int
}

// fieldStepIter selects a field of each record or map produced by its
// input. Arrays are stepped into one level.
type fieldStepIter struct {
	execinfra.IterBase
	input execinfra.PlanIter
	field string
}

func (it *fieldStepIter) Open(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	rcb.SetState(it.Pos, &stepState{})
	return it.input.Open(ctx, rcb)
}

func (it *fieldStepIter) step(v value.Value) (value.Value, bool) {
	switch t := v.(type) {
	case *value.DMap:
		return t.Get(it.field)
	}
	if v.Kind() == value.KindNull {
		return value.DNull, true
	}
	def, fields, ok := value.RecordFields(v)
	if !ok {
		return nil, false
	}
	i, ok := def.FieldIndex(it.field)
	if !ok {
		return nil, false
	}
	return fields[i], true
}

func (it *fieldStepIter) Next(ctx context.Context, rcb *execinfra.RuntimeControlBlock) (bool, error) {
	s := execinfra.GetState[*stepState](rcb, it.Pos)
	if s.IsDone() {
		return false, nil
	}
	for {
		if s.idx < len(s.elems) {
			e := s.elems[s.idx]
			s.idx++
			if v, ok := it.step(e); ok {
				rcb.SetReg(it.Reg, v)
				return true, nil
			}
			continue
		}
		s.elems, s.idx = nil, 0
		more, err := it.input.Next(ctx, rcb)
		if err != nil {
			return false, err
		}
		if !more {
			s.Done()
			return false, nil
		}
		item := rcb.Reg(it.input.ResultReg())
		if arr, ok := item.(*value.DArray); ok {
			s.elems = arr.Elems
			continue
		}
		if v, ok := it.step(item); ok {
			rcb.SetReg(it.Reg, v)
			return true, nil
		}
	}
}

func (it *fieldStepIter) Reset(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	s := execinfra.GetState[*stepState](rcb, it.Pos)
	s.Reset()
	s.elems, s.idx = nil, 0
	return it.input.Reset(ctx, rcb)
}

func (it *fieldStepIter) Close(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	rcb.CloseState(it.Pos)
	return it.input.Close(ctx, rcb)
}

func (it *fieldStepIter) Children() []execinfra.PlanIter { return []execinfra.PlanIter{it.input} }

func (it *fieldStepIter) DisplayContent(d *execinfra.Display) { d.Attr("field", it.field) }

func (it *fieldStepIter) WriteTo(w *execinfra.Writer) error {
	w.WriteString(it.field)
	w.WriteIter(it.input)
	return w.Err()
}

// arrayElementsIter unnests the arrays produced by its input. Items that
// are not arrays are produced as they are; EMPTY and NULL are skipped.
type arrayElementsIter struct {
	execinfra.IterBase
	input execinfra.PlanIter
}

func (it *arrayElementsIter) Open(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	rcb.SetState(it.Pos, &stepState{})
	return it.input.Open(ctx, rcb)
}

func (it *arrayElementsIter) Next(ctx context.Context, rcb *execinfra.RuntimeControlBlock) (bool, error) {
	s := execinfra.GetState[*stepState](rcb, it.Pos)
	if s.IsDone() {
		return false, nil
	}
	for {
		if s.idx < len(s.elems) {
			rcb.SetReg(it.Reg, s.elems[s.idx])
			s.idx++
			return true, nil
		}
		s.elems, s.idx = nil, 0
		more, err := it.input.Next(ctx, rcb)
		if err != nil {
			return false, err
		}
		if !more {
			s.Done()
			return false, nil
		}
		switch item := rcb.Reg(it.input.ResultReg()).(type) {
		case *value.DArray:
			s.elems = item.Elems
		default:
			if k := item.Kind(); k == value.KindEmpty || k == value.KindNull {
				continue
			}
			rcb.SetReg(it.Reg, item)
			return true, nil
		}
	}
}

func (it *arrayElementsIter) Reset(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	s := execinfra.GetState[*stepState](rcb, it.Pos)
	s.Reset()
	s.elems, s.idx = nil, 0
	return it.input.Reset(ctx, rcb)
}

func (it *arrayElementsIter) Close(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	rcb.CloseState(it.Pos)
	return it.input.Close(ctx, rcb)
}

func (it *arrayElementsIter) Children() []execinfra.PlanIter {
	return []execinfra.PlanIter{it.input}
}

func (it *arrayElementsIter) DisplayContent(d *execinfra.Display) {}

func (it *arrayElementsIter) WriteTo(w *execinfra.Writer) error {
	w.WriteIter(it.input)
	return w.Err()
}

// compOpIter compares the single items produced by its operands. A NULL
// operand makes the result NULL; an operand that produces nothing takes
// part in the comparison as EMPTY.
type compOpIter struct {
	execinfra.IterBase
	op          value.CompOp
	left, right execinfra.PlanIter
}

func (it *compOpIter) Open(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	openOnce(rcb, it.Pos)
	return openAll(ctx, rcb, it.Children())
}

func (it *compOpIter) Next(ctx context.Context, rcb *execinfra.RuntimeControlBlock) (bool, error) {
	if !nextOnce(rcb, it.Pos) {
		return false, nil
	}
	l, err := evalSingle(ctx, rcb, it.left)
	if err != nil {
		return false, err
	}
	r, err := evalSingle(ctx, rcb, it.right)
	if err != nil {
		return false, err
	}
	res := value.Compare(l, r, it.op, false /* forSort */)
	if res.HaveNull {
		rcb.SetReg(it.Reg, value.DNull)
	} else {
		rcb.SetReg(it.Reg, value.DBool(it.op.Eval(res)))
	}
	return true, nil
}

func (it *compOpIter) Reset(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	resetOnce(rcb, it.Pos)
	return resetAll(ctx, rcb, it.Children())
}

func (it *compOpIter) Close(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	rcb.CloseState(it.Pos)
	return closeAll(ctx, rcb, it.Children())
}

func (it *compOpIter) Children() []execinfra.PlanIter {
	return []execinfra.PlanIter{it.left, it.right}
}

func (it *compOpIter) DisplayContent(d *execinfra.Display) { d.Attr("op", it.op) }

func (it *compOpIter) WriteTo(w *execinfra.Writer) error {
	w.WriteUint(uint64(it.op))
	w.WriteIter(it.left)
	w.WriteIter(it.right)
	return w.Err()
}

// andOrIter evaluates AND or OR with three-valued logic. An operand that
// produces nothing counts as false.
type andOrIter struct {
	execinfra.IterBase
	isAnd bool
	args  []execinfra.PlanIter
}

func (it *andOrIter) Open(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	openOnce(rcb, it.Pos)
	return openAll(ctx, rcb, it.args)
}

func (it *andOrIter) Next(ctx context.Context, rcb *execinfra.RuntimeControlBlock) (bool, error) {
	if !nextOnce(rcb, it.Pos) {
		return false, nil
	}
	haveNull := false
	for _, arg := range it.args {
		v, err := evalSingle(ctx, rcb, arg)
		if err != nil {
			return false, err
		}
		var b bool
		switch v.Kind() {
		case value.KindEmpty:
		case value.KindNull, value.KindJSONNull:
			haveNull = true
			continue
		case value.KindBoolean:
			b = bool(v.(value.DBool))
		default:
			return false, execerror.NewQueryErrorf(execerror.CodeIncompatibleTypes, arg.Location(),
				"operand of %s is not a boolean: %s", it.opName(), v.Kind())
		}
		if b != it.isAnd {
			rcb.SetReg(it.Reg, value.DBool(b))
			return true, nil
		}
	}
	if haveNull {
		rcb.SetReg(it.Reg, value.DNull)
	} else {
		rcb.SetReg(it.Reg, value.DBool(it.isAnd))
	}
	return true, nil
}

func (it *andOrIter) opName() string {
	if it.isAnd {
		return "AND"
	}
	return "OR"
}

func (it *andOrIter) Reset(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	resetOnce(rcb, it.Pos)
	return resetAll(ctx, rcb, it.args)
}

func (it *andOrIter) Close(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	rcb.CloseState(it.Pos)
	return closeAll(ctx, rcb, it.args)
}

func (it *andOrIter) Children() []execinfra.PlanIter { return it.args }

func (it *andOrIter) DisplayContent(d *execinfra.Display) { d.Flag(it.opName()) }

func (it *andOrIter) WriteTo(w *execinfra.Writer) error {
	w.WriteBool(it.isAnd)
	w.WriteIters(it.args)
	return w.Err()
}

func init() {
	execinfra.RegisterIterDecoder(execinfra.KindConst, func(r *execinfra.Reader, base execinfra.IterBase) (execinfra.PlanIter, error) {
		it := &constIter{IterBase: base, val: r.ReadValue()}
		return it, r.Err()
	})
	execinfra.RegisterIterDecoder(execinfra.KindExternalVarRef, func(r *execinfra.Reader, base execinfra.IterBase) (execinfra.PlanIter, error) {
		it := &externalVarIter{IterBase: base, name: r.ReadString(), id: int(r.ReadInt())}
		return it, r.Err()
	})
	execinfra.RegisterIterDecoder(execinfra.KindVarRef, func(r *execinfra.Reader, base execinfra.IterBase) (execinfra.PlanIter, error) {
		it := &varRefIter{IterBase: base, name: r.ReadString()}
		return it, r.Err()
	})
	execinfra.RegisterIterDecoder(execinfra.KindFieldStep, func(r *execinfra.Reader, base execinfra.IterBase) (execinfra.PlanIter, error) {
		it := &fieldStepIter{IterBase: base, field: r.ReadString()}
		it.input = r.ReadIter()
		return it, r.Err()
	})
	execinfra.RegisterIterDecoder(execinfra.KindArrayElements, func(r *execinfra.Reader, base execinfra.IterBase) (execinfra.PlanIter, error) {
		it := &arrayElementsIter{IterBase: base, input: r.ReadIter()}
		return it, r.Err()
	})
	execinfra.RegisterIterDecoder(execinfra.KindCompOp, func(r *execinfra.Reader, base execinfra.IterBase) (execinfra.PlanIter, error) {
		it := &compOpIter{IterBase: base, op: value.CompOp(r.ReadUint())}
		it.left = r.ReadIter()
		it.right = r.ReadIter()
		return it, r.Err()
	})
	execinfra.RegisterIterDecoder(execinfra.KindAndOr, func(r *execinfra.Reader, base execinfra.IterBase) (execinfra.PlanIter, error) {
		it := &andOrIter{IterBase: base, isAnd: r.ReadBool()}
		it.args = r.ReadIters()
		return it, r.Err()
	})
}
