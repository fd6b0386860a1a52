// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package rowexec

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvquery/pkg/sql/execerror"
	"github.com/cockroachdb/kvquery/pkg/sql/execinfra"
	"github.com/cockroachdb/kvquery/pkg/sql/value"
)

// noGrouping is the numGBColumns of an SFW that does not group.
const noGrouping = -1

// sfwIter evaluates a SELECT-FROM-WHERE block.
//
// The FROM clauses are bound left to right. Each clause iterator produces
// the values of its variable in its own result register, which the
// VAR_REF iterators of later clauses and of the other expressions read.
// A later clause that produces nothing at all for a binding of the
// earlier ones is bound to EMPTY once, so that unnesting an empty array
// does not drop the row.
//
// With numGBColumns >= 0 the block groups: the first numGBColumns columns
// are the grouping expressions and the rest are aggregate functions. The
// input must arrive sorted on the grouping expressions, so a group is
// complete as soon as a row with different grouping values shows up.
//
// A group still open when a server batch ends is kept in the resume info
// and completed by the next batch, unless the client asked for the old
// behavior of receiving it as a regular result.
type sfwIter struct {
	execinfra.IterBase
	from        []execinfra.PlanIter
	fromVars    []string
	where       execinfra.PlanIter
	columns     []execinfra.PlanIter
	columnNames []string
	// numGBColumns is the number of grouping columns, or noGrouping.
	numGBColumns int
	// selectStar is set if the block returns the value of its only column
	// rather than a tuple.
	selectStar bool
	// tupleReg is the first of the registers holding the columns of the
	// current result.
	tupleReg int
	offset   execinfra.PlanIter
	limit    execinfra.PlanIter

	def *value.RecordDef
}

var _ execinfra.PlanIter = &sfwIter{}

type sfwState struct {
	execinfra.StateBase
	fromPos int
	// probed[i] is set once FROM clause i produced a binding since it was
	// last reset.
	probed    []bool
	noSuspend bool
	offset    int64
	// limit is negative if there is no LIMIT.
	limit int64
	tuple *value.Tuple

	gbTuple   []value.Value
	haveGroup bool
	emitted   bool
	lastDone  bool
}

func newSFWIter(
	base execinfra.IterBase,
	from []execinfra.PlanIter,
	fromVars []string,
	where execinfra.PlanIter,
	columns []execinfra.PlanIter,
	columnNames []string,
	numGBColumns int,
	selectStar bool,
	tupleReg int,
	offset, limit execinfra.PlanIter,
) (*sfwIter, error) {
	if len(from) == 0 {
		return nil, errors.AssertionFailedf("SFW without FROM clause")
	}
	if len(columns) != len(columnNames) {
		return nil, errors.AssertionFailedf("SFW has %d columns and %d column names",
			len(columns), len(columnNames))
	}
	if selectStar && len(columns) != 1 {
		return nil, errors.AssertionFailedf("SELECT * with %d columns", len(columns))
	}
	if numGBColumns > len(columns) {
		return nil, errors.AssertionFailedf("SFW groups on %d of %d columns", numGBColumns, len(columns))
	}
	if numGBColumns >= 0 {
		for _, c := range columns[numGBColumns:] {
			if _, ok := c.(aggregator); !ok {
				return nil, errors.AssertionFailedf("grouping SFW column %s is not an aggregate", c.Kind())
			}
		}
	}
	return &sfwIter{
		IterBase:     base,
		from:         from,
		fromVars:     fromVars,
		where:        where,
		columns:      columns,
		columnNames:  columnNames,
		numGBColumns: numGBColumns,
		selectStar:   selectStar,
		tupleReg:     tupleReg,
		offset:       offset,
		limit:        limit,
		def:          value.NewRecordDef("", columnNames...),
	}, nil
}

func (it *sfwIter) grouping() bool { return it.numGBColumns >= 0 }

func (it *sfwIter) exprs() []execinfra.PlanIter {
	res := make([]execinfra.PlanIter, 0, len(it.from)+len(it.columns)+3)
	res = append(res, it.from...)
	res = append(res, it.where)
	res = append(res, it.columns...)
	return append(res, it.offset, it.limit)
}

func (it *sfwIter) Open(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	s := &sfwState{
		probed: make([]bool, len(it.from)),
		limit:  -1,
		tuple:  &value.Tuple{Def: it.def, Regs: rcb.Regs(it.tupleReg, len(it.columns))},
	}
	rcb.SetState(it.Pos, s)
	if err := openAll(ctx, rcb, it.exprs()); err != nil {
		return err
	}
	if err := it.evalBounds(ctx, rcb, s); err != nil {
		return err
	}
	return it.restoreGroup(ctx, rcb, s)
}

// evalBounds evaluates the OFFSET and LIMIT expressions.
func (it *sfwIter) evalBounds(
	ctx context.Context, rcb *execinfra.RuntimeControlBlock, s *sfwState,
) error {
	eval := func(e execinfra.PlanIter, what string) (int64, error) {
		v, err := evalSingle(ctx, rcb, e)
		if err != nil {
			return 0, err
		}
		n, ok := value.Int64(v)
		if !ok || !v.Kind().IsIntegral() || n < 0 {
			return 0, execerror.NewQueryErrorf(execerror.CodeInvalidArgument, e.Location(),
				"%s must be a non-negative integer, got %s", what, v)
		}
		return n, e.Reset(ctx, rcb)
	}
	if it.offset != nil {
		n, err := eval(it.offset, "OFFSET")
		if err != nil {
			return err
		}
		s.offset = n
	}
	if it.limit != nil {
		n, err := eval(it.limit, "LIMIT")
		if err != nil {
			return err
		}
		s.limit = n
	}
	return nil
}

// restoreGroup reopens the group a previous batch was in the middle of.
func (it *sfwIter) restoreGroup(
	ctx context.Context, rcb *execinfra.RuntimeControlBlock, s *sfwState,
) error {
	ri := rcb.ResumeInfo()
	if !it.grouping() || len(ri.GBTuple) == 0 {
		return nil
	}
	if len(ri.GBTuple) != len(it.columns) {
		return errors.AssertionFailedf("resumed group has %d values, expected %d",
			len(ri.GBTuple), len(it.columns))
	}
	s.gbTuple = append([]value.Value(nil), ri.GBTuple[:it.numGBColumns]...)
	for i, c := range it.columns[it.numGBColumns:] {
		if err := c.(aggregator).initAggrValue(ctx, rcb, ri.GBTuple[it.numGBColumns+i]); err != nil {
			return err
		}
	}
	s.haveGroup = true
	ri.GBTuple = nil
	return nil
}

// nextFromRow binds the FROM variables to their next combination of values.
func (it *sfwIter) nextFromRow(
	ctx context.Context, rcb *execinfra.RuntimeControlBlock, s *sfwState,
) (bool, error) {
	last := len(it.from) - 1
	for {
		i := s.fromPos
		c := it.from[i]
		more, err := c.Next(ctx, rcb)
		if err != nil {
			return false, err
		}
		if !more && i > 0 && !s.probed[i] {
			rcb.SetReg(c.ResultReg(), value.DEmpty)
			more = true
		}
		if !more {
			if i == 0 {
				return false, nil
			}
			if err := c.Reset(ctx, rcb); err != nil {
				return false, err
			}
			s.probed[i] = false
			s.fromPos--
			if s.fromPos == 0 && s.noSuspend {
				s.noSuspend = false
				rcb.ExitNoSuspend()
			}
			continue
		}
		s.probed[i] = true
		if i == last {
			return true, nil
		}
		// The combinations of one binding of the first clause are produced
		// in one batch: only the first clause can resume.
		if i == 0 && !s.noSuspend {
			s.noSuspend = true
			rcb.EnterNoSuspend()
		}
		s.fromPos++
	}
}

func (it *sfwIter) evalWhere(ctx context.Context, rcb *execinfra.RuntimeControlBlock) (bool, error) {
	if it.where == nil {
		return true, nil
	}
	v, err := evalSingle(ctx, rcb, it.where)
	if err != nil {
		return false, err
	}
	if err := it.where.Reset(ctx, rcb); err != nil {
		return false, err
	}
	b, ok := v.(value.DBool)
	return ok && bool(b), nil
}

// evalColumn evaluates a non-aggregate column. EMPTY becomes NULL.
func (it *sfwIter) evalColumn(
	ctx context.Context, rcb *execinfra.RuntimeControlBlock, i int,
) (value.Value, error) {
	c := it.columns[i]
	v, err := evalSingle(ctx, rcb, c)
	if err != nil {
		return nil, err
	}
	return v, c.Reset(ctx, rcb)
}

func (it *sfwIter) Next(ctx context.Context, rcb *execinfra.RuntimeControlBlock) (bool, error) {
	s := execinfra.GetState[*sfwState](rcb, it.Pos)
	if s.IsDone() {
		return false, nil
	}
	ri := rcb.ResumeInfo()
	for {
		if s.limit >= 0 && ri.NumResultsComputed >= s.limit {
			it.finish(rcb, s)
			if len(ri.Tables) > 0 {
				ri.Table(0).Reset()
			}
			return false, nil
		}
		var more bool
		var err error
		if it.grouping() {
			more, err = it.nextGroup(ctx, rcb, s)
		} else {
			more, err = it.nextRow(ctx, rcb, s)
		}
		if err != nil || !more {
			return false, err
		}
		s.SetRunning()
		if ri.Offset < s.offset {
			ri.Offset++
			continue
		}
		ri.NumResultsComputed++
		if it.selectStar {
			rcb.SetReg(it.Reg, rcb.Reg(it.tupleReg))
		} else {
			rcb.SetReg(it.Reg, s.tuple)
		}
		return true, nil
	}
}

// finish marks the block exhausted, unless the input stopped because the
// batch was suspended.
func (it *sfwIter) finish(rcb *execinfra.RuntimeControlBlock, s *sfwState) {
	if s.noSuspend {
		s.noSuspend = false
		rcb.ExitNoSuspend()
	}
	s.Done()
}

func (it *sfwIter) nextRow(
	ctx context.Context, rcb *execinfra.RuntimeControlBlock, s *sfwState,
) (bool, error) {
	for {
		more, err := it.nextFromRow(ctx, rcb, s)
		if err != nil {
			return false, err
		}
		if !more {
			if !rcb.ReachedLimit() {
				it.finish(rcb, s)
			}
			return false, nil
		}
		if ok, err := it.evalWhere(ctx, rcb); err != nil || !ok {
			if err != nil {
				return false, err
			}
			continue
		}
		for i := range it.columns {
			v, err := it.evalColumn(ctx, rcb, i)
			if err != nil {
				return false, err
			}
			if v.Kind() == value.KindEmpty {
				v = value.DNull
			}
			rcb.SetReg(it.tupleReg+i, v)
		}
		return true, nil
	}
}

// nextGroup returns the next complete group.
func (it *sfwIter) nextGroup(
	ctx context.Context, rcb *execinfra.RuntimeControlBlock, s *sfwState,
) (bool, error) {
	if s.lastDone {
		it.finish(rcb, s)
		return false, nil
	}
	gb := make([]value.Value, it.numGBColumns)
	for {
		more, err := it.nextFromRow(ctx, rcb, s)
		if err != nil {
			return false, err
		}
		if !more {
			return it.produceLastGroup(ctx, rcb, s)
		}
		if ok, err := it.evalWhere(ctx, rcb); err != nil || !ok {
			if err != nil {
				return false, err
			}
			continue
		}
		skip := false
		for i := range gb {
			v, err := it.evalColumn(ctx, rcb, i)
			if err != nil {
				return false, err
			}
			if v.Kind() == value.KindEmpty {
				skip = true
				break
			}
			gb[i] = value.Copy(v)
		}
		if skip {
			continue
		}
		if !s.haveGroup {
			s.gbTuple, gb = gb, make([]value.Value, it.numGBColumns)
			s.haveGroup = true
			if err := it.aggregate(ctx, rcb); err != nil {
				return false, err
			}
			continue
		}
		if value.EqualValues(s.gbTuple, gb) {
			if err := it.aggregate(ctx, rcb); err != nil {
				return false, err
			}
			continue
		}
		it.emitGroup(ctx, rcb, s)
		s.gbTuple, gb = gb, s.gbTuple
		if err := it.aggregate(ctx, rcb); err != nil {
			return false, err
		}
		return true, nil
	}
}

// aggregate adds the current row to the aggregate columns.
func (it *sfwIter) aggregate(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	for _, c := range it.columns[it.numGBColumns:] {
		if _, err := c.Next(ctx, rcb); err != nil {
			return err
		}
	}
	return nil
}

// emitGroup places the current group in the column registers and starts a
// new one.
func (it *sfwIter) emitGroup(ctx context.Context, rcb *execinfra.RuntimeControlBlock, s *sfwState) {
	for i, v := range s.gbTuple {
		rcb.SetReg(it.tupleReg+i, v)
	}
	for i, c := range it.columns[it.numGBColumns:] {
		rcb.SetReg(it.tupleReg+it.numGBColumns+i, c.(aggregator).aggrValue(ctx, rcb, true))
	}
	s.emitted = true
}

func (it *sfwIter) produceLastGroup(
	ctx context.Context, rcb *execinfra.RuntimeControlBlock, s *sfwState,
) (bool, error) {
	if rcb.ReachedLimit() {
		if !rcb.IsServer() || !s.haveGroup {
			// A client picks the group up again in its next batch.
			return false, nil
		}
		if rcb.OldStyleGrouping {
			it.emitGroup(ctx, rcb, s)
			s.haveGroup = false
			s.lastDone = true
			return true, nil
		}
		ri := rcb.ResumeInfo()
		ri.GBTuple = make([]value.Value, 0, len(it.columns))
		ri.GBTuple = append(ri.GBTuple, s.gbTuple...)
		for _, c := range it.columns[it.numGBColumns:] {
			ri.GBTuple = append(ri.GBTuple, value.Copy(c.(aggregator).aggrValue(ctx, rcb, false)))
		}
		s.haveGroup = false
		it.finish(rcb, s)
		return false, nil
	}
	s.lastDone = true
	if s.haveGroup {
		it.emitGroup(ctx, rcb, s)
		s.haveGroup = false
		return true, nil
	}
	if it.numGBColumns == 0 && !rcb.IsServer() && !s.emitted {
		// An aggregate over no rows still has a value: COUNT is 0, SUM is
		// NULL.
		it.emitGroup(ctx, rcb, s)
		return true, nil
	}
	it.finish(rcb, s)
	return false, nil
}

func (it *sfwIter) Reset(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	s := execinfra.GetState[*sfwState](rcb, it.Pos)
	if s.noSuspend {
		rcb.ExitNoSuspend()
	}
	limit, offset := s.limit, s.offset
	*s = sfwState{
		probed: make([]bool, len(it.from)),
		limit:  limit,
		offset: offset,
		tuple:  s.tuple,
	}
	return resetAll(ctx, rcb, it.exprs())
}

func (it *sfwIter) Close(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	if s, ok := rcb.State(it.Pos).(*sfwState); ok && !s.IsClosed() && s.noSuspend {
		s.noSuspend = false
		rcb.ExitNoSuspend()
	}
	rcb.CloseState(it.Pos)
	return closeAll(ctx, rcb, it.exprs())
}

func (it *sfwIter) Children() []execinfra.PlanIter {
	var res []execinfra.PlanIter
	for _, c := range it.exprs() {
		if c != nil {
			res = append(res, c)
		}
	}
	return res
}

func (it *sfwIter) DisplayContent(d *execinfra.Display) {
	d.Attr("from", it.fromVars)
	d.Attr("columns", it.columnNames)
	if it.grouping() {
		d.Attr("gb", it.numGBColumns)
	}
	if it.selectStar {
		d.Flag("star")
	}
	if it.where != nil {
		d.Flag("where")
	}
	if it.offset != nil {
		d.Flag("offset")
	}
	if it.limit != nil {
		d.Flag("limit")
	}
}

func (it *sfwIter) WriteTo(w *execinfra.Writer) error {
	w.WriteIters(it.from)
	w.WriteStrings(it.fromVars)
	w.WriteIter(it.where)
	w.WriteIters(it.columns)
	w.WriteStrings(it.columnNames)
	w.WriteInt(int64(it.numGBColumns))
	w.WriteBool(it.selectStar)
	w.WriteInt(int64(it.tupleReg))
	w.WriteIter(it.offset)
	w.WriteIter(it.limit)
	return w.Err()
}

func init() {
	execinfra.RegisterIterDecoder(execinfra.KindSFW, func(r *execinfra.Reader, base execinfra.IterBase) (execinfra.PlanIter, error) {
		from := r.ReadIters()
		fromVars := r.ReadStrings()
		where := r.ReadIter()
		columns := r.ReadIters()
		names := r.ReadStrings()
		numGB := int(r.ReadInt())
		star := r.ReadBool()
		tupleReg := int(r.ReadInt())
		offset := r.ReadIter()
		limit := r.ReadIter()
		if r.Err() != nil {
			return nil, r.Err()
		}
		return newSFWIter(base, from, fromVars, where, columns, names, numGB, star, tupleReg, offset, limit)
	})
}
