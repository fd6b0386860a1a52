// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package rowexec

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvquery/pkg/kv"
	"github.com/cockroachdb/kvquery/pkg/sql/execerror"
	"github.com/cockroachdb/kvquery/pkg/sql/execinfra"
	"github.com/cockroachdb/kvquery/pkg/sql/value"
)

// Builder assembles a plan, handing out the registers, state slots and
// table positions of its iterators. A plan shipped by a receive is built
// with a Builder of its own.
type Builder struct {
	numRegs   int
	numStates int
	numTables int
	loc       execerror.Location
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// At sets the query location of the iterators built next.
func (b *Builder) At(loc execerror.Location) *Builder {
	b.loc = loc
	return b
}

func (b *Builder) allocRegs(n int) int {
	r := b.numRegs
	b.numRegs += n
	return r
}

func (b *Builder) base(kind execinfra.IterKind) execinfra.IterBase {
	pos := b.numStates
	b.numStates++
	return execinfra.MakeIterBase(kind, b.allocRegs(1), pos, b.loc)
}

// Build returns the plan rooted at root.
func (b *Builder) Build(root execinfra.PlanIter) *execinfra.Plan {
	return &execinfra.Plan{
		Root:      root,
		NumRegs:   b.numRegs,
		NumStates: b.numStates,
		NumTables: b.numTables,
		Version:   execinfra.SerialVersionCurrent,
	}
}

// Const returns a literal.
func (b *Builder) Const(v value.Value) execinfra.PlanIter {
	return &constIter{IterBase: b.base(execinfra.KindConst), val: v}
}

// ExternalVar returns a reference to the external variable with the given
// position in RuntimeControlBlock.ExternalVars.
func (b *Builder) ExternalVar(name string, id int) execinfra.PlanIter {
	return &externalVarIter{IterBase: b.base(execinfra.KindExternalVarRef), name: name, id: id}
}

// VarRef returns a reference to the variable bound by a FROM clause.
func (b *Builder) VarRef(from execinfra.PlanIter, name string) execinfra.PlanIter {
	base := b.base(execinfra.KindVarRef)
	base.Reg = from.ResultReg()
	return &varRefIter{IterBase: base, name: name}
}

// FieldStep returns the given field of the items of input.
func (b *Builder) FieldStep(input execinfra.PlanIter, field string) execinfra.PlanIter {
	return &fieldStepIter{IterBase: b.base(execinfra.KindFieldStep), input: input, field: field}
}

// ArrayElements unnests the arrays produced by input.
func (b *Builder) ArrayElements(input execinfra.PlanIter) execinfra.PlanIter {
	return &arrayElementsIter{IterBase: b.base(execinfra.KindArrayElements), input: input}
}

// CompOp compares two expressions.
func (b *Builder) CompOp(op value.CompOp, left, right execinfra.PlanIter) execinfra.PlanIter {
	return &compOpIter{IterBase: b.base(execinfra.KindCompOp), op: op, left: left, right: right}
}

// And returns the conjunction of args.
func (b *Builder) And(args ...execinfra.PlanIter) execinfra.PlanIter {
	return &andOrIter{IterBase: b.base(execinfra.KindAndOr), isAnd: true, args: args}
}

// Or returns the disjunction of args.
func (b *Builder) Or(args ...execinfra.PlanIter) execinfra.PlanIter {
	return &andOrIter{IterBase: b.base(execinfra.KindAndOr), args: args}
}

// Agg returns an aggregate function over input, which is nil for
// COUNT(*). With merge set, input produces partial aggregates.
func (b *Builder) Agg(fn AggFunc, input execinfra.PlanIter, merge bool) execinfra.PlanIter {
	kind, ok := aggFuncKinds[fn]
	if !ok {
		panic(errors.AssertionFailedf("unknown aggregate function %d", fn))
	}
	return &aggrFuncIter{IterBase: b.base(kind), fn: fn, input: input, merge: merge}
}

// TableScan returns a scan of t through the named secondary index, or
// the primary index if index is empty.
func (b *Builder) TableScan(t *kv.Table, index string, ranges ...kv.KeyRange) execinfra.PlanIter {
	it := &tableScanIter{
		IterBase:  b.base(execinfra.KindTableScan),
		namespace: t.Namespace,
		table:     t.Name,
		index:     index,
		tableIdx:  b.numTables,
		tupleReg:  b.allocRegs(len(t.Columns)),
		ranges:    ranges,
	}
	b.numTables++
	return it
}

// WithChunkSize sets the number of rows a table scan fetches at once.
func WithChunkSize(scan execinfra.PlanIter, n int) execinfra.PlanIter {
	scan.(*tableScanIter).chunkSize = n
	return scan
}

// SFWSpec describes a SELECT-FROM-WHERE block.
type SFWSpec struct {
	From     []execinfra.PlanIter
	FromVars []string
	Where    execinfra.PlanIter
	Columns  []execinfra.PlanIter
	// ColumnNames name the fields of the results.
	ColumnNames []string
	// Grouping makes the first NumGBColumns columns the grouping
	// expressions and the rest aggregates.
	Grouping     bool
	NumGBColumns int
	// SelectStar returns the value of the only column instead of a
	// record.
	SelectStar    bool
	Offset, Limit execinfra.PlanIter
}

// SFW returns a SELECT-FROM-WHERE block.
func (b *Builder) SFW(spec SFWSpec) (execinfra.PlanIter, error) {
	numGB := noGrouping
	if spec.Grouping {
		numGB = spec.NumGBColumns
	}
	base := b.base(execinfra.KindSFW)
	return newSFWIter(base, spec.From, spec.FromVars, spec.Where, spec.Columns, spec.ColumnNames,
		numGB, spec.SelectStar, b.allocRegs(len(spec.Columns)), spec.Offset, spec.Limit)
}

// Group returns a GROUP iterator over the records produced by input.
func (b *Builder) Group(
	input execinfra.PlanIter, numGBColumns int, columnNames []string, funcs []AggFunc, merge bool,
) execinfra.PlanIter {
	return newGroupIter(b.base(execinfra.KindGroup), input, numGBColumns, columnNames, funcs, merge)
}

// PartitionUnion returns a union of input over the local partitions.
func (b *Builder) PartitionUnion(input execinfra.PlanIter, sorting bool) execinfra.PlanIter {
	return &partitionUnionIter{IterBase: b.base(execinfra.KindPartitionUnion), input: input, sorting: sorting}
}

// ReceiveSpec describes a receive.
type ReceiveSpec struct {
	Distribution Distribution
	Parallel     bool
	ServerPlan   *execinfra.Plan
	SortFields   []string
	SortSpecs    []value.SortSpec
	// PKFields enable duplicate elimination on these fields.
	PKFields []string
	// Columns, if set, make the receive unpack its results into tuples with
	// these fields.
	Columns []string
	// ShardKey and ShardKeyTypes compute the partition of a single
	// partition receive.
	ShardKey      []execinfra.PlanIter
	ShardKeyTypes []value.Type
}

// Receive returns a receive.
func (b *Builder) Receive(spec ReceiveSpec) (execinfra.PlanIter, error) {
	if spec.ServerPlan == nil {
		return nil, errors.AssertionFailedf("receive without server plan")
	}
	if len(spec.SortFields) > 0 && len(spec.SortFields) != len(spec.SortSpecs) {
		return nil, errors.AssertionFailedf("receive has %d sort fields and %d sort specs",
			len(spec.SortFields), len(spec.SortSpecs))
	}
	if spec.Distribution == DistSinglePartition && len(spec.ShardKey) == 0 {
		return nil, errors.AssertionFailedf("single partition receive without shard key")
	}
	it := &receiveIter{
		IterBase:   b.base(execinfra.KindReceive),
		dist:       spec.Distribution,
		parallel:   spec.Parallel,
		serverPlan: spec.ServerPlan,
		sortFields: spec.SortFields,
		sortSpecs:  spec.SortSpecs,
		pkFields:   spec.PKFields,
		pkIters:    spec.ShardKey,
		pkTypes:    spec.ShardKeyTypes,
	}
	if len(spec.Columns) > 0 {
		it.unpack = true
		it.def = value.NewRecordDef("", spec.Columns...)
		it.tupleReg = b.allocRegs(len(spec.Columns))
	}
	return it, nil
}

// IsReceive returns true if it is a receive.
func IsReceive(it execinfra.PlanIter) bool {
	_, ok := it.(*receiveIter)
	return ok
}

// HasClientGrouping returns true if the client part of the plan rooted at
// it groups, which keeps state outside the resume info.
func HasClientGrouping(it execinfra.PlanIter) bool {
	switch t := it.(type) {
	case *groupIter:
		return true
	case *sfwIter:
		if t.grouping() {
			return true
		}
	case *receiveIter:
		return false
	}
	for _, c := range it.Children() {
		if c != nil && HasClientGrouping(c) {
			return true
		}
	}
	return false
}
