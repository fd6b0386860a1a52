// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package cli

import (
	"context"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvquery/pkg/kv"
	"github.com/cockroachdb/kvquery/pkg/sql/execerror"
	"github.com/cockroachdb/kvquery/pkg/sql/execinfra"
	"github.com/cockroachdb/kvquery/pkg/sql/rowexec"
	"github.com/cockroachdb/kvquery/pkg/sql/value"
	yaml "gopkg.in/yaml.v2"
)

// queryDesc is the YAML description of a query over one table.
type queryDesc struct {
	Namespace string `yaml:"namespace"`
	Table     string `yaml:"table"`
	// Index is the secondary index the servers scan; empty scans the
	// primary index.
	Index string `yaml:"index"`
	// Distribution is one of single-partition, all-shards (the default)
	// and all-partitions.
	Distribution string `yaml:"distribution"`
	Parallel     bool   `yaml:"parallel"`
	// ShardKey selects the partition of a single-partition query.
	ShardKey []interface{} `yaml:"shard_key"`
	// Range restricts the scan on the first field of the index.
	Range     *rangeDesc `yaml:"range"`
	ChunkSize int        `yaml:"chunk_size"`
	Where     []condDesc `yaml:"where"`
	// Select lists the fields of the results; empty selects every column.
	// A field may be a path into nested records and maps, e.g. "addr.city".
	Select     []string  `yaml:"select"`
	GroupBy    []string  `yaml:"group_by"`
	Aggregates []aggDesc `yaml:"aggregates"`
	// OrderBy sorts the results. The fields must be a prefix of the fields
	// of the scanned index.
	OrderBy []string `yaml:"order_by"`
	// Dedup removes the duplicate results of a scan of a multi-valued
	// index.
	Dedup bool `yaml:"dedup"`
	// PartitionUnion makes every shard scan its partitions one at a time
	// and merge them.
	PartitionUnion bool        `yaml:"partition_union"`
	Offset         interface{} `yaml:"offset"`
	Limit          interface{} `yaml:"limit"`
}

type rangeDesc struct {
	Start          interface{} `yaml:"start"`
	End            interface{} `yaml:"end"`
	StartInclusive bool        `yaml:"start_inclusive"`
	EndInclusive   bool        `yaml:"end_inclusive"`
}

// condDesc is a comparison of a field with a value, or a disjunction of
// conditions. A string value starting with $ references an external
// variable.
type condDesc struct {
	Field string      `yaml:"field"`
	Op    string      `yaml:"op"`
	Value interface{} `yaml:"value"`
	AnyOf []condDesc  `yaml:"any_of"`
}

type aggDesc struct {
	Fn    string `yaml:"fn"`
	Field string `yaml:"field"`
	As    string `yaml:"as"`
}

func loadQueryDesc(path string) (*queryDesc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading query")
	}
	return parseQueryDesc(data)
}

func parseQueryDesc(data []byte) (*queryDesc, error) {
	var q queryDesc
	if err := yaml.UnmarshalStrict(data, &q); err != nil {
		return nil, errors.Wrap(err, "parsing query")
	}
	if q.Table == "" {
		return nil, errors.New("query names no table")
	}
	return &q, nil
}

// plannedQuery is a query ready to run.
type plannedQuery struct {
	plan *execinfra.Plan
	// serverPlan is the plan shipped by the receive of plan.
	serverPlan *execinfra.Plan
	// columns name the fields of the results.
	columns []string
	// vars are the names of the external variables, by id.
	vars []string
}

var distributions = map[string]rowexec.Distribution{
	"":                 rowexec.DistAllShards,
	"single-partition": rowexec.DistSinglePartition,
	"all-shards":       rowexec.DistAllShards,
	"all-partitions":   rowexec.DistAllPartitions,
}

// planner turns a query description into a client plan and the server
// plan its receive ships.
type planner struct {
	q   *queryDesc
	t   *kv.Table
	sb  *rowexec.Builder
	cb  *rowexec.Builder
	ids map[string]int
	pq  plannedQuery
}

func invalidQueryf(format string, args ...interface{}) error {
	return execerror.NewQueryErrorf(execerror.CodeInvalidArgument, execerror.Location{}, format, args...)
}

// planQuery plans q over the tables of md.
func planQuery(ctx context.Context, md kv.MetadataResolver, q *queryDesc) (*plannedQuery, error) {
	t, err := md.GetTable(ctx, q.Namespace, q.Table)
	if err != nil {
		return nil, err
	}
	p := &planner{
		q:   q,
		t:   t,
		sb:  rowexec.NewBuilder(),
		cb:  rowexec.NewBuilder(),
		ids: make(map[string]int),
	}
	if err := p.plan(); err != nil {
		return nil, err
	}
	return &p.pq, nil
}

func (p *planner) grouping() bool {
	return len(p.q.GroupBy) > 0 || len(p.q.Aggregates) > 0
}

// indexFields returns the fields the scanned index is ordered on.
func (p *planner) indexFields() ([]string, error) {
	if p.q.Index == "" {
		res := make([]string, len(p.t.PrimaryKey))
		for i, pos := range p.t.PrimaryKey {
			res[i] = p.t.Columns[pos].Name
		}
		return res, nil
	}
	idx, ok := p.t.IndexByName(p.q.Index)
	if !ok {
		return nil, invalidQueryf("table %s has no index %s", p.t.Name, p.q.Index)
	}
	return idx.Fields, nil
}

// isIndexPrefix returns true if the index is ordered on fields.
func isIndexPrefix(fields, indexFields []string) bool {
	if len(fields) > len(indexFields) {
		return false
	}
	for i, f := range fields {
		if !strings.EqualFold(f, indexFields[i]) || strings.HasSuffix(indexFields[i], "[]") {
			return false
		}
	}
	return true
}

func (p *planner) checkField(path string) error {
	col := strings.SplitN(path, ".", 2)[0]
	if _, ok := p.t.ColumnIndex(col); !ok {
		return invalidQueryf("table %s has no column %s", p.t.Name, col)
	}
	return nil
}

// path returns the value of a field path of the variable bound to the
// items of from.
func path(b *rowexec.Builder, from execinfra.PlanIter, varName, field string) execinfra.PlanIter {
	res := b.VarRef(from, varName)
	for _, step := range strings.Split(field, ".") {
		res = b.FieldStep(res, step)
	}
	return res
}

// operand returns a literal, or a reference to an external variable.
func (p *planner) operand(b *rowexec.Builder, raw interface{}, typ value.Type) (execinfra.PlanIter, error) {
	if s, ok := raw.(string); ok && strings.HasPrefix(s, "$") {
		name := s[1:]
		id, ok := p.ids[name]
		if !ok {
			id = len(p.pq.vars)
			p.ids[name] = id
			p.pq.vars = append(p.pq.vars, name)
		}
		return b.ExternalVar(name, id), nil
	}
	v, err := typedValue(raw, typ)
	if err != nil {
		return nil, invalidQueryf("%v", err)
	}
	return b.Const(v), nil
}

func (p *planner) columnType(field string) value.Type {
	if pos, ok := p.t.ColumnIndex(strings.TrimSuffix(field, "[]")); ok && !strings.Contains(field, ".") {
		return p.t.Columns[pos].Type
	}
	return value.Type{Kind: value.KindAny}
}

var compOps = map[string]value.CompOp{
	"=": value.OpEQ, "==": value.OpEQ, "!=": value.OpNE, "<>": value.OpNE,
	">": value.OpGT, ">=": value.OpGE, "<": value.OpLT, "<=": value.OpLE,
}

func (p *planner) cond(scan execinfra.PlanIter, c condDesc) (execinfra.PlanIter, error) {
	if len(c.AnyOf) > 0 {
		args := make([]execinfra.PlanIter, len(c.AnyOf))
		for i := range c.AnyOf {
			var err error
			if args[i], err = p.cond(scan, c.AnyOf[i]); err != nil {
				return nil, err
			}
		}
		return p.sb.Or(args...), nil
	}
	if err := p.checkField(c.Field); err != nil {
		return nil, err
	}
	op, ok := compOps[c.Op]
	if !ok {
		return nil, invalidQueryf("unknown comparison operator %q", c.Op)
	}
	right, err := p.operand(p.sb, c.Value, p.columnType(c.Field))
	if err != nil {
		return nil, err
	}
	return p.sb.CompOp(op, path(p.sb, scan, "$t", c.Field), right), nil
}

func (p *planner) where(scan execinfra.PlanIter) (execinfra.PlanIter, error) {
	if len(p.q.Where) == 0 {
		return nil, nil
	}
	conds := make([]execinfra.PlanIter, len(p.q.Where))
	for i, c := range p.q.Where {
		var err error
		if conds[i], err = p.cond(scan, c); err != nil {
			return nil, err
		}
	}
	if len(conds) == 1 {
		return conds[0], nil
	}
	return p.sb.And(conds...), nil
}

func (p *planner) scan() (execinfra.PlanIter, error) {
	var ranges []kv.KeyRange
	if r := p.q.Range; r != nil {
		fields, err := p.indexFields()
		if err != nil {
			return nil, err
		}
		typ := p.columnType(fields[0])
		kr := kv.KeyRange{StartInclusive: r.StartInclusive, EndInclusive: r.EndInclusive}
		if r.Start != nil {
			if kr.Start, err = typedValue(r.Start, typ); err != nil {
				return nil, invalidQueryf("range start: %v", err)
			}
		}
		if r.End != nil {
			if kr.End, err = typedValue(r.End, typ); err != nil {
				return nil, invalidQueryf("range end: %v", err)
			}
		}
		ranges = append(ranges, kr)
	}
	scan := p.sb.TableScan(p.t, p.q.Index, ranges...)
	if p.q.ChunkSize > 0 {
		rowexec.WithChunkSize(scan, p.q.ChunkSize)
	}
	return scan, nil
}

// bound returns an OFFSET or LIMIT expression of the client plan.
func (p *planner) bound(raw interface{}) (execinfra.PlanIter, error) {
	if raw == nil {
		return nil, nil
	}
	return p.operand(p.cb, raw, value.Type{Kind: value.KindLong})
}

func (p *planner) receive(spec rowexec.ReceiveSpec) (execinfra.PlanIter, error) {
	dist, ok := distributions[strings.ToLower(p.q.Distribution)]
	if !ok {
		return nil, invalidQueryf("unknown distribution %q", p.q.Distribution)
	}
	spec.Distribution = dist
	spec.Parallel = p.q.Parallel
	if dist == rowexec.DistSinglePartition {
		n := p.t.ShardKeyLen
		if n <= 0 || n > len(p.t.PrimaryKey) {
			n = len(p.t.PrimaryKey)
		}
		if len(p.q.ShardKey) != n {
			return nil, invalidQueryf("a single-partition query on %s needs a shard key of %d values",
				p.t.Name, n)
		}
		for i, raw := range p.q.ShardKey {
			typ := p.t.Columns[p.t.PrimaryKey[i]].Type
			it, err := p.operand(p.cb, raw, typ)
			if err != nil {
				return nil, err
			}
			spec.ShardKey = append(spec.ShardKey, it)
			spec.ShardKeyTypes = append(spec.ShardKeyTypes, typ)
		}
	} else if len(p.q.ShardKey) > 0 {
		return nil, invalidQueryf("a shard key needs the single-partition distribution")
	}
	if p.q.PartitionUnion && dist != rowexec.DistAllShards {
		return nil, invalidQueryf("partition_union needs the all-shards distribution")
	}
	return p.cb.Receive(spec)
}

func sortSpecs(n int) []value.SortSpec {
	if n == 0 {
		return nil
	}
	return make([]value.SortSpec, n)
}

func (p *planner) plan() error {
	indexFields, err := p.indexFields()
	if err != nil {
		return err
	}
	for _, f := range p.q.OrderBy {
		if err := p.checkField(f); err != nil {
			return err
		}
	}
	if len(p.q.OrderBy) > 0 && !isIndexPrefix(p.q.OrderBy, indexFields) {
		return errors.WithHint(
			invalidQueryf("cannot order by %s on a scan of %s", strings.Join(p.q.OrderBy, ", "),
				strings.Join(indexFields, ", ")),
			"order by a prefix of the fields of the scanned index")
	}
	if p.grouping() {
		return p.planGrouping(indexFields)
	}
	return p.planSelect()
}

// planSelect plans a query returning the selected fields of the rows.
func (p *planner) planSelect() error {
	q := p.q
	fields := q.Select
	if len(fields) == 0 {
		for _, c := range p.t.Columns {
			fields = append(fields, c.Name)
		}
	}
	// The server also returns the fields the receive sorts and
	// deduplicates on.
	serverFields := append([]string(nil), fields...)
	addField := func(f string) {
		for _, sf := range serverFields {
			if strings.EqualFold(sf, f) {
				return
			}
		}
		serverFields = append(serverFields, f)
	}
	var pkFields []string
	if q.Dedup {
		for _, pos := range p.t.PrimaryKey {
			pkFields = append(pkFields, p.t.Columns[pos].Name)
			addField(p.t.Columns[pos].Name)
		}
	}
	for _, f := range q.OrderBy {
		addField(f)
	}

	scan, err := p.scan()
	if err != nil {
		return err
	}
	where, err := p.where(scan)
	if err != nil {
		return err
	}
	cols := make([]execinfra.PlanIter, len(serverFields))
	for i, f := range serverFields {
		if err := p.checkField(f); err != nil {
			return err
		}
		cols[i] = path(p.sb, scan, "$t", f)
	}
	server, err := p.sb.SFW(rowexec.SFWSpec{
		From:        []execinfra.PlanIter{scan},
		FromVars:    []string{"$t"},
		Where:       where,
		Columns:     cols,
		ColumnNames: serverFields,
	})
	if err != nil {
		return err
	}
	if q.PartitionUnion {
		server = p.sb.PartitionUnion(server, len(q.OrderBy) > 0)
	}
	p.pq.serverPlan = p.sb.Build(server)

	recv, err := p.receive(rowexec.ReceiveSpec{
		ServerPlan: p.pq.serverPlan,
		SortFields: q.OrderBy,
		SortSpecs:  sortSpecs(len(q.OrderBy)),
		PKFields:   pkFields,
	})
	if err != nil {
		return err
	}
	return p.project(recv, "$r", fields)
}

// project ends the client plan with the given fields of the items of
// input, and the OFFSET and LIMIT of the query.
func (p *planner) project(input execinfra.PlanIter, varName string, fields []string) error {
	cols := make([]execinfra.PlanIter, len(fields))
	for i, f := range fields {
		cols[i] = p.cb.FieldStep(p.cb.VarRef(input, varName), f)
	}
	offset, err := p.bound(p.q.Offset)
	if err != nil {
		return err
	}
	limit, err := p.bound(p.q.Limit)
	if err != nil {
		return err
	}
	root, err := p.cb.SFW(rowexec.SFWSpec{
		From:        []execinfra.PlanIter{input},
		FromVars:    []string{varName},
		Columns:     cols,
		ColumnNames: fields,
		Offset:      offset,
		Limit:       limit,
	})
	if err != nil {
		return err
	}
	p.pq.plan = p.cb.Build(root)
	p.pq.columns = fields
	return nil
}

type aggregate struct {
	fn    rowexec.AggFunc
	field string
	name  string
}

func (p *planner) aggregates() ([]aggregate, error) {
	res := make([]aggregate, len(p.q.Aggregates))
	for i, a := range p.q.Aggregates {
		fnName := strings.ToLower(a.Fn)
		if fnName == "count" && (a.Field == "" || a.Field == "*") {
			fnName = "count(*)"
		}
		fn, ok := rowexec.AggFuncByName(fnName)
		if !ok {
			return nil, invalidQueryf("unknown aggregate function %q", a.Fn)
		}
		if fn != rowexec.AggCountStar {
			if a.Field == "" {
				return nil, invalidQueryf("%s needs a field", fn)
			}
			if err := p.checkField(a.Field); err != nil {
				return nil, err
			}
		}
		name := a.As
		if name == "" {
			name = strings.ToLower(strings.TrimSuffix(fn.String(), "(*)"))
			if a.Field != "" && a.Field != "*" {
				name += "_" + strings.ReplaceAll(a.Field, ".", "_")
			}
		}
		res[i] = aggregate{fn: fn, field: a.Field, name: name}
	}
	return res, nil
}

// planGrouping plans a query returning one result per group. The servers
// aggregate the rows they scan and the client merges the partial
// aggregates of the servers.
//
// If the index is ordered on the grouping fields, the groups are formed by
// SFW blocks over ordered input, and the receive merges the streams in
// group order. Otherwise GROUP iterators hash the groups.
func (p *planner) planGrouping(indexFields []string) error {
	q := p.q
	if len(q.Select) > 0 {
		return invalidQueryf("a grouping query returns its grouping fields and aggregates; select must be empty")
	}
	if q.Dedup {
		return invalidQueryf("dedup is not supported with grouping")
	}
	for _, f := range q.GroupBy {
		if err := p.checkField(f); err != nil {
			return err
		}
	}
	aggs, err := p.aggregates()
	if err != nil {
		return err
	}
	numGB := len(q.GroupBy)
	names := append([]string(nil), q.GroupBy...)
	funcs := make([]rowexec.AggFunc, len(aggs))
	for i, a := range aggs {
		names = append(names, a.name)
		funcs[i] = a.fn
	}
	if len(q.OrderBy) > 0 && !isIndexPrefix(q.OrderBy, q.GroupBy) {
		return invalidQueryf("a grouping query may only order by its grouping fields")
	}
	ordered := isIndexPrefix(q.GroupBy, indexFields)
	if !ordered && (len(q.OrderBy) > 0 || q.PartitionUnion) {
		return errors.WithHint(
			invalidQueryf("cannot group by %s in order on a scan of %s",
				strings.Join(q.GroupBy, ", "), strings.Join(indexFields, ", ")),
			"scan an index whose first fields are the grouping fields")
	}

	scan, err := p.scan()
	if err != nil {
		return err
	}
	where, err := p.where(scan)
	if err != nil {
		return err
	}
	cols := make([]execinfra.PlanIter, 0, len(names))
	for _, f := range q.GroupBy {
		cols = append(cols, path(p.sb, scan, "$t", f))
	}

	if ordered {
		for _, a := range aggs {
			var in execinfra.PlanIter
			if a.fn != rowexec.AggCountStar {
				in = path(p.sb, scan, "$t", a.field)
			}
			cols = append(cols, p.sb.Agg(a.fn, in, false))
		}
		server, err := p.sb.SFW(rowexec.SFWSpec{
			From:         []execinfra.PlanIter{scan},
			FromVars:     []string{"$t"},
			Where:        where,
			Columns:      cols,
			ColumnNames:  names,
			Grouping:     true,
			NumGBColumns: numGB,
		})
		if err != nil {
			return err
		}
		if q.PartitionUnion {
			server = p.sb.PartitionUnion(server, numGB > 0)
		}
		p.pq.serverPlan = p.sb.Build(server)
		recv, err := p.receive(rowexec.ReceiveSpec{
			ServerPlan: p.pq.serverPlan,
			SortFields: q.GroupBy,
			SortSpecs:  sortSpecs(numGB),
		})
		if err != nil {
			return err
		}
		field := func(name string) execinfra.PlanIter {
			return p.cb.FieldStep(p.cb.VarRef(recv, "$r"), name)
		}
		ccols := make([]execinfra.PlanIter, 0, len(names))
		for _, f := range q.GroupBy {
			ccols = append(ccols, field(f))
		}
		for _, a := range aggs {
			ccols = append(ccols, p.cb.Agg(a.fn, field(a.name), true))
		}
		offset, err := p.bound(q.Offset)
		if err != nil {
			return err
		}
		limit, err := p.bound(q.Limit)
		if err != nil {
			return err
		}
		root, err := p.cb.SFW(rowexec.SFWSpec{
			From:         []execinfra.PlanIter{recv},
			FromVars:     []string{"$r"},
			Columns:      ccols,
			ColumnNames:  names,
			Grouping:     true,
			NumGBColumns: numGB,
			Offset:       offset,
			Limit:        limit,
		})
		if err != nil {
			return err
		}
		p.pq.plan = p.cb.Build(root)
		p.pq.columns = names
		return nil
	}

	// The servers hash the rows they scan into groups; the input of a
	// GROUP is a record of the grouping fields and the aggregated fields.
	for _, a := range aggs {
		if a.fn == rowexec.AggCountStar {
			cols = append(cols, p.sb.Const(value.DTrue))
		} else {
			cols = append(cols, path(p.sb, scan, "$t", a.field))
		}
	}
	sfw, err := p.sb.SFW(rowexec.SFWSpec{
		From:        []execinfra.PlanIter{scan},
		FromVars:    []string{"$t"},
		Where:       where,
		Columns:     cols,
		ColumnNames: names,
	})
	if err != nil {
		return err
	}
	p.pq.serverPlan = p.sb.Build(p.sb.Group(sfw, numGB, names, funcs, false))
	recv, err := p.receive(rowexec.ReceiveSpec{ServerPlan: p.pq.serverPlan})
	if err != nil {
		return err
	}
	return p.project(p.cb.Group(recv, numGB, names, funcs, true), "$g", names)
}
