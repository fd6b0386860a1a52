// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package kv

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvquery/pkg/sql/execerror"
	"github.com/cockroachdb/kvquery/pkg/sql/value"
)

// Column is a column of a table.
type Column struct {
	Name string
	Type value.Type
}

// Index is a secondary index. Each field names a column; a field ending in
// "[]" indexes every element of an array column, so one row may have
// several entries in the index.
type Index struct {
	Name   string
	Fields []string
}

// Table is the schema of a table.
type Table struct {
	Namespace string
	Name      string
	ID        int32
	Columns   []Column
	// PrimaryKey holds the positions of the primary key columns.
	PrimaryKey []int
	// ShardKeyLen is the length of the primary key prefix that is hashed to
	// pick a row's partition. Zero means the whole primary key.
	ShardKeyLen int
	Indexes     []Index

	defOnce sync.Once
	def     *value.RecordDef
}

// RowDef returns the record definition of the rows of t.
func (t *Table) RowDef() *value.RecordDef {
	t.defOnce.Do(func() {
		names := make([]string, len(t.Columns))
		for i, c := range t.Columns {
			names[i] = c.Name
		}
		t.def = value.NewRecordDef(t.Name, names...)
	})
	return t.def
}

// ColumnIndex returns the position of the column with the given name,
// compared case-insensitively.
func (t *Table) ColumnIndex(name string) (int, bool) {
	for i, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return i, true
		}
	}
	return 0, false
}

// IndexByName returns the index with the given name.
func (t *Table) IndexByName(name string) (*Index, bool) {
	for i := range t.Indexes {
		if strings.EqualFold(t.Indexes[i].Name, name) {
			return &t.Indexes[i], true
		}
	}
	return nil, false
}

// ShardKey returns the shard key prefix of a row's primary key.
func (t *Table) ShardKey(row []value.Value) []value.Value {
	n := t.ShardKeyLen
	if n <= 0 || n > len(t.PrimaryKey) {
		n = len(t.PrimaryKey)
	}
	res := make([]value.Value, n)
	for i := 0; i < n; i++ {
		res[i] = row[t.PrimaryKey[i]]
	}
	return res
}

// PrimaryKeyValues returns the primary key values of a row.
func (t *Table) PrimaryKeyValues(row []value.Value) []value.Value {
	res := make([]value.Value, len(t.PrimaryKey))
	for i, pos := range t.PrimaryKey {
		res[i] = row[pos]
	}
	return res
}

// Validate checks that the schema is well formed.
func (t *Table) Validate() error {
	if t.Name == "" {
		return errors.New("table has no name")
	}
	if len(t.PrimaryKey) == 0 {
		return errors.Newf("table %s has no primary key", t.Name)
	}
	for _, pos := range t.PrimaryKey {
		if pos < 0 || pos >= len(t.Columns) {
			return errors.Newf("table %s: primary key column %d out of range", t.Name, pos)
		}
		if k := t.Columns[pos].Type.Kind; k.IsComplex() {
			return errors.Newf("table %s: primary key column %s has type %s", t.Name, t.Columns[pos].Name, k)
		}
	}
	if t.ShardKeyLen > len(t.PrimaryKey) {
		return errors.Newf("table %s: shard key longer than primary key", t.Name)
	}
	for _, idx := range t.Indexes {
		if len(idx.Fields) == 0 {
			return errors.Newf("table %s: index %s has no fields", t.Name, idx.Name)
		}
		for _, f := range idx.Fields {
			if _, ok := t.ColumnIndex(strings.TrimSuffix(f, "[]")); !ok {
				return errors.Newf("table %s: index %s on unknown column %s", t.Name, idx.Name, f)
			}
		}
	}
	return nil
}

// MetadataResolver looks up table schemas.
type MetadataResolver interface {
	// GetTable returns the schema of a table. Missing tables produce an
	// error with code execerror.CodeUnknownTable.
	GetTable(ctx context.Context, namespace, name string) (*Table, error)
}

// NewUnknownTableError returns the error reported for a missing table.
func NewUnknownTableError(namespace, name string) error {
	if namespace != "" {
		name = namespace + ":" + name
	}
	return execerror.NewQueryErrorf(execerror.CodeUnknownTable, execerror.Location{},
		"table %s not found", name)
}
