// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package value implements the dynamically typed values that flow through
// query plans, together with the comparison, ordering, hashing and
// encoding rules the execution engine relies on.
package value

import (
	"time"

	"github.com/cockroachdb/apd/v3"
)

// Value is the closed set of value variants. Each implementation
// corresponds to exactly one Kind, except Tuple which is a RECORD.
type Value interface {
	Kind() Kind
	String() string
	value()
}

type (
	// DInteger is a 32-bit INTEGER.
	DInteger int32
	// DLong is a 64-bit LONG.
	DLong int64
	// DFloat is a 32-bit FLOAT.
	DFloat float32
	// DDouble is a 64-bit DOUBLE.
	DDouble float64
	// DString is a STRING.
	DString string
	// DBool is a BOOLEAN.
	DBool bool
	// DBinary is a BINARY.
	DBinary []byte
	// DFixedBinary is a FIXED_BINARY.
	DFixedBinary []byte
)

// DNumber is an arbitrary precision NUMBER.
type DNumber struct {
	apd.Decimal
}

// DTimestamp is a TIMESTAMP with a fractional second precision between 0
// and 9.
type DTimestamp struct {
	Time      time.Time
	Precision int8
}

// DEnum is a member of an enum type.
type DEnum struct {
	Def     *EnumDef
	Ordinal int32
}

// Symbol returns the enum symbol.
func (e *DEnum) Symbol() string { return e.Def.Symbols[e.Ordinal] }

// DRecord is a heap allocated RECORD that owns its fields.
type DRecord struct {
	Def    *RecordDef
	Fields []Value
}

// Tuple is a RECORD whose fields alias a block of registers. It is only
// valid until the producing iterator overwrites those registers; use
// ToRecord to retain it.
type Tuple struct {
	Def  *RecordDef
	Regs []Value
}

// ToRecord deep copies the tuple.
func (t *Tuple) ToRecord() *DRecord {
	fields := make([]Value, len(t.Regs))
	for i, v := range t.Regs {
		fields[i] = Copy(v)
	}
	return &DRecord{Def: t.Def, Fields: fields}
}

// DMap is a string-keyed MAP that remembers insertion order.
type DMap struct {
	keys []string
	vals map[string]Value
}

// DArray is an ARRAY.
type DArray struct {
	Elems []Value
}

type nullValue struct{}
type jsonNullValue struct{}
type emptyValue struct{}

var (
	// DNull is the SQL NULL.
	DNull Value = nullValue{}
	// DJSONNull is the JSON null literal.
	DJSONNull Value = jsonNullValue{}
	// DEmpty is the result of an expression that produced no items.
	DEmpty Value = emptyValue{}
	// DTrue and DFalse are the boolean singletons.
	DTrue  Value = DBool(true)
	DFalse Value = DBool(false)
)

func (DInteger) Kind() Kind      { return KindInteger }
func (DLong) Kind() Kind         { return KindLong }
func (DFloat) Kind() Kind        { return KindFloat }
func (DDouble) Kind() Kind       { return KindDouble }
func (*DNumber) Kind() Kind      { return KindNumber }
func (DString) Kind() Kind       { return KindString }
func (DBool) Kind() Kind         { return KindBoolean }
func (DBinary) Kind() Kind       { return KindBinary }
func (DFixedBinary) Kind() Kind  { return KindFixedBinary }
func (*DTimestamp) Kind() Kind   { return KindTimestamp }
func (*DEnum) Kind() Kind        { return KindEnum }
func (*DRecord) Kind() Kind      { return KindRecord }
func (*Tuple) Kind() Kind        { return KindRecord }
func (*DMap) Kind() Kind         { return KindMap }
func (*DArray) Kind() Kind       { return KindArray }
func (nullValue) Kind() Kind     { return KindNull }
func (jsonNullValue) Kind() Kind { return KindJSONNull }
func (emptyValue) Kind() Kind    { return KindEmpty }

func (DInteger) value()      {}
func (DLong) value()         {}
func (DFloat) value()        {}
func (DDouble) value()       {}
func (*DNumber) value()      {}
func (DString) value()       {}
func (DBool) value()         {}
func (DBinary) value()       {}
func (DFixedBinary) value()  {}
func (*DTimestamp) value()   {}
func (*DEnum) value()        {}
func (*DRecord) value()      {}
func (*Tuple) value()        {}
func (*DMap) value()         {}
func (*DArray) value()       {}
func (nullValue) value()     {}
func (jsonNullValue) value() {}
func (emptyValue) value()    {}

// NewMap creates an empty map.
func NewMap() *DMap {
	return &DMap{vals: make(map[string]Value)}
}

// Put sets the entry for key. A new key is appended to the iteration order.
func (m *DMap) Put(key string, v Value) {
	if _, ok := m.vals[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = v
}

// Get returns the entry for key.
func (m *DMap) Get(key string) (Value, bool) {
	v, ok := m.vals[key]
	return v, ok
}

// Len returns the number of entries.
func (m *DMap) Len() int { return len(m.keys) }

// Keys returns the keys in insertion order. The slice must not be
// modified.
func (m *DMap) Keys() []string { return m.keys }

// NewArray is a convenience constructor.
func NewArray(elems ...Value) *DArray {
	return &DArray{Elems: elems}
}

// NewRecord is a convenience constructor.
func NewRecord(def *RecordDef, fields ...Value) *DRecord {
	return &DRecord{Def: def, Fields: fields}
}

// RecordFields returns the definition and field values of a RECORD, which
// may be either a DRecord or a Tuple.
func RecordFields(v Value) (*RecordDef, []Value, bool) {
	switch t := v.(type) {
	case *DRecord:
		return t.Def, t.Fields, true
	case *Tuple:
		return t.Def, t.Regs, true
	}
	return nil, nil, false
}

// Copy returns a deep copy of v. Atomic values are immutable and returned
// as is; tuples become records.
func Copy(v Value) Value {
	switch t := v.(type) {
	case *DRecord:
		fields := make([]Value, len(t.Fields))
		for i, f := range t.Fields {
			fields[i] = Copy(f)
		}
		return &DRecord{Def: t.Def, Fields: fields}
	case *Tuple:
		return t.ToRecord()
	case *DMap:
		m := &DMap{keys: append([]string(nil), t.keys...), vals: make(map[string]Value, len(t.vals))}
		for k, e := range t.vals {
			m.vals[k] = Copy(e)
		}
		return m
	case *DArray:
		elems := make([]Value, len(t.Elems))
		for i, e := range t.Elems {
			elems[i] = Copy(e)
		}
		return &DArray{Elems: elems}
	}
	return v
}

// IsNull returns true for the SQL NULL.
func IsNull(v Value) bool { return v == nil || v.Kind() == KindNull }
