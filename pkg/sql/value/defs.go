// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package value

import (
	"strings"

	"github.com/cockroachdb/redact"
)

// EnumDef is the declaration of an enum type.
type EnumDef struct {
	Name    string
	Symbols []string
}

// Ordinal returns the position of the symbol in the declaration.
func (d *EnumDef) Ordinal(symbol string) (int32, bool) {
	for i, s := range d.Symbols {
		if s == symbol {
			return int32(i), true
		}
	}
	return 0, false
}

// Equal returns true if both definitions declare the same symbols.
func (d *EnumDef) Equal(o *EnumDef) bool {
	if d == o {
		return true
	}
	if d == nil || o == nil || d.Name != o.Name || len(d.Symbols) != len(o.Symbols) {
		return false
	}
	for i := range d.Symbols {
		if d.Symbols[i] != o.Symbols[i] {
			return false
		}
	}
	return true
}

// RecordDef is the declaration of a record type: its field names in order.
type RecordDef struct {
	Name       string
	FieldNames []string
}

// NewRecordDef is a convenience constructor.
func NewRecordDef(name string, fields ...string) *RecordDef {
	return &RecordDef{Name: name, FieldNames: fields}
}

// NumFields returns the number of fields.
func (d *RecordDef) NumFields() int { return len(d.FieldNames) }

// FieldIndex returns the position of the named field. Field names are
// case-insensitive.
func (d *RecordDef) FieldIndex(name string) (int, bool) {
	for i, f := range d.FieldNames {
		if strings.EqualFold(f, name) {
			return i, true
		}
	}
	return 0, false
}

// SameFields returns true if both definitions have the same number of
// fields with case-insensitively equal names.
func (d *RecordDef) SameFields(o *RecordDef) bool {
	if d == o {
		return true
	}
	if len(d.FieldNames) != len(o.FieldNames) {
		return false
	}
	for i := range d.FieldNames {
		if !strings.EqualFold(d.FieldNames[i], o.FieldNames[i]) {
			return false
		}
	}
	return true
}

// Type describes the declared type of a column or variable.
type Type struct {
	Kind Kind
	// Enum is set for KindEnum.
	Enum *EnumDef
	// Precision is the fractional second digits of a KindTimestamp.
	Precision int8
}

// SafeFormat implements redact.SafeFormatter.
func (t Type) SafeFormat(w redact.SafePrinter, _ rune) {
	switch t.Kind {
	case KindEnum:
		if t.Enum != nil {
			w.Printf("ENUM(%s)", redact.SafeString(t.Enum.Name))
			return
		}
	case KindTimestamp:
		w.Printf("TIMESTAMP(%d)", t.Precision)
		return
	}
	w.Print(t.Kind)
}

func (t Type) String() string { return redact.StringWithoutMarkers(t) }
