// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package value

import (
	"encoding/base64"
	"strconv"
	"strings"
)

func (d DInteger) String() string { return strconv.FormatInt(int64(d), 10) }
func (d DLong) String() string    { return strconv.FormatInt(int64(d), 10) }
func (d DFloat) String() string   { return strconv.FormatFloat(float64(d), 'g', -1, 32) }
func (d DDouble) String() string  { return strconv.FormatFloat(float64(d), 'g', -1, 64) }
func (d *DNumber) String() string { return d.Decimal.String() }
func (d DString) String() string  { return strconv.Quote(string(d)) }
func (d DBool) String() string    { return strconv.FormatBool(bool(d)) }
func (d DBinary) String() string  { return strconv.Quote(base64.StdEncoding.EncodeToString(d)) }
func (d DFixedBinary) String() string {
	return strconv.Quote(base64.StdEncoding.EncodeToString(d))
}
func (d *DEnum) String() string { return strconv.Quote(d.Symbol()) }

func (d *DTimestamp) String() string {
	layout := "2006-01-02T15:04:05"
	if d.Precision > 0 {
		layout += "." + strings.Repeat("0", int(d.Precision))
	}
	return strconv.Quote(d.Time.UTC().Format(layout) + "Z")
}

func (d *DRecord) String() string {
	var b strings.Builder
	formatFields(&b, d.Def, d.Fields)
	return b.String()
}

func (t *Tuple) String() string {
	var b strings.Builder
	formatFields(&b, t.Def, t.Regs)
	return b.String()
}

func formatFields(b *strings.Builder, def *RecordDef, fields []Value) {
	b.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		name := ""
		if def != nil && i < len(def.FieldNames) {
			name = def.FieldNames[i]
		}
		b.WriteString(strconv.Quote(name))
		b.WriteByte(':')
		b.WriteString(format(f))
	}
	b.WriteByte('}')
}

func (m *DMap) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(k))
		b.WriteByte(':')
		b.WriteString(format(m.vals[k]))
	}
	b.WriteByte('}')
	return b.String()
}

func (a *DArray) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, e := range a.Elems {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(format(e))
	}
	b.WriteByte(']')
	return b.String()
}

func (nullValue) String() string     { return "NULL" }
func (jsonNullValue) String() string { return "null" }
func (emptyValue) String() string    { return "EMPTY" }

func format(v Value) string {
	if v == nil {
		return "<nil>"
	}
	return v.String()
}

// FormatValues renders a row of values, space separated.
func FormatValues(vals []Value) string {
	var b strings.Builder
	for i, v := range vals {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(format(v))
	}
	return b.String()
}
