// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package value

import (
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gogo/protobuf/proto"
)

// WriteValue appends the wire encoding of v to buf. Tuples are written as
// records.
func WriteValue(buf *proto.Buffer, v Value) error {
	if err := buf.EncodeVarint(uint64(v.Kind())); err != nil {
		return err
	}
	switch t := v.(type) {
	case DInteger:
		return buf.EncodeZigzag64(uint64(int64(t)))
	case DLong:
		return buf.EncodeZigzag64(uint64(t))
	case DFloat:
		return buf.EncodeFixed64(math.Float64bits(float64(t)))
	case DDouble:
		return buf.EncodeFixed64(math.Float64bits(float64(t)))
	case *DNumber:
		return buf.EncodeStringBytes(t.Decimal.String())
	case DString:
		return buf.EncodeStringBytes(string(t))
	case DBool:
		var x uint64
		if t {
			x = 1
		}
		return buf.EncodeVarint(x)
	case DBinary:
		return buf.EncodeRawBytes(t)
	case DFixedBinary:
		return buf.EncodeRawBytes(t)
	case *DTimestamp:
		if err := buf.EncodeZigzag64(uint64(t.Time.Unix())); err != nil {
			return err
		}
		if err := buf.EncodeVarint(uint64(t.Time.Nanosecond())); err != nil {
			return err
		}
		return buf.EncodeVarint(uint64(t.Precision))
	case *DEnum:
		if err := writeEnumDef(buf, t.Def); err != nil {
			return err
		}
		return buf.EncodeVarint(uint64(t.Ordinal))
	case *DRecord, *Tuple:
		def, fields, _ := RecordFields(t)
		if err := WriteRecordDef(buf, def); err != nil {
			return err
		}
		return WriteValues(buf, fields)
	case *DMap:
		if err := buf.EncodeVarint(uint64(t.Len())); err != nil {
			return err
		}
		for _, k := range t.keys {
			if err := buf.EncodeStringBytes(k); err != nil {
				return err
			}
			if err := WriteValue(buf, t.vals[k]); err != nil {
				return err
			}
		}
		return nil
	case *DArray:
		return WriteValues(buf, t.Elems)
	}
	return nil
}

// WriteValues writes a length-prefixed sequence of values.
func WriteValues(buf *proto.Buffer, vals []Value) error {
	if err := buf.EncodeVarint(uint64(len(vals))); err != nil {
		return err
	}
	for _, v := range vals {
		if err := WriteValue(buf, v); err != nil {
			return err
		}
	}
	return nil
}

// ReadValue decodes a value written by WriteValue.
func ReadValue(buf *proto.Buffer) (Value, error) {
	k, err := buf.DecodeVarint()
	if err != nil {
		return nil, err
	}
	switch Kind(k) {
	case KindInteger:
		x, err := buf.DecodeZigzag64()
		return DInteger(int64(x)), err
	case KindLong:
		x, err := buf.DecodeZigzag64()
		return DLong(int64(x)), err
	case KindFloat:
		x, err := buf.DecodeFixed64()
		return DFloat(math.Float64frombits(x)), err
	case KindDouble:
		x, err := buf.DecodeFixed64()
		return DDouble(math.Float64frombits(x)), err
	case KindNumber:
		s, err := buf.DecodeStringBytes()
		if err != nil {
			return nil, err
		}
		return ParseNumber(s)
	case KindString:
		s, err := buf.DecodeStringBytes()
		return DString(s), err
	case KindBoolean:
		x, err := buf.DecodeVarint()
		return DBool(x != 0), err
	case KindBinary:
		b, err := buf.DecodeRawBytes(true /* alloc */)
		return DBinary(b), err
	case KindFixedBinary:
		b, err := buf.DecodeRawBytes(true /* alloc */)
		return DFixedBinary(b), err
	case KindTimestamp:
		sec, err := buf.DecodeZigzag64()
		if err != nil {
			return nil, err
		}
		nsec, err := buf.DecodeVarint()
		if err != nil {
			return nil, err
		}
		prec, err := buf.DecodeVarint()
		if err != nil {
			return nil, err
		}
		return &DTimestamp{Time: time.Unix(int64(sec), int64(nsec)).UTC(), Precision: int8(prec)}, nil
	case KindEnum:
		def, err := readEnumDef(buf)
		if err != nil {
			return nil, err
		}
		ord, err := buf.DecodeVarint()
		if err != nil {
			return nil, err
		}
		if int(ord) >= len(def.Symbols) {
			return nil, errors.Newf("enum ordinal %d out of range for %s", ord, def.Name)
		}
		return &DEnum{Def: def, Ordinal: int32(ord)}, nil
	case KindRecord:
		def, err := ReadRecordDef(buf)
		if err != nil {
			return nil, err
		}
		fields, err := ReadValues(buf)
		if err != nil {
			return nil, err
		}
		return &DRecord{Def: def, Fields: fields}, nil
	case KindMap:
		n, err := buf.DecodeVarint()
		if err != nil {
			return nil, err
		}
		m := NewMap()
		for i := uint64(0); i < n; i++ {
			key, err := buf.DecodeStringBytes()
			if err != nil {
				return nil, err
			}
			e, err := ReadValue(buf)
			if err != nil {
				return nil, err
			}
			m.Put(key, e)
		}
		return m, nil
	case KindArray:
		elems, err := ReadValues(buf)
		if err != nil {
			return nil, err
		}
		return &DArray{Elems: elems}, nil
	case KindNull:
		return DNull, nil
	case KindJSONNull:
		return DJSONNull, nil
	case KindEmpty:
		return DEmpty, nil
	}
	return nil, errors.Newf("unknown value kind %d", k)
}

// ReadValues decodes a sequence written by WriteValues.
func ReadValues(buf *proto.Buffer) ([]Value, error) {
	n, err := buf.DecodeVarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(buf.Bytes())) {
		return nil, errors.Newf("value count %d exceeds remaining input", n)
	}
	vals := make([]Value, n)
	for i := range vals {
		if vals[i], err = ReadValue(buf); err != nil {
			return nil, err
		}
	}
	return vals, nil
}

func writeEnumDef(buf *proto.Buffer, def *EnumDef) error {
	if err := buf.EncodeStringBytes(def.Name); err != nil {
		return err
	}
	return writeStrings(buf, def.Symbols)
}

func readEnumDef(buf *proto.Buffer) (*EnumDef, error) {
	name, err := buf.DecodeStringBytes()
	if err != nil {
		return nil, err
	}
	symbols, err := readStrings(buf)
	if err != nil {
		return nil, err
	}
	return &EnumDef{Name: name, Symbols: symbols}, nil
}

// WriteRecordDef writes a record definition.
func WriteRecordDef(buf *proto.Buffer, def *RecordDef) error {
	if def == nil {
		def = &RecordDef{}
	}
	if err := buf.EncodeStringBytes(def.Name); err != nil {
		return err
	}
	return writeStrings(buf, def.FieldNames)
}

// ReadRecordDef reads a record definition.
func ReadRecordDef(buf *proto.Buffer) (*RecordDef, error) {
	name, err := buf.DecodeStringBytes()
	if err != nil {
		return nil, err
	}
	fields, err := readStrings(buf)
	if err != nil {
		return nil, err
	}
	return &RecordDef{Name: name, FieldNames: fields}, nil
}

// WriteType writes a type descriptor.
func WriteType(buf *proto.Buffer, t Type) error {
	if err := buf.EncodeVarint(uint64(t.Kind)); err != nil {
		return err
	}
	switch t.Kind {
	case KindEnum:
		return writeEnumDef(buf, t.Enum)
	case KindTimestamp:
		return buf.EncodeVarint(uint64(t.Precision))
	}
	return nil
}

// ReadType reads a type descriptor.
func ReadType(buf *proto.Buffer) (Type, error) {
	k, err := buf.DecodeVarint()
	if err != nil {
		return Type{}, err
	}
	t := Type{Kind: Kind(k)}
	switch t.Kind {
	case KindEnum:
		t.Enum, err = readEnumDef(buf)
	case KindTimestamp:
		var p uint64
		p, err = buf.DecodeVarint()
		t.Precision = int8(p)
	}
	return t, err
}

func writeStrings(buf *proto.Buffer, ss []string) error {
	if err := buf.EncodeVarint(uint64(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := buf.EncodeStringBytes(s); err != nil {
			return err
		}
	}
	return nil
}

func readStrings(buf *proto.Buffer) ([]string, error) {
	n, err := buf.DecodeVarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(buf.Bytes())) {
		return nil, errors.Newf("string count %d exceeds remaining input", n)
	}
	ss := make([]string, n)
	for i := range ss {
		if ss[i], err = buf.DecodeStringBytes(); err != nil {
			return nil, err
		}
	}
	return ss, nil
}
