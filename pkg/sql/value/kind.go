// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package value

// Kind is the type tag of a Value.
type Kind uint8

// Value kinds. The numeric values are part of the wire format and must not
// be reordered.
const (
	KindInteger Kind = iota + 1
	KindLong
	KindFloat
	KindDouble
	KindNumber
	KindString
	KindBoolean
	KindBinary
	KindFixedBinary
	KindTimestamp
	KindEnum
	KindRecord
	KindMap
	KindArray
	KindNull
	KindJSONNull
	KindEmpty
	// KindAny is only used in types, never as the kind of a value.
	KindAny
)

var kindNames = [...]string{
	KindInteger:     "INTEGER",
	KindLong:        "LONG",
	KindFloat:       "FLOAT",
	KindDouble:      "DOUBLE",
	KindNumber:      "NUMBER",
	KindString:      "STRING",
	KindBoolean:     "BOOLEAN",
	KindBinary:      "BINARY",
	KindFixedBinary: "FIXED_BINARY",
	KindTimestamp:   "TIMESTAMP",
	KindEnum:        "ENUM",
	KindRecord:      "RECORD",
	KindMap:         "MAP",
	KindArray:       "ARRAY",
	KindNull:        "NULL",
	KindJSONNull:    "JSON_NULL",
	KindEmpty:       "EMPTY",
	KindAny:         "ANY",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return "UNKNOWN"
}

// SafeValue implements redact.SafeValue.
func (Kind) SafeValue() {}

// KindByName is the inverse of Kind.String.
func KindByName(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name && n != "" {
			return Kind(k), true
		}
	}
	return 0, false
}

// IsNumeric returns true for the five numeric kinds.
func (k Kind) IsNumeric() bool {
	return k >= KindInteger && k <= KindNumber
}

// IsIntegral returns true for INTEGER and LONG.
func (k Kind) IsIntegral() bool {
	return k == KindInteger || k == KindLong
}

// IsFloating returns true for FLOAT and DOUBLE.
func (k Kind) IsFloating() bool {
	return k == KindFloat || k == KindDouble
}

// IsComplex returns true for RECORD, MAP and ARRAY.
func (k Kind) IsComplex() bool {
	return k == KindRecord || k == KindMap || k == KindArray
}

// IsBinary returns true for BINARY and FIXED_BINARY.
func (k Kind) IsBinary() bool {
	return k == KindBinary || k == KindFixedBinary
}

// IsAbsent returns true for NULL, JSON_NULL and EMPTY.
func (k Kind) IsAbsent() bool {
	return k == KindNull || k == KindJSONNull || k == KindEmpty
}

// IsAtomic returns true for the kinds that are neither complex nor absent.
func (k Kind) IsAtomic() bool {
	return k >= KindInteger && k <= KindEnum
}
