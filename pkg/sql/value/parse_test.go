// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package value

import (
	"math"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var testColor = &EnumDef{Name: "color", Symbols: []string{"red", "green", "blue"}}

// parseTestValue parses the compact literal syntax used by the tests:
//
//	int:5 long:5 float:1.5 double:2.5 number:1.25 str:abc bool:true bin:xyz
//	fbin:xyz ts3:2024-01-02T03:04:05.678 enum:green null jnull empty nan
//	arr(int:1,int:2) rec(a=int:1,b=str:x) map(a=int:1)
func parseTestValue(t testing.TB, s string) Value {
	v, rest := parseOne(t, s)
	require.Empty(t, rest, "trailing input after %q", s)
	return v
}

func parseOne(t testing.TB, s string) (Value, string) {
	switch {
	case strings.HasPrefix(s, "arr("):
		elems, rest := parseList(t, s[len("arr("):])
		vals := make([]Value, len(elems))
		for i, e := range elems {
			vals[i] = e.v
		}
		return NewArray(vals...), rest
	case strings.HasPrefix(s, "rec("):
		elems, rest := parseList(t, s[len("rec("):])
		def := &RecordDef{}
		vals := make([]Value, len(elems))
		for i, e := range elems {
			def.FieldNames = append(def.FieldNames, e.name)
			vals[i] = e.v
		}
		return NewRecord(def, vals...), rest
	case strings.HasPrefix(s, "map("):
		elems, rest := parseList(t, s[len("map("):])
		m := NewMap()
		for _, e := range elems {
			m.Put(e.name, e.v)
		}
		return m, rest
	}
	end := strings.IndexAny(s, ",)")
	if end < 0 {
		end = len(s)
	}
	return parseAtom(t, s[:end]), s[end:]
}

type listElem struct {
	name string
	v    Value
}

func parseList(t testing.TB, s string) ([]listElem, string) {
	var elems []listElem
	for {
		if strings.HasPrefix(s, ")") {
			return elems, s[1:]
		}
		var e listElem
		if eq := strings.Index(s, "="); eq >= 0 && eq < strings.IndexAny(s+")", ",()") {
			e.name = s[:eq]
			s = s[eq+1:]
		}
		e.v, s = parseOne(t, s)
		elems = append(elems, e)
		s = strings.TrimPrefix(s, ",")
		require.NotEmpty(t, s, "unterminated list")
	}
}

func parseAtom(t testing.TB, s string) Value {
	switch s {
	case "null":
		return DNull
	case "jnull":
		return DJSONNull
	case "empty":
		return DEmpty
	case "nan":
		return DDouble(math.NaN())
	}
	kind, lit, ok := strings.Cut(s, ":")
	require.True(t, ok, "bad literal %q", s)
	switch kind {
	case "int":
		i, err := strconv.ParseInt(lit, 10, 32)
		require.NoError(t, err)
		return DInteger(i)
	case "long":
		i, err := strconv.ParseInt(lit, 10, 64)
		require.NoError(t, err)
		return DLong(i)
	case "float":
		f, err := strconv.ParseFloat(lit, 32)
		require.NoError(t, err)
		return DFloat(f)
	case "double":
		f, err := strconv.ParseFloat(lit, 64)
		require.NoError(t, err)
		return DDouble(f)
	case "number":
		n, err := ParseNumber(lit)
		require.NoError(t, err)
		return n
	case "str":
		return DString(lit)
	case "bool":
		return DBool(lit == "true")
	case "bin":
		return DBinary(lit)
	case "fbin":
		return DFixedBinary(lit)
	case "enum":
		ord, ok := testColor.Ordinal(lit)
		require.True(t, ok, "bad color %q", lit)
		return &DEnum{Def: testColor, Ordinal: ord}
	}
	if strings.HasPrefix(kind, "ts") {
		p, err := strconv.Atoi(kind[2:])
		require.NoError(t, err)
		// The literal may contain colons itself.
		ts, err := ParseTimestamp(s[len(kind)+1:], int8(p))
		require.NoError(t, err)
		return ts
	}
	t.Fatalf("unknown literal kind %q", kind)
	return nil
}

func TestParseTestValue(t *testing.T) {
	v := parseTestValue(t, "rec(a=int:1,b=arr(str:x,null),c=map(k=bool:true))")
	require.Equal(t, `{"a":1,"b":["x",NULL],"c":{"k":true}}`, v.String())
	require.Equal(t, `"2024-01-02T03:04:05.678Z"`, parseTestValue(t, "ts3:2024-01-02T03:04:05.6789").String())
}
