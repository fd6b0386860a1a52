// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package execinfra

import (
	"fmt"
	"strings"
)

// Display collects the attributes of one node of an EXPLAIN tree.
type Display struct {
	attrs []string
}

// Attr adds a key=value attribute.
func (d *Display) Attr(key string, val interface{}) {
	d.attrs = append(d.attrs, fmt.Sprintf("%s=%v", key, val))
}

// Flag adds a bare attribute.
func (d *Display) Flag(name string) {
	d.attrs = append(d.attrs, name)
}

// Explain renders the plan rooted at it as an indented tree, one iterator
// per line. Verbose output includes registers and state slots.
func Explain(it PlanIter, verbose bool) string {
	var b strings.Builder
	explain(&b, it, 0, verbose)
	return b.String()
}

func explain(b *strings.Builder, it PlanIter, depth int, verbose bool) {
	for i := 0; i < depth; i++ {
		b.WriteString("  ")
	}
	b.WriteString(it.Kind().String())
	var d Display
	it.DisplayContent(&d)
	if verbose {
		d.Attr("reg", it.ResultReg())
		d.Attr("state", it.StatePos())
	}
	if len(d.attrs) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(d.attrs, ", "))
		b.WriteByte(')')
	}
	b.WriteByte('\n')
	for _, c := range it.Children() {
		if c != nil {
			explain(b, c, depth+1, verbose)
		}
	}
}
