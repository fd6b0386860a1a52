// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package cli

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvquery/pkg/sql/value"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/pflag"
)

// tableDisplayFormat identifies how results are displayed.
type tableDisplayFormat int

// The supported display formats.
const (
	tableDisplayPretty tableDisplayFormat = iota
	tableDisplayTSV
	tableDisplayCSV
	// tableDisplayRaw prints every result as one value.
	tableDisplayRaw
	tableDisplayLastFormat
)

var _ pflag.Value = (*tableDisplayFormat)(nil)

var tableDisplayNames = [...]string{
	tableDisplayPretty: "pretty",
	tableDisplayTSV:    "tsv",
	tableDisplayCSV:    "csv",
	tableDisplayRaw:    "raw",
}

// Type implements the pflag.Value interface.
func (f *tableDisplayFormat) Type() string { return "string" }

// String implements the pflag.Value interface.
func (f *tableDisplayFormat) String() string {
	if *f >= 0 && *f < tableDisplayLastFormat {
		return tableDisplayNames[*f]
	}
	return ""
}

// Set implements the pflag.Value interface.
func (f *tableDisplayFormat) Set(s string) error {
	for i, name := range tableDisplayNames {
		if s == name {
			*f = tableDisplayFormat(i)
			return nil
		}
	}
	return errors.Newf("invalid table display format: %s (possible values: %s)",
		s, strings.Join(tableDisplayNames[:], ", "))
}

// formatValue renders a value in a table cell. Strings are not quoted.
func formatValue(v value.Value) string {
	if s, ok := v.(value.DString); ok {
		return string(s)
	}
	return v.String()
}

// resultStrings returns the cells of a result: the fields of a record, or
// the result itself.
func resultStrings(v value.Value, numCols int) []string {
	if _, fields, ok := value.RecordFields(v); ok && len(fields) == numCols {
		res := make([]string, len(fields))
		for i, f := range fields {
			res[i] = formatValue(f)
		}
		return res
	}
	return []string{formatValue(v)}
}

func pluralize(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// printQueryOutput writes the results with the given column names to w.
func printQueryOutput(
	w io.Writer, cols []string, rows []value.Value, displayFormat tableDisplayFormat,
) error {
	switch displayFormat {
	case tableDisplayPretty:
		table := tablewriter.NewWriter(w)
		table.SetAutoFormatHeaders(false)
		table.SetAutoWrapText(false)
		table.SetHeader(cols)
		for _, r := range rows {
			table.Append(resultStrings(r, len(cols)))
		}
		table.Render()
		fmt.Fprintf(w, "(%d row%s)\n", len(rows), pluralize(len(rows)))

	case tableDisplayTSV, tableDisplayCSV:
		fmt.Fprintf(w, "%d row%s\n", len(rows), pluralize(len(rows)))
		csvWriter := csv.NewWriter(w)
		if displayFormat == tableDisplayTSV {
			csvWriter.Comma = '\t'
		}
		_ = csvWriter.Write(cols)
		for _, r := range rows {
			_ = csvWriter.Write(resultStrings(r, len(cols)))
		}
		csvWriter.Flush()
		return csvWriter.Error()

	case tableDisplayRaw:
		for _, r := range rows {
			fmt.Fprintln(w, r)
		}

	default:
		return errors.AssertionFailedf("unknown display format %d", displayFormat)
	}
	return nil
}

// printTable writes rows of strings as a pretty table.
func printTable(w io.Writer, cols []string, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader(cols)
	table.AppendBulk(rows)
	table.Render()
}
