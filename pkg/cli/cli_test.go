// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvquery/pkg/sql/execerror"
	"github.com/cockroachdb/kvquery/pkg/sql/value"
	"github.com/cockroachdb/kvquery/pkg/util/log"
	"github.com/stretchr/testify/require"
)

const testCluster = `
partitions: [1, 1, 2, 2]
settings:
  sql.query.plan_cache_size: "16"
tables:
  - name: items
    columns:
      - {name: id, type: LONG}
      - {name: grp, type: STRING}
      - {name: amount, type: LONG}
      - {name: tags, type: ARRAY}
    primary_key: [id]
    indexes:
      - {name: by_grp, fields: [grp]}
      - {name: by_tag, fields: ["tags[]"]}
    rows:
      - [1, north, 10, [a, b]]
      - [2, west, 20, [b]]
      - [3, east, 30, []]
      - [4, north, 40, [a, b, c]]
      - [5, west, 50, [c]]
      - [6, east, 60, [a]]
      - [7, north, 70, []]
      - [8, west, 80, [b, c]]
`

func writeFile(t *testing.T, name, contents string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

// runCLI runs the command line tool and returns its output.
func runCLI(t *testing.T, args ...string) (string, error) {
	initCLIDefaults()
	var buf bytes.Buffer
	kvqueryCmd.SetOut(&buf)
	defer kvqueryCmd.SetOut(nil)
	err := Run(args)
	return buf.String(), err
}

// runQueryCLI runs the given query over the test cluster.
func runQueryCLI(t *testing.T, query string, flags ...string) (string, error) {
	cluster := writeFile(t, "cluster.yaml", testCluster)
	qf := writeFile(t, "query.yaml", query)
	args := append([]string{"run", "--cluster", cluster, "--format", "tsv"}, flags...)
	return runCLI(t, append(args, qf)...)
}

// sortedLines returns the result lines of a tsv output, without the row
// count and the header, sorted.
func sortedLines(t *testing.T, out string) []string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.GreaterOrEqual(t, len(lines), 2, out)
	res := append([]string(nil), lines[2:]...)
	sort.Strings(res)
	return res
}

func TestRunSelect(t *testing.T) {
	defer log.Scope(t).Close(t)

	const query = `
table: items
parallel: true
select: [id, amount]
where:
  - {field: amount, op: ">=", value: 30}
order_by: [id]
`
	for _, batchSize := range []string{"1", "2", "100"} {
		out, err := runQueryCLI(t, query, "--batch-size", batchSize)
		require.NoError(t, err)
		require.Equal(t, "6 rows\nid\tamount\n3\t30\n4\t40\n5\t50\n6\t60\n7\t70\n8\t80\n", out,
			"batch size %s", batchSize)
	}

	t.Run("offset-limit", func(t *testing.T) {
		out, err := runQueryCLI(t, query+"offset: 1\nlimit: 3\n", "--batch-size", "2")
		require.NoError(t, err)
		require.Equal(t, "3 rows\nid\tamount\n4\t40\n5\t50\n6\t60\n", out)
	})

	t.Run("any-of", func(t *testing.T) {
		out, err := runQueryCLI(t, `
table: items
distribution: all-partitions
select: [id]
where:
  - any_of:
      - {field: grp, op: "=", value: east}
      - {field: id, op: "<", value: 2}
order_by: [id]
`)
		require.NoError(t, err)
		require.Equal(t, "3 rows\nid\n1\n3\n6\n", out)
	})

	t.Run("pretty", func(t *testing.T) {
		cluster := writeFile(t, "cluster.yaml", testCluster)
		qf := writeFile(t, "query.yaml", query)
		out, err := runCLI(t, "run", "--cluster", cluster, qf)
		require.NoError(t, err)
		require.Contains(t, out, "amount")
		require.Contains(t, out, "(6 rows)")
	})
}

func TestRunGrouping(t *testing.T) {
	defer log.Scope(t).Close(t)

	expected := []string{"east\t2\t90", "north\t3\t120", "west\t3\t150"}
	const aggs = `
group_by: [grp]
aggregates:
  - {fn: count}
  - {fn: sum, field: amount, as: total}
`
	t.Run("index-order", func(t *testing.T) {
		for _, batchSize := range []string{"1", "2", "100"} {
			out, err := runQueryCLI(t, "table: items\nindex: by_grp\nparallel: true\n"+aggs,
				"--batch-size", batchSize)
			require.NoError(t, err)
			require.Equal(t, "3 rows\ngrp\tcount\ttotal\n"+strings.Join(expected, "\n")+"\n", out,
				"batch size %s", batchSize)
		}
	})

	t.Run("old-style", func(t *testing.T) {
		out, err := runQueryCLI(t, "table: items\nindex: by_grp\n"+aggs,
			"--batch-size", "1", "--set", "sql.query.serial_version=2")
		require.NoError(t, err)
		require.Equal(t, expected, sortedLines(t, out))
	})

	t.Run("hashed", func(t *testing.T) {
		for _, batchSize := range []string{"1", "100"} {
			out, err := runQueryCLI(t, "table: items\n"+aggs, "--batch-size", batchSize)
			require.NoError(t, err)
			require.Equal(t, expected, sortedLines(t, out), "batch size %s", batchSize)
		}
	})

	t.Run("no-groups", func(t *testing.T) {
		out, err := runQueryCLI(t, `
table: items
aggregates:
  - {fn: count, as: n}
  - {fn: max, field: amount}
`)
		require.NoError(t, err)
		require.Equal(t, "1 row\nn\tmax_amount\n8\t80\n", out)
	})

	t.Run("no-continuation", func(t *testing.T) {
		_, err := runQueryCLI(t, "table: items\nindex: by_grp\n"+aggs,
			"--batch-size", "1", "--max-batches", "1")
		require.Error(t, err)
		require.Equal(t, execerror.CodeInvalidContinuation, execerror.GetCode(err))
	})
}

func TestRunContinuation(t *testing.T) {
	defer log.Scope(t).Close(t)

	const query = "table: items\nselect: [id]\norder_by: [id]\n"
	out, err := runQueryCLI(t, query, "--batch-size", "3", "--max-batches", "1")
	require.NoError(t, err)
	const prefix = "3 rows\nid\n1\n2\n3\ncontinuation: "
	require.True(t, strings.HasPrefix(out, prefix), out)
	tok := strings.TrimSpace(strings.TrimPrefix(out, prefix))
	require.NotEmpty(t, tok)

	out, err = runQueryCLI(t, query, "--batch-size", "3", "--continuation", tok)
	require.NoError(t, err)
	require.Equal(t, "5 rows\nid\n4\n5\n6\n7\n8\n", out)

	_, err = runQueryCLI(t, query, "--continuation", "not a token")
	require.Error(t, err)
	require.Equal(t, execerror.CodeInvalidContinuation, execerror.GetCode(err))
}

func TestRunExternalVars(t *testing.T) {
	defer log.Scope(t).Close(t)

	const query = `
table: items
select: [id]
where:
  - {field: amount, op: ">", value: $min}
order_by: [id]
limit: $n
`
	out, err := runQueryCLI(t, query, "--var", "min=40", "--var", "n=2")
	require.NoError(t, err)
	require.Equal(t, "2 rows\nid\n5\n6\n", out)

	_, err = runQueryCLI(t, query, "--var", "min=40")
	require.Error(t, err)
	require.Contains(t, err.Error(), "$n is not bound")
	require.Contains(t, errors.FlattenHints(err), "--var n=")
}

func TestRunDedup(t *testing.T) {
	defer log.Scope(t).Close(t)

	const query = "table: items\nindex: by_tag\nparallel: true\nselect: [id]\n"
	out, err := runQueryCLI(t, query+"dedup: true\n", "--batch-size", "2")
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2", "3", "4", "5", "6", "7", "8"}, sortedLines(t, out))

	// Without dedup a row is returned once per index entry, and a row with
	// no tags has one entry.
	out, err = runQueryCLI(t, query)
	require.NoError(t, err)
	require.Len(t, sortedLines(t, out), 12)
}

func TestRunSinglePartition(t *testing.T) {
	defer log.Scope(t).Close(t)

	out, err := runQueryCLI(t, `
table: items
distribution: single-partition
shard_key: [4]
range: {start: 4, end: 4, start_inclusive: true, end_inclusive: true}
select: [id, grp]
`, "--stats")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "1 row\nid\tgrp\n4\tnorth\n"), out)
	require.Contains(t, out, "server requests")

	_, err = runQueryCLI(t, "table: items\ndistribution: single-partition\n")
	require.Error(t, err)
	require.Equal(t, execerror.CodeInvalidArgument, execerror.GetCode(err))
}

func TestRunPartitionUnion(t *testing.T) {
	defer log.Scope(t).Close(t)

	out, err := runQueryCLI(t, "table: items\nselect: [id]\norder_by: [id]\npartition_union: true\n",
		"--batch-size", "3")
	require.NoError(t, err)
	require.Equal(t, "8 rows\nid\n1\n2\n3\n4\n5\n6\n7\n8\n", out)

	_, err = runQueryCLI(t, "table: items\ndistribution: all-partitions\npartition_union: true\n")
	require.Error(t, err)
}

func TestRunAsync(t *testing.T) {
	defer log.Scope(t).Close(t)

	cluster := writeFile(t, "cluster.yaml", "latency: 1ms\n"+testCluster)
	qf := writeFile(t, "query.yaml", "table: items\nparallel: true\nselect: [id]\n")
	out, err := runCLI(t, "run", "--cluster", cluster, "--format", "tsv", "--async",
		"--batch-size", "3", qf)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2", "3", "4", "5", "6", "7", "8"}, sortedLines(t, out))
}

func TestRunTrace(t *testing.T) {
	defer log.Scope(t).Close(t)

	out, err := runQueryCLI(t, "table: items\nselect: [id]\n", "--trace", "--query-id", "traced")
	require.NoError(t, err)
	require.Contains(t, out, "-- batch traced/")
}

func TestRunErrors(t *testing.T) {
	defer log.Scope(t).Close(t)

	for _, tc := range []struct {
		name  string
		query string
		code  execerror.Code
		hint  string
	}{
		{name: "unknown-table", query: "table: nope\n", code: execerror.CodeUnknownTable},
		{name: "unknown-column", query: "table: items\nselect: [nope]\n", code: execerror.CodeInvalidArgument},
		{name: "unknown-index", query: "table: items\nindex: nope\n", code: execerror.CodeInvalidArgument},
		{
			name:  "order-not-indexed",
			query: "table: items\norder_by: [amount]\n",
			code:  execerror.CodeInvalidArgument,
			hint:  "prefix of the fields of the scanned index",
		},
		{
			name:  "unordered-group-union",
			query: "table: items\ngroup_by: [grp]\npartition_union: true\n",
			code:  execerror.CodeInvalidArgument,
			hint:  "first fields are the grouping fields",
		},
		{
			name:  "unknown-aggregate",
			query: "table: items\naggregates: [{fn: avg, field: amount}]\n",
			code:  execerror.CodeInvalidArgument,
		},
		{
			name:  "bad-operator",
			query: "table: items\nwhere: [{field: id, op: '~', value: 1}]\n",
			code:  execerror.CodeInvalidArgument,
		},
		{
			name:  "bad-literal",
			query: "table: items\nwhere: [{field: id, op: '=', value: abc}]\n",
			code:  execerror.CodeInvalidArgument,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := runQueryCLI(t, tc.query)
			require.Error(t, err)
			require.Equal(t, tc.code, execerror.GetCode(err), "%v", err)
			if tc.hint != "" {
				var buf bytes.Buffer
				printError(&buf, err)
				require.Contains(t, buf.String(), "HINT: ")
				require.Contains(t, buf.String(), tc.hint)
			}
		})
	}

	t.Run("no-cluster", func(t *testing.T) {
		qf := writeFile(t, "query.yaml", "table: items\n")
		_, err := runCLI(t, "run", qf)
		require.Error(t, err)
		require.Contains(t, errors.FlattenHints(err), "--cluster")
	})

	t.Run("strict-yaml", func(t *testing.T) {
		_, err := runQueryCLI(t, "table: items\nselct: [id]\n")
		require.Error(t, err)
		require.Contains(t, err.Error(), "parsing query")
	})
}

func TestExplain(t *testing.T) {
	defer log.Scope(t).Close(t)

	cluster := writeFile(t, "cluster.yaml", testCluster)
	qf := writeFile(t, "query.yaml", `
table: items
index: by_grp
parallel: true
group_by: [grp]
aggregates: [{fn: sum, field: amount}]
where: [{field: amount, op: ">", value: $min}]
`)
	out, err := runCLI(t, "explain", "--cluster", cluster, qf)
	require.NoError(t, err)
	require.Contains(t, out, "RECEIVE (dist=all-shards, parallel, sort=[grp])")
	require.Contains(t, out, "TABLE_SCAN")
	require.Contains(t, out, "EXTERNAL_VAR_REF")
	require.Contains(t, out, "at serial version 3")
	require.Contains(t, out, "external variables: [min]")
	require.NotContains(t, out, "reg=")

	out, err = runCLI(t, "explain", "--cluster", cluster, "--verbose", qf)
	require.NoError(t, err)
	require.Contains(t, out, "reg=")
}

func TestSettingsCmd(t *testing.T) {
	defer log.Scope(t).Close(t)

	out, err := runCLI(t, "settings", "--format", "tsv", "--set", "sql.query.batch_size=7")
	require.NoError(t, err)
	require.Contains(t, out, "sql.query.batch_size\t7\t100\ti\t")
	require.Contains(t, out, "sql.query.server_memory_limit\t64 MiB\t64 MiB\tz\t")

	cluster := writeFile(t, "cluster.yaml", testCluster)
	out, err = runCLI(t, "settings", "--cluster", cluster)
	require.NoError(t, err)
	require.Contains(t, out, "sql.query.plan_cache_size")

	_, err = runCLI(t, "settings", "--set", "sql.query.nope=1")
	require.Error(t, err)
	require.Contains(t, errors.FlattenHints(err), "kvquery settings")

	_, err = runCLI(t, "settings", "--set", "sql.query.batch_size=0")
	require.Error(t, err)
}

func TestParseClusterDesc(t *testing.T) {
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	d, err := parseClusterDesc([]byte(`
partitions: [1, 2]
tables:
  - name: typed
    columns:
      - {name: id, type: integer}
      - {name: price, type: NUMBER}
      - {name: color, type: ENUM, symbols: [red, green]}
      - {name: at, type: TIMESTAMP, precision: 3}
      - {name: raw, type: BINARY}
      - {name: attrs, type: MAP}
      - {name: any}
    primary_key: [id]
    rows:
      - [1, "1.50", green, "2024-01-02T03:04:05.678Z", "AQID", {b: 2, a: x}, 2.5]
    placement:
      1:
        - [2, 3, red, null, null, null, [1]]
`))
	require.NoError(t, err)
	lc, err := d.build(ctx, nil)
	require.NoError(t, err)
	tbl, err := lc.cluster.GetTable(ctx, "", "typed")
	require.NoError(t, err)
	rows := append(lc.cluster.Rows(tbl, 0), lc.cluster.Rows(tbl, 1)...)
	require.Len(t, rows, 2)
	var row []value.Value
	for _, r := range rows {
		if n, _ := value.Int64(r[0]); n == 1 {
			row = r
		}
	}
	require.NotNil(t, row)
	require.Equal(t, value.KindInteger, row[0].Kind())
	require.Equal(t, value.KindNumber, row[1].Kind())
	require.Equal(t, `"green"`, row[2].String())
	require.Equal(t, value.KindTimestamp, row[3].Kind())
	require.Equal(t, value.DBinary{1, 2, 3}, row[4])
	require.Equal(t, []string{"a", "b"}, row[5].(*value.DMap).Keys())
	require.Equal(t, value.DDouble(2.5), row[6])
	var placed bool
	for _, r := range lc.cluster.Rows(tbl, 1) {
		if n, _ := value.Int64(r[0]); n == 2 {
			placed = true
			require.Equal(t, value.NewArray(value.DLong(1)), r[6])
		}
	}
	require.True(t, placed)

	for _, tc := range []struct {
		name, desc, err string
	}{
		{"no-partitions", "tables: []\n", "no partitions"},
		{"unknown-type", "partitions: [1]\ntables: [{name: t, columns: [{name: a, type: nope}], primary_key: [a]}]\n", "unknown type"},
		{"row-length", "partitions: [1]\ntables: [{name: t, columns: [{name: a, type: LONG}], primary_key: [a], rows: [[1, 2]]}]\n", "2 values for 1 columns"},
		{"bad-value", "partitions: [1]\ntables: [{name: t, columns: [{name: a, type: LONG}], primary_key: [a], rows: [[x]]}]\n", "cannot use"},
		{"bad-pk", "partitions: [1]\ntables: [{name: t, columns: [{name: a, type: LONG}], primary_key: [b]}]\n", "unknown column b"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d, err := parseClusterDesc([]byte(tc.desc))
			if err == nil {
				_, err = d.build(ctx, nil)
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.err)
		})
	}
}

func TestTableDisplayFormat(t *testing.T) {
	var f tableDisplayFormat
	require.NoError(t, f.Set("csv"))
	require.Equal(t, "csv", f.String())
	err := f.Set("html")
	require.Error(t, err)
	require.Contains(t, err.Error(), "possible values: pretty, tsv, csv, raw")

	var buf bytes.Buffer
	def := value.NewRecordDef("", "a", "b")
	rows := []value.Value{value.NewRecord(def, value.DString("x,y"), value.DLong(1))}
	require.NoError(t, printQueryOutput(&buf, []string{"a", "b"}, rows, tableDisplayCSV))
	require.Equal(t, "1 row\na,b\n\"x,y\",1\n", buf.String())

	buf.Reset()
	require.NoError(t, printQueryOutput(&buf, []string{"a", "b"}, rows, tableDisplayRaw))
	require.Equal(t, rows[0].String()+"\n", buf.String())
}
