// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package cli

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvquery/pkg/sql/distsql"
	"github.com/cockroachdb/kvquery/pkg/sql/execerror"
	"github.com/cockroachdb/kvquery/pkg/sql/value"
	"github.com/cockroachdb/kvquery/pkg/util/log"
	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	yaml "gopkg.in/yaml.v2"
)

var runCmd = &cobra.Command{
	Use:   "run <query file>",
	Short: "run a query",
	Long: `
Runs the query described in the given YAML file over the cluster and prints
its results. With --max-batches the query stops early and prints a
continuation token; pass it to --continuation to resume the query.
`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

// setupCluster loads the cluster of the command.
func setupCluster(ctx context.Context) (*localCluster, error) {
	d, err := loadClusterDesc(cliCtx.clusterFile)
	if err != nil {
		return nil, err
	}
	return d.build(ctx, cliCtx.settings)
}

// setupQuery loads the cluster and plans the query in the given file.
func setupQuery(ctx context.Context, queryFile string) (*localCluster, *plannedQuery, error) {
	lc, err := setupCluster(ctx)
	if err != nil {
		return nil, nil, err
	}
	qd, err := loadQueryDesc(queryFile)
	if err != nil {
		return nil, nil, err
	}
	pq, err := planQuery(ctx, lc.cluster, qd)
	if err != nil {
		return nil, nil, err
	}
	return lc, pq, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	lc, pq, err := setupQuery(ctx, args[0])
	if err != nil {
		return err
	}
	defer lc.dispatcher.Wait()
	opts, err := queryOptions(pq)
	if err != nil {
		return err
	}
	return runQuery(ctx, cmd.OutOrStdout(), lc, pq, opts)
}

// queryOptions returns the options of a query from the flags of the run
// command.
func queryOptions(pq *plannedQuery) (distsql.QueryOptions, error) {
	opts := distsql.QueryOptions{
		QueryID:   runCtx.queryID,
		BatchSize: runCtx.batchSize,
		MaxReadKB: int64(runCtx.maxReadKB),
		Async:     runCtx.async,
		Trace:     runCtx.trace,
	}
	for _, name := range pq.vars {
		s, ok := runCtx.externalVars[name]
		if !ok {
			return opts, errors.WithHintf(errors.Newf("external variable $%s is not bound", name),
				"bind it with --var %s=<value>", name)
		}
		v, err := parseExternalVar(s)
		if err != nil {
			return opts, errors.Wrapf(err, "external variable $%s", name)
		}
		opts.ExternalVars = append(opts.ExternalVars, v)
	}
	if runCtx.continuation != "" {
		tok, err := base64.RawURLEncoding.DecodeString(runCtx.continuation)
		if err != nil {
			return opts, execerror.WrapQueryErrorf(err, execerror.CodeInvalidContinuation,
				execerror.Location{}, "malformed continuation token")
		}
		opts.Continuation = tok
	}
	return opts, nil
}

// parseExternalVar parses the value of an external variable as a YAML
// scalar.
func parseExternalVar(s string) (value.Value, error) {
	var raw interface{}
	if err := yaml.Unmarshal([]byte(s), &raw); err != nil {
		return nil, err
	}
	return yamlValue(raw)
}

// runQuery runs a planned query and prints its results, followed by the
// continuation token if the query stopped early, the batch traces and the
// statistics requested by the flags.
func runQuery(
	ctx context.Context, w io.Writer, lc *localCluster, pq *plannedQuery, opts distsql.QueryOptions,
) error {
	q, err := lc.executor.Start(ctx, pq.plan, opts)
	if err != nil {
		return err
	}
	defer q.Close(ctx)
	ctx = log.WithLogTag(ctx, "qid", q.ID())

	var rows []value.Value
	batches := 0
	for !q.Done() {
		if runCtx.maxBatches > 0 && batches >= runCtx.maxBatches {
			break
		}
		var batch []value.Value
		if opts.Async {
			batch, err = nextBatchAsync(ctx, q)
		} else {
			batch, err = q.NextBatch(ctx)
		}
		if err != nil {
			return err
		}
		log.VEventf(ctx, 1, "batch %d: %d results", batches+1, len(batch))
		rows = append(rows, batch...)
		batches++
	}
	if err := printQueryOutput(w, pq.columns, rows, cliCtx.tableDisplayFormat); err != nil {
		return err
	}

	if !q.Done() {
		tok, err := q.Token()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "continuation: %s\n", base64.RawURLEncoding.EncodeToString(tok))
	}
	if opts.Trace {
		traces := q.BatchTraces()
		names := make([]string, 0, len(traces))
		for name := range traces {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "-- batch %s\n%s", name, traces[name])
		}
	}
	if runCtx.stats {
		printStats(w, lc, batches)
	}
	return nil
}

// nextBatchAsync returns the next batch of an asynchronous query, waiting
// for the server requests the batch depends on.
func nextBatchAsync(ctx context.Context, q *distsql.Query) ([]value.Value, error) {
	var batch []value.Value
	for {
		v, ok, err := q.NextLocal(ctx)
		if errors.Is(err, execerror.ErrResultPending) {
			select {
			case <-q.Ready():
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err != nil {
			return nil, err
		}
		if !ok {
			return batch, nil
		}
		batch = append(batch, v)
	}
}

func printStats(w io.Writer, lc *localCluster, batches int) {
	qm := lc.executor.Metrics()
	sm := lc.server.Metrics()
	itoa := func(n int64) string { return strconv.FormatInt(n, 10) }
	printTable(w, []string{"statistic", "value"}, [][]string{
		{"batches", strconv.Itoa(batches)},
		{"results", itoa(qm.Rows.Count())},
		{"server requests", itoa(sm.Requests.Count())},
		{"suspended server batches", itoa(sm.Suspended.Count())},
		{"plan cache hits", itoa(sm.PlanCache.Count())},
		{"data read", humanize.IBytes(uint64(sm.ReadKB.Count()) << 10)},
		{"retried requests", itoa(lc.dispatcher.Retries.Load())},
	})
}
