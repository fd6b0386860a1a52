// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package cli

import (
	"context"
	"fmt"

	"github.com/cockroachdb/kvquery/pkg/sql/distsql"
	"github.com/cockroachdb/kvquery/pkg/sql/execinfra"
	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var explainCmd = &cobra.Command{
	Use:   "explain <query file>",
	Short: "show the plan of a query",
	Long: `
Prints the plan of the query described in the given YAML file: the client
plan, with the server plan its receive ships to the shards or partitions,
and the size of the server plan on the wire.
`,
	Args: cobra.ExactArgs(1),
	RunE: runExplain,
}

func runExplain(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	lc, pq, err := setupQuery(ctx, args[0])
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	fmt.Fprint(w, execinfra.Explain(pq.plan.Root, explainCtx.verbose))

	version := int16(distsql.SerialVersion.Get(lc.sv))
	data, err := execinfra.EncodePlan(pq.serverPlan, version, false)
	if err != nil {
		return err
	}
	shipped, compressed, err := execinfra.MaybeCompressPlan(data)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "server plan: %s at serial version %d", humanize.Bytes(uint64(len(data))), version)
	if compressed {
		fmt.Fprintf(w, ", %s compressed", humanize.Bytes(uint64(len(shipped))))
	}
	fmt.Fprintln(w)
	if len(pq.vars) > 0 {
		fmt.Fprintf(w, "external variables: %v\n", pq.vars)
	}
	return nil
}
