// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package cli implements the kvquery command line tool. The tool loads the
// description of a cluster into an in-memory cluster and runs or explains
// queries against it.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvquery/pkg/sql/execerror"
	"github.com/cockroachdb/kvquery/pkg/util/log"
	"github.com/spf13/cobra"
)

// Proxy to allow overrides in tests.
var stderr io.Writer = os.Stderr

var kvqueryCmd = &cobra.Command{
	Use:   "kvquery [command] (flags)",
	Short: "distributed query engine over an in-memory cluster",
	Long: `
Runs distributed queries over an in-memory cluster described by a YAML file.
The cluster file lists the shard of every partition, the tables and their
rows; the query file names a table and describes the query to run on it.
`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cliCtx.restore = append(cliCtx.restore,
			log.SetVerbosity(log.Level(cliCtx.verbosity)),
			log.SetRedactable(cliCtx.redactable),
		)
		return nil
	},
}

func init() {
	cobra.EnableCommandSorting = false

	kvqueryCmd.AddCommand(
		runCmd,
		explainCmd,
		settingsCmd,
	)
	initCLIDefaults()
	initFlags()
}

// Main is the entry point of the kvquery binary.
func Main() {
	if err := Run(os.Args[1:]); err != nil {
		printError(stderr, err)
		os.Exit(1)
	}
}

// Run runs the command line tool with the given arguments.
func Run(args []string) error {
	defer func() {
		for i := len(cliCtx.restore) - 1; i >= 0; i-- {
			cliCtx.restore[i]()
		}
		cliCtx.restore = nil
	}()
	kvqueryCmd.SetArgs(args)
	return kvqueryCmd.Execute()
}

// printError prints err with its code and hints.
func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "ERROR: %v\n", err)
	if code := execerror.GetCode(err); code != execerror.CodeUncategorized {
		fmt.Fprintf(w, "CODE: %s\n", code)
	}
	if loc, ok := execerror.GetLocation(err); ok {
		fmt.Fprintf(w, "LOCATION: %s\n", loc)
	}
	if d := errors.FlattenDetails(err); d != "" {
		fmt.Fprintf(w, "DETAIL: %s\n", d)
	}
	if h := errors.FlattenHints(err); h != "" {
		fmt.Fprintf(w, "HINT: %s\n", h)
	}
}
