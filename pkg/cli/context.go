// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package cli

// cliContext captures the command-line parameters common to every
// command.
type cliContext struct {
	clusterFile string
	settings    map[string]string
	verbosity   int
	redactable  bool

	tableDisplayFormat tableDisplayFormat

	// restore undoes the logging configuration once the command is done.
	restore []func()
}

// cliCtx captures the command-line parameters of the current command.
var cliCtx = cliContext{}

// runContext captures the command-line parameters of the run command.
type runContext struct {
	batchSize    int
	maxReadKB    int
	continuation string
	maxBatches   int
	externalVars map[string]string
	async        bool
	trace        bool
	stats        bool
	queryID      string
}

var runCtx = runContext{}

// explainContext captures the command-line parameters of the explain
// command.
var explainCtx struct {
	verbose bool
}

// initCLIDefaults sets the default values of the command-line parameters.
// It is called before the flags are parsed and by tests between commands.
func initCLIDefaults() {
	cliCtx.clusterFile = ""
	// The maps must not be nil: repeated flags merge into them.
	cliCtx.settings = map[string]string{}
	cliCtx.verbosity = 0
	cliCtx.redactable = false
	cliCtx.tableDisplayFormat = tableDisplayPretty

	runCtx.batchSize = 0
	runCtx.maxReadKB = 0
	runCtx.continuation = ""
	runCtx.maxBatches = 0
	runCtx.externalVars = map[string]string{}
	runCtx.async = false
	runCtx.trace = false
	runCtx.stats = false
	runCtx.queryID = ""

	explainCtx.verbose = false
}
