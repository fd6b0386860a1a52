// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package cliflags

import (
	"fmt"
	"strings"
)

// FlagInfo contains the static information for a CLI flag and helper
// to format the description.
type FlagInfo struct {
	// Name of the flag as used on the command line.
	Name string

	// Shorthand is the short form of the flag (optional).
	Shorthand string

	// EnvVar is the name of the environment variable through which the flag
	// value can be controlled (optional).
	EnvVar string

	// Description of the flag.
	Description string
}

// Usage returns a formatted usage string for the flag, including:
// * line wrapping
// * indentation
// * env variable name (if set)
func (f FlagInfo) Usage() string {
	s := "\n" + strings.TrimSpace(f.Description) + "\n"
	if f.EnvVar != "" {
		s += fmt.Sprintf("Environment variable: %s\n", f.EnvVar)
	}
	// Indent every line.
	return strings.ReplaceAll(s, "\n", "\n        ")
}

var (
	ClusterFile = FlagInfo{
		Name:      "cluster",
		Shorthand: "c",
		EnvVar:    "KVQUERY_CLUSTER",
		Description: `
Path to the YAML description of the in-memory cluster: the shard of every
partition, the tables and their rows.`,
	}

	Settings = FlagInfo{
		Name: "set",
		Description: `
Overrides a query engine setting, as key=value. May be repeated. Run
"kvquery settings" to list the settings.`,
	}

	Verbosity = FlagInfo{
		Name:      "verbosity",
		Shorthand: "v",
		Description: `
Logging verbosity. Level 2 logs every batch and every server request.`,
	}

	Redactable = FlagInfo{
		Name: "redactable-logs",
		Description: `
Keep the redaction markers around the user data in log messages.`,
	}

	TableDisplayFormat = FlagInfo{
		Name: "format",
		Description: `
Selects how to display results. Possible values: pretty, tsv, csv, raw.`,
	}

	BatchSize = FlagInfo{
		Name: "batch-size",
		Description: `
Number of results returned by each batch. Defaults to the
sql.query.batch_size setting.`,
	}

	MaxReadKB = FlagInfo{
		Name: "max-read-kb",
		Description: `
Number of KB a server batch may read. Defaults to the sql.query.max_read_kb
setting.`,
	}

	Continuation = FlagInfo{
		Name: "continuation",
		Description: `
Resume the query from the continuation token printed by a previous run with
--max-batches.`,
	}

	MaxBatches = FlagInfo{
		Name: "max-batches",
		Description: `
Stop after this many batches and print the continuation token of the query.
Zero runs the query to completion.`,
	}

	ExternalVars = FlagInfo{
		Name: "var",
		Description: `
Binds an external variable of the query, as name=value. The value is parsed
as a YAML scalar. May be repeated.`,
	}

	Async = FlagInfo{
		Name: "async",
		Description: `
Run the query without blocking on server requests.`,
	}

	Trace = FlagInfo{
		Name: "trace",
		Description: `
Print the trace of every server batch after the results.`,
	}

	Stats = FlagInfo{
		Name: "stats",
		Description: `
Print the request and batch counters of the query after the results.`,
	}

	QueryID = FlagInfo{
		Name: "query-id",
		Description: `
Name of the query in logs and batch traces.`,
	}

	Verbose = FlagInfo{
		Name: "verbose",
		Description: `
Show the registers, state slots and locations of the plan iterators.`,
	}
)
