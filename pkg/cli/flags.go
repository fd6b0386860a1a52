// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package cli

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvquery/pkg/cli/cliflags"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func setFlagFromEnv(f *pflag.FlagSet, flagInfo cliflags.FlagInfo) {
	if flagInfo.EnvVar != "" {
		if value, set := os.LookupEnv(flagInfo.EnvVar); set {
			if err := f.Set(flagInfo.Name, value); err != nil {
				panic(errors.Wrapf(err, "environment variable %s", flagInfo.EnvVar))
			}
		}
	}
}

// StringFlag creates a string flag and registers it with the FlagSet.
func StringFlag(f *pflag.FlagSet, valPtr *string, flagInfo cliflags.FlagInfo, defaultVal string) {
	f.StringVarP(valPtr, flagInfo.Name, flagInfo.Shorthand, defaultVal, flagInfo.Usage())

	setFlagFromEnv(f, flagInfo)
}

// IntFlag creates an int flag and registers it with the FlagSet.
func IntFlag(f *pflag.FlagSet, valPtr *int, flagInfo cliflags.FlagInfo, defaultVal int) {
	f.IntVarP(valPtr, flagInfo.Name, flagInfo.Shorthand, defaultVal, flagInfo.Usage())

	setFlagFromEnv(f, flagInfo)
}

// BoolFlag creates a bool flag and registers it with the FlagSet.
func BoolFlag(f *pflag.FlagSet, valPtr *bool, flagInfo cliflags.FlagInfo, defaultVal bool) {
	f.BoolVarP(valPtr, flagInfo.Name, flagInfo.Shorthand, defaultVal, flagInfo.Usage())

	setFlagFromEnv(f, flagInfo)
}

// StringToStringFlag creates a key=value flag and registers it with the
// FlagSet.
func StringToStringFlag(
	f *pflag.FlagSet, valPtr *map[string]string, flagInfo cliflags.FlagInfo,
) {
	f.StringToStringVarP(valPtr, flagInfo.Name, flagInfo.Shorthand, *valPtr, flagInfo.Usage())
}

// VarFlag creates a custom-variable flag and registers it with the FlagSet.
func VarFlag(f *pflag.FlagSet, value pflag.Value, flagInfo cliflags.FlagInfo) {
	f.VarP(value, flagInfo.Name, flagInfo.Shorthand, flagInfo.Usage())

	setFlagFromEnv(f, flagInfo)
}

func initFlags() {
	{
		f := kvqueryCmd.PersistentFlags()
		StringFlag(f, &cliCtx.clusterFile, cliflags.ClusterFile, cliCtx.clusterFile)
		StringToStringFlag(f, &cliCtx.settings, cliflags.Settings)
		IntFlag(f, &cliCtx.verbosity, cliflags.Verbosity, cliCtx.verbosity)
		BoolFlag(f, &cliCtx.redactable, cliflags.Redactable, cliCtx.redactable)
	}

	for _, cmd := range []*cobra.Command{runCmd, settingsCmd} {
		VarFlag(cmd.Flags(), &cliCtx.tableDisplayFormat, cliflags.TableDisplayFormat)
	}

	{
		f := runCmd.Flags()
		IntFlag(f, &runCtx.batchSize, cliflags.BatchSize, runCtx.batchSize)
		IntFlag(f, &runCtx.maxReadKB, cliflags.MaxReadKB, runCtx.maxReadKB)
		StringFlag(f, &runCtx.continuation, cliflags.Continuation, runCtx.continuation)
		IntFlag(f, &runCtx.maxBatches, cliflags.MaxBatches, runCtx.maxBatches)
		StringToStringFlag(f, &runCtx.externalVars, cliflags.ExternalVars)
		BoolFlag(f, &runCtx.async, cliflags.Async, runCtx.async)
		BoolFlag(f, &runCtx.trace, cliflags.Trace, runCtx.trace)
		BoolFlag(f, &runCtx.stats, cliflags.Stats, runCtx.stats)
		StringFlag(f, &runCtx.queryID, cliflags.QueryID, runCtx.queryID)
	}

	BoolFlag(explainCmd.Flags(), &explainCtx.verbose, cliflags.Verbose, explainCtx.verbose)
}
