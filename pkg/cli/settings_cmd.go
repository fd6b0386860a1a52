// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package cli

import (
	"context"
	"encoding/csv"
	"fmt"

	"github.com/cockroachdb/kvquery/pkg/settings"
	"github.com/spf13/cobra"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "list the query engine settings",
	Long: `
Lists the settings of the query engine with their current values. The values
reflect the settings of the cluster description, if one is given, and the
--set overrides.
`,
	Args: cobra.NoArgs,
	RunE: runSettings,
}

func runSettings(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	sv := &settings.Values{}
	sv.Init(ctx)
	u := settings.NewUpdater(sv)
	if cliCtx.clusterFile != "" {
		d, err := loadClusterDesc(cliCtx.clusterFile)
		if err != nil {
			return err
		}
		if err := u.SetAll(ctx, d.Settings); err != nil {
			return err
		}
	}
	if err := u.SetAll(ctx, cliCtx.settings); err != nil {
		return err
	}

	cols := []string{"variable", "value", "default", "type", "description"}
	var rows [][]string
	for _, k := range settings.Keys() {
		s, _ := settings.Lookup(k)
		rows = append(rows, []string{k, s.String(sv), s.EncodedDefault(), s.Typ(), s.Description()})
	}
	w := cmd.OutOrStdout()
	switch cliCtx.tableDisplayFormat {
	case tableDisplayTSV, tableDisplayCSV:
		csvWriter := csv.NewWriter(w)
		if cliCtx.tableDisplayFormat == tableDisplayTSV {
			csvWriter.Comma = '\t'
		}
		_ = csvWriter.Write(cols)
		_ = csvWriter.WriteAll(rows)
		return csvWriter.Error()
	default:
		printTable(w, cols, rows)
		fmt.Fprintf(w, "(%d row%s)\n", len(rows), pluralize(len(rows)))
	}
	return nil
}
