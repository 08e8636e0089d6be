package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/perbu/studyrag/pkg/mode"
)

func newModesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "modes",
		Short: "List the search modes and the filter each one applies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			router := mode.NewRouter(a.cfg.Modes.ReferenceYear, a.cfg.Modes.RecentYears)
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MODE\tFILTER\tDESCRIPTION")
			for _, m := range router.Modes() {
				f := "-"
				if !m.Filter.Empty() {
					data, err := json.Marshal(m.Filter)
					if err != nil {
						return err
					}
					f = string(data)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Name, f, m.Description)
			}
			return tw.Flush()
		},
	}
}
