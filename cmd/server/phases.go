package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newPhasesCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "phases",
		Short: "Print the phase table in journey order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := loadPhases(a.cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(reg.Phases())
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ORDER\tKEY\tNAME\tCHAPTER\tNEXT")
			for _, p := range reg.Phases() {
				next := p.Next
				if p.Terminal() {
					next = "-"
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", p.Order, p.Key, p.Name, p.BookChapter, next)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full phase definitions as JSON")
	return cmd
}
