package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newWorkersCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List the configured worker types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			cat, err := cfg.Catalog()
			if err != nil {
				return err
			}

			p := newPalette(cmd.OutOrStdout())
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TYPE\tBACKEND\tAUTONOMY\tMAX RUNTIME\tRETRIES\tEXECUTABLE")
			for _, w := range cat.List() {
				kind := "process"
				if w.WantsContainer() && cfg.Supervisor.ContainerEnabled {
					kind = "container"
				}
				maxRuntime := cfg.Supervisor.DefaultMaxRuntime
				if w.MaxRuntime > 0 {
					maxRuntime = w.MaxRuntime
				}
				retries := cfg.Supervisor.DefaultRetryLimit
				if w.RetryLimit != nil {
					retries = *w.RetryLimit
				}
				autonomy := "no"
				if w.RequiresAutonomy {
					autonomy = p.warn.Sprint("required")
				}
				runtime := "none"
				if maxRuntime > 0 {
					runtime = maxRuntime.String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", w.TypeID, kind, autonomy, runtime, retries, w.ExecutablePath)
			}
			return tw.Flush()
		},
	}
}
