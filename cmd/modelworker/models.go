package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newModelsCmd(o *options) *cobra.Command {
	var sanity bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List configured models and, with --sanity, check their runtimes and weights",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.load(cmd)
			if err != nil {
				return err
			}
			mgr, err := newManager(cfg, zerolog.Nop())
			if err != nil {
				return err
			}
			defer mgr.Close()
			out := cmd.OutOrStdout()
			if sanity {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(mgr.SanityCheck())
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tPROVIDER\tWORKER\tPATH")
			for _, m := range mgr.Models() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.Name, m.Provider, m.Worker, m.Path)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&sanity, "sanity", false, "Check llama-server binaries and model files")
	return cmd
}
