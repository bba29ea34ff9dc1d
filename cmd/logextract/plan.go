package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vivaneiona/logextract"
)

func newPlanCmd(root *rootFlags) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "plan [log-file...]",
		Short: "Show batches and token estimates without calling the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd, root)
			if err != nil {
				return err
			}
			// the plan never reads the index
			cfg.Retrieval.Enabled = false
			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			entries, err := readInputs(cmd, args)
			if err != nil {
				return err
			}
			plan, err := a.x.Plan(entries)
			if err != nil {
				return err
			}
			out, err := plan.Format(logextract.FormatType(format))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "text", "output format (text, json)")
	return cmd
}
