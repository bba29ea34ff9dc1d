package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPingCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the configured backend is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd, root)
			if err != nil {
				return err
			}
			backend, err := cfg.NewBackend(cmd.Context(), log)
			if err != nil {
				return err
			}
			if err := backend.Ping(cmd.Context()); err != nil {
				return fmt.Errorf("%s backend: %w", backend.Name(), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s backend reachable at %s\n", backend.Name(), cfg.Backend.URL)
			return nil
		},
	}
}
