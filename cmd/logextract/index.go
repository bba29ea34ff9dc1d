package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newIndexCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Build or load the retrieval index",
		Long:  "Embeds the configured corpus and persists it, or loads the index already stored for the embedding model.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, log, err := loadConfig(cmd, root)
			if err != nil {
				return err
			}
			if !cfg.Retrieval.Enabled {
				return errors.New("retrieval is disabled (set retrieval.enabled or LOGEXTRACT_RETRIEVAL)")
			}
			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.aug.Ensure(ctx); err != nil {
				return err
			}
			ix := a.aug.Index()
			fmt.Fprintf(cmd.OutOrStdout(), "index %s: %d documents, dim %d, built %s\n",
				ix.Model, len(ix.Docs), ix.Dim, ix.CreatedAt.Format("2006-01-02 15:04:05"))
			return nil
		},
	}
}
