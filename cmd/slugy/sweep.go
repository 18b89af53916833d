package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/slugy/edge/internal/app"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one analytics maintenance pass and exit",
		Long: `Archives buffered clicks older than the retention window into the
database and removes corrupt, missing and orphaned entries from the buffer.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.Janitor.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archived=%d corrupt=%d missing=%d orphaned=%d\n",
				rep.Archived, rep.Corrupt, rep.Missing, rep.Orphaned)
			return nil
		},
	}
}
