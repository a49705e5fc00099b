package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newAuditListCmd() *cobra.Command {
	var image string
	var latest bool

	cmd := &cobra.Command{
		Use:   "audit-list",
		Short: "List recorded verification entries from the audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newAppContext(flagRoot)
			if err != nil {
				return err
			}

			entries, err := app.vc.AuditLog.List(image, latest)
			if err != nil {
				return err
			}

			if flagOutputJSON {
				return renderJSON(os.Stdout, entries)
			}
			for _, e := range entries {
				fmt.Printf("%-28s %-40s %-6s %s  fort_score=%d\n",
					e.Timestamp.Format("2006-01-02T15:04:05Z07:00"), e.Image, e.Tier,
					e.Result.FortScore.Verdict, e.Result.FortScore.Score)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&image, "image", "", "filter to a single image reference")
	cmd.Flags().BoolVar(&latest, "latest", false, "keep only the most recent entry per image")
	return cmd
}
