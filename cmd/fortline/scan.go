package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fortline/verifier/scanner"
)

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan IMAGE",
		Short: "Run only the image scanner stage against an agent image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image := args[0]
			app, err := newAppContext(flagRoot)
			if err != nil {
				return err
			}
			if app.vulnSource == nil {
				return fmt.Errorf("scan: no local Docker daemon available to inspect %s", image)
			}

			report, err := scanner.Scan(context.Background(), image, app.vulnSource)
			if err != nil {
				return err
			}

			if flagOutputJSON {
				return renderJSON(os.Stdout, report)
			}
			fmt.Printf("%s\n", image)
			fmt.Printf("  layers: %d  size: %d bytes\n", len(report.Layers), report.TotalBytes)
			fmt.Printf("  agent framework detected: %v  base image: %s\n", report.AgentFrameworkDetected, report.BaseImageHint)
			counts := report.CountBySeverity()
			fmt.Printf("  vulnerabilities: critical=%d high=%d medium=%d low=%d\n",
				counts[scanner.SeverityCritical], counts[scanner.SeverityHigh],
				counts[scanner.SeverityMedium], counts[scanner.SeverityLow])
			return nil
		},
	}
	return cmd
}
