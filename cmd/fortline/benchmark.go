package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fortline/verifier/fortscore"
)

// benchmarkProfile fixes the pass bands for a load type: throughput passes
// at half of targetRunsPerSec or more, and maxLatency is both the per-run
// wait and the latency band. Runs are always issued back-to-back.
// maxErrorRate is carried per profile but runBenchmark does not read it;
// the measured error rate is reported as is.
type benchmarkProfile struct {
	targetRunsPerSec float64
	maxLatency       time.Duration
	maxErrorRate     float64
}

var benchmarkProfiles = map[string]benchmarkProfile{
	"standard": {targetRunsPerSec: 0.5, maxLatency: 10 * time.Second, maxErrorRate: 0.05},
	"trading":  {targetRunsPerSec: 1.0, maxLatency: 5 * time.Second, maxErrorRate: 0.02},
	"stress":   {targetRunsPerSec: 2.0, maxLatency: 15 * time.Second, maxErrorRate: 0.15},
}

type benchmarkReport struct {
	Image        string                     `json:"image"`
	Type         string                     `json:"type"`
	Duration     time.Duration              `json:"duration"`
	Runs         int                        `json:"runs"`
	Errors       int                        `json:"errors"`
	AvgLatency   time.Duration              `json:"avg_latency"`
	Telemetry    fortscore.BehaviorTelemetry `json:"telemetry"`
}

func newBenchmarkCmd() *cobra.Command {
	var durationSecs int
	var benchType string

	cmd := &cobra.Command{
		Use:   "benchmark IMAGE",
		Short: "Drive a synthetic load profile against a running agent container for throughput/latency telemetry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image := args[0]
			app, err := newAppContext(flagRoot)
			if err != nil {
				return err
			}
			if app.backtestRunner == nil {
				return fmt.Errorf("benchmark: no local Docker daemon available to run %s", image)
			}
			profile, ok := benchmarkProfiles[benchType]
			if !ok {
				return fmt.Errorf("benchmark: unknown type %q (want standard|trading|stress)", benchType)
			}

			report := runBenchmark(app, image, time.Duration(durationSecs)*time.Second, benchType, profile)

			if flagOutputJSON {
				return renderJSON(os.Stdout, report)
			}
			fmt.Printf("%s (%s, %s)\n", image, benchType, report.Duration)
			fmt.Printf("  runs: %d  errors: %d  avg latency: %s\n", report.Runs, report.Errors, report.AvgLatency)
			fmt.Printf("  throughput_ok=%v  latency_ok=%v  error_rate=%.2f%%\n",
				report.Telemetry.ThroughputOK, report.Telemetry.LatencyOK, report.Telemetry.ErrorRate*100)
			return nil
		},
	}
	cmd.Flags().IntVar(&durationSecs, "duration", 30, "benchmark duration in seconds")
	cmd.Flags().StringVar(&benchType, "type", "standard", "load profile: standard|trading|stress")
	return cmd
}

// runBenchmark repeatedly runs the agent container back-to-back for
// duration, timing each run, and derives a BehaviorTelemetry sample from
// the measured run rate, mean latency and share of failed runs (the
// orchestrator instead derives its sample from a pipeline's stage
// outcomes).
func runBenchmark(app *appContext, image string, duration time.Duration, benchType string, profile benchmarkProfile) benchmarkReport {
	ctx := context.Background()
	deadline := time.Now().Add(duration)

	var runs, errs int
	var totalLatency time.Duration

	for time.Now().Before(deadline) {
		start := time.Now()
		_, exitCode, timedOut, err := app.backtestRunner.Run(ctx, image, map[string]string{"FORTLINE_BENCHMARK": benchType}, profile.maxLatency)
		elapsed := time.Since(start)
		runs++
		totalLatency += elapsed
		if err != nil || timedOut || exitCode != 0 {
			errs++
		}
	}

	var avg time.Duration
	if runs > 0 {
		avg = totalLatency / time.Duration(runs)
	}
	errorRate := 0.0
	if runs > 0 {
		errorRate = float64(errs) / float64(runs)
	}
	actualRunsPerSec := float64(runs) / duration.Seconds()

	return benchmarkReport{
		Image:      image,
		Type:       benchType,
		Duration:   duration,
		Runs:       runs,
		Errors:     errs,
		AvgLatency: avg,
		Telemetry: fortscore.BehaviorTelemetry{
			ThroughputOK: actualRunsPerSec >= profile.targetRunsPerSec*0.5,
			LatencyOK:    avg <= profile.maxLatency,
			ErrorRate:    errorRate,
		},
	}
}
