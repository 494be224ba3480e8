// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/holt-systems/holt/harness"
	"github.com/holt-systems/holt/lib/process"
	"github.com/holt-systems/holt/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	defaults := harness.DefaultThresholds()

	flags := pflag.NewFlagSet("holt-harness", pflag.ContinueOnError)
	workDir := flags.String("work-dir", "", "fixture directory (default: a temp dir, removed afterwards)")
	poolSize := flags.Int("pool-size", 3, "warm snapshot pool size; 0 disables the pool")
	timeout := flags.Duration("timeout", 10*time.Minute, "overall battery deadline")
	minCleanRate := flags.Float64("min-clean-rate", defaults.MinCleanTerminationRate, "minimum clean termination rate")
	maxRecovery := flags.Duration("max-recovery", defaults.MaxRecovery, "maximum recovery time per scenario")
	verbose := flags.Bool("verbose", false, "log scenario progress to stderr")
	showVersion := flags.Bool("version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if *showVersion {
		fmt.Printf("holt-harness %s\n", version.Info())
		return nil
	}

	logger := slog.New(slog.DiscardHandler)
	if *verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	dir := *workDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "holt-harness-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	fixture, err := harness.NewFixture(harness.FixtureConfig{
		WorkDir:  dir,
		PoolSize: *poolSize,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = fixture.Close(closeCtx)
	}()

	runner := &harness.Runner{Fixture: fixture, Logger: logger}
	report, err := runner.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Print(report)

	thresholds := defaults
	thresholds.MinCleanTerminationRate = *minCleanRate
	thresholds.MaxRecovery = *maxRecovery

	if violations := report.Evaluate(thresholds); len(violations) != 0 {
		fmt.Println("FAIL")
		for _, violation := range violations {
			fmt.Printf("  %s\n", violation)
		}
		return fmt.Errorf("battery failed with %d threshold violations", len(violations))
	}
	fmt.Println("PASS")
	return nil
}
