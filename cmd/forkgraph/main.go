// Copyright 2023 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

// forkgraph prints the thread-aware call graph of Go packages: the
// goroutines each function starts, and the goroutines it waits for.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/google/forkgraph/analyzer"
	"github.com/google/forkgraph/export"
	"github.com/google/forkgraph/threads"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type flags struct {
	tags, goos, goarch string
	rules              string
	output             string
	precision          string
	strict             bool
	skipUnmatched      bool
	includeStd         bool
	calls              bool
	noColor            bool
	debug              bool
	metrics            bool
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "forkgraph [packages]",
		Short: "Build the thread-aware call graph of Go packages",
		Long: `forkgraph loads Go packages, finds the sites that start goroutines
(go statements, WaitGroup.Go, errgroup.Group.Go) and the sites that wait for
them (WaitGroup.Wait, errgroup.Group.Wait), and prints fork and join edges
between functions.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, &f, args)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.tags, "tags", "", "comma-separated build tags")
	fl.StringVar(&f.goos, "goos", "", "GOOS value for loading packages")
	fl.StringVar(&f.goarch, "goarch", "", "GOARCH value for loading packages")
	fl.StringVar(&f.rules, "rules", "", "YAML file with additional fork and join rules")
	fl.StringVarP(&f.output, "output", "o", "text", "output format: text, json or dot")
	fl.StringVar(&f.precision, "precision", "vta", "call graph precision: vta or cha")
	fl.BoolVar(&f.strict, "strict", false, "fail when a join waits for a fork whose routine is not statically known")
	fl.BoolVar(&f.skipUnmatched, "skip-unmatched", false, "warn about joins that match no fork instead of failing")
	fl.BoolVar(&f.includeStd, "include-std", false, "analyze thread sites inside the standard library")
	fl.BoolVar(&f.calls, "calls", false, "include ordinary call edges in the output")
	fl.BoolVar(&f.noColor, "no-color", false, "disable colored text output")
	fl.BoolVar(&f.debug, "debug", false, "log debug diagnostics")
	fl.BoolVar(&f.metrics, "metrics", false, "print analysis counters in Prometheus format to stderr")
	return cmd
}

func newLogger(debug bool) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05"})
	if debug {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

func run(cmd *cobra.Command, f *flags, args []string) error {
	log := newLogger(f.debug)
	if f.noColor {
		color.NoColor = true
	}
	switch f.output {
	case "text", "json", "dot":
	default:
		return fmt.Errorf("unknown output format %q", f.output)
	}
	precision, err := analyzer.ParsePrecision(f.precision)
	if err != nil {
		return err
	}
	rules := analyzer.DefaultRules()
	if f.rules != "" {
		extra, err := analyzer.LoadRules(f.rules)
		if err != nil {
			return err
		}
		rules.Append(extra)
	}
	config := &analyzer.Config{
		Rules:              rules,
		IncludeStdlib:      f.includeStd,
		Precision:          precision,
		SkipUnmatchedJoins: f.skipUnmatched,
		Logger:             log,
	}
	if f.strict {
		config.RoutinePolicy = threads.StrictRoutines
	}

	pkgs, err := analyzer.LoadPackages(args, analyzer.LoadConfig{
		BuildTags: f.tags,
		GOOS:      f.goos,
		GOARCH:    f.goarch,
	})
	if err != nil {
		return err
	}
	log.WithField("packages", len(pkgs)).Debug("packages loaded")
	result, err := analyzer.Analyze(pkgs, config)
	if err != nil {
		return err
	}
	report := export.NewReport(result.Program, result.Builder, export.Options{Calls: f.calls})
	if err := export.Write(cmd.OutOrStdout(), report, f.output); err != nil {
		return err
	}
	if f.metrics {
		threads.WriteMetrics(os.Stderr)
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		os.Exit(1)
	}
}
