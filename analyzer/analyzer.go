// Copyright 2023 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

// Package analyzer builds thread-aware call graphs of Go programs.
//
// It implements the ir interfaces over SSA: a Program numbering functions
// and call sites, a rule-based Classifier for go statements, WaitGroups and
// errgroups, and an Oracle backed by a CHA or VTA call graph.  Analyze runs
// the threads.Builder over them.
package analyzer

import (
	"fmt"

	"github.com/google/forkgraph/graph"
	"github.com/google/forkgraph/threads"
	"github.com/sirupsen/logrus"
	"golang.org/x/tools/go/packages"
)

// Config holds configuration for the analyzer.
type Config struct {
	// Rules are the fork and join rules.  If nil, DefaultRules is used.
	Rules *Rules
	// IncludeStdlib makes the standard library's own call sites part of the
	// analysis.  By default standard library functions are only callees.
	IncludeStdlib bool
	// Precision selects the call graph algorithm.
	Precision Precision
	// RoutinePolicy is passed to the threads.Builder.
	RoutinePolicy threads.RoutinePolicy
	// SkipUnmatchedJoins logs join sites that match no fork site and carries
	// on, instead of failing.
	SkipUnmatchedJoins bool
	// Logger receives diagnostics.  If nil, logrus.StandardLogger is used.
	Logger logrus.FieldLogger
}

// Result is the outcome of Analyze.
type Result struct {
	Program    *Program
	Classifier *Classifier
	Oracle     *Oracle
	Builder    *threads.Builder
	// Unmatched lists the join sites skipped because of SkipUnmatchedJoins.
	Unmatched []*threads.UnmatchedJoinError
}

// Analyze builds SSA for pkgs and all their dependencies, and returns the
// thread-aware call graph of the result.
func Analyze(pkgs []*packages.Package, config *Config) (*Result, error) {
	if config == nil {
		config = &Config{}
	}
	log := config.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	rules := config.Rules
	if rules == nil {
		rules = DefaultRules()
	}

	if n := countErrors(pkgs); n > 0 {
		log.WithField("errors", n).Warn("packages have errors; results may be incomplete")
	}
	prog, err := NewProgram(pkgs, config.IncludeStdlib, rules)
	if err != nil {
		return nil, err
	}
	cls, err := NewClassifier(prog, rules)
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	r := &Result{Program: prog, Classifier: cls}

	g := graph.New()
	calls := prog.AddDirectCalls(g)
	log.WithFields(logrus.Fields{
		"functions":   len(prog.funcs),
		"sites":       len(prog.instrs),
		"directCalls": calls,
	}).Debug("program built")

	opts := []threads.Option{
		threads.WithLogger(log),
		threads.WithGraph(g),
		threads.WithRoutinePolicy(config.RoutinePolicy),
	}
	if config.SkipUnmatchedJoins {
		opts = append(opts, threads.WithUnmatchedJoinHandler(func(err *threads.UnmatchedJoinError) error {
			log.WithField("site", err.Position).Warn("join matches no fork; skipped")
			r.Unmatched = append(r.Unmatched, err)
			return nil
		}))
	}
	r.Builder = threads.New(prog, cls, opts...)
	if err := r.Builder.Build(); err != nil {
		return nil, err
	}
	r.Oracle = NewOracle(prog, config.Precision, log)
	if err := r.Builder.RefineCalls(r.Oracle); err != nil {
		return nil, fmt.Errorf("refining calls: %w", err)
	}
	if err := r.Builder.RefineJoins(r.Oracle); err != nil {
		return nil, fmt.Errorf("refining joins: %w", err)
	}
	return r, nil
}
