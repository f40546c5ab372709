// Copyright 2023 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

package analyzer

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_rules.yaml
var defaultRulesYAML []byte

// Rule describes a function or method that starts or waits for a thread.
type Rule struct {
	// Package is the import path of the package declaring the function.
	Package string `yaml:"package"`
	// Type is the receiver's named type for methods, and empty for
	// package-level functions.
	Type string `yaml:"type"`
	// Function is the function or method name.
	Function string `yaml:"function"`
	// Routine is the index of the started function among the non-receiver
	// arguments.  Only used by fork rules.
	Routine int `yaml:"routine"`
	// Handle selects the thread handle: "receiver", "result", or "arg<N>"
	// for the Nth non-receiver argument.
	Handle string `yaml:"handle"`
}

func (r Rule) String() string {
	if r.Type == "" {
		return r.Package + "." + r.Function
	}
	return "(" + r.Package + "." + r.Type + ")." + r.Function
}

// Rules lists the fork and join rules of a classifier.
type Rules struct {
	Forks []Rule `yaml:"forks"`
	Joins []Rule `yaml:"joins"`
}

// Append adds the rules of other to r.
func (r *Rules) Append(other *Rules) {
	if other == nil {
		return
	}
	r.Forks = append(r.Forks, other.Forks...)
	r.Joins = append(r.Joins, other.Joins...)
}

// DefaultRules returns the rules for the thread primitives of the standard
// library and golang.org/x/sync/errgroup.
func DefaultRules() *Rules {
	r, err := ParseRules(bytes.NewReader(defaultRulesYAML))
	if err != nil {
		panic(fmt.Sprintf("default rules: %v", err))
	}
	return r
}

// LoadRules reads rules from a YAML file.
func LoadRules(path string) (*Rules, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules: %w", err)
	}
	defer f.Close()
	r, err := ParseRules(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// ParseRules parses and validates YAML rules.  Unknown fields are errors.
func ParseRules(rd io.Reader) (*Rules, error) {
	var r Rules
	dec := yaml.NewDecoder(rd)
	dec.KnownFields(true)
	if err := dec.Decode(&r); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}
	for i, rule := range r.Forks {
		if err := rule.validate(true); err != nil {
			return nil, fmt.Errorf("fork rule %d (%v): %w", i, rule, err)
		}
	}
	for i, rule := range r.Joins {
		if err := rule.validate(false); err != nil {
			return nil, fmt.Errorf("join rule %d (%v): %w", i, rule, err)
		}
	}
	return &r, nil
}

// ErrInvalidRule is returned for rules that cannot be applied.
var ErrInvalidRule = errors.New("invalid rule")

func (r Rule) validate(fork bool) error {
	if r.Package == "" || r.Function == "" {
		return fmt.Errorf("%w: package and function are required", ErrInvalidRule)
	}
	if fork && r.Routine < 0 {
		return fmt.Errorf("%w: negative routine index %d", ErrInvalidRule, r.Routine)
	}
	sel, err := parseSelector(r.Handle)
	if err != nil {
		return err
	}
	if sel.kind == selectReceiver && r.Type == "" {
		return fmt.Errorf("%w: handle %q needs a method", ErrInvalidRule, r.Handle)
	}
	return nil
}

// matchers returns a matcher for every fork and join rule of r.
func (r *Rules) matchers() []matcher {
	if r == nil {
		return nil
	}
	var ms []matcher
	for _, rule := range slices.Concat(r.Forks, r.Joins) {
		ms = append(ms, rule.matcher())
	}
	return ms
}

func (r Rule) matcher() matcher {
	if r.Type == "" {
		return &packageFunctionMatcher{pkg: r.Package, functionName: r.Function}
	}
	return &methodMatcher{pkg: r.Package, typeName: r.Type, methodName: r.Function}
}

type selectorKind int

const (
	selectReceiver selectorKind = iota
	selectResult
	selectArg
)

// selector picks a value at a call site.
type selector struct {
	kind selectorKind
	arg  int
}

func parseSelector(s string) (selector, error) {
	switch {
	case s == "receiver":
		return selector{kind: selectReceiver}, nil
	case s == "result":
		return selector{kind: selectResult}, nil
	case strings.HasPrefix(s, "arg"):
		n, err := strconv.Atoi(strings.TrimPrefix(s, "arg"))
		if err != nil || n < 0 {
			break
		}
		return selector{kind: selectArg, arg: n}, nil
	}
	return selector{}, fmt.Errorf("%w: unknown handle selector %q", ErrInvalidRule, s)
}
