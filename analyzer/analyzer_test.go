// Copyright 2023 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

package analyzer

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/google/forkgraph/graph"
	"github.com/google/forkgraph/threads"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"golang.org/x/tools/go/analysis/analysistest"
	"golang.org/x/tools/go/packages"
)

var filemap = map[string]string{"testlib/foo.go": `package testlib

import "sync"

func work() {}
func a()    {}
func b()    {}

func worker(wg *sync.WaitGroup) {
	defer wg.Done()
	work()
}

func Direct() {
	var wg sync.WaitGroup
	wg.Add(1)
	go worker(&wg)
	wg.Wait()
}

func Closure() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		work()
	}()
	wg.Wait()
}

func Indirect(pick bool) {
	f := a
	if pick {
		f = b
	}
	go f()
}

type Pool struct{}

type Handle struct{ done chan struct{} }

func (p *Pool) Spawn(f func()) *Handle { return &Handle{done: make(chan struct{})} }

func (h *Handle) Join() { <-h.done }

func UsePool(p *Pool) {
	h := p.Spawn(work)
	h.Join()
}
`}

var poolRules = `
forks:
  - package: testlib
    type: Pool
    function: Spawn
    routine: 0
    handle: result
joins:
  - package: testlib
    type: Handle
    function: Join
    handle: receiver
`

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// setup contains common code for loading test packages.
func setup(filemap map[string]string, config *Config, pkg ...string) (*Result, error) {
	dir, cleanup, err := analysistest.WriteFiles(filemap)
	if cleanup != nil {
		defer cleanup()
	}
	if err != nil {
		return nil, fmt.Errorf("analysistest.WriteFiles: %w", err)
	}
	env := []string{"GOPATH=" + dir, "GO111MODULE=off", "GOPROXY=off"}
	cfg := &packages.Config{
		Mode: PackagesLoadModeNeeded,
		Dir:  dir,
		Env:  append(os.Environ(), env...),
	}
	pkgs, err := packages.Load(cfg, pkg...)
	if err != nil {
		return nil, fmt.Errorf("packages.Load: %w", err)
	}
	if config.Logger == nil {
		config.Logger = quietLogger()
	}
	return Analyze(pkgs, config)
}

func testRules(t *testing.T) *Rules {
	t.Helper()
	rules := DefaultRules()
	custom, err := ParseRules(strings.NewReader(poolRules))
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	rules.Append(custom)
	return rules
}

// threadEdges returns the fork and join edges of r as {caller, kind, callee}.
func threadEdges(r *Result) map[[3]string]struct{} {
	edges := make(map[[3]string]struct{})
	add := func(es []*graph.Edge) {
		for _, e := range es {
			edges[[3]string{
				r.Program.FuncName(e.Caller.Func),
				e.Kind.String(),
				r.Program.FuncName(e.Callee.Func),
			}] = struct{}{}
		}
	}
	add(r.Builder.ForkEdges())
	add(r.Builder.JoinEdges())
	return edges
}

func TestAnalyze(t *testing.T) {
	t.Run("vta", func(t *testing.T) { testAnalyze(t, PrecisionVTA) })
	t.Run("cha", func(t *testing.T) { testAnalyze(t, PrecisionCHA) })
}

func testAnalyze(t *testing.T, precision Precision) {
	config := &Config{Rules: testRules(t), Precision: precision}
	r, err := setup(filemap, config, "testlib")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	expected := map[[3]string]struct{}{
		{"testlib.Direct", "fork", "testlib.worker"}:     {},
		{"testlib.Direct", "join", "testlib.worker"}:     {},
		{"testlib.Closure", "fork", "testlib.Closure$1"}: {},
		{"testlib.Closure", "join", "testlib.Closure$1"}: {},
		{"testlib.Indirect", "fork", "testlib.a"}:        {},
		{"testlib.Indirect", "fork", "testlib.b"}:        {},
		{"testlib.UsePool", "fork", "testlib.work"}:      {},
		{"testlib.UsePool", "join", "testlib.work"}:      {},
	}
	got := threadEdges(r)
	if diff := cmp.Diff(expected, got); diff != "" {
		t.Errorf("Analyze(%v): got %v, want %v; diff %s", filemap, got, expected, diff)
	}
	if pending := r.Builder.PendingForkSites(); len(pending) != 0 {
		t.Errorf("Analyze: pending fork sites %v", pending)
	}
	for _, e := range r.Builder.Graph().Edges() {
		if e.Kind == graph.ThreadJoin {
			t.Errorf("Analyze: join edge %v in the call graph", e)
		}
	}
	// The indirect fork records its site as indirect.
	for _, e := range r.Builder.ForkEdges() {
		if r.Program.FuncName(e.Caller.Func) != "testlib.Indirect" {
			continue
		}
		if len(e.DirectSites()) != 0 || len(e.IndirectSites()) != 1 {
			t.Errorf("fork edge %v: got direct sites %v and indirect sites %v, want one indirect site",
				e, e.DirectSites(), e.IndirectSites())
		}
	}
}

func TestDirectCalls(t *testing.T) {
	r, err := setup(filemap, &Config{Rules: testRules(t)}, "testlib")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	calls := make(map[[2]string]struct{})
	for _, e := range r.Builder.Graph().EdgesOfKind(graph.DirectCall) {
		caller := r.Program.FuncName(e.Caller.Func)
		if !strings.HasPrefix(caller, "testlib.") {
			continue
		}
		calls[[2]string{caller, r.Program.FuncName(e.Callee.Func)}] = struct{}{}
	}
	for _, want := range [][2]string{
		{"testlib.worker", "testlib.work"},
		{"testlib.worker", "(*sync.WaitGroup).Done"},
		{"testlib.Direct", "(*sync.WaitGroup).Wait"},
		{"testlib.UsePool", "(*testlib.Pool).Spawn"},
	} {
		if _, ok := calls[want]; !ok {
			t.Errorf("missing direct call %v; got %v", want, calls)
		}
	}
	// Go statements are forks, not calls.
	if _, ok := calls[[2]string{"testlib.Direct", "testlib.worker"}]; ok {
		t.Errorf("go statement recorded as a direct call")
	}
}

func TestDeterministicIDs(t *testing.T) {
	sites := func() []string {
		r, err := setup(filemap, &Config{Rules: testRules(t)}, "testlib")
		if err != nil {
			t.Fatalf("setup: %v", err)
		}
		var out []string
		for _, cs := range r.Builder.ForkSites() {
			out = append(out, fmt.Sprintf("%v %s", cs, r.Program.FuncName(cs.Func)))
		}
		for _, cs := range r.Builder.JoinSites() {
			out = append(out, fmt.Sprintf("%v %s", cs, r.Program.FuncName(cs.Func)))
		}
		return out
	}
	first, second := sites(), sites()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("site IDs differ between runs; diff %s", diff)
	}
}

func TestUnmatchedJoin(t *testing.T) {
	filemap := map[string]string{"testlib/foo.go": `package testlib

import "sync"

func Lonely() {
	var wg sync.WaitGroup
	wg.Wait()
}
`}
	_, err := setup(filemap, &Config{}, "testlib")
	if !errors.Is(err, threads.ErrUnmatchedJoin) {
		t.Fatalf("Analyze: got error %v, want ErrUnmatchedJoin", err)
	}

	r, err := setup(filemap, &Config{SkipUnmatchedJoins: true}, "testlib")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if len(r.Unmatched) != 1 {
		t.Fatalf("Analyze: got %d unmatched joins, want 1", len(r.Unmatched))
	}
	if got, want := r.Program.FuncName(r.Unmatched[0].Site.Func), "testlib.Lonely"; got != want {
		t.Errorf("unmatched join in %s, want %s", got, want)
	}
	if len(r.Builder.JoinEdges()) != 0 {
		t.Errorf("Analyze: got join edges %v, want none", r.Builder.JoinEdges())
	}
}

func TestFieldHandles(t *testing.T) {
	filemap := map[string]string{"testlib/foo.go": `package testlib

import "sync"

type server struct {
	mu sync.Mutex
	wg sync.WaitGroup
}

func (s *server) loop() {
	defer s.wg.Done()
}

func (s *server) other() {
	defer s.wg.Done()
}

func Run() {
	s := &server{}
	s.wg.Add(2)
	go s.loop()
	go s.other()
	s.wg.Wait()
}

func Separate() {
	var wg1, wg2 sync.WaitGroup
	go func() { wg1.Done() }()
	go func() { wg2.Done() }()
	wg1.Wait()
}
`}
	r, err := setup(filemap, &Config{}, "testlib")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	expected := map[[3]string]struct{}{
		{"testlib.Run", "fork", "(*testlib.server).loop"}:  {},
		{"testlib.Run", "fork", "(*testlib.server).other"}: {},
		{"testlib.Run", "join", "(*testlib.server).loop"}:  {},
		{"testlib.Run", "join", "(*testlib.server).other"}: {},
		{"testlib.Separate", "fork", "testlib.Separate$1"}: {},
		{"testlib.Separate", "fork", "testlib.Separate$2"}: {},
		{"testlib.Separate", "join", "testlib.Separate$1"}: {},
	}
	got := threadEdges(r)
	if diff := cmp.Diff(expected, got); diff != "" {
		t.Errorf("Analyze(%v): got %v, want %v; diff %s", filemap, got, expected, diff)
	}
}

func TestParseRules(t *testing.T) {
	for _, tc := range []struct {
		name, yaml string
		wantErr    bool
	}{
		{"empty", "", false},
		{"valid", poolRules, false},
		{"arg handle", "joins:\n  - {package: p, function: Wait, handle: arg1}\n", false},
		{"unknown selector", "joins:\n  - {package: p, function: Wait, handle: self}\n", true},
		{"receiver of function", "joins:\n  - {package: p, function: Wait, handle: receiver}\n", true},
		{"negative routine", "forks:\n  - {package: p, type: T, function: Go, routine: -1, handle: receiver}\n", true},
		{"missing function", "forks:\n  - {package: p, handle: result}\n", true},
		{"unknown field", "forks:\n  - {package: p, function: Go, handle: result, color: red}\n", true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseRules(strings.NewReader(tc.yaml))
			if gotErr := err != nil; gotErr != tc.wantErr {
				t.Errorf("ParseRules(%q): got error %v, want error %v", tc.yaml, err, tc.wantErr)
			}
		})
	}
	rules := DefaultRules()
	if len(rules.Forks) != 3 || len(rules.Joins) != 2 {
		t.Errorf("DefaultRules: got %d forks and %d joins, want 3 and 2", len(rules.Forks), len(rules.Joins))
	}
}

func TestParsePrecision(t *testing.T) {
	for in, want := range map[string]Precision{"": PrecisionVTA, "vta": PrecisionVTA, "CHA": PrecisionCHA} {
		got, err := ParsePrecision(in)
		if err != nil || got != want {
			t.Errorf("ParsePrecision(%q): got %v, %v, want %v", in, got, err, want)
		}
	}
	if _, err := ParsePrecision("rta"); err == nil {
		t.Errorf("ParsePrecision(%q): got nil error", "rta")
	}
}

// withLibraries returns filemap plus the library sources in testdata/src,
// such as golang.org/x/sync/errgroup.
func withLibraries(t *testing.T, filemap map[string]string) map[string]string {
	t.Helper()
	out := maps.Clone(filemap)
	root := filepath.Join("testdata", "src")
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(path) != ".go" {
			return err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(b)
		return nil
	})
	if err != nil {
		t.Fatalf("reading testdata: %v", err)
	}
	return out
}

func TestDefaultRules(t *testing.T) {
	_, hasWaitGroupGo := reflect.TypeOf(&sync.WaitGroup{}).MethodByName("Go")
	for _, tc := range []struct {
		name     string
		src      string
		waitGo   bool
		expected map[[3]string]struct{}
	}{
		{
			name: "errgroup Go",
			src: `package app

import "golang.org/x/sync/errgroup"

func task() error { return nil }

func Run() error {
	var g errgroup.Group
	g.Go(task)
	return g.Wait()
}
`,
			expected: map[[3]string]struct{}{
				{"app.Run", "fork", "app.task"}: {},
				{"app.Run", "join", "app.task"}: {},
			},
		},
		{
			name: "errgroup TryGo",
			src: `package app

import "golang.org/x/sync/errgroup"

func Run() error {
	var g errgroup.Group
	g.SetLimit(1)
	g.TryGo(func() error { return nil })
	return g.Wait()
}
`,
			expected: map[[3]string]struct{}{
				{"app.Run", "fork", "app.Run$1"}: {},
				{"app.Run", "join", "app.Run$1"}: {},
			},
		},
		{
			name: "errgroup WithContext",
			src: `package app

import (
	"context"

	"golang.org/x/sync/errgroup"
)

func task() error { return nil }

func Run(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	g.Go(task)
	return g.Wait()
}
`,
			expected: map[[3]string]struct{}{
				{"app.Run", "fork", "app.task"}: {},
				{"app.Run", "join", "app.task"}: {},
			},
		},
		{
			name: "WaitGroup Wait",
			src: `package app

import "sync"

func Run() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
	}()
	wg.Wait()
}
`,
			expected: map[[3]string]struct{}{
				{"app.Run", "fork", "app.Run$1"}: {},
				{"app.Run", "join", "app.Run$1"}: {},
			},
		},
		{
			name: "WaitGroup Go",
			src: `package app

import "sync"

func step() {}

func Run() {
	var wg sync.WaitGroup
	wg.Go(step)
	wg.Wait()
}
`,
			waitGo: true,
			expected: map[[3]string]struct{}{
				{"app.Run", "fork", "app.step"}: {},
				{"app.Run", "join", "app.step"}: {},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if tc.waitGo && !hasWaitGroupGo {
				t.Skip("sync.WaitGroup has no Go method in this Go version")
			}
			filemap := withLibraries(t, map[string]string{"app/app.go": tc.src})
			r, err := setup(filemap, &Config{}, "app")
			if err != nil {
				t.Fatalf("setup: %v", err)
			}
			got := threadEdges(r)
			if diff := cmp.Diff(tc.expected, got); diff != "" {
				t.Errorf("Analyze: got %v, want %v; diff %s", got, tc.expected, diff)
			}
			// The bodies of the primitives are described by their rules.
			for _, cs := range append(r.Builder.ForkSites(), r.Builder.JoinSites()...) {
				if pkg := r.Program.Package(cs.Func); pkg != "app" {
					t.Errorf("site %v in %s of package %s, want only sites in app", cs, r.Program.FuncName(cs.Func), pkg)
				}
			}
		})
	}
}

func TestRecursiveHandles(t *testing.T) {
	filemap := map[string]string{"testlib/foo.go": `package testlib

import "sync"

type node struct {
	next *node
	wg   *sync.WaitGroup
}

func last(n *node) *sync.WaitGroup {
	if n.next == nil {
		return n.wg
	}
	return last(n.next)
}

func Chain() {
	var wg sync.WaitGroup
	root := &node{next: &node{wg: &wg}}
	wg.Add(1)
	go func() {
		defer wg.Done()
	}()
	last(root).Wait()
}
`}
	r, err := setup(filemap, &Config{}, "testlib")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	expected := map[[3]string]struct{}{
		{"testlib.Chain", "fork", "testlib.Chain$1"}: {},
		{"testlib.Chain", "join", "testlib.Chain$1"}: {},
	}
	got := threadEdges(r)
	if diff := cmp.Diff(expected, got); diff != "" {
		t.Errorf("Analyze(%v): got %v, want %v; diff %s", filemap, got, expected, diff)
	}
}

func TestPackageErrors(t *testing.T) {
	filemap := map[string]string{"testlib/foo.go": `package testlib

func Broken() { undefined() }
`}
	log, hook := logtest.NewNullLogger()
	if _, err := setup(filemap, &Config{Logger: log}, "testlib"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["errors"] == 1 {
			warned = true
		}
	}
	if !warned {
		t.Errorf("Analyze of a package with a type error logged %v, want a warning with errors=1", hook.AllEntries())
	}
}
