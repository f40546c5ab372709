// Copyright 2023 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

// Package threads augments a call graph with thread fork and join edges.
//
// A Builder first scans a program for call sites that start threads (fork
// sites) and call sites that wait for them (join sites), adding fork edges
// for every fork whose routine is statically known.  Once points-to results
// are available, RefineCalls resolves indirect calls and indirect fork
// routines, and RefineJoins matches each join to the forks whose thread
// handles alias the joined handle.  Refinement only ever adds edges and call
// sites, so it can be repeated as the points-to results improve.
//
// Join edges are kept in a registry of their own and are never stored in the
// call graph: a join edge points from the waiting function back to a routine
// that it (transitively) started, and storing it would merge both into one
// strongly connected component.
package threads

import (
	"slices"

	"github.com/google/forkgraph/graph"
	"github.com/google/forkgraph/ir"
	"github.com/sirupsen/logrus"
)

// RoutinePolicy selects what RefineJoins does with a matched fork site whose
// routine is not statically known.
type RoutinePolicy int

const (
	// DeferUnresolved joins to the routines found by RefineCalls for the fork
	// site.  If there are none yet the fork site is skipped with a diagnostic
	// and picked up by a later RefineJoins.
	DeferUnresolved RoutinePolicy = iota
	// StrictRoutines requires the routine of every matched fork site to be
	// statically known, and fails with an UnresolvedRoutineError otherwise.
	StrictRoutines
)

// Option configures a Builder.
type Option func(*Builder)

// WithLogger sets the logger used for diagnostics.
func WithLogger(l logrus.FieldLogger) Option {
	return func(b *Builder) { b.log = l }
}

// WithGraph makes the Builder add its edges to g, which may already contain
// call edges.  By default the Builder starts from an empty graph.
func WithGraph(g *graph.Graph) Option {
	return func(b *Builder) { b.cg = g }
}

// WithRoutinePolicy sets the policy for unresolved routines in RefineJoins.
func WithRoutinePolicy(p RoutinePolicy) Option {
	return func(b *Builder) { b.policy = p }
}

// WithUnmatchedJoinHandler installs a handler for join sites that match no
// fork site.  If the handler returns nil the join site is skipped and
// RefineJoins continues; otherwise RefineJoins stops and returns the
// handler's error.  Without a handler RefineJoins stops with the
// *UnmatchedJoinError itself.
func WithUnmatchedJoinHandler(h func(*UnmatchedJoinError) error) Option {
	return func(b *Builder) { b.onUnmatched = h }
}

// Builder builds a thread-aware call graph.  It is not safe for concurrent
// use.
type Builder struct {
	prog        ir.Program
	cls         ir.Classifier
	cg          *graph.Graph
	log         logrus.FieldLogger
	policy      RoutinePolicy
	onUnmatched func(*UnmatchedJoinError) error

	built     bool
	forkSites graph.SiteSet
	joinSites graph.SiteSet
	// forkEdges has an entry for every fork site; the entry is empty while
	// the site's routine is unresolved.
	forkEdges map[ir.CallSite][]*graph.Edge
	joinEdges map[ir.CallSite][]*graph.Edge
	// joinIndex is the side registry of join edges, keyed by the function
	// containing the join and the routine function.
	joinIndex    map[[2]ir.FuncID]*graph.Edge
	matchedForks map[ir.CallSite]*graph.SiteSet
}

// New returns a Builder for prog, classifying call sites with cls.
func New(prog ir.Program, cls ir.Classifier, opts ...Option) *Builder {
	b := &Builder{
		prog:         prog,
		cls:          cls,
		forkEdges:    make(map[ir.CallSite][]*graph.Edge),
		joinEdges:    make(map[ir.CallSite][]*graph.Edge),
		joinIndex:    make(map[[2]ir.FuncID]*graph.Edge),
		matchedForks: make(map[ir.CallSite]*graph.SiteSet),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.cg == nil {
		b.cg = graph.New()
	}
	if b.log == nil {
		b.log = logrus.StandardLogger()
	}
	return b
}

// Graph returns the call graph the Builder adds edges to.
func (b *Builder) Graph() *graph.Graph { return b.cg }

// Build scans every function of the program for fork and join sites.  Fork
// sites with a statically known routine get their fork edge immediately; the
// others are left pending for RefineCalls.  Join edges need alias
// information and are left to RefineJoins.
func (b *Builder) Build() error {
	if b.built {
		return ErrAlreadyBuilt
	}
	fns := b.prog.Functions()
	for _, fn := range fns {
		for _, cs := range b.prog.CallSites(fn) {
			if !b.cls.IsFork(cs) {
				continue
			}
			b.addForkSite(cs)
			if callee, ok := b.staticRoutine(cs); ok {
				if err := b.addForkEdge(cs, callee, false); err != nil {
					return err
				}
			}
		}
	}
	for _, fn := range fns {
		for _, cs := range b.prog.CallSites(fn) {
			if b.cls.IsJoin(cs) && b.joinSites.Add(cs) {
				joinSitesTotal.Inc()
			}
		}
	}
	b.built = true
	b.log.WithFields(logrus.Fields{
		"forks":   b.forkSites.Len(),
		"joins":   b.joinSites.Len(),
		"pending": len(b.PendingForkSites()),
	}).Debug("thread sites discovered")
	return nil
}

func (b *Builder) addForkSite(cs ir.CallSite) {
	if b.forkSites.Add(cs) {
		forkSitesTotal.Inc()
		b.forkEdges[cs] = nil
	}
}

// staticRoutine returns the routine of fork site cs if it is known without
// points-to information.
func (b *Builder) staticRoutine(cs ir.CallSite) (ir.FuncID, bool) {
	r := b.cls.ForkedRoutine(cs)
	if r == nil {
		return 0, false
	}
	return b.prog.StaticFunc(r)
}

// addForkEdge finds or creates the fork edge from the function containing cs
// to callee and records cs on it.
func (b *Builder) addForkEdge(cs ir.CallSite, callee ir.FuncID, indirect bool) error {
	caller, target := b.cg.NodeFor(cs.Func), b.cg.NodeFor(callee)
	e := b.cg.FindEdge(caller, target, graph.ThreadFork)
	if e == nil {
		e = graph.NewEdge(caller, target, graph.ThreadFork)
		b.cg.AddEdge(e)
		forkEdgesTotal.Inc()
	}
	if err := checkEdge(cs, e, graph.ThreadFork); err != nil {
		return err
	}
	if indirect {
		e.AddIndirectSite(cs)
	} else {
		e.AddDirectSite(cs)
	}
	b.forkEdges[cs] = insertEdge(b.forkEdges[cs], e)
	return nil
}

// checkEdge verifies that e has the given kind and starts at the function
// containing cs.
func checkEdge(cs ir.CallSite, e *graph.Edge, kind graph.EdgeKind) error {
	if e.Kind != kind {
		return &InconsistentGraphError{Site: cs, Edge: e, Reason: "expected a " + kind.String() + " edge"}
	}
	if e.Caller.Func != cs.Func {
		return &InconsistentGraphError{Site: cs, Edge: e, Reason: "call site is not inside the caller"}
	}
	return nil
}

// insertEdge adds e to the sorted edge list es unless it is already there.
func insertEdge(es []*graph.Edge, e *graph.Edge) []*graph.Edge {
	i, found := slices.BinarySearchFunc(es, e, graph.CompareEdges)
	if found {
		return es
	}
	return slices.Insert(es, i, e)
}

// RefineCalls adds the indirect call edges reported by o, and resolves the
// routines of pending fork sites from o's points-to sets.  A fork site may
// end up with several indirect fork edges, or with none if o cannot resolve
// its routine yet.
//
// Indirect calls at fork sites are not added as call edges; they are
// represented by fork edges.
func (b *Builder) RefineCalls(o ir.Oracle) error {
	if !b.built {
		return ErrNotBuilt
	}
	targets := o.IndirectCallTargets()
	sites := make([]ir.CallSite, 0, len(targets))
	for cs := range targets {
		sites = append(sites, cs)
	}
	slices.SortFunc(sites, ir.CallSite.Compare)
	added := 0
	for _, cs := range sites {
		if b.forkSites.Has(cs) {
			continue
		}
		callees := slices.Clone(targets[cs])
		slices.Sort(callees)
		for _, callee := range slices.Compact(callees) {
			edges := b.cg.NumEdges()
			if _, isNew := b.cg.AddCall(cs, callee, graph.IndirectCall); isNew {
				added++
				indirectSitesTotal.Inc()
			}
			if b.cg.NumEdges() > edges {
				indirectCallsTotal.Inc()
			}
		}
	}

	for _, cs := range b.forkSites.Sites() {
		if _, ok := b.staticRoutine(cs); ok {
			continue
		}
		routine := b.cls.ForkedRoutine(cs)
		if routine == nil {
			b.logSite(cs).Debug("fork site has no routine operand")
			continue
		}
		var fns []ir.FuncID
		for _, obj := range o.PointsTo(routine) {
			if fn, ok := obj.Func(); ok {
				fns = append(fns, fn)
			}
		}
		if len(fns) == 0 {
			unresolvedForksTotal.Inc()
			b.logSite(cs).WithField("routine", routine.String()).Debug("fork routine not resolved")
			continue
		}
		slices.Sort(fns)
		for _, fn := range slices.Compact(fns) {
			if err := b.addForkEdge(cs, fn, true); err != nil {
				return err
			}
		}
	}
	b.log.WithFields(logrus.Fields{
		"indirectCalls": added,
		"pending":       len(b.PendingForkSites()),
	}).Debug("call graph refined")
	return nil
}

func (b *Builder) logSite(cs ir.CallSite) logrus.FieldLogger {
	fields := logrus.Fields{"func": b.prog.FuncName(cs.Func)}
	if pos := b.prog.SitePosition(cs); pos != "" {
		fields["site"] = pos
	} else {
		fields["site"] = cs.String()
	}
	return b.log.WithFields(fields)
}

// ForkSites returns the fork sites, sorted.
func (b *Builder) ForkSites() []ir.CallSite { return b.forkSites.Sites() }

// JoinSites returns the join sites, sorted.
func (b *Builder) JoinSites() []ir.CallSite { return b.joinSites.Sites() }

// IsForkSite reports whether cs was classified as a fork site.
func (b *Builder) IsForkSite(cs ir.CallSite) bool { return b.forkSites.Has(cs) }

// IsJoinSite reports whether cs was classified as a join site.
func (b *Builder) IsJoinSite(cs ir.CallSite) bool { return b.joinSites.Has(cs) }

// ForkEdgesFor returns the fork edges recording fork site cs.  A fork site
// with a statically known routine has exactly one; a pending site has none.
func (b *Builder) ForkEdgesFor(cs ir.CallSite) []*graph.Edge {
	return slices.Clone(b.forkEdges[cs])
}

// IsPending reports whether cs is a fork site without any fork edge yet.
func (b *Builder) IsPending(cs ir.CallSite) bool {
	return b.forkSites.Has(cs) && len(b.forkEdges[cs]) == 0
}

// PendingForkSites returns the fork sites that have no fork edge yet.
func (b *Builder) PendingForkSites() []ir.CallSite {
	var pending []ir.CallSite
	for _, cs := range b.forkSites.Sites() {
		if len(b.forkEdges[cs]) == 0 {
			pending = append(pending, cs)
		}
	}
	return pending
}

// ForkEdges returns every fork edge, in graph order.
func (b *Builder) ForkEdges() []*graph.Edge {
	return b.cg.EdgesOfKind(graph.ThreadFork)
}

// Stats summarizes the state of a Builder.
type Stats struct {
	ForkSites    int
	JoinSites    int
	PendingForks int
	ForkEdges    int
	JoinEdges    int
	CallEdges    int
}

// Stats returns the current counts of sites and edges.
func (b *Builder) Stats() Stats {
	s := Stats{
		ForkSites:    b.forkSites.Len(),
		JoinSites:    b.joinSites.Len(),
		PendingForks: len(b.PendingForkSites()),
		JoinEdges:    len(b.joinIndex),
	}
	for _, e := range b.cg.Edges() {
		switch {
		case e.Kind == graph.ThreadFork:
			s.ForkEdges++
		case e.Kind.IsCall():
			s.CallEdges++
		}
	}
	return s
}
