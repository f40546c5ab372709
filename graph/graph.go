// Copyright 2023 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

// Package graph implements the call graph that thread fork and join edges are
// added to.
//
// A Graph is a directed multigraph with one node per function.  Between any
// pair of nodes there is at most one edge of each kind; the call sites that
// produce an edge are accumulated in the edge's site sets.
package graph

import (
	"fmt"
	"slices"

	"github.com/google/forkgraph/ir"
)

// EdgeKind discriminates the kinds of edges in a Graph.
type EdgeKind uint8

const (
	// DirectCall is a call whose callee is statically known.
	DirectCall EdgeKind = iota
	// IndirectCall is a call through a function value or interface whose
	// callee was resolved by a points-to oracle.
	IndirectCall
	// ThreadFork connects a function to a routine it starts as a new thread.
	ThreadFork
	// ThreadJoin connects a function that waits for a thread to the routine
	// that thread runs.  Join edges are never stored in a Graph.
	ThreadJoin
)

func (k EdgeKind) String() string {
	switch k {
	case DirectCall:
		return "call"
	case IndirectCall:
		return "indirect-call"
	case ThreadFork:
		return "fork"
	case ThreadJoin:
		return "join"
	}
	return fmt.Sprintf("EdgeKind(%d)", uint8(k))
}

// IsCall reports whether k is one of the generic call kinds.
func (k EdgeKind) IsCall() bool {
	return k == DirectCall || k == IndirectCall
}

// Node is the call graph node of one function.
type Node struct {
	Func ir.FuncID
	In   []*Edge
	Out  []*Edge
}

func (n *Node) String() string {
	return fmt.Sprintf("n%d", n.Func)
}

// Edge is a call graph edge of a particular kind.
//
// Call sites are partitioned into a direct and an indirect set.  For generic
// call edges the partition mirrors the kind; for fork edges it records how
// each fork site's routine was resolved; join edges use the direct set only.
type Edge struct {
	Caller *Node
	Callee *Node
	Kind   EdgeKind

	direct   SiteSet
	indirect SiteSet
}

// NewEdge returns an edge that is not yet part of any graph.
func NewEdge(caller, callee *Node, kind EdgeKind) *Edge {
	return &Edge{Caller: caller, Callee: callee, Kind: kind}
}

func (e *Edge) String() string {
	return fmt.Sprintf("%s --%s--> %s", e.Caller, e.Kind, e.Callee)
}

// AddDirectSite records a call site whose target was statically known.  It
// reports whether the site was new.
func (e *Edge) AddDirectSite(cs ir.CallSite) bool { return e.direct.Add(cs) }

// AddIndirectSite records a call site whose target was resolved by a
// points-to oracle.  It reports whether the site was new.
func (e *Edge) AddIndirectSite(cs ir.CallSite) bool { return e.indirect.Add(cs) }

// DirectSites returns the direct call sites of e, sorted.
func (e *Edge) DirectSites() []ir.CallSite { return e.direct.Sites() }

// IndirectSites returns the indirect call sites of e, sorted.
func (e *Edge) IndirectSites() []ir.CallSite { return e.indirect.Sites() }

// Sites returns all call sites of e, sorted.
func (e *Edge) Sites() []ir.CallSite {
	var all SiteSet
	for _, cs := range e.direct.sites {
		all.Add(cs)
	}
	for _, cs := range e.indirect.sites {
		all.Add(cs)
	}
	return all.sites
}

// HasSite reports whether cs is in either site set of e.
func (e *Edge) HasSite(cs ir.CallSite) bool {
	return e.direct.Has(cs) || e.indirect.Has(cs)
}

// NumSites returns the total number of call sites recorded on e.
func (e *Edge) NumSites() int {
	return e.direct.Len() + e.indirect.Len()
}

// Graph is a call graph keyed by function ID.
//
// Graph is not safe for concurrent use.
type Graph struct {
	nodes map[ir.FuncID]*Node
	edges []*Edge
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[ir.FuncID]*Node)}
}

// NodeFor returns the node for fn, creating it if necessary.
func (g *Graph) NodeFor(fn ir.FuncID) *Node {
	n, ok := g.nodes[fn]
	if !ok {
		n = &Node{Func: fn}
		g.nodes[fn] = n
	}
	return n
}

// Node returns the node for fn, or nil if there is none.
func (g *Graph) Node(fn ir.FuncID) *Node {
	return g.nodes[fn]
}

// Nodes returns all nodes, ordered by function ID.
func (g *Graph) Nodes() []*Node {
	ns := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		ns = append(ns, n)
	}
	slices.SortFunc(ns, func(a, b *Node) int { return int(a.Func) - int(b.Func) })
	return ns
}

// FindEdge returns the edge of the given kind from caller to callee, or nil.
func (g *Graph) FindEdge(caller, callee *Node, kind EdgeKind) *Edge {
	if caller == nil || callee == nil {
		return nil
	}
	for _, e := range caller.Out {
		if e.Callee == callee && e.Kind == kind {
			return e
		}
	}
	return nil
}

// AddEdge links e into the graph.  Adding a ThreadJoin edge, or an edge of a
// kind that already connects the same nodes, is a programming error.
func (g *Graph) AddEdge(e *Edge) {
	if e.Kind == ThreadJoin {
		panic("graph: join edges must not be added to the call graph")
	}
	if g.nodes[e.Caller.Func] != e.Caller || g.nodes[e.Callee.Func] != e.Callee {
		panic(fmt.Sprintf("graph: edge %v connects nodes of another graph", e))
	}
	if g.FindEdge(e.Caller, e.Callee, e.Kind) != nil {
		panic(fmt.Sprintf("graph: duplicate edge %v", e))
	}
	e.Caller.Out = append(e.Caller.Out, e)
	e.Callee.In = append(e.Callee.In, e)
	g.edges = append(g.edges, e)
}

// AddCall records a generic call from cs to callee, creating the edge on
// first use.  It returns the edge and whether cs was new on it.
func (g *Graph) AddCall(cs ir.CallSite, callee ir.FuncID, kind EdgeKind) (*Edge, bool) {
	if !kind.IsCall() {
		panic(fmt.Sprintf("graph: AddCall with %v edge", kind))
	}
	caller, target := g.NodeFor(cs.Func), g.NodeFor(callee)
	e := g.FindEdge(caller, target, kind)
	if e == nil {
		e = NewEdge(caller, target, kind)
		g.AddEdge(e)
	}
	if kind == DirectCall {
		return e, e.AddDirectSite(cs)
	}
	return e, e.AddIndirectSite(cs)
}

// Edges returns every stored edge, ordered by caller, callee and kind.
func (g *Graph) Edges() []*Edge {
	es := slices.Clone(g.edges)
	slices.SortFunc(es, CompareEdges)
	return es
}

// EdgesOfKind returns the stored edges of the given kind, ordered as Edges.
func (g *Graph) EdgesOfKind(kind EdgeKind) []*Edge {
	var es []*Edge
	for _, e := range g.edges {
		if e.Kind == kind {
			es = append(es, e)
		}
	}
	slices.SortFunc(es, CompareEdges)
	return es
}

// NumEdges returns the number of stored edges.
func (g *Graph) NumEdges() int { return len(g.edges) }

// CompareEdges orders edges by caller, callee and kind.
func CompareEdges(a, b *Edge) int {
	if c := int(a.Caller.Func) - int(b.Caller.Func); c != 0 {
		return c
	}
	if c := int(a.Callee.Func) - int(b.Callee.Func); c != 0 {
		return c
	}
	return int(a.Kind) - int(b.Kind)
}
