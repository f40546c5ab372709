// Copyright 2023 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

package graph

import (
	"slices"

	"github.com/google/forkgraph/ir"
	algo "github.com/twmb/algoimpl/go/graph"
)

// SCCs returns the strongly connected components of g over its stored edges.
// Each component is sorted by function ID, and components are ordered by
// their smallest function ID.  Functions on no cycle form singleton
// components.
//
// Join edges are not stored in g, so they can never merge a thread routine
// into the component of the function that waits for it.
func (g *Graph) SCCs() [][]ir.FuncID {
	return g.sccs(func(*Edge) bool { return true })
}

// CallSCCs is like SCCs but only follows generic call edges.
func (g *Graph) CallSCCs() [][]ir.FuncID {
	return g.sccs(func(e *Edge) bool { return e.Kind.IsCall() })
}

func (g *Graph) sccs(follow func(*Edge) bool) [][]ir.FuncID {
	ag := algo.New(algo.Directed)
	index := make(map[*Node]algo.Node, len(g.nodes))
	for _, n := range g.Nodes() {
		an := ag.MakeNode()
		*an.Value = n.Func
		index[n] = an
	}
	for _, e := range g.edges {
		if !follow(e) {
			continue
		}
		// MakeEdge only fails for nodes that are not in ag.
		_ = ag.MakeEdge(index[e.Caller], index[e.Callee])
	}
	var comps [][]ir.FuncID
	for _, c := range ag.StronglyConnectedComponents() {
		comp := make([]ir.FuncID, 0, len(c))
		for _, an := range c {
			comp = append(comp, (*an.Value).(ir.FuncID))
		}
		slices.Sort(comp)
		comps = append(comps, comp)
	}
	slices.SortFunc(comps, func(a, b []ir.FuncID) int { return int(a[0]) - int(b[0]) })
	return comps
}

// ComponentOf returns the strongly connected component containing fn, or nil
// if fn has no node.
func ComponentOf(comps [][]ir.FuncID, fn ir.FuncID) []ir.FuncID {
	for _, c := range comps {
		if _, ok := slices.BinarySearch(c, fn); ok {
			return c
		}
	}
	return nil
}
