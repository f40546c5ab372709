// Copyright 2023 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

package threads

import (
	"slices"

	"github.com/google/forkgraph/graph"
	"github.com/google/forkgraph/ir"
	"github.com/sirupsen/logrus"
)

// RefineJoins matches every join site to the fork sites whose thread handle
// may alias the joined handle, and records a join edge from the function
// containing the join to the routine of each matched fork.
//
// Matching compares the joined handle with the forked handle of each fork
// site, which costs one alias query per (join, fork) pair.  If o implements
// ir.HandleKeyer, fork sites are bucketed by handle key first and a join is
// only compared with forks that share a key with it.
//
// A join site that matches no fork site stops RefineJoins with an
// *UnmatchedJoinError (see WithUnmatchedJoinHandler).  Join sites processed
// before it keep their edges; nothing is recorded for the failing site.
func (b *Builder) RefineJoins(o ir.Oracle) error {
	if !b.built {
		return ErrNotBuilt
	}
	idx := b.indexForks(o)
	for _, js := range b.joinSites.Sites() {
		h := b.cls.JoinedHandle(js)
		forks := b.matchForks(o, idx, h)
		if len(forks) == 0 {
			unmatchedJoinsTotal.Inc()
			err := &UnmatchedJoinError{Site: js, Position: b.prog.SitePosition(js), Handle: h}
			if b.onUnmatched == nil {
				return err
			}
			if herr := b.onUnmatched(err); herr != nil {
				return herr
			}
			continue
		}
		routines, err := b.joinRoutines(js, forks)
		if err != nil {
			return err
		}
		matched := b.matchedForks[js]
		if matched == nil {
			matched = new(graph.SiteSet)
			b.matchedForks[js] = matched
		}
		for _, fs := range forks {
			matched.Add(fs)
		}
		for _, fn := range routines {
			if err := b.addJoinEdge(js, fn); err != nil {
				return err
			}
		}
	}
	b.log.WithField("joinEdges", len(b.joinIndex)).Debug("join edges refined")
	return nil
}

// matchForks returns the fork sites whose handle may alias h.
func (b *Builder) matchForks(o ir.Oracle, idx *handleIndex, h ir.Value) []ir.CallSite {
	if h == nil {
		return nil
	}
	var forks []ir.CallSite
	for _, fs := range idx.candidates(h) {
		aliasQueriesTotal.Inc()
		if o.Alias(h, b.cls.ForkedHandle(fs)) {
			forks = append(forks, fs)
		}
	}
	return forks
}

// joinRoutines returns the routine functions of the matched fork sites,
// applying the Builder's RoutinePolicy to forks whose routine is not
// statically known.
func (b *Builder) joinRoutines(js ir.CallSite, forks []ir.CallSite) ([]ir.FuncID, error) {
	var fns []ir.FuncID
	for _, fs := range forks {
		if fn, ok := b.staticRoutine(fs); ok {
			fns = append(fns, fn)
			continue
		}
		if b.policy == StrictRoutines {
			return nil, &UnresolvedRoutineError{Join: js, Fork: fs}
		}
		edges := b.forkEdges[fs]
		if len(edges) == 0 {
			b.logSite(js).WithField("fork", b.prog.SitePosition(fs)).
				Debug("matched fork has no resolved routine yet; deferring")
			continue
		}
		for _, e := range edges {
			fns = append(fns, e.Callee.Func)
		}
	}
	slices.Sort(fns)
	return slices.Compact(fns), nil
}

// addJoinEdge finds or creates the join edge from the function containing js
// to routine and records js on it.  The edge lives in the join registry only.
func (b *Builder) addJoinEdge(js ir.CallSite, routine ir.FuncID) error {
	key := [2]ir.FuncID{js.Func, routine}
	e, ok := b.joinIndex[key]
	if !ok {
		e = graph.NewEdge(b.cg.NodeFor(js.Func), b.cg.NodeFor(routine), graph.ThreadJoin)
		b.joinIndex[key] = e
		joinEdgesTotal.Inc()
		b.logSite(js).WithFields(logrus.Fields{
			"routine": b.prog.FuncName(routine),
		}).Debug("join edge added")
	}
	if err := checkEdge(js, e, graph.ThreadJoin); err != nil {
		return err
	}
	e.AddDirectSite(js)
	b.joinEdges[js] = insertEdge(b.joinEdges[js], e)
	return nil
}

// JoinEdgesFor returns the join edges recording join site cs.
func (b *Builder) JoinEdgesFor(cs ir.CallSite) []*graph.Edge {
	return slices.Clone(b.joinEdges[cs])
}

// JoinEdges returns every join edge, ordered by caller and callee.
func (b *Builder) JoinEdges() []*graph.Edge {
	es := make([]*graph.Edge, 0, len(b.joinIndex))
	for _, e := range b.joinIndex {
		es = append(es, e)
	}
	slices.SortFunc(es, graph.CompareEdges)
	return es
}

// ForkSitesOf returns the fork sites matched to join site js by RefineJoins.
func (b *Builder) ForkSitesOf(js ir.CallSite) []ir.CallSite {
	if m := b.matchedForks[js]; m != nil {
		return m.Sites()
	}
	return nil
}

// handleIndex buckets fork sites by the keys of their thread handles.
type handleIndex struct {
	keyer   ir.HandleKeyer
	all     []ir.CallSite
	buckets map[string][]ir.CallSite
	unknown []ir.CallSite
}

// indexForks indexes the fork sites that have a thread handle.
func (b *Builder) indexForks(o ir.Oracle) *handleIndex {
	idx := &handleIndex{}
	for _, fs := range b.forkSites.Sites() {
		if b.cls.ForkedHandle(fs) != nil {
			idx.all = append(idx.all, fs)
		}
	}
	keyer, ok := o.(ir.HandleKeyer)
	if !ok {
		return idx
	}
	idx.keyer = keyer
	idx.buckets = make(map[string][]ir.CallSite)
	for _, fs := range idx.all {
		keys, ok := keyer.HandleKeys(b.cls.ForkedHandle(fs))
		if !ok {
			idx.unknown = append(idx.unknown, fs)
			continue
		}
		for _, k := range keys {
			idx.buckets[k] = append(idx.buckets[k], fs)
		}
	}
	return idx
}

// candidates returns, sorted, the fork sites that may have a handle aliasing
// h.
func (idx *handleIndex) candidates(h ir.Value) []ir.CallSite {
	if idx.keyer == nil {
		return idx.all
	}
	keys, ok := idx.keyer.HandleKeys(h)
	if !ok {
		return idx.all
	}
	var set graph.SiteSet
	for _, k := range keys {
		for _, fs := range idx.buckets[k] {
			set.Add(fs)
		}
	}
	for _, fs := range idx.unknown {
		set.Add(fs)
	}
	return set.Sites()
}
