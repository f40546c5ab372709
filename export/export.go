// Copyright 2023 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

// Package export renders thread-aware call graphs as text, JSON or Graphviz
// DOT.
package export

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/fatih/color"
	"github.com/google/forkgraph/graph"
	"github.com/google/forkgraph/ir"
	"github.com/google/forkgraph/threads"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Edge is a graph edge with its call sites rendered as positions.
type Edge struct {
	Caller   string
	Callee   string
	Kind     string
	Direct   []string
	Indirect []string
}

// Site is a fork or join site.
type Site struct {
	Position string
	Func     string
	// Routines are the functions started (fork) or waited for (join).
	Routines []string
	// Forks are the positions of the fork sites matched to a join site.
	Forks []string
	// Pending is set for fork sites whose routine is unresolved.
	Pending bool
}

// Report is a rendering-independent view of a builder's result.
type Report struct {
	Forks []Site
	Joins []Site
	Edges []Edge
	Stats threads.Stats
}

// Options controls what a Report contains.
type Options struct {
	// Calls includes generic call edges, not only fork and join edges.
	Calls bool
}

// NewReport describes the sites and edges of b, naming functions and call
// sites through prog.
func NewReport(prog ir.Program, b *threads.Builder, opts Options) *Report {
	pos := func(cs ir.CallSite) string {
		if p := prog.SitePosition(cs); p != "" {
			return p
		}
		return cs.String()
	}
	positions := func(sites []ir.CallSite) []string {
		var out []string
		for _, cs := range sites {
			out = append(out, pos(cs))
		}
		return out
	}
	callees := func(es []*graph.Edge) []string {
		var out []string
		for _, e := range es {
			out = append(out, prog.FuncName(e.Callee.Func))
		}
		slices.Sort(out)
		return slices.Compact(out)
	}

	r := &Report{Stats: b.Stats()}
	for _, cs := range b.ForkSites() {
		es := b.ForkEdgesFor(cs)
		r.Forks = append(r.Forks, Site{
			Position: pos(cs),
			Func:     prog.FuncName(cs.Func),
			Routines: callees(es),
			Pending:  len(es) == 0,
		})
	}
	for _, cs := range b.JoinSites() {
		r.Joins = append(r.Joins, Site{
			Position: pos(cs),
			Func:     prog.FuncName(cs.Func),
			Routines: callees(b.JoinEdgesFor(cs)),
			Forks:    positions(b.ForkSitesOf(cs)),
		})
	}
	var es []*graph.Edge
	for _, e := range b.Graph().Edges() {
		if e.Kind == graph.ThreadFork || opts.Calls {
			es = append(es, e)
		}
	}
	es = append(es, b.JoinEdges()...)
	slices.SortFunc(es, graph.CompareEdges)
	for _, e := range es {
		r.Edges = append(r.Edges, Edge{
			Caller:   prog.FuncName(e.Caller.Func),
			Callee:   prog.FuncName(e.Callee.Func),
			Kind:     e.Kind.String(),
			Direct:   positions(e.DirectSites()),
			Indirect: positions(e.IndirectSites()),
		})
	}
	return r
}

var (
	headerColor = color.New(color.Bold)
	forkColor   = color.New(color.FgGreen)
	joinColor   = color.New(color.FgCyan)
	callColor   = color.New(color.Faint)
	warnColor   = color.New(color.FgYellow)
)

func kindColor(kind string) *color.Color {
	switch kind {
	case graph.ThreadFork.String():
		return forkColor
	case graph.ThreadJoin.String():
		return joinColor
	}
	return callColor
}

// WriteText writes r in a human-readable form.  Colors follow
// color.NoColor.
func WriteText(w io.Writer, r *Report) error {
	var b strings.Builder
	headerColor.Fprintf(&b, "Fork sites (%d)\n", len(r.Forks))
	for _, s := range r.Forks {
		fmt.Fprintf(&b, "  %s in %s\n", s.Position, s.Func)
		if s.Pending {
			warnColor.Fprintf(&b, "    unresolved routine\n")
			continue
		}
		for _, fn := range s.Routines {
			forkColor.Fprintf(&b, "    starts %s\n", fn)
		}
	}
	headerColor.Fprintf(&b, "Join sites (%d)\n", len(r.Joins))
	for _, s := range r.Joins {
		fmt.Fprintf(&b, "  %s in %s\n", s.Position, s.Func)
		if len(s.Forks) == 0 {
			warnColor.Fprintf(&b, "    no matching fork\n")
			continue
		}
		for _, fn := range s.Routines {
			joinColor.Fprintf(&b, "    waits for %s\n", fn)
		}
		for _, f := range s.Forks {
			fmt.Fprintf(&b, "    started at %s\n", f)
		}
	}
	headerColor.Fprintf(&b, "Edges (%d)\n", len(r.Edges))
	for _, e := range r.Edges {
		kindColor(e.Kind).Fprintf(&b, "  %s --%s--> %s\n", e.Caller, e.Kind, e.Callee)
	}
	s := r.Stats
	fmt.Fprintf(&b, "%d fork sites (%d pending), %d join sites, %d fork edges, %d join edges, %d call edges\n",
		s.ForkSites, s.PendingForks, s.JoinSites, s.ForkEdges, s.JoinEdges, s.CallEdges)
	_, err := io.WriteString(w, b.String())
	return err
}

func strings2any(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// Struct converts r to a protobuf Struct.
func (r *Report) Struct() (*structpb.Struct, error) {
	site := func(s Site) map[string]any {
		m := map[string]any{
			"position": s.Position,
			"func":     s.Func,
			"routines": strings2any(s.Routines),
		}
		if s.Forks != nil {
			m["forks"] = strings2any(s.Forks)
		}
		if s.Pending {
			m["pending"] = true
		}
		return m
	}
	var forks, joins, edges []any
	for _, s := range r.Forks {
		forks = append(forks, site(s))
	}
	for _, s := range r.Joins {
		joins = append(joins, site(s))
	}
	for _, e := range r.Edges {
		edges = append(edges, map[string]any{
			"caller":   e.Caller,
			"callee":   e.Callee,
			"kind":     e.Kind,
			"direct":   strings2any(e.Direct),
			"indirect": strings2any(e.Indirect),
		})
	}
	return structpb.NewStruct(map[string]any{
		"forks": forks,
		"joins": joins,
		"edges": edges,
		"stats": map[string]any{
			"forkSites":    r.Stats.ForkSites,
			"joinSites":    r.Stats.JoinSites,
			"pendingForks": r.Stats.PendingForks,
			"forkEdges":    r.Stats.ForkEdges,
			"joinEdges":    r.Stats.JoinEdges,
			"callEdges":    r.Stats.CallEdges,
		},
	})
}

// WriteJSON writes r as JSON.
func WriteJSON(w io.Writer, r *Report) error {
	s, err := r.Struct()
	if err != nil {
		return fmt.Errorf("converting report: %w", err)
	}
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	_, err = w.Write(append(b, '\n'))
	return err
}

// WriteDOT writes the edges of r as a Graphviz digraph.  Join edges are
// dashed and point from the waiting function to the routine.
func WriteDOT(w io.Writer, r *Report) error {
	var b strings.Builder
	b.WriteString("digraph forkgraph {\n")
	b.WriteString("\tnode [shape=box];\n")
	var nodes []string
	for _, e := range r.Edges {
		nodes = append(nodes, e.Caller, e.Callee)
	}
	slices.Sort(nodes)
	for _, n := range slices.Compact(nodes) {
		fmt.Fprintf(&b, "\t%q;\n", n)
	}
	for _, e := range r.Edges {
		var attrs string
		switch e.Kind {
		case graph.ThreadFork.String():
			attrs = `color=darkgreen, label="fork"`
		case graph.ThreadJoin.String():
			attrs = `color=blue, style=dashed, label="join"`
		case graph.IndirectCall.String():
			attrs = `color=gray, style=dotted`
		default:
			attrs = `color=gray`
		}
		fmt.Fprintf(&b, "\t%q -> %q [%s];\n", e.Caller, e.Callee, attrs)
	}
	b.WriteString("}\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// Write writes r in the named format: "text", "json" or "dot".
func Write(w io.Writer, r *Report, format string) error {
	switch format {
	case "text", "":
		return WriteText(w, r)
	case "json":
		return WriteJSON(w, r)
	case "dot":
		return WriteDOT(w, r)
	}
	return fmt.Errorf("unknown output format %q", format)
}
