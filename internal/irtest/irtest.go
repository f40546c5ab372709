// Copyright 2023 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

// Package irtest provides in-memory implementations of the ir interfaces for
// tests.
package irtest

import (
	"fmt"
	"slices"

	"github.com/google/forkgraph/ir"
)

// Value is an opaque value identified by its name.
type Value string

func (v Value) String() string { return string(v) }

// FuncRef is a value that statically denotes a function.
type FuncRef ir.FuncID

func (f FuncRef) String() string { return fmt.Sprintf("fn#%d", int(f)) }

// FuncObject is a memory object that is a function.
type FuncObject ir.FuncID

func (f FuncObject) Func() (ir.FuncID, bool) { return ir.FuncID(f), true }
func (f FuncObject) String() string          { return fmt.Sprintf("obj:fn#%d", int(f)) }

// MemObject is a memory object that is not a function.
type MemObject string

func (m MemObject) Func() (ir.FuncID, bool) { return 0, false }
func (m MemObject) String() string          { return "obj:" + string(m) }

type fork struct {
	routine, handle ir.Value
}

// Program is an in-memory ir.Program that is also its own ir.Classifier.
type Program struct {
	names    []string
	order    []ir.FuncID
	sites    map[ir.FuncID][]ir.CallSite
	nextSite ir.SiteID
	forks    map[ir.CallSite]fork
	joins    map[ir.CallSite]ir.Value
}

// NewProgram returns an empty program.
func NewProgram() *Program {
	return &Program{
		sites: make(map[ir.FuncID][]ir.CallSite),
		forks: make(map[ir.CallSite]fork),
		joins: make(map[ir.CallSite]ir.Value),
	}
}

// Func adds a function named name.
func (p *Program) Func(name string) ir.FuncID {
	fn := ir.FuncID(len(p.names))
	p.names = append(p.names, name)
	p.order = append(p.order, fn)
	return fn
}

func (p *Program) site(fn ir.FuncID) ir.CallSite {
	cs := ir.CallSite{ID: p.nextSite, Func: fn}
	p.nextSite++
	p.sites[fn] = append(p.sites[fn], cs)
	return cs
}

// Call adds a call site to fn that is neither a fork nor a join.
func (p *Program) Call(fn ir.FuncID) ir.CallSite { return p.site(fn) }

// Fork adds a fork site to fn starting routine with the given thread handle.
// handle may be nil.
func (p *Program) Fork(fn ir.FuncID, routine, handle ir.Value) ir.CallSite {
	cs := p.site(fn)
	p.forks[cs] = fork{routine, handle}
	return cs
}

// Join adds a join site to fn waiting for handle.
func (p *Program) Join(fn ir.FuncID, handle ir.Value) ir.CallSite {
	cs := p.site(fn)
	p.joins[cs] = handle
	return cs
}

// Reverse reverses the order in which functions and call sites are
// enumerated.  Identities are unchanged.
func (p *Program) Reverse() {
	slices.Reverse(p.order)
	for _, sites := range p.sites {
		slices.Reverse(sites)
	}
}

func (p *Program) Functions() []ir.FuncID { return slices.Clone(p.order) }

func (p *Program) CallSites(fn ir.FuncID) []ir.CallSite { return slices.Clone(p.sites[fn]) }

func (p *Program) StaticFunc(v ir.Value) (ir.FuncID, bool) {
	if f, ok := v.(FuncRef); ok {
		return ir.FuncID(f), true
	}
	return 0, false
}

func (p *Program) FuncName(fn ir.FuncID) string {
	if int(fn) < len(p.names) {
		return p.names[fn]
	}
	return fmt.Sprintf("fn#%d", int(fn))
}

func (p *Program) SitePosition(cs ir.CallSite) string {
	return fmt.Sprintf("%s:%d", p.FuncName(cs.Func), cs.ID)
}

func (p *Program) IsFork(cs ir.CallSite) bool {
	_, ok := p.forks[cs]
	return ok
}

func (p *Program) IsJoin(cs ir.CallSite) bool {
	_, ok := p.joins[cs]
	return ok
}

func (p *Program) ForkedRoutine(cs ir.CallSite) ir.Value { return p.forks[cs].routine }
func (p *Program) ForkedHandle(cs ir.CallSite) ir.Value  { return p.forks[cs].handle }
func (p *Program) JoinedHandle(cs ir.CallSite) ir.Value  { return p.joins[cs] }

// Oracle is an in-memory ir.Oracle.  Identical values always alias.
type Oracle struct {
	Targets map[ir.CallSite][]ir.FuncID
	Points  map[ir.Value][]ir.Object
	aliases map[[2]ir.Value]bool
	// Queries counts Alias calls.
	Queries int
}

// NewOracle returns an oracle with no results.
func NewOracle() *Oracle {
	return &Oracle{
		Targets: make(map[ir.CallSite][]ir.FuncID),
		Points:  make(map[ir.Value][]ir.Object),
		aliases: make(map[[2]ir.Value]bool),
	}
}

// AddTargets records that cs may call fns.
func (o *Oracle) AddTargets(cs ir.CallSite, fns ...ir.FuncID) {
	o.Targets[cs] = append(o.Targets[cs], fns...)
}

// AddPointsTo records that v may point to objs.
func (o *Oracle) AddPointsTo(v ir.Value, objs ...ir.Object) {
	o.Points[v] = append(o.Points[v], objs...)
}

// AddAlias records that a and b may alias.
func (o *Oracle) AddAlias(a, b ir.Value) {
	o.aliases[[2]ir.Value{a, b}] = true
	o.aliases[[2]ir.Value{b, a}] = true
}

func (o *Oracle) IndirectCallTargets() map[ir.CallSite][]ir.FuncID { return o.Targets }

func (o *Oracle) PointsTo(v ir.Value) []ir.Object { return o.Points[v] }

func (o *Oracle) Alias(a, b ir.Value) bool {
	o.Queries++
	if a == nil || b == nil {
		return false
	}
	return a == b || o.aliases[[2]ir.Value{a, b}]
}

// KeyedOracle is an Oracle that also implements ir.HandleKeyer.  Values
// without keys report unknown keys.
type KeyedOracle struct {
	*Oracle
	Keys map[ir.Value][]string
}

func (o *KeyedOracle) HandleKeys(v ir.Value) ([]string, bool) {
	keys, ok := o.Keys[v]
	return keys, ok
}
