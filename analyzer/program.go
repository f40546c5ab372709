// Copyright 2023 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

package analyzer

import (
	"fmt"
	"maps"
	"slices"

	"github.com/google/forkgraph/graph"
	"github.com/google/forkgraph/ir"
	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

// Program is an ir.Program over an SSA program.
//
// Function IDs follow the order of compareFunctions, and call sites are
// numbered in function order, then in instruction order, so IDs are the same
// for every run over the same source.
type Program struct {
	ssa   *ssa.Program
	funcs []*ssa.Function
	ids   map[*ssa.Function]ir.FuncID
	std   map[string]struct{}

	// sites[fn] lists the call sites of fn; only scanned functions have any.
	sites   map[ir.FuncID][]ir.CallSite
	instrs  []ssa.CallInstruction // indexed by SiteID
	siteIDs map[ssa.CallInstruction]ir.CallSite

	// staticCallers[fn] lists the call instructions whose static callee is fn.
	staticCallers map[*ssa.Function][]ssa.CallInstruction
}

// buildProgram builds SSA for pkgs and all their dependencies.
func buildProgram(pkgs []*packages.Package) (*ssa.Program, map[*ssa.Function]bool) {
	ssaProg, _ := ssautil.AllPackages(pkgs, ssa.InstantiateGenerics)
	ssaProg.Build()
	return ssaProg, ssautil.AllFunctions(ssaProg)
}

// NewProgram builds SSA for pkgs and numbers its functions and call sites.
// Call sites of standard library functions are only numbered if
// includeStdlib is set.  Call sites inside the functions that rules names
// as fork or join primitives, and inside function literals nested in them,
// are never numbered: the rule stands for the primitive's body.
func NewProgram(pkgs []*packages.Package, includeStdlib bool, rules *Rules) (*Program, error) {
	std, err := standardLibraryPackages()
	if err != nil {
		return nil, err
	}
	ssaProg, all := buildProgram(pkgs)
	p := &Program{
		ssa:           ssaProg,
		ids:           make(map[*ssa.Function]ir.FuncID, len(all)),
		std:           std,
		sites:         make(map[ir.FuncID][]ir.CallSite),
		siteIDs:       make(map[ssa.CallInstruction]ir.CallSite),
		staticCallers: make(map[*ssa.Function][]ssa.CallInstruction),
	}
	p.funcs = slices.SortedFunc(maps.Keys(all), compareFunctions)
	for i, fn := range p.funcs {
		p.ids[fn] = ir.FuncID(i)
	}
	primitives := rules.matchers()
	for i, fn := range p.funcs {
		scan := (includeStdlib || !p.isStdlib(fn)) && !isPrimitive(primitives, fn)
		for _, b := range fn.Blocks {
			for _, instr := range b.Instrs {
				call, ok := instr.(ssa.CallInstruction)
				if !ok {
					continue
				}
				if _, ok := call.Common().Value.(*ssa.Builtin); ok {
					continue
				}
				if callee := call.Common().StaticCallee(); callee != nil {
					p.staticCallers[callee] = append(p.staticCallers[callee], call)
				}
				if !scan {
					continue
				}
				cs := ir.CallSite{ID: ir.SiteID(len(p.instrs)), Func: ir.FuncID(i)}
				p.instrs = append(p.instrs, call)
				p.siteIDs[call] = cs
				p.sites[cs.Func] = append(p.sites[cs.Func], cs)
			}
		}
	}
	return p, nil
}

// isPrimitive reports whether fn, or the function that fn is nested in, is
// matched by one of ms.
func isPrimitive(ms []matcher, fn *ssa.Function) bool {
	for fn.Parent() != nil {
		fn = fn.Parent()
	}
	for _, m := range ms {
		if m.match(fn) {
			return true
		}
	}
	return false
}

// isStdlib reports whether fn belongs to a standard library package.
func (p *Program) isStdlib(fn *ssa.Function) bool {
	pkg := funcPackage(fn)
	if pkg == nil {
		return false
	}
	_, ok := p.std[pkg.Path()]
	return ok
}

// SSA returns the underlying SSA program.
func (p *Program) SSA() *ssa.Program { return p.ssa }

// Func returns the SSA function with the given ID.
func (p *Program) Func(fn ir.FuncID) *ssa.Function { return p.funcs[fn] }

// FuncID returns the ID of an SSA function.
func (p *Program) FuncID(fn *ssa.Function) (ir.FuncID, bool) {
	id, ok := p.ids[fn]
	return id, ok
}

// Instr returns the call instruction of a call site.
func (p *Program) Instr(cs ir.CallSite) ssa.CallInstruction { return p.instrs[cs.ID] }

// Site returns the call site of a call instruction, if it was numbered.
func (p *Program) Site(call ssa.CallInstruction) (ir.CallSite, bool) {
	cs, ok := p.siteIDs[call]
	return cs, ok
}

// Package returns the import path of the package of fn, or "" for wrappers
// without one.
func (p *Program) Package(fn ir.FuncID) string {
	if pkg := funcPackage(p.funcs[fn]); pkg != nil {
		return pkg.Path()
	}
	return ""
}

// IsStdlib reports whether fn belongs to a standard library package.
func (p *Program) IsStdlib(fn ir.FuncID) bool { return p.isStdlib(p.funcs[fn]) }

func (p *Program) Functions() []ir.FuncID {
	fns := make([]ir.FuncID, len(p.funcs))
	for i := range fns {
		fns[i] = ir.FuncID(i)
	}
	return fns
}

func (p *Program) CallSites(fn ir.FuncID) []ir.CallSite { return slices.Clone(p.sites[fn]) }

// StaticFunc resolves functions and closures.
func (p *Program) StaticFunc(v ir.Value) (ir.FuncID, bool) {
	switch v := v.(type) {
	case *ssa.Function:
		return p.FuncID(v)
	case *ssa.MakeClosure:
		return p.FuncID(v.Fn.(*ssa.Function))
	}
	return 0, false
}

func (p *Program) FuncName(fn ir.FuncID) string {
	if int(fn) >= len(p.funcs) {
		return fmt.Sprintf("fn#%d", int(fn))
	}
	return p.funcs[fn].String()
}

func (p *Program) SitePosition(cs ir.CallSite) string {
	pos := p.ssa.Fset.Position(p.instrs[cs.ID].Pos())
	if !pos.IsValid() {
		return ""
	}
	return pos.String()
}

// AddDirectCalls adds a direct call edge to g for every numbered call site
// with a static callee.  Go statements start threads rather than call their
// callee, and get fork edges instead.
func (p *Program) AddDirectCalls(g *graph.Graph) int {
	n := 0
	for _, call := range p.instrs {
		if _, ok := call.(*ssa.Go); ok {
			continue
		}
		callee, ok := p.FuncID(call.Common().StaticCallee())
		if !ok {
			continue
		}
		if _, isNew := g.AddCall(p.siteIDs[call], callee, graph.DirectCall); isNew {
			n++
		}
	}
	return n
}
