// Copyright 2023 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

package analyzer

import (
	"fmt"
	"go/token"
	"slices"
	"strconv"
	"strings"

	"github.com/google/forkgraph/ir"
	"github.com/sirupsen/logrus"
	"golang.org/x/tools/go/callgraph"
	"golang.org/x/tools/go/callgraph/cha"
	"golang.org/x/tools/go/callgraph/vta"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/types/typeutil"
)

// Precision selects the call graph that resolves indirect calls.
type Precision int

const (
	// PrecisionVTA refines the CHA call graph with variable type analysis.
	PrecisionVTA Precision = iota
	// PrecisionCHA uses class hierarchy analysis only.
	PrecisionCHA
)

func (p Precision) String() string {
	switch p {
	case PrecisionVTA:
		return "vta"
	case PrecisionCHA:
		return "cha"
	}
	return fmt.Sprintf("Precision(%d)", int(p))
}

// ParsePrecision parses "vta" or "cha".
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(s) {
	case "vta", "":
		return PrecisionVTA, nil
	case "cha":
		return PrecisionCHA, nil
	}
	return 0, fmt.Errorf("unknown precision %q (want vta or cha)", s)
}

// object is an abstract memory object: an allocation site, a global, a
// function, or the result of a call to a function without a body.  path
// selects a field or element inside it.
type object struct {
	site ssa.Value
	path string
}

// maxPath bounds the number of selectors in an object path.  Selecting
// below the bound yields the object itself, which keeps object sets finite.
const maxPath = 4

func (o object) field(i int) object { return o.sub("." + strconv.Itoa(i)) }
func (o object) elem() object       { return o.sub("[*]") }

func (o object) sub(sel string) object {
	if strings.Count(o.path, ".")+strings.Count(o.path, "[") >= maxPath {
		return o
	}
	return object{o.site, o.path + sel}
}

func (o object) String() string {
	var s string
	switch v := o.site.(type) {
	case *ssa.Function, *ssa.Global:
		s = v.String()
	default:
		s = v.Parent().String() + ":" + v.Name()
	}
	return s + o.path
}

type objset map[object]struct{}

func (s objset) add(o object) { s[o] = struct{}{} }

func (s objset) union(t objset) {
	for o := range t {
		s[o] = struct{}{}
	}
}

// pointee is the ir.Object of an object.
type pointee struct {
	obj    object
	fn     ir.FuncID
	isFunc bool
}

func (p pointee) Func() (ir.FuncID, bool) { return p.fn, p.isFunc }
func (p pointee) String() string          { return p.obj.String() }

// Oracle is an ir.Oracle over an SSA program.  Indirect call targets come
// from a CHA or VTA call graph.  Points-to sets come from a flow- and
// context-insensitive value-flow analysis that uses the same call graph for
// parameters and results.
type Oracle struct {
	prog *Program
	cg   *callgraph.Graph
	log  logrus.FieldLogger

	callees  map[ssa.CallInstruction][]*ssa.Function
	closures map[*ssa.Function][]*ssa.MakeClosure
	returns  map[*ssa.Function][]*ssa.Return
	stores   typeutil.Map // stored type -> []*ssa.Store
	targets  map[ir.CallSite][]ir.FuncID
	memo     map[ir.Value]objset
}

// NewOracle builds the call graph of prog at the given precision and indexes
// the instructions the value-flow analysis follows.
func NewOracle(prog *Program, precision Precision, log logrus.FieldLogger) *Oracle {
	if log == nil {
		log = logrus.StandardLogger()
	}
	cg := cha.CallGraph(prog.ssa)
	if precision == PrecisionVTA {
		fns := make(map[*ssa.Function]bool, len(prog.funcs))
		for _, fn := range prog.funcs {
			fns[fn] = true
		}
		cg = vta.CallGraph(fns, cg)
	}
	o := &Oracle{
		prog:     prog,
		cg:       cg,
		log:      log,
		callees:  make(map[ssa.CallInstruction][]*ssa.Function),
		closures: make(map[*ssa.Function][]*ssa.MakeClosure),
		returns:  make(map[*ssa.Function][]*ssa.Return),
		targets:  make(map[ir.CallSite][]ir.FuncID),
		memo:     make(map[ir.Value]objset),
	}
	for _, n := range cg.Nodes {
		for _, e := range n.Out {
			if e.Site != nil {
				o.callees[e.Site] = append(o.callees[e.Site], e.Callee.Func)
			}
		}
	}
	for _, fn := range prog.funcs {
		for _, b := range fn.Blocks {
			for _, instr := range b.Instrs {
				switch instr := instr.(type) {
				case *ssa.MakeClosure:
					f := instr.Fn.(*ssa.Function)
					o.closures[f] = append(o.closures[f], instr)
				case *ssa.Return:
					o.returns[fn] = append(o.returns[fn], instr)
				case *ssa.Store:
					t := instr.Val.Type()
					ss, _ := o.stores.At(t).([]*ssa.Store)
					o.stores.Set(t, append(ss, instr))
				}
			}
		}
	}
	for _, call := range prog.instrs {
		if call.Common().StaticCallee() != nil {
			continue
		}
		cs := prog.siteIDs[call]
		for _, callee := range o.callees[call] {
			if fn, ok := prog.FuncID(callee); ok {
				o.targets[cs] = append(o.targets[cs], fn)
			}
		}
		if len(o.targets[cs]) == 0 {
			log.WithField("site", prog.SitePosition(cs)).Debug("indirect call has no callees")
		}
	}
	log.WithFields(logrus.Fields{
		"precision":     precision,
		"indirectSites": len(o.targets),
	}).Debug("call graph built")
	return o
}

// CallGraph returns the call graph used by o.
func (o *Oracle) CallGraph() *callgraph.Graph { return o.cg }

func (o *Oracle) IndirectCallTargets() map[ir.CallSite][]ir.FuncID { return o.targets }

func (o *Oracle) PointsTo(v ir.Value) []ir.Object {
	set := o.query(v)
	out := make([]ir.Object, 0, len(set))
	for obj := range set {
		p := pointee{obj: obj}
		if fn, ok := obj.site.(*ssa.Function); ok && obj.path == "" {
			p.fn, p.isFunc = o.prog.FuncID(fn)
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b ir.Object) int { return strings.Compare(a.String(), b.String()) })
	return out
}

// Alias reports whether a and b may refer to a common object other than a
// function.  A value always aliases itself.
func (o *Oracle) Alias(a, b ir.Value) bool {
	if a == nil || b == nil {
		return false
	}
	if a == b {
		return true
	}
	as, bs := o.query(a), o.query(b)
	for obj := range as {
		if _, isFunc := obj.site.(*ssa.Function); isFunc && obj.path == "" {
			continue
		}
		if _, ok := bs[obj]; ok {
			return true
		}
	}
	return false
}

// HandleKeys returns the names of the non-function objects v may refer to.
// Values with no known objects have unknown keys.
func (o *Oracle) HandleKeys(v ir.Value) ([]string, bool) {
	var keys []string
	for obj := range o.query(v) {
		if _, isFunc := obj.site.(*ssa.Function); isFunc && obj.path == "" {
			continue
		}
		keys = append(keys, obj.String())
	}
	if len(keys) == 0 {
		return nil, false
	}
	slices.Sort(keys)
	return keys, true
}

func (o *Oracle) query(v ir.Value) objset {
	if s, ok := o.memo[v]; ok {
		return s
	}
	s := make(objset)
	switch v := v.(type) {
	case invokeRoutine:
		for _, fn := range o.callees[v.site] {
			s.add(object{site: fn})
		}
	case ssa.Value:
		f := &flow{
			o:       o,
			done:    make(map[ssa.Value]objset),
			partial: make(map[ssa.Value]objset),
			busy:    make(map[ssa.Value]bool),
		}
		for rounds := 1; ; rounds++ {
			f.grew = false
			s = f.values(v)
			if !f.grew {
				if rounds > 2 {
					o.log.WithFields(logrus.Fields{"value": v, "rounds": rounds}).Debug("value flow converged")
				}
				break
			}
		}
	}
	o.memo[v] = s
	return s
}

// flow computes the objects of values for one query.
//
// A value that reaches itself through the flow sees its set from the
// previous round.  Such values, and every value computed from them, stay in
// partial and are recomputed, seeded with their last set, until a round adds
// no object to any of them.  Only values whose computation touched no cycle
// are final.
type flow struct {
	o       *Oracle
	done    map[ssa.Value]objset
	partial map[ssa.Value]objset
	busy    map[ssa.Value]bool
	// cyclic is set while computing a value that reached a busy value.
	cyclic bool
	// grew is set when a round adds an object to a partial set.
	grew bool
}

func (f *flow) values(v ssa.Value) objset {
	if s, ok := f.done[v]; ok {
		return s
	}
	if f.busy[v] {
		f.cyclic = true
		return f.partial[v]
	}
	f.busy[v] = true
	prev := f.partial[v]
	s := make(objset, len(prev))
	s.union(prev)
	outer := f.cyclic
	f.cyclic = false
	f.visit(v, s)
	delete(f.busy, v)
	if f.cyclic {
		if len(s) > len(prev) {
			f.grew = true
		}
		f.partial[v] = s
	} else {
		delete(f.partial, v)
		f.done[v] = s
	}
	f.cyclic = f.cyclic || outer
	return s
}

func (f *flow) visit(v ssa.Value, s objset) {
	switch v := v.(type) {
	case *ssa.Function:
		s.add(object{site: v})
	case *ssa.MakeClosure:
		s.add(object{site: v.Fn})
	case *ssa.Alloc, *ssa.Global, *ssa.MakeChan, *ssa.MakeMap, *ssa.MakeSlice:
		s.add(object{site: v})
	case *ssa.Phi:
		for _, e := range v.Edges {
			s.union(f.values(e))
		}
	case *ssa.ChangeType:
		s.union(f.values(v.X))
	case *ssa.ChangeInterface:
		s.union(f.values(v.X))
	case *ssa.MakeInterface:
		s.union(f.values(v.X))
	case *ssa.Convert:
		s.union(f.values(v.X))
	case *ssa.SliceToArrayPointer:
		s.union(f.values(v.X))
	case *ssa.TypeAssert:
		s.union(f.values(v.X))
	case *ssa.Slice:
		s.union(f.values(v.X))
	case *ssa.FieldAddr:
		for obj := range f.values(v.X) {
			s.add(obj.field(v.Field))
		}
	case *ssa.IndexAddr:
		for obj := range f.values(v.X) {
			s.add(obj.elem())
		}
	case *ssa.UnOp:
		if v.Op == token.MUL {
			f.load(v, s)
		}
	case *ssa.Parameter:
		f.param(v, s)
	case *ssa.FreeVar:
		f.freeVar(v, s)
	case *ssa.Call:
		f.results(v, -1, s)
	case *ssa.Extract:
		switch t := v.Tuple.(type) {
		case *ssa.Call:
			f.results(t, v.Index, s)
		case *ssa.TypeAssert:
			if v.Index == 0 {
				s.union(f.values(t.X))
			}
		}
	}
}

// load adds the values stored to any object that the address of v may refer
// to.
func (f *flow) load(v *ssa.UnOp, s objset) {
	addrs := f.values(v.X)
	if len(addrs) == 0 {
		return
	}
	stores, _ := f.o.stores.At(v.Type()).([]*ssa.Store)
	for _, st := range stores {
		for obj := range f.values(st.Addr) {
			if _, ok := addrs[obj]; ok {
				s.union(f.values(st.Val))
				break
			}
		}
	}
}

// param adds the arguments passed for p at every call of its function.
func (f *flow) param(p *ssa.Parameter, s objset) {
	fn := p.Parent()
	idx := slices.Index(fn.Params, p)
	if idx < 0 {
		return
	}
	seen := make(map[ssa.CallInstruction]bool)
	visit := func(call ssa.CallInstruction) {
		if seen[call] {
			return
		}
		seen[call] = true
		common := call.Common()
		var arg ssa.Value
		switch {
		case common.IsInvoke() && idx == 0:
			arg = common.Value
		case common.IsInvoke():
			if idx-1 < len(common.Args) {
				arg = common.Args[idx-1]
			}
		case idx < len(common.Args):
			arg = common.Args[idx]
		}
		if arg != nil {
			s.union(f.values(arg))
		}
	}
	for _, call := range f.o.prog.staticCallers[fn] {
		visit(call)
	}
	if n := f.o.cg.Nodes[fn]; n != nil {
		for _, e := range n.In {
			if e.Site != nil {
				visit(e.Site)
			}
		}
	}
}

// freeVar adds the values bound to fv by every closure of its function.
func (f *flow) freeVar(fv *ssa.FreeVar, s objset) {
	fn := fv.Parent()
	idx := slices.Index(fn.FreeVars, fv)
	if idx < 0 {
		return
	}
	for _, mc := range f.o.closures[fn] {
		if idx < len(mc.Bindings) {
			s.union(f.values(mc.Bindings[idx]))
		}
	}
}

// results adds the index'th result of every callee of call, or all results
// if index is negative.  A call to a function without a body, or with no
// known callee, yields an object of its own.
func (f *flow) results(call *ssa.Call, index int, s objset) {
	opaque := object{site: call, path: "#result"}
	if index >= 0 {
		opaque.path = "#" + strconv.Itoa(index)
	}
	callees := f.o.callees[call]
	if static := call.Common().StaticCallee(); static != nil {
		callees = []*ssa.Function{static}
	}
	if len(callees) == 0 {
		s.add(opaque)
		return
	}
	for _, callee := range callees {
		if len(callee.Blocks) == 0 {
			s.add(opaque)
			continue
		}
		for _, ret := range f.o.returns[callee] {
			if index < 0 {
				for _, r := range ret.Results {
					s.union(f.values(r))
				}
			} else if index < len(ret.Results) {
				s.union(f.values(ret.Results[index]))
			}
		}
	}
}
