// Copyright 2023 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

package analyzer

import (
	"github.com/google/forkgraph/ir"
	"golang.org/x/tools/go/ssa"
)

var waitGroupDone = &methodMatcher{pkg: "sync", typeName: "WaitGroup", methodName: "Done"}

type forkInfo struct {
	routine, handle ir.Value
}

type compiledRule struct {
	rule    Rule
	m       matcher
	handle  selector
	routine int
}

// Classifier is an ir.Classifier for Go.
//
// Every go statement is a fork site; its thread handle is the WaitGroup that
// the started function marks as done, if any.  Other fork and join sites are
// calls to the functions named by the classifier's rules.
type Classifier struct {
	forks map[ir.CallSite]forkInfo
	joins map[ir.CallSite]ir.Value
}

// NewClassifier classifies the call sites of prog using rules.
func NewClassifier(prog *Program, rules *Rules) (*Classifier, error) {
	compile := func(rs []Rule, fork bool) ([]compiledRule, error) {
		var out []compiledRule
		for _, r := range rs {
			if err := r.validate(fork); err != nil {
				return nil, err
			}
			sel, _ := parseSelector(r.Handle)
			out = append(out, compiledRule{rule: r, m: r.matcher(), handle: sel, routine: r.Routine})
		}
		return out, nil
	}
	forkRules, err := compile(rules.Forks, true)
	if err != nil {
		return nil, err
	}
	joinRules, err := compile(rules.Joins, false)
	if err != nil {
		return nil, err
	}

	c := &Classifier{
		forks: make(map[ir.CallSite]forkInfo),
		joins: make(map[ir.CallSite]ir.Value),
	}
	for _, fn := range prog.Functions() {
		for _, cs := range prog.CallSites(fn) {
			call := prog.Instr(cs)
			if g, ok := call.(*ssa.Go); ok {
				c.forks[cs] = goFork(g)
				continue
			}
			callee := call.Common().StaticCallee()
			if callee == nil {
				continue
			}
			if r := findRule(forkRules, callee); r != nil {
				c.forks[cs] = forkInfo{
					routine: argument(call, callee, r.routine),
					handle:  r.handle.pick(call, callee),
				}
				continue
			}
			if r := findRule(joinRules, callee); r != nil {
				c.joins[cs] = r.handle.pick(call, callee)
			}
		}
	}
	return c, nil
}

func findRule(rules []compiledRule, callee *ssa.Function) *compiledRule {
	for i := range rules {
		if rules[i].m.match(callee) {
			return &rules[i]
		}
	}
	return nil
}

// goFork returns the routine and handle of a go statement.
func goFork(g *ssa.Go) forkInfo {
	common := g.Common()
	if common.IsInvoke() {
		return forkInfo{routine: invokeRoutine{g}}
	}
	info := forkInfo{routine: common.Value}
	var fn *ssa.Function
	switch v := common.Value.(type) {
	case *ssa.Function:
		fn = v
	case *ssa.MakeClosure:
		fn = v.Fn.(*ssa.Function)
	}
	if fn != nil {
		if h := doneReceiver(fn); h != nil {
			info.handle = h
		}
	}
	return info
}

// doneReceiver returns the receiver of the first (*sync.WaitGroup).Done call
// in the body of fn, deferred calls included.
func doneReceiver(fn *ssa.Function) ssa.Value {
	for _, b := range fn.Blocks {
		for _, instr := range b.Instrs {
			switch instr.(type) {
			case *ssa.Call, *ssa.Defer:
			default:
				continue
			}
			common := instr.(ssa.CallInstruction).Common()
			if callee := common.StaticCallee(); callee != nil && waitGroupDone.match(callee) && len(common.Args) > 0 {
				return common.Args[0]
			}
		}
	}
	return nil
}

// argument returns the i'th non-receiver argument of a call, or nil.
func argument(call ssa.CallInstruction, callee *ssa.Function, i int) ir.Value {
	args := call.Common().Args
	if callee.Signature.Recv() != nil && len(args) > 0 {
		args = args[1:]
	}
	if i < 0 || i >= len(args) {
		return nil
	}
	return args[i]
}

// pick returns the value s selects at a call, or nil.
func (s selector) pick(call ssa.CallInstruction, callee *ssa.Function) ir.Value {
	switch s.kind {
	case selectReceiver:
		if callee.Signature.Recv() == nil || len(call.Common().Args) == 0 {
			return nil
		}
		return call.Common().Args[0]
	case selectResult:
		if c, ok := call.(*ssa.Call); ok {
			return c
		}
		return nil
	case selectArg:
		return argument(call, callee, s.arg)
	}
	return nil
}

// invokeRoutine is the routine of a go statement that calls an interface
// method.
type invokeRoutine struct {
	site *ssa.Go
}

func (r invokeRoutine) String() string {
	c := r.site.Common()
	return c.Value.Name() + "." + c.Method.Name()
}

func (c *Classifier) IsFork(cs ir.CallSite) bool {
	_, ok := c.forks[cs]
	return ok
}

func (c *Classifier) IsJoin(cs ir.CallSite) bool {
	_, ok := c.joins[cs]
	return ok
}

func (c *Classifier) ForkedRoutine(cs ir.CallSite) ir.Value { return c.forks[cs].routine }
func (c *Classifier) ForkedHandle(cs ir.CallSite) ir.Value  { return c.forks[cs].handle }
func (c *Classifier) JoinedHandle(cs ir.CallSite) ir.Value  { return c.joins[cs] }
