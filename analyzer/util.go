// Copyright 2023 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

package analyzer

import (
	"go/types"
	"strings"

	"golang.org/x/tools/go/ssa"
)

// compareBool performs a three-way comparison between two bool values.  It returns:
//
//	0  if a==b
//	-1 if a && !b
//	+1 if !a && b
func compareBool(a, b bool) int {
	if a == b {
		return 0
	}
	if a {
		return -1
	}
	return +1
}

// compareFunctions orders functions by package path, then puts package-level
// functions before methods, then orders by name.  Functions with a package
// come first.
func compareFunctions(a, b *ssa.Function) int {
	ap, bp := funcPackage(a), funcPackage(b)
	if c := compareBool(ap != nil, bp != nil); c != 0 {
		return c
	}
	if ap != nil && bp != nil {
		if c := strings.Compare(ap.Path(), bp.Path()); c != 0 {
			return c
		}
	}
	hasReceiver := func(f *ssa.Function) bool {
		return f.Signature.Recv() != nil
	}
	if c := compareBool(!hasReceiver(a), !hasReceiver(b)); c != 0 {
		return c
	}
	if c := strings.Compare(a.String(), b.String()); c != 0 {
		return c
	}
	return int(a.Pos()) - int(b.Pos())
}

// funcPackage returns the package of fn, or nil if it has no associated
// package, e.g. because it is a wrapper function.
func funcPackage(fn *ssa.Function) *types.Package {
	// receiverTypePackage returns the package of a method given the type of its
	// receiver.
	receiverTypePackage := func(typ types.Type) *types.Package {
		if typ == nil {
			return nil
		}
		if p, ok := types.Unalias(typ).(*types.Pointer); ok {
			typ = p.Elem()
		}
		if n, ok := types.Unalias(typ).(*types.Named); ok {
			if pkg := n.Obj().Pkg(); pkg != nil {
				return pkg
			}
		}
		return nil
	}
	// Ordinary functions and methods.
	if pkg := fn.Package(); pkg != nil {
		return pkg.Pkg
	}
	// Generic functions and methods.
	if o := fn.Origin(); o != nil {
		if pkg := o.Package(); pkg != nil {
			return pkg.Pkg
		}
	}
	// Method expressions.
	if strings.HasSuffix(fn.Name(), "$thunk") {
		if len(fn.Params) > 0 {
			return receiverTypePackage(fn.Params[0].Object().Type())
		}
	}
	// Method values.
	if strings.HasSuffix(fn.Name(), "$bound") {
		if len(fn.FreeVars) >= 1 {
			return receiverTypePackage(fn.FreeVars[0].Type())
		}
	}
	// Other wrappers.
	if recv := fn.Signature.Recv(); recv != nil {
		return receiverTypePackage(recv.Type())
	}
	return nil
}

// matcher identifies the callee of a call site.
type matcher interface {
	match(fn *ssa.Function) bool
}

// packageFunctionMatcher objects match a package-scope function.
type packageFunctionMatcher struct {
	pkg          string
	functionName string
}

// methodMatcher objects match a method of some named type, with either a
// value or a pointer receiver.
type methodMatcher struct {
	pkg        string
	typeName   string
	methodName string
}

// origin returns the generic function fn instantiates, or fn itself.
func origin(fn *ssa.Function) *ssa.Function {
	if o := fn.Origin(); o != nil {
		return o
	}
	return fn
}

func (m *packageFunctionMatcher) match(fn *ssa.Function) bool {
	fn = origin(fn)
	if fn.Signature.Recv() != nil || fn.Parent() != nil {
		// Methods and function literals.
		return false
	}
	if fn.Pkg == nil || fn.Pkg.Pkg.Path() != m.pkg {
		return false
	}
	return fn.Name() == m.functionName
}

func (m *methodMatcher) match(fn *ssa.Function) bool {
	fn = origin(fn)
	recv := fn.Signature.Recv()
	if recv == nil {
		return false
	}
	if fn.Name() != m.methodName {
		return false
	}
	typ := recv.Type()
	if ptr, ok := types.Unalias(typ).(*types.Pointer); ok {
		typ = ptr.Elem()
	}
	named, ok := types.Unalias(typ).(*types.Named)
	if !ok {
		return false
	}
	obj := named.Origin().Obj()
	if obj.Pkg() == nil || obj.Pkg().Path() != m.pkg {
		return false
	}
	return obj.Name() == m.typeName
}
