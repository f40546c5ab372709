// Copyright 2023 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

// Package ir describes the collaborators the thread-aware call graph builder
// consumes: a program representation, a classifier for thread primitives, and
// a points-to oracle.  The builder never looks inside a program itself; it
// only sees the stable identifiers and opaque values defined here.
package ir

import "fmt"

// FuncID identifies a function of the analyzed program.  IDs are issued by a
// Program and are stable for the lifetime of that Program.
type FuncID int

// SiteID identifies a call instruction of the analyzed program.
type SiteID int

// CallSite is a call instruction paired with its enclosing function.  It is
// comparable and can be used as a map key.
type CallSite struct {
	ID   SiteID
	Func FuncID
}

func (cs CallSite) String() string {
	return fmt.Sprintf("site#%d@fn#%d", cs.ID, cs.Func)
}

// Compare orders call sites by ID, then by enclosing function.
func (cs CallSite) Compare(other CallSite) int {
	switch {
	case cs.ID < other.ID:
		return -1
	case cs.ID > other.ID:
		return +1
	case cs.Func < other.Func:
		return -1
	case cs.Func > other.Func:
		return +1
	}
	return 0
}

// Value is an operand of a call instruction, such as the routine handed to a
// fork primitive or a thread handle.  Values are opaque to the builder: only
// the Program, the Classifier and the Oracle interpret them.  A nil Value
// means the operand is absent.
type Value interface {
	String() string
}

// Program is an immutable snapshot of the analyzed program.
type Program interface {
	// Functions returns the functions whose instructions are scanned for
	// thread primitives, in a deterministic order.
	Functions() []FuncID
	// CallSites returns the call instructions of fn in program order.
	CallSites(fn FuncID) []CallSite
	// StaticFunc returns the function v denotes when that is known without
	// points-to information.
	StaticFunc(v Value) (FuncID, bool)
	// FuncName returns a human-readable name for fn.
	FuncName(fn FuncID) string
	// SitePosition returns a human-readable source position for cs, or "" if
	// none is known.
	SitePosition(cs CallSite) string
}

// Classifier recognizes call sites that create or wait for threads.
type Classifier interface {
	IsFork(cs CallSite) bool
	IsJoin(cs CallSite) bool
	// ForkedRoutine returns the routine started by a fork site.
	ForkedRoutine(cs CallSite) Value
	// ForkedHandle returns the handle of the thread started by a fork site,
	// or nil if the primitive has none.
	ForkedHandle(cs CallSite) Value
	// JoinedHandle returns the handle of the thread a join site waits for.
	JoinedHandle(cs CallSite) Value
}

// Object is a memory object a value may point to.
type Object interface {
	// Func reports whether the object is a function, and which one.
	Func() (FuncID, bool)
	String() string
}

// Oracle supplies the results of a points-to analysis.  An Oracle is a
// snapshot: its answers must not change while one refinement call is using
// it.
type Oracle interface {
	// IndirectCallTargets maps each resolved indirect call site to the
	// functions it may call.
	IndirectCallTargets() map[CallSite][]FuncID
	// PointsTo returns the objects v may point to.
	PointsTo(v Value) []Object
	// Alias reports whether a and b may refer to the same entity.
	Alias(a, b Value) bool
}

// HandleKeyer is an optional extension of Oracle.  HandleKeys returns
// identifiers of the underlying objects of v; two values whose key sets are
// disjoint never alias.  If ok is false the keys of v are unknown and v must
// be compared with every other value.
type HandleKeyer interface {
	HandleKeys(v Value) (keys []string, ok bool)
}
