// Copyright 2023 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

package threads

import (
	"errors"
	"fmt"

	"github.com/google/forkgraph/graph"
	"github.com/google/forkgraph/ir"
)

var (
	// ErrNotBuilt is returned by refinement calls made before Build.
	ErrNotBuilt = errors.New("thread call graph has not been built")
	// ErrAlreadyBuilt is returned by a second call to Build.
	ErrAlreadyBuilt = errors.New("thread call graph has already been built")
	// ErrUnmatchedJoin matches every *UnmatchedJoinError.
	ErrUnmatchedJoin = errors.New("join site has no matching fork site")
	// ErrUnresolvedRoutine matches every *UnresolvedRoutineError.
	ErrUnresolvedRoutine = errors.New("thread routine is not resolved")
	// ErrInconsistentGraph matches every *InconsistentGraphError.
	ErrInconsistentGraph = errors.New("inconsistent call graph state")
)

// UnmatchedJoinError reports a join site whose handle aliases the handle of
// no fork site.  The input program is assumed to be closed, so this is a
// violation of the input's well-formedness rather than lost precision.
type UnmatchedJoinError struct {
	Site     ir.CallSite
	Position string
	Handle   ir.Value
}

func (e *UnmatchedJoinError) Error() string {
	pos := e.Position
	if pos == "" {
		pos = e.Site.String()
	}
	return fmt.Sprintf("%s: join on %v has no matching fork site", pos, e.Handle)
}

func (e *UnmatchedJoinError) Is(target error) bool { return target == ErrUnmatchedJoin }

// UnresolvedRoutineError reports, under StrictRoutines, a fork site matched
// by a join whose routine is not yet resolved to any function.
type UnresolvedRoutineError struct {
	Join ir.CallSite
	Fork ir.CallSite
}

func (e *UnresolvedRoutineError) Error() string {
	return fmt.Sprintf("join %v: routine of fork %v is not resolved", e.Join, e.Fork)
}

func (e *UnresolvedRoutineError) Is(target error) bool { return target == ErrUnresolvedRoutine }

// InconsistentGraphError reports that the graph or the registries disagree
// with the builder's invariants.  It indicates a bug, not a bad input.
type InconsistentGraphError struct {
	Site   ir.CallSite
	Edge   *graph.Edge
	Reason string
}

func (e *InconsistentGraphError) Error() string {
	return fmt.Sprintf("%v on edge %v: %s", e.Site, e.Edge, e.Reason)
}

func (e *InconsistentGraphError) Is(target error) bool { return target == ErrInconsistentGraph }
