// Copyright 2023 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

package threads

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/forkgraph/internal/irtest"
	"github.com/google/forkgraph/ir"
)

func TestErrorTaxonomy(t *testing.T) {
	site := ir.CallSite{ID: 4, Func: 2}
	for _, tc := range []struct {
		err      error
		sentinel error
		msg      string
	}{
		{
			&UnmatchedJoinError{Site: site, Position: "a.go:3:4", Handle: irtest.Value("wg")},
			ErrUnmatchedJoin,
			"a.go:3:4: join on wg has no matching fork site",
		},
		{
			&UnmatchedJoinError{Site: site, Handle: irtest.Value("wg")},
			ErrUnmatchedJoin,
			"site#4@fn#2: join on wg has no matching fork site",
		},
		{
			&UnresolvedRoutineError{Join: site, Fork: ir.CallSite{ID: 1, Func: 2}},
			ErrUnresolvedRoutine,
			"join site#4@fn#2: routine of fork site#1@fn#2 is not resolved",
		},
	} {
		wrapped := fmt.Errorf("refining joins: %w", tc.err)
		if !errors.Is(wrapped, tc.sentinel) {
			t.Errorf("errors.Is(%v, %v) = false", wrapped, tc.sentinel)
		}
		if errors.Is(wrapped, ErrInconsistentGraph) {
			t.Errorf("errors.Is(%v, ErrInconsistentGraph) = true", wrapped)
		}
		if got := tc.err.Error(); got != tc.msg {
			t.Errorf("Error() = %q, want %q", got, tc.msg)
		}
	}
}
