// Copyright 2023 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

package graph

import (
	"slices"

	"github.com/google/forkgraph/ir"
)

// SiteSet is a sorted set of call sites.  The zero value is an empty set.
type SiteSet struct {
	sites []ir.CallSite
}

// Add inserts cs and reports whether it was not already present.
func (s *SiteSet) Add(cs ir.CallSite) bool {
	i, found := slices.BinarySearchFunc(s.sites, cs, ir.CallSite.Compare)
	if found {
		return false
	}
	s.sites = slices.Insert(s.sites, i, cs)
	return true
}

// Has reports whether cs is in the set.
func (s *SiteSet) Has(cs ir.CallSite) bool {
	_, found := slices.BinarySearchFunc(s.sites, cs, ir.CallSite.Compare)
	return found
}

// Len returns the number of sites in the set.
func (s *SiteSet) Len() int { return len(s.sites) }

// Sites returns a sorted copy of the set's contents.
func (s *SiteSet) Sites() []ir.CallSite { return slices.Clone(s.sites) }
