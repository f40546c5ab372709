// Copyright 2023 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

package threads

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

var (
	forkSitesTotal       = metrics.NewCounter(`forkgraph_sites_total{kind="fork"}`)
	joinSitesTotal       = metrics.NewCounter(`forkgraph_sites_total{kind="join"}`)
	forkEdgesTotal       = metrics.NewCounter(`forkgraph_edges_total{kind="fork"}`)
	joinEdgesTotal       = metrics.NewCounter(`forkgraph_edges_total{kind="join"}`)
	indirectCallsTotal   = metrics.NewCounter(`forkgraph_edges_total{kind="indirect-call"}`)
	indirectSitesTotal   = metrics.NewCounter(`forkgraph_call_sites_total{kind="indirect"}`)
	unresolvedForksTotal = metrics.NewCounter(`forkgraph_unresolved_forks_total`)
	unmatchedJoinsTotal  = metrics.NewCounter(`forkgraph_unmatched_joins_total`)
	aliasQueriesTotal    = metrics.NewCounter(`forkgraph_alias_queries_total`)
)

// WriteMetrics writes the builder counters, accumulated over every Builder in
// the process, in Prometheus text format.
func WriteMetrics(w io.Writer) {
	metrics.WritePrometheus(w, false)
}
