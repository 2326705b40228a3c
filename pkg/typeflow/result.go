package typeflow

import (
	"go/token"
	"time"

	"github.com/715d/typeflow/internal/flow"
	"github.com/715d/typeflow/pkg/callgraph"
)

// Finding is one function the fixpoint never reached.
type Finding struct {
	// Name is the qualified function or method name.
	Name string `json:"name" yaml:"name"`

	// Package is the import path the function is declared in.
	Package string `json:"package" yaml:"package"`

	// Position is the declaration position.
	Position token.Position `json:"position" yaml:"-"`

	// Reason explains why the function is reportable.
	Reason string `json:"reason" yaml:"reason"`
}

// Stats summarizes the analyzed packages. Counts cover source functions
// declared in the analyzed packages only; dependency functions participate in
// propagation but are never findings.
type Stats struct {
	// Functions is the number of candidate source functions.
	Functions int `json:"functions" yaml:"functions"`

	// Reachable is how many candidates the fixpoint reached.
	Reachable int `json:"reachable" yaml:"reachable"`

	// Dead is how many candidates were reported unreachable.
	Dead int `json:"dead" yaml:"dead"`

	// Suppressed is how many unreachable candidates a directive excluded.
	Suppressed int `json:"suppressed" yaml:"suppressed"`
}

// Result carries everything one analysis run produced.
type Result struct {
	// Dead lists unreachable functions, sorted by package then name.
	Dead []Finding

	// Graph is the resolved call graph over all reachable methods,
	// dependency packages included.
	Graph *callgraph.Graph

	// Reports lists constructs the analysis could not model.
	Reports []flow.Report

	// Summary aggregates propagation counters for the whole run.
	Summary flow.Summary

	// Stats covers the analyzed packages.
	Stats Stats

	// Duration is the wall-clock time of the run, loading excluded.
	Duration time.Duration
}

// DevirtSites returns the call-graph edges that resolved to exactly one
// target without saturating. Each is a dynamic call a compiler could replace
// with a direct one.
func (r *Result) DevirtSites() []callgraph.Edge {
	if r.Graph == nil {
		return nil
	}
	var sites []callgraph.Edge
	for _, e := range r.Graph.Edges {
		if e.Devirtualizable() {
			sites = append(sites, e)
		}
	}
	return sites
}
