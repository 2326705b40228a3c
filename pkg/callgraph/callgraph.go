// Package callgraph condenses the fixpoint's resolved call sites into a
// compact graph of methods and call edges. The graph is deterministic:
// nodes are sorted by method id, edges by caller, position and selector,
// and renderings and component walks inherit that order, so equal
// analyses produce byte-identical output.
package callgraph

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/yourbasic/graph"
)

// Call-site kinds, matching the resolver that produced the edge.
const (
	KindStatic  = "static"
	KindSpecial = "special"
	KindVirtual = "virtual"
	KindDynamic = "dynamic"
)

// Node is one method in the call graph.
type Node struct {
	ID   int    // stable method id from the type universe
	Name string // qualified method name
	Pos  string // declaration position, empty when unknown
}

// Edge is one call site with everything the fixpoint resolved for it.
type Edge struct {
	Caller    int    // node id of the enclosing method
	Site      string // callee name for direct calls, selector otherwise
	Kind      string // static, special, virtual or dynamic
	Pos       string // call-site position, empty when unknown
	Callees   []int  // resolved target node ids, sorted
	Saturated bool   // receiver overflowed and the site fell back to declared-type dispatch
}

// Devirtualizable reports whether a dynamic site resolved to exactly one
// target without losing precision, so a direct call would be sound.
func (e Edge) Devirtualizable() bool {
	return (e.Kind == KindVirtual || e.Kind == KindDynamic) && !e.Saturated && len(e.Callees) == 1
}

// Graph is an immutable call graph produced by a Builder or Load.
type Graph struct {
	Nodes []Node // sorted by id
	Edges []Edge // sorted by caller, position, selector, kind

	index map[int]int // node id to position in Nodes
	adj   [][]int     // dense adjacency, deduped callee positions
}

// Summary condenses a graph for reports.
type Summary struct {
	Nodes           int `json:"nodes" yaml:"nodes"`
	Edges           int `json:"edges" yaml:"edges"`
	Devirtualizable int `json:"devirtualizable" yaml:"devirtualizable"`
	Saturated       int `json:"saturated" yaml:"saturated"`
	Recursive       int `json:"recursive_groups" yaml:"recursive_groups"`
}

// NodeByID returns the node for a method id.
func (g *Graph) NodeByID(id int) (Node, bool) {
	g.ensureIndex()
	i, ok := g.index[id]
	if !ok {
		return Node{}, false
	}
	return g.Nodes[i], true
}

// Summarize counts the graph's nodes, call sites and verdicts.
func (g *Graph) Summarize() Summary {
	s := Summary{
		Nodes:     len(g.Nodes),
		Edges:     len(g.Edges),
		Recursive: len(g.RecursiveGroups()),
	}
	for _, e := range g.Edges {
		switch {
		case e.Saturated:
			s.Saturated++
		case e.Devirtualizable():
			s.Devirtualizable++
		}
	}
	return s
}

// RecursiveGroups returns the strongly connected components that contain
// a cycle: every component with two or more methods, plus every method
// that calls itself. Each group holds sorted method ids and groups are
// ordered by their smallest id.
func (g *Graph) RecursiveGroups() [][]int {
	g.ensureIndex()
	var groups [][]int
	for _, comp := range graph.StrongComponents(g) {
		if len(comp) == 1 && !slices.Contains(g.adj[comp[0]], comp[0]) {
			continue
		}
		ids := make([]int, len(comp))
		for i, v := range comp {
			ids[i] = g.Nodes[v].ID
		}
		slices.Sort(ids)
		groups = append(groups, ids)
	}
	slices.SortFunc(groups, func(a, b []int) int { return cmp.Compare(a[0], b[0]) })
	return groups
}

// Order returns the number of methods, implementing graph.Iterator.
func (g *Graph) Order() int { return len(g.Nodes) }

// Visit calls do for every distinct callee of the v-th method,
// implementing graph.Iterator over dense node positions.
func (g *Graph) Visit(v int, do func(w int, c int64) (skip bool)) (aborted bool) {
	g.ensureIndex()
	for _, w := range g.adj[v] {
		if do(w, 1) {
			return true
		}
	}
	return false
}

func (g *Graph) ensureIndex() {
	if g.index != nil {
		return
	}
	g.index = make(map[int]int, len(g.Nodes))
	for i, n := range g.Nodes {
		g.index[n.ID] = i
	}
	g.adj = make([][]int, len(g.Nodes))
	for _, e := range g.Edges {
		v := g.index[e.Caller]
		for _, c := range e.Callees {
			g.adj[v] = append(g.adj[v], g.index[c])
		}
	}
	for v, ws := range g.adj {
		slices.Sort(ws)
		g.adj[v] = slices.Compact(ws)
	}
}

func (g *Graph) nodeName(id int) string {
	if i, ok := g.index[id]; ok {
		return g.Nodes[i].Name
	}
	return fmt.Sprintf("#%d", id)
}

func (g *Graph) validate() error {
	ids := make(map[int]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		ids[n.ID] = struct{}{}
	}
	for _, e := range g.Edges {
		if _, ok := ids[e.Caller]; !ok {
			return fmt.Errorf("callgraph: edge at %q references unknown caller %d", e.Pos, e.Caller)
		}
		for _, c := range e.Callees {
			if _, ok := ids[c]; !ok {
				return fmt.Errorf("callgraph: edge at %q references unknown callee %d", e.Pos, c)
			}
		}
	}
	return nil
}

type edgeKey struct {
	caller int
	site   string
	kind   string
	pos    string
}

type pendingEdge struct {
	callees   map[int]struct{}
	saturated bool
}

// Builder accumulates nodes and edges while the caller walks the
// analysis results; Finish freezes them into a Graph.
type Builder struct {
	nodes map[int]Node
	edges map[edgeKey]*pendingEdge
}

func NewBuilder() *Builder {
	return &Builder{
		nodes: make(map[int]Node),
		edges: make(map[edgeKey]*pendingEdge),
	}
}

// AddNode registers a method. Later calls with the same id are ignored.
func (b *Builder) AddNode(id int, name, pos string) {
	if _, ok := b.nodes[id]; ok {
		return
	}
	b.nodes[id] = Node{ID: id, Name: name, Pos: pos}
}

// AddEdge records one resolved call site. Sites reported more than once,
// as happens when a method is analyzed under several contexts, merge
// their callee sets and keep the saturation verdict if any occurrence
// saturated.
func (b *Builder) AddEdge(caller int, site, kind, pos string, saturated bool, callees ...int) {
	key := edgeKey{caller: caller, site: site, kind: kind, pos: pos}
	pe := b.edges[key]
	if pe == nil {
		pe = &pendingEdge{callees: make(map[int]struct{})}
		b.edges[key] = pe
	}
	pe.saturated = pe.saturated || saturated
	for _, c := range callees {
		pe.callees[c] = struct{}{}
	}
}

// Finish freezes the accumulated nodes and edges into a Graph with
// deterministic ordering. It panics if an edge references a method that
// was never added as a node.
func (b *Builder) Finish() *Graph {
	g := &Graph{
		Nodes: make([]Node, 0, len(b.nodes)),
		Edges: make([]Edge, 0, len(b.edges)),
	}
	for _, n := range b.nodes {
		g.Nodes = append(g.Nodes, n)
	}
	slices.SortFunc(g.Nodes, func(a, b Node) int { return cmp.Compare(a.ID, b.ID) })
	for key, pe := range b.edges {
		e := Edge{
			Caller:    key.caller,
			Site:      key.site,
			Kind:      key.kind,
			Pos:       key.pos,
			Saturated: pe.saturated,
		}
		if len(pe.callees) > 0 {
			e.Callees = make([]int, 0, len(pe.callees))
			for c := range pe.callees {
				e.Callees = append(e.Callees, c)
			}
			slices.Sort(e.Callees)
		}
		g.Edges = append(g.Edges, e)
	}
	slices.SortFunc(g.Edges, func(a, b Edge) int {
		if c := cmp.Compare(a.Caller, b.Caller); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Pos, b.Pos); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Site, b.Site); c != 0 {
			return c
		}
		return cmp.Compare(a.Kind, b.Kind)
	})
	if err := g.validate(); err != nil {
		panic(err)
	}
	g.ensureIndex()
	return g
}
