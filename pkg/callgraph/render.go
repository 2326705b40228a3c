package callgraph

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// WriteText renders the graph as a plain-text listing, one block per
// method in id order:
//
//	demo.main (#0)
//	  main.go:7 virtual Close -> demo.File.Close, demo.Conn.Close
//
// Saturated and devirtualizable sites carry a trailing marker.
func (g *Graph) WriteText(w io.Writer) error {
	g.ensureIndex()
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "call graph: %d nodes, %d edges\n", len(g.Nodes), len(g.Edges))
	i := 0
	for _, n := range g.Nodes {
		fmt.Fprintf(bw, "\n%s (#%d)\n", n.Name, n.ID)
		for ; i < len(g.Edges) && g.Edges[i].Caller == n.ID; i++ {
			e := g.Edges[i]
			pos := e.Pos
			if pos == "" {
				pos = "-"
			}
			targets := "(none)"
			if len(e.Callees) > 0 {
				names := make([]string, len(e.Callees))
				for j, c := range e.Callees {
					names[j] = g.nodeName(c)
				}
				targets = strings.Join(names, ", ")
			}
			mark := ""
			switch {
			case e.Saturated:
				mark = " [saturated]"
			case e.Devirtualizable():
				mark = " [devirtualizable]"
			}
			fmt.Fprintf(bw, "  %s %s %s -> %s%s\n", pos, e.Kind, e.Site, targets, mark)
		}
	}
	return bw.Flush()
}

// WriteDOT renders the graph in Graphviz format, one edge per resolved
// callee. Saturated sites render dashed, devirtualizable ones bold.
func (g *Graph) WriteDOT(w io.Writer) error {
	g.ensureIndex()
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "digraph callgraph {")
	fmt.Fprintln(bw, "  node [shape=box];")
	for _, n := range g.Nodes {
		fmt.Fprintf(bw, "  %q;\n", n.Name)
	}
	for _, e := range g.Edges {
		attrs := fmt.Sprintf("label=%q", e.Kind)
		switch {
		case e.Saturated:
			attrs += ", style=dashed"
		case e.Devirtualizable():
			attrs += ", style=bold"
		}
		caller := g.nodeName(e.Caller)
		for _, c := range e.Callees {
			fmt.Fprintf(bw, "  %q -> %q [%s];\n", caller, g.nodeName(c), attrs)
		}
	}
	fmt.Fprintln(bw, "}")
	return bw.Flush()
}
