package callgraph

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

// renderGraph is a small program shape with one site per kind: a static
// call, a two-target virtual site, an unresolved dynamic site, a
// devirtualizable site and a saturated one.
func renderGraph() *Graph {
	b := NewBuilder()
	b.AddNode(0, "demo.main", "main.go:3")
	b.AddNode(1, "demo.File.Close", "file.go:12")
	b.AddNode(2, "demo.Conn.Close", "conn.go:8")
	b.AddNode(3, "demo.helper", "helper.go:1")
	b.AddEdge(0, "demo.helper", KindStatic, "main.go:5", false, 3)
	b.AddEdge(0, "Close", KindVirtual, "main.go:7", false, 1, 2)
	b.AddEdge(1, "f", KindDynamic, "", false)
	b.AddEdge(3, "Close", KindVirtual, "helper.go:3", false, 1)
	b.AddEdge(3, "Write", KindDynamic, "helper.go:9", true, 1, 2)
	return b.Finish()
}

func TestBuilderMergesDuplicateSites(t *testing.T) {
	b := NewBuilder()
	b.AddNode(0, "demo.main", "main.go:3")
	b.AddNode(1, "demo.File.Close", "file.go:12")
	b.AddNode(2, "demo.Conn.Close", "conn.go:8")
	b.AddNode(0, "other name", "elsewhere.go:1")

	// The same site observed under two contexts: callee sets union,
	// saturation sticks once any occurrence saturated.
	b.AddEdge(0, "Close", KindVirtual, "main.go:7", false, 2)
	b.AddEdge(0, "Close", KindVirtual, "main.go:7", true, 1, 2)
	g := b.Finish()

	require.Len(t, g.Edges, 1)
	require.Equal(t, Edge{
		Caller:    0,
		Site:      "Close",
		Kind:      KindVirtual,
		Pos:       "main.go:7",
		Callees:   []int{1, 2},
		Saturated: true,
	}, g.Edges[0])

	n, ok := g.NodeByID(0)
	require.True(t, ok)
	require.Equal(t, Node{ID: 0, Name: "demo.main", Pos: "main.go:3"}, n, "first registration wins")
	_, ok = g.NodeByID(42)
	require.False(t, ok)
}

func TestFinishPanicsOnUnknownNodes(t *testing.T) {
	b := NewBuilder()
	b.AddNode(0, "demo.main", "main.go:3")
	b.AddEdge(0, "Close", KindVirtual, "main.go:7", false, 9)
	require.Panics(t, func() { b.Finish() })

	b = NewBuilder()
	b.AddNode(0, "demo.main", "main.go:3")
	b.AddEdge(7, "demo.main", KindStatic, "boot.go:1", false, 0)
	require.Panics(t, func() { b.Finish() })
}

func TestEdgeDevirtualizable(t *testing.T) {
	require.True(t, Edge{Kind: KindVirtual, Callees: []int{1}}.Devirtualizable())
	require.True(t, Edge{Kind: KindDynamic, Callees: []int{1}}.Devirtualizable())
	require.False(t, Edge{Kind: KindStatic, Callees: []int{1}}.Devirtualizable(), "direct calls have nothing to devirtualize")
	require.False(t, Edge{Kind: KindVirtual, Callees: []int{1, 2}}.Devirtualizable())
	require.False(t, Edge{Kind: KindVirtual, Callees: []int{1}, Saturated: true}.Devirtualizable(), "a saturated verdict is not precise")
	require.False(t, Edge{Kind: KindVirtual}.Devirtualizable())
}

func TestGraphWriteText(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, renderGraph().WriteText(&out))
	goldie.New(t).Assert(t, t.Name(), out.Bytes())
}

func TestGraphWriteDOT(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, renderGraph().WriteDOT(&out))
	goldie.New(t).Assert(t, t.Name(), out.Bytes())
}

func TestRecursiveGroups(t *testing.T) {
	b := NewBuilder()
	for id, name := range []string{"p.a", "p.b", "p.c", "p.d", "p.idle", "p.entry"} {
		b.AddNode(id, name, "")
	}
	b.AddEdge(0, "p.b", KindStatic, "a.go:1", false, 1)
	b.AddEdge(1, "p.c", KindStatic, "b.go:1", false, 2)
	b.AddEdge(2, "p.a", KindStatic, "c.go:1", false, 0)
	b.AddEdge(3, "p.d", KindStatic, "d.go:1", false, 3)
	b.AddEdge(5, "p.a", KindStatic, "entry.go:1", false, 0)
	g := b.Finish()

	require.Equal(t, [][]int{{0, 1, 2}, {3}}, g.RecursiveGroups(),
		"the a-b-c cycle and the self-recursive d, nothing else")
	require.Equal(t, 2, g.Summarize().Recursive)
}

func TestSummarize(t *testing.T) {
	require.Equal(t, Summary{
		Nodes:           4,
		Edges:           5,
		Devirtualizable: 1,
		Saturated:       1,
	}, renderGraph().Summarize())
}

func TestArtifactRoundTrip(t *testing.T) {
	for name, g := range map[string]*Graph{
		"populated": renderGraph(),
		"empty":     NewBuilder().Finish(),
	} {
		var buf bytes.Buffer
		require.NoError(t, g.Save(&buf), name)
		got, err := Load(&buf)
		require.NoError(t, err, name)
		if diff := cmp.Diff(g, got, cmpopts.IgnoreUnexported(Graph{}), cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("%s graph changed across save/load (-want +got):\n%s", name, diff)
		}
	}

	var buf bytes.Buffer
	require.NoError(t, renderGraph().Save(&buf))
	g, err := Load(&buf)
	require.NoError(t, err)
	n, ok := g.NodeByID(3)
	require.True(t, ok, "loaded graphs answer lookups without Finish")
	require.Equal(t, "demo.helper", n.Name)
	require.Equal(t, [][]int(nil), g.RecursiveGroups())
}

func TestLoadRejectsBadArtifacts(t *testing.T) {
	_, err := Load(strings.NewReader(""))
	require.ErrorContains(t, err, "reading artifact header")

	_, err = Load(strings.NewReader("nope\x01"))
	require.ErrorContains(t, err, "not a call graph artifact")

	_, err = Load(strings.NewReader(artifactMagic + "\x09"))
	require.ErrorContains(t, err, "artifact version 9")

	_, err = Load(strings.NewReader(artifactMagic + "\x01garbage"))
	require.ErrorContains(t, err, "decoding artifact")

	// A structurally valid stream whose edges point at a method that was
	// never recorded as a node.
	var buf bytes.Buffer
	bad := &Graph{
		Nodes: []Node{{ID: 0, Name: "demo.main"}},
		Edges: []Edge{{Caller: 0, Site: "Close", Kind: KindVirtual, Callees: []int{7}}},
	}
	require.NoError(t, bad.Save(&buf))
	_, err = Load(&buf)
	require.ErrorContains(t, err, "unknown callee 7")
}
