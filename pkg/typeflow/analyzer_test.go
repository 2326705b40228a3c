package typeflow

import (
	"context"
	"go/ast"
	"go/parser"
	"go/token"
	"go/types"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/tools/go/packages"

	"github.com/715d/typeflow/pkg/callgraph"
)

// typecheckPackage builds a packages.Package from source the way the loader
// would, without shelling out to the go tool. The source must not import
// anything.
func typecheckPackage(t *testing.T, path, src string) *packages.Package {
	t.Helper()
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "main.go", src, parser.ParseComments)
	require.NoError(t, err)
	info := &types.Info{
		Types:      make(map[ast.Expr]types.TypeAndValue),
		Defs:       make(map[*ast.Ident]types.Object),
		Uses:       make(map[*ast.Ident]types.Object),
		Implicits:  make(map[ast.Node]types.Object),
		Instances:  make(map[*ast.Ident]types.Instance),
		Selections: make(map[*ast.SelectorExpr]*types.Selection),
		Scopes:     make(map[ast.Node]*types.Scope),
	}
	tpkg, err := (&types.Config{}).Check(path, fset, []*ast.File{f}, info)
	require.NoError(t, err)
	return &packages.Package{
		ID:        path,
		PkgPath:   path,
		Name:      tpkg.Name(),
		Fset:      fset,
		Syntax:    []*ast.File{f},
		Types:     tpkg,
		TypesInfo: info,
	}
}

func runAnalysis(t *testing.T, opts Options, path, src string) *Result {
	t.Helper()
	res, err := NewAnalyzer(opts).Analyze(context.Background(), []*packages.Package{
		typecheckPackage(t, path, src),
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func deadNames(res *Result) []string {
	names := make([]string, len(res.Dead))
	for i, f := range res.Dead {
		names[i] = f.Name
	}
	return names
}

func TestAnalyzeMainProgram(t *testing.T) {
	const src = `package main

type Greeter interface {
	Greet() string
}

type English struct{}

func (English) Greet() string { return "hello" }

type French struct{}

func (French) Greet() string { return "salut" }

func pick() Greeter { return English{} }

func main() {
	_ = pick().Greet()
}

func unused() {}

//nolint:typeflow // exercised manually while debugging
func debugDump() {}

func Exported() {}
`
	res := runAnalysis(t, Options{}, "example.org/app", src)

	require.Equal(t, Stats{
		Functions:  7,
		Reachable:  3,
		Dead:       3,
		Suppressed: 1,
	}, res.Stats)

	require.Equal(t, []string{
		"example.org/app.Exported",
		"example.org/app.French.Greet",
		"example.org/app.unused",
	}, deadNames(res))

	reasons := make(map[string]string)
	for _, f := range res.Dead {
		require.Equal(t, "example.org/app", f.Package)
		require.True(t, f.Position.IsValid(), f.Name)
		reasons[f.Name] = f.Reason
	}
	require.Equal(t, "unexported and unreachable", reasons["example.org/app.unused"])
	require.Equal(t, "exported from main package and unreachable", reasons["example.org/app.Exported"])

	// The virtual site saw exactly one receiver type.
	require.NotNil(t, res.Graph)
	var greet *callgraph.Edge
	for i, e := range res.Graph.Edges {
		if e.Site == "Greet" && e.Kind == "virtual" {
			greet = &res.Graph.Edges[i]
		}
	}
	require.NotNil(t, greet, "virtual Greet edge missing")
	require.Len(t, greet.Callees, 1)
	require.False(t, greet.Saturated)

	devirt := res.DevirtSites()
	require.NotEmpty(t, devirt)
	require.Equal(t, "Greet", devirt[0].Site)

	require.Positive(t, res.Summary.ReachableMethods)
	require.Positive(t, res.Duration)
	require.Empty(t, res.Reports)
}

func TestAnalyzeStrictMode(t *testing.T) {
	const src = `package app

func helper() {}

func Public() {}
`
	t.Run("default_spares_exported", func(t *testing.T) {
		res := runAnalysis(t, Options{}, "example.org/app", src)
		require.Equal(t, []string{"example.org/app.helper"}, deadNames(res))
	})

	t.Run("strict_reports_exported", func(t *testing.T) {
		res := runAnalysis(t, Options{Strict: true}, "example.org/app", src)
		require.Equal(t, []string{
			"example.org/app.Public",
			"example.org/app.helper",
		}, deadNames(res))
		require.Equal(t, "exported and unreachable", res.Dead[0].Reason)
	})

	t.Run("internal_always_reports_exported", func(t *testing.T) {
		res := runAnalysis(t, Options{}, "example.org/internal/app", src)
		require.Equal(t, []string{
			"example.org/internal/app.Public",
			"example.org/internal/app.helper",
		}, deadNames(res))
		require.Equal(t, "exported from internal package and unreachable", res.Dead[0].Reason)
	})
}

func TestAnalyzeEntryPoints(t *testing.T) {
	const src = `package app

func helper() {}

func Register() { helper() }
`
	res := runAnalysis(t, Options{
		EntryPoints: []string{"example.org/app.Register"},
	}, "example.org/app", src)
	require.Empty(t, res.Dead)
	require.Equal(t, 2, res.Stats.Reachable)
}

func TestAnalyzeUnknownEntryPoint(t *testing.T) {
	pkg := typecheckPackage(t, "example.org/app", "package app\n\nfunc Run() {}\n")
	_, err := NewAnalyzer(Options{
		EntryPoints: []string{"example.org/app.Missing"},
	}).Analyze(context.Background(), []*packages.Package{pkg})
	require.Error(t, err)
	require.Contains(t, err.Error(), "entry point")
}

func TestAnalyzeSkipGenerated(t *testing.T) {
	const src = `// Code generated by stubgen. DO NOT EDIT.

package app

func helper() {}
`
	res := runAnalysis(t, Options{SkipGenerated: true}, "example.org/app", src)
	require.Empty(t, res.Dead)

	res = runAnalysis(t, Options{}, "example.org/app", src)
	require.Equal(t, []string{"example.org/app.helper"}, deadNames(res))
}

func TestAnalyzeValidation(t *testing.T) {
	a := NewAnalyzer(Options{})

	_, err := a.Analyze(context.Background(), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no packages")

	_, err = a.Analyze(context.Background(), []*packages.Package{nil})
	require.Error(t, err)
	require.Contains(t, err.Error(), "nil package")
}

func TestIsInternalPackage(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"example.com/x/internal/y", true},
		{"example.com/x/internal", true},
		{"internal/poll", true},
		{"internal", true},
		{"example.com/internals", false},
		{"example.com/app", false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, isInternalPackage(tt.path), tt.path)
	}
}
