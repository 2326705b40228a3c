package typeflow

import (
	"context"
	"fmt"
	"go/ast"
	"go/token"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/715d/typeflow/internal/builder"
	"github.com/715d/typeflow/internal/flow"
	"github.com/715d/typeflow/internal/scheduler"
	"github.com/715d/typeflow/pkg/callgraph"
	"github.com/715d/typeflow/pkg/suppress"
	"github.com/715d/typeflow/pkg/typestate"
	"github.com/715d/typeflow/pkg/universe"
)

// Analyzer orchestrates one analysis run: SSA construction, universe
// registration, fixpoint propagation and classification of the outcome.
type Analyzer struct {
	opts         Options
	suppressions *suppress.Checker
}

// NewAnalyzer creates an analyzer with the given options.
func NewAnalyzer(opts Options) *Analyzer {
	return &Analyzer{
		opts:         opts,
		suppressions: suppress.NewChecker(),
	}
}

// LoadAndAnalyze loads packages per the options and analyzes them.
func (a *Analyzer) LoadAndAnalyze(ctx context.Context) (*Result, error) {
	pkgs, err := LoadPackages(ctx, a.opts.loaderOptions())
	if err != nil {
		return nil, err
	}
	return a.Analyze(ctx, pkgs)
}

// Analyze runs whole-program propagation over already-loaded packages. The
// packages must carry syntax and type information for their full dependency
// graph, as LoadPackages provides. Findings are limited to the given
// packages; dependencies participate in propagation only.
func (a *Analyzer) Analyze(ctx context.Context, pkgs []*packages.Package) (*Result, error) {
	start := time.Now()
	if len(pkgs) == 0 {
		return nil, fmt.Errorf("no packages provided")
	}
	for i, pkg := range pkgs {
		if pkg == nil {
			return nil, fmt.Errorf("nil package at index %d", i)
		}
	}

	// Step 1: load suppression directives from the analyzed sources.
	if err := a.loadSuppressions(pkgs); err != nil {
		return nil, fmt.Errorf("failed to load suppressions: %w", err)
	}

	// Step 2: build SSA for the whole program. BareInits keeps package
	// initializers free of cross-package init calls; every package's init
	// is rooted individually instead.
	slog.Debug("building ssa program", "packages", len(pkgs))
	prog, _ := ssautil.AllPackages(pkgs, ssa.InstantiateGenerics|ssa.BareInits)
	if prog == nil {
		return nil, fmt.Errorf("SSA program construction failed")
	}
	prog.Build()

	// Step 3: register types, methods and roots, then seal the universe so
	// propagation runs against a frozen type hierarchy.
	u := universe.New()
	b, err := builder.New(u, builder.Config{
		Program:     prog,
		Packages:    pkgs,
		EntryPoints: a.opts.EntryPoints,
	})
	if err != nil {
		return nil, fmt.Errorf("registering program: %w", err)
	}
	u.Seal()
	slog.Debug("universe sealed", "types", u.TypeCount(), "methods", u.MethodCount())

	// Step 4: propagate type states from the roots to a fixpoint.
	policy := typestate.NewContextInsensitivePolicy(u, typestate.PolicyConfig{
		ExtendedChecks:   a.opts.ExtendedChecks,
		SaturationCutoff: a.opts.MaxTypes,
	})
	stats := flow.NewCounters()
	engine := flow.NewEngine(flow.Config{
		Universe: u,
		Policy:   policy,
		Executor: scheduler.NewParallel(ctx, a.opts.workers()),
		Builder:  b,
		Stats:    stats,
	})

	roots := b.Roots()
	slog.Debug("propagating", "roots", len(roots), "workers", a.opts.workers())
	for _, m := range roots {
		engine.FlowsOf(m, policy.EmptyContext())
	}
	if err := engine.Wait(); err != nil {
		return nil, fmt.Errorf("propagation: %w", err)
	}

	// Step 5: classify the fixpoint into findings and the call graph.
	res := a.collect(engine, prog.Fset, pkgs)
	res.Summary = stats.Summary()
	res.Reports = engine.Reports()
	res.Duration = time.Since(start)
	slog.Info("analysis complete",
		"functions", res.Stats.Functions,
		"reachable", res.Stats.Reachable,
		"dead", res.Stats.Dead,
		"duration", res.Duration)
	return res, nil
}

func (a *Analyzer) loadSuppressions(pkgs []*packages.Package) error {
	a.suppressions.Clear()

	var allFiles []*ast.File
	var fset *token.FileSet

	for _, pkg := range pkgs {
		if pkg.Fset != nil {
			fset = pkg.Fset
		}
		for _, file := range pkg.Syntax {
			if file != nil {
				allFiles = append(allFiles, file)
			}
		}
	}

	if fset == nil || len(allFiles) == 0 {
		return nil
	}
	return a.suppressions.Load(fset, allFiles)
}

// collect walks every registered method once: reachable methods become call
// graph nodes with their resolved invoke edges, unreachable source functions
// in the analyzed packages become findings.
func (a *Analyzer) collect(e *flow.Engine, fset *token.FileSet, pkgs []*packages.Package) *Result {
	analyzed := make(map[string]bool, len(pkgs))
	for _, pkg := range pkgs {
		analyzed[pkg.PkgPath] = true
	}
	generated := a.generatedFiles(pkgs)

	u := e.Universe()
	cb := callgraph.NewBuilder()
	res := &Result{}

	for _, m := range u.Methods() {
		if m.IsReachable() {
			cb.AddNode(m.ID(), m.Name(), positionOf(fset, m.Pos()))
			for _, g := range e.BuiltFlows(m) {
				for _, iv := range g.Invokes() {
					callees := iv.Callees()
					ids := make([]int, 0, len(callees))
					for _, c := range callees {
						ids = append(ids, c.ID())
					}
					cb.AddEdge(m.ID(), iv.Selector(), iv.Kind().String(),
						positionOf(fset, iv.Pos()), iv.Saturated(), ids...)
				}
			}
		}

		fn := m.Func()
		if !isCandidate(m, fn) || !analyzed[fn.Pkg.Pkg.Path()] {
			continue
		}
		res.Stats.Functions++
		if m.IsReachable() {
			res.Stats.Reachable++
			continue
		}

		obj := fn.Object()
		pos := fset.Position(obj.Pos())
		if generated[pos.Filename] {
			continue
		}
		if suppressed, _ := a.suppressions.IsSuppressed(obj.Pos()); suppressed {
			res.Stats.Suppressed++
			continue
		}
		reason, report := a.classify(fn)
		if !report {
			continue
		}
		res.Dead = append(res.Dead, Finding{
			Name:     m.Name(),
			Package:  fn.Pkg.Pkg.Path(),
			Position: pos,
			Reason:   reason,
		})
	}

	slices.SortFunc(res.Dead, func(x, y Finding) int {
		if c := strings.Compare(x.Package, y.Package); c != 0 {
			return c
		}
		return strings.Compare(x.Name, y.Name)
	})
	res.Stats.Dead = len(res.Dead)
	res.Graph = cb.Finish()
	return res
}

// isCandidate reports whether a method can become a finding: a source-backed,
// top-level, non-synthetic function. Anonymous functions report through their
// parent, wrappers and generic instances have no declaration of their own.
func isCandidate(m *universe.Method, fn *ssa.Function) bool {
	if fn == nil || m.IsAbstract() {
		return false
	}
	if fn.Parent() != nil || fn.Synthetic != "" || fn.Object() == nil {
		return false
	}
	if fn.Pkg == nil || fn.Pkg.Pkg == nil {
		return false
	}
	return !isCGoGeneratedFunction(fn.Name())
}

// classify decides whether an unreachable candidate is reported and why.
// Exported functions outside internal packages stay silent unless strict
// mode is on: external modules may call them.
func (a *Analyzer) classify(fn *ssa.Function) (string, bool) {
	path := fn.Pkg.Pkg.Path()
	switch {
	case !fn.Object().Exported():
		return "unexported and unreachable", true
	case isInternalPackage(path):
		return "exported from internal package and unreachable", true
	case fn.Pkg.Pkg.Name() == "main":
		return "exported from main package and unreachable", true
	case a.opts.Strict:
		return "exported and unreachable", true
	}
	return "", false
}

// isInternalPackage reports whether the import path is under an internal
// directory, where Go's visibility rules rule out external callers.
func isInternalPackage(path string) bool {
	return strings.Contains(path, "/internal/") ||
		strings.HasSuffix(path, "/internal") ||
		strings.HasPrefix(path, "internal/") ||
		path == "internal"
}

// isCGoGeneratedFunction reports whether the function name follows cgo's
// generated naming scheme.
func isCGoGeneratedFunction(name string) bool {
	return strings.HasPrefix(name, "_Cgo_") || strings.HasPrefix(name, "_cgo_")
}

func (a *Analyzer) generatedFiles(pkgs []*packages.Package) map[string]bool {
	out := make(map[string]bool)
	if !a.opts.SkipGenerated {
		return out
	}
	for _, pkg := range pkgs {
		if pkg.Fset == nil {
			continue
		}
		for _, file := range pkg.Syntax {
			if file != nil && isGeneratedFile(file) {
				out[pkg.Fset.Position(file.Pos()).Filename] = true
			}
		}
	}
	return out
}

// isGeneratedFile checks the file comments for generated code markers.
func isGeneratedFile(file *ast.File) bool {
	for _, commentGroup := range file.Comments {
		for _, comment := range commentGroup.List {
			text := comment.Text
			if strings.Contains(text, "Code generated") ||
				strings.Contains(text, "DO NOT EDIT") ||
				strings.Contains(text, "autogenerated") ||
				strings.Contains(text, "AUTO-GENERATED") {
				return true
			}
		}
	}
	return false
}

func positionOf(fset *token.FileSet, pos token.Pos) string {
	if !pos.IsValid() {
		return ""
	}
	return fset.Position(pos).String()
}
