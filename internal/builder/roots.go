package builder

import (
	"fmt"
	"go/ast"
	"go/types"
	"maps"
	"slices"
	"strings"

	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"

	"github.com/715d/typeflow/pkg/assembly"
	directives "github.com/715d/typeflow/pkg/runtime"
	"github.com/715d/typeflow/pkg/universe"
)

// scanRoots pins the analysis entry points: package initializers, main,
// functions reachable from outside the Go code, and configured entries.
// Externally reachable roots record a reason; building them seeds their
// parameters with declared type states.
func (b *Builder) scanRoots() error {
	seen := make(map[*universe.Method]bool)
	add := func(fn *ssa.Function, reason string) {
		if fn == nil {
			return
		}
		m := b.registerFunction(fn)
		if !seen[m] {
			seen[m] = true
			b.roots = append(b.roots, m)
		}
		if reason != "" {
			if _, ok := b.external[m]; !ok {
				b.external[m] = reason
			}
		}
	}

	for _, sp := range b.spkgs {
		add(sp.Func("init"), "")
		if sp.Pkg.Name() == "main" {
			add(sp.Func("main"), "")
		}
	}

	pkgs := slices.Clone(b.cfg.Packages)
	slices.SortFunc(pkgs, func(a, c *packages.Package) int {
		return strings.Compare(a.PkgPath, c.PkgPath)
	})
	for _, pkg := range pkgs {
		b.scanDirectives(pkg, add)
		if err := b.scanAssembly(pkg, add); err != nil {
			return err
		}
	}

	return b.addEntryPoints(seen)
}

// scanDirectives pins functions whose reachability bypasses the call graph:
// go:linkname targets, cgo exports, and the runtime hook naming convention.
func (b *Builder) scanDirectives(pkg *packages.Package, add func(*ssa.Function, string)) {
	for _, file := range pkg.Syntax {
		for _, decl := range file.Decls {
			fd, ok := decl.(*ast.FuncDecl)
			if !ok || fd.Recv != nil {
				continue
			}
			d := directives.Classify(fd)
			var reason string
			switch {
			case d == directives.DirectiveLinkname:
				reason = "reachable through go:linkname"
			case d == directives.DirectiveExport:
				reason = "exported to cgo"
			case directives.IsHook(fd.Name.Name):
				reason = "runtime hook convention"
			default:
				continue
			}
			add(b.sourceFunc(pkg, fd.Name.Name), reason)
		}
	}
}

// scanAssembly pins functions the package's assembly sources call, and
// forces bodyless assembly-implemented declarations through the builder so
// their results get seeded.
func (b *Builder) scanAssembly(pkg *packages.Package, add func(*ssa.Function, string)) error {
	syms, err := assembly.Scan(pkg)
	if err != nil {
		return err
	}
	if syms.Empty() {
		return nil
	}
	for _, name := range slices.Sorted(maps.Keys(syms.Called)) {
		add(b.sourceFunc(pkg, name), "called from assembly")
	}
	for _, name := range slices.Sorted(maps.Keys(syms.Implemented)) {
		add(b.sourceFunc(pkg, name), "")
	}
	return nil
}

func (b *Builder) addEntryPoints(seen map[*universe.Method]bool) error {
	if len(b.cfg.EntryPoints) == 0 {
		return nil
	}
	byName := make(map[string]*universe.Method, b.u.MethodCount())
	for _, m := range b.u.Methods() {
		byName[m.Name()] = m
	}
	for _, name := range b.cfg.EntryPoints {
		m, ok := byName[name]
		if !ok {
			return fmt.Errorf("builder: entry point %q does not match any analyzed function", name)
		}
		if !seen[m] {
			seen[m] = true
			b.roots = append(b.roots, m)
		}
		if _, ok := b.external[m]; !ok {
			b.external[m] = "configured entry point"
		}
	}
	return nil
}

// sourceFunc maps a package-scope function name to its SSA form.
func (b *Builder) sourceFunc(pkg *packages.Package, name string) *ssa.Function {
	if pkg.Types == nil {
		return nil
	}
	obj, ok := pkg.Types.Scope().Lookup(name).(*types.Func)
	if !ok {
		return nil
	}
	return b.prog.FuncValue(obj)
}
