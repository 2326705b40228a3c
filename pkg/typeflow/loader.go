// Package typeflow runs whole-program type-flow analysis over Go packages:
// it loads a program, propagates instantiated types through an SSA-derived
// flow graph, and reports unreachable functions, resolved call edges and
// constructs the analysis cannot model.
package typeflow

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"golang.org/x/tools/go/packages"
)

// defaultLoadMode specifies the packages.Mode flags used throughout the
// project for loading Go packages. NeedDeps makes the syntax and type
// information transitive, which whole-program propagation requires: callees
// in dependency packages must have bodies. NeedFiles also supplies
// OtherFiles, where assembly sources are found.
const defaultLoadMode = packages.NeedDeps |
	packages.NeedName |
	packages.NeedFiles |
	packages.NeedCompiledGoFiles |
	packages.NeedImports |
	packages.NeedTypes |
	packages.NeedSyntax |
	packages.NeedTypesInfo

// LoaderOptions configures package loading behavior.
type LoaderOptions struct {
	// Packages are the package patterns to load.
	Packages []string

	// BuildTags are build tags to apply during loading.
	BuildTags []string

	// Dir is the directory to load packages from.
	// If empty, uses the current working directory.
	Dir string

	// Env is the environment to use for loading.
	// If nil, the process environment is used.
	Env []string

	// IncludeTests loads test variants of the matched packages. Test
	// functions are not entry points by themselves; pair this with
	// explicit entry points or rely on init-time reachability.
	IncludeTests bool
}

// LoadPackages loads Go packages with consistent configuration for type-flow
// analysis.
func LoadPackages(ctx context.Context, opts LoaderOptions) ([]*packages.Package, error) {
	// Default to current directory patterns.
	patterns := opts.Packages
	if len(patterns) == 0 {
		patterns = []string{"./..."}
	}

	cfg := &packages.Config{
		Context: ctx,
		Mode:    defaultLoadMode,
		Tests:   opts.IncludeTests,
		Env:     opts.Env,
	}

	if opts.Dir != "" {
		cfg.Dir = opts.Dir
	}

	if len(opts.BuildTags) > 0 {
		cfg.BuildFlags = append(cfg.BuildFlags, "-tags", strings.Join(opts.BuildTags, ","))
	}

	pkgs, err := packages.Load(cfg, patterns...)
	if err != nil {
		return nil, fmt.Errorf("loading packages: %w", err)
	}

	if len(pkgs) == 0 {
		return nil, fmt.Errorf("no packages found matching patterns: %v", patterns)
	}

	// Check for errors in loaded packages.
	var errorMessages []string
	for _, pkg := range pkgs {
		if len(pkg.Errors) > 0 {
			for _, err := range pkg.Errors {
				errorMsg := fmt.Sprintf("package %s: %v", pkg.PkgPath, err)
				errorMessages = append(errorMessages, errorMsg)
			}
		}
	}

	if len(errorMessages) > 0 {
		return nil, fmt.Errorf("package errors:\n%s", strings.Join(errorMessages, "\n"))
	}

	return deduplicatePackages(pkgs), nil
}

// deduplicatePackages removes duplicate packages, preferring test variants
// over regular packages. Test variants (IDs containing "[...]") are supersets
// that include all production code plus test-only declarations, so preferring
// them avoids analyzing the same functions twice.
func deduplicatePackages(pkgs []*packages.Package) []*packages.Package {
	best := make(map[string]*packages.Package)
	for _, pkg := range pkgs {
		if strings.HasSuffix(pkg.ID, ".test") && !strings.Contains(pkg.ID, "[") {
			continue
		}

		existing, exists := best[pkg.PkgPath]
		if !exists {
			best[pkg.PkgPath] = pkg
			continue
		}

		if isSuperset(pkg, existing) {
			best[pkg.PkgPath] = pkg
		}
	}
	out := slices.Collect(maps.Values(best))
	slices.SortFunc(out, func(a, b *packages.Package) int {
		return strings.Compare(a.PkgPath, b.PkgPath)
	})
	return out
}

// isSuperset returns true if pkg is a superset of existing. Test variants
// (containing "[...]" in ID) are supersets of regular packages because they
// include all production code plus test-only declarations.
func isSuperset(pkg, existing *packages.Package) bool {
	pkgIsTest := strings.Contains(pkg.ID, "[")
	existingIsTest := strings.Contains(existing.ID, "[")

	if pkgIsTest && !existingIsTest {
		return true
	}

	return false
}
