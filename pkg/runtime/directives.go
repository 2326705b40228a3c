// Package runtime recognizes the compiler directives and runtime hook
// conventions that make a Go function reachable without a visible call site
// in Go source. The flow build treats such functions as entry points with
// unknown callers.
package runtime

import (
	"go/ast"
	"strings"
)

// Directive classifies a compiler directive attached to a function
// declaration. Higher values take precedence when a declaration carries
// several directives.
type Directive int

const (
	// DirectiveNone marks a declaration without a recognized directive.
	DirectiveNone Directive = iota
	// DirectivePragma covers the go:nosplit family: scheduling and
	// checking pragmas that do not by themselves create reachability.
	DirectivePragma
	// DirectiveExport makes the function callable from C through cgo.
	DirectiveExport
	// DirectiveLinkname ties the declaration to a symbol in another
	// package; either side may live outside the analyzed source.
	DirectiveLinkname
)

// Roots reports whether the directive makes the function reachable from
// outside the analyzed program.
func (d Directive) Roots() bool {
	return d == DirectiveLinkname || d == DirectiveExport
}

// pragmas are the recognized go: directives without reachability effects.
var pragmas = map[string]struct{}{
	"go:nosplit":    {},
	"go:noinline":   {},
	"go:noescape":   {},
	"go:norace":     {},
	"go:nocheckptr": {},
}

// hooks names functions the Go runtime may invoke directly, such as signal,
// profiling and collector callbacks. A function with one of these names is
// reachable even when no Go code calls it.
var hooks = map[string]struct{}{
	"sighandler":     {},
	"gcCallback":     {},
	"panicHook":      {},
	"mallocHook":     {},
	"freeHook":       {},
	"preemptHook":    {},
	"scheduleHook":   {},
	"cpuProfileHook": {},
	"memProfileHook": {},
}

// Classify returns the strongest directive attached to the declaration's doc
// comment group.
func Classify(fn *ast.FuncDecl) Directive {
	if fn == nil || fn.Doc == nil {
		return DirectiveNone
	}
	best := DirectiveNone
	for _, c := range fn.Doc.List {
		if d := parse(c.Text); d > best {
			best = d
		}
	}
	return best
}

// parse classifies one comment line. Directives bind only without a space
// after the comment marker: "//go:linkname" is a directive, "// go:linkname"
// is prose.
func parse(comment string) Directive {
	text := strings.TrimPrefix(comment, "//")
	// Cgo export markers are spelled //export Name, without a colon.
	if strings.HasPrefix(text, "export ") {
		return DirectiveExport
	}
	if strings.HasPrefix(text, " ") {
		return DirectiveNone
	}
	if rest, ok := strings.CutPrefix(text, "go:linkname"); ok && bounded(rest) {
		return DirectiveLinkname
	}
	for p := range pragmas {
		if rest, ok := strings.CutPrefix(text, p); ok && bounded(rest) {
			return DirectivePragma
		}
	}
	return DirectiveNone
}

// bounded reports whether rest starts at a token boundary, so go:nosplitX
// does not match go:nosplit.
func bounded(rest string) bool {
	return rest == "" || strings.HasPrefix(rest, " ")
}

// IsHook reports whether name is a known runtime hook entry.
func IsHook(name string) bool {
	_, ok := hooks[name]
	return ok
}
