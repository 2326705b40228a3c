// Package suppress implements comment-based suppression of analysis findings.
package suppress

import (
	"fmt"
	"go/ast"
	"go/token"
	"regexp"
	"strings"
)

// directive is the rule name recognized in nolint lists.
const directive = "typeflow"

var (
	// nolintPattern matches //nolint and //nolint:rule[,rule...] comments,
	// capturing the rule list and a trailing "// reason" when present.
	nolintPattern = regexp.MustCompile(`^//\s*nolint(?::([^/]+))?(?:\s*//\s*(.*))?$`)

	// ignorePattern matches //typeflow:ignore comments with an optional
	// reason.
	ignorePattern = regexp.MustCompile(`^//\s*typeflow:ignore(?:\s+(.+))?$`)
)

// Checker matches function declarations against suppression comments placed
// on the declaration line or the line directly above it.
type Checker struct {
	// suppressions maps a function's name position to the stated reason.
	suppressions map[token.Pos]string
}

// NewChecker creates an empty suppression checker.
func NewChecker() *Checker {
	return &Checker{suppressions: make(map[token.Pos]string)}
}

// Load scans the files for suppression comments and records the function
// declarations they cover. Positions are keyed by the declaration's name,
// matching what types.Object.Pos reports.
func (sc *Checker) Load(fset *token.FileSet, files []*ast.File) error {
	if fset == nil {
		return fmt.Errorf("suppress: file set cannot be nil")
	}

	for _, file := range files {
		if file == nil {
			continue
		}
		byLine := make(map[int]string)
		for _, group := range file.Comments {
			for _, comment := range group.List {
				if reason, ok := parseComment(comment.Text); ok {
					byLine[fset.Position(comment.Pos()).Line] = reason
				}
			}
		}
		if len(byLine) == 0 {
			continue
		}

		ast.Inspect(file, func(n ast.Node) bool {
			decl, ok := n.(*ast.FuncDecl)
			if !ok {
				return true
			}
			namePos := decl.Name.Pos()
			line := fset.Position(namePos).Line

			reason, ok := byLine[line-1]
			if !ok {
				reason, ok = byLine[line]
			}
			if ok {
				if reason == "" {
					reason = "suppressed"
				}
				sc.suppressions[namePos] = reason
			}
			return true
		})
	}
	return nil
}

// parseComment reports whether a comment suppresses typeflow findings and
// extracts its reason. A bare //nolint applies to every rule; a rule list
// applies only when it names typeflow.
func parseComment(text string) (reason string, ok bool) {
	if m := ignorePattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	m := nolintPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	if m[1] == "" {
		return strings.TrimSpace(m[2]), true
	}
	for rule := range strings.SplitSeq(m[1], ",") {
		if strings.TrimSpace(rule) == directive {
			return strings.TrimSpace(m[2]), true
		}
	}
	return "", false
}

// IsSuppressed reports whether the function declared at pos is suppressed,
// with the stated reason.
func (sc *Checker) IsSuppressed(pos token.Pos) (bool, string) {
	if reason, exists := sc.suppressions[pos]; exists {
		return true, reason
	}
	return false, ""
}

// Len returns the number of suppressed declarations.
func (sc *Checker) Len() int { return len(sc.suppressions) }

// Clear removes all recorded suppressions.
func (sc *Checker) Clear() {
	sc.suppressions = make(map[token.Pos]string)
}
