// Package assembly scans the assembly sources of a package for the Go
// symbols they define and call. The flow build cannot see into assembly: a
// TEXT directive backs a Go declaration whose body never reaches SSA form,
// and a CALL directive reaches a Go function without any visible Go call
// site. Both symbol sets feed the conservative entry points of the analysis.
package assembly

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"golang.org/x/tools/go/packages"
)

// Symbols lists the package-level Go symbols referenced from the assembly
// sources of a single package.
type Symbols struct {
	// Implemented holds names defined with a TEXT directive: Go
	// declarations whose body lives in assembly.
	Implemented map[string]struct{}
	// Called holds names targeted by a CALL directive: Go functions
	// reachable from assembly without a Go call site.
	Called map[string]struct{}
}

// Go assembly addresses package-local symbols with a middle dot, as in
// TEXT ·Add(SB). Qualified references into other packages cannot name a
// symbol of the package under analysis and are ignored.
var (
	textSym = regexp.MustCompile(`TEXT\s+·([a-zA-Z_][a-zA-Z0-9_]*)\(SB\)`)
	callSym = regexp.MustCompile(`CALL\s+·([a-zA-Z_][a-zA-Z0-9_]*)\(SB\)`)
)

// Scan reads every assembly file of pkg. OtherFiles is already filtered by
// the build configuration the package was loaded under, so files excluded by
// build constraints never contribute symbols.
func Scan(pkg *packages.Package) (*Symbols, error) {
	syms := &Symbols{
		Implemented: make(map[string]struct{}),
		Called:      make(map[string]struct{}),
	}
	if pkg == nil {
		return syms, nil
	}
	for _, file := range pkg.OtherFiles {
		if !strings.HasSuffix(file, ".s") {
			continue
		}
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("assembly: open %s: %w", file, err)
		}
		err = scan(f, syms)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("assembly: scan %s: %w", file, err)
		}
	}
	return syms, nil
}

// Empty reports whether the scan found no symbols at all.
func (s *Symbols) Empty() bool {
	return len(s.Implemented) == 0 && len(s.Called) == 0
}

func scan(r io.Reader, syms *Symbols) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") {
			continue
		}
		if m := textSym.FindStringSubmatch(line); m != nil {
			syms.Implemented[m[1]] = struct{}{}
		}
		if m := callSym.FindStringSubmatch(line); m != nil {
			syms.Called[m[1]] = struct{}{}
		}
	}
	return sc.Err()
}
