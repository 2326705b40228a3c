package typeflow

import (
	"bytes"
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Report names selectable through Options.Reports and the --report flag.
const (
	ReportDead      = "dead"
	ReportCallGraph = "callgraph"
	ReportDevirt    = "devirt"
	ReportSCC       = "scc"
)

// KnownReport reports whether name is one of the selectable reports.
func KnownReport(name string) bool {
	switch name {
	case ReportDead, ReportCallGraph, ReportDevirt, ReportSCC:
		return true
	}
	return false
}

// Options configures a full analysis run. The zero value analyzes ./... from
// the current directory with default precision.
type Options struct {
	// Packages are the package patterns to analyze. Empty means "./...".
	Packages []string `yaml:"packages"`

	// Dir is the directory patterns are resolved in.
	Dir string `yaml:"dir"`

	// BuildTags are applied when loading packages.
	BuildTags []string `yaml:"build_tags"`

	// IncludeTests loads test variants of the matched packages.
	IncludeTests bool `yaml:"include_tests"`

	// EntryPoints names additional root functions by qualified name, for
	// programs whose reachable surface is not anchored by func main.
	EntryPoints []string `yaml:"entry_points"`

	// MaxTypes is the per-site precision budget: an invoke site observing
	// more receiver types than this saturates. Zero keeps the default.
	MaxTypes int `yaml:"max_types"`

	// ExtendedChecks enables the expensive internal assertions.
	ExtendedChecks bool `yaml:"extended_checks"`

	// SkipGenerated excludes findings located in generated files.
	SkipGenerated bool `yaml:"skip_generated"`

	// Strict also reports exported unreachable functions outside internal
	// packages, where external callers cannot be ruled out.
	Strict bool `yaml:"strict"`

	// Workers bounds propagation parallelism. Zero means GOMAXPROCS.
	Workers int `yaml:"workers"`

	// Reports selects which sections the CLI renders. Empty means dead
	// functions only.
	Reports []string `yaml:"reports"`

	// Artifact is a path the serialized call graph is written to after the
	// run, for later inspection without re-analysis. Empty disables it.
	Artifact string `yaml:"artifact"`
}

// LoadOptionsFile reads run configuration from a YAML file. Unknown keys are
// rejected so typos fail loudly instead of silently using defaults.
func LoadOptionsFile(path string) (Options, error) {
	var opts Options
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("reading config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&opts); err != nil {
		return opts, fmt.Errorf("parsing config %s: %w", path, err)
	}
	for _, name := range opts.Reports {
		if !KnownReport(name) {
			return opts, fmt.Errorf("parsing config %s: unknown report %q", path, name)
		}
	}
	return opts, nil
}

func (o Options) loaderOptions() LoaderOptions {
	return LoaderOptions{
		Packages:     o.Packages,
		BuildTags:    o.BuildTags,
		Dir:          o.Dir,
		IncludeTests: o.IncludeTests,
	}
}

func (o Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.GOMAXPROCS(0)
}
