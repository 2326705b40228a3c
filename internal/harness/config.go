// Package harness runs the analyzer against self-contained programs under
// testdata and verifies the fixpoint against per-case expectations.
package harness

// RunConfig is one analyzer invocation within a test case: a build and
// option set plus everything the run is expected to produce.
type RunConfig struct {
	// Name is a descriptive name for this configuration.
	Name string `yaml:"name"`

	// BuildTags are the build tags to use when loading packages.
	BuildTags []string `yaml:"build_tags"`

	// EnableCGo indicates whether CGo should be enabled.
	EnableCGo bool `yaml:"enable_cgo,omitempty"`

	// GOOS sets the target operating system.
	GOOS string `yaml:"goos,omitempty"`

	// GOARCH sets the target architecture.
	GOARCH string `yaml:"goarch,omitempty"`

	// IncludeTests loads test variants of the case's packages.
	IncludeTests bool `yaml:"include_tests,omitempty"`

	// Strict reports all unreachable exported functions.
	Strict bool `yaml:"strict,omitempty"`

	// MaxTypes caps the receiver types a site may observe before it
	// saturates. Zero keeps the production default.
	MaxTypes int `yaml:"max_types,omitempty"`

	// EntryPoints names additional roots by qualified name.
	EntryPoints []string `yaml:"entry_points,omitempty"`

	// ExpectedDead lists the functions the run must report unreachable,
	// exhaustively: a dead function missing from the list fails the case.
	ExpectedDead []ExpectedFunc `yaml:"expected_dead"`

	// ExpectedEdges pins selected call sites of the resolved graph.
	ExpectedEdges []ExpectedEdge `yaml:"expected_edges,omitempty"`

	// ExpectedDevirt pins selected devirtualizable sites.
	ExpectedDevirt []ExpectedSite `yaml:"expected_devirt,omitempty"`

	// ExpectedReports are substrings that must appear among the
	// unsupported-construct reports.
	ExpectedReports []string `yaml:"expected_reports,omitempty"`

	// ExpectedErrors lists expected error messages for this configuration.
	ExpectedErrors []string `yaml:"expected_errors,omitempty"`
}

// TestCase represents a single test scenario.
type TestCase struct {
	// Dir is the directory containing the test code.
	Dir string `yaml:"-"`

	// Repository contains optional git repository configuration for
	// external testing.
	Repository *RepoConfig `yaml:"repository,omitempty"`

	// Configurations defines the analyzer invocations to run.
	Configurations []RunConfig `yaml:"configurations"`
}

// ExpectedFunc is a function expected to be reported dead.
type ExpectedFunc struct {
	// FuncName is the qualified name, e.g. example.com/case.helper.
	FuncName string `yaml:"func"`

	// Reason is the expected classification. Empty skips the check.
	Reason string `yaml:"reason,omitempty"`

	// File is the optional file path suffix (relative to the test dir).
	File string `yaml:"file,omitempty"`
}

// ExpectedEdge pins one resolved call site.
type ExpectedEdge struct {
	// Caller is the qualified name of the enclosing function.
	Caller string `yaml:"caller"`

	// Site is the callee name for static calls, the selector otherwise.
	Site string `yaml:"site"`

	// Kind is static, special, virtual or dynamic.
	Kind string `yaml:"kind"`

	// Callees are the qualified names the site must resolve to, exactly.
	Callees []string `yaml:"callees"`

	// Saturated marks sites expected to overflow the precision budget.
	Saturated bool `yaml:"saturated,omitempty"`
}

// ExpectedSite pins one devirtualizable call site.
type ExpectedSite struct {
	Site   string `yaml:"site"`
	Callee string `yaml:"callee"`
}

// RepoConfig represents configuration for testing external repositories.
type RepoConfig struct {
	// URL is the git repository URL.
	URL string `yaml:"url"`

	// Ref is the git reference (commit, branch, or tag) to checkout.
	Ref string `yaml:"ref"`

	// Subdir is an optional subdirectory within the repository to test.
	Subdir string `yaml:"subdir,omitempty"`
}
