package harness

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/tools/go/packages"

	"github.com/715d/typeflow/pkg/callgraph"
	"github.com/715d/typeflow/pkg/typeflow"
)

// TestHarness manages test execution.
type TestHarness struct {
	// root is the root directory for test data.
	root string
}

// NewHarness creates a new test harness.
func NewHarness(root string) *TestHarness {
	return &TestHarness{root: root}
}

// Run executes a test case with all its configurations.
func (h *TestHarness) Run(t *testing.T, tc *TestCase) *TestResult {
	t.Helper()
	require.NotEmpty(t, tc.Configurations, "test case has no configurations")

	if tc.Repository != nil && testing.Short() {
		return &TestResult{
			TestCase: tc,
			Skipped:  true,
			Message:  "repository-backed case skipped in short mode",
		}
	}

	var results []ConfigurationResult
	var allSuccess = true

	for _, cfg := range tc.Configurations {
		cfgResult := h.runConfiguration(t, tc, cfg)
		results = append(results, *cfgResult)
		if !cfgResult.Success {
			allSuccess = false
		}
	}

	var resultMsg string
	if allSuccess {
		resultMsg = fmt.Sprintf("All %d configurations passed", len(tc.Configurations))
	} else {
		failedCount := 0
		var msgs []string
		for _, cr := range results {
			if !cr.Success {
				failedCount++
				msgs = append(msgs, fmt.Sprintf("[%s] %s:\n  %s",
					cr.Configuration.Name, cr.Message, strings.Join(cr.Details, "\n  ")))
			}
		}
		resultMsg = fmt.Sprintf("%d/%d configurations failed:\n%s",
			failedCount, len(tc.Configurations), strings.Join(msgs, "\n"))
	}

	return &TestResult{
		TestCase:             tc,
		ConfigurationResults: results,
		Success:              allSuccess,
		Message:              resultMsg,
	}
}

// runConfiguration executes one analyzer invocation.
func (h *TestHarness) runConfiguration(t *testing.T, tc *TestCase, cfg RunConfig) *ConfigurationResult {
	t.Helper()
	loaderConfig := &LoaderConfig{
		BuildTags:    cfg.BuildTags,
		EnableCGo:    cfg.EnableCGo,
		GOOS:         cfg.GOOS,
		GOARCH:       cfg.GOARCH,
		IncludeTests: cfg.IncludeTests,
	}

	var pkgs []*packages.Package
	if tc.Repository != nil {
		pkgs = LoadRepositoryPackages(t, tc.Repository, loaderConfig)
	} else {
		loaderConfig.Dir = filepath.Join(h.root, tc.Dir)
		pkgs = LoadPackages(t, loaderConfig)
	}

	result, err := typeflow.NewAnalyzer(typeflow.Options{
		Strict:      cfg.Strict,
		MaxTypes:    cfg.MaxTypes,
		EntryPoints: cfg.EntryPoints,
	}).Analyze(t.Context(), pkgs)
	if err != nil {
		// Check if this error was expected.
		for _, expectedErr := range cfg.ExpectedErrors {
			if strings.Contains(err.Error(), expectedErr) {
				return &ConfigurationResult{
					Configuration: cfg,
					Success:       true,
					Message:       fmt.Sprintf("Got expected error: %v", err),
				}
			}
		}
		require.NoError(t, err)
	}
	return h.validate(cfg, result)
}

// validate compares one run's outcome against the configuration's
// expectations.
func (h *TestHarness) validate(cfg RunConfig, result *typeflow.Result) *ConfigurationResult {
	cfgResult := ConfigurationResult{
		Configuration: cfg,
		Result:        result,
	}

	if err := validateExpectedFunctions(cfg.ExpectedDead); err != nil {
		cfgResult.Success = false
		cfgResult.Message = fmt.Sprintf("Invalid expected.yaml: %v", err)
		cfgResult.Details = []string{err.Error()}
		return &cfgResult
	}

	var details []string
	details = append(details, compareDead(cfg.ExpectedDead, result.Dead)...)
	details = append(details, compareEdges(cfg.ExpectedEdges, result.Graph)...)
	details = append(details, compareDevirt(cfg.ExpectedDevirt, result)...)
	details = append(details, compareReports(cfg.ExpectedReports, result)...)

	cfgResult.Success = len(details) == 0
	cfgResult.Details = details
	if cfgResult.Success {
		cfgResult.Message = fmt.Sprintf("All %d expected dead functions found", len(cfg.ExpectedDead))
	} else {
		cfgResult.Message = fmt.Sprintf("Test failed: %d mismatches", len(details))
	}
	return &cfgResult
}

// compareDead checks the dead list both ways: every expectation must be
// reported and every report must be expected.
func compareDead(expected []ExpectedFunc, actual []typeflow.Finding) []string {
	expectedMap := make(map[string]ExpectedFunc)
	for _, e := range expected {
		expectedMap[e.FuncName] = e
	}
	actualMap := make(map[string]typeflow.Finding)
	for _, a := range actual {
		actualMap[a.Name] = a
	}

	var missing, unexpected, details []string
	for key, exp := range expectedMap {
		if _, found := actualMap[key]; !found {
			missing = append(missing, fmt.Sprintf("%s (%s)", exp.FuncName, exp.Reason))
		}
	}
	for key := range actualMap {
		if _, found := expectedMap[key]; !found {
			unexpected = append(unexpected, key)
		}
	}
	sort.Strings(missing)
	sort.Strings(unexpected)

	for _, m := range missing {
		details = append(details, "Should have been reported dead: "+m)
	}
	for _, u := range unexpected {
		details = append(details, "Should have been reachable: "+u)
	}

	for key, exp := range expectedMap {
		act, found := actualMap[key]
		if !found {
			continue
		}
		if exp.Reason != "" && act.Reason != exp.Reason {
			details = append(details, fmt.Sprintf(
				"Reason mismatch for %s: expected %q, got %q", exp.FuncName, exp.Reason, act.Reason))
		}
		if exp.File != "" && !strings.HasSuffix(act.Position.Filename, exp.File) {
			details = append(details, fmt.Sprintf(
				"File mismatch for %s: expected file ending with %q, got %q",
				exp.FuncName, exp.File, act.Position.Filename))
		}
	}
	return details
}

// compareEdges checks that each pinned call site exists in the graph and
// resolved to exactly the expected callees.
func compareEdges(expected []ExpectedEdge, g *callgraph.Graph) []string {
	var details []string
	for _, exp := range expected {
		edge, ok := findEdge(g, exp)
		if !ok {
			details = append(details, fmt.Sprintf(
				"Missing edge: %s -> %s %s", exp.Caller, exp.Kind, exp.Site))
			continue
		}
		got := calleeNames(g, edge)
		want := append([]string(nil), exp.Callees...)
		sort.Strings(want)
		if !equalStrings(got, want) {
			details = append(details, fmt.Sprintf(
				"Callee mismatch at %s %s in %s: expected %v, got %v",
				exp.Kind, exp.Site, exp.Caller, want, got))
		}
		if edge.Saturated != exp.Saturated {
			details = append(details, fmt.Sprintf(
				"Saturation mismatch at %s %s in %s: expected %v, got %v",
				exp.Kind, exp.Site, exp.Caller, exp.Saturated, edge.Saturated))
		}
	}
	return details
}

func compareDevirt(expected []ExpectedSite, result *typeflow.Result) []string {
	var details []string
	sites := result.DevirtSites()
	for _, exp := range expected {
		found := false
		for _, e := range sites {
			if e.Site != exp.Site {
				continue
			}
			if n, ok := result.Graph.NodeByID(e.Callees[0]); ok && n.Name == exp.Callee {
				found = true
				break
			}
		}
		if !found {
			details = append(details, fmt.Sprintf(
				"Missing devirtualizable site: %s -> %s", exp.Site, exp.Callee))
		}
	}
	return details
}

func compareReports(expected []string, result *typeflow.Result) []string {
	var details []string
	for _, exp := range expected {
		found := false
		for _, r := range result.Reports {
			if strings.Contains(r.Site+": "+r.Message, exp) {
				found = true
				break
			}
		}
		if !found {
			details = append(details, "Missing unsupported-construct report containing: "+exp)
		}
	}
	return details
}

func findEdge(g *callgraph.Graph, exp ExpectedEdge) (callgraph.Edge, bool) {
	if g == nil {
		return callgraph.Edge{}, false
	}
	for _, e := range g.Edges {
		if e.Site != exp.Site || e.Kind != exp.Kind {
			continue
		}
		if n, ok := g.NodeByID(e.Caller); ok && n.Name == exp.Caller {
			return e, true
		}
	}
	return callgraph.Edge{}, false
}

func calleeNames(g *callgraph.Graph, e callgraph.Edge) []string {
	names := make([]string, 0, len(e.Callees))
	for _, id := range e.Callees {
		if n, ok := g.NodeByID(id); ok {
			names = append(names, n.Name)
		}
	}
	sort.Strings(names)
	return names
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// validateExpectedFunctions validates that expected functions have required
// fields.
func validateExpectedFunctions(expected []ExpectedFunc) error {
	for i, exp := range expected {
		if strings.TrimSpace(exp.FuncName) == "" {
			return fmt.Errorf("expected function at index %d has empty or missing 'func' field", i)
		}
	}
	return nil
}

// ConfigurationResult represents the result of running a single
// configuration.
type ConfigurationResult struct {
	// Configuration is the configuration that was run.
	Configuration RunConfig

	// Result is the raw analyzer output.
	Result *typeflow.Result

	// Success indicates if this configuration passed.
	Success bool

	// Message provides a summary of the result for this configuration.
	Message string

	// Details provides detailed information about failures.
	Details []string
}

// TestResult represents the result of running a test case.
type TestResult struct {
	// TestCase is the test case that was run.
	TestCase *TestCase

	// ConfigurationResults contains results for each configuration.
	ConfigurationResults []ConfigurationResult

	// Success indicates if the test passed (all configurations passed).
	Success bool

	// Skipped indicates if the test was skipped.
	Skipped bool

	// Message provides a summary of the result.
	Message string
}
