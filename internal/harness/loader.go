package harness

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/tools/go/packages"
	yaml "gopkg.in/yaml.v3"

	"github.com/715d/typeflow/pkg/typeflow"
)

// LoaderConfig configures package loading for one case run.
type LoaderConfig struct {
	// Dir is the directory to load packages from.
	Dir string

	// BuildTags are build tags to apply.
	BuildTags []string

	// EnableCGo enables CGo support.
	EnableCGo bool

	// GOOS overrides the target operating system.
	GOOS string

	// GOARCH overrides the target architecture.
	GOARCH string

	// IncludeTests loads test variants.
	IncludeTests bool
}

// env renders the process environment with the configuration's overrides
// applied. CGO_ENABLED is always pinned so a host with cgo on does not leak
// cgo-generated functions into cases that never asked for them.
func (c *LoaderConfig) env() []string {
	overrides := map[string]string{"CGO_ENABLED": "0"}
	if c.EnableCGo {
		overrides["CGO_ENABLED"] = "1"
	}
	if c.GOOS != "" {
		overrides["GOOS"] = c.GOOS
	}
	if c.GOARCH != "" {
		overrides["GOARCH"] = c.GOARCH
	}

	env := os.Environ()
	for i, kv := range env {
		key, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if value, hit := overrides[key]; hit {
			env[i] = key + "=" + value
			delete(overrides, key)
		}
	}
	for key, value := range overrides {
		env = append(env, key+"="+value)
	}
	return env
}

// LoadPackages loads every package under the configured directory.
func LoadPackages(t *testing.T, loaderCfg *LoaderConfig) []*packages.Package {
	t.Helper()
	t.Logf("Loading packages from %q", loaderCfg.Dir)

	pkgs, err := typeflow.LoadPackages(t.Context(), typeflow.LoaderOptions{
		Packages:     []string{"./..."},
		BuildTags:    loaderCfg.BuildTags,
		Dir:          loaderCfg.Dir,
		Env:          loaderCfg.env(),
		IncludeTests: loaderCfg.IncludeTests,
	})
	require.NoError(t, err)
	return pkgs
}

// LoadTestCase reads dir/expected.yaml. Unknown keys are errors: a typo in
// an expectation key would otherwise silently weaken the case. The case name
// is the directory path relative to the testdata root.
func LoadTestCase(t *testing.T, dir, root string) *TestCase {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(dir, "expected.yaml"))
	require.NoError(t, err)

	tc := &TestCase{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	require.NoError(t, dec.Decode(tc), "parsing %s/expected.yaml", dir)

	tc.Dir = filepath.Base(dir)
	if root != "" {
		if rel, err := filepath.Rel(root, dir); err == nil {
			tc.Dir = rel
		}
	}
	return tc
}

// LoadRepositoryPackages clones the case's repository into a scratch
// directory and loads packages from it.
func LoadRepositoryPackages(t *testing.T, repoCfg *RepoConfig, loaderCfg *LoaderConfig) []*packages.Package {
	t.Helper()

	cloneDir := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, cloneRepository(repoCfg.URL, cloneDir, repoCfg.Ref))

	repoLoaderConfig := *loaderCfg
	repoLoaderConfig.Dir = cloneDir
	if repoCfg.Subdir != "" {
		repoLoaderConfig.Dir = filepath.Join(cloneDir, repoCfg.Subdir)
	}
	return LoadPackages(t, &repoLoaderConfig)
}

// cloneRepository performs a shallow single-branch clone, enough history to
// analyze one ref.
func cloneRepository(url, dir, ref string) error {
	args := []string{"clone", "--depth", "1", "--single-branch"}
	if ref != "" {
		args = append(args, "--branch", ref)
	}
	args = append(args, url, dir)

	cmd := exec.Command("git", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w\n%s", cmd.String(), err, out)
	}
	return nil
}
