package typeflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "typeflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadOptionsFile(t *testing.T) {
	path := writeConfig(t, `
packages:
  - ./cmd/...
  - ./pkg/...
build_tags: [integration]
include_tests: true
entry_points:
  - example.com/app/pkg/plugin.Register
max_types: 8
extended_checks: true
skip_generated: true
strict: true
workers: 4
reports: [dead, devirt, scc]
artifact: out/callgraph.bin
`)

	opts, err := LoadOptionsFile(path)
	require.NoError(t, err)
	require.Equal(t, Options{
		Packages:       []string{"./cmd/...", "./pkg/..."},
		BuildTags:      []string{"integration"},
		IncludeTests:   true,
		EntryPoints:    []string{"example.com/app/pkg/plugin.Register"},
		MaxTypes:       8,
		ExtendedChecks: true,
		SkipGenerated:  true,
		Strict:         true,
		Workers:        4,
		Reports:        []string{ReportDead, ReportDevirt, ReportSCC},
		Artifact:       "out/callgraph.bin",
	}, opts)
}

func TestLoadOptionsFileUnknownKey(t *testing.T) {
	path := writeConfig(t, "packages: [./...]\nmax_typo: 8\n")

	_, err := LoadOptionsFile(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "max_typo")
}

func TestLoadOptionsFileUnknownReport(t *testing.T) {
	path := writeConfig(t, "reports: [dead, everything]\n")

	_, err := LoadOptionsFile(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), `unknown report "everything"`)
}

func TestLoadOptionsFileMissing(t *testing.T) {
	_, err := LoadOptionsFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestKnownReport(t *testing.T) {
	for _, name := range []string{ReportDead, ReportCallGraph, ReportDevirt, ReportSCC} {
		require.True(t, KnownReport(name), name)
	}
	require.False(t, KnownReport("edges"))
	require.False(t, KnownReport(""))
}

func TestOptionsWorkers(t *testing.T) {
	require.Equal(t, 4, Options{Workers: 4}.workers())
	require.Positive(t, Options{}.workers())
	require.Positive(t, Options{Workers: -1}.workers())
}
