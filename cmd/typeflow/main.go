// Package main implements the CLI driver for the typeflow analyzer.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/715d/typeflow/pkg/callgraph"
	"github.com/715d/typeflow/pkg/typeflow"
)

// Config holds all command-line configuration options for the typeflow CLI.
type Config struct {
	Packages       []string // the Go packages to analyze
	ConfigFile     string   // optional YAML configuration file
	Verbose        bool     // enables detailed output and statistics
	JSON           bool     // enables JSON output format
	NoColor        bool     // disables colored output
	BuildTags      []string // build tags to use during package loading
	Tests          bool     // include test variants of the packages
	Profile        bool     // enables CPU, memory and execution trace profiling
	SkipGenerated  bool     // skip findings in files with generated code markers
	Strict         bool     // report all unreachable exported functions
	MaxTypes       int      // per-site precision budget before saturation
	ExtendedChecks bool     // enable expensive internal assertions
	Workers        int      // propagation parallelism, 0 means GOMAXPROCS
	Entries        []string // additional entry points by qualified name
	Reports        []string // report sections to render
	Output         string   // path for the call graph artifact
}

const (
	exitFindings = 1
	exitError    = 2
)

var (
	// Set via ldflags during build.
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var cfg Config

func main() {
	var rootCmd = &cobra.Command{
		Use:   "typeflow [packages...]",
		Short: "Whole-program type-flow analysis for Go",
		Long: `typeflow propagates instantiated types through a whole Go program and
reports what the fixpoint proves. Available report sections:

- dead: functions never reached from main, init or configured entry points
- callgraph: the resolved call graph with per-site receiver information
- devirt: dynamic call sites with exactly one possible target
- scc: groups of mutually recursive functions`,
		Example: `  typeflow ./...                           # Analyze all packages
  typeflow --report dead,devirt ./...      # Select report sections
  typeflow --entry example.com/m/pkg.Serve ./...
  typeflow --output graph.tfcg ./...       # Keep the call graph artifact
  typeflow -v --json . > report.json       # Machine-readable output`,
		Args:               cobra.ArbitraryArgs,
		RunE:               runCommand,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
		SilenceUsage:       true,
		SilenceErrors:      true,
		Version:            version,
	}

	// Set custom version template to include build info.
	rootCmd.SetVersionTemplate(fmt.Sprintf("typeflow version %s\n  commit: %s\n  built:  %s\n", version, gitCommit, buildTime))

	// Define flags.
	rootCmd.PersistentFlags().BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&cfg.JSON, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&cfg.NoColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&cfg.Profile, "profile", false, "Enable profiling (writes cpu.prof, mem.prof and trace.out to current directory)")
	rootCmd.Flags().StringVar(&cfg.ConfigFile, "config", "", "YAML configuration file; flags override its values")
	rootCmd.Flags().StringSliceVar(&cfg.BuildTags, "tags", []string{}, "Build tags to use during package loading")
	rootCmd.Flags().BoolVar(&cfg.Tests, "tests", false, "Include test variants of the analyzed packages")
	rootCmd.Flags().StringSliceVar(&cfg.Entries, "entry", []string{}, "Additional entry points by qualified name (repeatable)")
	rootCmd.Flags().IntVar(&cfg.MaxTypes, "max-types", 0, "Receiver types a call site may observe before it saturates (0 = default)")
	rootCmd.Flags().BoolVar(&cfg.ExtendedChecks, "extended-checks", false, "Enable expensive internal assertions")
	rootCmd.Flags().IntVar(&cfg.Workers, "workers", 0, "Propagation parallelism (0 = GOMAXPROCS)")
	rootCmd.Flags().BoolVar(&cfg.SkipGenerated, "skip-generated", true, "Skip findings in files with generated code markers (e.g., '// Code generated')")
	rootCmd.Flags().BoolVar(&cfg.Strict, "strict", false, "Report ALL unreachable exported functions (not just those in /internal)")
	rootCmd.Flags().StringSliceVar(&cfg.Reports, "report", []string{typeflow.ReportDead}, "Report sections: dead, callgraph, devirt, scc")
	rootCmd.Flags().StringVarP(&cfg.Output, "output", "o", "", "Write the call graph artifact to this path")

	rootCmd.AddCommand(newShowCommand())

	if err := rootCmd.Execute(); err != nil {
		_ = teardown(nil, nil)
		if err.Error() != "" {
			fmt.Fprintln(os.Stderr, err.Error())
		}
		var cErr codedError
		if errors.As(err, &cErr) {
			os.Exit(cErr.code)
		}
		os.Exit(exitError)
	}
}

func runCommand(cmd *cobra.Command, args []string) error {
	opts, err := buildOptions(cmd, args)
	if err != nil {
		return errWithCode(err, exitError)
	}

	slog.Info("starting type-flow analysis", "packages", opts.Packages)
	result, err := typeflow.NewAnalyzer(opts).LoadAndAnalyze(cmd.Context())
	if err != nil {
		return errWithCode(fmt.Errorf("analyze: %w", err), exitError)
	}

	if opts.Artifact != "" {
		if err := saveArtifact(result.Graph, opts.Artifact); err != nil {
			return errWithCode(err, exitError)
		}
		slog.Info("call graph artifact written", "path", opts.Artifact)
	}

	if err := writeResults(os.Stdout, result, opts.Reports); err != nil {
		return errWithCode(fmt.Errorf("format results: %w", err), exitError)
	}

	if len(result.Dead) > 0 {
		return errWithCode(nil, exitFindings)
	}
	return nil
}

// buildOptions resolves the run configuration: the optional config file sets
// the base, explicitly set flags override it, positional arguments win for
// the package patterns.
func buildOptions(cmd *cobra.Command, args []string) (typeflow.Options, error) {
	var opts typeflow.Options
	if cfg.ConfigFile != "" {
		var err error
		opts, err = typeflow.LoadOptionsFile(cfg.ConfigFile)
		if err != nil {
			return opts, err
		}
	}

	// Without a config file the flag defaults apply as-is; with one, only
	// flags the user actually set override it.
	flags := cmd.Flags()
	set := func(name string) bool {
		return cfg.ConfigFile == "" || flags.Changed(name)
	}
	if set("tags") {
		opts.BuildTags = cfg.BuildTags
	}
	if set("tests") {
		opts.IncludeTests = cfg.Tests
	}
	if set("entry") {
		opts.EntryPoints = cfg.Entries
	}
	if set("max-types") {
		opts.MaxTypes = cfg.MaxTypes
	}
	if set("extended-checks") {
		opts.ExtendedChecks = cfg.ExtendedChecks
	}
	if set("workers") {
		opts.Workers = cfg.Workers
	}
	if set("skip-generated") {
		opts.SkipGenerated = cfg.SkipGenerated
	}
	if set("strict") {
		opts.Strict = cfg.Strict
	}
	if set("report") {
		opts.Reports = cfg.Reports
	}
	if set("output") {
		opts.Artifact = cfg.Output
	}

	if len(args) > 0 {
		opts.Packages = args
	}
	if len(opts.Reports) == 0 {
		opts.Reports = []string{typeflow.ReportDead}
	}
	for _, name := range opts.Reports {
		if !typeflow.KnownReport(name) {
			return opts, fmt.Errorf("unknown report %q (valid: dead, callgraph, devirt, scc)", name)
		}
	}
	return opts, nil
}

func writeResults(w io.Writer, result *typeflow.Result, reports []string) error {
	if cfg.JSON {
		return writeJSON(w, result, reports)
	}
	return writeText(w, result, reports)
}

func writeText(w io.Writer, result *typeflow.Result, reports []string) error {
	if cfg.NoColor {
		color.NoColor = true
	}
	red := color.New(color.FgRed)
	green := color.New(color.FgGreen)

	var out strings.Builder
	for _, section := range reports {
		switch section {
		case typeflow.ReportDead:
			renderDead(&out, red, result)
		case typeflow.ReportCallGraph:
			renderCallGraph(&out, result.Graph)
		case typeflow.ReportDevirt:
			renderDevirt(&out, green, result)
		case typeflow.ReportSCC:
			renderSCC(&out, result.Graph)
		}
	}

	if len(result.Reports) > 0 {
		fmt.Fprintf(&out, "\n%d unsupported constructs:\n", len(result.Reports))
		for _, r := range result.Reports {
			fmt.Fprintf(&out, "  %s: %s\n", r.Site, r.Message)
		}
	}

	if cfg.Verbose {
		slog.Info("run summary",
			"functions", result.Stats.Functions,
			"reachable", result.Stats.Reachable,
			"dead", result.Stats.Dead,
			"suppressed", result.Stats.Suppressed,
			"flow_updates", result.Summary.Updates,
			"saturations", result.Summary.Saturations,
			"duration", result.Duration.String())
	}

	_, err := io.WriteString(w, out.String())
	return err
}

func renderDead(out *strings.Builder, red *color.Color, result *typeflow.Result) {
	if len(result.Dead) == 0 {
		slog.Info("no dead functions found")
		return
	}
	for _, f := range result.Dead {
		// Format: filename:line:column functionName (reason)
		if cfg.Verbose {
			fmt.Fprintf(out, "%s:%d:%d %s (%s)\n",
				f.Position.Filename, f.Position.Line, f.Position.Column, red.Sprint(f.Name), f.Reason)
		} else {
			fmt.Fprintf(out, "%s:%d:%d %s\n",
				f.Position.Filename, f.Position.Line, f.Position.Column, red.Sprint(f.Name))
		}
	}
}

func renderCallGraph(out *strings.Builder, g *callgraph.Graph) {
	s := g.Summarize()
	fmt.Fprintf(out, "call graph: %d nodes, %d edges (%d devirtualizable, %d saturated, %d recursive groups)\n",
		s.Nodes, s.Edges, s.Devirtualizable, s.Saturated, s.Recursive)
	if cfg.Verbose {
		_ = g.WriteText(out)
	}
}

func renderDevirt(out *strings.Builder, green *color.Color, result *typeflow.Result) {
	sites := result.DevirtSites()
	if len(sites) == 0 {
		fmt.Fprintln(out, "no devirtualizable sites")
		return
	}
	for _, e := range sites {
		callee := "?"
		if n, ok := result.Graph.NodeByID(e.Callees[0]); ok {
			callee = n.Name
		}
		fmt.Fprintf(out, "%s %s %s -> %s\n", e.Pos, e.Kind, green.Sprint(e.Site), callee)
	}
}

func renderSCC(out *strings.Builder, g *callgraph.Graph) {
	groups := g.RecursiveGroups()
	if len(groups) == 0 {
		fmt.Fprintln(out, "no recursive groups")
		return
	}
	for _, grp := range groups {
		names := make([]string, len(grp))
		for i, id := range grp {
			names[i] = "?"
			if n, ok := g.NodeByID(id); ok {
				names[i] = n.Name
			}
		}
		fmt.Fprintf(out, "recursive: %s\n", strings.Join(names, " <-> "))
	}
}

type jOutput struct {
	DeadFunctions   []jFinding          `json:"dead_functions"`
	DevirtSites     []jDevirt           `json:"devirt_sites,omitempty"`
	CallGraph       *callgraph.Summary  `json:"call_graph,omitempty"`
	RecursiveGroups [][]string          `json:"recursive_groups,omitempty"`
	Unsupported     []jReport           `json:"unsupported,omitempty"`
	Stats           typeflow.Stats      `json:"stats"`
	Propagation     jPropagation        `json:"propagation"`
	DurationMS      int64               `json:"duration_ms"`
	Version         string              `json:"version"`
	Timestamp       string              `json:"timestamp"`
}

type jFinding struct {
	Name    string `json:"name"`
	File    string `json:"file"`
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Reason  string `json:"reason"`
	Package string `json:"package"`
}

type jDevirt struct {
	Pos    string `json:"pos"`
	Kind   string `json:"kind"`
	Site   string `json:"site"`
	Callee string `json:"callee"`
}

type jReport struct {
	Site    string `json:"site"`
	Message string `json:"message"`
}

type jPropagation struct {
	Flows            int64 `json:"flows"`
	Updates          int64 `json:"updates"`
	Links            int64 `json:"links"`
	Saturations      int64 `json:"saturations"`
	ReachableMethods int64 `json:"reachable_methods"`
}

func writeJSON(w io.Writer, result *typeflow.Result, reports []string) error {
	out := jOutput{
		DeadFunctions: make([]jFinding, 0, len(result.Dead)),
		Stats:         result.Stats,
		Propagation: jPropagation{
			Flows:            result.Summary.Flows,
			Updates:          result.Summary.Updates,
			Links:            result.Summary.Links,
			Saturations:      result.Summary.Saturations,
			ReachableMethods: result.Summary.ReachableMethods,
		},
		DurationMS: result.Duration.Milliseconds(),
		Version:    version,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	for _, f := range result.Dead {
		out.DeadFunctions = append(out.DeadFunctions, jFinding{
			Name:    f.Name,
			File:    f.Position.Filename,
			Line:    f.Position.Line,
			Column:  f.Position.Column,
			Reason:  f.Reason,
			Package: f.Package,
		})
	}
	for _, r := range result.Reports {
		out.Unsupported = append(out.Unsupported, jReport{Site: r.Site, Message: r.Message})
	}
	for _, section := range reports {
		switch section {
		case typeflow.ReportCallGraph:
			s := result.Graph.Summarize()
			out.CallGraph = &s
		case typeflow.ReportDevirt:
			for _, e := range result.DevirtSites() {
				callee := "?"
				if n, ok := result.Graph.NodeByID(e.Callees[0]); ok {
					callee = n.Name
				}
				out.DevirtSites = append(out.DevirtSites, jDevirt{
					Pos: e.Pos, Kind: e.Kind, Site: e.Site, Callee: callee,
				})
			}
		case typeflow.ReportSCC:
			for _, grp := range result.Graph.RecursiveGroups() {
				names := make([]string, len(grp))
				for i, id := range grp {
					names[i] = "?"
					if n, ok := result.Graph.NodeByID(id); ok {
						names[i] = n.Name
					}
				}
				out.RecursiveGroups = append(out.RecursiveGroups, names)
			}
		}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling json output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func saveArtifact(g *callgraph.Graph, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating artifact: %w", err)
	}
	if err := g.Save(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func newShowCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show <artifact>",
		Short: "Render a saved call graph artifact",
		Long: `show loads a call graph artifact written by --output and renders it
without re-running the analysis.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening artifact: %w", err)
			}
			defer f.Close()
			g, err := callgraph.Load(f)
			if err != nil {
				return err
			}

			switch format {
			case "summary":
				s := g.Summarize()
				fmt.Printf("nodes: %d\nedges: %d\ndevirtualizable: %d\nsaturated: %d\nrecursive groups: %d\n",
					s.Nodes, s.Edges, s.Devirtualizable, s.Saturated, s.Recursive)
				return nil
			case "text":
				return g.WriteText(os.Stdout)
			case "dot":
				return g.WriteDOT(os.Stdout)
			default:
				return fmt.Errorf("unknown format %q (valid: summary, text, dot)", format)
			}
		},
	}
	cmd.Flags().StringVar(&format, "format", "summary", "Rendering: summary, text or dot")
	return cmd
}

var (
	cpuProfile *os.File
	traceFile  *os.File
)

func setup(_ *cobra.Command, _ []string) error {
	// Disable logger unless verbose flag is set.
	slog.SetDefault(slog.New(slog.DiscardHandler))
	if cfg.Verbose {
		opts := &slog.HandlerOptions{Level: slog.LevelDebug}
		var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
		if cfg.JSON {
			handler = slog.NewJSONHandler(os.Stderr, opts)
		}
		logger := slog.New(handler)
		slog.SetDefault(logger)
	}

	if !cfg.Profile {
		return nil
	}

	// Start CPU profiling.
	var err error
	cpuProfile, err = os.Create("cpu.prof")
	if err != nil {
		return fmt.Errorf("creating cpu.prof: %w", err)
	}
	if err := pprof.StartCPUProfile(cpuProfile); err != nil {
		_ = cpuProfile.Close()
		return fmt.Errorf("starting CPU profile: %w", err)
	}

	// Start the execution trace. Propagation is scheduler-heavy, so the
	// trace is usually more telling than the CPU profile.
	traceFile, err = os.Create("trace.out")
	if err != nil {
		return fmt.Errorf("creating trace.out: %w", err)
	}
	if err := trace.Start(traceFile); err != nil {
		_ = traceFile.Close()
		return fmt.Errorf("starting execution trace: %w", err)
	}
	slog.Info("profiling started", "cpu", "cpu.prof", "trace", "trace.out")
	return nil
}

func teardown(_ *cobra.Command, _ []string) error {
	if !cfg.Profile || cpuProfile == nil {
		return nil
	}

	// Stop CPU profiling and close file.
	pprof.StopCPUProfile()
	defer cpuProfile.Close()

	if traceFile != nil {
		trace.Stop()
		defer traceFile.Close()
	}
	slog.Info("profiling stopped", "cpu", "cpu.prof", "trace", "trace.out")

	// Write memory profile.
	memFile, err := os.Create("mem.prof")
	if err != nil {
		return fmt.Errorf("creating mem.prof: %w", err)
	}
	defer memFile.Close()
	runtime.GC() // Get up-to-date statistics
	if err := pprof.WriteHeapProfile(memFile); err != nil {
		return fmt.Errorf("writing memory profile: %w", err)
	}
	slog.Info("memory profile written", "file", "mem.prof")
	return nil
}

func errWithCode(err error, code int) error {
	return codedError{err: err, code: code}
}

type codedError struct {
	err  error
	code int
}

func (e codedError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return ""
}
