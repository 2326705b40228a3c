package flow

import (
	"cmp"
	"fmt"
	"go/token"
	"slices"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/715d/typeflow/internal/scheduler"
	"github.com/715d/typeflow/pkg/typestate"
	"github.com/715d/typeflow/pkg/universe"
)

// Stats receives engine activity notifications. Implementations must be safe
// for concurrent use.
type Stats interface {
	NoteFlow()
	NoteUpdate()
	NoteLink()
	NoteSaturation()
	NoteReachable()
}

type nopStats struct{}

func (nopStats) NoteFlow()       {}
func (nopStats) NoteUpdate()     {}
func (nopStats) NoteLink()       {}
func (nopStats) NoteSaturation() {}
func (nopStats) NoteReachable()  {}

// Counters tallies engine activity with striped counters, cheap enough to
// leave enabled under the parallel executor.
type Counters struct {
	flows       *xsync.Counter
	updates     *xsync.Counter
	links       *xsync.Counter
	saturations *xsync.Counter
	reachable   *xsync.Counter
}

// NewCounters creates a zeroed Counters.
func NewCounters() *Counters {
	return &Counters{
		flows:       xsync.NewCounter(),
		updates:     xsync.NewCounter(),
		links:       xsync.NewCounter(),
		saturations: xsync.NewCounter(),
		reachable:   xsync.NewCounter(),
	}
}

func (c *Counters) NoteFlow()       { c.flows.Inc() }
func (c *Counters) NoteUpdate()     { c.updates.Inc() }
func (c *Counters) NoteLink()       { c.links.Inc() }
func (c *Counters) NoteSaturation() { c.saturations.Inc() }
func (c *Counters) NoteReachable()  { c.reachable.Inc() }

// Summary returns a point-in-time snapshot. Values are approximate while the
// engine is running and exact after Wait.
func (c *Counters) Summary() Summary {
	return Summary{
		Flows:            c.flows.Value(),
		Updates:          c.updates.Value(),
		Links:            c.links.Value(),
		Saturations:      c.saturations.Value(),
		ReachableMethods: c.reachable.Value(),
	}
}

// Summary is an aggregate view of one propagation run.
type Summary struct {
	Flows            int64 `yaml:"flows"`
	Updates          int64 `yaml:"updates"`
	Links            int64 `yaml:"links"`
	Saturations      int64 `yaml:"saturations"`
	ReachableMethods int64 `yaml:"reachable_methods"`
}

// Report is an unsupported-feature finding: a program construct the analysis
// cannot resolve precisely. Reports never abort propagation; the affected
// type or call edge is skipped and the run stays sound for everything else.
type Report struct {
	Pos     token.Pos `yaml:"-"`
	Site    string    `yaml:"site"`
	Message string    `yaml:"message"`
}

// Config assembles an Engine. Universe, Policy and Executor are mandatory;
// Builder may be nil for propagation graphs wired by hand, Stats may be nil.
type Config struct {
	Universe *universe.Universe
	Policy   typestate.Policy
	Executor scheduler.Executor
	Builder  GraphBuilder
	Stats    Stats
}

// Engine drives the propagation graph: it owns the global flows (the
// all-instantiated flow, per-type declared flows, field flows), creates
// method flow graphs on demand through the GraphBuilder, and collects
// unsupported-feature reports.
type Engine struct {
	u       *universe.Universe
	policy  typestate.Policy
	exec    scheduler.Executor
	builder GraphBuilder
	stats   Stats

	// allInstantiated carries one exact-type state per instantiated type
	// and feeds every declared-type flow.
	allInstantiated *Flow

	declared   *xsync.Map[*universe.Type, *Flow]
	assignable *xsync.Map[*universe.Type, typestate.State]
	fields     *xsync.Map[any, *Flow]
	methods    *xsync.Map[*universe.Method, *MethodState]
	shared     *xsync.Map[sharedKey, *VirtualInvoke]

	reportMu sync.Mutex
	reports  map[string]Report
}

// NewEngine creates an engine over a sealed universe.
func NewEngine(cfg Config) *Engine {
	switch {
	case cfg.Universe == nil:
		panic("flow: engine requires a universe")
	case cfg.Policy == nil:
		panic("flow: engine requires an analysis policy")
	case cfg.Executor == nil:
		panic("flow: engine requires an executor")
	}
	if !cfg.Universe.Sealed() {
		panic("flow: universe must be sealed before propagation")
	}
	stats := cfg.Stats
	if stats == nil {
		stats = nopStats{}
	}
	e := &Engine{
		u:          cfg.Universe,
		policy:     cfg.Policy,
		exec:       cfg.Executor,
		builder:    cfg.Builder,
		stats:      stats,
		declared:   xsync.NewMap[*universe.Type, *Flow](),
		assignable: xsync.NewMap[*universe.Type, typestate.State](),
		fields:     xsync.NewMap[any, *Flow](),
		methods:    xsync.NewMap[*universe.Method, *MethodState](),
		shared:     xsync.NewMap[sharedKey, *VirtualInvoke](),
		reports:    make(map[string]Report),
	}
	e.allInstantiated = NewMerge(e, "all instantiated types", token.NoPos, nil, false)
	return e
}

// Universe returns the type registry the engine analyzes.
func (e *Engine) Universe() *universe.Universe { return e.u }

// Policy returns the active analysis policy.
func (e *Engine) Policy() typestate.Policy { return e.policy }

// AllInstantiated returns the global flow holding every instantiated type.
func (e *Engine) AllInstantiated() *Flow { return e.allInstantiated }

// MarkInstantiated records an allocation of t. The first call per type feeds
// the all-instantiated flow, which re-evaluates every declared-type flow.
func (e *Engine) MarkInstantiated(t *universe.Type) {
	if t.IsInterface() {
		panic(fmt.Sprintf("flow: interface type %s cannot be instantiated", t))
	}
	if t.MarkInstantiated() {
		e.allInstantiated.AddInput(e, typestate.ForExactType(e.policy, t, false))
	}
}

// AssignableState returns the fixed state holding every concrete type
// assignable to declared. Intersecting a propagated state with it narrows to
// the declared bound without losing instantiated-only precision, because
// propagated states carry instantiated types only.
func (e *Engine) AssignableState(declared *universe.Type) typestate.State {
	if s, ok := e.assignable.Load(declared); ok {
		return s
	}
	var ts []*universe.Type
	for _, t := range e.u.Types() {
		if !t.IsInterface() && t.AssignableTo(declared) {
			ts = append(ts, t)
		}
	}
	s := typestate.ForTypes(e.policy, true, ts...)
	actual, _ := e.assignable.LoadOrStore(declared, s)
	return actual
}

// DeclaredTypeFlow returns the shared flow tracking the instantiated subset
// of the types assignable to declared. Saturated flows rebind their uses
// here, and shared context-insensitive invokes observe it as their receiver.
func (e *Engine) DeclaredTypeFlow(declared *universe.Type) *Flow {
	if declared == nil {
		panic("flow: declared type flow requires a type bound")
	}
	if f, ok := e.declared.Load(declared); ok {
		return f
	}
	f := newFlow(e, "declared "+declared.Name(), token.NoPos, declared, false)
	f.xform = func(e *Engine, in typestate.State) typestate.State {
		return typestate.Intersection(e.policy, in, e.AssignableState(declared))
	}
	actual, loaded := e.declared.LoadOrStore(declared, f)
	if !loaded {
		e.allInstantiated.AddUse(e, actual)
	}
	return actual
}

// FieldFlow returns the shared merge flow for a field or collection-element
// location. key identifies the location across all instances of the holder,
// declared bounds the flow and lets it saturate.
func (e *Engine) FieldFlow(key any, label string, declared *universe.Type) *Flow {
	if f, ok := e.fields.Load(key); ok {
		return f
	}
	f := NewMerge(e, label, token.NoPos, declared, true)
	actual, _ := e.fields.LoadOrStore(key, f)
	return actual
}

// FlowsOf returns m's flow graph under ctx, creating it on first request.
// Creation publishes the parameter/return skeleton before the body is wired,
// so recursive call chains terminate; the first request also marks the
// method reachable.
func (e *Engine) FlowsOf(m *universe.Method, ctx *universe.Context) *MethodFlows {
	if e.builder == nil {
		panic("flow: engine has no graph builder")
	}
	return e.methodState(m).graph(e, ctx)
}

func (e *Engine) methodState(m *universe.Method) *MethodState {
	if st, ok := e.methods.Load(m); ok {
		return st
	}
	actual, _ := e.methods.LoadOrStore(m, newMethodState(m))
	return actual
}

// BuiltFlows returns the graphs already built for m across all contexts
// without creating any. Walking them after the fixpoint leaves
// reachability untouched.
func (e *Engine) BuiltFlows(m *universe.Method) []*MethodFlows {
	if st, ok := e.methods.Load(m); ok {
		return st.Graphs()
	}
	return nil
}

// ReportUnsupported records an unsupported-feature finding. Duplicate
// site/message pairs collapse.
func (e *Engine) ReportUnsupported(pos token.Pos, site, message string) {
	key := site + "\x00" + message
	e.reportMu.Lock()
	defer e.reportMu.Unlock()
	if _, ok := e.reports[key]; ok {
		return
	}
	e.reports[key] = Report{Pos: pos, Site: site, Message: message}
}

// Reports returns the unsupported-feature findings ordered by site, then
// message.
func (e *Engine) Reports() []Report {
	e.reportMu.Lock()
	defer e.reportMu.Unlock()
	out := make([]Report, 0, len(e.reports))
	for _, r := range e.reports {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b Report) int {
		if c := cmp.Compare(a.Site, b.Site); c != 0 {
			return c
		}
		return cmp.Compare(a.Message, b.Message)
	})
	return out
}

// Wait blocks until the propagation graph reaches its fixpoint.
func (e *Engine) Wait() error { return e.exec.Wait() }
