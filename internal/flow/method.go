package flow

import (
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/immutable"

	"github.com/715d/typeflow/pkg/universe"
)

// GraphBuilder materializes method flow graphs on demand. NewGraph creates
// the parameter and return skeleton without touching the method body and must
// not re-enter the engine. Build wires the body and may request further
// graphs through Engine.FlowsOf.
type GraphBuilder interface {
	NewGraph(e *Engine, m *universe.Method, ctx *universe.Context) *MethodFlows
	Build(e *Engine, g *MethodFlows)
}

// MethodState tracks one method's flow graphs across calling contexts. The
// context map is persistent and swapped behind an atomic pointer: readers
// take a lock-free snapshot, inserts copy-on-write under the mutex.
type MethodState struct {
	method *universe.Method

	mu    sync.Mutex // serializes graph creation
	flows atomic.Pointer[immutable.Map[*universe.Context, *MethodFlows]]
}

type ctxHasher struct{}

func (ctxHasher) Hash(c *universe.Context) uint32   { return uint32(c.ID()) }
func (ctxHasher) Equal(a, b *universe.Context) bool { return a == b }

func newMethodState(m *universe.Method) *MethodState {
	st := &MethodState{method: m}
	st.flows.Store(immutable.NewMap[*universe.Context, *MethodFlows](ctxHasher{}))
	return st
}

// graph returns the method's flows under ctx, creating them on first
// request. The skeleton is published before the body is built, so a build
// that reaches its own method terminates through the fast path.
func (st *MethodState) graph(e *Engine, ctx *universe.Context) *MethodFlows {
	if g, ok := st.flows.Load().Get(ctx); ok {
		return g
	}
	st.mu.Lock()
	snapshot := st.flows.Load()
	if g, ok := snapshot.Get(ctx); ok {
		st.mu.Unlock()
		return g
	}
	g := e.builder.NewGraph(e, st.method, ctx)
	st.flows.Store(snapshot.Set(ctx, g))
	st.mu.Unlock()

	if st.method.MarkReachable() {
		e.stats.NoteReachable()
	}
	e.builder.Build(e, g)
	return g
}

// Graphs returns a snapshot of all built contexts.
func (st *MethodState) Graphs() []*MethodFlows {
	m := st.flows.Load()
	out := make([]*MethodFlows, 0, m.Len())
	for itr := m.Iterator(); !itr.Done(); {
		_, g, _ := itr.Next()
		out = append(out, g)
	}
	return out
}

// MethodFlows is one method's flow graph under one calling context: the
// formal parameter flows (index 0 is the receiver for methods), the return
// flow, and the invoke sites discovered in the body. Parameters and return
// are fixed at creation; invokes accumulate while the body is built.
type MethodFlows struct {
	method *universe.Method
	ctx    *universe.Context
	params []*Flow
	ret    *Flow

	mu      sync.Mutex
	invokes []Invoke
}

// NewMethodFlows assembles a graph skeleton. ret may be nil for methods
// without results.
func NewMethodFlows(m *universe.Method, ctx *universe.Context, params []*Flow, ret *Flow) *MethodFlows {
	return &MethodFlows{method: m, ctx: ctx, params: params, ret: ret}
}

// Method returns the method the graph belongs to.
func (g *MethodFlows) Method() *universe.Method { return g.method }

// Context returns the calling context the graph was built for.
func (g *MethodFlows) Context() *universe.Context { return g.ctx }

// Param returns the i-th formal parameter flow, or nil when the method has
// no such parameter.
func (g *MethodFlows) Param(i int) *Flow {
	if i < 0 || i >= len(g.params) {
		return nil
	}
	return g.params[i]
}

// ParamCount returns the number of formal parameter flows.
func (g *MethodFlows) ParamCount() int { return len(g.params) }

// Return returns the return flow, nil for methods without results.
func (g *MethodFlows) Return() *Flow { return g.ret }

// AddInvoke records an invoke site discovered in the body.
func (g *MethodFlows) AddInvoke(iv Invoke) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.invokes = append(g.invokes, iv)
}

// Invokes returns a snapshot of the recorded invoke sites.
func (g *MethodFlows) Invokes() []Invoke {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Invoke, len(g.invokes))
	copy(out, g.invokes)
	return out
}
