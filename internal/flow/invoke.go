package flow

import (
	"cmp"
	"fmt"
	"go/token"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/715d/typeflow/pkg/typestate"
	"github.com/715d/typeflow/pkg/universe"
)

// CallKind classifies invoke sites.
type CallKind int

const (
	// CallStatic targets a single function known at build time.
	CallStatic CallKind = iota
	// CallSpecial targets a single method but still tracks whether the
	// receiver is ever instantiated.
	CallSpecial
	// CallVirtual dispatches on the dynamic receiver type.
	CallVirtual
	// CallDynamic dispatches through a function value, modeled as virtual
	// dispatch over synthetic function types.
	CallDynamic
)

func (k CallKind) String() string {
	switch k {
	case CallStatic:
		return "static"
	case CallSpecial:
		return "special"
	case CallVirtual:
		return "virtual"
	case CallDynamic:
		return "dynamic"
	default:
		return "invalid"
	}
}

// Invoke is a call site recorded in a method's flow graph.
type Invoke interface {
	Kind() CallKind
	Selector() string
	Pos() token.Pos
	// Callees returns the resolved concrete targets, sorted by method id.
	Callees() []*universe.Method
	Saturated() bool
}

// linkCallee wires the actual argument flows into the callee's formals and
// the callee's return into the actual return flow. Index 0 is the receiver;
// it is fed separately with exact or filtered receiver states.
func linkCallee(e *Engine, params []*Flow, ret *Flow, callee *MethodFlows) {
	e.stats.NoteLink()
	for i := 1; i < len(params); i++ {
		if params[i] == nil {
			continue
		}
		if formal := callee.Param(i); formal != nil {
			params[i].AddUse(e, formal)
		}
	}
	if ret != nil {
		if cret := callee.Return(); cret != nil {
			cret.AddUse(e, ret)
		}
	}
}

// unlinkCallee removes the links installed by linkCallee. Already propagated
// states are not retracted.
func unlinkCallee(params []*Flow, ret *Flow, callee *MethodFlows) {
	for i := 1; i < len(params); i++ {
		if params[i] == nil {
			continue
		}
		if formal := callee.Param(i); formal != nil {
			params[i].RemoveUse(formal)
		}
	}
	if ret != nil {
		if cret := callee.Return(); cret != nil {
			cret.RemoveUse(ret)
		}
	}
}

// StaticInvoke records a statically resolved call edge. The builder links
// caller and callee flows directly; the invoke exists for call graph
// aggregation only.
type StaticInvoke struct {
	callee *universe.Method
	pos    token.Pos
}

// NewStaticInvoke records a static call to callee.
func NewStaticInvoke(callee *universe.Method, pos token.Pos) *StaticInvoke {
	return &StaticInvoke{callee: callee, pos: pos}
}

func (iv *StaticInvoke) Kind() CallKind              { return CallStatic }
func (iv *StaticInvoke) Selector() string            { return iv.callee.Name() }
func (iv *StaticInvoke) Pos() token.Pos              { return iv.pos }
func (iv *StaticInvoke) Callees() []*universe.Method { return []*universe.Method{iv.callee} }
func (iv *StaticInvoke) Saturated() bool             { return false }

// SpecialInvoke is a call with a statically known single target that still
// depends on the receiver: the callee is linked lazily on the first
// non-empty receiver update, so a site whose receiver is never instantiated
// contributes no call edge. Every update forwards the receiver state
// narrowed to the callee's declared receiver type.
type SpecialInvoke struct {
	callee *universe.Method
	pos    token.Pos
	params []*Flow // actual argument flows, receiver at index 0
	ret    *Flow   // actual return flow, nil when the result is unused

	mu    sync.Mutex
	flows *MethodFlows // linked callee graph, nil until the first update
}

// NewSpecialInvoke creates the invoke and starts observing the receiver.
func NewSpecialInvoke(e *Engine, callee *universe.Method, pos token.Pos, receiver *Flow, params []*Flow, ret *Flow) *SpecialInvoke {
	iv := &SpecialInvoke{callee: callee, pos: pos, params: params, ret: ret}
	receiver.AddObserver(e, iv)
	return iv
}

func (iv *SpecialInvoke) Kind() CallKind   { return CallSpecial }
func (iv *SpecialInvoke) Selector() string { return iv.callee.Name() }
func (iv *SpecialInvoke) Pos() token.Pos   { return iv.pos }
func (iv *SpecialInvoke) Saturated() bool  { return false }

// Callees returns the target once the receiver was seen instantiated.
func (iv *SpecialInvoke) Callees() []*universe.Method {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	if iv.flows == nil {
		return nil
	}
	return []*universe.Method{iv.callee}
}

func (iv *SpecialInvoke) observedUpdate(e *Engine, observed *Flow) {
	recv := observed.State()
	if recv.TypesCount() == 0 {
		return
	}
	iv.mu.Lock()
	flows := iv.flows
	iv.mu.Unlock()
	if flows == nil {
		flows = e.FlowsOf(iv.callee, e.policy.EmptyContext())
		linkCallee(e, iv.params, iv.ret, flows)
		iv.mu.Lock()
		iv.flows = flows
		iv.mu.Unlock()
	}
	if r := iv.callee.Receiver(); r != nil {
		recv = typestate.Intersection(e.policy, recv, e.AssignableState(r))
	}
	if formal := flows.Param(0); formal != nil {
		formal.AddInput(e, recv)
	}
}

// observedSaturated keeps the callee fed after the receiver lost precision
// by observing the conservative declared-type flow instead.
func (iv *SpecialInvoke) observedSaturated(e *Engine, observed *Flow) {
	decl := e.DeclaredTypeFlow(observed.Declared())
	if decl != observed {
		decl.AddObserver(e, iv)
	}
}

// VirtualInvoke resolves a dynamically dispatched call site. Every receiver
// type observed on the receiver flow is resolved to a concrete method; each
// resolved callee graph is linked exactly once and its formal receiver is
// fed the exact-type state of the types that resolved to it. Types already
// processed are remembered, so repeat notifications cost new types only.
//
// When the receiver flow saturates, the invoke takes a one-way transition:
// it unlinks its callees, detaches from the receiver, and rebinds its actual
// parameter and return flows to the shared context-insensitive invoke of its
// declared receiver and selector, which observes the declared type flow and
// is conservative but bounded. A clone saturating also marks its original,
// so aggregate callee queries redirect consistently.
type VirtualInvoke struct {
	kind     CallKind
	selector string
	pos      token.Pos
	declRecv *universe.Type
	receiver *Flow
	params   []*Flow // actual argument flows, receiver at index 0
	ret      *Flow   // actual return flow, nil when the result is unused

	// original is the invoke this one was cloned from, nil otherwise.
	original *VirtualInvoke

	// contextInsensitive marks the shared per-selector invoke: its
	// receiver is the declared type flow, already narrowed, so per-update
	// filtering is skipped and saturation does not apply.
	contextInsensitive bool

	mu          sync.Mutex
	seen        typestate.State // receiver types already processed
	callees     []*universe.Method
	calleeFlows []*MethodFlows

	saturated atomic.Bool
	shared    atomic.Pointer[VirtualInvoke] // stored before saturated flips
}

// NewVirtualInvoke creates the invoke and starts observing the receiver.
// declRecv is the static receiver type bounding resolution; params holds the
// actual argument flows with the receiver at index 0.
func NewVirtualInvoke(e *Engine, kind CallKind, selector string, pos token.Pos, declRecv *universe.Type, receiver *Flow, params []*Flow, ret *Flow) *VirtualInvoke {
	if kind != CallVirtual && kind != CallDynamic {
		panic(fmt.Sprintf("flow: invoke kind %s cannot dispatch virtually", kind))
	}
	iv := &VirtualInvoke{
		kind:     kind,
		selector: selector,
		pos:      pos,
		declRecv: declRecv,
		receiver: receiver,
		params:   params,
		ret:      ret,
		seen:     typestate.Empty(),
	}
	receiver.AddObserver(e, iv)
	return iv
}

// Clone derives a context-specific copy observing a new receiver flow.
func (iv *VirtualInvoke) Clone(e *Engine, receiver *Flow, params []*Flow, ret *Flow) *VirtualInvoke {
	orig := iv
	if iv.original != nil {
		orig = iv.original
	}
	c := &VirtualInvoke{
		kind:     iv.kind,
		selector: iv.selector,
		pos:      iv.pos,
		declRecv: iv.declRecv,
		receiver: receiver,
		params:   params,
		ret:      ret,
		original: orig,
		seen:     typestate.Empty(),
	}
	receiver.AddObserver(e, c)
	return c
}

func (iv *VirtualInvoke) Kind() CallKind   { return iv.kind }
func (iv *VirtualInvoke) Selector() string { return iv.selector }
func (iv *VirtualInvoke) Pos() token.Pos   { return iv.pos }
func (iv *VirtualInvoke) Saturated() bool  { return iv.saturated.Load() }

// Callees returns the resolved targets, sorted by method id. A saturated
// invoke answers with the shared context-insensitive invoke's callees.
func (iv *VirtualInvoke) Callees() []*universe.Method {
	if iv.saturated.Load() {
		if sh := iv.shared.Load(); sh != nil {
			return sh.Callees()
		}
		return nil
	}
	iv.mu.Lock()
	out := slices.Clone(iv.callees)
	iv.mu.Unlock()
	slices.SortFunc(out, func(a, b *universe.Method) int { return cmp.Compare(a.ID(), b.ID()) })
	return out
}

func (iv *VirtualInvoke) addCallee(m *universe.Method, flows *MethodFlows) bool {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	if slices.Contains(iv.callees, m) {
		return false
	}
	iv.callees = append(iv.callees, m)
	iv.calleeFlows = append(iv.calleeFlows, flows)
	return true
}

func (iv *VirtualInvoke) observedUpdate(e *Engine, observed *Flow) {
	if iv.saturated.Load() {
		return
	}
	recv := observed.State()
	if !iv.contextInsensitive {
		recv = typestate.Intersection(e.policy, recv, e.AssignableState(iv.declRecv))
	}
	iv.mu.Lock()
	seen := iv.seen
	iv.mu.Unlock()
	for t := range recv.Types() {
		// Linking a callee can feed this same receiver and saturate the
		// invoke mid-loop; the remaining types are the shared invoke's
		// concern then.
		if iv.saturated.Load() {
			return
		}
		if seen.ContainsType(t) {
			continue
		}
		m, err := e.u.ResolveConcreteMethod(t, iv.selector)
		if err != nil {
			e.ReportUnsupported(iv.pos, iv.declRecv.Name()+"."+iv.selector, err.Error())
			continue
		}
		if m == nil || m.IsAbstract() {
			continue
		}
		flows := e.FlowsOf(m, e.policy.EmptyContext())
		if iv.addCallee(m, flows) {
			linkCallee(e, iv.params, iv.ret, flows)
		}
		if formal := flows.Param(0); formal != nil {
			formal.AddInput(e, typestate.ForExactType(e.policy, t, false))
		}
	}
	iv.mu.Lock()
	iv.seen = typestate.Union(e.policy, iv.seen, recv)
	iv.mu.Unlock()
}

func (iv *VirtualInvoke) observedSaturated(e *Engine, _ *Flow) {
	iv.saturate(e)
}

// markSaturated publishes the redirect target before flipping the flag, so
// a Callees reader that observes the flag always finds the shared invoke.
func (iv *VirtualInvoke) markSaturated(sh *VirtualInvoke) bool {
	iv.shared.Store(sh)
	return iv.saturated.CompareAndSwap(false, true)
}

// saturate is the one-way bail-out to context-insensitive linking.
func (iv *VirtualInvoke) saturate(e *Engine) {
	if iv.contextInsensitive {
		return
	}
	sh := e.sharedVirtualInvoke(iv.kind, iv.declRecv, iv.selector, len(iv.params), iv.ret != nil)
	if !iv.markSaturated(sh) {
		return
	}
	e.stats.NoteSaturation()
	if iv.original != nil {
		iv.original.markSaturated(sh)
	}
	iv.receiver.RemoveObserver(iv)

	iv.mu.Lock()
	calleeFlows := iv.calleeFlows
	iv.calleeFlows = nil
	iv.mu.Unlock()
	for _, flows := range calleeFlows {
		unlinkCallee(iv.params, iv.ret, flows)
	}
	// The shared invoke was keyed on this site's shape, so every actual
	// argument has a matching shared flow and a used result has a return.
	for i := 1; i < len(iv.params); i++ {
		if iv.params[i] == nil {
			continue
		}
		iv.params[i].AddUse(e, sh.params[i])
	}
	if iv.ret != nil {
		sh.ret.AddUse(e, iv.ret)
	}
}

type sharedKey struct {
	recv       *universe.Type
	selector   string
	paramCount int
	hasReturn  bool
}

// sharedVirtualInvoke returns the context-insensitive invoke for a declared
// receiver type and selector, creating it on first request. Its receiver is
// the declared type flow, so it resolves against every instantiated
// assignable type; its actual parameter and return flows are merges that
// saturated call sites bind to. The call shape is part of the key: a site
// that discards its result, as go and defer sites do, must not serve as the
// redirect target of one that uses it, or the callee returns would be lost.
func (e *Engine) sharedVirtualInvoke(kind CallKind, declRecv *universe.Type, selector string, paramCount int, hasReturn bool) *VirtualInvoke {
	if paramCount < 1 {
		paramCount = 1
	}
	key := sharedKey{recv: declRecv, selector: selector, paramCount: paramCount, hasReturn: hasReturn}
	if iv, ok := e.shared.Load(key); ok {
		return iv
	}
	label := declRecv.Name() + "." + selector
	recvFlow := e.DeclaredTypeFlow(declRecv)
	params := make([]*Flow, paramCount)
	params[0] = recvFlow
	for i := 1; i < paramCount; i++ {
		params[i] = NewMerge(e, fmt.Sprintf("%s shared arg %d", label, i), token.NoPos, nil, false)
	}
	var ret *Flow
	if hasReturn {
		ret = NewMerge(e, label+" shared return", token.NoPos, nil, false)
	}
	iv := &VirtualInvoke{
		kind:               kind,
		selector:           selector,
		pos:                token.NoPos,
		declRecv:           declRecv,
		receiver:           recvFlow,
		params:             params,
		ret:                ret,
		contextInsensitive: true,
		seen:               typestate.Empty(),
	}
	actual, loaded := e.shared.LoadOrStore(key, iv)
	if !loaded {
		recvFlow.AddObserver(e, actual)
	}
	return actual
}
