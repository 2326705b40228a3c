// Package flow implements the propagation graph of the type-flow analysis:
// nodes holding immutable type states, invoke nodes that resolve dynamic call
// sites from receiver states, and the engine that drives everything to a
// fixpoint over an executor.
//
// Each node coalesces incoming states into a pending buffer and runs at most
// one update at a time, guarded by a dirty/active flag pair, so node-local
// bookkeeping needs no further synchronization inside the update. A node's
// published state is replaced, never mutated; downstream nodes receive the
// whole current state and union it in, which keeps propagation monotone and
// insensitive to delivery order.
package flow

import (
	"go/token"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/715d/typeflow/pkg/typestate"
	"github.com/715d/typeflow/pkg/universe"
)

// Observer is notified when a flow it watches publishes a new state or
// saturates. The implementing set is closed: invoke nodes and flows
// themselves (filters re-run when their filter input grows).
type Observer interface {
	observedUpdate(e *Engine, observed *Flow)
	observedSaturated(e *Engine, observed *Flow)
}

// Flow is a propagation-graph vertex holding the over-approximate type state
// of one program location.
type Flow struct {
	label    string
	pos      token.Pos
	declared *universe.Type // conservative bound, nil when unconstrained
	// xform derives the published state from the accumulated raw input.
	// Must be monotone in both the input and any flow state it reads.
	// Nil means identity.
	xform func(e *Engine, in typestate.State) typestate.State
	// saturable flows downgrade to their declared type flow when their
	// state outgrows the policy's saturation cutoff.
	saturable bool

	mu        sync.Mutex
	pending   typestate.State // inputs delivered since the last update
	out       typestate.State // published state
	uses      []*Flow
	useSet    map[*Flow]struct{}
	observers []Observer

	// raw accumulates every input ever delivered. Touched only inside
	// step, which the dirty/active pair serializes.
	raw typestate.State

	dirty     atomic.Bool
	active    atomic.Bool
	saturated atomic.Bool
}

func newFlow(e *Engine, label string, pos token.Pos, declared *universe.Type, saturable bool) *Flow {
	e.stats.NoteFlow()
	return &Flow{
		label:     label,
		pos:       pos,
		declared:  declared,
		saturable: saturable,
		pending:   typestate.Empty(),
		out:       typestate.Empty(),
		raw:       typestate.Empty(),
	}
}

// NewSource creates a node for a state fixed at creation, such as an
// allocation site or a constant. Seed it with AddInput.
func NewSource(e *Engine, label string, pos token.Pos, declared *universe.Type) *Flow {
	return newFlow(e, label, pos, declared, false)
}

// NewMerge creates a node that unions all of its inputs: phis, formal
// parameters, returns and field flows.
func NewMerge(e *Engine, label string, pos token.Pos, declared *universe.Type, saturable bool) *Flow {
	return newFlow(e, label, pos, declared, saturable)
}

// NewIncludeFilter creates the passing branch of a type assertion: input
// narrowed to the types present in the filter flow, which carries the
// instantiated subtypes of the asserted type and grows over time.
func NewIncludeFilter(e *Engine, label string, pos token.Pos, declared *universe.Type, filter *Flow) *Flow {
	f := newFlow(e, label, pos, declared, false)
	f.xform = func(e *Engine, in typestate.State) typestate.State {
		return typestate.Intersection(e.policy, in, filter.State())
	}
	filter.AddObserver(e, f)
	return f
}

// NewExcludeFilter creates the failing branch of a type assertion: input
// minus the types present in the filter flow.
func NewExcludeFilter(e *Engine, label string, pos token.Pos, declared *universe.Type, filter *Flow) *Flow {
	f := newFlow(e, label, pos, declared, false)
	f.xform = func(e *Engine, in typestate.State) typestate.State {
		return typestate.Subtraction(e.policy, in, filter.State())
	}
	filter.AddObserver(e, f)
	return f
}

// NewNullCheck creates a nil-comparison branch. With blockNull the node
// strips nil from the input (the non-nil branch); otherwise it passes only
// the nil value (the nil branch). declared bounds the passing state: a
// bounded non-nil check saturates past the cutoff like any precise flow,
// which is how receiver saturation reaches the invokes observing it.
func NewNullCheck(e *Engine, label string, pos token.Pos, declared *universe.Type, blockNull bool) *Flow {
	f := newFlow(e, label, pos, declared, blockNull && declared != nil)
	if blockNull {
		f.xform = func(_ *Engine, in typestate.State) typestate.State {
			return in.ForCanBeNull(false)
		}
	} else {
		f.xform = func(_ *Engine, in typestate.State) typestate.State {
			if in.CanBeNull() {
				return typestate.Null()
			}
			return typestate.Empty()
		}
	}
	return f
}

// State returns the currently published state.
func (f *Flow) State() typestate.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out
}

// Declared returns the conservative type bound, nil when unconstrained.
func (f *Flow) Declared() *universe.Type { return f.declared }

// Pos returns the program position the flow models.
func (f *Flow) Pos() token.Pos { return f.pos }

// Saturated reports whether the flow gave up precise tracking.
func (f *Flow) Saturated() bool { return f.saturated.Load() }

func (f *Flow) String() string { return f.label }

// AddInput delivers a state to the node. The state is buffered and the node
// is scheduled; repeated deliveries before the update runs coalesce.
func (f *Flow) AddInput(e *Engine, add typestate.State) {
	if typestate.IsEmpty(add) || f.saturated.Load() {
		return
	}
	f.mu.Lock()
	next := typestate.Union(e.policy, f.pending, add)
	changed := !next.Equals(f.pending)
	if changed {
		f.pending = next
	}
	f.mu.Unlock()
	if changed {
		f.signal(e)
	}
}

// AddUse links a downstream node and brings it up to date with the current
// state. On a saturated flow the use is attached to the declared type flow
// instead, which is the conservative approximation the saturated flow stands
// for.
func (f *Flow) AddUse(e *Engine, use *Flow) {
	if f.saturated.Load() {
		e.DeclaredTypeFlow(f.declared).AddUse(e, use)
		return
	}
	f.mu.Lock()
	// Saturation flips the flag before draining the use list under mu;
	// re-checking here keeps a racing use from being stranded on a
	// saturated flow.
	if f.saturated.Load() {
		f.mu.Unlock()
		e.DeclaredTypeFlow(f.declared).AddUse(e, use)
		return
	}
	if f.useSet == nil {
		f.useSet = make(map[*Flow]struct{})
	}
	if _, ok := f.useSet[use]; ok {
		f.mu.Unlock()
		return
	}
	f.useSet[use] = struct{}{}
	f.uses = append(f.uses, use)
	cur := f.out
	f.mu.Unlock()
	use.AddInput(e, cur)
}

// RemoveUse unlinks a downstream node. States already propagated are not
// retracted; the analysis is monotone.
func (f *Flow) RemoveUse(use *Flow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.useSet[use]; !ok {
		return
	}
	delete(f.useSet, use)
	if i := slices.Index(f.uses, use); i >= 0 {
		f.uses = slices.Delete(f.uses, i, i+1)
	}
}

// HasUse reports whether the node is currently linked downstream.
func (f *Flow) HasUse(use *Flow) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.useSet[use]
	return ok
}

// AddObserver registers for update and saturation notifications and delivers
// the current standing, if any.
func (f *Flow) AddObserver(e *Engine, o Observer) {
	if f.saturated.Load() {
		o.observedSaturated(e, f)
		return
	}
	f.mu.Lock()
	if f.saturated.Load() {
		f.mu.Unlock()
		o.observedSaturated(e, f)
		return
	}
	if slices.Contains(f.observers, o) {
		f.mu.Unlock()
		return
	}
	f.observers = append(f.observers, o)
	cur := f.out
	f.mu.Unlock()
	if !typestate.IsEmpty(cur) {
		o.observedUpdate(e, f)
	}
}

// RemoveObserver deregisters an observer.
func (f *Flow) RemoveObserver(o Observer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i := slices.Index(f.observers, o); i >= 0 {
		f.observers = slices.Delete(f.observers, i, i+1)
	}
}

// observedUpdate re-schedules the flow when a watched input, such as a
// filter's type set, grows.
func (f *Flow) observedUpdate(e *Engine, _ *Flow) { f.signal(e) }

func (f *Flow) observedSaturated(e *Engine, _ *Flow) { f.signal(e) }

// signal marks the node dirty and activates it unless an update is already
// running; the running update re-checks the dirty flag before retiring.
func (f *Flow) signal(e *Engine) {
	f.dirty.Store(true)
	if f.active.CompareAndSwap(false, true) {
		e.exec.Post(func() { f.run(e) })
	}
}

func (f *Flow) run(e *Engine) {
	for {
		f.dirty.Store(false)
		f.step(e)
		f.active.Store(false)
		if !f.dirty.Load() {
			return
		}
		if !f.active.CompareAndSwap(false, true) {
			return
		}
	}
}

// step drains the pending buffer, recomputes the published state and
// propagates a change to uses and observers.
func (f *Flow) step(e *Engine) {
	if f.saturated.Load() {
		return
	}
	f.mu.Lock()
	pend := f.pending
	f.pending = typestate.Empty()
	out := f.out
	f.mu.Unlock()

	var next typestate.State
	if f.xform != nil {
		f.raw = typestate.Union(e.policy, f.raw, pend)
		next = f.xform(e, f.raw)
	} else {
		next = pend
	}
	next = typestate.Union(e.policy, out, next)
	if next.Equals(out) {
		return
	}

	f.mu.Lock()
	f.out = next
	uses := slices.Clone(f.uses)
	observers := slices.Clone(f.observers)
	f.mu.Unlock()
	e.stats.NoteUpdate()

	saturating := f.saturable && f.declared != nil && next.TypesCount() > e.policy.SaturationCutoff()
	for _, use := range uses {
		use.AddInput(e, next)
	}
	if saturating {
		f.saturate(e)
		return
	}
	for _, o := range observers {
		o.observedUpdate(e, f)
	}
}

// saturate is the one-way downgrade: the flow freezes, its uses are rebound
// to the declared type flow, and observers are told to take their own
// conservative path.
func (f *Flow) saturate(e *Engine) {
	if !f.saturated.CompareAndSwap(false, true) {
		return
	}
	e.stats.NoteSaturation()
	f.mu.Lock()
	uses := f.uses
	observers := f.observers
	f.uses = nil
	f.useSet = nil
	f.observers = nil
	f.mu.Unlock()

	decl := e.DeclaredTypeFlow(f.declared)
	for _, use := range uses {
		decl.AddUse(e, use)
	}
	for _, o := range observers {
		o.observedSaturated(e, f)
	}
}
