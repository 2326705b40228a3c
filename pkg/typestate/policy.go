package typestate

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/715d/typeflow/pkg/universe"
)

// DefaultSaturationCutoff is the number of receiver types an invoke site
// tracks precisely before it saturates to the context-insensitive path.
const DefaultSaturationCutoff = 20

// Recorder observes type-state creation and union operations for reporting.
// Implementations must be side-effect free with respect to analysis results;
// the engine behaves identically with the no-op recorder.
type Recorder interface {
	RecordState(s State)
	RecordUnion(s1, s2, result State)
}

type nopRecorder struct{}

func (nopRecorder) RecordState(State) {}

func (nopRecorder) RecordUnion(State, State, State) {}

// NopRecorder returns the recorder that drops everything.
func NopRecorder() Recorder { return nopRecorder{} }

// Policy parameterizes context sensitivity and implements the shape-pair set
// algebra. A single policy is selected per analysis run; the lattice code
// never hard-codes a sensitivity choice. The dispatchers in this package
// handle the Empty/Null operands and operand ordering, then hand concrete
// shape pairs to the policy.
type Policy interface {
	// Universe returns the registry the policy resolves type identifiers
	// against and mints objects from.
	Universe() *universe.Universe

	// ContextSensitive reports whether allocations are tracked per
	// allocation site rather than collapsed per type.
	ContextSensitive() bool

	// MergingEnabled reports whether object-merge bookkeeping is active.
	MergingEnabled() bool

	// ExtendedChecks reports whether expensive debug assertions run.
	ExtendedChecks() bool

	// SaturationCutoff returns the precision budget for invoke sites.
	SaturationCutoff() int

	// Recorder returns the diagnostics collector, never nil.
	Recorder() Recorder

	// EmptyContext returns the context used when a call site provides no
	// richer key.
	EmptyContext() *universe.Context

	// MakeContext maps a call-site key to the context callee linking is
	// keyed by.
	MakeContext(key any) *universe.Context

	// HeapObject returns the abstract object modeling an allocation site.
	HeapObject(t *universe.Type, site int, ctx *universe.Context) *universe.Object

	// ConstantObject returns the abstract object modeling a typed constant.
	ConstantObject(t *universe.Type) *universe.Object

	UnionSingles(s1, s2 *Single) State
	UnionMultiSingle(s1 *Multi, s2 *Single) State
	UnionMultis(s1, s2 *Multi) State

	IntersectSingles(s1, s2 *Single) State
	IntersectSingleMulti(s1 *Single, s2 *Multi) State
	IntersectMultiSingle(s1 *Multi, s2 *Single) State
	IntersectMultis(s1, s2 *Multi) State

	SubtractSingles(s1, s2 *Single) State
	SubtractSingleMulti(s1 *Single, s2 *Multi) State
	SubtractMultiSingle(s1 *Multi, s2 *Single) State
	SubtractMultis(s1, s2 *Multi) State
}

// PolicyConfig carries the tunables shared by policy implementations.
type PolicyConfig struct {
	// ExtendedChecks enables the debug assertions the production fast path
	// skips, such as the instantiated-types precondition on filters.
	ExtendedChecks bool

	// SaturationCutoff overrides DefaultSaturationCutoff when positive.
	SaturationCutoff int

	// Recorder collects type-state statistics. Nil means no-op.
	Recorder Recorder
}

// ContextInsensitivePolicy collapses every allocation, constant and clone to
// the single canonical object of its type: one abstract object per type, one
// empty context per run, merging bookkeeping off.
type ContextInsensitivePolicy struct {
	u        *universe.Universe
	extended bool
	cutoff   int
	recorder Recorder
	emptyCtx *universe.Context
}

// NewContextInsensitivePolicy builds the default policy over a universe.
func NewContextInsensitivePolicy(u *universe.Universe, cfg PolicyConfig) *ContextInsensitivePolicy {
	cutoff := cfg.SaturationCutoff
	if cutoff <= 0 {
		cutoff = DefaultSaturationCutoff
	}
	rec := cfg.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	return &ContextInsensitivePolicy{
		u:        u,
		extended: cfg.ExtendedChecks,
		cutoff:   cutoff,
		recorder: rec,
		emptyCtx: universe.NewContext(0, nil),
	}
}

func (p *ContextInsensitivePolicy) Universe() *universe.Universe { return p.u }

func (p *ContextInsensitivePolicy) ContextSensitive() bool { return false }

func (p *ContextInsensitivePolicy) MergingEnabled() bool { return false }

func (p *ContextInsensitivePolicy) ExtendedChecks() bool { return p.extended }

func (p *ContextInsensitivePolicy) SaturationCutoff() int { return p.cutoff }

func (p *ContextInsensitivePolicy) Recorder() Recorder { return p.recorder }

func (p *ContextInsensitivePolicy) EmptyContext() *universe.Context { return p.emptyCtx }

// MakeContext ignores the key: one context exists per run.
func (p *ContextInsensitivePolicy) MakeContext(any) *universe.Context { return p.emptyCtx }

// HeapObject collapses allocation sites to the type's canonical object.
func (p *ContextInsensitivePolicy) HeapObject(t *universe.Type, _ int, _ *universe.Context) *universe.Object {
	return t.CanonicalObject()
}

// ConstantObject collapses constants to the type's canonical object.
func (p *ContextInsensitivePolicy) ConstantObject(t *universe.Type) *universe.Object {
	return t.CanonicalObject()
}

func (p *ContextInsensitivePolicy) UnionSingles(s1, s2 *Single) State {
	if s1.Equals(s2) {
		return s1
	}
	resultCanBeNull := s1.canBeNull || s2.canBeNull
	if s1.typ == s2.typ {
		// Same type, different nullability: one operand already carries
		// the OR'd flag, so no new instance is needed.
		if s1.canBeNull == resultCanBeNull {
			return s1
		}
		if s2.canBeNull == resultCanBeNull {
			return s2
		}
		panic("typestate: same-type singles differ in neither type nor nullability")
	}
	// Two distinct types: build the two-bit set directly.
	b := bitset.New(uint(max(s1.typ.ID(), s2.typ.ID())) + 1)
	b.Set(uint(s1.typ.ID()))
	b.Set(uint(s2.typ.ID()))
	result := newMulti(p.u, resultCanBeNull, b)
	p.recorder.RecordUnion(s1, s2, result)
	return result
}

func (p *ContextInsensitivePolicy) UnionMultiSingle(s1 *Multi, s2 *Single) State {
	resultCanBeNull := s1.canBeNull || s2.canBeNull
	if s1.ContainsType(s2.typ) {
		return s1.ForCanBeNull(resultCanBeNull)
	}
	b := s1.bits.Clone()
	b.Set(uint(s2.typ.ID()))
	result := newMulti(p.u, resultCanBeNull, b)
	p.recorder.RecordUnion(s1, s2, result)
	return result
}

// UnionMultis expects the operand with more objects first; the dispatcher
// guarantees the order.
func (p *ContextInsensitivePolicy) UnionMultis(s1, s2 *Multi) State {
	resultCanBeNull := s1.canBeNull || s2.canBeNull

	// Nullability siblings share bitset pointers, so pointer equality is a
	// full content check.
	if s1.bits == s2.bits {
		return s1.ForCanBeNull(resultCanBeNull)
	}
	// Speculate that s1 covers s2 before computing the full union.
	if s1.bits.IsSuperSet(s2.bits) {
		return s1.ForCanBeNull(resultCanBeNull)
	}

	result := newMulti(p.u, resultCanBeNull, s1.bits.Union(s2.bits))
	// The union can collapse back to s2 only when the type counts match.
	// The comparison is on type content alone; nullability is re-applied to
	// the operand so a stable fixpoint allocates nothing new.
	if result.typesCount == s2.typesCount && result.bits.Equal(s2.bits) {
		return s2.ForCanBeNull(resultCanBeNull)
	}
	p.recorder.RecordUnion(s1, s2, result)
	return result
}

func (p *ContextInsensitivePolicy) IntersectSingles(s1, s2 *Single) State {
	resultCanBeNull := s1.canBeNull && s2.canBeNull
	if s1.typ == s2.typ {
		return s1.ForCanBeNull(resultCanBeNull)
	}
	return theEmpty.ForCanBeNull(resultCanBeNull)
}

func (p *ContextInsensitivePolicy) IntersectSingleMulti(s1 *Single, s2 *Multi) State {
	resultCanBeNull := s1.canBeNull && s2.canBeNull
	if s2.ContainsType(s1.typ) {
		return s1.ForCanBeNull(resultCanBeNull)
	}
	return theEmpty.ForCanBeNull(resultCanBeNull)
}

func (p *ContextInsensitivePolicy) IntersectMultiSingle(s1 *Multi, s2 *Single) State {
	p.assertCanonicalFilter(s2)
	resultCanBeNull := s1.canBeNull && s2.canBeNull
	if s1.ContainsType(s2.typ) {
		return s2.ForCanBeNull(resultCanBeNull)
	}
	return theEmpty.ForCanBeNull(resultCanBeNull)
}

func (p *ContextInsensitivePolicy) IntersectMultis(s1, s2 *Multi) State {
	resultCanBeNull := s1.canBeNull && s2.canBeNull

	// Speculate that the operands hold the same types.
	if s1.bits.Equal(s2.bits) {
		return s1.ForCanBeNull(resultCanBeNull)
	}
	// Speculate that the operands share no types.
	if s1.bits.IntersectionCardinality(s2.bits) == 0 {
		return theEmpty.ForCanBeNull(resultCanBeNull)
	}
	// Speculate that the filter covers s1 entirely.
	if s2.bits.IsSuperSet(s1.bits) {
		return s1.ForCanBeNull(resultCanBeNull)
	}

	b := s1.bits.Intersection(s2.bits)
	switch card := int(b.Count()); {
	case card == 0:
		return theEmpty.ForCanBeNull(resultCanBeNull)
	case card == 1:
		id, _ := b.NextSet(0)
		return p.singleForType(p.u.TypeByID(int(id)), resultCanBeNull)
	default:
		result := newMulti(p.u, resultCanBeNull, b)
		// The intersection can collapse back to s1 only when the type
		// counts match.
		if s1.typesCount == s2.typesCount && result.Equals(s1) {
			return s1.ForCanBeNull(resultCanBeNull)
		}
		return result
	}
}

func (p *ContextInsensitivePolicy) SubtractSingles(s1, s2 *Single) State {
	resultCanBeNull := s1.canBeNull && !s2.canBeNull
	if s1.typ == s2.typ {
		return theEmpty.ForCanBeNull(resultCanBeNull)
	}
	return s1.ForCanBeNull(resultCanBeNull)
}

func (p *ContextInsensitivePolicy) SubtractSingleMulti(s1 *Single, s2 *Multi) State {
	resultCanBeNull := s1.canBeNull && !s2.canBeNull
	if s2.ContainsType(s1.typ) {
		return theEmpty.ForCanBeNull(resultCanBeNull)
	}
	return s1.ForCanBeNull(resultCanBeNull)
}

func (p *ContextInsensitivePolicy) SubtractMultiSingle(s1 *Multi, s2 *Single) State {
	p.assertCanonicalFilter(s2)
	resultCanBeNull := s1.canBeNull && !s2.canBeNull
	if !s1.ContainsType(s2.typ) {
		return s1.ForCanBeNull(resultCanBeNull)
	}
	b := s1.bits.Clone()
	b.Clear(uint(s2.typ.ID()))
	// s1 holds at least two types, so clearing one leaves at least one.
	if b.Count() == 1 {
		id, _ := b.NextSet(0)
		return p.singleForType(p.u.TypeByID(int(id)), resultCanBeNull)
	}
	return newMulti(p.u, resultCanBeNull, b)
}

func (p *ContextInsensitivePolicy) SubtractMultis(s1, s2 *Multi) State {
	resultCanBeNull := s1.canBeNull && !s2.canBeNull

	// Speculate that the operands hold the same types.
	if s1.bits.Equal(s2.bits) {
		return theEmpty.ForCanBeNull(resultCanBeNull)
	}
	// Speculate that the operands share no types.
	if s1.bits.IntersectionCardinality(s2.bits) == 0 {
		return s1.ForCanBeNull(resultCanBeNull)
	}
	// Speculate that the filter covers s1 entirely.
	if s2.bits.IsSuperSet(s1.bits) {
		return theEmpty.ForCanBeNull(resultCanBeNull)
	}

	b := s1.bits.Difference(s2.bits)
	switch card := int(b.Count()); {
	case card == 0:
		return theEmpty.ForCanBeNull(resultCanBeNull)
	case card == 1:
		id, _ := b.NextSet(0)
		return p.singleForType(p.u.TypeByID(int(id)), resultCanBeNull)
	default:
		return newMulti(p.u, resultCanBeNull, b)
	}
}

func (p *ContextInsensitivePolicy) singleForType(t *universe.Type, canBeNull bool) *Single {
	s := newSingle(t, canBeNull, []*universe.Object{t.CanonicalObject()})
	p.recorder.RecordState(s)
	return s
}

// assertCanonicalFilter verifies, under extended checks, that a single-type
// filter operand carries only its type's canonical object. Filtering against
// context-sensitive operands is not supported.
func (p *ContextInsensitivePolicy) assertCanonicalFilter(s *Single) {
	if !p.extended {
		return
	}
	if len(s.objects) != 1 || s.objects[0] != s.typ.CanonicalObject() {
		panic("typestate: context-sensitive filter operand")
	}
}
