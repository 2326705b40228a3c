// Package typestate implements the immutable lattice value at the core of the
// type-flow analysis: the over-approximate set of concrete runtime types that
// may reach a program location, plus whether the location may hold nil.
//
// A State has one of four shapes. Empty and Null are process-wide singletons
// compared by identity. Single carries exactly one type and its abstract
// objects. Multi carries two or more types as a bitset over dense type
// identifiers; constructing a Multi with fewer than two types is an invariant
// violation and panics. All shapes are immutable after construction except
// for a monotonic merged flag; every update of a flow node replaces its State
// reference instead of mutating the value in place, so published states are
// safe to read from any goroutine.
//
// The set algebra (Union, Intersection, Subtraction) dispatches over the
// shape pair through the active Policy after handling the Empty/Null cases,
// so the same propagation code runs under any context-sensitivity mode.
package typestate

import (
	"fmt"
	"iter"

	"github.com/bits-and-blooms/bitset"

	"github.com/715d/typeflow/pkg/universe"
)

// State is the lattice value. The implementing set is closed: Empty(),
// Null(), *Single and *Multi.
type State interface {
	// TypesCount returns the number of types in the set. Zero identifies
	// Empty and Null.
	TypesCount() int

	// ExactType returns the state's only type, or nil when the state holds
	// zero or several types.
	ExactType() *universe.Type

	// ContainsType reports whether the exact type is in the set.
	ContainsType(t *universe.Type) bool

	// Types iterates the type set in ascending type identifier order.
	Types() iter.Seq[*universe.Type]

	// ObjectsCount returns the number of abstract objects.
	ObjectsCount() int

	// Objects returns the abstract objects sorted by object identifier.
	// The slice must not be mutated.
	Objects() []*universe.Object

	// ObjectsOfType returns the objects whose exact type is t. Shapes that
	// defer per-type object materialization panic.
	ObjectsOfType(t *universe.Type) []*universe.Object

	// ContainsObject reports whether the object is in the set, by
	// identifier.
	ContainsObject(o *universe.Object) bool

	// CanBeNull reports whether the state includes the nil value.
	CanBeNull() bool

	// ForCanBeNull returns the receiver when the nullability already
	// matches, otherwise a new state with flipped nullability sharing the
	// receiver's type content.
	ForCanBeNull(canBeNull bool) State

	// ExactTypeState narrows the state to the given type: a single-type
	// state when t is a member, Empty otherwise. Nullability is preserved.
	ExactTypeState(t *universe.Type) State

	// NoteMerge marks the state's objects as merged with their canonical
	// representatives. Calling it while the policy has merging bookkeeping
	// disabled is a programming error.
	NoteMerge(p Policy)

	// Merged reports whether NoteMerge was observed.
	Merged() bool

	// Equals is semantic equality: same shape, same nullability, same type
	// content. It never compares object arrays, so it stays O(words).
	Equals(o State) bool

	fmt.Stringer

	sealed()
}

type emptyState struct{}

type nullState struct{}

var (
	theEmpty = &emptyState{}
	theNull  = &nullState{}
)

// Empty returns the singleton state with no types and no nil.
func Empty() State { return theEmpty }

// Null returns the singleton state holding only the nil value.
func Null() State { return theNull }

func (*emptyState) TypesCount() int { return 0 }

func (*emptyState) ExactType() *universe.Type { return nil }

func (*emptyState) ContainsType(*universe.Type) bool { return false }

func (*emptyState) Types() iter.Seq[*universe.Type] { return emptyTypes }

func (*emptyState) ObjectsCount() int { return 0 }

func (*emptyState) Objects() []*universe.Object { return nil }

func (*emptyState) ObjectsOfType(*universe.Type) []*universe.Object { return nil }

func (*emptyState) ContainsObject(*universe.Object) bool { return false }

func (*emptyState) CanBeNull() bool { return false }

func (e *emptyState) ExactTypeState(*universe.Type) State { return e }

func (*emptyState) NoteMerge(Policy) {}

func (*emptyState) Merged() bool { return false }

func (e *emptyState) Equals(o State) bool { return State(e) == o }

func (*emptyState) String() string { return "Empty" }

func (*emptyState) sealed() {}

func (*emptyState) ForCanBeNull(canBeNull bool) State {
	if canBeNull {
		return theNull
	}
	return theEmpty
}

func (*nullState) TypesCount() int { return 0 }

func (*nullState) ExactType() *universe.Type { return nil }

func (*nullState) ContainsType(*universe.Type) bool { return false }

func (*nullState) Types() iter.Seq[*universe.Type] { return emptyTypes }

func (*nullState) ObjectsCount() int { return 0 }

func (*nullState) Objects() []*universe.Object { return nil }

func (*nullState) ObjectsOfType(*universe.Type) []*universe.Object { return nil }

func (*nullState) ContainsObject(*universe.Object) bool { return false }

func (*nullState) CanBeNull() bool { return true }

func (n *nullState) ExactTypeState(*universe.Type) State { return n }

func (*nullState) NoteMerge(Policy) {}

func (*nullState) Merged() bool { return false }

func (n *nullState) Equals(o State) bool { return State(n) == o }

func (*nullState) String() string { return "Null" }

func (*nullState) sealed() {}

func (*nullState) ForCanBeNull(canBeNull bool) State {
	if canBeNull {
		return theNull
	}
	return theEmpty
}

func emptyTypes(func(*universe.Type) bool) {}

// IsEmpty reports whether s is the Empty singleton.
func IsEmpty(s State) bool { return s == State(theEmpty) }

// IsNull reports whether s is the Null singleton.
func IsNull(s State) bool { return s == State(theNull) }

// IsSingle reports whether s holds exactly one type.
func IsSingle(s State) bool {
	_, ok := s.(*Single)
	return ok
}

// IsMulti reports whether s holds two or more types.
func IsMulti(s State) bool {
	_, ok := s.(*Multi)
	return ok
}

// IsAllocation reports whether s wraps exactly one allocation-site object.
func IsAllocation(s State) bool {
	single, ok := s.(*Single)
	return ok && len(single.objects) == 1 && single.objects[0].Kind() == universe.ObjectAllocation
}

// IsConstant reports whether s wraps exactly one constant object.
func IsConstant(s State) bool {
	single, ok := s.(*Single)
	return ok && len(single.objects) == 1 && single.objects[0].Kind() == universe.ObjectConstant
}

// ForExactType wraps a type into a state holding the type's canonical
// object. Interfaces are never exact runtime types.
func ForExactType(p Policy, t *universe.Type, canBeNull bool) State {
	if t.IsInterface() {
		panic(fmt.Sprintf("typestate: exact state for interface type %s", t))
	}
	s := newSingle(t, canBeNull, []*universe.Object{t.CanonicalObject()})
	p.Recorder().RecordState(s)
	return s
}

// ForNonNullObject wraps a single abstract object into a non-null state.
func ForNonNullObject(p Policy, o *universe.Object) State {
	s := newSingle(o.Type(), false, []*universe.Object{o})
	p.Recorder().RecordState(s)
	return s
}

// ForNonNullObjects wraps several abstract objects of one exact type into a
// non-null state. The slice is copied and sorted by object identifier.
func ForNonNullObjects(p Policy, objects ...*universe.Object) State {
	if len(objects) == 0 {
		panic("typestate: single-type state needs at least one object")
	}
	objs := make([]*universe.Object, len(objects))
	copy(objs, objects)
	universe.SortObjects(objs)
	s := newSingle(objs[0].Type(), false, objs)
	p.Recorder().RecordState(s)
	return s
}

// ForAllocation wraps the abstract object the policy mints for an allocation
// site into a non-null state. Under the context-insensitive policy every
// allocation of a type collapses to the type's canonical object.
func ForAllocation(p Policy, t *universe.Type, site int) State {
	if t.IsInterface() {
		panic(fmt.Sprintf("typestate: allocation of interface type %s", t))
	}
	return ForNonNullObject(p, p.HeapObject(t, site, p.EmptyContext()))
}

// ForConstant wraps the abstract object the policy mints for a typed program
// constant into a non-null state.
func ForConstant(p Policy, t *universe.Type) State {
	if t.IsInterface() {
		panic(fmt.Sprintf("typestate: constant of interface type %s", t))
	}
	return ForNonNullObject(p, p.ConstantObject(t))
}

// ForTypes builds a state over a fixed set of concrete types, collapsing
// duplicates: Empty or Null for zero types, a single-type state for one, a
// multi-type state otherwise. Used for type sets known up front, such as the
// concrete subtypes of a declared type.
func ForTypes(p Policy, canBeNull bool, types ...*universe.Type) State {
	if len(types) == 0 {
		return theEmpty.ForCanBeNull(canBeNull)
	}
	maxID := 0
	for _, t := range types {
		if t.IsInterface() {
			panic(fmt.Sprintf("typestate: state over interface type %s", t))
		}
		maxID = max(maxID, t.ID())
	}
	b := bitset.New(uint(maxID) + 1)
	for _, t := range types {
		b.Set(uint(t.ID()))
	}
	if b.Count() == 1 {
		s := newSingle(types[0], canBeNull, []*universe.Object{types[0].CanonicalObject()})
		p.Recorder().RecordState(s)
		return s
	}
	s := newMulti(p.Universe(), canBeNull, b)
	p.Recorder().RecordState(s)
	return s
}

// ForContextInsensitive simplifies a state by replacing context-sensitive
// objects with the canonical objects of their types. States produced by a
// context-insensitive policy are returned unchanged.
func ForContextInsensitive(p Policy, s State) State {
	if !p.ContextSensitive() || IsEmpty(s) || IsNull(s) {
		return s
	}
	if single, ok := s.(*Single); ok {
		canonical := single.typ.CanonicalObject()
		if len(single.objects) == 1 && single.objects[0] == canonical {
			return single
		}
		return newSingle(single.typ, single.canBeNull, []*universe.Object{canonical})
	}
	// Multi states track types only, so they are context insensitive by
	// construction.
	return s
}

// Union joins two states through the policy: type-set union, nullability OR.
func Union(p Policy, s1, s2 State) State {
	if IsEmpty(s1) {
		return s2
	}
	if IsNull(s1) {
		return s2.ForCanBeNull(true)
	}
	if IsEmpty(s2) {
		return s1
	}
	if IsNull(s2) {
		return s1.ForCanBeNull(true)
	}
	switch a := s1.(type) {
	case *Single:
		switch b := s2.(type) {
		case *Single:
			return p.UnionSingles(a, b)
		case *Multi:
			return p.UnionMultiSingle(b, a)
		}
	case *Multi:
		switch b := s2.(type) {
		case *Single:
			return p.UnionMultiSingle(a, b)
		case *Multi:
			// Keep the larger operand first so speculation sees a
			// canonical argument order.
			if a.ObjectsCount() >= b.ObjectsCount() {
				return p.UnionMultis(a, b)
			}
			return p.UnionMultis(b, a)
		}
	}
	panic(fmt.Sprintf("typestate: union of unhandled shapes %T and %T", s1, s2))
}

// Intersection filters s1 down to the types also present in s2, nullability
// AND. Every type in s1 must already be marked instantiated: the filter state
// s2 is maintained from instantiation events, so an uninstantiated type in
// the input could be silently missed. The precondition is verified only under
// extended checks.
func Intersection(p Policy, s1, s2 State) State {
	if p.ExtendedChecks() {
		checkTypesInstantiated(s1)
	}
	if IsEmpty(s1) {
		return s1
	}
	if IsNull(s1) {
		return s1.ForCanBeNull(s2.CanBeNull())
	}
	if IsEmpty(s2) {
		return s2
	}
	if IsNull(s2) {
		return s2.ForCanBeNull(s1.CanBeNull())
	}
	switch a := s1.(type) {
	case *Single:
		switch b := s2.(type) {
		case *Single:
			return p.IntersectSingles(a, b)
		case *Multi:
			return p.IntersectSingleMulti(a, b)
		}
	case *Multi:
		switch b := s2.(type) {
		case *Single:
			return p.IntersectMultiSingle(a, b)
		case *Multi:
			return p.IntersectMultis(a, b)
		}
	}
	panic(fmt.Sprintf("typestate: intersection of unhandled shapes %T and %T", s1, s2))
}

// Subtraction removes the types of s2 from s1, nullability AND NOT. The same
// instantiated-types precondition as Intersection applies to s1.
func Subtraction(p Policy, s1, s2 State) State {
	if p.ExtendedChecks() {
		checkTypesInstantiated(s1)
	}
	if IsEmpty(s1) {
		return s1
	}
	if IsNull(s1) {
		return s1.ForCanBeNull(!s2.CanBeNull())
	}
	if IsEmpty(s2) {
		return s1
	}
	if IsNull(s2) {
		return s1.ForCanBeNull(false)
	}
	switch a := s1.(type) {
	case *Single:
		switch b := s2.(type) {
		case *Single:
			return p.SubtractSingles(a, b)
		case *Multi:
			return p.SubtractSingleMulti(a, b)
		}
	case *Multi:
		switch b := s2.(type) {
		case *Single:
			return p.SubtractMultiSingle(a, b)
		case *Multi:
			return p.SubtractMultis(a, b)
		}
	}
	panic(fmt.Sprintf("typestate: subtraction of unhandled shapes %T and %T", s1, s2))
}

func checkTypesInstantiated(s State) {
	for t := range s.Types() {
		if !t.IsInstantiated() {
			panic(fmt.Sprintf("typestate: filtering a type not yet marked as instantiated: %s", t))
		}
	}
}
