package typestate

import (
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/stretchr/testify/require"

	"github.com/715d/typeflow/pkg/universe"
)

type world struct {
	u              *universe.Universe
	p              *ContextInsensitivePolicy
	t1, t2, t3, t4 *universe.Type
}

func newWorld(t *testing.T, cfg PolicyConfig) *world {
	t.Helper()
	u := universe.New()
	w := &world{
		u:  u,
		t1: u.RegisterSyntheticType("demo.Conn", false),
		t2: u.RegisterSyntheticType("demo.Pipe", false),
		t3: u.RegisterSyntheticType("demo.File", false),
		t4: u.RegisterSyntheticType("demo.Buf", false),
	}
	u.Seal()
	for _, typ := range []*universe.Type{w.t1, w.t2, w.t3} {
		typ.MarkInstantiated()
	}
	w.p = NewContextInsensitivePolicy(u, cfg)
	return w
}

// multi builds a multi-type state directly, bypassing the union fast paths.
func (w *world) multi(canBeNull bool, types ...*universe.Type) *Multi {
	b := bitset.New(8)
	for _, typ := range types {
		b.Set(uint(typ.ID()))
	}
	return newMulti(w.u, canBeNull, b)
}

func TestSingletonShapes(t *testing.T) {
	empty := Empty()
	null := Null()

	require.True(t, IsEmpty(empty))
	require.False(t, IsNull(empty))
	require.Zero(t, empty.TypesCount())
	require.Zero(t, empty.ObjectsCount())
	require.False(t, empty.CanBeNull())
	require.Nil(t, empty.ExactType())

	require.True(t, IsNull(null))
	require.False(t, IsEmpty(null))
	require.Zero(t, null.TypesCount())
	require.Zero(t, null.ObjectsCount())
	require.True(t, null.CanBeNull())

	require.False(t, empty.Equals(null))
	require.False(t, null.Equals(empty))
	require.Same(t, empty, Empty(), "Empty is a process singleton")
	require.Same(t, null, Null(), "Null is a process singleton")
}

func TestSingletonNullabilityToggle(t *testing.T) {
	require.Same(t, Null(), Empty().ForCanBeNull(true))
	require.Same(t, Empty(), Empty().ForCanBeNull(false))
	require.Same(t, Empty(), Null().ForCanBeNull(false))
	require.Same(t, Null(), Null().ForCanBeNull(true))
}

func TestForExactType(t *testing.T) {
	w := newWorld(t, PolicyConfig{})

	s := ForExactType(w.p, w.t1, false)
	require.True(t, IsSingle(s))
	require.Equal(t, 1, s.TypesCount())
	require.Same(t, w.t1, s.ExactType())
	require.True(t, s.ContainsType(w.t1))
	require.False(t, s.ContainsType(w.t2))
	require.False(t, s.CanBeNull())
	require.Equal(t, 1, s.ObjectsCount())
	require.Same(t, w.t1.CanonicalObject(), s.Objects()[0])

	nullable := ForExactType(w.p, w.t1, true)
	require.True(t, nullable.CanBeNull())
	require.False(t, s.Equals(nullable), "nullability is part of equality")
}

func TestForExactTypeRejectsInterfaces(t *testing.T) {
	u := universe.New()
	iface := u.RegisterSyntheticType("demo.Closer", true)
	u.Seal()
	p := NewContextInsensitivePolicy(u, PolicyConfig{})

	require.Panics(t, func() { ForExactType(p, iface, false) })
	require.Panics(t, func() { ForAllocation(p, iface, 0) })
	require.Panics(t, func() { ForConstant(p, iface) })
}

func TestForCanBeNullShortCircuit(t *testing.T) {
	w := newWorld(t, PolicyConfig{})

	states := []State{
		Empty(),
		Null(),
		ForExactType(w.p, w.t1, false),
		ForExactType(w.p, w.t2, true),
		w.multi(false, w.t1, w.t2),
		w.multi(true, w.t2, w.t3),
	}
	for _, s := range states {
		require.Same(t, s, s.ForCanBeNull(s.CanBeNull()), "matching flag returns the receiver: %s", s)

		flipped := s.ForCanBeNull(!s.CanBeNull())
		require.Equal(t, !s.CanBeNull(), flipped.CanBeNull())
		require.Equal(t, s.TypesCount(), flipped.TypesCount())
		restored := flipped.ForCanBeNull(s.CanBeNull())
		require.True(t, s.Equals(restored), "double flip restores content equality: %s", s)
	}
}

func TestNullabilitySiblingsShareSubstructure(t *testing.T) {
	w := newWorld(t, PolicyConfig{})

	single := ForExactType(w.p, w.t1, false).(*Single)
	sibling := single.ForCanBeNull(true).(*Single)
	require.Same(t, single.typ, sibling.typ)
	require.Same(t, &single.objects[0], &sibling.objects[0], "object slice is shared, not copied")

	multi := w.multi(false, w.t1, w.t2)
	msibling := multi.ForCanBeNull(true).(*Multi)
	require.Same(t, multi.bits, msibling.bits)
	require.Equal(t, multi.typesCount, msibling.typesCount)
}

func TestMultiConstructionInvariant(t *testing.T) {
	w := newWorld(t, PolicyConfig{})

	require.Panics(t, func() {
		newMulti(w.u, false, bitset.New(4))
	}, "zero types must be Empty or Null")

	one := bitset.New(4)
	one.Set(uint(w.t1.ID()))
	require.Panics(t, func() {
		newMulti(w.u, false, one)
	}, "one type must be a single-type state")
}

func TestMultiAccessors(t *testing.T) {
	w := newWorld(t, PolicyConfig{})
	m := w.multi(false, w.t3, w.t1, w.t2)

	require.True(t, IsMulti(m))
	require.Equal(t, 3, m.TypesCount())
	require.Nil(t, m.ExactType())
	require.True(t, m.ContainsType(w.t1))
	require.False(t, m.ContainsType(w.t4))

	var got []*universe.Type
	for typ := range m.Types() {
		got = append(got, typ)
	}
	require.Equal(t, []*universe.Type{w.t1, w.t2, w.t3}, got, "types iterate by ascending identifier")

	objs := m.Objects()
	require.Len(t, objs, 3)
	for i, typ := range got {
		require.Same(t, typ.CanonicalObject(), objs[i])
	}
	for i := 1; i < len(objs); i++ {
		require.Less(t, objs[i-1].ID(), objs[i].ID(), "objects sorted by identifier")
	}

	require.True(t, m.ContainsObject(w.t2.CanonicalObject()))
	alloc := w.u.NewObject(w.t2, universe.ObjectAllocation)
	require.False(t, m.ContainsObject(alloc), "only canonical objects are members")

	require.Panics(t, func() { m.ObjectsOfType(w.t1) }, "per-type objects are not materialized")
}

func TestMultiEqualityIsContentEquality(t *testing.T) {
	w := newWorld(t, PolicyConfig{})

	// Same types reached through different construction paths and bitset
	// capacities.
	a := w.multi(false, w.t1, w.t3)
	big := bitset.New(512)
	big.Set(uint(w.t1.ID()))
	big.Set(uint(w.t3.ID()))
	b := newMulti(w.u, false, big)

	require.True(t, a.Equals(b))
	require.True(t, b.Equals(a))
	require.False(t, a.Equals(w.multi(true, w.t1, w.t3)), "nullability differs")
	require.False(t, a.Equals(w.multi(false, w.t1, w.t2)), "type set differs")
	require.False(t, a.Equals(ForExactType(w.p, w.t1, false)), "shape differs")
}

func TestExactTypeState(t *testing.T) {
	w := newWorld(t, PolicyConfig{})

	m := w.multi(true, w.t1, w.t2, w.t3)
	narrowed := m.ExactTypeState(w.t2)
	require.True(t, IsSingle(narrowed))
	require.Same(t, w.t2, narrowed.ExactType())
	require.True(t, narrowed.CanBeNull(), "narrowing preserves nullability")
	require.Same(t, w.t2.CanonicalObject(), narrowed.Objects()[0])

	require.Same(t, Empty(), m.ExactTypeState(w.t4))

	s := ForExactType(w.p, w.t1, false)
	require.Same(t, s, s.ExactTypeState(w.t1))
	require.Same(t, Empty(), s.ExactTypeState(w.t2))

	require.Same(t, Empty(), Empty().ExactTypeState(w.t1))
	require.Same(t, Null(), Null().ExactTypeState(w.t1))
}

func TestUnionEmptyAndNull(t *testing.T) {
	w := newWorld(t, PolicyConfig{})
	s := ForExactType(w.p, w.t1, false)

	require.Same(t, s, Union(w.p, Empty(), s))
	require.Same(t, s, Union(w.p, s, Empty()))

	// Null unions in as "may also be null".
	fromNull := Union(w.p, Null(), s)
	require.True(t, IsSingle(fromNull))
	require.Same(t, w.t1, fromNull.ExactType())
	require.True(t, fromNull.CanBeNull())

	toNull := Union(w.p, s, Null())
	require.True(t, fromNull.Equals(toNull))

	require.Same(t, Null(), Union(w.p, Null(), Empty()))
	require.Same(t, Null(), Union(w.p, Empty(), Null()))
}

func TestUnionSinglesSameType(t *testing.T) {
	w := newWorld(t, PolicyConfig{})

	a := ForExactType(w.p, w.t1, false)
	b := ForExactType(w.p, w.t1, false)
	require.Same(t, a, Union(w.p, a, b), "equal operands return the left instance")

	nullable := ForExactType(w.p, w.t1, true)
	require.Same(t, nullable, Union(w.p, a, nullable), "the operand already carrying the OR'd nullability is reused")
	require.Same(t, nullable, Union(w.p, nullable, a))
}

func TestUnionDistinctTypes(t *testing.T) {
	w := newWorld(t, PolicyConfig{})

	a := ForExactType(w.p, w.t1, false)
	b := ForExactType(w.p, w.t2, false)
	u := Union(w.p, a, b)

	require.True(t, IsMulti(u))
	require.Equal(t, 2, u.TypesCount())
	require.False(t, u.CanBeNull())
	require.True(t, u.ContainsType(w.t1))
	require.True(t, u.ContainsType(w.t2))

	require.True(t, u.Equals(Union(w.p, b, a)), "union is commutative in content")
}

func TestUnionMultiSingle(t *testing.T) {
	w := newWorld(t, PolicyConfig{})
	m := w.multi(false, w.t1, w.t2)

	contained := Union(w.p, m, ForExactType(w.p, w.t1, false))
	require.Same(t, m, contained, "contained type returns the multi unchanged")

	nullable := Union(w.p, m, ForExactType(w.p, w.t1, true))
	require.True(t, nullable.CanBeNull())
	require.Equal(t, 2, nullable.TypesCount())

	grown := Union(w.p, ForExactType(w.p, w.t3, false), m)
	require.Equal(t, 3, grown.TypesCount())
	require.True(t, grown.ContainsType(w.t3))
}

func TestUnionMultisSpeculation(t *testing.T) {
	w := newWorld(t, PolicyConfig{})

	superset := w.multi(false, w.t1, w.t2, w.t3)
	subset := w.multi(false, w.t1, w.t2)
	require.Same(t, superset, Union(w.p, superset, subset))
	require.Same(t, superset, Union(w.p, subset, superset), "operand order does not defeat the superset fast path")

	// Nullability siblings share the bitset pointer.
	sibling := superset.ForCanBeNull(true)
	joined := Union(w.p, superset, sibling)
	require.True(t, joined.CanBeNull())
	require.Equal(t, 3, joined.TypesCount())

	disjoint := Union(w.p, w.multi(false, w.t1, w.t2), w.multi(false, w.t3, w.t4))
	require.Equal(t, 4, disjoint.TypesCount())
}

func TestUnionLaws(t *testing.T) {
	w := newWorld(t, PolicyConfig{})

	states := []State{
		Empty(),
		Null(),
		ForExactType(w.p, w.t1, false),
		ForExactType(w.p, w.t2, true),
		w.multi(false, w.t1, w.t3),
		w.multi(true, w.t2, w.t3),
	}

	for _, a := range states {
		for _, b := range states {
			ab := Union(w.p, a, b)
			ba := Union(w.p, b, a)
			require.True(t, ab.Equals(ba), "commutativity: %s vs %s", a, b)

			for _, c := range states {
				left := Union(w.p, Union(w.p, a, b), c)
				right := Union(w.p, a, Union(w.p, b, c))
				require.True(t, left.Equals(right), "associativity: %s, %s, %s", a, b, c)
			}
		}
	}
}

func TestIntersectionSelfIsIdentity(t *testing.T) {
	w := newWorld(t, PolicyConfig{})

	states := []State{
		ForExactType(w.p, w.t1, false),
		ForExactType(w.p, w.t2, true),
		w.multi(false, w.t1, w.t2),
		w.multi(true, w.t1, w.t3),
	}
	for _, s := range states {
		require.Same(t, s, Intersection(w.p, s, s), "self intersection returns the instance: %s", s)
	}
}

func TestSubtractionSelfIsEmpty(t *testing.T) {
	w := newWorld(t, PolicyConfig{})

	states := []State{
		ForExactType(w.p, w.t1, false),
		ForExactType(w.p, w.t2, true),
		w.multi(false, w.t1, w.t2),
		w.multi(true, w.t1, w.t3),
	}
	for _, s := range states {
		require.Same(t, Empty(), Subtraction(w.p, s, s), "self subtraction drains the state: %s", s)
	}
}

func TestIntersectionEmptyAndNull(t *testing.T) {
	w := newWorld(t, PolicyConfig{})
	s := ForExactType(w.p, w.t1, true)

	require.Same(t, Empty(), Intersection(w.p, Empty(), s))
	require.Same(t, Empty(), Intersection(w.p, s, Empty()))
	require.Same(t, Null(), Intersection(w.p, Null(), s), "null survives a nullable filter")
	require.Same(t, Empty(), Intersection(w.p, Null(), ForExactType(w.p, w.t1, false)))
	require.Same(t, Null(), Intersection(w.p, s, Null()))
	require.Same(t, Empty(), Intersection(w.p, ForExactType(w.p, w.t1, false), Null()))
}

func TestSubtractionEmptyAndNull(t *testing.T) {
	w := newWorld(t, PolicyConfig{})
	s := ForExactType(w.p, w.t1, true)

	require.Same(t, Empty(), Subtraction(w.p, Empty(), s))
	require.Same(t, s, Subtraction(w.p, s, Empty()))
	require.Same(t, Empty(), Subtraction(w.p, Null(), s), "subtracting a nullable state removes null")
	require.Same(t, Null(), Subtraction(w.p, Null(), ForExactType(w.p, w.t1, false)))

	nonNull := Subtraction(w.p, s, Null())
	require.True(t, IsSingle(nonNull))
	require.False(t, nonNull.CanBeNull(), "subtracting null strips nullability")
}

func TestIntersectionShapePairs(t *testing.T) {
	w := newWorld(t, PolicyConfig{})
	m12 := w.multi(false, w.t1, w.t2)
	m23 := w.multi(false, w.t2, w.t3)
	m123 := w.multi(false, w.t1, w.t2, w.t3)

	t.Run("single single", func(t *testing.T) {
		same := Intersection(w.p, ForExactType(w.p, w.t1, true), ForExactType(w.p, w.t1, false))
		require.True(t, IsSingle(same))
		require.False(t, same.CanBeNull(), "nullability is ANDed")
		require.Same(t, Empty(), Intersection(w.p, ForExactType(w.p, w.t1, false), ForExactType(w.p, w.t2, false)))
	})

	t.Run("single multi", func(t *testing.T) {
		s := ForExactType(w.p, w.t1, false)
		require.Same(t, s, Intersection(w.p, s, m12))
		require.Same(t, Empty(), Intersection(w.p, ForExactType(w.p, w.t3, false), m12))
	})

	t.Run("multi single", func(t *testing.T) {
		s := ForExactType(w.p, w.t1, false)
		require.Same(t, s, Intersection(w.p, m12, s), "the filter instance is reused")
		require.Same(t, Empty(), Intersection(w.p, m12, ForExactType(w.p, w.t3, false)))
	})

	t.Run("multi multi down-converts", func(t *testing.T) {
		overlap := Intersection(w.p, m12, m23)
		require.True(t, IsSingle(overlap), "cardinality one must not stay a multi state")
		require.Same(t, w.t2, overlap.ExactType())

		require.Same(t, m12, Intersection(w.p, m12, m123), "broader filter returns the input")
		require.Same(t, Empty(), Intersection(w.p, m12, w.multi(false, w.t3, w.t4)))
	})
}

func TestSubtractionShapePairs(t *testing.T) {
	w := newWorld(t, PolicyConfig{})
	m12 := w.multi(false, w.t1, w.t2)
	m123 := w.multi(false, w.t1, w.t2, w.t3)

	t.Run("single single", func(t *testing.T) {
		require.Same(t, Empty(), Subtraction(w.p, ForExactType(w.p, w.t1, false), ForExactType(w.p, w.t1, false)))
		kept := Subtraction(w.p, ForExactType(w.p, w.t1, false), ForExactType(w.p, w.t2, false))
		require.Same(t, w.t1, kept.ExactType())
	})

	t.Run("single multi", func(t *testing.T) {
		require.Same(t, Empty(), Subtraction(w.p, ForExactType(w.p, w.t1, false), m12))
		kept := Subtraction(w.p, ForExactType(w.p, w.t3, false), m12)
		require.Same(t, w.t3, kept.ExactType())
	})

	t.Run("multi single carves the set down", func(t *testing.T) {
		carved := Subtraction(w.p, m123, ForExactType(w.p, w.t2, false))
		require.True(t, IsMulti(carved))
		require.Equal(t, 2, carved.TypesCount())
		require.True(t, carved.ContainsType(w.t1))
		require.True(t, carved.ContainsType(w.t3))

		single := Subtraction(w.p, carved, ForExactType(w.p, w.t3, false))
		require.True(t, IsSingle(single), "cardinality one must not stay a multi state")
		require.Same(t, w.t1, single.ExactType())

		untouched := Subtraction(w.p, m12, ForExactType(w.p, w.t3, false))
		require.Same(t, m12, untouched)
	})

	t.Run("multi multi", func(t *testing.T) {
		require.Same(t, Empty(), Subtraction(w.p, m12, m123), "broader subtrahend drains the state")
		require.Same(t, m12, Subtraction(w.p, m12, w.multi(false, w.t3, w.t4)), "disjoint subtrahend is a no-op")

		rest := Subtraction(w.p, m123, m12)
		require.True(t, IsSingle(rest))
		require.Same(t, w.t3, rest.ExactType())
	})
}

func TestUnionSubtractionRoundTrip(t *testing.T) {
	w := newWorld(t, PolicyConfig{})

	a := w.multi(false, w.t1, w.t2)
	b := ForExactType(w.p, w.t3, false)

	restored := Subtraction(w.p, Union(w.p, a, b), b)
	require.True(t, restored.Equals(a), "union then subtraction of a disjoint operand restores the original")
}

func TestFilterPreconditionUnderExtendedChecks(t *testing.T) {
	w := newWorld(t, PolicyConfig{ExtendedChecks: true})

	// t4 was never marked instantiated.
	stale := ForExactType(w.p, w.t4, false)
	filter := ForExactType(w.p, w.t1, false)

	require.Panics(t, func() { Intersection(w.p, stale, filter) })
	require.Panics(t, func() { Subtraction(w.p, stale, filter) })

	// The production configuration skips the check.
	relaxed := newWorld(t, PolicyConfig{})
	staleRelaxed := ForExactType(relaxed.p, relaxed.t4, false)
	require.NotPanics(t, func() {
		Intersection(relaxed.p, staleRelaxed, ForExactType(relaxed.p, relaxed.t1, false))
	})
}

func TestNoteMergeRequiresMergingPolicy(t *testing.T) {
	w := newWorld(t, PolicyConfig{})

	s := ForExactType(w.p, w.t1, false)
	require.Panics(t, func() { s.NoteMerge(w.p) })

	mp := mergingPolicy{w.p}
	require.False(t, s.Merged())
	s.NoteMerge(mp)
	require.True(t, s.Merged())
	require.True(t, w.t1.CanonicalObject().Merged(), "merge marks the backing objects")
	require.NotPanics(t, func() { s.NoteMerge(mp) }, "merge notes are idempotent")

	m := w.multi(false, w.t2, w.t3)
	m.NoteMerge(mp)
	require.True(t, m.Merged())
	require.True(t, w.t2.CanonicalObject().Merged())
	require.True(t, w.t3.CanonicalObject().Merged())
}

// mergingPolicy turns on merge bookkeeping for tests.
type mergingPolicy struct {
	*ContextInsensitivePolicy
}

func (mergingPolicy) MergingEnabled() bool { return true }

func TestAllocationAndConstantClassification(t *testing.T) {
	w := newWorld(t, PolicyConfig{})

	// The context-insensitive policy collapses allocations to the canonical
	// object, so the allocation property is not observable.
	collapsed := ForAllocation(w.p, w.t1, 7)
	require.False(t, IsAllocation(collapsed))
	require.Same(t, w.t1.CanonicalObject(), collapsed.Objects()[0])

	alloc := w.u.NewObject(w.t1, universe.ObjectAllocation)
	site := ForNonNullObject(w.p, alloc)
	require.True(t, IsAllocation(site))
	require.False(t, IsConstant(site))

	konst := ForNonNullObject(w.p, w.u.NewObject(w.t2, universe.ObjectConstant))
	require.True(t, IsConstant(konst))
	require.False(t, IsAllocation(konst))

	require.False(t, IsAllocation(Empty()))
	require.False(t, IsConstant(Null()))
}

func TestForNonNullObjectsSortsAndValidates(t *testing.T) {
	w := newWorld(t, PolicyConfig{})

	o1 := w.u.NewObject(w.t1, universe.ObjectAllocation)
	o2 := w.u.NewObject(w.t1, universe.ObjectAllocation)
	o3 := w.u.NewObject(w.t1, universe.ObjectAllocation)

	s := ForNonNullObjects(w.p, o3, o1, o2)
	require.Equal(t, 3, s.ObjectsCount())
	objs := s.Objects()
	require.Same(t, o1, objs[0])
	require.Same(t, o2, objs[1])
	require.Same(t, o3, objs[2])
	require.True(t, s.ContainsObject(o2))
	require.False(t, s.ContainsObject(w.t1.CanonicalObject()))

	other := w.u.NewObject(w.t2, universe.ObjectAllocation)
	require.Panics(t, func() { ForNonNullObjects(w.p, o1, other) }, "objects must share one exact type")
	require.Panics(t, func() { ForNonNullObjects(w.p) })
}

func TestForTypes(t *testing.T) {
	w := newWorld(t, PolicyConfig{})

	require.Same(t, Empty(), ForTypes(w.p, false))
	require.Same(t, Null(), ForTypes(w.p, true))

	one := ForTypes(w.p, false, w.t2)
	require.True(t, IsSingle(one))
	require.Same(t, w.t2, one.ExactType())

	collapsed := ForTypes(w.p, true, w.t2, w.t2, w.t2)
	require.True(t, IsSingle(collapsed), "duplicates collapse to one type")
	require.True(t, collapsed.CanBeNull())

	many := ForTypes(w.p, false, w.t3, w.t1, w.t1)
	require.True(t, IsMulti(many))
	require.Equal(t, 2, many.TypesCount())
	require.True(t, many.ContainsType(w.t1))
	require.True(t, many.ContainsType(w.t3))

	u := universe.New()
	iface := u.RegisterSyntheticType("demo.Closer", true)
	u.Seal()
	p := NewContextInsensitivePolicy(u, PolicyConfig{})
	require.Panics(t, func() { ForTypes(p, false, iface) })
}

func TestForContextInsensitiveIsIdentityUnderDefaultPolicy(t *testing.T) {
	w := newWorld(t, PolicyConfig{})

	states := []State{
		Empty(),
		Null(),
		ForExactType(w.p, w.t1, true),
		w.multi(false, w.t1, w.t2),
	}
	for _, s := range states {
		require.Same(t, s, ForContextInsensitive(w.p, s))
	}
}
