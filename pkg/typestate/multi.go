package typestate

import (
	"fmt"
	"iter"
	"math/bits"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"

	"github.com/715d/typeflow/pkg/universe"
)

// Multi is the state holding two or more types as a bitset over dense type
// identifiers. The bitset is trimmed to minimum length at construction and
// never mutated afterwards; nullability siblings share the same bitset
// pointer. Cardinality is cached because clients query it constantly.
type Multi struct {
	u          *universe.Universe
	bits       *bitset.BitSet
	typesCount int
	canBeNull  bool
	merged     atomic.Bool
}

// newMulti builds a Multi from a bitset the caller owns. The bitset is copied
// into its canonical trimmed form: equal type sets must compare equal through
// bitset.Equal, which is sensitive to the declared bit length, so every Multi
// normalizes the length to the highest set bit plus one.
func newMulti(u *universe.Universe, canBeNull bool, b *bitset.BitSet) *Multi {
	words := b.Words()
	n := len(words)
	for n > 0 && words[n-1] == 0 {
		n--
	}
	if n == 0 {
		panic("typestate: multi-type state with no types")
	}
	trimmed := make([]uint64, n)
	copy(trimmed, words[:n])
	length := uint(n-1)*64 + uint(bits.Len64(trimmed[n-1]))

	canonical := bitset.FromWithLength(length, trimmed)
	typesCount := int(canonical.Count())
	if typesCount < 2 {
		panic(fmt.Sprintf("typestate: multi-type state with %d type", typesCount))
	}
	return &Multi{u: u, bits: canonical, typesCount: typesCount, canBeNull: canBeNull}
}

func (m *Multi) TypesCount() int { return m.typesCount }

// ExactType returns nil: a Multi always holds several types.
func (m *Multi) ExactType() *universe.Type { return nil }

func (m *Multi) ContainsType(t *universe.Type) bool {
	return m.bits.Test(uint(t.ID()))
}

// Types iterates set bits in ascending order, resolving each through the
// universe.
func (m *Multi) Types() iter.Seq[*universe.Type] {
	return func(yield func(*universe.Type) bool) {
		for id, ok := m.bits.NextSet(0); ok; id, ok = m.bits.NextSet(id + 1) {
			if !yield(m.u.TypeByID(int(id))) {
				return
			}
		}
	}
}

// ObjectsCount equals TypesCount: each type is represented by its canonical
// object.
func (m *Multi) ObjectsCount() int { return m.typesCount }

// Objects materializes the canonical objects of the member types. The result
// is freshly allocated and sorted by object identifier, since canonical
// object identifiers are monotone in type identifiers.
func (m *Multi) Objects() []*universe.Object {
	out := make([]*universe.Object, 0, m.typesCount)
	for t := range m.Types() {
		out = append(out, t.CanonicalObject())
	}
	return out
}

// ObjectsOfType panics: the multi-type representation defers per-type object
// materialization. Narrow with ExactTypeState first.
func (m *Multi) ObjectsOfType(t *universe.Type) []*universe.Object {
	panic(fmt.Sprintf("typestate: per-type objects of %s queried on a multi-type state", t))
}

func (m *Multi) ContainsObject(o *universe.Object) bool {
	return m.ContainsType(o.Type()) && o == o.Type().CanonicalObject()
}

func (m *Multi) CanBeNull() bool { return m.canBeNull }

// ForCanBeNull returns the receiver when the flag already matches, otherwise
// a sibling sharing the bitset pointer and cached cardinality.
func (m *Multi) ForCanBeNull(canBeNull bool) State {
	if canBeNull == m.canBeNull {
		return m
	}
	sibling := &Multi{u: m.u, bits: m.bits, typesCount: m.typesCount, canBeNull: canBeNull}
	sibling.merged.Store(m.merged.Load())
	return sibling
}

// ExactTypeState narrows to a single-type state over t's canonical object
// when t is a member, Empty otherwise.
func (m *Multi) ExactTypeState(t *universe.Type) State {
	if !m.ContainsType(t) {
		return theEmpty
	}
	return newSingle(t, m.canBeNull, []*universe.Object{t.CanonicalObject()})
}

func (m *Multi) NoteMerge(p Policy) {
	if !p.MergingEnabled() {
		panic("typestate: merge noted while merging bookkeeping is disabled")
	}
	if m.merged.CompareAndSwap(false, true) {
		for t := range m.Types() {
			t.CanonicalObject().NoteMerged()
		}
	}
}

func (m *Multi) Merged() bool { return m.merged.Load() }

// Equals compares shape, nullability and the type bitset. Bitsets are kept
// in canonical trimmed form, so bitset.Equal is content equality.
func (m *Multi) Equals(o State) bool {
	if State(m) == o {
		return true
	}
	that, ok := o.(*Multi)
	if !ok {
		return false
	}
	if m.canBeNull != that.canBeNull || m.typesCount != that.typesCount {
		return false
	}
	return m.bits == that.bits || m.bits.Equal(that.bits)
}

func (m *Multi) String() string {
	if m.canBeNull {
		return fmt.Sprintf("Multi<null,%d types>", m.typesCount)
	}
	return fmt.Sprintf("Multi<%d types>", m.typesCount)
}

func (m *Multi) sealed() {}
