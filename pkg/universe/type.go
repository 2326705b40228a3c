package universe

import (
	"go/types"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
	"github.com/puzpuzpuz/xsync/v4"
)

// Type is the opaque handle to a program type. Its identifier is dense,
// stable and non-negative, used as a bitset index and as a total order.
type Type struct {
	id     int
	name   string
	goType types.Type // nil for synthetic types
	iface  bool

	// assignableTo holds the ids of every type a value of this type can be
	// assigned to, self included. Fixed at registration, immutable after
	// Universe.Seal.
	assignableTo bitset.BitSet

	canonical    *Object
	methods      *xsync.Map[string, *Method]
	instantiated atomic.Bool
}

// ID returns the dense type identifier.
func (t *Type) ID() int { return t.id }

// Name returns the qualified type name.
func (t *Type) Name() string { return t.name }

// GoType returns the go/types backing, or nil for synthetic types.
func (t *Type) GoType() types.Type { return t.goType }

// IsInterface reports whether the type is abstract: values never have it as
// their dynamic type, and it cannot be instantiated.
func (t *Type) IsInterface() bool { return t.iface }

// CanonicalObject returns the context-insensitive object representative of
// this type. It is created together with the type, so canonical object ids
// are monotone in type ids.
func (t *Type) CanonicalObject() *Object { return t.canonical }

// AssignableTo reports whether a value of this type can appear where the
// declared type is expected.
func (t *Type) AssignableTo(declared *Type) bool {
	return t.assignableTo.Test(uint(declared.id))
}

// DeclareMethod binds a selector to the concrete method this type provides
// for it. Used by synthetic universes; SSA-backed universes populate method
// tables lazily through the resolver.
func (t *Type) DeclareMethod(selector string, m *Method) {
	t.methods.Store(selector, m)
}

// MarkInstantiated records that an allocation of this type was seen. Returns
// true on the first transition only.
func (t *Type) MarkInstantiated() bool {
	return t.instantiated.CompareAndSwap(false, true)
}

// IsInstantiated reports whether an allocation of this type was seen.
func (t *Type) IsInstantiated() bool { return t.instantiated.Load() }

func (t *Type) String() string { return t.name }
