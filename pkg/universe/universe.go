// Package universe maintains the closed-world registry of types, methods,
// abstract heap objects and contexts that the type-flow analysis operates on.
// It owns the dense identifier spaces used as bitset indexes throughout the
// engine: identifiers are assigned once, monotonically, and never reused.
package universe

import (
	"fmt"
	"go/types"
	"math"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/tools/go/ssa"
)

// MaxID is the hard ceiling of every identifier space (types, methods,
// objects). Identifiers are used as dense bitset indexes, so the ceiling is
// deliberately far below the range of int. Exceeding it is fatal.
const MaxID = math.MaxInt32

// MethodResolver resolves the concrete method a receiver type provides for a
// selector. It is consulted on method-table misses and its result (including
// a miss) is cached. A non-nil error marks the resolution as unsupported; the
// caller reports it and skips the type.
type MethodResolver func(recv *Type, selector string) (*Method, error)

// Universe is the identifier allocator and registry for one analysis run.
// Registration happens up front, possibly from multiple goroutines; Seal
// freezes the type hierarchy before propagation starts.
type Universe struct {
	mu sync.Mutex // guards registration and id allocation

	types    []*Type
	ifaces   []*Type // interface subset of types, for assignability scans
	byID     *xsync.Map[int, *Type]
	byName   *xsync.Map[string, *Type]
	byGoType *xsync.Map[types.Type, *Type]

	methods  []*Method
	byFunc   *xsync.Map[*ssa.Function, *Method]
	nextObj  int
	resolver MethodResolver

	names  *NameCache
	sealed bool
}

// New creates an empty universe.
func New() *Universe {
	return &Universe{
		byID:     xsync.NewMap[int, *Type](),
		byName:   xsync.NewMap[string, *Type](),
		byGoType: xsync.NewMap[types.Type, *Type](),
		byFunc:   xsync.NewMap[*ssa.Function, *Method](),
		names:    NewNameCache(),
	}
}

// Names exposes the qualified-name cache shared with the SSA front end.
func (u *Universe) Names() *NameCache { return u.names }

// SetMethodResolver installs the resolver consulted on method-table misses.
// Must be called before propagation starts.
func (u *Universe) SetMethodResolver(r MethodResolver) { u.resolver = r }

// Seal freezes the type hierarchy. Registering a type after Seal is an
// invariant violation: assignability bitsets are immutable once propagation
// may read them concurrently.
func (u *Universe) Seal() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sealed = true
}

// Sealed reports whether the type hierarchy is frozen.
func (u *Universe) Sealed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sealed
}

// TypeCount returns the number of registered types.
func (u *Universe) TypeCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.types)
}

// MethodCount returns the number of registered methods.
func (u *Universe) MethodCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.methods)
}

// TypeByID returns the type with the given dense identifier. Querying an
// unassigned identifier is a bug in the engine and fails fast.
func (u *Universe) TypeByID(id int) *Type {
	t, ok := u.byID.Load(id)
	if !ok {
		panic(fmt.Sprintf("universe: type id %d queried before assignment", id))
	}
	return t
}

// TypeByName returns the type registered under the given qualified name.
func (u *Universe) TypeByName(name string) (*Type, bool) {
	return u.byName.Load(name)
}

// TypeOf returns the registered type backing the given go/types type.
func (u *Universe) TypeOf(goType types.Type) (*Type, bool) {
	return u.byGoType.Load(goType)
}

// RegisterGoType registers a type backed by go/types, computing its
// assignability relations against every previously registered type. Repeated
// registration of the same go/types type returns the existing handle.
func (u *Universe) RegisterGoType(goType types.Type) *Type {
	if t, ok := u.byGoType.Load(goType); ok {
		return t
	}
	name := u.names.ComputeTypeName(goType)
	iface := types.IsInterface(goType)

	u.mu.Lock()
	defer u.mu.Unlock()
	// Re-check under the lock; registration races on first sight are benign.
	if t, ok := u.byGoType.Load(goType); ok {
		return t
	}
	t := u.newTypeLocked(name, goType, iface)
	for _, other := range u.ifaces {
		if other == t {
			continue
		}
		if other.goType != nil && types.AssignableTo(goType, other.goType) {
			t.assignableTo.Set(uint(other.id))
		}
	}
	if iface {
		for _, other := range u.types {
			if other == t || other.goType == nil {
				continue
			}
			if types.AssignableTo(other.goType, goType) {
				other.assignableTo.Set(uint(t.id))
			}
			if other.iface && types.AssignableTo(goType, other.goType) {
				t.assignableTo.Set(uint(other.id))
			}
		}
	}
	u.byGoType.Store(goType, t)
	return t
}

// RegisterSyntheticType registers a type with an explicit supertype list,
// for universes built without go/types backing. Supertypes must already be
// registered.
func (u *Universe) RegisterSyntheticType(name string, iface bool, supers ...*Type) *Type {
	u.mu.Lock()
	defer u.mu.Unlock()
	t := u.newTypeLocked(name, nil, iface)
	for _, s := range supers {
		t.assignableTo.Set(uint(s.id))
	}
	return t
}

func (u *Universe) newTypeLocked(name string, goType types.Type, iface bool) *Type {
	if u.sealed {
		panic(fmt.Sprintf("universe: type %q registered after seal", name))
	}
	id := len(u.types)
	if id >= MaxID {
		panic(fmt.Sprintf("universe: type identifier space exhausted at %d", id))
	}
	t := &Type{
		id:      id,
		name:    name,
		goType:  goType,
		iface:   iface,
		methods: xsync.NewMap[string, *Method](),
	}
	t.assignableTo.Set(uint(id))
	t.canonical = u.newObjectLocked(t, ObjectCanonical)
	u.types = append(u.types, t)
	if iface {
		u.ifaces = append(u.ifaces, t)
	}
	u.byID.Store(id, t)
	u.byName.Store(name, t)
	return t
}

// RegisterMethod registers a method or function. recv is nil for plain
// functions, fn is nil for synthetic methods. Abstract methods are interface
// declarations without a body; they are never linked as callees.
func (u *Universe) RegisterMethod(name string, fn *ssa.Function, recv *Type, abstract bool) *Method {
	if fn != nil {
		if m, ok := u.byFunc.Load(fn); ok {
			return m
		}
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if fn != nil {
		if m, ok := u.byFunc.Load(fn); ok {
			return m
		}
	}
	id := len(u.methods)
	if id >= MaxID {
		panic(fmt.Sprintf("universe: method identifier space exhausted at %d", id))
	}
	m := &Method{id: id, name: name, fn: fn, recv: recv, abstract: abstract}
	u.methods = append(u.methods, m)
	if fn != nil {
		u.byFunc.Store(fn, m)
	}
	return m
}

// MethodOf returns the registered method backing the given SSA function.
func (u *Universe) MethodOf(fn *ssa.Function) (*Method, bool) {
	return u.byFunc.Load(fn)
}

// Methods returns a snapshot of all registered methods.
func (u *Universe) Methods() []*Method {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]*Method, len(u.methods))
	copy(out, u.methods)
	return out
}

// Types returns a snapshot of all registered types.
func (u *Universe) Types() []*Type {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]*Type, len(u.types))
	copy(out, u.types)
	return out
}

// NewObject mints an abstract heap object of the given kind. The canonical
// object of a type is created at type registration; analysis policies call
// this only for context-sensitive allocation or constant objects.
func (u *Universe) NewObject(t *Type, kind ObjectKind) *Object {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.newObjectLocked(t, kind)
}

func (u *Universe) newObjectLocked(t *Type, kind ObjectKind) *Object {
	if u.nextObj >= MaxID {
		panic(fmt.Sprintf("universe: object identifier space exhausted at %d", u.nextObj))
	}
	o := &Object{id: u.nextObj, typ: t, kind: kind}
	u.nextObj++
	return o
}

// ResolveConcreteMethod resolves the concrete method the receiver type
// provides for a selector. Misses consult the installed resolver once and are
// cached, including negative results. A nil method with nil error means the
// type provides no such method and the caller should skip it.
func (u *Universe) ResolveConcreteMethod(recv *Type, selector string) (*Method, error) {
	if m, ok := recv.methods.Load(selector); ok {
		return m, nil
	}
	if u.resolver == nil {
		return nil, nil
	}
	m, err := u.resolver(recv, selector)
	if err != nil {
		return nil, err
	}
	recv.methods.Store(selector, m)
	return m, nil
}
