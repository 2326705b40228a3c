// Package builder is the SSA front end of the type-flow analysis: it
// registers the closed world of types and functions into a universe, then
// materializes method flow graphs on demand by translating go/ssa bodies
// into propagation nodes.
//
// Registration runs before the universe is sealed and is deterministic:
// packages are scanned in path order, members in name order, so dense type
// and method identifiers are stable across runs. Graph construction is lazy
// and concurrent; the engine requests a body the first time a call edge
// reaches its method.
package builder

import (
	"errors"
	"fmt"
	"go/types"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/types/typeutil"

	"github.com/715d/typeflow/internal/flow"
	"github.com/715d/typeflow/pkg/universe"
)

// callSelector is the synthetic selector function types dispatch through: a
// dynamic call through a function value is a virtual invoke of "call" on the
// function's synthetic type, which resolves to the function itself.
const callSelector = "call"

// Config assembles a Builder.
type Config struct {
	// Program is the SSA form of the analyzed code, built with generics
	// instantiated.
	Program *ssa.Program

	// Packages carries the loaded package syntax for directive and
	// assembly scanning. Optional; universes driven purely through SSA
	// get main and init roots only.
	Packages []*packages.Package

	// EntryPoints names additional root functions by qualified name.
	EntryPoints []string
}

// Builder implements flow.GraphBuilder over a go/ssa program.
type Builder struct {
	u    *universe.Universe
	prog *ssa.Program
	cfg  Config

	// canonical interns structurally identical go/types values behind one
	// representative, so location keys and universe registrations collapse
	// across packages. sigIfaces maps canonical signatures to the synthetic
	// interface their function values dispatch through. Both are guarded by
	// mu; typeutil.Map is not safe for concurrent use, lookups included.
	mu        sync.Mutex
	canonical typeutil.Map
	sigIfaces map[types.Type]*universe.Type

	// anyType is the registered empty interface, the top of the declared
	// type hierarchy and the bound of the panic argument flow.
	anyType *universe.Type

	// fnTypes maps each function to its synthetic concrete type, minted
	// when the function can travel as a value.
	fnTypes *xsync.Map[*ssa.Function, *universe.Type]

	// freevars maps reference-captured free variables to the memory
	// location of their binding, recorded when the closure is built.
	freevars *xsync.Map[*ssa.FreeVar, location]

	// external maps root methods callable from outside the program to the
	// reason, which seeds their parameters with declared type flows.
	external map[*universe.Method]string

	roots []*universe.Method
	spkgs []*ssa.Package
}

var _ flow.GraphBuilder = (*Builder)(nil)

// New registers the program's closed world into u and returns the builder.
// The caller seals the universe afterwards; registration is the only phase
// allowed to mint types.
func New(u *universe.Universe, cfg Config) (*Builder, error) {
	if cfg.Program == nil {
		return nil, errors.New("builder: configuration requires an SSA program")
	}
	if u.Sealed() {
		return nil, errors.New("builder: universe is already sealed")
	}
	b := &Builder{
		u:         u,
		prog:      cfg.Program,
		cfg:       cfg,
		sigIfaces: make(map[types.Type]*universe.Type),
		fnTypes:   xsync.NewMap[*ssa.Function, *universe.Type](),
		freevars:  xsync.NewMap[*ssa.FreeVar, location](),
		external:  make(map[*universe.Method]string),
	}
	b.anyType = u.RegisterGoType(b.canon(types.NewInterfaceType(nil, nil).Complete()))

	b.spkgs = cfg.Program.AllPackages()
	slices.SortFunc(b.spkgs, func(a, c *ssa.Package) int {
		return strings.Compare(a.Pkg.Path(), c.Pkg.Path())
	})

	// Scanning walks every reachable body and is the expensive half, so it
	// runs per package in parallel. Registration assigns the dense
	// identifiers and stays sequential in package order to keep them
	// stable run to run.
	collectors := make([]*collector, len(b.spkgs))
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for i, sp := range b.spkgs {
		g.Go(func() error {
			collectors[i] = b.scanPackage(sp)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, c := range collectors {
		b.register(c)
	}
	if err := b.scanRoots(); err != nil {
		return nil, err
	}
	u.SetMethodResolver(b.resolve)
	return b, nil
}

// Roots returns the entry point methods: main and package initializers,
// functions pinned by directives or assembly, and configured entries.
func (b *Builder) Roots() []*universe.Method {
	out := make([]*universe.Method, len(b.roots))
	copy(out, b.roots)
	return out
}

// tracked reports whether values of t carry type states. The analysis
// tracks interface values and function values; every other value is
// untracked, though allocations of untracked types still mark their types
// instantiated.
func tracked(t types.Type) bool {
	t = types.Unalias(t)
	if _, ok := t.(*types.TypeParam); ok {
		return false
	}
	if types.IsInterface(t) {
		return true
	}
	_, ok := t.Underlying().(*types.Signature)
	return ok
}

// canon returns the canonical representative of structurally identical
// types. Distinct *types.Slice values for []T in different packages must
// share one universe type and one element cell.
func (b *Builder) canon(t types.Type) types.Type {
	t = types.Unalias(t)
	b.mu.Lock()
	defer b.mu.Unlock()
	if r := b.canonical.At(t); r != nil {
		return r.(types.Type)
	}
	b.canonical.Set(t, t)
	return t
}

// declaredFor returns the universe bound of a tracked static type:
// interfaces map to their registered type, function types map to the
// synthetic interface of their signature. Nil when the type never entered
// the universe, which callers report and skip.
func (b *Builder) declaredFor(t types.Type) *universe.Type {
	t = types.Unalias(t)
	if sig, ok := t.Underlying().(*types.Signature); ok {
		key := b.canon(sig)
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.sigIfaces[key]
	}
	ut, _ := b.u.TypeOf(b.canon(t))
	return ut
}

// boundFor widens declaredFor to concrete types, used for receiver bounds
// and conservative declared-type seeding.
func (b *Builder) boundFor(t types.Type) *universe.Type {
	if tracked(t) {
		return b.declaredFor(t)
	}
	ut, _ := b.u.TypeOf(b.canon(t))
	return ut
}

// containerOf normalizes a container-or-pointer type to the canonical
// structural container used as an element cell key. Named containers key on
// their underlying type so a named map and its unnamed form share a cell,
// and arrays key as slices of the same element so slicing keeps stores and
// loads connected.
func (b *Builder) containerOf(t types.Type) types.Type {
	u := types.Unalias(t).Underlying()
	if p, ok := u.(*types.Pointer); ok {
		u = types.Unalias(p.Elem()).Underlying()
	}
	if arr, ok := u.(*types.Array); ok {
		return b.canon(types.NewSlice(arr.Elem()))
	}
	return b.canon(u)
}

// elemLoc resolves the element cell of a slice, array, map, or channel
// type in the given role. One cell exists per structural container type
// and role: every store into a []T anywhere in the program is visible to
// every load out of one.
func (b *Builder) elemLoc(container types.Type, role string) (location, bool) {
	ct := b.containerOf(container)
	var et types.Type
	switch c := ct.(type) {
	case *types.Slice:
		if role == roleElem {
			et = c.Elem()
		}
	case *types.Map:
		switch role {
		case roleKey:
			et = c.Key()
		case roleValue:
			et = c.Elem()
		}
	case *types.Chan:
		if role == roleElem {
			et = c.Elem()
		}
	}
	if et == nil || !tracked(et) {
		return location{}, false
	}
	d := b.declaredFor(et)
	if d == nil {
		return location{}, false
	}
	return location{
		key:      elemKey{container: ct, role: role},
		label:    role + ":" + ct.String(),
		declared: d,
	}, true
}

// fieldOf returns the canonical field variable for field i of a struct or
// pointer-to-struct type. The struct-bearing type is interned first so
// structurally identical anonymous structs in different packages access one
// variable.
func (b *Builder) fieldOf(t types.Type, i int) *types.Var {
	u := types.Unalias(t)
	if p, ok := u.Underlying().(*types.Pointer); ok {
		u = types.Unalias(p.Elem())
	}
	st, ok := b.canon(u).Underlying().(*types.Struct)
	if !ok || i < 0 || i >= st.NumFields() {
		return nil
	}
	return st.Field(i)
}

// internSignature returns the synthetic interface type for a signature,
// registering it on first sight. Registration happens pre-seal only; the
// scan collects every signature a body can dispatch through.
func (b *Builder) internSignature(sig *types.Signature) *universe.Type {
	key := b.canon(sig)
	b.mu.Lock()
	if t, ok := b.sigIfaces[key]; ok {
		b.mu.Unlock()
		return t
	}
	b.mu.Unlock()
	t := b.u.RegisterSyntheticType(key.String(), true, b.anyType)
	b.mu.Lock()
	b.sigIfaces[key] = t
	b.mu.Unlock()
	return t
}

// registerFunction registers fn as a universe method. Methods hang off
// their receiver type; plain functions and wrappers double as values, so
// each gets a synthetic concrete type whose call selector resolves back to
// the function.
func (b *Builder) registerFunction(fn *ssa.Function) *universe.Method {
	if m, ok := b.u.MethodOf(fn); ok {
		return m
	}
	name := b.funcName(fn)
	if r := fn.Signature.Recv(); r != nil {
		recv := b.u.RegisterGoType(b.canon(r.Type()))
		return b.u.RegisterMethod(name, fn, recv, false)
	}
	sigIface := b.internSignature(fn.Signature)
	ct := b.u.RegisterSyntheticType(name, false, sigIface, b.anyType)
	m := b.u.RegisterMethod(name, fn, ct, false)
	ct.DeclareMethod(callSelector, m)
	b.fnTypes.Store(fn, ct)
	return m
}

// funcName computes the qualified method name. Generic instantiations and
// synthetic wrappers carry go/ssa's rendering, which distinguishes them
// from their origin: a bound-method closure and the method it wraps share
// an object but must not share a name, and the same goes for init#2 and
// the package initializer.
func (b *Builder) funcName(fn *ssa.Function) string {
	obj := fn.Object()
	if obj != nil && len(fn.TypeArgs()) == 0 && fn.Name() == obj.Name() {
		return b.u.Names().ComputeObjectName(obj)
	}
	return fn.String()
}

// resolve is the universe's method resolver: given a concrete receiver type
// from a propagated state and a selector, it finds the implementing method
// through the program's method sets. A miss means the type provides no such
// method and the dispatching invoke skips it.
func (b *Builder) resolve(recv *universe.Type, selector string) (*universe.Method, error) {
	gt := recv.GoType()
	if gt == nil {
		// Synthetic types declare their methods at registration.
		return nil, nil
	}
	if named, ok := types.Unalias(gt).(*types.Named); ok {
		if named.TypeParams().Len() > 0 && named.TypeArgs().Len() == 0 {
			return nil, fmt.Errorf("builder: generic type %s reached dispatch uninstantiated", recv.Name())
		}
	}
	mset := b.prog.MethodSets.MethodSet(gt)
	for i := 0; i < mset.Len(); i++ {
		sel := mset.At(i)
		if sel.Obj().Id() != selector {
			continue
		}
		fn := b.prog.MethodValue(sel)
		if fn == nil {
			return nil, nil
		}
		return b.registerFunction(fn), nil
	}
	return nil, nil
}
