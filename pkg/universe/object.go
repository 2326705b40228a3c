package universe

import (
	"fmt"
	"sort"
	"sync/atomic"
)

// ObjectKind distinguishes how an abstract heap object came to exist.
type ObjectKind int

const (
	// ObjectCanonical is the context-insensitive representative of a type.
	ObjectCanonical ObjectKind = iota

	// ObjectAllocation is a context-qualified object tied to an allocation
	// site, minted only by context-sensitive policies.
	ObjectAllocation

	// ObjectConstant models a program constant.
	ObjectConstant
)

// Object is an abstract heap object. Identity is fixed at creation; the
// merged flag is the single monotonic exception, set once when the object
// loses precision by being merged with the canonical representative.
type Object struct {
	id     int
	typ    *Type
	kind   ObjectKind
	merged atomic.Bool
}

// ID returns the dense object identifier, the sort key for object arrays.
func (o *Object) ID() int { return o.id }

// Type returns the exact type of the object.
func (o *Object) Type() *Type { return o.typ }

// Kind reports how the object was created.
func (o *Object) Kind() ObjectKind { return o.kind }

// Merged reports whether the object has lost precision through merging.
func (o *Object) Merged() bool { return o.merged.Load() }

// NoteMerged sets the monotonic merged flag. Idempotent.
func (o *Object) NoteMerged() { o.merged.Store(true) }

func (o *Object) String() string {
	return fmt.Sprintf("%s#%d", o.typ.name, o.id)
}

// SortObjects sorts an object slice in place by ascending identifier.
func SortObjects(objs []*Object) {
	sort.Slice(objs, func(i, j int) bool { return objs[i].id < objs[j].id })
}

// FindObject locates an object by identifier in a slice sorted by SortObjects.
func FindObject(objs []*Object, id int) (*Object, bool) {
	lo, hi := 0, len(objs)
	for lo < hi {
		mid := (lo + hi) / 2
		if objs[mid].id < id {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(objs) && objs[lo].id == id {
		return objs[lo], true
	}
	return nil, false
}

// Context is the opaque key that parameterizes callee linking. Under the
// context-insensitive policy a single empty context exists per run; richer
// policies mint one per distinct key.
type Context struct {
	id  int
	key any
}

// NewContext creates a context handle. Policies own id assignment.
func NewContext(id int, key any) *Context { return &Context{id: id, key: key} }

// ID returns the dense context identifier.
func (c *Context) ID() int { return c.id }

// Key returns the policy-defined context key.
func (c *Context) Key() any { return c.key }
