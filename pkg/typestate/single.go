package typestate

import (
	"fmt"
	"iter"
	"sync/atomic"

	"github.com/715d/typeflow/pkg/universe"
)

// Single is the state holding exactly one type. The objects slice is sorted
// by object identifier and is never mutated; under the context-insensitive
// policy it holds the type's canonical object only.
type Single struct {
	typ       *universe.Type
	canBeNull bool
	objects   []*universe.Object
	merged    atomic.Bool
}

func newSingle(t *universe.Type, canBeNull bool, objects []*universe.Object) *Single {
	if len(objects) == 0 {
		panic("typestate: single-type state without objects")
	}
	for _, o := range objects {
		if o.Type() != t {
			panic(fmt.Sprintf("typestate: object %s in single-type state for %s", o, t))
		}
	}
	return &Single{typ: t, canBeNull: canBeNull, objects: objects}
}

func (s *Single) TypesCount() int { return 1 }

func (s *Single) ExactType() *universe.Type { return s.typ }

func (s *Single) ContainsType(t *universe.Type) bool { return s.typ == t }

func (s *Single) Types() iter.Seq[*universe.Type] {
	return func(yield func(*universe.Type) bool) {
		yield(s.typ)
	}
}

func (s *Single) ObjectsCount() int { return len(s.objects) }

func (s *Single) Objects() []*universe.Object { return s.objects }

func (s *Single) ObjectsOfType(t *universe.Type) []*universe.Object {
	if s.typ != t {
		return nil
	}
	return s.objects
}

func (s *Single) ContainsObject(o *universe.Object) bool {
	if s.typ != o.Type() {
		return false
	}
	_, ok := universe.FindObject(s.objects, o.ID())
	return ok
}

func (s *Single) CanBeNull() bool { return s.canBeNull }

// ForCanBeNull returns the receiver when the flag already matches, otherwise
// a sibling sharing the type and objects with flipped nullability.
func (s *Single) ForCanBeNull(canBeNull bool) State {
	if canBeNull == s.canBeNull {
		return s
	}
	sibling := &Single{typ: s.typ, canBeNull: canBeNull, objects: s.objects}
	sibling.merged.Store(s.merged.Load())
	return sibling
}

func (s *Single) ExactTypeState(t *universe.Type) State {
	if s.typ == t {
		return s
	}
	return theEmpty
}

func (s *Single) NoteMerge(p Policy) {
	if !p.MergingEnabled() {
		panic("typestate: merge noted while merging bookkeeping is disabled")
	}
	if s.merged.CompareAndSwap(false, true) {
		for _, o := range s.objects {
			o.NoteMerged()
		}
	}
}

func (s *Single) Merged() bool { return s.merged.Load() }

// Equals compares shape, nullability and exact type. Object arrays are not
// compared: under one policy the objects are derived from the type, so
// type identity already pins them down.
func (s *Single) Equals(o State) bool {
	if State(s) == o {
		return true
	}
	that, ok := o.(*Single)
	return ok && s.canBeNull == that.canBeNull && s.typ == that.typ
}

func (s *Single) String() string {
	if s.canBeNull {
		return "Single<null," + s.typ.Name() + ">"
	}
	return "Single<" + s.typ.Name() + ">"
}

func (s *Single) sealed() {}
