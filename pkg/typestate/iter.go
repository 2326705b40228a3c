package typestate

import (
	"fmt"

	"github.com/715d/typeflow/pkg/universe"
)

// TypesObjectsIterator walks a state's types and, per type, its objects in
// one pass over the single sorted objects array. It exists for consumers that
// pre-process a type before handling its objects, such as per-type method
// resolution, and avoids re-searching the array for each type's object range.
// It relies on the objects array being sorted by object identifier and on
// object identifiers being monotone in type identifiers.
//
//	it := typestate.NewTypesObjectsIterator(state)
//	for it.HasNextType() {
//		t := it.NextType()
//		for it.HasNextObject(t) {
//			o := it.NextObject(t)
//		}
//	}
type TypesObjectsIterator struct {
	objects    []*universe.Object
	typesCount int
	typeIdx    int
	objIdx     int
}

// NewTypesObjectsIterator builds the tandem iterator. Multi-type states defer
// per-type object materialization, so iterating one is an invariant
// violation; narrow with ExactTypeState and iterate per type instead.
func NewTypesObjectsIterator(s State) *TypesObjectsIterator {
	if IsMulti(s) {
		panic("typestate: tandem iteration over a multi-type state")
	}
	return &TypesObjectsIterator{objects: s.Objects(), typesCount: s.TypesCount()}
}

// HasNextType reports whether objects of an unvisited type remain.
func (it *TypesObjectsIterator) HasNextType() bool {
	return it.typeIdx < it.typesCount
}

// HasNextObject reports whether more objects of the given type remain.
func (it *TypesObjectsIterator) HasNextObject(t *universe.Type) bool {
	return it.objIdx < len(it.objects) && it.objects[it.objIdx].Type().ID() == t.ID()
}

// NextType advances to the next type. The current object cursor must stand on
// the first object of that type, which holds as long as the caller drained
// the previous type's objects.
func (it *TypesObjectsIterator) NextType() *universe.Type {
	if !it.HasNextType() {
		panic("typestate: type iteration past the end")
	}
	it.typeIdx++
	return it.objects[it.objIdx].Type()
}

// NextObject returns the next object of the given type and advances.
func (it *TypesObjectsIterator) NextObject(t *universe.Type) *universe.Object {
	if !it.HasNextObject(t) {
		panic(fmt.Sprintf("typestate: object iteration past the end of type %s", t))
	}
	o := it.objects[it.objIdx]
	it.objIdx++
	return o
}
