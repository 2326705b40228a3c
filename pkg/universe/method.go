package universe

import (
	"go/token"
	"sync/atomic"

	"golang.org/x/tools/go/ssa"
)

// Method is the opaque handle to a function or method under analysis.
type Method struct {
	id       int
	name     string
	fn       *ssa.Function // nil for synthetic methods
	recv     *Type         // nil for plain functions
	abstract bool

	reachable atomic.Bool
}

// ID returns the dense method identifier.
func (m *Method) ID() int { return m.id }

// Name returns the qualified method name.
func (m *Method) Name() string { return m.name }

// Func returns the SSA backing, or nil for synthetic methods.
func (m *Method) Func() *ssa.Function { return m.fn }

// Receiver returns the receiver type, or nil for plain functions.
func (m *Method) Receiver() *Type { return m.recv }

// IsAbstract reports whether the method is an interface declaration with no
// body. Abstract methods resolve virtual calls but are never linked.
func (m *Method) IsAbstract() bool { return m.abstract }

// MarkReachable records that the method is reachable from an entry point.
// Returns true on the first transition only, so callers can build the
// method's flow graph exactly once.
func (m *Method) MarkReachable() bool {
	return m.reachable.CompareAndSwap(false, true)
}

// IsReachable reports whether the method was ever marked reachable.
func (m *Method) IsReachable() bool { return m.reachable.Load() }

// Pos returns the declaration position, or token.NoPos for synthetic methods.
func (m *Method) Pos() token.Pos {
	if m.fn == nil {
		return token.NoPos
	}
	return m.fn.Pos()
}

func (m *Method) String() string { return m.name }
