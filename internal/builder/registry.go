package builder

import (
	"go/types"
	"maps"
	"slices"

	"golang.org/x/tools/go/ssa"
)

// collector accumulates one package's registration work during the parallel
// scan. Types and signatures stay raw; canonicalization and identifier
// assignment happen in the sequential registration phase.
type collector struct {
	prog *ssa.Program

	typs []types.Type
	sigs []*types.Signature
	fns  []*ssa.Function

	seenType map[types.Type]bool
	seenSig  map[*types.Signature]bool
	seenFn   map[*ssa.Function]bool
}

// scanPackage collects every type, signature and function a package can put
// into circulation. Members are visited in name order so registration
// assigns the same dense identifiers on every run.
func (b *Builder) scanPackage(sp *ssa.Package) *collector {
	c := &collector{
		prog:     b.prog,
		seenType: make(map[types.Type]bool),
		seenSig:  make(map[*types.Signature]bool),
		seenFn:   make(map[*ssa.Function]bool),
	}
	for _, name := range slices.Sorted(maps.Keys(sp.Members)) {
		switch mem := sp.Members[name].(type) {
		case *ssa.Type:
			c.scanNamedType(mem)
		case *ssa.Global:
			if pt := types.Unalias(mem.Type()).(*types.Pointer).Elem(); tracked(pt) {
				c.addBound(pt)
			}
		case *ssa.Function:
			c.addFn(mem)
		}
	}
	return c
}

// register feeds one collector into the universe. Collectors are processed
// in package path order, their contents in discovery order.
func (b *Builder) register(c *collector) {
	for _, t := range c.typs {
		b.u.RegisterGoType(b.canon(t))
	}
	for _, sig := range c.sigs {
		b.internSignature(sig)
	}
	for _, fn := range c.fns {
		b.registerFunction(fn)
	}
}

// scanNamedType records a named type, its pointer, and the concrete methods
// both method sets resolve to. Materializing wrapper methods here keeps
// dispatch deterministic after the universe seals.
func (c *collector) scanNamedType(mem *ssa.Type) {
	t := types.Unalias(mem.Type())
	if named, ok := t.(*types.Named); ok {
		if named.TypeParams().Len() > 0 && named.TypeArgs().Len() == 0 {
			// generic origin; instantiations surface at their use sites
			return
		}
	}
	c.addBound(t)
	if types.IsInterface(t) {
		return
	}
	ptr := types.NewPointer(t)
	c.addBound(ptr)
	for _, mt := range []types.Type{t, ptr} {
		mset := c.prog.MethodSets.MethodSet(mt)
		for i := 0; i < mset.Len(); i++ {
			if fn := c.prog.MethodValue(mset.At(i)); fn != nil {
				c.addFn(fn)
			}
		}
	}
}

func (c *collector) addFn(fn *ssa.Function) {
	if fn == nil || c.seenFn[fn] {
		return
	}
	c.seenFn[fn] = true
	if fn.TypeParams().Len() > 0 && len(fn.TypeArgs()) == 0 {
		// generic origin; only instantiations execute
		return
	}
	c.fns = append(c.fns, fn)
	c.scanFunction(fn)
}

func (c *collector) scanFunction(fn *ssa.Function) {
	c.addSig(fn.Signature)
	for _, p := range fn.Params {
		c.addBound(p.Type())
	}
	if res := fn.Signature.Results(); res != nil {
		for i := 0; i < res.Len(); i++ {
			c.addBound(res.At(i).Type())
		}
	}
	for _, fv := range fn.FreeVars {
		c.addBound(fv.Type())
	}
	for _, anon := range fn.AnonFuncs {
		c.addFn(anon)
	}
	for _, blk := range fn.Blocks {
		for _, instr := range blk.Instrs {
			c.scanInstruction(instr)
		}
	}
}

// scanInstruction records the types an instruction can mint or route.
// Tracked operand and result types cover most of the instruction set;
// allocations additionally need their concrete types for instantiation
// marking, and MakeInterface its operand type even when untracked.
func (c *collector) scanInstruction(instr ssa.Instruction) {
	switch in := instr.(type) {
	case *ssa.Alloc:
		pt := types.Unalias(in.Type()).(*types.Pointer)
		c.addBound(pt.Elem())
		c.addBound(pt)
	case *ssa.MakeInterface:
		c.addBound(in.X.Type())
	case *ssa.MakeSlice:
		c.addBound(in.Type())
	case *ssa.MakeMap:
		c.addBound(in.Type())
	case *ssa.MakeChan:
		c.addBound(in.Type())
	}

	var rands [8]*ssa.Value
	for _, rand := range instr.Operands(rands[:0]) {
		v := *rand
		if v == nil {
			continue
		}
		if fn, ok := v.(*ssa.Function); ok {
			c.addFn(fn)
			continue
		}
		if tracked(v.Type()) {
			c.addBound(v.Type())
		}
	}

	v, ok := instr.(ssa.Value)
	if !ok {
		return
	}
	if tup, ok := types.Unalias(v.Type()).(*types.Tuple); ok {
		for i := 0; i < tup.Len(); i++ {
			if t := tup.At(i).Type(); tracked(t) {
				c.addBound(t)
			}
		}
		return
	}
	if tracked(v.Type()) {
		c.addBound(v.Type())
	}
}

// addBound records a type the analysis may need a universe entry for.
// Signature-underlying types collapse onto their signature's synthetic
// interface and are never registered themselves.
func (c *collector) addBound(t types.Type) {
	t = types.Unalias(t)
	if _, ok := t.(*types.TypeParam); ok {
		return
	}
	if sig, ok := t.Underlying().(*types.Signature); ok {
		c.addSig(sig)
		return
	}
	if c.seenType[t] {
		return
	}
	c.seenType[t] = true
	c.typs = append(c.typs, t)
}

func (c *collector) addSig(sig *types.Signature) {
	if c.seenSig[sig] {
		return
	}
	c.seenSig[sig] = true
	c.sigs = append(c.sigs, sig)
}
