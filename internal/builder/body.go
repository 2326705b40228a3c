package builder

import (
	"go/token"
	"go/types"

	"golang.org/x/tools/go/ssa"

	"github.com/715d/typeflow/internal/flow"
	"github.com/715d/typeflow/pkg/typestate"
	"github.com/715d/typeflow/pkg/universe"
)

// location keys a modeled memory cell. Cells are engine-level merges shared
// by every method that loads or stores them, so stores in one function reach
// loads in another without tracking the pointer itself.
type location struct {
	key      any
	label    string
	declared *universe.Type
}

// elemKey keys container element cells: all elements of all containers of
// one structural shape share a cell, split by role for maps.
type elemKey struct {
	container types.Type
	role      string
}

const (
	roleElem  = "elem"
	roleKey   = "key"
	roleValue = "value"
)

// panicKey keys the single cell panic feeds and recover drains.
type panicKey struct{}

// NewGraph builds the parameter and return skeleton for m. Methods get a
// receiver merge at slot 0 bounded by the receiver type; plain functions
// leave slot 0 empty so argument indices line up across call kinds. One
// merge carries all results; callers split multi-result tuples by declared
// type when extracting.
func (b *Builder) NewGraph(e *flow.Engine, m *universe.Method, ctx *universe.Context) *flow.MethodFlows {
	fn := m.Func()
	if fn == nil || m.IsAbstract() {
		return flow.NewMethodFlows(m, ctx, nil, nil)
	}
	name := m.Name()
	var params []*flow.Flow
	if fn.Signature.Recv() != nil {
		params = make([]*flow.Flow, len(fn.Params))
		if len(fn.Params) > 0 {
			rb := b.boundFor(fn.Params[0].Type())
			params[0] = flow.NewMerge(e, name+".recv", fn.Pos(), rb, rb != nil)
		}
		for i := 1; i < len(fn.Params); i++ {
			params[i] = b.formalFor(e, name, fn.Params[i])
		}
	} else {
		params = make([]*flow.Flow, len(fn.Params)+1)
		for i, p := range fn.Params {
			params[i+1] = b.formalFor(e, name, p)
		}
	}

	var ret *flow.Flow
	res := fn.Signature.Results()
	trackedResults := 0
	var single types.Type
	for i := 0; res != nil && i < res.Len(); i++ {
		if tracked(res.At(i).Type()) {
			trackedResults++
			single = res.At(i).Type()
		}
	}
	if trackedResults > 0 {
		var bound *universe.Type
		if trackedResults == 1 && res.Len() == 1 {
			bound = b.declaredFor(single)
		}
		ret = flow.NewMerge(e, name+".ret", fn.Pos(), bound, bound != nil)
	}
	return flow.NewMethodFlows(m, ctx, params, ret)
}

func (b *Builder) formalFor(e *flow.Engine, name string, p *ssa.Parameter) *flow.Flow {
	if !tracked(p.Type()) {
		return nil
	}
	d := b.declaredFor(p.Type())
	return flow.NewMerge(e, name+"."+p.Name(), p.Pos(), d, d != nil)
}

// Build translates the method body into flow nodes. Bodies are translated
// at most once per context; the engine serializes Build per method state.
func (b *Builder) Build(e *flow.Engine, g *flow.MethodFlows) {
	m := g.Method()
	fn := m.Func()
	if fn == nil || m.IsAbstract() {
		return
	}
	if fn.TypeParams().Len() > 0 && len(fn.TypeArgs()) == 0 {
		e.ReportUnsupported(fn.Pos(), m.Name(), "generic origin reached the graph builder uninstantiated")
		return
	}
	if len(fn.Blocks) == 0 {
		b.seedUnknown(e, g, fn)
		return
	}
	t := &translator{
		b:     b,
		e:     e,
		g:     g,
		fn:    fn,
		nodes: make(map[ssa.Value]*flow.Flow),
		calls: make(map[*ssa.Call]bool),
	}
	for _, blk := range fn.Blocks {
		for _, instr := range blk.Instrs {
			t.instruction(instr)
		}
	}
	if reason, ok := b.external[m]; ok {
		b.seedParams(e, g, fn, reason)
	}
}

// seedUnknown models a function whose body is unavailable: the return
// carries every instantiated type assignable to the declared result types,
// and the gap is reported.
func (b *Builder) seedUnknown(e *flow.Engine, g *flow.MethodFlows, fn *ssa.Function) {
	e.ReportUnsupported(fn.Pos(), g.Method().Name(), "body unavailable, results assume their declared types")
	ret := g.Return()
	if ret == nil {
		return
	}
	res := fn.Signature.Results()
	for i := 0; res != nil && i < res.Len(); i++ {
		rt := res.At(i).Type()
		if !tracked(rt) {
			continue
		}
		if d := b.declaredFor(rt); d != nil {
			e.DeclaredTypeFlow(d).AddUse(e, ret)
		}
	}
}

// seedParams feeds declared type states into the parameters of methods
// reachable from outside the analyzed code.
func (b *Builder) seedParams(e *flow.Engine, g *flow.MethodFlows, fn *ssa.Function, reason string) {
	e.ReportUnsupported(fn.Pos(), g.Method().Name(), reason+", parameters assume their declared types")
	offset := 1
	if fn.Signature.Recv() != nil {
		offset = 0
	}
	for i, p := range fn.Params {
		if !tracked(p.Type()) {
			continue
		}
		formal := g.Param(i + offset)
		if formal == nil {
			continue
		}
		if d := b.declaredFor(p.Type()); d != nil {
			e.DeclaredTypeFlow(d).AddUse(e, formal)
		}
	}
}

// translator wires one method body. Nodes are created lazily per value; the
// map entry is published before inputs are wired so cyclic data flow, phis
// over loop back edges, terminates.
type translator struct {
	b  *Builder
	e  *flow.Engine
	g  *flow.MethodFlows
	fn *ssa.Function

	nodes  map[ssa.Value]*flow.Flow
	calls  map[*ssa.Call]bool
	nilSrc *flow.Flow
}

// instruction handles effects: calls, stores, sends, panics and returns.
// Pure value instructions are wired lazily from their uses; allocation
// instructions mark their types instantiated whether or not the value is
// used.
func (t *translator) instruction(instr ssa.Instruction) {
	switch in := instr.(type) {
	case *ssa.Call:
		t.ensureCall(in)
	case *ssa.Go:
		t.call(in.Common(), nil, in.Pos())
	case *ssa.Defer:
		t.call(in.Common(), nil, in.Pos())
	case *ssa.Store:
		t.store(in.Addr, in.Val)
	case *ssa.MapUpdate:
		if vf := t.valueFlow(in.Value); vf != nil {
			if loc, ok := t.b.elemLoc(in.Map.Type(), roleValue); ok {
				vf.AddUse(t.e, t.locCell(loc))
			}
		}
		if kf := t.valueFlow(in.Key); kf != nil {
			if loc, ok := t.b.elemLoc(in.Map.Type(), roleKey); ok {
				kf.AddUse(t.e, t.locCell(loc))
			}
		}
	case *ssa.Send:
		if vf := t.valueFlow(in.X); vf != nil {
			if loc, ok := t.b.elemLoc(in.Chan.Type(), roleElem); ok {
				vf.AddUse(t.e, t.locCell(loc))
			}
		}
	case *ssa.Select:
		for _, st := range in.States {
			if st.Dir != types.SendOnly || st.Send == nil {
				continue
			}
			if sf := t.valueFlow(st.Send); sf != nil {
				if loc, ok := t.b.elemLoc(st.Chan.Type(), roleElem); ok {
					sf.AddUse(t.e, t.locCell(loc))
				}
			}
		}
	case *ssa.Panic:
		if vf := t.valueFlow(in.X); vf != nil {
			vf.AddUse(t.e, t.panicCell())
		}
	case *ssa.Return:
		ret := t.g.Return()
		if ret == nil {
			return
		}
		for _, r := range in.Results {
			if rf := t.valueFlow(r); rf != nil {
				rf.AddUse(t.e, ret)
			}
		}
	case *ssa.MakeInterface:
		t.node(in)
	case *ssa.MakeClosure:
		t.node(in)
	case *ssa.Alloc:
		pt := types.Unalias(in.Type()).(*types.Pointer)
		if el := t.b.boundFor(pt.Elem()); el != nil && !el.IsInterface() {
			t.e.MarkInstantiated(el)
		}
		if pb := t.b.boundFor(pt); pb != nil {
			t.e.MarkInstantiated(pb)
		}
	case *ssa.MakeSlice:
		t.markMake(in.Type())
	case *ssa.MakeMap:
		t.markMake(in.Type())
	case *ssa.MakeChan:
		t.markMake(in.Type())
	}
}

func (t *translator) markMake(typ types.Type) {
	if ct := t.b.boundFor(typ); ct != nil {
		t.e.MarkInstantiated(ct)
	}
}

// valueFlow returns the flow carrying v's states, nil when v is untracked.
func (t *translator) valueFlow(v ssa.Value) *flow.Flow {
	switch c := v.(type) {
	case *ssa.Const:
		if !tracked(v.Type()) {
			return nil
		}
		// the only constants of tracked types are nil
		return t.nilFlow()
	case *ssa.Function:
		return t.funcValue(c)
	case *ssa.Global:
		return nil
	}
	if !tracked(v.Type()) {
		return nil
	}
	return t.node(v)
}

// node returns the flow node for a tracked value, creating and wiring it on
// first request.
func (t *translator) node(v ssa.Value) *flow.Flow {
	if f, ok := t.nodes[v]; ok {
		return f
	}
	if call, ok := v.(*ssa.Call); ok {
		t.ensureCall(call)
		return t.nodes[call]
	}
	f := t.newNodeFor(v)
	t.nodes[v] = f
	t.wire(v, f)
	return f
}

func (t *translator) newNodeFor(v ssa.Value) *flow.Flow {
	switch in := v.(type) {
	case *ssa.Parameter:
		if f := t.g.Param(t.paramSlot(in)); f != nil {
			return f
		}
		return t.fallback(in)
	case *ssa.FreeVar:
		return t.freeVarCell(in)
	case *ssa.Phi, *ssa.MakeInterface, *ssa.MakeClosure, *ssa.ChangeType:
		d := t.b.declaredFor(v.Type())
		return flow.NewMerge(t.e, t.label(v), v.Pos(), d, d != nil)
	case *ssa.ChangeInterface:
		return t.filterNode(v, types.Unalias(v.Type()), v.Pos())
	case *ssa.TypeAssert:
		// the comma-ok variant is a tuple reached through Extract
		return t.filterNode(v, in.AssertedType, in.Pos())
	case *ssa.Extract:
		return t.extractNode(in)
	case *ssa.UnOp:
		switch in.Op {
		case token.MUL:
			if loc, ok := t.resolveLoc(in.X); ok {
				return t.locCell(loc)
			}
			return t.fallback(in)
		case token.ARROW:
			if loc, ok := t.b.elemLoc(in.X.Type(), roleElem); ok {
				return t.locCell(loc)
			}
			return t.fallback(in)
		}
		return t.fallback(in)
	case *ssa.Lookup:
		if loc, ok := t.b.elemLoc(in.X.Type(), roleValue); ok {
			return t.locCell(loc)
		}
		return t.fallback(in)
	case *ssa.Index:
		if loc, ok := t.b.elemLoc(in.X.Type(), roleElem); ok {
			return t.locCell(loc)
		}
		return t.fallback(in)
	case *ssa.Field:
		if fv := t.b.fieldOf(in.X.Type(), in.Field); fv != nil && tracked(fv.Type()) {
			return t.fieldCell(fv)
		}
		return t.fallback(in)
	default:
		return t.fallback(v)
	}
}

// filterNode narrows a flow to the instantiated types assignable to target,
// the node for type assertions and interface conversions.
func (t *translator) filterNode(v ssa.Value, target types.Type, pos token.Pos) *flow.Flow {
	if d := t.b.declaredFor(target); d != nil {
		return flow.NewIncludeFilter(t.e, t.label(v), pos, d, t.e.DeclaredTypeFlow(d))
	}
	t.e.ReportUnsupported(pos, t.g.Method().Name(), "conversion target missing from the registered universe")
	return flow.NewMerge(t.e, t.label(v), pos, nil, false)
}

func (t *translator) extractNode(in *ssa.Extract) *flow.Flow {
	switch tup := in.Tuple.(type) {
	case *ssa.TypeAssert:
		if in.Index == 0 {
			return t.filterNode(in, tup.AssertedType, tup.Pos())
		}
	case *ssa.Call:
		if d := t.b.declaredFor(in.Type()); d != nil {
			return flow.NewIncludeFilter(t.e, t.label(in), tup.Pos(), d, t.e.DeclaredTypeFlow(d))
		}
		t.e.ReportUnsupported(tup.Pos(), t.g.Method().Name(), "call result type missing from the registered universe")
		return flow.NewMerge(t.e, t.label(in), tup.Pos(), nil, false)
	case *ssa.UnOp:
		if tup.Op == token.ARROW && in.Index == 0 {
			if loc, ok := t.b.elemLoc(tup.X.Type(), roleElem); ok {
				return t.locCell(loc)
			}
		}
	case *ssa.Lookup:
		if in.Index == 0 {
			if loc, ok := t.b.elemLoc(tup.X.Type(), roleValue); ok {
				return t.locCell(loc)
			}
		}
	case *ssa.Next:
		if rng, ok := tup.Iter.(*ssa.Range); ok && !tup.IsString && (in.Index == 1 || in.Index == 2) {
			role := roleKey
			if in.Index == 2 {
				role = roleValue
			}
			if loc, ok := t.b.elemLoc(rng.X.Type(), role); ok {
				return t.locCell(loc)
			}
		}
	case *ssa.Select:
		if in.Index >= 2 {
			k := in.Index - 2
			for _, st := range tup.States {
				if st.Dir != types.RecvOnly {
					continue
				}
				if k == 0 {
					if loc, ok := t.b.elemLoc(st.Chan.Type(), roleElem); ok {
						return t.locCell(loc)
					}
					break
				}
				k--
			}
		}
	}
	return t.fallback(in)
}

// wire connects a freshly created node to its inputs. Shared cells and
// formals need no wiring; their inputs come from stores and callers.
func (t *translator) wire(v ssa.Value, f *flow.Flow) {
	switch in := v.(type) {
	case *ssa.Phi:
		for _, edge := range in.Edges {
			if ef := t.valueFlow(edge); ef != nil {
				ef.AddUse(t.e, f)
			}
		}
	case *ssa.TypeAssert:
		if xf := t.valueFlow(in.X); xf != nil {
			xf.AddUse(t.e, f)
		}
	case *ssa.ChangeInterface:
		if xf := t.valueFlow(in.X); xf != nil {
			xf.AddUse(t.e, f)
		}
	case *ssa.ChangeType:
		if xf := t.valueFlow(in.X); xf != nil {
			xf.AddUse(t.e, f)
		}
	case *ssa.MakeInterface:
		t.wireMakeInterface(in, f)
	case *ssa.MakeClosure:
		t.wireMakeClosure(in, f)
	case *ssa.Extract:
		t.wireExtract(in, f)
	}
}

func (t *translator) wireExtract(in *ssa.Extract, f *flow.Flow) {
	switch tup := in.Tuple.(type) {
	case *ssa.TypeAssert:
		if in.Index == 0 {
			if xf := t.valueFlow(tup.X); xf != nil {
				xf.AddUse(t.e, f)
			}
		}
	case *ssa.Call:
		t.ensureCall(tup)
		if ret := t.nodes[tup]; ret != nil && ret != f {
			ret.AddUse(t.e, f)
		}
	}
}

func (t *translator) wireMakeInterface(in *ssa.MakeInterface, f *flow.Flow) {
	if tracked(in.X.Type()) {
		// boxing a function value keeps its synthetic type states
		if xf := t.valueFlow(in.X); xf != nil {
			xf.AddUse(t.e, f)
		}
		return
	}
	xt := t.b.boundFor(in.X.Type())
	if xt == nil {
		t.e.ReportUnsupported(in.Pos(), t.g.Method().Name(), "boxed type missing from the registered universe")
		return
	}
	t.e.MarkInstantiated(xt)
	f.AddInput(t.e, typestate.ForExactType(t.e.Policy(), xt, false))
}

// wireMakeClosure binds the captured variables before publishing the
// closure's exact state: a callee resolved from that state observes the
// bindings through the map's happens-before.
func (t *translator) wireMakeClosure(in *ssa.MakeClosure, f *flow.Flow) {
	fn := in.Fn.(*ssa.Function)
	for i, binding := range in.Bindings {
		fv := fn.FreeVars[i]
		if tracked(fv.Type()) {
			if bf := t.valueFlow(binding); bf != nil {
				bf.AddUse(t.e, t.freeVarCell(fv))
			}
			continue
		}
		if loc, ok := t.resolveLoc(binding); ok {
			t.b.freevars.Store(fv, loc)
		}
	}
	ct, ok := t.b.fnTypes.Load(fn)
	if !ok {
		t.e.ReportUnsupported(in.Pos(), t.g.Method().Name(), "closure target missing from the registered universe")
		return
	}
	t.e.MarkInstantiated(ct)
	f.AddInput(t.e, typestate.ForExactType(t.e.Policy(), ct, false))
}

// funcValue models a function referenced as a value: a shared cell holding
// the exact state of the function's synthetic type.
func (t *translator) funcValue(fn *ssa.Function) *flow.Flow {
	ct, ok := t.b.fnTypes.Load(fn)
	if !ok {
		t.e.ReportUnsupported(fn.Pos(), t.g.Method().Name(), "function value missing from the registered universe")
		return nil
	}
	cell := t.e.FieldFlow(fn, "func:"+fn.String(), t.b.declaredFor(fn.Signature))
	t.e.MarkInstantiated(ct)
	cell.AddInput(t.e, typestate.ForExactType(t.e.Policy(), ct, false))
	return cell
}

func (t *translator) nilFlow() *flow.Flow {
	if t.nilSrc == nil {
		t.nilSrc = flow.NewSource(t.e, t.g.Method().Name()+".nil", token.NoPos, nil)
		t.nilSrc.AddInput(t.e, typestate.Null())
	}
	return t.nilSrc
}

// fallback conservatively models a value the translator cannot trace as the
// declared type flow of its static type.
func (t *translator) fallback(v ssa.Value) *flow.Flow {
	if d := t.b.declaredFor(v.Type()); d != nil {
		return t.e.DeclaredTypeFlow(d)
	}
	t.e.ReportUnsupported(v.Pos(), t.g.Method().Name(), "value type missing from the registered universe")
	return flow.NewMerge(t.e, t.label(v), v.Pos(), nil, false)
}

func (t *translator) paramSlot(p *ssa.Parameter) int {
	for i, fp := range t.fn.Params {
		if fp == p {
			if t.fn.Signature.Recv() == nil {
				return i + 1
			}
			return i
		}
	}
	return -1
}

func (t *translator) label(v ssa.Value) string {
	return t.g.Method().Name() + "." + v.Name()
}

func (t *translator) locCell(loc location) *flow.Flow {
	return t.e.FieldFlow(loc.key, loc.label, loc.declared)
}

func (t *translator) fieldCell(fv *types.Var) *flow.Flow {
	return t.e.FieldFlow(fv, "field:"+fv.Name(), t.b.declaredFor(fv.Type()))
}

func (t *translator) freeVarCell(fv *ssa.FreeVar) *flow.Flow {
	return t.e.FieldFlow(fv, "capture:"+fv.Name(), t.b.declaredFor(fv.Type()))
}

func (t *translator) panicCell() *flow.Flow {
	return t.e.FieldFlow(panicKey{}, "panic", t.b.anyType)
}

// store feeds a tracked value into the cell its address resolves to.
// Unresolved targets drop the store; the matching loads fall back to the
// declared type flow, which covers anything a dropped store could write.
func (t *translator) store(addr, val ssa.Value) {
	vf := t.valueFlow(val)
	if vf == nil {
		return
	}
	if loc, ok := t.resolveLoc(addr); ok {
		vf.AddUse(t.e, t.locCell(loc))
	}
}

// resolveLoc maps an address value to a modeled memory cell. Only cells
// with tracked content are modeled.
func (t *translator) resolveLoc(addr ssa.Value) (location, bool) {
	switch a := addr.(type) {
	case *ssa.Global:
		pt := types.Unalias(a.Type()).(*types.Pointer).Elem()
		if !tracked(pt) {
			return location{}, false
		}
		return location{key: a, label: "global:" + a.String(), declared: t.b.declaredFor(pt)}, true
	case *ssa.Alloc:
		pt := types.Unalias(a.Type()).(*types.Pointer).Elem()
		if !tracked(pt) {
			return location{}, false
		}
		return location{key: a, label: "local:" + t.label(a), declared: t.b.declaredFor(pt)}, true
	case *ssa.FieldAddr:
		fv := t.b.fieldOf(a.X.Type(), a.Field)
		if fv == nil || !tracked(fv.Type()) {
			return location{}, false
		}
		return location{key: fv, label: "field:" + fv.Name(), declared: t.b.declaredFor(fv.Type())}, true
	case *ssa.IndexAddr:
		return t.b.elemLoc(a.X.Type(), roleElem)
	case *ssa.FreeVar:
		if loc, ok := t.b.freevars.Load(a); ok {
			return loc, true
		}
		return location{}, false
	}
	return location{}, false
}

// ensureCall wires a call instruction exactly once. The return merge is
// published before arguments are wired so argument cycles through the
// call's own result terminate.
func (t *translator) ensureCall(in *ssa.Call) {
	if t.calls[in] {
		return
	}
	t.calls[in] = true
	ret := t.retFlowFor(in)
	if ret != nil {
		t.nodes[in] = ret
	}
	t.call(in.Common(), ret, in.Pos())
}

// retFlowFor creates the actual return merge for a call, nil when no result
// carries type states. Multi-result calls share one merge; extraction
// filters it by position type.
func (t *translator) retFlowFor(in *ssa.Call) *flow.Flow {
	if tup, ok := types.Unalias(in.Type()).(*types.Tuple); ok {
		for i := 0; i < tup.Len(); i++ {
			if tracked(tup.At(i).Type()) {
				return flow.NewMerge(t.e, t.label(in)+".ret", in.Pos(), nil, false)
			}
		}
		return nil
	}
	if !tracked(in.Type()) {
		return nil
	}
	d := t.b.declaredFor(in.Type())
	return flow.NewMerge(t.e, t.label(in)+".ret", in.Pos(), d, d != nil)
}

func (t *translator) call(cc *ssa.CallCommon, ret *flow.Flow, pos token.Pos) {
	if cc.IsInvoke() {
		t.invokeCall(cc, ret, pos)
		return
	}
	if bi, ok := cc.Value.(*ssa.Builtin); ok {
		t.builtinCall(cc, bi, ret)
		return
	}
	if callee := cc.StaticCallee(); callee != nil {
		t.staticCall(cc, callee, ret, pos)
		return
	}
	t.dynamicCall(cc, ret, pos)
}

// invokeCall models interface dispatch: every receiver type observed on the
// interface flow resolves through the method sets, and the site saturates to
// the shared declared-type invoke past the cutoff.
func (t *translator) invokeCall(cc *ssa.CallCommon, ret *flow.Flow, pos token.Pos) {
	recv := t.valueFlow(cc.Value)
	declRecv := t.b.declaredFor(cc.Value.Type())
	if recv == nil || declRecv == nil {
		t.e.ReportUnsupported(pos, t.g.Method().Name(), "interface dispatch without a modeled receiver")
		return
	}
	check := flow.NewNullCheck(t.e, t.label(cc.Value)+".recv", pos, declRecv, true)
	recv.AddUse(t.e, check)
	params := make([]*flow.Flow, 1+len(cc.Args))
	params[0] = check
	for i, a := range cc.Args {
		params[1+i] = t.valueFlow(a)
	}
	t.g.AddInvoke(flow.NewVirtualInvoke(t.e, flow.CallVirtual, cc.Method.Id(), pos, declRecv, check, params, ret))
}

// dynamicCall models a call through a function value as virtual dispatch on
// the signature's synthetic interface.
func (t *translator) dynamicCall(cc *ssa.CallCommon, ret *flow.Flow, pos token.Pos) {
	fnFlow := t.valueFlow(cc.Value)
	declRecv := t.b.declaredFor(cc.Value.Type())
	if fnFlow == nil || declRecv == nil {
		t.e.ReportUnsupported(pos, t.g.Method().Name(), "dynamic call through an unmodeled function value")
		return
	}
	check := flow.NewNullCheck(t.e, t.label(cc.Value)+".callee", pos, declRecv, true)
	fnFlow.AddUse(t.e, check)
	params := make([]*flow.Flow, 1+len(cc.Args))
	params[0] = check
	for i, a := range cc.Args {
		params[1+i] = t.valueFlow(a)
	}
	t.g.AddInvoke(flow.NewVirtualInvoke(t.e, flow.CallDynamic, callSelector, pos, declRecv, check, params, ret))
}

func (t *translator) staticCall(cc *ssa.CallCommon, callee *ssa.Function, ret *flow.Flow, pos token.Pos) {
	if callee.TypeParams().Len() > 0 && len(callee.TypeArgs()) == 0 {
		t.e.ReportUnsupported(pos, t.g.Method().Name(), "generic origin called without instantiation")
		return
	}
	m, ok := t.b.u.MethodOf(callee)
	if !ok {
		t.e.ReportUnsupported(pos, t.g.Method().Name(), "static callee missing from the registered universe")
		return
	}
	if callee.Signature.Recv() != nil && len(cc.Args) > 0 && !tracked(cc.Args[0].Type()) {
		t.specialCall(cc, m, ret, pos)
		return
	}
	recvOffset := 1
	if callee.Signature.Recv() != nil {
		recvOffset = 0
	}
	flows := t.e.FlowsOf(m, t.e.Policy().EmptyContext())
	for i, a := range cc.Args {
		if af := t.valueFlow(a); af != nil {
			if formal := flows.Param(i + recvOffset); formal != nil {
				af.AddUse(t.e, formal)
			}
		}
	}
	if ret != nil {
		if cret := flows.Return(); cret != nil {
			cret.AddUse(t.e, ret)
		}
	}
	t.g.AddInvoke(flow.NewStaticInvoke(m, pos))
}

// specialCall links a statically bound method through its receiver type:
// the edge materializes only once the type is instantiated somewhere in the
// program.
func (t *translator) specialCall(cc *ssa.CallCommon, m *universe.Method, ret *flow.Flow, pos token.Pos) {
	rt := cc.Args[0].Type()
	rb := t.b.boundFor(rt)
	if rb == nil {
		t.e.ReportUnsupported(pos, t.g.Method().Name(), "receiver type missing from the registered universe")
		return
	}
	if _, isPtr := types.Unalias(rt).Underlying().(*types.Pointer); !isPtr {
		// a register-lifted value receiver reaches the site without any
		// allocation, so the call itself instantiates the type
		t.e.MarkInstantiated(rb)
	}
	recv := t.e.DeclaredTypeFlow(rb)
	params := make([]*flow.Flow, len(cc.Args))
	params[0] = recv
	for i := 1; i < len(cc.Args); i++ {
		params[i] = t.valueFlow(cc.Args[i])
	}
	t.g.AddInvoke(flow.NewSpecialInvoke(t.e, m, pos, recv, params, ret))
}

func (t *translator) builtinCall(cc *ssa.CallCommon, bi *ssa.Builtin, ret *flow.Flow) {
	switch bi.Name() {
	case "append":
		loc, ok := t.b.elemLoc(cc.Args[0].Type(), roleElem)
		if !ok {
			return
		}
		cell := t.locCell(loc)
		// a spread append copies between cells of the same shape, a no-op
		for _, a := range cc.Args[1:] {
			if af := t.valueFlow(a); af != nil {
				af.AddUse(t.e, cell)
			}
		}
	case "recover":
		if ret != nil {
			t.panicCell().AddUse(t.e, ret)
		}
	}
}
