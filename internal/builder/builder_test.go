package builder

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"go/types"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/715d/typeflow/internal/flow"
	"github.com/715d/typeflow/internal/scheduler"
	"github.com/715d/typeflow/pkg/typestate"
	"github.com/715d/typeflow/pkg/universe"
)

type world struct {
	u *universe.Universe
	b *Builder
	e *flow.Engine
	p typestate.Policy
}

// buildProg compiles a single import-free source file to SSA. The package
// path is fixed so qualified names in assertions stay short.
func buildProg(t *testing.T, src string) *ssa.Program {
	t.Helper()
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "main.go", src, parser.ParseComments)
	require.NoError(t, err)
	tpkg := types.NewPackage("example.org/app", f.Name.Name)
	spkg, _, err := ssautil.BuildPackage(
		&types.Config{}, fset, tpkg, []*ast.File{f},
		ssa.SanityCheckFunctions|ssa.InstantiateGenerics,
	)
	require.NoError(t, err)
	return spkg.Prog
}

// analyze registers src into a fresh universe and propagates from the
// roots on the inline executor, so all states are final on return.
func analyze(t *testing.T, src string, entries ...string) *world {
	t.Helper()
	prog := buildProg(t, src)
	u := universe.New()
	b, err := New(u, Config{Program: prog, EntryPoints: entries})
	require.NoError(t, err)
	u.Seal()

	p := typestate.NewContextInsensitivePolicy(u, typestate.PolicyConfig{})
	e := flow.NewEngine(flow.Config{
		Universe: u,
		Policy:   p,
		Executor: scheduler.NewInline(),
		Builder:  b,
	})
	for _, m := range b.Roots() {
		e.FlowsOf(m, p.EmptyContext())
	}
	require.NoError(t, e.Wait())
	return &world{u: u, b: b, e: e, p: p}
}

func (w *world) method(t *testing.T, name string) *universe.Method {
	t.Helper()
	for _, m := range w.u.Methods() {
		if m.Name() == name {
			return m
		}
	}
	require.Failf(t, "method not registered", "no method named %s", name)
	return nil
}

func (w *world) flowsOf(t *testing.T, name string) *flow.MethodFlows {
	t.Helper()
	g := w.e.FlowsOf(w.method(t, name), w.p.EmptyContext())
	require.NoError(t, w.e.Wait())
	return g
}

func findInvoke(t *testing.T, g *flow.MethodFlows, kind flow.CallKind, selector string) flow.Invoke {
	t.Helper()
	for _, iv := range g.Invokes() {
		if iv.Kind() == kind && iv.Selector() == selector {
			return iv
		}
	}
	require.Failf(t, "invoke not found", "no %s invoke of %q in %s", kind, selector, g.Method().Name())
	return nil
}

func typeNames(s typestate.State) []string {
	var out []string
	for ty := range s.Types() {
		out = append(out, ty.Name())
	}
	slices.Sort(out)
	return out
}

func calleeNames(iv flow.Invoke) []string {
	var out []string
	for _, m := range iv.Callees() {
		out = append(out, m.Name())
	}
	slices.Sort(out)
	return out
}

func TestVirtualDispatchResolvesInstantiatedTypesOnly(t *testing.T) {
	w := analyze(t, `
package main

type Speaker interface{ Speak() string }

type Dog struct{}

func (Dog) Speak() string { return "woof" }

type Cat struct{}

func (Cat) Speak() string { return "meow" }

func run() {
	var s Speaker = Dog{}
	s.Speak()
}

func main() { run() }
`)
	iv := findInvoke(t, w.flowsOf(t, "example.org/app.run"), flow.CallVirtual, "Speak")
	require.Equal(t, []string{"example.org/app.Dog.Speak"}, calleeNames(iv))
	require.True(t, w.method(t, "example.org/app.Dog.Speak").IsReachable())
	require.False(t, w.method(t, "example.org/app.Cat.Speak").IsReachable())
}

func TestDynamicCallResolvesEveryFunctionValue(t *testing.T) {
	w := analyze(t, `
package main

func hello() string { return "hello" }

func world() string { return "world" }

var flag bool

func pick() func() string {
	if flag {
		return hello
	}
	return world
}

func main() {
	f := pick()
	f()
}
`)
	iv := findInvoke(t, w.flowsOf(t, "example.org/app.main"), flow.CallDynamic, "call")
	require.Equal(t,
		[]string{"example.org/app.hello", "example.org/app.world"},
		calleeNames(iv),
	)
	require.True(t, w.method(t, "example.org/app.hello").IsReachable())
	require.True(t, w.method(t, "example.org/app.world").IsReachable())
}

func TestTypeAssertNarrowsToAssignableTypes(t *testing.T) {
	w := analyze(t, `
package main

type Animal interface{ Kind() string }

type Loud interface {
	Animal
	Volume() int
}

type Horn struct{}

func (Horn) Kind() string { return "horn" }

func (Horn) Volume() int { return 11 }

type Mouse struct{}

func (Mouse) Kind() string { return "mouse" }

func classify(a Animal) int {
	if l, ok := a.(Loud); ok {
		return l.Volume()
	}
	return 0
}

func main() {
	classify(Horn{})
	classify(Mouse{})
}
`)
	g := w.flowsOf(t, "example.org/app.classify")
	require.Equal(t,
		[]string{"example.org/app.Horn", "example.org/app.Mouse"},
		typeNames(g.Param(1).State()),
	)
	iv := findInvoke(t, g, flow.CallVirtual, "Volume")
	require.Equal(t, []string{"example.org/app.Horn.Volume"}, calleeNames(iv))
}

func TestStaticCallLinksArgumentsAndReturn(t *testing.T) {
	w := analyze(t, `
package main

type Greeter interface{ Greet() string }

type English struct{}

func (English) Greet() string { return "hi" }

func pass(g Greeter) Greeter { return g }

func main() {
	var g Greeter = English{}
	pass(g)
}
`)
	findInvoke(t, w.flowsOf(t, "example.org/app.main"), flow.CallStatic, "example.org/app.pass")
	g := w.flowsOf(t, "example.org/app.pass")
	require.Nil(t, g.Param(0), "plain functions keep the receiver slot empty")
	require.Equal(t, []string{"example.org/app.English"}, typeNames(g.Param(1).State()))
	require.Equal(t, []string{"example.org/app.English"}, typeNames(g.Return().State()))
}

func TestSpecialInvokeWaitsForReceiverInstantiation(t *testing.T) {
	src := `
package main

type Logger struct{ n int }

func (l *Logger) Log() { l.n++ }

func logIt(l *Logger) { l.Log() }

func main() {
	logIt(%s)
}
`
	t.Run("never_instantiated", func(t *testing.T) {
		w := analyze(t, fmt.Sprintf(src, "nil"))
		iv := findInvoke(t, w.flowsOf(t, "example.org/app.logIt"), flow.CallSpecial, "example.org/app.*Logger.Log")
		require.Empty(t, iv.Callees())
		require.False(t, w.method(t, "example.org/app.*Logger.Log").IsReachable())
	})

	t.Run("instantiated", func(t *testing.T) {
		w := analyze(t, fmt.Sprintf(src, "&Logger{}"))
		iv := findInvoke(t, w.flowsOf(t, "example.org/app.logIt"), flow.CallSpecial, "example.org/app.*Logger.Log")
		require.Equal(t, []string{"example.org/app.*Logger.Log"}, calleeNames(iv))
		g := w.flowsOf(t, "example.org/app.*Logger.Log")
		require.Equal(t, []string{"*example.org/app.Logger"}, typeNames(g.Param(0).State()))
	})
}

func TestClosureCaptureCarriesStates(t *testing.T) {
	w := analyze(t, `
package main

type Event interface{ Name() string }

type Click struct{}

func (Click) Name() string { return "click" }

func handler() func() Event {
	var last Event = Click{}
	return func() Event { return last }
}

func main() {
	h := handler()
	h()
}
`)
	iv := findInvoke(t, w.flowsOf(t, "example.org/app.main"), flow.CallDynamic, "call")
	require.Equal(t, []string{"example.org/app.handler$1"}, calleeNames(iv))
	g := w.flowsOf(t, "example.org/app.handler$1")
	require.Equal(t, []string{"example.org/app.Click"}, typeNames(g.Return().State()))
}

func TestUnmodeledPointerLoadFallsBackToDeclared(t *testing.T) {
	w := analyze(t, `
package main

type Shape interface{ Area() int }

type Square struct{}

func (Square) Area() int { return 1 }

func load(p *Shape) Shape { return *p }

func main() {
	var sq Shape = Square{}
	_ = sq
	load(nil)
}
`)
	g := w.flowsOf(t, "example.org/app.load")
	require.Equal(t, []string{"example.org/app.Square"}, typeNames(g.Return().State()))
}

func TestGlobalStoresReachGlobalLoads(t *testing.T) {
	w := analyze(t, `
package main

type Codec interface{ Encode() byte }

type JSON struct{}

func (JSON) Encode() byte { return 'j' }

var active Codec

func install() { active = JSON{} }

func current() Codec { return active }

func main() {
	install()
	current()
}
`)
	g := w.flowsOf(t, "example.org/app.current")
	require.Equal(t, []string{"example.org/app.JSON"}, typeNames(g.Return().State()))
}

func TestRootsAndEntryPointSeeding(t *testing.T) {
	w := analyze(t, `
package app

type Task interface{ Do() }

type Job struct{}

func (Job) Do() {}

var pool []Task

func init() { pool = append(pool, Job{}) }

func Start(t Task) { t.Do() }

func Drain() { pool[0].Do() }
`, "example.org/app.Start", "example.org/app.Drain")

	var roots []string
	for _, m := range w.b.Roots() {
		roots = append(roots, m.Name())
	}
	require.Contains(t, roots, "example.org/app.init")
	require.Contains(t, roots, "example.org/app.Start")
	require.Contains(t, roots, "example.org/app.Drain")

	g := w.flowsOf(t, "example.org/app.Start")
	require.Equal(t, []string{"example.org/app.Job"}, typeNames(g.Param(1).State()))
	iv := findInvoke(t, g, flow.CallVirtual, "Do")
	require.Equal(t, []string{"example.org/app.Job.Do"}, calleeNames(iv))

	drain := findInvoke(t, w.flowsOf(t, "example.org/app.Drain"), flow.CallVirtual, "Do")
	require.Equal(t, []string{"example.org/app.Job.Do"}, calleeNames(drain))

	var seeded []string
	for _, r := range w.e.Reports() {
		seeded = append(seeded, r.Site)
	}
	require.Contains(t, seeded, "example.org/app.Start")
	require.Contains(t, seeded, "example.org/app.Drain")
}

func TestUnknownEntryPointFailsConstruction(t *testing.T) {
	prog := buildProg(t, `
package app

func Known() {}
`)
	u := universe.New()
	_, err := New(u, Config{Program: prog, EntryPoints: []string{"example.org/app.Missing"}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "example.org/app.Missing")
}

func TestGenericInstanceFlows(t *testing.T) {
	w := analyze(t, `
package main

type Box[T any] struct{ v T }

func (b Box[T]) Get() T { return b.v }

type Item interface{ ID() int }

type Widget struct{}

func (Widget) ID() int { return 7 }

func main() {
	b := Box[Item]{v: Widget{}}
	b.Get().ID()
}
`)
	g := w.flowsOf(t, "example.org/app.main")
	var special flow.Invoke
	for _, iv := range g.Invokes() {
		if iv.Kind() == flow.CallSpecial {
			special = iv
		}
	}
	require.NotNil(t, special, "the instantiated Get should be a special invoke")
	callees := special.Callees()
	require.Len(t, callees, 1)
	require.True(t, callees[0].IsReachable())

	get := w.e.FlowsOf(callees[0], w.p.EmptyContext())
	require.NoError(t, w.e.Wait())
	require.Equal(t, []string{"example.org/app.Widget"}, typeNames(get.Return().State()))
	require.True(t, w.method(t, "example.org/app.Widget.ID").IsReachable())
}

func TestMutualRecursionTerminates(t *testing.T) {
	w := analyze(t, `
package main

type Node interface{ Next() Node }

type Cons struct{}

func (Cons) Next() Node { return Cons{} }

func even(n Node, k int) Node {
	if k == 0 {
		return n
	}
	return odd(n, k-1)
}

func odd(n Node, k int) Node {
	if k == 0 {
		return n
	}
	return even(n, k-1)
}

func main() {
	even(Cons{}, 3)
}
`)
	even := w.flowsOf(t, "example.org/app.even")
	odd := w.flowsOf(t, "example.org/app.odd")
	require.Equal(t, []string{"example.org/app.Cons"}, typeNames(even.Param(1).State()))
	require.Equal(t, []string{"example.org/app.Cons"}, typeNames(odd.Param(1).State()))
	require.Equal(t, []string{"example.org/app.Cons"}, typeNames(even.Return().State()))
}

func TestContainerElementFlows(t *testing.T) {
	w := analyze(t, `
package main

type In interface{ A() string }

type Out interface{ B() string }

type Ping struct{}

func (Ping) A() string { return "ping" }

type Pong struct{}

func (Pong) B() string { return "pong" }

var bus = make(chan In, 1)

var registry = map[string]Out{}

func produce() {
	bus <- Ping{}
	registry["p"] = Pong{}
}

func consume() (In, Out) {
	return <-bus, registry["p"]
}

func main() {
	produce()
	i, o := consume()
	i.A()
	o.B()
}
`)
	g := w.flowsOf(t, "example.org/app.main")
	a := findInvoke(t, g, flow.CallVirtual, "A")
	require.Equal(t, []string{"example.org/app.Ping.A"}, calleeNames(a))
	b := findInvoke(t, g, flow.CallVirtual, "B")
	require.Equal(t, []string{"example.org/app.Pong.B"}, calleeNames(b))
}
