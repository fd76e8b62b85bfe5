package hotpath_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/chazu/metavm/vm"
	"github.com/chazu/metavm/vm/asm"
	"github.com/chazu/metavm/vm/hotpath"
	"github.com/chazu/metavm/vm/profile"
	"github.com/chazu/metavm/vm/record"
	"github.com/chazu/metavm/vm/sample"
	"github.com/chazu/metavm/vm/trace"
	"github.com/google/go-cmp/cmp"
)

type harness struct {
	in     *vm.Interpreter
	prof   *hotpath.Profiler
	tracer *hotpath.Tracer
}

func newHarness(u *vm.Universe, p hotpath.Policy, store profile.Store) *harness {
	in := vm.NewInterpreter(u, nil)
	tr := hotpath.NewTracer(record.New(), trace.NewInterpreter(in), p)
	prof := hotpath.NewProfiler(tr, store)
	in.Profiler = prof
	return &harness{in: in, prof: prof, tracer: tr}
}

// outcome is a result or the class and site of an uncaught exception.
type outcome struct {
	Value string
	Class string
	Site  string
}

func outcomeOf(t *testing.T, v vm.Value, err error) outcome {
	t.Helper()
	if err == nil {
		return outcome{Value: v.String()}
	}
	var ex *vm.Exception
	if !errors.As(err, &ex) {
		t.Fatalf("unexpected error: %v", err)
	}
	return outcome{Class: ex.Class().Name, Site: ex.Site.String()}
}

// ---------------------------------------------------------------------------
// Profiler
// ---------------------------------------------------------------------------

type recordingVisitor struct {
	anchors   []vm.Location
	bytecodes int
	abandoned int
	tracing   bool
}

func (v *recordingVisitor) VisitAnchor(a *hotpath.Anchor, st *vm.State) bool {
	v.anchors = append(v.anchors, a.Location)
	return v.tracing
}

func (v *recordingVisitor) VisitBytecode(at vm.Location, st *vm.State) bool {
	v.bytecodes++
	return v.tracing
}

func (v *recordingVisitor) VisitInvoke(target *vm.Routine, st *vm.State) bool {
	return v.tracing
}

func (v *recordingVisitor) Abandon() {
	v.abandoned++
}

func TestOnlyBackwardJumpsReachVisitor(t *testing.T) {
	v := &recordingVisitor{}
	prof := hotpath.NewProfiler(v, nil)
	r := sample.SumLoop()
	if _, err := vm.NewInterpreter(nil, prof).Execute(r, vm.Int(5)); err != nil {
		t.Fatal(err)
	}
	if len(v.anchors) != 5 {
		t.Fatalf("%d anchor visits, want 5", len(v.anchors))
	}
	for _, loc := range v.anchors {
		if loc != (vm.Location{Routine: r, PC: 4}) {
			t.Errorf("visited %s, want sum@4", loc)
		}
	}
	if v.bytecodes != 0 {
		t.Errorf("%d bytecodes forwarded while not tracing", v.bytecodes)
	}
	stats := prof.Stats()
	if stats.Jumps != 6 || stats.Backward != 5 || stats.Anchors != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestTracingForwardsBytecodes(t *testing.T) {
	v := &recordingVisitor{tracing: true}
	prof := hotpath.NewProfiler(v, nil)
	if _, err := vm.NewInterpreter(nil, prof).Execute(sample.SumLoop(), vm.Int(2)); err != nil {
		t.Fatal(err)
	}
	if v.bytecodes == 0 {
		t.Error("no bytecodes forwarded while tracing")
	}
	if !prof.IsTracing() {
		t.Error("tracing switched off although the visitor kept it on")
	}
}

// stackLoop keeps a running count on the operand stack across the back edge:
//
//	0: iconst_0
//	1: iinc 0 -1      <- loop
//	4: iload_0
//	5: ifle 13
//	8: iconst_1
//	9: iadd
//	10: goto 1
//	13: ireturn
func stackLoop() *vm.Routine {
	r := &vm.Routine{Name: "count", Params: []vm.Kind{vm.KindInt}, Result: vm.KindInt, Static: true, MaxLocals: 1, MaxStack: 2}
	b := asm.New()
	loop, end := b.NewLabel(), b.NewLabel()
	b.Int(0)
	b.Mark(loop)
	b.Iinc(0, -1)
	b.Load(vm.KindInt, 0).Jump(vm.OpIfle, end)
	b.Int(1).Arith(vm.ArithAdd, vm.KindInt)
	b.Jump(vm.OpGoto, loop)
	b.Mark(end)
	b.Return(vm.KindInt)
	return b.Build(r)
}

func TestNonEmptyStackSkipsAnchor(t *testing.T) {
	v := &recordingVisitor{}
	prof := hotpath.NewProfiler(v, nil)
	got, err := vm.NewInterpreter(nil, prof).Execute(stackLoop(), vm.Int(3))
	if err != nil {
		t.Fatal(err)
	}
	if got.Int() != 2 {
		t.Errorf("result %v, want 2", got)
	}
	if len(v.anchors) != 0 {
		t.Errorf("visitor saw %v", v.anchors)
	}
	if stats := prof.Stats(); stats.Skipped != 2 || stats.Anchors != 0 {
		t.Errorf("stats = %+v, want 2 skipped and no anchors", stats)
	}
}

func TestTopAnchors(t *testing.T) {
	h := newHarness(nil, hotpath.NeverPolicy{}, nil)
	if _, err := h.in.Execute(sample.NestedLoops(), vm.Int(6)); err != nil {
		t.Fatal(err)
	}
	top := h.prof.TopAnchors(5)
	if len(top) != 2 {
		t.Fatalf("%d anchors, want 2", len(top))
	}
	if top[0].Visits != 15 || top[1].Visits != 6 {
		t.Errorf("visits = %d, %d; want 15, 6", top[0].Visits, top[1].Visits)
	}
	if top[0].Location.PC <= top[1].Location.PC {
		t.Errorf("inner loop %s should sit after outer loop %s", top[0].Location, top[1].Location)
	}
	if one := h.prof.TopAnchors(1); len(one) != 1 || one[0] != top[0] {
		t.Errorf("TopAnchors(1) = %v, want the inner loop", one)
	}
}

// ---------------------------------------------------------------------------
// Tracer
// ---------------------------------------------------------------------------

func TestSamplesAgreeWithBaseline(t *testing.T) {
	policies := map[string]hotpath.Policy{
		"force":     hotpath.ForcePolicy{},
		"threshold": hotpath.DefaultPolicy(),
	}
	u := vm.NewUniverse()
	for _, s := range sample.All(u) {
		for _, n := range []int32{0, 1, 2, 5, 20} {
			v, err := vm.NewInterpreter(u, nil).Execute(s.Entry, s.Args(n)...)
			want := outcomeOf(t, v, err)
			for pname, p := range policies {
				t.Run(fmt.Sprintf("%s/%d/%s", s.Name, n, pname), func(t *testing.T) {
					h := newHarness(u, p, nil)
					v, err := h.in.Execute(s.Entry, s.Args(n)...)
					got := outcomeOf(t, v, err)
					if diff := cmp.Diff(want, got); diff != "" {
						t.Errorf("traced run differs (-baseline +traced):\n%s", diff)
					}
					if h.tracer.Mode() != hotpath.ModeIdle {
						t.Errorf("tracer left in %s mode", h.tracer.Mode())
					}
				})
			}
		}
	}
}

func TestSumLoopRecordsAndRuns(t *testing.T) {
	h := newHarness(nil, hotpath.ForcePolicy{}, nil)
	r := sample.SumLoop()
	v, err := h.in.Execute(r, vm.Int(5))
	if err != nil {
		t.Fatal(err)
	}
	if v.Int() != 10 {
		t.Errorf("result %v, want 10", v)
	}
	a := h.prof.Anchor(vm.Location{Routine: r, PC: 4})
	if a == nil || a.Trace == nil {
		t.Fatalf("anchor = %+v, want a trace", a)
	}
	if diff := cmp.Diff([]vm.Kind{vm.KindInt, vm.KindInt, vm.KindInt}, a.Shape); diff != "" {
		t.Errorf("shape (-want +got):\n%s", diff)
	}
	stats := h.tracer.Stats()
	if stats.Traces != 1 || stats.Runs == 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestInjectedBailoutResumesBaseline(t *testing.T) {
	h := newHarness(nil, hotpath.ThresholdPolicy{Hot: 1}, nil)
	r := sample.SumLoop()
	if v, err := h.in.Execute(r, vm.Int(5)); err != nil || v.Int() != 10 {
		t.Fatalf("first run = %v, %v", v, err)
	}
	tr := h.prof.Anchor(vm.Location{Routine: r, PC: 4}).Trace
	if tr == nil {
		t.Fatal("no trace recorded")
	}

	// Fail at i == 3 and resume at the loop header with unchanged locals.
	keep := make([]trace.Instr, len(tr.Entry))
	for k, l := range tr.Entry {
		keep[k] = l
	}
	g := &trace.Guard{
		Op:    vm.CmpNe,
		Left:  tr.Entry[2],
		Right: &trace.Constant{Value: vm.Int(3)},
		Exit:  &trace.Snapshot{Locals: keep, PC: 4},
		Trace: tr,
	}
	tr.Body = append([]trace.Instr{g}, tr.Body...)

	v, err := h.in.Execute(r, vm.Int(5))
	if err != nil {
		t.Fatal(err)
	}
	if v.Int() != 10 {
		t.Errorf("result after injected bailout %v, want 10", v)
	}
	if g.Exits != 1 {
		t.Errorf("injected guard failed %d times, want 1", g.Exits)
	}
}

func TestDivideByZeroSameSite(t *testing.T) {
	r := sample.DivLoop()
	_, base := vm.NewInterpreter(nil, nil).Execute(r, vm.Int(10), vm.Int(7))
	want := outcomeOf(t, vm.Void, base)
	if want.Class != "ArithmeticException" {
		t.Fatalf("baseline outcome %+v", want)
	}
	h := newHarness(nil, hotpath.ForcePolicy{}, nil)
	_, err := h.in.Execute(r, vm.Int(10), vm.Int(7))
	if diff := cmp.Diff(want, outcomeOf(t, vm.Void, err)); diff != "" {
		t.Errorf("(-baseline +traced):\n%s", diff)
	}
	if h.tracer.Stats().Traces != 1 {
		t.Errorf("stats = %+v, want one trace", h.tracer.Stats())
	}
}

// throwingCalls builds
//
//	static int f(int x) { return 10 / (1 - x); }
//	static int callsf(int n) { int s = 0; for (int i = 0; i < n; i++) s += f(i); return s; }
//
// f throws at its idiv (offset 5) once i reaches 1.
func throwingCalls() *vm.Routine {
	f := &vm.Routine{Name: "f", Params: []vm.Kind{vm.KindInt}, Result: vm.KindInt, Static: true, MaxLocals: 1, MaxStack: 2}
	fb := asm.New()
	fb.Int(10).Int(1).Load(vm.KindInt, 0).Arith(vm.ArithSub, vm.KindInt).Arith(vm.ArithDiv, vm.KindInt).Return(vm.KindInt)
	fb.Build(f)

	r := &vm.Routine{Name: "callsf", Params: []vm.Kind{vm.KindInt}, Result: vm.KindInt, Static: true, MaxLocals: 3, MaxStack: 2}
	b := asm.New()
	loop, end := b.NewLabel(), b.NewLabel()
	b.Int(0).Store(vm.KindInt, 1)
	b.Int(0).Store(vm.KindInt, 2)
	b.Mark(loop)
	b.Load(vm.KindInt, 2).Load(vm.KindInt, 0).Jump(vm.OpIfIcmpge, end)
	b.Load(vm.KindInt, 1).Load(vm.KindInt, 2).Invoke(vm.OpInvokestatic, f).Arith(vm.ArithAdd, vm.KindInt).Store(vm.KindInt, 1)
	b.Iinc(2, 1)
	b.Jump(vm.OpGoto, loop)
	b.Mark(end)
	b.Load(vm.KindInt, 1).Return(vm.KindInt)
	return b.Build(r)
}

func TestUncaughtExceptionAbandonsRecording(t *testing.T) {
	h := newHarness(nil, hotpath.ForcePolicy{}, nil)
	r := throwingCalls()
	_, err := h.in.Execute(r, vm.Int(5))
	got := outcomeOf(t, vm.Void, err)
	if got.Class != "ArithmeticException" || got.Site != "f@5" {
		t.Fatalf("outcome = %+v, want ArithmeticException at f@5", got)
	}
	if h.tracer.Mode() != hotpath.ModeIdle || h.prof.IsTracing() {
		t.Fatalf("after the throw: tracer %s, profiler tracing %v", h.tracer.Mode(), h.prof.IsTracing())
	}
	a := h.prof.Anchor(vm.Location{Routine: r, PC: 4})
	if a == nil || a.Recordings != 1 || a.Failures != 0 {
		t.Fatalf("anchor = %+v, want one recording and no failures", a)
	}

	// An unrelated execution records its own trace and charges nothing
	// to the abandoned anchor.
	v, err := h.in.Execute(sample.SumLoop(), vm.Int(5))
	if err != nil || v.Int() != 10 {
		t.Fatalf("sum(5) = %v, %v", v, err)
	}
	if a.Failures != 0 || a.Blacklisted {
		t.Errorf("abandoned anchor charged: %+v", a)
	}
	stats := h.tracer.Stats()
	if stats.Abandoned != 1 || stats.Traces != 1 {
		t.Errorf("stats = %+v, want 1 abandoned recording and 1 trace", stats)
	}
}

func TestAbandonReachesVisitor(t *testing.T) {
	v := &recordingVisitor{tracing: true}
	in := vm.NewInterpreter(nil, nil)
	prof := hotpath.NewProfiler(v, nil)
	in.Profiler = prof
	if _, err := in.Execute(sample.DivLoop(), vm.Int(10), vm.Int(7)); err == nil {
		t.Fatal("div(10) returned normally")
	}
	if v.abandoned != 1 || prof.IsTracing() {
		t.Errorf("abandoned %d, tracing %v; want 1, false", v.abandoned, prof.IsTracing())
	}
}

func TestNestedLoopsCallInnerTrace(t *testing.T) {
	r := sample.NestedLoops()
	want, err := vm.NewInterpreter(nil, nil).Execute(r, vm.Int(8))
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(nil, hotpath.ForcePolicy{}, nil)
	got, err := h.in.Execute(r, vm.Int(8))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(want) {
		t.Errorf("result %v, want %v", got, want)
	}
	if n := len(h.tracer.Traces()); n < 2 {
		t.Fatalf("%d traces, want inner and outer", n)
	}
	if h.tracer.Stats().TraceCalls == 0 {
		t.Error("outer recording never called the inner trace")
	}
	outer := h.tracer.Traces()[1]
	var calls int
	for _, ins := range outer.Body {
		if _, ok := ins.(*trace.TraceCall); ok {
			calls++
		}
	}
	if calls != 1 {
		t.Errorf("outer trace has %d trace calls, want 1:\n%s", calls, outer)
	}
}

// typeTest runs instanceof in its loop body, which is never recorded.
func typeTest() *vm.Routine {
	c := vm.NewClass("C", nil)
	r := &vm.Routine{Name: "types", Params: []vm.Kind{vm.KindInt}, Result: vm.KindInt, Static: true, MaxLocals: 2, MaxStack: 2}
	b := asm.New()
	loop, end := b.NewLabel(), b.NewLabel()
	b.Int(0).Store(vm.KindInt, 1)
	b.Mark(loop)
	b.Load(vm.KindInt, 1).Load(vm.KindInt, 0).Jump(vm.OpIfIcmpge, end)
	b.Op(vm.OpAconstNull).Class(vm.OpInstanceof, c).Op(vm.OpPop)
	b.Iinc(1, 1)
	b.Jump(vm.OpGoto, loop)
	b.Mark(end)
	b.Load(vm.KindInt, 1).Return(vm.KindInt)
	return b.Build(r)
}

func TestBlacklistAfterFailures(t *testing.T) {
	h := newHarness(nil, hotpath.ForcePolicy{}, nil)
	h.tracer.MaxFailures = 2
	r := typeTest()
	v, err := h.in.Execute(r, vm.Int(10))
	if err != nil {
		t.Fatal(err)
	}
	if v.Int() != 10 {
		t.Errorf("result %v, want 10", v)
	}
	a := h.prof.Anchors()[0]
	if !a.Blacklisted || a.Failures != 2 || a.Recordings != 2 {
		t.Errorf("anchor = %+v, want blacklisted after 2 failures", a)
	}
	if a.Visits != 10 {
		t.Errorf("visits = %d, want 10", a.Visits)
	}
}

// branchLoop builds
//
//	static int branchy(int n) { int s = 0; for (int i = 0; i < n; i++) { if (i < 3) s += 1; else s += 2; } return s; }
func branchLoop() *vm.Routine {
	r := &vm.Routine{Name: "branchy", Params: []vm.Kind{vm.KindInt}, Result: vm.KindInt, Static: true, MaxLocals: 3, MaxStack: 2}
	b := asm.New()
	loop, other, next, end := b.NewLabel(), b.NewLabel(), b.NewLabel(), b.NewLabel()
	b.Int(0).Store(vm.KindInt, 1)
	b.Int(0).Store(vm.KindInt, 2)
	b.Mark(loop)
	b.Load(vm.KindInt, 2).Load(vm.KindInt, 0).Jump(vm.OpIfIcmpge, end)
	b.Load(vm.KindInt, 2).Int(3).Jump(vm.OpIfIcmpge, other)
	b.Iinc(1, 1)
	b.Jump(vm.OpGoto, next)
	b.Mark(other)
	b.Iinc(1, 2)
	b.Mark(next)
	b.Iinc(2, 1)
	b.Jump(vm.OpGoto, loop)
	b.Mark(end)
	b.Load(vm.KindInt, 1).Return(vm.KindInt)
	return b.Build(r)
}

func TestSideTraceLinksToGuard(t *testing.T) {
	h := newHarness(nil, hotpath.ForcePolicy{}, nil)
	v, err := h.in.Execute(branchLoop(), vm.Int(10))
	if err != nil {
		t.Fatal(err)
	}
	if v.Int() != 17 {
		t.Errorf("result %v, want 17", v)
	}
	stats := h.tracer.Stats()
	if stats.Traces != 1 || stats.SideTraces != 1 {
		t.Fatalf("stats = %+v, want one root and one side trace", stats)
	}
	root, side := h.tracer.Traces()[0], h.tracer.Traces()[1]
	if side.Next != root {
		t.Errorf("side trace continues into %v, want the root", side.Next)
	}
	linked := false
	for _, g := range root.Guards() {
		if g.Target == side {
			linked = true
		}
	}
	if !linked {
		t.Errorf("no guard of\n%s\nleads to the side trace", root)
	}
}

func TestPersistRestoresCounters(t *testing.T) {
	store := profile.NewMemory()
	r := sample.SumLoop()

	h := newHarness(nil, hotpath.NeverPolicy{}, store)
	if _, err := h.in.Execute(r, vm.Int(5)); err != nil {
		t.Fatal(err)
	}
	if err := h.prof.Persist(store); err != nil {
		t.Fatal(err)
	}
	recs, err := store.All()
	if err != nil {
		t.Fatal(err)
	}
	want := []*profile.Record{{Routine: "sum(int)int", PC: 4, Visits: 5}}
	if diff := cmp.Diff(want, recs); diff != "" {
		t.Errorf("persisted (-want +got):\n%s", diff)
	}

	h = newHarness(nil, hotpath.NeverPolicy{}, store)
	if _, err := h.in.Execute(r, vm.Int(5)); err != nil {
		t.Fatal(err)
	}
	if a := h.prof.Anchor(vm.Location{Routine: r, PC: 4}); a.Visits != 10 {
		t.Errorf("visits after restore = %d, want 10", a.Visits)
	}
}
