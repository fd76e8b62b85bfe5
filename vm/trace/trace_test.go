package trace

import (
	"errors"
	"strings"
	"testing"

	"github.com/chazu/metavm/vm"
	"github.com/chazu/metavm/vm/sample"
	"github.com/google/go-cmp/cmp"
)

func intLocal(i int) *Local {
	return &Local{Index: i, Kind: vm.KindInt, Live: true}
}

func iconst(v int32) *Constant {
	return &Constant{Value: vm.Int(v)}
}

func iadd(a, b Instr) *Builtin {
	return &Builtin{Op: BuiltinArith, Arith: vm.ArithAdd, Result: vm.KindInt, Args: []Instr{a, b}}
}

// sumState positions a fresh state at the loop header of sample.SumLoop.
func sumState(n int32) (*vm.Routine, *vm.State) {
	r := sample.SumLoop()
	st := vm.NewState()
	st.Push(vm.KindInt, vm.Int(n))
	f := st.Enter(r, 0)
	f.Store(vm.KindInt, 1, vm.Int(0))
	f.Store(vm.KindInt, 2, vm.Int(0))
	f.PC = 4
	return r, st
}

// sumTrace builds the trace a recorder produces for sample.SumLoop. extra
// instructions are placed at the start of the body.
func sumTrace(t *testing.T, r *vm.Routine, extra func(n, s, i *Local) []Instr) (*Trace, *Guard) {
	t.Helper()
	n, s, i := intLocal(0), intLocal(1), intLocal(2)
	exit := &Guard{Op: vm.CmpLt, Left: i, Right: n, Exit: &Snapshot{Locals: []Instr{n, s, i}, PC: 19}}
	add := iadd(s, i)
	inc := iadd(i, iconst(1))
	var body []Instr
	if extra != nil {
		body = extra(n, s, i)
	}
	body = append(body, exit, add, inc)
	tr, err := New(1, Recording{
		Anchor: vm.Location{Routine: r, PC: 4},
		Entry:  []*Local{n, s, i},
		Body:   body,
		Tail:   []Instr{n, add, inc},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr, exit
}

func finish(t *testing.T, st *vm.State) vm.Value {
	t.Helper()
	if err := vm.NewInterpreter(nil, nil).Resume(st); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	return st.Pop(vm.KindInt)
}

func TestNewDerivesFlags(t *testing.T) {
	r, _ := sumState(5)
	tr, _ := sumTrace(t, r, nil)
	want := []struct{ read, written bool }{{true, false}, {true, true}, {true, true}}
	for i, l := range tr.Entry {
		if l.Read != want[i].read || l.Written != want[i].written {
			t.Errorf("l%d: read=%v written=%v, want %v %v", l.Index, l.Read, l.Written, want[i].read, want[i].written)
		}
	}
}

func TestNewRejectsShapeMismatch(t *testing.T) {
	r, _ := sumState(5)
	l := intLocal(0)
	_, err := New(1, Recording{
		Anchor: vm.Location{Routine: r, PC: 4},
		Entry:  []*Local{l},
		Tail:   []Instr{&Constant{Value: vm.Long(1)}},
	})
	if !errors.Is(err, ErrStateShape) {
		t.Errorf("err = %v, want ErrStateShape", err)
	}
}

func TestNewRejectsMiskindedExit(t *testing.T) {
	r, _ := sumState(5)
	tests := []struct {
		name string
		v    Instr
	}{
		{"long constant", &Constant{Value: vm.Long(7)}},
		{"reference constant", &Constant{Value: vm.Null}},
		{"long builtin", &Builtin{Op: BuiltinConvert, Elem: vm.KindLong, Result: vm.KindLong, Args: []Instr{iconst(7)}}},
	}
	for _, tt := range tests {
		n, s, i := intLocal(0), intLocal(1), intLocal(2)
		exit := &Guard{Op: vm.CmpLt, Left: i, Right: n, Exit: &Snapshot{Locals: []Instr{n, tt.v, i}, PC: 19}}
		add, inc := iadd(s, i), iadd(i, iconst(1))
		_, err := New(1, Recording{
			Anchor: vm.Location{Routine: r, PC: 4},
			Entry:  []*Local{n, s, i},
			Body:   []Instr{exit, add, inc},
			Tail:   []Instr{n, add, inc},
		})
		if !errors.Is(err, ErrStateShape) {
			t.Errorf("%s: err = %v, want ErrStateShape", tt.name, err)
		}
	}
}

func TestCommitRejectsMiskindedExit(t *testing.T) {
	r, st := sumState(5)
	tr, exit := sumTrace(t, r, nil)
	exit.Exit.Locals[1] = &Constant{Value: vm.Long(7)}

	_, err := NewInterpreter(vm.NewInterpreter(nil, nil)).Execute(tr, st)
	if !errors.Is(err, ErrStateShape) {
		t.Fatalf("err = %v, want ErrStateShape", err)
	}
	want := []vm.Value{vm.Int(5), vm.Int(0), vm.Int(0)}
	if diff := cmp.Diff(want, st.Slots(0, 3)); diff != "" {
		t.Errorf("locals after a rejected exit (-want +got):\n%s", diff)
	}
	if st.Top().PC != 4 {
		t.Errorf("pc = %d, want the anchor", st.Top().PC)
	}
}

func TestExecuteSumLoop(t *testing.T) {
	r, st := sumState(5)
	tr, exit := sumTrace(t, r, nil)
	in := NewInterpreter(vm.NewInterpreter(nil, nil))
	g, err := in.Execute(tr, st)
	if err != nil {
		t.Fatal(err)
	}
	if g != exit {
		t.Fatalf("exited through %v, want the loop guard", g)
	}
	want := []vm.Value{vm.Int(5), vm.Int(10), vm.Int(5)}
	if diff := cmp.Diff(want, st.Slots(0, 3)); diff != "" {
		t.Errorf("locals after bailout (-want +got):\n%s", diff)
	}
	if st.Top().PC != 19 {
		t.Errorf("pc = %d, want 19", st.Top().PC)
	}
	if got := finish(t, st); got.Int() != 10 {
		t.Errorf("result = %d, want 10", got.Int())
	}
	if s := in.Stats(); s.Iterations != 5 || s.Bailouts != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestInjectedBailoutResumes(t *testing.T) {
	r, st := sumState(5)
	var injected *Guard
	tr, _ := sumTrace(t, r, func(n, s, i *Local) []Instr {
		injected = &Guard{Op: vm.CmpNe, Left: i, Right: iconst(3), Exit: &Snapshot{Locals: []Instr{n, s, i}, PC: 4}}
		return []Instr{injected}
	})
	g, err := NewInterpreter(vm.NewInterpreter(nil, nil)).Execute(tr, st)
	if err != nil {
		t.Fatal(err)
	}
	if g != injected {
		t.Fatalf("exited through %v, want the injected guard", g)
	}
	want := []vm.Value{vm.Int(5), vm.Int(3), vm.Int(3)}
	if diff := cmp.Diff(want, st.Slots(0, 3)); diff != "" {
		t.Errorf("locals at i==3 (-want +got):\n%s", diff)
	}
	if got := finish(t, st); got.Int() != 10 {
		t.Errorf("resumed result = %d, want 10", got.Int())
	}
}

func TestMaxIterationsExitsAtLoopEdge(t *testing.T) {
	r, st := sumState(5)
	tr, _ := sumTrace(t, r, nil)
	in := NewInterpreter(vm.NewInterpreter(nil, nil))
	in.MaxIterations = 2
	g, err := in.Execute(tr, st)
	if err != nil {
		t.Fatal(err)
	}
	if g != tr.Back {
		t.Fatalf("exited through %v, want Back", g)
	}
	if st.Top().PC != 4 || st.Load(vm.KindInt, 2).Int() != 2 {
		t.Errorf("state at %d with i=%s, want header with i=2", st.Top().PC, st.Load(vm.KindInt, 2))
	}
	if got := finish(t, st); got.Int() != 10 {
		t.Errorf("resumed result = %d, want 10", got.Int())
	}
}

func TestSideTraceContinuesIntoRoot(t *testing.T) {
	r, st := sumState(5)
	var side *Guard
	root, _ := sumTrace(t, r, func(n, s, i *Local) []Instr {
		side = &Guard{Op: vm.CmpNe, Left: i, Right: iconst(3), Exit: &Snapshot{Locals: []Instr{n, s, i}, PC: 4}}
		return []Instr{side}
	})
	n, s, i := intLocal(0), intLocal(1), intLocal(2)
	add, inc := iadd(s, i), iadd(i, iconst(1))
	branch, err := New(2, Recording{
		Anchor: vm.Location{Routine: r, PC: 4},
		Entry:  []*Local{n, s, i},
		Body:   []Instr{add, inc},
		Tail:   []Instr{n, add, inc},
		Next:   root,
	})
	if err != nil {
		t.Fatal(err)
	}
	side.Target = branch

	in := NewInterpreter(vm.NewInterpreter(nil, nil))
	if _, err := in.Execute(root, st); err != nil {
		t.Fatal(err)
	}
	if got := finish(t, st); got.Int() != 10 {
		t.Errorf("result = %d, want 10", got.Int())
	}
	if side.Exits != 1 || in.Stats().SideExits != 1 {
		t.Errorf("side exits = %d/%d, want 1", side.Exits, in.Stats().SideExits)
	}
}

func TestLoopCommitBindsOnlyReadLocals(t *testing.T) {
	r := &vm.Routine{Name: "loop", Static: true, MaxLocals: 4, MaxStack: 2, Code: make([]byte, 8)}
	st := vm.NewState()
	f := st.Enter(r, 0)
	for i, v := range []int32{5, 0, 0, 0} {
		f.Store(vm.KindInt, i, vm.Int(v))
	}

	n, s, i, twice := intLocal(0), intLocal(1), intLocal(2), intLocal(3)
	double := &Builtin{Op: BuiltinArith, Arith: vm.ArithMul, Result: vm.KindInt, Args: []Instr{i, iconst(2)}}
	exit := &Guard{Op: vm.CmpLt, Left: i, Right: n, Exit: &Snapshot{Locals: []Instr{n, s, i, double}, PC: 6}}
	add, inc := iadd(s, i), iadd(i, iconst(1))
	tr, err := New(1, Recording{
		Anchor: vm.Location{Routine: r, PC: 0},
		Entry:  []*Local{n, s, i, twice},
		Body:   []Instr{double, exit, add, inc},
		Tail:   []Instr{n, add, inc, double},
	})
	if err != nil {
		t.Fatal(err)
	}
	if twice.Read || !twice.Written {
		t.Fatalf("l3 read=%v written=%v, want write-only", twice.Read, twice.Written)
	}

	budget := uint64(0)
	x := newExecution(NewInterpreter(nil), tr, st, &budget, -1)
	for iter := 0; iter < 3; iter++ {
		for _, ins := range tr.Body {
			if g := x.step(ins); g != nil {
				t.Fatalf("unexpected exit in iteration %d", iter)
			}
		}
		x.advance()
	}
	want := map[*Local]vm.Value{n: vm.Int(5), s: vm.Int(0 + 1 + 2), i: vm.Int(3)}
	if diff := cmp.Diff(want, x.context); diff != "" {
		t.Errorf("context after 3 iterations (-want +got):\n%s", diff)
	}
	if len(x.variant) != 0 {
		t.Errorf("variant cache holds %d values after advance", len(x.variant))
	}
	if got := st.Load(vm.KindInt, 1); got.Int() != 0 {
		t.Errorf("live state changed before an exit: s = %s", got)
	}
}

// nestedTraces builds an inner loop "t += j for j < i" anchored at 10 and an
// outer loop anchored at 2 calling it for i < limit. With bound set the inner
// loop also exits at 25 once t >= bound.
func nestedTraces(t *testing.T, limit, bound int32) (r *vm.Routine, outer *Trace, innerExit, boundExit *Guard) {
	t.Helper()
	r = &vm.Routine{Name: "nested", Static: true, MaxLocals: 3, MaxStack: 2, Code: make([]byte, 32)}

	it, ij, ii := intLocal(0), intLocal(1), intLocal(2)
	innerExit = &Guard{Op: vm.CmpLt, Left: ij, Right: ii, Exit: &Snapshot{Locals: []Instr{it, ij, ii}, PC: 20}}
	body := []Instr{innerExit}
	if bound > 0 {
		boundExit = &Guard{Op: vm.CmpLt, Left: it, Right: iconst(bound), Exit: &Snapshot{Locals: []Instr{it, ij, ii}, PC: 25}}
		body = append(body, boundExit)
	}
	sum, next := iadd(it, ij), iadd(ij, iconst(1))
	body = append(body, sum, next)
	inner, err := New(1, Recording{
		Anchor: vm.Location{Routine: r, PC: 10},
		Entry:  []*Local{it, ij, ii},
		Body:   body,
		Tail:   []Instr{sum, next, ii},
	})
	if err != nil {
		t.Fatal(err)
	}

	ot, oj, oi := intLocal(0), intLocal(1), intLocal(2)
	done := &Guard{Op: vm.CmpLt, Left: oi, Right: iconst(limit), Exit: &Snapshot{Locals: []Instr{ot, oj, oi}, PC: 30}}
	call := &TraceCall{Trace: inner, Args: &Snapshot{Locals: []Instr{ot, iconst(0), oi}, PC: 10}, Depth: 1, Expect: innerExit}
	nt := &NestedLocal{Call: call, Index: 0, Kind: vm.KindInt}
	nj := &NestedLocal{Call: call, Index: 1, Kind: vm.KindInt}
	step := iadd(oi, iconst(1))
	outer, err = New(2, Recording{
		Anchor: vm.Location{Routine: r, PC: 2},
		Entry:  []*Local{ot, oj, oi},
		Body:   []Instr{done, call, step},
		Tail:   []Instr{nt, nj, step},
	})
	if err != nil {
		t.Fatal(err)
	}
	return r, outer, innerExit, boundExit
}

func nestedState(r *vm.Routine) *vm.State {
	st := vm.NewState()
	f := st.Enter(r, 0)
	for i := 0; i < 3; i++ {
		f.Store(vm.KindInt, i, vm.Int(0))
	}
	f.PC = 2
	return st
}

func TestTraceCall(t *testing.T) {
	r, outer, _, _ := nestedTraces(t, 4, 0)
	st := nestedState(r)
	in := NewInterpreter(vm.NewInterpreter(nil, nil))
	g, err := in.Execute(outer, st)
	if err != nil {
		t.Fatal(err)
	}
	if g.Trace != outer || g.Exit.PC != 30 {
		t.Fatalf("exit at %d of trace %d, want the outer loop exit", g.Exit.PC, g.Trace.ID)
	}
	want := []vm.Value{vm.Int(0 + 1 + 3), vm.Int(3), vm.Int(4)}
	if diff := cmp.Diff(want, st.Slots(0, 3)); diff != "" {
		t.Errorf("locals (-want +got):\n%s", diff)
	}
	if st.Depth() != 2 {
		t.Errorf("depth = %d, want 2", st.Depth())
	}
	if s := in.Stats(); s.NestedCalls != 4 || s.Bailouts != 1 {
		t.Errorf("stats = %+v, want 4 nested calls and 1 bailout", s)
	}
}

func TestTraceCallUnexpectedExit(t *testing.T) {
	r, outer, _, boundExit := nestedTraces(t, 5, 3)
	st := nestedState(r)
	in := NewInterpreter(vm.NewInterpreter(nil, nil))
	g, err := in.Execute(outer, st)
	if err != nil {
		t.Fatal(err)
	}
	if g != boundExit {
		t.Fatalf("exited through %v, want the inner bound guard", g)
	}
	want := []vm.Value{vm.Int(4), vm.Int(0), vm.Int(4)}
	if diff := cmp.Diff(want, st.Slots(0, 3)); diff != "" {
		t.Errorf("merged locals (-want +got):\n%s", diff)
	}
	if st.Depth() != 2 || st.Top().PC != 25 {
		t.Errorf("depth %d pc %d, want 2, 25", st.Depth(), st.Top().PC)
	}
	if s := in.Stats(); s.Runs != 1 || s.Bailouts != 1 {
		t.Errorf("stats = %+v, want the inner exit counted as one bailout", s)
	}
}

func TestSoundnessFaults(t *testing.T) {
	r, st := sumState(5)
	n, s, i := intLocal(0), intLocal(1), intLocal(2)
	div := &Builtin{Op: BuiltinArith, Arith: vm.ArithDiv, Result: vm.KindInt, Args: []Instr{s, iconst(0)}}
	tr, err := New(1, Recording{
		Anchor: vm.Location{Routine: r, PC: 4},
		Entry:  []*Local{n, s, i},
		Body:   []Instr{div},
		Tail:   []Instr{n, div, i},
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = NewInterpreter(vm.NewInterpreter(nil, nil)).Execute(tr, st)
	if !errors.Is(err, ErrTraceSoundness) {
		t.Errorf("err = %v, want ErrTraceSoundness", err)
	}

	_, st = sumState(5)
	st.Top().PC = 9
	_, err = NewInterpreter(vm.NewInterpreter(nil, nil)).Execute(tr, st)
	if !errors.Is(err, ErrStateShape) {
		t.Errorf("wrong anchor: err = %v, want ErrStateShape", err)
	}
}

func TestCallInvokesRoutine(t *testing.T) {
	r, st := sumState(5)
	sq := sample.Square()
	n, s, i := intLocal(0), intLocal(1), intLocal(2)
	exit := &Guard{Op: vm.CmpLt, Left: i, Right: n, Exit: &Snapshot{Locals: []Instr{n, s, i}, PC: 19}}
	call := &Call{Routine: sq, Args: []Instr{i}}
	add, inc := iadd(s, call), iadd(i, iconst(1))
	tr, err := New(1, Recording{
		Anchor: vm.Location{Routine: r, PC: 4},
		Entry:  []*Local{n, s, i},
		Body:   []Instr{exit, call, add, inc},
		Tail:   []Instr{n, add, inc},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewInterpreter(vm.NewInterpreter(nil, nil)).Execute(tr, st); err != nil {
		t.Fatal(err)
	}
	if got := st.Load(vm.KindInt, 1); got.Int() != 0+1+4+9+16 {
		t.Errorf("sum of squares = %d, want 30", got.Int())
	}
}

func TestCallCountsTraceFrames(t *testing.T) {
	for _, tt := range []struct {
		maxDepth int
		fault    bool
	}{{1, true}, {2, false}} {
		r, st := sumState(5)
		n, s, i := intLocal(0), intLocal(1), intLocal(2)
		exit := &Guard{Op: vm.CmpLt, Left: i, Right: n, Exit: &Snapshot{Locals: []Instr{n, s, i}, PC: 19}}
		call := &Call{Routine: sample.Square(), Args: []Instr{i}}
		add, inc := iadd(s, call), iadd(i, iconst(1))
		tr, err := New(1, Recording{
			Anchor: vm.Location{Routine: r, PC: 4},
			Entry:  []*Local{n, s, i},
			Body:   []Instr{exit, call, add, inc},
			Tail:   []Instr{n, add, inc},
		})
		if err != nil {
			t.Fatal(err)
		}
		base := vm.NewInterpreter(nil, nil)
		base.MaxDepth = tt.maxDepth
		_, err = NewInterpreter(base).Execute(tr, st)
		if got := errors.Is(err, ErrTraceSoundness); got != tt.fault {
			t.Errorf("MaxDepth %d: err = %v, want fault %v", tt.maxDepth, err, tt.fault)
		}
	}
}

func TestListing(t *testing.T) {
	r, _ := sumState(5)
	tr, _ := sumTrace(t, r, nil)
	out := tr.String()
	for _, want := range []string{"trace 1 at sum@4", "l1:int(rw)", "guard lt l2 l0 -> @19", "v0 = add l1 l2", "tail: l0 v0 v1"} {
		if !strings.Contains(out, want) {
			t.Errorf("listing lacks %q:\n%s", want, out)
		}
	}
}
