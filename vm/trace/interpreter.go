package trace

import (
	"fmt"

	"github.com/chazu/metavm/vm"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Interpreter: runs recorded traces against the live state
// ---------------------------------------------------------------------------

// Interpreter executes traces. It never leaves the state in a shape the
// baseline interpreter cannot resume from: the state is only written when a
// guard exits, and then completely.
type Interpreter struct {
	Invoker       vm.Invoker
	MaxIterations uint64 // loop iterations per Execute, 0 for no limit

	stats Stats
	log   commonlog.Logger
}

// Stats counts trace interpreter activity.
type Stats struct {
	Runs        uint64 // Execute calls
	Iterations  uint64 // completed loop iterations
	Bailouts    uint64 // Execute calls ended by a guard without a target
	SideExits   uint64 // exits continued in a side trace
	NestedCalls uint64 // TraceCall instructions executed
}

// NewInterpreter creates a trace interpreter that calls routines through
// inv.
func NewInterpreter(inv vm.Invoker) *Interpreter {
	return &Interpreter{
		Invoker: inv,
		log:     commonlog.GetLogger("metavm.trace"),
	}
}

// Stats returns the interpreter's counters.
func (in *Interpreter) Stats() Stats {
	return in.stats
}

// Execute runs t from st, whose top frame must sit at t's anchor with an
// empty operand stack. It returns the guard through which the trace exited;
// st has been restored to the state the baseline interpreter would have
// reached at that guard.
func (in *Interpreter) Execute(t *Trace, st *vm.State) (g *Guard, err error) {
	defer vm.RecoverFatal(&err)
	in.stats.Runs++
	budget := in.MaxIterations
	g = in.execute(t, st, &budget, -1)
	in.stats.Bailouts++
	in.log.Debugf("trace %d exits at %s@%d", g.Trace.ID, g.Trace.Anchor.Routine, g.Exit.PC)
	return g, nil
}

// execute follows side traces and Next links until a guard without a target
// exits. Faults panic through vm.Abort. below counts the frames of the
// whole execution beneath st's frames; it is -1 when st starts with the
// sentinel frame.
func (in *Interpreter) execute(t *Trace, st *vm.State, budget *uint64, below int) *Guard {
	for {
		f := st.Top()
		if f.Routine != t.Anchor.Routine || f.PC != t.Anchor.PC || f.Height() != 0 {
			vm.Abort(fmt.Errorf("%w: trace %d anchored at %s entered at %s with %d stack slots",
				ErrStateShape, t.ID, t.Anchor, f.Location(), f.Height()))
		}
		x := newExecution(in, t, st, budget, below)
		g, next := x.run()
		if next == nil {
			return g
		}
		t = next
	}
}

// ---------------------------------------------------------------------------
// One execution of one trace
// ---------------------------------------------------------------------------

// execution holds the three value caches of a trace run. context binds the
// entry locals and is replaced every iteration; invariant holds prologue
// values for the whole run; variant holds body values for one iteration.
type execution struct {
	in     *Interpreter
	trace  *Trace
	state  *vm.State
	budget *uint64
	below  int // frames of the whole execution beneath state

	context     map[*Local]vm.Value
	invariant   map[Instr]vm.Value
	variant     map[Instr]vm.Value
	nested      map[*TraceCall]*vm.State
	isInvariant bool
}

func newExecution(in *Interpreter, t *Trace, st *vm.State, budget *uint64, below int) *execution {
	x := &execution{
		in:        in,
		trace:     t,
		state:     st,
		budget:    budget,
		below:     below,
		context:   make(map[*Local]vm.Value),
		invariant: make(map[Instr]vm.Value),
		variant:   make(map[Instr]vm.Value),
		nested:    make(map[*TraceCall]*vm.State),
	}
	f := st.Top()
	for _, l := range t.Entry {
		if l.Read {
			x.context[l] = f.Load(l.Kind, l.Index)
		}
	}
	return x
}

// run executes the prologue once and the body until an exit. It returns
// either the exit guard or the trace to continue in.
func (x *execution) run() (*Guard, *Trace) {
	x.isInvariant = true
	for _, ins := range x.trace.Prologue {
		if g := x.step(ins); g != nil {
			return x.exit(g)
		}
	}
	x.isInvariant = false

	for {
		for _, ins := range x.trace.Body {
			if g := x.step(ins); g != nil {
				return x.exit(g)
			}
		}
		x.in.stats.Iterations++
		if x.trace.Next != nil {
			x.commit(x.state, x.trace.Back.Exit)
			return nil, x.trace.Next
		}
		if *x.budget > 0 {
			if *x.budget == 1 {
				x.commit(x.state, x.trace.Back.Exit)
				return x.exit(x.trace.Back)
			}
			*x.budget--
		}
		x.advance()
	}
}

// exit resolves a guard's target trace. Bailouts are counted once, when the
// outermost execution returns.
func (x *execution) exit(g *Guard) (*Guard, *Trace) {
	if g.Target != nil {
		x.in.stats.SideExits++
		return nil, g.Target
	}
	return g, nil
}

// advance starts the next iteration: the new context holds exactly the tail
// values of the read locals, and the variant cache is dropped.
func (x *execution) advance() {
	t := x.trace
	if len(t.Tail) != len(t.Entry) {
		vm.Abort(fmt.Errorf("%w: trace %d has %d tail values for %d entry locals", ErrStateShape, t.ID, len(t.Tail), len(t.Entry)))
	}
	next := make(map[*Local]vm.Value, len(x.context))
	for i, l := range t.Entry {
		if !l.Read {
			continue
		}
		v := x.eval(t.Tail[i])
		if v.Kind() != l.Kind {
			vm.Abort(fmt.Errorf("%w: local %d enters trace %d as %s and loops as %s", ErrStateShape, l.Index, t.ID, l.Kind, v.Kind()))
		}
		next[l] = v
	}
	x.context = next
	clear(x.variant)
	clear(x.nested)
}

// step evaluates one instruction. It returns the guard that failed, after
// committing its exit, or nil to continue.
func (x *execution) step(ins Instr) *Guard {
	switch i := ins.(type) {
	case *Guard:
		ok, err := vm.Compare(i.Op, x.eval(i.Left), x.eval(i.Right))
		if err != nil {
			vm.Abort(fmt.Errorf("%w: guard in trace %d: %v", ErrTraceSoundness, x.trace.ID, err))
		}
		if ok {
			return nil
		}
		i.Exits++
		x.commit(x.state, i.Exit)
		return i
	case *Builtin:
		x.bind(i, x.builtin(i))
	case *Call:
		args := make([]vm.Value, len(i.Args))
		for n, a := range i.Args {
			args[n] = x.eval(a)
		}
		v, err := x.in.Invoker.Invoke(i.Routine, args, x.below+x.state.Depth())
		if err != nil {
			vm.Abort(fmt.Errorf("%w: %s raised %v in trace %d", ErrTraceSoundness, i.Routine, err, x.trace.ID))
		}
		x.bind(i, v)
	case *Alloc:
		x.bind(i, vm.Ref(vm.NewObject(i.Class)))
	case *TraceCall:
		return x.call(i)
	case *Constant, *Local, *NestedLocal:
	default:
		panic(fmt.Sprintf("trace: unknown instruction %T", ins))
	}
	return nil
}

func (x *execution) bind(ins Instr, v vm.Value) {
	if x.isInvariant {
		x.invariant[ins] = v
		return
	}
	x.variant[ins] = v
}

// eval returns the value of an operand: constants are themselves, locals
// come from the context, nested locals from their call's private state, and
// everything else from the variant cache, then the invariant cache.
func (x *execution) eval(ins Instr) vm.Value {
	switch i := ins.(type) {
	case *Constant:
		return i.Value
	case *Local:
		v, ok := x.context[i]
		if !ok {
			vm.Abort(fmt.Errorf("%w: local %d is not bound in trace %d", ErrTraceSoundness, i.Index, x.trace.ID))
		}
		return v
	case *NestedLocal:
		st, ok := x.nested[i.Call]
		if !ok {
			vm.Abort(fmt.Errorf("%w: nested trace %d has not run", ErrTraceSoundness, i.Call.Trace.ID))
		}
		return st.Frame(0).Load(i.Kind, i.Index)
	}
	if v, ok := x.variant[ins]; ok {
		return v
	}
	if v, ok := x.invariant[ins]; ok {
		return v
	}
	vm.Abort(fmt.Errorf("%w: %T used before it was computed in trace %d", ErrTraceSoundness, ins, x.trace.ID))
	return vm.Void
}

func (x *execution) builtin(b *Builtin) vm.Value {
	args := make([]vm.Value, len(b.Args))
	for n, a := range b.Args {
		args[n] = x.eval(a)
	}
	arg := func(n int) vm.Value {
		if n >= len(args) {
			vm.Abort(fmt.Errorf("%w: %s takes more than %d operands", ErrTraceSoundness, b.Op, len(args)))
		}
		return args[n]
	}

	var v vm.Value
	var err error
	switch b.Op {
	case BuiltinArith:
		rhs := vm.Void
		if b.Arith != vm.ArithNeg {
			rhs = arg(1)
		}
		v, err = vm.Arith(b.Arith, arg(0), rhs)
	case BuiltinConvert:
		v, err = vm.Convert(arg(0), b.Elem)
	case BuiltinCompare3:
		v, err = vm.Compare3(arg(0), arg(1), b.Bias)
	case BuiltinArrayLength:
		v, err = vm.ArrayLength(arg(0))
	case BuiltinArrayLoad:
		v, err = vm.ArrayLoad(arg(0), arg(1))
	case BuiltinArrayStore:
		v, err = vm.Void, vm.ArrayStore(arg(0), arg(1), arg(2))
	case BuiltinFieldLoad:
		v, err = vm.FieldLoad(arg(0), b.Field)
	case BuiltinFieldStore:
		v, err = vm.Void, vm.FieldStore(arg(0), b.Field, arg(1))
	case BuiltinStaticLoad:
		v = vm.StaticLoad(b.Field)
	case BuiltinStaticStore:
		v, err = vm.Void, vm.StaticStore(b.Field, arg(0))
	case BuiltinNewArray:
		v, err = vm.NewArrayValue(b.Elem, b.Class, arg(0))
	default:
		vm.Abort(fmt.Errorf("%w: unknown builtin %s", ErrTraceSoundness, b.Op))
	}
	if err != nil {
		vm.Abort(fmt.Errorf("%w: %s in trace %d: %v", ErrTraceSoundness, b.Op, x.trace.ID, err))
	}
	return v
}

// ---------------------------------------------------------------------------
// Commit and nested calls
// ---------------------------------------------------------------------------

// commit writes an exit into st: every written entry local of the anchor
// frame, its operand stack and PC, and the frames still in progress.
func (x *execution) commit(st *vm.State, s *Snapshot) {
	entry := x.trace.Entry
	if len(s.Locals) != len(entry) {
		vm.Abort(fmt.Errorf("%w: exit at %d has %d locals, trace %d has %d", ErrStateShape, s.PC, len(s.Locals), x.trace.ID, len(entry)))
	}
	locals := make([]vm.Value, len(entry))
	for i, l := range entry {
		if !l.Written {
			continue
		}
		v := x.eval(s.Locals[i])
		if v.Kind().StackKind() != l.Kind {
			vm.Abort(fmt.Errorf("%w: exit at %d gives local %d of trace %d a %s, it enters as %s", ErrStateShape, s.PC, l.Index, x.trace.ID, v.Kind(), l.Kind))
		}
		locals[i] = v
	}
	stack := x.values(s.Stack)

	f := st.Top()
	for i, l := range entry {
		if l.Written {
			f.Store(locals[i].Kind(), l.Index, locals[i])
		}
	}
	f.ClearStack()
	for _, v := range stack {
		f.Push(v.Kind(), v)
	}
	f.PC = s.PC
	for _, fs := range s.Frames {
		st.Append(x.frame(fs))
	}
}

func (x *execution) values(vs []Instr) []vm.Value {
	out := make([]vm.Value, len(vs))
	for i, v := range vs {
		out[i] = x.eval(v)
	}
	return out
}

func (x *execution) frame(fs *FrameSnapshot) *vm.Frame {
	f := vm.NewFrame(fs.Routine)
	f.PC = fs.PC
	f.ReturnPC = fs.ReturnPC
	for i, l := range fs.Locals {
		if l != nil {
			v := x.eval(l)
			f.Store(v.Kind(), i, v)
		}
	}
	for _, v := range x.values(fs.Stack) {
		f.Push(v.Kind(), v)
	}
	return f
}

// call runs a nested trace on a private copy of the state. On the expected
// exit the copy becomes the call's result; on any other exit it replaces
// the live frames and the callee's guard ends this trace too.
func (x *execution) call(c *TraceCall) *Guard {
	x.in.stats.NestedCalls++
	private := x.state.Clone()
	x.commit(private, c.Args)
	slice := private.Slice(c.Depth)
	g := x.in.execute(c.Trace, slice, x.budget, x.below+private.Depth()-c.Depth)
	if g != c.Expect {
		x.state.Truncate(x.state.Depth() - c.Depth)
		x.state.Append(slice.Frames()...)
		return g
	}
	x.nested[c] = slice
	return nil
}
