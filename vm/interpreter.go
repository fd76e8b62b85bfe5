package vm

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"
)

// DefaultMaxDepth bounds the frame stack of one execution.
const DefaultMaxDepth = 1024

// ---------------------------------------------------------------------------
// Interpreter: baseline bytecode execution engine
// ---------------------------------------------------------------------------

// Interpreter executes bytecode one instruction at a time against a State,
// reporting to its Profiler as it goes.
type Interpreter struct {
	Universe *Universe
	Profiler Profiler
	MaxDepth int // frames, sentinel excluded

	caches   map[Location]*InlineCache // virtual call sites
	switches map[Location]*Switch      // decoded on first execution
	log    commonlog.Logger
}

// NewInterpreter creates an interpreter. A nil profiler disables profiling.
func NewInterpreter(u *Universe, p Profiler) *Interpreter {
	if u == nil {
		u = NewUniverse()
	}
	if p == nil {
		p = NopProfiler{}
	}
	return &Interpreter{
		Universe: u,
		Profiler: p,
		MaxDepth: DefaultMaxDepth,
		log:      commonlog.GetLogger("metavm.vm"),
	}
}

// Execute runs r with args and returns its result (Void for void routines).
// An exception no handler catches is returned as an *Exception.
func (in *Interpreter) Execute(r *Routine, args ...Value) (Value, error) {
	return in.execute(r, args, in.Profiler, 0)
}

// Invoke implements Invoker. The call runs unprofiled, so a routine invoked
// from a trace behaves exactly as in the baseline tier without re-entering
// the tracer.
func (in *Interpreter) Invoke(target *Routine, args []Value, depth int) (Value, error) {
	return in.execute(target, args, NopProfiler{}, depth)
}

// execute runs r on a fresh state above base frames held elsewhere.
func (in *Interpreter) execute(r *Routine, args []Value, prof Profiler, base int) (result Value, err error) {
	if r.IsNative() {
		return r.Native(args)
	}
	if base >= in.MaxDepth {
		ex := in.Universe.NewThrowable(in.Universe.StackOverflowError, fmt.Sprintf("depth %d", in.MaxDepth))
		return Void, &Exception{Value: ex, Site: Location{Routine: r}}
	}
	kinds := r.ArgKinds()
	if len(args) != len(kinds) {
		return Void, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrMalformedCode, r, len(kinds), len(args))
	}

	defer endExecution(prof)
	defer RecoverFatal(&err)
	st := NewState()
	for i, a := range args {
		v, ok := a.As(kinds[i])
		if !ok {
			return Void, fmt.Errorf("%w: argument %d of %s: want %s, got %s", ErrMalformedCode, i, r, kinds[i], a.Kind())
		}
		st.Push(kinds[i], v)
	}
	st.Enter(r, 0)
	in.log.Debugf("execute %s", r.Signature())
	in.run(st, prof, base)

	if v, ok := st.Top().top(); ok {
		return v, nil
	}
	return Void, nil
}

// Resume drives st until only the sentinel frame remains. It is used to
// finish an execution from a state restored by a trace bailout.
func (in *Interpreter) Resume(st *State) (err error) {
	defer endExecution(in.Profiler)
	defer RecoverFatal(&err)
	in.run(st, in.Profiler, 0)
	return nil
}

// endExecution runs after RecoverFatal, whatever way the execution ended.
func endExecution(p Profiler) {
	if a, ok := p.(Abandoner); ok {
		a.Abandon()
	}
}

// ---------------------------------------------------------------------------
// Dispatch loop
// ---------------------------------------------------------------------------

// loop is the per-execution context handed to opcode handlers.
type loop struct {
	in   *Interpreter
	st   *State
	prof Profiler
	base int // frames beneath st that count against MaxDepth
}

func (in *Interpreter) run(st *State, prof Profiler, base int) {
	l := &loop{in: in, st: st, prof: prof, base: base}
	for st.Depth() > 1 {
		// The top frame is re-read on every iteration: a jump may have
		// handed the state to a trace and back.
		f := st.Top()
		code := f.Routine.Code
		if f.PC < 0 || f.PC >= len(code) {
			malformed("pc %d outside %s (%d bytes)", f.PC, f.Routine, len(code))
		}
		prof.Trace(f.Location(), st)
		op := Opcode(code[f.PC])
		h := dispatch[op]
		if h == nil {
			Abort(fmt.Errorf("%w: %s at %s", ErrUnsupportedOpcode, op, f.Location()))
		}
		h(l, f, op)
	}
}

// jump transfers control to target and reports the edge.
func (l *loop) jump(f *Frame, target int) {
	from := f.Location()
	f.PC = target
	l.prof.Jump(from, Location{Routine: f.Routine, PC: target}, l.st)
}

// branch jumps to the 16-bit relative target when taken and falls through
// otherwise.
func (l *loop) branch(f *Frame, taken bool) {
	if taken {
		l.jump(f, f.PC+S16(f.Routine.Code, f.PC+1))
		return
	}
	f.PC += 3
}

// switchAt returns the switch at loc, decoding it on first use. Code is
// immutable once a routine runs, so the table never goes stale.
func (in *Interpreter) switchAt(loc Location) *Switch {
	sw := in.switches[loc]
	if sw == nil {
		if in.switches == nil {
			in.switches = make(map[Location]*Switch)
		}
		sw = DecodeSwitch(loc.Routine.Code, loc.PC)
		in.switches[loc] = sw
	}
	return sw
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

func popArgs(f *Frame, r *Routine) []Value {
	kinds := r.ArgKinds()
	args := make([]Value, len(kinds))
	for i := len(kinds) - 1; i >= 0; i-- {
		args[i] = f.Pop(kinds[i])
	}
	return args
}

// invoke calls target from f; next is the caller's resume offset.
func (l *loop) invoke(f *Frame, target *Routine, next int) {
	l.prof.Invoke(target, l.st)
	if target.IsNative() {
		v, err := target.Native(popArgs(f, target))
		if err != nil {
			var ex *Exception
			if errors.As(err, &ex) {
				l.throw(ex.Value)
				return
			}
			l.fault(err)
			return
		}
		if target.Result != KindVoid {
			f.Push(target.Result, v)
		}
		f.PC = next
		return
	}
	if l.base+l.st.Depth()-1 >= l.in.MaxDepth {
		l.throwNew(l.in.Universe.StackOverflowError, fmt.Sprintf("depth %d", l.in.MaxDepth))
		return
	}
	l.st.Enter(target, next)
}

// dispatchVirtual resolves the declared routine against the receiver's
// class.
func (l *loop) dispatchVirtual(f *Frame, declared *Routine, next int) {
	recv := f.Peek(KindReference, declared.ArgSlots()-1)
	if recv.IsNull() {
		l.fault(fmt.Errorf("%w: invoking %s", ErrNullPointer, declared))
		return
	}
	obj := recv.Object()
	if obj == nil {
		malformed("receiver of %s is not an object", declared)
	}
	target := l.in.siteCache(f.Location()).resolve(obj.Class, declared.Name)
	if target == nil {
		malformed("%s does not understand %s", obj.Class.Name, declared.Name)
	}
	l.invoke(f, target, next)
}

// ---------------------------------------------------------------------------
// Exceptions
// ---------------------------------------------------------------------------

// fault throws the exception matching a guarded runtime fault. Any other
// error is fatal.
func (l *loop) fault(err error) {
	cls := l.in.Universe.ClassFor(err)
	if cls == nil {
		Abort(err)
	}
	l.throwNew(cls, err.Error())
}

func (l *loop) throwNew(cls *Class, msg string) {
	l.throw(l.in.Universe.NewThrowable(cls, msg))
}

// throw clears the raising frame's operand stack, pushes the exception and
// unwinds to the first covering handler. Handlers are searched in
// declaration order in the innermost frame before its caller. If no frame
// catches it, the execution ends with an *Exception.
func (l *loop) throw(ex Value) {
	site := l.st.Top().Location()
	obj := ex.Object()
	if obj == nil {
		malformed("throwing non-object %s at %s", ex, site)
	}
	for l.st.Depth() > 1 {
		f := l.st.Top()
		if h := f.Routine.findHandler(f.PC, obj.Class); h != nil {
			f.ClearStack()
			f.Push(KindReference, ex)
			f.PC = h.Target
			return
		}
		l.st.LeaveWithoutReturn()
	}
	l.in.log.Debugf("uncaught %s at %s", ex, site)
	panic(&Exception{Value: ex, Site: site})
}
