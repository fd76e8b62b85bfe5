package trace

import (
	"fmt"

	"github.com/chazu/metavm/vm"
)

// ---------------------------------------------------------------------------
// Instructions
// ---------------------------------------------------------------------------

// Instr is one trace instruction. The set of variants is closed: every
// implementation lives in this file and evaluators switch over all of them.
type Instr interface {
	// ResultKind is the stack kind of the value the instruction produces,
	// KindVoid for instructions evaluated only for their effect.
	ResultKind() vm.Kind

	instr()
}

// Constant is a literal value.
type Constant struct {
	Value vm.Value
}

// Local is one entry local of a trace: the value slot Index of the anchor
// frame holds when the trace starts.
type Local struct {
	Index int
	Kind  vm.Kind
	Live  bool // false when the slot is undefined at entry

	// Derived by New.
	Read    bool // some instruction, snapshot or tail entry needs its value
	Written bool // some exit or the tail gives it a different value
}

// NestedLocal reads slot Index of the anchor frame in the private state a
// TraceCall produced.
type NestedLocal struct {
	Call  *TraceCall
	Index int
	Kind  vm.Kind
}

// BuiltinOp selects the operation of a Builtin.
type BuiltinOp uint8

const (
	BuiltinArith       BuiltinOp = iota // Args: a[, b]
	BuiltinConvert                      // Args: v; Elem is the target kind
	BuiltinCompare3                     // Args: a, b; Bias is the NaN result
	BuiltinArrayLength                  // Args: array
	BuiltinArrayLoad                    // Args: array, index
	BuiltinArrayStore                   // Args: array, index, value
	BuiltinFieldLoad                    // Args: object
	BuiltinFieldStore                   // Args: object, value
	BuiltinStaticLoad                   // no args
	BuiltinStaticStore                  // Args: value
	BuiltinNewArray                     // Args: length; Elem and Class describe elements
)

var builtinNames = [...]string{
	BuiltinArith:       "arith",
	BuiltinConvert:     "convert",
	BuiltinCompare3:    "cmp3",
	BuiltinArrayLength: "arraylength",
	BuiltinArrayLoad:   "aload",
	BuiltinArrayStore:  "astore",
	BuiltinFieldLoad:   "getfield",
	BuiltinFieldStore:  "putfield",
	BuiltinStaticLoad:  "getstatic",
	BuiltinStaticStore: "putstatic",
	BuiltinNewArray:    "newarray",
}

func (op BuiltinOp) String() string {
	if int(op) < len(builtinNames) {
		return builtinNames[op]
	}
	return fmt.Sprintf("builtin(%d)", op)
}

// Builtin is an operation the trace interpreter computes directly with the
// shared vm ALU and heap helpers.
type Builtin struct {
	Op     BuiltinOp
	Arith  vm.ArithOp
	Bias   int32
	Elem   vm.Kind
	Class  *vm.Class
	Field  *vm.Field
	Result vm.Kind
	Args   []Instr
}

// Pure reports whether the builtin has no effect and cannot fault, so it may
// be computed once before the loop when its operands are invariant.
func (b *Builtin) Pure() bool {
	switch b.Op {
	case BuiltinConvert, BuiltinCompare3:
		return true
	case BuiltinArith:
		integer := b.Result == vm.KindInt || b.Result == vm.KindLong
		return !(integer && b.Arith.CanFault())
	}
	return false
}

// Call invokes a routine through the same mechanism as the baseline
// interpreter.
type Call struct {
	Routine *vm.Routine
	Args    []Instr
}

// Alloc creates a bare instance without running a constructor.
type Alloc struct {
	Class *vm.Class
}

// Guard asserts Left Op Right. When the assertion fails the trace either
// continues in Target or bails out to Exit.
type Guard struct {
	Op     vm.CmpOp
	Left   Instr
	Right  Instr
	Exit   *Snapshot
	Target *Trace

	Trace       *Trace // owner, set by New
	Exits       uint64 // times the guard failed
	Blacklisted bool   // no side trace will be recorded from it
}

// TraceCall runs another trace as a nested unit on a private copy of the
// state. Args is committed into the copy before the call; Depth frames are
// sliced off for the callee. Expect is the exit the call was recorded with;
// any other exit ends the caller too.
type TraceCall struct {
	Trace  *Trace
	Args   *Snapshot
	Depth  int
	Expect *Guard
}

func (c *Constant) ResultKind() vm.Kind    { return c.Value.Kind().StackKind() }
func (l *Local) ResultKind() vm.Kind       { return l.Kind }
func (n *NestedLocal) ResultKind() vm.Kind { return n.Kind }
func (b *Builtin) ResultKind() vm.Kind     { return b.Result }
func (c *Call) ResultKind() vm.Kind        { return c.Routine.Result.StackKind() }
func (a *Alloc) ResultKind() vm.Kind       { return vm.KindReference }
func (g *Guard) ResultKind() vm.Kind       { return vm.KindVoid }
func (c *TraceCall) ResultKind() vm.Kind   { return vm.KindVoid }

func (*Constant) instr()    {}
func (*Local) instr()       {}
func (*NestedLocal) instr() {}
func (*Builtin) instr()     {}
func (*Call) instr()        {}
func (*Alloc) instr()       {}
func (*Guard) instr()       {}
func (*TraceCall) instr()   {}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// Snapshot describes the baseline state at an exit. Locals is parallel to
// the owning trace's entry shape; Stack lists the anchor frame's operand
// values bottom first; Frames are activations still in progress above the
// anchor frame.
type Snapshot struct {
	Locals []Instr
	Stack  []Instr
	PC     int
	Frames []*FrameSnapshot
}

// FrameSnapshot rebuilds one frame at an exit. Locals is indexed by slot;
// nil entries stay undefined.
type FrameSnapshot struct {
	Routine  *vm.Routine
	PC       int
	ReturnPC int
	Locals   []Instr
	Stack    []Instr
}

// operands calls fn for every instruction ins reads.
func operands(ins Instr, fn func(Instr)) {
	switch i := ins.(type) {
	case *Builtin:
		for _, a := range i.Args {
			fn(a)
		}
	case *Call:
		for _, a := range i.Args {
			fn(a)
		}
	case *Guard:
		fn(i.Left)
		fn(i.Right)
	case *Constant, *Local, *NestedLocal, *Alloc, *TraceCall:
	default:
		panic(fmt.Sprintf("trace: unknown instruction %T", ins))
	}
}

// frameOperands calls fn for every value a snapshot's frames and stack read.
func (s *Snapshot) frameOperands(fn func(Instr)) {
	for _, v := range s.Stack {
		fn(v)
	}
	for _, f := range s.Frames {
		for _, v := range f.Locals {
			if v != nil {
				fn(v)
			}
		}
		for _, v := range f.Stack {
			fn(v)
		}
	}
}
