// Package record turns the instruction stream of one loop iteration into a
// trace. The Recorder abstractly interprets the anchor frame while the
// baseline interpreter executes it, reading concrete operands from the live
// state to decide branch directions.
package record

import (
	"errors"
	"fmt"

	"github.com/chazu/metavm/vm"
	"github.com/chazu/metavm/vm/trace"
	"github.com/tliron/commonlog"
)

// DefaultMaxLength bounds the number of recorded instructions.
const DefaultMaxLength = 500

// ErrAborted is returned by Finish when no recording is complete.
var ErrAborted = errors.New("record: recording aborted")

// Recorder records one trace at a time. It is not safe for concurrent use.
type Recorder struct {
	MaxLength int

	rec    *recording
	nextID int
	log    commonlog.Logger
}

// New creates a recorder.
func New() *Recorder {
	return &Recorder{
		MaxLength: DefaultMaxLength,
		log:       commonlog.GetLogger("metavm.record"),
	}
}

// stop aborts the current recording from anywhere inside a step.
type stop struct {
	reason string
}

func fail(format string, args ...any) {
	panic(stop{reason: fmt.Sprintf(format, args...)})
}

// guarded runs fn and turns a stop into false.
func (r *Recorder) guarded(fn func()) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			s, isStop := p.(stop)
			if !isStop {
				panic(p)
			}
			r.log.Debugf("abort recording at %s: %s", r.rec.anchor, s.reason)
			r.rec = nil
			ok = false
		}
	}()
	fn()
	return true
}

// ---------------------------------------------------------------------------
// Compiler contract
// ---------------------------------------------------------------------------

// Begin starts recording at the top frame of st, which must sit at at with
// an empty operand stack.
func (r *Recorder) Begin(at vm.Location, st *vm.State) bool {
	f := st.Top()
	if f.Routine != at.Routine || f.PC != at.PC || f.Height() != 0 {
		return false
	}
	rc := &recording{
		anchor:  at,
		depth:   st.Depth(),
		expect:  at.PC,
		max:     r.MaxLength,
		locals:  make([]trace.Instr, at.Routine.MaxLocals),
		byIndex: make(map[int]*trace.Local),
		nonNull: make(map[trace.Instr]bool),
	}
	for i := 0; i < at.Routine.MaxLocals; i++ {
		v := f.Slot(i)
		if v.IsFiller() {
			continue
		}
		l := &trace.Local{Index: i, Kind: vm.KindVoid}
		if !v.IsUndefined() {
			l.Kind, l.Live = v.Kind(), true
		}
		rc.entry = append(rc.entry, l)
		rc.byIndex[i] = l
		rc.locals[i] = l
	}
	r.rec = rc
	r.log.Debugf("begin recording at %s", at)
	return true
}

// Bytecode records the instruction at at, which has not executed yet.
// Instructions of deeper frames are skipped.
func (r *Recorder) Bytecode(at vm.Location, st *vm.State) bool {
	rc := r.rec
	if rc == nil {
		return false
	}
	return r.guarded(func() {
		switch d := st.Depth(); {
		case d > rc.depth:
			return
		case d < rc.depth:
			fail("returned from the anchor frame")
		}
		if at.Routine != rc.anchor.Routine || at.PC != rc.expect {
			fail("expected %s@%d, reached %s", rc.anchor.Routine, rc.expect, at)
		}
		rc.step(at, st)
	})
}

// Invoke checks a call about to run. The call itself was recorded by
// Bytecode.
func (r *Recorder) Invoke(target *vm.Routine, st *vm.State) bool {
	return r.rec != nil && st.Depth() >= r.rec.depth
}

// TraceCall records that the inner trace t ran from the anchor frame and
// left through exit. st is the state after the exit was committed.
func (r *Recorder) TraceCall(t *trace.Trace, exit *trace.Guard, st *vm.State) bool {
	rc := r.rec
	if rc == nil {
		return false
	}
	return r.guarded(func() {
		if st.Depth() != rc.depth || t.Anchor.Routine != rc.anchor.Routine || rc.expect != t.Anchor.PC {
			fail("trace %d is not in the anchor frame", t.ID)
		}
		if len(rc.stack) != 0 || len(exit.Exit.Stack) != 0 || len(exit.Exit.Frames) != 0 {
			fail("trace %d exits with operands in flight", t.ID)
		}
		call := &trace.TraceCall{Trace: t, Args: rc.snapshot(t.Anchor.PC), Depth: 1, Expect: exit}
		rc.emit(call)
		f := st.Top()
		for _, l := range rc.entry {
			v := f.Slot(l.Index)
			if !l.Live {
				if !v.IsUndefined() && !v.IsFiller() {
					fail("trace %d defines local %d", t.ID, l.Index)
				}
				continue
			}
			if v.Kind() != l.Kind {
				fail("trace %d changes local %d to %s", t.ID, l.Index, v.Kind())
			}
			rc.locals[l.Index] = &trace.NestedLocal{Call: call, Index: l.Index, Kind: l.Kind}
		}
		rc.expect = f.PC
	})
}

// Finish completes the recording at the closing anchor. next is the root
// trace when recording a side trace.
func (r *Recorder) Finish(next *trace.Trace) (*trace.Trace, error) {
	rc := r.rec
	r.rec = nil
	if rc == nil {
		return nil, ErrAborted
	}
	closing := rc.anchor.PC
	if next != nil {
		closing = next.Anchor.PC
	}
	if rc.expect != closing || len(rc.stack) != 0 {
		return nil, fmt.Errorf("%w: loop edge at %d with %d operands, want %d", ErrAborted, rc.expect, len(rc.stack), closing)
	}
	tail := make([]trace.Instr, len(rc.entry))
	for i, l := range rc.entry {
		tail[i] = rc.locals[l.Index]
	}
	prologue, body := hoist(rc.entry, rc.body, tail)
	r.nextID++
	t, err := trace.New(r.nextID, trace.Recording{
		Anchor:   rc.anchor,
		Entry:    rc.entry,
		Prologue: prologue,
		Body:     body,
		Tail:     tail,
		Next:     next,
	})
	if err != nil {
		return nil, err
	}
	r.log.Infof("recorded trace %d at %s: %d instructions, %d hoisted", t.ID, t.Anchor, t.Len(), len(prologue))
	return t, nil
}

// Abort drops the current recording.
func (r *Recorder) Abort() {
	r.rec = nil
}

// ---------------------------------------------------------------------------
// Abstract interpretation of the anchor frame
// ---------------------------------------------------------------------------

type recording struct {
	anchor  vm.Location
	depth   int
	expect  int
	max     int
	entry   []*trace.Local
	byIndex map[int]*trace.Local
	locals  []trace.Instr // by slot; nil for fillers
	stack   []trace.Instr // one entry per value
	body    []trace.Instr
	nonNull map[trace.Instr]bool
}

func (rc *recording) emit(ins trace.Instr) {
	if rc.max > 0 && len(rc.body) >= rc.max {
		fail("trace longer than %d instructions", rc.max)
	}
	rc.body = append(rc.body, ins)
}

func (rc *recording) push(v trace.Instr) {
	rc.stack = append(rc.stack, v)
}

func (rc *recording) pop(k vm.Kind) trace.Instr {
	v := rc.popAny()
	if v.ResultKind() != k.StackKind() {
		fail("pop %s: abstract stack holds %s", k, v.ResultKind())
	}
	return v
}

func (rc *recording) popAny() trace.Instr {
	if len(rc.stack) == 0 {
		fail("abstract stack underflow")
	}
	v := rc.stack[len(rc.stack)-1]
	rc.stack = rc.stack[:len(rc.stack)-1]
	return v
}

// peek returns the value depth entries below the top.
func (rc *recording) peek(depth int) trace.Instr {
	if depth >= len(rc.stack) {
		fail("abstract stack underflow")
	}
	return rc.stack[len(rc.stack)-1-depth]
}

func (rc *recording) snapshot(pc int) *trace.Snapshot {
	s := &trace.Snapshot{
		Locals: make([]trace.Instr, len(rc.entry)),
		Stack:  append([]trace.Instr(nil), rc.stack...),
		PC:     pc,
	}
	for i, l := range rc.entry {
		s.Locals[i] = rc.locals[l.Index]
	}
	return s
}

// guard emits left op right, exiting to pc with the current abstract stack.
func (rc *recording) guard(op vm.CmpOp, left, right trace.Instr, pc int) {
	rc.emit(&trace.Guard{Op: op, Left: left, Right: right, Exit: rc.snapshot(pc)})
}

func (rc *recording) builtin(b *trace.Builtin) trace.Instr {
	rc.emit(b)
	return b
}

func (rc *recording) load(kind vm.Kind, idx int) {
	if idx >= len(rc.locals) || rc.locals[idx] == nil || rc.locals[idx].ResultKind() != kind.StackKind() {
		fail("load %s from local %d outside the entry shape", kind, idx)
	}
	rc.push(rc.locals[idx])
}

func (rc *recording) store(kind vm.Kind, idx int, v trace.Instr) {
	l := rc.byIndex[idx]
	if l == nil || !l.Live || l.Kind != kind.StackKind() {
		fail("store %s to local %d changes the entry shape", kind, idx)
	}
	rc.locals[idx] = v
}

func constant(v vm.Value) *trace.Constant {
	return &trace.Constant{Value: v}
}

func zero(k vm.Kind) *trace.Constant {
	return constant(vm.Zero(k.StackKind()))
}

// nullCheck guards that the reference at depth is not null. A reference
// known to be fresh needs no guard.
func (rc *recording) nullCheck(st *vm.State, slots, depth, pc int) trace.Instr {
	if st.Peek(vm.KindReference, slots).IsNull() {
		fail("null dereference at %d", pc)
	}
	ref := rc.peek(depth)
	if !rc.nonNull[ref] {
		rc.guard(vm.CmpNe, ref, constant(vm.Null), pc)
	}
	return ref
}

// boundsCheck guards 0 <= index < length for the array and index at the
// given abstract depths.
func (rc *recording) boundsCheck(st *vm.State, slots, depth, pc int) {
	arr := rc.nullCheck(st, slots+1, depth+1, pc)
	n, err := vm.ArrayLength(st.Peek(vm.KindReference, slots+1))
	if err != nil {
		fail("%v", err)
	}
	if i := st.Peek(vm.KindInt, slots).Int(); i < 0 || i >= n.Int() {
		fail("index %d out of bounds at %d", i, pc)
	}
	length := rc.builtin(&trace.Builtin{Op: trace.BuiltinArrayLength, Result: vm.KindInt, Args: []trace.Instr{arr}})
	idx := rc.peek(depth)
	rc.guard(vm.CmpGe, idx, zero(vm.KindInt), pc)
	rc.guard(vm.CmpLt, idx, length, pc)
}

func (rc *recording) step(at vm.Location, st *vm.State) {
	code, pc := at.Routine.Code, at.PC
	op := vm.Opcode(code[pc])
	rc.expect = pc + vm.Length(code, pc)

	switch {
	case op == vm.OpNop:

	// Constants
	case op == vm.OpAconstNull:
		rc.push(constant(vm.Null))
	case op >= vm.OpIconstM1 && op <= vm.OpIconst5:
		rc.push(constant(vm.Int(int32(op) - int32(vm.OpIconst0))))
	case op == vm.OpLconst0 || op == vm.OpLconst1:
		rc.push(constant(vm.Long(int64(op - vm.OpLconst0))))
	case op >= vm.OpFconst0 && op <= vm.OpFconst2:
		rc.push(constant(vm.Float(float32(op - vm.OpFconst0))))
	case op == vm.OpDconst0 || op == vm.OpDconst1:
		rc.push(constant(vm.Double(float64(op - vm.OpDconst0))))
	case op == vm.OpBipush:
		rc.push(constant(vm.Int(int32(vm.S8(code, pc+1)))))
	case op == vm.OpSipush:
		rc.push(constant(vm.Int(int32(vm.S16(code, pc+1)))))
	case op == vm.OpLdc:
		rc.push(constant(at.Routine.PoolValue(vm.U8(code, pc+1))))
	case op == vm.OpLdcW || op == vm.OpLdc2W:
		rc.push(constant(at.Routine.PoolValue(vm.U16(code, pc+1))))

	// Locals
	case op >= vm.OpIload && op <= vm.OpAload3, op >= vm.OpIstore && op <= vm.OpAstore3:
		kind, idx, _, isStore := vm.LocalAccess(code, pc)
		if isStore {
			rc.store(kind, idx, rc.pop(kind))
		} else {
			rc.load(kind, idx)
		}
	case op == vm.OpIinc:
		idx := vm.U8(code, pc+1)
		rc.load(vm.KindInt, idx)
		sum := rc.builtin(&trace.Builtin{Op: trace.BuiltinArith, Arith: vm.ArithAdd, Result: vm.KindInt,
			Args: []trace.Instr{rc.pop(vm.KindInt), constant(vm.Int(int32(vm.S8(code, pc+2))))}})
		rc.store(vm.KindInt, idx, sum)

	// Arrays
	case op >= vm.OpIaload && op <= vm.OpSaload:
		rc.boundsCheck(st, 0, 0, pc)
		idx := rc.pop(vm.KindInt)
		arr := rc.pop(vm.KindReference)
		elem := vm.ArrayElemKind(op)
		rc.push(rc.builtin(&trace.Builtin{Op: trace.BuiltinArrayLoad, Elem: elem, Result: elem.StackKind(), Args: []trace.Instr{arr, idx}}))
	case op >= vm.OpIastore && op <= vm.OpSastore:
		elem := vm.ArrayElemKind(op)
		rc.boundsCheck(st, elem.StackKind().Width(), 1, pc)
		v := rc.pop(elem)
		idx := rc.pop(vm.KindInt)
		arr := rc.pop(vm.KindReference)
		rc.emit(&trace.Builtin{Op: trace.BuiltinArrayStore, Elem: elem, Result: vm.KindVoid, Args: []trace.Instr{arr, idx, v}})
	case op == vm.OpArraylength:
		rc.nullCheck(st, 0, 0, pc)
		arr := rc.pop(vm.KindReference)
		rc.push(rc.builtin(&trace.Builtin{Op: trace.BuiltinArrayLength, Result: vm.KindInt, Args: []trace.Instr{arr}}))
	case op == vm.OpNewarray || op == vm.OpAnewarray:
		b := &trace.Builtin{Op: trace.BuiltinNewArray, Elem: vm.KindReference, Result: vm.KindReference}
		if op == vm.OpNewarray {
			kind, ok := vm.ArrayTypeKind(byte(vm.U8(code, pc+1)))
			if !ok {
				fail("bad newarray type at %d", pc)
			}
			b.Elem = kind
		} else {
			b.Class = at.Routine.PoolClass(vm.U16(code, pc+1))
		}
		if st.Peek(vm.KindInt, 0).Int() < 0 {
			fail("negative array size at %d", pc)
		}
		rc.guard(vm.CmpGe, rc.peek(0), zero(vm.KindInt), pc)
		b.Args = []trace.Instr{rc.pop(vm.KindInt)}
		rc.push(rc.builtin(b))
		rc.nonNull[b] = true

	// Stack manipulation
	case op >= vm.OpPop && op <= vm.OpSwap:
		rc.shuffle(op)

	// Arithmetic
	case op >= vm.OpIadd && op <= vm.OpLxor:
		rc.arith(op, st, pc)

	// Conversions and comparisons
	case op >= vm.OpI2l && op <= vm.OpI2s:
		c := vm.Conversions[op]
		a := rc.pop(c.From)
		rc.push(rc.builtin(&trace.Builtin{Op: trace.BuiltinConvert, Elem: c.To, Result: c.To.StackKind(), Args: []trace.Instr{a}}))
	case op >= vm.OpLcmp && op <= vm.OpDcmpg:
		kind, nan := vm.ThreeWay(op)
		b := rc.pop(kind)
		a := rc.pop(kind)
		rc.push(rc.builtin(&trace.Builtin{Op: trace.BuiltinCompare3, Bias: nan, Result: vm.KindInt, Args: []trace.Instr{a, b}}))

	// Control flow
	case op >= vm.OpIfeq && op <= vm.OpIfle:
		right := zero(vm.KindInt)
		rc.branch(at, st.Peek(vm.KindInt, 0), right.Value, rc.pop(vm.KindInt), right)
	case op >= vm.OpIfIcmpeq && op <= vm.OpIfIcmple:
		b, a := st.Peek(vm.KindInt, 0), st.Peek(vm.KindInt, 1)
		right := rc.pop(vm.KindInt)
		rc.branch(at, a, b, rc.pop(vm.KindInt), right)
	case op == vm.OpIfAcmpeq || op == vm.OpIfAcmpne:
		b, a := st.Peek(vm.KindReference, 0), st.Peek(vm.KindReference, 1)
		right := rc.pop(vm.KindReference)
		rc.branch(at, a, b, rc.pop(vm.KindReference), right)
	case op == vm.OpIfnull || op == vm.OpIfnonnull:
		rc.branch(at, st.Peek(vm.KindReference, 0), vm.Null, rc.pop(vm.KindReference), constant(vm.Null))
	case op == vm.OpGoto:
		rc.expect = pc + vm.S16(code, pc+1)
	case op == vm.OpGotoW:
		rc.expect = pc + vm.S32(code, pc+1)
	case op == vm.OpTableswitch || op == vm.OpLookupswitch:
		key := st.Peek(vm.KindInt, 0)
		rc.guard(vm.CmpEq, rc.peek(0), constant(key), pc)
		rc.pop(vm.KindInt)
		rc.expect = vm.DecodeSwitch(code, pc).Target(int(key.Int()))

	// Fields
	case op == vm.OpGetstatic:
		f := at.Routine.PoolField(vm.U16(code, pc+1))
		rc.push(rc.builtin(&trace.Builtin{Op: trace.BuiltinStaticLoad, Field: f, Result: f.Kind.StackKind()}))
	case op == vm.OpPutstatic:
		f := at.Routine.PoolField(vm.U16(code, pc+1))
		rc.emit(&trace.Builtin{Op: trace.BuiltinStaticStore, Field: f, Result: vm.KindVoid, Args: []trace.Instr{rc.pop(f.Kind)}})
	case op == vm.OpGetfield:
		f := at.Routine.PoolField(vm.U16(code, pc+1))
		rc.nullCheck(st, 0, 0, pc)
		obj := rc.pop(vm.KindReference)
		rc.push(rc.builtin(&trace.Builtin{Op: trace.BuiltinFieldLoad, Field: f, Result: f.Kind.StackKind(), Args: []trace.Instr{obj}}))
	case op == vm.OpPutfield:
		f := at.Routine.PoolField(vm.U16(code, pc+1))
		rc.nullCheck(st, f.Kind.StackKind().Width(), 1, pc)
		v := rc.pop(f.Kind)
		obj := rc.pop(vm.KindReference)
		rc.emit(&trace.Builtin{Op: trace.BuiltinFieldStore, Field: f, Result: vm.KindVoid, Args: []trace.Instr{obj, v}})

	// Calls and allocation
	case op == vm.OpInvokestatic || op == vm.OpInvokespecial:
		target := at.Routine.PoolRoutine(vm.U16(code, pc+1))
		kinds := target.ArgKinds()
		if op == vm.OpInvokespecial {
			rc.nullCheck(st, target.ArgSlots()-1, len(kinds)-1, pc)
		}
		args := make([]trace.Instr, len(kinds))
		for i := len(kinds) - 1; i >= 0; i-- {
			args[i] = rc.pop(kinds[i])
		}
		call := &trace.Call{Routine: target, Args: args}
		rc.emit(call)
		if target.Result != vm.KindVoid {
			rc.push(call)
		}
	case op == vm.OpNew:
		a := &trace.Alloc{Class: at.Routine.PoolClass(vm.U16(code, pc+1))}
		rc.emit(a)
		rc.push(a)
		rc.nonNull[a] = true

	default:
		fail("%s is not recorded", op)
	}
}

// branch records a conditional branch on the observed direction. The guard
// exits to the other successor.
func (rc *recording) branch(at vm.Location, a, b vm.Value, left, right trace.Instr) {
	code, pc := at.Routine.Code, at.PC
	op := vm.Opcode(code[pc])
	cond := vm.BranchCond(op)
	taken, err := vm.Compare(cond, a, b)
	if err != nil {
		fail("%v", err)
	}
	target, fall := pc+vm.S16(code, pc+1), pc+3
	if taken {
		rc.guard(cond, left, right, fall)
		rc.expect = target
		return
	}
	rc.guard(cond.Negate(), left, right, target)
	rc.expect = fall
}

func (rc *recording) arith(op vm.Opcode, st *vm.State, pc int) {
	aop, kind, _ := vm.ArithFamily(op)
	if aop.CanFault() && (kind == vm.KindInt || kind == vm.KindLong) {
		if st.Peek(kind, 0).Equal(vm.Zero(kind)) {
			fail("division by zero at %d", pc)
		}
		rc.guard(vm.CmpNe, rc.peek(0), zero(kind), pc)
	}
	b := &trace.Builtin{Op: trace.BuiltinArith, Arith: aop, Result: kind}
	switch {
	case aop == vm.ArithNeg:
		b.Args = []trace.Instr{rc.pop(kind)}
	case aop.IsShift():
		count := rc.pop(vm.KindInt)
		b.Args = []trace.Instr{rc.pop(kind), count}
	default:
		rhs := rc.pop(kind)
		b.Args = []trace.Instr{rc.pop(kind), rhs}
	}
	rc.push(rc.builtin(b))
}

func wide(v trace.Instr) bool {
	return v.ResultKind().IsWide()
}

// shuffle applies the untyped stack instructions to the abstract stack, which
// holds one entry per value.
func (rc *recording) shuffle(op vm.Opcode) {
	narrow := func() trace.Instr {
		v := rc.popAny()
		if wide(v) {
			fail("%s splits a 2-word value", op)
		}
		return v
	}
	switch op {
	case vm.OpPop:
		narrow()
	case vm.OpPop2:
		if !wide(rc.popAny()) {
			narrow()
		}
	case vm.OpDup:
		v := narrow()
		rc.push(v)
		rc.push(v)
	case vm.OpDupX1:
		v1, v2 := narrow(), narrow()
		rc.push(v1)
		rc.push(v2)
		rc.push(v1)
	case vm.OpDupX2:
		v1, v2 := narrow(), rc.popAny()
		if wide(v2) {
			rc.push(v1)
			rc.push(v2)
			rc.push(v1)
			return
		}
		v3 := narrow()
		rc.push(v1)
		rc.push(v3)
		rc.push(v2)
		rc.push(v1)
	case vm.OpDup2:
		v1 := rc.popAny()
		if wide(v1) {
			rc.push(v1)
			rc.push(v1)
			return
		}
		v2 := narrow()
		rc.push(v2)
		rc.push(v1)
		rc.push(v2)
		rc.push(v1)
	case vm.OpSwap:
		v1, v2 := narrow(), narrow()
		rc.push(v1)
		rc.push(v2)
	default:
		fail("%s is not recorded", op)
	}
}
