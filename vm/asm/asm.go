// Package asm assembles bytecode routines. It is used by the sample
// programs, the CLI and tests; the interpreter itself never needs it.
package asm

import (
	"encoding/binary"
	"fmt"

	"github.com/chazu/metavm/vm"
)

// ---------------------------------------------------------------------------
// Builder: helper for constructing bytecode
// ---------------------------------------------------------------------------

// Builder accumulates code, pool entries and handlers for one routine.
type Builder struct {
	code     []byte
	pool     vm.Pool
	handlers []pendingHandler
	labels   []*Label
}

type pendingHandler struct {
	start, end, target *Label
	catch              *vm.Class
}

// New creates an empty builder.
func New() *Builder {
	return &Builder{code: make([]byte, 0, 64)}
}

// Len returns the current code length, which is the address of the next
// instruction.
func (b *Builder) Len() int {
	return len(b.code)
}

// Op appends an opcode with no operands.
func (b *Builder) Op(ops ...vm.Opcode) *Builder {
	for _, op := range ops {
		b.code = append(b.code, byte(op))
	}
	return b
}

// U8 appends an opcode with a single byte operand.
func (b *Builder) U8(op vm.Opcode, operand uint8) *Builder {
	b.code = append(b.code, byte(op), operand)
	return b
}

// U16 appends an opcode with a big-endian 16-bit operand.
func (b *Builder) U16(op vm.Opcode, operand uint16) *Builder {
	b.code = append(b.code, byte(op))
	b.code = binary.BigEndian.AppendUint16(b.code, operand)
	return b
}

func (b *Builder) s32(v int32) {
	b.code = binary.BigEndian.AppendUint32(b.code, uint32(v))
}

// ---------------------------------------------------------------------------
// Typed convenience emitters
// ---------------------------------------------------------------------------

// Int pushes an int constant using the shortest encoding.
func (b *Builder) Int(v int32) *Builder {
	switch {
	case v >= -1 && v <= 5:
		return b.Op(vm.OpIconst0 + vm.Opcode(v))
	case v >= -128 && v <= 127:
		return b.U8(vm.OpBipush, uint8(int8(v)))
	case v >= -32768 && v <= 32767:
		return b.U16(vm.OpSipush, uint16(int16(v)))
	}
	return b.Const(vm.Int(v))
}

// Const pushes a pool value.
func (b *Builder) Const(v vm.Value) *Builder {
	idx := b.value(v)
	switch {
	case v.Kind().IsWide():
		return b.U16(vm.OpLdc2W, idx)
	case idx < 256:
		return b.U8(vm.OpLdc, uint8(idx))
	}
	return b.U16(vm.OpLdcW, idx)
}

var loadBase = map[vm.Kind]vm.Opcode{
	vm.KindInt: vm.OpIload, vm.KindLong: vm.OpIload + 1, vm.KindFloat: vm.OpIload + 2,
	vm.KindDouble: vm.OpIload + 3, vm.KindReference: vm.OpAload,
}

func family(kind vm.Kind) vm.Opcode {
	op, ok := loadBase[kind.StackKind()]
	if !ok {
		panic(fmt.Sprintf("asm: no local instructions for %s", kind))
	}
	return op - vm.OpIload
}

// Load pushes local idx of the given kind.
func (b *Builder) Load(kind vm.Kind, idx uint8) *Builder {
	t := family(kind)
	if idx < 4 {
		return b.Op(vm.OpIload0 + t*4 + vm.Opcode(idx))
	}
	return b.U8(vm.OpIload+t, idx)
}

// Store pops into local idx of the given kind.
func (b *Builder) Store(kind vm.Kind, idx uint8) *Builder {
	t := family(kind)
	if idx < 4 {
		return b.Op(vm.OpIstore0 + t*4 + vm.Opcode(idx))
	}
	return b.U8(vm.OpIstore+t, idx)
}

// Iinc adds delta to int local idx.
func (b *Builder) Iinc(idx uint8, delta int8) *Builder {
	b.code = append(b.code, byte(vm.OpIinc), idx, byte(delta))
	return b
}

// Arith emits the arithmetic, shift or logic opcode for op on kind.
func (b *Builder) Arith(op vm.ArithOp, kind vm.Kind) *Builder {
	t := family(kind)
	switch {
	case op.IsShift() || op >= vm.ArithAnd:
		if t > 1 {
			panic(fmt.Sprintf("asm: %s on %s", op, kind))
		}
		n := map[vm.ArithOp]vm.Opcode{
			vm.ArithShl: 0, vm.ArithShr: 1, vm.ArithUshr: 2,
			vm.ArithAnd: 3, vm.ArithOr: 4, vm.ArithXor: 5,
		}[op]
		return b.Op(vm.OpIshl + n*2 + t)
	case t > 3:
		panic(fmt.Sprintf("asm: %s on %s", op, kind))
	}
	return b.Op(vm.OpIadd + vm.Opcode(op)*4 + t)
}

// Return emits the return instruction for kind.
func (b *Builder) Return(kind vm.Kind) *Builder {
	if kind == vm.KindVoid {
		return b.Op(vm.OpReturn)
	}
	return b.Op(vm.OpIreturn + family(kind))
}

// Invoke emits a call to r with op (invokestatic, invokevirtual ...).
func (b *Builder) Invoke(op vm.Opcode, r *vm.Routine) *Builder {
	idx := b.routine(r)
	if op == vm.OpInvokeinterface {
		b.U16(op, idx)
		b.code = append(b.code, byte(r.ArgSlots()), 0)
		return b
	}
	return b.U16(op, idx)
}

// Field emits a field access (getfield, putstatic ...).
func (b *Builder) Field(op vm.Opcode, f *vm.Field) *Builder {
	return b.U16(op, b.field(f))
}

// Class emits an instruction taking a class operand (new, anewarray,
// checkcast, instanceof).
func (b *Builder) Class(op vm.Opcode, c *vm.Class) *Builder {
	return b.U16(op, b.class(c))
}

// NewArray allocates a primitive array of the given element kind.
func (b *Builder) NewArray(elem vm.Kind) *Builder {
	for code := vm.TBoolean; code <= vm.TLong; code++ {
		if k, _ := vm.ArrayTypeKind(code); k == elem {
			return b.U8(vm.OpNewarray, code)
		}
	}
	panic(fmt.Sprintf("asm: no primitive array of %s", elem))
}

// ---------------------------------------------------------------------------
// Pool management
// ---------------------------------------------------------------------------

func (b *Builder) value(v vm.Value) uint16 {
	for i, x := range b.pool.Values {
		if x.Equal(v) {
			return uint16(i)
		}
	}
	b.pool.Values = append(b.pool.Values, v)
	return uint16(len(b.pool.Values) - 1)
}

func (b *Builder) routine(r *vm.Routine) uint16 {
	for i, x := range b.pool.Routines {
		if x == r {
			return uint16(i)
		}
	}
	b.pool.Routines = append(b.pool.Routines, r)
	return uint16(len(b.pool.Routines) - 1)
}

func (b *Builder) field(f *vm.Field) uint16 {
	for i, x := range b.pool.Fields {
		if x == f {
			return uint16(i)
		}
	}
	b.pool.Fields = append(b.pool.Fields, f)
	return uint16(len(b.pool.Fields) - 1)
}

func (b *Builder) class(c *vm.Class) uint16 {
	for i, x := range b.pool.Classes {
		if x == c {
			return uint16(i)
		}
	}
	b.pool.Classes = append(b.pool.Classes, c)
	return uint16(len(b.pool.Classes) - 1)
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label is a code address, possibly not yet known.
type Label struct {
	resolved bool
	position int
	refs     []labelRef
}

type labelRef struct {
	origin int // address of the branching opcode
	at     int // operand offset to patch
	wide   bool
}

// NewLabel creates an unresolved label.
func (b *Builder) NewLabel() *Label {
	l := &Label{}
	b.labels = append(b.labels, l)
	return l
}

// Mark resolves a label to the current position.
func (b *Builder) Mark(l *Label) *Builder {
	if l.resolved {
		panic("asm: label already resolved")
	}
	l.resolved = true
	l.position = len(b.code)
	for _, ref := range l.refs {
		b.patch(ref, l.position)
	}
	l.refs = nil
	return b
}

// Position returns a resolved label's address.
func (l *Label) Position() int {
	if !l.resolved {
		panic("asm: label not resolved")
	}
	return l.position
}

func (b *Builder) patch(ref labelRef, target int) {
	off := target - ref.origin
	if ref.wide {
		binary.BigEndian.PutUint32(b.code[ref.at:], uint32(int32(off)))
		return
	}
	if off < -32768 || off > 32767 {
		panic(fmt.Sprintf("asm: branch offset %d out of range", off))
	}
	binary.BigEndian.PutUint16(b.code[ref.at:], uint16(int16(off)))
}

func (b *Builder) target(l *Label, origin int, wide bool) {
	ref := labelRef{origin: origin, at: len(b.code), wide: wide}
	if wide {
		b.code = append(b.code, 0, 0, 0, 0)
	} else {
		b.code = append(b.code, 0, 0)
	}
	if l.resolved {
		b.patch(ref, l.position)
		return
	}
	l.refs = append(l.refs, ref)
}

// Jump emits a branch (if*, goto, ifnull ...) to l.
func (b *Builder) Jump(op vm.Opcode, l *Label) *Builder {
	origin := len(b.code)
	b.code = append(b.code, byte(op))
	b.target(l, origin, op == vm.OpGotoW)
	return b
}

func (b *Builder) pad() {
	for len(b.code)%4 != 0 {
		b.code = append(b.code, 0)
	}
}

// TableSwitch emits a tableswitch over low..low+len(targets)-1.
func (b *Builder) TableSwitch(low int32, def *Label, targets ...*Label) *Builder {
	origin := len(b.code)
	b.code = append(b.code, byte(vm.OpTableswitch))
	b.pad()
	b.target(def, origin, true)
	b.s32(low)
	b.s32(low + int32(len(targets)) - 1)
	for _, t := range targets {
		b.target(t, origin, true)
	}
	return b
}

// Case is one lookupswitch arm.
type Case struct {
	Match  int32
	Target *Label
}

// LookupSwitch emits a lookupswitch. Matches must be distinct.
func (b *Builder) LookupSwitch(def *Label, cases ...Case) *Builder {
	origin := len(b.code)
	b.code = append(b.code, byte(vm.OpLookupswitch))
	b.pad()
	b.target(def, origin, true)
	b.s32(int32(len(cases)))
	for _, c := range cases {
		b.s32(c.Match)
		b.target(c.Target, origin, true)
	}
	return b
}

// Handler adds an exception-table entry covering [start, end). A nil catch
// class catches everything.
func (b *Builder) Handler(start, end, target *Label, catch *vm.Class) *Builder {
	b.handlers = append(b.handlers, pendingHandler{start: start, end: end, target: target, catch: catch})
	return b
}

// Build installs the code, pool and handler table into r and returns it.
func (b *Builder) Build(r *vm.Routine) *vm.Routine {
	for _, l := range b.labels {
		if !l.resolved {
			panic(fmt.Sprintf("asm: unresolved label in %s", r))
		}
	}
	r.Code = b.code
	pool := b.pool
	r.Pool = &pool
	r.Handlers = nil
	for _, h := range b.handlers {
		r.Handlers = append(r.Handlers, vm.Handler{
			Start:  h.start.position,
			End:    h.end.position,
			Target: h.target.position,
			Catch:  h.catch,
		})
	}
	return r
}
