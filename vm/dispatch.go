package vm

// handler executes the instruction at f.PC and advances f.PC (or jumps).
type handler func(l *loop, f *Frame, op Opcode)

// dispatch is the 256-entry opcode table. Unsupported opcodes stay nil.
var dispatch [256]handler

// ---------------------------------------------------------------------------
// Pool access
// ---------------------------------------------------------------------------

func (r *Routine) pool() *Pool {
	if r.Pool == nil {
		malformed("%s has no constant pool", r)
	}
	return r.Pool
}

// PoolValue returns pool value idx.
func (r *Routine) PoolValue(idx int) Value {
	p := r.pool()
	if idx >= len(p.Values) {
		malformed("value #%d out of range in %s", idx, r)
	}
	return p.Values[idx]
}

// PoolRoutine returns pool routine idx.
func (r *Routine) PoolRoutine(idx int) *Routine {
	p := r.pool()
	if idx >= len(p.Routines) {
		malformed("routine #%d out of range in %s", idx, r)
	}
	return p.Routines[idx]
}

// PoolField returns pool field idx.
func (r *Routine) PoolField(idx int) *Field {
	p := r.pool()
	if idx >= len(p.Fields) {
		malformed("field #%d out of range in %s", idx, r)
	}
	return p.Fields[idx]
}

// PoolClass returns pool class idx.
func (r *Routine) PoolClass(idx int) *Class {
	p := r.pool()
	if idx >= len(p.Classes) {
		malformed("class #%d out of range in %s", idx, r)
	}
	return p.Classes[idx]
}

// ---------------------------------------------------------------------------
// Instruction families
// ---------------------------------------------------------------------------

// LocalAccess decodes a load or store: its kind, local index and length.
func LocalAccess(code []byte, pc int) (kind Kind, index, length int, store bool) {
	op := Opcode(code[pc])
	switch {
	case op >= OpIload && op <= OpAload:
		return typedKinds[op-OpIload], U8(code, pc+1), 2, false
	case op >= OpIload0 && op <= OpAload3:
		n := int(op - OpIload0)
		return typedKinds[n/4], n % 4, 1, false
	case op >= OpIstore && op <= OpAstore:
		return typedKinds[op-OpIstore], U8(code, pc+1), 2, true
	case op >= OpIstore0 && op <= OpAstore3:
		n := int(op - OpIstore0)
		return typedKinds[n/4], n % 4, 1, true
	}
	malformed("%s at %d is not a local access", op, pc)
	return
}

// ArithFamily decodes an arithmetic, shift or logic opcode.
func ArithFamily(op Opcode) (ArithOp, Kind, bool) {
	switch {
	case op >= OpIadd && op <= OpDneg:
		n := int(op - OpIadd)
		return ArithOp(n / 4), typedKinds[n%4], true
	case op >= OpIshl && op <= OpLxor:
		n := int(op - OpIshl)
		ops := [...]ArithOp{ArithShl, ArithShr, ArithUshr, ArithAnd, ArithOr, ArithXor}
		return ops[n/2], typedKinds[n%2], true
	}
	return 0, KindVoid, false
}

// ArrayElemKind returns the element kind of an xaload or xastore opcode.
func ArrayElemKind(op Opcode) Kind {
	if op >= OpIastore {
		return arrayKinds[op-OpIastore]
	}
	return arrayKinds[op-OpIaload]
}

// Conversion describes a primitive conversion opcode.
type Conversion struct {
	From, To Kind
}

// Conversions maps conversion opcodes to their kinds.
var Conversions = map[Opcode]Conversion{
	OpI2l: {KindInt, KindLong}, OpI2f: {KindInt, KindFloat}, OpI2d: {KindInt, KindDouble},
	OpL2i: {KindLong, KindInt}, OpL2f: {KindLong, KindFloat}, OpL2d: {KindLong, KindDouble},
	OpF2i: {KindFloat, KindInt}, OpF2l: {KindFloat, KindLong}, OpF2d: {KindFloat, KindDouble},
	OpD2i: {KindDouble, KindInt}, OpD2l: {KindDouble, KindLong}, OpD2f: {KindDouble, KindFloat},
	OpI2b: {KindInt, KindByte}, OpI2c: {KindInt, KindChar}, OpI2s: {KindInt, KindShort},
}

// ThreeWay describes lcmp, fcmpl/g and dcmpl/g.
func ThreeWay(op Opcode) (kind Kind, nan int32) {
	switch op {
	case OpLcmp:
		return KindLong, 0
	case OpFcmpl:
		return KindFloat, -1
	case OpFcmpg:
		return KindFloat, 1
	case OpDcmpl:
		return KindDouble, -1
	}
	return KindDouble, 1
}

// BranchCond returns the condition tested by an if* or if_icmp* opcode.
func BranchCond(op Opcode) CmpOp {
	switch {
	case op >= OpIfeq && op <= OpIfle:
		return cmpOrder[op-OpIfeq]
	case op >= OpIfIcmpeq && op <= OpIfIcmple:
		return cmpOrder[op-OpIfIcmpeq]
	case op == OpIfAcmpeq, op == OpIfnull:
		return CmpEq
	}
	return CmpNe
}

// ReturnKind returns the kind returned by a return opcode.
func ReturnKind(op Opcode) Kind {
	if op == OpReturn {
		return KindVoid
	}
	return typedKinds[op-OpIreturn]
}

// ---------------------------------------------------------------------------
// Handler table
// ---------------------------------------------------------------------------

func init() {
	dispatch[OpNop] = func(l *loop, f *Frame, op Opcode) { f.PC++ }

	// Constants
	dispatch[OpAconstNull] = func(l *loop, f *Frame, op Opcode) {
		f.Push(KindReference, Null)
		f.PC++
	}
	for op := OpIconstM1; op <= OpIconst5; op++ {
		dispatch[op] = func(l *loop, f *Frame, op Opcode) {
			f.Push(KindInt, Int(int32(op)-int32(OpIconst0)))
			f.PC++
		}
	}
	for op := OpLconst0; op <= OpLconst1; op++ {
		dispatch[op] = func(l *loop, f *Frame, op Opcode) {
			f.Push(KindLong, Long(int64(op-OpLconst0)))
			f.PC++
		}
	}
	for op := OpFconst0; op <= OpFconst2; op++ {
		dispatch[op] = func(l *loop, f *Frame, op Opcode) {
			f.Push(KindFloat, Float(float32(op-OpFconst0)))
			f.PC++
		}
	}
	for op := OpDconst0; op <= OpDconst1; op++ {
		dispatch[op] = func(l *loop, f *Frame, op Opcode) {
			f.Push(KindDouble, Double(float64(op-OpDconst0)))
			f.PC++
		}
	}
	dispatch[OpBipush] = func(l *loop, f *Frame, op Opcode) {
		f.Push(KindInt, Int(int32(S8(f.Routine.Code, f.PC+1))))
		f.PC += 2
	}
	dispatch[OpSipush] = func(l *loop, f *Frame, op Opcode) {
		f.Push(KindInt, Int(int32(S16(f.Routine.Code, f.PC+1))))
		f.PC += 3
	}
	dispatch[OpLdc] = func(l *loop, f *Frame, op Opcode) {
		v := f.Routine.PoolValue(U8(f.Routine.Code, f.PC+1))
		f.Push(v.Kind(), v)
		f.PC += 2
	}
	ldcWide := func(l *loop, f *Frame, op Opcode) {
		v := f.Routine.PoolValue(U16(f.Routine.Code, f.PC+1))
		f.Push(v.Kind(), v)
		f.PC += 3
	}
	dispatch[OpLdcW] = ldcWide
	dispatch[OpLdc2W] = ldcWide

	// Locals
	local := func(l *loop, f *Frame, op Opcode) {
		kind, idx, n, store := LocalAccess(f.Routine.Code, f.PC)
		if store {
			f.Store(kind, idx, f.Pop(kind))
		} else {
			f.Push(kind, f.Load(kind, idx))
		}
		f.PC += n
	}
	for op := OpIload; op <= OpAload3; op++ {
		dispatch[op] = local
	}
	for op := OpIstore; op <= OpAstore3; op++ {
		dispatch[op] = local
	}
	dispatch[OpIinc] = func(l *loop, f *Frame, op Opcode) {
		code := f.Routine.Code
		idx := U8(code, f.PC+1)
		v := f.Load(KindInt, idx)
		f.Store(KindInt, idx, Int(v.Int()+int32(S8(code, f.PC+2))))
		f.PC += 3
	}

	// Arrays
	for op := OpIaload; op <= OpSaload; op++ {
		dispatch[op] = func(l *loop, f *Frame, op Opcode) {
			idx := f.Pop(KindInt)
			arr := f.Pop(KindReference)
			v, err := ArrayLoad(arr, idx)
			if err != nil {
				l.fault(err)
				return
			}
			f.Push(ArrayElemKind(op), v)
			f.PC++
		}
	}
	for op := OpIastore; op <= OpSastore; op++ {
		dispatch[op] = func(l *loop, f *Frame, op Opcode) {
			v := f.Pop(ArrayElemKind(op))
			idx := f.Pop(KindInt)
			arr := f.Pop(KindReference)
			if err := ArrayStore(arr, idx, v); err != nil {
				l.fault(err)
				return
			}
			f.PC++
		}
	}
	dispatch[OpArraylength] = func(l *loop, f *Frame, op Opcode) {
		v, err := ArrayLength(f.Pop(KindReference))
		if err != nil {
			l.fault(err)
			return
		}
		f.Push(KindInt, v)
		f.PC++
	}
	dispatch[OpNewarray] = func(l *loop, f *Frame, op Opcode) {
		kind, ok := ArrayTypeKind(byte(U8(f.Routine.Code, f.PC+1)))
		if !ok {
			malformed("newarray type %d at %s", U8(f.Routine.Code, f.PC+1), f.Location())
		}
		v, err := NewArrayValue(kind, nil, f.Pop(KindInt))
		if err != nil {
			l.fault(err)
			return
		}
		f.Push(KindReference, v)
		f.PC += 2
	}
	dispatch[OpAnewarray] = func(l *loop, f *Frame, op Opcode) {
		cls := f.Routine.PoolClass(U16(f.Routine.Code, f.PC+1))
		v, err := NewArrayValue(KindReference, cls, f.Pop(KindInt))
		if err != nil {
			l.fault(err)
			return
		}
		f.Push(KindReference, v)
		f.PC += 3
	}

	// Stack manipulation. Slots move raw so 2-word values keep their filler.
	single := func(f *Frame) Value {
		v := f.popSlot()
		if v.IsFiller() || v.kind.IsWide() || v.IsUndefined() {
			malformed("%s at %s splits a 2-word value", Opcode(f.Routine.Code[f.PC]), f.Location())
		}
		return v
	}
	dispatch[OpPop] = func(l *loop, f *Frame, op Opcode) {
		single(f)
		f.PC++
	}
	dispatch[OpPop2] = func(l *loop, f *Frame, op Opcode) {
		f.popSlot()
		f.popSlot()
		f.PC++
	}
	dispatch[OpDup] = func(l *loop, f *Frame, op Opcode) {
		v := single(f)
		f.pushSlot(v)
		f.pushSlot(v)
		f.PC++
	}
	dispatch[OpDupX1] = func(l *loop, f *Frame, op Opcode) {
		v1, v2 := single(f), single(f)
		f.pushSlot(v1)
		f.pushSlot(v2)
		f.pushSlot(v1)
		f.PC++
	}
	dispatch[OpDupX2] = func(l *loop, f *Frame, op Opcode) {
		v1, v2, v3 := single(f), f.popSlot(), f.popSlot()
		f.pushSlot(v1)
		f.pushSlot(v3)
		f.pushSlot(v2)
		f.pushSlot(v1)
		f.PC++
	}
	dispatch[OpDup2] = func(l *loop, f *Frame, op Opcode) {
		v1, v2 := f.popSlot(), f.popSlot()
		f.pushSlot(v2)
		f.pushSlot(v1)
		f.pushSlot(v2)
		f.pushSlot(v1)
		f.PC++
	}
	dispatch[OpDup2X1] = func(l *loop, f *Frame, op Opcode) {
		v1, v2, v3 := f.popSlot(), f.popSlot(), f.popSlot()
		f.pushSlot(v2)
		f.pushSlot(v1)
		f.pushSlot(v3)
		f.pushSlot(v2)
		f.pushSlot(v1)
		f.PC++
	}
	dispatch[OpDup2X2] = func(l *loop, f *Frame, op Opcode) {
		v1, v2, v3, v4 := f.popSlot(), f.popSlot(), f.popSlot(), f.popSlot()
		f.pushSlot(v2)
		f.pushSlot(v1)
		f.pushSlot(v4)
		f.pushSlot(v3)
		f.pushSlot(v2)
		f.pushSlot(v1)
		f.PC++
	}
	dispatch[OpSwap] = func(l *loop, f *Frame, op Opcode) {
		v1, v2 := single(f), single(f)
		f.pushSlot(v1)
		f.pushSlot(v2)
		f.PC++
	}

	// Arithmetic, shifts and logic
	arith := func(l *loop, f *Frame, op Opcode) {
		aop, kind, _ := ArithFamily(op)
		var a, b Value
		switch {
		case aop == ArithNeg:
			a = f.Pop(kind)
		case aop.IsShift():
			b = f.Pop(KindInt)
			a = f.Pop(kind)
		default:
			b = f.Pop(kind)
			a = f.Pop(kind)
		}
		v, err := Arith(aop, a, b)
		if err != nil {
			l.fault(err)
			return
		}
		f.Push(kind, v)
		f.PC++
	}
	for op := OpIadd; op <= OpDneg; op++ {
		dispatch[op] = arith
	}
	for op := OpIshl; op <= OpLxor; op++ {
		dispatch[op] = arith
	}

	// Conversions and three-way compares
	for op := range Conversions {
		dispatch[op] = func(l *loop, f *Frame, op Opcode) {
			c := Conversions[op]
			v, err := Convert(f.Pop(c.From), c.To)
			if err != nil {
				Abort(err)
			}
			f.Push(c.To, v)
			f.PC++
		}
	}
	for op := OpLcmp; op <= OpDcmpg; op++ {
		dispatch[op] = func(l *loop, f *Frame, op Opcode) {
			kind, nan := ThreeWay(op)
			b := f.Pop(kind)
			a := f.Pop(kind)
			v, err := Compare3(a, b, nan)
			if err != nil {
				Abort(err)
			}
			f.Push(KindInt, v)
			f.PC++
		}
	}

	// Branches
	test := func(cond CmpOp, a, b Value) bool {
		ok, err := Compare(cond, a, b)
		if err != nil {
			Abort(err)
		}
		return ok
	}
	for op := OpIfeq; op <= OpIfle; op++ {
		dispatch[op] = func(l *loop, f *Frame, op Opcode) {
			l.branch(f, test(BranchCond(op), f.Pop(KindInt), Int(0)))
		}
	}
	for op := OpIfIcmpeq; op <= OpIfIcmple; op++ {
		dispatch[op] = func(l *loop, f *Frame, op Opcode) {
			b := f.Pop(KindInt)
			a := f.Pop(KindInt)
			l.branch(f, test(BranchCond(op), a, b))
		}
	}
	acmp := func(l *loop, f *Frame, op Opcode) {
		b := f.Pop(KindReference)
		a := f.Pop(KindReference)
		l.branch(f, test(BranchCond(op), a, b))
	}
	dispatch[OpIfAcmpeq] = acmp
	dispatch[OpIfAcmpne] = acmp
	ifnull := func(l *loop, f *Frame, op Opcode) {
		l.branch(f, test(BranchCond(op), f.Pop(KindReference), Null))
	}
	dispatch[OpIfnull] = ifnull
	dispatch[OpIfnonnull] = ifnull
	dispatch[OpGoto] = func(l *loop, f *Frame, op Opcode) {
		l.branch(f, true)
	}
	dispatch[OpGotoW] = func(l *loop, f *Frame, op Opcode) {
		l.jump(f, f.PC+S32(f.Routine.Code, f.PC+1))
	}
	swtch := func(l *loop, f *Frame, op Opcode) {
		key := f.Pop(KindInt)
		sw := l.in.switchAt(f.Location())
		l.jump(f, sw.Target(int(key.Int())))
	}
	dispatch[OpTableswitch] = swtch
	dispatch[OpLookupswitch] = swtch

	// Returns
	for op := OpIreturn; op <= OpReturn; op++ {
		dispatch[op] = func(l *loop, f *Frame, op Opcode) {
			if want := f.Routine.Result.StackKind(); ReturnKind(op) != want {
				malformed("%s in %s returning %s", op, f.Routine, want)
			}
			l.st.Leave()
		}
	}

	// Fields
	dispatch[OpGetstatic] = func(l *loop, f *Frame, op Opcode) {
		fld := f.Routine.PoolField(U16(f.Routine.Code, f.PC+1))
		f.Push(fld.Kind, StaticLoad(fld))
		f.PC += 3
	}
	dispatch[OpPutstatic] = func(l *loop, f *Frame, op Opcode) {
		fld := f.Routine.PoolField(U16(f.Routine.Code, f.PC+1))
		if err := StaticStore(fld, f.Pop(fld.Kind)); err != nil {
			Abort(err)
		}
		f.PC += 3
	}
	dispatch[OpGetfield] = func(l *loop, f *Frame, op Opcode) {
		fld := f.Routine.PoolField(U16(f.Routine.Code, f.PC+1))
		v, err := FieldLoad(f.Pop(KindReference), fld)
		if err != nil {
			l.fault(err)
			return
		}
		f.Push(fld.Kind, v)
		f.PC += 3
	}
	dispatch[OpPutfield] = func(l *loop, f *Frame, op Opcode) {
		fld := f.Routine.PoolField(U16(f.Routine.Code, f.PC+1))
		v := f.Pop(fld.Kind)
		if err := FieldStore(f.Pop(KindReference), fld, v); err != nil {
			l.fault(err)
			return
		}
		f.PC += 3
	}

	// Calls
	dispatch[OpInvokestatic] = func(l *loop, f *Frame, op Opcode) {
		l.invoke(f, f.Routine.PoolRoutine(U16(f.Routine.Code, f.PC+1)), f.PC+3)
	}
	dispatch[OpInvokespecial] = func(l *loop, f *Frame, op Opcode) {
		target := f.Routine.PoolRoutine(U16(f.Routine.Code, f.PC+1))
		if f.Peek(KindReference, target.ArgSlots()-1).IsNull() {
			l.fault(ErrNullPointer)
			return
		}
		l.invoke(f, target, f.PC+3)
	}
	dispatch[OpInvokevirtual] = func(l *loop, f *Frame, op Opcode) {
		l.dispatchVirtual(f, f.Routine.PoolRoutine(U16(f.Routine.Code, f.PC+1)), f.PC+3)
	}
	dispatch[OpInvokeinterface] = func(l *loop, f *Frame, op Opcode) {
		l.dispatchVirtual(f, f.Routine.PoolRoutine(U16(f.Routine.Code, f.PC+1)), f.PC+5)
	}

	// Objects and exceptions
	dispatch[OpNew] = func(l *loop, f *Frame, op Opcode) {
		cls := f.Routine.PoolClass(U16(f.Routine.Code, f.PC+1))
		f.Push(KindReference, Ref(NewObject(cls)))
		f.PC += 3
	}
	dispatch[OpAthrow] = func(l *loop, f *Frame, op Opcode) {
		ex := f.Pop(KindReference)
		if ex.IsNull() {
			l.fault(ErrNullPointer)
			return
		}
		l.throw(ex)
	}
	dispatch[OpCheckcast] = func(l *loop, f *Frame, op Opcode) {
		cls := f.Routine.PoolClass(U16(f.Routine.Code, f.PC+1))
		if err := CheckCast(f.Peek(KindReference, 0), cls); err != nil {
			l.fault(err)
			return
		}
		f.PC += 3
	}
	dispatch[OpInstanceof] = func(l *loop, f *Frame, op Opcode) {
		cls := f.Routine.PoolClass(U16(f.Routine.Code, f.PC+1))
		v := Int(0)
		if InstanceOf(f.Pop(KindReference), cls) {
			v = Int(1)
		}
		f.Push(KindInt, v)
		f.PC += 3
	}
}
