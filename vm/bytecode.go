package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is one bytecode instruction. Numbering and operand encoding follow
// the JVM: operands are big-endian and branch offsets are relative to the
// address of the branching opcode.
type Opcode byte

// Constants
const (
	OpNop        Opcode = 0x00 // no operation
	OpAconstNull Opcode = 0x01 // push null
	OpIconstM1   Opcode = 0x02 // push int -1
	OpIconst0    Opcode = 0x03 // push int 0..5 (0x03-0x08)
	OpIconst5    Opcode = 0x08
	OpLconst0    Opcode = 0x09 // push long 0
	OpLconst1    Opcode = 0x0a // push long 1
	OpFconst0    Opcode = 0x0b // push float 0..2 (0x0b-0x0d)
	OpFconst2    Opcode = 0x0d
	OpDconst0    Opcode = 0x0e // push double 0
	OpDconst1    Opcode = 0x0f // push double 1
	OpBipush     Opcode = 0x10 // push sign-extended byte (8-bit immediate)
	OpSipush     Opcode = 0x11 // push sign-extended short (16-bit immediate)
	OpLdc        Opcode = 0x12 // push pool value (8-bit index)
	OpLdcW       Opcode = 0x13 // push pool value (16-bit index)
	OpLdc2W      Opcode = 0x14 // push 2-word pool value (16-bit index)
)

// Loads
const (
	OpIload  Opcode = 0x15 // push int local (8-bit index)
	OpLload  Opcode = 0x16 // push long local (8-bit index)
	OpFload  Opcode = 0x17 // push float local (8-bit index)
	OpDload  Opcode = 0x18 // push double local (8-bit index)
	OpAload  Opcode = 0x19 // push reference local (8-bit index)
	OpIload0 Opcode = 0x1a // iload_0..3, lload_0..3, fload_0..3, dload_0..3, aload_0..3
	OpAload3 Opcode = 0x2d
	OpIaload Opcode = 0x2e // array element loads (0x2e-0x35)
	OpLaload Opcode = 0x2f
	OpFaload Opcode = 0x30
	OpDaload Opcode = 0x31
	OpAaload Opcode = 0x32
	OpBaload Opcode = 0x33
	OpCaload Opcode = 0x34
	OpSaload Opcode = 0x35
)

// Stores
const (
	OpIstore  Opcode = 0x36 // pop int into local (8-bit index)
	OpLstore  Opcode = 0x37
	OpFstore  Opcode = 0x38
	OpDstore  Opcode = 0x39
	OpAstore  Opcode = 0x3a
	OpIstore0 Opcode = 0x3b // istore_0..3 ... astore_0..3
	OpAstore3 Opcode = 0x4e
	OpIastore Opcode = 0x4f // array element stores (0x4f-0x56)
	OpLastore Opcode = 0x50
	OpFastore Opcode = 0x51
	OpDastore Opcode = 0x52
	OpAastore Opcode = 0x53
	OpBastore Opcode = 0x54
	OpCastore Opcode = 0x55
	OpSastore Opcode = 0x56
)

// Stack manipulation
const (
	OpPop    Opcode = 0x57 // discard one slot
	OpPop2   Opcode = 0x58 // discard two slots
	OpDup    Opcode = 0x59 // duplicate one slot
	OpDupX1  Opcode = 0x5a // duplicate one slot, insert two down
	OpDupX2  Opcode = 0x5b // duplicate one slot, insert three down
	OpDup2   Opcode = 0x5c // duplicate two slots
	OpDup2X1 Opcode = 0x5d // duplicate two slots, insert three down
	OpDup2X2 Opcode = 0x5e // duplicate two slots, insert four down
	OpSwap   Opcode = 0x5f // swap two slots
)

// Arithmetic: four consecutive opcodes per operation, in the order int,
// long, float, double.
const (
	OpIadd Opcode = 0x60
	OpDadd Opcode = 0x63
	OpIsub Opcode = 0x64
	OpDsub Opcode = 0x67
	OpImul Opcode = 0x68
	OpDmul Opcode = 0x6b
	OpIdiv Opcode = 0x6c
	OpLdiv Opcode = 0x6d
	OpDdiv Opcode = 0x6f
	OpIrem Opcode = 0x70
	OpLrem Opcode = 0x71
	OpDrem Opcode = 0x73
	OpIneg Opcode = 0x74
	OpDneg Opcode = 0x77
)

// Shifts and bitwise logic: int and long pairs.
const (
	OpIshl  Opcode = 0x78
	OpLshl  Opcode = 0x79
	OpIshr  Opcode = 0x7a
	OpLshr  Opcode = 0x7b
	OpIushr Opcode = 0x7c
	OpLushr Opcode = 0x7d
	OpIand  Opcode = 0x7e
	OpLand  Opcode = 0x7f
	OpIor   Opcode = 0x80
	OpLor   Opcode = 0x81
	OpIxor  Opcode = 0x82
	OpLxor  Opcode = 0x83
	OpIinc  Opcode = 0x84 // add signed 8-bit immediate to int local (8-bit index)
)

// Conversions
const (
	OpI2l Opcode = 0x85
	OpI2f Opcode = 0x86
	OpI2d Opcode = 0x87
	OpL2i Opcode = 0x88
	OpL2f Opcode = 0x89
	OpL2d Opcode = 0x8a
	OpF2i Opcode = 0x8b
	OpF2l Opcode = 0x8c
	OpF2d Opcode = 0x8d
	OpD2i Opcode = 0x8e
	OpD2l Opcode = 0x8f
	OpD2f Opcode = 0x90
	OpI2b Opcode = 0x91
	OpI2c Opcode = 0x92
	OpI2s Opcode = 0x93
)

// Comparisons and branches
const (
	OpLcmp         Opcode = 0x94 // three-way long compare
	OpFcmpl        Opcode = 0x95 // three-way float compare, NaN gives -1
	OpFcmpg        Opcode = 0x96 // three-way float compare, NaN gives 1
	OpDcmpl        Opcode = 0x97
	OpDcmpg        Opcode = 0x98
	OpIfeq         Opcode = 0x99 // compare int against zero (16-bit offset)
	OpIfne         Opcode = 0x9a
	OpIflt         Opcode = 0x9b
	OpIfge         Opcode = 0x9c
	OpIfgt         Opcode = 0x9d
	OpIfle         Opcode = 0x9e
	OpIfIcmpeq     Opcode = 0x9f // compare two ints (16-bit offset)
	OpIfIcmpne     Opcode = 0xa0
	OpIfIcmplt     Opcode = 0xa1
	OpIfIcmpge     Opcode = 0xa2
	OpIfIcmpgt     Opcode = 0xa3
	OpIfIcmple     Opcode = 0xa4
	OpIfAcmpeq     Opcode = 0xa5 // reference identity (16-bit offset)
	OpIfAcmpne     Opcode = 0xa6
	OpGoto         Opcode = 0xa7 // unconditional (16-bit offset)
	OpJsr          Opcode = 0xa8 // unsupported
	OpRet          Opcode = 0xa9 // unsupported
	OpTableswitch  Opcode = 0xaa // padded; default, low, high, offsets
	OpLookupswitch Opcode = 0xab // padded; default, npairs, (match, offset) pairs
)

// Returns
const (
	OpIreturn Opcode = 0xac // return int
	OpLreturn Opcode = 0xad
	OpFreturn Opcode = 0xae
	OpDreturn Opcode = 0xaf
	OpAreturn Opcode = 0xb0
	OpReturn  Opcode = 0xb1 // return void
)

// Fields, calls and objects
const (
	OpGetstatic       Opcode = 0xb2 // push static (16-bit field index)
	OpPutstatic       Opcode = 0xb3 // pop into static (16-bit field index)
	OpGetfield        Opcode = 0xb4 // pop object, push field (16-bit field index)
	OpPutfield        Opcode = 0xb5 // pop value and object (16-bit field index)
	OpInvokevirtual   Opcode = 0xb6 // dispatch on receiver class (16-bit routine index)
	OpInvokespecial   Opcode = 0xb7 // call exact routine with receiver (16-bit routine index)
	OpInvokestatic    Opcode = 0xb8 // call static routine (16-bit routine index)
	OpInvokeinterface Opcode = 0xb9 // dispatch on receiver class (16-bit routine index, count, 0)
	OpInvokedynamic   Opcode = 0xba // unsupported
	OpNew             Opcode = 0xbb // allocate bare instance (16-bit class index)
	OpNewarray        Opcode = 0xbc // allocate primitive array (8-bit element type)
	OpAnewarray       Opcode = 0xbd // allocate reference array (16-bit class index)
	OpArraylength     Opcode = 0xbe
	OpAthrow          Opcode = 0xbf
	OpCheckcast       Opcode = 0xc0 // (16-bit class index)
	OpInstanceof      Opcode = 0xc1 // (16-bit class index)
	OpIfnull          Opcode = 0xc6 // (16-bit offset)
	OpIfnonnull       Opcode = 0xc7 // (16-bit offset)
	OpGotoW           Opcode = 0xc8 // unconditional (32-bit offset)
)

// Element type codes of newarray.
const (
	TBoolean byte = 4
	TChar    byte = 5
	TFloat   byte = 6
	TDouble  byte = 7
	TByte    byte = 8
	TShort   byte = 9
	TInt     byte = 10
	TLong    byte = 11
)

var arrayTypeKinds = map[byte]Kind{
	TBoolean: KindBoolean, TChar: KindChar, TFloat: KindFloat, TDouble: KindDouble,
	TByte: KindByte, TShort: KindShort, TInt: KindInt, TLong: KindLong,
}

// ArrayTypeKind maps a newarray element type code to its kind.
func ArrayTypeKind(code byte) (Kind, bool) {
	k, ok := arrayTypeKinds[code]
	return k, ok
}

// Typed families, indexed by offset from the family's first opcode.
var (
	typedKinds = [...]Kind{KindInt, KindLong, KindFloat, KindDouble, KindReference}
	arrayKinds = [...]Kind{KindInt, KindLong, KindFloat, KindDouble, KindReference, KindByte, KindChar, KindShort}
	cmpOrder   = [...]CmpOp{CmpEq, CmpNe, CmpLt, CmpGe, CmpGt, CmpLe}
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // JVM mnemonic
	OperandBytes int    // fixed operand bytes, -1 for switches
}

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop:        {"nop", 0},
	OpAconstNull: {"aconst_null", 0},
	OpIconstM1:   {"iconst_m1", 0},
	OpLconst0:    {"lconst_0", 0},
	OpLconst1:    {"lconst_1", 0},
	OpDconst0:    {"dconst_0", 0},
	OpDconst1:    {"dconst_1", 0},
	OpBipush:     {"bipush", 1},
	OpSipush:     {"sipush", 2},
	OpLdc:        {"ldc", 1},
	OpLdcW:       {"ldc_w", 2},
	OpLdc2W:      {"ldc2_w", 2},

	OpPop:    {"pop", 0},
	OpPop2:   {"pop2", 0},
	OpDup:    {"dup", 0},
	OpDupX1:  {"dup_x1", 0},
	OpDupX2:  {"dup_x2", 0},
	OpDup2:   {"dup2", 0},
	OpDup2X1: {"dup2_x1", 0},
	OpDup2X2: {"dup2_x2", 0},
	OpSwap:   {"swap", 0},

	OpIshl:  {"ishl", 0},
	OpLshl:  {"lshl", 0},
	OpIshr:  {"ishr", 0},
	OpLshr:  {"lshr", 0},
	OpIushr: {"iushr", 0},
	OpLushr: {"lushr", 0},
	OpIand:  {"iand", 0},
	OpLand:  {"land", 0},
	OpIor:   {"ior", 0},
	OpLor:   {"lor", 0},
	OpIxor:  {"ixor", 0},
	OpLxor:  {"lxor", 0},
	OpIinc:  {"iinc", 2},

	OpI2l: {"i2l", 0},
	OpI2f: {"i2f", 0},
	OpI2d: {"i2d", 0},
	OpL2i: {"l2i", 0},
	OpL2f: {"l2f", 0},
	OpL2d: {"l2d", 0},
	OpF2i: {"f2i", 0},
	OpF2l: {"f2l", 0},
	OpF2d: {"f2d", 0},
	OpD2i: {"d2i", 0},
	OpD2l: {"d2l", 0},
	OpD2f: {"d2f", 0},
	OpI2b: {"i2b", 0},
	OpI2c: {"i2c", 0},
	OpI2s: {"i2s", 0},

	OpLcmp:         {"lcmp", 0},
	OpFcmpl:        {"fcmpl", 0},
	OpFcmpg:        {"fcmpg", 0},
	OpDcmpl:        {"dcmpl", 0},
	OpDcmpg:        {"dcmpg", 0},
	OpIfAcmpeq:     {"if_acmpeq", 2},
	OpIfAcmpne:     {"if_acmpne", 2},
	OpGoto:         {"goto", 2},
	OpJsr:          {"jsr", 2},
	OpRet:          {"ret", 1},
	OpTableswitch:  {"tableswitch", -1},
	OpLookupswitch: {"lookupswitch", -1},

	OpIreturn: {"ireturn", 0},
	OpLreturn: {"lreturn", 0},
	OpFreturn: {"freturn", 0},
	OpDreturn: {"dreturn", 0},
	OpAreturn: {"areturn", 0},
	OpReturn:  {"return", 0},

	OpGetstatic:       {"getstatic", 2},
	OpPutstatic:       {"putstatic", 2},
	OpGetfield:        {"getfield", 2},
	OpPutfield:        {"putfield", 2},
	OpInvokevirtual:   {"invokevirtual", 2},
	OpInvokespecial:   {"invokespecial", 2},
	OpInvokestatic:    {"invokestatic", 2},
	OpInvokeinterface: {"invokeinterface", 4},
	OpInvokedynamic:   {"invokedynamic", 4},
	OpNew:             {"new", 2},
	OpNewarray:        {"newarray", 1},
	OpAnewarray:       {"anewarray", 2},
	OpArraylength:     {"arraylength", 0},
	OpAthrow:          {"athrow", 0},
	OpCheckcast:       {"checkcast", 2},
	OpInstanceof:      {"instanceof", 2},
	OpIfnull:          {"ifnull", 2},
	OpIfnonnull:       {"ifnonnull", 2},
	OpGotoW:           {"goto_w", 4},
}

// The regular typed families are generated.
func init() {
	prefix := [...]string{"i", "l", "f", "d", "a"}
	for i := 0; i <= 5; i++ {
		opcodeTable[OpIconst0+Opcode(i)] = OpcodeInfo{fmt.Sprintf("iconst_%d", i), 0}
	}
	for i := 0; i <= 2; i++ {
		opcodeTable[OpFconst0+Opcode(i)] = OpcodeInfo{fmt.Sprintf("fconst_%d", i), 0}
	}
	for t, p := range prefix {
		opcodeTable[OpIload+Opcode(t)] = OpcodeInfo{p + "load", 1}
		opcodeTable[OpIstore+Opcode(t)] = OpcodeInfo{p + "store", 1}
		for n := 0; n < 4; n++ {
			opcodeTable[OpIload0+Opcode(t*4+n)] = OpcodeInfo{fmt.Sprintf("%sload_%d", p, n), 0}
			opcodeTable[OpIstore0+Opcode(t*4+n)] = OpcodeInfo{fmt.Sprintf("%sstore_%d", p, n), 0}
		}
	}
	for i, p := range [...]string{"i", "l", "f", "d", "a", "b", "c", "s"} {
		opcodeTable[OpIaload+Opcode(i)] = OpcodeInfo{p + "aload", 0}
		opcodeTable[OpIastore+Opcode(i)] = OpcodeInfo{p + "astore", 0}
	}
	for i, name := range [...]string{"add", "sub", "mul", "div", "rem", "neg"} {
		for t, p := range prefix[:4] {
			opcodeTable[OpIadd+Opcode(i*4+t)] = OpcodeInfo{p + name, 0}
		}
	}
	for i, c := range cmpOrder {
		opcodeTable[OpIfeq+Opcode(i)] = OpcodeInfo{"if" + c.String(), 2}
		opcodeTable[OpIfIcmpeq+Opcode(i)] = OpcodeInfo{"if_icmp" + c.String(), 2}
	}
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("unknown_%02x", byte(op))}
}

// Name returns the mnemonic for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// OperandBytes returns the number of fixed operand bytes for an opcode.
func (op Opcode) OperandBytes() int {
	return op.Info().OperandBytes
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// IsBranch reports whether op transfers control with a 16-bit or 32-bit
// offset operand.
func (op Opcode) IsBranch() bool {
	return (op >= OpIfeq && op <= OpGoto) || op == OpIfnull || op == OpIfnonnull || op == OpGotoW
}

// ---------------------------------------------------------------------------
// Operand decoding
// ---------------------------------------------------------------------------

func operand(code []byte, pc, n int) []byte {
	if pc < 0 || pc+n > len(code) {
		malformed("operand at %d runs past end of code (%d bytes)", pc, len(code))
	}
	return code[pc : pc+n]
}

// U8 reads an unsigned byte operand.
func U8(code []byte, pc int) int { return int(operand(code, pc, 1)[0]) }

// S8 reads a signed byte operand.
func S8(code []byte, pc int) int { return int(int8(operand(code, pc, 1)[0])) }

// U16 reads a big-endian unsigned 16-bit operand.
func U16(code []byte, pc int) int { return int(binary.BigEndian.Uint16(operand(code, pc, 2))) }

// S16 reads a big-endian signed 16-bit operand.
func S16(code []byte, pc int) int { return int(int16(binary.BigEndian.Uint16(operand(code, pc, 2)))) }

// S32 reads a big-endian signed 32-bit operand.
func S32(code []byte, pc int) int { return int(int32(binary.BigEndian.Uint32(operand(code, pc, 4)))) }

// SwitchPad returns the offset of the first 4-byte aligned operand of the
// switch at pc.
func SwitchPad(pc int) int {
	return (pc + 4) &^ 3
}

// Switch is a decoded tableswitch or lookupswitch.
type Switch struct {
	Default int   // absolute target
	Low     int   // tableswitch only
	Matches []int // lookupswitch only
	Targets []int // absolute targets, parallel to Matches or indexed from Low
	Next    int   // offset of the following instruction
}

// DecodeSwitch decodes the switch at pc.
func DecodeSwitch(code []byte, pc int) *Switch {
	p := SwitchPad(pc)
	sw := &Switch{Default: pc + S32(code, p)}
	switch Opcode(code[pc]) {
	case OpTableswitch:
		sw.Low = S32(code, p+4)
		high := S32(code, p+8)
		if high < sw.Low {
			malformed("tableswitch at %d: high %d < low %d", pc, high, sw.Low)
		}
		p += 12
		for i := sw.Low; i <= high; i++ {
			sw.Targets = append(sw.Targets, pc+S32(code, p))
			p += 4
		}
	case OpLookupswitch:
		n := S32(code, p+4)
		if n < 0 {
			malformed("lookupswitch at %d: %d pairs", pc, n)
		}
		p += 8
		for i := 0; i < n; i++ {
			sw.Matches = append(sw.Matches, S32(code, p))
			sw.Targets = append(sw.Targets, pc+S32(code, p+4))
			p += 8
		}
	default:
		malformed("no switch at %d", pc)
	}
	sw.Next = p
	return sw
}

// Target returns the absolute target for key. Table switches index
// directly; lookup switches scan linearly.
func (sw *Switch) Target(key int) int {
	if sw.Matches == nil {
		if key >= sw.Low && key-sw.Low < len(sw.Targets) {
			return sw.Targets[key-sw.Low]
		}
		return sw.Default
	}
	for i, m := range sw.Matches {
		if m == key {
			return sw.Targets[i]
		}
	}
	return sw.Default
}

// Length returns the size in bytes of the instruction at pc.
func Length(code []byte, pc int) int {
	op := Opcode(code[pc])
	if op == OpTableswitch || op == OpLookupswitch {
		return DecodeSwitch(code, pc).Next - pc
	}
	return 1 + op.OperandBytes()
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// Disassemble returns a human-readable listing of the routine's code.
func Disassemble(r *Routine) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("; === %s ===\n", r.Signature()))
	sb.WriteString(fmt.Sprintf("; locals=%d stack=%d\n", r.MaxLocals, r.MaxStack))
	for _, h := range r.Handlers {
		catch := "any"
		if h.Catch != nil {
			catch = h.Catch.Name
		}
		sb.WriteString(fmt.Sprintf("; handler [%04d,%04d) -> %04d %s\n", h.Start, h.End, h.Target, catch))
	}
	for pc := 0; pc < len(r.Code); pc += Length(r.Code, pc) {
		sb.WriteString(fmt.Sprintf("%04d  %s\n", pc, DisassembleInstruction(r, pc)))
	}
	return sb.String()
}

// DisassembleInstruction formats the instruction at pc.
func DisassembleInstruction(r *Routine, pc int) string {
	code := r.Code
	op := Opcode(code[pc])
	switch {
	case op.IsBranch() && op == OpGotoW:
		return fmt.Sprintf("%s %d", op, pc+S32(code, pc+1))
	case op.IsBranch():
		return fmt.Sprintf("%s %d", op, pc+S16(code, pc+1))
	}
	switch op {
	case OpBipush:
		return fmt.Sprintf("%s %d", op, S8(code, pc+1))
	case OpSipush:
		return fmt.Sprintf("%s %d", op, S16(code, pc+1))
	case OpLdc:
		return fmt.Sprintf("%s #%d ; %s", op, U8(code, pc+1), poolValue(r, U8(code, pc+1)))
	case OpLdcW, OpLdc2W:
		return fmt.Sprintf("%s #%d ; %s", op, U16(code, pc+1), poolValue(r, U16(code, pc+1)))
	case OpIinc:
		return fmt.Sprintf("%s %d %d", op, U8(code, pc+1), S8(code, pc+2))
	case OpNewarray:
		k, _ := ArrayTypeKind(code[pc+1])
		return fmt.Sprintf("%s %s", op, k)
	case OpGetstatic, OpPutstatic, OpGetfield, OpPutfield:
		idx := U16(code, pc+1)
		if r.Pool != nil && idx < len(r.Pool.Fields) {
			return fmt.Sprintf("%s #%d ; %s", op, idx, r.Pool.Fields[idx])
		}
		return fmt.Sprintf("%s #%d", op, idx)
	case OpInvokevirtual, OpInvokespecial, OpInvokestatic, OpInvokeinterface:
		idx := U16(code, pc+1)
		if r.Pool != nil && idx < len(r.Pool.Routines) {
			return fmt.Sprintf("%s #%d ; %s", op, idx, r.Pool.Routines[idx].Signature())
		}
		return fmt.Sprintf("%s #%d", op, idx)
	case OpNew, OpAnewarray, OpCheckcast, OpInstanceof:
		idx := U16(code, pc+1)
		if r.Pool != nil && idx < len(r.Pool.Classes) {
			return fmt.Sprintf("%s #%d ; %s", op, idx, r.Pool.Classes[idx].Name)
		}
		return fmt.Sprintf("%s #%d", op, idx)
	case OpTableswitch, OpLookupswitch:
		sw := DecodeSwitch(code, pc)
		var sb strings.Builder
		sb.WriteString(op.String())
		for i, t := range sw.Targets {
			key := sw.Low + i
			if sw.Matches != nil {
				key = sw.Matches[i]
			}
			sb.WriteString(fmt.Sprintf(" %d:%d", key, t))
		}
		sb.WriteString(fmt.Sprintf(" default:%d", sw.Default))
		return sb.String()
	}
	if op.OperandBytes() == 1 {
		return fmt.Sprintf("%s %d", op, U8(code, pc+1))
	}
	return op.String()
}

func poolValue(r *Routine, idx int) string {
	if r.Pool == nil || idx >= len(r.Pool.Values) {
		return "?"
	}
	return r.Pool.Values[idx].String()
}
