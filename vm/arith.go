package vm

import (
	"fmt"
	"math"

	"golang.org/x/exp/constraints"
)

// ---------------------------------------------------------------------------
// Arithmetic shared by the baseline and trace tiers
// ---------------------------------------------------------------------------

// ArithOp is a binary or unary arithmetic operation.
type ArithOp uint8

const (
	ArithAdd ArithOp = iota
	ArithSub
	ArithMul
	ArithDiv
	ArithRem
	ArithNeg
	ArithShl
	ArithShr
	ArithUshr
	ArithAnd
	ArithOr
	ArithXor
)

var arithNames = [...]string{
	ArithAdd: "add", ArithSub: "sub", ArithMul: "mul", ArithDiv: "div", ArithRem: "rem",
	ArithNeg: "neg", ArithShl: "shl", ArithShr: "shr", ArithUshr: "ushr",
	ArithAnd: "and", ArithOr: "or", ArithXor: "xor",
}

func (op ArithOp) String() string {
	if int(op) < len(arithNames) {
		return arithNames[op]
	}
	return fmt.Sprintf("arith(%d)", uint8(op))
}

// IsShift reports whether the right operand is an int shift count.
func (op ArithOp) IsShift() bool {
	return op == ArithShl || op == ArithShr || op == ArithUshr
}

// CanFault reports whether op may raise a guarded fault on integer operands.
func (op ArithOp) CanFault() bool {
	return op == ArithDiv || op == ArithRem
}

func integer[T constraints.Signed](op ArithOp, a, b T, width uint) (T, error) {
	switch op {
	case ArithAdd:
		return a + b, nil
	case ArithSub:
		return a - b, nil
	case ArithMul:
		return a * b, nil
	case ArithDiv:
		if b == 0 {
			return 0, ErrDivideByZero
		}
		return a / b, nil
	case ArithRem:
		if b == 0 {
			return 0, ErrDivideByZero
		}
		return a % b, nil
	case ArithNeg:
		return -a, nil
	case ArithShl:
		return a << (uint(b) & (width - 1)), nil
	case ArithShr:
		return a >> (uint(b) & (width - 1)), nil
	case ArithUshr:
		mask := uint64(1)<<width - 1
		return T((uint64(a) & mask) >> (uint(b) & (width - 1))), nil
	case ArithAnd:
		return a & b, nil
	case ArithOr:
		return a | b, nil
	case ArithXor:
		return a ^ b, nil
	}
	return 0, fmt.Errorf("%w: integer %s", ErrUnsupportedOpcode, op)
}

func floating[T constraints.Float](op ArithOp, a, b T) (T, error) {
	switch op {
	case ArithAdd:
		return a + b, nil
	case ArithSub:
		return a - b, nil
	case ArithMul:
		return a * b, nil
	case ArithDiv:
		return a / b, nil
	case ArithRem:
		return T(math.Mod(float64(a), float64(b))), nil
	case ArithNeg:
		return -a, nil
	}
	return 0, fmt.Errorf("%w: floating-point %s", ErrMalformedCode, op)
}

// Arith applies op to a and b. The result has a's stack kind. For unary
// operations b is ignored; for shifts b is an int count.
func Arith(op ArithOp, a, b Value) (Value, error) {
	switch a.kind.StackKind() {
	case KindInt:
		r, err := integer(op, a.Int(), b.Int(), 32)
		return Int(r), err
	case KindLong:
		rhs := b.Long()
		if op.IsShift() {
			rhs = int64(b.Int())
		}
		r, err := integer(op, a.Long(), rhs, 64)
		return Long(r), err
	case KindFloat:
		r, err := floating(op, a.Float(), b.Float())
		return Float(r), err
	case KindDouble:
		r, err := floating(op, a.Double(), b.Double())
		return Double(r), err
	}
	return Void, fmt.Errorf("%w: %s on %s", ErrMalformedCode, op, a.kind)
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

func saturate[F constraints.Float, I constraints.Signed](f F, lo, hi I) I {
	switch {
	case f != f:
		return 0
	case float64(f) <= float64(lo):
		return lo
	case float64(f) >= float64(hi):
		return hi
	}
	return I(f)
}

// Convert performs a primitive conversion (i2l, f2i, i2b ...). Sub-word
// targets narrow and re-extend into an int.
func Convert(v Value, to Kind) (Value, error) {
	switch v.kind.StackKind() {
	case KindInt:
		i := v.Int()
		switch to {
		case KindInt:
			return Int(i), nil
		case KindLong:
			return Long(int64(i)), nil
		case KindFloat:
			return Float(float32(i)), nil
		case KindDouble:
			return Double(float64(i)), nil
		case KindByte:
			return Int(int32(int8(i))), nil
		case KindChar:
			return Int(int32(uint16(i))), nil
		case KindShort:
			return Int(int32(int16(i))), nil
		}
	case KindLong:
		l := v.Long()
		switch to {
		case KindInt:
			return Int(int32(l)), nil
		case KindLong:
			return v, nil
		case KindFloat:
			return Float(float32(l)), nil
		case KindDouble:
			return Double(float64(l)), nil
		}
	case KindFloat:
		f := v.Float()
		switch to {
		case KindInt:
			return Int(saturate(f, int32(math.MinInt32), int32(math.MaxInt32))), nil
		case KindLong:
			return Long(saturate(f, int64(math.MinInt64), int64(math.MaxInt64))), nil
		case KindFloat:
			return v, nil
		case KindDouble:
			return Double(float64(f)), nil
		}
	case KindDouble:
		d := v.Double()
		switch to {
		case KindInt:
			return Int(saturate(d, int32(math.MinInt32), int32(math.MaxInt32))), nil
		case KindLong:
			return Long(saturate(d, int64(math.MinInt64), int64(math.MaxInt64))), nil
		case KindFloat:
			return Float(float32(d)), nil
		case KindDouble:
			return v, nil
		}
	}
	return Void, fmt.Errorf("%w: convert %s to %s", ErrMalformedCode, v.kind, to)
}

// ---------------------------------------------------------------------------
// Comparisons
// ---------------------------------------------------------------------------

func three[T constraints.Ordered](a, b T) int32 {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Compare3 implements lcmp, fcmpl/fcmpg and dcmpl/dcmpg. nan is the result
// when either floating-point operand is NaN.
func Compare3(a, b Value, nan int32) (Value, error) {
	switch a.kind.StackKind() {
	case KindLong:
		return Int(three(a.Long(), b.Long())), nil
	case KindFloat:
		x, y := a.Float(), b.Float()
		if x != x || y != y {
			return Int(nan), nil
		}
		return Int(three(x, y)), nil
	case KindDouble:
		x, y := a.Double(), b.Double()
		if x != x || y != y {
			return Int(nan), nil
		}
		return Int(three(x, y)), nil
	}
	return Void, fmt.Errorf("%w: compare %s", ErrMalformedCode, a.kind)
}

// CmpOp is the condition of a branch or guard.
type CmpOp uint8

const (
	CmpEq CmpOp = iota
	CmpNe
	CmpLt
	CmpGe
	CmpGt
	CmpLe
)

var cmpNames = [...]string{CmpEq: "eq", CmpNe: "ne", CmpLt: "lt", CmpGe: "ge", CmpGt: "gt", CmpLe: "le"}

func (op CmpOp) String() string {
	if int(op) < len(cmpNames) {
		return cmpNames[op]
	}
	return fmt.Sprintf("cmp(%d)", uint8(op))
}

// Negate returns the condition that holds exactly when op does not.
func (op CmpOp) Negate() CmpOp {
	switch op {
	case CmpEq:
		return CmpNe
	case CmpNe:
		return CmpEq
	case CmpLt:
		return CmpGe
	case CmpGe:
		return CmpLt
	case CmpGt:
		return CmpLe
	}
	return CmpGt
}

func ordered[T constraints.Ordered](op CmpOp, a, b T) bool {
	switch op {
	case CmpEq:
		return a == b
	case CmpNe:
		return a != b
	case CmpLt:
		return a < b
	case CmpGe:
		return a >= b
	case CmpGt:
		return a > b
	}
	return a <= b
}

// Compare evaluates a op b. References support only eq and ne and compare
// by identity.
func Compare(op CmpOp, a, b Value) (bool, error) {
	switch a.kind.StackKind() {
	case KindInt:
		return ordered(op, a.Int(), b.Int()), nil
	case KindLong:
		return ordered(op, a.Long(), b.Long()), nil
	case KindFloat:
		return ordered(op, a.Float(), b.Float()), nil
	case KindDouble:
		return ordered(op, a.Double(), b.Double()), nil
	case KindReference:
		switch op {
		case CmpEq:
			return a.ref == b.ref, nil
		case CmpNe:
			return a.ref != b.ref, nil
		}
	}
	return false, fmt.Errorf("%w: %s on %s", ErrMalformedCode, op, a.kind)
}
