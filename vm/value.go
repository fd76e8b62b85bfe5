package vm

import (
	"fmt"
	"math"
)

// Value is a typed tagged value: a kind, 64 raw bits for primitives and an
// interface slot for references.
//
// Encoding:
//   - int, boolean, byte, char, short: sign- or zero-extended into bits
//   - long: two's complement in bits
//   - float, double: IEEE 754 bits (float uses the low 32 bits)
//   - reference: ref holds *Object, *Array or *Class; nil is null
//
// The zero Value is void.
type Value struct {
	kind Kind
	bits uint64
	ref  any
}

// Pre-defined values
var (
	Void      = Value{kind: KindVoid}
	Null      = Value{kind: KindReference}
	Filler    = Value{kind: kindFiller}
	Undefined = Value{kind: kindUndefined}
)

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// Int returns an int value.
func Int(v int32) Value {
	return Value{kind: KindInt, bits: uint64(int64(v))}
}

// Long returns a long value.
func Long(v int64) Value {
	return Value{kind: KindLong, bits: uint64(v)}
}

// Float returns a float value.
func Float(v float32) Value {
	return Value{kind: KindFloat, bits: uint64(math.Float32bits(v))}
}

// Double returns a double value.
func Double(v float64) Value {
	return Value{kind: KindDouble, bits: math.Float64bits(v)}
}

// Boolean returns a boolean value (widened to int 0/1 on the stack).
func Boolean(v bool) Value {
	if v {
		return Value{kind: KindBoolean, bits: 1}
	}
	return Value{kind: KindBoolean}
}

// Byte returns a byte value.
func Byte(v int8) Value {
	return Value{kind: KindByte, bits: uint64(int64(v))}
}

// Char returns a char value.
func Char(v uint16) Value {
	return Value{kind: KindChar, bits: uint64(v)}
}

// Short returns a short value.
func Short(v int16) Value {
	return Value{kind: KindShort, bits: uint64(int64(v))}
}

// Ref wraps a heap reference. A nil ref is Null.
func Ref(r any) Value {
	return Value{kind: KindReference, ref: r}
}

// Zero returns the default value of kind k (the value of a fresh field or
// array element).
func Zero(k Kind) Value {
	switch k {
	case KindVoid:
		return Void
	case KindReference:
		return Null
	}
	return Value{kind: k}
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Kind returns the value's kind.
func (v Value) Kind() Kind { return v.kind }

// Int returns the value as an int32. Valid for int and sub-word kinds.
func (v Value) Int() int32 { return int32(v.bits) }

// Long returns the value as an int64.
func (v Value) Long() int64 { return int64(v.bits) }

// Float returns the value as a float32.
func (v Value) Float() float32 { return math.Float32frombits(uint32(v.bits)) }

// Double returns the value as a float64.
func (v Value) Double() float64 { return math.Float64frombits(v.bits) }

// Ref returns the referenced heap value, nil for null.
func (v Value) Ref() any { return v.ref }

// IsNull reports whether v is the null reference.
func (v Value) IsNull() bool { return v.kind == KindReference && v.ref == nil }

// IsFiller reports whether v is the second half of a 2-word value.
func (v Value) IsFiller() bool { return v.kind == kindFiller }

// IsUndefined reports whether v marks a slot that was never written.
func (v Value) IsUndefined() bool { return v.kind == kindUndefined }

// IsSentinel reports whether v is a filler or undefined marker.
func (v Value) IsSentinel() bool { return v.kind == kindFiller || v.kind == kindUndefined }

// Object returns the referenced object, or nil.
func (v Value) Object() *Object {
	o, _ := v.ref.(*Object)
	return o
}

// Array returns the referenced array, or nil.
func (v Value) Array() *Array {
	a, _ := v.ref.(*Array)
	return a
}

// Widen converts a sub-word value to its stack kind. Other kinds are
// returned unchanged.
func (v Value) Widen() Value {
	switch v.kind {
	case KindBoolean, KindByte, KindChar, KindShort:
		return Value{kind: KindInt, bits: uint64(int64(int32(v.bits)))}
	}
	return v
}

// As converts v to kind k for a typed store: sub-word kinds truncate and
// re-extend, everything else must already match k's stack kind.
func (v Value) As(k Kind) (Value, bool) {
	switch k {
	case KindBoolean:
		return Value{kind: KindInt, bits: uint64(v.bits & 1)}, v.kind.StackKind() == KindInt
	case KindByte:
		return Value{kind: KindInt, bits: uint64(int64(int8(v.bits)))}, v.kind.StackKind() == KindInt
	case KindChar:
		return Value{kind: KindInt, bits: uint64(uint16(v.bits))}, v.kind.StackKind() == KindInt
	case KindShort:
		return Value{kind: KindInt, bits: uint64(int64(int16(v.bits)))}, v.kind.StackKind() == KindInt
	}
	w := v.Widen()
	return w, w.kind == k.StackKind()
}

// Equal reports whether two values have the same kind and payload.
// References compare by identity.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	if v.kind == KindReference {
		return v.ref == o.ref
	}
	return v.bits == o.bits
}

func (v Value) String() string {
	switch v.kind {
	case KindVoid:
		return "void"
	case KindInt:
		return fmt.Sprintf("%d", v.Int())
	case KindLong:
		return fmt.Sprintf("%dL", v.Long())
	case KindFloat:
		return fmt.Sprintf("%gF", v.Float())
	case KindDouble:
		return fmt.Sprintf("%gD", v.Double())
	case KindBoolean:
		return fmt.Sprintf("%t", v.bits != 0)
	case KindByte, KindShort:
		return fmt.Sprintf("%d", v.Int())
	case KindChar:
		return fmt.Sprintf("'%c'", rune(uint16(v.bits)))
	case KindReference:
		switch r := v.ref.(type) {
		case nil:
			return "null"
		case *Object:
			return r.String()
		case *Array:
			return fmt.Sprintf("%s[%d]", r.Elem, len(r.Data))
		case *Class:
			return "class " + r.Name
		default:
			return fmt.Sprintf("%v", r)
		}
	case kindFiller:
		return "<filler>"
	case kindUndefined:
		return "<undefined>"
	}
	return "<?>"
}
