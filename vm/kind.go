package vm

// Kind is the type tag carried by every Value.
type Kind uint8

const (
	KindVoid Kind = iota
	KindInt
	KindLong
	KindFloat
	KindDouble
	KindReference

	// Sub-word kinds. They never live in a slot; pushes and stores widen
	// them to KindInt.
	KindBoolean
	KindByte
	KindChar
	KindShort

	// Slot sentinels.
	kindFiller
	kindUndefined
)

var kindNames = [...]string{
	KindVoid:      "void",
	KindInt:       "int",
	KindLong:      "long",
	KindFloat:     "float",
	KindDouble:    "double",
	KindReference: "ref",
	KindBoolean:   "boolean",
	KindByte:      "byte",
	KindChar:      "char",
	KindShort:     "short",
	kindFiller:    "filler",
	kindUndefined: "undefined",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind?"
}

// StackKind returns the kind a value of kind k has once it is pushed onto
// the operand stack or stored into a local.
func (k Kind) StackKind() Kind {
	switch k {
	case KindBoolean, KindByte, KindChar, KindShort:
		return KindInt
	}
	return k
}

// Width returns the number of slots a value of kind k occupies.
func (k Kind) Width() int {
	switch k {
	case KindVoid:
		return 0
	case KindLong, KindDouble:
		return 2
	}
	return 1
}

// IsWide reports whether k occupies two slots.
func (k Kind) IsWide() bool {
	return k.Width() == 2
}

// IsNumeric reports whether k is one of the arithmetic stack kinds.
func (k Kind) IsNumeric() bool {
	switch k.StackKind() {
	case KindInt, KindLong, KindFloat, KindDouble:
		return true
	}
	return false
}
