package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Routines
// ---------------------------------------------------------------------------

// NativeFunc implements a routine in Go. Returning an *Exception throws it at
// the call site; any other error is fatal to the execution.
type NativeFunc func(args []Value) (Value, error)

// Routine is an executable method: either bytecode or a native function.
type Routine struct {
	Name      string
	Class     *Class // declaring class, may be nil for free routines
	Params    []Kind // declared parameter kinds, receiver excluded
	Result    Kind
	Static    bool
	MaxLocals int // local slots, arguments included
	MaxStack  int // operand stack slots
	Code      []byte
	Pool      *Pool
	Handlers  []Handler // searched in declaration order
	Native    NativeFunc
}

// IsNative reports whether the routine runs as Go code.
func (r *Routine) IsNative() bool {
	return r.Native != nil
}

// ArgSlots returns the number of slots the arguments occupy, receiver
// included.
func (r *Routine) ArgSlots() int {
	n := 0
	if !r.Static {
		n++
	}
	for _, k := range r.Params {
		n += k.StackKind().Width()
	}
	return n
}

// ArgKinds returns the stack kinds of the arguments in slot order, receiver
// first.
func (r *Routine) ArgKinds() []Kind {
	kinds := make([]Kind, 0, len(r.Params)+1)
	if !r.Static {
		kinds = append(kinds, KindReference)
	}
	for _, k := range r.Params {
		kinds = append(kinds, k.StackKind())
	}
	return kinds
}

func (r *Routine) String() string {
	if r == nil {
		return "<sentinel>"
	}
	if r.Class != nil {
		return r.Class.Name + "." + r.Name
	}
	return r.Name
}

// Signature renders the routine as "Class.name(int,long)long".
func (r *Routine) Signature() string {
	var sb strings.Builder
	sb.WriteString(r.String())
	sb.WriteByte('(')
	for i, k := range r.Params {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k.String())
	}
	sb.WriteByte(')')
	sb.WriteString(r.Result.String())
	return sb.String()
}

// findHandler returns the first handler covering pc that catches cls.
func (r *Routine) findHandler(pc int, cls *Class) *Handler {
	for i := range r.Handlers {
		h := &r.Handlers[i]
		if pc >= h.Start && pc < h.End && (h.Catch == nil || cls.IsSubclassOf(h.Catch)) {
			return h
		}
	}
	return nil
}

// Handler is an exception-table entry covering [Start, End).
type Handler struct {
	Start  int
	End    int
	Target int
	Catch  *Class // nil catches everything
}

// Pool holds the pre-resolved operands that instructions index with 16-bit
// immediates.
type Pool struct {
	Values   []Value
	Routines []*Routine
	Fields   []*Field
	Classes  []*Class
}

// ---------------------------------------------------------------------------
// Locations
// ---------------------------------------------------------------------------

// Location identifies one bytecode position.
type Location struct {
	Routine *Routine
	PC      int
}

func (l Location) String() string {
	return fmt.Sprintf("%s@%d", l.Routine, l.PC)
}

// ---------------------------------------------------------------------------
// Classes, fields and heap values
// ---------------------------------------------------------------------------

// Class is the minimal class metadata the interpreter needs.
type Class struct {
	Name    string
	Super   *Class
	Fields  []*Field // instance fields, inherited ones first
	Statics []Value
	Methods map[string]*Routine
}

// NewClass creates a class with the given superclass. Instance fields of
// the superclass are inherited.
func NewClass(name string, super *Class) *Class {
	c := &Class{Name: name, Super: super, Methods: make(map[string]*Routine)}
	if super != nil {
		c.Fields = append(c.Fields, super.Fields...)
	}
	return c
}

// AddField declares an instance field and returns it.
func (c *Class) AddField(name string, kind Kind) *Field {
	f := &Field{Name: name, Kind: kind, Class: c, Index: len(c.Fields)}
	c.Fields = append(c.Fields, f)
	return f
}

// AddStatic declares a static field initialised to its zero value.
func (c *Class) AddStatic(name string, kind Kind) *Field {
	f := &Field{Name: name, Kind: kind, Class: c, Static: true, Index: len(c.Statics)}
	c.Statics = append(c.Statics, Zero(kind.StackKind()))
	return f
}

// AddMethod attaches a routine to the class.
func (c *Class) AddMethod(r *Routine) *Routine {
	r.Class = c
	c.Methods[r.Name] = r
	return r
}

// Lookup finds a method by name, walking superclasses.
func (c *Class) Lookup(name string) *Routine {
	for k := c; k != nil; k = k.Super {
		if r, ok := k.Methods[name]; ok {
			return r
		}
	}
	return nil
}

// IsSubclassOf reports whether c is other or inherits from it.
func (c *Class) IsSubclassOf(other *Class) bool {
	for k := c; k != nil; k = k.Super {
		if k == other {
			return true
		}
	}
	return false
}

// Field is a resolved instance or static field.
type Field struct {
	Name   string
	Kind   Kind
	Class  *Class
	Static bool
	Index  int // slot in Object.Fields or Class.Statics
}

func (f *Field) String() string {
	return f.Class.Name + "." + f.Name
}

// Object is a heap instance.
type Object struct {
	Class   *Class
	Fields  []Value
	Message string // detail message of VM-raised throwables
}

// NewObject allocates a bare, uninitialised instance: every field holds its
// zero value and no constructor runs.
func NewObject(c *Class) *Object {
	o := &Object{Class: c, Fields: make([]Value, len(c.Fields))}
	for i, f := range c.Fields {
		o.Fields[i] = Zero(f.Kind.StackKind())
	}
	return o
}

func (o *Object) String() string {
	if o.Message != "" {
		return o.Class.Name + ": " + o.Message
	}
	return o.Class.Name + "@" + fmt.Sprintf("%p", o)
}

// Array is a heap array of one element kind.
type Array struct {
	Elem  Kind
	Class *Class // element class for reference arrays, may be nil
	Data  []Value
}

// NewArray allocates an array of n zero elements.
func NewArray(elem Kind, n int) *Array {
	a := &Array{Elem: elem, Data: make([]Value, n)}
	z := Zero(elem.StackKind())
	for i := range a.Data {
		a.Data[i] = z
	}
	return a
}
