package vm

import "fmt"

// Heap access helpers shared by both tiers. Guarded faults come back as
// ErrNullPointer, ErrIndexOutOfBounds and friends; anything else is a
// structural error.

func arrayOf(a Value) (*Array, error) {
	if a.IsNull() {
		return nil, ErrNullPointer
	}
	arr := a.Array()
	if arr == nil {
		return nil, fmt.Errorf("%w: %s is not an array", ErrMalformedCode, a)
	}
	return arr, nil
}

func objectOf(o Value) (*Object, error) {
	if o.IsNull() {
		return nil, ErrNullPointer
	}
	obj := o.Object()
	if obj == nil {
		return nil, fmt.Errorf("%w: %s is not an object", ErrMalformedCode, o)
	}
	return obj, nil
}

// NewArrayValue allocates an array of n elements.
func NewArrayValue(elem Kind, class *Class, n Value) (Value, error) {
	if n.Int() < 0 {
		return Void, fmt.Errorf("%w: %d", ErrNegativeArraySize, n.Int())
	}
	arr := NewArray(elem, int(n.Int()))
	arr.Class = class
	return Ref(arr), nil
}

// ArrayLength returns the length of the array a as an int.
func ArrayLength(a Value) (Value, error) {
	arr, err := arrayOf(a)
	if err != nil {
		return Void, err
	}
	return Int(int32(len(arr.Data))), nil
}

// ArrayLoad reads element i of a.
func ArrayLoad(a, i Value) (Value, error) {
	arr, err := arrayOf(a)
	if err != nil {
		return Void, err
	}
	idx := int(i.Int())
	if idx < 0 || idx >= len(arr.Data) {
		return Void, fmt.Errorf("%w: index %d, length %d", ErrIndexOutOfBounds, idx, len(arr.Data))
	}
	return arr.Data[idx], nil
}

// ArrayStore writes v into element i of a, narrowing sub-word elements.
func ArrayStore(a, i, v Value) error {
	arr, err := arrayOf(a)
	if err != nil {
		return err
	}
	idx := int(i.Int())
	if idx < 0 || idx >= len(arr.Data) {
		return fmt.Errorf("%w: index %d, length %d", ErrIndexOutOfBounds, idx, len(arr.Data))
	}
	w, ok := v.As(arr.Elem)
	if !ok {
		return fmt.Errorf("%w: store %s into %s array", ErrMalformedCode, v.kind, arr.Elem)
	}
	arr.Data[idx] = w
	return nil
}

// FieldLoad reads instance field f of o.
func FieldLoad(o Value, f *Field) (Value, error) {
	obj, err := objectOf(o)
	if err != nil {
		return Void, err
	}
	if f.Index >= len(obj.Fields) {
		return Void, fmt.Errorf("%w: %s has no field %s", ErrMalformedCode, obj.Class.Name, f)
	}
	return obj.Fields[f.Index], nil
}

// FieldStore writes instance field f of o.
func FieldStore(o Value, f *Field, v Value) error {
	obj, err := objectOf(o)
	if err != nil {
		return err
	}
	if f.Index >= len(obj.Fields) {
		return fmt.Errorf("%w: %s has no field %s", ErrMalformedCode, obj.Class.Name, f)
	}
	w, ok := v.As(f.Kind)
	if !ok {
		return fmt.Errorf("%w: store %s into %s field %s", ErrMalformedCode, v.kind, f.Kind, f)
	}
	obj.Fields[f.Index] = w
	return nil
}

// StaticLoad reads static field f.
func StaticLoad(f *Field) Value {
	return f.Class.Statics[f.Index]
}

// StaticStore writes static field f.
func StaticStore(f *Field, v Value) error {
	w, ok := v.As(f.Kind)
	if !ok {
		return fmt.Errorf("%w: store %s into %s static %s", ErrMalformedCode, v.kind, f.Kind, f)
	}
	f.Class.Statics[f.Index] = w
	return nil
}

// InstanceOf reports whether v is a non-null instance of c. Arrays are
// never class instances.
func InstanceOf(v Value, c *Class) bool {
	if o := v.Object(); o != nil {
		return o.Class.IsSubclassOf(c)
	}
	return false
}

// CheckCast fails with ErrClassCast unless v is null or an instance of c.
func CheckCast(v Value, c *Class) error {
	if v.IsNull() || InstanceOf(v, c) {
		return nil
	}
	return fmt.Errorf("%w: %s to %s", ErrClassCast, v, c.Name)
}
