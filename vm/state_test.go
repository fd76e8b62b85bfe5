package vm

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func expectMalformed(t *testing.T, name string, fn func()) {
	t.Helper()
	var err error
	func() {
		defer RecoverFatal(&err)
		fn()
	}()
	if !errors.Is(err, ErrMalformedCode) {
		t.Errorf("%s: err = %v, want ErrMalformedCode", name, err)
	}
}

func testRoutine(locals, stack int) *Routine {
	return &Routine{Name: "t", Static: true, MaxLocals: locals, MaxStack: stack}
}

func TestSlotRoundTrip(t *testing.T) {
	obj := NewObject(NewClass("Box", nil))
	tests := []struct {
		kind Kind
		in   Value
		want Value
	}{
		{KindInt, Int(-7), Int(-7)},
		{KindInt, Int(math.MaxInt32), Int(math.MaxInt32)},
		{KindLong, Long(math.MinInt64), Long(math.MinInt64)},
		{KindFloat, Float(1.5), Float(1.5)},
		{KindDouble, Double(-2.25), Double(-2.25)},
		{KindReference, Ref(obj), Ref(obj)},
		{KindReference, Null, Null},
		{KindBoolean, Boolean(true), Int(1)},
		{KindByte, Byte(-3), Int(-3)},
		{KindChar, Char(0xffff), Int(0xffff)},
		{KindShort, Short(-300), Int(-300)},
	}
	for _, tt := range tests {
		f := NewFrame(testRoutine(4, 4))
		f.Store(tt.kind, 1, tt.in)
		if got := f.Load(tt.kind, 1); !got.Equal(tt.want) {
			t.Errorf("store/load %s: got %s, want %s", tt.kind, got, tt.want)
		}
		f.Push(tt.kind, tt.in)
		if got := f.Pop(tt.kind); !got.Equal(tt.want) {
			t.Errorf("push/pop %s: got %s, want %s", tt.kind, got, tt.want)
		}
		if f.Height() != 0 {
			t.Errorf("%s: height %d after pop, want 0", tt.kind, f.Height())
		}
	}
}

func TestWideSlotsUseFiller(t *testing.T) {
	f := NewFrame(testRoutine(4, 4))
	f.Store(KindLong, 0, Long(42))
	if !f.Slot(1).IsFiller() {
		t.Fatalf("slot 1 = %s, want filler", f.Slot(1))
	}
	f.Push(KindDouble, Double(1))
	if f.Height() != 2 {
		t.Errorf("height = %d, want 2", f.Height())
	}

	// Overwriting the second half kills the first.
	f.Store(KindInt, 1, Int(5))
	if !f.Slot(0).IsUndefined() {
		t.Errorf("slot 0 = %s, want undefined", f.Slot(0))
	}

	// Overwriting the first half kills the filler.
	f.Store(KindLong, 2, Long(1))
	f.Store(KindInt, 2, Int(9))
	if !f.Slot(3).IsUndefined() {
		t.Errorf("slot 3 = %s, want undefined", f.Slot(3))
	}
}

func TestStructuralFaults(t *testing.T) {
	expectMalformed(t, "underflow", func() {
		NewFrame(testRoutine(1, 1)).Pop(KindInt)
	})
	expectMalformed(t, "overflow", func() {
		f := NewFrame(testRoutine(1, 1))
		f.Push(KindInt, Int(1))
		f.Push(KindInt, Int(2))
	})
	expectMalformed(t, "kind mismatch", func() {
		f := NewFrame(testRoutine(1, 2))
		f.Push(KindInt, Int(1))
		f.Pop(KindFloat)
	})
	expectMalformed(t, "undefined local", func() {
		NewFrame(testRoutine(2, 0)).Load(KindInt, 0)
	})
	expectMalformed(t, "filler read", func() {
		f := NewFrame(testRoutine(2, 0))
		f.Store(KindLong, 0, Long(1))
		f.Load(KindInt, 1)
	})
}

func TestEnterLeave(t *testing.T) {
	callee := &Routine{Name: "f", Static: true, Params: []Kind{KindInt, KindLong}, Result: KindLong, MaxLocals: 4, MaxStack: 2}
	st := NewState()
	st.Push(KindInt, Int(3))
	st.Push(KindLong, Long(4))

	f := st.Enter(callee, 17)
	if st.Depth() != 2 {
		t.Fatalf("depth = %d, want 2", st.Depth())
	}
	if st.Frame(0).Height() != 0 {
		t.Errorf("caller height = %d, want 0", st.Frame(0).Height())
	}
	if got := f.Load(KindInt, 0); !got.Equal(Int(3)) {
		t.Errorf("arg 0 = %s, want 3", got)
	}
	if got := f.Load(KindLong, 1); !got.Equal(Long(4)) {
		t.Errorf("arg 1 = %s, want 4L", got)
	}

	f.Push(KindLong, Long(99))
	st.Leave()
	if st.Depth() != 1 {
		t.Fatalf("depth = %d, want 1", st.Depth())
	}
	if st.Top().PC != 17 {
		t.Errorf("caller PC = %d, want 17", st.Top().PC)
	}
	if got := st.Pop(KindLong); !got.Equal(Long(99)) {
		t.Errorf("result = %s, want 99L", got)
	}
}

func TestCloneAndSliceAreIndependent(t *testing.T) {
	r := testRoutine(2, 2)
	st := NewState()
	st.Enter(r, 0).Store(KindInt, 0, Int(1))
	st.Enter(r, 5).Store(KindInt, 0, Int(2))

	c := st.Clone()
	s := st.Slice(1)
	c.Top().Store(KindInt, 0, Int(100))
	s.Top().Store(KindInt, 0, Int(200))

	if got := st.Load(KindInt, 0); !got.Equal(Int(2)) {
		t.Errorf("original mutated: %s", got)
	}
	if s.Depth() != 1 || s.Top().ReturnPC != 5 {
		t.Errorf("slice = depth %d returnPC %d, want 1, 5", s.Depth(), s.Top().ReturnPC)
	}

	st.Truncate(2)
	st.Append(s.Frames()...)
	if got := st.Load(KindInt, 0); !got.Equal(Int(200)) {
		t.Errorf("after merge: %s, want 200", got)
	}
}

func TestSlots(t *testing.T) {
	st := NewState()
	f := st.Enter(testRoutine(3, 1), 0)
	f.Store(KindInt, 0, Int(1))
	f.Store(KindInt, 2, Int(3))
	got := st.Slots(0, 3)
	want := []Value{Int(1), Undefined, Int(3)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Slots mismatch (-want +got):\n%s", diff)
	}
}
