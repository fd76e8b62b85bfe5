// Package sample holds small bytecode programs with hot loops. The CLI runs
// them and the tier tests use them as fixtures.
package sample

import (
	"sort"

	"github.com/chazu/metavm/vm"
	"github.com/chazu/metavm/vm/asm"
)

// Sample is a runnable program: an entry routine plus a way to derive its
// arguments from the size parameter n.
type Sample struct {
	Name        string
	Description string
	Entry       *vm.Routine
	Args        func(n int32) []vm.Value
}

// All builds every sample against u, sorted by name.
func All(u *vm.Universe) []*Sample {
	out := []*Sample{
		{"sum", "sum of 0..n-1", SumLoop(), intArg},
		{"div", "sum of 100/(7-i) for i < n, divides by zero once n > 7", DivLoop(), func(n int32) []vm.Value {
			return []vm.Value{vm.Int(n), vm.Int(7)}
		}},
		{"nested", "sum of j for j < i < n", NestedLoops(), intArg},
		{"array", "sum of squares through a long array", ArraySum(), intArg},
		{"calls", "sum of square(i) through a static call", CallLoop(), intArg},
		{"safediv", "div guarded by an ArithmeticException handler", SafeDiv(u), func(n int32) []vm.Value {
			return []vm.Value{vm.Int(n), vm.Int(7)}
		}},
		{"fields", "counter object incremented through a field", FieldLoop(), intArg},
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Find returns the named sample.
func Find(u *vm.Universe, name string) (*Sample, bool) {
	for _, s := range All(u) {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

func intArg(n int32) []vm.Value {
	return []vm.Value{vm.Int(n)}
}

// ---------------------------------------------------------------------------
// Programs
// ---------------------------------------------------------------------------

// SumLoop builds
//
//	static int sum(int n) { int s = 0; for (int i = 0; i < n; i++) s += i; return s; }
//
// The loop header is at offset 4.
func SumLoop() *vm.Routine {
	r := &vm.Routine{Name: "sum", Params: []vm.Kind{vm.KindInt}, Result: vm.KindInt, Static: true, MaxLocals: 3, MaxStack: 2}
	b := asm.New()
	loop, end := b.NewLabel(), b.NewLabel()
	b.Int(0).Store(vm.KindInt, 1)
	b.Int(0).Store(vm.KindInt, 2)
	b.Mark(loop)
	b.Load(vm.KindInt, 2).Load(vm.KindInt, 0).Jump(vm.OpIfIcmpge, end)
	b.Load(vm.KindInt, 1).Load(vm.KindInt, 2).Arith(vm.ArithAdd, vm.KindInt).Store(vm.KindInt, 1)
	b.Iinc(2, 1)
	b.Jump(vm.OpGoto, loop)
	b.Mark(end)
	b.Load(vm.KindInt, 1).Return(vm.KindInt)
	return b.Build(r)
}

// DivLoop builds
//
//	static int div(int n, int k) { int s = 0; for (int i = 0; i < n; i++) s += 100 / (k - i); return s; }
//
// which throws ArithmeticException when i reaches k.
func DivLoop() *vm.Routine {
	r := &vm.Routine{Name: "div", Params: []vm.Kind{vm.KindInt, vm.KindInt}, Result: vm.KindInt, Static: true, MaxLocals: 4, MaxStack: 4}
	b := asm.New()
	loop, end := b.NewLabel(), b.NewLabel()
	b.Int(0).Store(vm.KindInt, 2)
	b.Int(0).Store(vm.KindInt, 3)
	b.Mark(loop)
	b.Load(vm.KindInt, 3).Load(vm.KindInt, 0).Jump(vm.OpIfIcmpge, end)
	b.Load(vm.KindInt, 2).Int(100)
	b.Load(vm.KindInt, 1).Load(vm.KindInt, 3).Arith(vm.ArithSub, vm.KindInt)
	b.Arith(vm.ArithDiv, vm.KindInt).Arith(vm.ArithAdd, vm.KindInt).Store(vm.KindInt, 2)
	b.Iinc(3, 1)
	b.Jump(vm.OpGoto, loop)
	b.Mark(end)
	b.Load(vm.KindInt, 2).Return(vm.KindInt)
	return b.Build(r)
}

// NestedLoops builds
//
//	static int nested(int n) {
//	  int t = 0;
//	  for (int i = 0; i < n; i++) for (int j = 0; j < i; j++) t += j;
//	  return t;
//	}
func NestedLoops() *vm.Routine {
	r := &vm.Routine{Name: "nested", Params: []vm.Kind{vm.KindInt}, Result: vm.KindInt, Static: true, MaxLocals: 4, MaxStack: 2}
	b := asm.New()
	outer, inner, next, end := b.NewLabel(), b.NewLabel(), b.NewLabel(), b.NewLabel()
	b.Int(0).Store(vm.KindInt, 1)
	b.Int(0).Store(vm.KindInt, 2)
	b.Mark(outer)
	b.Load(vm.KindInt, 2).Load(vm.KindInt, 0).Jump(vm.OpIfIcmpge, end)
	b.Int(0).Store(vm.KindInt, 3)
	b.Mark(inner)
	b.Load(vm.KindInt, 3).Load(vm.KindInt, 2).Jump(vm.OpIfIcmpge, next)
	b.Load(vm.KindInt, 1).Load(vm.KindInt, 3).Arith(vm.ArithAdd, vm.KindInt).Store(vm.KindInt, 1)
	b.Iinc(3, 1)
	b.Jump(vm.OpGoto, inner)
	b.Mark(next)
	b.Iinc(2, 1)
	b.Jump(vm.OpGoto, outer)
	b.Mark(end)
	b.Load(vm.KindInt, 1).Return(vm.KindInt)
	return b.Build(r)
}

// ArraySum builds
//
//	static long arraySum(int n) {
//	  long[] a = new long[n];
//	  for (int i = 0; i < n; i++) a[i] = (long) i * i;
//	  long s = 0;
//	  for (int i = 0; i < n; i++) s += a[i];
//	  return s;
//	}
func ArraySum() *vm.Routine {
	// locals: 0 n, 1 a, 2-3 s, 4 i
	r := &vm.Routine{Name: "arraySum", Params: []vm.Kind{vm.KindInt}, Result: vm.KindLong, Static: true, MaxLocals: 5, MaxStack: 6}
	b := asm.New()
	fill, filled, sum, end := b.NewLabel(), b.NewLabel(), b.NewLabel(), b.NewLabel()
	b.Load(vm.KindInt, 0).NewArray(vm.KindLong).Store(vm.KindReference, 1)
	b.Int(0).Store(vm.KindInt, 4)
	b.Mark(fill)
	b.Load(vm.KindInt, 4).Load(vm.KindInt, 0).Jump(vm.OpIfIcmpge, filled)
	b.Load(vm.KindReference, 1).Load(vm.KindInt, 4)
	b.Load(vm.KindInt, 4).Op(vm.OpI2l).Load(vm.KindInt, 4).Op(vm.OpI2l).Arith(vm.ArithMul, vm.KindLong)
	b.Op(vm.OpLastore)
	b.Iinc(4, 1)
	b.Jump(vm.OpGoto, fill)
	b.Mark(filled)
	b.Op(vm.OpLconst0).Store(vm.KindLong, 2)
	b.Int(0).Store(vm.KindInt, 4)
	b.Mark(sum)
	b.Load(vm.KindInt, 4).Load(vm.KindReference, 1).Op(vm.OpArraylength).Jump(vm.OpIfIcmpge, end)
	b.Load(vm.KindLong, 2).Load(vm.KindReference, 1).Load(vm.KindInt, 4).Op(vm.OpLaload)
	b.Arith(vm.ArithAdd, vm.KindLong).Store(vm.KindLong, 2)
	b.Iinc(4, 1)
	b.Jump(vm.OpGoto, sum)
	b.Mark(end)
	b.Load(vm.KindLong, 2).Return(vm.KindLong)
	return b.Build(r)
}

// Square builds static int square(int x) { return x * x; }.
func Square() *vm.Routine {
	r := &vm.Routine{Name: "square", Params: []vm.Kind{vm.KindInt}, Result: vm.KindInt, Static: true, MaxLocals: 1, MaxStack: 2}
	b := asm.New()
	b.Load(vm.KindInt, 0).Load(vm.KindInt, 0).Arith(vm.ArithMul, vm.KindInt).Return(vm.KindInt)
	return b.Build(r)
}

// CallLoop builds
//
//	static int calls(int n) { int s = 0; for (int i = 0; i < n; i++) s += square(i); return s; }
func CallLoop() *vm.Routine {
	r := &vm.Routine{Name: "calls", Params: []vm.Kind{vm.KindInt}, Result: vm.KindInt, Static: true, MaxLocals: 3, MaxStack: 2}
	sq := Square()
	b := asm.New()
	loop, end := b.NewLabel(), b.NewLabel()
	b.Int(0).Store(vm.KindInt, 1)
	b.Int(0).Store(vm.KindInt, 2)
	b.Mark(loop)
	b.Load(vm.KindInt, 2).Load(vm.KindInt, 0).Jump(vm.OpIfIcmpge, end)
	b.Load(vm.KindInt, 1).Load(vm.KindInt, 2).Invoke(vm.OpInvokestatic, sq)
	b.Arith(vm.ArithAdd, vm.KindInt).Store(vm.KindInt, 1)
	b.Iinc(2, 1)
	b.Jump(vm.OpGoto, loop)
	b.Mark(end)
	b.Load(vm.KindInt, 1).Return(vm.KindInt)
	return b.Build(r)
}

// SafeDiv builds
//
//	static int safeDiv(int n, int k) {
//	  try { return div(n, k); } catch (ArithmeticException e) { return -1; }
//	}
func SafeDiv(u *vm.Universe) *vm.Routine {
	r := &vm.Routine{Name: "safeDiv", Params: []vm.Kind{vm.KindInt, vm.KindInt}, Result: vm.KindInt, Static: true, MaxLocals: 2, MaxStack: 2}
	b := asm.New()
	start, end, catch := b.NewLabel(), b.NewLabel(), b.NewLabel()
	b.Mark(start)
	b.Load(vm.KindInt, 0).Load(vm.KindInt, 1).Invoke(vm.OpInvokestatic, DivLoop())
	b.Mark(end)
	b.Return(vm.KindInt)
	b.Mark(catch)
	b.Op(vm.OpPop).Int(-1).Return(vm.KindInt)
	b.Handler(start, end, catch, u.ArithmeticException)
	return b.Build(r)
}

// Counter is the class used by FieldLoop.
var Counter = vm.NewClass("Counter", nil)

var counterValue = Counter.AddField("value", vm.KindInt)

// FieldLoop builds
//
//	static int fields(int n) {
//	  Counter c = new Counter();
//	  for (int i = 0; i < n; i++) c.value += i;
//	  return c.value;
//	}
func FieldLoop() *vm.Routine {
	// locals: 0 n, 1 c, 2 i
	r := &vm.Routine{Name: "fields", Params: []vm.Kind{vm.KindInt}, Result: vm.KindInt, Static: true, MaxLocals: 3, MaxStack: 3}
	b := asm.New()
	loop, end := b.NewLabel(), b.NewLabel()
	b.Class(vm.OpNew, Counter).Store(vm.KindReference, 1)
	b.Int(0).Store(vm.KindInt, 2)
	b.Mark(loop)
	b.Load(vm.KindInt, 2).Load(vm.KindInt, 0).Jump(vm.OpIfIcmpge, end)
	b.Load(vm.KindReference, 1).Op(vm.OpDup).Field(vm.OpGetfield, counterValue)
	b.Load(vm.KindInt, 2).Arith(vm.ArithAdd, vm.KindInt).Field(vm.OpPutfield, counterValue)
	b.Iinc(2, 1)
	b.Jump(vm.OpGoto, loop)
	b.Mark(end)
	b.Load(vm.KindReference, 1).Field(vm.OpGetfield, counterValue).Return(vm.KindInt)
	return b.Build(r)
}
