package vm

import (
	"errors"
	"math"
	"testing"
)

func TestArith(t *testing.T) {
	tests := []struct {
		name string
		op   ArithOp
		a, b Value
		want Value
	}{
		{"iadd wraps", ArithAdd, Int(math.MaxInt32), Int(1), Int(math.MinInt32)},
		{"idiv truncates", ArithDiv, Int(-7), Int(2), Int(-3)},
		{"idiv overflow", ArithDiv, Int(math.MinInt32), Int(-1), Int(math.MinInt32)},
		{"irem sign", ArithRem, Int(-7), Int(2), Int(-1)},
		{"ishl masks", ArithShl, Int(1), Int(33), Int(2)},
		{"iushr", ArithUshr, Int(-1), Int(28), Int(15)},
		{"ishr", ArithShr, Int(-16), Int(2), Int(-4)},
		{"lushr", ArithUshr, Long(-1), Int(60), Long(15)},
		{"lshl int count", ArithShl, Long(1), Int(40), Long(1 << 40)},
		{"lmul", ArithMul, Long(1 << 40), Long(4), Long(1 << 42)},
		{"ixor", ArithXor, Int(6), Int(3), Int(5)},
		{"ineg", ArithNeg, Int(5), Void, Int(-5)},
		{"fdiv by zero", ArithDiv, Float(1), Float(0), Float(float32(math.Inf(1)))},
		{"drem", ArithRem, Double(5.5), Double(2), Double(1.5)},
	}
	for _, tt := range tests {
		got, err := Arith(tt.op, tt.a, tt.b)
		if err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("%s: got %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestArithDivideByZero(t *testing.T) {
	for _, a := range []Value{Int(1), Long(1)} {
		var zero Value = Int(0)
		if a.Kind() == KindLong {
			zero = Long(0)
		}
		for _, op := range []ArithOp{ArithDiv, ArithRem} {
			if _, err := Arith(op, a, zero); !errors.Is(err, ErrDivideByZero) {
				t.Errorf("%s %s by zero: err = %v", a.Kind(), op, err)
			}
		}
	}
	if _, err := Arith(ArithShl, Float(1), Int(1)); !errors.Is(err, ErrMalformedCode) {
		t.Errorf("float shift: err = %v, want ErrMalformedCode", err)
	}
}

func TestConvert(t *testing.T) {
	tests := []struct {
		in   Value
		to   Kind
		want Value
	}{
		{Int(300), KindByte, Int(44)},
		{Int(-1), KindChar, Int(0xffff)},
		{Int(70000), KindShort, Int(4464)},
		{Long(1<<33 + 5), KindInt, Int(5)},
		{Float(float32(math.NaN())), KindInt, Int(0)},
		{Double(1e20), KindInt, Int(math.MaxInt32)},
		{Double(-1e20), KindLong, Long(math.MinInt64)},
		{Double(-2.7), KindInt, Int(-2)},
		{Int(3), KindDouble, Double(3)},
	}
	for _, tt := range tests {
		got, err := Convert(tt.in, tt.to)
		if err != nil {
			t.Errorf("convert %s to %s: %v", tt.in, tt.to, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("convert %s to %s = %s, want %s", tt.in, tt.to, got, tt.want)
		}
	}
}

func TestCompare3NaN(t *testing.T) {
	nan := Double(math.NaN())
	for _, bias := range []int32{-1, 1} {
		got, err := Compare3(nan, Double(0), bias)
		if err != nil || got.Int() != bias {
			t.Errorf("dcmp bias %d = %s, %v", bias, got, err)
		}
	}
	got, _ := Compare3(Long(-5), Long(3), 0)
	if got.Int() != -1 {
		t.Errorf("lcmp = %d, want -1", got.Int())
	}
}

func TestCmpNegate(t *testing.T) {
	for op := CmpEq; op <= CmpLe; op++ {
		for _, pair := range [][2]int32{{1, 2}, {2, 2}, {3, 2}} {
			a, b := Int(pair[0]), Int(pair[1])
			x, _ := Compare(op, a, b)
			y, _ := Compare(op.Negate(), a, b)
			if x == y {
				t.Errorf("%s and %s agree on %d, %d", op, op.Negate(), pair[0], pair[1])
			}
		}
	}
}
