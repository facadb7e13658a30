package kernel

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/alejandrosuarez/elodin/internal/ecs"
)

func f64Col(vals ...float64) []byte {
	out := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}

func f64ColVals(b []byte) []float64 {
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return out
}

func compile(t *testing.T, g Graph) Kernel {
	t.Helper()
	k, err := NewCPU().Compile(context.Background(), g)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return k
}

func TestCPUIntegrateVelocity(t *testing.T) {
	var g Graph
	vel := g.Param("vel", []int{3}, ecs.F64)
	acc := g.Param("accel", []int{3}, ecs.F64)
	g.Return(g.Add(vel, g.Scale(acc, 0.5)))
	k := compile(t, g)

	out := make([]byte, 2*3*8)
	err := k.Run(context.Background(), Bindings{
		In: [][]byte{
			f64Col(1, 2, 3, 10, 20, 30),
			f64Col(2, 2, 2, -4, 0, 4),
		},
		Out:  [][]byte{out},
		Rows: 2,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []float64{2, 3, 4, 8, 20, 32}
	for i, v := range f64ColVals(out) {
		if v != want[i] {
			t.Errorf("out[%d] = %v, want %v", i, v, want[i])
		}
	}
}

func TestCPURowBroadcast(t *testing.T) {
	// A width-1 column broadcasts per row against a wider column: a = F / m.
	var g Graph
	force := g.Param("force", []int{3}, ecs.F64)
	mass := g.Param("mass", nil, ecs.F64)
	g.Return(g.Div(force, mass))
	k := compile(t, g)

	out := make([]byte, 2*3*8)
	err := k.Run(context.Background(), Bindings{
		In: [][]byte{
			f64Col(2, 4, 6, 10, 20, 30),
			f64Col(2, 10),
		},
		Out:  [][]byte{out},
		Rows: 2,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []float64{1, 2, 3, 1, 2, 3}
	for i, v := range f64ColVals(out) {
		if v != want[i] {
			t.Errorf("out[%d] = %v, want %v", i, v, want[i])
		}
	}
}

func TestCPUConstBroadcast(t *testing.T) {
	var g Graph
	p := g.Param("pos", []int{3}, ecs.F64)
	g.Return(g.Add(p, g.Const(10)))
	k := compile(t, g)
	out := make([]byte, 3*8)
	if err := k.Run(context.Background(), Bindings{In: [][]byte{f64Col(1, 2, 3)}, Out: [][]byte{out}, Rows: 1}); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := f64ColVals(out)
	if got[0] != 11 || got[2] != 13 {
		t.Errorf("broadcast add = %v", got)
	}
}

func TestCPUScalarReturnFillsColumn(t *testing.T) {
	var g Graph
	g.Param("pos", []int{2}, ecs.F64)
	g.Return(g.Const(7))
	k := compile(t, g)
	out := make([]byte, 2*2*8)
	if err := k.Run(context.Background(), Bindings{In: [][]byte{f64Col(0, 0, 0, 0)}, Out: [][]byte{out}, Rows: 2}); err != nil {
		t.Fatalf("run: %v", err)
	}
	for i, v := range f64ColVals(out) {
		if v != 7 {
			t.Errorf("out[%d] = %v, want 7", i, v)
		}
	}
}

func TestCPUMinMaxAbsSqrt(t *testing.T) {
	var g Graph
	x := g.Param("x", []int{4}, ecs.F64)
	clipped := g.Binary(OpMin, g.Binary(OpMax, x, g.Const(0)), g.Const(9))
	g.Return(g.Unary(OpSqrt, clipped))
	k := compile(t, g)
	out := make([]byte, 4*8)
	if err := k.Run(context.Background(), Bindings{In: [][]byte{f64Col(-4, 4, 16, 9)}, Out: [][]byte{out}, Rows: 1}); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []float64{0, 2, 3, 3}
	for i, v := range f64ColVals(out) {
		if v != want[i] {
			t.Errorf("out[%d] = %v, want %v", i, v, want[i])
		}
	}
}

func TestCPUFMA(t *testing.T) {
	var g Graph
	x := g.Param("x", []int{2}, ecs.F64)
	y := g.Param("y", []int{2}, ecs.F64)
	z := g.Param("z", []int{2}, ecs.F64)
	g.Return(g.FMA(x, y, z))
	k := compile(t, g)
	out := make([]byte, 2*8)
	err := k.Run(context.Background(), Bindings{
		In:   [][]byte{f64Col(2, 3), f64Col(4, 5), f64Col(1, 1)},
		Out:  [][]byte{out},
		Rows: 1,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	got := f64ColVals(out)
	if got[0] != 9 || got[1] != 16 {
		t.Errorf("fma = %v", got)
	}
}

func TestCPUFloat32Columns(t *testing.T) {
	var g Graph
	x := g.Param("x", []int{2}, ecs.F32)
	g.Return(g.Scale(x, 2))
	k := compile(t, g)

	in := make([]byte, 2*4)
	binary.LittleEndian.PutUint32(in[0:], math.Float32bits(1.5))
	binary.LittleEndian.PutUint32(in[4:], math.Float32bits(-2.25))
	out := make([]byte, 2*4)
	if err := k.Run(context.Background(), Bindings{In: [][]byte{in}, Out: [][]byte{out}, Rows: 1}); err != nil {
		t.Fatalf("run: %v", err)
	}
	v0 := math.Float32frombits(binary.LittleEndian.Uint32(out[0:]))
	v1 := math.Float32frombits(binary.LittleEndian.Uint32(out[4:]))
	if v0 != 3 || v1 != -4.5 {
		t.Errorf("f32 out = %v %v", v0, v1)
	}
}

func TestCPUIntegerColumns(t *testing.T) {
	var g Graph
	c := g.Param("counter", nil, ecs.U32)
	g.Return(g.Add(c, g.Const(1)))
	k := compile(t, g)

	in := make([]byte, 3*4)
	binary.LittleEndian.PutUint32(in[0:], 0)
	binary.LittleEndian.PutUint32(in[4:], 41)
	binary.LittleEndian.PutUint32(in[8:], 1000)
	out := make([]byte, 3*4)
	if err := k.Run(context.Background(), Bindings{In: [][]byte{in}, Out: [][]byte{out}, Rows: 3}); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []uint32{1, 42, 1001}
	for i, w := range want {
		if got := binary.LittleEndian.Uint32(out[i*4:]); got != w {
			t.Errorf("out[%d] = %d, want %d", i, got, w)
		}
	}
}

func TestCPUIntegerDivideByZero(t *testing.T) {
	var g Graph
	a := g.Param("a", nil, ecs.I64)
	b := g.Param("b", nil, ecs.I64)
	g.Return(g.Div(a, b))
	k := compile(t, g)

	in1 := make([]byte, 8)
	in2 := make([]byte, 8) // zero divisor
	binary.LittleEndian.PutUint64(in1, 10)
	out := make([]byte, 8)
	err := k.Run(context.Background(), Bindings{In: [][]byte{in1, in2}, Out: [][]byte{out}, Rows: 1})
	if !errors.Is(err, ErrDivideByZero) {
		t.Errorf("want ErrDivideByZero, got %v", err)
	}
}

func TestCPUCompileRejections(t *testing.T) {
	ctx := context.Background()
	asMismatch := func(t *testing.T, err error) {
		t.Helper()
		if err == nil {
			t.Fatal("compile should fail")
		}
		var me *MismatchError
		if !errors.As(err, &me) {
			t.Fatalf("want MismatchError, got %T: %v", err, err)
		}
	}

	t.Run("mixed elems", func(t *testing.T) {
		var g Graph
		a := g.Param("a", []int{2}, ecs.F64)
		b := g.Param("b", []int{2}, ecs.F32)
		g.Return(g.Add(a, b))
		_, err := NewCPU().Compile(ctx, g)
		asMismatch(t, err)
	})
	t.Run("width conflict", func(t *testing.T) {
		var g Graph
		a := g.Param("a", []int{3}, ecs.F64)
		b := g.Param("b", []int{2}, ecs.F64)
		g.Return(g.Add(a, b))
		_, err := NewCPU().Compile(ctx, g)
		asMismatch(t, err)
	})
	t.Run("sqrt on ints", func(t *testing.T) {
		var g Graph
		a := g.Param("a", nil, ecs.I32)
		g.Return(g.Unary(OpSqrt, a))
		_, err := NewCPU().Compile(ctx, g)
		asMismatch(t, err)
	})
	t.Run("fractional const on ints", func(t *testing.T) {
		var g Graph
		a := g.Param("a", nil, ecs.I32)
		g.Return(g.Add(a, g.Const(0.5)))
		_, err := NewCPU().Compile(ctx, g)
		asMismatch(t, err)
	})
	t.Run("bool param", func(t *testing.T) {
		var g Graph
		a := g.Param("a", nil, ecs.Bool)
		g.Return(g.Unary(OpNeg, a))
		_, err := NewCPU().Compile(ctx, g)
		asMismatch(t, err)
	})
	t.Run("no returns", func(t *testing.T) {
		var g Graph
		g.Param("a", nil, ecs.F64)
		_, err := NewCPU().Compile(ctx, g)
		asMismatch(t, err)
	})
	t.Run("extern", func(t *testing.T) {
		var g Graph
		g.Param("a", nil, ecs.F64)
		g.Extern = "lua_fn"
		g.Returns = []ValueID{0}
		if _, err := NewCPU().Compile(ctx, g); err == nil {
			t.Fatal("cpu backend must reject extern graphs")
		}
	})
}

func TestCPURunBindingChecks(t *testing.T) {
	var g Graph
	x := g.Param("x", []int{2}, ecs.F64)
	g.Return(g.Scale(x, 1))
	k := compile(t, g)
	ctx := context.Background()

	var me *MismatchError
	err := k.Run(ctx, Bindings{In: [][]byte{}, Out: [][]byte{make([]byte, 16)}, Rows: 1})
	if !errors.As(err, &me) {
		t.Errorf("missing input: want MismatchError, got %v", err)
	}
	err = k.Run(ctx, Bindings{In: [][]byte{f64Col(1, 2, 3)}, Out: [][]byte{make([]byte, 16)}, Rows: 1})
	if !errors.As(err, &me) {
		t.Errorf("short input: want MismatchError, got %v", err)
	}
	err = k.Run(ctx, Bindings{In: [][]byte{f64Col(1, 2)}, Out: [][]byte{make([]byte, 8)}, Rows: 1})
	if !errors.As(err, &me) {
		t.Errorf("short output: want MismatchError, got %v", err)
	}
	// Zero rows is a no-op, not an error.
	if err := k.Run(ctx, Bindings{In: [][]byte{{}}, Out: [][]byte{{}}, Rows: 0}); err != nil {
		t.Errorf("zero rows: %v", err)
	}
}

func TestCPUCompileCache(t *testing.T) {
	cpu := NewCPU()
	build := func() Graph {
		var g Graph
		x := g.Param("x", []int{2}, ecs.F64)
		g.Return(g.Scale(x, 3))
		return g
	}
	k1, err := cpu.Compile(context.Background(), build())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	k2, _ := cpu.Compile(context.Background(), build())
	if k1 != k2 {
		t.Error("identical graph did not hit the compile cache")
	}
	var other Graph
	x := other.Param("x", []int{2}, ecs.F64)
	other.Return(other.Scale(x, 4))
	k3, _ := cpu.Compile(context.Background(), other)
	if k3 == k1 {
		t.Error("different graph shared a cached kernel")
	}
}
