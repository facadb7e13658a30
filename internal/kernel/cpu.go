package kernel

import (
	"context"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/alejandrosuarez/elodin/internal/ecs"
)

// CPU is the interpreting backend. Float64 columns of equal width evaluate
// on vectorized slice ops; width-1 operands broadcast per row, narrower
// floats and integers go through conversion loops. Compiled kernels are
// cached by graph digest.
type CPU struct {
	mu    sync.Mutex
	cache map[[32]byte]Kernel
}

func NewCPU() *CPU {
	return &CPU{cache: make(map[[32]byte]Kernel)}
}

func (c *CPU) Name() string { return "cpu" }

func (c *CPU) Compile(ctx context.Context, g Graph) (Kernel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if g.Extern != "" {
		return nil, fmt.Errorf("kernel: cpu backend cannot resolve extern %q", g.Extern)
	}
	digest := g.Digest()
	c.mu.Lock()
	if k, ok := c.cache[digest]; ok {
		c.mu.Unlock()
		return k, nil
	}
	c.mu.Unlock()

	k, err := compileCPU(g)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cache[digest] = k
	c.mu.Unlock()
	return k, nil
}

// cpuKernel interprets a validated graph. widths holds elements-per-row for
// every SSA value, 0 marking a broadcast const scalar.
type cpuKernel struct {
	g      Graph
	widths []int
	elem   ecs.ElemType
}

func compileCPU(g Graph) (*cpuKernel, error) {
	if len(g.Returns) == 0 {
		return nil, mismatch("returns", "graph returns no values")
	}
	elem := ecs.F64
	for i, p := range g.Params {
		if p.Elem == ecs.Bool {
			return nil, mismatch(p.Name, "bool columns cannot be kernel parameters")
		}
		if p.Elem.Size() == 0 {
			return nil, mismatch(p.Name, "unknown element type")
		}
		if i == 0 {
			elem = p.Elem
		} else if p.Elem != elem {
			return nil, mismatch(p.Name, "mixed element types %s and %s", elem, p.Elem)
		}
	}
	isInt := !elem.IsFloat()

	widths := make([]int, 0, g.NumValues())
	for _, p := range g.Params {
		widths = append(widths, p.Width())
	}
	for i, n := range g.Nodes {
		self := len(g.Params) + i
		ref := func(v ValueID) (int, error) {
			if int(v) < 0 || int(v) >= self {
				return 0, mismatch(n.Op.String(), "node %d references invalid value %d", i, v)
			}
			return widths[v], nil
		}
		var w int
		var err error
		switch n.Op {
		case OpConst:
			if isInt && n.K != math.Trunc(n.K) {
				return nil, mismatch("const", "literal %v is not integral for %s columns", n.K, elem)
			}
			w = 0
		case OpNeg, OpAbs:
			w, err = ref(n.X)
		case OpSqrt:
			if isInt {
				return nil, mismatch("sqrt", "unsupported for %s columns", elem)
			}
			w, err = ref(n.X)
		case OpScale:
			if isInt {
				return nil, mismatch("scale", "unsupported for %s columns", elem)
			}
			w, err = ref(n.X)
		case OpAdd, OpSub, OpMul, OpDiv, OpMin, OpMax:
			var wx, wy int
			if wx, err = ref(n.X); err != nil {
				break
			}
			if wy, err = ref(n.Y); err != nil {
				break
			}
			w, err = reconcile(n.Op, wx, wy)
		case OpFMA:
			if isInt {
				return nil, mismatch("fma", "unsupported for %s columns", elem)
			}
			var wx, wy, wz int
			if wx, err = ref(n.X); err != nil {
				break
			}
			if wy, err = ref(n.Y); err != nil {
				break
			}
			if wz, err = ref(n.Z); err != nil {
				break
			}
			if w, err = reconcile(n.Op, wx, wy); err != nil {
				break
			}
			w, err = reconcile(n.Op, w, wz)
		default:
			return nil, mismatch("graph", "unknown op %d at node %d", n.Op, i)
		}
		if err != nil {
			return nil, err
		}
		widths = append(widths, w)
	}
	for _, r := range g.Returns {
		if int(r) < 0 || int(r) >= len(widths) {
			return nil, mismatch("returns", "invalid value %d", r)
		}
	}
	return &cpuKernel{g: g, widths: widths, elem: elem}, nil
}

// reconcile merges operand widths: const scalars (0) and width-1 values
// broadcast into any width; two wider vectors must agree.
func reconcile(op Op, a, b int) (int, error) {
	switch {
	case a == 0 || a == 1:
		return max(a, b), nil
	case b == 0 || b == 1:
		return a, nil
	case a == b:
		return a, nil
	}
	return 0, mismatch(op.String(), "operand widths %d and %d differ", a, b)
}

func (k *cpuKernel) Run(ctx context.Context, b Bindings) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.Rows == 0 {
		return nil
	}
	if len(b.In) != len(k.g.Params) {
		return mismatch("bindings", "%d inputs bound, graph has %d params", len(b.In), len(k.g.Params))
	}
	if len(b.Out) != len(k.g.Returns) {
		return mismatch("bindings", "%d outputs bound, graph returns %d", len(b.Out), len(k.g.Returns))
	}
	size := k.elem.Size()
	for i, p := range k.g.Params {
		want := b.Rows * p.Width() * size
		if len(b.In[i]) != want {
			return mismatch(p.Name, "input %d has %d bytes, want %d", i, len(b.In[i]), want)
		}
	}
	if k.elem.IsFloat() {
		return k.runFloat(b)
	}
	return k.runInt(b)
}

// fval is one evaluated value: either a broadcast scalar or a full column of
// rows*width float64s.
type fval struct {
	s float64
	v []float64
}

func (k *cpuKernel) runFloat(b Bindings) error {
	rows := b.Rows
	vals := make([]fval, k.g.NumValues())
	for i := range k.g.Params {
		if k.elem == ecs.F64 {
			vals[i] = fval{v: f64view(b.In[i])}
		} else {
			vals[i] = fval{v: widenF32(b.In[i])}
		}
	}
	for i, n := range k.g.Nodes {
		self := len(k.g.Params) + i
		out, err := k.evalFloat(n, vals, rows, k.widths[self])
		if err != nil {
			return err
		}
		vals[self] = out
	}
	for j, r := range k.g.Returns {
		if err := k.storeFloat(b.Out[j], vals[r], k.widths[r], rows, j); err != nil {
			return err
		}
	}
	return nil
}

func (k *cpuKernel) evalFloat(n Node, vals []fval, rows, wout int) (fval, error) {
	switch n.Op {
	case OpConst:
		return fval{s: n.K}, nil
	case OpNeg:
		x := vals[n.X]
		if x.v == nil {
			return fval{s: -x.s}, nil
		}
		dst := make([]float64, len(x.v))
		floats.ScaleTo(dst, -1, x.v)
		return fval{v: dst}, nil
	case OpAbs:
		x := vals[n.X]
		if x.v == nil {
			return fval{s: math.Abs(x.s)}, nil
		}
		dst := make([]float64, len(x.v))
		for i, v := range x.v {
			dst[i] = math.Abs(v)
		}
		return fval{v: dst}, nil
	case OpSqrt:
		x := vals[n.X]
		if x.v == nil {
			return fval{s: math.Sqrt(x.s)}, nil
		}
		dst := make([]float64, len(x.v))
		for i, v := range x.v {
			dst[i] = math.Sqrt(v)
		}
		return fval{v: dst}, nil
	case OpScale:
		x := vals[n.X]
		if x.v == nil {
			return fval{s: x.s * n.K}, nil
		}
		dst := make([]float64, len(x.v))
		floats.ScaleTo(dst, n.K, x.v)
		return fval{v: dst}, nil
	case OpAdd:
		return k.binFloat(n.X, n.Y, vals, rows, wout,
			func(a, b float64) float64 { return a + b },
			func(dst, a, b []float64) { floats.AddTo(dst, a, b) }), nil
	case OpSub:
		return k.binFloat(n.X, n.Y, vals, rows, wout,
			func(a, b float64) float64 { return a - b },
			func(dst, a, b []float64) { floats.SubTo(dst, a, b) }), nil
	case OpMul:
		return k.binFloat(n.X, n.Y, vals, rows, wout,
			func(a, b float64) float64 { return a * b },
			func(dst, a, b []float64) { floats.MulTo(dst, a, b) }), nil
	case OpDiv:
		return k.binFloat(n.X, n.Y, vals, rows, wout,
			func(a, b float64) float64 { return a / b },
			func(dst, a, b []float64) { floats.DivTo(dst, a, b) }), nil
	case OpMin:
		return k.binFloat(n.X, n.Y, vals, rows, wout, math.Min, func(dst, a, b []float64) {
			for i := range dst {
				dst[i] = math.Min(a[i], b[i])
			}
		}), nil
	case OpMax:
		return k.binFloat(n.X, n.Y, vals, rows, wout, math.Max, func(dst, a, b []float64) {
			for i := range dst {
				dst[i] = math.Max(a[i], b[i])
			}
		}), nil
	case OpFMA:
		// The product keeps its own width; the final add broadcasts it
		// against z.
		pw, _ := reconcile(n.Op, k.widths[n.X], k.widths[n.Y])
		prod := k.binFloatW(vals[n.X], k.widths[n.X], vals[n.Y], k.widths[n.Y], rows, pw,
			func(a, b float64) float64 { return a * b },
			func(dst, a, b []float64) { floats.MulTo(dst, a, b) })
		return k.binFloatW(prod, pw, vals[n.Z], k.widths[n.Z], rows, wout,
			func(a, b float64) float64 { return a + b },
			func(dst, a, b []float64) { floats.AddTo(dst, a, b) }), nil
	}
	return fval{}, mismatch(n.Op.String(), "unreachable op")
}

func (k *cpuKernel) binFloat(xid, yid ValueID, vals []fval, rows, wout int, sf func(a, b float64) float64, vf func(dst, a, b []float64)) fval {
	return k.binFloatW(vals[xid], k.widths[xid], vals[yid], k.widths[yid], rows, wout, sf, vf)
}

// binFloatW applies a binary op with const-scalar and width-1 row broadcast.
func (k *cpuKernel) binFloatW(x fval, wx int, y fval, wy int, rows, wout int, sf func(a, b float64) float64, vf func(dst, a, b []float64)) fval {
	switch {
	case x.v == nil && y.v == nil:
		return fval{s: sf(x.s, y.s)}
	case x.v == nil:
		dst := make([]float64, len(y.v))
		for i, b := range y.v {
			dst[i] = sf(x.s, b)
		}
		return fval{v: dst}
	case y.v == nil:
		dst := make([]float64, len(x.v))
		for i, a := range x.v {
			dst[i] = sf(a, y.s)
		}
		return fval{v: dst}
	case wx == wy:
		dst := make([]float64, rows*wout)
		vf(dst, x.v, y.v)
		return fval{v: dst}
	case wx == 1:
		// One value per row on the left, wout per row on the right.
		dst := make([]float64, rows*wout)
		for r := 0; r < rows; r++ {
			a := x.v[r]
			base := r * wout
			for j := 0; j < wout; j++ {
				dst[base+j] = sf(a, y.v[base+j])
			}
		}
		return fval{v: dst}
	default: // wy == 1
		dst := make([]float64, rows*wout)
		for r := 0; r < rows; r++ {
			b := y.v[r]
			base := r * wout
			for j := 0; j < wout; j++ {
				dst[base+j] = sf(x.v[base+j], b)
			}
		}
		return fval{v: dst}
	}
}

func (k *cpuKernel) storeFloat(out []byte, val fval, width, rows, idx int) error {
	size := k.elem.Size()
	if width > 0 {
		want := rows * width * size
		if len(out) != want {
			return mismatch("returns", "output %d has %d bytes, want %d", idx, len(out), want)
		}
	} else {
		// Const scalar returns broadcast across the output column's width.
		if len(out)%(rows*size) != 0 {
			return mismatch("returns", "output %d has %d bytes, not a multiple of %d rows", idx, len(out), rows)
		}
	}
	if k.elem == ecs.F64 {
		dst := f64view(out)
		if val.v == nil {
			for i := range dst {
				dst[i] = val.s
			}
		} else {
			copy(dst, val.v)
		}
		return nil
	}
	n := len(out) / size
	if val.v == nil {
		narrowF32Const(out, val.s, n)
	} else {
		narrowF32(out, val.v)
	}
	return nil
}
