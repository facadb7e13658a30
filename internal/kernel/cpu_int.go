package kernel

import (
	"errors"
	"math"
)

// ErrDivideByZero is the runtime failure of an integer division kernel. It
// fails the invoking system for the tick but is not a schema mismatch.
var ErrDivideByZero = errors.New("kernel: integer division by zero")

type ival struct {
	s int64
	v []int64
}

func (k *cpuKernel) runInt(b Bindings) error {
	rows := b.Rows
	vals := make([]ival, k.g.NumValues())
	for i := range k.g.Params {
		vals[i] = ival{v: loadInts(b.In[i], k.elem)}
	}
	for i, n := range k.g.Nodes {
		self := len(k.g.Params) + i
		out, err := k.evalInt(n, vals, rows, k.widths[self])
		if err != nil {
			return err
		}
		vals[self] = out
	}
	size := k.elem.Size()
	for j, r := range k.g.Returns {
		width := k.widths[r]
		if width > 0 && len(b.Out[j]) != rows*width*size {
			return mismatch("returns", "output %d has %d bytes, want %d", j, len(b.Out[j]), rows*width*size)
		}
		if width == 0 && len(b.Out[j])%(rows*size) != 0 {
			return mismatch("returns", "output %d has %d bytes, not a multiple of %d rows", j, len(b.Out[j]), rows)
		}
		if vals[r].v == nil {
			storeIntConst(b.Out[j], vals[r].s, k.elem)
		} else {
			storeInts(b.Out[j], vals[r].v, k.elem)
		}
	}
	return nil
}

func (k *cpuKernel) evalInt(n Node, vals []ival, rows, wout int) (ival, error) {
	switch n.Op {
	case OpConst:
		return ival{s: int64(n.K)}, nil
	case OpNeg:
		x := vals[n.X]
		if x.v == nil {
			return ival{s: -x.s}, nil
		}
		dst := make([]int64, len(x.v))
		for i, v := range x.v {
			dst[i] = -v
		}
		return ival{v: dst}, nil
	case OpAbs:
		x := vals[n.X]
		if x.v == nil {
			return ival{s: absI64(x.s)}, nil
		}
		dst := make([]int64, len(x.v))
		for i, v := range x.v {
			dst[i] = absI64(v)
		}
		return ival{v: dst}, nil
	case OpAdd:
		return k.binInt(n, vals, rows, wout, func(a, b int64) (int64, error) { return a + b, nil })
	case OpSub:
		return k.binInt(n, vals, rows, wout, func(a, b int64) (int64, error) { return a - b, nil })
	case OpMul:
		return k.binInt(n, vals, rows, wout, func(a, b int64) (int64, error) { return a * b, nil })
	case OpDiv:
		return k.binInt(n, vals, rows, wout, func(a, b int64) (int64, error) {
			if b == 0 {
				return 0, ErrDivideByZero
			}
			return a / b, nil
		})
	case OpMin:
		return k.binInt(n, vals, rows, wout, func(a, b int64) (int64, error) { return min(a, b), nil })
	case OpMax:
		return k.binInt(n, vals, rows, wout, func(a, b int64) (int64, error) { return max(a, b), nil })
	}
	return ival{}, mismatch(n.Op.String(), "unreachable op for integer columns")
}

func (k *cpuKernel) binInt(n Node, vals []ival, rows, wout int, f func(a, b int64) (int64, error)) (ival, error) {
	x, y := vals[n.X], vals[n.Y]
	wx, wy := k.widths[n.X], k.widths[n.Y]
	switch {
	case x.v == nil && y.v == nil:
		s, err := f(x.s, y.s)
		return ival{s: s}, err
	case x.v == nil:
		dst := make([]int64, len(y.v))
		for i, b := range y.v {
			v, err := f(x.s, b)
			if err != nil {
				return ival{}, err
			}
			dst[i] = v
		}
		return ival{v: dst}, nil
	case y.v == nil:
		dst := make([]int64, len(x.v))
		for i, a := range x.v {
			v, err := f(a, y.s)
			if err != nil {
				return ival{}, err
			}
			dst[i] = v
		}
		return ival{v: dst}, nil
	case wx == wy:
		dst := make([]int64, rows*wout)
		for i := range dst {
			v, err := f(x.v[i], y.v[i])
			if err != nil {
				return ival{}, err
			}
			dst[i] = v
		}
		return ival{v: dst}, nil
	case wx == 1:
		dst := make([]int64, rows*wout)
		for r := 0; r < rows; r++ {
			a := x.v[r]
			base := r * wout
			for j := 0; j < wout; j++ {
				v, err := f(a, y.v[base+j])
				if err != nil {
					return ival{}, err
				}
				dst[base+j] = v
			}
		}
		return ival{v: dst}, nil
	default: // wy == 1
		dst := make([]int64, rows*wout)
		for r := 0; r < rows; r++ {
			b := y.v[r]
			base := r * wout
			for j := 0; j < wout; j++ {
				v, err := f(x.v[base+j], b)
				if err != nil {
					return ival{}, err
				}
				dst[base+j] = v
			}
		}
		return ival{v: dst}, nil
	}
}

func absI64(v int64) int64 {
	if v == math.MinInt64 {
		return v
	}
	if v < 0 {
		return -v
	}
	return v
}
