// Package kernel defines the numeric program representation handed to a
// compute backend and the binding contract between column storage and
// compiled kernels.
package kernel

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/alejandrosuarez/elodin/internal/ecs"
)

// ValueID names one SSA value in a graph: parameter i is value i, node j is
// value len(Params)+j.
type ValueID int32

// Op is a graph node operation. All ops are elementwise over the per-row
// tensor; scalars broadcast.
type Op uint8

const (
	OpConst Op = iota
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpNeg
	OpAbs
	OpSqrt
	OpMin
	OpMax
	OpScale
	OpFMA
)

var opNames = [...]string{
	"const", "add", "sub", "mul", "div", "neg", "abs", "sqrt", "min", "max", "scale", "fma",
}

func (o Op) String() string {
	if int(o) >= len(opNames) {
		return fmt.Sprintf("op(%d)", uint8(o))
	}
	return opNames[o]
}

// ParseOp maps a textual op name to its Op.
func ParseOp(s string) (Op, error) {
	for i, n := range opNames {
		if n == s {
			return Op(i), nil
		}
	}
	return 0, fmt.Errorf("kernel: unknown op %q", s)
}

// Param declares one kernel input: a component column with a fixed per-row
// shape and element type.
type Param struct {
	Name  string
	Shape []int
	Elem  ecs.ElemType
}

// Width returns the number of elements per row.
func (p Param) Width() int {
	n := 1
	for _, d := range p.Shape {
		n *= d
	}
	return n
}

// Node is one operation. X, Y, Z reference earlier values; K carries the
// literal for OpConst and the factor for OpScale.
type Node struct {
	Op      Op
	X, Y, Z ValueID
	K       float64
}

// Graph is a small SSA program: parameters, a node list in evaluation
// order, and the values returned as outputs. When Extern is set the graph
// body is empty and the named host routine computes the outputs instead;
// only backends that resolve externs can compile such a graph, and
// ExternOuts declares the output columns that Returns would otherwise
// describe.
type Graph struct {
	Params     []Param
	Nodes      []Node
	Returns    []ValueID
	Extern     string
	ExternOuts []Param
}

// Param appends a parameter and returns its value.
func (g *Graph) Param(name string, shape []int, elem ecs.ElemType) ValueID {
	g.Params = append(g.Params, Param{Name: name, Shape: append([]int(nil), shape...), Elem: elem})
	return ValueID(len(g.Params) - 1)
}

func (g *Graph) node(n Node) ValueID {
	g.Nodes = append(g.Nodes, n)
	return ValueID(len(g.Params) + len(g.Nodes) - 1)
}

// Const appends a scalar literal.
func (g *Graph) Const(k float64) ValueID { return g.node(Node{Op: OpConst, K: k}) }

// Binary appends a two-operand node.
func (g *Graph) Binary(op Op, x, y ValueID) ValueID { return g.node(Node{Op: op, X: x, Y: y}) }

// Unary appends a one-operand node.
func (g *Graph) Unary(op Op, x ValueID) ValueID { return g.node(Node{Op: op, X: x}) }

// Add appends x + y.
func (g *Graph) Add(x, y ValueID) ValueID { return g.Binary(OpAdd, x, y) }

// Sub appends x - y.
func (g *Graph) Sub(x, y ValueID) ValueID { return g.Binary(OpSub, x, y) }

// Mul appends x * y.
func (g *Graph) Mul(x, y ValueID) ValueID { return g.Binary(OpMul, x, y) }

// Div appends x / y.
func (g *Graph) Div(x, y ValueID) ValueID { return g.Binary(OpDiv, x, y) }

// Scale appends x * k.
func (g *Graph) Scale(x ValueID, k float64) ValueID { return g.node(Node{Op: OpScale, X: x, K: k}) }

// FMA appends x*y + z.
func (g *Graph) FMA(x, y, z ValueID) ValueID { return g.node(Node{Op: OpFMA, X: x, Y: y, Z: z}) }

// Return marks a value as a kernel output. Outputs bind to the system's
// write columns in order.
func (g *Graph) Return(v ValueID) { g.Returns = append(g.Returns, v) }

// NumValues returns the total count of SSA values.
func (g *Graph) NumValues() int { return len(g.Params) + len(g.Nodes) }

// Digest hashes the canonical encoding of the graph. Backends key their
// compile caches on it.
func (g *Graph) Digest() [32]byte {
	h, _ := blake2b.New256(nil)
	var buf [8]byte
	wu64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	wu64(uint64(len(g.Params)))
	for _, p := range g.Params {
		wu64(uint64(p.Elem))
		wu64(uint64(len(p.Shape)))
		for _, d := range p.Shape {
			wu64(uint64(d))
		}
	}
	wu64(uint64(len(g.Nodes)))
	for _, n := range g.Nodes {
		wu64(uint64(n.Op))
		wu64(uint64(uint32(n.X)))
		wu64(uint64(uint32(n.Y)))
		wu64(uint64(uint32(n.Z)))
		wu64(binary.LittleEndian.Uint64(f64le(n.K)))
	}
	wu64(uint64(len(g.Returns)))
	for _, r := range g.Returns {
		wu64(uint64(uint32(r)))
	}
	wu64(uint64(len(g.Extern)))
	h.Write([]byte(g.Extern))
	wu64(uint64(len(g.ExternOuts)))
	for _, p := range g.ExternOuts {
		wu64(uint64(p.Elem))
		wu64(uint64(len(p.Shape)))
		for _, d := range p.Shape {
			wu64(uint64(d))
		}
	}
	var out [32]byte
	h.Sum(out[:0])
	return out
}
