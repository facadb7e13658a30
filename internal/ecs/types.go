package ecs

import (
	"fmt"
	"hash/fnv"

	"golang.org/x/text/unicode/norm"
)

// ComponentID identifies a component type across process boundaries. It is
// the FNV-1a hash of the NFC-normalized component name, so the same name
// always produces the same ID on the wire and in snapshots.
type ComponentID uint64

// NameID derives the stable ComponentID for a component name.
func NameID(name string) ComponentID {
	h := fnv.New64a()
	h.Write([]byte(norm.NFC.String(name)))
	return ComponentID(h.Sum64())
}

// ElemType is the primitive element type of a component column.
type ElemType uint8

const (
	F64 ElemType = iota
	F32
	I64
	I32
	I16
	I8
	U64
	U32
	U16
	U8
	Bool
)

var elemSizes = [...]int{8, 4, 8, 4, 2, 1, 8, 4, 2, 1, 1}

var elemNames = [...]string{"f64", "f32", "i64", "i32", "i16", "i8", "u64", "u32", "u16", "u8", "bool"}

// Size returns the element width in bytes.
func (e ElemType) Size() int {
	if int(e) >= len(elemSizes) {
		return 0
	}
	return elemSizes[e]
}

func (e ElemType) String() string {
	if int(e) >= len(elemNames) {
		return fmt.Sprintf("elem(%d)", uint8(e))
	}
	return elemNames[e]
}

// ParseElemType maps a textual element name to its ElemType.
func ParseElemType(s string) (ElemType, error) {
	for i, n := range elemNames {
		if n == s {
			return ElemType(i), nil
		}
	}
	return 0, fmt.Errorf("ecs: unknown element type %q", s)
}

// IsFloat reports whether the element type is a floating point type.
func (e ElemType) IsFloat() bool { return e == F64 || e == F32 }

// ComponentType describes one registered component: a fixed tensor shape of a
// primitive element type. A scalar component has an empty shape.
type ComponentType struct {
	ID    ComponentID
	Name  string
	Shape []int
	Elem  ElemType

	index  uint8
	stride int
}

// Stride returns the byte width of one component value: the product of the
// shape dimensions times the element size.
func (t *ComponentType) Stride() int { return t.stride }

// Count returns the number of elements per value.
func (t *ComponentType) Count() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Index returns the small dense registry index used in archetype masks.
func (t *ComponentType) Index() uint8 { return t.index }

func (t *ComponentType) String() string {
	return fmt.Sprintf("%s%v:%s", t.Name, t.Shape, t.Elem)
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
