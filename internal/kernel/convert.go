package kernel

import (
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/alejandrosuarez/elodin/internal/ecs"
)

// f64view reinterprets a packed float64 column in place. Column allocations
// are 8-byte aligned and all supported targets are little-endian, so the
// view matches the wire encoding byte for byte.
func f64view(b []byte) []float64 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&b[0])), len(b)/8)
}

func i64view(b []byte) []int64 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*int64)(unsafe.Pointer(&b[0])), len(b)/8)
}

func widenF32(b []byte) []float64 {
	out := make([]float64, len(b)/4)
	for i := range out {
		out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:])))
	}
	return out
}

func narrowF32(b []byte, vals []float64) {
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(float32(v)))
	}
}

func narrowF32Const(b []byte, v float64, n int) {
	bits := math.Float32bits(float32(v))
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(b[i*4:], bits)
	}
}

// loadInts widens an integer column to int64 working values. Unsigned 64-bit
// values reinterpret in two's complement; arithmetic wraps the same way on
// the round trip.
func loadInts(b []byte, elem ecs.ElemType) []int64 {
	switch elem {
	case ecs.I64, ecs.U64:
		return i64view(b)
	case ecs.I32:
		out := make([]int64, len(b)/4)
		for i := range out {
			out[i] = int64(int32(binary.LittleEndian.Uint32(b[i*4:])))
		}
		return out
	case ecs.U32:
		out := make([]int64, len(b)/4)
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint32(b[i*4:]))
		}
		return out
	case ecs.I16:
		out := make([]int64, len(b)/2)
		for i := range out {
			out[i] = int64(int16(binary.LittleEndian.Uint16(b[i*2:])))
		}
		return out
	case ecs.U16:
		out := make([]int64, len(b)/2)
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint16(b[i*2:]))
		}
		return out
	case ecs.I8:
		out := make([]int64, len(b))
		for i := range out {
			out[i] = int64(int8(b[i]))
		}
		return out
	case ecs.U8:
		out := make([]int64, len(b))
		for i := range out {
			out[i] = int64(b[i])
		}
		return out
	}
	return nil
}

// storeInts narrows int64 working values back into a column, truncating in
// two's complement.
func storeInts(b []byte, vals []int64, elem ecs.ElemType) {
	switch elem {
	case ecs.I64, ecs.U64:
		copy(i64view(b), vals)
	case ecs.I32, ecs.U32:
		for i, v := range vals {
			binary.LittleEndian.PutUint32(b[i*4:], uint32(v))
		}
	case ecs.I16, ecs.U16:
		for i, v := range vals {
			binary.LittleEndian.PutUint16(b[i*2:], uint16(v))
		}
	case ecs.I8, ecs.U8:
		for i, v := range vals {
			b[i] = byte(v)
		}
	}
}

func storeIntConst(b []byte, v int64, elem ecs.ElemType) {
	n := len(b) / elem.Size()
	switch elem {
	case ecs.I64, ecs.U64:
		dst := i64view(b)
		for i := range dst {
			dst[i] = v
		}
	case ecs.I32, ecs.U32:
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint32(b[i*4:], uint32(v))
		}
	case ecs.I16, ecs.U16:
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(b[i*2:], uint16(v))
		}
	case ecs.I8, ecs.U8:
		for i := 0; i < n; i++ {
			b[i] = byte(v)
		}
	}
}
