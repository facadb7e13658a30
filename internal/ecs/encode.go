package ecs

import (
	"encoding/binary"
	"math"
)

// EncodeFloats packs float64 working values into a little-endian column
// segment. dst must hold len(vals)*e.Size() bytes. Integer types truncate,
// Bool stores nonzero as 1.
func (e ElemType) EncodeFloats(dst []byte, vals []float64) {
	switch e {
	case F64:
		for i, v := range vals {
			binary.LittleEndian.PutUint64(dst[i*8:], math.Float64bits(v))
		}
	case F32:
		for i, v := range vals {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(float32(v)))
		}
	case I64:
		for i, v := range vals {
			binary.LittleEndian.PutUint64(dst[i*8:], uint64(int64(v)))
		}
	case U64:
		for i, v := range vals {
			binary.LittleEndian.PutUint64(dst[i*8:], uint64(v))
		}
	case I32:
		for i, v := range vals {
			binary.LittleEndian.PutUint32(dst[i*4:], uint32(int32(v)))
		}
	case U32:
		for i, v := range vals {
			binary.LittleEndian.PutUint32(dst[i*4:], uint32(v))
		}
	case I16:
		for i, v := range vals {
			binary.LittleEndian.PutUint16(dst[i*2:], uint16(int16(v)))
		}
	case U16:
		for i, v := range vals {
			binary.LittleEndian.PutUint16(dst[i*2:], uint16(v))
		}
	case I8:
		for i, v := range vals {
			dst[i] = byte(int8(v))
		}
	case U8:
		for i, v := range vals {
			dst[i] = byte(uint8(v))
		}
	case Bool:
		for i, v := range vals {
			if v != 0 {
				dst[i] = 1
			} else {
				dst[i] = 0
			}
		}
	}
}

// DecodeFloats widens a little-endian column segment to float64 working
// values.
func (e ElemType) DecodeFloats(src []byte) []float64 {
	n := len(src) / e.Size()
	out := make([]float64, n)
	switch e {
	case F64:
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(src[i*8:]))
		}
	case F32:
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:])))
		}
	case I64:
		for i := range out {
			out[i] = float64(int64(binary.LittleEndian.Uint64(src[i*8:])))
		}
	case U64:
		for i := range out {
			out[i] = float64(binary.LittleEndian.Uint64(src[i*8:]))
		}
	case I32:
		for i := range out {
			out[i] = float64(int32(binary.LittleEndian.Uint32(src[i*4:])))
		}
	case U32:
		for i := range out {
			out[i] = float64(binary.LittleEndian.Uint32(src[i*4:]))
		}
	case I16:
		for i := range out {
			out[i] = float64(int16(binary.LittleEndian.Uint16(src[i*2:])))
		}
	case U16:
		for i := range out {
			out[i] = float64(binary.LittleEndian.Uint16(src[i*2:]))
		}
	case I8:
		for i := range out {
			out[i] = float64(int8(src[i]))
		}
	case U8:
		for i := range out {
			out[i] = float64(src[i])
		}
	case Bool:
		for i := range out {
			if src[i] != 0 {
				out[i] = 1
			}
		}
	}
	return out
}
