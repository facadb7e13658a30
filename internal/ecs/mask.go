package ecs

// maskWords * 64 bounds the number of distinct component types per world.
const (
	maskWords         = 4
	MaxComponentTypes = maskWords * 64
)

// mask is a fixed-width bitset over registry component indices. The zero
// value is the empty mask.
type mask [maskWords]uint64

func (m *mask) set(bit uint8) {
	m[bit>>6] |= 1 << (bit & 63)
}

func (m *mask) unset(bit uint8) {
	m[bit>>6] &^= 1 << (bit & 63)
}

func (m mask) has(bit uint8) bool {
	return m[bit>>6]&(1<<(bit&63)) != 0
}

// includesAll reports whether every bit of sub is set in m.
func (m mask) includesAll(sub mask) bool {
	for i := 0; i < maskWords; i++ {
		if m[i]&sub[i] != sub[i] {
			return false
		}
	}
	return true
}

// intersects reports whether m and other share any bit.
func (m mask) intersects(other mask) bool {
	for i := 0; i < maskWords; i++ {
		if m[i]&other[i] != 0 {
			return true
		}
	}
	return false
}

// or returns the union of m and other.
func (m mask) or(other mask) mask {
	var out mask
	for i := 0; i < maskWords; i++ {
		out[i] = m[i] | other[i]
	}
	return out
}

// andNot returns m with every bit of other cleared.
func (m mask) andNot(other mask) mask {
	var out mask
	for i := 0; i < maskWords; i++ {
		out[i] = m[i] &^ other[i]
	}
	return out
}

func (m mask) isZero() bool {
	for i := 0; i < maskWords; i++ {
		if m[i] != 0 {
			return false
		}
	}
	return true
}

func makeMask(bits ...uint8) mask {
	var m mask
	for _, b := range bits {
		m.set(b)
	}
	return m
}
