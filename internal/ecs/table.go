package ecs

// Table is one archetype: the storage for every entity carrying exactly the
// same component set. Each component lives in its own packed byte column;
// row i of every column and entities[i] always describe the same entity.
type Table struct {
	mask     mask
	indices  []uint8  // registry indices, ascending
	cols     [][]byte // parallel to indices
	strides  []int    // parallel to indices
	entities []Entity

	slots [MaxComponentTypes]int16 // registry index -> column slot, -1 if absent
	index int32                    // position in world.tables
}

func newTable(m mask, reg *Registry, index int32) *Table {
	t := &Table{mask: m, index: index}
	for i := range t.slots {
		t.slots[i] = -1
	}
	for idx := 0; idx < reg.Len(); idx++ {
		if !m.has(uint8(idx)) {
			continue
		}
		ct := reg.byIndex(uint8(idx))
		t.slots[idx] = int16(len(t.indices))
		t.indices = append(t.indices, uint8(idx))
		t.cols = append(t.cols, nil)
		t.strides = append(t.strides, ct.stride)
	}
	return t
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.entities) }

// Entities returns the row-owner slice. Callers must not mutate it.
func (t *Table) Entities() []Entity { return t.entities }

// slot returns the column slot for a registry index, or -1.
func (t *Table) slot(idx uint8) int16 { return t.slots[idx] }

// Slot returns the column slot storing the given component type, or -1 when
// this archetype does not carry it.
func (t *Table) Slot(ct *ComponentType) int { return int(t.slots[ct.index]) }

// Indices returns the registry indices stored by this table in ascending
// order. Callers must not mutate the slice.
func (t *Table) Indices() []uint8 { return t.indices }

// Column returns the packed byte column at slot s.
func (t *Table) Column(s int) []byte { return t.cols[s] }

// cell returns the byte range of one component value.
func (t *Table) cell(s int, row int) []byte {
	stride := t.strides[s]
	return t.cols[s][row*stride : (row+1)*stride]
}

// pushRow appends a zeroed row for e and returns its index.
func (t *Table) pushRow(e Entity) int {
	row := len(t.entities)
	t.entities = append(t.entities, e)
	for s := range t.cols {
		t.cols[s] = extendBytes(t.cols[s], t.strides[s])
	}
	return row
}

// swapRemove deletes a row by moving the last row into its place. It returns
// the entity that was moved, or NilEntity when the removed row was last.
func (t *Table) swapRemove(row int) Entity {
	last := len(t.entities) - 1
	moved := NilEntity
	if row != last {
		moved = t.entities[last]
		t.entities[row] = moved
		for s := range t.cols {
			stride := t.strides[s]
			copy(t.cols[s][row*stride:(row+1)*stride], t.cols[s][last*stride:(last+1)*stride])
		}
	}
	t.entities = t.entities[:last]
	for s := range t.cols {
		t.cols[s] = t.cols[s][:last*t.strides[s]]
	}
	return moved
}

// extendBytes grows b by n zero bytes, reallocating with headroom when the
// backing array is full.
func extendBytes(b []byte, n int) []byte {
	l := len(b)
	if l+n <= cap(b) {
		b = b[:l+n]
		for i := l; i < l+n; i++ {
			b[i] = 0
		}
		return b
	}
	newCap := cap(b) * 2
	if newCap < l+n {
		newCap = l + n
	}
	if newCap < 64 {
		newCap = 64
	}
	out := make([]byte, l+n, newCap)
	copy(out, b)
	return out
}
