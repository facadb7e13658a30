package ecs

import (
	"fmt"
	"sync/atomic"
)

// copyOp maps one column slot in a source table to its slot in a destination
// table. Strides match because both slots store the same component.
type copyOp struct {
	from int16
	to   int16
}

// transition is the cached recipe for moving a row between two archetypes
// that differ by one component.
type transition struct {
	target *Table
	copies []copyOp
}

type transKey struct {
	table int32
	delta mask
}

// World owns the entity metadata, every archetype table, and the deferred
// command buffer. Structural methods (Spawn, Despawn, Add/RemoveComponent)
// must not be called while a tick stage is executing; Defer queues the same
// operations for the inter-tick drain instead.
type World struct {
	reg     *Registry
	tables  []*Table
	maskIdx map[mask]int32

	metas []entityMeta
	free  []uint32
	alive int

	addTrans map[transKey]*transition
	rmTrans  map[transKey]*transition

	commands *CommandBuffer
	tick     uint64
	locked   atomic.Bool
	dirty    func(Entity, ComponentID)
}

func NewWorld(reg *Registry) *World {
	w := &World{
		reg:      reg,
		maskIdx:  make(map[mask]int32),
		addTrans: make(map[transKey]*transition),
		rmTrans:  make(map[transKey]*transition),
	}
	w.commands = newCommandBuffer(w)
	w.getOrCreateTable(mask{})
	return w
}

// Registry returns the component registry backing this world.
func (w *World) Registry() *Registry { return w.reg }

// Tick returns the number of fully committed ticks.
func (w *World) Tick() uint64 { return w.tick }

// AdvanceTick bumps the committed tick counter and returns the new value.
func (w *World) AdvanceTick() uint64 {
	w.tick++
	return w.tick
}

// SetTick overwrites the tick counter. Used when restoring a snapshot.
func (w *World) SetTick(t uint64) { w.tick = t }

// EntityCount returns the number of live entities.
func (w *World) EntityCount() int { return w.alive }

// Tables returns every archetype table, including empty ones.
func (w *World) Tables() []*Table { return w.tables }

// Lock blocks structural mutation for the duration of a stage.
func (w *World) Lock() { w.locked.Store(true) }

// Unlock re-enables structural mutation.
func (w *World) Unlock() { w.locked.Store(false) }

// Defer returns the deferred command buffer.
func (w *World) Defer() *CommandBuffer { return w.commands }

// SetDirtyFunc installs an observer called on every component value write
// that goes through the world (SetComponent, AddComponent, spawn placement).
// Bulk column writes done by the executor notify the observer themselves.
func (w *World) SetDirtyFunc(fn func(Entity, ComponentID)) { w.dirty = fn }

func (w *World) markDirty(e Entity, id ComponentID) {
	if w.dirty != nil {
		w.dirty(e, id)
	}
}

func (w *World) getOrCreateTable(m mask) *Table {
	if idx, ok := w.maskIdx[m]; ok {
		return w.tables[idx]
	}
	t := newTable(m, w.reg, int32(len(w.tables)))
	w.tables = append(w.tables, t)
	w.maskIdx[m] = t.index
	return t
}

func (w *World) meta(e Entity) (*entityMeta, error) {
	idx := e.Index()
	if int(idx) >= len(w.metas) {
		return nil, fmt.Errorf("%w: %d", ErrEntityNotFound, e)
	}
	m := &w.metas[idx]
	if m.gen != e.Gen() || m.table == noTable {
		return nil, fmt.Errorf("%w: %d", ErrEntityNotFound, e)
	}
	return m, nil
}

// reserveEntity allocates a handle whose slot is held but not yet placed in
// any table. The entity reports as not alive until it is materialized.
func (w *World) reserveEntity() Entity {
	var idx uint32
	if n := len(w.free); n > 0 {
		idx = w.free[n-1]
		w.free = w.free[:n-1]
	} else {
		idx = uint32(len(w.metas))
		w.metas = append(w.metas, entityMeta{table: noTable})
	}
	m := &w.metas[idx]
	if m.gen == 0 {
		m.gen = 1
	}
	m.table = noTable
	return makeEntity(idx, m.gen)
}

// releaseReserved returns an unplaced reservation to the free list.
func (w *World) releaseReserved(e Entity) {
	idx := e.Index()
	if int(idx) >= len(w.metas) {
		return
	}
	m := &w.metas[idx]
	if m.gen != e.Gen() || m.table != noTable {
		return
	}
	m.gen++
	w.free = append(w.free, idx)
}

// Alive reports whether the handle refers to a live, placed entity.
func (w *World) Alive(e Entity) bool {
	_, err := w.meta(e)
	return err == nil
}

func (w *World) validateValues(values map[ComponentID][]byte) (mask, error) {
	var m mask
	for id, v := range values {
		t, ok := w.reg.Lookup(id)
		if !ok {
			return mask{}, fmt.Errorf("%w: id %d", ErrUnknownComponent, id)
		}
		if len(v) != t.stride {
			return mask{}, &SchemaError{
				Component: t.Name,
				Want:      fmt.Sprintf("%d bytes", t.stride),
				Got:       fmt.Sprintf("%d bytes", len(v)),
			}
		}
		m.set(t.index)
	}
	return m, nil
}

// Spawn creates an entity carrying the given component values. All values
// are validated against the registry before anything is mutated. Spawn with
// no values places the entity in the empty archetype.
func (w *World) Spawn(values map[ComponentID][]byte) (Entity, error) {
	if w.locked.Load() {
		return NilEntity, ErrWorldLocked
	}
	m, err := w.validateValues(values)
	if err != nil {
		return NilEntity, err
	}
	e := w.reserveEntity()
	w.place(e, m, values)
	return e, nil
}

// spawnReserved materializes an entity previously handed out by
// reserveEntity. The command buffer uses it during the inter-tick drain.
func (w *World) spawnReserved(e Entity, values map[ComponentID][]byte) error {
	idx := e.Index()
	if int(idx) >= len(w.metas) {
		return fmt.Errorf("%w: %d", ErrEntityNotFound, e)
	}
	meta := &w.metas[idx]
	if meta.gen != e.Gen() {
		return fmt.Errorf("%w: %d", ErrEntityNotFound, e)
	}
	if meta.table != noTable {
		return fmt.Errorf("ecs: entity %d already placed", e)
	}
	m, err := w.validateValues(values)
	if err != nil {
		return err
	}
	w.place(e, m, values)
	return nil
}

func (w *World) place(e Entity, m mask, values map[ComponentID][]byte) {
	t := w.getOrCreateTable(m)
	row := t.pushRow(e)
	for id, v := range values {
		ct, _ := w.reg.Lookup(id)
		copy(t.cell(int(t.slot(ct.index)), row), v)
		w.markDirty(e, id)
	}
	meta := &w.metas[e.Index()]
	meta.table = t.index
	meta.row = int32(row)
	w.alive++
}

// RestoreEntity places an entity under its exact original handle, so a
// rebuilt world keeps every reference from before the snapshot valid. The
// index may lie far beyond the current slots; the holes become spawnable
// once RebuildFreeList runs.
func (w *World) RestoreEntity(e Entity, values map[ComponentID][]byte) error {
	if w.locked.Load() {
		return ErrWorldLocked
	}
	if e.Gen() == 0 {
		return fmt.Errorf("%w: restore with zero generation: %d", ErrCorrupt, e)
	}
	m, err := w.validateValues(values)
	if err != nil {
		return err
	}
	idx := e.Index()
	for int(idx) >= len(w.metas) {
		w.metas = append(w.metas, entityMeta{table: noTable})
	}
	meta := &w.metas[idx]
	if meta.table != noTable {
		return fmt.Errorf("%w: duplicate entity %d", ErrCorrupt, e)
	}
	meta.gen = e.Gen()
	w.place(e, m, values)
	return nil
}

// RebuildFreeList queues every unplaced slot for reuse. Called once after a
// snapshot import.
func (w *World) RebuildFreeList() {
	w.free = w.free[:0]
	for idx := range w.metas {
		if w.metas[idx].table == noTable {
			w.free = append(w.free, uint32(idx))
		}
	}
}

// Despawn removes an entity and recycles its slot. Stale handles keep
// failing with ErrEntityNotFound afterwards.
func (w *World) Despawn(e Entity) error {
	if w.locked.Load() {
		return ErrWorldLocked
	}
	meta, err := w.meta(e)
	if err != nil {
		return err
	}
	w.removeRow(w.tables[meta.table], int(meta.row))
	meta.gen++
	meta.table = noTable
	w.free = append(w.free, e.Index())
	w.alive--
	return nil
}

// removeRow swap-removes a table row and patches the metadata of the row
// that was moved into the hole.
func (w *World) removeRow(t *Table, row int) {
	moved := t.swapRemove(row)
	if moved != NilEntity {
		w.metas[moved.Index()].row = int32(row)
	}
}

// Component returns the raw value bytes of one component. The slice aliases
// the column and stays valid only until the next structural change.
func (w *World) Component(e Entity, id ComponentID) ([]byte, error) {
	meta, err := w.meta(e)
	if err != nil {
		return nil, err
	}
	t, ok := w.reg.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownComponent, id)
	}
	tab := w.tables[meta.table]
	s := tab.slot(t.index)
	if s < 0 {
		return nil, fmt.Errorf("%w: %s on entity %d", ErrComponentNotFound, t.Name, e)
	}
	return tab.cell(int(s), int(meta.row)), nil
}

// SetComponent overwrites the value of a component the entity already
// carries. It is not a structural change.
func (w *World) SetComponent(e Entity, id ComponentID, value []byte) error {
	meta, err := w.meta(e)
	if err != nil {
		return err
	}
	t, ok := w.reg.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: id %d", ErrUnknownComponent, id)
	}
	if len(value) != t.stride {
		return &SchemaError{
			Component: t.Name,
			Want:      fmt.Sprintf("%d bytes", t.stride),
			Got:       fmt.Sprintf("%d bytes", len(value)),
		}
	}
	tab := w.tables[meta.table]
	s := tab.slot(t.index)
	if s < 0 {
		return fmt.Errorf("%w: %s on entity %d", ErrComponentNotFound, t.Name, e)
	}
	copy(tab.cell(int(s), int(meta.row)), value)
	w.markDirty(e, id)
	return nil
}

// AddComponent attaches a component to a live entity, migrating its row to
// the archetype that includes it. Adding a component the entity already
// carries just overwrites the value.
func (w *World) AddComponent(e Entity, id ComponentID, value []byte) error {
	if w.locked.Load() {
		return ErrWorldLocked
	}
	meta, err := w.meta(e)
	if err != nil {
		return err
	}
	t, ok := w.reg.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: id %d", ErrUnknownComponent, id)
	}
	if len(value) != t.stride {
		return &SchemaError{
			Component: t.Name,
			Want:      fmt.Sprintf("%d bytes", t.stride),
			Got:       fmt.Sprintf("%d bytes", len(value)),
		}
	}
	cur := w.tables[meta.table]
	if s := cur.slot(t.index); s >= 0 {
		copy(cur.cell(int(s), int(meta.row)), value)
		w.markDirty(e, id)
		return nil
	}
	delta := makeMask(t.index)
	trans := w.addTransition(cur, delta)
	row := w.migrateRow(cur, meta, trans)
	copy(trans.target.cell(int(trans.target.slot(t.index)), row), value)
	w.markDirty(e, id)
	return nil
}

// RemoveComponent detaches a component, migrating the row to the archetype
// without it. Removing the last component leaves the entity alive in the
// empty archetype.
func (w *World) RemoveComponent(e Entity, id ComponentID) error {
	if w.locked.Load() {
		return ErrWorldLocked
	}
	meta, err := w.meta(e)
	if err != nil {
		return err
	}
	t, ok := w.reg.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: id %d", ErrUnknownComponent, id)
	}
	cur := w.tables[meta.table]
	if cur.slot(t.index) < 0 {
		return fmt.Errorf("%w: %s on entity %d", ErrComponentNotFound, t.Name, e)
	}
	delta := makeMask(t.index)
	trans := w.removeTransition(cur, delta)
	w.migrateRow(cur, meta, trans)
	return nil
}

func (w *World) addTransition(from *Table, delta mask) *transition {
	key := transKey{table: from.index, delta: delta}
	if tr, ok := w.addTrans[key]; ok {
		return tr
	}
	tr := w.buildTransition(from, from.mask.or(delta))
	w.addTrans[key] = tr
	return tr
}

func (w *World) removeTransition(from *Table, delta mask) *transition {
	key := transKey{table: from.index, delta: delta}
	if tr, ok := w.rmTrans[key]; ok {
		return tr
	}
	tr := w.buildTransition(from, from.mask.andNot(delta))
	w.rmTrans[key] = tr
	return tr
}

func (w *World) buildTransition(from *Table, targetMask mask) *transition {
	target := w.getOrCreateTable(targetMask)
	tr := &transition{target: target}
	for slot, idx := range from.indices {
		if to := target.slot(idx); to >= 0 {
			tr.copies = append(tr.copies, copyOp{from: int16(slot), to: to})
		}
	}
	return tr
}

// migrateRow moves an entity's row through a cached transition and returns
// its row index in the target table.
func (w *World) migrateRow(from *Table, meta *entityMeta, tr *transition) int {
	e := from.entities[meta.row]
	row := tr.target.pushRow(e)
	for _, op := range tr.copies {
		copy(tr.target.cell(int(op.to), row), from.cell(int(op.from), int(meta.row)))
	}
	w.removeRow(from, int(meta.row))
	meta.table = tr.target.index
	meta.row = int32(row)
	return row
}
