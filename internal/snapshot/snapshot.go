// Package snapshot captures a world as columnar data and moves it between
// directories and Postgres. A snapshot records the tick counter, the
// component name->ID map and, per archetype, the entity-id column plus each
// raw little-endian component column, so an import rebuilds a world whose
// handles and values match the exported one.
package snapshot

import (
	"encoding/binary"
	"fmt"
	"sort"

	"golang.org/x/crypto/blake2b"

	"github.com/alejandrosuarez/elodin/internal/ecs"
)

// Component describes one registered component type.
type Component struct {
	Name  string
	ID    ecs.ComponentID
	Shape []int
	Elem  ecs.ElemType
}

// Archetype holds one table worth of rows: the owning entities and the
// packed component columns, parallel to Components.
type Archetype struct {
	Components []ecs.ComponentID
	Entities   []ecs.Entity
	Columns    [][]byte
}

// Snapshot is the in-memory form shared by the directory codec and the
// Postgres store.
type Snapshot struct {
	Tick       uint64
	Components []Component
	Archetypes []Archetype
}

// EntityCount returns the number of entities across all archetypes.
func (s *Snapshot) EntityCount() int {
	n := 0
	for _, a := range s.Archetypes {
		n += len(a.Entities)
	}
	return n
}

// Capture copies the live columns of a world into a snapshot. Empty
// archetypes are skipped; entities without components are carried by the
// empty-mask archetype so their handles survive the round trip.
func Capture(w *ecs.World) *Snapshot {
	s := &Snapshot{Tick: w.Tick()}
	for _, ct := range w.Registry().Types() {
		s.Components = append(s.Components, Component{
			Name:  ct.Name,
			ID:    ct.ID,
			Shape: append([]int(nil), ct.Shape...),
			Elem:  ct.Elem,
		})
	}
	for _, t := range w.Tables() {
		if t.Len() == 0 {
			continue
		}
		a := Archetype{Entities: append([]ecs.Entity(nil), t.Entities()...)}
		for slot, ct := range w.TableTypes(t) {
			a.Components = append(a.Components, ct.ID)
			a.Columns = append(a.Columns, append([]byte(nil), t.Column(slot)...))
		}
		s.Archetypes = append(s.Archetypes, a)
	}
	return s
}

// Apply rebuilds the snapshot inside an empty world. Component types the
// registry does not know yet are registered; types already present must
// match the stored shape and element type. Entities come back under their
// original handles and the tick counter is restored.
func Apply(s *Snapshot, w *ecs.World) error {
	if w.EntityCount() != 0 {
		return fmt.Errorf("snapshot: apply into non-empty world (%d entities)", w.EntityCount())
	}
	for _, c := range s.Components {
		ct, err := w.Registry().Register(c.Name, c.Shape, c.Elem)
		if err != nil {
			return fmt.Errorf("snapshot: component %s: %w", c.Name, err)
		}
		if ct.ID != c.ID {
			return fmt.Errorf("%w: component %s hashes to %d, snapshot says %d",
				ecs.ErrCorrupt, c.Name, ct.ID, c.ID)
		}
	}
	for ai := range s.Archetypes {
		a := &s.Archetypes[ai]
		strides := make([]int, len(a.Components))
		for i, id := range a.Components {
			ct, ok := w.Registry().Lookup(id)
			if !ok {
				return fmt.Errorf("%w: id %d", ecs.ErrUnknownComponent, id)
			}
			strides[i] = ct.Stride()
			if len(a.Columns[i]) != len(a.Entities)*ct.Stride() {
				return fmt.Errorf("%w: column %s holds %d bytes for %d rows",
					ecs.ErrCorrupt, ct.Name, len(a.Columns[i]), len(a.Entities))
			}
		}
		values := make(map[ecs.ComponentID][]byte, len(a.Components))
		for row, e := range a.Entities {
			for i, id := range a.Components {
				st := strides[i]
				values[id] = a.Columns[i][row*st : (row+1)*st]
			}
			if err := w.RestoreEntity(e, values); err != nil {
				return err
			}
		}
	}
	w.RebuildFreeList()
	w.SetTick(s.Tick)
	return nil
}

// Digest hashes the canonical encoding of the snapshot. Component metadata
// is hashed sorted by name so the digest does not depend on registration
// order; archetype data is hashed in stored order. The directory codec and
// the Postgres store both persist the digest and verify it on load.
func (s *Snapshot) Digest() [32]byte {
	h, _ := blake2b.New256(nil)
	var buf [8]byte
	wu64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	wu64(s.Tick)

	comps := append([]Component(nil), s.Components...)
	sort.Slice(comps, func(i, j int) bool { return comps[i].Name < comps[j].Name })
	wu64(uint64(len(comps)))
	for _, c := range comps {
		wu64(uint64(len(c.Name)))
		h.Write([]byte(c.Name))
		wu64(uint64(c.ID))
		wu64(uint64(len(c.Shape)))
		for _, d := range c.Shape {
			wu64(uint64(d))
		}
		wu64(uint64(c.Elem))
	}

	wu64(uint64(len(s.Archetypes)))
	for _, a := range s.Archetypes {
		wu64(uint64(len(a.Components)))
		for _, id := range a.Components {
			wu64(uint64(id))
		}
		wu64(uint64(len(a.Entities)))
		for _, e := range a.Entities {
			wu64(uint64(e))
		}
		for _, col := range a.Columns {
			wu64(uint64(len(col)))
			h.Write(col)
		}
	}

	var out [32]byte
	h.Sum(out[:0])
	return out
}
