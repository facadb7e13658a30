package ecs

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

func f64Bytes(vals ...float64) []byte {
	out := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}

func f64Vals(b []byte) []float64 {
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return out
}

// testWorld registers pos[3], vel[3] and a scalar mass, all f64.
func testWorld(t *testing.T) (*World, *ComponentType, *ComponentType, *ComponentType) {
	t.Helper()
	reg := NewRegistry()
	pos, err := reg.Register("pos", []int{3}, F64)
	if err != nil {
		t.Fatalf("register pos: %v", err)
	}
	vel, err := reg.Register("vel", []int{3}, F64)
	if err != nil {
		t.Fatalf("register vel: %v", err)
	}
	mass, err := reg.Register("mass", nil, F64)
	if err != nil {
		t.Fatalf("register mass: %v", err)
	}
	return NewWorld(reg), pos, vel, mass
}

func TestSpawnAndComponent(t *testing.T) {
	w, pos, vel, _ := testWorld(t)
	e, err := w.Spawn(map[ComponentID][]byte{
		pos.ID: f64Bytes(1, 2, 3),
		vel.ID: f64Bytes(0.5, 0, -0.5),
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if !w.Alive(e) {
		t.Fatal("entity should be alive")
	}
	if w.EntityCount() != 1 {
		t.Errorf("entity count = %d, want 1", w.EntityCount())
	}
	got, err := w.Component(e, pos.ID)
	if err != nil {
		t.Fatalf("component: %v", err)
	}
	if vals := f64Vals(got); vals[0] != 1 || vals[1] != 2 || vals[2] != 3 {
		t.Errorf("pos = %v", vals)
	}
}

func TestSpawnEmpty(t *testing.T) {
	w, pos, _, _ := testWorld(t)
	e, err := w.Spawn(nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if !w.Alive(e) {
		t.Fatal("component-less entity should be alive")
	}
	if _, err := w.Component(e, pos.ID); !errors.Is(err, ErrComponentNotFound) {
		t.Errorf("want ErrComponentNotFound, got %v", err)
	}
}

func TestSpawnValidatesBeforeMutate(t *testing.T) {
	w, pos, _, _ := testWorld(t)
	_, err := w.Spawn(map[ComponentID][]byte{pos.ID: f64Bytes(1, 2)}) // wrong stride
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("want SchemaError, got %v", err)
	}
	if w.EntityCount() != 0 {
		t.Error("failed spawn must not create an entity")
	}
	if _, err := w.Spawn(map[ComponentID][]byte{ComponentID(42): f64Bytes(1)}); !errors.Is(err, ErrUnknownComponent) {
		t.Errorf("want ErrUnknownComponent, got %v", err)
	}
}

func TestDespawnAndStaleHandle(t *testing.T) {
	w, pos, _, _ := testWorld(t)
	e, _ := w.Spawn(map[ComponentID][]byte{pos.ID: f64Bytes(1, 1, 1)})
	if err := w.Despawn(e); err != nil {
		t.Fatalf("despawn: %v", err)
	}
	if w.Alive(e) {
		t.Error("despawned entity reports alive")
	}
	if err := w.Despawn(e); !errors.Is(err, ErrEntityNotFound) {
		t.Errorf("double despawn: want ErrEntityNotFound, got %v", err)
	}
	if _, err := w.Component(e, pos.ID); !errors.Is(err, ErrEntityNotFound) {
		t.Errorf("stale component read: want ErrEntityNotFound, got %v", err)
	}

	// The slot is recycled under a new generation; the old handle stays dead.
	e2, _ := w.Spawn(map[ComponentID][]byte{pos.ID: f64Bytes(9, 9, 9)})
	if e2.Index() != e.Index() {
		t.Fatalf("slot not recycled: %d vs %d", e2.Index(), e.Index())
	}
	if e2.Gen() == e.Gen() {
		t.Error("recycled slot kept the old generation")
	}
	if w.Alive(e) {
		t.Error("old handle alive after recycle")
	}
	if !w.Alive(e2) {
		t.Error("new handle not alive")
	}
}

func TestSwapRemoveKeepsRowsAligned(t *testing.T) {
	w, pos, _, _ := testWorld(t)
	var ents []Entity
	for i := 0; i < 5; i++ {
		e, err := w.Spawn(map[ComponentID][]byte{pos.ID: f64Bytes(float64(i), 0, 0)})
		if err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
		ents = append(ents, e)
	}
	// Remove a middle row; the tail row is swapped into the hole.
	if err := w.Despawn(ents[1]); err != nil {
		t.Fatalf("despawn: %v", err)
	}
	for i, e := range ents {
		if i == 1 {
			continue
		}
		got, err := w.Component(e, pos.ID)
		if err != nil {
			t.Fatalf("component of %d after swap: %v", i, err)
		}
		if vals := f64Vals(got); vals[0] != float64(i) {
			t.Errorf("entity %d value = %v after swap-remove", i, vals[0])
		}
	}
}

func TestSetComponent(t *testing.T) {
	w, pos, _, _ := testWorld(t)
	e, _ := w.Spawn(map[ComponentID][]byte{pos.ID: f64Bytes(0, 0, 0)})
	if err := w.SetComponent(e, pos.ID, f64Bytes(4, 5, 6)); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, _ := w.Component(e, pos.ID)
	if vals := f64Vals(got); vals[1] != 5 {
		t.Errorf("pos = %v", vals)
	}
	if err := w.SetComponent(e, pos.ID, f64Bytes(1)); err == nil {
		t.Error("short payload should fail")
	}
}

func TestAddComponentMigrates(t *testing.T) {
	w, pos, vel, mass := testWorld(t)
	e, _ := w.Spawn(map[ComponentID][]byte{pos.ID: f64Bytes(1, 2, 3)})
	if err := w.AddComponent(e, vel.ID, f64Bytes(7, 8, 9)); err != nil {
		t.Fatalf("add vel: %v", err)
	}
	// Existing values survive the archetype move.
	got, err := w.Component(e, pos.ID)
	if err != nil {
		t.Fatalf("pos after migrate: %v", err)
	}
	if vals := f64Vals(got); vals[2] != 3 {
		t.Errorf("pos lost in migration: %v", vals)
	}
	got, _ = w.Component(e, vel.ID)
	if vals := f64Vals(got); vals[0] != 7 {
		t.Errorf("vel = %v", vals)
	}

	// Adding an already-present component only overwrites the value.
	before := w.EntityCount()
	if err := w.AddComponent(e, vel.ID, f64Bytes(0, 0, 1)); err != nil {
		t.Fatalf("re-add vel: %v", err)
	}
	if w.EntityCount() != before {
		t.Error("re-add changed entity count")
	}
	got, _ = w.Component(e, vel.ID)
	if vals := f64Vals(got); vals[2] != 1 {
		t.Errorf("vel after re-add = %v", vals)
	}

	if err := w.AddComponent(e, mass.ID, f64Bytes(1, 2)); err == nil {
		t.Error("wrong stride add should fail")
	}
	if _, err := w.Component(e, mass.ID); !errors.Is(err, ErrComponentNotFound) {
		t.Error("failed add must not attach the component")
	}
}

func TestRemoveComponentMigrates(t *testing.T) {
	w, pos, vel, _ := testWorld(t)
	e, _ := w.Spawn(map[ComponentID][]byte{
		pos.ID: f64Bytes(1, 2, 3),
		vel.ID: f64Bytes(4, 5, 6),
	})
	if err := w.RemoveComponent(e, vel.ID); err != nil {
		t.Fatalf("remove vel: %v", err)
	}
	if _, err := w.Component(e, vel.ID); !errors.Is(err, ErrComponentNotFound) {
		t.Errorf("vel still present: %v", err)
	}
	got, err := w.Component(e, pos.ID)
	if err != nil {
		t.Fatalf("pos after remove: %v", err)
	}
	if vals := f64Vals(got); vals[0] != 1 {
		t.Errorf("pos lost: %v", vals)
	}
	if err := w.RemoveComponent(e, vel.ID); !errors.Is(err, ErrComponentNotFound) {
		t.Errorf("double remove: want ErrComponentNotFound, got %v", err)
	}

	// Removing the last component keeps the entity alive.
	if err := w.RemoveComponent(e, pos.ID); err != nil {
		t.Fatalf("remove pos: %v", err)
	}
	if !w.Alive(e) {
		t.Error("entity died after losing its last component")
	}
}

func TestMigrationCacheReused(t *testing.T) {
	w, pos, vel, _ := testWorld(t)
	for i := 0; i < 3; i++ {
		e, _ := w.Spawn(map[ComponentID][]byte{pos.ID: f64Bytes(float64(i), 0, 0)})
		if err := w.AddComponent(e, vel.ID, f64Bytes(0, 0, 0)); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	if len(w.addTrans) != 1 {
		t.Errorf("add transition cache has %d entries, want 1", len(w.addTrans))
	}
}

func TestLockedWorldRejectsStructural(t *testing.T) {
	w, pos, vel, _ := testWorld(t)
	e, _ := w.Spawn(map[ComponentID][]byte{pos.ID: f64Bytes(1, 2, 3)})
	w.Lock()
	defer w.Unlock()
	if _, err := w.Spawn(nil); !errors.Is(err, ErrWorldLocked) {
		t.Errorf("spawn: want ErrWorldLocked, got %v", err)
	}
	if err := w.Despawn(e); !errors.Is(err, ErrWorldLocked) {
		t.Errorf("despawn: want ErrWorldLocked, got %v", err)
	}
	if err := w.AddComponent(e, vel.ID, f64Bytes(0, 0, 0)); !errors.Is(err, ErrWorldLocked) {
		t.Errorf("add: want ErrWorldLocked, got %v", err)
	}
	if err := w.RemoveComponent(e, pos.ID); !errors.Is(err, ErrWorldLocked) {
		t.Errorf("remove: want ErrWorldLocked, got %v", err)
	}
	// Value writes stay allowed.
	if err := w.SetComponent(e, pos.ID, f64Bytes(9, 9, 9)); err != nil {
		t.Errorf("set while locked: %v", err)
	}
}

func TestTickCounter(t *testing.T) {
	w, _, _, _ := testWorld(t)
	if w.Tick() != 0 {
		t.Fatalf("fresh world tick = %d", w.Tick())
	}
	if w.AdvanceTick() != 1 || w.Tick() != 1 {
		t.Error("advance did not land on 1")
	}
	w.SetTick(41)
	if w.AdvanceTick() != 42 {
		t.Error("SetTick not honored")
	}
}
