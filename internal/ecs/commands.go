package ecs

import "sync"

type cmdKind uint8

const (
	cmdSpawn cmdKind = iota
	cmdDespawn
	cmdAdd
	cmdRemove
	cmdSet
)

type command struct {
	kind   cmdKind
	entity Entity
	comp   ComponentID
	value  []byte
	values map[ComponentID][]byte
}

// CommandBuffer queues structural changes issued while the world is locked.
// Commands apply in FIFO order when the executor drains the buffer between
// ticks. Enqueueing is safe from concurrent systems; a spawned entity's
// handle is allocated eagerly so callers can reference it before the drain,
// but the entity reports as not alive until the commands apply.
type CommandBuffer struct {
	mu   sync.Mutex
	w    *World
	cmds []command
}

func newCommandBuffer(w *World) *CommandBuffer {
	return &CommandBuffer{w: w}
}

// Len returns the number of queued commands.
func (cb *CommandBuffer) Len() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return len(cb.cmds)
}

// Spawn queues entity creation and returns the handle it will get.
func (cb *CommandBuffer) Spawn(values map[ComponentID][]byte) Entity {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	e := cb.w.reserveEntity()
	cb.cmds = append(cb.cmds, command{kind: cmdSpawn, entity: e, values: copyValues(values)})
	return e
}

// Despawn queues entity removal.
func (cb *CommandBuffer) Despawn(e Entity) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.cmds = append(cb.cmds, command{kind: cmdDespawn, entity: e})
}

// AddComponent queues a component attach.
func (cb *CommandBuffer) AddComponent(e Entity, id ComponentID, value []byte) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.cmds = append(cb.cmds, command{kind: cmdAdd, entity: e, comp: id, value: copyBytes(value)})
}

// RemoveComponent queues a component detach.
func (cb *CommandBuffer) RemoveComponent(e Entity, id ComponentID) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.cmds = append(cb.cmds, command{kind: cmdRemove, entity: e, comp: id})
}

// SetComponent queues a value overwrite.
func (cb *CommandBuffer) SetComponent(e Entity, id ComponentID, value []byte) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.cmds = append(cb.cmds, command{kind: cmdSet, entity: e, comp: id, value: copyBytes(value)})
}

// Drain applies every queued command in order. Commands that reference an
// entity despawned earlier in the same drain fail individually; their errors
// are collected and the drain continues. It returns the number of commands
// applied cleanly.
func (cb *CommandBuffer) Drain() (int, []error) {
	cb.mu.Lock()
	cmds := cb.cmds
	cb.cmds = nil
	cb.mu.Unlock()

	applied := 0
	var errs []error
	for _, c := range cmds {
		var err error
		switch c.kind {
		case cmdSpawn:
			err = cb.w.spawnReserved(c.entity, c.values)
			if err != nil {
				cb.w.releaseReserved(c.entity)
			}
		case cmdDespawn:
			err = cb.w.Despawn(c.entity)
		case cmdAdd:
			err = cb.w.AddComponent(c.entity, c.comp, c.value)
		case cmdRemove:
			err = cb.w.RemoveComponent(c.entity, c.comp)
		case cmdSet:
			err = cb.w.SetComponent(c.entity, c.comp, c.value)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		applied++
	}
	return applied, errs
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func copyValues(values map[ComponentID][]byte) map[ComponentID][]byte {
	if values == nil {
		return nil
	}
	out := make(map[ComponentID][]byte, len(values))
	for id, v := range values {
		out[id] = copyBytes(v)
	}
	return out
}
