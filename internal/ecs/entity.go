package ecs

// Entity is a generational handle: the low 32 bits are a slot index into the
// world's metadata table, the high 32 bits a generation counter bumped on
// despawn. A stale handle therefore never aliases a recycled slot.
type Entity uint64

// NilEntity is the zero handle. It never refers to a live entity.
const NilEntity Entity = 0

func makeEntity(index, gen uint32) Entity {
	return Entity(uint64(gen)<<32 | uint64(index))
}

// Index returns the slot index part of the handle.
func (e Entity) Index() uint32 { return uint32(e) }

// Gen returns the generation part of the handle.
func (e Entity) Gen() uint32 { return uint32(e >> 32) }

// entityMeta tracks where an entity currently lives. table is -1 for slots
// that are free or reserved but not yet materialized.
type entityMeta struct {
	table int32
	row   int32
	gen   uint32
}

const noTable = -1
