package transport

import (
	"fmt"
	"sort"

	"github.com/alejandrosuarez/elodin/internal/ecs"
)

// Opcodes, the first byte of every frame payload.
const (
	OpHello     byte = 0x01 // server -> client: server name, current tick
	OpSubscribe byte = 0x02 // client -> server: component names to stream
	OpUpdate    byte = 0x03 // server -> client: one committed cell value
	OpCommand   byte = 0x04 // client -> server: value or structural change
	OpTickEnd   byte = 0x05 // server -> client: end-of-tick marker
)

// Hello greets a freshly accepted client.
type Hello struct {
	Server string
	Tick   uint64
}

func EncodeHello(h Hello) []byte {
	w := NewWriter(OpHello)
	w.WriteS(h.Server)
	w.WriteQ(h.Tick)
	return w.Bytes()
}

func DecodeHello(data []byte) (Hello, error) {
	r := NewReader(data)
	h := Hello{Server: r.ReadS()}
	if r.Remaining() < 8 {
		return Hello{}, fmt.Errorf("hello truncated")
	}
	h.Tick = r.ReadQ()
	return h, nil
}

func EncodeSubscribe(names []string) []byte {
	w := NewWriter(OpSubscribe)
	w.WriteH(uint16(len(names)))
	for _, n := range names {
		w.WriteS(n)
	}
	return w.Bytes()
}

func DecodeSubscribe(data []byte) ([]string, error) {
	r := NewReader(data)
	n := int(r.ReadH())
	names := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if r.Remaining() == 0 {
			return nil, fmt.Errorf("subscribe truncated: %d of %d names", i, n)
		}
		names = append(names, r.ReadS())
	}
	return names, nil
}

// Update carries one (entity, component) cell's committed value bytes.
type Update struct {
	Entity ecs.Entity
	Comp   ecs.ComponentID
	Value  []byte
}

func EncodeUpdate(u Update) []byte {
	w := NewWriter(OpUpdate)
	w.WriteQ(uint64(u.Entity))
	w.WriteQ(uint64(u.Comp))
	w.WriteH(uint16(len(u.Value)))
	w.WriteBytes(u.Value)
	return w.Bytes()
}

func DecodeUpdate(data []byte) (Update, error) {
	r := NewReader(data)
	u := Update{
		Entity: ecs.Entity(r.ReadQ()),
		Comp:   ecs.ComponentID(r.ReadQ()),
	}
	n := int(r.ReadH())
	if n > r.Remaining() {
		return Update{}, fmt.Errorf("update value truncated: %d > %d", n, r.Remaining())
	}
	u.Value = r.ReadBytes(n)
	return u, nil
}

// TickEnd marks that every update for one committed tick has been sent.
type TickEnd struct {
	Tick    uint64
	Updates uint32
}

func EncodeTickEnd(t TickEnd) []byte {
	w := NewWriter(OpTickEnd)
	w.WriteQ(t.Tick)
	w.WriteD(t.Updates)
	return w.Bytes()
}

func DecodeTickEnd(data []byte) (TickEnd, error) {
	r := NewReader(data)
	if r.Remaining() < 12 {
		return TickEnd{}, fmt.Errorf("tick end truncated")
	}
	return TickEnd{Tick: r.ReadQ(), Updates: r.ReadD()}, nil
}

// CommandKind selects what an inbound Command does.
type CommandKind byte

const (
	CmdSet     CommandKind = iota // overwrite one component value
	CmdSpawn                      // create an entity with initial values
	CmdDespawn                    // remove an entity
)

func (k CommandKind) String() string {
	switch k {
	case CmdSet:
		return "set"
	case CmdSpawn:
		return "spawn"
	case CmdDespawn:
		return "despawn"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Command is a client-issued change, applied between ticks.
type Command struct {
	Kind   CommandKind
	Entity ecs.Entity
	Comp   ecs.ComponentID
	Value  []byte
	Values map[ecs.ComponentID][]byte // spawn only
}

func EncodeCommand(c Command) []byte {
	w := NewWriter(OpCommand)
	w.WriteC(byte(c.Kind))
	switch c.Kind {
	case CmdSet:
		w.WriteQ(uint64(c.Entity))
		w.WriteQ(uint64(c.Comp))
		w.WriteH(uint16(len(c.Value)))
		w.WriteBytes(c.Value)
	case CmdSpawn:
		ids := make([]ecs.ComponentID, 0, len(c.Values))
		for id := range c.Values {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		w.WriteH(uint16(len(ids)))
		for _, id := range ids {
			v := c.Values[id]
			w.WriteQ(uint64(id))
			w.WriteH(uint16(len(v)))
			w.WriteBytes(v)
		}
	case CmdDespawn:
		w.WriteQ(uint64(c.Entity))
	}
	return w.Bytes()
}

func DecodeCommand(data []byte) (Command, error) {
	r := NewReader(data)
	c := Command{Kind: CommandKind(r.ReadC())}
	switch c.Kind {
	case CmdSet:
		c.Entity = ecs.Entity(r.ReadQ())
		c.Comp = ecs.ComponentID(r.ReadQ())
		n := int(r.ReadH())
		if n > r.Remaining() {
			return Command{}, fmt.Errorf("set command truncated: %d > %d", n, r.Remaining())
		}
		c.Value = r.ReadBytes(n)
	case CmdSpawn:
		n := int(r.ReadH())
		c.Values = make(map[ecs.ComponentID][]byte, n)
		for i := 0; i < n; i++ {
			id := ecs.ComponentID(r.ReadQ())
			vn := int(r.ReadH())
			if vn > r.Remaining() {
				return Command{}, fmt.Errorf("spawn command truncated at value %d", i)
			}
			c.Values[id] = r.ReadBytes(vn)
		}
	case CmdDespawn:
		c.Entity = ecs.Entity(r.ReadQ())
	default:
		return Command{}, fmt.Errorf("unknown command kind %d", byte(c.Kind))
	}
	return c, nil
}
