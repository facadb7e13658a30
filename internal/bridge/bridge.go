// Package bridge connects the simulation to its clients. It collects the
// cells each tick commits, publishes coalesced value updates through the
// transport from a background goroutine, and feeds inbound client commands
// into the world between ticks.
package bridge

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/alejandrosuarez/elodin/internal/ecs"
	"github.com/alejandrosuarez/elodin/internal/metrics"
	"github.com/alejandrosuarez/elodin/internal/transport"
)

// TransportError wraps a client command that could not be applied. The
// command is skipped and the tick proceeds.
type TransportError struct {
	Session uint64
	Op      string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: session %d %s: %v", e.Session, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type cell struct {
	entity ecs.Entity
	comp   ecs.ComponentID
}

// batch is one tick's coalesced updates with values snapshot at flush time.
type batch struct {
	tick    uint64
	updates []transport.Update
}

// Config bounds the bridge's queues.
type Config struct {
	Server     string // name announced in the hello frame
	QueueSize  int    // flushed batches buffered before coalescing kicks in
	InboundCap int    // client commands buffered between ticks
}

type inboundCmd struct {
	session uint64
	cmd     transport.Command
}

// Bridge implements the executor's change sink on the outbound side and the
// world's command feeder on the inbound side. MarkDirty and FlushTick run on
// the tick goroutine (and stage workers); the publisher goroutine owns all
// session traffic and never touches the world.
type Bridge struct {
	world *ecs.World
	srv   *transport.Server
	cfg   Config
	log   *zap.Logger
	met   *metrics.Metrics

	mu       sync.Mutex
	pending  map[cell]struct{}
	order    []cell
	queue    []batch
	subs     map[uint64]map[ecs.ComponentID]struct{} // nil entry = everything
	lastTick uint64

	sessions map[uint64]*transport.Session // publisher goroutine only

	inbound chan inboundCmd
	notify  chan struct{}
	closeCh chan struct{}
	closing sync.Once
	wg      sync.WaitGroup
}

func New(w *ecs.World, srv *transport.Server, cfg Config, log *zap.Logger) *Bridge {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 8
	}
	if cfg.InboundCap <= 0 {
		cfg.InboundCap = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		world:    w,
		srv:      srv,
		cfg:      cfg,
		log:      log,
		pending:  make(map[cell]struct{}, 64),
		subs:     make(map[uint64]map[ecs.ComponentID]struct{}),
		sessions: make(map[uint64]*transport.Session),
		inbound:  make(chan inboundCmd, cfg.InboundCap),
		notify:   make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
}

// SetMetrics wires the Prometheus collectors. Optional.
func (b *Bridge) SetMetrics(m *metrics.Metrics) { b.met = m }

// Start launches the publisher goroutine.
func (b *Bridge) Start() {
	b.wg.Add(1)
	go b.publishLoop()
}

// Close stops the publisher and waits for the session pumps to exit.
func (b *Bridge) Close() {
	b.closing.Do(func() { close(b.closeCh) })
	b.wg.Wait()
}

// MarkDirty records one committed cell. First-write order is kept so a
// cell's update is never published before cells committed ahead of it.
func (b *Bridge) MarkDirty(e ecs.Entity, id ecs.ComponentID) {
	k := cell{entity: e, comp: id}
	b.mu.Lock()
	if _, ok := b.pending[k]; !ok {
		b.pending[k] = struct{}{}
		b.order = append(b.order, k)
	}
	b.mu.Unlock()
}

// FlushTick snapshots the dirty cells' committed values and queues them for
// publishing. It runs between ticks, so the reads see fully committed state.
// When the publish queue is full the newest batches fold together, keeping
// the latest value per cell.
func (b *Bridge) FlushTick(tick uint64) {
	b.mu.Lock()
	order := b.order
	b.order = nil
	clear(b.pending)
	b.lastTick = tick + 1

	updates := make([]transport.Update, 0, len(order))
	for _, c := range order {
		v, err := b.world.Component(c.entity, c.comp)
		if err != nil {
			continue // despawned after the write
		}
		val := make([]byte, len(v))
		copy(val, v)
		updates = append(updates, transport.Update{Entity: c.entity, Comp: c.comp, Value: val})
	}
	bt := batch{tick: tick, updates: updates}
	if len(b.queue) >= b.cfg.QueueSize {
		last := len(b.queue) - 1
		b.queue[last] = mergeBatches(b.queue[last], bt)
	} else {
		b.queue = append(b.queue, bt)
	}
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// mergeBatches folds next into prev, newest value per cell, keeping the
// queue position of cells already present.
func mergeBatches(prev, next batch) batch {
	idx := make(map[cell]int, len(prev.updates))
	for i, u := range prev.updates {
		idx[cell{u.Entity, u.Comp}] = i
	}
	for _, u := range next.updates {
		if i, ok := idx[cell{u.Entity, u.Comp}]; ok {
			prev.updates[i] = u
		} else {
			prev.updates = append(prev.updates, u)
		}
	}
	prev.tick = next.tick
	return prev
}

// ApplyInbound drains buffered client commands into the world. The daemon
// calls it between ticks, before the next tick's first stage. Failures are
// logged as transport errors and skipped.
func (b *Bridge) ApplyInbound() int {
	applied := 0
	for {
		select {
		case in := <-b.inbound:
			if err := b.apply(in.cmd); err != nil {
				te := &TransportError{Session: in.session, Op: in.cmd.Kind.String(), Err: err}
				b.log.Warn("inbound command rejected", zap.Error(te))
				if b.met != nil {
					b.met.CommandsDropped.Inc()
				}
				continue
			}
			applied++
			if b.met != nil {
				b.met.CommandsApplied.Inc()
			}
		default:
			return applied
		}
	}
}

func (b *Bridge) apply(cmd transport.Command) error {
	switch cmd.Kind {
	case transport.CmdSet:
		return b.world.SetComponent(cmd.Entity, cmd.Comp, cmd.Value)
	case transport.CmdSpawn:
		_, err := b.world.Spawn(cmd.Values)
		return err
	case transport.CmdDespawn:
		return b.world.Despawn(cmd.Entity)
	default:
		return fmt.Errorf("unknown command kind %d", byte(cmd.Kind))
	}
}

func (b *Bridge) publishLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.closeCh:
			return
		case s := <-b.srv.NewSessions():
			b.adopt(s)
		case id := <-b.srv.DeadSessions():
			b.drop(id)
		case <-b.notify:
			b.publishQueued()
		}
	}
}

func (b *Bridge) adopt(s *transport.Session) {
	b.sessions[s.ID] = s
	b.mu.Lock()
	tick := b.lastTick
	b.mu.Unlock()
	s.Send(transport.EncodeHello(transport.Hello{Server: b.cfg.Server, Tick: tick}))
	s.Flush()
	if b.met != nil {
		b.met.Sessions.Set(float64(len(b.sessions)))
	}
	b.wg.Add(1)
	go b.pumpSession(s)
}

func (b *Bridge) drop(id uint64) {
	if s, ok := b.sessions[id]; ok {
		s.Close()
		delete(b.sessions, id)
		b.log.Info("client disconnected", zap.Uint64("session", id))
	}
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
	if b.met != nil {
		b.met.Sessions.Set(float64(len(b.sessions)))
	}
}

func (b *Bridge) publishQueued() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		bt := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()
		b.broadcast(bt)
	}
}

func (b *Bridge) broadcast(bt batch) {
	if len(b.sessions) == 0 {
		return
	}
	frames := make([][]byte, len(bt.updates))
	for i, u := range bt.updates {
		frames[i] = transport.EncodeUpdate(u)
	}
	for id, s := range b.sessions {
		if s.IsClosed() {
			b.drop(id)
			continue
		}
		sub := b.subscription(id)
		sent := 0
		for i, u := range bt.updates {
			if sub != nil {
				if _, ok := sub[u.Comp]; !ok {
					continue
				}
			}
			s.Send(frames[i])
			sent++
		}
		s.Send(transport.EncodeTickEnd(transport.TickEnd{Tick: bt.tick, Updates: uint32(sent)}))
		s.Flush()
		if b.met != nil {
			b.met.UpdatesPublished.Add(float64(sent))
		}
	}
}

func (b *Bridge) subscription(id uint64) map[ecs.ComponentID]struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[id]
}

func (b *Bridge) pumpSession(s *transport.Session) {
	defer b.wg.Done()
	defer b.srv.NotifyDead(s.ID)
	for {
		select {
		case <-b.closeCh:
			return
		case <-s.Done():
			return
		case payload := <-s.InQueue:
			b.handleFrame(s, payload)
		}
	}
}

func (b *Bridge) handleFrame(s *transport.Session, payload []byte) {
	if len(payload) == 0 {
		return
	}
	switch payload[0] {
	case transport.OpSubscribe:
		names, err := transport.DecodeSubscribe(payload)
		if err != nil {
			b.log.Warn("bad subscribe", zap.Uint64("session", s.ID), zap.Error(err))
			return
		}
		b.setSubscription(s.ID, names)
	case transport.OpCommand:
		cmd, err := transport.DecodeCommand(payload)
		if err != nil {
			b.log.Warn("bad command", zap.Uint64("session", s.ID), zap.Error(err))
			if b.met != nil {
				b.met.CommandsDropped.Inc()
			}
			return
		}
		select {
		case b.inbound <- inboundCmd{session: s.ID, cmd: cmd}:
		default:
			b.log.Warn("inbound queue full, shedding command",
				zap.Uint64("session", s.ID), zap.String("kind", cmd.Kind.String()))
			if b.met != nil {
				b.met.CommandsDropped.Inc()
			}
		}
	default:
		b.log.Debug("unexpected opcode",
			zap.Uint64("session", s.ID), zap.Uint8("opcode", payload[0]))
	}
}

// setSubscription replaces a session's component filter. An empty list means
// everything; the filter map is swapped whole so the broadcaster can read a
// snapshot without holding the lock.
func (b *Bridge) setSubscription(id uint64, names []string) {
	if len(names) == 0 {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		return
	}
	set := make(map[ecs.ComponentID]struct{}, len(names))
	for _, n := range names {
		set[ecs.NameID(n)] = struct{}{}
	}
	b.mu.Lock()
	b.subs[id] = set
	b.mu.Unlock()
}
