package bridge

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/alejandrosuarez/elodin/internal/ecs"
	"github.com/alejandrosuarez/elodin/internal/transport"
)

type fixture struct {
	reg *ecs.Registry
	w   *ecs.World
	pos *ecs.ComponentType
	vel *ecs.ComponentType
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := ecs.NewRegistry()
	pos, err := reg.Register("pos", []int{3}, ecs.F64)
	if err != nil {
		t.Fatalf("register pos: %v", err)
	}
	vel, err := reg.Register("vel", []int{3}, ecs.F64)
	if err != nil {
		t.Fatalf("register vel: %v", err)
	}
	return &fixture{reg: reg, w: ecs.NewWorld(reg), pos: pos, vel: vel}
}

func f64s(vals ...float64) []byte {
	out := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}

func (f *fixture) spawn(t *testing.T, pos, vel []float64) ecs.Entity {
	t.Helper()
	e, err := f.w.Spawn(map[ecs.ComponentID][]byte{
		f.pos.ID: f64s(pos...),
		f.vel.ID: f64s(vel...),
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFlushCoalescesPerCell(t *testing.T) {
	f := newFixture(t)
	e1 := f.spawn(t, []float64{1, 1, 1}, []float64{0, 0, 0})
	e2 := f.spawn(t, []float64{2, 2, 2}, []float64{0, 0, 0})

	b := New(f.w, nil, Config{}, zap.NewNop())
	// Same cell marked three times, another once: one update each, in
	// first-write order.
	b.MarkDirty(e1, f.pos.ID)
	b.MarkDirty(e1, f.pos.ID)
	b.MarkDirty(e2, f.pos.ID)
	b.MarkDirty(e1, f.pos.ID)
	b.FlushTick(0)

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) != 1 {
		t.Fatalf("queue = %d batches, want 1", len(b.queue))
	}
	bt := b.queue[0]
	if bt.tick != 0 || len(bt.updates) != 2 {
		t.Fatalf("batch = tick %d with %d updates", bt.tick, len(bt.updates))
	}
	if bt.updates[0].Entity != e1 || bt.updates[1].Entity != e2 {
		t.Errorf("order = %d,%d want %d,%d", bt.updates[0].Entity, bt.updates[1].Entity, e1, e2)
	}
	if !bytes.Equal(bt.updates[0].Value, f64s(1, 1, 1)) {
		t.Errorf("value = % x", bt.updates[0].Value)
	}
	if len(b.order) != 0 || len(b.pending) != 0 {
		t.Error("pending set not reset by flush")
	}
}

func TestQueueOverflowKeepsNewestValue(t *testing.T) {
	f := newFixture(t)
	e := f.spawn(t, []float64{1, 1, 1}, []float64{0, 0, 0})

	b := New(f.w, nil, Config{QueueSize: 1}, zap.NewNop())
	b.MarkDirty(e, f.pos.ID)
	b.FlushTick(0)

	// Publisher never drains; the next flush folds into the queued batch.
	if err := f.w.SetComponent(e, f.pos.ID, f64s(9, 9, 9)); err != nil {
		t.Fatalf("set: %v", err)
	}
	b.MarkDirty(e, f.pos.ID)
	b.MarkDirty(e, f.vel.ID)
	b.FlushTick(1)

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) != 1 {
		t.Fatalf("queue = %d batches, want 1", len(b.queue))
	}
	bt := b.queue[0]
	if bt.tick != 1 {
		t.Errorf("tick = %d, want 1", bt.tick)
	}
	if len(bt.updates) != 2 {
		t.Fatalf("updates = %d, want 2", len(bt.updates))
	}
	if !bytes.Equal(bt.updates[0].Value, f64s(9, 9, 9)) {
		t.Errorf("pos not newest: % x", bt.updates[0].Value)
	}
	if bt.updates[1].Comp != f.vel.ID {
		t.Errorf("second update = comp %d, want vel", bt.updates[1].Comp)
	}
}

func TestFlushSkipsDespawned(t *testing.T) {
	f := newFixture(t)
	e := f.spawn(t, []float64{1, 1, 1}, []float64{0, 0, 0})

	b := New(f.w, nil, Config{}, zap.NewNop())
	b.MarkDirty(e, f.pos.ID)
	if err := f.w.Despawn(e); err != nil {
		t.Fatalf("despawn: %v", err)
	}
	b.FlushTick(0)

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue[0].updates) != 0 {
		t.Errorf("updates = %d, want dead cell skipped", len(b.queue[0].updates))
	}
}

func startBridge(t *testing.T, f *fixture, cfg Config) (*Bridge, *transport.Server) {
	t.Helper()
	srv, err := transport.NewServer("127.0.0.1:0", 16, 64, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.AcceptLoop()
	b := New(f.w, srv, cfg, zap.NewNop())
	b.Start()
	t.Cleanup(func() {
		b.Close()
		srv.Shutdown()
	})
	return b, srv
}

func TestPublishToSubscribedClient(t *testing.T) {
	f := newFixture(t)
	e := f.spawn(t, []float64{1, 2, 3}, []float64{4, 5, 6})
	b, srv := startBridge(t, f, Config{Server: "sim"})

	cli, err := transport.Dial(srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()
	cli.SetDeadline(time.Now().Add(2 * time.Second))

	payload, err := cli.Read()
	if err != nil {
		t.Fatalf("hello: %v", err)
	}
	h, err := transport.DecodeHello(payload)
	if err != nil || h.Server != "sim" {
		t.Fatalf("hello = %+v err=%v", h, err)
	}

	if err := cli.Subscribe("pos"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, "subscription", func() bool { return b.subscription(1) != nil })

	// Both cells dirty; only pos reaches the subscriber.
	b.MarkDirty(e, f.pos.ID)
	b.MarkDirty(e, f.vel.ID)
	b.FlushTick(0)

	up, err := cli.Read()
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	u, err := transport.DecodeUpdate(up)
	if err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if u.Entity != e || u.Comp != f.pos.ID || !bytes.Equal(u.Value, f64s(1, 2, 3)) {
		t.Errorf("update = %+v", u)
	}

	endp, err := cli.Read()
	if err != nil {
		t.Fatalf("tick end: %v", err)
	}
	end, err := transport.DecodeTickEnd(endp)
	if err != nil {
		t.Fatalf("decode tick end: %v", err)
	}
	if end.Tick != 0 || end.Updates != 1 {
		t.Errorf("tick end = %+v, want tick 0 with 1 update", end)
	}
}

func TestApplyInboundCommands(t *testing.T) {
	f := newFixture(t)
	e := f.spawn(t, []float64{0, 0, 0}, []float64{0, 0, 0})
	b, srv := startBridge(t, f, Config{})

	cli, err := transport.Dial(srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()
	cli.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := cli.Read(); err != nil { // hello
		t.Fatalf("hello: %v", err)
	}

	if err := cli.Send(transport.Command{
		Kind: transport.CmdSet, Entity: e, Comp: f.pos.ID, Value: f64s(7, 8, 9),
	}); err != nil {
		t.Fatalf("send: %v", err)
	}
	// A bad command is skipped without failing the drain.
	if err := cli.Send(transport.Command{Kind: transport.CmdDespawn, Entity: 0}); err != nil {
		t.Fatalf("send bad: %v", err)
	}

	applied := 0
	waitFor(t, "inbound apply", func() bool {
		applied += b.ApplyInbound()
		return applied >= 1
	})
	if applied != 1 {
		t.Errorf("applied = %d, want 1", applied)
	}
	v, err := f.w.Component(e, f.pos.ID)
	if err != nil {
		t.Fatalf("component: %v", err)
	}
	if !bytes.Equal(v, f64s(7, 8, 9)) {
		t.Errorf("pos = % x", v)
	}
}

func TestHelloCarriesFlushedTick(t *testing.T) {
	f := newFixture(t)
	b, srv := startBridge(t, f, Config{Server: "sim"})
	b.FlushTick(4) // five ticks committed

	cli, err := transport.Dial(srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()
	cli.SetDeadline(time.Now().Add(2 * time.Second))

	payload, err := cli.Read()
	if err != nil {
		t.Fatalf("hello: %v", err)
	}
	h, err := transport.DecodeHello(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Tick != 5 {
		t.Errorf("hello tick = %d, want 5", h.Tick)
	}
}
