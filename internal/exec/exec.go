// Package exec walks the scheduler's staged plan once per tick, fans each
// stage out to a bounded worker pool, and commits kernel outputs into the
// world only after the whole stage finished.
package exec

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alejandrosuarez/elodin/internal/ecs"
	"github.com/alejandrosuarez/elodin/internal/kernel"
	"github.com/alejandrosuarez/elodin/internal/sched"
)

// DTParam is the reserved graph parameter name bound to the tick's time
// step. A parameter with this name receives a synthesized scalar column
// instead of component data.
const DTParam = "dt"

// HostFunc is a system implemented in Go rather than as a kernel graph. It
// runs with direct world access; only descriptors marked Structural may
// spawn or despawn directly, everything else goes through Defer.
type HostFunc func(ctx context.Context, w *ecs.World, dt time.Duration) error

// SystemError records one failed system inside an otherwise committed tick.
type SystemError struct {
	System string
	Err    error
}

func (e SystemError) Error() string { return fmt.Sprintf("system %q: %v", e.System, e.Err) }
func (e SystemError) Unwrap() error { return e.Err }

// TickReport summarizes one committed tick.
type TickReport struct {
	Tick    uint64          // tick number that executed
	Failed  []SystemError   // systems whose outputs were discarded
	Applied int             // deferred commands applied at the drain
	Stages  []time.Duration // wall time per stage
	Elapsed time.Duration
}

// Sink observes committed component writes. The bridge implements it; a nil
// sink disables change tracking.
type Sink interface {
	MarkDirty(e ecs.Entity, id ecs.ComponentID)
	FlushTick(tick uint64)
}

// system is one registered unit of work: a compiled kernel bound to
// component columns, or a host function.
type system struct {
	kern   kernel.Kernel
	params []*ecs.ComponentType // graph param order; nil entry = dt
	outs   []*ecs.ComponentType // kernel output order, one per write
	host   HostFunc
}

// Executor owns the tick loop body. Register every system before the first
// Tick; the first Tick seals the scheduler.
type Executor struct {
	world   *ecs.World
	sch     *sched.Scheduler
	backend kernel.Backend
	log     *zap.Logger

	workers int
	sink    Sink
	systems map[string]*system
	logged  [32]byte
}

func New(w *ecs.World, s *sched.Scheduler, b kernel.Backend, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		world:   w,
		sch:     s,
		backend: b,
		log:     log,
		workers: runtime.GOMAXPROCS(0),
		systems: make(map[string]*system),
	}
}

// SetWorkers bounds how many systems of one stage run concurrently.
func (x *Executor) SetWorkers(n int) {
	if n > 0 {
		x.workers = n
	}
}

// SetSink installs the change observer notified after each commit. It also
// hooks the world so direct SetComponent calls and spawn placements are
// observed.
func (x *Executor) SetSink(s Sink) {
	x.sink = s
	if s == nil {
		x.world.SetDirtyFunc(nil)
		return
	}
	x.world.SetDirtyFunc(s.MarkDirty)
}

// Register compiles a kernel graph and schedules it under the descriptor.
// Graph parameters bind to components by name and must appear in the
// descriptor's read or write set; kernel outputs bind to Writes in order.
func (x *Executor) Register(d sched.Descriptor, g kernel.Graph) error {
	if d.Structural {
		return fmt.Errorf("system %s: structural systems must use RegisterFunc", d.Name)
	}
	params, err := x.resolveParams(d, g)
	if err != nil {
		return err
	}
	outs, err := x.resolveOuts(d, g)
	if err != nil {
		return err
	}
	k, err := x.backend.Compile(context.Background(), g)
	if err != nil {
		return fmt.Errorf("compile %s: %w", d.Name, err)
	}
	if err := x.sch.Register(d); err != nil {
		return err
	}
	x.systems[d.Name] = &system{kern: k, params: params, outs: outs}
	return nil
}

// RegisterFunc schedules a host system. Structural descriptors get a stage
// of their own and run with the world unlocked.
func (x *Executor) RegisterFunc(d sched.Descriptor, fn HostFunc) error {
	if fn == nil {
		return fmt.Errorf("system %s: nil host func", d.Name)
	}
	if err := x.sch.Register(d); err != nil {
		return err
	}
	x.systems[d.Name] = &system{host: fn}
	return nil
}

func (x *Executor) resolveParams(d sched.Descriptor, g kernel.Graph) ([]*ecs.ComponentType, error) {
	declared := make(map[ecs.ComponentID]struct{}, len(d.Reads)+len(d.Writes))
	for _, id := range d.Reads {
		declared[id] = struct{}{}
	}
	for _, id := range d.Writes {
		declared[id] = struct{}{}
	}
	params := make([]*ecs.ComponentType, len(g.Params))
	for i, p := range g.Params {
		if p.Name == DTParam {
			if p.Width() != 1 || p.Elem != ecs.F64 {
				return nil, &kernel.MismatchError{Kernel: d.Name, Detail: "dt must be a scalar f64"}
			}
			continue
		}
		ct, ok := x.world.Registry().Lookup(ecs.NameID(p.Name))
		if !ok {
			return nil, fmt.Errorf("system %s: %w: %q", d.Name, ecs.ErrUnknownComponent, p.Name)
		}
		if _, ok := declared[ct.ID]; !ok {
			return nil, fmt.Errorf("system %s: param %q missing from the declared read/write sets", d.Name, p.Name)
		}
		if p.Elem != ct.Elem {
			return nil, &kernel.MismatchError{
				Kernel: d.Name,
				Detail: fmt.Sprintf("param %q is %s, component stores %s", p.Name, p.Elem, ct.Elem),
			}
		}
		if p.Width() != ct.Count() {
			return nil, &kernel.MismatchError{
				Kernel: d.Name,
				Detail: fmt.Sprintf("param %q has width %d, component stores %d", p.Name, p.Width(), ct.Count()),
			}
		}
		params[i] = ct
	}
	return params, nil
}

func (x *Executor) resolveOuts(d sched.Descriptor, g kernel.Graph) ([]*ecs.ComponentType, error) {
	n := len(g.Returns)
	if g.Extern != "" {
		n = len(g.ExternOuts)
	}
	if n != len(d.Writes) {
		return nil, fmt.Errorf("system %s: kernel has %d outputs, descriptor writes %d components", d.Name, n, len(d.Writes))
	}
	outs := make([]*ecs.ComponentType, n)
	for j, id := range d.Writes {
		ct, ok := x.world.Registry().Lookup(id)
		if !ok {
			return nil, fmt.Errorf("system %s: %w: write %d", d.Name, ecs.ErrUnknownComponent, id)
		}
		if g.Extern != "" {
			p := g.ExternOuts[j]
			if ecs.NameID(p.Name) != id {
				return nil, fmt.Errorf("system %s: extern output %d is %q, descriptor writes %q", d.Name, j, p.Name, ct.Name)
			}
			if p.Elem != ct.Elem || p.Width() != ct.Count() {
				return nil, &kernel.MismatchError{
					Kernel: d.Name,
					Detail: fmt.Sprintf("extern output %q does not match component %s", p.Name, ct),
				}
			}
		}
		outs[j] = ct
	}
	return outs, nil
}

// Tick runs one full simulation step: every stage of the plan, then the
// deferred command drain. The report lists systems whose failure was
// contained; a non-nil error means the tick aborted and the counter did not
// advance.
func (x *Executor) Tick(ctx context.Context, dt time.Duration) (*TickReport, error) {
	x.sch.Seal()
	plan, err := x.sch.Plan()
	if err != nil {
		return nil, err
	}
	if plan.Fingerprint != x.logged {
		x.logged = plan.Fingerprint
		x.log.Info("execution plan",
			zap.Int("stages", len(plan.Stages)),
			zap.Int("systems", plan.Len()))
	}
	if s, ok := x.backend.(interface{ SetDT(float64) }); ok {
		s.SetDT(dt.Seconds())
	}

	rep := &TickReport{Tick: x.world.Tick(), Stages: make([]time.Duration, len(plan.Stages))}
	start := time.Now()
	for i, stage := range plan.Stages {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		stageStart := time.Now()
		if err := x.runStage(ctx, stage, dt, rep); err != nil {
			return rep, err
		}
		rep.Stages[i] = time.Since(stageStart)
	}

	applied, errs := x.world.Defer().Drain()
	rep.Applied = applied
	for _, err := range errs {
		x.log.Warn("deferred command dropped", zap.Error(err))
	}
	x.world.AdvanceTick()
	if x.sink != nil {
		x.sink.FlushTick(rep.Tick)
	}
	rep.Elapsed = time.Since(start)
	return rep, nil
}

// commit is one pending column overwrite, produced into scratch by a kernel
// and applied only after its stage passed the barrier.
type commit struct {
	table *ecs.Table
	slot  int
	comp  *ecs.ComponentType
	data  []byte
}

type stageResult struct {
	commits []commit
	err     error
}

func (x *Executor) runStage(ctx context.Context, stage []*sched.Descriptor, dt time.Duration, rep *TickReport) error {
	// A structural system is always alone in its stage and runs with the
	// world unlocked so it can spawn and despawn directly.
	if len(stage) == 1 && stage[0].Structural {
		d := stage[0]
		if err := x.systems[d.Name].host(ctx, x.world, dt); err != nil {
			rep.Failed = append(rep.Failed, SystemError{System: d.Name, Err: err})
		}
		return nil
	}

	x.world.Lock()
	defer x.world.Unlock()

	results := make([]stageResult, len(stage))
	if len(stage) == 1 {
		results[0] = x.runSystem(ctx, stage[0], dt)
	} else {
		sem := make(chan struct{}, x.workers)
		var wg sync.WaitGroup
		for i, d := range stage {
			i, d := i, d
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				results[i] = x.runSystem(ctx, d, dt)
			}()
		}
		wg.Wait()
	}

	// A schema mismatch poisons the whole tick before anything from this
	// stage is committed.
	for i, r := range results {
		var me *kernel.MismatchError
		if errors.As(r.err, &me) {
			return fmt.Errorf("system %s: %w", stage[i].Name, r.err)
		}
	}
	for i, r := range results {
		if r.err != nil {
			rep.Failed = append(rep.Failed, SystemError{System: stage[i].Name, Err: r.err})
			continue
		}
		for _, c := range r.commits {
			copy(c.table.Column(c.slot), c.data)
			if x.sink != nil {
				for _, e := range c.table.Entities() {
					x.sink.MarkDirty(e, c.comp.ID)
				}
			}
		}
	}
	return nil
}

func (x *Executor) runSystem(ctx context.Context, d *sched.Descriptor, dt time.Duration) stageResult {
	sys := x.systems[d.Name]
	if sys.host != nil {
		return stageResult{err: sys.host(ctx, x.world, dt)}
	}

	q, err := x.world.Query(d.Reads, d.Writes, d.Filter)
	if err != nil {
		return stageResult{err: err}
	}
	var commits []commit
	for q.Next() {
		t := q.Table()
		rows := t.Len()

		in := make([][]byte, len(sys.params))
		var dtCol []byte
		for pi, ct := range sys.params {
			if ct == nil {
				if dtCol == nil {
					dtCol = dtColumn(rows, dt)
				}
				in[pi] = dtCol
				continue
			}
			in[pi] = t.Column(t.Slot(ct))
		}

		out := make([][]byte, len(sys.outs))
		cs := make([]commit, len(sys.outs))
		for j, ct := range sys.outs {
			s := t.Slot(ct)
			buf := make([]byte, len(t.Column(s)))
			out[j] = buf
			cs[j] = commit{table: t, slot: s, comp: ct, data: buf}
		}

		if err := sys.kern.Run(ctx, kernel.Bindings{In: in, Out: out, Rows: rows}); err != nil {
			return stageResult{err: err}
		}
		commits = append(commits, cs...)
	}
	return stageResult{commits: commits}
}

// dtColumn fills a scalar f64 column with the step length in seconds.
func dtColumn(rows int, dt time.Duration) []byte {
	b := make([]byte, rows*8)
	bits := math.Float64bits(dt.Seconds())
	for i := 0; i < rows; i++ {
		binary.LittleEndian.PutUint64(b[i*8:], bits)
	}
	return b
}
