// Package sched assigns registered systems to execution stages so that no
// two systems in the same stage touch conflicting component sets.
package sched

import (
	"errors"
	"fmt"
	"sort"

	"github.com/alejandrosuarez/elodin/internal/ecs"
)

var (
	// ErrEmptySystem rejects descriptors that declare no component access.
	ErrEmptySystem = errors.New("sched: system declares no reads or writes")

	// ErrDuplicateSystem rejects a second registration under the same name.
	ErrDuplicateSystem = errors.New("sched: duplicate system name")

	// ErrSealed rejects registration after execution has started.
	ErrSealed = errors.New("sched: scheduler sealed")
)

// Descriptor declares what one system touches. The scheduler never inspects
// system code; the declared sets are the whole truth it plans from.
type Descriptor struct {
	Name       string
	Reads      []ecs.ComponentID
	Writes     []ecs.ComponentID
	Filter     ecs.Filter
	Structural bool

	readSet  map[ecs.ComponentID]struct{}
	writeSet map[ecs.ComponentID]struct{}
}

// conflicts reports whether two systems may not share a stage: either writes
// into the other's read or write set, or either performs structural changes.
func (d *Descriptor) conflicts(o *Descriptor) bool {
	if d.Structural || o.Structural {
		return true
	}
	return writesInto(d, o) || writesInto(o, d)
}

func writesInto(a, b *Descriptor) bool {
	for id := range a.writeSet {
		if _, ok := b.readSet[id]; ok {
			return true
		}
		if _, ok := b.writeSet[id]; ok {
			return true
		}
	}
	return false
}

// Plan is a staged ordering of every registered system. Systems within a
// stage are mutually conflict-free; stages run in order with a barrier
// between them.
type Plan struct {
	Stages      [][]*Descriptor
	Fingerprint [32]byte
}

// StageNames returns the system names per stage, for logging.
func (p *Plan) StageNames() [][]string {
	out := make([][]string, len(p.Stages))
	for i, stage := range p.Stages {
		names := make([]string, len(stage))
		for j, d := range stage {
			names[j] = d.Name
		}
		out[i] = names
	}
	return out
}

// Len returns the number of systems in the plan.
func (p *Plan) Len() int {
	n := 0
	for _, s := range p.Stages {
		n += len(s)
	}
	return n
}

// Scheduler collects descriptors and lazily derives the staged plan. The
// plan is memoized under a fingerprint of the registered set, so repeated
// Plan calls without changes return the identical *Plan.
type Scheduler struct {
	systems []*Descriptor
	names   map[string]struct{}
	plan    *Plan
	sealed  bool
}

func New() *Scheduler {
	return &Scheduler{names: make(map[string]struct{})}
}

// Register adds a system descriptor. Registration order is part of the
// schedule: ties in stage assignment resolve by it.
func (s *Scheduler) Register(d Descriptor) error {
	if s.sealed {
		return fmt.Errorf("%w: %s", ErrSealed, d.Name)
	}
	if d.Name == "" {
		return errors.New("sched: system name must not be empty")
	}
	if _, ok := s.names[d.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSystem, d.Name)
	}
	if len(d.Reads) == 0 && len(d.Writes) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptySystem, d.Name)
	}
	d.readSet = idSet(d.Reads)
	d.writeSet = idSet(d.Writes)
	s.names[d.Name] = struct{}{}
	s.systems = append(s.systems, &d)
	return nil
}

// Systems returns the registered descriptors in registration order.
func (s *Scheduler) Systems() []*Descriptor { return s.systems }

// Seal closes the scheduler for further registration.
func (s *Scheduler) Seal() { s.sealed = true }

// Sealed reports whether registration is closed.
func (s *Scheduler) Sealed() bool { return s.sealed }

// Plan returns the staged execution plan. Each system lands in the earliest
// stage without a conflict, scanning in registration order, so the result is
// deterministic for a given registration sequence.
func (s *Scheduler) Plan() (*Plan, error) {
	if len(s.systems) == 0 {
		return nil, errors.New("sched: no systems registered")
	}
	fp := s.fingerprint()
	if s.plan != nil && s.plan.Fingerprint == fp {
		return s.plan, nil
	}
	var stages [][]*Descriptor
	for _, d := range s.systems {
		placed := false
		for i := range stages {
			if !conflictsAny(d, stages[i]) {
				stages[i] = append(stages[i], d)
				placed = true
				break
			}
		}
		if !placed {
			stages = append(stages, []*Descriptor{d})
		}
	}
	s.plan = &Plan{Stages: stages, Fingerprint: fp}
	return s.plan, nil
}

func conflictsAny(d *Descriptor, stage []*Descriptor) bool {
	for _, o := range stage {
		if d.conflicts(o) {
			return true
		}
	}
	return false
}

func idSet(ids []ecs.ComponentID) map[ecs.ComponentID]struct{} {
	set := make(map[ecs.ComponentID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func sortedIDs(set map[ecs.ComponentID]struct{}) []ecs.ComponentID {
	out := make([]ecs.ComponentID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
