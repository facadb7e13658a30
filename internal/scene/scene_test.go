package scene

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/alejandrosuarez/elodin/internal/ecs"
	"github.com/alejandrosuarez/elodin/internal/exec"
	"github.com/alejandrosuarez/elodin/internal/kernel"
	"github.com/alejandrosuarez/elodin/internal/sched"
	"github.com/alejandrosuarez/elodin/internal/scripting"
)

func writeScene(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scene.yaml")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write scene: %v", err)
	}
	return path
}

func newRuntime(t *testing.T, backend kernel.Backend) (*ecs.Registry, *ecs.World, *exec.Executor) {
	t.Helper()
	reg := ecs.NewRegistry()
	w := ecs.NewWorld(reg)
	x := exec.New(w, sched.New(), backend, zap.NewNop())
	return reg, w, x
}

func allEntities(w *ecs.World) []ecs.Entity {
	var out []ecs.Entity
	for _, t := range w.Tables() {
		out = append(out, t.Entities()...)
	}
	return out
}

func vals64(b []byte) []float64 {
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return out
}

const orbitScene = `
name: orbit
components:
  - name: pos
    shape: [3]
  - name: vel
    shape: [3]
  - name: drag
    elem: f64
entities:
  - count: 2
    values:
      pos: [0, 0, 0]
      vel: [2, 4, 6]
  - values:
      drag: [0.5]
systems:
  - name: damp
    reads: [vel]
    writes: [vel]
    ops:
      - {out: slowed, op: scale, x: vel, k: 0.5}
    returns: [slowed]
  - name: integrate
    reads: [pos, vel]
    writes: [pos]
    ops:
      - {out: next, op: fma, x: vel, y: dt, z: pos}
    returns: [next]
`

func TestLoadAndApply(t *testing.T) {
	sc, err := Load(writeScene(t, orbitScene))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if sc.Name != "orbit" || len(sc.Components) != 3 || len(sc.Systems) != 2 {
		t.Fatalf("parsed scene = %+v", sc)
	}

	reg, w, x := newRuntime(t, kernel.NewCPU())
	if err := sc.Apply(reg, w, x); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if w.EntityCount() != 3 {
		t.Fatalf("entity count = %d, want 3", w.EntityCount())
	}

	rep, err := x.Tick(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(rep.Failed) != 0 {
		t.Fatalf("failed systems: %v", rep.Failed)
	}

	// damp halves vel, integrate adds vel*dt in the next stage.
	pos, ok := reg.LookupName("pos")
	if !ok {
		t.Fatal("pos not registered")
	}
	checked := 0
	for _, e := range allEntities(w) {
		b, err := w.Component(e, pos.ID)
		if err != nil {
			continue
		}
		got := vals64(b)
		want := []float64{1, 2, 3}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("pos[%d] = %v, want %v", i, got[i], want[i])
			}
		}
		checked++
	}
	if checked != 2 {
		t.Fatalf("checked %d entities, want 2", checked)
	}
}

func TestApplyLuaSystem(t *testing.T) {
	eng, err := scripting.NewEngine(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(eng.Close)
	if err := eng.DoString(`
function shove(ctx)
  local out = {}
  for i = 1, ctx.rows * 3 do
    out[i] = ctx.vel[i] + dt
  end
  return {out}
end
`); err != nil {
		t.Fatalf("lua: %v", err)
	}

	src := `
components:
  - name: vel
    shape: [3]
entities:
  - values:
      vel: [1, 1, 1]
systems:
  - name: shove
    reads: [vel]
    writes: [vel]
    lua: shove
`
	sc, err := Load(writeScene(t, src))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	reg, w, x := newRuntime(t, scripting.NewBackend(eng))
	if err := sc.Apply(reg, w, x); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := x.Tick(context.Background(), 500*time.Millisecond); err != nil {
		t.Fatalf("tick: %v", err)
	}

	vel, _ := reg.LookupName("vel")
	for _, e := range allEntities(w) {
		b, err := w.Component(e, vel.ID)
		if err != nil {
			t.Fatalf("component: %v", err)
		}
		for i, v := range vals64(b) {
			if v != 1.5 {
				t.Fatalf("vel[%d] = %v, want 1.5", i, v)
			}
		}
	}
}

// rigidBodyScene models the usual rigid-body layout: a [7] pose column
// (quaternion i,j,k,w plus translation), [6] spatial motion columns and a
// [7] inertia tensor carried as plain data. Pose integration crosses the
// 7/6 width boundary, so it runs as a script while the force and velocity
// updates stay builtin kernels.
const rigidBodyScene = `
name: rigidbody
components:
  - name: world_pos
    shape: [7]
  - name: world_vel
    shape: [6]
  - name: world_accel
    shape: [6]
  - name: force
    shape: [6]
  - name: inertia
    shape: [7]
entities:
  - count: 2
    values:
      world_pos: [0, 0, 0, 1, 0, 0, 0]
      world_vel: [0, 0, 0, 1, 2, 3]
      world_accel: [0, 0, 0, 0, 0, 0]
      force: [0, 0, 0, 2, 4, 6]
      inertia: [1, 1, 1, 1, 1, 1, 2]
systems:
  - name: apply_force
    reads: [force]
    writes: [world_accel]
    ops:
      - {out: accel, op: scale, x: force, k: 0.5}
    returns: [accel]
  - name: advance_vel
    reads: [world_vel, world_accel]
    writes: [world_vel]
    ops:
      - {out: next, op: fma, x: world_accel, y: dt, z: world_vel}
    returns: [next]
  - name: advance_pose
    reads: [world_pos, world_vel]
    writes: [world_pos]
    lua: advance_pose
`

func TestRigidBodyScene(t *testing.T) {
	eng, err := scripting.NewEngine(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(eng.Close)
	if err := eng.DoString(`
function advance_pose(ctx)
  local out = {}
  for r = 0, ctx.rows - 1 do
    local p = r * 7
    local v = r * 6
    for i = 1, 4 do
      out[p + i] = ctx.world_pos[p + i]
    end
    for i = 1, 3 do
      out[p + 4 + i] = ctx.world_pos[p + 4 + i] + ctx.world_vel[v + 3 + i] * dt
    end
  end
  return {out}
end
`); err != nil {
		t.Fatalf("lua: %v", err)
	}

	sc, err := Load(writeScene(t, rigidBodyScene))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	reg := ecs.NewRegistry()
	w := ecs.NewWorld(reg)
	s := sched.New()
	x := exec.New(w, s, scripting.NewBackend(eng), zap.NewNop())
	if err := sc.Apply(reg, w, x); err != nil {
		t.Fatalf("apply: %v", err)
	}

	for i := 0; i < 2; i++ {
		rep, err := x.Tick(context.Background(), time.Second)
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if len(rep.Failed) != 0 {
			t.Fatalf("tick %d failed systems: %v", i, rep.Failed)
		}
	}

	// apply_force and advance_pose touch disjoint sets and share the first
	// stage; advance_vel reads the committed accel behind the barrier.
	plan, err := s.Plan()
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.Stages) != 2 || len(plan.Stages[0]) != 2 {
		t.Fatalf("stage layout = %v", plan.StageNames())
	}

	// dt=1 per tick. The pose integrator runs alongside apply_force, so each
	// tick it sees the velocity committed by the previous tick: translations
	// [1,2,3] then [3,6,9]. The quaternion and the inertia column ride along
	// untouched.
	pose, _ := reg.LookupName("world_pos")
	vel, _ := reg.LookupName("world_vel")
	inertia, _ := reg.LookupName("inertia")
	wantPose := []float64{0, 0, 0, 1, 3, 6, 9}
	wantVel := []float64{0, 0, 0, 3, 6, 9}
	wantInertia := []float64{1, 1, 1, 1, 1, 1, 2}
	checked := 0
	for _, e := range allEntities(w) {
		b, err := w.Component(e, pose.ID)
		if err != nil {
			t.Fatalf("pose: %v", err)
		}
		for i, v := range vals64(b) {
			if v != wantPose[i] {
				t.Errorf("pose[%d] = %v, want %v", i, v, wantPose[i])
			}
		}
		b, err = w.Component(e, vel.ID)
		if err != nil {
			t.Fatalf("vel: %v", err)
		}
		for i, v := range vals64(b) {
			if v != wantVel[i] {
				t.Errorf("vel[%d] = %v, want %v", i, v, wantVel[i])
			}
		}
		b, err = w.Component(e, inertia.ID)
		if err != nil {
			t.Fatalf("inertia: %v", err)
		}
		for i, v := range vals64(b) {
			if v != wantInertia[i] {
				t.Errorf("inertia[%d] = %v, want %v", i, v, wantInertia[i])
			}
		}
		checked++
	}
	if checked != 2 {
		t.Fatalf("checked %d entities, want 2", checked)
	}
}

func TestLoadRejects(t *testing.T) {
	cases := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "bad yaml",
			src:  "components: [\n",
			want: "parse scene",
		},
		{
			name: "duplicate component",
			src: `
components:
  - name: pos
  - name: pos
`,
			want: "duplicate component",
		},
		{
			name: "lua and ops",
			src: `
components: [{name: pos}]
systems:
  - name: both
    reads: [pos]
    writes: [pos]
    lua: fn
    ops: [{out: v, op: scale, x: pos, k: 2}]
    returns: [v]
`,
			want: "exactly one of lua and ops",
		},
		{
			name: "ops without returns",
			src: `
components: [{name: pos}]
systems:
  - name: anon
    reads: [pos]
    writes: [pos]
    ops: [{out: v, op: scale, x: pos, k: 2}]
`,
			want: "no returns",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeScene(t, tc.src))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestApplyRejects(t *testing.T) {
	cases := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "unknown component in group",
			src: `
components: [{name: pos, shape: [3]}]
entities:
  - values:
      ghost: [1]
`,
			want: "unknown component",
		},
		{
			name: "wrong value count",
			src: `
components: [{name: pos, shape: [3]}]
entities:
  - values:
      pos: [1, 2]
`,
			want: "takes 3 values",
		},
		{
			name: "unknown op",
			src: `
components: [{name: pos, shape: [3]}]
systems:
  - name: bad
    reads: [pos]
    writes: [pos]
    ops: [{out: v, op: warp, x: pos}]
    returns: [v]
`,
			want: "unknown op",
		},
		{
			name: "unknown operand",
			src: `
components: [{name: pos, shape: [3]}]
systems:
  - name: bad
    reads: [pos]
    writes: [pos]
    ops: [{out: v, op: add, x: pos, y: ghost}]
    returns: [v]
`,
			want: "unknown value",
		},
		{
			name: "return of unknown value",
			src: `
components: [{name: pos, shape: [3]}]
systems:
  - name: bad
    reads: [pos]
    writes: [pos]
    ops: [{out: v, op: scale, x: pos, k: 2}]
    returns: [ghost]
`,
			want: "unknown value",
		},
		{
			name: "bad elem",
			src: `
components: [{name: pos, elem: f17}]
`,
			want: "unknown element type",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sc, err := Load(writeScene(t, tc.src))
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			reg, w, x := newRuntime(t, kernel.NewCPU())
			err = sc.Apply(reg, w, x)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
		})
	}
}
