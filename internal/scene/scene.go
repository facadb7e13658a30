// Package scene loads the simulation definition: component types, initial
// entities and systems declared in one YAML file, applied to a fresh
// registry, world and executor at boot.
package scene

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/alejandrosuarez/elodin/internal/ecs"
	"github.com/alejandrosuarez/elodin/internal/exec"
	"github.com/alejandrosuarez/elodin/internal/kernel"
	"github.com/alejandrosuarez/elodin/internal/sched"
)

// Scene is a parsed scene file.
type Scene struct {
	Name       string         `yaml:"name"`
	Components []ComponentDef `yaml:"components"`
	Entities   []EntityGroup  `yaml:"entities"`
	Systems    []SystemDef    `yaml:"systems"`
}

// ComponentDef declares one component type. Elem defaults to f64.
type ComponentDef struct {
	Name  string `yaml:"name"`
	Shape []int  `yaml:"shape"`
	Elem  string `yaml:"elem"`
}

// EntityGroup spawns Count entities sharing the same initial values. Values
// maps a component name to one flat element list; integer columns are
// encoded from the same floats. Count defaults to 1.
type EntityGroup struct {
	Count  int                  `yaml:"count"`
	Values map[string][]float64 `yaml:"values"`
}

// SystemDef declares one system. Exactly one of Lua and Ops must be set:
// Lua names a script function, Ops lists the nodes of a builtin kernel
// body whose outputs are named by Returns, one per write.
type SystemDef struct {
	Name    string   `yaml:"name"`
	Reads   []string `yaml:"reads"`
	Writes  []string `yaml:"writes"`
	With    []string `yaml:"with"`
	Without []string `yaml:"without"`
	Lua     string   `yaml:"lua"`
	Ops     []OpDef  `yaml:"ops"`
	Returns []string `yaml:"returns"`
}

// OpDef is one kernel node: Out = Op(X, Y, Z). Operand names refer to a
// read component, the reserved "dt" or the Out of an earlier op. Const and
// scale take their literal from K.
type OpDef struct {
	Out string  `yaml:"out"`
	Op  string  `yaml:"op"`
	X   string  `yaml:"x"`
	Y   string  `yaml:"y"`
	Z   string  `yaml:"z"`
	K   float64 `yaml:"k"`
}

// Load reads and validates a scene file.
func Load(path string) (*Scene, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scene: %w", err)
	}
	var sc Scene
	if err := yaml.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("parse scene: %w", err)
	}
	if err := sc.validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (sc *Scene) validate() error {
	seen := make(map[string]struct{}, len(sc.Components))
	for _, c := range sc.Components {
		if c.Name == "" {
			return fmt.Errorf("scene: component with empty name")
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("scene: duplicate component %q", c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	for _, sd := range sc.Systems {
		if sd.Name == "" {
			return fmt.Errorf("scene: system with empty name")
		}
		hasLua := sd.Lua != ""
		hasOps := len(sd.Ops) > 0
		if hasLua == hasOps {
			return fmt.Errorf("scene: system %q needs exactly one of lua and ops", sd.Name)
		}
		if hasLua && len(sd.Returns) > 0 {
			return fmt.Errorf("scene: system %q: lua systems take no returns", sd.Name)
		}
		if hasOps && len(sd.Returns) == 0 {
			return fmt.Errorf("scene: system %q declares ops but no returns", sd.Name)
		}
	}
	return nil
}

// Apply registers the scene's components, spawns its entity groups and
// registers its systems with the executor, in file order.
func (sc *Scene) Apply(reg *ecs.Registry, w *ecs.World, x *exec.Executor) error {
	if err := sc.registerComponents(reg); err != nil {
		return err
	}
	if err := sc.spawnGroups(reg, w); err != nil {
		return err
	}
	return sc.registerSystems(reg, x)
}

// ApplyDefs registers components and systems but spawns nothing, for boots
// that restore their entities from a snapshot instead.
func (sc *Scene) ApplyDefs(reg *ecs.Registry, x *exec.Executor) error {
	if err := sc.registerComponents(reg); err != nil {
		return err
	}
	return sc.registerSystems(reg, x)
}

func (sc *Scene) registerComponents(reg *ecs.Registry) error {
	for _, c := range sc.Components {
		elem := ecs.F64
		if c.Elem != "" {
			var err error
			if elem, err = ecs.ParseElemType(c.Elem); err != nil {
				return fmt.Errorf("scene: component %s: %w", c.Name, err)
			}
		}
		if _, err := reg.Register(c.Name, c.Shape, elem); err != nil {
			return fmt.Errorf("scene: component %s: %w", c.Name, err)
		}
	}
	return nil
}

func (sc *Scene) spawnGroups(reg *ecs.Registry, w *ecs.World) error {
	for gi := range sc.Entities {
		g := &sc.Entities[gi]
		values := make(map[ecs.ComponentID][]byte, len(g.Values))
		for name, vals := range g.Values {
			ct, ok := reg.LookupName(name)
			if !ok {
				return fmt.Errorf("scene: entity group %d: %w: %q", gi, ecs.ErrUnknownComponent, name)
			}
			if len(vals) != ct.Count() {
				return fmt.Errorf("scene: entity group %d: %s takes %d values, got %d",
					gi, ct.Name, ct.Count(), len(vals))
			}
			buf := make([]byte, ct.Stride())
			ct.Elem.EncodeFloats(buf, vals)
			values[ct.ID] = buf
		}
		count := g.Count
		if count == 0 {
			count = 1
		}
		for i := 0; i < count; i++ {
			if _, err := w.Spawn(values); err != nil {
				return fmt.Errorf("scene: entity group %d: %w", gi, err)
			}
		}
	}
	return nil
}

func (sc *Scene) registerSystems(reg *ecs.Registry, x *exec.Executor) error {
	for i := range sc.Systems {
		sd := &sc.Systems[i]
		d, err := descriptor(reg, sd)
		if err != nil {
			return err
		}
		var g kernel.Graph
		if sd.Lua != "" {
			g, err = externGraph(reg, sd)
		} else {
			g, err = buildGraph(reg, sd)
		}
		if err != nil {
			return err
		}
		if err := x.Register(d, g); err != nil {
			return fmt.Errorf("scene: system %s: %w", sd.Name, err)
		}
	}
	return nil
}

func descriptor(reg *ecs.Registry, sd *SystemDef) (sched.Descriptor, error) {
	resolve := func(names []string) ([]ecs.ComponentID, error) {
		if len(names) == 0 {
			return nil, nil
		}
		out := make([]ecs.ComponentID, len(names))
		for i, n := range names {
			ct, ok := reg.LookupName(n)
			if !ok {
				return nil, fmt.Errorf("scene: system %s: %w: %q", sd.Name, ecs.ErrUnknownComponent, n)
			}
			out[i] = ct.ID
		}
		return out, nil
	}
	d := sched.Descriptor{Name: sd.Name}
	var err error
	if d.Reads, err = resolve(sd.Reads); err != nil {
		return d, err
	}
	if d.Writes, err = resolve(sd.Writes); err != nil {
		return d, err
	}
	if d.Filter.With, err = resolve(sd.With); err != nil {
		return d, err
	}
	if d.Filter.Without, err = resolve(sd.Without); err != nil {
		return d, err
	}
	return d, nil
}

// buildGraph compiles the op list into a kernel body. Reads become params
// in listed order; "dt" becomes a param on first use.
func buildGraph(reg *ecs.Registry, sd *SystemDef) (kernel.Graph, error) {
	var g kernel.Graph
	env := make(map[string]kernel.ValueID, len(sd.Reads)+len(sd.Ops))
	for _, name := range sd.Reads {
		ct, ok := reg.LookupName(name)
		if !ok {
			return g, fmt.Errorf("scene: system %s: %w: %q", sd.Name, ecs.ErrUnknownComponent, name)
		}
		env[name] = g.Param(name, ct.Shape, ct.Elem)
	}
	lookup := func(name string) (kernel.ValueID, error) {
		if v, ok := env[name]; ok {
			return v, nil
		}
		if name == exec.DTParam {
			v := g.Param(exec.DTParam, nil, ecs.F64)
			env[name] = v
			return v, nil
		}
		return 0, fmt.Errorf("scene: system %s: unknown value %q", sd.Name, name)
	}

	unary := map[string]kernel.Op{"neg": kernel.OpNeg, "abs": kernel.OpAbs, "sqrt": kernel.OpSqrt}
	binary := map[string]kernel.Op{
		"add": kernel.OpAdd, "sub": kernel.OpSub, "mul": kernel.OpMul,
		"div": kernel.OpDiv, "min": kernel.OpMin, "max": kernel.OpMax,
	}

	for _, op := range sd.Ops {
		if op.Out == "" {
			return g, fmt.Errorf("scene: system %s: op %q without out", sd.Name, op.Op)
		}
		if _, dup := env[op.Out]; dup {
			return g, fmt.Errorf("scene: system %s: value %q defined twice", sd.Name, op.Out)
		}
		var v kernel.ValueID
		switch {
		case op.Op == "const":
			v = g.Const(op.K)
		case op.Op == "scale":
			x, err := lookup(op.X)
			if err != nil {
				return g, err
			}
			v = g.Scale(x, op.K)
		case op.Op == "fma":
			x, err := lookup(op.X)
			if err != nil {
				return g, err
			}
			y, err := lookup(op.Y)
			if err != nil {
				return g, err
			}
			z, err := lookup(op.Z)
			if err != nil {
				return g, err
			}
			v = g.FMA(x, y, z)
		default:
			if code, ok := unary[op.Op]; ok {
				x, err := lookup(op.X)
				if err != nil {
					return g, err
				}
				v = g.Unary(code, x)
				break
			}
			code, ok := binary[op.Op]
			if !ok {
				return g, fmt.Errorf("scene: system %s: unknown op %q", sd.Name, op.Op)
			}
			x, err := lookup(op.X)
			if err != nil {
				return g, err
			}
			y, err := lookup(op.Y)
			if err != nil {
				return g, err
			}
			v = g.Binary(code, x, y)
		}
		env[op.Out] = v
	}

	for _, name := range sd.Returns {
		v, ok := env[name]
		if !ok {
			return g, fmt.Errorf("scene: system %s: return of unknown value %q", sd.Name, name)
		}
		g.Return(v)
	}
	return g, nil
}

// externGraph declares a script kernel: reads become params, writes become
// the declared outputs the script must fill.
func externGraph(reg *ecs.Registry, sd *SystemDef) (kernel.Graph, error) {
	var g kernel.Graph
	g.Extern = sd.Lua
	for _, name := range sd.Reads {
		ct, ok := reg.LookupName(name)
		if !ok {
			return g, fmt.Errorf("scene: system %s: %w: %q", sd.Name, ecs.ErrUnknownComponent, name)
		}
		g.Param(name, ct.Shape, ct.Elem)
	}
	for _, name := range sd.Writes {
		ct, ok := reg.LookupName(name)
		if !ok {
			return g, fmt.Errorf("scene: system %s: %w: %q", sd.Name, ecs.ErrUnknownComponent, name)
		}
		g.ExternOuts = append(g.ExternOuts, kernel.Param{Name: ct.Name, Shape: ct.Shape, Elem: ct.Elem})
	}
	return g, nil
}
