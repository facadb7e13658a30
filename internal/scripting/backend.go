package scripting

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/alejandrosuarez/elodin/internal/kernel"
)

// Backend resolves extern graphs against the engine's Lua functions and
// delegates everything else to the CPU backend.
type Backend struct {
	eng *Engine
	cpu *kernel.CPU
}

func NewBackend(eng *Engine) *Backend {
	return &Backend{eng: eng, cpu: kernel.NewCPU()}
}

func (b *Backend) Name() string { return "lua" }

// SetDT publishes the tick's time step to scripts as the dt global. The
// executor calls it once per tick.
func (b *Backend) SetDT(dt float64) { b.eng.SetGlobal("dt", dt) }

func (b *Backend) Compile(ctx context.Context, g kernel.Graph) (kernel.Kernel, error) {
	if g.Extern == "" {
		return b.cpu.Compile(ctx, g)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !b.eng.Lookup(g.Extern) {
		return nil, fmt.Errorf("scripting: kernel function %q not defined", g.Extern)
	}
	if len(g.ExternOuts) == 0 {
		return nil, &kernel.MismatchError{Kernel: g.Extern, Detail: "extern graph declares no outputs"}
	}
	for _, p := range g.Params {
		if p.Elem.Size() == 0 {
			return nil, &kernel.MismatchError{Kernel: g.Extern, Detail: fmt.Sprintf("param %s has unknown element type", p.Name)}
		}
	}
	for _, p := range g.ExternOuts {
		if p.Elem.Size() == 0 {
			return nil, &kernel.MismatchError{Kernel: g.Extern, Detail: fmt.Sprintf("output %s has unknown element type", p.Name)}
		}
	}
	return &luaKernel{eng: b.eng, g: g}, nil
}

// luaKernel calls one Lua function per batch. Inputs arrive as one flat
// 1-based array table per parameter, row-major; the function returns an
// array of output arrays (or a single flat array for single-output
// kernels).
type luaKernel struct {
	eng *Engine
	g   kernel.Graph
}

func (k *luaKernel) Run(ctx context.Context, b kernel.Bindings) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.Rows == 0 {
		return nil
	}
	if len(b.In) != len(k.g.Params) {
		return &kernel.MismatchError{Kernel: k.g.Extern, Detail: fmt.Sprintf("%d inputs bound, graph has %d params", len(b.In), len(k.g.Params))}
	}
	if len(b.Out) != len(k.g.ExternOuts) {
		return &kernel.MismatchError{Kernel: k.g.Extern, Detail: fmt.Sprintf("%d outputs bound, graph declares %d", len(b.Out), len(k.g.ExternOuts))}
	}
	for i, p := range k.g.Params {
		want := b.Rows * p.Width() * p.Elem.Size()
		if len(b.In[i]) != want {
			return &kernel.MismatchError{Kernel: k.g.Extern, Detail: fmt.Sprintf("input %s has %d bytes, want %d", p.Name, len(b.In[i]), want)}
		}
	}
	for j, p := range k.g.ExternOuts {
		want := b.Rows * p.Width() * p.Elem.Size()
		if len(b.Out[j]) != want {
			return &kernel.MismatchError{Kernel: k.g.Extern, Detail: fmt.Sprintf("output %s has %d bytes, want %d", p.Name, len(b.Out[j]), want)}
		}
	}

	e := k.eng
	e.mu.Lock()
	defer e.mu.Unlock()

	arg := e.vm.NewTable()
	arg.RawSetString("rows", lua.LNumber(b.Rows))
	for i, p := range k.g.Params {
		vals := p.Elem.DecodeFloats(b.In[i])
		col := e.vm.NewTable()
		for n, v := range vals {
			col.RawSetInt(n+1, lua.LNumber(v))
		}
		arg.RawSetString(p.Name, col)
	}

	result, err := e.callKernel(k.g.Extern, arg)
	if err != nil {
		return err
	}
	rt, ok := result.(*lua.LTable)
	if !ok {
		return fmt.Errorf("scripting: %s returned %s, want table", k.g.Extern, result.Type())
	}

	// Single-output kernels may return the flat array directly.
	if len(k.g.ExternOuts) == 1 {
		if _, isNum := rt.RawGetInt(1).(lua.LNumber); isNum {
			return k.storeOutput(rt, b.Out[0], b.Rows, 0)
		}
	}
	for j := range k.g.ExternOuts {
		col, ok := rt.RawGetInt(j + 1).(*lua.LTable)
		if !ok {
			return fmt.Errorf("scripting: %s result %d is %s, want table", k.g.Extern, j+1, rt.RawGetInt(j+1).Type())
		}
		if err := k.storeOutput(col, b.Out[j], b.Rows, j); err != nil {
			return err
		}
	}
	return nil
}

func (k *luaKernel) storeOutput(col *lua.LTable, out []byte, rows, j int) error {
	p := k.g.ExternOuts[j]
	n := rows * p.Width()
	if col.Len() != n {
		return fmt.Errorf("scripting: %s output %s returned %d values, want %d", k.g.Extern, p.Name, col.Len(), n)
	}
	vals := make([]float64, n)
	for i := 0; i < n; i++ {
		vals[i] = float64(lua.LVAsNumber(col.RawGetInt(i + 1)))
	}
	p.Elem.EncodeFloats(out, vals)
	return nil
}
