// Package scripting hosts Lua kernel functions and adapts them to the
// numeric backend boundary. Graphs without an extern body are delegated to
// the CPU backend, so one world can mix scripted and built-in systems.
package scripting

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Engine wraps a single gopher-lua VM holding kernel functions. The VM is
// not reentrant, so calls are serialized behind a mutex; two scripted
// systems sharing a stage run one at a time.
type Engine struct {
	mu  sync.Mutex
	vm  *lua.LState
	log *zap.Logger
}

// NewEngine creates a Lua engine and loads every .lua file from the given
// directory. A missing directory is not an error; the engine starts empty.
func NewEngine(scriptsDir string, log *zap.Logger) (*Engine, error) {
	vm := lua.NewState(lua.Options{
		SkipOpenLibs: false,
	})

	vm.SetGlobal("API_VERSION", lua.LNumber(1))

	e := &Engine{vm: vm, log: log}
	n, err := e.loadDir(scriptsDir)
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("load kernel scripts: %w", err)
	}
	log.Info("lua kernels loaded", zap.String("dir", scriptsDir), zap.Int("files", n))
	return e, nil
}

// loadDir loads all .lua files in a directory.
func (e *Engine) loadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil // skip missing dirs
		}
		return 0, err
	}
	n := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.vm.DoFile(path); err != nil {
			return n, fmt.Errorf("load %s: %w", path, err)
		}
		e.log.Debug("loaded lua script", zap.String("file", path))
		n++
	}
	return n, nil
}

// DoString executes a chunk directly. Tooling and tests register kernels
// this way without a script directory.
func (e *Engine) DoString(src string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vm.DoString(src)
}

// SetGlobal publishes a numeric global, such as the fixed timestep, to
// every kernel function.
func (e *Engine) SetGlobal(name string, v float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vm.SetGlobal(name, lua.LNumber(v))
}

// Lookup reports whether a global function with the given name is defined.
func (e *Engine) Lookup(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vm.GetGlobal(name) != lua.LNil
}

// callKernel invokes one kernel function with the prepared argument table
// and returns its single result. Caller must hold e.mu.
func (e *Engine) callKernel(name string, arg *lua.LTable) (lua.LValue, error) {
	fn := e.vm.GetGlobal(name)
	if fn == lua.LNil {
		return lua.LNil, fmt.Errorf("scripting: function %q not defined", name)
	}
	if err := e.vm.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, arg); err != nil {
		return lua.LNil, fmt.Errorf("scripting: %s: %w", name, err)
	}
	result := e.vm.Get(-1)
	e.vm.Pop(1)
	return result, nil
}

// Close shuts down the Lua VM.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vm.Close()
}
