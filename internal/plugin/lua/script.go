package lua

import (
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// Script wraps a sandboxed gopher-lua state holding one plugin generation.
//
// Memory limits are advisory only; gopher-lua provides no enforcement
// mechanism. Execution is synchronous and serialized through the mutex.
type Script struct {
	mu sync.Mutex

	L      *lua.LState
	bridge *Bridge

	// generation identifies which load of the plugin this state belongs
	// to. It exists so the loader can tell a stale handle from the
	// current one after a hot reload.
	generation int

	closed bool
}

// ScriptOption configures a Script.
type ScriptOption func(*Script)

// WithGeneration tags the script with a load generation.
func WithGeneration(gen int) ScriptOption {
	return func(s *Script) {
		s.generation = gen
	}
}

// NewScript creates a fresh sandboxed Lua state.
func NewScript(opts ...ScriptOption) *Script {
	s := &Script{}
	for _, opt := range opts {
		opt(s)
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true, // opened selectively below
	})

	openSafeLibraries(L)
	installSandbox(L)

	s.L = L
	s.bridge = NewBridge(L)
	return s
}

// openSafeLibraries opens only safe Lua standard libraries.
// io, os and debug stay closed. The package library is opened for
// require and preload support; installSandbox strips its disk loaders.
func openSafeLibraries(L *lua.LState) {
	lua.OpenPackage(L)
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

// Generation returns the load generation this script belongs to.
func (s *Script) Generation() int {
	return s.generation
}

// Bridge returns the Go-Lua value bridge for this script.
func (s *Script) Bridge() *Bridge {
	return s.bridge
}

// Preload registers a module table so require(name) resolves to it.
func (s *Script) Preload(name string, loader lua.LGFunction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.L.PreloadModule(name, loader)
	allowModule(s.L, name)
}

// DoFile executes a Lua file. The call blocks until completion or error.
func (s *Script) DoFile(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrScriptClosed
	}

	return s.withRecovery(func() error {
		return s.L.DoFile(path)
	})
}

// DoString executes Lua source. The call blocks until completion or error.
func (s *Script) DoString(code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrScriptClosed
	}

	return s.withRecovery(func() error {
		return s.L.DoString(code)
	})
}

// CompileFile parses and compiles a Lua file without executing it.
// Used for validation, where running plugin code would be a side effect.
func CompileFile(path string) error {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	_, err := L.LoadFile(path)
	return err
}

// HasGlobalFunction reports whether the named global is a Lua function.
func (s *Script) HasGlobalFunction(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	v := s.L.GetGlobal(name)
	return v.Type() == lua.LTFunction
}

// CallGlobal calls a global Lua function with Go arguments, converting
// results back to Go values.
func (s *Script) CallGlobal(fn string, args ...any) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrScriptClosed
	}

	fnVal := s.L.GetGlobal(fn)
	if fnVal.Type() != lua.LTFunction {
		return nil, fmt.Errorf("%w: %q (got %s)", ErrNotAFunction, fn, fnVal.Type())
	}
	return s.call(fnVal, args)
}

// CallFunction calls a captured Lua function value with Go arguments.
// Registration handlers are invoked through this path.
func (s *Script) CallFunction(fn *lua.LFunction, args ...any) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrScriptClosed
	}
	return s.call(fn, args)
}

// call pushes fn and args, runs a protected call and collects results.
// Caller must hold s.mu.
func (s *Script) call(fn lua.LValue, args []any) ([]any, error) {
	stackTop := s.L.GetTop()

	s.L.Push(fn)
	for _, arg := range args {
		s.L.Push(s.bridge.ToLua(arg))
	}

	var callErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				callErr = fmt.Errorf("lua panic: %v", r)
			}
		}()
		callErr = s.L.PCall(len(args), lua.MultRet, nil)
	}()
	if callErr != nil {
		return nil, callErr
	}

	nRet := s.L.GetTop() - stackTop
	if nRet <= 0 {
		return []any{}, nil
	}
	results := make([]any, nRet)
	for i := 0; i < nRet; i++ {
		results[i] = s.bridge.ToGo(s.L.Get(stackTop + i + 1))
	}
	s.L.Pop(nRet)

	return results, nil
}

// withRecovery executes fn converting panics into errors.
// Caller must hold s.mu.
func (s *Script) withRecovery(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}

// Closed reports whether the script has been closed.
func (s *Script) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases the Lua state. Safe to call more than once.
func (s *Script) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.L.Close()
	return nil
}
