// Package lua hosts the per-project execution environment plus the static
// checks that run against node code before it is executed: form/type
// validation and reference analysis.
package lua

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// Session is one persistent Lua interpreter. Every node of a project runs in
// the same Session, so globals bound by earlier executions stay visible to
// later ones. Callers must serialize access; a Session performs no locking
// of its own.
type Session struct {
	L      *lua.LState
	closed bool
}

// NewSession creates a sandboxed interpreter with only the safe standard
// libraries loaded.
func NewSession() *Session {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	openSafeLibs(L)
	return &Session{L: L}
}

// openSafeLibs loads base, table, string and math, then strips functions
// that reach the filesystem or break determinism.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil)

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

// SymbolExists reports whether name is currently bound to a non-nil global.
// It never triggers execution.
func (s *Session) SymbolExists(name string) bool {
	if s.closed {
		return false
	}
	return s.L.GetGlobal(name) != lua.LNil
}

// Run executes code in the session. The context bounds execution time; on
// expiry the interpreter is interrupted and the error reflects the timeout.
// Lua runtime errors are returned as errors, never as panics.
func (s *Session) Run(ctx context.Context, code string) error {
	if s.closed {
		return fmt.Errorf("session is closed")
	}
	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	if err := s.L.DoString(code); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("execution timed out: %v", ctx.Err())
		}
		return err
	}
	return nil
}

// Bind sets a global to a value reloaded from a persisted result, so a
// dependency can be materialized without re-running its code.
func (s *Session) Bind(name string, value any) error {
	if s.closed {
		return fmt.Errorf("session is closed")
	}
	s.L.SetGlobal(name, goToLua(s.L, value))
	return nil
}

// Export reads a global and converts it to a plain Go value for
// persistence. Functions and other non-data values are not exportable.
func (s *Session) Export(name string) (any, error) {
	if s.closed {
		return nil, fmt.Errorf("session is closed")
	}
	v := s.L.GetGlobal(name)
	if v == lua.LNil {
		return nil, fmt.Errorf("global %q is not bound", name)
	}
	return luaToGo(v)
}

// GlobalIsFunction reports whether name is bound to a callable.
func (s *Session) GlobalIsFunction(name string) bool {
	if s.closed {
		return false
	}
	_, ok := s.L.GetGlobal(name).(*lua.LFunction)
	return ok
}

// Close tears down the interpreter. All bindings are lost; a later request
// must re-materialize every dependency.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.L.Close()
}
