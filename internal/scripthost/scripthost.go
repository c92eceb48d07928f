// Package scripthost embeds a sandboxed Lua interpreter used to run
// per-domain extraction scripts against fetched page bodies. Each
// registrable domain may provide its own <scripts_dir>/<domain>/init.lua
// defining a process(body, url) function; scripts run with access only
// to the string, table, and base libraries, a read-only os table, and
// package.require (so they can pull in the shared "common" helpers).
package scripthost

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"

	"github.com/ddoxey/polite-crawler/internal/crawlerr"
	"github.com/ddoxey/polite-crawler/internal/weburl"
)

//go:embed lua/common/init.lua
var commonSource string

// ErrNoScript names crawlerr.ErrScriptMissing locally so existing callers
// in this package read naturally; it is the same sentinel value.
var ErrNoScript = crawlerr.ErrScriptMissing

// osAllowed lists the os table members kept after sandboxing; anything
// else (execute, remove, rename, tmpname, exit, getenv) is stripped.
var osAllowed = map[string]bool{
	"time":     true,
	"clock":    true,
	"date":     true,
	"difftime": true,
}

// Host loads and dispatches a single domain's extraction script.
type Host struct {
	domain string
	state  *lua.LState
	fn     *lua.LFunction
}

// New locates <scriptsDir>/<domain>/init.lua, loads it into a sandboxed
// Lua state, and resolves its process() function. A missing script file
// or a script with no process() function is not an error: HasScript
// reports false and Process returns ErrNoScript for any URL of the domain.
func New(scriptsDir, domain string, debug bool) (*Host, error) {
	path := filepath.Join(scriptsDir, domain, "init.lua")
	if _, err := os.Stat(path); err != nil {
		return &Host{domain: domain}, nil
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openSandboxedLibs(L)
	preloadCommon(L)
	if debug {
		L.SetGlobal("DEBUG", lua.LTrue)
	}

	if err := L.DoFile(path); err != nil {
		L.Close()
		return nil, fmt.Errorf("scripthost: load %s: %w", path, err)
	}

	fn, ok := L.GetGlobal("process").(*lua.LFunction)
	if !ok {
		L.Close()
		return &Host{domain: domain}, nil
	}

	return &Host{domain: domain, state: L, fn: fn}, nil
}

// HasScript reports whether a usable process() function was loaded.
func (h *Host) HasScript() bool { return h.fn != nil }

// Close releases the underlying Lua state.
func (h *Host) Close() {
	if h.state != nil {
		h.state.Close()
	}
}

// ClientRedirect is the typed form of an ExtractionResult's
// "client_redirect" field: a script-detected meta-refresh or JS
// navigation the crawl pipeline should follow.
type ClientRedirect struct {
	Kind         string // "meta" or "js"
	DelaySeconds int
	TargetURL    string
	BaseHref     string // "" if absent
}

// Process invokes process(body, url) and converts its table return value
// into a structured Go document (nested map[string]any / []any), along
// with the typed ClientRedirect extracted from the document's
// "client_redirect" field, if present. u must belong to the domain this
// Host was constructed for; a mismatch returns (nil, nil, nil) rather
// than an error, matching a script simply having nothing to say about a
// URL outside its scope.
func (h *Host) Process(u weburl.URL, body string) (any, *ClientRedirect, error) {
	if u.RegistrableDomain() != h.domain {
		return nil, nil, nil
	}
	if h.fn == nil {
		return nil, nil, ErrNoScript
	}

	h.state.Push(h.fn)
	h.state.Push(lua.LString(body))
	h.state.Push(lua.LString(u.ToString()))

	if err := h.state.PCall(2, 1, nil); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", crawlerr.ErrScriptError, err)
	}

	ret := h.state.Get(-1)
	h.state.Pop(1)

	if ret == lua.LNil {
		return nil, nil, crawlerr.ErrScriptNoResults
	}
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, nil, crawlerr.ErrScriptReturnedNonTable
	}

	doc := tableToGo(tbl)
	redirect := extractClientRedirect(tbl)
	return doc, redirect, nil
}

func extractClientRedirect(tbl *lua.LTable) *ClientRedirect {
	val := tbl.RawGetString("client_redirect")
	sub, ok := val.(*lua.LTable)
	if !ok {
		return nil
	}
	redirect := &ClientRedirect{}
	if kind, ok := sub.RawGetString("kind").(lua.LString); ok {
		redirect.Kind = string(kind)
	}
	if delay, ok := sub.RawGetString("delay_seconds").(lua.LNumber); ok {
		redirect.DelaySeconds = int(delay)
	}
	if target, ok := sub.RawGetString("target_url").(lua.LString); ok {
		redirect.TargetURL = string(target)
	}
	if base, ok := sub.RawGetString("base_href").(lua.LString); ok {
		redirect.BaseHref = string(base)
	}
	if redirect.TargetURL == "" {
		return nil
	}
	return redirect
}

func openSandboxedLibs(L *lua.LState) {
	for _, pair := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.OsLibName, lua.OpenOs},
		{lua.LoadLibName, lua.OpenPackage},
	} {
		L.Push(L.NewFunction(pair.fn))
		L.Push(lua.LString(pair.name))
		L.Call(1, 0)
	}

	if osTbl, ok := L.GetGlobal("os").(*lua.LTable); ok {
		osTbl.ForEach(func(key, _ lua.LValue) {
			name, ok := key.(lua.LString)
			if !ok {
				return
			}
			if !osAllowed[string(name)] {
				osTbl.RawSetString(string(name), lua.LNil)
			}
		})
	}
}

func preloadCommon(L *lua.LState) {
	L.PreloadModule("common", func(L *lua.LState) int {
		fn, err := L.LoadString(commonSource)
		if err != nil {
			L.RaiseError("scripthost: load common module: %v", err)
			return 0
		}
		L.Push(fn)
		L.Call(0, 1)
		return 1
	})
}

// tableToGo recursively converts an *lua.LTable into a plain Go value:
// a slice for an array-like table (keys 1..n with no gaps), a
// map[string]any otherwise.
func tableToGo(tbl *lua.LTable) any {
	if isArrayLike(tbl) {
		n := tbl.Len()
		out := make([]any, n)
		for i := 1; i <= n; i++ {
			out[i-1] = luaValueToGo(tbl.RawGetInt(i))
		}
		return out
	}

	out := make(map[string]any)
	tbl.ForEach(func(key, val lua.LValue) {
		out[keyToString(key)] = luaValueToGo(val)
	})
	return out
}

func isArrayLike(tbl *lua.LTable) bool {
	n := tbl.Len()
	count := 0
	tbl.ForEach(func(_, _ lua.LValue) { count++ })
	if count != n {
		return false
	}
	for i := 1; i <= n; i++ {
		if tbl.RawGetInt(i) == lua.LNil {
			return false
		}
	}
	return true
}

func keyToString(key lua.LValue) string {
	switch k := key.(type) {
	case lua.LString:
		return string(k)
	case lua.LNumber:
		return k.String()
	default:
		return "<unsupported key>"
	}
}

func luaValueToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		return tableToGo(val)
	default:
		return "<unsupported value>"
	}
}
