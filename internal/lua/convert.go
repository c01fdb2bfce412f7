package lua

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// goToLua converts a plain Go value (the shapes produced by the result
// store) to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			L.SetTable(tbl, lua.LNumber(i+1), goToLua(L, item))
		}
		return tbl
	case []map[string]any:
		tbl := L.NewTable()
		for i, item := range val {
			L.SetTable(tbl, lua.LNumber(i+1), goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			L.SetField(tbl, k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a Lua value to a plain Go value. Array-style tables
// (length > 0) become []any, everything else becomes map[string]any with
// stringified keys. Functions, userdata and the like are not data and
// produce an error.
func luaToGo(v lua.LValue) (any, error) {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(val), nil
	case lua.LNumber:
		return float64(val), nil
	case lua.LString:
		return string(val), nil
	case *lua.LTable:
		return tableToGo(val)
	default:
		return nil, fmt.Errorf("cannot export %s value", v.Type().String())
	}
}

func tableToGo(tbl *lua.LTable) (any, error) {
	if n := tbl.Len(); n > 0 {
		// Keys outside the array part would be silently lost in the []any
		// form, so a mixed table is not exportable data.
		if hasNonArrayKeys(tbl, n) {
			return nil, fmt.Errorf("cannot export a table mixing array entries and keyed fields")
		}
		out := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			item, err := luaToGo(tbl.RawGetInt(i))
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	}

	out := make(map[string]any)
	var convErr error
	tbl.ForEach(func(k, v lua.LValue) {
		if convErr != nil {
			return
		}
		item, err := luaToGo(v)
		if err != nil {
			convErr = err
			return
		}
		out[k.String()] = item
	})
	if convErr != nil {
		return nil, convErr
	}
	return out, nil
}

func hasNonArrayKeys(tbl *lua.LTable, n int) bool {
	mixed := false
	tbl.ForEach(func(k, _ lua.LValue) {
		if num, ok := k.(lua.LNumber); ok {
			i := int(num)
			if lua.LNumber(i) == num && i >= 1 && i <= n {
				return
			}
		}
		mixed = true
	})
	return mixed
}
