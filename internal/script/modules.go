package script

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"
)

// lampModule exposes hook registration and the current preview to Lua.
type lampModule struct {
	preview    PreviewFunc
	onCommand  *lua.LFunction
	onSettings *lua.LFunction
}

func (m *lampModule) Loader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "on_command", L.NewFunction(m.registerCommand))
	L.SetField(mod, "on_settings", L.NewFunction(m.registerSettings))
	L.SetField(mod, "preview", L.NewFunction(m.currentPreview))

	tabs := L.NewTable()
	for _, tab := range []string{"home", "expressions", "lamp-setup", "info"} {
		tabs.Append(lua.LString(tab))
	}
	L.SetField(mod, "tabs", tabs)

	L.Push(mod)
	return 1
}

func (m *lampModule) registerCommand(L *lua.LState) int {
	m.onCommand = L.CheckFunction(1)
	return 0
}

func (m *lampModule) registerSettings(L *lua.LState) int {
	m.onSettings = L.CheckFunction(1)
	return 0
}

func (m *lampModule) currentPreview(L *lua.LState) int {
	if m.preview == nil {
		L.Push(L.NewTable())
		return 1
	}
	L.Push(goToLua(L, m.preview()))
	return 1
}

func logLoader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "debug", L.NewFunction(logAt(zerolog.DebugLevel)))
	L.SetField(mod, "info", L.NewFunction(logAt(zerolog.InfoLevel)))
	L.SetField(mod, "warn", L.NewFunction(logAt(zerolog.WarnLevel)))
	L.SetField(mod, "error", L.NewFunction(logAt(zerolog.ErrorLevel)))

	L.Push(mod)
	return 1
}

func logAt(level zerolog.Level) lua.LGFunction {
	return func(L *lua.LState) int {
		msg := L.CheckString(1)

		event := log.WithLevel(level).Str("source", "lua")
		if tbl, ok := L.Get(2).(*lua.LTable); ok {
			tbl.ForEach(func(key, value lua.LValue) {
				event = event.Interface(lua.LVAsString(key), luaToGo(value))
			})
		}
		event.Msg(msg)
		return 0
	}
}

// luaToGo converts a Lua value to a Go value. Tables with only positive
// integer keys become slices.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LString:
		return string(val)
	case lua.LNumber:
		return float64(val)
	case lua.LBool:
		return bool(val)
	case *lua.LTable:
		isArray := true
		maxIdx := 0
		val.ForEach(func(k, _ lua.LValue) {
			if num, ok := k.(lua.LNumber); ok && num >= 1 {
				if int(num) > maxIdx {
					maxIdx = int(num)
				}
			} else {
				isArray = false
			}
		})

		if isArray && maxIdx > 0 {
			arr := make([]any, maxIdx)
			val.ForEach(func(k, v lua.LValue) {
				arr[int(k.(lua.LNumber))-1] = luaToGo(v)
			})
			return arr
		}

		obj := make(map[string]any)
		val.ForEach(func(k, v lua.LValue) {
			obj[lua.LVAsString(k)] = luaToGo(v)
		})
		return obj
	case *lua.LNilType:
		return nil
	default:
		return v.String()
	}
}

// goToLua converts a decoded JSON value (or a plain Go value) to Lua.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return lua.LString(val.String())
		}
		return lua.LNumber(f)
	case string:
		return lua.LString(val)
	case []string:
		tbl := L.NewTable()
		for i, item := range val {
			tbl.RawSetInt(i+1, lua.LString(item))
		}
		return tbl
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			tbl.RawSetInt(i+1, goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			tbl.RawSetString(k, goToLua(L, item))
		}
		return tbl
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(val, &decoded); err != nil {
			return lua.LString(string(val))
		}
		return goToLua(L, decoded)
	default:
		return lua.LString(fmt.Sprintf("%v", v))
	}
}
