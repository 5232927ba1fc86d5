package starbind

import (
	"fmt"

	"go.starlark.net/starlark"

	"github.com/nucleo-dbg/nkd/service/api"
)

// toStarlarkValue converts an output value: records become dicts with
// the keys in record order, lists become lists and Null becomes None.
func toStarlarkValue(v api.Value) starlark.Value {
	switch v := v.(type) {
	case api.String:
		return starlark.String(v)
	case *api.Record:
		d := starlark.NewDict(len(v.Entries))
		for _, e := range v.Entries {
			// SetKey only fails for unhashable keys or frozen dicts
			_ = d.SetKey(starlark.String(e.Key), toStarlarkValue(e.Value))
		}
		return d
	case api.List:
		elems := make([]starlark.Value, len(v))
		for i := range v {
			elems[i] = toStarlarkValue(v[i])
		}
		return starlark.NewList(elems)
	}
	return starlark.None
}

// recordField returns the value of key in rec, converted.
func recordField(rec *api.Record, key string) starlark.Value {
	v, ok := rec.Get(key)
	if !ok {
		return starlark.None
	}
	return toStarlarkValue(v)
}

// addressArg converts an argument that can be either an integer or a
// string (pid, "0x…" address) into the text form the debugger parses.
func addressArg(fnname, argname string, v starlark.Value) (string, error) {
	switch v := v.(type) {
	case starlark.NoneType:
		return "", nil
	case starlark.String:
		return string(v), nil
	case starlark.Int:
		n, ok := v.Uint64()
		if !ok {
			return "", fmt.Errorf("%s: %s out of range: %v", fnname, argname, v)
		}
		return fmt.Sprintf("%#x", n), nil
	}
	return "", fmt.Errorf("%s: %s must be an integer or a string, got %s", fnname, argname, v.Type())
}
