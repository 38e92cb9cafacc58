package canon

import (
	"encoding/json"
	"fmt"
	"sort"
)

// FromGo converts a plain Go value (as produced by a JSON-ish decode using
// map[string]any/[]any/string/int64/uint64/bool/nil) into a canon.Value. It
// rejects float64 outright, since that type only appears when something
// upstream used encoding/json's default number decoding instead of this
// package's Parse — a sign the canonical boundary was bypassed.
func FromGo(v any) (Value, error) {
	switch vv := v.(type) {
	case nil:
		return Null{}, nil
	case bool:
		return Bool(vv), nil
	case string:
		return String(vv), nil
	case int:
		return Int(int64(vv)), nil
	case int64:
		return Int(vv), nil
	case uint64:
		return Uint(vv), nil
	case float64:
		return nil, fmt.Errorf("canon: float64 value %v is not representable in canonical form", vv)
	case []any:
		arr := make(Array, 0, len(vv))
		for _, elem := range vv {
			cv, err := FromGo(elem)
			if err != nil {
				return nil, err
			}
			arr = append(arr, cv)
		}
		return arr, nil
	case map[string]any:
		obj := NewObject()
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			cv, err := FromGo(vv[k])
			if err != nil {
				return nil, err
			}
			obj.Set(k, cv)
		}
		return obj, nil
	case Value:
		return vv, nil
	default:
		return nil, fmt.Errorf("canon: unsupported Go type %T", v)
	}
}

// ToGo converts a canon.Value back into plain Go values for callers that
// want to inspect fields without a type switch over canon's own types.
func ToGo(v Value) any {
	switch vv := v.(type) {
	case Null:
		return nil
	case Bool:
		return bool(vv)
	case Int:
		return int64(vv)
	case Uint:
		return uint64(vv)
	case String:
		return string(vv)
	case Array:
		out := make([]any, len(vv))
		for i, elem := range vv {
			out[i] = ToGo(elem)
		}
		return out
	case *Object:
		out := make(map[string]any, len(vv.keys))
		for _, k := range vv.keys {
			out[k] = ToGo(vv.values[k])
		}
		return out
	default:
		return nil
	}
}

// CanonicalizeStruct renders any Go struct with standard `json` tags into
// canonical form: it first marshals with encoding/json (every numeric
// field in this codebase is an integer type, so no float ever appears on
// this path), then reparses with this package's strict Parse and
// re-serializes with Marshal so the result carries the key-sorting and
// minimal-escape guarantees no struct tag ordering can provide.
func CanonicalizeStruct(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal struct: %w", err)
	}
	parsed, perr := Parse(raw)
	if perr != nil {
		return nil, fmt.Errorf("canon: %w", perr)
	}
	return Marshal(parsed), nil
}
