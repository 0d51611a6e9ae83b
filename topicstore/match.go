package topicstore

import (
	"encoding/json"
	"reflect"
)

// KeyField is the data field holding the record key.
const KeyField = "id_"

// matches reports whether every field of match equals the same field of data.
// Numbers compare by value regardless of their Go type, as jsonb does.
func matches(data, match map[string]any) bool {
	for k, want := range match {
		got, ok := data[k]
		if !ok || !sameValue(got, want) {
			return false
		}
	}
	return true
}

func sameValue(a, b any) bool {
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
