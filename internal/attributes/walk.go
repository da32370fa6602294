package attributes

import (
	"encoding/json"
	"sort"
	"strconv"
)

// DefaultMaxDepth bounds how deep nested values are parsed and walked.
const DefaultMaxDepth = 20

// Walk visits every leaf of value in order, passing the key path that leads
// to it. Map keys are strings in the path, list positions are ints. Walk
// stops as soon as fn returns false and reports whether it ran to the end.
// Leaves below maxDepth are ignored.
func Walk(value any, maxDepth int, fn func(path []any, leaf string) bool) bool {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return walk(value, nil, maxDepth, fn)
}

func walk(value any, path []any, depth int, fn func([]any, string) bool) bool {
	if depth < 0 {
		return true
	}

	switch v := value.(type) {
	case nil:
		return true
	case string:
		return fn(path, v)
	case json.Number:
		return fn(path, v.String())
	case bool:
		return fn(path, strconv.FormatBool(v))
	case int:
		return fn(path, strconv.Itoa(v))
	case float64:
		return fn(path, strconv.FormatFloat(v, 'f', -1, 64))
	case []string:
		for i, s := range v {
			if !fn(appendPath(path, i), s) {
				return false
			}
		}
		return true
	case []any:
		for i, item := range v {
			if !walk(item, appendPath(path, i), depth-1, fn) {
				return false
			}
		}
		return true
	case *Map:
		cont := true
		v.Range(func(k string, item any) bool {
			cont = walk(item, appendPath(path, k), depth-1, fn)
			return cont
		})
		return cont
	case map[string]any:
		for _, k := range sortedKeys(v) {
			if !walk(v[k], appendPath(path, k), depth-1, fn) {
				return false
			}
		}
		return true
	case map[string]string:
		for _, k := range sortedKeys(v) {
			if !fn(appendPath(path, k), v[k]) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

func appendPath(path []any, elem any) []any {
	out := make([]any, len(path), len(path)+1)
	copy(out, path)
	return append(out, elem)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
