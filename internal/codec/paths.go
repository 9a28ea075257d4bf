package codec

import (
	"encoding/json"
	"sort"
	"strings"
)

// Snapshots address nested fields by dotted path. Objects descend
// recursively; arrays and scalars are leaves (arrays replace wholesale).
// An empty object is its own leaf so it survives a path walk.

// LeafPaths returns the sorted union of leaf paths across the given
// snapshots. Nil snapshots contribute nothing.
func LeafPaths(snapshots ...map[string]any) []string {
	set := make(map[string]struct{})
	for _, snap := range snapshots {
		collectLeafPaths("", snap, set)
	}
	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func collectLeafPaths(prefix string, m map[string]any, out map[string]struct{}) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok && len(child) > 0 {
			collectLeafPaths(path, child, out)
			continue
		}
		out[path] = struct{}{}
	}
}

// ValueAt resolves a dotted path. The second return is false when any
// segment is missing or a non-map intervenes.
func ValueAt(m map[string]any, path string) (any, bool) {
	if m == nil {
		return nil, false
	}
	segs := strings.Split(path, ".")
	cur := any(m)
	for _, seg := range segs {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// SetAt writes a value at a dotted path, creating intermediate maps as
// needed.
func SetAt(m map[string]any, path string, value any) {
	segs := strings.Split(path, ".")
	cur := m
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = value
}

// DeleteAt removes the value at a dotted path, pruning nothing else.
func DeleteAt(m map[string]any, path string) {
	segs := strings.Split(path, ".")
	cur := m
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, segs[len(segs)-1])
}

// Equal compares two JSON-shaped values. Numbers compare numerically, maps
// and slices recursively, everything else by ==.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if na, ok := toFloat(a); ok {
		nb, ok := toFloat(b)
		return ok && na == nb
	}
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !Equal(v, w) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
