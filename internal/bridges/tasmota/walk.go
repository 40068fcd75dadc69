package tasmota

import "strconv"

// maxWalkDepth bounds traversal depth. Real Tasmota telemetry nests a
// handful of levels; anything deeper is malformed and its subtree is
// skipped rather than risking unbounded recursion.
const maxWalkDepth = 16

// WalkLeaves traverses a decoded JSON value depth-first and calls visit
// with the key path and value of every leaf. Objects and arrays are
// composites (array indices become path keys); nil is a leaf. A scalar
// root produces no visits, matching the treatment of malformed branches:
// there is no key path to report.
//
// The path slice passed to visit is freshly allocated per leaf and may be
// retained by the callback.
func WalkLeaves(root any, visit func(path []string, value any)) {
	walkNode(root, nil, 0, visit)
}

func walkNode(v any, path []string, depth int, visit func(path []string, value any)) {
	if depth >= maxWalkDepth {
		return
	}

	switch node := v.(type) {
	case map[string]any:
		for key, child := range node {
			walkChild(child, childPath(path, key), depth, visit)
		}
	case []any:
		for i, child := range node {
			walkChild(child, childPath(path, strconv.Itoa(i)), depth, visit)
		}
	}
}

func walkChild(child any, path []string, depth int, visit func(path []string, value any)) {
	if isComposite(child) {
		walkNode(child, path, depth+1, visit)
		return
	}
	visit(path, child)
}

func isComposite(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

func childPath(path []string, key string) []string {
	p := make([]string, len(path)+1)
	copy(p, path)
	p[len(path)] = key
	return p
}
