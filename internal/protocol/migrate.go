package protocol

import (
	"fmt"

	"github.com/llmos/llmosd/internal/errdefs"
)

// MigrationFunc rewrites a plan document from one protocol version to the
// next. It must not mutate its input.
type MigrationFunc func(doc map[string]any) (map[string]any, error)

type migrationEdge struct {
	to string
	fn MigrationFunc
}

// MigrationRegistry holds the version graph. Migrations are registered at
// init time; lookup runs a BFS to find the shortest path between versions.
type MigrationRegistry struct {
	edges map[string][]migrationEdge
}

// NewMigrationRegistry returns a registry preloaded with the built-in
// 1.0 -> 2.0 migration.
func NewMigrationRegistry() *MigrationRegistry {
	r := &MigrationRegistry{edges: map[string][]migrationEdge{}}
	r.Register("1.0", "2.0", migrateV1ToV2)
	return r
}

// Register adds a migration edge from one version to another.
func (r *MigrationRegistry) Register(from, to string, fn MigrationFunc) {
	r.edges[from] = append(r.edges[from], migrationEdge{to: to, fn: fn})
}

// findPath returns the shortest migration chain from one version to
// another, or nil if no path exists.
func (r *MigrationRegistry) findPath(from, to string) []migrationEdge {
	if from == to {
		return []migrationEdge{}
	}
	type node struct {
		version string
		path    []migrationEdge
	}
	visited := map[string]bool{from: true}
	queue := []node{{version: from}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, edge := range r.edges[cur.version] {
			if visited[edge.to] {
				continue
			}
			path := append(append([]migrationEdge{}, cur.path...), edge)
			if edge.to == to {
				return path
			}
			visited[edge.to] = true
			queue = append(queue, node{version: edge.to, path: path})
		}
	}
	return nil
}

// Migrate brings a raw plan document to the target protocol version. A
// missing protocol_version is treated as legacy "1.0". A document already
// at the target version is returned as-is.
func (r *MigrationRegistry) Migrate(doc map[string]any, target string) (map[string]any, error) {
	from, _ := doc["protocol_version"].(string)
	if from == "" {
		from = "1.0"
	}
	if from == target {
		return doc, nil
	}
	path := r.findPath(from, target)
	if path == nil {
		return nil, errdefs.Protocol(errdefs.CodeMigrationMissing,
			"no migration path from protocol version %q to %q", from, target).
			WithDetail("from_version", from).
			WithDetail("to_version", target)
	}
	var err error
	for _, edge := range path {
		doc, err = edge.fn(doc)
		if err != nil {
			return nil, errdefs.Protocol(errdefs.CodeMigrationMissing,
				"migration to %q failed", edge.to).WithCause(err)
		}
	}
	return doc, nil
}

// migrateV1ToV2 rewrites the legacy v1 shape: steps become actions, legacy
// type/name fields become module/action, positional param lists become
// arg_N maps, and missing ids and policies get defaults.
func migrateV1ToV2(doc map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	out["protocol_version"] = "2.0"

	steps, ok := out["steps"].([]any)
	if !ok {
		if actions, has := out["actions"].([]any); has {
			steps = actions
		} else {
			steps = []any{}
		}
	}
	delete(out, "steps")

	actions := make([]any, 0, len(steps))
	for i, raw := range steps {
		step, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("step %d is not an object", i)
		}
		action := make(map[string]any, len(step))
		for k, v := range step {
			action[k] = v
		}
		if _, has := action["id"]; !has {
			action["id"] = fmt.Sprintf("step_%d", i+1)
		}
		if t, has := action["type"]; has {
			action["module"] = t
			delete(action, "type")
		}
		if n, has := action["name"]; has {
			action["action"] = n
			delete(action, "name")
		}
		if _, has := action["on_error"]; !has {
			action["on_error"] = "abort"
		}
		if _, has := action["timeout"]; !has {
			action["timeout"] = float64(60)
		}
		if list, isList := action["params"].([]any); isList {
			params := make(map[string]any, len(list))
			for j, v := range list {
				params[fmt.Sprintf("arg_%d", j)] = v
			}
			action["params"] = params
		}
		actions = append(actions, action)
	}
	out["actions"] = actions
	return out, nil
}
