// Package template substitutes {{namespace.path}} expressions inside action
// params immediately before dispatch.
//
// Three namespaces are visible: result.<action_id>[.<field>] for completed
// sibling results, memory.<key> for the key-value store, and env.<NAME> for
// the process environment (disabled under restrictive security profiles).
// A value that is exactly one expression keeps the referenced value's type;
// expressions embedded in surrounding text are stringified in place.
package template

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/llmos/llmosd/internal/errdefs"
)

// exprRe matches {{ns.path}} and {{ns.path.field}}. No nesting, no pipes.
var exprRe = regexp.MustCompile(`\{\{(\w+)\.(\w+)(?:\.(\w+))?\}\}`)

// HasExpressions reports whether any string in the params tree contains a
// template expression. Params that do cannot be schema-checked until they
// are resolved, since an expression may stand in for any value type.
func HasExpressions(params map[string]any) bool {
	return valueHasExpressions(params)
}

func valueHasExpressions(value any) bool {
	switch v := value.(type) {
	case string:
		return exprRe.MatchString(v)
	case map[string]any:
		for _, item := range v {
			if valueHasExpressions(item) {
				return true
			}
		}
	case []any:
		for _, item := range v {
			if valueHasExpressions(item) {
				return true
			}
		}
	}
	return false
}

// MemoryReader is the slice of the memory store the resolver needs.
type MemoryReader interface {
	MemoryGet(key string) (any, bool, error)
	MemoryKeys() ([]string, error)
}

// Resolver resolves template expressions against one plan's execution
// results. Resolution is pure: the same inputs always produce the same
// output, and the input maps are never mutated.
type Resolver struct {
	results map[string]any
	memory  MemoryReader
	envOK   bool
}

// NewResolver builds a resolver. results maps completed action ids to their
// results; memory may be nil; envOK gates the env namespace.
func NewResolver(results map[string]any, memory MemoryReader, envOK bool) *Resolver {
	return &Resolver{results: results, memory: memory, envOK: envOK}
}

// Resolve walks the params tree and substitutes every expression. Returns a
// new tree; the input is untouched.
func (r *Resolver) Resolve(params map[string]any) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		resolved, err := r.resolveValue(v)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func (r *Resolver) resolveValue(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return r.resolveString(v)
	case map[string]any:
		return r.Resolve(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := r.resolveValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

func (r *Resolver) resolveString(s string) (any, error) {
	// Exact single-expression match preserves the referenced value's type.
	if m := exprRe.FindStringSubmatch(s); m != nil && m[0] == s {
		return r.lookup(m[1], m[2], m[3])
	}

	var firstErr error
	out := exprRe.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		m := exprRe.FindStringSubmatch(match)
		val, err := r.lookup(m[1], m[2], m[3])
		if err != nil {
			firstErr = err
			return match
		}
		return stringify(val)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (r *Resolver) lookup(namespace, name, field string) (any, error) {
	switch namespace {
	case "result":
		return r.lookupResult(name, field)
	case "memory":
		return r.lookupMemory(name)
	case "env":
		return r.lookupEnv(name)
	default:
		return nil, errdefs.Protocol(errdefs.CodeTemplateError,
			"unknown template namespace %q; expected result, memory, or env", namespace)
	}
}

func (r *Resolver) lookupResult(actionID, field string) (any, error) {
	result, ok := r.results[actionID]
	if !ok {
		return nil, errdefs.Protocol(errdefs.CodeTemplateError,
			"action %q has not produced a result yet. Check that it appears in 'depends_on'", actionID).
			WithDetail("action_id", actionID)
	}
	if field == "" {
		return result, nil
	}
	obj, ok := result.(map[string]any)
	if !ok {
		return nil, errdefs.Protocol(errdefs.CodeTemplateError,
			"action %q result is not a dict; field %q cannot be read", actionID, field)
	}
	val, ok := obj[field]
	if !ok {
		fields := make([]string, 0, len(obj))
		for k := range obj {
			fields = append(fields, k)
		}
		sort.Strings(fields)
		return nil, errdefs.Protocol(errdefs.CodeTemplateError,
			"action %q result has no field %q. Available fields: [%s]",
			actionID, field, strings.Join(fields, ", ")).
			WithDetail("available_fields", fields)
	}
	return val, nil
}

func (r *Resolver) lookupMemory(key string) (any, error) {
	if r.memory == nil {
		return nil, errdefs.Protocol(errdefs.CodeTemplateError,
			"memory namespace is not available: no memory store configured")
	}
	val, ok, err := r.memory.MemoryGet(key)
	if err != nil {
		return nil, errdefs.State("memory read for key %q failed", key).WithCause(err)
	}
	if !ok {
		keys, _ := r.memory.MemoryKeys()
		sort.Strings(keys)
		return nil, errdefs.Protocol(errdefs.CodeTemplateError,
			"memory has no key %q. Available keys: [%s]", key, strings.Join(keys, ", ")).
			WithDetail("available_keys", keys)
	}
	return val, nil
}

func (r *Resolver) lookupEnv(name string) (any, error) {
	if !r.envOK {
		return nil, errdefs.Security(errdefs.CodeEnvAccessDisabled,
			"Environment variable access is disabled in the current security profile.")
	}
	val, ok := os.LookupEnv(name)
	if !ok {
		return nil, errdefs.Protocol(errdefs.CodeTemplateError,
			"environment variable %q is not set", name)
	}
	return val, nil
}

// stringify renders a resolved value for in-text substitution.
func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		// JSON numbers decode as float64; render integers without a point.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case bool:
		return fmt.Sprintf("%t", v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}
