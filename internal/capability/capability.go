// Package capability defines the contract between the orchestration core
// and the modules that actually touch the host (filesystem, processes,
// network, GUI, IoT). Modules are black boxes behind the Capability
// interface; the registry owns them for the daemon's lifetime and enforces
// each action's declared parameter schema before dispatch.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/llmos/llmosd/internal/errdefs"
	"github.com/llmos/llmosd/pkg/iml"
)

// Capability is one provider of operations callable by plan actions.
// Execute receives already-resolved params and must honor ctx cancellation.
// It may not retain references to params across calls.
type Capability interface {
	Execute(ctx context.Context, action string, params map[string]any) (any, error)
	Manifest() Manifest
}

// ActionSpec describes one operation a capability exposes.
type ActionSpec struct {
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	ParamsSchema map[string]any `json:"params_schema,omitempty"`
	Permissions  []string       `json:"permissions,omitempty"`
	RiskLevel    iml.RiskLevel  `json:"risk_level,omitempty"`
}

// Manifest is the introspectable surface of a capability: agents read it to
// build tool catalogues.
type Manifest struct {
	Module      string       `json:"module"`
	Version     string       `json:"version"`
	Description string       `json:"description,omitempty"`
	Actions     []ActionSpec `json:"actions"`
	Platforms   []string     `json:"platforms,omitempty"`
}

// entry pairs a capability with its compiled schemas.
type entry struct {
	cap      Capability
	manifest Manifest
	schemas  map[string]*jsonschema.Schema // action name -> compiled schema
	actions  map[string]ActionSpec
}

// Registry is the lookup table from module id to capability. It is built
// during initialization and read-only afterwards; Rebuild swaps the whole
// table atomically instead of mutating in place.
type Registry struct {
	table atomic.Pointer[map[string]*entry]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := map[string]*entry{}
	r.table.Store(&empty)
	return r
}

// Rebuild replaces the registry contents with the given capabilities.
// Schemas are compiled here so dispatch never pays compilation cost.
func (r *Registry) Rebuild(caps []Capability) error {
	table := make(map[string]*entry, len(caps))
	for _, c := range caps {
		m := c.Manifest()
		if !iml.NamePattern.MatchString(m.Module) {
			return fmt.Errorf("capability module id %q is not a valid identifier", m.Module)
		}
		if _, dup := table[m.Module]; dup {
			return fmt.Errorf("capability module %q registered twice", m.Module)
		}
		e := &entry{
			cap:      c,
			manifest: m,
			schemas:  map[string]*jsonschema.Schema{},
			actions:  map[string]ActionSpec{},
		}
		for _, spec := range m.Actions {
			e.actions[spec.Name] = spec
			if spec.ParamsSchema == nil {
				continue
			}
			schema, err := compileSchema(m.Module, spec.Name, spec.ParamsSchema)
			if err != nil {
				return fmt.Errorf("capability %s.%s: %w", m.Module, spec.Name, err)
			}
			e.schemas[spec.Name] = schema
		}
		table[m.Module] = e
	}
	r.table.Store(&table)
	return nil
}

func compileSchema(module, action string, raw map[string]any) (*jsonschema.Schema, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("params schema not serializable: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	url := fmt.Sprintf("llmos://%s/%s/params.schema.json", module, action)
	if err := compiler.AddResource(url, strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("params schema rejected: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("params schema does not compile: %w", err)
	}
	return schema, nil
}

// Get returns the capability for a module id.
func (r *Registry) Get(module string) (Capability, error) {
	e, ok := (*r.table.Load())[module]
	if !ok {
		return nil, errdefs.Capability(errdefs.CodeModuleNotFound,
			"module %q is not registered", module).
			WithDetail("available_modules", r.Modules())
	}
	return e.cap, nil
}

// ActionSpec returns the declared spec of module.action.
func (r *Registry) ActionSpec(module, action string) (ActionSpec, error) {
	e, ok := (*r.table.Load())[module]
	if !ok {
		return ActionSpec{}, errdefs.Capability(errdefs.CodeModuleNotFound,
			"module %q is not registered", module)
	}
	spec, ok := e.actions[action]
	if !ok {
		return ActionSpec{}, errdefs.Capability(errdefs.CodeActionNotFound,
			"module %q has no action %q", module, action)
	}
	return spec, nil
}

// ValidateParams checks params against the declared schema of
// module.action. Unknown modules and actions pass here; they are reported
// at dispatch time where the error carries more context.
func (r *Registry) ValidateParams(module, action string, params map[string]any) error {
	e, ok := (*r.table.Load())[module]
	if !ok {
		return nil
	}
	schema, ok := e.schemas[action]
	if !ok {
		return nil
	}
	// Round-trip through JSON so the validator sees plain decoded values.
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("params not serializable: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("params do not match the %s.%s schema: %v", module, action, err)
	}
	return nil
}

// Manifests returns a snapshot of all registered manifests, sorted by
// module id.
func (r *Registry) Manifests() []Manifest {
	table := *r.table.Load()
	out := make([]Manifest, 0, len(table))
	for _, e := range table {
		out = append(out, e.manifest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Module < out[j].Module })
	return out
}

// Modules returns the sorted module ids.
func (r *Registry) Modules() []string {
	table := *r.table.Load()
	out := make([]string, 0, len(table))
	for id := range table {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SupportsVersion reports whether a registered module's version satisfies a
// plan's module_requirements entry. The constraint grammar is deliberately
// small: "1", "1.2", or "1.2.3" require a matching major version and a
// minor/patch at or above the constraint.
func (r *Registry) SupportsVersion(module, constraint string) bool {
	e, ok := (*r.table.Load())[module]
	if !ok {
		return false
	}
	if constraint == "" {
		return true
	}
	have := parseVersion(e.manifest.Version)
	want := parseVersion(constraint)
	if have[0] != want[0] {
		return false
	}
	if have[1] != want[1] {
		return have[1] > want[1]
	}
	return have[2] >= want[2]
}

func parseVersion(v string) [3]int {
	var out [3]int
	parts := strings.SplitN(strings.TrimPrefix(v, "v"), ".", 3)
	for i := 0; i < len(parts) && i < 3; i++ {
		fmt.Sscanf(parts[i], "%d", &out[i])
	}
	return out
}
