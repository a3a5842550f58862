package capability

import (
	"context"
	"testing"

	"github.com/llmos/llmosd/internal/errdefs"
	"github.com/llmos/llmosd/pkg/iml"
)

// stubCapability is a manifest-only capability for registry tests.
type stubCapability struct {
	manifest Manifest
}

func (s stubCapability) Execute(ctx context.Context, action string, params map[string]any) (any, error) {
	return map[string]any{"action": action}, nil
}

func (s stubCapability) Manifest() Manifest { return s.manifest }

func fileModule() stubCapability {
	return stubCapability{manifest: Manifest{
		Module:  "filesystem",
		Version: "1.2.0",
		Actions: []ActionSpec{
			{
				Name:      "read_file",
				RiskLevel: iml.RiskLow,
				ParamsSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{"type": "string", "minLength": 1},
					},
					"required": []any{"path"},
				},
			},
			{Name: "list_dir"},
		},
	}}
}

func TestRegistryRebuildAndGet(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Rebuild([]Capability{fileModule()}); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	if _, err := reg.Get("filesystem"); err != nil {
		t.Errorf("get: %v", err)
	}
	_, err := reg.Get("network")
	if errdefs.CodeOf(err) != errdefs.CodeModuleNotFound {
		t.Errorf("code = %q", errdefs.CodeOf(err))
	}

	spec, err := reg.ActionSpec("filesystem", "read_file")
	if err != nil || spec.Name != "read_file" {
		t.Errorf("spec = %+v, err = %v", spec, err)
	}
	_, err = reg.ActionSpec("filesystem", "delete_everything")
	if errdefs.CodeOf(err) != errdefs.CodeActionNotFound {
		t.Errorf("code = %q", errdefs.CodeOf(err))
	}
}

func TestRegistryRejectsBadModuleID(t *testing.T) {
	reg := NewRegistry()
	err := reg.Rebuild([]Capability{stubCapability{manifest: Manifest{Module: "Not-Valid"}}})
	if err == nil {
		t.Error("invalid module id accepted")
	}
}

func TestRegistryRejectsDuplicateModule(t *testing.T) {
	reg := NewRegistry()
	err := reg.Rebuild([]Capability{fileModule(), fileModule()})
	if err == nil {
		t.Error("duplicate module accepted")
	}
}

func TestValidateParams(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Rebuild([]Capability{fileModule()}); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	if err := reg.ValidateParams("filesystem", "read_file", map[string]any{"path": "/etc/hosts"}); err != nil {
		t.Errorf("valid params rejected: %v", err)
	}
	if err := reg.ValidateParams("filesystem", "read_file", map[string]any{"path": ""}); err == nil {
		t.Error("empty path accepted")
	}
	if err := reg.ValidateParams("filesystem", "read_file", nil); err == nil {
		t.Error("missing required param accepted")
	}
	// No schema declared: anything goes.
	if err := reg.ValidateParams("filesystem", "list_dir", map[string]any{"x": 1}); err != nil {
		t.Errorf("schemaless action rejected params: %v", err)
	}
	// Unknown module/action pass validation; dispatch reports them.
	if err := reg.ValidateParams("ghost", "nope", nil); err != nil {
		t.Errorf("unknown module rejected at validation: %v", err)
	}
}

func TestRegistryRejectsBrokenSchema(t *testing.T) {
	broken := stubCapability{manifest: Manifest{
		Module: "broken",
		Actions: []ActionSpec{{
			Name:         "act",
			ParamsSchema: map[string]any{"type": 12345},
		}},
	}}
	reg := NewRegistry()
	if err := reg.Rebuild([]Capability{broken}); err == nil {
		t.Error("uncompilable schema accepted")
	}
}

func TestManifestsSorted(t *testing.T) {
	zeta := stubCapability{manifest: Manifest{Module: "zeta", Version: "1.0.0"}}
	reg := NewRegistry()
	if err := reg.Rebuild([]Capability{zeta, fileModule()}); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	manifests := reg.Manifests()
	if len(manifests) != 2 || manifests[0].Module != "filesystem" || manifests[1].Module != "zeta" {
		t.Errorf("manifests = %+v", manifests)
	}
	modules := reg.Modules()
	if len(modules) != 2 || modules[0] != "filesystem" {
		t.Errorf("modules = %v", modules)
	}
}

func TestSupportsVersion(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Rebuild([]Capability{fileModule()}); err != nil { // version 1.2.0
		t.Fatalf("rebuild: %v", err)
	}
	tests := []struct {
		module     string
		constraint string
		want       bool
	}{
		{"filesystem", "", true},
		{"filesystem", "1", true},
		{"filesystem", "1.0", true},
		{"filesystem", "1.2", true},
		{"filesystem", "1.2.0", true},
		{"filesystem", "1.3", false},
		{"filesystem", "2.0", false},
		{"filesystem", "0.9", false},
		{"ghost", "1.0", false},
	}
	for _, tt := range tests {
		if got := reg.SupportsVersion(tt.module, tt.constraint); got != tt.want {
			t.Errorf("SupportsVersion(%q, %q) = %v, want %v", tt.module, tt.constraint, got, tt.want)
		}
	}
}
