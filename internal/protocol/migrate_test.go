package protocol

import (
	"testing"

	"github.com/llmos/llmosd/internal/errdefs"
)

func TestMigrateV1Steps(t *testing.T) {
	doc := map[string]any{
		"protocol_version": "1.0",
		"steps": []any{
			map[string]any{"type": "fs", "name": "read", "params": []any{"/tmp/a", true}},
			map[string]any{"id": "named", "type": "fs", "name": "write"},
		},
	}

	reg := NewMigrationRegistry()
	out, err := reg.Migrate(doc, "2.0")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if out["protocol_version"] != "2.0" {
		t.Errorf("protocol_version = %v", out["protocol_version"])
	}
	if _, has := out["steps"]; has {
		t.Error("steps survived migration")
	}

	actions := out["actions"].([]any)
	if len(actions) != 2 {
		t.Fatalf("actions = %d, want 2", len(actions))
	}

	first := actions[0].(map[string]any)
	if first["id"] != "step_1" {
		t.Errorf("generated id = %v", first["id"])
	}
	if first["module"] != "fs" || first["action"] != "read" {
		t.Errorf("module/action = %v/%v", first["module"], first["action"])
	}
	if first["on_error"] != "abort" {
		t.Errorf("on_error default = %v", first["on_error"])
	}
	if first["timeout"] != float64(60) {
		t.Errorf("timeout default = %v", first["timeout"])
	}
	params := first["params"].(map[string]any)
	if params["arg_0"] != "/tmp/a" || params["arg_1"] != true {
		t.Errorf("positional params = %v", params)
	}

	second := actions[1].(map[string]any)
	if second["id"] != "named" {
		t.Errorf("explicit id lost: %v", second["id"])
	}
}

func TestMigrateMissingVersionTreatedAsLegacy(t *testing.T) {
	doc := map[string]any{
		"steps": []any{map[string]any{"type": "sys", "name": "info"}},
	}
	reg := NewMigrationRegistry()
	out, err := reg.Migrate(doc, "2.0")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if out["protocol_version"] != "2.0" {
		t.Errorf("protocol_version = %v", out["protocol_version"])
	}
}

func TestMigrateCurrentVersionPassthrough(t *testing.T) {
	doc := map[string]any{"protocol_version": "2.0", "actions": []any{}}
	reg := NewMigrationRegistry()
	out, err := reg.Migrate(doc, "2.0")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if out["protocol_version"] != "2.0" {
		t.Errorf("passthrough altered document: %v", out)
	}
}

func TestMigrateUnknownVersion(t *testing.T) {
	doc := map[string]any{"protocol_version": "0.4"}
	reg := NewMigrationRegistry()
	_, err := reg.Migrate(doc, "2.0")
	if errdefs.CodeOf(err) != errdefs.CodeMigrationMissing {
		t.Errorf("code = %q, want %s", errdefs.CodeOf(err), errdefs.CodeMigrationMissing)
	}
}

func TestMigrateMultiHopPath(t *testing.T) {
	reg := NewMigrationRegistry()
	reg.Register("2.0", "3.0", func(doc map[string]any) (map[string]any, error) {
		out := map[string]any{}
		for k, v := range doc {
			out[k] = v
		}
		out["protocol_version"] = "3.0"
		out["hopped"] = true
		return out, nil
	})

	doc := map[string]any{"protocol_version": "1.0", "steps": []any{}}
	out, err := reg.Migrate(doc, "3.0")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if out["protocol_version"] != "3.0" || out["hopped"] != true {
		t.Errorf("multi-hop result = %v", out)
	}
	if _, has := out["actions"]; !has {
		t.Error("intermediate 1.0->2.0 hop did not run")
	}
}

func TestMigrateDoesNotMutateInput(t *testing.T) {
	doc := map[string]any{
		"protocol_version": "1.0",
		"steps":            []any{map[string]any{"type": "sys", "name": "info"}},
	}
	reg := NewMigrationRegistry()
	if _, err := reg.Migrate(doc, "2.0"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if doc["protocol_version"] != "1.0" {
		t.Errorf("input document mutated: %v", doc["protocol_version"])
	}
	if _, has := doc["steps"]; !has {
		t.Error("input document lost steps")
	}
}
