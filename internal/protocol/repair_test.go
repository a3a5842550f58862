package protocol

import (
	"strings"
	"testing"
)

func TestRepairValidInputUntouched(t *testing.T) {
	text := `{"plan_id": "p1", "actions": []}`
	result := Repair(text)
	if !result.Ok() {
		t.Fatal("valid JSON did not decode")
	}
	if result.WasModified {
		t.Errorf("valid JSON was modified: %v", result.Transformations)
	}
	if result.RepairedText != text {
		t.Errorf("repaired text changed: %q", result.RepairedText)
	}
}

func TestRepairCascade(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string // transformation that must appear
	}{
		{
			name:  "markdown fences",
			input: "```json\n{\"plan_id\": \"p1\"}\n```",
			want:  "strip_markdown_fences",
		},
		{
			name:  "bare fences",
			input: "```\n{\"plan_id\": \"p1\"}\n```",
			want:  "strip_markdown_fences",
		},
		{
			name:  "line comments",
			input: "{\n// the plan id\n\"plan_id\": \"p1\"}",
			want:  "remove_comments",
		},
		{
			name:  "block comments",
			input: `{"plan_id": /* generated */ "p1"}`,
			want:  "remove_comments",
		},
		{
			name:  "trailing comma",
			input: `{"plan_id": "p1", "actions": [],}`,
			want:  "remove_trailing_commas",
		},
		{
			name:  "python literals",
			input: `{"plan_id": "p1", "flag": True, "other": None}`,
			want:  "convert_python_literals",
		},
		{
			name:  "unquoted keys",
			input: `{plan_id: "p1", actions: []}`,
			want:  "quote_unquoted_keys",
		},
		{
			name:  "single quotes",
			input: `{'plan_id': 'p1'}`,
			want:  "single_to_double_quotes",
		},
		{
			name:  "unbalanced brackets",
			input: `{"plan_id": "p1", "actions": [{"id": "a"}`,
			want:  "close_open_structures",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Repair(tt.input)
			if !result.Ok() {
				t.Fatalf("repair failed; transformations=%v repaired=%q",
					result.Transformations, result.RepairedText)
			}
			if !result.WasModified {
				t.Fatal("WasModified = false for broken input")
			}
			found := false
			for _, tr := range result.Transformations {
				if tr == tt.want {
					found = true
				}
			}
			if !found {
				t.Errorf("transformations %v missing %q", result.Transformations, tt.want)
			}
			if result.Parsed["plan_id"] != "p1" {
				t.Errorf("plan_id = %v after repair", result.Parsed["plan_id"])
			}
		})
	}
}

func TestRepairStackedFaults(t *testing.T) {
	input := "```json\n{'plan_id': 'p1', 'flag': True,}\n```"
	result := Repair(input)
	if !result.Ok() {
		t.Fatalf("repair failed: %v / %q", result.Transformations, result.RepairedText)
	}
	if result.Parsed["flag"] != true {
		t.Errorf("flag = %v, want true", result.Parsed["flag"])
	}
}

func TestRepairPreservesApostrophesInsideStrings(t *testing.T) {
	input := `{unquoted: "it's fine"}`
	result := Repair(input)
	if !result.Ok() {
		t.Fatalf("repair failed: %q", result.RepairedText)
	}
	if result.Parsed["unquoted"] != "it's fine" {
		t.Errorf("value = %v", result.Parsed["unquoted"])
	}
}

func TestRepairGivesUpOnGarbage(t *testing.T) {
	result := Repair("this is prose, not a plan")
	if result.Ok() {
		t.Fatalf("garbage decoded to %v", result.Parsed)
	}
}

func TestRepairBalancesNestedStructures(t *testing.T) {
	input := `{"a": {"b": [1, 2, {"c": 3`
	result := Repair(input)
	if !result.Ok() {
		t.Fatalf("repair failed: %q", result.RepairedText)
	}
	if !strings.HasSuffix(result.RepairedText, "}]}}") {
		t.Errorf("closers wrong: %q", result.RepairedText)
	}
}
