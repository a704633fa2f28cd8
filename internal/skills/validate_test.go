package skills

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/haasonsaas/nexus3/pkg/models"
)

// recordingSkill captures the arguments that survive validation.
type recordingSkill struct {
	name   string
	schema string
	got    map[string]any
	called bool
}

func (s *recordingSkill) Name() string        { return s.name }
func (s *recordingSkill) Description() string { return "test skill" }
func (s *recordingSkill) Parameters() json.RawMessage {
	return json.RawMessage(s.schema)
}
func (s *recordingSkill) Execute(ctx context.Context, args map[string]any) models.ToolResult {
	s.called = true
	s.got = args
	return models.ToolResult{Output: "ok"}
}

const testSchema = `{
	"type": "object",
	"properties": {
		"message": {"type": "string"},
		"count":   {"type": "integer", "minimum": 1}
	},
	"required": ["message"]
}`

func TestValidationPasses(t *testing.T) {
	inner := &recordingSkill{name: "t", schema: testSchema}
	s := WithValidation(inner, false, nil)

	res := s.Execute(context.Background(), map[string]any{"message": "hi", "count": 3})
	if !res.Success() {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	if !inner.called || inner.got["message"] != "hi" {
		t.Error("arguments did not reach the skill")
	}
}

func TestValidationMissingRequired(t *testing.T) {
	inner := &recordingSkill{name: "t", schema: testSchema}
	s := WithValidation(inner, false, nil)

	res := s.Execute(context.Background(), map[string]any{"count": 3})
	if res.Success() {
		t.Fatal("missing required field must fail")
	}
	if inner.called {
		t.Error("skill must not run on validation failure")
	}
	if !strings.Contains(res.Error, "invalid arguments") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestValidationTypeMismatch(t *testing.T) {
	inner := &recordingSkill{name: "t", schema: testSchema}
	s := WithValidation(inner, false, nil)

	res := s.Execute(context.Background(), map[string]any{"message": "hi", "count": 0})
	if res.Success() {
		t.Fatal("minimum violation must fail")
	}
}

func TestValidationFiltersUnknownKeys(t *testing.T) {
	inner := &recordingSkill{name: "t", schema: testSchema}
	s := WithValidation(inner, false, nil)

	res := s.Execute(context.Background(), map[string]any{
		"message": "hi",
		"mystery": true,
	})
	if !res.Success() {
		t.Fatalf("non-strict mode must filter, not fail: %s", res.Error)
	}
	if _, ok := inner.got["mystery"]; ok {
		t.Error("unknown key leaked through")
	}
}

func TestValidationStrictRejectsUnknownKeys(t *testing.T) {
	inner := &recordingSkill{name: "t", schema: testSchema}
	s := WithValidation(inner, true, nil)

	res := s.Execute(context.Background(), map[string]any{
		"message": "hi",
		"mystery": true,
	})
	if res.Success() {
		t.Fatal("strict mode must reject unknown keys")
	}
	if !strings.Contains(res.Error, "mystery") {
		t.Errorf("error should name the key: %q", res.Error)
	}
}

func TestValidationParallelPassthrough(t *testing.T) {
	inner := &recordingSkill{name: "t", schema: testSchema}
	s := WithValidation(inner, true, nil)

	res := s.Execute(context.Background(), map[string]any{
		"message":          "hi",
		models.ParallelKey: true,
	})
	if !res.Success() {
		t.Fatalf("_parallel must not trip validation: %s", res.Error)
	}
	if _, ok := inner.got[models.ParallelKey]; ok {
		t.Error("_parallel must be stripped before the skill runs")
	}
}

func TestValidationRawArguments(t *testing.T) {
	inner := &recordingSkill{name: "t", schema: testSchema}
	s := WithValidation(inner, false, nil)

	res := s.Execute(context.Background(), map[string]any{
		models.RawArgumentsKey: `{"broken`,
	})
	if res.Success() {
		t.Fatal("raw unparsed arguments must produce an error result")
	}
	if !strings.Contains(res.Error, "not valid JSON") {
		t.Errorf("error = %q", res.Error)
	}
	if inner.called {
		t.Error("skill must not run on unparseable arguments")
	}
}

func TestRegistryRegisterAndBuild(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("echo", func(svc *Services) Skill { return &echoSkill{} }); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("echo", func(svc *Services) Skill { return &echoSkill{} }); err == nil {
		t.Error("duplicate registration must fail")
	}
	if err := r.Register("nexus", func(svc *Services) Skill { return &echoSkill{} }); err == nil {
		t.Error("reserved name must fail")
	}

	s, err := r.Build("echo", &Services{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	res := s.Execute(context.Background(), map[string]any{"message": "world"})
	if res.Output != "Echo: world" {
		t.Errorf("output = %q", res.Output)
	}

	if _, err := r.Build("missing", &Services{}); err == nil {
		t.Error("unknown skill must fail")
	}
}

func TestRegisterBuiltins(t *testing.T) {
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	names := r.Names()
	for _, want := range []string{"echo", "read_file", "write_file", "list_dir",
		"execute_bash", "web_fetch", "nexus_agents", "nexus_create", "nexus_destroy", "nexus_send"} {
		found := false
		for _, n := range names {
			if n == want {
				found = true
			}
		}
		if !found {
			t.Errorf("builtin %s missing", want)
		}
	}

	skillSet, err := r.BuildAll(&Services{})
	if err != nil {
		t.Fatal(err)
	}
	defs := Definitions(skillSet)
	if len(defs) != len(skillSet) {
		t.Errorf("definitions %d != skills %d", len(defs), len(skillSet))
	}
	for _, def := range defs {
		if len(def.Parameters) == 0 {
			t.Errorf("skill %s has no schema", def.Name)
		}
	}
}
