package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/nexus3/pkg/models"
)

// passthroughKeys are internal argument keys that skip validation and are
// stripped before the skill sees the arguments.
var passthroughKeys = map[string]bool{
	models.ParallelKey: true,
}

// validatedSkill wraps a skill with JSON-schema argument checking. A
// validation failure produces a descriptive error ToolResult instead of
// reaching the skill.
type validatedSkill struct {
	inner  Skill
	strict bool
	logger *slog.Logger

	compileOnce sync.Once
	schema      *jsonschema.Schema
	known       map[string]bool
	compileErr  error
}

// WithValidation wraps a skill with schema validation. In strict mode
// unknown argument keys are rejected; otherwise they are filtered out with
// a debug log.
func WithValidation(s Skill, strict bool, logger *slog.Logger) Skill {
	if logger == nil {
		logger = slog.Default()
	}
	return &validatedSkill{inner: s, strict: strict, logger: logger}
}

func (v *validatedSkill) Name() string                { return v.inner.Name() }
func (v *validatedSkill) Description() string         { return v.inner.Description() }
func (v *validatedSkill) Parameters() json.RawMessage { return v.inner.Parameters() }

func (v *validatedSkill) compile() {
	raw := v.inner.Parameters()
	if len(raw) == 0 {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	schema, err := jsonschema.CompileString(v.inner.Name()+".schema.json", string(raw))
	if err != nil {
		v.compileErr = fmt.Errorf("skill %s has an invalid schema: %w", v.inner.Name(), err)
		return
	}
	v.schema = schema

	// Property names come from the raw document; the compiled schema does
	// not expose them in a stable way.
	var doc struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	v.known = map[string]bool{}
	if err := json.Unmarshal(raw, &doc); err == nil {
		for name := range doc.Properties {
			v.known[name] = true
		}
	}
}

func (v *validatedSkill) Execute(ctx context.Context, args map[string]any) models.ToolResult {
	if raw, ok := args[models.RawArgumentsKey]; ok {
		return models.ErrorResult("arguments for %s were not valid JSON: %s",
			v.inner.Name(), clip(fmt.Sprint(raw), 200))
	}

	v.compileOnce.Do(v.compile)
	if v.compileErr != nil {
		return models.ErrorResult("%v", v.compileErr)
	}

	filtered := make(map[string]any, len(args))
	var unknown []string
	for key, val := range args {
		if passthroughKeys[key] {
			continue
		}
		if len(v.known) > 0 && !v.known[key] {
			unknown = append(unknown, key)
			continue
		}
		filtered[key] = val
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		if v.strict {
			return models.ErrorResult("unknown arguments for %s: %s",
				v.inner.Name(), strings.Join(unknown, ", "))
		}
		v.logger.Debug("filtering unknown skill arguments",
			"skill", v.inner.Name(), "keys", unknown)
	}

	if err := v.schema.Validate(normalizeForSchema(filtered)); err != nil {
		return models.ErrorResult("invalid arguments for %s: %v", v.inner.Name(), err)
	}
	return v.inner.Execute(ctx, filtered)
}

// normalizeForSchema round-trips the arguments through JSON so numeric
// types match what the validator expects from decoded documents.
func normalizeForSchema(args map[string]any) any {
	b, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return args
	}
	return out
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
