package providers

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"

	"github.com/haasonsaas/nexus3/pkg/models"
)

// toolCallAggregator assembles tool calls from incremental stream
// fragments. Providers repeat the call id and name across chunks and stream
// the arguments as JSON string fragments; the aggregator sets id and name
// exactly once and concatenates argument fragments by block index.
type toolCallAggregator struct {
	partials map[int]*partialCall
	order    []int
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallAggregator() *toolCallAggregator {
	return &toolCallAggregator{partials: make(map[int]*partialCall)}
}

// add merges one fragment at the given block index. Empty id/name fields on
// repeat fragments are ignored rather than overwriting earlier values.
func (a *toolCallAggregator) add(index int, id, name, argsFragment string) *partialCall {
	p, ok := a.partials[index]
	if !ok {
		p = &partialCall{}
		a.partials[index] = p
		a.order = append(a.order, index)
	}
	if p.id == "" && id != "" {
		p.id = id
	}
	if p.name == "" && name != "" {
		p.name = name
	}
	if argsFragment != "" {
		p.args.WriteString(argsFragment)
	}
	return p
}

// finalize parses each accumulated argument buffer into a tool call. A
// fragment that fails to parse as JSON is preserved verbatim under the
// reserved _raw_arguments key so the skill layer can report a precise error
// instead of receiving a silently substituted empty object.
func (a *toolCallAggregator) finalize(logger *slog.Logger) []models.ToolCall {
	if len(a.partials) == 0 {
		return nil
	}
	indices := append([]int(nil), a.order...)
	sort.Ints(indices)

	calls := make([]models.ToolCall, 0, len(indices))
	for _, idx := range indices {
		p := a.partials[idx]
		raw := strings.TrimSpace(p.args.String())
		args := map[string]any{}
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				logger.Warn("tool call arguments are not valid JSON",
					"tool", p.name, "tool_call_id", p.id, "error", err)
				args = map[string]any{models.RawArgumentsKey: raw}
			}
		}
		calls = append(calls, models.ToolCall{ID: p.id, Name: p.name, Arguments: args})
	}
	return calls
}
