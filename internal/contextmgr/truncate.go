package contextmgr

import "github.com/haasonsaas/nexus3/pkg/models"

// group is the unit of truncation: either a single message, or an assistant
// message with tool calls together with the contiguous tool messages that
// answer it. Truncating at group granularity is what preserves the
// tool-call/result pairing — a group is kept whole or dropped whole.
type group struct {
	messages []models.Message
	tokens   int
}

// groupMessages partitions the history into truncation groups. Tool
// messages are attached to the assistant message that issued their call; a
// stray tool message with no preceding assistant joins the previous group
// rather than standing alone.
func (m *Manager) groupMessages(msgs []models.Message) []group {
	var groups []group
	i := 0
	for i < len(msgs) {
		msg := msgs[i]
		g := group{messages: []models.Message{msg}}
		i++
		if msg.Role == models.RoleAssistant && len(msg.ToolCalls) > 0 {
			ids := make(map[string]bool, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				ids[tc.ID] = true
			}
			for i < len(msgs) && msgs[i].Role == models.RoleTool && ids[msgs[i].ToolCallID] {
				g.messages = append(g.messages, msgs[i])
				i++
			}
		} else if msg.Role == models.RoleTool && len(groups) > 0 {
			prev := &groups[len(groups)-1]
			prev.messages = append(prev.messages, msg)
			prev.tokens = m.counter.CountMessages(prev.messages)
			continue
		}
		g.tokens = m.counter.CountMessages(g.messages)
		groups = append(groups, g)
	}
	return groups
}

// truncateLocked applies the configured strategy and returns the surviving
// message list. Callers hold m.mu.
func (m *Manager) truncateLocked() []models.Message {
	budget := m.messageBudgetLocked()
	groups := m.groupMessages(m.messages)
	if len(groups) == 0 {
		return m.messages
	}

	switch m.strategy {
	case StrategyMiddleOut:
		return flatten(truncateMiddleOut(groups, budget))
	default:
		return flatten(truncateOldestFirst(groups, budget))
	}
}

// truncateOldestFirst walks from the newest group backwards, accumulating
// groups until the next one would overflow the budget. The newest group is
// always kept even when it alone exceeds the budget.
func truncateOldestFirst(groups []group, budget int) []group {
	kept := make([]group, 0, len(groups))
	used := 0
	for i := len(groups) - 1; i >= 0; i-- {
		g := groups[i]
		if len(kept) > 0 && used+g.tokens > budget {
			break
		}
		kept = append(kept, g)
		used += g.tokens
	}
	reverse(kept)
	return kept
}

// truncateMiddleOut keeps the first and last groups unconditionally and
// packs as many newest-first middle groups as fit in the remaining budget.
func truncateMiddleOut(groups []group, budget int) []group {
	if len(groups) <= 2 {
		return groups
	}
	first := groups[0]
	last := groups[len(groups)-1]
	remaining := budget - first.tokens - last.tokens

	var middle []group
	for i := len(groups) - 2; i >= 1; i-- {
		g := groups[i]
		if remaining < g.tokens {
			continue
		}
		middle = append(middle, g)
		remaining -= g.tokens
	}
	reverse(middle)

	kept := make([]group, 0, len(middle)+2)
	kept = append(kept, first)
	kept = append(kept, middle...)
	kept = append(kept, last)
	return kept
}

func flatten(groups []group) []models.Message {
	var out []models.Message
	for _, g := range groups {
		out = append(out, g.messages...)
	}
	return out
}

func reverse(groups []group) {
	for i, j := 0, len(groups)-1; i < j; i, j = i+1, j-1 {
		groups[i], groups[j] = groups[j], groups[i]
	}
}
