package turnengine

import (
	"github.com/cloudwego/eino/schema"

	"github.com/agentcore/agentsession/pkg/types"
)

// effectiveEntries applies the log's most recent revert marker, if any
// (§3.2, §4.7): a revert truncates the entries the engine (and anything
// built from it) sees to everything up to and including the target entry,
// without ever removing the marker or the truncated lines from disk. An
// unrevert (RevertToEntryID == "") lifts that truncation back to the full
// log.
func effectiveEntries(all []types.Entry) []types.Entry {
	var revertToID string
	found := false
	for i := len(all) - 1; i >= 0; i-- {
		if r, ok := all[i].(*types.RevertEntry); ok {
			revertToID = r.RevertToEntryID
			found = true
			break
		}
	}
	if !found || revertToID == "" {
		return all
	}

	cut := make([]types.Entry, 0, len(all))
	for _, e := range all {
		cut = append(cut, e)
		if e.EntryID() == revertToID {
			break
		}
	}
	return cut
}

// buildHistory converts the effective entry slice into eino messages,
// applying the most recent compaction entry's cut point: entries strictly
// before FirstKeptEntryID are replaced by the compaction's summary (added
// by the caller as a system message), everything at/after is converted
// verbatim.
func buildHistory(entries []types.Entry) ([]*schema.Message, *types.CompactionEntry) {
	var compaction *types.CompactionEntry
	for i := len(entries) - 1; i >= 0; i-- {
		if c, ok := entries[i].(*types.CompactionEntry); ok {
			compaction = c
			break
		}
	}

	keep := entries
	if compaction != nil {
		for i, e := range entries {
			if e.EntryID() == compaction.FirstKeptEntryID {
				keep = entries[i:]
				break
			}
		}
	}

	var out []*schema.Message
	for _, e := range keep {
		switch v := e.(type) {
		case *types.MessageEntry:
			out = append(out, messageEntryToEino(v))
		case *types.ToolResultEntry:
			out = append(out, toolResultEntryToEino(v))
		case *types.BashExecutionEntry:
			out = append(out, &schema.Message{
				Role:    schema.User,
				Content: "$ " + v.Command + "\n" + truncate(v.Output, 4000),
			})
		}
	}
	return out, compaction
}

func messageEntryToEino(m *types.MessageEntry) *schema.Message {
	if m.Role == "user" {
		return &schema.Message{Role: schema.User, Content: m.Text}
	}

	var content, reasoning string
	var toolCalls []schema.ToolCall
	for _, b := range m.ContentBlocks {
		switch blk := b.(type) {
		case *types.TextBlock:
			content += blk.Text
		case *types.ThinkingBlock:
			reasoning += blk.Text
		case *types.ToolCallBlock:
			toolCalls = append(toolCalls, schema.ToolCall{
				ID: blk.ID,
				Function: schema.FunctionCall{
					Name:      blk.Name,
					Arguments: string(blk.Arguments),
				},
			})
		}
	}
	msg := &schema.Message{Role: schema.Assistant, Content: content, ToolCalls: toolCalls}
	if reasoning != "" {
		msg.ReasoningContent = reasoning
	}
	return msg
}

func toolResultEntryToEino(r *types.ToolResultEntry) *schema.Message {
	var text string
	for _, b := range r.Content {
		if tb, ok := b.(*types.TextBlock); ok {
			text += tb.Text
		}
	}
	if r.IsError && text == "" {
		text = "error"
	}
	return &schema.Message{
		Role:       schema.Tool,
		Content:    text,
		ToolCallID: r.ToolCallID,
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...[truncated]"
}
