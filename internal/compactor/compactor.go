// Package compactor implements the Compactor (C6): it summarises an Agent
// Session's earlier history and appends a single CompactionEntry marking
// the cut point. Like every other session-log writer, it never rewrites or
// deletes a prior entry — the entries it summarises stay on disk,
// untouched, and only the newest CompactionEntry governs what the turn
// engine (C5) treats as "kept verbatim" (§4.6).
package compactor

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"

	"github.com/agentcore/agentsession/internal/event"
	"github.com/agentcore/agentsession/internal/provider"
	"github.com/agentcore/agentsession/internal/sessionlog"
	"github.com/agentcore/agentsession/pkg/types"
)

// MinEntriesToKeep bounds how much of the tail is always kept verbatim,
// mirroring the teacher's DefaultCompactionConfig.MinMessagesToKeep.
const MinEntriesToKeep = 4

const summarySystemPrompt = `You are a conversation summarizer. Create a concise summary of the conversation that preserves key context for continuing the discussion.

Focus on:
1. What was accomplished
2. Current work in progress
3. Files involved
4. Next steps
5. Any key user requests or constraints

Be concise but detailed enough that work can continue seamlessly.`

// Compactor generates summaries via a provider and appends the resulting
// CompactionEntry to a session's log.
type Compactor struct {
	providerRegistry *provider.Registry
	bus              *event.Bus
	summaryMaxTokens int
}

func New(providerReg *provider.Registry, bus *event.Bus) *Compactor {
	return &Compactor{providerRegistry: providerReg, bus: bus, summaryMaxTokens: 2000}
}

func newID() string { return ulid.Make().String() }

// Compact reads the session's current entries, summarises everything
// except the last MinEntriesToKeep message/tool-result/bash-execution
// entries, and
// appends a CompactionEntry. It is a no-op (returns nil, nil) when there
// isn't enough history yet to be worth compacting.
func (c *Compactor) Compact(ctx context.Context, log *sessionlog.Log, sessionID string) (*types.CompactionEntry, error) {
	entries, err := log.LoadAll(ctx)
	if err != nil {
		return nil, err
	}

	kept, toSummarize, parentID := splitForCompaction(entries)
	if len(toSummarize) == 0 {
		return nil, nil
	}

	model, err := c.providerRegistry.DefaultModel()
	if err != nil {
		return nil, err
	}
	prov, err := c.providerRegistry.Get(model.ProviderID)
	if err != nil {
		return nil, err
	}

	prompt := buildSummaryPrompt(toSummarize)
	stream, err := prov.CreateCompletion(ctx, &provider.CompletionRequest{
		Model: model.ID,
		Messages: []*schema.Message{
			{Role: schema.System, Content: summarySystemPrompt},
			{Role: schema.User, Content: prompt},
		},
		MaxTokens: c.summaryMaxTokens,
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var summary strings.Builder
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		summary.WriteString(msg.Content)
	}

	firstKept := ""
	if len(kept) > 0 {
		firstKept = kept[0].EntryID()
	}

	entry := &types.CompactionEntry{
		ID:               newID(),
		Type:             types.EntryCompaction.String(),
		SummaryText:      summary.String(),
		TokensBefore:     estimateTokens(prompt),
		ParentEntryID:    parentID,
		FirstKeptEntryID: firstKept,
		CreatedAt:        time.Now().UnixMilli(),
	}
	if err := log.Append(ctx, entry); err != nil {
		return nil, err
	}

	c.bus.Publish(event.Event{Type: event.SessionCompacted, Data: event.SessionCompactedData{SessionID: sessionID}})
	c.bus.Publish(event.Event{Type: event.EntryAppended, Data: event.EntryAppendedData{SessionID: sessionID, Entry: entry}})

	return entry, nil
}

// splitForCompaction partitions the log's message/tool-result/bash-execution
// entries into
// the tail kept verbatim and the head to summarise, and reports the
// previous compaction's id (if any) as this one's parent.
func splitForCompaction(entries []types.Entry) (kept, toSummarize []types.Entry, parentID string) {
	var content []types.Entry
	for _, e := range entries {
		switch e.(type) {
		case *types.MessageEntry, *types.ToolResultEntry, *types.BashExecutionEntry:
			content = append(content, e)
		case *types.CompactionEntry:
			parentID = e.EntryID()
		}
	}

	if len(content) <= MinEntriesToKeep {
		return content, nil, parentID
	}
	cut := len(content) - MinEntriesToKeep
	return content[cut:], content[:cut], parentID
}

func buildSummaryPrompt(entries []types.Entry) string {
	var b strings.Builder
	b.WriteString("Please summarize the following conversation, focusing on:\n")
	b.WriteString("1. Key decisions and outcomes\n")
	b.WriteString("2. Files that were modified\n")
	b.WriteString("3. Important context for continuing the work\n\n---\n\n")

	for _, e := range entries {
		switch v := e.(type) {
		case *types.MessageEntry:
			if v.Role == "user" {
				b.WriteString("USER:\n" + v.Text + "\n\n")
				continue
			}
			b.WriteString("ASSISTANT:\n")
			for _, blk := range v.ContentBlocks {
				if tb, ok := blk.(*types.TextBlock); ok {
					b.WriteString(tb.Text)
				}
			}
			b.WriteString("\n\n")
		case *types.ToolResultEntry:
			b.WriteString(fmt.Sprintf("[Tool result: %s]\n", v.ToolName))
		case *types.BashExecutionEntry:
			b.WriteString(fmt.Sprintf("[Bash: %s]\n", v.Command))
		}
	}
	return b.String()
}

func estimateTokens(text string) int {
	return len(text) / 4
}
