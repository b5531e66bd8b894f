package types

import "encoding/json"

// EntryType discriminates the variants of a Session Entry, the atomic
// record persisted to the append-only session log (one per line, §3.1).
type EntryType string

const (
	EntryHeader     EntryType = "session"
	EntryMessage    EntryType = "message"
	EntryToolResult EntryType = "tool-result"
	EntryBash       EntryType = "bash-execution"
	EntryCompaction EntryType = "compaction"
	EntryRevert     EntryType = "revert"
)

// Entry is the interface every session-log line satisfies. EntryID is the
// monotonically increasing, lexicographically sortable id (an oklog/ulid
// string) assigned when the entry is appended.
type Entry interface {
	EntryType() string
	EntryID() string
}

// HeaderEntry is always the first line of a session file.
type HeaderEntry struct {
	ID              string  `json:"id"`
	Type            string  `json:"type"` // always "session"
	SessionID       string  `json:"sessionID"`
	CreatedAt       int64   `json:"createdAt"`
	Cwd             string  `json:"cwd"`
	ParentSessionID *string `json:"parentSessionID,omitempty"`
	Title           string  `json:"title,omitempty"`
}

func (e *HeaderEntry) EntryType() string { return EntryHeader.String() }
func (e *HeaderEntry) EntryID() string   { return e.ID }

// ContentBlock is one element of an assistant message's ordered content
// sequence (§3.1).
type ContentBlock interface {
	BlockType() string
}

// TextBlock is a plain-text content block.
type TextBlock struct {
	Type string `json:"type"` // "text"
	Text string `json:"text"`
}

func (b *TextBlock) BlockType() string { return "text" }

// ThinkingBlock is a reasoning-trace content block. Signature identifies
// the provider's proprietary envelope so it can be returned verbatim on a
// follow-up request.
type ThinkingBlock struct {
	Type      string `json:"type"` // "thinking"
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
}

func (b *ThinkingBlock) BlockType() string { return "thinking" }

// ToolCallBlock is a tool invocation emitted by the assistant.
type ToolCallBlock struct {
	Type            string          `json:"type"` // "tool-call"
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Arguments       json.RawMessage `json:"arguments"`
	ThoughtSignature string         `json:"thoughtSignature,omitempty"`
}

func (b *ToolCallBlock) BlockType() string { return "tool-call" }

// UnmarshalContentBlock dispatches a JSON content block to its concrete
// type based on the "type" discriminator.
func UnmarshalContentBlock(data []byte) (ContentBlock, error) {
	var disc struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &disc); err != nil {
		return nil, err
	}
	switch disc.Type {
	case "text":
		var b TextBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return &b, nil
	case "thinking":
		var b ThinkingBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return &b, nil
	case "tool-call":
		var b ToolCallBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return &b, nil
	default:
		var b TextBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return &b, nil
	}
}

// EntryUsage mirrors §3.1's Usage entity.
type EntryUsage struct {
	InputTokens      int     `json:"inputTokens"`
	OutputTokens     int     `json:"outputTokens"`
	CacheReadTokens  int     `json:"cacheReadTokens,omitempty"`
	CacheWriteTokens int     `json:"cacheWriteTokens,omitempty"`
	TotalTokens      int     `json:"totalTokens"`
	Cost             float64 `json:"cost,omitempty"`
}

// StopReason is the normalised cause of a turn's end.
type StopReason string

const (
	StopStop    StopReason = "stop"
	StopLength  StopReason = "length"
	StopToolUse StopReason = "tool-use"
	StopAborted StopReason = "aborted"
	StopError   StopReason = "error"
)

// Attachment is a user-supplied file reference carried on a user message.
type Attachment struct {
	Filename  string `json:"filename"`
	MediaType string `json:"mediaType"`
	URL       string `json:"url"`
}

// MessageEntry is the `message` session-entry variant: either a user or an
// assistant message, per §3.1.
type MessageEntry struct {
	ID   string `json:"id"`
	Type string `json:"type"` // always "message"
	Role string `json:"role"` // "user" | "assistant"

	// user
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// assistant
	ContentBlocks []ContentBlock `json:"contentBlocks,omitempty"`
	Usage         *EntryUsage    `json:"usage,omitempty"`
	StopReason    StopReason     `json:"stopReason,omitempty"`
	DurationMS    int64          `json:"durationMs,omitempty"`
	Model         string         `json:"model,omitempty"`

	CreatedAt int64 `json:"createdAt"`
}

func (e *MessageEntry) EntryType() string { return EntryMessage.String() }
func (e *MessageEntry) EntryID() string   { return e.ID }

// UnmarshalJSON restores polymorphic ContentBlocks from their raw form.
func (e *MessageEntry) UnmarshalJSON(data []byte) error {
	type alias MessageEntry
	var raw struct {
		alias
		ContentBlocks []json.RawMessage `json:"contentBlocks,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = MessageEntry(raw.alias)
	e.ContentBlocks = nil
	for _, rb := range raw.ContentBlocks {
		block, err := UnmarshalContentBlock(rb)
		if err != nil {
			return err
		}
		e.ContentBlocks = append(e.ContentBlocks, block)
	}
	return nil
}

// ToolResultEntry is the `tool-result` session-entry variant.
type ToolResultEntry struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"` // always "tool-result"
	ToolCallID string          `json:"toolCallID"`
	ToolName   string          `json:"toolName,omitempty"`
	Content    []ContentBlock  `json:"content"`
	IsError    bool            `json:"isError"`
	Details    json.RawMessage `json:"details,omitempty"`
	CreatedAt  int64           `json:"createdAt"`
}

func (e *ToolResultEntry) EntryType() string { return EntryToolResult.String() }
func (e *ToolResultEntry) EntryID() string   { return e.ID }

func (e *ToolResultEntry) UnmarshalJSON(data []byte) error {
	type alias ToolResultEntry
	var raw struct {
		alias
		Content []json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = ToolResultEntry(raw.alias)
	e.Content = nil
	for _, rb := range raw.Content {
		block, err := UnmarshalContentBlock(rb)
		if err != nil {
			return err
		}
		e.Content = append(e.Content, block)
	}
	return nil
}

// BashExecutionEntry is a user-driven shell invocation kept in history for
// context, independent of assistant tool calls (§3.1).
type BashExecutionEntry struct {
	ID        string `json:"id"`
	Type      string `json:"type"` // always "bash-execution"
	Command   string `json:"command"`
	Output    string `json:"output"`
	ExitCode  int    `json:"exitCode"`
	Cancelled bool   `json:"cancelled,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

func (e *BashExecutionEntry) EntryType() string { return EntryBash.String() }
func (e *BashExecutionEntry) EntryID() string   { return e.ID }

// CompactionEntry marks a cut-point: everything strictly before it has been
// summarised away, everything at/after stays verbatim (§3.1, §4.6).
type CompactionEntry struct {
	ID               string `json:"id"`
	Type             string `json:"type"` // always "compaction"
	SummaryText      string `json:"summaryText"`
	TokensBefore     int    `json:"tokensBefore"`
	ParentEntryID    string `json:"parentEntryID"`
	FirstKeptEntryID string `json:"firstKeptEntryID"`
	CreatedAt        int64  `json:"createdAt"`
}

func (e *CompactionEntry) EntryType() string { return EntryCompaction.String() }
func (e *CompactionEntry) EntryID() string   { return e.ID }

// RevertEntry is a compaction-like marker entry (§3.2, §4.7 `revert` /
// `unrevert` operations): it never rewrites or removes prior lines, it just
// marks, from this point in the log forward, which prior entry history is
// considered "live". RevertToEntryID == "" marks an unrevert: the previous
// revert marker's effect is lifted and the full log becomes live again.
type RevertEntry struct {
	ID              string `json:"id"`
	Type            string `json:"type"` // always "revert"
	RevertToEntryID string `json:"revertToEntryID,omitempty"`
	CreatedAt       int64  `json:"createdAt"`
}

func (e *RevertEntry) EntryType() string { return EntryRevert.String() }
func (e *RevertEntry) EntryID() string   { return e.ID }

// CustomEntry preserves an extension-defined entry verbatim; the core
// treats its payload as opaque.
type CustomEntry struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"-"`
}

func (e *CustomEntry) EntryType() string { return e.Type }
func (e *CustomEntry) EntryID() string   { return e.ID }

func (e *CustomEntry) MarshalJSON() ([]byte, error) {
	return e.Payload, nil
}

func (e *CustomEntry) UnmarshalJSON(data []byte) error {
	e.Payload = append([]byte(nil), data...)
	var disc struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &disc); err != nil {
		return err
	}
	e.ID, e.Type = disc.ID, disc.Type
	return nil
}

func (t EntryType) String() string { return string(t) }

// UnmarshalEntry dispatches one raw session-log line to its concrete Entry
// type based on the "type" discriminator.
func UnmarshalEntry(data []byte) (Entry, error) {
	var disc struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &disc); err != nil {
		return nil, err
	}
	switch EntryType(disc.Type) {
	case EntryHeader:
		var e HeaderEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return &e, nil
	case EntryMessage:
		var e MessageEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return &e, nil
	case EntryToolResult:
		var e ToolResultEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return &e, nil
	case EntryBash:
		var e BashExecutionEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return &e, nil
	case EntryCompaction:
		var e CompactionEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return &e, nil
	case EntryRevert:
		var e RevertEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return &e, nil
	default:
		var e CustomEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return &e, nil
	}
}
