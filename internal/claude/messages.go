package claude

import (
	"encoding/json"
	"strings"
	"time"
)

// MessageType tags the variant of a Message.
type MessageType string

const (
	TypeResult    MessageType = "result"
	TypeSystem    MessageType = "system"
	TypeAssistant MessageType = "assistant"
	TypeUser      MessageType = "user"
	TypeError     MessageType = "error"
	TypeUserInput MessageType = "user_input"
)

// BlockType tags the variant of a ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockThinking   BlockType = "thinking"
)

// UserInputSubtype describes where a locally created user_input came from.
type UserInputSubtype string

const (
	UserInputPrompt        UserInputSubtype = "prompt"
	UserInputCommand       UserInputSubtype = "command"
	UserInputFileReference UserInputSubtype = "file_reference"
)

// ContentBlock is one entry of an assistant or user message.
// Only the fields belonging to Type are populated.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text and thinking
	Text      string `json:"text,omitempty"`
	Signature string `json:"signature,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"toolUseId,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"isError,omitempty"`
}

// Usage is the token accounting attached to assistant messages.
type Usage struct {
	InputTokens              int `json:"inputTokens"`
	OutputTokens             int `json:"outputTokens"`
	CacheReadInputTokens     int `json:"cacheReadInputTokens,omitempty"`
	CacheCreationInputTokens int `json:"cacheCreationInputTokens,omitempty"`
}

// MCPServer is an MCP server entry reported by system/init.
type MCPServer struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// UserInputMetadata describes a locally created user_input message.
type UserInputMetadata struct {
	FilesReferenced []string `json:"filesReferenced,omitempty"`
	CommandType     string   `json:"commandType,omitempty"`
}

// Message is the canonical form of one stream-json event.
type Message struct {
	Type      MessageType `json:"type"`
	Subtype   string      `json:"subtype,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	SessionID string      `json:"sessionId,omitempty"`

	// result
	Cost       float64 `json:"cost,omitempty"`
	DurationMs int64   `json:"durationMs,omitempty"`
	IsError    bool    `json:"isError,omitempty"`
	NumTurns   int     `json:"numTurns,omitempty"`
	Result     string  `json:"result,omitempty"`

	// system
	Model          string      `json:"model,omitempty"`
	Tools          []string    `json:"tools,omitempty"`
	MCPServers     []MCPServer `json:"mcpServers,omitempty"`
	PermissionMode string      `json:"permissionMode,omitempty"`
	Cwd            string      `json:"cwd,omitempty"`

	// assistant and user. Text is set instead of Content when the CLI sent a
	// plain string; user_input also carries its text here.
	Text    string         `json:"text,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
	Usage   *Usage         `json:"usage,omitempty"`

	// error
	ErrorMessage string `json:"message,omitempty"`
	Details      string `json:"details,omitempty"`

	// user_input
	Metadata *UserInputMetadata `json:"metadata,omitempty"`
}

// PlainText returns the visible text of the message: the string content, or
// the text blocks joined by newlines. Thinking and tool blocks are skipped.
func (m *Message) PlainText() string {
	if m == nil {
		return ""
	}
	switch m.Type {
	case TypeResult:
		return m.Result
	case TypeError:
		return m.ErrorMessage
	}
	if len(m.Content) == 0 {
		return m.Text
	}
	var parts []string
	if m.Text != "" {
		parts = append(parts, m.Text)
	}
	for _, block := range m.Content {
		if block.Type == BlockText && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolUse returns the first tool_use block with the given name.
func (m *Message) ToolUse(name string) (ContentBlock, bool) {
	if m == nil {
		return ContentBlock{}, false
	}
	for _, block := range m.Content {
		if block.Type == BlockToolUse && block.Name == name {
			return block, true
		}
	}
	return ContentBlock{}, false
}

// UserText collects what a user message says: plain text, text blocks and
// tool_result contents. The permission detector runs on this.
func UserText(m *Message) string {
	if m == nil {
		return ""
	}
	var parts []string
	if m.Text != "" {
		parts = append(parts, m.Text)
	}
	for _, block := range m.Content {
		switch block.Type {
		case BlockText:
			parts = append(parts, block.Text)
		case BlockToolResult:
			parts = append(parts, block.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// String renders the message as compact JSON, mostly for logs.
func (m Message) String() string {
	data, err := json.Marshal(m)
	if err != nil {
		return string(m.Type)
	}
	return string(data)
}
