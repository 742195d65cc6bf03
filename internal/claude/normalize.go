package claude

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SubtypeUnrecognized marks an error message produced from an event whose
// type could not be recognized.
const SubtypeUnrecognized = "unrecognized"

// StreamParseError is returned when a stdout line is not a JSON object.
type StreamParseError struct {
	Line string
	Err  error
}

func (e *StreamParseError) Error() string {
	line := e.Line
	if len(line) > 120 {
		line = line[:120] + "..."
	}
	return fmt.Sprintf("parse stream line %q: %v", line, e.Err)
}

func (e *StreamParseError) Unwrap() error {
	return e.Err
}

// ParseLine decodes one stdout line and normalizes it.
func ParseLine(line []byte) (Message, error) {
	var data map[string]any
	if err := json.Unmarshal(line, &data); err != nil {
		return Message{}, &StreamParseError{Line: string(line), Err: err}
	}
	if data == nil {
		return Message{}, &StreamParseError{Line: string(line), Err: fmt.Errorf("not a JSON object")}
	}
	return Normalize(data), nil
}

// Normalize converts one decoded stream-json object into a Message.
// It never fails: anything it does not recognize becomes an error message
// carrying the raw payload.
func Normalize(data map[string]any) Message {
	msgType, _ := data["type"].(string)

	var msg Message
	switch MessageType(msgType) {
	case TypeResult:
		msg = normalizeResult(data)
	case TypeSystem:
		msg = normalizeSystem(data)
	case TypeAssistant:
		msg = normalizeAssistant(data)
	case TypeUser:
		msg = normalizeUser(data)
	case TypeError:
		msg = normalizeError(data)
	default:
		msg = unrecognized(msgType, data)
	}

	msg.Timestamp = timestampOf(data)
	if msg.SessionID == "" {
		msg.SessionID = stringField(data, "session_id", "sessionId")
	}
	return msg
}

func normalizeResult(data map[string]any) Message {
	cost, ok := floatField(data, "total_cost_usd")
	if !ok {
		cost, _ = floatField(data, "cost_usd")
	}
	duration, _ := floatField(data, "duration_ms")
	turns, _ := floatField(data, "num_turns")
	isError, _ := data["is_error"].(bool)

	return Message{
		Type:       TypeResult,
		Subtype:    stringField(data, "subtype"),
		Cost:       cost,
		DurationMs: int64(duration),
		IsError:    isError,
		NumTurns:   int(turns),
		Result:     stringField(data, "result"),
	}
}

func normalizeSystem(data map[string]any) Message {
	msg := Message{
		Type:           TypeSystem,
		Subtype:        stringField(data, "subtype"),
		Model:          stringField(data, "model"),
		PermissionMode: stringField(data, "permissionMode", "permission_mode"),
		Cwd:            stringField(data, "cwd"),
	}
	if tools, ok := data["tools"].([]any); ok {
		for _, tool := range tools {
			if name, ok := tool.(string); ok {
				msg.Tools = append(msg.Tools, name)
			}
		}
	}
	servers, ok := data["mcp_servers"].([]any)
	if !ok {
		servers, _ = data["mcpServers"].([]any)
	}
	for _, item := range servers {
		server, ok := item.(map[string]any)
		if !ok {
			continue
		}
		msg.MCPServers = append(msg.MCPServers, MCPServer{
			Name:   stringField(server, "name"),
			Status: stringField(server, "status"),
		})
	}
	return msg
}

func normalizeAssistant(data map[string]any) Message {
	inner := innerMessage(data)
	msg := Message{
		Type:  TypeAssistant,
		Model: stringField(inner, "model"),
	}
	msg.Text, msg.Content = normalizeContent(inner["content"])
	if usage, ok := inner["usage"].(map[string]any); ok {
		msg.Usage = normalizeUsage(usage)
	}
	return msg
}

func normalizeUser(data map[string]any) Message {
	inner := innerMessage(data)
	msg := Message{Type: TypeUser}
	text, blocks := normalizeContent(inner["content"])
	if text != "" {
		// user content is always a block sequence
		blocks = append([]ContentBlock{{Type: BlockText, Text: text}}, blocks...)
	}
	msg.Content = blocks
	return msg
}

func normalizeError(data map[string]any) Message {
	message := stringField(data, "message", "error")
	if message == "" {
		if nested, ok := data["error"].(map[string]any); ok {
			message = stringField(nested, "message")
		}
	}
	if message == "" {
		message = "Unknown error from Claude"
	}
	return Message{
		Type:         TypeError,
		Subtype:      stringField(data, "subtype"),
		ErrorMessage: message,
		Details:      stringField(data, "details"),
	}
}

func unrecognized(msgType string, data map[string]any) Message {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", data))
	}
	message := "Unrecognized message from Claude"
	if msgType != "" {
		message = fmt.Sprintf("Unrecognized message type %q from Claude", msgType)
	}
	return Message{
		Type:         TypeError,
		Subtype:      SubtypeUnrecognized,
		ErrorMessage: message,
		Details:      string(raw),
	}
}

// innerMessage returns the nested "message" object, or the event itself for
// CLI versions that put content at the top level.
func innerMessage(data map[string]any) map[string]any {
	if inner, ok := data["message"].(map[string]any); ok {
		return inner
	}
	return data
}

func normalizeContent(content any) (string, []ContentBlock) {
	switch typed := content.(type) {
	case string:
		return typed, nil
	case []any:
		blocks := make([]ContentBlock, 0, len(typed))
		for _, item := range typed {
			raw, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if block, ok := normalizeBlock(raw); ok {
				blocks = append(blocks, block)
			}
		}
		return "", blocks
	default:
		return "", nil
	}
}

func normalizeBlock(raw map[string]any) (ContentBlock, bool) {
	switch BlockType(stringField(raw, "type")) {
	case BlockText:
		return ContentBlock{Type: BlockText, Text: stringField(raw, "text")}, true
	case BlockThinking:
		return ContentBlock{
			Type:      BlockThinking,
			Text:      stringField(raw, "thinking", "text"),
			Signature: stringField(raw, "signature"),
		}, true
	case BlockToolUse:
		input, _ := raw["input"].(map[string]any)
		return ContentBlock{
			Type:  BlockToolUse,
			ID:    stringField(raw, "id"),
			Name:  stringField(raw, "name"),
			Input: input,
		}, true
	case BlockToolResult:
		isError, _ := raw["is_error"].(bool)
		return ContentBlock{
			Type:      BlockToolResult,
			ToolUseID: stringField(raw, "tool_use_id", "toolUseId"),
			Content:   toolResultText(raw["content"]),
			IsError:   isError,
		}, true
	default:
		return ContentBlock{}, false
	}
}

// toolResultText flattens tool_result content, which is either a string or a
// list of parts.
func toolResultText(content any) string {
	switch typed := content.(type) {
	case nil:
		return ""
	case string:
		return typed
	case []any:
		var parts []string
		for _, item := range typed {
			part, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := part["text"].(string); ok {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	default:
		raw, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprintf("%v", typed)
		}
		return string(raw)
	}
}

func normalizeUsage(raw map[string]any) *Usage {
	input, _ := floatField(raw, "input_tokens")
	output, _ := floatField(raw, "output_tokens")
	cacheRead, _ := floatField(raw, "cache_read_input_tokens")
	cacheCreate, _ := floatField(raw, "cache_creation_input_tokens")
	return &Usage{
		InputTokens:              int(input),
		OutputTokens:             int(output),
		CacheReadInputTokens:     int(cacheRead),
		CacheCreationInputTokens: int(cacheCreate),
	}
}

func timestampOf(data map[string]any) time.Time {
	raw := stringField(data, "timestamp")
	if raw == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// stringField returns the first key holding a string.
func stringField(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := data[key].(string); ok {
			return value
		}
	}
	return ""
}

func floatField(data map[string]any, key string) (float64, bool) {
	switch n := data[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
