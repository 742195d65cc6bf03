package claude

import (
	"regexp"
	"strings"
)

// PermissionRequest describes a tool call the CLI refused to run because the
// user had not granted it.
type PermissionRequest struct {
	ToolName string

	// ToolUseID is the id of the matching tool_use block in the preceding
	// assistant message, when one was found.
	ToolUseID string

	// CommandContext is a short label such as "git push" for Bash calls.
	// It is display-only.
	CommandContext string
}

// Detector finds permission requests in the text of a user message.
type Detector interface {
	Detect(userText string, lastAssistant *Message) (PermissionRequest, bool)
}

var permissionPattern = regexp.MustCompile(
	"(?i)claude requested permissions? to use\\s+`?([^`,\\n]+?)`?\\s*,\\s*but you haven['’]?t granted it yet")

// PatternDetector recognizes the sentence the CLI writes into a tool_result
// when a tool was blocked.
type PatternDetector struct{}

// NewDetector returns the default detector.
func NewDetector() *PatternDetector {
	return &PatternDetector{}
}

// Detect reports whether userText contains a permission request. When it
// does, the last assistant message is searched for the tool_use block that
// triggered it.
func (PatternDetector) Detect(userText string, lastAssistant *Message) (PermissionRequest, bool) {
	match := permissionPattern.FindStringSubmatch(userText)
	if match == nil {
		return PermissionRequest{}, false
	}
	req := PermissionRequest{ToolName: strings.TrimSpace(match[1])}
	if req.ToolName == "" {
		return PermissionRequest{}, false
	}

	block, ok := lastAssistant.ToolUse(req.ToolName)
	if !ok {
		return req, true
	}
	req.ToolUseID = block.ID
	if req.ToolName == "Bash" {
		if command, ok := block.Input["command"].(string); ok {
			req.CommandContext = CommandLabel(command)
		}
	}
	return req, true
}

// CommandLabel shortens a shell command into something a person can approve
// at a glance: "git <subcommand>", "npm install|run|start", or the program
// name.
func CommandLabel(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	switch fields[0] {
	case "git":
		if len(fields) > 1 {
			return "git " + fields[1]
		}
	case "npm":
		if len(fields) > 1 {
			switch fields[1] {
			case "install", "run", "start":
				return "npm " + fields[1]
			}
		}
	}
	return fields[0]
}
