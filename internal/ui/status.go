package ui

import (
	"fmt"

	"github.com/getfinn/claudebridge/internal/directmode"
	"github.com/getfinn/claudebridge/internal/permission"
)

// Callbacks are the tray menu actions.
type Callbacks struct {
	OnStop       func()
	OnClear      func()
	OnModeChange func(permission.Mode)
	OnQuit       func()
}

// StatusLabel is the tray status line.
func StatusLabel(state directmode.State, connected bool) string {
	var text string
	switch state {
	case directmode.StateProcessing:
		text = "🟡 Running"
	case directmode.StateSuspended:
		text = "🟠 Awaiting permission"
	case directmode.StateIdle:
		text = "🟢 Idle"
	default:
		text = "⚪ Inactive"
	}
	if !connected {
		text += " (relay offline)"
	}
	return text
}

// permissionQuestion is the text of the native permission prompt.
func permissionQuestion(toolName, commandContext string) string {
	if commandContext != "" {
		return fmt.Sprintf("Claude wants to use %s (%s).\n\nAllow it?", toolName, commandContext)
	}
	return fmt.Sprintf("Claude wants to use %s.\n\nAllow it?", toolName)
}
