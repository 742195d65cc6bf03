//go:build !darwin && !windows

package ui

import "github.com/getfinn/claudebridge/internal/permission"

// PromptsAvailable reports whether AskPermission can show a dialog.
const PromptsAvailable = false

// AskPermission has no native dialog on this platform.
func AskPermission(toolName, commandContext string) (permission.Action, bool) {
	return "", false
}
