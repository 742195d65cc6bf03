//go:build darwin || windows

package ui

import (
	"github.com/sqweek/dialog"

	"github.com/getfinn/claudebridge/internal/permission"
)

// PromptsAvailable reports whether AskPermission can show a dialog.
const PromptsAvailable = true

// AskPermission shows a native yes/no dialog for a suspended tool request.
// A "yes" is followed by a second question offering to always allow the
// tool. It blocks until the user answers.
func AskPermission(toolName, commandContext string) (permission.Action, bool) {
	allowed := dialog.Message("%s", permissionQuestion(toolName, commandContext)).
		Title("claudebridge permission request").
		YesNo()
	if !allowed {
		return permission.ActionReject, true
	}

	always := dialog.Message("Always allow %s without asking?", toolName).
		Title("claudebridge permission request").
		YesNo()
	if always {
		return permission.ActionApproveAll, true
	}
	return permission.ActionApprove, true
}
