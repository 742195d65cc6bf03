package permission

import (
	"fmt"
	"strings"
)

// Mode is the CLI permission mode.
type Mode string

const (
	ModeDefault           Mode = "default"
	ModeAcceptEdits       Mode = "acceptEdits"
	ModeBypassPermissions Mode = "bypassPermissions"
	ModePlan              Mode = "plan"
)

// Modes lists every mode in menu order.
var Modes = []Mode{ModeDefault, ModeAcceptEdits, ModeBypassPermissions, ModePlan}

// ParseMode accepts a mode name in any case.
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if strings.EqualFold(string(m), strings.TrimSpace(s)) {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown permission mode %q", s)
}

// Label is the human name shown in menus.
func (m Mode) Label() string {
	switch m {
	case ModeAcceptEdits:
		return "Accept edits"
	case ModeBypassPermissions:
		return "Bypass permissions"
	case ModePlan:
		return "Plan only"
	default:
		return "Ask every time"
	}
}

// editingTools are auto-approved in acceptEdits mode.
var editingTools = []string{"Edit", "Write", "Read", "MultiEdit"}

// ShouldAutoApprove reports whether mode allows tool without asking.
func ShouldAutoApprove(mode Mode, tool string) bool {
	switch mode {
	case ModeBypassPermissions:
		return true
	case ModeAcceptEdits:
		for _, t := range editingTools {
			if t == tool {
				return true
			}
		}
	}
	return false
}

// Action is the human's answer to a permission request.
type Action string

const (
	ActionApprove    Action = "approve"
	ActionApproveAll Action = "approve-all"
	ActionReject     Action = "reject"
)

// ParseAction validates an action string.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionApprove, ActionApproveAll, ActionReject:
		return a, nil
	}
	return "", fmt.Errorf("unknown permission action %q", s)
}

// Approves reports whether the action lets the tool run.
func (a Action) Approves() bool {
	return a == ActionApprove || a == ActionApproveAll
}
