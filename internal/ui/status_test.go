package ui

import (
	"testing"

	"github.com/getfinn/claudebridge/internal/directmode"
)

func TestStatusLabel(t *testing.T) {
	tests := []struct {
		state     directmode.State
		connected bool
		want      string
	}{
		{directmode.StateInactive, true, "⚪ Inactive"},
		{directmode.StateIdle, true, "🟢 Idle"},
		{directmode.StateProcessing, true, "🟡 Running"},
		{directmode.StateSuspended, true, "🟠 Awaiting permission"},
		{directmode.StateIdle, false, "🟢 Idle (relay offline)"},
	}
	for _, tt := range tests {
		if got := StatusLabel(tt.state, tt.connected); got != tt.want {
			t.Errorf("StatusLabel(%s, %v) = %q, want %q", tt.state, tt.connected, got, tt.want)
		}
	}
}

func TestPermissionQuestion(t *testing.T) {
	if got := permissionQuestion("Bash", "git push"); got != "Claude wants to use Bash (git push).\n\nAllow it?" {
		t.Errorf("with context: %q", got)
	}
	if got := permissionQuestion("WebFetch", ""); got != "Claude wants to use WebFetch.\n\nAllow it?" {
		t.Errorf("without context: %q", got)
	}
}
