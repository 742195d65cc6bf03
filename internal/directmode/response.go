package directmode

import (
	"time"

	"github.com/google/uuid"

	"github.com/getfinn/claudebridge/internal/claude"
)

// Metadata travels with every Response.
type Metadata struct {
	SessionID  string        `json:"sessionId,omitempty"`
	Cost       float64       `json:"cost,omitempty"`
	DurationMs int64         `json:"durationMs,omitempty"`
	NumTurns   int           `json:"numTurns,omitempty"`
	Usage      *claude.Usage `json:"usage,omitempty"`
	Model      string        `json:"model,omitempty"`

	// Permission requests
	ToolName            string `json:"toolName,omitempty"`
	ToolUseID           string `json:"toolUseId,omitempty"`
	CommandContext      string `json:"commandContext,omitempty"`
	PermissionRequestID string `json:"permissionRequestId,omitempty"`

	ProcessRunning bool `json:"processRunning"`
	Suspended      bool `json:"suspended"`
	ExitCode       *int `json:"exitCode,omitempty"`
}

// Response is what the UI receives. When IsUpdate is set it replaces the
// earlier entry with the same ID instead of being appended.
type Response struct {
	ID        string             `json:"id"`
	Type      claude.MessageType `json:"type"`
	Subtype   string             `json:"subtype,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Content   string             `json:"content"`
	Message   *claude.Message    `json:"message,omitempty"`
	Metadata  Metadata           `json:"metadata"`
	IsUpdate  bool               `json:"isUpdate,omitempty"`
}

// Status subtypes of system responses created by the service.
const (
	SubtypeSuspended         = "permission_suspended"
	SubtypePermissionDenied  = "permission_denied"
	SubtypePermissionGranted = "permission_granted"
	SubtypeStopped           = "process_stopped"
	SubtypeCleared           = "conversation_cleared"
)

// Error subtypes of error responses created by the service.
const (
	SubtypeSpawnFailed       = "spawn_failed"
	SubtypeExitFailure       = "exit_failure"
	SubtypeStderr            = "stderr"
	SubtypeProcessError      = "process_error"
	SubtypePermissionTimeout = "permission_timeout"
	SubtypeNoSession         = "no_session"
	SubtypeResumeFailed      = "resume_failed"
)

func newResponse(msgType claude.MessageType, subtype, content string) Response {
	return Response{
		ID:        uuid.NewString(),
		Type:      msgType,
		Subtype:   subtype,
		Timestamp: time.Now(),
		Content:   content,
	}
}

// IsError reports whether the response should be shown as a failure.
func (r Response) IsError() bool {
	if r.Type == claude.TypeError {
		return true
	}
	return r.Type == claude.TypeResult && r.Message != nil && r.Message.IsError
}
