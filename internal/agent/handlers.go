package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getfinn/claudebridge/internal/directmode"
	"github.com/getfinn/claudebridge/internal/permission"
	"github.com/getfinn/claudebridge/internal/process"
	ws "github.com/getfinn/claudebridge/internal/websocket"
)

// Conversation is the command surface of the Direct Mode service.
type Conversation interface {
	SendMessage(ctx context.Context, text string) error
	HandlePermissionResponse(ctx context.Context, action permission.Action, toolName, sessionID string) error
	TerminateCurrentProcess(ctx context.Context) error
	ClearConversation(ctx context.Context) error
	Stop(ctx context.Context) error
	SetPermissionMode(mode permission.Mode) error
	PermissionMode() permission.Mode
	PendingPermission() (permission.Pending, bool)
	State() directmode.State
	SessionID() string
	IsProcessRunning() bool
}

var errBadRequest = errors.New("bad request")

type sendMessagePayload struct {
	Text string `json:"text"`
}

type permissionResponsePayload struct {
	Action    string `json:"action"`
	ToolName  string `json:"tool_name"`
	SessionID string `json:"session_id"`
}

type permissionModePayload struct {
	Mode string `json:"mode"`
}

// PendingView is the pending permission request as UIs see it.
type PendingView struct {
	ID             string    `json:"id"`
	ToolName       string    `json:"tool_name"`
	CommandContext string    `json:"command_context,omitempty"`
	SessionID      string    `json:"session_id"`
	SuspendedAt    time.Time `json:"suspended_at"`
}

// StateSnapshot answers get_state and is pushed on every state change.
type StateSnapshot struct {
	State          directmode.State `json:"state"`
	SessionID      string           `json:"session_id,omitempty"`
	PermissionMode permission.Mode  `json:"permission_mode"`
	ProcessRunning bool             `json:"process_running"`
	Pending        *PendingView     `json:"pending_permission,omitempty"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleMessage is the relay's read callback. Commands are queued so the
// read pump never waits for a process to stop.
func (a *Agent) handleMessage(msg *ws.Message) {
	switch msg.Type {
	case ws.MessageTypePresence:
		a.handlePresenceUpdate(msg)
	case ws.MessageTypeError:
		a.handleErrorMessage(msg)
	default:
		a.enqueue(func(ctx context.Context) { a.dispatch(ctx, msg) })
	}
}

// dispatch runs one command and reports failures back to the sender.
func (a *Agent) dispatch(ctx context.Context, msg *ws.Message) {
	a.log.Debug().Str("type", string(msg.Type)).Str("request_id", msg.RequestID).Msg("Handling message")

	var err error
	switch msg.Type {
	case ws.MessageTypeSendMessage:
		err = a.handleSendMessage(ctx, msg)
	case ws.MessageTypePermissionResponse:
		err = a.handlePermissionResponse(ctx, msg)
	case ws.MessageTypeTerminate:
		err = a.conv.TerminateCurrentProcess(ctx)
	case ws.MessageTypeClearConversation:
		err = a.conv.ClearConversation(ctx)
	case ws.MessageTypeStop:
		err = a.conv.Stop(ctx)
	case ws.MessageTypeSetPermissionMode:
		err = a.handleSetPermissionMode(msg)
	case ws.MessageTypeGetState:
		a.sendState(msg.RequestID)
	default:
		err = fmt.Errorf("%w: unknown message type %q", errBadRequest, msg.Type)
	}

	if err != nil {
		a.log.Warn().Err(err).Str("type", string(msg.Type)).Msg("⚠️  Command failed")
		a.send(ws.MessageTypeError, msg.RequestID, errorPayload{Code: errorCode(err), Message: err.Error()})
	}
}

func (a *Agent) handleSendMessage(ctx context.Context, msg *ws.Message) error {
	var payload sendMessagePayload
	if err := msg.Decode(&payload); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	a.log.Info().Int("length", len(payload.Text)).Msg("💬 Message received")
	return a.conv.SendMessage(ctx, payload.Text)
}

func (a *Agent) handlePermissionResponse(ctx context.Context, msg *ws.Message) error {
	var payload permissionResponsePayload
	if err := msg.Decode(&payload); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	action, err := permission.ParseAction(payload.Action)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return a.conv.HandlePermissionResponse(ctx, action, payload.ToolName, payload.SessionID)
}

func (a *Agent) handleSetPermissionMode(msg *ws.Message) error {
	var payload permissionModePayload
	if err := msg.Decode(&payload); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	mode, err := permission.ParseMode(payload.Mode)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if err := a.conv.SetPermissionMode(mode); err != nil {
		return err
	}
	if a.tray != nil {
		a.tray.SetMode(mode)
	}
	a.sendState(msg.RequestID)
	return nil
}

// Tray actions.

func (a *Agent) stopProcess(ctx context.Context) {
	if err := a.conv.TerminateCurrentProcess(ctx); err != nil {
		a.log.Warn().Err(err).Msg("⚠️  Failed to stop process")
	}
}

func (a *Agent) clearConversation(ctx context.Context) {
	if err := a.conv.ClearConversation(ctx); err != nil {
		a.log.Warn().Err(err).Msg("⚠️  Failed to clear conversation")
	}
}

func (a *Agent) modeSetter(mode permission.Mode) func(context.Context) {
	return func(context.Context) {
		if err := a.conv.SetPermissionMode(mode); err != nil {
			a.log.Warn().Err(err).Msg("⚠️  Failed to set permission mode")
			return
		}
		a.log.Info().Str("mode", string(mode)).Msg("🔐 Permission mode changed from tray")
		if a.tray != nil {
			a.tray.SetMode(mode)
		}
		a.sendState("")
	}
}

func (a *Agent) snapshot() StateSnapshot {
	snap := StateSnapshot{
		State:          a.conv.State(),
		SessionID:      a.conv.SessionID(),
		PermissionMode: a.conv.PermissionMode(),
		ProcessRunning: a.conv.IsProcessRunning(),
	}
	if p, ok := a.conv.PendingPermission(); ok {
		snap.Pending = &PendingView{
			ID:             p.ID,
			ToolName:       p.ToolName,
			CommandContext: p.CommandContext,
			SessionID:      p.SessionID,
			SuspendedAt:    p.SuspendedAt,
		}
	}
	return snap
}

func (a *Agent) sendState(requestID string) {
	a.send(ws.MessageTypeState, requestID, a.snapshot())
}

func errorCode(err error) string {
	var spawnErr *process.SpawnError
	switch {
	case errors.Is(err, errBadRequest):
		return "bad_request"
	case errors.Is(err, directmode.ErrEmptyMessage):
		return "empty_message"
	case errors.Is(err, directmode.ErrNoSession):
		return "no_session"
	case errors.Is(err, permission.ErrNoPending):
		return "no_pending_permission"
	case errors.Is(err, permission.ErrMismatch):
		return "permission_mismatch"
	case errors.As(err, &spawnErr):
		return "spawn_failed"
	default:
		return "internal"
	}
}

// handleErrorMessage handles error messages from the relay server.
func (a *Agent) handleErrorMessage(msg *ws.Message) {
	var payload struct {
		Error   string `json:"error"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := msg.Decode(&payload); err != nil {
		a.log.Warn().Str("payload", string(msg.Payload)).Msg("⚠️ Received error from relay (unparseable payload)")
		return
	}

	errorMsg := payload.Error
	if errorMsg == "" {
		errorMsg = payload.Message
	}
	if payload.Code == "rate_limit" {
		a.log.Warn().Msgf("⚠️ Rate limited by relay server: %s", errorMsg)
	} else {
		a.log.Warn().Str("code", payload.Code).Msgf("⚠️ Error from relay server: %s", errorMsg)
	}
}

// handlePresenceUpdate tracks which UIs are online.
func (a *Agent) handlePresenceUpdate(msg *ws.Message) {
	var payload struct {
		DeviceType string `json:"device_type"`
		Online     bool   `json:"online"`
	}
	if err := msg.Decode(&payload); err != nil {
		a.log.Warn().Err(err).Msg("⚠️ Failed to parse presence payload")
		return
	}

	a.presenceMu.Lock()
	defer a.presenceMu.Unlock()

	var flag *bool
	var label string
	switch payload.DeviceType {
	case "mobile":
		flag, label = &a.mobileOnline, "📱 Mobile client"
	case "web":
		flag, label = &a.webOnline, "🌐 Web client"
	default:
		return
	}
	// Only log if state actually changed
	if *flag == payload.Online {
		return
	}
	*flag = payload.Online
	if payload.Online {
		a.log.Info().Msg(label + " connected")
	} else {
		a.log.Info().Msg(label + " disconnected")
	}
}

// hasActiveClients reports whether any UI is online to answer prompts.
func (a *Agent) hasActiveClients() bool {
	a.presenceMu.Lock()
	defer a.presenceMu.Unlock()
	return a.mobileOnline || a.webOnline
}
