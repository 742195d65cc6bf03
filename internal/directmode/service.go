// Package directmode runs a conversation with the Claude CLI one process per
// message, and pauses it whenever the CLI asks for a tool permission.
//
// A blocked tool call is handled by stopping the process, waiting for the
// human, and then starting a new process that resumes the same session with
// a short continuation prompt and the tool allowed.
package directmode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/getfinn/claudebridge/internal/claude"
	"github.com/getfinn/claudebridge/internal/permission"
	"github.com/getfinn/claudebridge/internal/process"
)

// State of the service.
type State string

const (
	StateInactive   State = "inactive"
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	StateSuspended  State = "suspended"
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrNoSession    = errors.New("no session to resume")
)

// Runner starts and stops CLI processes. *process.Manager implements it.
type Runner interface {
	Spawn(args []string, cb process.Callbacks) (*process.Handle, error)
	Terminate(ctx context.Context, h *process.Handle) error
}

// Options configure a Service.
type Options struct {
	Runner      Runner
	Permissions *permission.Service
	Detector    claude.Detector // defaults to claude.NewDetector()

	Model                string
	FoldDuplicateResults bool

	// StreamLog, when set, receives every raw stdout line.
	StreamLog io.Writer

	Logger zerolog.Logger
}

// run is one spawned process and its stream state.
type run struct {
	handle *process.Handle
	stdout claude.LineBuffer
	stderr claude.LineBuffer

	suspended  bool // a permission request came from this process
	superseded bool // replaced or stopped on purpose
}

// Service is the Direct Mode orchestrator. All methods are safe for
// concurrent use; responses are delivered in order on whatever goroutine
// produced them, never while the service lock is held.
type Service struct {
	runner    Runner
	perms     *permission.Service
	detector  claude.Detector
	model     string
	streamLog io.Writer
	log       zerolog.Logger

	// ops serializes inbound commands, which may wait for a process to exit.
	ops sync.Mutex

	mu         sync.Mutex
	state      State
	stateDirty bool
	proc       *Processor
	current    *run
	onResponse func(Response)
	onState    func(State)
}

// NewService wires a service. The permission service's timeout handler is
// taken over by it.
func NewService(opts Options) *Service {
	detector := opts.Detector
	if detector == nil {
		detector = claude.NewDetector()
	}
	s := &Service{
		runner:    opts.Runner,
		perms:     opts.Permissions,
		detector:  detector,
		model:     opts.Model,
		streamLog: opts.StreamLog,
		log:       opts.Logger.With().Str("component", "directmode").Logger(),
		state:     StateInactive,
		proc:      NewProcessor(opts.FoldDuplicateResults),
	}
	s.perms.SetTimeoutHandler(s.permissionTimedOut)
	return s
}

// SetResponseHandler registers the UI callback.
func (s *Service) SetResponseHandler(fn func(Response)) {
	s.mu.Lock()
	s.onResponse = fn
	s.mu.Unlock()
}

// SetStateHandler registers a function told about state changes.
func (s *Service) SetStateHandler(fn func(State)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

// SendMessage starts a new turn. A running process or pending permission
// request is abandoned first.
func (s *Service) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	s.ops.Lock()
	defer s.ops.Unlock()

	if err := s.abandonCurrent(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateInactive {
		s.setStateLocked(StateIdle)
	}
	resp := s.proc.CreateUserInputMessage(text, claude.UserInputPrompt, nil)
	sessionID := s.proc.SessionID()
	s.unlockAndEmit([]Response{resp})

	s.log.Info().Str("session", sessionID).Int("chars", len(text)).Msg("📨 Sending message to Claude")
	return s.spawn(text, nil, sessionID)
}

// HandlePermissionResponse answers the pending request. A response that
// does not match it is logged and ignored.
func (s *Service) HandlePermissionResponse(ctx context.Context, action permission.Action, toolName, sessionID string) error {
	s.ops.Lock()
	defer s.ops.Unlock()

	pending, err := s.perms.Resolve(action, toolName, sessionID)
	if err != nil {
		s.log.Warn().Err(err).Str("tool", toolName).Str("action", string(action)).Msg("⚠️  Ignoring permission response")
		return err
	}

	// The process is already being stopped; make sure it is gone before a
	// new one is started for the same session.
	if err := s.runner.Terminate(ctx, pending.Process); err != nil {
		s.mu.Lock()
		s.setStateLocked(StateIdle)
		resp := s.errorLocked(SubtypeResumeFailed, fmt.Sprintf(
			"Could not act on the permission response for `%s`: the stopped process did not exit in time.", pending.ToolName))
		resp.Metadata.ToolName = pending.ToolName
		s.unlockAndEmit([]Response{resp})
		s.log.Warn().Err(err).Str("tool", pending.ToolName).Msg("⚠️  Suspended process still exiting, permission response dropped")
		return fmt.Errorf("wait for suspended process: %w", err)
	}

	if !action.Approves() {
		s.mu.Lock()
		s.setStateLocked(StateIdle)
		resp := s.systemLocked(SubtypePermissionDenied, "Permission denied. Process stopped.", false)
		s.unlockAndEmit([]Response{resp})
		s.log.Info().Str("tool", toolName).Msg("🚫 Permission denied")
		return nil
	}
	return s.resumeAfterPermission(pending)
}

// resumeAfterPermission continues the suspended session in a new process
// with the tool allowed. The original prompt is not sent again.
func (s *Service) resumeAfterPermission(pending permission.Pending) error {
	s.mu.Lock()
	sessionID := pending.SessionID
	if sessionID == "" {
		sessionID = s.proc.SessionID()
	}
	if sessionID == "" {
		s.setStateLocked(StateIdle)
		resp := s.errorLocked(SubtypeNoSession, "Cannot continue: Claude did not report a session to resume.")
		s.unlockAndEmit([]Response{resp})
		return ErrNoSession
	}
	status := s.systemLocked(SubtypePermissionGranted, fmt.Sprintf("Permission granted for `%s`. Continuing.", pending.ToolName), false)
	status.Metadata.ToolName = pending.ToolName
	s.unlockAndEmit([]Response{status})

	prompt := fmt.Sprintf("Permission granted for `%s`. Please continue with the task you were working on.", pending.ToolName)
	s.log.Info().Str("tool", pending.ToolName).Str("session", sessionID).Msg("🔄 Resuming session after permission")
	return s.spawn(prompt, []string{pending.ToolName}, sessionID)
}

// TerminateCurrentProcess stops the running process and drops any pending
// permission request.
func (s *Service) TerminateCurrentProcess(ctx context.Context) error {
	s.ops.Lock()
	defer s.ops.Unlock()

	if err := s.abandonCurrent(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	if s.state != StateInactive {
		s.setStateLocked(StateIdle)
	}
	resp := s.systemLocked(SubtypeStopped, "Process stopped.", false)
	s.unlockAndEmit([]Response{resp})
	return nil
}

// ClearConversation stops everything and forgets the session, so the next
// message starts a new conversation.
func (s *Service) ClearConversation(ctx context.Context) error {
	s.ops.Lock()
	defer s.ops.Unlock()

	if err := s.abandonCurrent(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.proc.Reset()
	if s.state != StateInactive {
		s.setStateLocked(StateIdle)
	}
	resp := newResponse(claude.TypeSystem, SubtypeCleared, "Conversation cleared.")
	s.unlockAndEmit([]Response{resp})
	s.log.Info().Msg("🧹 Conversation cleared")
	return nil
}

// Stop clears the conversation and deactivates the service.
func (s *Service) Stop(ctx context.Context) error {
	s.ops.Lock()
	defer s.ops.Unlock()

	if err := s.abandonCurrent(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.proc.Reset()
	s.setStateLocked(StateInactive)
	s.unlockAndEmit(nil)
	s.log.Info().Msg("⏹️  Direct mode stopped")
	return nil
}

// SetPermissionMode persists the mode used by the next spawn.
func (s *Service) SetPermissionMode(mode permission.Mode) error {
	return s.perms.SetMode(mode)
}

// PermissionMode is the current mode.
func (s *Service) PermissionMode() permission.Mode {
	return s.perms.Mode()
}

// PendingPermission returns the request waiting for an answer, if any.
func (s *Service) PendingPermission() (permission.Pending, bool) {
	return s.perms.Pending()
}

// State of the service.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID of the current conversation.
func (s *Service) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc.SessionID()
}

// IsProcessRunning reports whether a CLI process is alive.
func (s *Service) IsProcessRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && s.current.handle != nil && !s.current.handle.Exited()
}

// abandonCurrent drops the pending request and stops the running process,
// waiting for it to exit. Must be called with ops held and mu not held.
func (s *Service) abandonCurrent(ctx context.Context) error {
	s.perms.Clear()

	s.mu.Lock()
	r := s.current
	if r != nil {
		r.superseded = true
	}
	s.mu.Unlock()

	if r == nil || r.handle == nil {
		return nil
	}
	if err := s.runner.Terminate(ctx, r.handle); err != nil {
		return fmt.Errorf("stop running process: %w", err)
	}
	return nil
}

// spawn starts a process for prompt. extraTools are allowed for this run
// only; resume is the session to continue, "" for a new one.
func (s *Service) spawn(prompt string, extraTools []string, resume string) error {
	tools, mode := s.perms.SpawnPolicy()
	tools = append(tools, extraTools...)
	args := claude.BuildArgs(claude.Invocation{
		Prompt:         prompt,
		AllowedTools:   tools,
		PermissionMode: string(mode),
		ResumeSession:  resume,
		Model:          s.model,
	})

	s.mu.Lock()
	r := &run{}
	s.current = r
	s.setStateLocked(StateProcessing)

	// Callbacks take mu, so they cannot run before the handle is recorded.
	h, err := s.runner.Spawn(args, s.callbacks(r))
	if err != nil {
		s.current = nil
		s.setStateLocked(StateIdle)
		resp := s.errorLocked(SubtypeSpawnFailed, fmt.Sprintf("Failed to start Claude: %v", err))
		s.unlockAndEmit([]Response{resp})
		return err
	}
	r.handle = h
	s.unlockAndEmit(nil)
	return nil
}

func (s *Service) callbacks(r *run) process.Callbacks {
	return process.Callbacks{
		OnStdout: func(chunk []byte) { s.onStdout(r, chunk) },
		OnStderr: func(chunk []byte) { s.onStderr(r, chunk) },
		OnError:  func(err error) { s.onProcessError(r, err) },
		OnExit:   func(code int) { s.onExit(r, code) },
	}
}

func (s *Service) onStdout(r *run, chunk []byte) {
	s.mu.Lock()
	var out []Response
	var stop *process.Handle
	for _, line := range r.stdout.Write(chunk) {
		resps, suspend := s.handleLineLocked(r, line)
		out = append(out, resps...)
		if suspend {
			stop = r.handle
		}
	}
	s.unlockAndEmit(out)

	if stop != nil {
		// Terminate waits for the exit, and the exit callback cannot run
		// until this stdout callback returns.
		go func() {
			if err := s.runner.Terminate(context.Background(), stop); err != nil {
				s.log.Warn().Err(err).Msg("⚠️  Failed to stop process after permission request")
			}
		}()
	}
}

// handleLineLocked processes one stdout line. It reports true when the line
// suspended the run.
func (s *Service) handleLineLocked(r *run, line []byte) ([]Response, bool) {
	if s.streamLog != nil {
		if _, err := s.streamLog.Write(append(append([]byte(nil), line...), '\n')); err != nil {
			s.log.Debug().Err(err).Msg("stream archive write failed")
		}
	}
	if r != s.current || r.suspended || r.superseded {
		s.log.Debug().Msg("Dropping output of a stopped process")
		return nil, false
	}

	msg, err := claude.ParseLine(line)
	if err != nil {
		s.log.Warn().Err(err).Msg("⚠️  Skipping malformed stream line")
		return nil, false
	}

	if msg.Type == claude.TypeUser && !s.perms.IsSuspended() {
		if req, ok := s.detector.Detect(claude.UserText(&msg), s.proc.LastAssistantMessage()); ok {
			return s.suspendLocked(r, msg, req)
		}
	}

	outcome := s.proc.Process(msg)
	if !outcome.ShouldProcess || outcome.Response == nil {
		return nil, false
	}
	resp := *outcome.Response
	resp.Metadata.ProcessRunning = true
	return []Response{resp}, false
}

// suspendLocked records the permission request before anything is emitted,
// so the exit and stderr of the process being stopped are already known to
// be expected.
func (s *Service) suspendLocked(r *run, msg claude.Message, req claude.PermissionRequest) ([]Response, bool) {
	s.proc.ObserveSession(msg)
	pending, err := s.perms.Suspend(permission.Pending{
		SessionID:      s.proc.SessionID(),
		ToolName:       req.ToolName,
		CommandContext: req.CommandContext,
		ToolUseID:      req.ToolUseID,
		Process:        r.handle,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("tool", req.ToolName).Msg("⚠️  Could not suspend for permission")
		return nil, false
	}
	r.suspended = true
	s.setStateLocked(StateSuspended)

	outcome := s.proc.Process(msg)
	var out []Response
	if outcome.Response != nil {
		request := *outcome.Response
		request.Metadata.ToolName = pending.ToolName
		request.Metadata.ToolUseID = pending.ToolUseID
		request.Metadata.CommandContext = pending.CommandContext
		request.Metadata.PermissionRequestID = pending.ID
		request.Metadata.ProcessRunning = false
		request.Metadata.Suspended = true
		out = append(out, request)
	}

	label := pending.ToolName
	if pending.CommandContext != "" {
		label = fmt.Sprintf("%s (%s)", pending.ToolName, pending.CommandContext)
	}
	status := s.systemLocked(SubtypeSuspended, fmt.Sprintf("Claude wants to use %s. Waiting for your permission.", label), false)
	status.Metadata.Suspended = true
	status.Metadata.ToolName = pending.ToolName
	status.Metadata.PermissionRequestID = pending.ID
	out = append(out, status)

	s.log.Info().Str("tool", pending.ToolName).Str("context", pending.CommandContext).Msg("🔐 Permission requested")
	return out, true
}

func (s *Service) onStderr(r *run, chunk []byte) {
	s.mu.Lock()
	var out []Response
	for _, line := range r.stderr.Write(chunk) {
		if resp, ok := s.stderrLocked(r, string(line)); ok {
			out = append(out, resp)
		}
	}
	s.unlockAndEmit(out)
}

func (s *Service) stderrLocked(r *run, line string) (Response, bool) {
	if r != s.current || r.suspended || r.superseded || s.perms.IsSuspended() {
		s.log.Debug().Str("line", line).Msg("Suppressed stderr of a stopped process")
		return Response{}, false
	}
	s.log.Warn().Str("line", line).Msg("⚠️  Claude stderr")
	return s.errorLocked(SubtypeStderr, line), true
}

func (s *Service) onProcessError(r *run, err error) {
	s.mu.Lock()
	var out []Response
	if r == s.current && !r.suspended && !r.superseded {
		s.log.Error().Err(err).Msg("❌ Claude process error")
		out = append(out, s.errorLocked(SubtypeProcessError, fmt.Sprintf("Claude process error: %v", err)))
	}
	s.unlockAndEmit(out)
}

func (s *Service) onExit(r *run, code int) {
	s.mu.Lock()
	var out []Response
	if rest := r.stdout.Flush(); rest != nil {
		// A permission request in the last line needs no extra stop: the
		// process is already gone.
		resps, _ := s.handleLineLocked(r, rest)
		out = append(out, resps...)
	}
	if rest := r.stderr.Flush(); rest != nil {
		if resp, ok := s.stderrLocked(r, string(rest)); ok {
			out = append(out, resp)
		}
	}

	if r == s.current {
		s.current = nil
		intentional := r.suspended || r.superseded || (r.handle != nil && r.handle.TerminationRequested())
		if code != 0 && !intentional {
			exitErr := &process.ExitError{Code: code}
			s.log.Warn().Err(exitErr).Msg("⚠️  Claude exited with an error")
			resp := s.errorLocked(SubtypeExitFailure, "Claude "+exitErr.Error())
			exitCode := code
			resp.Metadata.ExitCode = &exitCode
			out = append(out, resp)
		}
		switch {
		case s.perms.IsSuspended():
			s.setStateLocked(StateSuspended)
		case s.state != StateInactive:
			s.setStateLocked(StateIdle)
		}
	}
	s.unlockAndEmit(out)
}

func (s *Service) permissionTimedOut(p permission.Pending, cause error) {
	s.mu.Lock()
	if s.state == StateSuspended {
		s.setStateLocked(StateIdle)
	}
	resp := s.errorLocked(SubtypePermissionTimeout, fmt.Sprintf(
		"Permission request for `%s` timed out. The process was already stopped.", p.ToolName))
	resp.Message.ErrorMessage = cause.Error()
	resp.Metadata.ToolName = p.ToolName
	resp.Metadata.PermissionRequestID = p.ID
	s.unlockAndEmit([]Response{resp})

	if p.Process != nil {
		go func() {
			if err := s.runner.Terminate(context.Background(), p.Process); err != nil {
				s.log.Warn().Err(err).Msg("⚠️  Failed to stop process after permission timeout")
			}
		}()
	}
}

func (s *Service) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.log.Debug().Str("from", string(s.state)).Str("to", string(state)).Msg("State change")
	s.state = state
	s.stateDirty = true
}

func (s *Service) systemLocked(subtype, content string, running bool) Response {
	resp := newResponse(claude.TypeSystem, subtype, content)
	resp.Metadata.SessionID = s.proc.SessionID()
	resp.Metadata.ProcessRunning = running
	s.proc.Note(resp)
	return resp
}

func (s *Service) errorLocked(subtype, content string) Response {
	resp := newResponse(claude.TypeError, subtype, content)
	resp.Message = &claude.Message{Type: claude.TypeError, Subtype: subtype, Timestamp: resp.Timestamp, ErrorMessage: content}
	resp.Metadata.SessionID = s.proc.SessionID()
	resp.Metadata.ProcessRunning = s.current != nil
	s.proc.Note(resp)
	return resp
}

// unlockAndEmit releases mu, then delivers responses and a pending state
// change.
func (s *Service) unlockAndEmit(out []Response) {
	handler := s.onResponse
	var notify func(State)
	state := s.state
	if s.stateDirty {
		s.stateDirty = false
		notify = s.onState
	}
	s.mu.Unlock()

	if handler != nil {
		for _, resp := range out {
			handler(resp)
		}
	}
	if notify != nil {
		notify(state)
	}
}
