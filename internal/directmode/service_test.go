package directmode

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/getfinn/claudebridge/internal/claude"
	"github.com/getfinn/claudebridge/internal/config"
	"github.com/getfinn/claudebridge/internal/permission"
	"github.com/getfinn/claudebridge/internal/process"
	"github.com/getfinn/claudebridge/internal/testutil"
)

const (
	initLine      = `{"type":"system","subtype":"init","session_id":"sess-1","model":"claude-test","tools":["Bash","Edit"]}`
	bashToolUse   = `{"type":"assistant","session_id":"sess-1","message":{"content":[{"type":"text","text":"Pushing now."},{"type":"tool_use","id":"tu_1","name":"Bash","input":{"command":"git push origin main"}}]}}`
	bashBlocked   = `{"type":"user","session_id":"sess-1","message":{"content":[{"type":"tool_result","tool_use_id":"tu_1","is_error":true,"content":"Claude requested permissions to use Bash, but you haven't granted it yet."}]}}`
	resumedAnswer = `{"type":"assistant","session_id":"sess-1","message":{"content":[{"type":"text","text":"Pushed."}]}}`
	resumedResult = `{"type":"result","subtype":"success","session_id":"sess-1","total_cost_usd":0.01,"duration_ms":100,"num_turns":1,"result":"Pushed."}`
)

var permissionScript = []string{initLine, bashToolUse, bashBlocked, "#hang"}

type harness struct {
	t       *testing.T
	svc     *Service
	store   *config.SettingsStore
	argsLog string
	stream  *bytes.Buffer

	mu        sync.Mutex
	responses []Response
	states    []State
	streamMu  sync.Mutex
}

type harnessConfig struct {
	timeout time.Duration
	fold    bool
}

type harnessOption func(*harnessConfig)

func withTimeout(d time.Duration) harnessOption {
	return func(c *harnessConfig) { c.timeout = d }
}

func withoutFolding() harnessOption {
	return func(c *harnessConfig) { c.fold = false }
}

func newHarness(t *testing.T, scripts [][]string, opts ...harnessOption) *harness {
	t.Helper()
	hc := harnessConfig{timeout: time.Minute, fold: true}
	for _, opt := range opts {
		opt(&hc)
	}

	dir := t.TempDir()
	h := &harness{
		t:       t,
		argsLog: filepath.Join(dir, "args.log"),
		stream:  &bytes.Buffer{},
	}

	options := Options{FoldDuplicateResults: hc.fold, Logger: zerolog.Nop()}
	h.store = config.NewSettingsStore(filepath.Join(dir, "settings.json"), zerolog.Nop())
	options.Permissions = permission.NewService(h.store, hc.timeout, zerolog.Nop())
	options.Runner = process.NewManager(process.Config{
		Binary:      os.Args[0],
		Env:         []string{envScripts + "=" + writeScripts(t, scripts...), envArgsLog + "=" + h.argsLog},
		GracePeriod: time.Second,
		Logger:      zerolog.Nop(),
	})
	options.StreamLog = lockedWriter{mu: &h.streamMu, w: h.stream}

	h.svc = NewService(options)
	h.svc.SetResponseHandler(func(r Response) {
		h.mu.Lock()
		h.responses = append(h.responses, r)
		h.mu.Unlock()
	})
	h.svc.SetStateHandler(func(s State) {
		h.mu.Lock()
		h.states = append(h.states, s)
		h.mu.Unlock()
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.svc.Stop(ctx)
	})
	return h
}

type lockedWriter struct {
	mu *sync.Mutex
	w  *bytes.Buffer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func (h *harness) all() []Response {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Response(nil), h.responses...)
}

func (h *harness) ofType(t claude.MessageType) []Response {
	var out []Response
	for _, r := range h.all() {
		if r.Type == t {
			out = append(out, r)
		}
	}
	return out
}

func (h *harness) waitFor(what string, cond func([]Response) bool) {
	h.t.Helper()
	testutil.Eventually(h.t, 10*time.Second, func() bool { return cond(h.all()) }, what)
}

func (h *harness) waitIdle() {
	h.t.Helper()
	testutil.Eventually(h.t, 10*time.Second, func() bool {
		return h.svc.State() == StateIdle && !h.svc.IsProcessRunning()
	}, "service idle")
}

func (h *harness) waitSuspended() Response {
	h.t.Helper()
	var status Response
	h.waitFor("suspension status", func(rs []Response) bool {
		for _, r := range rs {
			if r.Subtype == SubtypeSuspended {
				status = r
				return true
			}
		}
		return false
	})
	testutil.Eventually(h.t, 10*time.Second, func() bool { return !h.svc.IsProcessRunning() }, "suspended process stopped")
	return status
}

func (h *harness) send(text string) {
	h.t.Helper()
	testutil.NoError(h.t, h.svc.SendMessage(context.Background(), text), "send message")
}

func (h *harness) noErrors() {
	h.t.Helper()
	if errs := h.ofType(claude.TypeError); len(errs) > 0 {
		h.t.Fatalf("unexpected error responses: %+v", errs)
	}
}

func hasResult(rs []Response) bool {
	for _, r := range rs {
		if r.Type == claude.TypeResult {
			return true
		}
	}
	return false
}

func TestSendMessage_StreamsAndFoldsResult(t *testing.T) {
	h := newHarness(t, [][]string{{initLine, resumedAnswer, resumedResult}})
	h.send("push my branch")
	h.waitFor("result", hasResult)
	h.waitIdle()
	h.noErrors()

	var tr Transcript
	for _, r := range h.all() {
		tr.Apply(r)
	}
	entries := tr.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected user_input, system, result; got %d entries: %+v", len(entries), entries)
	}
	testutil.Equal(t, entries[0].Type, claude.TypeUserInput, "first entry")
	testutil.Equal(t, entries[1].Type, claude.TypeSystem, "second entry")
	testutil.Equal(t, entries[2].Type, claude.TypeResult, "folded entry")
	testutil.Equal(t, entries[2].Content, "Pushed.", "folded content")
	testutil.Equal(t, h.svc.SessionID(), "sess-1", "session id")

	runs := readInvocations(t, h.argsLog)
	if len(runs) != 1 {
		t.Fatalf("expected one invocation, got %d", len(runs))
	}
	testutil.Equal(t, runs[0][:4], []string{"-p", "--output-format", "stream-json", "--verbose"}, "base args")
	prompt, _ := claude.PromptArg(runs[0])
	testutil.Equal(t, prompt, "push my branch", "prompt")
	if _, ok := flagValue(runs[0], "--resume"); ok {
		t.Error("first message must not resume")
	}

	h.streamMu.Lock()
	archived := h.stream.String()
	h.streamMu.Unlock()
	testutil.Equal(t, strings.Count(archived, "\n"), 3, "archived lines")
}

func TestSendMessage_DashPromptStaysPositional(t *testing.T) {
	h := newHarness(t, [][]string{{initLine, resumedAnswer, resumedResult}})
	h.send("- fix the bug\n- then push")
	h.waitFor("result", hasResult)
	h.waitIdle()
	h.noErrors()

	runs := readInvocations(t, h.argsLog)
	if len(runs) != 1 {
		t.Fatalf("expected one invocation, got %d", len(runs))
	}
	args := runs[0]
	testutil.Equal(t, args[len(args)-2:], []string{"--", "- fix the bug\n- then push"}, "prompt after terminator")
}

func TestSendMessage_FoldingDisabled(t *testing.T) {
	h := newHarness(t, [][]string{{initLine, resumedAnswer, resumedResult}}, withoutFolding())
	h.send("hi")
	h.waitFor("result", hasResult)
	h.waitIdle()

	var tr Transcript
	for _, r := range h.all() {
		tr.Apply(r)
	}
	testutil.Equal(t, tr.Len(), 4, "entries without folding")
}

func TestSendMessage_SkipsMalformedLines(t *testing.T) {
	h := newHarness(t, [][]string{{initLine, `{"type":"assistant",`, "not json at all", resumedAnswer, resumedResult}})
	h.send("hi")
	h.waitFor("result", hasResult)
	h.waitIdle()
	h.noErrors()
	if len(h.ofType(claude.TypeResult)) != 1 {
		t.Errorf("stream should continue after malformed lines: %+v", h.all())
	}
}

func TestSendMessage_NonZeroExitAndStderr(t *testing.T) {
	h := newHarness(t, [][]string{{initLine, "#stderr API key invalid", "#exit 2"}})
	h.send("hi")
	h.waitFor("exit error", func(rs []Response) bool {
		for _, r := range rs {
			if r.Subtype == SubtypeExitFailure {
				return true
			}
		}
		return false
	})
	h.waitIdle()

	var sawStderr bool
	for _, r := range h.ofType(claude.TypeError) {
		if r.Subtype == SubtypeStderr && r.Content == "API key invalid" {
			sawStderr = true
		}
		if r.Subtype == SubtypeExitFailure && (r.Metadata.ExitCode == nil || *r.Metadata.ExitCode != 2) {
			t.Errorf("exit code metadata = %v", r.Metadata.ExitCode)
		}
		if r.Subtype == SubtypeExitFailure {
			testutil.Equal(t, r.Content, "Claude exited with code 2", "exit message")
		}
	}
	if !sawStderr {
		t.Errorf("stderr line not surfaced: %+v", h.all())
	}
}

func TestSendMessage_SpawnFailure(t *testing.T) {
	store := config.NewSettingsStore(filepath.Join(t.TempDir(), "settings.json"), zerolog.Nop())
	svc := NewService(Options{
		Runner:      process.NewManager(process.Config{Binary: "no-such-claude-binary", Logger: zerolog.Nop()}),
		Permissions: permission.NewService(store, time.Minute, zerolog.Nop()),
		Logger:      zerolog.Nop(),
	})
	var got []Response
	svc.SetResponseHandler(func(r Response) { got = append(got, r) })

	err := svc.SendMessage(context.Background(), "hello")
	var spawnErr *process.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
	if len(got) != 2 || got[1].Type != claude.TypeError || got[1].Subtype != SubtypeSpawnFailed {
		t.Fatalf("responses = %+v", got)
	}
	testutil.Equal(t, svc.State(), StateIdle, "state after spawn failure")

	testutil.ErrorIs(t, svc.SendMessage(context.Background(), "   "), ErrEmptyMessage, "empty message")
}

func TestPermission_ApproveResumesWithTool(t *testing.T) {
	h := newHarness(t, [][]string{permissionScript, {resumedAnswer, resumedResult}})
	h.send("push my branch")
	status := h.waitSuspended()

	testutil.Equal(t, h.svc.State(), StateSuspended, "state")
	if !status.Metadata.Suspended || status.Metadata.ProcessRunning {
		t.Errorf("status metadata = %+v", status.Metadata)
	}

	// The raw request comes first, then the status.
	var request *Response
	rs := h.all()
	for i := range rs {
		if rs[i].Type == claude.TypeUser {
			request = &rs[i]
			break
		}
	}
	if request == nil {
		t.Fatal("permission request response missing")
	}
	testutil.Equal(t, request.Metadata.ToolName, "Bash", "tool")
	testutil.Equal(t, request.Metadata.ToolUseID, "tu_1", "tool use id")
	testutil.Equal(t, request.Metadata.CommandContext, "git push", "command context")
	testutil.Equal(t, request.Metadata.PermissionRequestID, status.Metadata.PermissionRequestID, "request id")

	h.mu.Lock()
	states := append([]State(nil), h.states...)
	h.mu.Unlock()
	testutil.Equal(t, states, []State{StateIdle, StateProcessing, StateSuspended}, "state transitions")

	err := h.svc.HandlePermissionResponse(context.Background(), permission.ActionApprove, "Bash", "sess-1")
	testutil.NoError(t, err, "approve")
	h.waitFor("resumed result", hasResult)
	h.waitIdle()
	h.noErrors()

	runs := readInvocations(t, h.argsLog)
	if len(runs) != 2 {
		t.Fatalf("expected two invocations, got %d", len(runs))
	}
	resume, _ := flagValue(runs[1], "--resume")
	testutil.Equal(t, resume, "sess-1", "resume id")
	tools, _ := flagValue(runs[1], "--allowedTools")
	testutil.Contains(t, tools, "Bash", "allowed tools")
	prompt, _ := claude.PromptArg(runs[1])
	testutil.Equal(t, prompt, "Permission granted for `Bash`. Please continue with the task you were working on.", "continuation prompt")

	settings, err := h.store.Load()
	testutil.NoError(t, err, "load settings")
	testutil.Equal(t, settings.AllowedTools, []string{}, "approve once does not persist")
}

func TestPermission_ApproveAllPersistsAndSkipsFutureRequests(t *testing.T) {
	h := newHarness(t, [][]string{permissionScript, {resumedAnswer, resumedResult}})
	h.send("push my branch")
	h.waitSuspended()

	testutil.NoError(t, h.svc.HandlePermissionResponse(context.Background(), permission.ActionApproveAll, "Bash", "sess-1"), "approve all")
	h.waitFor("resumed result", hasResult)
	h.waitIdle()

	settings, err := h.store.Load()
	testutil.NoError(t, err, "load settings")
	testutil.Equal(t, settings.AllowedTools, []string{"Bash"}, "persisted allow-list")

	before := len(h.ofType(claude.TypeResult))
	h.send("and tag it")
	h.waitFor("second result", func(rs []Response) bool { return len(h.ofType(claude.TypeResult)) > before })
	h.waitIdle()

	runs := readInvocations(t, h.argsLog)
	if len(runs) != 3 {
		t.Fatalf("expected three invocations, got %d", len(runs))
	}
	tools, _ := flagValue(runs[2], "--allowedTools")
	testutil.Equal(t, tools, "Bash", "allowed tools on the next message")
	resume, _ := flagValue(runs[2], "--resume")
	testutil.Equal(t, resume, "sess-1", "session carried to the next message")

	suspensions := 0
	for _, r := range h.all() {
		if r.Subtype == SubtypeSuspended {
			suspensions++
		}
	}
	testutil.Equal(t, suspensions, 1, "no new permission request")
}

func TestPermission_Reject(t *testing.T) {
	h := newHarness(t, [][]string{permissionScript})
	h.send("push my branch")
	h.waitSuspended()

	testutil.NoError(t, h.svc.HandlePermissionResponse(context.Background(), permission.ActionReject, "Bash", "sess-1"), "reject")

	var denied *Response
	for _, r := range h.all() {
		if r.Subtype == SubtypePermissionDenied {
			r := r
			denied = &r
		}
	}
	if denied == nil {
		t.Fatal("denial status missing")
	}
	testutil.Equal(t, denied.Type, claude.TypeSystem, "denial type")
	testutil.Equal(t, denied.Content, "Permission denied. Process stopped.", "denial content")
	if denied.Metadata.ProcessRunning {
		t.Error("denial must report processRunning=false")
	}
	testutil.Equal(t, h.svc.State(), StateIdle, "state")
	testutil.Equal(t, len(readInvocations(t, h.argsLog)), 1, "no resume after reject")
	h.noErrors()
}

func TestPermission_MismatchIsIgnored(t *testing.T) {
	h := newHarness(t, [][]string{permissionScript, {resumedAnswer, resumedResult}})
	h.send("push my branch")
	h.waitSuspended()
	count := len(h.all())

	err := h.svc.HandlePermissionResponse(context.Background(), permission.ActionApprove, "Write", "sess-1")
	testutil.ErrorIs(t, err, permission.ErrMismatch, "wrong tool")
	err = h.svc.HandlePermissionResponse(context.Background(), permission.ActionApprove, "Bash", "sess-other")
	testutil.ErrorIs(t, err, permission.ErrMismatch, "wrong session")

	testutil.Equal(t, len(h.all()), count, "mismatches emit nothing")
	if _, ok := h.svc.PendingPermission(); !ok {
		t.Fatal("pending request was lost")
	}

	testutil.NoError(t, h.svc.HandlePermissionResponse(context.Background(), permission.ActionApprove, "Bash", "sess-1"), "matching approve")
	h.waitFor("resumed result", hasResult)
}

func TestPermission_StderrSuppressedWhileSuspended(t *testing.T) {
	h := newHarness(t, [][]string{{initLine, bashToolUse, bashBlocked, "#stderr boom", "#hang"}})
	h.send("push my branch")
	h.waitSuspended()

	testutil.Equal(t, h.svc.State(), StateSuspended, "state")
	h.noErrors()
}

func TestPermission_ResponseWhileProcessStillExiting(t *testing.T) {
	h := newHarness(t, [][]string{{"#ignore-term", initLine, bashToolUse, bashBlocked, "#hang"}, {resumedAnswer, resumedResult}})
	h.send("push my branch")
	h.waitFor("suspension status", func(rs []Response) bool {
		for _, r := range rs {
			if r.Subtype == SubtypeSuspended {
				return true
			}
		}
		return false
	})

	// The process ignores SIGTERM, so it outlives this deadline.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.svc.HandlePermissionResponse(ctx, permission.ActionApprove, "Bash", "sess-1")
	testutil.ErrorIs(t, err, context.Canceled, "cancelled wait")

	testutil.Equal(t, h.svc.State(), StateIdle, "state after failed resume")
	if _, ok := h.svc.PendingPermission(); ok {
		t.Error("pending request should be gone")
	}
	var failed bool
	for _, r := range h.ofType(claude.TypeError) {
		if r.Subtype == SubtypeResumeFailed && r.Metadata.ToolName == "Bash" {
			failed = true
		}
	}
	if !failed {
		t.Errorf("expected a resume failure response: %+v", h.all())
	}

	h.waitIdle()
	testutil.Equal(t, len(readInvocations(t, h.argsLog)), 1, "no resumed process")
	testutil.Equal(t, len(h.ofType(claude.TypeError)), 1, "the kill is not reported as a failure")
}

func TestPermission_Timeout(t *testing.T) {
	h := newHarness(t, [][]string{permissionScript}, withTimeout(150*time.Millisecond))
	h.send("push my branch")
	h.waitSuspended()

	h.waitFor("timeout error", func(rs []Response) bool {
		for _, r := range rs {
			if r.Subtype == SubtypePermissionTimeout {
				return strings.Contains(r.Content, "timed out")
			}
		}
		return false
	})
	testutil.Equal(t, h.svc.State(), StateIdle, "state after timeout")
	for _, r := range h.ofType(claude.TypeError) {
		if r.Subtype == SubtypePermissionTimeout {
			testutil.Contains(t, r.Message.ErrorMessage, permission.ErrTimeout.Error(), "timeout detail")
		}
	}

	err := h.svc.HandlePermissionResponse(context.Background(), permission.ActionApprove, "Bash", "sess-1")
	testutil.ErrorIs(t, err, permission.ErrNoPending, "late response")
	testutil.Equal(t, len(readInvocations(t, h.argsLog)), 1, "no resume after timeout")
}

func TestSendMessage_SupersedesRunningProcess(t *testing.T) {
	h := newHarness(t, [][]string{{initLine, "#hang"}, {resumedAnswer, resumedResult}})
	h.send("long task")
	testutil.Eventually(t, 10*time.Second, func() bool { return h.svc.SessionID() == "sess-1" }, "first session")

	h.send("never mind")
	h.waitFor("second result", hasResult)
	h.waitIdle()
	h.noErrors()

	runs := readInvocations(t, h.argsLog)
	testutil.Equal(t, len(runs), 2, "invocations")
	resume, _ := flagValue(runs[1], "--resume")
	testutil.Equal(t, resume, "sess-1", "second message resumes the session")
}

func TestSendMessage_SupersedesPendingPermission(t *testing.T) {
	h := newHarness(t, [][]string{permissionScript, {resumedAnswer, resumedResult}})
	h.send("push my branch")
	h.waitSuspended()

	h.send("do something else")
	if _, ok := h.svc.PendingPermission(); ok {
		t.Fatal("a new message should drop the pending request")
	}
	h.waitFor("result", hasResult)
	h.waitIdle()

	err := h.svc.HandlePermissionResponse(context.Background(), permission.ActionApprove, "Bash", "sess-1")
	testutil.ErrorIs(t, err, permission.ErrNoPending, "stale approval")
}

func TestClearConversationAndStop(t *testing.T) {
	h := newHarness(t, [][]string{{initLine, resumedAnswer, resumedResult}})
	h.send("first")
	h.waitFor("result", hasResult)
	h.waitIdle()
	testutil.Equal(t, h.svc.SessionID(), "sess-1", "session set")

	testutil.NoError(t, h.svc.ClearConversation(context.Background()), "clear")
	testutil.Equal(t, h.svc.SessionID(), "", "session cleared")

	h.send("second")
	h.waitFor("second result", func(rs []Response) bool { return len(h.ofType(claude.TypeResult)) == 2 })
	h.waitIdle()
	runs := readInvocations(t, h.argsLog)
	if _, ok := flagValue(runs[1], "--resume"); ok {
		t.Error("message after clear must start a new session")
	}

	testutil.NoError(t, h.svc.Stop(context.Background()), "stop")
	testutil.Equal(t, h.svc.State(), StateInactive, "state after stop")
	testutil.Equal(t, h.svc.SessionID(), "", "session after stop")
}

func TestTerminateCurrentProcess(t *testing.T) {
	h := newHarness(t, [][]string{{initLine, "#hang"}})
	h.send("long task")
	testutil.Eventually(t, 10*time.Second, func() bool { return h.svc.IsProcessRunning() && h.svc.SessionID() != "" }, "running")

	testutil.NoError(t, h.svc.TerminateCurrentProcess(context.Background()), "terminate")
	if h.svc.IsProcessRunning() {
		t.Fatal("process still running")
	}
	testutil.Equal(t, h.svc.State(), StateIdle, "state")
	h.noErrors()
	testutil.Equal(t, h.svc.SessionID(), "sess-1", "terminate keeps the session")
}

func TestSetPermissionModeAffectsNextSpawn(t *testing.T) {
	h := newHarness(t, [][]string{{initLine, resumedResult}})
	testutil.NoError(t, h.svc.SetPermissionMode(permission.ModeAcceptEdits), "set mode")
	testutil.Equal(t, h.svc.PermissionMode(), permission.ModeAcceptEdits, "mode")

	h.send("edit things")
	h.waitFor("result", hasResult)
	h.waitIdle()

	runs := readInvocations(t, h.argsLog)
	mode, _ := flagValue(runs[0], "--permission-mode")
	testutil.Equal(t, mode, "acceptEdits", "mode flag")
	tools, _ := flagValue(runs[0], "--allowedTools")
	testutil.Equal(t, tools, "Edit,Write,Read,MultiEdit", "editing tools allowed")
}
