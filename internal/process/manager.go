// Package process runs one CLI subprocess at a time and stops it in two
// phases: a polite signal first, a kill after a grace period.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultGracePeriod is how long a process gets to exit after SIGTERM.
const DefaultGracePeriod = 3 * time.Second

const readChunkSize = 32 * 1024

// ErrBusy is returned by Spawn while another process is still running.
var ErrBusy = errors.New("a process is already running")

// SpawnError reports that the process could not be started.
type SpawnError struct {
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError describes a process that exited with a non-zero code.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exited with code %d", e.Code)
}

// Callbacks receive process output and lifecycle events. They are called
// from background goroutines; stdout chunks arrive in order, as do stderr
// chunks, but the two streams are not ordered against each other. OnExit is
// the last callback for a handle.
type Callbacks struct {
	OnStdout func(chunk []byte)
	OnStderr func(chunk []byte)
	OnExit   func(code int)
	OnError  func(err error)
}

// Config for a Manager.
type Config struct {
	Binary      string
	WorkDir     string
	Env         []string // appended to the current environment
	GracePeriod time.Duration
	Logger      zerolog.Logger
}

// Manager owns the single running subprocess.
type Manager struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	current *Handle
	onState func(running bool)
}

// NewManager returns a manager. An empty Binary means "claude".
func NewManager(cfg Config) *Manager {
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return &Manager{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "process").Logger(),
	}
}

// SetStateChangeHandler registers a function told whenever a process starts
// or exits. The start notice runs on its own goroutine, off the output
// pumps; the exit notice for the same process always comes after it.
func (m *Manager) SetStateChangeHandler(fn func(running bool)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// Spawn starts the binary with args and begins pumping its output.
func (m *Manager) Spawn(args []string, cb Callbacks) (*Handle, error) {
	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return nil, ErrBusy
	}

	cmd := exec.Command(m.cfg.Binary, args...)
	cmd.Dir = m.cfg.WorkDir
	cmd.Env = append(os.Environ(), m.cfg.Env...)
	configureCommand(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		m.mu.Unlock()
		return nil, &SpawnError{Binary: m.cfg.Binary, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		m.mu.Unlock()
		return nil, &SpawnError{Binary: m.cfg.Binary, Err: err}
	}

	if err := cmd.Start(); err != nil {
		m.mu.Unlock()
		m.log.Error().Err(err).Str("binary", m.cfg.Binary).Msg("❌ Failed to start process")
		return nil, &SpawnError{Binary: m.cfg.Binary, Err: err}
	}

	h := &Handle{
		id:       uuid.NewString(),
		pid:      cmd.Process.Pid,
		cmd:      cmd,
		done:     make(chan struct{}),
		notified: make(chan struct{}),
	}
	m.current = h
	onState := m.onState
	m.mu.Unlock()

	m.log.Info().Int("pid", h.pid).Str("handle", h.id).Msg("🚀 Process started")
	go func() {
		defer close(h.notified)
		if onState != nil {
			onState(true)
		}
	}()

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		pump(stdout, cb.OnStdout)
	}()
	go func() {
		defer readers.Done()
		pump(stderr, cb.OnStderr)
	}()

	go m.wait(h, &readers, cb)
	return h, nil
}

func (m *Manager) wait(h *Handle, readers *sync.WaitGroup, cb Callbacks) {
	readers.Wait()
	err := h.cmd.Wait()

	code := 0
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		code = exitErr.ExitCode()
	default:
		code = -1
	}

	h.mu.Lock()
	if h.killTimer != nil {
		h.killTimer.Stop()
	}
	h.exitCode = code
	requested := h.termRequested
	h.mu.Unlock()

	m.log.Info().Int("pid", h.pid).Int("exit_code", code).Bool("terminated", requested).Msg("🏁 Process exited")

	<-h.notified
	m.mu.Lock()
	onState := m.onState
	m.mu.Unlock()
	if onState != nil {
		onState(false)
	}

	m.mu.Lock()
	if m.current == h {
		m.current = nil
	}
	m.mu.Unlock()
	if err != nil && exitErr == nil && cb.OnError != nil {
		cb.OnError(err)
	}
	if cb.OnExit != nil {
		cb.OnExit(code)
	}
	close(h.done)
}

// Terminate asks the process to stop and returns once it has exited or ctx
// is done. It is safe to call repeatedly and on exited handles.
func (m *Manager) Terminate(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	select {
	case <-h.done:
		return nil
	default:
	}

	h.mu.Lock()
	if !h.termRequested {
		h.termRequested = true
		m.log.Info().Int("pid", h.pid).Msg("🛑 Sending SIGTERM")
		if err := terminateProcess(h.cmd.Process); err != nil {
			m.log.Debug().Err(err).Int("pid", h.pid).Msg("SIGTERM failed")
		}
		h.killTimer = time.AfterFunc(m.cfg.GracePeriod, func() {
			select {
			case <-h.done:
				return
			default:
			}
			m.log.Warn().Int("pid", h.pid).Dur("grace", m.cfg.GracePeriod).Msg("⚠️  Process ignored SIGTERM, killing")
			if err := killProcess(h.cmd.Process); err != nil {
				m.log.Debug().Err(err).Int("pid", h.pid).Msg("SIGKILL failed")
			}
		})
	}
	h.mu.Unlock()

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Current returns the running handle, or nil.
func (m *Manager) Current() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// IsRunning reports whether a process is alive.
func (m *Manager) IsRunning() bool {
	return m.Current() != nil
}

func pump(r io.Reader, fn func([]byte)) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 && fn != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			fn(chunk)
		}
		if err != nil {
			return
		}
	}
}

// Handle refers to one spawned process.
type Handle struct {
	id   string
	pid  int
	cmd  *exec.Cmd
	done chan struct{}

	// notified is closed once the start notice has been delivered.
	notified chan struct{}

	mu            sync.Mutex
	termRequested bool
	killTimer     *time.Timer
	exitCode      int
}

// ID is unique per spawn.
func (h *Handle) ID() string { return h.id }

// PID of the process.
func (h *Handle) PID() int { return h.pid }

// Done is closed after OnExit has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether Done is closed.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitCode is the exit status; -1 when the process died from a signal.
// Only meaningful once Done is closed.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// TerminationRequested reports whether Terminate was called for this handle.
func (h *Handle) TerminationRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.termRequested
}
