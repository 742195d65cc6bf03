// Package permission holds the permission mode, the persisted allow-list and
// the state of a request that is waiting for a human decision.
package permission

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/getfinn/claudebridge/internal/config"
	"github.com/getfinn/claudebridge/internal/process"
)

// DefaultTimeout is how long a request waits before it is dropped.
const DefaultTimeout = 5 * time.Minute

var (
	ErrAlreadyPending = errors.New("a permission request is already pending")
	ErrNoPending      = errors.New("no permission request is pending")
	ErrMismatch       = errors.New("permission response does not match the pending request")
	ErrTimeout        = errors.New("permission request timed out")
)

// SettingsStore persists the permission settings document.
type SettingsStore interface {
	Load() (config.Settings, error)
	Update(fn func(*config.Settings)) (config.Settings, error)
}

// Pending is a permission request waiting for an answer.
type Pending struct {
	ID             string
	SessionID      string
	ToolName       string
	CommandContext string
	ToolUseID      string
	Process        *process.Handle // the process being stopped because of this request
	SuspendedAt    time.Time
}

// Service is safe for concurrent use.
type Service struct {
	store   SettingsStore
	timeout time.Duration
	log     zerolog.Logger

	mu        sync.Mutex
	pending   *Pending
	timer     *time.Timer
	onTimeout func(Pending, error)
}

// NewService returns a service backed by store. A zero timeout means
// DefaultTimeout.
func NewService(store SettingsStore, timeout time.Duration, logger zerolog.Logger) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{
		store:   store,
		timeout: timeout,
		log:     logger.With().Str("component", "permission").Logger(),
	}
}

// SetTimeoutHandler registers the function called when a pending request
// expires, with an error wrapping ErrTimeout. It runs on a timer goroutine
// after the state has been cleared.
func (s *Service) SetTimeoutHandler(fn func(Pending, error)) {
	s.mu.Lock()
	s.onTimeout = fn
	s.mu.Unlock()
}

// Suspend records p as the pending request and starts its timeout.
func (s *Service) Suspend(p Pending) (Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != nil {
		return Pending{}, ErrAlreadyPending
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.SuspendedAt.IsZero() {
		p.SuspendedAt = time.Now()
	}

	stored := p
	s.pending = &stored
	id := p.ID
	s.timer = time.AfterFunc(s.timeout, func() { s.expire(id) })

	s.log.Info().
		Str("tool", p.ToolName).
		Str("context", p.CommandContext).
		Str("session", p.SessionID).
		Dur("timeout", s.timeout).
		Msg("⏸️  Waiting for permission")
	return p, nil
}

func (s *Service) expire(id string) {
	s.mu.Lock()
	if s.pending == nil || s.pending.ID != id {
		s.mu.Unlock()
		return
	}
	expired := *s.pending
	s.pending = nil
	s.timer = nil
	handler := s.onTimeout
	s.mu.Unlock()

	err := fmt.Errorf("%w after %s", ErrTimeout, s.timeout)
	s.log.Warn().Err(err).Str("tool", expired.ToolName).Msg("⌛ Permission request timed out")
	if handler != nil {
		handler(expired, err)
	}
}

// Resolve answers the pending request. On ErrNoPending or ErrMismatch the
// state is left as it was. Only ActionApproveAll writes the allow-list.
func (s *Service) Resolve(action Action, tool, sessionID string) (Pending, error) {
	s.mu.Lock()
	if s.pending == nil {
		s.mu.Unlock()
		return Pending{}, ErrNoPending
	}
	if s.pending.ToolName != tool || s.pending.SessionID != sessionID {
		pending := *s.pending
		s.mu.Unlock()
		s.log.Warn().
			Str("tool", tool).Str("session", sessionID).
			Str("pending_tool", pending.ToolName).Str("pending_session", pending.SessionID).
			Msg("⚠️  Ignoring permission response for a different request")
		return Pending{}, ErrMismatch
	}

	resolved := *s.pending
	s.clearLocked()
	s.mu.Unlock()

	if action == ActionApproveAll {
		if err := s.Allow(tool); err != nil {
			// The approval itself still stands for this run.
			s.log.Error().Err(err).Str("tool", tool).Msg("❌ Failed to persist allowed tool")
		}
	}
	s.log.Info().Str("tool", tool).Str("action", string(action)).Msg("✅ Permission resolved")
	return resolved, nil
}

// Clear drops the pending request, if any, without answering it.
func (s *Service) Clear() {
	s.mu.Lock()
	s.clearLocked()
	s.mu.Unlock()
}

func (s *Service) clearLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = nil
}

// Pending returns a copy of the pending request.
func (s *Service) Pending() (Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return Pending{}, false
	}
	return *s.pending, true
}

// IsSuspended reports whether a request is waiting.
func (s *Service) IsSuspended() bool {
	_, ok := s.Pending()
	return ok
}

// Mode reads the current mode from the settings document.
func (s *Service) Mode() Mode {
	settings := s.settings()
	mode, err := ParseMode(settings.PermissionMode)
	if err != nil {
		s.log.Warn().Str("mode", settings.PermissionMode).Msg("⚠️  Unknown permission mode in settings, using default")
		return ModeDefault
	}
	return mode
}

// SetMode persists a new mode.
func (s *Service) SetMode(mode Mode) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}
	_, err := s.store.Update(func(settings *config.Settings) {
		settings.PermissionMode = string(mode)
	})
	if err == nil {
		s.log.Info().Str("mode", string(mode)).Msg("🔐 Permission mode changed")
	}
	return err
}

// AllowedTools is the persisted allow-list.
func (s *Service) AllowedTools() []string {
	tools := s.settings().AllowedTools
	return append(make([]string, 0, len(tools)), tools...)
}

// Allow adds tool to the persisted allow-list.
func (s *Service) Allow(tool string) error {
	_, err := s.store.Update(func(settings *config.Settings) {
		for _, t := range settings.AllowedTools {
			if t == tool {
				return
			}
		}
		settings.AllowedTools = append(settings.AllowedTools, tool)
	})
	return err
}

// Disallow removes tool from the persisted allow-list.
func (s *Service) Disallow(tool string) error {
	_, err := s.store.Update(func(settings *config.Settings) {
		kept := settings.AllowedTools[:0]
		for _, t := range settings.AllowedTools {
			if t != tool {
				kept = append(kept, t)
			}
		}
		settings.AllowedTools = kept
	})
	return err
}

// ShouldAutoApprove reports whether the current mode allows tool without
// asking.
func (s *Service) ShouldAutoApprove(tool string) bool {
	return ShouldAutoApprove(s.Mode(), tool)
}

// SpawnPolicy returns what the next spawn should pass to the CLI: the
// allow-list plus the tools the mode approves by itself, and the mode.
// The settings document is read fresh every time.
func (s *Service) SpawnPolicy() ([]string, Mode) {
	settings := s.settings()
	mode, err := ParseMode(settings.PermissionMode)
	if err != nil {
		mode = ModeDefault
	}

	tools := append([]string(nil), settings.AllowedTools...)
	if mode == ModeAcceptEdits {
		tools = append(tools, editingTools...)
	}
	return tools, mode
}

func (s *Service) settings() config.Settings {
	settings, err := s.store.Load()
	if err != nil {
		s.log.Warn().Err(err).Msg("⚠️  Could not read permission settings, using defaults")
		return config.DefaultSettings()
	}
	return settings
}
