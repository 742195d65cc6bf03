package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Settings is the permission settings document shared with the UI.
type Settings struct {
	PermissionMode string   `json:"permissionMode"`
	AllowedTools   []string `json:"allowedTools"`
}

// DefaultSettings is what a missing document means.
func DefaultSettings() Settings {
	return Settings{PermissionMode: "default", AllowedTools: []string{}}
}

const watchDebounce = 100 * time.Millisecond

// SettingsStore reads and writes the settings document. Reads always go to
// disk so edits made by other programs are picked up on the next spawn.
type SettingsStore struct {
	path string
	log  zerolog.Logger

	mu   sync.Mutex
	last []byte // last content written or reported, to skip our own echoes
}

// NewSettingsStore returns a store for the document at path.
func NewSettingsStore(path string, logger zerolog.Logger) *SettingsStore {
	return &SettingsStore{
		path: path,
		log:  logger.With().Str("component", "settings").Logger(),
	}
}

// Path of the document.
func (s *SettingsStore) Path() string { return s.path }

// Load reads the document. A missing file yields DefaultSettings.
func (s *SettingsStore) Load() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings, _, err := s.read()
	return settings, err
}

// Update applies fn to the current document and writes the result
// atomically.
func (s *SettingsStore) Update(fn func(*Settings)) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, _, err := s.read()
	if err != nil {
		return Settings{}, err
	}
	fn(&settings)
	normalize(&settings)

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return Settings{}, err
	}
	if err := writeAtomic(s.path, data); err != nil {
		return Settings{}, fmt.Errorf("write settings: %w", err)
	}
	s.last = data
	return settings, nil
}

func (s *SettingsStore) read() (Settings, []byte, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return DefaultSettings(), nil, nil
	}
	if err != nil {
		return Settings{}, nil, fmt.Errorf("read settings: %w", err)
	}

	settings := DefaultSettings()
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &settings); err != nil {
			return Settings{}, nil, fmt.Errorf("parse settings %s: %w", s.path, err)
		}
	}
	normalize(&settings)
	return settings, data, nil
}

func normalize(s *Settings) {
	if s.PermissionMode == "" {
		s.PermissionMode = "default"
	}
	if s.AllowedTools == nil {
		s.AllowedTools = []string{}
	}
}

// Watch calls onChange whenever another program changes the document. It
// blocks until ctx is done.
func (s *SettingsStore) Watch(ctx context.Context, onChange func(Settings)) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsWatcher.Close()

	// Watch the directory: atomic replaces swap the inode under a file watch.
	if err := fsWatcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	s.log.Info().Str("path", s.path).Msg("👀 Watching permission settings")

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	fire := func() {
		s.mu.Lock()
		settings, data, err := s.read()
		if err != nil {
			s.mu.Unlock()
			s.log.Warn().Err(err).Msg("⚠️  Ignoring unreadable settings change")
			return
		}
		if bytes.Equal(data, s.last) {
			s.mu.Unlock()
			return
		}
		s.last = data
		s.mu.Unlock()

		s.log.Info().Str("mode", settings.PermissionMode).Int("allowed", len(settings.AllowedTools)).Msg("🔄 Permission settings changed on disk")
		onChange(settings)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, fire)
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn().Err(err).Msg("⚠️  Settings watcher error")
		}
	}
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
