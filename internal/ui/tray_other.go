//go:build !darwin && !windows

package ui

import (
	"github.com/rs/zerolog"

	"github.com/getfinn/claudebridge/internal/directmode"
	"github.com/getfinn/claudebridge/internal/permission"
)

// TrayAvailable reports whether Start shows a tray and blocks.
const TrayAvailable = false

// TrayUI manages the system tray UI (stub where no tray is available)
type TrayUI struct {
	log zerolog.Logger
	cb  Callbacks
}

// NewTrayUI creates the stub tray.
func NewTrayUI(logger zerolog.Logger) *TrayUI {
	return &TrayUI{log: logger.With().Str("component", "tray").Logger()}
}

// SetCallbacks sets the menu actions.
func (t *TrayUI) SetCallbacks(cb Callbacks) {
	t.cb = cb
}

// Start returns immediately. Run headless on this platform.
func (t *TrayUI) Start() {
	t.log.Warn().Msg("System tray not available on this platform - running in headless mode")
}

func (t *TrayUI) SetState(directmode.State)   {}
func (t *TrayUI) UpdateConnectionStatus(bool) {}
func (t *TrayUI) SetMode(permission.Mode)     {}

// ShowNotification logs a notification.
func (t *TrayUI) ShowNotification(title, message string) {
	t.log.Info().Str("title", title).Msg(message)
}
