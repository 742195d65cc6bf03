//go:build darwin || windows

package ui

import (
	_ "embed"
	"runtime"
	"sync"

	"github.com/getlantern/systray"
	"github.com/rs/zerolog"

	"github.com/getfinn/claudebridge/internal/directmode"
	"github.com/getfinn/claudebridge/internal/permission"
)

//go:embed assets/icon.png
var iconData []byte

// TrayAvailable reports whether Start shows a tray and blocks.
const TrayAvailable = true

// TrayUI manages the system tray UI
type TrayUI struct {
	log zerolog.Logger
	cb  Callbacks

	mu        sync.Mutex
	state     directmode.State
	connected bool
	mode      permission.Mode

	statusItem *systray.MenuItem
	modeItems  map[permission.Mode]*systray.MenuItem
}

// NewTrayUI creates a new system tray UI
func NewTrayUI(logger zerolog.Logger) *TrayUI {
	return &TrayUI{
		log:   logger.With().Str("component", "tray").Logger(),
		state: directmode.StateInactive,
		mode:  permission.ModeDefault,
	}
}

// SetCallbacks sets the menu actions. Call before Start.
func (t *TrayUI) SetCallbacks(cb Callbacks) {
	t.cb = cb
}

// Start runs the tray. It blocks until Quit.
func (t *TrayUI) Start() {
	systray.Run(t.onReady, t.onExit)
}

func (t *TrayUI) onReady() {
	t.log.Info().Msg("🎨 System tray initializing...")

	systray.SetIcon(iconData)
	// Don't set title on macOS - it takes up menu bar space
	if runtime.GOOS == "windows" {
		systray.SetTitle("claudebridge")
	}
	systray.SetTooltip("claudebridge - Claude Direct Mode")

	t.mu.Lock()
	t.statusItem = systray.AddMenuItem(StatusLabel(t.state, t.connected), "Conversation status")
	t.statusItem.Disable()
	t.mu.Unlock()

	systray.AddSeparator()
	stopItem := systray.AddMenuItem("Stop Process", "Stop the running claude process")
	clearItem := systray.AddMenuItem("Clear Conversation", "Forget the current session")

	modeMenu := systray.AddMenuItem("Permission Mode", "How tool use is approved")
	items := make(map[permission.Mode]*systray.MenuItem, len(permission.Modes))
	for _, mode := range permission.Modes {
		items[mode] = modeMenu.AddSubMenuItemCheckbox(mode.Label(), string(mode), false)
	}
	t.mu.Lock()
	t.modeItems = items
	t.refreshModeLocked()
	t.mu.Unlock()

	systray.AddSeparator()
	quitItem := systray.AddMenuItem("Quit", "Exit claudebridge")

	for mode, item := range items {
		go func(mode permission.Mode, item *systray.MenuItem) {
			for range item.ClickedCh {
				if t.cb.OnModeChange != nil {
					t.cb.OnModeChange(mode)
				}
			}
		}(mode, item)
	}

	go func() {
		for {
			select {
			case <-stopItem.ClickedCh:
				if t.cb.OnStop != nil {
					t.cb.OnStop()
				}
			case <-clearItem.ClickedCh:
				if t.cb.OnClear != nil {
					t.cb.OnClear()
				}
			case <-quitItem.ClickedCh:
				t.log.Info().Msg("Quit requested from tray")
				if t.cb.OnQuit != nil {
					t.cb.OnQuit()
				}
				systray.Quit()
				return
			}
		}
	}()

	t.log.Info().Msg("✅ System tray ready - check your menu bar!")
}

func (t *TrayUI) onExit() {
	t.log.Info().Msg("System tray exiting")
}

// SetState updates the status line.
func (t *TrayUI) SetState(state directmode.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
	t.refreshStatusLocked()
}

// UpdateConnectionStatus records whether the relay is reachable.
func (t *TrayUI) UpdateConnectionStatus(connected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = connected
	t.refreshStatusLocked()
}

// SetMode checks the active permission mode.
func (t *TrayUI) SetMode(mode permission.Mode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mode = mode
	t.refreshModeLocked()
}

func (t *TrayUI) refreshStatusLocked() {
	if t.statusItem != nil {
		t.statusItem.SetTitle(StatusLabel(t.state, t.connected))
	}
}

func (t *TrayUI) refreshModeLocked() {
	for mode, item := range t.modeItems {
		if mode == t.mode {
			item.Check()
		} else {
			item.Uncheck()
		}
	}
}

// ShowNotification logs a notification.
func (t *TrayUI) ShowNotification(title, message string) {
	t.log.Info().Str("title", title).Msg(message)
}
