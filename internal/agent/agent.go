package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/getfinn/claudebridge/internal/config"
	"github.com/getfinn/claudebridge/internal/directmode"
	"github.com/getfinn/claudebridge/internal/logging"
	"github.com/getfinn/claudebridge/internal/permission"
	"github.com/getfinn/claudebridge/internal/ui"
	ws "github.com/getfinn/claudebridge/internal/websocket"
)

const (
	inboxSize       = 64
	shutdownTimeout = 5 * time.Second
)

// Options select the config and override parts of it for one run.
type Options struct {
	ConfigPath string
	Dev        bool
	Headless   bool
	WorkDir    string
	ClaudePath string
	LogLevel   string
}

// relay is the outbound half of the relay connection.
type relay interface {
	Send(t ws.MessageType, requestID string, payload any) error
	IsConnected() bool
}

// Agent is the daemon: it owns the conversation stack, the relay
// connection and the tray, and routes commands between them.
type Agent struct {
	cfg       *config.Config
	root      zerolog.Logger
	log       zerolog.Logger
	logCloser io.Closer
	headless  bool

	bridge   *Bridge
	conv     Conversation
	relay    relay
	wsClient *ws.Client
	tray     *ui.TrayUI

	// inbox runs commands one at a time in arrival order.
	inbox    chan func(context.Context)
	ctx      context.Context
	cancel   context.CancelFunc
	quitOnce sync.Once

	// Client presence tracking
	presenceMu   sync.Mutex
	mobileOnline bool
	webOnline    bool

	prompting atomic.Bool
}

// New loads the config, sets up logging and builds the conversation stack.
func New(opts Options) (*Agent, error) {
	cfg, err := config.Load(opts.ConfigPath, opts.Dev)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.WorkDir != "" {
		cfg.WorkDir = opts.WorkDir
	}
	if opts.ClaudePath != "" {
		cfg.ClaudePath = opts.ClaudePath
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}

	logger, closer := NewLogger(cfg)
	bridge := NewBridge(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		cfg:       cfg,
		root:      logger,
		log:       logging.Component(logger, "agent"),
		logCloser: closer,
		headless:  opts.Headless,
		bridge:    bridge,
		conv:      bridge.Service,
		inbox:     make(chan func(context.Context), inboxSize),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// NewLogger builds the daemon logger from the config's log section.
func NewLogger(cfg *config.Config) (zerolog.Logger, io.Closer) {
	opts := logging.Options{
		Level:      cfg.Log.Level,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}
	if cfg.Log.File {
		opts.File = cfg.LogPath()
	}
	return logging.New(opts)
}

// Config returns the loaded config.
func (a *Agent) Config() *config.Config { return a.cfg }

// Start runs the daemon until quit from the tray or a signal.
func (a *Agent) Start() error {
	a.log.Info().Str("device_id", a.cfg.DeviceID).Str("relay", a.cfg.RelayURL).Msg("🚀 claudebridge daemon starting...")

	token := a.cfg.GetToken(a.cfg.RelayURL)
	if token == "" {
		a.log.Warn().Str("relay", a.cfg.RelayURL).Msg("🔐 No auth token for relay, run `claudebridge login <token>`")
	}

	a.wsClient = ws.NewClient(ws.Options{
		URL:                a.cfg.RelayURL,
		Token:              token,
		DeviceID:           a.cfg.DeviceID,
		OnMessage:          a.handleMessage,
		OnConnectionChange: a.onConnectionChange,
		Logger:             a.root,
	})
	a.relay = a.wsClient

	a.bridge.Service.SetResponseHandler(a.onResponse)
	a.bridge.Service.SetStateHandler(a.onStateChange)
	a.bridge.Processes.SetStateChangeHandler(a.onProcessState)

	if !a.headless {
		a.tray = ui.NewTrayUI(a.root)
		a.tray.SetCallbacks(ui.Callbacks{
			OnStop:       func() { a.enqueue(a.stopProcess) },
			OnClear:      func() { a.enqueue(a.clearConversation) },
			OnModeChange: func(mode permission.Mode) { a.enqueue(a.modeSetter(mode)) },
			OnQuit:       a.handleQuit,
		})
		a.tray.SetMode(a.conv.PermissionMode())
	}

	go a.processInbox()
	go func() {
		if err := a.bridge.Settings.Watch(a.ctx, a.onSettingsChanged); err != nil {
			a.log.Warn().Err(err).Msg("⚠️  Settings watcher unavailable")
		}
	}()
	go a.wsClient.ConnectWithRetry()

	if a.headless || !ui.TrayAvailable {
		a.log.Info().Msg("✅ Running in headless mode - press Ctrl+C to stop")
		a.waitForShutdown()
	} else {
		a.tray.Start()
	}
	a.handleQuit()
	return nil
}

func (a *Agent) enqueue(fn func(context.Context)) {
	select {
	case a.inbox <- fn:
	case <-a.ctx.Done():
	}
}

func (a *Agent) processInbox() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case fn := <-a.inbox:
			fn(a.ctx)
		}
	}
}

// waitForShutdown blocks until a shutdown signal is received (for headless mode).
func (a *Agent) waitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		a.log.Info().Str("signal", sig.String()).Msg("Received signal")
	case <-a.ctx.Done():
	}
}

// handleQuit stops the conversation and releases everything. Safe to call
// more than once.
func (a *Agent) handleQuit() {
	a.quitOnce.Do(func() {
		a.log.Info().Msg("Shutting down...")
		a.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.conv.Stop(ctx); err != nil {
			a.log.Warn().Err(err).Msg("⚠️  Failed to stop conversation")
		}

		if a.wsClient != nil {
			a.wsClient.Close()
		}
		if err := a.bridge.Close(); err != nil {
			a.log.Warn().Err(err).Msg("⚠️  Failed to close stream archive")
		}
		a.log.Info().Msg("Daemon stopped")
		if a.logCloser != nil {
			a.logCloser.Close()
		}
	})
}

func (a *Agent) onConnectionChange(connected bool) {
	if a.tray != nil {
		a.tray.UpdateConnectionStatus(connected)
	}
	if connected {
		// UIs that were already open learn the current state.
		a.enqueue(func(context.Context) { a.sendState("") })
	}
}

// onResponse forwards every service response to the relay. A suspension
// nobody can answer remotely is asked about with a native dialog.
func (a *Agent) onResponse(resp directmode.Response) {
	a.send(ws.MessageTypeResponse, "", resp)

	if resp.Subtype == directmode.SubtypeSuspended && a.shouldPromptNatively() {
		go a.promptNatively()
	}
}

func (a *Agent) shouldPromptNatively() bool {
	if a.headless || !ui.PromptsAvailable {
		return false
	}
	return a.relay == nil || !a.relay.IsConnected() || !a.hasActiveClients()
}

func (a *Agent) promptNatively() {
	if !a.prompting.CompareAndSwap(false, true) {
		return
	}
	defer a.prompting.Store(false)

	pending, ok := a.conv.PendingPermission()
	if !ok {
		return
	}
	action, ok := ui.AskPermission(pending.ToolName, pending.CommandContext)
	if !ok {
		return
	}
	a.log.Info().Str("tool", pending.ToolName).Str("action", string(action)).Msg("🔐 Permission answered from native dialog")
	a.enqueue(func(ctx context.Context) {
		if err := a.conv.HandlePermissionResponse(ctx, action, pending.ToolName, pending.SessionID); err != nil {
			a.log.Warn().Err(err).Msg("⚠️  Native permission answer not applied")
		}
	})
}

func (a *Agent) onStateChange(state directmode.State) {
	if a.tray != nil {
		a.tray.SetState(state)
	}
	a.sendState("")
}

func (a *Agent) onProcessState(running bool) {
	a.send(ws.MessageTypeProcessState, "", map[string]bool{"running": running})
}

func (a *Agent) onSettingsChanged(s config.Settings) {
	a.log.Info().Str("mode", s.PermissionMode).Strs("allowed_tools", s.AllowedTools).Msg("📝 Permission settings changed on disk")
	if a.tray != nil {
		a.tray.SetMode(permission.Mode(s.PermissionMode))
	}
	a.send(ws.MessageTypeSettingsChanged, "", s)
}

// send is best effort: while the relay is down, UIs resync via get_state.
func (a *Agent) send(t ws.MessageType, requestID string, payload any) {
	if a.relay == nil {
		return
	}
	if err := a.relay.Send(t, requestID, payload); err != nil {
		a.log.Debug().Err(err).Str("type", string(t)).Msg("Relay send skipped")
	}
}
