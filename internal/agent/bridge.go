package agent

import (
	"io"

	"github.com/rs/zerolog"

	"github.com/getfinn/claudebridge/internal/config"
	"github.com/getfinn/claudebridge/internal/directmode"
	"github.com/getfinn/claudebridge/internal/logging"
	"github.com/getfinn/claudebridge/internal/permission"
	"github.com/getfinn/claudebridge/internal/process"
)

// Bridge is the conversation stack built from one config: settings,
// permission negotiation, the CLI process manager and the Direct Mode
// service on top of them.
type Bridge struct {
	Settings    *config.SettingsStore
	Permissions *permission.Service
	Processes   *process.Manager
	Service     *directmode.Service

	archive io.Closer
}

// NewBridge wires the stack. Nothing is spawned until a message is sent.
func NewBridge(cfg *config.Config, logger zerolog.Logger) *Bridge {
	settings := config.NewSettingsStore(cfg.SettingsPath(), logger)
	perms := permission.NewService(settings, cfg.PermissionTimeout(), logger)
	procs := process.NewManager(process.Config{
		Binary:      cfg.ClaudePath,
		WorkDir:     cfg.WorkDir,
		GracePeriod: cfg.GracePeriod(),
		Logger:      logger,
	})

	b := &Bridge{Settings: settings, Permissions: perms, Processes: procs}

	var streamLog io.Writer
	if cfg.Log.StreamArchive {
		archive := logging.Rotating(cfg.StreamArchivePath(), cfg.Log.MaxSizeMB, cfg.Log.MaxBackups, cfg.Log.MaxAgeDays, cfg.Log.Compress)
		streamLog = archive
		b.archive = archive
	}

	b.Service = directmode.NewService(directmode.Options{
		Runner:               procs,
		Permissions:          perms,
		Model:                cfg.Model,
		FoldDuplicateResults: cfg.FoldDuplicateResults,
		StreamLog:            streamLog,
		Logger:               logger,
	})
	return b
}

// Close releases the stream archive. Stop the service first.
func (b *Bridge) Close() error {
	if b.archive == nil {
		return nil
	}
	return b.archive.Close()
}
