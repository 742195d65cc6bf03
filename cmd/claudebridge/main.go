package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/getfinn/claudebridge/internal/agent"
)

// Version info - set by ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// globalOptions are shared by every command.
type globalOptions struct {
	ConfigPath string
	Dev        bool
	WorkDir    string
	ClaudePath string
	LogLevel   string
}

// daemonOptions only apply to the root command.
type daemonOptions struct {
	Headless bool
	Version  bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	global := &globalOptions{}
	daemon := &daemonOptions{}

	root := &cobra.Command{
		Use:           "claudebridge",
		Short:         "Bridge the claude CLI to remote and local UIs in Direct Mode",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			if daemon.Version {
				fmt.Fprintf(cmd.OutOrStdout(), "claudebridge\n  Version:    %s\n  Build Time: %s\n", Version, BuildTime)
				return nil
			}
			return runDaemon(global, daemon)
		},
	}
	applyGlobalFlags(root.PersistentFlags(), global)
	root.Flags().BoolVar(&daemon.Headless, "headless", false, "Run without the system tray (no GUI)")
	root.Flags().BoolVar(&daemon.Version, "version", false, "Print version information and exit")

	root.AddCommand(runCommand(global))
	root.AddCommand(modeCommand(global))
	root.AddCommand(allowCommand(global))
	root.AddCommand(loginCommand(global))
	return root
}

func applyGlobalFlags(fs *pflag.FlagSet, opts *globalOptions) {
	fs.StringVar(&opts.ConfigPath, "config", "", "Config file (default ~/.claudebridge/config.json)")
	fs.BoolVar(&opts.Dev, "dev", false, "Connect to a local relay server")
	fs.StringVar(&opts.WorkDir, "work-dir", "", "Directory the claude CLI runs in")
	fs.StringVar(&opts.ClaudePath, "claude-path", "", "Path to the claude binary")
	fs.StringVar(&opts.LogLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
}

func runDaemon(global *globalOptions, daemon *daemonOptions) error {
	a, err := agent.New(agent.Options{
		ConfigPath: global.ConfigPath,
		Dev:        global.Dev,
		Headless:   daemon.Headless,
		WorkDir:    global.WorkDir,
		ClaudePath: global.ClaudePath,
		LogLevel:   global.LogLevel,
	})
	if err != nil {
		return err
	}
	return a.Start()
}
