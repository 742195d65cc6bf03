package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/getfinn/claudebridge/internal/config"
	"github.com/getfinn/claudebridge/internal/permission"
)

// permissions opens the permission settings without starting anything.
func permissions(global *globalOptions) (*permission.Service, error) {
	cfg, err := loadConfig(global)
	if err != nil {
		return nil, err
	}
	logger := cliLogger(global)
	store := config.NewSettingsStore(cfg.SettingsPath(), logger)
	return permission.NewService(store, cfg.PermissionTimeout(), logger), nil
}

func modeCommand(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "mode [mode]",
		Short:     "Show or set the permission mode",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: modeNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			perms, err := permissions(global)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				mode, err := permission.ParseMode(args[0])
				if err != nil {
					return err
				}
				if err := perms.SetMode(mode); err != nil {
					return err
				}
			}
			mode := perms.Mode()
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", mode, mode.Label())
			return nil
		},
	}
}

func modeNames() []string {
	names := make([]string, len(permission.Modes))
	for i, m := range permission.Modes {
		names[i] = string(m)
	}
	return names
}

func allowCommand(global *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "allow",
		Short: "Manage tools that run without asking",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List always-allowed tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			perms, err := permissions(global)
			if err != nil {
				return err
			}
			printTools(cmd.OutOrStdout(), perms.AllowedTools())
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "add <tool>...",
		Short: "Always allow tools",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			perms, err := permissions(global)
			if err != nil {
				return err
			}
			for _, tool := range args {
				if err := perms.Allow(tool); err != nil {
					return err
				}
			}
			printTools(cmd.OutOrStdout(), perms.AllowedTools())
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <tool>...",
		Short: "Ask again before using tools",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			perms, err := permissions(global)
			if err != nil {
				return err
			}
			for _, tool := range args {
				if err := perms.Disallow(tool); err != nil {
					return err
				}
			}
			printTools(cmd.OutOrStdout(), perms.AllowedTools())
			return nil
		},
	})
	return cmd
}

func printTools(w io.Writer, tools []string) {
	if len(tools) == 0 {
		fmt.Fprintln(w, "(no tools are always allowed)")
		return
	}
	for _, tool := range tools {
		fmt.Fprintln(w, tool)
	}
}

func loginCommand(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "login <token>",
		Short: "Store the relay auth token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(global)
			if err != nil {
				return err
			}
			cfg.SetToken(cfg.RelayURL, args[0])
			if err := cfg.Save(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Token saved for %s\n", cfg.RelayURL)
			return nil
		},
	}
}
