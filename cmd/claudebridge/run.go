package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/getfinn/claudebridge/internal/agent"
	"github.com/getfinn/claudebridge/internal/claude"
	"github.com/getfinn/claudebridge/internal/config"
	"github.com/getfinn/claudebridge/internal/directmode"
	"github.com/getfinn/claudebridge/internal/logging"
	"github.com/getfinn/claudebridge/internal/permission"
)

var errConversationFailed = errors.New("conversation ended with an error")

type runOptions struct {
	JSON bool
	Yes  bool
}

func runCommand(global *globalOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Run one conversation turn in this terminal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPrompt(ctx, global, opts, strings.Join(args, " "), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Print the final transcript as JSON instead of streaming")
	cmd.Flags().BoolVarP(&opts.Yes, "yes", "y", false, "Approve every permission request once")
	return cmd
}

func loadConfig(global *globalOptions) (*config.Config, error) {
	cfg, err := config.Load(global.ConfigPath, global.Dev)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if global.WorkDir != "" {
		cfg.WorkDir = global.WorkDir
	}
	if global.ClaudePath != "" {
		cfg.ClaudePath = global.ClaudePath
	}
	return cfg, nil
}

// cliLogger stays quiet unless asked, so output is the conversation.
func cliLogger(global *globalOptions) zerolog.Logger {
	level := global.LogLevel
	if level == "" {
		level = "warn"
	}
	logger, _ := logging.New(logging.Options{Level: level})
	return logger
}

func runPrompt(ctx context.Context, global *globalOptions, opts *runOptions, prompt string, in io.Reader, out io.Writer) error {
	cfg, err := loadConfig(global)
	if err != nil {
		return err
	}
	bridge := agent.NewBridge(cfg, cliLogger(global))
	defer bridge.Close()
	svc := bridge.Service

	var transcript directmode.Transcript
	svc.SetResponseHandler(func(resp directmode.Response) {
		transcript.Apply(resp)
		if !opts.JSON {
			printResponse(out, resp)
		}
	})
	states := make(chan directmode.State, 64)
	svc.SetStateHandler(func(state directmode.State) { states <- state })

	asker := newAsker(in, out, opts.Yes)
	defer svc.Stop(context.Background())

	if err := svc.SendMessage(ctx, prompt); err != nil {
		return err
	}

	// Notifications can arrive out of order, so each one only prompts a
	// look at the current state.
	for done := false; !done; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-states:
			switch svc.State() {
			case directmode.StateSuspended:
				pending, ok := svc.PendingPermission()
				if !ok {
					continue
				}
				action := asker.ask(pending)
				if err := svc.HandlePermissionResponse(ctx, action, pending.ToolName, pending.SessionID); err != nil {
					return err
				}
			case directmode.StateIdle:
				done = true
			}
		}
	}

	entries := transcript.Entries()
	if opts.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(entries); err != nil {
			return err
		}
	}
	for _, resp := range entries {
		if resp.IsError() {
			return errConversationFailed
		}
	}
	return nil
}

// asker turns a pending request into an answer: from the terminal when
// there is one, otherwise a fixed answer.
type asker struct {
	in          *bufio.Reader
	out         io.Writer
	interactive bool
	yes         bool
}

func newAsker(in io.Reader, out io.Writer, yes bool) *asker {
	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}
	return &asker{in: bufio.NewReader(in), out: out, interactive: interactive, yes: yes}
}

func (a *asker) ask(p permission.Pending) permission.Action {
	if a.yes {
		return permission.ActionApprove
	}
	if !a.interactive {
		fmt.Fprintf(a.out, "Rejecting %s: no terminal to ask on (use --yes to approve)\n", describeTool(p))
		return permission.ActionReject
	}
	for {
		fmt.Fprintf(a.out, "Allow %s? [y]es / [a]lways / [n]o: ", describeTool(p))
		line, err := a.in.ReadString('\n')
		if action, ok := parseAnswer(line); ok {
			return action
		}
		if err != nil {
			return permission.ActionReject
		}
	}
}

func parseAnswer(line string) (permission.Action, bool) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return permission.ActionApprove, true
	case "a", "always":
		return permission.ActionApproveAll, true
	case "n", "no":
		return permission.ActionReject, true
	}
	return "", false
}

func describeTool(p permission.Pending) string {
	if p.CommandContext != "" {
		return fmt.Sprintf("%s (%s)", p.ToolName, p.CommandContext)
	}
	return p.ToolName
}

func printResponse(w io.Writer, resp directmode.Response) {
	switch resp.Type {
	case claude.TypeAssistant:
		if resp.Content != "" {
			fmt.Fprintln(w, resp.Content)
		}
		if resp.Message != nil {
			for _, block := range resp.Message.Content {
				if block.Type == claude.BlockToolUse {
					fmt.Fprintf(w, "→ %s\n", block.Name)
				}
			}
		}
	case claude.TypeResult:
		if !resp.IsUpdate && resp.Content != "" {
			fmt.Fprintln(w, resp.Content)
		}
		fmt.Fprintf(w, "(%d turns, $%.4f, %dms)\n", resp.Metadata.NumTurns, resp.Metadata.Cost, resp.Metadata.DurationMs)
	case claude.TypeSystem:
		if resp.Content != "" {
			fmt.Fprintf(w, "• %s\n", resp.Content)
		}
	case claude.TypeError:
		fmt.Fprintf(w, "✖ %s\n", resp.Content)
	}
}
