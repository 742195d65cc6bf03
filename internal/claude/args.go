package claude

import "strings"

// Invocation holds what varies between two runs of the CLI.
type Invocation struct {
	Prompt         string
	AllowedTools   []string
	PermissionMode string
	ResumeSession  string
	Model          string
}

// BuildArgs returns the command line for one run of the CLI in print mode
// with streaming JSON output. The prompt goes last, after "--", so text
// starting with a dash is never read as an option.
func BuildArgs(inv Invocation) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
	}

	if tools := dedupe(inv.AllowedTools); len(tools) > 0 {
		args = append(args, "--allowedTools", strings.Join(tools, ","))
	}
	if inv.PermissionMode != "" && inv.PermissionMode != "default" {
		args = append(args, "--permission-mode", inv.PermissionMode)
	}
	if inv.ResumeSession != "" {
		args = append(args, "--resume", inv.ResumeSession)
	}
	if inv.Model != "" {
		args = append(args, "--model", inv.Model)
	}
	return append(args, "--", inv.Prompt)
}

// PromptArg returns the prompt from a command line built by BuildArgs.
func PromptArg(args []string) (string, bool) {
	for i := len(args) - 2; i >= 0; i-- {
		if args[i] == "--" {
			return args[i+1], true
		}
	}
	return "", false
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}
