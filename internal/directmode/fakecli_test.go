package directmode

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

// The test binary doubles as a fake claude CLI. Each invocation appends its
// arguments to FAKE_CLAUDE_ARGS and plays the next script from
// FAKE_CLAUDE_SCRIPTS (the last script repeats). Script lines are written to
// stdout except for directives:
//
//	#hang          sleep until killed
//	#exit N        exit with code N
//	#stderr TEXT   write TEXT to stderr
//	#sleep MS      pause
//	#ignore-term   ignore SIGTERM so only the kill stops the process
const (
	envScripts = "FAKE_CLAUDE_SCRIPTS"
	envArgsLog = "FAKE_CLAUDE_ARGS"
)

func TestMain(m *testing.M) {
	if os.Getenv(envScripts) != "" {
		os.Exit(fakeClaude(os.Args[1:]))
	}
	os.Exit(m.Run())
}

func fakeClaude(args []string) int {
	logPath := os.Getenv(envArgsLog)
	previous, _ := os.ReadFile(logPath)
	invocation := strings.Count(string(previous), "\n")

	encoded, _ := json.Marshal(args)
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 90
	}
	fmt.Fprintln(f, string(encoded))
	f.Close()

	scripts := strings.Split(os.Getenv(envScripts), string(os.PathListSeparator))
	if invocation >= len(scripts) {
		invocation = len(scripts) - 1
	}
	script, err := os.Open(scripts[invocation])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 91
	}
	defer script.Close()

	out := bufio.NewWriter(os.Stdout)
	scanner := bufio.NewScanner(script)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "#ignore-term":
			signal.Ignore(syscall.SIGTERM)
		case line == "#hang":
			out.Flush()
			time.Sleep(time.Minute)
		case strings.HasPrefix(line, "#exit "):
			out.Flush()
			code, _ := strconv.Atoi(strings.TrimPrefix(line, "#exit "))
			return code
		case strings.HasPrefix(line, "#stderr "):
			out.Flush()
			fmt.Fprintln(os.Stderr, strings.TrimPrefix(line, "#stderr "))
		case strings.HasPrefix(line, "#sleep "):
			out.Flush()
			ms, _ := strconv.Atoi(strings.TrimPrefix(line, "#sleep "))
			time.Sleep(time.Duration(ms) * time.Millisecond)
		default:
			fmt.Fprintln(out, line)
			// Flush per line so the service sees the stream incrementally.
			out.Flush()
		}
	}
	out.Flush()
	return 0
}

// writeScripts stores each script in a temp file and returns the env value.
func writeScripts(t *testing.T, scripts ...[]string) string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, len(scripts))
	for i, lines := range scripts {
		paths[i] = filepath.Join(dir, fmt.Sprintf("script-%d.txt", i))
		if err := os.WriteFile(paths[i], []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
			t.Fatalf("write script: %v", err)
		}
	}
	return strings.Join(paths, string(os.PathListSeparator))
}

// readInvocations returns the arguments of every fake CLI run so far.
func readInvocations(t *testing.T, path string) [][]string {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("read args log: %v", err)
	}
	var runs [][]string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var args []string
		if err := json.Unmarshal([]byte(line), &args); err != nil {
			t.Fatalf("bad args log line %q: %v", line, err)
		}
		runs = append(runs, args)
	}
	return runs
}

// flagValue returns the value following name in args.
func flagValue(args []string, name string) (string, bool) {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == name {
			return args[i+1], true
		}
	}
	return "", false
}
