// ABOUTME: subprocess strategy running a program with positional arguments from the call.
// ABOUTME: Enforces a wall-clock timeout and surfaces stderr on nonzero exit.

package dispatch

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/2389/tool-relay/internal/registry"
	"github.com/2389/tool-relay/internal/rpc"
)

// DefaultSubprocessTimeout applies to subprocess tools that declare no timeout.
const DefaultSubprocessTimeout = 30 * time.Second

// Subprocess is the subprocess strategy.
type Subprocess struct {
	timeout time.Duration
	dir     string
	logger  *slog.Logger
}

// NewSubprocess creates the subprocess strategy. Relative paths resolve against dir.
func NewSubprocess(timeout time.Duration, dir string, logger *slog.Logger) *Subprocess {
	if timeout <= 0 {
		timeout = DefaultSubprocessTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Subprocess{timeout: timeout, dir: dir, logger: logger.With("component", "subprocess")}
}

// Kind implements Strategy.
func (s *Subprocess) Kind() registry.Kind { return registry.KindSubprocess }

// Blocking implements Blocker.
func (s *Subprocess) Blocking(*registry.Tool) bool { return true }

// Argv returns the command line for tool: the interpreter named by target
// (if any), the path, then one argument per declared parameter.
func Argv(tool *registry.Tool, args map[string]any) []string {
	argv := make([]string, 0, len(tool.Params)+2)
	if tool.Target != "" {
		argv = append(argv, tool.Target)
	}
	argv = append(argv, tool.Path)
	for _, p := range tool.Params {
		argv = append(argv, formatArg(args[p]))
	}
	return argv
}

// Execute implements Strategy.
func (s *Subprocess) Execute(ctx context.Context, tool *registry.Tool, args map[string]any) (any, error) {
	if tool.Path == "" {
		return nil, rpc.Configuration("%s: subprocess requires a path", tool.Name)
	}
	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := Argv(tool, args)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = s.dir
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.logger.Debug("running subprocess", "tool_name", tool.Name, "argv", argv)

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, rpc.Execution("%s: timed out after %s", tool.Name, timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = exitErr.Error()
			}
			return nil, rpc.Execution("%s: exit status %d: %s", tool.Name, exitErr.ExitCode(), msg)
		}
		return nil, rpc.Execution("%s: starting %s: %v", tool.Name, argv[0], err)
	}

	return parseOutput(stdout.Bytes()), nil
}
