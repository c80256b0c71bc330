package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/oakhurst/concierge/internal/config"
)

// defaultDeniedPatterns block command substrings that are never
// acceptable, on top of whatever config adds.
var defaultDeniedPatterns = []string{
	"rm -rf /",
	"rm -rf /*",
	"mkfs",
	"dd if=",
	"> /dev/sd",
	"chmod -r 777 /",
	":(){ :|:& };:",
}

const maxShellOutputBytes = 100 * 1024

// ShellExec runs shell commands for the code specialist.
type ShellExec struct {
	enabled        bool
	workingDir     string
	denied         []string
	defaultTimeout time.Duration
}

// NewShellExec creates a shell executor from config. Config patterns
// extend the built-in denied list; they never replace it.
func NewShellExec(cfg config.ShellExecConfig) *ShellExec {
	return &ShellExec{
		enabled:        cfg.Enabled,
		workingDir:     cfg.WorkingDir,
		denied:         append(append([]string{}, defaultDeniedPatterns...), cfg.DeniedPatterns...),
		defaultTimeout: time.Duration(cfg.DefaultTimeoutSec) * time.Second,
	}
}

// Enabled reports whether shell execution is available.
func (s *ShellExec) Enabled() bool {
	return s.enabled
}

// ExecResult contains the result of a command execution.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Exec executes a shell command with the denied-pattern check and a
// capped timeout.
func (s *ShellExec) Exec(ctx context.Context, command string, timeoutSec int) (*ExecResult, error) {
	if !s.enabled {
		return nil, fmt.Errorf("shell execution is disabled")
	}

	cmdLower := strings.ToLower(command)
	for _, denied := range s.denied {
		if strings.Contains(cmdLower, strings.ToLower(denied)) {
			return nil, fmt.Errorf("command blocked: matches denied pattern %q", denied)
		}
	}

	timeout := s.defaultTimeout
	if timeoutSec > 0 {
		timeout = time.Duration(timeoutSec) * time.Second
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if timeout > 5*time.Minute {
		timeout = 5 * time.Minute
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if s.workingDir != "" {
		cmd.Dir = s.workingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := &ExecResult{
		Stdout: truncateOutput(stdout.String(), maxShellOutputBytes),
		Stderr: truncateOutput(stderr.String(), maxShellOutputBytes),
	}

	if ctx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.Error = "command timed out"
		result.ExitCode = -1
		return result, nil
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.Error = err.Error()
			result.ExitCode = -1
		}
	}

	return result, nil
}

// truncateOutput truncates output to maxBytes, adding a note if
// truncated.
func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n\n[... output truncated ...]"
}
