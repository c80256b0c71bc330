package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/oakhurst/concierge/internal/config"
)

func testShell(t *testing.T, cfg config.ShellExecConfig) *ShellExec {
	t.Helper()
	if cfg.DefaultTimeoutSec == 0 {
		cfg.DefaultTimeoutSec = 10
	}
	return NewShellExec(cfg)
}

func TestShellExec_Disabled(t *testing.T) {
	s := testShell(t, config.ShellExecConfig{Enabled: false})
	if s.Enabled() {
		t.Fatal("expected disabled")
	}
	if _, err := s.Exec(context.Background(), "echo hi", 0); err == nil {
		t.Fatal("expected error from disabled executor")
	}
}

func TestShellExec_DeniedPatterns(t *testing.T) {
	s := testShell(t, config.ShellExecConfig{
		Enabled:        true,
		DeniedPatterns: []string{"curl"},
	})

	tests := []struct {
		name    string
		command string
	}{
		{"builtin pattern", "rm -rf / --no-preserve-root"},
		{"builtin case insensitive", "RM -RF /"},
		{"config pattern", "curl http://example.com"},
		{"fork bomb", ":(){ :|:& };:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Exec(context.Background(), tt.command, 0)
			if err == nil {
				t.Fatalf("command %q was not blocked", tt.command)
			}
			if !strings.Contains(err.Error(), "blocked") {
				t.Errorf("error = %v, want denied-pattern message", err)
			}
		})
	}
}

func TestShellExec_RunsCommand(t *testing.T) {
	s := testShell(t, config.ShellExecConfig{Enabled: true})

	res, err := s.Exec(context.Background(), "echo hello; echo oops >&2", 0)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if got := strings.TrimSpace(res.Stdout); got != "hello" {
		t.Errorf("stdout = %q, want %q", got, "hello")
	}
	if got := strings.TrimSpace(res.Stderr); got != "oops" {
		t.Errorf("stderr = %q, want %q", got, "oops")
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
}

func TestShellExec_NonZeroExit(t *testing.T) {
	s := testShell(t, config.ShellExecConfig{Enabled: true})

	res, err := s.Exec(context.Background(), "exit 3", 0)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestShellExec_Timeout(t *testing.T) {
	s := testShell(t, config.ShellExecConfig{Enabled: true})

	res, err := s.Exec(context.Background(), "sleep 5", 1)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !res.TimedOut {
		t.Error("expected TimedOut")
	}
	if res.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1", res.ExitCode)
	}
}

func TestShellExec_WorkingDir(t *testing.T) {
	dir := t.TempDir()
	s := testShell(t, config.ShellExecConfig{Enabled: true, WorkingDir: dir})

	res, err := s.Exec(context.Background(), "pwd", 0)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if got := strings.TrimSpace(res.Stdout); !strings.HasSuffix(got, dir) && got != dir {
		t.Errorf("pwd = %q, want %q", got, dir)
	}
}

func TestTruncateOutput(t *testing.T) {
	long := strings.Repeat("x", 100)
	got := truncateOutput(long, 10)
	if !strings.HasPrefix(got, "xxxxxxxxxx") || !strings.Contains(got, "truncated") {
		t.Errorf("truncateOutput = %q", got)
	}
	if truncateOutput("short", 10) != "short" {
		t.Error("short output should pass through")
	}
}
