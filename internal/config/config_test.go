package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/oakhurst/concierge/internal/registry"
)

// minimalModels satisfies the required model tiers in test configs.
const minimalModels = "models:\n  fast: qwen3:4b\n  balanced: qwen3:14b\n  top: claude-sonnet\n"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// When no config exists anywhere, should error
	// (Save and restore CWD to avoid finding the repo's config.yaml)
	dir := t.TempDir()
	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	path := writeConfig(t, minimalModels+
		"homeassistant:\n  url: http://ha.local:8123\n  token: ${CONCIERGE_TEST_TOKEN}\n")
	os.Setenv("CONCIERGE_TEST_TOKEN", "secret123")
	defer os.Unsetenv("CONCIERGE_TEST_TOKEN")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.HomeAssistant.Token != "secret123" {
		t.Errorf("token = %q, want %q", cfg.HomeAssistant.Token, "secret123")
	}
}

func TestLoad_InlineSecrets(t *testing.T) {
	path := writeConfig(t, minimalModels+"anthropic:\n  api_key: sk-ant-test-key\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-ant-test-key" {
		t.Errorf("api_key = %q, want %q", cfg.Anthropic.APIKey, "sk-ant-test-key")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, minimalModels)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.Models.OllamaURL != "http://localhost:11434" {
		t.Errorf("ollama_url = %q", cfg.Models.OllamaURL)
	}
	if cfg.Approvals.TTLSeconds != 60 {
		t.Errorf("ttl_seconds = %d, want 60", cfg.Approvals.TTLSeconds)
	}
	if cfg.Runner.Fanout != 5 {
		t.Errorf("fanout = %d, want 5", cfg.Runner.Fanout)
	}
	if cfg.Runner.MaxIterations != 6 {
		t.Errorf("max_iterations = %d, want 6", cfg.Runner.MaxIterations)
	}
	if cfg.ShellExec.Enabled {
		t.Error("shell_exec should be disabled by default")
	}
}

func TestLoad_MissingModelTiers(t *testing.T) {
	path := writeConfig(t, "models:\n  fast: qwen3:4b\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing tiers")
	}
	if !strings.Contains(err.Error(), "models.balanced") {
		t.Errorf("err = %v", err)
	}
}

func TestLoad_HATokenRequiredWithURL(t *testing.T) {
	path := writeConfig(t, minimalModels+"homeassistant:\n  url: http://ha.local:8123\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing HA token")
	}
}

func TestValidate_SpecialistTiers(t *testing.T) {
	path := writeConfig(t, minimalModels+
		"  specialist_tiers:\n    research: top\n    home: turbo\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown tier label")
	}
	if !strings.Contains(err.Error(), "turbo") {
		t.Errorf("err = %v", err)
	}
}

func TestValidate_FanoutCeiling(t *testing.T) {
	path := writeConfig(t, minimalModels+"runner:\n  fanout: 9\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for fanout above ceiling")
	}
}

func TestValidate_LogLevel(t *testing.T) {
	path := writeConfig(t, minimalModels+"log_level: verbose\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown log level")
	}
	if !strings.Contains(err.Error(), "verbose") {
		t.Errorf("err = %v", err)
	}
}

func TestParseRiskOverrides(t *testing.T) {
	got, err := ParseRiskOverrides(map[string]string{
		"run_shell":    "critical",
		"home_control": "medium",
	})
	if err != nil {
		t.Fatalf("ParseRiskOverrides: %v", err)
	}
	if got["run_shell"] != registry.RiskCritical {
		t.Errorf("run_shell = %v", got["run_shell"])
	}
	if got["home_control"] != registry.RiskMedium {
		t.Errorf("home_control = %v", got["home_control"])
	}

	if _, err := ParseRiskOverrides(map[string]string{"x": "nope"}); err == nil {
		t.Error("expected error for unknown level")
	}
}
