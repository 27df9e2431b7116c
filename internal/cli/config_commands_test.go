package cli

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"

	"github.com/anonimadata/anonima-cli/internal/config"
)

// TestConfigPath tests the config path command
func TestConfigPath(t *testing.T) {
	cmd := newConfigPathCmd()
	if cmd == nil {
		t.Fatal("newConfigPathCmd() returned nil")
	}

	if cmd.Use != "path" {
		t.Errorf("Expected Use='path', got '%s'", cmd.Use)
	}

	if cmd.Short == "" {
		t.Error("Short description is empty")
	}
}

// TestConfigShow tests the config show command
func TestConfigShow(t *testing.T) {
	cmd := newConfigShowCmd()
	if cmd == nil {
		t.Fatal("newConfigShowCmd() returned nil")
	}

	if cmd.Use != "show" {
		t.Errorf("Expected Use='show', got '%s'", cmd.Use)
	}

	if cmd.RunE == nil {
		t.Error("RunE function is nil")
	}
}

// TestConfigTest tests the config test command
func TestConfigTest(t *testing.T) {
	cmd := newConfigTestCmd()
	if cmd == nil {
		t.Fatal("newConfigTestCmd() returned nil")
	}

	if cmd.Use != "test" {
		t.Errorf("Expected Use='test', got '%s'", cmd.Use)
	}

	if cmd.RunE == nil {
		t.Error("RunE function is nil")
	}
}

// TestConfigInit tests the config init command structure
func TestConfigInit(t *testing.T) {
	cmd := newConfigInitCmd()
	if cmd == nil {
		t.Fatal("newConfigInitCmd() returned nil")
	}

	if cmd.Use != "init" {
		t.Errorf("Expected Use='init', got '%s'", cmd.Use)
	}

	if cmd.RunE == nil {
		t.Error("RunE function is nil")
	}

	if cmd.Flags().Lookup("force") == nil {
		t.Error("--force flag not found")
	}
}

// TestConfigCmd tests the config command group
func TestConfigCmd(t *testing.T) {
	cmd := newConfigCmd()
	if cmd == nil {
		t.Fatal("newConfigCmd() returned nil")
	}

	if cmd.Use != "config" {
		t.Errorf("Expected Use='config', got '%s'", cmd.Use)
	}

	subcommands := cmd.Commands()
	expectedSubs := []string{"init", "show", "test", "path"}

	if len(subcommands) != len(expectedSubs) {
		t.Errorf("Expected %d subcommands, got %d", len(expectedSubs), len(subcommands))
	}

	foundSubs := make(map[string]bool)
	for _, sub := range subcommands {
		foundSubs[sub.Name()] = true
	}

	for _, expected := range expectedSubs {
		if !foundSubs[expected] {
			t.Errorf("Subcommand '%s' not found", expected)
		}
	}
}

// TestConfigInitRefusesToOverwrite checks that an existing file is kept without --force
func TestConfigInitRefusesToOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	if err := os.WriteFile(path, []byte("[anonima]\napi_base_url = http://keep.me\n"), 0600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	root := NewRootCmd()
	AddCommands(root)
	root.SetOut(&out)
	root.SetArgs([]string{"config", "init", "--config", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("config init failed: %v", err)
	}

	if !strings.Contains(out.String(), "already exists") {
		t.Errorf("expected refusal message, got %q", out.String())
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "http://keep.me") {
		t.Error("existing configuration was modified")
	}
}

// TestPrintConfigHidesToken verifies that no part of the token is displayed
func TestPrintConfigHidesToken(t *testing.T) {
	clearAnonimaEnv(t)
	saved := token
	token = "super-secret-token-value"
	t.Cleanup(func() { token = saved })

	cfg := config.New()
	cfg.ProxyMode = "basic"
	cfg.ProxyHost = "proxy.example.org"
	cfg.ProxyPort = 3128
	cfg.MaxAttempts = 0

	var out bytes.Buffer
	printConfig(&out, cfg, filepath.Join(t.TempDir(), "missing"))
	text := out.String()

	if strings.Contains(text, "secret") {
		t.Errorf("token leaked into output: %q", text)
	}
	if !strings.Contains(text, "<set (24 chars) from flag>") {
		t.Errorf("expected masked token, got %q", text)
	}
	if !strings.Contains(text, "unbounded") {
		t.Error("expected unbounded max attempts")
	}
	if !strings.Contains(text, "proxy.example.org") {
		t.Error("expected proxy host")
	}
	if !strings.Contains(text, "file does not exist") {
		t.Error("expected missing file note")
	}
}

// TestConfigSaveAndLoad tests config save and load functionality
func TestConfigSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")

	cfg := config.New()
	cfg.APIBaseURL = "https://anon.example.org"
	cfg.DownloadDir = "/tmp/out"
	cfg.ProxyMode = "system"

	if err := config.Save(cfg, path); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if loaded.APIBaseURL != cfg.APIBaseURL {
		t.Errorf("APIBaseURL mismatch: expected '%s', got '%s'", cfg.APIBaseURL, loaded.APIBaseURL)
	}
	if loaded.DownloadDir != cfg.DownloadDir {
		t.Errorf("DownloadDir mismatch: expected '%s', got '%s'", cfg.DownloadDir, loaded.DownloadDir)
	}
	if loaded.PollInterval != cfg.PollInterval {
		t.Errorf("PollInterval mismatch: expected %s, got %s", cfg.PollInterval, loaded.PollInterval)
	}
}

// TestConfigDefaultPath tests the default config path function
func TestConfigDefaultPath(t *testing.T) {
	path, err := config.DefaultConfigPath()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	if !filepath.IsAbs(path) {
		t.Error("Default config path is not absolute")
	}
	if !strings.Contains(path, config.ConfigDir) {
		t.Errorf("Default config path %q does not contain %q", path, config.ConfigDir)
	}
}

func clearAnonimaEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{config.EnvAPIURL, config.EnvToken, config.EnvPollIntervalMS, config.EnvMaxAttempts} {
		t.Setenv(key, "")
	}
}

// TestConfigTestShowsTokenExpiry checks that a JWT access token's expiry is reported
func TestConfigTestShowsTokenExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"stats": [{"datasets": 0}]}, {"files": []}]`))
	}))
	defer srv.Close()

	exp := time.Now().Add(3 * time.Hour).Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	out, err := runCLI(t, srv, "--token", signed, "config", "test")
	if err != nil {
		t.Fatalf("config test failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Token expires: "+exp.Format(time.RFC3339)) {
		t.Errorf("expected token expiry in output, got:\n%s", out)
	}
	if !strings.Contains(out, "Connection SUCCESSFUL") {
		t.Errorf("expected success, got:\n%s", out)
	}
}
