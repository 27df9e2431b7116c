package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	cfg := New()

	if cfg.APIBaseURL != "http://localhost:8080" {
		t.Errorf("expected default APIBaseURL http://localhost:8080, got %s", cfg.APIBaseURL)
	}
	if cfg.PollInterval != time.Second {
		t.Errorf("expected default PollInterval 1s, got %s", cfg.PollInterval)
	}
	if cfg.ProxyMode != "no-proxy" {
		t.Errorf("expected default ProxyMode no-proxy, got %s", cfg.ProxyMode)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config")

	cfg := New()
	cfg.APIBaseURL = "https://anon.example.org"
	cfg.TokenFile = filepath.Join(tmpDir, "token")
	cfg.PollInterval = 2500 * time.Millisecond
	cfg.MaxAttempts = 120
	cfg.ProxyMode = "basic"
	cfg.ProxyHost = "proxy.corp"
	cfg.ProxyPort = 3128
	cfg.ProxyUser = "alice"
	cfg.ProxyPassword = "secret"
	cfg.NoProxy = "localhost,10.0.0.0/8"
	cfg.RetryMax = 5

	if err := Save(cfg, configPath); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(configPath)
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if info.Mode().Perm() != 0600 {
			t.Errorf("expected permissions 0600, got %04o", info.Mode().Perm())
		}
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.APIBaseURL != cfg.APIBaseURL {
		t.Errorf("APIBaseURL mismatch: expected %s, got %s", cfg.APIBaseURL, loaded.APIBaseURL)
	}
	if loaded.TokenFile != cfg.TokenFile {
		t.Errorf("TokenFile mismatch: expected %s, got %s", cfg.TokenFile, loaded.TokenFile)
	}
	if loaded.PollInterval != cfg.PollInterval {
		t.Errorf("PollInterval mismatch: expected %s, got %s", cfg.PollInterval, loaded.PollInterval)
	}
	if loaded.MaxAttempts != 120 {
		t.Errorf("MaxAttempts mismatch: expected 120, got %d", loaded.MaxAttempts)
	}
	if loaded.ProxyHost != "proxy.corp" || loaded.ProxyPort != 3128 {
		t.Errorf("proxy mismatch: got %s:%d", loaded.ProxyHost, loaded.ProxyPort)
	}
	if loaded.NoProxy != cfg.NoProxy {
		t.Errorf("NoProxy mismatch: expected %s, got %s", cfg.NoProxy, loaded.NoProxy)
	}
	if loaded.ProxyPassword != "" {
		t.Error("proxy password must never be persisted")
	}
	if loaded.RetryMax != 5 {
		t.Errorf("RetryMax mismatch: expected 5, got %d", loaded.RetryMax)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.APIBaseURL != New().APIBaseURL {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestLoadPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	content := "[polling]\ninterval_ms = 500\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.PollInterval != 500*time.Millisecond {
		t.Errorf("PollInterval = %s", cfg.PollInterval)
	}
	if cfg.MaxAttempts != 600 {
		t.Errorf("MaxAttempts should keep default, got %d", cfg.MaxAttempts)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvAPIURL, "https://env.example.org")
	t.Setenv(EnvPollIntervalMS, "250")
	t.Setenv(EnvMaxAttempts, "0")

	cfg := New()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.APIBaseURL != "https://env.example.org" {
		t.Errorf("APIBaseURL = %s", cfg.APIBaseURL)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Errorf("PollInterval = %s", cfg.PollInterval)
	}
	if cfg.MaxAttempts != 0 {
		t.Errorf("MaxAttempts = %d", cfg.MaxAttempts)
	}

	t.Setenv(EnvMaxAttempts, "lots")
	if err := cfg.ApplyEnv(); err == nil {
		t.Error("expected error for non-numeric max attempts")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"empty url", func(c *Config) { c.APIBaseURL = "" }, ErrMissingAPIBaseURL},
		{"relative url", func(c *Config) { c.APIBaseURL = "/api" }, ErrInvalidAPIBaseURL},
		{"ftp url", func(c *Config) { c.APIBaseURL = "ftp://host" }, ErrInvalidAPIBaseURL},
		{"tight interval", func(c *Config) { c.PollInterval = 10 * time.Millisecond }, ErrInvalidPollInterval},
		{"negative attempts", func(c *Config) { c.MaxAttempts = -1 }, ErrInvalidMaxAttempts},
		{"retry max", func(c *Config) { c.RetryMax = 11 }, ErrInvalidRetryMax},
		{"proxy mode", func(c *Config) { c.ProxyMode = "socks" }, ErrInvalidProxyMode},
		{"ntlm without host", func(c *Config) { c.ProxyMode = "ntlm" }, ErrMissingProxyHost},
		{"unbounded attempts ok", func(c *Config) { c.MaxAttempts = 0 }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestResolveTokenSource(t *testing.T) {
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "token")
	if err := WriteTokenFile(tokenPath, "  file-token \n"); err != nil {
		t.Fatalf("WriteTokenFile: %v", err)
	}
	t.Setenv(EnvToken, "env-token")

	if tok, src := ResolveTokenSource("flag-token", tokenPath); tok != "flag-token" || src != SourceFlag {
		t.Errorf("flag: got %q from %q", tok, src)
	}
	if tok, src := ResolveTokenSource("", tokenPath); tok != "file-token" || src != SourceTokenFile {
		t.Errorf("file: got %q from %q", tok, src)
	}
	missing := filepath.Join(dir, "missing")
	if tok, src := ResolveTokenSource("", missing); tok != "env-token" || src != SourceEnvironment {
		t.Errorf("env: got %q from %q", tok, src)
	}

	t.Setenv(EnvToken, "")
	if tok := ResolveToken("", missing); tok != "" {
		t.Errorf("expected no token, got %q", tok)
	}
}

func TestReadTokenFileEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadTokenFile(path); err == nil {
		t.Error("expected error for empty token file")
	}
}

func TestBaseURLTrimsSlash(t *testing.T) {
	cfg := New()
	cfg.APIBaseURL = "https://anon.example.org/"
	if cfg.BaseURL() != "https://anon.example.org" {
		t.Errorf("BaseURL() = %s", cfg.BaseURL())
	}
}
