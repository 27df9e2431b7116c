// Package config provides configuration management for the anonima CLI.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/anonimadata/anonima-cli/internal/constants"
)

// ConfigDir is the directory name under the user config root.
const ConfigDir = "anonima"

// Environment variables that override the config file.
const (
	EnvAPIURL         = "ANONIMA_API_URL"
	EnvToken          = "ANONIMA_TOKEN"
	EnvPollIntervalMS = "ANONIMA_POLL_INTERVAL_MS"
	EnvMaxAttempts    = "ANONIMA_MAX_ATTEMPTS"
)

// Config holds the client settings.
//
// Config file location:
//   - Windows: %USERPROFILE%\.config\anonima\config
//   - Unix: ~/.config/anonima/config
//
// INI format:
//
//	[anonima]
//	api_base_url = http://localhost:8080
//	token_file = ~/.config/anonima/token
//	download_dir = .
//
//	[polling]
//	interval_ms = 1000
//	max_attempts = 600
//
//	[http]
//	proxy_mode = no-proxy
//	proxy_host =
//	proxy_port = 0
//	proxy_user =
//	no_proxy =
//	proxy_warmup = false
//	request_timeout_seconds = 60
//	retry_max = 3
type Config struct {
	APIBaseURL  string
	TokenFile   string
	DownloadDir string

	PollInterval time.Duration
	MaxAttempts  int

	ProxyMode     string
	ProxyHost     string
	ProxyPort     int
	ProxyUser     string
	ProxyPassword string // never persisted
	NoProxy       string
	ProxyWarmup   bool

	RequestTimeout time.Duration
	RetryMax       int
}

// Validation errors
var (
	ErrMissingAPIBaseURL   = errors.New("api_base_url is required")
	ErrInvalidAPIBaseURL   = errors.New("api_base_url must be an absolute http(s) URL")
	ErrInvalidPollInterval = fmt.Errorf("interval_ms must be at least %d", constants.MinPollInterval.Milliseconds())
	ErrInvalidMaxAttempts  = errors.New("max_attempts must be zero (unbounded) or positive")
	ErrInvalidRetryMax     = errors.New("retry_max must be between 0 and 10")
	ErrInvalidProxyMode    = errors.New("proxy_mode must be one of no-proxy, system, basic, ntlm")
	ErrMissingProxyHost    = errors.New("proxy_host is required for basic and ntlm proxy modes")
)

// New returns a config with default values.
func New() *Config {
	return &Config{
		APIBaseURL:     constants.DefaultAPIBaseURL,
		DownloadDir:    ".",
		PollInterval:   constants.DefaultPollInterval,
		MaxAttempts:    constants.DefaultMaxAttempts,
		ProxyMode:      "no-proxy",
		RequestTimeout: constants.APIRequestTimeout,
		RetryMax:       constants.MaxRetries,
	}
}

// DefaultConfigPath returns the default path for the config file.
func DefaultConfigPath() (string, error) {
	dir, err := configRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config"), nil
}

// DefaultTokenPath returns the default token file path, or "" if the home
// directory cannot be determined.
func DefaultTokenPath() string {
	dir, err := configRoot()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "token")
}

func configRoot() (string, error) {
	if runtime.GOOS == "windows" {
		userProfile := os.Getenv("USERPROFILE")
		if userProfile == "" {
			return "", errors.New("USERPROFILE environment variable not set")
		}
		return filepath.Join(userProfile, ".config", ConfigDir), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", ConfigDir), nil
}

// Load reads configuration from an INI file.
// If the file doesn't exist, returns a config with default values and no error.
// If the file exists but is invalid, returns an error.
func Load(path string) (*Config, error) {
	cfg := New()

	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return cfg, nil // Return defaults if we can't determine path
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	main := iniFile.Section("anonima")
	cfg.APIBaseURL = main.Key("api_base_url").MustString(cfg.APIBaseURL)
	cfg.TokenFile = expandHome(main.Key("token_file").String())
	cfg.DownloadDir = expandHome(main.Key("download_dir").MustString(cfg.DownloadDir))

	polling := iniFile.Section("polling")
	cfg.PollInterval = time.Duration(polling.Key("interval_ms").MustInt64(cfg.PollInterval.Milliseconds())) * time.Millisecond
	cfg.MaxAttempts = polling.Key("max_attempts").MustInt(cfg.MaxAttempts)

	httpSection := iniFile.Section("http")
	cfg.ProxyMode = httpSection.Key("proxy_mode").MustString(cfg.ProxyMode)
	cfg.ProxyHost = httpSection.Key("proxy_host").String()
	cfg.ProxyPort = httpSection.Key("proxy_port").MustInt(0)
	cfg.ProxyUser = httpSection.Key("proxy_user").String()
	cfg.NoProxy = httpSection.Key("no_proxy").String()
	cfg.ProxyWarmup = httpSection.Key("proxy_warmup").MustBool(false)
	cfg.RequestTimeout = time.Duration(httpSection.Key("request_timeout_seconds").MustInt(int(cfg.RequestTimeout.Seconds()))) * time.Second
	cfg.RetryMax = httpSection.Key("retry_max").MustInt(cfg.RetryMax)

	return cfg, nil
}

// Save writes the configuration to an INI file.
// Creates parent directories if they don't exist. The proxy password is never written.
func Save(cfg *Config, path string) error {
	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return fmt.Errorf("failed to determine config path: %w", err)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	iniFile := ini.Empty()

	main, err := iniFile.NewSection("anonima")
	if err != nil {
		return fmt.Errorf("failed to create anonima section: %w", err)
	}
	main.Key("api_base_url").SetValue(cfg.APIBaseURL)
	main.Key("token_file").SetValue(cfg.TokenFile)
	main.Key("download_dir").SetValue(cfg.DownloadDir)

	polling, err := iniFile.NewSection("polling")
	if err != nil {
		return fmt.Errorf("failed to create polling section: %w", err)
	}
	polling.Key("interval_ms").SetValue(strconv.FormatInt(cfg.PollInterval.Milliseconds(), 10))
	polling.Key("max_attempts").SetValue(strconv.Itoa(cfg.MaxAttempts))

	httpSection, err := iniFile.NewSection("http")
	if err != nil {
		return fmt.Errorf("failed to create http section: %w", err)
	}
	httpSection.Key("proxy_mode").SetValue(cfg.ProxyMode)
	httpSection.Key("proxy_host").SetValue(cfg.ProxyHost)
	httpSection.Key("proxy_port").SetValue(strconv.Itoa(cfg.ProxyPort))
	httpSection.Key("proxy_user").SetValue(cfg.ProxyUser)
	httpSection.Key("no_proxy").SetValue(cfg.NoProxy)
	httpSection.Key("proxy_warmup").SetValue(strconv.FormatBool(cfg.ProxyWarmup))
	httpSection.Key("request_timeout_seconds").SetValue(strconv.Itoa(int(cfg.RequestTimeout.Seconds())))
	httpSection.Key("retry_max").SetValue(strconv.Itoa(cfg.RetryMax))

	// Use temporary file + rename for atomicity
	tmpPath := path + ".tmp"
	if err := iniFile.SaveTo(tmpPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(tmpPath, 0600); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to set config permissions: %w", err)
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config: %w", err)
	}

	return nil
}

// ApplyEnv overrides file values with ANONIMA_* environment variables.
// Malformed numeric values are reported rather than silently ignored.
func (cfg *Config) ApplyEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvAPIURL)); v != "" {
		cfg.APIBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPollIntervalMS)); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPollIntervalMS, err)
		}
		cfg.PollInterval = time.Duration(ms) * time.Millisecond
	}
	if v := strings.TrimSpace(os.Getenv(EnvMaxAttempts)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxAttempts, err)
		}
		cfg.MaxAttempts = n
	}
	return nil
}

// Validate checks the configuration. Returns nil if valid, or one of the
// sentinel errors describing the first problem found.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		return ErrMissingAPIBaseURL
	}
	u, err := url.Parse(cfg.APIBaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrInvalidAPIBaseURL
	}
	if cfg.PollInterval < constants.MinPollInterval {
		return ErrInvalidPollInterval
	}
	if cfg.MaxAttempts < 0 {
		return ErrInvalidMaxAttempts
	}
	if cfg.RetryMax < 0 || cfg.RetryMax > 10 {
		return ErrInvalidRetryMax
	}
	switch strings.ToLower(cfg.ProxyMode) {
	case "", "no-proxy", "system":
	case "basic", "ntlm":
		if strings.TrimSpace(cfg.ProxyHost) == "" {
			return ErrMissingProxyHost
		}
	default:
		return ErrInvalidProxyMode
	}
	return nil
}

// BaseURL returns the API base URL without a trailing slash.
func (cfg *Config) BaseURL() string {
	return strings.TrimRight(cfg.APIBaseURL, "/")
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
