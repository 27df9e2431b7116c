package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Token sources reported by ResolveTokenSource.
const (
	SourceFlag        = "flag"
	SourceTokenFile   = "token-file"
	SourceEnvironment = "environment"
)

// ResolveToken returns a bearer token by checking multiple sources in priority order.
//
// Priority (highest to lowest):
//  1. Provided token parameter (if non-empty) - e.g., from --token flag
//  2. Token file: tokenFile if given, else the default (~/.config/anonima/token)
//  3. ANONIMA_TOKEN environment variable
//
// Returns empty string if no token found in any source.
func ResolveToken(token, tokenFile string) string {
	t, _ := ResolveTokenSource(token, tokenFile)
	return t
}

// ResolveTokenSource returns the token and where it was found.
// This is useful for --verbose mode to show where the token came from.
// The source is "" when nothing was found.
func ResolveTokenSource(token, tokenFile string) (string, string) {
	if token = strings.TrimSpace(token); token != "" {
		return token, SourceFlag
	}

	path := tokenFile
	if path == "" {
		path = DefaultTokenPath()
	}
	if path != "" {
		if t, err := ReadTokenFile(path); err == nil && t != "" {
			return t, SourceTokenFile
		}
	}

	if envToken := strings.TrimSpace(os.Getenv(EnvToken)); envToken != "" {
		return envToken, SourceEnvironment
	}

	return "", ""
}

// ReadTokenFile reads a token from path, warning on stderr when the file is
// readable by group or others.
func ReadTokenFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat token file: %w", err)
	}

	if runtime.GOOS != "windows" {
		if mode := info.Mode().Perm(); mode&0077 != 0 {
			fmt.Fprintf(os.Stderr, "Warning: Token file %s has insecure permissions %04o. Consider using 'chmod 600 %s'\n", path, mode, path)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file is empty")
	}
	return token, nil
}

// WriteTokenFile stores token at path with owner-only permissions.
func WriteTokenFile(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strings.TrimSpace(token)+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}
