// Package auth supplies bearer tokens for API requests and rejects tokens
// that are known to be unusable before any network I/O happens.
package auth

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"

	"github.com/anonimadata/anonima-cli/internal/config"
	"github.com/anonimadata/anonima-cli/internal/models"
)

// ErrNoToken is returned when no token could be found in any source.
var ErrNoToken = errors.New("no access token configured")

// ErrTokenExpired is returned for a JWT whose exp claim has passed.
var ErrTokenExpired = errors.New("access token has expired")

// TokenSource supplies the bearer token attached to each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token, as given on the command line.
type StaticToken string

// Token returns the token after checking it is present and unexpired.
func (s StaticToken) Token(ctx context.Context) (string, error) {
	tok := strings.TrimSpace(string(s))
	if err := CheckExpiry(tok, time.Now()); err != nil {
		return "", err
	}
	return tok, nil
}

// FileTokenSource re-reads a token file whenever it changes on disk, so a
// refreshed token is picked up by a long-running watch.
type FileTokenSource struct {
	Path string

	mu      sync.Mutex
	cached  string
	modTime time.Time
}

// Token returns the file's current token.
func (f *FileTokenSource) Token(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if mod, ok := modTime(f.Path); !ok || !mod.Equal(f.modTime) || f.cached == "" {
		tok, err := config.ReadTokenFile(f.Path)
		if err != nil {
			return "", models.NewError(models.ErrAuth, "auth", "cannot read token file", err)
		}
		f.cached = tok
		f.modTime = mod
	}

	if err := CheckExpiry(f.cached, time.Now()); err != nil {
		return "", err
	}
	return f.cached, nil
}

// Resolution describes where a token came from.
type Resolution struct {
	Source TokenSource
	Origin string // config.SourceFlag, SourceTokenFile or SourceEnvironment
}

// Resolve picks a token source using the config precedence: flag, then token
// file, then the ANONIMA_TOKEN environment variable.
func Resolve(flagToken, tokenFile string) (*Resolution, error) {
	tok, origin := config.ResolveTokenSource(flagToken, tokenFile)
	switch origin {
	case "":
		return nil, models.NewError(models.ErrAuth, "auth", "no access token found; pass --token, set ANONIMA_TOKEN or run 'anonima config init'", ErrNoToken)
	case config.SourceTokenFile:
		path := tokenFile
		if path == "" {
			path = config.DefaultTokenPath()
		}
		return &Resolution{Source: &FileTokenSource{Path: path, cached: tok}, Origin: origin}, nil
	default:
		return &Resolution{Source: StaticToken(tok), Origin: origin}, nil
	}
}

// CheckExpiry rejects an empty token and a JWT whose exp claim is before now.
// Opaque (non-JWT) tokens pass; the service has the final say on them.
func CheckExpiry(token string, now time.Time) error {
	if strings.TrimSpace(token) == "" {
		return models.NewError(models.ErrAuth, "auth", "no access token configured", ErrNoToken)
	}
	if strings.Count(token, ".") != 2 {
		return nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return nil
	}
	if _, ok := claims["exp"]; !ok {
		return nil
	}
	if !claims.VerifyExpiresAt(now.Unix(), true) {
		return models.NewError(models.ErrAuth, "auth", "access token has expired", ErrTokenExpired)
	}
	return nil
}

// ExpiresAt returns the exp claim of a JWT, if it has one.
func ExpiresAt(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	switch exp := claims["exp"].(type) {
	case float64:
		return time.Unix(int64(exp), 0), true
	default:
		return time.Time{}, false
	}
}

func modTime(path string) (time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}
