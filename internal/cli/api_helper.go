package cli

import (
	"fmt"
	"os"

	"github.com/anonimadata/anonima-cli/internal/api"
	"github.com/anonimadata/anonima-cli/internal/auth"
	"github.com/anonimadata/anonima-cli/internal/config"
	"github.com/anonimadata/anonima-cli/internal/constants"
	"github.com/anonimadata/anonima-cli/internal/events"
	"github.com/anonimadata/anonima-cli/internal/http"
	"github.com/anonimadata/anonima-cli/internal/lifecycle"
	"github.com/anonimadata/anonima-cli/internal/logging"
	"github.com/anonimadata/anonima-cli/internal/polling"
)

// loadConfig reads the config file and applies overrides.
// Priority: flags > environment > config file > defaults
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	if apiBaseURL != "" {
		cfg.APIBaseURL = apiBaseURL
	}
	if tokenFile != "" {
		cfg.TokenFile = tokenFile
	}
	if pollInterval > 0 {
		cfg.PollInterval = pollInterval
	}
	if maxAttempts >= 0 {
		cfg.MaxAttempts = maxAttempts
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// getAPIClient loads configuration and creates an API client.
// This is the standard way to get an API client in CLI commands.
func getAPIClient() (*api.Client, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	if http.NeedsProxyPassword(cfg) {
		password, err := promptSecret(fmt.Sprintf("Proxy password for %s@%s: ", cfg.ProxyUser, cfg.ProxyHost))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read proxy password: %w", err)
		}
		cfg.ProxyPassword = password
	}

	res, err := auth.Resolve(token, cfg.TokenFile)
	if err != nil {
		return nil, nil, err
	}
	GetLogger().Debug().Str("source", res.Origin).Msg("Using access token")

	client, err := api.NewClient(cfg, res.Source, GetLogger())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create API client: %w", err)
	}
	return client, cfg, nil
}

// newController wires a lifecycle controller to the service and an event bus
// the caller can follow for progress.
func newController(client *api.Client, cfg *config.Config) (*lifecycle.Controller, *events.EventBus) {
	bus := events.NewEventBus(constants.EventBusDefaultBuffer)

	// Transitions are logged at info; keep them out of the spinner's way unless asked for
	ctrlLogger := logging.Nop()
	if verbose || debug {
		ctrlLogger = logging.NewLogger(os.Stderr, bus)
	}

	ctrl := lifecycle.New(client,
		lifecycle.WithEventBus(bus),
		lifecycle.WithLogger(ctrlLogger),
		lifecycle.WithPollingOptions(
			polling.WithInterval(cfg.PollInterval),
			polling.WithMaxAttempts(cfg.MaxAttempts),
			polling.WithLogger(ctrlLogger),
		),
	)
	return ctrl, bus
}
