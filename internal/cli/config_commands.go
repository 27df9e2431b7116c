package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/anonimadata/anonima-cli/internal/auth"
	"github.com/anonimadata/anonima-cli/internal/config"
	"github.com/anonimadata/anonima-cli/internal/constants"
	"github.com/anonimadata/anonima-cli/internal/models"
)

// newConfigCmd creates the 'config' command group.
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage anonima configuration",
		Long: `Configuration management commands for anonima.

Commands:
  init  - Interactive configuration setup
  show  - Display current configuration
  test  - Test the service connection
  path  - Show configuration file path`,
	}

	configCmd.AddCommand(newConfigInitCmd())
	configCmd.AddCommand(newConfigShowCmd())
	configCmd.AddCommand(newConfigTestCmd())
	configCmd.AddCommand(newConfigPathCmd())

	return configCmd
}

// configPath returns the --config path or the default location.
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.DefaultConfigPath()
}

// newConfigInitCmd creates the 'config init' command.
func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration interactively",
		Long: `Interactive configuration setup for anonima.

The configuration is saved to ~/.config/anonima/config and the access
token, when given, to ~/.config/anonima/token with owner-only permissions.

Use --force to overwrite existing configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if !force {
				if _, err := os.Stat(path); err == nil {
					fmt.Fprintf(out, "Configuration already exists at: %s\n", path)
					fmt.Fprintln(out, "Use --force to overwrite or run 'anonima config show' to view current config.")
					return nil
				}
			}

			fmt.Fprintln(out, "Anonima Configuration Setup")
			fmt.Fprintln(out, "===========================")
			fmt.Fprintln(out)

			cfg, err := promptConfig(out)
			if err != nil {
				return err
			}

			accessToken, err := promptSecret("Access token (leave empty to set later): ")
			if err != nil {
				return fmt.Errorf("failed to read access token: %w", err)
			}
			if accessToken != "" {
				if cfg.TokenFile == "" {
					cfg.TokenFile = config.DefaultTokenPath()
				}
				if err := config.WriteTokenFile(cfg.TokenFile, accessToken); err != nil {
					return err
				}
				GetLogger().Info().Str("path", cfg.TokenFile).Msg("Access token saved")
			}

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := config.Save(cfg, path); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			GetLogger().Info().Str("path", path).Msg("Configuration saved")

			fmt.Fprintln(out)
			fmt.Fprintf(out, "✓ Configuration saved to: %s\n", path)
			if accessToken != "" {
				fmt.Fprintf(out, "✓ Access token saved to: %s\n", cfg.TokenFile)
			} else {
				fmt.Fprintf(out, "No token stored. Use --token, --token-file or %s.\n", config.EnvToken)
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Test your configuration with: anonima config test")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing configuration")

	return cmd
}

// promptConfig asks for the settings config init stores, starting from defaults.
func promptConfig(out io.Writer) (*config.Config, error) {
	cfg := config.New()

	var err error
	if cfg.APIBaseURL, err = promptLine("Service URL", cfg.APIBaseURL); err != nil {
		return nil, err
	}
	if cfg.DownloadDir, err = promptLine("Download directory", cfg.DownloadDir); err != nil {
		return nil, err
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Status Polling (press Enter for defaults)")
	fmt.Fprintln(out, "-----------------------------------------")
	interval, err := promptLine("Interval in milliseconds", strconv.FormatInt(cfg.PollInterval.Milliseconds(), 10))
	if err != nil {
		return nil, err
	}
	if ms, convErr := strconv.Atoi(interval); convErr == nil {
		cfg.PollInterval = time.Duration(ms) * time.Millisecond
	} else {
		fmt.Fprintf(out, "  Ignoring invalid interval %q\n", interval)
	}
	attempts, err := promptLine("Max attempts (0 = unbounded)", strconv.Itoa(cfg.MaxAttempts))
	if err != nil {
		return nil, err
	}
	if n, convErr := strconv.Atoi(attempts); convErr == nil {
		cfg.MaxAttempts = n
	} else {
		fmt.Fprintf(out, "  Ignoring invalid attempt count %q\n", attempts)
	}

	fmt.Fprintln(out)
	if !confirm("Configure proxy?") {
		return cfg, nil
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Proxy Configuration")
	fmt.Fprintln(out, "-------------------")
	fmt.Fprintln(out, "Proxy modes: no-proxy, system, basic, ntlm")
	if cfg.ProxyMode, err = promptLine("Proxy mode", "system"); err != nil {
		return nil, err
	}
	if cfg.ProxyMode != "basic" && cfg.ProxyMode != "ntlm" {
		return cfg, nil
	}
	if cfg.ProxyHost, err = promptLine("Proxy host", ""); err != nil {
		return nil, err
	}
	port, err := promptLine("Proxy port", "8080")
	if err != nil {
		return nil, err
	}
	if p, convErr := strconv.Atoi(port); convErr == nil && p > 0 {
		cfg.ProxyPort = p
	}
	if cfg.ProxyUser, err = promptLine("Proxy user (optional)", ""); err != nil {
		return nil, err
	}
	if cfg.NoProxy, err = promptLine("Hosts that bypass the proxy (comma-separated)", ""); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newConfigShowCmd creates the 'config show' command.
func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the current configuration settings.

This command shows the merged configuration from:
  1. Configuration file (~/.config/anonima/config)
  2. Environment variables (ANONIMA_API_URL, ANONIMA_TOKEN, ANONIMA_POLL_INTERVAL_MS, ANONIMA_MAX_ATTEMPTS)
  3. Command-line flags (--api-url, --token, --token-file, --poll-interval, --max-attempts)

Priority: flags > environment > config file > defaults`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			printConfig(cmd.OutOrStdout(), cfg, path)
			return nil
		},
	}

	return cmd
}

func printConfig(w io.Writer, cfg *config.Config, path string) {
	fmt.Fprintln(w, "Current Configuration")
	fmt.Fprintln(w, "=====================")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Service:")
	fmt.Fprintf(w, "  Service URL:   %s\n", cfg.APIBaseURL)
	fmt.Fprintf(w, "  Download Dir:  %s\n", cfg.DownloadDir)
	// Never display any portion of the token
	if t, source := config.ResolveTokenSource(token, cfg.TokenFile); t != "" {
		fmt.Fprintf(w, "  Access Token:  <set (%d chars) from %s>\n", len(t), source)
	} else {
		fmt.Fprintln(w, "  Access Token:  <not set>")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Status Polling:")
	fmt.Fprintf(w, "  Interval:      %s\n", cfg.PollInterval)
	if cfg.MaxAttempts == 0 {
		fmt.Fprintln(w, "  Max Attempts:  unbounded")
	} else {
		fmt.Fprintf(w, "  Max Attempts:  %d\n", cfg.MaxAttempts)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "HTTP:")
	fmt.Fprintf(w, "  Proxy Mode:    %s\n", cfg.ProxyMode)
	if cfg.ProxyHost != "" {
		fmt.Fprintf(w, "  Proxy Host:    %s\n", cfg.ProxyHost)
		fmt.Fprintf(w, "  Proxy Port:    %d\n", cfg.ProxyPort)
	}
	if cfg.ProxyUser != "" {
		fmt.Fprintf(w, "  Proxy User:    %s\n", cfg.ProxyUser)
	}
	if cfg.NoProxy != "" {
		fmt.Fprintf(w, "  No Proxy:      %s\n", strings.ReplaceAll(cfg.NoProxy, ",", ", "))
	}
	fmt.Fprintf(w, "  Timeout:       %s\n", cfg.RequestTimeout)
	fmt.Fprintf(w, "  Retries:       %d\n", cfg.RetryMax)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Configuration file: %s\n", path)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintln(w, "  (file does not exist - using defaults)")
	}
}

// newConfigTestCmd creates the 'config test' command.
func newConfigTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Test the service connection",
		Long: `Test the service connection with current configuration.

Use this to verify your access token and network connectivity.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Testing Service Connection")
			fmt.Fprintln(out, "==========================")
			fmt.Fprintln(out)

			client, cfg, err := getAPIClient()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Service URL: %s\n", client.BaseURL())
			if t, _ := config.ResolveTokenSource(token, cfg.TokenFile); t != "" {
				if exp, ok := auth.ExpiresAt(t); ok {
					fmt.Fprintf(out, "Token expires: %s (%s)\n", exp.Format(time.RFC3339), humanize.Time(exp))
				}
			}
			fmt.Fprintln(out, "Testing connection...")
			fmt.Fprintln(out)

			ctx, cancel := context.WithTimeout(GetContext(), constants.APIConnectionTestTimeout)
			defer cancel()

			listing, err := client.FetchListing(ctx)
			if err != nil {
				GetLogger().Error().Err(err).Msg("Connection test failed")
				fmt.Fprintln(out, "✗ Connection FAILED")
				fmt.Fprintf(out, "  Error: %s\n", models.UserMessage(err))
				return fmt.Errorf("connection test failed: %w", err)
			}

			GetLogger().Info().Msg("Connection test successful")
			fmt.Fprintln(out, "✓ Connection SUCCESSFUL")
			fmt.Fprintf(out, "  Datasets visible: %d\n", len(listing.Entries))
			return nil
		},
	}

	return cmd
}

// newConfigPathCmd creates the 'config path' command.
func newConfigPathCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Long:  `Display the path to the configuration file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			path, err := configPath()
			if err != nil {
				return err
			}
			if cfgFile == "" {
				fmt.Fprintln(out, "Default configuration path:")
			} else {
				fmt.Fprintln(out, "Configuration path (from --config flag):")
			}
			fmt.Fprintf(out, "  %s\n", path)
			fmt.Fprintln(out)

			if info, err := os.Stat(path); err == nil {
				fmt.Fprintln(out, "Status: ✓ File exists")
				fmt.Fprintf(out, "Size:   %d bytes\n", info.Size())
				fmt.Fprintf(out, "Modified: %s\n", info.ModTime().Format("2006-01-02 15:04:05"))
			} else {
				fmt.Fprintln(out, "Status: File does not exist")
				fmt.Fprintln(out)
				fmt.Fprintln(out, "Create a configuration file with: anonima config init")
			}

			return nil
		},
	}

	return cmd
}
