// Package cli provides the command-line interface for anonima.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/anonimadata/anonima-cli/internal/logging"
	"github.com/anonimadata/anonima-cli/internal/version"
)

var (
	// Global flags
	cfgFile      string
	token        string
	tokenFile    string // Path to file containing the access token
	apiBaseURL   string
	verbose      bool
	debug        bool
	pollInterval time.Duration
	maxAttempts  int

	// Global logger
	logger *logging.Logger

	// Global context for signal handling
	rootContext context.Context
	cancelFunc  context.CancelFunc
)

// NewRootCmd creates the root command for CLI mode.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "anonima",
		Short: "Anonima - upload, anonymize and download datasets",
		Long: `Anonima ` + version.Version + ` - Built: ` + version.BuildTime + `
Command-line client for the dataset anonymization service.

Typical flow:
  anonima upload people.csv            # upload and wait for analysis
  anonima anonymize --job-id ID \
      --method k-anonymity --param k=5 \
      --quasi age,zip --sensitive disease
  anonima download ID

Or in one step:
  anonima run people.csv --method k-anonymity --quasi age,zip`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = logging.NewDefaultCLILogger()
			if verbose || debug {
				logging.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Access token (overrides all other sources)")
	rootCmd.PersistentFlags().StringVar(&tokenFile, "token-file", "", "Path to file containing the access token")
	rootCmd.PersistentFlags().StringVar(&apiBaseURL, "api-url", "", "Service base URL (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (shows debug messages)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug output (same as --verbose)")
	rootCmd.PersistentFlags().DurationVar(&pollInterval, "poll-interval", 0, "Delay between status checks (default from config, 1s)")
	rootCmd.PersistentFlags().IntVar(&maxAttempts, "max-attempts", -1, "Status checks before giving up (0 = unbounded, default from config)")

	rootCmd.Version = version.Version + " (" + version.BuildTime + ")"

	return rootCmd
}

// Execute runs the CLI.
func Execute() error {
	// Create a context that can be cancelled by signals
	rootContext, cancelFunc = context.WithCancel(context.Background())
	defer cancelFunc()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Loop so a second Ctrl+C does not fall through to the default handler mid-cleanup
	go func() {
		for sig := range sigChan {
			if sig != nil {
				fmt.Fprintf(os.Stderr, "\n\nReceived signal %v, stopping status checks...\n", sig)
				cancelFunc()
			}
		}
	}()

	rootCmd := NewRootCmd()
	AddCommands(rootCmd)
	err := rootCmd.Execute()

	signal.Stop(sigChan)
	close(sigChan)

	return err
}

// AddCommands adds all subcommands to the root command.
func AddCommands(rootCmd *cobra.Command) {
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newUploadCmd())
	rootCmd.AddCommand(newAnonymizeCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newDownloadCmd())
	rootCmd.AddCommand(newExportCmd())
	rootCmd.AddCommand(newDeleteCmd())
	rootCmd.AddCommand(newAlgorithmsCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// GetLogger returns the global CLI logger.
func GetLogger() *logging.Logger {
	if logger == nil {
		logger = logging.NewDefaultCLILogger()
	}
	return logger
}

// GetContext returns the global CLI context with signal handling.
// This context will be cancelled when the user presses Ctrl+C.
func GetContext() context.Context {
	if rootContext == nil {
		return context.Background()
	}
	return rootContext
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "anonima %s (built %s)\n", version.Version, version.BuildTime)
		},
	}
}
