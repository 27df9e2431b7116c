// Anonima - command-line client for the dataset anonymization service
package main

import (
	"fmt"
	"os"

	"github.com/anonimadata/anonima-cli/internal/cli"
	"github.com/anonimadata/anonima-cli/internal/models"
	"github.com/anonimadata/anonima-cli/internal/version"
)

// Version information, overridden with -ldflags "-X main.Version=..."
var (
	Version   = "v0.1.0-dev"
	BuildTime = "unknown"
)

func main() {
	// Set version in version package (canonical source for all packages)
	version.Version = Version
	version.BuildTime = BuildTime

	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", models.UserMessage(err))
		if hint := models.RecoveryHint(err); hint != "" {
			fmt.Fprintf(os.Stderr, "  Next: %s\n", hint)
		}
		os.Exit(1)
	}
}
