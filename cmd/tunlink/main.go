// Command tunlink is a user-space point-to-point tunnel endpoint: it
// creates a TUN interface, assigns its address, and relays raw IP
// packets between the interface and a remote peer over UDP.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tunlink/tunlink/internal/config"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// Global flags shared across subcommands.
var (
	globalConfigPath string
	globalVerbose    bool
	globalLogger     *slog.Logger
)

// rootCmd is the top-level command.
var rootCmd = &cobra.Command{
	Use:   "tunlink",
	Short: "Point-to-point IP tunnel over UDP",
	Long: `tunlink creates a TUN interface, brings it up with the configured
address, and relays raw IP packets between the interface and a single
remote peer over UDP. One datagram carries exactly one packet.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if globalVerbose {
			level = slog.LevelDebug
		}
		globalLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "config", "", "path to config file (default: ~/.config/tunlink/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&globalVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// versionCmd prints the build version.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the tunlink version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

// resolvedConfigPath returns the --config flag value or the default
// XDG-style path.
func resolvedConfigPath() string {
	if globalConfigPath != "" {
		return globalConfigPath
	}
	path, err := config.DefaultConfigPath()
	if err != nil {
		// No home directory; fall back to the working directory.
		return "config.toml"
	}
	return path
}

// loadConfig loads the config file, falling back to the built-in
// defaults when no file exists (everything can be supplied via flags).
func loadConfig() (*config.Config, error) {
	path := resolvedConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
