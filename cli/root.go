// Package cli provides the chapterd CLI commands.
package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chapterhq/chapterd/config"
)

var rootFlags struct {
	configPath string
}

var rootCmd = &cobra.Command{
	Use:   "chapterd",
	Short: "chapterd - chapter management backend",
	Long: `chapterd is the backend service of the chapter management application.

It serves the member directory, OIDC login, and the administrative
impersonation API with a durable audit trail.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootFlags.configPath, "config", "c", "", "Path to config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, error) {
	if err := config.Load(rootFlags.configPath, rootFlags.configPath != "", nil); err != nil {
		return nil, err
	}
	cfg := config.GetConfig()
	setupLogging(cfg.Logging)
	return cfg, nil
}

func setupLogging(cfg config.LogConfig) {
	zerolog.SetGlobalLevel(cfg.Level)
	if cfg.Format == config.TextLogFormat {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if cfg.WithCaller {
		log.Logger = log.Logger.With().Caller().Logger()
	}
}
