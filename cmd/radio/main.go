// Command radio runs an unattended news radio station: scheduled news
// bulletins read over music beds, with music in between, streamed to HTTP
// and WebRTC listeners and optionally pushed to an Icecast server.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/satindergrewal/airwaves/internal/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "radio",
		Short:         "Unattended AI news radio station",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("RADIO_CONFIG"), "path to YAML config file")

	load := func() (config.Config, zerolog.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return cfg, zerolog.Nop(), err
		}
		return cfg, newLogger(cfg.Log, os.Stderr), nil
	}

	root.AddCommand(
		newServeCmd(load),
		newTracksCmd(load),
		newStatusCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "radio", version)
			},
		},
	)
	return root
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
