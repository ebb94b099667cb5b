package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/pkg/reexec"
	"github.com/itstheanurag/runbox/internal/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var version = "dev"

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "runbox",
	Short: "runbox - sandboxed multi-language code execution",
	Long: `runbox compiles and runs untrusted source code in isolated, resource-limited
sandboxes and reports the classified result.

It serves POST /api/tools/compiler/ over HTTP, runs single files from the
command line, and exposes a code_run tool over MCP.`,
	SilenceUsage: true,
	Version:      version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Path to runbox.yaml (default ./runbox.yaml or /etc/runbox/runbox.yaml)")
}

func main() {
	// sandboxed children start as this binary running the exec helper
	if reexec.Init() {
		return
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	conf, err := config.LoadConfig(configFlag)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return conf, nil
}

// newLogger writes to stderr so stdout stays free for command output and
// the MCP stdio transport.
func newLogger(conf config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(conf.Level))
	if err != nil || conf.Level == "" {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if conf.Format == "json" {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
