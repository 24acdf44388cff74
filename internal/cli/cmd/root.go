// Package cmd wires the benchhar subcommands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mraleph/benchmark-harness/internal/cli"
)

var (
	logLevel   string
	configPath string

	rootCmd = &cobra.Command{
		Use:           "benchhar",
		Short:         "Measure, profile and annotate engine benchmarks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.Version = buildVersion()
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Logging level, one of ('debug', 'info', 'warn', 'error')")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path of the harness config file")
}

// loadConfig reads the config file when one is given and layers persistent
// flag overrides on top of it.
func loadConfig() (*cli.Config, error) {
	conf := &cli.Config{}
	if configPath != "" {
		parsed, err := cli.ParseConfig(configPath)
		if err != nil {
			return nil, err
		}
		conf = parsed
	}
	if logLevel != "" {
		conf.LogLevel = logLevel
	}
	return conf, nil
}

func makeApp() (*cli.App, error) {
	conf, err := loadConfig()
	if err != nil {
		return nil, err
	}

	app, err := cli.New(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize CLI: %w", err)
	}
	return app, nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
