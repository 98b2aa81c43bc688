package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blegatt/pkg/config"
)

const configDefaultPath = config.DefaultPath

// loadConfig reads the config file and applies the global flag overrides. --log-level
// takes precedence over the file; without either, the CLI stays quiet.
func loadConfig(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	levelSet := cmd.Flags().Changed("log-level")
	if levelSet {
		cfg.Level, _ = cmd.Flags().GetString("log-level")
	}
	if transport, _ := cmd.Flags().GetString("transport"); transport != "" {
		cfg.Transport = transport
	}
	if adapter, _ := cmd.Flags().GetString("adapter"); adapter != "" {
		cfg.Adapter = adapter
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger := cfg.NewLogger()
	if !levelSet && path == "" {
		logger.SetLevel(logrus.PanicLevel)
	}
	logger.SetOutput(cmd.ErrOrStderr())
	return cfg, logger, nil
}
