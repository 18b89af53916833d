package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/slugy/edge/internal/config"
	"github.com/slugy/edge/internal/logging"
)

func newRootCmd() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:          "slugy",
		Short:        "Edge redirects and click analytics for slugy short links",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv(envFile)
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before SLUGY_* variables are read")

	root.AddCommand(
		newServeCmd(),
		newSeedCmd(),
		newSweepCmd(),
		newLinksCmd(),
		newBenchCmd(),
	)
	return root
}

// loadEnv loads path into the environment. A missing file is fine; values
// already in the environment win.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, fmt.Errorf("logging: %w", err)
	}
	return cfg, log, nil
}
