package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/chatgate/chatgate/pkg/config"
)

var version = "dev"

const defaultConfigPath = "chatgate.yaml"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "chatgate",
		Short:         "chatgate: caching and streaming gateway for a local inference service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env is optional; real environment variables win
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")

	load := func(cmd *cobra.Command) (*config.Config, error) {
		return loadConfig(configPath, cmd.Flags().Changed("config"))
	}

	root.AddCommand(
		newServeCmd(load),
		newCacheCmd(load),
		newUsersCmd(load),
		newModelsCmd(load),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type configLoader func(cmd *cobra.Command) (*config.Config, error)

// loadConfig reads path. A missing default config file means built-in
// defaults; a missing explicit one is an error.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	if !explicit {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return config.Default(), nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
