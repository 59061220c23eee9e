package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/fxnlabs/devblas/internal/config"
	"github.com/fxnlabs/devblas/internal/logger"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const defaultConfigPath = "config.yaml"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	var configPath string

	return &cli.App{
		Name:  "devblas",
		Usage: "Batched triangular solves on device BLAS libraries",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Value:       defaultConfigPath,
				Usage:       "Path to the configuration file",
				EnvVars:     []string{"DEVBLAS_CONFIG"},
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:  "backend",
				Usage: "Override device.backend (auto, host, cuda or none)",
			},
		},
		Before: func(c *cli.Context) error {
			// init creates the file, so it may not exist yet.
			explicit := c.IsSet("config") && c.Args().First() != "init"
			cfg, err := loadConfig(configPath, explicit)
			if err != nil {
				return err
			}
			if c.IsSet("backend") {
				cfg.Device.Backend = c.String("backend")
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			zapLogger, err := logger.New(cfg.Logger.Verbosity, cfg.Logger.Encoding)
			if err != nil {
				return err
			}
			c.App.Metadata["config"] = cfg
			c.App.Metadata["logger"] = zapLogger.Named("devblas")
			return nil
		},
		After: func(c *cli.Context) error {
			if log, ok := c.App.Metadata["logger"].(*zap.Logger); ok {
				_ = log.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			devicesCommand(),
			selftestCommand(),
			serveCommand(),
			challengeCommand(),
			initCommand(),
		},
	}
}

// loadConfig reads path. A missing default file yields the built-in
// defaults; a missing file that was asked for explicitly is an error.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		return config.Default(), nil
	}
	return cfg, err
}

func fromContext(c *cli.Context) (*config.Config, *zap.Logger) {
	return c.App.Metadata["config"].(*config.Config), c.App.Metadata["logger"].(*zap.Logger)
}
