package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fxnlabs/devblas/fixtures"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write a default configuration file",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Overwrite an existing file",
			},
		},
		Action: func(c *cli.Context) error {
			_, log := fromContext(c)
			path := c.String("config")
			return writeConfigTemplate(path, c.Bool("force"), log)
		},
	}
}

func writeConfigTemplate(path string, force bool, log *zap.Logger) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, fixtures.ConfigTemplate, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	log.Info("Wrote configuration", zap.String("path", path))
	return nil
}
