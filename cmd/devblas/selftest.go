package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fxnlabs/devblas/internal/backend"
	"github.com/fxnlabs/devblas/internal/config"
	"github.com/fxnlabs/devblas/internal/selftest"
	"github.com/urfave/cli/v2"
)

func selftestCommand() *cli.Command {
	return &cli.Command{
		Name:  "selftest",
		Usage: "Solve random batches in every precision and verify the results",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "batch", Usage: "Operations per batch (default selftest.batch)"},
			&cli.IntFlag{Name: "size", Usage: "Largest matrix dimension (default selftest.size)"},
			&cli.Int64Flag{Name: "seed", Usage: "Random seed, 0 for a time based seed"},
			&cli.BoolFlag{Name: "json", Usage: "Print the report as JSON"},
		},
		Action: func(c *cli.Context) error {
			cfg, log := fromContext(c)
			b, err := backend.Open(cfg, log)
			if err != nil {
				return err
			}
			defer b.Close()

			q, err := b.NewQueue(cfg, log)
			if err != nil {
				return err
			}
			defer q.Close()

			opts := selftestOptions(cfg)
			if c.IsSet("batch") {
				opts.Batch = c.Int("batch")
			}
			if c.IsSet("size") {
				opts.Size = c.Int("size")
			}
			opts.Seed = c.Int64("seed")

			report, runErr := selftest.Run(c.Context, q, opts, log)
			if report != nil {
				if err := printReport(c.App.Writer, report, c.Bool("json")); err != nil {
					return err
				}
			}
			return runErr
		},
	}
}

func selftestOptions(cfg *config.Config) selftest.Options {
	return selftest.Options{
		Batch:   cfg.Selftest.Batch,
		Size:    cfg.Selftest.Size,
		MaxSize: cfg.Selftest.MaxSize,
	}
}

func printReport(w io.Writer, report *selftest.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(w, "Backend %s, device %d, seed %d\n", report.Backend, report.Device, report.Seed)
	for _, res := range report.Results {
		status := "ok"
		if res.Error != "" {
			status = "FAIL: " + res.Error
		}
		fmt.Fprintf(w, "  %-2s %-14s %4d ops  residual %-9.2e %10s  %s\n",
			res.Precision, res.Path, res.Operations, res.MaxResidual, res.Duration.Round(time.Microsecond), status)
	}
	fmt.Fprintf(w, "%d of %d checks failed in %s\n", report.Failures(), len(report.Results), report.Duration)
	return nil
}
