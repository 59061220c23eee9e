package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/common-nighthawk/go-figure"
	"github.com/fxnlabs/devblas/internal/backend"
	"github.com/fxnlabs/devblas/pkg/device"
	"github.com/urfave/cli/v2"
)

func devicesCommand() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "List the devices of the configured backend",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "no-banner",
				Usage: "Do not print the banner",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, log := fromContext(c)
			b, err := backend.Open(cfg, log)
			if err != nil {
				return err
			}
			defer b.Close()
			return printDevices(c.App.Writer, b.Session, !c.Bool("no-banner"))
		},
	}
}

func printDevices(w io.Writer, sess *device.Session, banner bool) error {
	if banner {
		fmt.Fprintln(w, figure.NewFigure("devblas", "", true).String())
	}
	fmt.Fprintf(w, "Backend: %s\n", sess.Backend())

	count, err := sess.DeviceCount()
	if err != nil {
		return err
	}
	if count == 0 {
		fmt.Fprintln(w, "No devices")
		return nil
	}
	for i := 0; i < count; i++ {
		info, err := sess.DeviceInfo(device.Device(i))
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "[%d] %s\n", info.Ordinal, info.Name)
		fmt.Fprintf(w, "    Memory: %d MiB available of %d MiB\n", info.AvailableMemory>>20, info.TotalMemory>>20)
		fmt.Fprintf(w, "    Compute capability: %s\n", info.ComputeCapability)
		fmt.Fprintf(w, "    Driver: %s\n", info.DriverVersion)
		if len(info.Features) > 0 {
			fmt.Fprintf(w, "    Features: %s\n", strings.Join(info.Features, " "))
		}
	}
	return nil
}
