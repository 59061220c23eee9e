package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxnlabs/devblas/pkg/client"
	"github.com/urfave/cli/v2"
)

func challengeCommand() *cli.Command {
	return &cli.Command{
		Name:      "challenge",
		Usage:     "Send a challenge to a running server",
		ArgsUsage: "<trsm|selftest|device_info> [payload json]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "url",
				Value: "http://localhost:9464",
				Usage: "Base URL of the server",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 || c.NArg() > 2 {
				return cli.ShowSubcommandHelp(c)
			}
			challengeType := strings.ToUpper(c.Args().Get(0))

			var payload interface{}
			if c.NArg() == 2 {
				if err := json.Unmarshal([]byte(c.Args().Get(1)), &payload); err != nil {
					return fmt.Errorf("invalid payload: %w", err)
				}
			}

			raw, err := client.New(c.String("url"), nil).SendChallenge(c.Context, challengeType, payload)
			if err != nil {
				return err
			}
			var out bytes.Buffer
			if err := json.Indent(&out, raw, "", "  "); err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, out.String())
			return nil
		},
	}
}
