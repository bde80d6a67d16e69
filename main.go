package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/anicoll/metersim/cmd"
)

func main() {
	app := &cli.App{
		Name:   "metersim",
		Usage:  "mock energy meter with live broadcast and mqtt republishing",
		Action: cmd.MeterCommand,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config-file",
				EnvVars: []string{"CONFIG_FILE"},
				Value:   "config.json",
			},
			&cli.StringFlag{
				Name:    "cert-dir",
				EnvVars: []string{"CERT_DIR"},
				Value:   "certs",
			},
			&cli.StringFlag{
				Name:    "listen-addr",
				EnvVars: []string{"LISTEN_ADDR"},
				Value:   "0.0.0.0:5000",
			},
			&cli.StringFlag{
				Name:    "log-level",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "INFO",
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
