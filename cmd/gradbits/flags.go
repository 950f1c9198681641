package main

import "github.com/urfave/cli/v3"

var (
	cfgPath   string
	logLevel  string
	logFormat string
	workers   int64
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config file (default ~/.config/gradbits/config.yaml)",
			Destination: &cfgPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Usage:       "worker goroutines for kernel launches (0 = one per CPU)",
			Destination: &workers,
		},
	}
}
