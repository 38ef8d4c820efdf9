package cmd

import (
	"github.com/urfave/cli/v3"
)

var version = "dev"

func App() *cli.Command {
	return &cli.Command{
		Name:    "comfyd",
		Version: version,
		Usage:   "Asynchronous generation job orchestration for ComfyUI. Submit workflows, poll jobs, deliver results.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to TOML config file",
				Sources: cli.EnvVars("COMFYD_CONFIG_PATH"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("COMFYD_LOGGING_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			serveCmd(),
		},
	}
}
