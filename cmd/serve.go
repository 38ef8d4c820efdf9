package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/jhj0517/ComfyUI-backend/internal/config"
	"github.com/jhj0517/ComfyUI-backend/internal/server"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the orchestration server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis connection URL for the job record store",
				Sources: cli.EnvVars("CD_REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "workflows-dir",
				Usage:   "Directory containing workflow template JSON files",
				Sources: cli.EnvVars("CD_WORKFLOWS_DIR"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if v := cmd.String("redis-url"); v != "" {
				cfg.Redis.URL = v
			}
			if v := cmd.String("workflows-dir"); v != "" {
				cfg.Workflows.Dir = v
			}
			if v := cmd.String("log-level"); v != "" {
				cfg.Logging.Level = v
			}

			return server.Run(ctx, cfg)
		},
	}
}
