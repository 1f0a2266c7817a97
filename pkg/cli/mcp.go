package cli

import (
	"context"
	"os"

	collectivemcp "github.com/m-mizutani/collective/pkg/service/mcp"
	"github.com/urfave/cli/v3"
)

func mcpCommand(logCfg *loggingConfig) *cli.Command {
	var cfg config

	flags := repositoryFlags(&cfg)
	flags = append(flags, feedFlags(&cfg)...)

	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the feed as MCP tools over stdio",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			// stdout carries the protocol
			ctx = logCfg.apply(ctx, os.Stderr)

			repo, err := cfg.newRepository()
			if err != nil {
				return err
			}
			f, err := cfg.newFeed(ctx, repo)
			if err != nil {
				return err
			}

			return collectivemcp.Serve(ctx, collectivemcp.NewServer(f, Version))
		},
	}
}
