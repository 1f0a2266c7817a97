package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/m-mizutani/collective/pkg/model"
	"github.com/m-mizutani/collective/pkg/usecase/compose"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func recallCommand(logCfg *loggingConfig) *cli.Command {
	var (
		cfg           config
		participantID string
		query         string
		limit         int64
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "participant-id",
			Aliases:     []string{"id"},
			Usage:       "Owner of the memories",
			Sources:     env("PARTICIPANT_ID"),
			Destination: &participantID,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "query",
			Aliases:     []string{"q"},
			Usage:       "Text to search for",
			Destination: &query,
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"n"},
			Usage:       "Number of chunks to show",
			Value:       compose.DefaultMaxMemories,
			Destination: &limit,
		},
	}
	flags = append(flags, repositoryFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "recall",
		Usage: "Show the memory chunks an agent would retrieve for a query",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = logCfg.apply(ctx, os.Stderr)

			repo, err := cfg.newRepository()
			if err != nil {
				return err
			}
			embedder, err := cfg.newEmbedder(ctx)
			if err != nil {
				return err
			}

			vec, err := embedder.Embed(ctx, query, int(cfg.dimensions))
			if err != nil {
				return goerr.Wrap(err, "failed to embed query")
			}

			chunks, err := repo.SearchChunks(ctx, model.ParticipantID(participantID), vec, int(limit))
			if err != nil {
				return err
			}

			for i, chunk := range chunks {
				fmt.Fprintf(c.Root().Writer, "%d\t%s\t%s\t%s\n", i+1, chunk.Source,
					chunk.CreatedAt.Format("2006-01-02"), compose.Truncate(chunk.Text, 120))
			}
			return nil
		},
	}
}
