package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/m-mizutani/collective/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func ingestCommand(logCfg *loggingConfig) *cli.Command {
	var (
		cfg           config
		participantID string
		file          string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "participant-id",
			Aliases:     []string{"id"},
			Usage:       "Owner of the writing",
			Sources:     env("PARTICIPANT_ID"),
			Destination: &participantID,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "file",
			Aliases:     []string{"f"},
			Usage:       "Text file to upload ('-' reads stdin)",
			Value:       "-",
			Destination: &file,
		},
	}
	flags = append(flags, repositoryFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, ingestFlags(&cfg)...)

	return &cli.Command{
		Name:  "ingest",
		Usage: "Upload a writing sample as memory of a participant",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = logCfg.apply(ctx, os.Stderr)

			var r io.Reader = os.Stdin
			if file != "-" {
				fd, err := os.Open(file)
				if err != nil {
					return goerr.Wrap(err, "failed to open file", goerr.V("file", file))
				}
				defer fd.Close()
				r = fd
			}
			text, err := io.ReadAll(r)
			if err != nil {
				return goerr.Wrap(err, "failed to read writing", goerr.V("file", file))
			}

			repo, err := cfg.newRepository()
			if err != nil {
				return err
			}
			embedder, err := cfg.newEmbedder(ctx)
			if err != nil {
				return err
			}

			owner := model.ParticipantID(participantID)
			if _, err := repo.GetParticipant(ctx, owner); err != nil {
				return err
			}

			writing, result, err := cfg.newPipeline(repo, embedder).IngestWriting(ctx, owner, string(text))
			if err != nil {
				return err
			}

			fmt.Fprintf(c.Root().Writer, "Writing %s: %d words, %d of %d chunks stored\n",
				writing.ID, writing.WordCount, result.ChunksStored, result.ChunksRequested)
			return nil
		},
	}
}
