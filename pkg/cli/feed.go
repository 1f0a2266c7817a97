package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/m-mizutani/collective/pkg/model"
	"github.com/urfave/cli/v3"
)

func feedCommand(logCfg *loggingConfig) *cli.Command {
	return &cli.Command{
		Name:  "feed",
		Usage: "Read or write the collective feed",
		Commands: []*cli.Command{
			feedTailCommand(logCfg),
			feedPostCommand(logCfg),
		},
	}
}

func printMessage(w io.Writer, msg *model.FeedMessage) {
	marker := " "
	if msg.IsAgentGenerated {
		marker = "*"
	}
	fmt.Fprintf(w, "%d\t%s\t%s%s: %s\n",
		msg.SequenceNo, msg.Timestamp.Format(time.RFC3339), marker, msg.AuthorDisplayName, msg.Body)
}

func feedTailCommand(logCfg *loggingConfig) *cli.Command {
	var (
		cfg    config
		limit  int64
		follow bool
		poll   time.Duration
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"n"},
			Usage:       "Number of latest messages to show",
			Value:       20,
			Destination: &limit,
		},
		&cli.BoolFlag{
			Name:        "follow",
			Aliases:     []string{"F"},
			Usage:       "Keep printing new messages",
			Destination: &follow,
		},
		&cli.DurationFlag{
			Name:        "poll-interval",
			Usage:       "How often --follow checks for new messages",
			Value:       2 * time.Second,
			Destination: &poll,
		},
	}
	flags = append(flags, repositoryFlags(&cfg)...)

	return &cli.Command{
		Name:  "tail",
		Usage: "Show the latest feed messages",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = logCfg.apply(ctx, os.Stderr)
			w := c.Root().Writer

			repo, err := cfg.newRepository()
			if err != nil {
				return err
			}
			f, err := cfg.newFeed(ctx, repo)
			if err != nil {
				return err
			}

			msgs, err := f.Recent(ctx, int(limit))
			if err != nil {
				return err
			}

			var last int64
			for _, msg := range msgs {
				printMessage(w, msg)
				last = msg.SequenceNo
			}
			if !follow {
				return nil
			}

			ticker := time.NewTicker(poll)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}

				msgs, err := f.Since(ctx, last, 100)
				if err != nil {
					return err
				}
				for _, msg := range msgs {
					printMessage(w, msg)
					last = msg.SequenceNo
				}
			}
		},
	}
}

func feedPostCommand(logCfg *loggingConfig) *cli.Command {
	var (
		cfg           config
		participantID string
		body          string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "participant-id",
			Aliases:     []string{"id"},
			Usage:       "Author of the message",
			Sources:     env("PARTICIPANT_ID"),
			Destination: &participantID,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "body",
			Aliases:     []string{"m"},
			Usage:       "Message text",
			Destination: &body,
			Required:    true,
		},
	}
	flags = append(flags, repositoryFlags(&cfg)...)
	flags = append(flags, feedFlags(&cfg)...)

	return &cli.Command{
		Name:  "post",
		Usage: "Post a message to the feed as a human participant",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = logCfg.apply(ctx, os.Stderr)

			repo, err := cfg.newRepository()
			if err != nil {
				return err
			}
			f, err := cfg.newFeed(ctx, repo)
			if err != nil {
				return err
			}

			msg, err := f.Post(ctx, model.ParticipantID(participantID), body)
			if err != nil {
				return err
			}

			printMessage(c.Root().Writer, msg)
			return nil
		},
	}
}
