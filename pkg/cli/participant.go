package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/m-mizutani/collective/pkg/model"
	"github.com/m-mizutani/collective/pkg/usecase/onboarding"
	"github.com/urfave/cli/v3"
)

func registerCommand(logCfg *loggingConfig) *cli.Command {
	var (
		cfg  config
		name string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "name",
			Aliases:     []string{"n"},
			Usage:       "Display name of the new participant",
			Destination: &name,
			Required:    true,
		},
	}
	flags = append(flags, repositoryFlags(&cfg)...)

	return &cli.Command{
		Name:  "register",
		Usage: "Register a human participant",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = logCfg.apply(ctx, os.Stderr)

			repo, err := cfg.newRepository()
			if err != nil {
				return err
			}

			p, err := onboarding.New(repo).Register(ctx, name)
			if err != nil {
				return err
			}

			fmt.Fprintf(c.Root().Writer, "%s\t%s\n", p.ID, p.DisplayName)
			return nil
		},
	}
}

func finalizeCommand(logCfg *loggingConfig) *cli.Command {
	var (
		cfg           config
		participantID string
		name          string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "participant-id",
			Aliases:     []string{"id"},
			Usage:       "Participant whose agent is created",
			Sources:     env("PARTICIPANT_ID"),
			Destination: &participantID,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "name",
			Aliases:     []string{"n"},
			Usage:       "Display name of the agent",
			Destination: &name,
			Required:    true,
		},
	}
	flags = append(flags, repositoryFlags(&cfg)...)

	return &cli.Command{
		Name:  "finalize",
		Usage: "Build a participant's agent from their latest interview and writing",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = logCfg.apply(ctx, os.Stderr)

			repo, err := cfg.newRepository()
			if err != nil {
				return err
			}

			agent, err := onboarding.New(repo).Finalize(ctx, model.ParticipantID(participantID), name)
			if err != nil {
				return err
			}

			fmt.Fprintf(c.Root().Writer, "%s\t%s\tactive=%v\n", agent.ID, agent.DisplayName, agent.Active)
			return nil
		},
	}
}
