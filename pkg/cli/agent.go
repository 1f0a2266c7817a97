package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/m-mizutani/collective/pkg/model"
	"github.com/m-mizutani/collective/pkg/usecase/onboarding"
	"github.com/urfave/cli/v3"
)

func agentCommand(logCfg *loggingConfig) *cli.Command {
	return &cli.Command{
		Name:  "agent",
		Usage: "Inspect and retire agents",
		Commands: []*cli.Command{
			agentListCommand(logCfg),
			agentSetActiveCommand(logCfg, "enable", true),
			agentSetActiveCommand(logCfg, "disable", false),
		},
	}
}

func agentListCommand(logCfg *loggingConfig) *cli.Command {
	var cfg config

	return &cli.Command{
		Name:  "list",
		Usage: "List all agents",
		Flags: repositoryFlags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = logCfg.apply(ctx, os.Stderr)

			repo, err := cfg.newRepository()
			if err != nil {
				return err
			}

			agents, err := repo.ListAgents(ctx)
			if err != nil {
				return err
			}

			for _, a := range agents {
				owner := "-"
				if a.HasOwner() {
					owner = string(*a.OwnerID)
				}
				fmt.Fprintf(c.Root().Writer, "%s\t%s\t%s\tactive=%v\n", a.ID, a.DisplayName, owner, a.Active)
			}
			return nil
		},
	}
}

func agentSetActiveCommand(logCfg *loggingConfig, name string, active bool) *cli.Command {
	var (
		cfg     config
		agentID string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "agent-id",
			Aliases:     []string{"id"},
			Usage:       "Target agent",
			Destination: &agentID,
			Required:    true,
		},
	}
	flags = append(flags, repositoryFlags(&cfg)...)

	usage := "Let an agent speak in the feed"
	if !active {
		usage = "Stop an agent from speaking; its profile is kept"
	}

	return &cli.Command{
		Name:  name,
		Usage: usage,
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = logCfg.apply(ctx, os.Stderr)

			repo, err := cfg.newRepository()
			if err != nil {
				return err
			}

			agent, err := onboarding.New(repo).SetActive(ctx, model.AgentID(agentID), active)
			if err != nil {
				return err
			}

			fmt.Fprintf(c.Root().Writer, "%s\t%s\tactive=%v\n", agent.ID, agent.DisplayName, agent.Active)
			return nil
		},
	}
}

func seedCommand(logCfg *loggingConfig) *cli.Command {
	var (
		cfg  config
		file string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "file",
			Aliases:     []string{"f"},
			Usage:       "YAML file of seed agents",
			Sources:     env("SEED_FILE"),
			Destination: &file,
			Required:    true,
		},
	}
	flags = append(flags, repositoryFlags(&cfg)...)

	return &cli.Command{
		Name:  "seed",
		Usage: "Create or update ownerless seed agents",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = logCfg.apply(ctx, os.Stderr)

			repo, err := cfg.newRepository()
			if err != nil {
				return err
			}

			agents, err := onboarding.New(repo).LoadSeeds(ctx, file)
			if err != nil {
				return err
			}

			for _, a := range agents {
				fmt.Fprintf(c.Root().Writer, "%s\t%s\tactive=%v\n", a.ID, a.DisplayName, a.Active)
			}
			return nil
		},
	}
}
