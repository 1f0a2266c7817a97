package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"
	"github.com/m-mizutani/collective/pkg/model"
	"github.com/m-mizutani/collective/pkg/usecase/onboarding"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func interviewCommand(logCfg *loggingConfig) *cli.Command {
	var (
		cfg           config
		participantID string
		name          string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "participant-id",
			Aliases:     []string{"id"},
			Usage:       "Participant being interviewed",
			Sources:     env("PARTICIPANT_ID"),
			Destination: &participantID,
		},
		&cli.StringFlag{
			Name:        "name",
			Usage:       "Register a new participant with this display name and interview them",
			Destination: &name,
		},
	}
	flags = append(flags, repositoryFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, interviewFlags(&cfg)...)

	return &cli.Command{
		Name:  "interview",
		Usage: "Hold a timed interview in the terminal and ingest the answers",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = logCfg.apply(ctx, os.Stderr)
			w := c.Root().Writer

			if participantID == "" && name == "" {
				return goerr.New("either participant-id or name is required")
			}

			// Initialize dependencies
			repo, err := cfg.newRepository()
			if err != nil {
				return err
			}
			generator, err := cfg.newGenerator(ctx)
			if err != nil {
				return err
			}
			embedder, err := cfg.newEmbedder(ctx)
			if err != nil {
				return err
			}
			pipeline := cfg.newPipeline(repo, embedder)
			interviews, err := cfg.newInterviewManager(ctx, repo, generator, pipeline)
			if err != nil {
				return err
			}

			if participantID == "" {
				p, err := onboarding.New(repo).Register(ctx, name)
				if err != nil {
					return err
				}
				participantID = string(p.ID)
				fmt.Fprintf(w, "Registered %s as %s\n", p.DisplayName, p.ID)
			}

			session, err := interviews.Start(ctx, model.ParticipantID(participantID))
			if err != nil {
				return err
			}

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "> ",
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
				Stdout:          w,
			})
			if err != nil {
				return goerr.Wrap(err, "failed to initialize terminal")
			}
			var closeOnce sync.Once
			closeTerminal := func() { closeOnce.Do(func() { _ = rl.Close() }) }
			defer closeTerminal()

			// The budget timer may end the session while readline is blocked
			go func() {
				<-session.Done()
				closeTerminal()
			}()

			transcript := session.Transcript()
			for _, turn := range transcript.Turns {
				fmt.Fprintf(w, "%s\n", turn.Text)
			}
			fmt.Fprintf(w, "(%s remaining. Type 'exit' to finish early.)\n", session.Remaining().Round(time.Second))

			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					break
				}

				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				if line == "exit" {
					break
				}

				spin := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
				spin.Start()
				result, err := session.Submit(ctx, line)
				spin.Stop()

				if err != nil {
					if goerr.HasTag(err, model.ErrTagSessionClosed) {
						break
					}
					if goerr.HasTag(err, model.ErrTagUpstreamUnavailable) {
						fmt.Fprintf(w, "(no reply, try again)\n")
						continue
					}
					return err
				}

				fmt.Fprintf(w, "%s\n", result.Reply)
			}

			ingested, err := session.Close(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(w, "\nSession %s closed. %d of %d chunks stored.\n",
				session.ID(), ingested.ChunksStored, ingested.ChunksRequested)
			return nil
		},
	}
}
