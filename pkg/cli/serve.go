package cli

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/m-mizutani/collective/pkg/server"
	"github.com/m-mizutani/collective/pkg/usecase/onboarding"
	"github.com/m-mizutani/collective/pkg/usecase/scheduler"
	"github.com/m-mizutani/collective/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func serveCommand(logCfg *loggingConfig) *cli.Command {
	var (
		cfg         config
		addr        string
		seedFile    string
		noScheduler bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "HTTP listen address",
			Value:       ":8080",
			Sources:     env("ADDR"),
			Destination: &addr,
		},
		&cli.StringFlag{
			Name:        "seed-file",
			Usage:       "YAML file of seed agents loaded at startup",
			Sources:     env("SEED_FILE"),
			Destination: &seedFile,
		},
		&cli.BoolFlag{
			Name:        "no-scheduler",
			Usage:       "Serve the API without letting agents speak",
			Sources:     env("NO_SCHEDULER"),
			Destination: &noScheduler,
		},
	}
	flags = append(flags, repositoryFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, promptFlags(&cfg)...)
	flags = append(flags, ingestFlags(&cfg)...)
	flags = append(flags, interviewFlags(&cfg)...)
	flags = append(flags, schedulerFlags(&cfg)...)
	flags = append(flags, feedFlags(&cfg)...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API, the feed stream and the agent scheduler",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = logCfg.apply(ctx, os.Stderr)
			logger := logging.From(ctx)

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
			queryEmbedder, closeCache, err := cfg.newQueryEmbedder(embedder)
			if err != nil {
				return err
			}
			defer closeCache()

			composer, err := cfg.newComposer()
			if err != nil {
				return err
			}

			pipeline := cfg.newPipeline(repo, embedder)
			interviews, err := cfg.newInterviewManager(ctx, repo, generator, pipeline)
			if err != nil {
				return err
			}
			f, err := cfg.newFeed(ctx, repo)
			if err != nil {
				return err
			}

			onboard := onboarding.New(repo)
			if seedFile != "" {
				if _, err := onboard.LoadSeeds(ctx, seedFile); err != nil {
					return err
				}
			}

			httpServer := &http.Server{
				Addr:              addr,
				Handler:           server.New(repo, f, interviews, pipeline, onboard),
				ReadHeaderTimeout: 10 * time.Second,
				BaseContext:       func(net.Listener) context.Context { return ctx },
			}

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			var wg sync.WaitGroup
			if !noScheduler {
				schedOpts := []scheduler.Option{
					scheduler.WithInterval(cfg.interval),
					scheduler.WithComposer(composer),
					scheduler.WithDimensions(int(cfg.dimensions)),
				}
				if cfg.seed != 0 {
					schedOpts = append(schedOpts, scheduler.WithRand(rand.New(rand.NewPCG(cfg.seed, cfg.seed))))
				}
				sched := scheduler.New(repo, f, generator, queryEmbedder, schedOpts...)

				wg.Add(1)
				go func() {
					defer wg.Done()
					_ = sched.Run(runCtx)
				}()
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("listening", "addr", addr)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- goerr.Wrap(err, "HTTP server failed", goerr.V("addr", addr))
				}
				close(errCh)
			}()

			var serveErr error
			select {
			case <-ctx.Done():
				logger.Info("shutting down")
			case serveErr = <-errCh:
			}

			shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer stop()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("failed to shut down HTTP server", logging.ErrAttr(err))
			}

			cancel()
			wg.Wait()
			interviews.CloseAll(shutdownCtx)

			return serveErr
		},
	}
}
