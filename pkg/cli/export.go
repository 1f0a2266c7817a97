package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/m-mizutani/collective/pkg/adapter"
	"github.com/m-mizutani/collective/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

const exportBatchSize = 500

func exportCommand(logCfg *loggingConfig) *cli.Command {
	var (
		cfg       config
		bqProject string
		dataset   string
		table     string
		after     int64
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "bigquery-project",
			Usage:       "BigQuery project ID (defaults to --project)",
			Sources:     env("BIGQUERY_PROJECT"),
			Destination: &bqProject,
		},
		&cli.StringFlag{
			Name:        "dataset",
			Usage:       "BigQuery dataset ID",
			Sources:     env("BIGQUERY_DATASET"),
			Destination: &dataset,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "table",
			Usage:       "BigQuery table ID",
			Value:       "feed_messages",
			Sources:     env("BIGQUERY_TABLE"),
			Destination: &table,
		},
		&cli.IntFlag{
			Name:        "after",
			Usage:       "Export messages with a sequence number greater than this",
			Destination: &after,
		},
	}
	flags = append(flags, repositoryFlags(&cfg)...)

	return &cli.Command{
		Name:  "export",
		Usage: "Copy committed feed messages to BigQuery",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = logCfg.apply(ctx, os.Stderr)
			logger := logging.From(ctx)

			if bqProject == "" {
				bqProject = cfg.project
			}
			if bqProject == "" {
				return goerr.New("bigquery-project is required")
			}

			repo, err := cfg.newRepository()
			if err != nil {
				return err
			}
			exporter, err := adapter.NewBigQueryExporter(ctx, bqProject, dataset, table)
			if err != nil {
				return err
			}
			if err := exporter.EnsureTable(ctx); err != nil {
				return err
			}

			last := after
			total := 0
			for {
				msgs, err := repo.ListFeedMessagesAfter(ctx, last, exportBatchSize)
				if err != nil {
					return goerr.Wrap(err, "failed to read feed", goerr.V("after", last))
				}
				if len(msgs) == 0 {
					break
				}

				if err := exporter.Export(ctx, msgs); err != nil {
					return goerr.Wrap(err, "export stopped", goerr.V("after", last))
				}
				last = msgs[len(msgs)-1].SequenceNo
				total += len(msgs)
				logger.Info("exported feed batch", "count", len(msgs), "last_sequence_no", last)
			}

			fmt.Fprintf(c.Root().Writer, "exported %d messages, last sequence number %d\n", total, last)
			return nil
		},
	}
}
