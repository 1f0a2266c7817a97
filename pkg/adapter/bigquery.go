package adapter

import (
	"context"
	"errors"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/m-mizutani/collective/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/googleapi"
)

// FeedExporter copies committed feed messages into an analytics table
type FeedExporter interface {
	// EnsureTable creates the destination table when it does not exist
	EnsureTable(ctx context.Context) error
	// Export inserts the messages
	Export(ctx context.Context, msgs []*model.FeedMessage) error
}

type feedRow struct {
	MessageID         string    `bigquery:"message_id"`
	SequenceNo        int64     `bigquery:"sequence_no"`
	AuthorID          string    `bigquery:"author_id"`
	AuthorDisplayName string    `bigquery:"author_display_name"`
	Body              string    `bigquery:"body"`
	IsAgentGenerated  bool      `bigquery:"is_agent_generated"`
	Timestamp         time.Time `bigquery:"timestamp"`
}

type bigqueryExporter struct {
	client    *bigquery.Client
	datasetID string
	tableID   string
}

// NewBigQueryExporter creates a new BigQuery client bound to dataset.table
func NewBigQueryExporter(ctx context.Context, projectID, datasetID, tableID string) (FeedExporter, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create BigQuery client")
	}

	return &bigqueryExporter{
		client:    client,
		datasetID: datasetID,
		tableID:   tableID,
	}, nil
}

func (x *bigqueryExporter) table() *bigquery.Table {
	return x.client.Dataset(x.datasetID).Table(x.tableID)
}

func (x *bigqueryExporter) EnsureTable(ctx context.Context) error {
	schema, err := bigquery.InferSchema(feedRow{})
	if err != nil {
		return goerr.Wrap(err, "failed to infer feed schema")
	}

	err = x.table().Create(ctx, &bigquery.TableMetadata{
		Schema: schema,
		TimePartitioning: &bigquery.TimePartitioning{
			Field: "timestamp",
		},
	})
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict {
			return nil
		}
		return goerr.Wrap(err, "failed to create feed table",
			goerr.V("dataset", x.datasetID), goerr.V("table", x.tableID))
	}
	return nil
}

func (x *bigqueryExporter) Export(ctx context.Context, msgs []*model.FeedMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	rows := make([]*feedRow, 0, len(msgs))
	for _, msg := range msgs {
		rows = append(rows, &feedRow{
			MessageID:         string(msg.ID),
			SequenceNo:        msg.SequenceNo,
			AuthorID:          msg.AuthorID,
			AuthorDisplayName: msg.AuthorDisplayName,
			Body:              msg.Body,
			IsAgentGenerated:  msg.IsAgentGenerated,
			Timestamp:         msg.Timestamp,
		})
	}

	if err := x.table().Inserter().Put(ctx, rows); err != nil {
		return goerr.Wrap(err, "failed to insert feed rows",
			goerr.V("dataset", x.datasetID), goerr.V("table", x.tableID), goerr.V("count", len(rows)))
	}
	return nil
}
