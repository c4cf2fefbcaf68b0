package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"

	"github.com/sdiaco/eventbridge-router/pkg/events"
)

// BigQueryConfig names the archive destination table.
type BigQueryConfig struct {
	DatasetID string
	TableID   string
}

// recordSchema is the archive table layout. Data and attributes are opaque to
// the router, so they land as JSON columns rather than inferred nested fields;
// timestamps arrive as the RFC3339 strings the record already carries.
var recordSchema = bigquery.Schema{
	{Name: "event_id", Type: bigquery.StringFieldType, Required: true},
	{Name: "event_name", Type: bigquery.StringFieldType, Required: true},
	{Name: "source", Type: bigquery.StringFieldType},
	{Name: "status", Type: bigquery.StringFieldType},
	{Name: "timestamp", Type: bigquery.TimestampFieldType},
	{Name: "processed_at", Type: bigquery.TimestampFieldType},
	{Name: "retry_count", Type: bigquery.IntegerFieldType},
	{Name: "data", Type: bigquery.JSONFieldType},
	{Name: "attributes", Type: bigquery.JSONFieldType},
	{Name: "ttl", Type: bigquery.IntegerFieldType},
}

// recordRow adapts one event record to a streaming-insert row. The event id
// doubles as the BigQuery insert id, so redelivered batches get best-effort
// dedup on the archive side as well.
type recordRow struct {
	rec *events.Record
}

func (r recordRow) Save() (map[string]bigquery.Value, string, error) {
	dataJSON, err := json.Marshal(r.rec.Data)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode event data for %s: %w", r.rec.EventID, err)
	}
	attrsJSON, err := json.Marshal(r.rec.Attributes)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode event attributes for %s: %w", r.rec.EventID, err)
	}

	row := map[string]bigquery.Value{
		"event_id":     r.rec.EventID,
		"event_name":   r.rec.EventName,
		"source":       r.rec.Source,
		"status":       r.rec.Status,
		"timestamp":    r.rec.Timestamp,
		"processed_at": r.rec.ProcessedAt,
		"retry_count":  r.rec.RetryCount,
		"data":         string(dataJSON),
		"attributes":   string(attrsJSON),
	}
	if r.rec.TTL > 0 {
		row["ttl"] = r.rec.TTL
	}
	return row, r.rec.EventID, nil
}

// RecordInserter streams event records into a BigQuery archive table. It
// implements DataInserter[events.Record] for the batch worker.
type RecordInserter struct {
	inserter *bigquery.Inserter
	logger   zerolog.Logger
}

// NewRecordInserter creates an inserter for the configured table, creating the
// table with the archive schema when it does not exist yet.
func NewRecordInserter(ctx context.Context, client *bigquery.Client, cfg *BigQueryConfig, logger zerolog.Logger) (*RecordInserter, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	if cfg == nil {
		return nil, errors.New("BigQueryConfig cannot be nil")
	}

	logger = logger.With().Str("component", "RecordInserter").Str("dataset_id", cfg.DatasetID).Str("table_id", cfg.TableID).Logger()

	tableRef := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	if _, err := tableRef.Metadata(ctx); err != nil {
		if !strings.Contains(err.Error(), "notFound") {
			return nil, fmt.Errorf("failed to get BigQuery table metadata: %w", err)
		}
		logger.Warn().Msg("Archive table not found, creating it.")
		if createErr := tableRef.Create(ctx, &bigquery.TableMetadata{Schema: recordSchema}); createErr != nil {
			return nil, fmt.Errorf("failed to create archive table %s.%s: %w", cfg.DatasetID, cfg.TableID, createErr)
		}
	}

	return &RecordInserter{
		inserter: tableRef.Inserter(),
		logger:   logger,
	}, nil
}

// InsertBatch streams a batch of records. Row-level failures are logged with
// the event id they belong to before the aggregate error is returned.
func (i *RecordInserter) InsertBatch(ctx context.Context, records []*events.Record) error {
	if len(records) == 0 {
		return nil
	}

	rows := make([]recordRow, len(records))
	for n, rec := range records {
		rows[n] = recordRow{rec: rec}
	}

	if err := i.inserter.Put(ctx, rows); err != nil {
		var multiErr bigquery.PutMultiError
		if errors.As(err, &multiErr) {
			for _, rowErr := range multiErr {
				id := "unknown"
				if rowErr.RowIndex < len(records) {
					id = records[rowErr.RowIndex].EventID
				}
				i.logger.Error().Str("event_id", id).Msgf("Archive insert rejected row: %v", rowErr.Errors)
			}
		}
		return fmt.Errorf("archive insert of %d records failed: %w", len(records), err)
	}
	i.logger.Debug().Int("batch_size", len(records)).Msg("Archived record batch.")
	return nil
}

// Close is a no-op; the BigQuery client's lifecycle is managed externally.
func (i *RecordInserter) Close() error {
	return nil
}
