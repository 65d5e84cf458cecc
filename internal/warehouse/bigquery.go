package warehouse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"

	"monthlypay/internal/core"
	"monthlypay/internal/log"
)

// DefaultTable is the table the compensation view is materialised into.
const DefaultTable = "monthly_compensation"

// compensationRow is one NDJSON line of a load job. Column names follow
// the JSON names of the record.
type compensationRow struct {
	core.MonthlyCompensationRecord
	ComputedAt time.Time `json:"computed_at"`
}

var columns = []struct {
	name string
	typ  bigquery.FieldType
}{
	{"source_id", bigquery.StringFieldType},
	{"year", bigquery.IntegerFieldType},
	{"month", bigquery.IntegerFieldType},
	{"member_id", bigquery.StringFieldType},
	{"display_name", bigquery.StringFieldType},
	{"legal_name", bigquery.StringFieldType},
	{"is_corporate", bigquery.BooleanFieldType},
	{"is_donation", bigquery.BooleanFieldType},
	{"is_licensed", bigquery.BooleanFieldType},
	{"position_rate", bigquery.BigNumericFieldType},
	{"qualification_allowance", bigquery.BigNumericFieldType},
	{"work_hours", bigquery.BigNumericFieldType},
	{"hour_compensation", bigquery.BigNumericFieldType},
	{"travel_distance_km", bigquery.BigNumericFieldType},
	{"distance_compensation", bigquery.BigNumericFieldType},
	{"daily_wage_count", bigquery.IntegerFieldType},
	{"full_day_compensation", bigquery.BigNumericFieldType},
	{"total_work_hours", bigquery.BigNumericFieldType},
	{"subtotal_compensation", bigquery.BigNumericFieldType},
	{"position_adjusted_compensation", bigquery.BigNumericFieldType},
	{"qualification_adjusted_compensation", bigquery.BigNumericFieldType},
	{"withholding_target_amount", bigquery.BigNumericFieldType},
	{"withholding_tax", bigquery.BigNumericFieldType},
	{"dx_subsidy", bigquery.BigNumericFieldType},
	{"reimbursement", bigquery.BigNumericFieldType},
	{"payment", bigquery.BigNumericFieldType},
	{"donation_payment", bigquery.BigNumericFieldType},
	{"member_missing", bigquery.BooleanFieldType},
	{"computed_at", bigquery.TimestampFieldType},
}

// Schema returns the table schema of the published view.
func Schema() bigquery.Schema {
	s := make(bigquery.Schema, len(columns))
	for i, c := range columns {
		s[i] = &bigquery.FieldSchema{Name: c.name, Type: c.typ, Required: i < 3}
	}
	return s
}

// encodeRows renders records as newline-delimited JSON. Decimals are
// written as strings so no precision is lost in transit.
func encodeRows(records []core.MonthlyCompensationRecord, computedAt time.Time) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(compensationRow{MonthlyCompensationRecord: r, ComputedAt: computedAt.UTC()}); err != nil {
			return nil, fmt.Errorf("encode %s: %w", r.Key, err)
		}
	}
	return buf.Bytes(), nil
}

type loadFunc func(ctx context.Context, data []byte) error

// Publisher replaces the warehouse table on every publish (WRITE_TRUNCATE).
type Publisher struct {
	load    loadFunc
	tableID string
	logger  *log.Logger
}

func NewPublisher(client *bigquery.Client, dataset, table string) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("bigquery client not initialized")
	}
	if dataset == "" {
		return nil, errors.New("missing dataset")
	}
	if table == "" {
		table = DefaultTable
	}
	t := client.Dataset(dataset).Table(table)
	load := func(ctx context.Context, data []byte) error {
		src := bigquery.NewReaderSource(bytes.NewReader(data))
		src.SourceFormat = bigquery.JSON
		src.Schema = Schema()

		loader := t.LoaderFrom(src)
		loader.WriteDisposition = bigquery.WriteTruncate
		loader.CreateDisposition = bigquery.CreateIfNeeded

		job, err := loader.Run(ctx)
		if err != nil {
			return fmt.Errorf("start load job: %w", err)
		}
		status, err := job.Wait(ctx)
		if err != nil {
			return fmt.Errorf("wait for load job %s: %w", job.ID(), err)
		}
		if err := status.Err(); err != nil {
			return fmt.Errorf("load job %s: %w", job.ID(), err)
		}
		return nil
	}
	return newPublisher(load, client.Project()+"."+dataset+"."+table), nil
}

func newPublisher(load loadFunc, tableID string) *Publisher {
	return &Publisher{
		load:    load,
		tableID: tableID,
		logger:  log.NewComponentLogger(log.ComponentWarehouse),
	}
}

// PublishCompensation truncates the table and loads records. An empty
// result is not published so a bad run cannot blank the warehouse.
func (p *Publisher) PublishCompensation(ctx context.Context, records []core.MonthlyCompensationRecord, computedAt time.Time) error {
	if len(records) == 0 {
		p.logger.WarnContext(ctx, "Nothing to publish", log.FieldTable, p.tableID)
		return nil
	}
	data, err := encodeRows(records, computedAt)
	if err != nil {
		return err
	}
	if err := p.load(ctx, data); err != nil {
		return fmt.Errorf("publish to %s: %w", p.tableID, err)
	}
	p.logger.InfoContext(ctx, "Published compensation table",
		log.FieldTable, p.tableID,
		log.FieldRows, len(records))
	return nil
}
