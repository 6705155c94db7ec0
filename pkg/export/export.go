package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/nicktill/tinyapm/pkg/metrics"
	"github.com/nicktill/tinyapm/pkg/storage"
)

// FormatVersion is written into every JSON backup
const FormatVersion = "1"

// Exporter writes stored telemetry rows to a backup
type Exporter struct {
	storage storage.Storage
	now     func() time.Time
}

// NewExporter creates a new exporter
func NewExporter(store storage.Storage) *Exporter {
	return &Exporter{storage: store, now: time.Now}
}

// ExportOptions selects the rows to export
type ExportOptions struct {
	Start       time.Time
	End         time.Time
	Agent       string
	Kind        metrics.Kind
	Resolution  string
	MetricNames []string
	Format      string
}

func (o ExportOptions) query() storage.QueryRequest {
	return storage.QueryRequest{
		Start:       o.Start,
		End:         o.End,
		Agent:       o.Agent,
		Kind:        o.Kind,
		Resolution:  o.Resolution,
		MetricNames: o.MetricNames,
	}
}

// ExportResult contains stats about the export operation
type ExportResult struct {
	RowsExported int       `json:"rows_exported"`
	TimeRange    string    `json:"time_range"`
	Format       string    `json:"format"`
	ExportedAt   time.Time `json:"exported_at"`
}

// Metadata describes a JSON backup
type Metadata struct {
	ExportedAt time.Time    `json:"exported_at"`
	StartTime  time.Time    `json:"start_time"`
	EndTime    time.Time    `json:"end_time"`
	Agent      string       `json:"agent,omitempty"`
	Kind       metrics.Kind `json:"kind,omitempty"`
	Resolution string       `json:"resolution,omitempty"`
	RowCount   int          `json:"row_count"`
	Version    string       `json:"version"`
}

// Backup is the JSON backup document
type Backup struct {
	Metadata Metadata         `json:"metadata"`
	Rows     []metrics.Metric `json:"rows"`
}

// ExportToJSON writes the selected rows as a JSON backup that ImportFromJSON
// can restore. Aggregate rows keep their statistic labels.
func (e *Exporter) ExportToJSON(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	rows, err := e.storage.Query(ctx, opts.query())
	if err != nil {
		return nil, fmt.Errorf("failed to query rows: %w", err)
	}

	backup := Backup{
		Metadata: Metadata{
			ExportedAt: e.now(),
			StartTime:  opts.Start,
			EndTime:    opts.End,
			Agent:      opts.Agent,
			Kind:       opts.Kind,
			Resolution: opts.Resolution,
			RowCount:   len(rows),
			Version:    FormatVersion,
		},
		Rows: rows,
	}
	if backup.Rows == nil {
		backup.Rows = []metrics.Metric{}
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(backup); err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}

	return newResult(len(rows), "json", opts, backup.Metadata.ExportedAt), nil
}

// ExportToCSV writes the selected rows as CSV. There is one column per label
// key found in the data; statistic labels of aggregate rows become columns too.
func (e *Exporter) ExportToCSV(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	rows, err := e.storage.Query(ctx, opts.query())
	if err != nil {
		return nil, fmt.Errorf("failed to query rows: %w", err)
	}

	writer := csv.NewWriter(w)
	labelKeys := collectLabelKeys(rows)

	header := []string{"timestamp", "agent", "name", "kind", "resolution", "value"}
	header = append(header, labelKeys...)
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, m := range rows {
		record := []string{
			m.Timestamp.UTC().Format(time.RFC3339Nano),
			m.Agent,
			m.Name,
			string(m.Kind),
			m.Resolution(),
			strconv.FormatFloat(m.Value, 'f', -1, 64),
		}
		for _, key := range labelKeys {
			record = append(record, m.Labels[key])
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}

	return newResult(len(rows), "csv", opts, e.now()), nil
}

func newResult(n int, format string, opts ExportOptions, at time.Time) *ExportResult {
	return &ExportResult{
		RowsExported: n,
		TimeRange:    fmt.Sprintf("%s to %s", opts.Start.Format(time.RFC3339), opts.End.Format(time.RFC3339)),
		Format:       format,
		ExportedAt:   at,
	}
}

// collectLabelKeys returns the label keys of all rows, sorted. The resolution
// label has its own column.
func collectLabelKeys(rows []metrics.Metric) []string {
	keySet := make(map[string]struct{})
	for _, m := range rows {
		for key := range m.Labels {
			if key == metrics.ResolutionLabel {
				continue
			}
			keySet[key] = struct{}{}
		}
	}

	keys := make([]string, 0, len(keySet))
	for key := range keySet {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
