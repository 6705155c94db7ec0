package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nicktill/tinyapm/pkg/compaction"
	"github.com/nicktill/tinyapm/pkg/metrics"
	"github.com/nicktill/tinyapm/pkg/storage"
)

// MaxImportBatchSize is the maximum number of rows written at once
const MaxImportBatchSize = 5000

// Importer restores rows from a JSON backup
type Importer struct {
	storage storage.Storage
	now     func() time.Time
}

// NewImporter creates a new importer
func NewImporter(store storage.Storage) *Importer {
	return &Importer{storage: store, now: time.Now}
}

// ImportResult contains stats about the import operation
type ImportResult struct {
	RowsImported   int       `json:"rows_imported"`
	BatchesWritten int       `json:"batches_written"`
	TimeRange      string    `json:"time_range"`
	ImportedAt     time.Time `json:"imported_at"`
	Errors         []string  `json:"errors,omitempty"`
}

// ImportFromJSON restores the rows of a backup written by ExportToJSON.
// Invalid rows are skipped and reported in Errors.
func (im *Importer) ImportFromJSON(ctx context.Context, r io.Reader) (*ImportResult, error) {
	var backup Backup
	if err := json.NewDecoder(r).Decode(&backup); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}
	if backup.Metadata.Version != "" && backup.Metadata.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported backup version %q", backup.Metadata.Version)
	}

	now := im.now()
	result := &ImportResult{TimeRange: "empty", ImportedAt: now}

	valid := make([]metrics.Metric, 0, len(backup.Rows))
	for i, m := range backup.Rows {
		if err := validateRow(m, now); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: %v", i, err))
			continue
		}
		valid = append(valid, m)
	}
	if len(valid) == 0 {
		return result, nil
	}

	for i := 0; i < len(valid); i += MaxImportBatchSize {
		end := i + MaxImportBatchSize
		if end > len(valid) {
			end = len(valid)
		}
		if err := im.storage.Write(ctx, valid[i:end]); err != nil {
			return nil, fmt.Errorf("failed to write batch %d: %w", result.BatchesWritten, err)
		}
		result.BatchesWritten++
	}

	minTime, maxTime := valid[0].Timestamp, valid[0].Timestamp
	for _, m := range valid {
		if m.Timestamp.Before(minTime) {
			minTime = m.Timestamp
		}
		if m.Timestamp.After(maxTime) {
			maxTime = m.Timestamp
		}
	}
	result.RowsImported = len(valid)
	result.TimeRange = fmt.Sprintf("%s to %s", minTime.Format(time.RFC3339), maxTime.Format(time.RFC3339))
	return result, nil
}

func validateRow(m metrics.Metric, now time.Time) error {
	if m.Name == "" {
		return errors.New("name cannot be empty")
	}
	if m.Agent == "" {
		return errors.New("agent cannot be empty")
	}
	switch m.Kind {
	case metrics.TransactionKind, metrics.GaugeKind, metrics.SyntheticKind, metrics.HeartbeatKind:
	default:
		return fmt.Errorf("invalid kind: %q", m.Kind)
	}
	if m.Timestamp.IsZero() {
		return errors.New("timestamp cannot be zero")
	}
	if m.Timestamp.After(now.Add(24 * time.Hour)) {
		return fmt.Errorf("timestamp too far in future: %s", m.Timestamp)
	}
	if _, ok := m.Labels[metrics.ResolutionLabel]; ok && compaction.FromMetric(m) == nil {
		return errors.New("malformed aggregate statistics")
	}
	return nil
}
