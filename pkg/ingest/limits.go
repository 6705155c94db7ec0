package ingest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nicktill/tinyapm/pkg/config"
	"github.com/nicktill/tinyapm/pkg/metrics"
)

// Cardinality and validation limits
const (
	// Per-metric limits
	MaxLabelsPerMetric  = 20   // Maximum labels per metric
	MaxLabelKeyLength   = 256  // Maximum label key length
	MaxLabelValueLength = 1024 // Maximum label value length
	MaxMetricNameLength = 256  // Maximum metric name length

	// Per-agent limits
	MaxSeriesPerAgent  = 20000 // Maximum unique series one agent may report
	MaxSeriesPerMetric = 5000  // Maximum series per metric name and agent
)

var (
	// ErrTooManyLabels is returned when a metric has too many labels
	ErrTooManyLabels = fmt.Errorf("too many labels (max %d)", MaxLabelsPerMetric)

	// ErrLabelKeyTooLong is returned when a label key is too long
	ErrLabelKeyTooLong = fmt.Errorf("label key too long (max %d chars)", MaxLabelKeyLength)

	// ErrLabelValueTooLong is returned when a label value is too long
	ErrLabelValueTooLong = fmt.Errorf("label value too long (max %d chars)", MaxLabelValueLength)

	// ErrReservedLabel is returned for label keys starting with '_'
	ErrReservedLabel = errors.New("label keys starting with '_' are reserved")

	// ErrMetricNameTooLong is returned when a metric name is too long
	ErrMetricNameTooLong = fmt.Errorf("metric name too long (max %d chars)", MaxMetricNameLength)

	// ErrMetricNameEmpty is returned when a metric name is empty
	ErrMetricNameEmpty = errors.New("metric name cannot be empty")

	// ErrInvalidKind is returned for kinds agents may not report
	ErrInvalidKind = errors.New("kind must be transaction, gauge or synthetic")

	// ErrCardinalityLimit is returned when an agent reports too many series
	ErrCardinalityLimit = fmt.Errorf("cardinality limit exceeded (max %d series per agent)", MaxSeriesPerAgent)

	// ErrMetricCardinalityLimit is returned when a single metric's series limit is exceeded
	ErrMetricCardinalityLimit = fmt.Errorf("metric cardinality limit exceeded (max %d series per metric)", MaxSeriesPerMetric)

	// ErrTooManyMetrics is returned when an ingest request contains too many metrics
	ErrTooManyMetrics = fmt.Errorf("too many metrics in request (max %d)", config.IngestMaxMetrics)

	// ErrTooManyQueryTexts is returned when an ingest request carries too many query texts
	ErrTooManyQueryTexts = fmt.Errorf("too many query texts in request (max %d)", config.IngestMaxQueryTexts)

	// ErrHashMismatch is returned when a query text does not hash to its declared sha1
	ErrHashMismatch = errors.New("query text does not match its sha1")
)

// ValidateMetric validates a metric reported by an agent
func ValidateMetric(m metrics.Metric) error {
	if m.Name == "" {
		return ErrMetricNameEmpty
	}
	if len(m.Name) > MaxMetricNameLength {
		return fmt.Errorf("%w: %q has %d chars", ErrMetricNameTooLong, m.Name, len(m.Name))
	}

	switch m.Kind {
	case metrics.TransactionKind, metrics.GaugeKind, metrics.SyntheticKind:
	default:
		return fmt.Errorf("%w: metric %q has kind %q", ErrInvalidKind, m.Name, m.Kind)
	}

	if len(m.Labels) > MaxLabelsPerMetric {
		return fmt.Errorf("%w: metric %q has %d labels", ErrTooManyLabels, m.Name, len(m.Labels))
	}

	for k, v := range m.Labels {
		if strings.HasPrefix(k, "_") {
			return fmt.Errorf("%w: key %q in metric %q", ErrReservedLabel, k, m.Name)
		}
		if len(k) > MaxLabelKeyLength {
			return fmt.Errorf("%w: key %q in metric %q", ErrLabelKeyTooLong, k, m.Name)
		}
		if len(v) > MaxLabelValueLength {
			return fmt.Errorf("%w: value for key %q in metric %q", ErrLabelValueTooLong, k, m.Name)
		}
	}

	return nil
}
