package export

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinyapm/pkg/httpx"
	"github.com/nicktill/tinyapm/pkg/metrics"
	"github.com/nicktill/tinyapm/pkg/storage"
)

const (
	// DefaultExportWindow is the time range exported when start is omitted
	DefaultExportWindow = 24 * time.Hour

	// MaxExportWindow is the largest time range one export may cover
	MaxExportWindow = 30 * 24 * time.Hour

	// MaxImportBytes limits the size of an uploaded backup
	MaxImportBytes = 256 << 20
)

// Handler serves the backup and restore endpoints
type Handler struct {
	exporter *Exporter
	importer *Importer
	logger   *zap.Logger
}

// NewHandler creates a new export/import handler
func NewHandler(store storage.Storage, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		exporter: NewExporter(store),
		importer: NewImporter(store),
		logger:   logger.Named("export"),
	}
}

// HandleExport handles GET /v1/export
// Query params:
//   - format: "json" or "csv" (default: json)
//   - start, end: RFC3339 timestamps (default: the last 24h)
//   - agent_id, kind, resolution, metric: optional filters
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	format := query.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "format must be json or csv")
		return
	}

	end, err := parseTimeParam(query.Get("end"), time.Now())
	if err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid end: "+err.Error())
		return
	}
	start, err := parseTimeParam(query.Get("start"), end.Add(-DefaultExportWindow))
	if err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid start: "+err.Error())
		return
	}
	if !start.Before(end) {
		httpx.RespondErrorString(w, http.StatusBadRequest, "start must be before end")
		return
	}
	if end.Sub(start) > MaxExportWindow {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("time range too large, maximum is %v", MaxExportWindow))
		return
	}

	opts := ExportOptions{
		Start:      start,
		End:        end,
		Agent:      query.Get("agent_id"),
		Kind:       metrics.Kind(query.Get("kind")),
		Resolution: query.Get("resolution"),
		Format:     format,
	}
	if name := query.Get("metric"); name != "" {
		opts.MetricNames = []string{name}
	}

	filename := fmt.Sprintf("tinyapm-export-%s.%s", time.Now().UTC().Format("20060102-150405"), format)
	if format == "json" {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/csv")
	}
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)

	var result *ExportResult
	if format == "json" {
		result, err = h.exporter.ExportToJSON(r.Context(), w, opts)
	} else {
		result, err = h.exporter.ExportToCSV(r.Context(), w, opts)
	}
	if err != nil {
		// Headers may already be out; the body is truncated either way.
		h.logger.Error("export failed", zap.Error(err))
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}

	h.logger.Info("exported rows",
		zap.Int("rows", result.RowsExported),
		zap.String("format", format),
		zap.String("range", result.TimeRange))
}

// HandleImport handles POST /v1/import with a JSON backup body
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "application/json" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "Content-Type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxImportBytes)
	result, err := h.importer.ImportFromJSON(r.Context(), r.Body)
	if err != nil {
		h.logger.Error("import failed", zap.Error(err))
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	if len(result.Errors) > 0 {
		h.logger.Warn("import skipped invalid rows",
			zap.Int("skipped", len(result.Errors)),
			zap.Strings("first", result.Errors[:min(10, len(result.Errors))]))
	}
	h.logger.Info("imported rows",
		zap.Int("rows", result.RowsImported),
		zap.Int("batches", result.BatchesWritten),
		zap.String("range", result.TimeRange))

	httpx.RespondJSON(w, http.StatusOK, result)
}

// parseTimeParam parses an RFC3339 timestamp, or returns def when param is empty
func parseTimeParam(param string, def time.Time) (time.Time, error) {
	if param == "" {
		return def, nil
	}
	if t, err := time.Parse(time.RFC3339, param); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05", param)
}
