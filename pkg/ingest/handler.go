// Package ingest accepts telemetry and full query texts from agents.
package ingest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/nicktill/tinyapm/pkg/agent"
	"github.com/nicktill/tinyapm/pkg/config"
	"github.com/nicktill/tinyapm/pkg/httpx"
	"github.com/nicktill/tinyapm/pkg/metrics"
	"github.com/nicktill/tinyapm/pkg/storage"
)

var validate = validator.New()

// QueryTexts stores and resolves full query texts
type QueryTexts interface {
	Store(ctx context.Context, agentID, hash, text string) ([]*storage.Pending, error)
	Lookup(ctx context.Context, agentID, hash string) (string, bool, error)
}

// AgentRegistry records agents as they report
type AgentRegistry interface {
	Store(agentID string) (string, error)
}

// HeartbeatRecorder records that an agent is alive
type HeartbeatRecorder interface {
	Record(ctx context.Context, agentID string, ts time.Time) error
}

// Handler handles telemetry ingestion
type Handler struct {
	storage     storage.Storage
	texts       QueryTexts
	registry    AgentRegistry
	heartbeats  HeartbeatRecorder
	cardinality *CardinalityTracker
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures a Handler
type Option func(*Handler)

// WithQueryTexts enables full query text ingestion
func WithQueryTexts(texts QueryTexts) Option {
	return func(h *Handler) { h.texts = texts }
}

// WithRegistry registers reporting agents
func WithRegistry(registry AgentRegistry) Option {
	return func(h *Handler) { h.registry = registry }
}

// WithHeartbeats records a heartbeat on every ingest
func WithHeartbeats(heartbeats HeartbeatRecorder) Option {
	return func(h *Handler) { h.heartbeats = heartbeats }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// NewHandler creates a new ingest handler
func NewHandler(store storage.Storage, opts ...Option) *Handler {
	h := &Handler{
		storage:     store,
		cardinality: NewCardinalityTracker(),
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.Named("ingest")
	return h
}

// QueryText is a full query text. SHA1 is optional; when present it must
// match the text.
type QueryText struct {
	SHA1 string `json:"sha1,omitempty" validate:"omitempty,len=40,hexadecimal"`
	Text string `json:"text" validate:"required,max=1048576"`
}

// IngestRequest represents the request payload
type IngestRequest struct {
	AgentID    string           `json:"agent_id" validate:"required,max=512"`
	Metrics    []metrics.Metric `json:"metrics"`
	QueryTexts []QueryText      `json:"query_texts,omitempty" validate:"dive"`
}

// IngestResponse represents the response payload
type IngestResponse struct {
	Status     string   `json:"status"`
	AgentID    string   `json:"agent_id"`
	Count      int      `json:"count"`
	QueryTexts []string `json:"query_texts,omitempty"`
}

// HandleIngest handles the /v1/ingest endpoint. Query texts are stored and
// durable before any sample referencing them is written.
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, config.IngestMaxBodyBytes)

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	if len(req.Metrics) > config.IngestMaxMetrics {
		httpx.RespondError(w, http.StatusBadRequest, ErrTooManyMetrics)
		return
	}
	if len(req.QueryTexts) > config.IngestMaxQueryTexts {
		httpx.RespondError(w, http.StatusBadRequest, ErrTooManyQueryTexts)
		return
	}
	if err := validate.Struct(req); err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	agentID, err := agent.Normalize(req.AgentID)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	now := h.now()
	samples := make([]metrics.Metric, len(req.Metrics))
	for i, m := range req.Metrics {
		if err := ValidateMetric(m); err != nil {
			httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid metric %d: %v", i, err))
			return
		}
		m.Agent = agentID
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		samples[i] = m
	}

	hashes := make([]string, len(req.QueryTexts))
	for i, qt := range req.QueryTexts {
		hash := HashText(qt.Text)
		if qt.SHA1 != "" && !strings.EqualFold(qt.SHA1, hash) {
			httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("query text %d: %v", i, ErrHashMismatch))
			return
		}
		hashes[i] = hash
	}

	if err := h.cardinality.Admit(samples); err != nil {
		httpx.RespondError(w, http.StatusTooManyRequests, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.IngestTimeout)
	defer cancel()

	if len(hashes) > 0 {
		if h.texts == nil {
			httpx.RespondErrorString(w, http.StatusNotImplemented, "query texts are not accepted by this server")
			return
		}
		var pending []*storage.Pending
		for i, hash := range hashes {
			p, err := h.texts.Store(ctx, agentID, hash, req.QueryTexts[i].Text)
			if err != nil {
				h.fail(w, agentID, "failed to store query text", err)
				return
			}
			pending = append(pending, p...)
		}
		if err := storage.WaitAll(ctx, pending); err != nil {
			h.fail(w, agentID, "failed to store query text", err)
			return
		}
	}

	if len(samples) > 0 {
		if err := h.storage.Write(ctx, samples); err != nil {
			h.fail(w, agentID, "failed to write samples", err)
			return
		}
	}

	if h.registry != nil {
		if _, err := h.registry.Store(agentID); err != nil {
			h.fail(w, agentID, "failed to register agent", err)
			return
		}
	}
	if h.heartbeats != nil {
		if err := h.heartbeats.Record(ctx, agentID, now); err != nil {
			h.fail(w, agentID, "failed to record heartbeat", err)
			return
		}
	}

	httpx.RespondJSON(w, http.StatusOK, IngestResponse{
		Status:     "success",
		AgentID:    agentID,
		Count:      len(samples),
		QueryTexts: hashes,
	})
}

// QueryTextResponse is returned by HandleQueryText
type QueryTextResponse struct {
	AgentID string `json:"agent_id"`
	SHA1    string `json:"sha1"`
	Text    string `json:"text"`
}

// HandleQueryText handles GET /v1/query-text?agent_id=&sha1=
func (h *Handler) HandleQueryText(w http.ResponseWriter, r *http.Request) {
	if h.texts == nil {
		httpx.RespondErrorString(w, http.StatusNotImplemented, "query texts are not stored by this server")
		return
	}

	agentID := r.URL.Query().Get("agent_id")
	hash := strings.ToLower(r.URL.Query().Get("sha1"))
	if agentID == "" || hash == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "agent_id and sha1 are required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.IngestQueryTimeout)
	defer cancel()

	text, ok, err := h.texts.Lookup(ctx, agentID, hash)
	if err != nil {
		h.fail(w, agentID, "failed to read query text", err)
		return
	}
	if !ok {
		httpx.RespondErrorString(w, http.StatusNotFound, "query text not found")
		return
	}
	httpx.RespondJSON(w, http.StatusOK, QueryTextResponse{AgentID: agentID, SHA1: hash, Text: text})
}

// StatsResponse is returned by HandleStats
type StatsResponse struct {
	Storage     *storage.Stats   `json:"storage"`
	Cardinality CardinalityStats `json:"cardinality"`
}

// HandleStats handles GET /v1/stats
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.IngestStatsTimeout)
	defer cancel()

	stats, err := h.storage.Stats(ctx)
	if err != nil {
		h.fail(w, "", "failed to read storage stats", err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, StatsResponse{
		Storage:     stats,
		Cardinality: h.cardinality.Stats(),
	})
}

func (h *Handler) fail(w http.ResponseWriter, agentID, msg string, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	h.logger.Error(msg, zap.String("agent_id", agentID), zap.Error(err))
	httpx.RespondErrorString(w, status, fmt.Sprintf("%s: %v", msg, err))
}

// HashText returns the lowercase hex sha1 of a query text
func HashText(text string) string {
	sum := sha1.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}
