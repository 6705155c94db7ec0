package main

import (
	"context"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Recorder is the part of the sdk client the demo handlers use
type Recorder interface {
	RecordTransaction(transactionType, name string, d time.Duration, labels map[string]string)
	RecordQuery(transactionType, name, queryText string, d time.Duration)
	SetGauge(name string, value float64, labels map[string]string)
}

const (
	usersQuery    = "select id, name, email from users order by created_at desc limit 50"
	ordersQuery   = "select o.id, o.total, c.name from orders o join customers c on c.id = o.customer_id where o.status = ? order by o.created_at desc"
	productsQuery = "select id, name, price from products where active = true"
)

type app struct {
	rec    Recorder
	logger *zap.Logger
	queue  atomic.Int64
}

func newApp(rec Recorder, logger *zap.Logger) *app {
	return &app{rec: rec, logger: logger}
}

func (a *app) routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/users", a.handleQuery(usersQuery, 50, 50))
	mux.HandleFunc("/api/orders", a.handleQuery(ordersQuery, 80, 40))
	mux.HandleFunc("/api/products", a.handleQuery(productsQuery, 30, 30))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
}

// handleQuery simulates an endpoint running one database query that takes
// base plus up to jitter milliseconds. About 2% of requests fail.
func (a *app) handleQuery(query string, base, jitter int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		latency := time.Duration(base+rand.Intn(jitter)) * time.Millisecond
		time.Sleep(latency)
		a.rec.RecordQuery("Web", "sql", query, latency)
		a.queue.Add(1)

		if rand.Float32() < 0.02 {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}
}

// runQueue drains the simulated work queue in the background, recording each
// batch as a Background transaction and the queue depth as a gauge.
func (a *app) runQueue(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth := a.queue.Swap(0)
			a.rec.SetGauge("queue_depth", float64(depth), map[string]string{"queue": "emails"})
			if depth == 0 {
				continue
			}
			start := time.Now()
			time.Sleep(time.Duration(depth) * time.Millisecond)
			a.rec.RecordTransaction("Background", "send-emails", time.Since(start), nil)
			a.logger.Debug("drained queue", zap.Int64("items", depth))
		}
	}
}
