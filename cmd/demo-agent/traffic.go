package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// SyntheticRecorder records synthetic monitor runs
type SyntheticRecorder interface {
	RecordSynthetic(name string, d time.Duration, err error)
}

var endpoints = []string{"/api/users", "/api/orders", "/api/products"}

// simulateTraffic requests the demo endpoints in turn and runs a synthetic
// health check against the app every interval
func simulateTraffic(ctx context.Context, baseURL string, interval time.Duration, rec SyntheticRecorder, logger *zap.Logger) {
	client := &http.Client{Timeout: 5 * time.Second}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ep := endpoints[n%len(endpoints)]
		if _, err := get(ctx, client, baseURL+ep); err != nil {
			logger.Warn("simulated request failed", zap.String("endpoint", ep), zap.Error(err))
		}

		start := time.Now()
		status, err := get(ctx, client, baseURL+"/health")
		if err == nil && status != http.StatusOK {
			err = fmt.Errorf("health returned %d", status)
		}
		rec.RecordSynthetic("health-check", time.Since(start), err)
	}
}

func get(ctx context.Context, client *http.Client, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
