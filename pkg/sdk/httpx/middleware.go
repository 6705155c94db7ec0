// Package httpx records HTTP requests as Web transactions.
package httpx

import (
	"net/http"
	"regexp"
	"strconv"
	"time"
)

// WebTransactionType is the transaction type of HTTP requests
const WebTransactionType = "Web"

// Recorder records completed transactions
type Recorder interface {
	RecordTransaction(transactionType, name string, d time.Duration, labels map[string]string)
}

var (
	numericID = regexp.MustCompile(`/\d+`)
	uuidID    = regexp.MustCompile(`/[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
)

// Middleware returns HTTP middleware that records every request as a Web
// transaction named "METHOD /normalized/path", labelled with its status code.
//
//	handler := httpx.Middleware(client)(mux)
func Middleware(rec Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			rec.RecordTransaction(WebTransactionType,
				r.Method+" "+normalizePath(r.URL.Path),
				time.Since(start),
				map[string]string{"status": strconv.Itoa(rw.statusCode)})
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath replaces ids in a path with {id} so transaction names stay
// bounded:
//   - /api/users/123 → /api/users/{id}
//   - /api/users/3f0e...-... → /api/users/{id}
func normalizePath(path string) string {
	path = uuidID.ReplaceAllString(path, "/{id}")
	return numericID.ReplaceAllString(path, "/{id}")
}
