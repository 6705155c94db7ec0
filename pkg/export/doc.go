// Package export backs up and restores stored telemetry rows.
//
// A JSON backup holds raw samples and rolled-up rows exactly as stored,
// including the statistic labels of aggregates, so a restore feeds the
// rollup and alert checks the same data they saw before. CSV output is for
// spreadsheets and cannot be imported.
//
// Export endpoint: GET /v1/export
//
//	curl "http://localhost:8080/v1/export?agent_id=prod&resolution=1m" -o backup.json
//
// Import endpoint: POST /v1/import
//
//	curl -X POST "http://localhost:8080/v1/import" \
//	  -H "Content-Type: application/json" \
//	  -d @backup.json
//
// Limits: an export covers at most 30 days, an import is written in batches
// of 5,000 rows, and rows timestamped more than a day ahead are skipped.
package export
