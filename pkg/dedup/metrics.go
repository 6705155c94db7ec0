package dedup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	writesIssuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tinyapm_query_text_writes_total",
		Help: "Full query text rows written, by relation",
	}, []string{"relation"})

	writesSuppressedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tinyapm_query_text_writes_suppressed_total",
		Help: "Full query text writes skipped by the rate limiter",
	})

	writeFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tinyapm_query_text_write_failures_total",
		Help: "Full query text writes that failed, by relation",
	}, []string{"relation"})

	missingContentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tinyapm_query_text_missing_content_total",
		Help: "Check rows found without their content row",
	})
)
