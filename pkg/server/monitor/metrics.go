package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var dataDirBytes = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "tinyapm_data_dir_bytes",
	Help: "Bytes allocated under the data directory",
})
