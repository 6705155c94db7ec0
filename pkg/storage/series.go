package storage

import (
	"sort"
	"strings"

	"github.com/nicktill/tinyapm/pkg/metrics"
)

// SeriesKey creates a deterministic string key for a series. Resolution and
// child labels are part of the key so that each rollup tier and each child
// contribution is its own series. Aggregate statistics are not.
func SeriesKey(m metrics.Metric) string {
	var b strings.Builder
	b.WriteString(m.Agent)
	b.WriteByte('|')
	b.WriteString(string(m.Kind))
	b.WriteByte('|')
	b.WriteString(m.Name)

	if len(m.Labels) == 0 {
		return b.String()
	}

	keys := make([]string, 0, len(m.Labels))
	for k := range m.Labels {
		if metrics.IsStatLabel(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		b.WriteByte(',')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m.Labels[k])
	}
	return b.String()
}
