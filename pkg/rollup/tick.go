package rollup

import "time"

const (
	tickPeriodMillis = 60000

	// Passes run 10 seconds past each minute so that agents have flushed the
	// previous minute's data.
	tickOffsetMillis = 10000
)

// MillisUntilNextTick returns the delay from nowMillis (unix millis) to the
// next pass, in (0, 60000]. A caller exactly on a tick waits a full period.
func MillisUntilNextTick(nowMillis int64) int64 {
	m := ((nowMillis-tickOffsetMillis)%tickPeriodMillis + tickPeriodMillis) % tickPeriodMillis
	return tickPeriodMillis - m
}

// untilNextTick is MillisUntilNextTick as a duration
func untilNextTick(now time.Time) time.Duration {
	return time.Duration(MillisUntilNextTick(now.UnixMilli())) * time.Millisecond
}
