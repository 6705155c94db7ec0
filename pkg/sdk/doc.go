/*
Package sdk is the reporting side of a tinyapm agent embedded in a Go
application.

	client, err := sdk.New(sdk.ClientConfig{
	    AgentID:  "prod/web/host-1",
	    Endpoint: "http://central:8080/v1/ingest",
	})
	if err != nil {
	    log.Fatal(err)
	}
	client.Start(ctx)
	defer client.Stop()

	handler := httpx.Middleware(client)(mux)

The agent id is a '/' separated rollup path. The central node rolls the
agent's data up into every prefix of the path, so "prod/web" and "prod"
see the aggregate of all their hosts.

# What gets reported

Transactions are recorded in milliseconds and grouped by transaction type:

	client.RecordTransaction("Background", "nightly-import", time.Since(start), nil)

Queries carry their full text. The text is sent once per report and the
sample references it by sha1, so a long statement is stored once no matter
how often it runs:

	client.RecordQuery("Web", "jdbc", "select * from orders where id = ?", d)

Gauges are sampled values; the client adds Go runtime gauges (goroutines,
heap, GC) every 15 seconds unless ClientConfig.RuntimeEvery is negative:

	client.SetGauge("queue_depth", float64(len(queue)), map[string]string{"queue": "emails"})

Synthetic monitor runs record their duration and outcome:

	client.RecordSynthetic("login-check", d, err)

# Delivery

Samples are batched and flushed every FlushEvery (5s by default) or when a
batch fills up. A report that fails with a network error, 429 or 5xx is
retried a few times; after that its samples are dropped and counted.
*/
package sdk
