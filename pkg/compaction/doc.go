/*
Package compaction rolls telemetry up into coarser time resolutions, bottom-up
through the agent hierarchy.

# Tiers

Each tier is a bucket interval with its own retention (defaults):

	1m  -> 48h
	5m  -> 14 days
	30m -> 90 days
	4h  -> 90 days

Rows of a tier carry the tier name in the "__resolution__" label and keep
sum, count, min and max, so any tier can be merged again without loss:

	raw samples -> 1m -> 5m -> 30m -> 4h

# Hierarchy

A leaf agent buckets its own raw samples into the first tier. It then writes
those rows to its parent as contributions, labelled "__child__" with its id.
A parent merges its children's contributions into its own first tier rows and
contributes them to its own parent in turn. Coarser tiers are always merged
from the agent's own rows of the tier below.

The scheduler walks the tree in post-order, so by the time a parent rolls up,
every child has written its contributions for the same buckets.

# Idempotency

Each pass recomputes the last LookbackBuckets completed buckets of every tier.
A row is identified by agent, name, labels, resolution, child and bucket, so a
recomputed bucket overwrites the previous row instead of adding to it.

# Usage

	c := compaction.New(store, metrics.TransactionKind, cfg,
	    compaction.WithQueryTexts(dedupStore),
	    compaction.WithLogger(logger))

	// called by the scheduler for every agent rollup
	err := c.Rollup(ctx, "prod/web/host-1", "prod/web", true)
*/
package compaction
