/*
Package storage provides the pluggable storage abstraction for TinyAPM.

# Storage Interfaces

Two interfaces cover everything the central node persists:

  - Storage holds telemetry samples: raw samples reported by agents and the
    rolled-up aggregates of every tier, for every agent rollup id.
  - TextStore holds full query texts, deduplicated by SHA-1 across agents.

Backends:
  - memory: In-memory storage for testing and development
  - badger: BadgerDB (LSM tree + Snappy compression) for persistent storage

# Resolution Levels

Rollup tiers are stored as a special label "__resolution__":
  - Raw samples: no __resolution__ label
  - Tier aggregates: __resolution__="1m", "5m", "30m", "4h"

Tier-0 rows contributed by a child agent rollup carry "__child__" with the
child's id, so that a parent holds one series per child until it merges them.

# Query Texts

TextStore keeps two relations:

	check[(agentID, hash)] -> presence
	content[hash]          -> text

Both rows carry a TTL and expire on their own. Writes are asynchronous and
return a *Pending handle that resolves when the write is durable:

	p := store.WriteText(hash, text, ttl)
	if err := p.Wait(ctx); err != nil {
	    // write failed
	}

# Retention & Deletion

	// Delete raw samples older than two hours
	store.Delete(ctx, storage.DeleteOptions{
	    Before:     time.Now().Add(-2 * time.Hour),
	    Resolution: metrics.ResolutionRaw,
	})

	// Delete every sample (all resolutions) older than 90 days
	store.Delete(ctx, storage.DeleteOptions{
	    Before: time.Now().Add(-90 * 24 * time.Hour),
	})

# Best Practices

1. Always call Close() when done to flush pending writes
2. Use context.WithTimeout() to prevent hung queries
3. Batch writes when possible (pass []Metric instead of single samples)
*/
package storage
