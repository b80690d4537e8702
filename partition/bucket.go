// Package partition shards due-job polling across dispatcher nodes.
//
// Jobs are bucketed into fixed-width time partitions derived from their
// execution time; a consistent hash ring over the live node set assigns
// each bucket to one dispatcher. Ownership is advisory and eventually
// consistent: nodes re-derive their owned set every poll cycle, and the
// per-partition lock (package lock) plus version-gated writes make stale
// ownership harmless.
package partition

import (
	"strconv"
	"time"
)

// DefaultBucketWidth is the partition width used when none is configured.
// Hour-wide buckets keep the partition count low while still spreading a
// day's schedule over many keys.
const DefaultBucketWidth = time.Hour

// KeyFor derives the partition key for an execution time: the bucket start
// in Unix milliseconds. The derivation is deterministic, so any component
// can recompute the key for a rescheduled execution time.
func KeyFor(t time.Time, width time.Duration) string {
	if width <= 0 {
		width = DefaultBucketWidth
	}
	return strconv.FormatInt(t.UTC().Truncate(width).UnixMilli(), 10)
}

// Window returns the partition keys a dispatcher should consider at poll
// time: every bucket from now-lookback through now, oldest first. The
// lookback covers jobs left behind in older buckets by clock skew or a
// dispatcher outage.
func Window(now time.Time, width, lookback time.Duration) []string {
	if width <= 0 {
		width = DefaultBucketWidth
	}
	if lookback < 0 {
		lookback = 0
	}

	start := now.UTC().Add(-lookback).Truncate(width)
	end := now.UTC().Truncate(width)

	keys := make([]string, 0, int(end.Sub(start)/width)+1)
	for t := start; !t.After(end); t = t.Add(width) {
		keys = append(keys, strconv.FormatInt(t.UnixMilli(), 10))
	}
	return keys
}
