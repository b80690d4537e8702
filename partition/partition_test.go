package partition_test

import (
	"testing"
	"time"

	"github.com/chronoq/chronoq/partition"
)

func TestKeyFor_SameBucketSameKey(t *testing.T) {
	width := time.Hour
	a := time.Date(2026, 8, 25, 14, 3, 0, 0, time.UTC)
	b := time.Date(2026, 8, 25, 14, 59, 59, 0, time.UTC)
	c := time.Date(2026, 8, 25, 15, 0, 0, 0, time.UTC)

	if partition.KeyFor(a, width) != partition.KeyFor(b, width) {
		t.Error("times in the same bucket produced different keys")
	}
	if partition.KeyFor(a, width) == partition.KeyFor(c, width) {
		t.Error("times in adjacent buckets produced the same key")
	}
}

func TestKeyFor_NormalizesToUTC(t *testing.T) {
	width := time.Hour
	utc := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)
	offset := utc.In(time.FixedZone("plus2", 2*3600))

	if partition.KeyFor(utc, width) != partition.KeyFor(offset, width) {
		t.Error("same instant in different zones produced different keys")
	}
}

func TestWindow_CoversLookback(t *testing.T) {
	now := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)

	keys := partition.Window(now, time.Hour, 2*time.Hour)
	if len(keys) != 3 {
		t.Fatalf("Window returned %d keys, want 3", len(keys))
	}

	// Oldest first; current bucket last.
	if keys[len(keys)-1] != partition.KeyFor(now, time.Hour) {
		t.Error("window does not end at the current bucket")
	}
	if keys[0] != partition.KeyFor(now.Add(-2*time.Hour), time.Hour) {
		t.Error("window does not start at now-lookback")
	}
}

func TestWindow_ZeroLookbackIsCurrentBucketOnly(t *testing.T) {
	now := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)

	keys := partition.Window(now, time.Hour, 0)
	if len(keys) != 1 || keys[0] != partition.KeyFor(now, time.Hour) {
		t.Errorf("Window = %v, want just the current bucket", keys)
	}
}

func TestRing_OwnerIsStable(t *testing.T) {
	r := partition.NewRing([]string{"disp-a", "disp-b", "disp-c"})

	for _, key := range []string{"100", "200", "300", "400"} {
		first := r.Owner(key)
		if first == "" {
			t.Fatalf("Owner(%q) = empty on a populated ring", key)
		}
		for range 10 {
			if got := r.Owner(key); got != first {
				t.Fatalf("Owner(%q) flapped: %q then %q", key, first, got)
			}
		}
	}
}

func TestRing_DisjointOwnership(t *testing.T) {
	nodes := []string{"disp-a", "disp-b", "disp-c"}
	r := partition.NewRing(nodes)

	// Each key is owned by exactly one node.
	for i := 0; i < 50; i++ {
		key := partition.KeyFor(time.Unix(int64(i)*3600, 0), time.Hour)
		owners := 0
		for _, n := range nodes {
			if r.Owns(n, key) {
				owners++
			}
		}
		if owners != 1 {
			t.Errorf("key %q has %d owners, want 1", key, owners)
		}
	}
}

func TestRing_RemovingNodeOnlyMovesItsKeys(t *testing.T) {
	full := partition.NewRing([]string{"disp-a", "disp-b", "disp-c"})
	reduced := partition.NewRing([]string{"disp-a", "disp-b"})

	for i := 0; i < 200; i++ {
		key := partition.KeyFor(time.Unix(int64(i)*3600, 0), time.Hour)
		before := full.Owner(key)
		after := reduced.Owner(key)
		if before != "disp-c" && after != before {
			t.Errorf("key %q moved from %q to %q though its owner stayed in the ring", key, before, after)
		}
	}
}

func TestRing_Empty(t *testing.T) {
	r := partition.NewRing(nil)
	if !r.Empty() {
		t.Error("Empty() = false for an empty ring")
	}
	if got := r.Owner("100"); got != "" {
		t.Errorf("Owner on empty ring = %q, want empty", got)
	}
	if r.Owns("disp-a", "100") {
		t.Error("Owns() = true on an empty ring")
	}
}
