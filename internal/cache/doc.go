/*
Package cache provides the size- and time-bounded store behind branch data loads.

Entries are keyed by data type and the sorted set of branch ids they cover:

	sales_[1]
	inventory_[1,2]

Every entry carries its own TTL. An entry is valid while now-capturedAt <= ttl;
expired entries are never returned and are deleted the next time they are touched.

# Eviction

When a Set would push the store past MaxSize, expired entries are purged first.
If that is not enough, entries are evicted in ascending score order, where

	score = hitCount / max(ageSeconds, 1)

Ties go to the oldest entry. A value larger than MaxSize on its own is rejected.

# Maintenance

Start runs a janitor that sweeps expired entries and, when utilization is above the
cleanup threshold (80% by default), evicts the lowest-scoring 30% of entries:

	store := cache.NewStore(cache.DefaultConfig())
	store.Start(ctx)
	defer store.Stop()

	key := cache.Key(types.DataSales, []int{1, 2})
	store.Set(key, rows, 1, 2*time.Minute)
	if rows, ok := store.Get(key); ok {
		...
	}
*/
package cache
