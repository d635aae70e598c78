/*
Package orchestrator decides what branch data to load, loads it through the
cache and reacts to the performance grade.

# Sync runs

Each branch in a run moves through

	pending → syncing → synced | error

LoadBranchesOptimized starts a run, hands the request to the batcher and waits
for it. Progress is updated per finished load, so a run over three data types
reports 33%, 67% and 100%. A failed load marks the branch error without
stopping its siblings.

# Freshness

AnalyzeSyncNeeds compares the last successful sync of every tracked type with
its budget:

	notifications  30s
	sales          2m
	inventory      5m
	analytics      10m

SmartSync loads stale sales and notifications right away at high priority and
the rest at low priority shortly after.

# Self-regulation

Reports from the metrics monitor drive the load mode:

	A, B  normal debounce and concurrency, aggressive preloading
	C     aggressive preloading off
	D     cache cleared, longer debounce, narrower concurrency
	F     as D, and automatic syncs suspended for a cool-down
*/
package orchestrator
