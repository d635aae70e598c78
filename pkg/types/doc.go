/*
Package types provides the shared domain types for branchsync.

Every other package speaks in terms of these types: the five data categories
(DataType), the three batch priorities (Priority), the BatchLoadRequest that
flows from the orchestrator through the batcher, and the BranchSnapshot that
summarizes what the engine currently knows about a branch.

# Branches

A branch is a store or tenant identified by an integer. Nearly all cached data
is partitioned by branch. The hierarchy used for predictive preloading comes
from a BranchSource, which the host application implements:

	type BranchSource interface {
		ActiveBranchIDs() []int
		AccessibleBranches() []Branch
	}

StaticBranchSource is a fixed implementation useful in tests and tools.

# Backend results

Backend calls never surface transport failures as errors to their callers.
A FetchResult with Success=false and an empty Data slice is the failure
shape; Err carries the classified cause for logging.
*/
package types
