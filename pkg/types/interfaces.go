package types

import (
	"context"
	"encoding/json"
)

// BranchSource is the read-only view of the session's branches
type BranchSource interface {
	ActiveBranchIDs() []int
	AccessibleBranches() []Branch
}

// StaticBranchSource is a BranchSource backed by fixed slices
type StaticBranchSource struct {
	Active   []int
	Branches []Branch
}

// ActiveBranchIDs returns the active branch ids
func (s *StaticBranchSource) ActiveBranchIDs() []int {
	return append([]int(nil), s.Active...)
}

// AccessibleBranches returns every accessible branch
func (s *StaticBranchSource) AccessibleBranches() []Branch {
	return append([]Branch(nil), s.Branches...)
}

// FetchResult is the outcome of one backend call. Failures are reported through
// Success=false rather than as errors.
type FetchResult struct {
	Success  bool
	Data     []json.RawMessage
	Err      error
	Attempts int
}

// Fetcher loads data for a set of branches from the backend
type Fetcher interface {
	Fetch(ctx context.Context, dataType DataType, branchIDs []int) FetchResult
	FetchPage(ctx context.Context, branchIDs []int, page, pageSize int) (PagedEnvelope, error)
}

// Loader is the single-branch, single-type load primitive executed by batches
type Loader interface {
	LoadBranchData(ctx context.Context, branchID int, dataType DataType, forceRefresh bool) error
}
