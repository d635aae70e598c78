package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DataType identifies one of the cached data categories
type DataType string

const (
	DataSales         DataType = "sales"
	DataInventory     DataType = "inventory"
	DataAnalytics     DataType = "analytics"
	DataNotifications DataType = "notifications"
	DataPerformance   DataType = "performance"
)

// AllDataTypes returns every known data type
func AllDataTypes() []DataType {
	return []DataType{DataSales, DataInventory, DataAnalytics, DataNotifications, DataPerformance}
}

// SyncedDataTypes returns the data types tracked for freshness, in canonical order
func SyncedDataTypes() []DataType {
	return []DataType{DataSales, DataInventory, DataAnalytics, DataNotifications}
}

// IsCritical reports whether the data type is time sensitive
func (d DataType) IsCritical() bool {
	return d == DataSales || d == DataNotifications
}

// Valid reports whether d is a known data type
func (d DataType) Valid() bool {
	for _, known := range AllDataTypes() {
		if d == known {
			return true
		}
	}
	return false
}

// ParseDataType parses a data type name
func ParseDataType(s string) (DataType, error) {
	d := DataType(strings.ToLower(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", fmt.Errorf("unknown data type: %q", s)
	}
	return d, nil
}

// Priority orders load requests within a batch drain
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

// String returns the string representation of a priority
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the priority by name
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes a priority name
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePriority parses a priority name
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "high":
		return PriorityHigh, nil
	case "medium":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityLow, fmt.Errorf("invalid priority: %s", s)
	}
}

// BatchLoadRequest asks for data types to be loaded for a set of branches
type BatchLoadRequest struct {
	BranchIDs    []int      `json:"branch_ids"`
	DataTypes    []DataType `json:"data_types"`
	Priority     Priority   `json:"priority"`
	ForceRefresh bool       `json:"force_refresh"`
}

// Steps returns the number of single-branch, single-type loads the request expands to
func (r BatchLoadRequest) Steps() int {
	return len(r.BranchIDs) * len(r.DataTypes)
}

// Branch describes a branch visible to the current user
type Branch struct {
	ID       int    `json:"branch_id"`
	Name     string `json:"branch_name"`
	ParentID *int   `json:"parent_branch_id,omitempty"`
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	Entries     int     `json:"entries"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// DataTypeSnapshot summarizes what is known about one data type of a branch
type DataTypeSnapshot struct {
	Count    int        `json:"count"`
	LastSync *time.Time `json:"last_sync,omitempty"`
	Cached   bool       `json:"cached"`
}

// BranchPerformance summarizes load performance for a branch
type BranchPerformance struct {
	LoadTimeMs           float64 `json:"load_time_ms"`
	CacheHitRatioPercent float64 `json:"cache_hit_ratio_percent"`
	ErrorCount           int     `json:"error_count"`
}

// BranchSnapshot is the aggregate record of what is currently known about a branch
type BranchSnapshot struct {
	BranchID    int                           `json:"branch_id"`
	BranchName  string                        `json:"branch_name"`
	LastUpdated time.Time                     `json:"last_updated"`
	DataTypes   map[DataType]DataTypeSnapshot `json:"data_types"`
	Performance BranchPerformance             `json:"performance"`
}

// Envelope is the response body returned by the branch API
type Envelope struct {
	Success bool              `json:"success"`
	Data    []json.RawMessage `json:"data"`
	Message string            `json:"message,omitempty"`
}

// PagedEnvelope is the response body of the paged data endpoint
type PagedEnvelope struct {
	Success  bool              `json:"success"`
	Data     []json.RawMessage `json:"data"`
	Page     int               `json:"page"`
	PageSize int               `json:"pageSize"`
	Total    int               `json:"total"`
	HasMore  bool              `json:"hasMore"`
}

// SortedBranchIDs returns a sorted copy of ids without duplicates
func SortedBranchIDs(ids []int) []int {
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// JoinBranchIDs renders ids as a comma separated list
func JoinBranchIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ",")
}
