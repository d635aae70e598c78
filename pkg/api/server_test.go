package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/branchsync/branchsync/internal/metrics"
	"github.com/branchsync/branchsync/internal/orchestrator"
	"github.com/branchsync/branchsync/pkg/health"
	"github.com/branchsync/branchsync/pkg/status"
	"github.com/branchsync/branchsync/pkg/types"
)

type fakeSync struct {
	mu          sync.Mutex
	snapshots   map[int]types.BranchSnapshot
	lastRequest types.BatchLoadRequest
	invalidated []int
	cleared     bool
}

func (f *fakeSync) Snapshots() []types.BranchSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.BranchSnapshot, 0, len(f.snapshots))
	for _, s := range f.snapshots {
		out = append(out, s)
	}
	return out
}

func (f *fakeSync) Snapshot(id int) (types.BranchSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snapshots[id]
	return s, ok
}

func (f *fakeSync) Regulation() orchestrator.Regulation {
	return orchestrator.Regulation{Grade: metrics.GradeB, Mode: orchestrator.ModeNormal, AggressivePreload: true}
}

func (f *fakeSync) LoadBranchesOptimized(ctx context.Context, req types.BatchLoadRequest) []status.SyncStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRequest = req
	out := make([]status.SyncStatus, 0, len(req.BranchIDs))
	for _, id := range req.BranchIDs {
		out = append(out, status.SyncStatus{BranchID: id, Status: status.StateSynced, ProgressPercent: 100})
	}
	return out
}

func (f *fakeSync) InvalidateBranch(id int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, id)
	return 3
}

func (f *fakeSync) ClearCache() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = true
}

type fakeCache struct{}

func (fakeCache) Stats() types.CacheStats {
	return types.CacheStats{Hits: 7, Misses: 3, Entries: 2, HitRate: 0.7}
}

func newTestServer(t *testing.T) (*Server, *fakeSync, *health.Tracker) {
	t.Helper()

	healthTracker := health.NewTracker(health.DefaultConfig())
	healthTracker.RegisterComponent("backend")
	statusTracker := status.NewTracker(status.TrackerConfig{HealthTracker: healthTracker})
	statusTracker.Begin(4, "Harbor", 2)

	monitor := metrics.NewMonitor(nil)
	monitor.Record(metrics.OpCacheHit, []int{4}, time.Millisecond, 10)
	monitor.Evaluate(12)

	collector, err := metrics.NewCollector(metrics.DefaultConfig())
	if err != nil {
		t.Fatalf("NewCollector failed: %v", err)
	}

	svc := &fakeSync{snapshots: map[int]types.BranchSnapshot{
		4: {BranchID: 4, BranchName: "Harbor"},
	}}

	server := NewServer(DefaultServerConfig(), Dependencies{
		Sync:        svc,
		Performance: monitor,
		Cache:       fakeCache{},
		Status:      statusTracker,
		Health:      healthTracker,
		Metrics:     collector.Handler(),
	})
	return server, svc, healthTracker
}

func do(t *testing.T, server *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return response
}

func TestNewServer(t *testing.T) {
	server, _, _ := newTestServer(t)

	if server.httpServer == nil {
		t.Fatal("HTTP server not initialized")
	}
	if server.httpServer.Addr != "localhost:8090" {
		t.Errorf("Expected address localhost:8090, got %s", server.httpServer.Addr)
	}
}

func TestHandleHealth(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := do(t, server, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if response := decode(t, w); response["status"] != "healthy" {
		t.Errorf("Expected status=healthy, got %v", response["status"])
	}
}

func TestHandleHealthDegraded(t *testing.T) {
	server, _, healthTracker := newTestServer(t)

	for i := 0; i < 3; i++ {
		healthTracker.RecordError("backend", fmt.Errorf("test error"))
	}

	w := do(t, server, http.MethodGet, "/health", "")
	if w.Code != http.StatusPartialContent {
		t.Errorf("Expected status 206, got %d", w.Code)
	}
}

func TestHandleReadinessUnavailable(t *testing.T) {
	server, _, healthTracker := newTestServer(t)
	healthTracker.SetState("backend", health.StateUnavailable, "down")

	w := do(t, server, http.MethodGet, "/health/ready", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
	if response := decode(t, w); response["ready"] != false {
		t.Errorf("Expected ready=false, got %v", response["ready"])
	}
}

func TestHandleBranchStatus(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := do(t, server, http.MethodGet, "/status/branches/4", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	response := decode(t, w)
	if response["status"] != "pending" {
		t.Errorf("Expected pending run, got %v", response["status"])
	}

	w = do(t, server, http.MethodGet, "/status/branches/99", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}

	w = do(t, server, http.MethodGet, "/status/branches", "")
	if response := decode(t, w); response["count"] != float64(1) {
		t.Errorf("Expected 1 branch status, got %v", response["count"])
	}
}

func TestHandleSnapshot(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := do(t, server, http.MethodGet, "/branches/4", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if response := decode(t, w); response["branch_name"] != "Harbor" {
		t.Errorf("Expected Harbor, got %v", response["branch_name"])
	}

	w = do(t, server, http.MethodGet, "/branches/5", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestHandleSync(t *testing.T) {
	server, svc, _ := newTestServer(t)

	w := do(t, server, http.MethodPost, "/branches/sync", `{"branch_ids":[1,2],"priority":"high"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if response := decode(t, w); response["count"] != float64(2) {
		t.Errorf("Expected 2 results, got %v", response["count"])
	}

	if svc.lastRequest.Priority != types.PriorityHigh {
		t.Errorf("Expected high priority, got %v", svc.lastRequest.Priority)
	}
	if len(svc.lastRequest.DataTypes) != 4 {
		t.Errorf("Expected the tracked data types by default, got %v", svc.lastRequest.DataTypes)
	}
}

func TestHandleSyncRejectsBadRequests(t *testing.T) {
	server, _, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"branch_ids":`},
		{"no branches", `{"data_types":["sales"]}`},
		{"bad priority", `{"branch_ids":[1],"priority":"urgent"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, server, http.MethodPost, "/branches/sync", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", w.Code)
			}
		})
	}
}

func TestHandlePerformance(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := do(t, server, http.MethodGet, "/performance", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	response := decode(t, w)

	report, ok := response["report"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected a report, got %v", response["report"])
	}
	if report["grade"] != "A" {
		t.Errorf("Expected grade A for one fast hit, got %v", report["grade"])
	}
	regulation, ok := response["regulation"].(map[string]interface{})
	if !ok || regulation["mode"] != "normal" {
		t.Errorf("Expected normal mode, got %v", response["regulation"])
	}

	w = do(t, server, http.MethodGet, "/performance/metrics?limit=5", "")
	if response := decode(t, w); response["count"] != float64(1) {
		t.Errorf("Expected 1 metric, got %v", response["count"])
	}
}

func TestCacheEndpoints(t *testing.T) {
	server, svc, _ := newTestServer(t)

	w := do(t, server, http.MethodGet, "/cache", "")
	if response := decode(t, w); response["hits"] != float64(7) {
		t.Errorf("Expected 7 hits, got %v", response["hits"])
	}

	w = do(t, server, http.MethodDelete, "/cache/branches/4", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if response := decode(t, w); response["removed"] != float64(3) {
		t.Errorf("Expected 3 removed, got %v", response["removed"])
	}
	if len(svc.invalidated) != 1 || svc.invalidated[0] != 4 {
		t.Errorf("Expected branch 4 invalidated, got %v", svc.invalidated)
	}

	do(t, server, http.MethodDelete, "/cache", "")
	if !svc.cleared {
		t.Error("Expected cache to be cleared")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := do(t, server, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "branchsync_") {
		t.Error("Expected branchsync metrics in exposition")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := do(t, server, http.MethodPost, "/health", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}

	w = do(t, server, http.MethodGet, "/nope", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	config := DefaultServerConfig()
	config.EnableCORS = true
	server := NewServer(config, Dependencies{})

	w := do(t, server, http.MethodOptions, "/branches/sync", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}
}

func TestMissingDependencies(t *testing.T) {
	server := NewServer(DefaultServerConfig(), Dependencies{})

	for _, path := range []string{"/status", "/branches", "/performance", "/cache"} {
		w := do(t, server, http.MethodGet, path, "")
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected status 503, got %d", path, w.Code)
		}
	}

	// liveness never depends on wiring
	if w := do(t, server, http.MethodGet, "/health/live", ""); w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestHandleInfoListsRoutes(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := do(t, server, http.MethodGet, "/info", "")
	response := decode(t, w)
	endpoints, ok := response["endpoints"].([]interface{})
	if !ok || len(endpoints) == 0 {
		t.Fatalf("Expected endpoints, got %v", response["endpoints"])
	}
	found := false
	for _, e := range endpoints {
		if e == "POST /branches/sync" {
			found = true
		}
	}
	if !found {
		t.Error("Expected POST /branches/sync to be listed")
	}
}
