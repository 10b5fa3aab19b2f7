package observability

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA foreign_keys=ON")
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInit_CreatesAllTables(t *testing.T) {
	db := setupObsDB(t)
	tables := []string{
		"worker_heartbeats", "metrics_timeseries", "_observability_metadata",
	}
	for _, table := range tables {
		var count int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if count != 1 {
			t.Fatalf("table %s not found", table)
		}
	}
}

// --- MetricsManager ---

func TestMetricsManager_RecordAndQuery(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)

	mm.Record(&Metric{
		Name:      MetricRunDurationMs,
		Timestamp: time.Now(),
		Value:     1250,
		Unit:      "milliseconds",
		Labels:    map[string]string{"status": "succeeded"},
	})
	mm.RecordSimple(MetricQueueDepth, 3, "count")

	// Close flushes the buffer (single call, no defer to avoid double-close).
	mm.Close()

	// Re-create for query (Close stops the flush loop).
	mm2 := NewMetricsManager(db, 100, time.Hour)
	defer mm2.Close()

	metrics, err := mm2.Query(MetricRunDurationMs, nil, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(metrics) != 1 {
		t.Fatalf("run_duration_ms count: got %d", len(metrics))
	}
	if metrics[0].Value != 1250 {
		t.Fatalf("value: got %f", metrics[0].Value)
	}
	if metrics[0].Labels["status"] != "succeeded" {
		t.Fatalf("labels: got %v", metrics[0].Labels)
	}

	all, err := mm2.Query("", nil, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("all metrics count: got %d", len(all))
	}
}

func TestMetricsManager_QueryWithTimeRange(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)

	now := time.Now()
	mm.Record(&Metric{Name: "m1", Timestamp: now.Add(-2 * time.Hour), Value: 1, Unit: "x"})
	mm.Record(&Metric{Name: "m1", Timestamp: now, Value: 2, Unit: "x"})
	mm.Close() // flushes

	// New manager for querying.
	mm2 := NewMetricsManager(db, 100, time.Hour)
	defer mm2.Close()

	start := now.Add(-time.Hour)
	metrics, err := mm2.Query("m1", &start, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(metrics) != 1 {
		t.Fatalf("time-filtered count: got %d", len(metrics))
	}
}

func TestMetricsManager_Cleanup(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)

	old := time.Now().Add(-40 * 24 * time.Hour)
	mm.Record(&Metric{Name: "old_metric", Timestamp: old, Value: 1, Unit: "x"})
	mm.Record(&Metric{Name: "new_metric", Timestamp: time.Now(), Value: 2, Unit: "x"})
	mm.Close() // flushes

	mm2 := NewMetricsManager(db, 100, time.Hour)
	defer mm2.Close()

	deleted, err := mm2.Cleanup(context.Background(), 30)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("deleted: got %d", deleted)
	}
}

// --- HeartbeatWriter ---

func TestCollectRuntimeMetrics(t *testing.T) {
	m := CollectRuntimeMetrics()
	if m.GoroutinesCount <= 0 {
		t.Fatal("goroutines should be > 0")
	}
	if m.MemoryAllocMB <= 0 {
		t.Fatal("memory alloc should be > 0")
	}
}

func TestHeartbeatWriter_WriteHeartbeat(t *testing.T) {
	db := setupObsDB(t)
	hw := NewHeartbeatWriter(db, "test_worker", time.Minute)

	if err := hw.WriteHeartbeat(); err != nil {
		t.Fatal(err)
	}

	var workerName string
	var goroutines int
	db.QueryRow("SELECT worker_name, goroutines_count FROM worker_heartbeats LIMIT 1").
		Scan(&workerName, &goroutines)
	if workerName != "test_worker" {
		t.Fatalf("worker_name: got %q", workerName)
	}
	if goroutines <= 0 {
		t.Fatal("goroutines should be > 0")
	}
}

func TestHeartbeatWriter_StartStop(t *testing.T) {
	db := setupObsDB(t)
	hw := NewHeartbeatWriter(db, "loop_worker", 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	hw.Start(ctx)

	// Let a few heartbeats fire.
	time.Sleep(200 * time.Millisecond)
	cancel()
	hw.Stop()

	var count int
	db.QueryRow("SELECT COUNT(*) FROM worker_heartbeats WHERE worker_name='loop_worker'").Scan(&count)
	if count < 2 {
		t.Fatalf("heartbeat count: got %d, want >= 2", count)
	}
}

func TestLatestHeartbeat(t *testing.T) {
	db := setupObsDB(t)
	hw := NewHeartbeatWriter(db, "status_worker", time.Minute)
	if err := hw.WriteHeartbeat(); err != nil {
		t.Fatal(err)
	}

	hs, err := LatestHeartbeat(context.Background(), db, "status_worker", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if hs == nil {
		t.Fatal("expected a heartbeat")
	}
	if !hs.Alive {
		t.Fatal("fresh heartbeat should be alive")
	}
	if hs.WorkerName != "status_worker" {
		t.Fatalf("worker_name: got %q", hs.WorkerName)
	}

	// Unknown worker: nil, nil.
	hs, err = LatestHeartbeat(context.Background(), db, "nobody", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if hs != nil {
		t.Fatalf("expected nil for unknown worker, got %+v", hs)
	}
}

func TestLatestHeartbeat_Stale(t *testing.T) {
	db := setupObsDB(t)

	oldTs := time.Now().Add(-10 * time.Minute).Unix()
	db.Exec(`INSERT INTO worker_heartbeats (worker_name, hostname, worker_pid, timestamp,
		goroutines_count, memory_alloc_mb, memory_sys_mb, gc_count)
		VALUES ('stale', 'host', 1, ?, 1, 1.0, 1.0, 1)`, oldTs)

	hs, err := LatestHeartbeat(context.Background(), db, "stale", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if hs == nil || hs.Alive {
		t.Fatalf("expected stale heartbeat, got %+v", hs)
	}
	if hs.StaleSince == nil || *hs.StaleSince <= 0 {
		t.Fatalf("stale_since: %v", hs.StaleSince)
	}
}

func TestCleanupHeartbeats(t *testing.T) {
	db := setupObsDB(t)

	// Insert old heartbeat.
	oldTs := time.Now().Add(-40 * 24 * time.Hour).Unix()
	db.Exec(`INSERT INTO worker_heartbeats (worker_name, hostname, worker_pid, timestamp,
		goroutines_count, memory_alloc_mb, memory_sys_mb, gc_count)
		VALUES ('old', 'host', 1, ?, 1, 1.0, 1.0, 1)`, oldTs)

	deleted, err := CleanupHeartbeats(context.Background(), db, 30)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("deleted: got %d", deleted)
	}
}
