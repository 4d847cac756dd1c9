package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/xiaopang/keyrelay/internal/model"
)

func tempDB(t *testing.T) (*Store, func()) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s, func() {
		s.Close()
		os.RemoveAll(dir)
	}
}

// === Migration Tests ===

func TestNew_CreatesDirAndDB(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "sub", "deep", "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("expected database file to be created")
	}
}

func TestMigrate_TablesExist(t *testing.T) {
	s, cleanup := tempDB(t)
	defer cleanup()

	tables := []string{"kv_store", "request_logs"}
	for _, table := range tables {
		var count int
		err := s.db.QueryRow("SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Fatalf("failed to check table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("expected table %s to exist", table)
		}
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s, cleanup := tempDB(t)
	defer cleanup()

	if err := s.migrate(); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}

// === Slot Tests ===

func TestSlot_SetGetUpsertDelete(t *testing.T) {
	s, cleanup := tempDB(t)
	defer cleanup()
	ctx := context.Background()

	if _, found, err := s.Get(ctx, "grok_api_keys"); err != nil || found {
		t.Fatalf("expected missing slot, got found=%v err=%v", found, err)
	}

	if err := s.Set(ctx, "grok_api_keys", `["one"]`); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Set(ctx, "grok_api_keys", `["two"]`); err != nil {
		t.Fatalf("Set (upsert) failed: %v", err)
	}

	v, found, err := s.Get(ctx, "grok_api_keys")
	if err != nil || !found {
		t.Fatalf("Get failed: found=%v err=%v", found, err)
	}
	if v != `["two"]` {
		t.Errorf("expected upserted value, got %q", v)
	}

	if err := s.Delete(ctx, "grok_api_keys"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, found, _ := s.Get(ctx, "grok_api_keys"); found {
		t.Error("expected slot to be gone after delete")
	}
}

func TestSlot_GetBackendError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT value FROM kv_store").
		WithArgs("grok_api_keys").
		WillReturnError(errors.New("disk I/O error"))

	s := &Store{db: db}
	_, found, err := s.Get(context.Background(), "grok_api_keys")
	if err == nil {
		t.Fatal("expected backend error to surface")
	}
	if found {
		t.Error("expected found=false on error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSlot_SetBackendError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO kv_store").
		WillReturnError(errors.New("database or disk is full"))

	s := &Store{db: db}
	if err := s.Set(context.Background(), "grok_api_keys", "[]"); err == nil {
		t.Fatal("expected quota error to surface")
	}
}

func TestNewWithDB_MigrateError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS kv_store").
		WillReturnError(errors.New("read-only database"))
	mock.ExpectClose()

	if _, err := NewWithDB(db); err == nil {
		t.Fatal("expected migrate error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// === Request Log Tests ===

func TestSaveAndQueryLog(t *testing.T) {
	s, cleanup := tempDB(t)
	defer cleanup()

	now := time.Now().UTC().Truncate(time.Second)
	log := &model.RequestLog{
		ID:               "log-1",
		RequestID:        "req-1",
		Timestamp:        now,
		ConversationID:   "conv-1",
		BatchNumber:      2,
		KeyHint:          "xai-...abcd",
		Model:            "grok-3-beta",
		Transport:        "direct",
		Attempts:         2,
		IsComplex:        true,
		Success:          true,
		Truncated:        true,
		StatusCode:       200,
		LatencyMs:        150,
		PromptTokens:     100,
		CompletionTokens: 50,
		TotalTokens:      150,
		Caller:           "127.0.0.1",
	}

	if err := s.SaveLog(log); err != nil {
		t.Fatalf("SaveLog failed: %v", err)
	}

	logs, err := s.QueryLogs(&model.LogQuery{Limit: 10})
	if err != nil {
		t.Fatalf("QueryLogs failed: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 log, got %d", len(logs))
	}

	got := logs[0]
	if got.ID != "log-1" || got.RequestID != "req-1" {
		t.Errorf("unexpected ids: %s / %s", got.ID, got.RequestID)
	}
	if got.ConversationID != "conv-1" || got.BatchNumber != 2 {
		t.Errorf("unexpected conversation/batch: %s / %d", got.ConversationID, got.BatchNumber)
	}
	if got.Transport != "direct" || got.Attempts != 2 {
		t.Errorf("unexpected transport/attempts: %s / %d", got.Transport, got.Attempts)
	}
	if !got.IsComplex || !got.Truncated || got.IsRetry {
		t.Errorf("unexpected flags: %+v", got)
	}
	if !got.Timestamp.Equal(now) {
		t.Errorf("expected timestamp %v, got %v", now, got.Timestamp)
	}
}

func TestQueryLogs_Filters(t *testing.T) {
	s, cleanup := tempDB(t)
	defer cleanup()

	for i := 0; i < 5; i++ {
		conv := "conv-A"
		transport := "proxy"
		if i >= 3 {
			conv = "conv-B"
			transport = "direct"
		}
		s.SaveLog(&model.RequestLog{
			ID:             "log-" + string(rune('0'+i)),
			Timestamp:      time.Now(),
			ConversationID: conv,
			Transport:      transport,
			KeyHint:        "xai-...000" + string(rune('0'+i%2)),
			Success:        i%2 == 0,
		})
	}

	logs, _ := s.QueryLogs(&model.LogQuery{ConversationID: "conv-A"})
	if len(logs) != 3 {
		t.Errorf("expected 3 logs for conv-A, got %d", len(logs))
	}

	logs, _ = s.QueryLogs(&model.LogQuery{Transport: "direct"})
	if len(logs) != 2 {
		t.Errorf("expected 2 direct logs, got %d", len(logs))
	}

	logs, _ = s.QueryLogs(&model.LogQuery{KeyHint: "xai-...0001"})
	if len(logs) != 2 {
		t.Errorf("expected 2 logs for key 0001, got %d", len(logs))
	}

	success := true
	logs, _ = s.QueryLogs(&model.LogQuery{Success: &success})
	if len(logs) != 3 {
		t.Errorf("expected 3 successful logs, got %d", len(logs))
	}
}

func TestQueryLogs_Pagination(t *testing.T) {
	s, cleanup := tempDB(t)
	defer cleanup()

	for i := 0; i < 10; i++ {
		s.SaveLog(&model.RequestLog{
			ID:        "log-" + string(rune('A'+i)),
			Timestamp: time.Now().Add(time.Duration(i) * time.Minute),
		})
	}

	logs, _ := s.QueryLogs(&model.LogQuery{Limit: 3, Offset: 0})
	if len(logs) != 3 {
		t.Errorf("expected 3 logs, got %d", len(logs))
	}
	if logs[0].ID != "log-J" {
		t.Errorf("expected newest first, got %s", logs[0].ID)
	}

	logs, _ = s.QueryLogs(&model.LogQuery{Limit: 3, Offset: 9})
	if len(logs) != 1 {
		t.Errorf("expected 1 log on last page, got %d", len(logs))
	}
}

// === CleanOldLogs ===

func TestCleanOldLogs(t *testing.T) {
	s, cleanup := tempDB(t)
	defer cleanup()

	s.SaveLog(&model.RequestLog{ID: "old-log", Timestamp: time.Now().AddDate(0, 0, -10)})
	s.SaveLog(&model.RequestLog{ID: "new-log", Timestamp: time.Now()})

	deleted, err := s.CleanOldLogs(7)
	if err != nil {
		t.Fatalf("CleanOldLogs failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}

	logs, _ := s.QueryLogs(&model.LogQuery{Limit: 100})
	if len(logs) != 1 || logs[0].ID != "new-log" {
		t.Errorf("expected only 'new-log' to remain, got %v", logs)
	}
}

// === Stats ===

func TestGetDailyStats(t *testing.T) {
	s, cleanup := tempDB(t)
	defer cleanup()

	s.SaveLog(&model.RequestLog{ID: "l1", Timestamp: time.Now(), Success: true, Truncated: true, TotalTokens: 100, LatencyMs: 200})
	s.SaveLog(&model.RequestLog{ID: "l2", Timestamp: time.Now(), Success: false, TotalTokens: 50, LatencyMs: 500})

	stats, err := s.GetDailyStats(7)
	if err != nil {
		t.Fatalf("GetDailyStats failed: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("expected 1 day of stats, got %d", len(stats))
	}
	if stats[0].TotalRequests != 2 {
		t.Errorf("expected 2 total requests, got %d", stats[0].TotalRequests)
	}
	if stats[0].SuccessRate != 50 || stats[0].TruncationRate != 50 {
		t.Errorf("expected 50%% success and truncation, got %v / %v", stats[0].SuccessRate, stats[0].TruncationRate)
	}
	if stats[0].TotalTokens != 150 {
		t.Errorf("expected 150 tokens, got %d", stats[0].TotalTokens)
	}
}

func TestGetKeyStats(t *testing.T) {
	s, cleanup := tempDB(t)
	defer cleanup()

	s.SaveLog(&model.RequestLog{ID: "l1", Timestamp: time.Now(), KeyHint: "xai-...aaaa", Success: true, TotalTokens: 100, LatencyMs: 200})
	s.SaveLog(&model.RequestLog{ID: "l2", Timestamp: time.Now(), KeyHint: "xai-...aaaa", Success: true, TotalTokens: 200, LatencyMs: 300})
	s.SaveLog(&model.RequestLog{ID: "l3", Timestamp: time.Now(), KeyHint: "", Success: false})

	stats, err := s.GetKeyStats(7)
	if err != nil {
		t.Fatalf("GetKeyStats failed: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("expected 1 key stat, got %d", len(stats))
	}
	if stats[0].RequestCount != 2 || stats[0].TotalTokens != 300 {
		t.Errorf("unexpected key stats: %+v", stats[0])
	}
}
