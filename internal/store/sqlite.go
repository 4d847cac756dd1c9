package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xiaopang/keyrelay/internal/model"
)

// Store 数据存储：凭据槽位 + 请求日志
type Store struct {
	db *sql.DB
}

// New 创建存储实例
func New(dbPath string) (*Store, error) {
	// 确保目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	return NewWithDB(db)
}

// NewWithDB 使用已打开的连接创建存储并执行迁移
func NewWithDB(db *sql.DB) (*Store, error) {
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// migrate 数据库迁移
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv_store (
		slot TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS request_logs (
		id TEXT PRIMARY KEY,
		request_id TEXT,
		timestamp DATETIME NOT NULL,
		conversation_id TEXT,
		batch_number INTEGER,
		key_hint TEXT,
		model TEXT,
		transport TEXT,
		attempts INTEGER,
		is_retry INTEGER,
		is_complex INTEGER,
		success INTEGER,
		truncated INTEGER,
		status_code INTEGER,
		latency_ms INTEGER,
		prompt_tokens INTEGER,
		completion_tokens INTEGER,
		total_tokens INTEGER,
		error TEXT,
		caller TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON request_logs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_logs_conversation ON request_logs(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_logs_key ON request_logs(key_hint);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close 关闭数据库
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping 检查连接
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// === 凭据槽位 ===

// Get 读取槽位，不存在时 found=false
func (s *Store) Get(ctx context.Context, slot string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv_store WHERE slot = ?", slot).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get slot %s: %w", slot, err)
	}
	return value, true, nil
}

// Set 写入槽位
func (s *Store) Set(ctx context.Context, slot, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_store (slot, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(slot) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, slot, value)
	if err != nil {
		return fmt.Errorf("set slot %s: %w", slot, err)
	}
	return nil
}

// Delete 删除槽位
func (s *Store) Delete(ctx context.Context, slot string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv_store WHERE slot = ?", slot); err != nil {
		return fmt.Errorf("delete slot %s: %w", slot, err)
	}
	return nil
}

// === Request Logs ===

const logColumns = `id, request_id, timestamp, conversation_id, batch_number, key_hint, model, transport,
	attempts, is_retry, is_complex, success, truncated, status_code, latency_ms,
	prompt_tokens, completion_tokens, total_tokens, error, caller`

// SaveLog 保存请求日志
func (s *Store) SaveLog(log *model.RequestLog) error {
	_, err := s.db.Exec(`
		INSERT INTO request_logs (`+logColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, log.ID, log.RequestID, log.Timestamp.UTC(), log.ConversationID, log.BatchNumber, log.KeyHint,
		log.Model, log.Transport, log.Attempts, log.IsRetry, log.IsComplex, log.Success, log.Truncated,
		log.StatusCode, log.LatencyMs, log.PromptTokens, log.CompletionTokens, log.TotalTokens,
		log.Error, log.Caller)
	return err
}

// QueryLogs 查询日志
func (s *Store) QueryLogs(query *model.LogQuery) ([]*model.RequestLog, error) {
	stmt := "SELECT " + logColumns + " FROM request_logs WHERE 1=1"
	args := []any{}

	if query.ConversationID != "" {
		stmt += " AND conversation_id = ?"
		args = append(args, query.ConversationID)
	}
	if query.RequestID != "" {
		stmt += " AND request_id = ?"
		args = append(args, query.RequestID)
	}
	if query.KeyHint != "" {
		stmt += " AND key_hint = ?"
		args = append(args, query.KeyHint)
	}
	if query.Transport != "" {
		stmt += " AND transport = ?"
		args = append(args, query.Transport)
	}
	if query.Success != nil {
		stmt += " AND success = ?"
		args = append(args, *query.Success)
	}
	if !query.StartTime.IsZero() {
		stmt += " AND timestamp >= ?"
		args = append(args, query.StartTime.UTC())
	}
	if !query.EndTime.IsZero() {
		stmt += " AND timestamp <= ?"
		args = append(args, query.EndTime.UTC())
	}

	stmt += " ORDER BY timestamp DESC"

	if query.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", query.Limit)
	} else {
		stmt += " LIMIT 100"
	}
	if query.Offset > 0 {
		stmt += fmt.Sprintf(" OFFSET %d", query.Offset)
	}

	rows, err := s.db.Query(stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*model.RequestLog
	for rows.Next() {
		var log model.RequestLog
		var requestID, conversationID, errMsg, caller sql.NullString
		if err := rows.Scan(&log.ID, &requestID, &log.Timestamp, &conversationID, &log.BatchNumber,
			&log.KeyHint, &log.Model, &log.Transport, &log.Attempts, &log.IsRetry, &log.IsComplex,
			&log.Success, &log.Truncated, &log.StatusCode, &log.LatencyMs,
			&log.PromptTokens, &log.CompletionTokens, &log.TotalTokens, &errMsg, &caller); err != nil {
			return nil, err
		}
		log.RequestID = requestID.String
		log.ConversationID = conversationID.String
		log.Error = errMsg.String
		log.Caller = caller.String
		logs = append(logs, &log)
	}
	return logs, rows.Err()
}

// GetDailyStats 获取每日统计
func (s *Store) GetDailyStats(days int) ([]*model.DailyStats, error) {
	rows, err := s.db.Query(`
		SELECT
			date(timestamp) as date,
			COUNT(*) as total_requests,
			ROUND(SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END) * 100.0 / COUNT(*), 2) as success_rate,
			ROUND(SUM(CASE WHEN truncated = 1 THEN 1 ELSE 0 END) * 100.0 / COUNT(*), 2) as truncation_rate,
			COALESCE(SUM(total_tokens), 0) as total_tokens,
			ROUND(AVG(latency_ms), 2) as avg_latency
		FROM request_logs
		WHERE timestamp >= date('now', ?)
		GROUP BY date(timestamp)
		ORDER BY date DESC
	`, fmt.Sprintf("-%d days", days))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []*model.DailyStats
	for rows.Next() {
		var s model.DailyStats
		if err := rows.Scan(&s.Date, &s.TotalRequests, &s.SuccessRate, &s.TruncationRate, &s.TotalTokens, &s.AvgLatency); err != nil {
			return nil, err
		}
		stats = append(stats, &s)
	}
	return stats, rows.Err()
}

// GetKeyStats 按 Key 统计
func (s *Store) GetKeyStats(days int) ([]*model.KeyStats, error) {
	rows, err := s.db.Query(`
		SELECT
			key_hint,
			COUNT(*) as request_count,
			ROUND(SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END) * 100.0 / COUNT(*), 2) as success_rate,
			ROUND(AVG(latency_ms), 2) as avg_latency,
			COALESCE(SUM(total_tokens), 0) as total_tokens
		FROM request_logs
		WHERE timestamp >= date('now', ?) AND key_hint != ''
		GROUP BY key_hint
		ORDER BY request_count DESC
	`, fmt.Sprintf("-%d days", days))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []*model.KeyStats
	for rows.Next() {
		var s model.KeyStats
		if err := rows.Scan(&s.KeyHint, &s.RequestCount, &s.SuccessRate, &s.AvgLatency, &s.TotalTokens); err != nil {
			return nil, err
		}
		stats = append(stats, &s)
	}
	return stats, rows.Err()
}

// CleanOldLogs 清理过期日志
func (s *Store) CleanOldLogs(retentionDays int) (int64, error) {
	result, err := s.db.Exec(`
		DELETE FROM request_logs
		WHERE timestamp < date('now', ?)
	`, fmt.Sprintf("-%d days", retentionDays))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
