package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file Store. WAL mode keeps reads concurrent with
// the archiver's writes. Use ":memory:" for an ephemeral database.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (creating if needed) the database at path and runs
// the schema migration.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite archive: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure sqlite archive: %w", err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			query_id TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			principal_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			workflow TEXT NOT NULL,
			arm_id TEXT NOT NULL,
			quality TEXT NOT NULL,
			path TEXT NOT NULL,
			worker_used TEXT NOT NULL DEFAULT '',
			cost_usd REAL NOT NULL,
			duration_ms INTEGER NOT NULL,
			success INTEGER NOT NULL,
			error_kind TEXT NOT NULL DEFAULT '',
			shadow INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_principal ON executions(principal_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS observations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			query_id TEXT NOT NULL,
			arm_id TEXT NOT NULL,
			reward REAL NOT NULL,
			success INTEGER NOT NULL,
			shadow INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_observations_arm ON observations(arm_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite archive: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("archive store is closed")
	}
	return nil
}

// RecordExecution implements Store.
func (s *SQLiteStore) RecordExecution(ctx context.Context, rec ExecutionRecord) error {
	if err := s.guard(); err != nil {
		return err
	}
	pathJSON, err := json.Marshal(rec.Path)
	if err != nil {
		return fmt.Errorf("marshal path: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions
		(query_id, correlation_id, principal_id, session_id, workflow, arm_id,
		 quality, path, worker_used, cost_usd, duration_ms, success, error_kind,
		 shadow, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.QueryID, rec.CorrelationID, rec.PrincipalID, rec.SessionID,
		rec.Workflow, rec.ArmID, rec.Quality, string(pathJSON), rec.WorkerUsed,
		rec.CostUSD, rec.DurationMS, boolInt(rec.Success), rec.ErrorKind,
		boolInt(rec.Shadow), rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	return nil
}

// RecordObservation implements Store.
func (s *SQLiteStore) RecordObservation(ctx context.Context, obs Observation) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO observations (query_id, arm_id, reward, success, shadow, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		obs.QueryID, obs.ArmID, obs.Reward, boolInt(obs.Success),
		boolInt(obs.Shadow), obs.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record observation: %w", err)
	}
	return nil
}

// RecentExecutions implements Store.
func (s *SQLiteStore) RecentExecutions(ctx context.Context, principalID string, limit int) ([]ExecutionRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT query_id, correlation_id, principal_id, session_id, workflow,
		       arm_id, quality, path, worker_used, cost_usd, duration_ms,
		       success, error_kind, shadow, created_at
		FROM executions
		WHERE principal_id = ?
		ORDER BY id DESC
		LIMIT ?`, principalID, limit)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ExecutionRecord
	for rows.Next() {
		var (
			rec             ExecutionRecord
			pathJSON        string
			success, shadow int
			createdAt       string
		)
		if err := rows.Scan(&rec.QueryID, &rec.CorrelationID, &rec.PrincipalID,
			&rec.SessionID, &rec.Workflow, &rec.ArmID, &rec.Quality, &pathJSON,
			&rec.WorkerUsed, &rec.CostUSD, &rec.DurationMS, &success,
			&rec.ErrorKind, &shadow, &createdAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		if err := json.Unmarshal([]byte(pathJSON), &rec.Path); err != nil {
			return nil, fmt.Errorf("unmarshal path: %w", err)
		}
		rec.Success = success != 0
		rec.Shadow = shadow != 0
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			rec.CreatedAt = t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ArmRewards implements Store.
func (s *SQLiteStore) ArmRewards(ctx context.Context) (map[string]ArmReward, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT arm_id, COUNT(*), COALESCE(SUM(reward), 0), COALESCE(SUM(success), 0)
		FROM observations
		GROUP BY arm_id`)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]ArmReward)
	for rows.Next() {
		var armID string
		var agg ArmReward
		if err := rows.Scan(&armID, &agg.Count, &agg.TotalReward, &agg.Successes); err != nil {
			return nil, fmt.Errorf("scan observation aggregate: %w", err)
		}
		out[armID] = agg
	}
	return out, rows.Err()
}

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
