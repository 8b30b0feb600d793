package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a shared Store for multi-instance deployments.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore connects with a go-sql-driver DSN, e.g.
// "user:pass@tcp(host:3306)/maestro?parseTime=true", verifies connectivity,
// and runs the schema migration.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql archive: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql archive: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			query_id VARCHAR(64) NOT NULL,
			correlation_id VARCHAR(64) NOT NULL,
			principal_id VARCHAR(128) NOT NULL,
			session_id VARCHAR(128) NOT NULL DEFAULT '',
			workflow VARCHAR(32) NOT NULL,
			arm_id VARCHAR(64) NOT NULL,
			quality VARCHAR(16) NOT NULL,
			path TEXT NOT NULL,
			worker_used VARCHAR(128) NOT NULL DEFAULT '',
			cost_usd DOUBLE NOT NULL,
			duration_ms BIGINT NOT NULL,
			success TINYINT(1) NOT NULL,
			error_kind VARCHAR(64) NOT NULL DEFAULT '',
			shadow TINYINT(1) NOT NULL,
			created_at DATETIME(6) NOT NULL,
			INDEX idx_executions_principal (principal_id, created_at)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS observations (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			query_id VARCHAR(64) NOT NULL,
			arm_id VARCHAR(64) NOT NULL,
			reward DOUBLE NOT NULL,
			success TINYINT(1) NOT NULL,
			shadow TINYINT(1) NOT NULL,
			created_at DATETIME(6) NOT NULL,
			INDEX idx_observations_arm (arm_id)
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate mysql archive: %w", err)
		}
	}
	return nil
}

func (s *MySQLStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("archive store is closed")
	}
	return nil
}

// RecordExecution implements Store.
func (s *MySQLStore) RecordExecution(ctx context.Context, rec ExecutionRecord) error {
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
		rec.CostUSD, rec.DurationMS, rec.Success, rec.ErrorKind, rec.Shadow,
		rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	return nil
}

// RecordObservation implements Store.
func (s *MySQLStore) RecordObservation(ctx context.Context, obs Observation) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO observations (query_id, arm_id, reward, success, shadow, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		obs.QueryID, obs.ArmID, obs.Reward, obs.Success, obs.Shadow,
		obs.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("record observation: %w", err)
	}
	return nil
}

// RecentExecutions implements Store.
func (s *MySQLStore) RecentExecutions(ctx context.Context, principalID string, limit int) ([]ExecutionRecord, error) {
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
		var rec ExecutionRecord
		var pathJSON string
		if err := rows.Scan(&rec.QueryID, &rec.CorrelationID, &rec.PrincipalID,
			&rec.SessionID, &rec.Workflow, &rec.ArmID, &rec.Quality, &pathJSON,
			&rec.WorkerUsed, &rec.CostUSD, &rec.DurationMS, &rec.Success,
			&rec.ErrorKind, &rec.Shadow, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		if err := json.Unmarshal([]byte(pathJSON), &rec.Path); err != nil {
			return nil, fmt.Errorf("unmarshal path: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ArmRewards implements Store.
func (s *MySQLStore) ArmRewards(ctx context.Context) (map[string]ArmReward, error) {
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
func (s *MySQLStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
