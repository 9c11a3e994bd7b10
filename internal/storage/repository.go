package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	createSchemaSQL = `CREATE TABLE IF NOT EXISTS resolution_attempts (
        id            BIGSERIAL PRIMARY KEY,
        cycle_id      TEXT        NOT NULL DEFAULT '',
        kind          TEXT        NOT NULL,
        token         TEXT        NOT NULL,
        item_id       BIGINT      NOT NULL,
        action        TEXT        NOT NULL,
        result        TEXT        NOT NULL,
        tx_hash       TEXT,
        outcome       SMALLINT,
        confidence    NUMERIC,
        oracle_source TEXT,
        detail        TEXT,
        created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    CREATE INDEX IF NOT EXISTS resolution_attempts_item_idx
        ON resolution_attempts (kind, token, item_id, created_at DESC);`

	insertAttemptSQL = `INSERT INTO resolution_attempts (
        cycle_id,
        kind,
        token,
        item_id,
        action,
        result,
        tx_hash,
        outcome,
        confidence,
        oracle_source,
        detail
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    RETURNING id, created_at;`

	listRecentAttemptsSQL = `SELECT
        id,
        cycle_id,
        kind,
        token,
        item_id,
        action,
        result,
        tx_hash,
        outcome,
        confidence::text,
        oracle_source,
        detail,
        created_at
    FROM resolution_attempts
    ORDER BY created_at DESC, id DESC
    LIMIT $1;`

	countAttemptsSQL = `SELECT COUNT(*) FROM resolution_attempts;`

	deleteAttemptsBeforeSQL = `DELETE FROM resolution_attempts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AttemptStore defines operations for the attempt audit log.
type AttemptStore interface {
	RecordAttempt(ctx context.Context, attempt Attempt) error
	ListRecentAttempts(ctx context.Context, limit int) ([]Attempt, error)
	CountAttempts(ctx context.Context) (int64, error)
	DeleteAttemptsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to the attempt log and advisory locks.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the attempt table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createSchemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// 会话级锁, 解锁失败时释放连接也会随会话结束
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// RecordAttempt appends an attempt. CycleID falls back to the one carried by ctx.
func (s *Store) RecordAttempt(ctx context.Context, attempt Attempt) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if attempt.CycleID == "" {
		attempt.CycleID = CycleIDFrom(ctx)
	}

	var confidence interface{}
	if attempt.Confidence != nil {
		confidence = attempt.Confidence.String()
	}
	var outcome interface{}
	if attempt.Outcome != nil {
		outcome = *attempt.Outcome
	}

	row := pool.QueryRow(ctx, insertAttemptSQL,
		attempt.CycleID,
		attempt.Kind,
		attempt.Token,
		attempt.ItemID,
		attempt.Action,
		attempt.Result,
		attempt.TxHash,
		outcome,
		confidence,
		attempt.OracleSource,
		attempt.Detail,
	)
	var id int64
	var createdAt time.Time
	if scanErr := row.Scan(&id, &createdAt); scanErr != nil {
		return fmt.Errorf("record attempt: %w", scanErr)
	}
	return nil
}

// ListRecentAttempts lists the most recent attempts, newest first.
func (s *Store) ListRecentAttempts(ctx context.Context, limit int) ([]Attempt, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAttemptsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent attempts: %w", queryErr)
	}
	defer rows.Close()

	attempts := make([]Attempt, 0, limit)
	for rows.Next() {
		attempt, scanErr := scanAttempt(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		attempts = append(attempts, attempt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return attempts, nil
}

// CountAttempts counts stored attempts.
func (s *Store) CountAttempts(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countAttemptsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count attempts: %w", scanErr)
	}
	return count, nil
}

// DeleteAttemptsBefore prunes the audit log.
func (s *Store) DeleteAttemptsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAttemptsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete attempts before: %w", execErr)
	}
	return nil
}

func scanAttempt(rows pgx.Rows) (Attempt, error) {
	var (
		a             Attempt
		txHash        sql.NullString
		outcome       sql.NullInt16
		confidenceStr sql.NullString
		source        sql.NullString
		detail        sql.NullString
	)

	if err := rows.Scan(
		&a.ID,
		&a.CycleID,
		&a.Kind,
		&a.Token,
		&a.ItemID,
		&a.Action,
		&a.Result,
		&txHash,
		&outcome,
		&confidenceStr,
		&source,
		&detail,
		&a.CreatedAt,
	); err != nil {
		return Attempt{}, err
	}

	if txHash.Valid {
		v := txHash.String
		a.TxHash = &v
	}
	if outcome.Valid {
		v := outcome.Int16
		a.Outcome = &v
	}
	if confidenceStr.Valid {
		v, err := decimal.NewFromString(confidenceStr.String)
		if err != nil {
			return Attempt{}, fmt.Errorf("parse confidence: %w", err)
		}
		a.Confidence = &v
	}
	if source.Valid {
		v := source.String
		a.OracleSource = &v
	}
	if detail.Valid {
		v := detail.String
		a.Detail = &v
	}
	return a, nil
}

var (
	_ AttemptStore   = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
