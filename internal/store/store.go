// File: internal/store/store.go

// Package store persists scan issues and suspended-scan snapshots in
// PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrSnapshotNotFound is returned when no snapshot exists for a scan.
var ErrSnapshotNotFound = errors.New("store: snapshot not found")

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store is the PostgreSQL repository for issues and snapshots.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var issueColumns = []string{
	"id", "scan_id", "check_name", "name", "severity", "description", "cwe", "tags",
	"vector", "platform", "remarks", "response_code", "observed_at",
}

const (
	sqlSaveSnapshot = `
        INSERT INTO snapshots (scan_id, data, created_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (scan_id) DO UPDATE SET
            data = EXCLUDED.data,
            created_at = EXCLUDED.created_at;
    `
	sqlLoadSnapshot = `
        SELECT data FROM snapshots WHERE scan_id = $1;
    `
	sqlIssuesByScan = `
        SELECT id, check_name, name, severity, description, cwe, tags, vector, platform, remarks, response_code, observed_at
        FROM issues
        WHERE scan_id = $1
        ORDER BY observed_at ASC;
    `
)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if pool == nil {
		return nil, errors.New("store: database pool cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// PersistIssues bulk-inserts a scan's issues in one transaction.
func (s *Store) PersistIssues(ctx context.Context, scanID string, issues []*schemas.Issue) error {
	if len(issues) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Debug("Rollback after commit", zap.Error(rollbackErr))
		}
	}()

	rows := make([][]interface{}, 0, len(issues))
	for _, issue := range issues {
		vector, err := json.Marshal(issue.Vector)
		if err != nil {
			return fmt.Errorf("failed to encode vector of issue %s: %w", issue.ID, err)
		}
		remarks := []byte("{}")
		if len(issue.Remarks) > 0 {
			if remarks, err = json.Marshal(issue.Remarks); err != nil {
				return fmt.Errorf("failed to encode remarks of issue %s: %w", issue.ID, err)
			}
		}
		rows = append(rows, []interface{}{
			issue.ID, scanID, issue.Check, issue.Name, string(issue.Severity), issue.Description,
			issue.CWE, issue.Tags, vector, issue.Platform, remarks, issue.Response.Code,
			issue.ObservedAt.UTC(),
		})
	}

	copied, err := tx.CopyFrom(ctx, pgx.Identifier{"issues"}, issueColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy issues: %w", err)
	}
	if int(copied) != len(issues) {
		return fmt.Errorf("mismatch in copied issues count: expected %d, got %d", len(issues), copied)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Info("Persisted issues", zap.String("scan_id", scanID), zap.Int("count", len(issues)))
	return nil
}

// IssuesByScanID returns a scan's issues in the order they were logged.
func (s *Store) IssuesByScanID(ctx context.Context, scanID string) ([]*schemas.Issue, error) {
	rows, err := s.pool.Query(ctx, sqlIssuesByScan, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query issues: %w", err)
	}
	defer rows.Close()

	var issues []*schemas.Issue
	for rows.Next() {
		var (
			issue    schemas.Issue
			severity string
			vector   []byte
			remarks  []byte
		)
		if err := rows.Scan(
			&issue.ID, &issue.Check, &issue.Name, &severity, &issue.Description,
			&issue.CWE, &issue.Tags, &vector, &issue.Platform, &remarks,
			&issue.Response.Code, &issue.ObservedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan issue row: %w", err)
		}
		if err := json.Unmarshal(vector, &issue.Vector); err != nil {
			return nil, fmt.Errorf("failed to decode vector of issue %s: %w", issue.ID, err)
		}
		if len(remarks) > 0 {
			if err := json.Unmarshal(remarks, &issue.Remarks); err != nil {
				return nil, fmt.Errorf("failed to decode remarks of issue %s: %w", issue.ID, err)
			}
		}
		issue.Severity = schemas.Severity(severity)
		issue.ScanID = scanID
		issues = append(issues, &issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return issues, nil
}

// SaveSnapshot stores the encoded state of a suspended scan, replacing any
// earlier snapshot of the same scan.
func (s *Store) SaveSnapshot(ctx context.Context, scanID string, data []byte) error {
	if _, err := s.pool.Exec(ctx, sqlSaveSnapshot, scanID, data, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	s.log.Info("Snapshot saved", zap.String("scan_id", scanID), zap.Int("bytes", len(data)))
	return nil
}

// LoadSnapshot returns the encoded state of a suspended scan.
func (s *Store) LoadSnapshot(ctx context.Context, scanID string) ([]byte, error) {
	rows, err := s.pool.Query(ctx, sqlLoadSnapshot, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error during row iteration: %w", err)
		}
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, scanID)
	}
	var data []byte
	if err := rows.Scan(&data); err != nil {
		return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
	}
	return data, nil
}
