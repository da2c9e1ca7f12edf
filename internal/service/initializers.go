// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
)

// IssuePersister stores batches of issues.
type IssuePersister interface {
	PersistIssues(ctx context.Context, scanID string, issues []*schemas.Issue) error
}

// InitializeDBPool connects to PostgreSQL and verifies the connection.
func InitializeDBPool(ctx context.Context, url string, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	logger.Debug("Database connection pool initialized.", zap.String("host", poolConfig.ConnConfig.Host))
	return pool, nil
}

// Issue batching parameters.
const (
	issueBatchSize    = 50
	issueBatchTimeout = 2 * time.Second
)

// StartIssueConsumer persists issues read from ch in batches until ch is
// closed or ctx is done. wg is released once the last batch is written.
func StartIssueConsumer(ctx context.Context, wg *sync.WaitGroup, ch <-chan *schemas.Issue, persister IssuePersister, scanID string, logger *zap.Logger) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Debug("Starting issue consumer goroutine.")
		defer logger.Debug("Issue consumer goroutine shut down.")

		batch := make([]*schemas.Issue, 0, issueBatchSize)
		ticker := time.NewTicker(issueBatchTimeout)
		defer ticker.Stop()

		flush := func() {
			if len(batch) == 0 {
				return
			}
			// Persistence outlives a canceled scan context.
			persistCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := persister.PersistIssues(persistCtx, scanID, batch); err != nil {
				logger.Error("Failed to persist issue batch. Data may be lost.", zap.Error(err), zap.Int("batch_size", len(batch)))
			}
			batch = batch[:0]
		}

		for {
			select {
			case issue, ok := <-ch:
				if !ok {
					flush()
					return
				}
				batch = append(batch, issue)
				if len(batch) >= issueBatchSize {
					flush()
					ticker.Reset(issueBatchTimeout)
				}
			case <-ticker.C:
				flush()
			case <-ctx.Done():
				logger.Warn("Issue consumer context canceled, draining the remaining issues.")
				drainChannel(ch, &batch)
				flush()
				return
			}
		}
	}()
}

// drainChannel moves whatever is buffered in ch into batch.
func drainChannel(ch <-chan *schemas.Issue, batch *[]*schemas.Issue) {
	for {
		select {
		case issue, ok := <-ch:
			if !ok {
				return
			}
			*batch = append(*batch, issue)
		default:
			return
		}
	}
}
