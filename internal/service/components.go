// File: internal/service/components.go

// Package service wires the scan components together and owns their
// lifecycle.
package service

import (
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
	"github.com/xkilldash9x/scalpel-audit/internal/browser"
	"github.com/xkilldash9x/scalpel-audit/internal/framework"
	"github.com/xkilldash9x/scalpel-audit/internal/httpclient"
	"github.com/xkilldash9x/scalpel-audit/internal/metrics"
	"github.com/xkilldash9x/scalpel-audit/internal/store"
)

// Components holds everything a scan needs, so the command only deals with
// one value and one Shutdown.
type Components struct {
	ScanID    string
	Framework *framework.Framework
	HTTP      *httpclient.Client
	Browser   *browser.Pool
	Store     *store.Store
	DBPool    *pgxpool.Pool
	Metrics   *metrics.Metrics
	Registry  *prometheus.Registry

	issues     *issueSink
	consumerWG *sync.WaitGroup
	logger     *zap.Logger
	shutdown   sync.Once
}

// Shutdown releases the components in dependency order. The scan must have
// returned before it is called.
func (c *Components) Shutdown() {
	c.shutdown.Do(func() {
		logger := c.logger
		if logger == nil {
			logger = zap.NewNop()
		}
		logger.Debug("Beginning components shutdown sequence.")

		if c.Framework != nil {
			if err := c.Framework.Close(); err != nil {
				logger.Warn("Error while closing the framework.", zap.Error(err))
			}
		}

		// 1. The browser is a producer of pages; stop it first.
		if c.Browser != nil {
			if err := c.Browser.Shutdown(); err != nil {
				logger.Warn("Error during browser pool shutdown.", zap.Error(err))
			} else {
				logger.Debug("Browser pool shut down.")
			}
		}

		// 2. Drain the issue consumer.
		if c.issues != nil {
			c.issues.close()
			logger.Debug("Issue channel closed.")
		}
		if c.consumerWG != nil {
			c.consumerWG.Wait()
			logger.Debug("Issue consumer finished processing.")
		}

		// 3. In-flight requests are abandoned.
		if c.HTTP != nil {
			c.HTTP.Close()
		}

		// 4. Close the database connection pool.
		if c.DBPool != nil {
			c.DBPool.Close()
			logger.Debug("Database connection pool closed.")
		}

		logger.Info("All scan components shut down successfully.")
	})
}

// issueSendTimeout bounds how long a check blocks on a stalled consumer.
const issueSendTimeout = 5 * time.Second

// issueSink forwards logged issues to the consumer. Issues logged after
// close are dropped.
type issueSink struct {
	mu     sync.Mutex
	ch     chan *schemas.Issue
	closed bool
	logger *zap.Logger
}

func newIssueSink(size int, logger *zap.Logger) *issueSink {
	return &issueSink{ch: make(chan *schemas.Issue, size), logger: logger}
}

func (s *issueSink) send(issue *schemas.Issue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Warn("Issue logged after shutdown, not persisted.", zap.String("issue_id", issue.ID))
		return
	}
	select {
	case s.ch <- issue:
	case <-time.After(issueSendTimeout):
		s.logger.Error("Issue consumer is stalled, issue not persisted.", zap.String("issue_id", issue.ID))
	}
}

func (s *issueSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
