// File: internal/browser/pool.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/internal/filter"
	"github.com/xkilldash9x/scalpel-audit/internal/page"
)

// ErrShutdown is returned when queueing a job on a pool that was shut down.
var ErrShutdown = errors.New("browser: pool is shut down")

// Callback receives the pages a job produced. It runs on a worker goroutine.
type Callback func(*page.Page)

// PoolConfig sizes a Pool.
type PoolConfig struct {
	Size       int
	JobTimeout time.Duration
}

// Pool runs exploration jobs on a bounded set of workers. A DOM state is
// reported once per pool, whichever job reaches it first.
type Pool struct {
	explorer Explorer
	workers  *ants.Pool
	timeout  time.Duration
	logger   *zap.Logger

	skipStates *filter.Set[*page.Page]

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	pending  atomic.Int64
	jobs     atomic.Int64
	closed   atomic.Bool
	shutdown sync.Once
}

// StateHash identifies a DOM state: where the browser was and what the
// document looked like.
func StateHash(p *page.Page) uint64 {
	return murmur3.Sum64([]byte(p.URL + "\x00" + strconv.FormatUint(p.Digest(), 16)))
}

// NewPool creates a pool driving explorer.
func NewPool(explorer Explorer, cfg PoolConfig, logger *zap.Logger) (*Pool, error) {
	if explorer == nil {
		return nil, errors.New("browser: explorer cannot be nil")
	}
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("browser: pool size must be positive, got %d", cfg.Size)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	workers, err := ants.NewPool(cfg.Size, ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("browser: failed to create worker pool: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		explorer:   explorer,
		workers:    workers,
		timeout:    cfg.JobTimeout,
		logger:     logger.Named("browser_pool"),
		skipStates: filter.NewSet(StateHash),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Queue schedules job; cb receives every new DOM state it reaches.
func (p *Pool) Queue(job Job, cb Callback) error {
	if p.closed.Load() {
		return ErrShutdown
	}
	p.pending.Add(1)
	p.wg.Add(1)
	err := p.workers.Submit(func() {
		defer p.wg.Done()
		defer p.pending.Add(-1)
		p.run(job, cb)
	})
	if err != nil {
		p.pending.Add(-1)
		p.wg.Done()
		if errors.Is(err, ants.ErrPoolClosed) {
			return ErrShutdown
		}
		return fmt.Errorf("browser: failed to queue job: %w", err)
	}
	return nil
}

func (p *Pool) run(job Job, cb Callback) {
	logger := p.logger.With(zap.String("url", job.URL), zap.Int("depth", job.Depth))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Exploration job panicked",
				zap.Any("panicValue", r),
				zap.String("stack", string(debug.Stack())),
			)
		}
	}()

	ctx := p.ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	p.jobs.Add(1)
	emitted := 0
	err := p.explorer.Explore(ctx, job, func(pg *page.Page) bool {
		if !p.skipStates.Add(pg) {
			return false
		}
		emitted++
		if ctx.Err() == nil {
			cb(pg)
		}
		return true
	})
	switch {
	case err == nil:
		logger.Debug("Exploration job done", zap.Int("pages", emitted))
	case errors.Is(err, context.Canceled):
		logger.Debug("Exploration job cancelled")
	default:
		logger.Warn("Exploration job failed", zap.Error(err))
	}
}

// Pending returns the number of queued or running jobs.
func (p *Pool) Pending() int { return int(p.pending.Load()) }

// Done reports whether no job is queued or running.
func (p *Pool) Done() bool { return p.Pending() == 0 }

// JobsRun returns how many jobs were started.
func (p *Pool) JobsRun() int { return int(p.jobs.Load()) }

// Wait blocks until every queued job finished or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SkipStates returns the explored DOM state hashes.
func (p *Pool) SkipStates() []uint64 { return p.skipStates.Hashes() }

// LoadSkipStates marks previously explored DOM states.
func (p *Pool) LoadSkipStates(hashes []uint64) { p.skipStates.Load(hashes) }

// Shutdown cancels running jobs, waits for the workers and closes the
// explorer. It is safe to call more than once.
func (p *Pool) Shutdown() error {
	var err error
	p.shutdown.Do(func() {
		p.closed.Store(true)
		p.cancel()
		p.wg.Wait()
		p.workers.Release()
		err = p.explorer.Close()
		p.logger.Debug("Browser pool shut down", zap.Int("jobs", p.JobsRun()))
	})
	return err
}
