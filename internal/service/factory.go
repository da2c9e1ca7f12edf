// File: internal/service/factory.go
package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/internal/audit"
	"github.com/xkilldash9x/scalpel-audit/internal/browser"
	"github.com/xkilldash9x/scalpel-audit/internal/check"
	"github.com/xkilldash9x/scalpel-audit/internal/config"
	"github.com/xkilldash9x/scalpel-audit/internal/discovery"
	"github.com/xkilldash9x/scalpel-audit/internal/framework"
	"github.com/xkilldash9x/scalpel-audit/internal/httpclient"
	"github.com/xkilldash9x/scalpel-audit/internal/metrics"
	"github.com/xkilldash9x/scalpel-audit/internal/network"
	"github.com/xkilldash9x/scalpel-audit/internal/page"
	"github.com/xkilldash9x/scalpel-audit/internal/platform"
	"github.com/xkilldash9x/scalpel-audit/internal/scope"
	"github.com/xkilldash9x/scalpel-audit/internal/store"
)

// ComponentFactory creates the set of components needed for a scan. The
// abstraction keeps the scan command testable.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, seed, scanID string, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct {
	checkOptions []check.Option
}

// NewComponentFactory creates a new production-ready component factory.
// Options are passed to the check manager.
func NewComponentFactory(opts ...check.Option) ComponentFactory {
	return &concreteFactory{checkOptions: opts}
}

// Create handles the full dependency injection and initialization of scan
// components. Partially created components are shut down on failure.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, seed, scanID string, logger *zap.Logger) (components *Components, err error) {
	if cfg == nil {
		return nil, errors.New("configuration cannot be nil")
	}
	if seed == "" || scanID == "" {
		return nil, errors.New("a seed URL and a scan ID are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	components = &Components{ScanID: scanID, logger: logger}
	defer func() {
		if err != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(err))
			components.Shutdown()
			components = nil
		}
	}()

	// 1. Database pool and store. Optional: without them issues stay in
	// memory and snapshots go to disk.
	var snapshots framework.SnapshotStore
	if url := cfg.Database().URL; url != "" {
		pool, err := InitializeDBPool(ctx, url, logger)
		if err != nil {
			return components, err
		}
		components.DBPool = pool

		dbStore, err := store.New(ctx, pool, logger)
		if err != nil {
			return components, fmt.Errorf("failed to initialize database store: %w", err)
		}
		components.Store = dbStore
		snapshots = dbStore
		logger.Debug("Store service initialized.")
	}

	// 2. HTTP client.
	client, err := httpclient.New(cfg.HTTP(), network.NewDefaultTransportConfig(), logger)
	if err != nil {
		return components, fmt.Errorf("failed to create HTTP client: %w", err)
	}
	components.HTTP = client

	// 3. Scope.
	sc, err := scope.New(seed, cfg.Scope(), logger)
	if err != nil {
		return components, fmt.Errorf("failed to initialize scope: %w", err)
	}

	// 4. Checks.
	checks := check.NewManager(logger, f.checkOptions...)
	if err := checks.Load(cfg.Audit().Checks); err != nil {
		return components, fmt.Errorf("failed to load checks: %w", err)
	}

	// 5. Issues, persisted in batches when a store is configured.
	issues := audit.NewIssues()
	if components.Store != nil {
		components.issues = newIssueSink(1024, logger)
		components.consumerWG = &sync.WaitGroup{}
		StartIssueConsumer(ctx, components.consumerWG, components.issues.ch, components.Store, scanID, logger.Named("issues"))
		issues.Subscribe(components.issues.send)
	}

	// 6. Metrics.
	if cfg.Metrics().Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m, err := metrics.New(reg)
		if err != nil {
			return components, fmt.Errorf("failed to register metrics: %w", err)
		}
		components.Metrics = m
		components.Registry = reg
	}

	// 7. Discovery and browser pool.
	deps := framework.Dependencies{
		HTTP:      client,
		Scope:     sc,
		Platforms: platform.NewManager(logger),
		Checks:    checks,
		Issues:    issues,
		Metrics:   components.Metrics,
		Snapshots: snapshots,
	}
	if scfg := cfg.Scope(); scfg.PassiveDiscovery {
		runner, err := discovery.New(client, sc, scfg.DiscoveryURLLimit, logger)
		if err != nil {
			return components, fmt.Errorf("failed to initialize discovery: %w", err)
		}
		deps.Discovery = runner
	}
	if bcfg := cfg.Browser(); bcfg.Enabled {
		templates, err := compileTemplates(cfg.Audit().LinkTemplates)
		if err != nil {
			return components, err
		}
		explorer := browser.NewChromeExplorer(bcfg, page.Options{LinkTemplates: templates}, logger)
		pool, err := browser.NewPool(explorer, browser.PoolConfig{Size: bcfg.PoolSize, JobTimeout: bcfg.JobTimeout}, logger)
		if err != nil {
			return components, fmt.Errorf("failed to initialize browser pool: %w", err)
		}
		components.Browser = pool
		deps.Browser = pool
		logger.Debug("Browser pool initialized.", zap.Int("size", bcfg.PoolSize))
	}

	// 8. Framework.
	fw, err := framework.New(scanID, cfg, deps, logger)
	if err != nil {
		return components, fmt.Errorf("failed to create framework: %w", err)
	}
	components.Framework = fw

	logger.Info("All scan components initialized successfully.",
		zap.String("scan_id", scanID),
		zap.Strings("checks", checks.Shortnames()),
		zap.Bool("browser", components.Browser != nil),
		zap.Bool("store", components.Store != nil),
	)
	return components, nil
}

func compileTemplates(raw []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(raw))
	for _, r := range raw {
		re, err := regexp.Compile(r)
		if err != nil {
			return nil, fmt.Errorf("invalid link template %q: %w", r, err)
		}
		out = append(out, re)
	}
	return out, nil
}
