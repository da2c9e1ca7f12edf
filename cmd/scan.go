// File: cmd/scan.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/internal/config"
	"github.com/xkilldash9x/scalpel-audit/internal/framework"
	"github.com/xkilldash9x/scalpel-audit/internal/metrics"
	"github.com/xkilldash9x/scalpel-audit/internal/observability"
	"github.com/xkilldash9x/scalpel-audit/internal/service"
)

// progressInterval is how often a running scan logs its statistics.
var progressInterval = 10 * time.Second

// scanOptions are the scan settings that are not part of the configuration.
type scanOptions struct {
	Seed    string
	ScanID  string
	Restore string
	Output  string
	Format  string
	// InheritChecks makes a restored scan keep the checks it was started with.
	InheritChecks bool
}

// newScanCmd creates and configures the `scan` command.
func newScanCmd(factory service.ComponentFactory, provider storeProvider) *cobra.Command {
	var opts scanOptions

	scanCmd := &cobra.Command{
		Use:   "scan [url]",
		Short: "Crawls and audits a web application",
		Long: `Crawls the application rooted at the seed URL and audits every element it finds.

An interrupted scan (Ctrl+C) is suspended to a snapshot when --snapshot is set
or a database is configured, and aborted otherwise. Resume a snapshot with --restore.`,
		Args: func(cmd *cobra.Command, args []string) error {
			restore, _ := cmd.Flags().GetString("restore")
			if restore == "" && len(args) != 1 {
				return errors.New("a seed URL is required unless --restore is given")
			}
			return cobra.MaximumNArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromContext(cmd.Context())
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			applyScanFlagOverrides(cmd, cfg, logger)
			if len(args) > 0 {
				opts.Seed = args[0]
			}
			opts.InheritChecks = !cmd.Flags().Changed("checks")

			return runScan(cmd.Context(), cfg, factory, provider, opts, logger, cmd.OutOrStdout())
		},
	}

	flags := scanCmd.Flags()
	flags.StringSlice("checks", nil, "Checks to load, by shortname. \"*\" loads all. (Overrides config/env)")
	flags.Int("page-limit", 0, "Maximum number of pages to audit, 0 means no limit. (Overrides config/env)")
	flags.Int("dom-depth", 0, "Maximum DOM transition depth the browser explores. (Overrides config/env)")
	flags.IntP("concurrency", "j", 0, "Maximum concurrent HTTP requests. (Overrides config/env)")
	flags.Bool("subdomains", false, "Follow links to subdomains of the seed. (Overrides config/env)")
	flags.Bool("passive", false, "Seed the crawl with robots.txt and sitemap URLs. (Overrides config/env)")
	flags.Bool("no-browser", false, "Disable DOM exploration in the browser pool.")
	flags.String("snapshot", "", "File or directory a suspended scan is saved to. (Overrides config/env)")
	flags.StringVar(&opts.Restore, "restore", "", "Resume a suspended scan from a snapshot file or a store location (store:<scan-id>).")
	flags.StringVarP(&opts.Output, "output", "o", "", "Write a report to this file, \"-\" for stdout.")
	flags.StringVarP(&opts.Format, "format", "f", "json", "Report format: json or sarif.")
	flags.StringVar(&opts.ScanID, "scan-id", "", "ID of the new scan. Generated when unset.")

	return scanCmd
}

// applyScanFlagOverrides copies the flags the user set onto cfg. Invalid
// values are logged and ignored.
func applyScanFlagOverrides(cmd *cobra.Command, cfg config.Interface, logger *zap.Logger) {
	flags := cmd.Flags()

	if flags.Changed("checks") {
		checks, _ := flags.GetStringSlice("checks")
		cfg.SetAuditChecks(checks)
	}
	if flags.Changed("page-limit") {
		if n, _ := flags.GetInt("page-limit"); n >= 0 {
			cfg.SetScopePageLimit(n)
		} else {
			logger.Warn("Invalid --page-limit value, ignoring", zap.Int("value", n))
		}
	}
	if flags.Changed("dom-depth") {
		if n, _ := flags.GetInt("dom-depth"); n >= 0 {
			cfg.SetScopeDOMDepthLimit(n)
		} else {
			logger.Warn("Invalid --dom-depth value, ignoring", zap.Int("value", n))
		}
	}
	if flags.Changed("concurrency") {
		if n, _ := flags.GetInt("concurrency"); n > 0 {
			cfg.SetHTTPConcurrency(n)
		} else {
			logger.Warn("Invalid --concurrency value, ignoring", zap.Int("value", n))
		}
	}
	if flags.Changed("subdomains") {
		b, _ := flags.GetBool("subdomains")
		cfg.SetScopeIncludeSubdomains(b)
	}
	if flags.Changed("passive") {
		b, _ := flags.GetBool("passive")
		cfg.SetScopePassiveDiscovery(b)
	}
	if noBrowser, _ := flags.GetBool("no-browser"); noBrowser {
		cfg.SetBrowserEnabled(false)
	}
	if flags.Changed("snapshot") {
		path, _ := flags.GetString("snapshot")
		if expanded, err := homedir.Expand(path); err == nil {
			path = expanded
		}
		cfg.SetSnapshotPath(path)
	}
}

// normalizeSeed gives a bare host name a scheme.
func normalizeSeed(seed string) string {
	seed = strings.TrimSpace(seed)
	if seed != "" && !strings.HasPrefix(seed, "http://") && !strings.HasPrefix(seed, "https://") {
		return "https://" + seed
	}
	return seed
}

// runScan creates the components, runs the scan to completion and reports
// the outcome. Canceling ctx interrupts the scan instead of killing it.
func runScan(ctx context.Context, cfg config.Interface, factory service.ComponentFactory, provider storeProvider, opts scanOptions, logger *zap.Logger, out io.Writer) error {
	seed := normalizeSeed(opts.Seed)
	scanID := opts.ScanID

	var snap *framework.Snapshot
	if opts.Restore != "" {
		var err error
		if snap, err = loadSnapshot(ctx, cfg, provider, opts.Restore); err != nil {
			return err
		}
		if seed != "" && seed != snap.Seed {
			logger.Warn("Ignoring the seed argument, resuming the snapshot's seed.",
				zap.String("argument", seed), zap.String("snapshot", snap.Seed))
		}
		seed, scanID = snap.Seed, snap.ScanID
		if opts.InheritChecks && len(snap.Checks) > 0 {
			cfg.SetAuditChecks(snap.Checks)
		}
	}
	if scanID == "" {
		scanID = uuid.New().String()
	}

	logger.Info("Starting scan",
		zap.String("scan_id", scanID),
		zap.String("seed", seed),
		zap.Bool("restored", snap != nil),
		zap.Strings("checks", cfg.Audit().Checks),
		zap.Int("page_limit", cfg.Scope().PageLimit),
		zap.Bool("browser", cfg.Browser().Enabled),
	)

	components, err := factory.Create(ctx, cfg, seed, scanID, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize scan components: %w", err)
	}
	defer components.Shutdown()
	fw := components.Framework

	if snap != nil {
		if err := fw.Restore(ctx, snap); err != nil {
			return fmt.Errorf("failed to restore snapshot: %w", err)
		}
	}

	serveCtx, stopServing := context.WithCancel(context.WithoutCancel(ctx))
	defer stopServing()
	if components.Registry != nil {
		go func() {
			if err := metrics.Serve(serveCtx, cfg.Metrics().ListenAddress, components.Registry, logger); err != nil {
				logger.Warn("Metrics endpoint stopped", zap.Error(err))
			}
		}()
	}

	// The scan gets a context of its own so an interrupt can suspend it
	// cleanly instead of tearing it down.
	done := make(chan error, 1)
	go func() { done <- fw.Run(context.WithoutCancel(ctx)) }()

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	interrupted := ctx.Done()
	var runErr error
wait:
	for {
		select {
		case runErr = <-done:
			break wait
		case <-interrupted:
			interrupted = nil
			interruptScan(fw, cfg.Snapshot().Path != "" || components.Store != nil, logger)
		case <-ticker.C:
			logProgress(fw.Statistics(), logger)
		}
	}

	stats := fw.Statistics()
	logger.Info("Scan finished",
		zap.String("scan_id", scanID),
		zap.String("status", string(stats.Status)),
		zap.Int("audited_pages", stats.AuditedPages),
		zap.Int("issues", stats.Issues),
		zap.Duration("runtime", stats.Runtime),
	)

	report := newReport(scanID, seed, fw)
	if opts.Output != "" {
		if err := writeReport(opts.Output, opts.Format, report, out, logger); err != nil {
			return err
		}
	}
	printSummary(out, report, opts.Output)

	if runErr != nil {
		return fmt.Errorf("scan %s failed: %w", scanID, runErr)
	}
	return nil
}

// interruptScan suspends the scan when it can be resumed later, and aborts
// it otherwise.
func interruptScan(fw *framework.Framework, canSuspend bool, logger *zap.Logger) {
	if canSuspend {
		logger.Warn("Interrupt received, suspending the scan.")
		err := fw.Suspend()
		if err == nil {
			return
		}
		logger.Warn("Could not suspend the scan, aborting instead.", zap.Error(err))
	} else {
		logger.Warn("Interrupt received, aborting the scan. Set --snapshot to suspend instead.")
	}
	if err := fw.Abort(); err != nil {
		logger.Warn("Could not abort the scan.", zap.Error(err))
	}
}

func logProgress(stats framework.Statistics, logger *zap.Logger) {
	logger.Info("Scan progress",
		zap.String("status", string(stats.Status)),
		zap.Int("audited_pages", stats.AuditedPages),
		zap.Int("found_pages", stats.FoundPages),
		zap.Int("url_queue", stats.URLQueue),
		zap.Int("page_queue", stats.PageQueue),
		zap.Int("browser_jobs", stats.BrowserJobs),
		zap.Int("issues", stats.Issues),
		zap.String("current_url", stats.CurrentURL),
		zap.Duration("runtime", stats.Runtime),
	)
}

// loadSnapshot reads a snapshot from a file, or from the store when the
// location carries the store prefix.
func loadSnapshot(ctx context.Context, cfg config.Interface, provider storeProvider, location string) (*framework.Snapshot, error) {
	if scanID, ok := strings.CutPrefix(location, framework.StoreLocationPrefix); ok {
		st, cleanup, err := provider.Create(ctx, cfg)
		if err != nil {
			return nil, err
		}
		defer cleanup()

		data, err := st.LoadSnapshot(ctx, scanID)
		if err != nil {
			return nil, fmt.Errorf("failed to load snapshot of scan %s: %w", scanID, err)
		}
		return framework.DecodeSnapshot(data)
	}

	path, err := homedir.Expand(location)
	if err != nil {
		return nil, fmt.Errorf("invalid snapshot path %q: %w", location, err)
	}
	return framework.ReadSnapshotFile(path)
}
