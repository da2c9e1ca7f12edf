// File: cmd/report.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
	"github.com/xkilldash9x/scalpel-audit/internal/config"
	"github.com/xkilldash9x/scalpel-audit/internal/framework"
	"github.com/xkilldash9x/scalpel-audit/internal/observability"
	"github.com/xkilldash9x/scalpel-audit/internal/reporting"
	"github.com/xkilldash9x/scalpel-audit/internal/service"
	"github.com/xkilldash9x/scalpel-audit/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// scanStore is the part of the store the commands read from.
type scanStore interface {
	IssuesByScanID(ctx context.Context, scanID string) ([]*schemas.Issue, error)
	LoadSnapshot(ctx context.Context, scanID string) ([]byte, error)
}

// storeProvider opens the store. The abstraction lets tests inject a fake
// instead of a live database connection.
type storeProvider interface {
	// Create returns the store and a cleanup function releasing it.
	Create(ctx context.Context, cfg config.Interface) (scanStore, func(), error)
}

type defaultStoreProvider struct{}

func newStoreProvider() storeProvider {
	return &defaultStoreProvider{}
}

// Create connects to the configured PostgreSQL database.
func (p *defaultStoreProvider) Create(ctx context.Context, cfg config.Interface) (scanStore, func(), error) {
	logger := observability.GetLogger()
	if cfg.Database().URL == "" {
		return nil, nil, errors.New("database URL is not configured (SCALPEL_DATABASE_URL)")
	}

	pool, err := service.InitializeDBPool(ctx, cfg.Database().URL, logger)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	return st, pool.Close, nil
}

// newReportCmd creates the `report` command, which renders the issues a
// scan persisted to the database.
func newReportCmd(provider storeProvider) *cobra.Command {
	var scanID, output, format string

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Generates a JSON or SARIF report of a stored scan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if scanID == "" {
				return errors.New("--scan-id is required")
			}
			cfg, err := configFromContext(cmd.Context())
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			st, cleanup, err := provider.Create(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to open the store: %w", err)
			}
			defer cleanup()

			issues, err := st.IssuesByScanID(cmd.Context(), scanID)
			if err != nil {
				return fmt.Errorf("failed to load issues of scan %s: %w", scanID, err)
			}
			logger.Info("Loaded issues", zap.String("scan_id", scanID), zap.Int("count", len(issues)))

			report := &Report{
				ScanID:    scanID,
				Version:   Version,
				Generated: time.Now().UTC(),
				Issues:    sortIssues(issues),
			}
			if output == "" {
				output = "-"
			}
			return writeReport(output, format, report, cmd.OutOrStdout(), logger)
		},
	}

	reportCmd.Flags().StringVar(&scanID, "scan-id", "", "ID of the scan to report on.")
	reportCmd.Flags().StringVarP(&output, "output", "o", "", "Report file path, stdout when unset.")
	reportCmd.Flags().StringVarP(&format, "format", "f", "json", "Report format: json or sarif.")
	return reportCmd
}

// Report is the JSON document written at the end of a scan.
type Report struct {
	ScanID     string                `json:"scan_id"`
	Seed       string                `json:"seed,omitempty"`
	Version    string                `json:"version"`
	Generated  time.Time             `json:"generated_at"`
	Status     framework.Status      `json:"status,omitempty"`
	Statistics *framework.Statistics `json:"statistics,omitempty"`
	Sitemap    map[string]int        `json:"sitemap,omitempty"`
	Failures   []string              `json:"failures,omitempty"`
	Snapshot   string                `json:"snapshot,omitempty"`
	Issues     []*schemas.Issue      `json:"issues"`
}

func newReport(scanID, seed string, fw *framework.Framework) *Report {
	stats := fw.Statistics()
	return &Report{
		ScanID:     scanID,
		Seed:       seed,
		Version:    Version,
		Generated:  time.Now().UTC(),
		Status:     stats.Status,
		Statistics: &stats,
		Sitemap:    fw.Sitemap(),
		Failures:   fw.Failures(),
		Snapshot:   fw.SnapshotLocation(),
		Issues:     sortIssues(fw.Issues().All()),
	}
}

var severityRank = map[schemas.Severity]int{
	schemas.SeverityCritical: 0,
	schemas.SeverityHigh:     1,
	schemas.SeverityMedium:   2,
	schemas.SeverityLow:      3,
	schemas.SeverityInfo:     4,
}

func rank(s schemas.Severity) int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return len(severityRank)
}

// sortIssues orders issues by severity, then by name and location.
func sortIssues(issues []*schemas.Issue) []*schemas.Issue {
	out := append([]*schemas.Issue{}, issues...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ra, rb := rank(a.Severity), rank(b.Severity); ra != rb {
			return ra < rb
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Vector.Action < b.Vector.Action
	})
	return out
}

// writeReport writes r to path, or to out when path is "-". JSON carries the
// whole report, other formats only its issues.
func writeReport(path, format string, r *Report, out io.Writer, logger *zap.Logger) error {
	if !reporting.IsStdout(path) {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return fmt.Errorf("invalid report path %q: %w", path, err)
		}
		path = expanded
	}

	if format != "" && format != "json" {
		reporter, err := reporting.New(format, path, Version, out, logger)
		if err != nil {
			return err
		}
		if s, ok := reporter.(*reporting.SARIFReporter); ok && r.Status != "" {
			s.SetInvocation(r.ScanID, string(r.Status), r.Status != framework.StatusAborted)
		}
		if err := reporter.Write(r.Issues...); err != nil {
			reporter.Close()
			return err
		}
		return reporter.Close()
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	data = append(data, '\n')

	if reporting.IsStdout(path) {
		_, err := out.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

func printSummary(out io.Writer, r *Report, output string) {
	// A report on stdout must stay parseable.
	if output != "" && reporting.IsStdout(output) {
		return
	}
	fmt.Fprintf(out, "\nScan %s. Scan ID: %s\n", r.Status, r.ScanID)
	if r.Statistics != nil {
		fmt.Fprintf(out, "Audited %d pages in %s, %d requests.\n",
			r.Statistics.AuditedPages, r.Statistics.Runtime.Round(time.Second), r.Statistics.HTTP.Responses)
	}
	fmt.Fprintf(out, "Found %d issues.\n", len(r.Issues))
	for _, issue := range r.Issues {
		fmt.Fprintf(out, "  [%s] %s: %s input %q at %s\n",
			issue.Severity, issue.Name, issue.Vector.Kind, issue.Vector.AffectedInput, issue.Vector.Action)
	}
	if len(r.Failures) > 0 {
		fmt.Fprintf(out, "%d URLs could not be fetched.\n", len(r.Failures))
	}
	if r.Status == framework.StatusSuspended && r.Snapshot != "" {
		fmt.Fprintf(out, "Snapshot saved to: %s\n", r.Snapshot)
		fmt.Fprintf(out, "To resume, run: scalpel-audit scan --restore %s\n", r.Snapshot)
	}
	if output != "" {
		fmt.Fprintf(out, "Report written to: %s\n", output)
	}
}
