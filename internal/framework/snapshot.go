// File: internal/framework/snapshot.go
package framework

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
	"github.com/xkilldash9x/scalpel-audit/internal/analysis/timeout"
	"github.com/xkilldash9x/scalpel-audit/internal/element"
	"github.com/xkilldash9x/scalpel-audit/internal/httpclient"
	"github.com/xkilldash9x/scalpel-audit/internal/page"
	"github.com/xkilldash9x/scalpel-audit/internal/platform"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SnapshotVersion is bumped whenever the snapshot layout changes.
const SnapshotVersion = 1

// SnapshotExtension is appended to generated snapshot file names.
const SnapshotExtension = ".snapshot.json"

// StoreLocationPrefix marks a snapshot location that names a scan in the
// store rather than a file.
const StoreLocationPrefix = "store:"

// ErrSnapshotVersion is returned when decoding a snapshot of another layout.
var ErrSnapshotVersion = errors.New("framework: unsupported snapshot version")

// SnapshotStore persists encoded snapshots, keyed by scan ID.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, scanID string, data []byte) error
	LoadSnapshot(ctx context.Context, scanID string) ([]byte, error)
}

// PageRecord is the serializable form of a queued page.
type PageRecord struct {
	URL     string      `json:"url"`
	Code    int         `json:"code"`
	Headers http.Header `json:"headers,omitempty"`
	Body    string      `json:"body"`
	DOM     page.DOM    `json:"dom"`
}

// Filters holds the dedup filters' hashes.
type Filters struct {
	Pages           []uint64                  `json:"pages"`
	URLs            []uint64                  `json:"urls"`
	Paths           []uint64                  `json:"paths"`
	DOM             []uint64                  `json:"dom"`
	ElementPreCheck []uint64                  `json:"element_pre_check"`
	Elements        map[element.Kind][]uint64 `json:"elements,omitempty"`
	Audited         []uint64                  `json:"audited"`
}

// Snapshot is everything a suspended scan needs to carry on.
type Snapshot struct {
	Version   int       `json:"version"`
	ScanID    string    `json:"scan_id"`
	Seed      string    `json:"seed"`
	CreatedAt time.Time `json:"created_at"`
	Checks    []string  `json:"checks"`

	AuditedPages   int                        `json:"audited_pages"`
	URLQueue       []string                   `json:"url_queue"`
	PageQueue      []PageRecord               `json:"page_queue"`
	URLQueueTotal  int                        `json:"url_queue_total"`
	PageQueueTotal int                        `json:"page_queue_total"`
	Sitemap        map[string]int             `json:"sitemap"`
	Retries        map[uint64]int             `json:"retries"`
	Failures       []string                   `json:"failures"`
	Filters        Filters                    `json:"filters"`
	Timeout        timeout.State              `json:"timeout"`
	Platforms      map[string][]platform.Name `json:"platforms,omitempty"`
	BrowserStates  []uint64                   `json:"browser_states,omitempty"`
	Issues         []*schemas.Issue           `json:"issues,omitempty"`
}

// EncodeSnapshot serializes s.
func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("framework: failed to encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses data produced by EncodeSnapshot.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("framework: failed to decode snapshot: %w", err)
	}
	if s.Version != SnapshotVersion {
		return nil, fmt.Errorf("%w: %d", ErrSnapshotVersion, s.Version)
	}
	return &s, nil
}

// ReadSnapshotFile loads a snapshot written by a suspended scan.
func ReadSnapshotFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("framework: failed to read snapshot: %w", err)
	}
	return DecodeSnapshot(data)
}

// Dump captures the scan state.
func (f *Framework) Dump() *Snapshot {
	s := &Snapshot{
		Version:   SnapshotVersion,
		ScanID:    f.scanID,
		Seed:      f.scope.Seed(),
		CreatedAt: time.Now().UTC(),
		Checks:    f.checks.Shortnames(),
		Filters: Filters{
			Pages:           f.pageFilter.Hashes(),
			URLs:            f.urlFilter.Hashes(),
			Paths:           f.pathsFilter.Hashes(),
			DOM:             f.domFilter.Hashes(),
			ElementPreCheck: f.elementPreCheck.Hashes(),
			Elements:        f.elements.Dump(),
			Audited:         f.env.Audit.AuditedHashes(),
		},
		Timeout:   f.env.Timeout.Dump(),
		Platforms: f.platforms.Dump(),
		Issues:    f.issues.All(),
	}
	if f.browser != nil {
		s.BrowserStates = f.browser.SkipStates()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	s.AuditedPages = f.auditedPages
	s.URLQueue = append([]string{}, f.urlQueue...)
	s.URLQueueTotal = f.urlQueueTotal
	s.PageQueueTotal = f.pageQueueTotal
	s.PageQueue = make([]PageRecord, 0, len(f.pageQueue))
	for _, p := range f.pageQueue {
		s.PageQueue = append(s.PageQueue, PageRecord{URL: p.URL, Code: p.Code, Headers: p.Headers, Body: p.Body, DOM: p.DOM})
	}
	s.Sitemap = make(map[string]int, len(f.sitemap))
	for k, v := range f.sitemap {
		s.Sitemap[k] = v
	}
	s.Retries = make(map[uint64]int, len(f.retries))
	for k, v := range f.retries {
		s.Retries[k] = v
	}
	s.Failures = append([]string{}, f.failures...)
	return s
}

// Restore loads a snapshot into a framework that has not run yet. The
// queued pages are parsed in parallel so the first audits start warm.
func (f *Framework) Restore(ctx context.Context, s *Snapshot) error {
	if s == nil {
		return errors.New("framework: snapshot cannot be nil")
	}
	if st := f.state.get(); st != StatusReady {
		return fmt.Errorf("%w: cannot restore into a %s scan", ErrInvalidState, st)
	}
	if s.ScanID != f.scanID {
		return fmt.Errorf("%w: snapshot of scan %s cannot resume scan %s", ErrInvalidState, s.ScanID, f.scanID)
	}
	if len(s.Checks) > 0 {
		if err := f.checks.Load(s.Checks); err != nil {
			return fmt.Errorf("framework: failed to load snapshot checks: %w", err)
		}
	}

	pages := make([]*page.Page, len(s.PageQueue))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, r := range s.PageQueue {
		i, r := i, r
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			resp := &httpclient.Response{URL: r.URL, Code: r.Code, Headers: r.Headers, Body: r.Body}
			if resp.Headers == nil {
				resp.Headers = http.Header{}
			}
			p := page.FromResponse(resp, f.pageOptions(r.URL))
			p.DOM = r.DOM
			p.Elements()
			pages[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("framework: failed to restore page queue: %w", err)
	}

	if err := f.env.Timeout.Load(s.Timeout, f.checks.Resolver(f.env)); err != nil {
		return fmt.Errorf("framework: failed to restore timeout candidates: %w", err)
	}

	f.pageFilter.Load(s.Filters.Pages)
	f.urlFilter.Load(s.Filters.URLs)
	f.pathsFilter.Load(s.Filters.Paths)
	f.domFilter.Load(s.Filters.DOM)
	f.elementPreCheck.Load(s.Filters.ElementPreCheck)
	f.elements.Load(s.Filters.Elements)
	f.env.Audit.LoadAudited(s.Filters.Audited)
	f.platforms.Load(s.Platforms)
	f.issues.Load(s.Issues)
	if f.browser != nil {
		f.browser.LoadSkipStates(s.BrowserStates)
	}

	f.mu.Lock()
	f.auditedPages = s.AuditedPages
	f.urlQueue = append([]string(nil), s.URLQueue...)
	f.pageQueue = pages
	f.urlQueueTotal = s.URLQueueTotal
	f.pageQueueTotal = s.PageQueueTotal
	f.sitemap = make(map[string]int, len(s.Sitemap))
	for k, v := range s.Sitemap {
		f.sitemap[k] = v
	}
	f.retries = make(map[uint64]int, len(s.Retries))
	for k, v := range s.Retries {
		f.retries[k] = v
	}
	f.failures = append([]string(nil), s.Failures...)
	f.restored = true
	f.mu.Unlock()

	f.logger.Info("Scan restored",
		zap.String("scan_id", s.ScanID),
		zap.Int("audited_pages", s.AuditedPages),
		zap.Int("url_queue", len(s.URLQueue)),
		zap.Int("page_queue", len(s.PageQueue)),
	)
	return nil
}

// SnapshotPath returns where the snapshot of this scan is written when no
// store is configured. A configured directory gets a generated file name.
func (f *Framework) SnapshotPath() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshotPath != "" {
		return f.snapshotPath
	}

	host := "scan"
	if u, err := url.Parse(f.scope.Seed()); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	name := fmt.Sprintf("%s %s %s%s", host, time.Now().Format("2006-01-02 15_04_05"), f.scanID, SnapshotExtension)
	name = strings.ReplaceAll(name, " ", "_")

	location := f.cfg.Snapshot().Path
	switch {
	case location == "":
		location = name
	case isDir(location):
		location = filepath.Join(location, name)
	}
	if abs, err := filepath.Abs(location); err == nil {
		location = abs
	}
	f.snapshotPath = location
	return location
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// saveSnapshot writes the encoded state to the store, or to SnapshotPath.
func (f *Framework) saveSnapshot(ctx context.Context) (string, error) {
	data, err := EncodeSnapshot(f.Dump())
	if err != nil {
		return "", err
	}
	if f.snapshots != nil {
		if err := f.snapshots.SaveSnapshot(ctx, f.scanID, data); err != nil {
			return "", fmt.Errorf("framework: failed to store snapshot: %w", err)
		}
		return StoreLocationPrefix + f.scanID, nil
	}

	path := f.SnapshotPath()
	f.state.setMessage(msgSavingSnapshot, path)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("framework: failed to write snapshot: %w", err)
	}
	return path, nil
}
