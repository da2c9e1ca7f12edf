// File: cmd/report_test.go
package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
	"github.com/xkilldash9x/scalpel-audit/internal/config"
	"github.com/xkilldash9x/scalpel-audit/internal/framework"
)

// fakeStore serves canned issues and snapshots.
type fakeStore struct {
	issues    map[string][]*schemas.Issue
	snapshots map[string][]byte
}

func (s *fakeStore) IssuesByScanID(_ context.Context, scanID string) ([]*schemas.Issue, error) {
	return s.issues[scanID], nil
}

func (s *fakeStore) LoadSnapshot(_ context.Context, scanID string) ([]byte, error) {
	data, ok := s.snapshots[scanID]
	if !ok {
		return nil, errors.New("no rows in result set")
	}
	return data, nil
}

// fakeProvider hands out store, or err when set.
type fakeProvider struct {
	store   *fakeStore
	err     error
	cleaned int
}

func (p *fakeProvider) Create(context.Context, config.Interface) (scanStore, func(), error) {
	if p.err != nil {
		return nil, nil, p.err
	}
	if p.store == nil {
		return nil, nil, errors.New("database URL is not configured")
	}
	return p.store, func() { p.cleaned++ }, nil
}

func issue(id string, severity schemas.Severity, name string) *schemas.Issue {
	return &schemas.Issue{
		ID:            id,
		ScanID:        "scan-1",
		IssueTemplate: schemas.IssueTemplate{Name: name, Severity: severity},
		Vector:        schemas.Vector{Kind: "link", Method: "GET", Action: "http://app.test/", AffectedInput: "id"},
	}
}

func executeReport(t *testing.T, provider storeProvider, args ...string) (string, error) {
	t.Helper()
	cmd := newReportCmd(provider)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	ctx := context.WithValue(context.Background(), configKey, config.NewDefaultConfig())
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestReportCmd(t *testing.T) {
	provider := &fakeProvider{store: &fakeStore{issues: map[string][]*schemas.Issue{
		"scan-1": {
			issue("a", schemas.SeverityLow, "Cookie without HttpOnly"),
			issue("b", schemas.SeverityHigh, "SQL Injection (differential analysis)"),
		},
	}}}

	out, err := executeReport(t, provider, "--scan-id", "scan-1")
	require.NoError(t, err)
	assert.Equal(t, 1, provider.cleaned)

	var r Report
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.Equal(t, "scan-1", r.ScanID)
	require.Len(t, r.Issues, 2)
	assert.Equal(t, "b", r.Issues[0].ID, "higher severities come first")
}

func TestReportCmd_Errors(t *testing.T) {
	_, err := executeReport(t, &fakeProvider{})
	assert.ErrorContains(t, err, "--scan-id is required")

	_, err = executeReport(t, &fakeProvider{err: errors.New("connection refused")}, "--scan-id", "scan-1")
	assert.ErrorContains(t, err, "failed to open the store")
}

func TestSortIssues(t *testing.T) {
	in := []*schemas.Issue{
		issue("info", schemas.SeverityInfo, "A"),
		issue("unknown", "", "A"),
		issue("high-b", schemas.SeverityHigh, "B"),
		issue("high-a", schemas.SeverityHigh, "A"),
		issue("critical", schemas.SeverityCritical, "Z"),
	}
	var got []string
	for _, i := range sortIssues(in) {
		got = append(got, i.ID)
	}
	assert.Equal(t, []string{"critical", "high-a", "high-b", "info", "unknown"}, got)
	assert.Equal(t, "info", in[0].ID, "the input is not reordered")
}

func TestLoadSnapshot_FromStore(t *testing.T) {
	data, err := framework.EncodeSnapshot(&framework.Snapshot{
		Version: framework.SnapshotVersion,
		ScanID:  "scan-9",
		Seed:    "http://app.test/",
	})
	require.NoError(t, err)
	provider := &fakeProvider{store: &fakeStore{snapshots: map[string][]byte{"scan-9": data}}}

	snap, err := loadSnapshot(context.Background(), config.NewDefaultConfig(), provider, framework.StoreLocationPrefix+"scan-9")
	require.NoError(t, err)
	assert.Equal(t, "scan-9", snap.ScanID)
	assert.Equal(t, "http://app.test/", snap.Seed)
	assert.Equal(t, 1, provider.cleaned)

	_, err = loadSnapshot(context.Background(), config.NewDefaultConfig(), provider, framework.StoreLocationPrefix+"missing")
	assert.ErrorContains(t, err, "failed to load snapshot of scan missing")

	_, err = loadSnapshot(context.Background(), config.NewDefaultConfig(), provider, "/does/not/exist.snapshot.json")
	assert.Error(t, err)
}

func TestReportCmd_SARIF(t *testing.T) {
	provider := &fakeProvider{store: &fakeStore{issues: map[string][]*schemas.Issue{
		"scan-1": {issue("b", schemas.SeverityHigh, "SQL Injection (differential analysis)")},
	}}}

	out, err := executeReport(t, provider, "--scan-id", "scan-1", "--format", "sarif")
	require.NoError(t, err)

	var log struct {
		Version string `json:"version"`
		Runs    []struct {
			Results []struct {
				RuleID string `json:"ruleId"`
				Level  string `json:"level"`
			} `json:"results"`
		} `json:"runs"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &log))
	assert.Equal(t, "2.1.0", log.Version)
	require.Len(t, log.Runs, 1)
	require.Len(t, log.Runs[0].Results, 1)
	assert.Equal(t, "SCALPEL-SQL-INJECTION-DIFFERENTIAL-ANALYSIS", log.Runs[0].Results[0].RuleID)
	assert.Equal(t, "error", log.Runs[0].Results[0].Level)

	_, err = executeReport(t, provider, "--scan-id", "scan-1", "--format", "xml")
	assert.ErrorContains(t, err, "unsupported output format: xml")
}
