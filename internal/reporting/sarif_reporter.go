// File: internal/reporting/sarif_reporter.go
package reporting

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
	"github.com/xkilldash9x/scalpel-audit/internal/reporting/sarif"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Tool identification in the SARIF log.
const (
	ToolName     = "Scalpel Audit"
	ToolInfoURI  = "https://github.com/xkilldash9x/scalpel-audit"
	SARIFVersion = "2.1.0"
	SARIFSchema  = "https://schemastore.azurewebsites.net/schemas/json/sarif-2.1.0-rtm.5.json"
)

// ruleIDSanitizer keeps alphanumerics, underscores and dots. Any other run
// of characters collapses into a single hyphen.
var ruleIDSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.]+`)

// RuleFingerprint identifies a rule definition by its content.
type RuleFingerprint string

// calculateFingerprint hashes the parts of an issue that define its rule.
func calculateFingerprint(issue *schemas.Issue) RuleFingerprint {
	sortedCWEs := append([]string(nil), issue.CWE...)
	sort.Strings(sortedCWEs)

	data := struct {
		Check       string
		Name        string
		Description string
		Remedy      string
		CWEs        []string
	}{
		Check:       issue.Check,
		Name:        issue.Name,
		Description: issue.Description,
		Remedy:      issue.Remedy,
		CWEs:        sortedCWEs,
	}

	h := sha1.New()
	_ = json.NewEncoder(h).Encode(data)
	return RuleFingerprint(hex.EncodeToString(h.Sum(nil)))
}

// SARIFReporter buffers issues as SARIF 2.1.0 results and writes the log on
// Close. It is safe for concurrent use.
type SARIFReporter struct {
	writer io.WriteCloser
	logger *zap.Logger
	log    *sarif.Log

	// mu guards log and the rule maps.
	mu                 sync.Mutex
	rulesByFingerprint map[RuleFingerprint]string
	// ruleIDUsage counts how often a base rule ID was handed out.
	ruleIDUsage map[string]int
	closed      bool
}

// NewSARIFReporter creates a reporter writing to writer, which it owns.
func NewSARIFReporter(writer io.WriteCloser, toolVersion string, logger *zap.Logger) *SARIFReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := &sarif.Log{
		Version: SARIFVersion,
		Schema:  SARIFSchema,
		Runs: []*sarif.Run{
			{
				Tool: &sarif.Tool{
					Driver: &sarif.ToolComponent{
						Name:           ToolName,
						Version:        pString(toolVersion),
						InformationURI: pString(ToolInfoURI),
						Rules:          []*sarif.ReportingDescriptor{},
					},
				},
				Results: []*sarif.Result{},
			},
		},
	}

	return &SARIFReporter{
		writer:             writer,
		logger:             logger.Named("sarif_reporter"),
		log:                log,
		rulesByFingerprint: make(map[RuleFingerprint]string),
		ruleIDUsage:        make(map[string]int),
	}
}

// SetInvocation records the scan the results belong to.
func (r *SARIFReporter) SetInvocation(scanID, status string, successful bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log.Runs[0].Invocations = []*sarif.Invocation{{
		ExecutionSuccessful: successful,
		Properties:          &sarif.PropertyBag{"scanId": scanID, "status": status},
	}}
}

// Write converts issues into SARIF results.
func (r *SARIFReporter) Write(issues ...*schemas.Issue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("sarif reporter is closed")
	}

	run := r.log.Runs[0]
	for _, issue := range issues {
		if issue == nil {
			continue
		}
		messageText := issue.Description
		if messageText == "" {
			messageText = issue.Name
		}

		keyHash := sha1.Sum([]byte(issue.Key()))
		run.Results = append(run.Results, &sarif.Result{
			RuleID:    r.ensureRule(issue),
			Message:   &sarif.Message{Text: pString(messageText)},
			Level:     mapSeverityToSARIFLevel(issue.Severity),
			Locations: createLocations(issue),
			PartialFingerprints: map[string]string{
				"scalpelIssueKey/v1": hex.EncodeToString(keyHash[:]),
			},
			Properties: resultProperties(issue),
		})
	}

	if len(issues) > 0 {
		r.logger.Debug("Wrote issues to SARIF buffer", zap.Int("issues", len(issues)))
	}
	return nil
}

// Close encodes the log and closes the writer.
func (r *SARIFReporter) Close() error {
	startTime := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	run := r.log.Runs[0]
	r.logger.Info("Finalizing SARIF report",
		zap.Int("total_results", len(run.Results)),
		zap.Int("total_rules", len(run.Tool.Driver.Rules)),
	)

	encoder := json.NewEncoder(r.writer)
	encoder.SetIndent("", "  ")
	encodeErr := encoder.Encode(r.log)
	// The writer is closed even when encoding failed.
	closeErr := r.writer.Close()

	if encodeErr != nil {
		r.logger.Error("Failed to encode SARIF log to JSON", zap.Error(encodeErr))
		return fmt.Errorf("failed to encode SARIF output: %w", encodeErr)
	}
	if closeErr != nil {
		r.logger.Error("Failed to close output writer", zap.Error(closeErr))
		return fmt.Errorf("failed to close output writer: %w", closeErr)
	}

	r.logger.Debug("Wrote SARIF report", zap.Duration("duration", time.Since(startTime)))
	return nil
}

// sanitizeRuleName derives the base of a rule ID from an issue name.
func sanitizeRuleName(name string) string {
	if name == "" {
		return "UNNAMED-ISSUE"
	}
	sanitized := strings.Trim(ruleIDSanitizer.ReplaceAllString(strings.ToUpper(name), "-"), "-")
	if sanitized == "" {
		return "UNKNOWN-ISSUE"
	}
	return sanitized
}

// ensureRule returns the rule ID for the issue's definition, registering
// the rule on first sight. The caller holds mu.
func (r *SARIFReporter) ensureRule(issue *schemas.Issue) string {
	fingerprint := calculateFingerprint(issue)
	if ruleID, exists := r.rulesByFingerprint[fingerprint]; exists {
		return ruleID
	}

	baseRuleID := "SCALPEL-" + sanitizeRuleName(issue.Name)
	usageCount := r.ruleIDUsage[baseRuleID]
	r.ruleIDUsage[baseRuleID] = usageCount + 1

	ruleID := baseRuleID
	if usageCount > 0 {
		ruleID = fmt.Sprintf("%s-%d", baseRuleID, usageCount)
		r.logger.Debug("Rule ID collision detected, generated new ID with suffix",
			zap.String("base_id", baseRuleID),
			zap.String("final_id", ruleID),
		)
	}

	markdownHelp := fmt.Sprintf("**Issue:** %s\n\n**Description:**\n%s\n\n**Remedy:**\n%s",
		issue.Name, issue.Description, issue.Remedy)

	tags := append([]string{"security", "scalpel"}, issue.Tags...)
	driver := r.log.Runs[0].Tool.Driver
	driver.Rules = append(driver.Rules, &sarif.ReportingDescriptor{
		ID:               ruleID,
		Name:             pString(issue.Name),
		ShortDescription: &sarif.MultiformatMessageString{Text: pString(issue.Name)},
		FullDescription:  &sarif.MultiformatMessageString{Text: pString(issue.Description)},
		Help: &sarif.MultiformatMessageString{
			Text:     pString(issue.Remedy),
			Markdown: pString(markdownHelp),
		},
		Properties: &sarif.PropertyBag{
			"tags":      tags,
			"precision": "high",
			"check":     issue.Check,
			"CWE":       issue.CWE,
		},
	})
	r.rulesByFingerprint[fingerprint] = ruleID
	return ruleID
}

// createLocations points the result at the audited action.
func createLocations(issue *schemas.Issue) []*sarif.Location {
	uri := issue.Vector.Action
	if uri == "" {
		uri = issue.Request.URL
	}
	msg := fmt.Sprintf("%s %s input %q", issue.Vector.Method, issue.Vector.Kind, issue.Vector.AffectedInput)
	return []*sarif.Location{{
		PhysicalLocation: &sarif.PhysicalLocation{
			ArtifactLocation: &sarif.ArtifactLocation{URI: pString(uri)},
		},
		Message: &sarif.Message{Text: pString(msg)},
	}}
}

func resultProperties(issue *schemas.Issue) *sarif.PropertyBag {
	props := sarif.PropertyBag{
		"issueId":       issue.ID,
		"elementKind":   issue.Vector.Kind,
		"method":        issue.Vector.Method,
		"affectedInput": issue.Vector.AffectedInput,
	}
	if issue.Vector.Seed != "" {
		props["seed"] = issue.Vector.Seed
	}
	if issue.Platform != "" {
		props["platform"] = issue.Platform
	}
	if len(issue.Remarks) > 0 {
		props["remarks"] = issue.Remarks
	}
	return &props
}

// mapSeverityToSARIFLevel converts an issue severity to a SARIF level.
func mapSeverityToSARIFLevel(severity schemas.Severity) sarif.Level {
	switch strings.ToLower(string(severity)) {
	case "critical", "high":
		return sarif.LevelError
	case "medium":
		return sarif.LevelWarning
	default:
		return sarif.LevelNote
	}
}

func pString(s string) *string {
	return &s
}
