// Package schemas holds the data types the scanner exchanges with the outside
// world: reported issues and their JSON/database representation.
package schemas

import (
	"strings"
	"time"
)

// -- Issue Schemas --

// Severity represents the severity level of an issue, ranging from
// critical to informational. The values are lowercase to align with database ENUMs.
type Severity string

// Constants defining the standard severity levels for issues.
const (
	SeverityCritical Severity = "critical" // Represents a critical vulnerability.
	SeverityHigh     Severity = "high"     // Represents a high-severity vulnerability.
	SeverityMedium   Severity = "medium"   // Represents a medium-severity vulnerability.
	SeverityLow      Severity = "low"      // Represents a low-severity vulnerability.
	SeverityInfo     Severity = "info"     // Represents an informational finding.
)

// IssueTemplate is the static part of an issue, declared once per check.
type IssueTemplate struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	CWE         []string `json:"cwe,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Remedy      string   `json:"remedy,omitempty"`
}

// Vector describes the input an issue was found in.
type Vector struct {
	Kind          string            `json:"kind"`
	Method        string            `json:"method"`
	Action        string            `json:"action"`
	AffectedInput string            `json:"affected_input"`
	Seed          string            `json:"seed"`
	Inputs        map[string]string `json:"inputs,omitempty"`
}

// RequestSummary is the request that proved the issue.
type RequestSummary struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// ResponseSummary is the response that proved the issue. The body is
// truncated to keep issues small.
type ResponseSummary struct {
	Code     int     `json:"code"`
	Seconds  float64 `json:"seconds"`
	TimedOut bool    `json:"timed_out,omitempty"`
	Body     string  `json:"body,omitempty"`
}

// Issue encapsulates all the details of a single vulnerability identified by
// a scan. It maps directly to the `issues` table in the database.
type Issue struct {
	ID     string `json:"id"`      // Unique identifier for the issue.
	ScanID string `json:"scan_id"` // The ID of the scan that produced this issue.

	// ObservedAt is the timestamp when the issue was logged.
	ObservedAt time.Time `json:"observed_at"`

	Check string `json:"check"` // Shortname of the check that logged the issue.
	IssueTemplate

	Vector       Vector          `json:"vector"`
	Platform     string          `json:"platform,omitempty"`
	PlatformType string          `json:"platform_type,omitempty"`
	Request      RequestSummary  `json:"request"`
	Response     ResponseSummary `json:"response"`

	// Remarks are the analyzer's own notes, keyed by analysis technique.
	Remarks map[string][]string `json:"remarks,omitempty"`
}

// Key identifies the issue independently of the payload that proved it:
// the same check, input location and platform.
func (i *Issue) Key() string {
	return strings.Join([]string{
		i.Check, i.Vector.Kind, i.Vector.Method, i.Vector.Action, i.Vector.AffectedInput, i.Platform,
	}, "|")
}
