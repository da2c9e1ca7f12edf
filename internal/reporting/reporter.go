// File: internal/reporting/reporter.go

// Package reporting renders scan issues in interchange formats.
package reporting

import (
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
)

// Reporter writes issues to an output.
type Reporter interface {
	// Write adds issues to the report.
	Write(issues ...*schemas.Issue) error
	// Close finalizes the report and releases the output.
	Close() error
}

// nopWriteCloser wraps an io.Writer with a no-op Close.
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// IsStdout reports whether outputPath names the standard output.
func IsStdout(outputPath string) bool {
	return outputPath == "" || outputPath == "-" || outputPath == "stdout"
}

// New creates a reporter for format. An empty outputPath, "-" or "stdout"
// write to stdout, which is never closed.
func New(format, outputPath, toolVersion string, stdout io.Writer, logger *zap.Logger) (Reporter, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	var writer io.WriteCloser
	if IsStdout(outputPath) {
		if stdout == nil {
			stdout = os.Stdout
		}
		writer = nopWriteCloser{stdout}
	} else {
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
	}

	switch format {
	case "sarif":
		return NewSARIFReporter(writer, toolVersion, logger), nil
	default:
		writer.Close()
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}
