// Package report provides the crash/exception reporting seam for the proxy.
//
// Failures that indicate an infrastructure problem (directory API errors,
// unclassified handler errors, forwarding transport errors) are escalated
// through a Reporter in addition to being logged. Expected operational
// outcomes never reach the Reporter.
package report

import (
	"context"
	"log/slog"

	"github.com/postalsys/connect-proxy/internal/logging"
)

// Reporter receives errors that should be escalated beyond logging.
type Reporter interface {
	// Report escalates an error together with structured context fields.
	// Fields alternate key, value in the slog convention.
	Report(ctx context.Context, err error, fields ...any)
}

// LogReporter escalates errors to a structured logger at Error level.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter creates a Reporter backed by the given logger.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &LogReporter{logger: logger}
}

// Report implements Reporter.
func (r *LogReporter) Report(ctx context.Context, err error, fields ...any) {
	args := make([]any, 0, len(fields)+2)
	args = append(args, logging.KeyError, err)
	args = append(args, fields...)
	r.logger.ErrorContext(ctx, "reported error", args...)
}

// NopReporter discards all reports.
type NopReporter struct{}

// Report implements Reporter.
func (NopReporter) Report(ctx context.Context, err error, fields ...any) {}
