// Package logging constructs the process-wide zap logger.
package logging

import (
	"go.uber.org/zap"
)

// New returns a production JSON logger, or a human-readable development
// logger when verbose is set. Callers own the returned logger and should
// defer Sync.
func New(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	// CLI runs are short; sampling would only hide lines the operator
	// asked for.
	cfg.Sampling = nil
	return cfg.Build()
}
