package observability

import (
	"io"

	"github.com/dull-quay940/mcp-supervisor/internal/logging"
)

// NewLogger builds the process logger from configuration. A nil output
// means stderr, leaving stdout to command results.
func NewLogger(cfg LoggingConfig, output io.Writer) logging.Logger {
	return logging.New(logging.Config{
		Level:  cfg.Level,
		Format: cfg.Format,
		Output: output,
	})
}
