package async

import (
	"runtime/debug"

	"github.com/dull-quay940/mcp-supervisor/internal/logging"
)

// Go runs fn in a goroutine guarded by panic recovery.
func Go(logger logging.Logger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs panic details without crashing the process.
func Recover(logger logging.Logger, name string) {
	if r := recover(); r != nil {
		logging.OrNop(logger).Error("goroutine panic",
			"goroutine", name,
			"panic", r,
			"stack", string(debug.Stack()),
		)
	}
}
