package threadpool

import (
	"log/slog"
	"runtime/debug"
)

// GoSafe runs fn in a goroutine. A panic is recovered and logged with its stack
// instead of crashing the process.
func GoSafe(logger *slog.Logger, fn func()) {
	go runSafe(logger, fn)
}

func runSafe(logger *slog.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if logger == nil {
				logger = slog.Default()
			}
			logger.Error("panic recovered in background task",
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn()
}
