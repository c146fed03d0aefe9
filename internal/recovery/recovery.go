// Package recovery provides panic recovery for tunnel goroutines.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers from a panic and logs it with the goroutine name.
// Use with defer at the top of pump, relay and accept goroutines:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "transport.egress")
//	    // ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverWithCallback recovers from a panic, logs it and then calls callback
// so the owner can tear down state the goroutine was responsible for.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered any)) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if callback != nil {
			callback(r)
		}
	}
}

// AsError converts a recovered panic value into an error.
func AsError(name string, recovered any) error {
	if err, ok := recovered.(error); ok {
		return fmt.Errorf("panic in %s: %w", name, err)
	}
	return fmt.Errorf("panic in %s: %v", name, recovered)
}

func logPanic(logger *slog.Logger, name string, r any) {
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
