// Package runtime provides panic-safety helpers for background goroutines.
//
// Long-running loops (the outbox relay, the consume loop) must never take a
// whole service down because one cycle panicked; they recover, log, and let
// the next tick try again.
package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/all-erp/lib-erpevents/erpevents/internal/nilcheck"
	"github.com/all-erp/lib-erpevents/erpevents/log"
)

// RecoverAndLog recovers a panic in the calling goroutine and logs it with
// component/operation attribution. Use in a defer.
func RecoverAndLog(ctx context.Context, logger log.Logger, component, operation string) {
	recovered := recover()
	if recovered == nil {
		return
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	logger.Log(
		ctx,
		log.LevelError,
		"panic recovered",
		log.String("component", component),
		log.String("operation", operation),
		log.String("panic", fmt.Sprintf("%v", recovered)),
		log.String("stack", string(debug.Stack())),
	)
}

// SafeGo runs fn in a goroutine guarded by RecoverAndLog.
func SafeGo(ctx context.Context, logger log.Logger, component, operation string, fn func(context.Context)) {
	if fn == nil {
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		defer RecoverAndLog(ctx, logger, component, operation)

		fn(ctx)
	}()
}
