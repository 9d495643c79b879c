// Package callqueue contains shared runtime utilities used throughout the
// call queue server: goroutine management, retry, and leak detection.
package callqueue

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/edaniels/golog"
)

// PanicCapturingGo spawns a goroutine to run the given function and captures
// any panic it might throw, logging it instead of crashing the process.
func PanicCapturingGo(f func()) {
	PanicCapturingGoWithCallback(f, nil)
}

// PanicCapturingGoWithCallback spawns a goroutine to run the given function
// and captures any panic it might throw, calling the given callback with the
// recovered value afterwards.
func PanicCapturingGoWithCallback(f func(), callback func(err interface{})) {
	go func() {
		defer func() {
			if err := recover(); err != nil {
				golog.Global().Errorw("panic while running function", "error", err, "stack", string(debug.Stack()))
				if callback == nil {
					return
				}
				callback(err)
			}
		}()
		f()
	}()
}

// ManagedGo keeps the given function alive in the background until
// it terminates normally. onComplete runs once the function is done
// for good, panics included.
func ManagedGo(f, onComplete func()) {
	PanicCapturingGoWithCallback(func() {
		defer func() {
			if err := recover(); err == nil && onComplete != nil {
				onComplete()
			} else if err != nil {
				// this will always panic now but in the future imagine
				// returning an error to bubble up.
				panic(err)
			}
		}()
		f()
	}, func(_ interface{}) {
		ManagedGo(f, onComplete)
	})
}

// SelectContextOrWait either terminates because the given context is done
// or the given duration elapses. It returns true if the duration elapsed.
func SelectContextOrWait(ctx context.Context, dur time.Duration) bool {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	return SelectContextOrWaitChan(ctx, timer.C)
}

// SelectContextOrWaitChan either terminates because the given context is done
// or the given channel is received on. It returns true if the channel was
// received on.
func SelectContextOrWaitChan[T any](ctx context.Context, c <-chan T) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case <-ctx.Done():
		return false
	case <-c:
	}
	return true
}

// ContextualMain calls a main entry point function with a cancelable
// context via the process's termination signals.
func ContextualMain(main func(ctx context.Context, args []string, logger golog.Logger) error, logger golog.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := main(ctx, os.Args, logger); err != nil && !IsContextCanceled(err) {
		fatal(logger, err)
	}
}

var fatal = func(logger golog.Logger, args ...interface{}) {
	logger.Fatal(args...)
}

// IsContextCanceled reports whether the error is due to a canceled context.
func IsContextCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
