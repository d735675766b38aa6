package scheduler

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"forge/internal/logging"
)

var (
	signalOnce  sync.Once
	interrupted atomic.Bool
)

// InstallSignalHandler installs the process-wide interrupt handler once.
// The handler writes an atomic flag and cancels the returned context; the
// scheduler observes cancellation through its draining watcher, so signal
// delivery never runs scheduler code.
//
// A second signal while draining terminates the process hard.
func InstallSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	signalOnce.Do(func() {
		ch := make(chan os.Signal, 2)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-ch
			interrupted.Store(true)
			logging.Sched("interrupt received, draining")
			cancel()
			<-ch
			logging.Get(logging.CategorySched).Error("second interrupt, exiting immediately")
			os.Exit(130)
		}()
	})
	return ctx, cancel
}

// Interrupted reports whether an interrupt was received.
func Interrupted() bool {
	return interrupted.Load()
}
