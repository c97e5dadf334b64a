//go:build unix

package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// SignalEvents maps operating system signals to lifecycle events for
// long-running processes: SIGUSR1 is became-active, SIGHUP is
// will-resign-active and SIGUSR2 is low-memory. The channel is closed when
// ctx is done.
func SignalEvents(ctx context.Context) <-chan Event {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGHUP, syscall.SIGUSR2)

	events := make(chan Event, 4)
	go func() {
		defer close(events)
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				ev, ok := eventForSignal(sig)
				if !ok {
					continue
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return events
}

func eventForSignal(sig os.Signal) (Event, bool) {
	switch sig {
	case syscall.SIGUSR1:
		return EventBecameActive, true
	case syscall.SIGHUP:
		return EventWillResignActive, true
	case syscall.SIGUSR2:
		return EventLowMemory, true
	default:
		return 0, false
	}
}
