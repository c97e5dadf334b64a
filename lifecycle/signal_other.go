//go:build !unix

package lifecycle

import "context"

// SignalEvents returns a channel that never delivers an event on platforms
// without SIGUSR1, SIGUSR2 and SIGHUP. The channel is closed when ctx is
// done.
func SignalEvents(ctx context.Context) <-chan Event {
	events := make(chan Event)
	go func() {
		<-ctx.Done()
		close(events)
	}()
	return events
}
