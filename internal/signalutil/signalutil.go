// Package signalutil implements the two-stage shutdown contract: the
// first signal cancels the returned context so tasks can flush, the
// second forces an immediate exit with code 1.
package signalutil

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

// NotifyTwice returns a context cancelled on the first of the given
// signals. A second signal terminates the process immediately.
func NotifyTwice(parent context.Context, signals ...os.Signal) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	ch := make(chan os.Signal, 2)
	signal.Notify(ch, signals...)

	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
			signal.Stop(ch)
			return
		}

		sig := <-ch
		fmt.Fprintf(os.Stderr, "received %s again, forcing exit\n", sig)
		os.Exit(1)
	}()

	return ctx, cancel
}
