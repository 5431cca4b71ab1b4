//go:build !linux

package time868

import (
	"context"
	"net"

	"github.com/jimsnab/go-lane"
	"golang.org/x/sync/errgroup"
)

// Without epoll the async strategy leans on the Go scheduler: one goroutine per
// connection, multiplexed by the runtime netpoller. workers is not used.
type asyncDispatcher struct {
	l lane.Lane
	h *Handler
}

func newAsyncDispatcher(l lane.Lane, h *Handler, workers int) Dispatcher {
	return &asyncDispatcher{l: l, h: h}
}

func (d *asyncDispatcher) Serve(ctx context.Context, ln net.Listener) error {
	var g errgroup.Group
	err := acceptLoop(ctx, d.l, ln, func(conn net.Conn) {
		g.Go(func() error {
			d.h.Handle(conn)
			return nil
		})
	})
	g.Wait()
	return err
}
