package time868

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jimsnab/go-lane"
)

type Strategy string

const (
	Blocking   Strategy = "blocking"
	WorkerPool Strategy = "pool"
	Async      Strategy = "async"
)

var (
	ErrBind            = errors.New("cannot bind listen address")
	ErrUnknownStrategy = errors.New("unknown dispatch strategy")
)

func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "", "blocking", "simple":
		return Blocking, nil
	case "pool", "threaded":
		return WorkerPool, nil
	case "async":
		return Async, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// Dispatcher accepts connections from ln and hands each one to a Handler.
// Serve returns nil once ctx is done and the listener has been closed.
type Dispatcher interface {
	Serve(ctx context.Context, ln net.Listener) error
}

func NewDispatcher(l lane.Lane, c ServerConfig, h *Handler) (Dispatcher, error) {
	c = c.Normalize()
	switch c.Strategy {
	case Blocking:
		return &blockingDispatcher{l: l, h: h}, nil
	case WorkerPool:
		return &poolDispatcher{l: l, h: h, workers: c.Workers, queueSize: c.QueueSize}, nil
	case Async:
		return newAsyncDispatcher(l, h, c.Workers), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, c.Strategy)
	}
}

func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrBind, addr, err)
	}
	return ln, nil
}

// ListenAndServe binds c.Addr and serves it with the configured strategy until ctx is done.
func ListenAndServe(ctx context.Context, l lane.Lane, c ServerConfig) error {
	c = c.Normalize()
	d, err := NewDispatcher(l, c, NewHandler(l, SystemClock{}))
	if err != nil {
		return err
	}
	ln, err := Listen(c.Addr)
	if err != nil {
		return err
	}
	l.Infof("listening on %s (%s, %d workers)", ln.Addr(), c.Strategy, c.Workers)
	return d.Serve(ctx, ln)
}

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// acceptBackoff spaces out retries while accept keeps failing, for example
// when the process is out of file descriptors.
type acceptBackoff struct {
	delay time.Duration
}

func (b *acceptBackoff) next() time.Duration {
	if b.delay == 0 {
		b.delay = minAcceptDelay
	} else {
		b.delay *= 2
	}
	if b.delay > maxAcceptDelay {
		b.delay = maxAcceptDelay
	}
	return b.delay
}

func (b *acceptBackoff) reset() {
	b.delay = 0
}

// acceptLoop passes every accepted connection to dispatch. A failed accept is
// logged and retried after a growing delay; the loop ends when the listener
// is closed.
func acceptLoop(ctx context.Context, l lane.Lane, ln net.Listener, dispatch func(net.Conn)) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		ln.Close()
	}()

	var backoff acceptBackoff
	for {
		client, err := ln.Accept()

		if errors.Is(err, net.ErrClosed) {
			break
		} else if err != nil {
			delay := backoff.next()
			l.Errorf("accept error: %s; retrying in %s", err, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
			continue
		}
		backoff.reset()

		l.Tracef("client connected: %s", client.RemoteAddr())
		dispatch(client)
	}
	return nil
}

type blockingDispatcher struct {
	l lane.Lane
	h *Handler
}

func (d *blockingDispatcher) Serve(ctx context.Context, ln net.Listener) error {
	return acceptLoop(ctx, d.l, ln, d.h.Handle)
}
