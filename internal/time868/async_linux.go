//go:build linux

package time868

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"runtime"
	"time"

	"github.com/jimsnab/go-lane"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const maxEvents = 128

// asyncDispatcher runs one epoll loop per worker, each on its own OS thread.
// Every loop watches the listening socket with exclusive wakeups and parks the
// sockets it accepted until they become writable.
type asyncDispatcher struct {
	l       lane.Lane
	h       *Handler
	workers int
}

func newAsyncDispatcher(l lane.Lane, h *Handler, workers int) Dispatcher {
	return &asyncDispatcher{l: l, h: h, workers: clamp(workers)}
}

func (d *asyncDispatcher) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	tl, ok := ln.(*net.TCPListener)
	if !ok {
		return fmt.Errorf("async dispatch needs a TCP listener, got %T", ln)
	}
	f, err := tl.File()
	if err != nil {
		return fmt.Errorf("listener fd: %w", err)
	}
	defer f.Close()

	lfd := int(f.Fd())
	if err := unix.SetNonblock(lfd, true); err != nil {
		return fmt.Errorf("listener fd: %w", err)
	}

	loops := make([]*eventLoop, 0, d.workers)
	defer func() {
		for _, el := range loops {
			el.close()
		}
	}()
	for i := 0; i < d.workers; i++ {
		el, err := newEventLoop(i, lfd, d.h, d.l)
		if err != nil {
			return err
		}
		loops = append(loops, el)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		for _, el := range loops {
			el.wake()
		}
		return nil
	})
	for _, el := range loops {
		el := el
		g.Go(el.run)
	}
	return g.Wait()
}

type asyncConn struct {
	fd      int
	started bool
	payload []byte
}

type eventLoop struct {
	id      int
	epfd    int
	wakefd  int
	lfd     int
	h       *Handler
	l       lane.Lane
	pending map[int]*asyncConn
	backoff acceptBackoff
}

func newEventLoop(id, lfd int, h *Handler, l lane.Lane) (*eventLoop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	el := &eventLoop{
		id:      id,
		epfd:    epfd,
		wakefd:  wakefd,
		lfd:     lfd,
		h:       h,
		l:       l,
		pending: make(map[int]*asyncConn),
	}
	if err := el.watch(wakefd, unix.EPOLLIN); err != nil {
		el.close()
		return nil, err
	}
	if err := el.watch(lfd, unix.EPOLLIN|unix.EPOLLEXCLUSIVE); err != nil {
		el.close()
		return nil, err
	}
	return el, nil
}

func (el *eventLoop) watch(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(el.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl add %d: %w", fd, err)
	}
	return nil
}

func (el *eventLoop) run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	events := make([]unix.EpollEvent, maxEvents)
	for {
		n, err := unix.EpollWait(el.epfd, events, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		} else if err != nil {
			return fmt.Errorf("loop %d: epoll wait: %w", el.id, err)
		}

		for i := 0; i < n; i++ {
			switch fd := int(events[i].Fd); fd {
			case el.wakefd:
				el.l.Tracef("loop %d stopping, %d connections in flight", el.id, len(el.pending))
				return nil
			case el.lfd:
				el.accept()
			default:
				el.resume(fd)
			}
		}
	}
}

// accept takes at most one connection per readiness event so parked writes
// get their turn before the next accept. The listener stays readable while
// accept fails, so a failure pauses the loop before it waits again.
func (el *eventLoop) accept() {
	nfd, _, err := unix.Accept4(el.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
		return
	} else if err != nil {
		delay := el.backoff.next()
		el.l.Errorf("loop %d: accept error: %s; retrying in %s", el.id, err, delay)
		time.Sleep(delay)
		return
	}
	el.backoff.reset()

	el.park(&asyncConn{fd: nfd})
}

// park waits for c to become writable. A socket that cannot be watched gets
// its payload written inline and is closed whatever the outcome.
func (el *eventLoop) park(c *asyncConn) {
	el.pending[c.fd] = c
	if err := el.watch(c.fd, unix.EPOLLOUT); err != nil {
		el.l.Warnf("loop %d: %s", el.id, err)
		el.write(c)
		el.finish(c)
	}
}

// resume writes whatever is left of the payload and closes the socket once
// done. The socket stays parked if the write would block.
func (el *eventLoop) resume(fd int) {
	c, ok := el.pending[fd]
	if !ok {
		return
	}
	if el.write(c) {
		el.finish(c)
	}
}

// write reports false only when the socket would block with payload left.
func (el *eventLoop) write(c *asyncConn) bool {
	if !c.started {
		c.started = true
		c.payload = el.h.Payload()
	}

	for len(c.payload) > 0 {
		n, err := unix.Write(c.fd, c.payload)
		if errors.Is(err, unix.EINTR) {
			continue
		} else if errors.Is(err, unix.EAGAIN) {
			return false
		} else if err != nil {
			if isDisconnect(err) {
				el.l.Debugf("loop %d: write to fd %d: %s", el.id, c.fd, err)
			} else {
				el.l.Warnf("loop %d: write to fd %d: %s", el.id, c.fd, err)
			}
			return true
		}
		c.payload = c.payload[n:]
	}
	return true
}

// finish closes the socket, which also drops it from the epoll set.
func (el *eventLoop) finish(c *asyncConn) {
	delete(el.pending, c.fd)
	if err := unix.Close(c.fd); err != nil {
		el.l.Debugf("loop %d: close fd %d: %s", el.id, c.fd, err)
	}
}

func (el *eventLoop) wake() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(el.wakefd, buf[:]); err != nil {
		el.l.Debugf("loop %d: wake: %s", el.id, err)
	}
}

func (el *eventLoop) close() {
	for fd := range el.pending {
		unix.Close(fd)
	}
	el.pending = nil
	unix.Close(el.wakefd)
	unix.Close(el.epfd)
}
