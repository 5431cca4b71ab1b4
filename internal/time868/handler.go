package time868

import (
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/jimsnab/go-lane"
)

// Handler serves exactly one connection per call to Handle.
type Handler struct {
	clock Clock
	l     lane.Lane
}

func NewHandler(l lane.Lane, clock Clock) *Handler {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Handler{
		clock: clock,
		l:     l,
	}
}

// Payload returns the encoded current time, or nil when the clock cannot be read.
func (h *Handler) Payload() []byte {
	ts, err := h.clock.Now()
	if err != nil {
		h.l.Warnf("sending empty response: %s", err)
		return nil
	}
	return Encode(ts)
}

// Handle writes the payload to conn and closes it. Failures stay local to conn.
// The payload goes out in a single unbuffered write, so there is nothing left
// to flush when the clock is unavailable and the response is empty.
func (h *Handler) Handle(conn net.Conn) {
	defer conn.Close()

	payload := h.Payload()
	if len(payload) == 0 {
		return
	}
	if _, err := conn.Write(payload); err != nil {
		h.logConnErr(conn, "write", err)
	}
}

func (h *Handler) logConnErr(conn net.Conn, op string, err error) {
	if isDisconnect(err) {
		h.l.Debugf("%s to %s: %s", op, conn.RemoteAddr(), err)
		return
	}
	h.l.Warnf("%s to %s: %s", op, conn.RemoteAddr(), err)
}

// isDisconnect reports whether err is an ordinary peer hang-up.
func isDisconnect(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
