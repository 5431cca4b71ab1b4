package time868

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jimsnab/go-lane"
)

var strategies = []Strategy{Blocking, WorkerPool, Async}

func startServer(t *testing.T, c ServerConfig, clock Clock) string {
	t.Helper()
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	return serveOn(t, ln, c, clock)
}

func serveOn(t *testing.T, ln net.Listener, c ServerConfig, clock Clock) string {
	t.Helper()
	l := lane.NewTestingLane(context.Background())

	d, err := NewDispatcher(l, c, NewHandler(l, clock))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errc:
			if err != nil {
				t.Errorf("Serve() = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("%s dispatcher did not stop", c.Strategy)
		}
	})
	return ln.Addr().String()
}

func fetch(t *testing.T, addr string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	return readAll(t, conn)
}

func readAll(t *testing.T, conn net.Conn) string {
	t.Helper()
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	b, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(b)
}

func checkTimestamp(t *testing.T, got string, ref int64) {
	t.Helper()
	ts, err := strconv.ParseInt(got, 10, 64)
	if err != nil {
		t.Fatalf("response %q is not an integer: %v", got, err)
	}
	if ts < ref || ts > ref+2 {
		t.Errorf("response %d outside [%d, %d]", ts, ref, ref+2)
	}
}

func TestDispatchersServeCurrentTime(t *testing.T) {
	for _, s := range strategies {
		for _, workers := range []int{0, 1, 4} {
			s, workers := s, workers
			t.Run(string(s)+"/"+strconv.Itoa(workers), func(t *testing.T) {
				addr := startServer(t, ServerConfig{Strategy: s, Workers: workers}, SystemClock{})

				for i := 0; i < 3; i++ {
					ref := time.Now().Unix()
					checkTimestamp(t, fetch(t, addr), ref)
				}
			})
		}
	}
}

func TestDispatchersSimultaneousClients(t *testing.T) {
	const workers = 3
	for _, s := range strategies {
		s := s
		t.Run(string(s), func(t *testing.T) {
			addr := startServer(t, ServerConfig{Strategy: s, Workers: workers}, fixedClock(1234))

			// hold every connection open before reading any of them
			conns := make([]net.Conn, 0, workers*4)
			for i := 0; i < cap(conns); i++ {
				conn, err := net.Dial("tcp", addr)
				if err != nil {
					t.Fatalf("dial %d: %v", i, err)
				}
				conns = append(conns, conn)
			}

			results := make(chan string, len(conns))
			for i := len(conns) - 1; i >= 0; i-- {
				go func(conn net.Conn) {
					conn.SetReadDeadline(time.Now().Add(5 * time.Second))
					b, err := io.ReadAll(conn)
					conn.Close()
					if err != nil {
						results <- err.Error()
						return
					}
					results <- string(b)
				}(conns[i])
			}

			for range conns {
				if got := <-results; got != "1234" {
					t.Errorf("response = %q, want %q", got, "1234")
				}
			}
		})
	}
}

func TestPoolOfOneMatchesBlocking(t *testing.T) {
	blocking := startServer(t, ServerConfig{Strategy: Blocking}, fixedClock(99))
	pool := startServer(t, ServerConfig{Strategy: WorkerPool, Workers: 1}, fixedClock(99))

	for i := 0; i < 5; i++ {
		a, b := fetch(t, blocking), fetch(t, pool)
		if a != b || a != "99" {
			t.Errorf("round %d: blocking %q, pool %q, want %q", i, a, b, "99")
		}
	}
}

func TestDispatchersEmptyResponseOnClockFailure(t *testing.T) {
	broken := ClockFunc(func() (uint64, error) { return 0, ErrClockUnavailable })
	for _, s := range strategies {
		s := s
		t.Run(string(s), func(t *testing.T) {
			addr := startServer(t, ServerConfig{Strategy: s, Workers: 2}, broken)
			for i := 0; i < 3; i++ {
				if got := fetch(t, addr); got != "" {
					t.Errorf("response = %q, want empty", got)
				}
			}
		})
	}
}

func TestDispatchersSurviveEarlyHangup(t *testing.T) {
	for _, s := range strategies {
		s := s
		t.Run(string(s), func(t *testing.T) {
			addr := startServer(t, ServerConfig{Strategy: s, Workers: 2}, fixedClock(7))

			for i := 0; i < 10; i++ {
				conn, err := net.Dial("tcp", addr)
				if err != nil {
					t.Fatal(err)
				}
				if tc, ok := conn.(*net.TCPConn); ok {
					tc.SetLinger(0)
				}
				conn.Close()
			}

			if got := fetch(t, addr); got != "7" {
				t.Errorf("response after hangups = %q, want %q", got, "7")
			}
		})
	}
}

func TestNewDispatcherUnknownStrategy(t *testing.T) {
	l := lane.NewTestingLane(context.Background())
	_, err := NewDispatcher(l, ServerConfig{Strategy: "drr"}, NewHandler(l, nil))
	if !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("NewDispatcher() = %v, want %v", err, ErrUnknownStrategy)
	}
}

func TestListenBindFailure(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	_, err = Listen(ln.Addr().String())
	if !errors.Is(err, ErrBind) {
		t.Errorf("Listen on a busy address = %v, want %v", err, ErrBind)
	}
}

func TestListenAndServeDefaultAddress(t *testing.T) {
	l := lane.NewTestingLane(context.Background())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- ListenAndServe(ctx, l, ServerConfig{}) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		select {
		case err := <-errc:
			if errors.Is(err, ErrBind) {
				t.Skipf("default address unavailable: %v", err)
			}
			t.Fatalf("ListenAndServe() = %v", err)
		default:
		}

		ref := time.Now().Unix()
		conn, err := net.Dial("tcp", DefaultAddr)
		if err == nil {
			checkTimestamp(t, readAll(t, conn), ref)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("ListenAndServe() after cancel = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("ListenAndServe did not stop")
	}
}

func TestPoolDropsConnectionsWhenQueueIsFull(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	clock := ClockFunc(func() (uint64, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return 9, nil
	})
	addr := startServer(t, ServerConfig{Strategy: WorkerPool, Workers: 1, QueueSize: 1}, clock)

	dial := func() net.Conn {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatal(err)
		}
		return conn
	}

	busy := dial()
	<-entered
	queued := dial()
	dropped := dial()

	if got := readAll(t, dropped); got != "" {
		t.Errorf("dropped connection got %q, want empty", got)
	}

	close(release)
	if got := readAll(t, busy); got != "9" {
		t.Errorf("in-flight connection got %q, want %q", got, "9")
	}
	if got := readAll(t, queued); got != "9" {
		t.Errorf("queued connection got %q, want %q", got, "9")
	}
}
