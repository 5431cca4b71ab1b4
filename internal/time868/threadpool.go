package time868

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/eapache/queue"
	"github.com/jimsnab/go-lane"
)

var (
	ErrPoolClosed = errors.New("thread pool is closed")
	ErrQueueFull  = errors.New("thread pool queue is full")
)

type Task func()

// ThreadPool runs submitted tasks on a fixed set of goroutines. Submit never
// blocks: with a bound the task is rejected when the queue is full.
type ThreadPool struct {
	l     lane.Lane
	mu    sync.Mutex
	cond  *sync.Cond
	tasks *queue.Queue
	limit int
	// closed stops new submissions, workers still drain the queue
	closed bool
	wg     sync.WaitGroup
}

func NewThreadPool(l lane.Lane, workers, queueSize int) *ThreadPool {
	p := &ThreadPool{
		l:     l,
		tasks: queue.New(),
		limit: queueSize,
	}
	p.cond = sync.NewCond(&p.mu)

	workers = clamp(workers)
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}
	return p
}

func (p *ThreadPool) Submit(t Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	if p.limit > 0 && p.tasks.Length() >= p.limit {
		return ErrQueueFull
	}
	p.tasks.Add(t)
	p.cond.Signal()
	return nil
}

// Pending returns the number of queued tasks no worker has picked up yet.
func (p *ThreadPool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tasks.Length()
}

// Close rejects further submissions and waits for the queued tasks to finish.
func (p *ThreadPool) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *ThreadPool) worker(id int) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for p.tasks.Length() == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.tasks.Length() == 0 {
			p.mu.Unlock()
			p.l.Tracef("pool worker %d exiting", id)
			return
		}
		t := p.tasks.Remove().(Task)
		p.mu.Unlock()

		p.run(id, t)
	}
}

func (p *ThreadPool) run(id int, t Task) {
	defer func() {
		if r := recover(); r != nil {
			p.l.Errorf("pool worker %d: task panicked: %v", id, r)
		}
	}()
	t()
}

type poolDispatcher struct {
	l         lane.Lane
	h         *Handler
	workers   int
	queueSize int
}

func (d *poolDispatcher) Serve(ctx context.Context, ln net.Listener) error {
	pool := NewThreadPool(d.l, d.workers, d.queueSize)
	defer pool.Close()

	return acceptLoop(ctx, d.l, ln, func(conn net.Conn) {
		if err := pool.Submit(func() { d.h.Handle(conn) }); err != nil {
			d.l.Warnf("dropping %s: %s", conn.RemoteAddr(), err)
			conn.Close()
		}
	})
}
