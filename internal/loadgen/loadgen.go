// Package loadgen drives a time server the way a client would: connect, send
// nothing, read until the server closes.
package loadgen

import (
	"bufio"
	"context"
	"io"
	"net"
	"time"

	"github.com/alarmfox/time868/internal/time868"
	"github.com/jimsnab/go-lane"
	"github.com/shirou/gopsutil/load"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat/distuv"
)

type Report struct {
	Summary
	Attempts          int
	ConnectFailures   int
	ReadFailures      int
	Elapsed           time.Duration
	RequestsPerSecond float64
	// Load is the host load average at the end of the run, nil if unavailable.
	Load *load.AvgStat
}

type runner struct {
	l       lane.Lane
	c       time868.ClientConfig
	dialer  net.Dialer
	buffers *bufferPool
}

// Run issues c.Requests iterations from each of c.Workers workers and returns
// once every iteration has finished. Failed iterations are counted, not fatal.
// When out is not nil one line per iteration is written to it.
func Run(ctx context.Context, l lane.Lane, c time868.ClientConfig, out io.Writer) (Report, error) {
	c = c.Normalize()
	r := &runner{
		l:       l,
		c:       c,
		buffers: newBufferPool(),
	}

	samples := make(chan Sample, c.Workers)
	g, ctx := errgroup.WithContext(ctx)

	start := time.Now()
	for i := 0; i < c.Workers; i++ {
		id := i
		g.Go(func() error {
			return r.worker(ctx, id, samples)
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
		close(samples)
	}()

	var w *bufio.Writer
	if out != nil {
		w = bufio.NewWriter(out)
	}
	collected := make([]Sample, 0, c.Workers*c.Requests)
	for s := range samples {
		collected = append(collected, s)
		if w != nil {
			if _, err := io.WriteString(w, s.String()+"\n"); err != nil {
				l.Errorf("cannot write sample: %s", err)
			}
		}
	}
	if w != nil {
		if err := w.Flush(); err != nil {
			l.Errorf("cannot write samples: %s", err)
		}
	}

	rep := Report{
		Summary:  Summarize(collected),
		Attempts: len(collected),
		Elapsed:  time.Since(start),
	}
	for _, s := range collected {
		switch s.Status {
		case StatusConnect:
			rep.ConnectFailures++
		case StatusRead:
			rep.ReadFailures++
		}
	}
	if secs := rep.Elapsed.Seconds(); secs > 0 {
		rep.RequestsPerSecond = float64(rep.Attempts) / secs
	}
	if avg, err := load.Avg(); err != nil {
		l.Debugf("load average unavailable: %s", err)
	} else {
		rep.Load = avg
	}

	return rep, <-done
}

func (r *runner) worker(ctx context.Context, id int, samples chan<- Sample) error {
	var pace *distuv.Exponential
	if r.c.Rate > 0 {
		pace = &distuv.Exponential{Rate: r.c.Rate}
	}

	for i := 0; i < r.c.Requests; i++ {
		if pace != nil {
			d := time.Duration(pace.Rand() * float64(time.Second))
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return ctx.Err()
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		samples <- r.request(ctx, id)
	}
	r.l.Tracef("worker %d done", id)
	return nil
}

func (r *runner) request(ctx context.Context, worker int) Sample {
	s := Sample{Worker: worker}
	start := time.Now()

	conn, err := r.dialer.DialContext(ctx, "tcp", r.c.Addr)
	if err != nil {
		s.RTT = time.Since(start)
		s.Status = StatusConnect
		r.l.Warnf("worker %d: failed to connect: %s", worker, err)
		return s
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	buf := r.buffers.Get()
	defer r.buffers.Put(buf)

	// connecting is the whole request, nothing is sent
	_, err = conn.Write(nil)
	if err == nil {
		var n int64
		n, err = buf.ReadFrom(conn)
		s.Bytes = int(n)
	}
	s.RTT = time.Since(start)
	if err != nil {
		s.Status = StatusRead
		r.l.Warnf("worker %d: failed to receive data: %s", worker, err)
	}
	return s
}
