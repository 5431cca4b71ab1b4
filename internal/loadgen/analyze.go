package loadgen

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/alarmfox/time868/internal/time868"
	"github.com/jimsnab/go-lane"
)

// RunInfo is the benchmark setup encoded in a results file name:
// <strategy>_<threads>_<workers>_<requests>[.ext]
type RunInfo struct {
	Strategy time868.Strategy
	Threads  int
	Workers  int
	Requests int
}

func (ri RunInfo) FileName() string {
	return fmt.Sprintf("%s_%d_%d_%d.txt", ri.Strategy, ri.Threads, ri.Workers, ri.Requests)
}

func ParseRunInfo(fname string) (RunInfo, error) {
	base := filepath.Base(fname)
	parts := strings.Split(strings.TrimSuffix(base, filepath.Ext(base)), "_")
	if len(parts) != 4 {
		return RunInfo{}, fmt.Errorf("bad filename: %q", fname)
	}

	strategy, err := time868.ParseStrategy(parts[0])
	if err != nil {
		return RunInfo{}, fmt.Errorf("bad filename %q: %w", fname, err)
	}

	var counts [3]int
	for i, p := range parts[1:] {
		n, err := strconv.Atoi(p)
		if err != nil {
			return RunInfo{}, fmt.Errorf("bad count %q in %q: %v", p, fname, err)
		}
		counts[i] = n
	}

	return RunInfo{
		Strategy: strategy,
		Threads:  counts[0],
		Workers:  counts[1],
		Requests: counts[2],
	}, nil
}

type Record struct {
	RunInfo
	Summary
}

// ReadSamples summarizes every sample line in r. Malformed lines are logged and skipped.
func ReadSamples(ctx context.Context, l lane.Lane, r io.Reader) (Summary, error) {
	var samples []Sample
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return Summary{}, err
		}
		line := sc.Text()
		if line == "" {
			continue
		}
		s, err := ParseSample(line)
		if err != nil {
			l.Warn(err)
			continue
		}
		samples = append(samples, s)
	}
	if err := sc.Err(); err != nil {
		return Summary{}, err
	}
	return Summarize(samples), nil
}
