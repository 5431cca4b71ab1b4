package loadgen

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"
)

type Status uint8

const (
	StatusOK Status = iota
	StatusConnect
	StatusRead
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusConnect:
		return "connect"
	case StatusRead:
		return "read"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func parseStatus(s string) (Status, error) {
	switch s {
	case "ok":
		return StatusOK, nil
	case "connect":
		return StatusConnect, nil
	case "read":
		return StatusRead, nil
	default:
		return 0, fmt.Errorf("unknown status %q", s)
	}
}

// Sample is the outcome of one connect-and-read iteration.
type Sample struct {
	Worker int
	RTT    time.Duration
	Bytes  int
	Status Status
}

// String formats s as a results file line: worker;rtt_us;bytes;status
func (s Sample) String() string {
	return fmt.Sprintf("%d;%d;%d;%s", s.Worker, s.RTT.Microseconds(), s.Bytes, s.Status)
}

func ParseSample(line string) (Sample, error) {
	parts := strings.Split(strings.TrimSpace(line), ";")
	if len(parts) != 4 {
		return Sample{}, fmt.Errorf("bad line: %s", line)
	}

	worker, err := strconv.Atoi(parts[0])
	if err != nil {
		return Sample{}, fmt.Errorf("bad worker %q: %v", parts[0], err)
	}
	rtt, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Sample{}, fmt.Errorf("bad rtt %q: %v", parts[1], err)
	}
	n, err := strconv.Atoi(parts[2])
	if err != nil {
		return Sample{}, fmt.Errorf("bad byte count %q: %v", parts[2], err)
	}
	status, err := parseStatus(parts[3])
	if err != nil {
		return Sample{}, err
	}

	return Sample{
		Worker: worker,
		RTT:    time.Duration(rtt) * time.Microsecond,
		Bytes:  n,
		Status: status,
	}, nil
}

type Summary struct {
	Samples   int
	Failures  int
	MeanRTT   time.Duration
	StdDevRTT time.Duration
	P50RTT    time.Duration
	P99RTT    time.Duration
}

// Summarize computes round trip statistics over the successful samples.
func Summarize(samples []Sample) Summary {
	var s Summary
	rtts := make([]float64, 0, len(samples))
	for _, sample := range samples {
		s.Samples++
		if sample.Status != StatusOK {
			s.Failures++
			continue
		}
		rtts = append(rtts, float64(sample.RTT))
	}
	if len(rtts) == 0 {
		return s
	}

	sort.Float64s(rtts)
	s.MeanRTT = time.Duration(stat.Mean(rtts, nil))
	if len(rtts) > 1 {
		s.StdDevRTT = time.Duration(stat.StdDev(rtts, nil))
	}
	s.P50RTT = time.Duration(stat.Quantile(0.5, stat.Empirical, rtts, nil))
	s.P99RTT = time.Duration(stat.Quantile(0.99, stat.Empirical, rtts, nil))
	return s
}
