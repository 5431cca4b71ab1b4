package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alarmfox/time868/internal/loadgen"
	"github.com/alarmfox/time868/internal/time868"
	"github.com/jimsnab/go-cmdline"
	"github.com/jimsnab/go-lane"
)

func main() {
	cl := cmdline.NewCommandLine()

	cl.RegisterCommand(
		mainHandler,
		"~?Benchmarks a time server by opening connections and reading the time until the server hangs up.",
		"[--server <string-addr>]?Address of the time server. The default is 127.0.0.1:37000.",
		"[--count <int-requests>]?Number of requests each thread sends. The default is 1000.",
		"[--threads <int-workers>]?Number of threads sending requests in parallel. The default is 1.",
		"[--rate <int-rps>]?Mean requests per second per thread with exponential gaps. The default sends back to back.",
		"[--write <string-file>]?Write one line per request to the file.",
		"[--trace]?Enable trace logging",
	)

	args := os.Args[1:]
	if err := cl.Process(args); err != nil {
		cl.Help(err, "time868-bench", args)
		os.Exit(2)
	}
}

func mainHandler(args cmdline.Values) error {
	l := lane.NewLogLane(context.Background())
	if isTrace := args["--trace"].(bool); !isTrace {
		l.SetLogLevel(lane.LogLevelInfo)
	}

	c := time868.ClientConfig{
		Addr:     args["addr"].(string),
		Requests: intOption(args, "count", "requests", time868.DefaultRequests),
		Workers:  args["workers"].(int),
		Rate:     float64(args["rps"].(int)),
	}.Normalize()
	l.Infof("%+v", c)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return run(ctx, l, c, args["file"].(string))
}

// run benchmarks the server in c and logs the report. When resultFile is set
// every request is also written to it.
func run(ctx context.Context, l lane.Lane, c time868.ClientConfig, resultFile string) error {
	var out io.Writer
	if resultFile != "" {
		f, err := os.Create(resultFile)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	rep, err := loadgen.Run(ctx, l, c, out)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	l.Infof("%d requests in %s (%.1f req/s)", rep.Attempts, rep.Elapsed, rep.RequestsPerSecond)
	l.Infof("failures: %d connect, %d read", rep.ConnectFailures, rep.ReadFailures)
	l.Infof("rtt: mean %s, stddev %s, p50 %s, p99 %s", rep.MeanRTT, rep.StdDevRTT, rep.P50RTT, rep.P99RTT)
	if rep.Load != nil {
		l.Infof("load average: %s", rep.Load)
	}
	return nil
}

// intOption returns the value of --<option>, or def when it was not given.
func intOption(args cmdline.Values, option, value string, def int) int {
	if present, _ := args["--"+option].(bool); present {
		return args[value].(int)
	}
	if v, _ := args[value].(int); v != 0 {
		return v
	}
	return def
}
