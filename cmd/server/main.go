package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alarmfox/time868/internal/time868"
	"github.com/jimsnab/go-cmdline"
	"github.com/jimsnab/go-lane"
)

func main() {
	cl := cmdline.NewCommandLine()

	cl.RegisterCommand(
		mainHandler,
		"~?Runs a time server that answers every connection with the seconds elapsed since the unix epoch.",
		"[--listen <string-addr>]?Bind to the specified socket address. The default is 127.0.0.1:37000.",
		"[--strategy <string-name>]?How connections are dispatched: blocking, pool or async. The default is blocking.",
		"[--threads <int-count>]?Number of pool workers or async event loops. The default is 1.",
		"[--queue <int-size>]?Maximum number of connections waiting for a pool worker, extra ones are dropped. The default is unbounded.",
		"[--trace]?Enable trace logging",
	)

	args := os.Args[1:] // exclude executable name in os.Args[0]
	if err := cl.Process(args); err != nil {
		cl.Help(err, "time868-server", args)
		os.Exit(2)
	}
}

func mainHandler(args cmdline.Values) error {
	l := lane.NewLogLane(context.Background())
	if isTrace := args["--trace"].(bool); !isTrace {
		l.SetLogLevel(lane.LogLevelInfo)
	}

	strategy, err := time868.ParseStrategy(args["name"].(string))
	if err != nil {
		return err
	}

	c := time868.ServerConfig{
		Addr:      args["addr"].(string),
		Strategy:  strategy,
		Workers:   args["count"].(int),
		QueueSize: args["size"].(int),
	}.Normalize()
	l.Infof("%+v", c)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, l, c); err != nil {
		l.Errorf("%s", err)
		cancel()
		os.Exit(1)
	}
	return nil
}

// run serves c until ctx is done. It fails before accepting anything when the
// address cannot be bound.
func run(ctx context.Context, l lane.Lane, c time868.ServerConfig) error {
	if err := time868.ListenAndServe(ctx, l, c); err != nil {
		return err
	}
	l.Info("finished serving requests")
	return nil
}
