package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alarmfox/time868/internal/loadgen"
	"github.com/jimsnab/go-cmdline"
	"github.com/jimsnab/go-lane"
	"golang.org/x/sync/errgroup"
)

var (
	header = []string{
		"strategy",
		"threads",
		"workers",
		"requests",
		"samples",
		"failures",
		"average_rtt",
		"stddev_rtt",
		"p50_rtt",
		"p99_rtt",
	}
)

type Config struct {
	inputDirectory string
	outputFile     string
	concurrency    int
}

func main() {
	cl := cmdline.NewCommandLine()

	cl.RegisterCommand(
		mainHandler,
		"~ <string-dir>?Summarizes the results files written by time868-bench --write into a CSV table. Files must be named <strategy>_<threads>_<workers>_<requests>.",
		"[--output-file <string-file>]?Output file. The default is stdout.",
		"[--concurrency <int-files>]?Number of files to analyze concurrently. The default is 1.",
		"[--trace]?Enable trace logging",
	)

	args := os.Args[1:]
	if err := cl.Process(args); err != nil {
		cl.Help(err, "time868-analyze", args)
		os.Exit(2)
	}
}

func mainHandler(args cmdline.Values) error {
	l := lane.NewLogLane(context.Background())
	if isTrace := args["--trace"].(bool); !isTrace {
		l.SetLogLevel(lane.LogLevelInfo)
	}

	c := Config{
		inputDirectory: args["dir"].(string),
		outputFile:     args["file"].(string),
		concurrency:    args["files"].(int),
	}
	if c.concurrency < 1 {
		c.concurrency = 1
	}

	if err := run(l, c); err != nil && !errors.Is(err, context.Canceled) {
		l.Errorf("%s", err)
		os.Exit(1)
	}
	return nil
}

func run(l lane.Lane, c Config) error {
	directory, err := os.ReadDir(c.inputDirectory)
	if err != nil {
		return err
	}

	var inFiles []string
	for _, content := range directory {
		if !content.IsDir() && content.Type().IsRegular() {
			inFiles = append(inFiles, filepath.Join(c.inputDirectory, content.Name()))
		}
	}

	ctx, canc := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer canc()
	g, ctx := errgroup.WithContext(ctx)

	files := make(chan string, len(inFiles))
	for _, file := range inFiles {
		files <- file
	}
	close(files)

	records := make(chan loadgen.Record, len(inFiles))

	g.Go(func() error {
		defer close(records)
		var workers errgroup.Group
		for i := 0; i < c.concurrency; i++ {
			workers.Go(func() error {
				for file := range files {
					if err := process(ctx, l, file, records); err != nil {
						l.Warn(err)
					}
				}
				return nil
			})
		}
		return workers.Wait()
	})

	g.Go(func() error {
		var writer io.Writer
		if c.outputFile != "" {
			f, err := os.Create(c.outputFile)
			if err != nil {
				return err
			}
			defer f.Close()
			writer = f
		} else {
			writer = os.Stdout
		}
		csvWriter := csv.NewWriter(writer)
		csvWriter.Comma = ';'
		defer csvWriter.Flush()

		if err := csvWriter.Write(header); err != nil {
			return err
		}
		for record := range records {
			if err := csvWriter.Write(row(record)); err != nil {
				l.Warn(err)
			}
		}
		return nil
	})

	return g.Wait()
}

func process(ctx context.Context, l lane.Lane, file string, records chan<- loadgen.Record) error {
	info, err := loadgen.ParseRunInfo(file)
	if err != nil {
		return err
	}

	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("cannot open %q: %v", file, err)
	}
	defer f.Close()

	summary, err := loadgen.ReadSamples(ctx, l, f)
	if err != nil {
		return fmt.Errorf("cannot read %q: %w", file, err)
	}
	l.Tracef("%s: %d samples", file, summary.Samples)

	records <- loadgen.Record{RunInfo: info, Summary: summary}
	return nil
}

func row(r loadgen.Record) []string {
	return []string{
		string(r.Strategy),
		fmt.Sprintf("%d", r.Threads),
		fmt.Sprintf("%d", r.Workers),
		fmt.Sprintf("%d", r.Requests),
		fmt.Sprintf("%d", r.Samples),
		fmt.Sprintf("%d", r.Failures),
		micros(r.MeanRTT),
		micros(r.StdDevRTT),
		micros(r.P50RTT),
		micros(r.P99RTT),
	}
}

func micros(d time.Duration) string {
	return strings.Replace(fmt.Sprintf("%f", float64(d)/float64(time.Microsecond)), ".", ",", 1)
}
