// Command docctl uploads documents to the processing server, runs them
// through the pipeline and prints the results.
//
// Usage:
//
//	docctl -server http://localhost:8089 rent-roll.pdf memo.pdf
//	docctl -interval 1s -max-attempts 120 large-om.pdf
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cre-docs/backend/internal/models"
	"github.com/cre-docs/backend/internal/polling"
	"github.com/cre-docs/backend/pkg/logger"
)

// errDocumentsFailed marks a run in which at least one document failed.
var errDocumentsFailed = errors.New("some documents failed")

type options struct {
	server      string
	interval    time.Duration
	maxAttempts int
	timeout     time.Duration
	files       []string
}

func main() {
	var opts options
	flag.StringVar(&opts.server, "server", "http://localhost:8089", "processing server base URL")
	flag.DurationVar(&opts.interval, "interval", polling.DefaultInterval, "status poll interval")
	flag.IntVar(&opts.maxAttempts, "max-attempts", polling.DefaultMaxAttempts, "status polls before giving up")
	flag.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "per-request HTTP timeout")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()
	opts.files = flag.Args()

	if len(opts.files) == 0 {
		fmt.Fprintln(os.Stderr, "usage: docctl [flags] file.pdf...")
		flag.PrintDefaults()
		os.Exit(1)
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	log, err := logger.New(level, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "docctl: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = run(ctx, opts, os.Stdout, log)
	switch {
	case err == nil:
	case errors.Is(err, errDocumentsFailed):
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "docctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, out io.Writer, log *zap.Logger) error {
	client := newAPIClient(opts.server, &http.Client{Timeout: opts.timeout})

	fileIDs := make([]string, 0, len(opts.files))
	for _, path := range opts.files {
		info, err := client.uploadFile(ctx, path)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "uploaded %s as %s\n", info.Name, info.ID)
		fileIDs = append(fileIDs, info.ID)
	}

	sess, err := client.createSession(ctx)
	if err != nil {
		return err
	}
	baseline := sess.CompletedRuns
	log.Debug("session created", zap.String("sessionId", sess.ID))

	if _, err := client.startProcessing(ctx, sess.ID, fileIDs); err != nil {
		return err
	}
	fmt.Fprintf(out, "processing %d document(s) in session %s\n", len(fileIDs), sess.ID)

	scheduler := polling.New(polling.WithLogger(log))
	defer scheduler.StopAll()

	steps := newStepPrinter(out)
	data, err := scheduler.Await(ctx, "session:"+sess.ID,
		func(ctx context.Context) (any, error) {
			return client.status(ctx, sess.ID)
		},
		polling.Options{
			Interval:    opts.interval,
			MaxAttempts: opts.maxAttempts,
			OnUpdate: func(data any) {
				steps.update(data.(*models.ProcessSession))
			},
			ShouldStop: func(data any) bool {
				s := data.(*models.ProcessSession)
				return !s.IsProcessing && s.CompletedRuns > baseline
			},
		},
	)
	if err != nil {
		var exceeded *polling.AttemptsExceededError
		if errors.As(err, &exceeded) {
			return fmt.Errorf("session %s still processing after %d status checks", sess.ID, exceeded.MaxAttempts)
		}
		return fmt.Errorf("watching session %s: %w", sess.ID, err)
	}
	final := data.(*models.ProcessSession)

	results, err := client.results(ctx, sess.ID)
	if err != nil {
		return err
	}
	printResults(out, results, final.Failures)

	if len(final.Failures) > 0 {
		return errDocumentsFailed
	}
	return nil
}

// stepPrinter prints a line whenever a step changes status.
type stepPrinter struct {
	out  io.Writer
	seen map[string]models.StepStatus
}

func newStepPrinter(out io.Writer) *stepPrinter {
	return &stepPrinter{out: out, seen: make(map[string]models.StepStatus)}
}

func (p *stepPrinter) update(s *models.ProcessSession) {
	for _, step := range s.Steps {
		if p.seen[step.ID] == step.Status {
			continue
		}
		p.seen[step.ID] = step.Status

		switch step.Status {
		case models.StepStatusError:
			fmt.Fprintf(p.out, "  %-24s %s: %s\n", step.Name, step.Status, step.Error)
		case models.StepStatusPending:
		default:
			if step.Message != "" {
				fmt.Fprintf(p.out, "  %-24s %s (%s)\n", step.Name, step.Status, step.Message)
			} else {
				fmt.Fprintf(p.out, "  %-24s %s\n", step.Name, step.Status)
			}
		}
	}
}

func printResults(out io.Writer, results []models.ProcessingResult, failures map[string]string) {
	fmt.Fprintln(out)
	for _, r := range results {
		quality := "n/a"
		if r.QualityScore != nil {
			quality = fmt.Sprintf("%.2f", *r.QualityScore)
		}
		fmt.Fprintf(out, "%s: %s (confidence %.2f, quality %s, %d field(s))\n",
			r.FileID, r.DocumentType, r.Confidence, quality, len(r.ExtractedData))
		for _, w := range r.Warnings {
			fmt.Fprintf(out, "  warning: %s\n", w)
		}
		for _, e := range r.Errors {
			fmt.Fprintf(out, "  error: %s\n", e)
		}
	}

	ids := make([]string, 0, len(failures))
	for id := range failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(out, "%s: FAILED: %s\n", id, failures[id])
	}
}
