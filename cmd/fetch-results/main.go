// Command fetch-results downloads the finished results of a batch (the most
// recent one by default) into markdown files, optionally with an xlsx summary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kiranshivaraju/promptbatch/internal/apiclient"
	"github.com/kiranshivaraju/promptbatch/internal/export"
)

type options struct {
	server    string
	outputDir string
	batchID   string
	xlsxPath  string
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, apiclient.New(opts.server)); err != nil {
		slog.Error("fetch failed", "error", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, errOut io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("fetch-results", flag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.StringVar(&o.server, "server", "", "API base URL, e.g. http://localhost:8080 (required)")
	fs.StringVar(&o.outputDir, "output-dir", "results", "directory the .md files are written to")
	fs.StringVar(&o.batchID, "batch", "", "batch id to fetch (default: most recent batch)")
	fs.StringVar(&o.xlsxPath, "xlsx", "", "also write an xlsx summary to this file")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.server == "" {
		fmt.Fprintln(errOut, "-server is required")
		fs.Usage()
		return o, errors.New("missing -server")
	}
	return o, nil
}

func run(ctx context.Context, o options, c *apiclient.Client) error {
	batchID := o.batchID
	if batchID == "" {
		latest, err := c.LatestBatch(ctx)
		if err != nil {
			return fmt.Errorf("find latest batch: %w", err)
		}
		batchID = latest.BatchID
	}
	log := slog.With("batch_id", batchID)

	b, err := c.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("get batch: %w", err)
	}
	log.Info("batch found", "status", b.Status, "total_jobs", b.TotalJobs,
		"completed_jobs", b.CompletedJobs, "failed_jobs", b.FailedJobs)

	jobs, err := c.BatchJobs(ctx, batchID)
	if err != nil {
		return fmt.Errorf("list batch jobs: %w", err)
	}

	written, skipped, err := export.WriteMarkdown(o.outputDir, jobs)
	if err != nil {
		return err
	}
	for _, w := range written {
		log.Info("saved", "prompt_name", w.PromptName, "path", w.Path)
	}
	if skipped > 0 {
		log.Info("skipped unfinished jobs", "count", skipped)
	}

	if o.xlsxPath != "" {
		data, err := export.SummaryXLSX(batchID, jobs)
		if err != nil {
			return err
		}
		if err := os.WriteFile(o.xlsxPath, data, 0o644); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
		log.Info("summary written", "path", o.xlsxPath)
	}

	log.Info("done", "files", len(written), "output_dir", o.outputDir)
	return nil
}
