// Command cardscrape crawls the wiki's card list, extracts every card page
// with an extraction schema and writes one TSV row per card.
//
// Flags default to CARDSCRAPE_* environment variables (see internal/config).
//
// Usage:
//
//	cardscrape -out output.tsv
//	cardscrape -limit 20 -store sqlite -dsn cards.db
//	cardscrape -metrics datadog -dd-tags env:prod
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cardscrape/internal/config"
	"cardscrape/internal/fetch"
	"cardscrape/internal/logging"
	"cardscrape/internal/metrics"
	"cardscrape/internal/metrics/datadog"
	"cardscrape/internal/metrics/prompush"

	"go.uber.org/zap"
)

// backendCloser is a metrics backend that must be closed on exit.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// pageFetcher downloads one page.
type pageFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	LoadConfig     func() (*config.Config, error)
	BackendFactory func(ctx context.Context, cfg config.MetricsConfig) (backendCloser, error)
	NewFetcher     func(opts fetch.Options) pageFetcher
	Now            func() time.Time
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], deps{
		Stdout:         os.Stdout,
		Stderr:         os.Stderr,
		LoadConfig:     config.Load,
		BackendFactory: newBackend,
		NewFetcher:     func(opts fetch.Options) pageFetcher { return fetch.New(opts) },
		Now:            time.Now,
	}))
}

func newBackend(ctx context.Context, cfg config.MetricsConfig) (backendCloser, error) {
	switch cfg.Backend {
	case "datadog":
		return datadog.NewBackend(ctx, datadog.Options{
			JobName:    cfg.JobName,
			Tags:       datadog.ParseTagsCSV(cfg.Tags),
			FlushEvery: cfg.FlushEvery,
		})
	case "prompush":
		return prompush.NewBackend(cfg.JobName, cfg.PushgatewayURL)
	}
	return nil, fmt.Errorf("unknown metrics backend %q", cfg.Backend)
}

// run returns a Unix-style exit code:
//   - 0 for success (cards that failed to fetch or parse are skipped)
//   - 2 for usage/config errors
//   - 1 for operational/runtime errors
func run(ctx context.Context, args []string, d deps) int {
	if d.LoadConfig == nil {
		d.LoadConfig = config.Load
	}
	if d.BackendFactory == nil {
		d.BackendFactory = newBackend
	}
	if d.NewFetcher == nil {
		d.NewFetcher = func(opts fetch.Options) pageFetcher { return fetch.New(opts) }
	}
	if d.Now == nil {
		d.Now = time.Now
	}

	base, err := d.LoadConfig()
	if err != nil {
		fmt.Fprintln(d.Stderr, err)
		return 2
	}
	cfg, err := parseFlags(args, *base)
	if err != nil {
		fmt.Fprintln(d.Stderr, err)
		return 2
	}

	log, err := logging.NewWriter(logging.Config{Level: cfg.Log.Level, Development: cfg.Log.Development}, d.Stderr)
	if err != nil {
		fmt.Fprintln(d.Stderr, err)
		return 2
	}
	defer func() { _ = log.Sync() }()

	if cfg.Metrics.Backend != "" {
		b, err := d.BackendFactory(ctx, cfg.Metrics)
		if err != nil {
			log.Error("metrics backend init failed", zap.String("backend", cfg.Metrics.Backend), zap.Error(err))
			return 1
		}
		metrics.SetBackend(b)
		defer func() {
			if err := metrics.Flush(); err != nil {
				log.Warn("metrics flush failed", zap.Error(err))
			}
			if err := b.Close(); err != nil {
				log.Warn("metrics close failed", zap.Error(err))
			}
			metrics.SetBackend(nil)
		}()
	}

	c, err := newCrawler(cfg, d, log)
	if err != nil {
		log.Error("setup failed", zap.Error(err))
		return 2
	}

	sum, err := c.Run(ctx)
	if err != nil {
		log.Error("crawl failed", zap.Error(err))
		return 1
	}
	log.Info("crawl done",
		zap.Int("links", sum.Links),
		zap.Int("written", sum.Written),
		zap.Int("skipped", sum.Skipped),
		zap.Int64("inserted", sum.Store.Inserted),
		zap.Int64("updated", sum.Store.Updated),
		zap.Int64("unchanged", sum.Store.Unchanged),
		zap.Duration("elapsed", d.Now().Sub(sum.Started)),
	)
	return 0
}

// parseFlags overlays command-line flags on the environment config.
func parseFlags(args []string, cfg config.Config) (config.Config, error) {
	fs := flag.NewFlagSet("cardscrape", flag.ContinueOnError)

	// Capture help/usage text instead of writing to stdout.
	var usageBuf strings.Builder
	fs.SetOutput(&usageBuf)
	fs.Usage = func() {
		fmt.Fprintf(&usageBuf, "Usage of %s:\n", fs.Name())
		fs.PrintDefaults()
	}

	fs.StringVar(&cfg.Crawl.ListURL, "list-url", cfg.Crawl.ListURL, "Card list page URL")
	fs.StringVar(&cfg.Crawl.Container, "container", cfg.Crawl.Container, "CSS selector of the list page content element")
	fs.StringVar(&cfg.Crawl.Schema, "schema", cfg.Crawl.Schema, "Path to a schema file (.yaml/.yml or .json); overrides -version")
	fs.StringVar(&cfg.Crawl.Version, "version", cfg.Crawl.Version, "Builtin schema version")
	fs.StringVar(&cfg.Crawl.Output, "out", cfg.Crawl.Output, `Output TSV path ("-" for stdout)`)
	fs.DurationVar(&cfg.Crawl.Delay, "delay", cfg.Crawl.Delay, "Delay between requests (0 disables)")
	fs.DurationVar(&cfg.Crawl.Timeout, "timeout", cfg.Crawl.Timeout, "HTTP timeout per request")
	fs.IntVar(&cfg.Crawl.Retries, "retries", cfg.Crawl.Retries, "Retries for 5xx/429 and transport errors (0 disables)")
	fs.StringVar(&cfg.Crawl.UserAgent, "user-agent", cfg.Crawl.UserAgent, "User-Agent header")
	fs.IntVar(&cfg.Crawl.Limit, "limit", cfg.Crawl.Limit, "Max cards to fetch (0 means all)")

	fs.StringVar(&cfg.Store.Backend, "store", cfg.Store.Backend, "Record store backend (sqlite, postgres, mssql); empty disables")
	fs.StringVar(&cfg.Store.DSN, "dsn", cfg.Store.DSN, "Record store DSN")
	fs.StringVar(&cfg.Store.Table, "table", cfg.Store.Table, "Record store table")

	fs.StringVar(&cfg.Metrics.Backend, "metrics", cfg.Metrics.Backend, "Metrics backend (datadog, prompush); empty disables")
	fs.StringVar(&cfg.Metrics.JobName, "job", cfg.Metrics.JobName, "Job name used in metrics")
	fs.StringVar(&cfg.Metrics.PushgatewayURL, "pushgateway", cfg.Metrics.PushgatewayURL, "Pushgateway URL for -metrics prompush")
	fs.StringVar(&cfg.Metrics.Tags, "dd-tags", cfg.Metrics.Tags, "Extra Datadog tags CSV (e.g. env:prod,site:wiki)")
	fs.DurationVar(&cfg.Metrics.FlushEvery, "metrics-flush", cfg.Metrics.FlushEvery, "Datadog flush interval")

	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.Log.Development, "log-dev", cfg.Log.Development, "Console log encoding")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return config.Config{}, errors.New(usageBuf.String())
		}
		return config.Config{}, fmt.Errorf("%v\n\n%s", err, usageBuf.String())
	}
	if fs.NArg() > 0 {
		return config.Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if cfg.Crawl.ListURL == "" {
		return config.Config{}, errors.New("missing -list-url")
	}
	if cfg.Crawl.Output == "" {
		return config.Config{}, errors.New("missing -out")
	}
	if cfg.Store.Backend != "" && cfg.Store.Table == "" {
		return config.Config{}, errors.New("missing -table")
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
