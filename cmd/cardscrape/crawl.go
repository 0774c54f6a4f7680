package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"cardscrape/internal/config"
	"cardscrape/internal/extracthtml"
	"cardscrape/internal/fetch"
	"cardscrape/internal/metrics"
	"cardscrape/internal/output"
	"cardscrape/internal/storage"
	_ "cardscrape/internal/storage/all"

	"go.uber.org/zap"
)

type summary struct {
	Started time.Time
	Links   int
	Written int
	Skipped int
	Store   storage.UpsertResult
}

type crawler struct {
	cfg     config.Config
	ex      *extracthtml.Extractor
	fields  []string
	fetcher pageFetcher
	stdout  io.Writer
	now     func() time.Time
	log     *zap.Logger
}

func newCrawler(cfg config.Config, d deps, log *zap.Logger) (*crawler, error) {
	var (
		schema *extracthtml.Schema
		err    error
	)
	if cfg.Crawl.Schema != "" {
		schema, err = extracthtml.LoadSchemaFile(cfg.Crawl.Schema)
	} else {
		schema, err = extracthtml.BuiltinSchema(cfg.Crawl.Version)
	}
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	ex, err := extracthtml.NewExtractor(schema, extracthtml.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	fields := schema.FieldNames()
	if cfg.Store.Backend != "" {
		if err := storage.ValidateLayout(cfg.Store.Table, fields); err != nil {
			return nil, fmt.Errorf("store layout: %w", err)
		}
	}

	// Zero means "off" on the command line; fetch.Options reads zero as
	// "use the default".
	opts := fetch.Options{
		Timeout:   cfg.Crawl.Timeout,
		Delay:     cfg.Crawl.Delay,
		Retries:   cfg.Crawl.Retries,
		UserAgent: cfg.Crawl.UserAgent,
		Logger:    log,
	}
	if opts.Delay == 0 {
		opts.Delay = -1
	}
	if opts.Retries == 0 {
		opts.Retries = -1
	}

	return &crawler{
		cfg:     cfg,
		ex:      ex,
		fields:  fields,
		fetcher: d.NewFetcher(opts),
		stdout:  d.Stdout,
		now:     d.Now,
		log:     log,
	}, nil
}

// Run fetches the list page, then every card on it in order. A card that
// fails to fetch or parse is logged and skipped; only list, output and
// store failures abort the crawl.
func (c *crawler) Run(ctx context.Context) (summary, error) {
	sum := summary{Started: c.now()}

	list, err := c.fetcher.Fetch(ctx, c.cfg.Crawl.ListURL)
	if err != nil {
		return sum, fmt.Errorf("fetch list: %w", err)
	}
	links, err := extracthtml.CardLinks(c.cfg.Crawl.ListURL, string(list), c.cfg.Crawl.Container)
	if err != nil {
		return sum, err
	}
	if c.cfg.Crawl.Limit > 0 && len(links) > c.cfg.Crawl.Limit {
		links = links[:c.cfg.Crawl.Limit]
	}
	sum.Links = len(links)
	c.log.Info("card links collected", zap.String("list_url", c.cfg.Crawl.ListURL), zap.Int("links", len(links)))

	w, closeOut, err := c.openOutput()
	if err != nil {
		return sum, err
	}
	defer closeOut()

	tsv, err := output.NewTSVWriter(w, c.fields)
	if err != nil {
		return sum, err
	}

	var rows []storage.CardRow
	for i, link := range links {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		rec, ok := c.card(ctx, link)
		if !ok {
			sum.Skipped++
			continue
		}
		m := rec.Map()
		if err := tsv.Write(link.Name, link.URL, m); err != nil {
			return sum, err
		}
		sum.Written++
		if c.cfg.Store.Backend != "" {
			rows = append(rows, cardRow(link, c.fields, m))
		}
		c.log.Debug("card written", zap.Int("n", i+1), zap.String("name", link.Name))
	}
	if err := tsv.Flush(); err != nil {
		return sum, fmt.Errorf("flush output: %w", err)
	}

	if c.cfg.Store.Backend != "" {
		res, err := c.store(ctx, rows)
		if err != nil {
			return sum, err
		}
		sum.Store = res
	}
	return sum, nil
}

// card fetches and assembles one card page.
func (c *crawler) card(ctx context.Context, link extracthtml.CardLink) (extracthtml.Record, bool) {
	start := c.now()

	body, err := c.fetcher.Fetch(ctx, link.URL)
	if err != nil {
		metrics.RecordDocument("fetch_error", c.now().Sub(start))
		c.log.Warn("card fetch failed, skipping", zap.String("name", link.Name), zap.String("url", link.URL), zap.Error(err))
		return extracthtml.Record{}, false
	}
	doc, err := extracthtml.ParseDocument(body)
	if err != nil {
		metrics.RecordDocument("parse_error", c.now().Sub(start))
		c.log.Warn("card parse failed, skipping", zap.String("name", link.Name), zap.String("url", link.URL), zap.Error(err))
		return extracthtml.Record{}, false
	}
	rec, res, err := c.ex.AssembleDetailed(link.URL, doc)
	if err != nil {
		metrics.RecordDocument("extract_error", c.now().Sub(start))
		c.log.Warn("card extract failed, skipping", zap.String("name", link.Name), zap.String("url", link.URL), zap.Error(err))
		return extracthtml.Record{}, false
	}
	extracthtml.ObserveResolutions(res)
	metrics.RecordDocument("ok", c.now().Sub(start))
	return rec, true
}

func (c *crawler) openOutput() (io.Writer, func(), error) {
	if c.cfg.Crawl.Output == "-" {
		return c.stdout, func() {}, nil
	}
	f, err := os.Create(c.cfg.Crawl.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}
	return f, func() {
		if err := f.Close(); err != nil {
			c.log.Warn("close output failed", zap.String("path", c.cfg.Crawl.Output), zap.Error(err))
		}
	}, nil
}

func (c *crawler) store(ctx context.Context, rows []storage.CardRow) (storage.UpsertResult, error) {
	repo, err := storage.New(ctx, storage.Config{Kind: c.cfg.Store.Backend, DSN: c.cfg.Store.DSN})
	if err != nil {
		return storage.UpsertResult{}, fmt.Errorf("open store: %w", err)
	}
	defer repo.Close()

	if err := repo.EnsureTable(ctx, c.cfg.Store.Table, c.fields); err != nil {
		return storage.UpsertResult{}, fmt.Errorf("ensure table: %w", err)
	}
	if len(rows) == 0 {
		return storage.UpsertResult{}, nil
	}
	res, err := repo.UpsertRecords(ctx, c.cfg.Store.Table, c.fields, rows)
	if err != nil {
		return storage.UpsertResult{}, fmt.Errorf("upsert records: %w", err)
	}
	return res, nil
}

func cardRow(link extracthtml.CardLink, fields []string, values map[string]string) storage.CardRow {
	row := storage.CardRow{URL: link.URL, Name: link.Name, Values: make([]string, len(fields))}
	for i, f := range fields {
		row.Values[i] = values[f]
	}
	return row
}
