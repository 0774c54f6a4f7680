// Command card-links prints the card pages linked from one or more list
// pages, one "name<TAB>url" line per card.
//
// List pages are fetched one after another with the crawler's delay, and a
// card linked from several list pages is printed once.
//
// Usage:
//
//	card-links
//	card-links -url "https://wikiwiki.jp/llll_wiki/..." -container "#body"
//	card-links -i lists.txt -urls-only > urls.txt
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cardscrape/internal/config"
	"cardscrape/internal/extracthtml"
	"cardscrape/internal/fetch"
	"cardscrape/internal/logging"

	"go.uber.org/zap"
)

type fetcherFactory func(opts fetch.Options) extracthtml.Fetcher

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr, newHTTPFetcher))
}

func newHTTPFetcher(opts fetch.Options) extracthtml.Fetcher { return fetch.New(opts) }

// run returns 0 on success, 2 for usage errors and 1 when a list page
// could not be fetched or parsed.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, newFetcher fetcherFactory) int {
	fs := flag.NewFlagSet("card-links", flag.ContinueOnError)
	fs.SetOutput(stderr)

	listURL := fs.String("url", config.DefaultListURL, "List page URL")
	inputFile := fs.String("i", "", "File of list page URLs (one per line); overrides -url")
	container := fs.String("container", extracthtml.DefaultListContainer, "CSS selector of the content element")
	delay := fs.Duration("delay", time.Second, "Delay between requests (0 disables)")
	timeout := fs.Duration("timeout", 10*time.Second, "HTTP timeout per request")
	urlsOnly := fs.Bool("urls-only", false, "Print only URLs")
	logLevel := fs.String("log-level", "warn", "Log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	log, err := logging.NewWriter(logging.Config{Level: *logLevel}, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	defer func() { _ = log.Sync() }()

	lists := []string{*listURL}
	if *inputFile != "" {
		lists, err = readURLsFromFile(*inputFile)
		if err != nil {
			fmt.Fprintf(stderr, "read list urls: %v\n", err)
			return 2
		}
	}
	if len(lists) == 0 {
		fmt.Fprintln(stderr, "no list urls")
		return 2
	}

	opts := fetch.Options{Timeout: *timeout, Delay: *delay, Logger: log}
	if opts.Delay <= 0 {
		opts.Delay = -1
	}
	fetcher := newFetcher(opts)

	w := bufio.NewWriter(stdout)
	defer w.Flush()

	seen := make(map[string]struct{})
	for _, u := range lists {
		body, err := fetcher.Fetch(ctx, u)
		if err != nil {
			log.Error("list fetch failed", zap.String("url", u), zap.Error(err))
			return 1
		}
		links, err := extracthtml.CardLinks(u, string(body), *container)
		if err != nil {
			log.Error("list parse failed", zap.String("url", u), zap.Error(err))
			return 1
		}
		log.Info("list page read", zap.String("url", u), zap.Int("links", len(links)))

		for _, l := range links {
			if _, dup := seen[l.URL]; dup {
				continue
			}
			seen[l.URL] = struct{}{}
			if *urlsOnly {
				fmt.Fprintln(w, l.URL)
				continue
			}
			fmt.Fprintf(w, "%s\t%s\n", l.Name, l.URL)
		}
	}
	return 0
}

// readURLsFromFile loads URLs (one per line), skipping blanks and # comments.
func readURLsFromFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var urls []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			urls = append(urls, line)
		}
	}
	return urls, scanner.Err()
}
