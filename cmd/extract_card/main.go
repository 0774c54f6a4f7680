// Command extract-card reads a card page (from stdin, a URL, or a directory
// of saved pages), assembles its fields with an extraction schema, and
// prints JSON.
//
// Usage (stdin, builtin schema):
//
//	cat card.html | extract-card -version wiki-v2
//
// Usage (fetch URL, schema file):
//
//	extract-card -url "https://wikiwiki.jp/llll_wiki/..." -schema schema.yaml
//
// Usage (directory mode):
//
//	extract-card -dir ./pages
//
// Debug (print the table an anchor resolves to):
//
//	cat card.html | extract-card -anchor "センタースキル" -text
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"cardscrape/internal/extracthtml"
	"cardscrape/internal/fetch"
	"cardscrape/internal/logging"

	"go.uber.org/zap"
)

// fetcherFactory builds the page fetcher for -url. Tests swap it out.
type fetcherFactory func(timeout time.Duration, log *zap.Logger) extracthtml.Fetcher

func main() {
	os.Exit(run(
		context.Background(),
		os.Args[1:],
		os.Stdin,
		os.Stdout,
		os.Stderr,
		newHTTPFetcher,
	))
}

func newHTTPFetcher(timeout time.Duration, log *zap.Logger) extracthtml.Fetcher {
	return fetch.New(fetch.Options{Timeout: timeout, Delay: -1, Logger: log})
}

// run is split out from main so the command can be tested without spawning
// a process.
//
// It returns a Unix-style exit code:
//   - 0 for success
//   - 2 for usage/config errors
//   - 1 for operational/runtime errors
func run(
	ctx context.Context,
	args []string,
	stdin io.Reader,
	stdout io.Writer,
	stderr io.Writer,
	newFetcher fetcherFactory,
) int {
	fs := flag.NewFlagSet("extract-card", flag.ContinueOnError)
	fs.SetOutput(stderr)

	schemaPath := fs.String("schema", "", "Path to a schema file (.yaml/.yml or .json); overrides -version")
	version := fs.String("version", "wiki-v2", "Builtin schema version")
	urlFlag := fs.String("url", "", "Optional: fetch HTML from URL instead of stdin")
	timeout := fs.Duration("timeout", 10*time.Second, "Timeout for -url fetch")
	dirFlag := fs.String("dir", "", "Optional: directory of saved card pages (one record per file)")
	name := fs.String("name", "stdin", "Document name used in logs")
	detail := fs.Bool("detail", false, "Print per-field resolution states to stderr")
	logLevel := fs.String("log-level", "warn", "Log level (debug, info, warn, error)")

	anchor := fs.String("anchor", "", "Debug: anchor pattern to locate (prints the structure, not JSON)")
	heading := fs.Bool("heading", false, "Debug: match -anchor against headings only")
	kind := fs.String("kind", "table", "Debug: structure kind for -anchor (table or list)")
	lookAhead := fs.Int("look-ahead", extracthtml.DefaultLookAhead, "Debug: elements searched after the anchor")
	onlyText := fs.Bool("text", false, "Debug: print the logical grid or list items instead of HTML")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	log, err := logging.New(logging.Config{Level: *logLevel})
	if err != nil {
		fmt.Fprintf(stderr, "logger: %v\n", err)
		return 2
	}
	defer func() { _ = log.Sync() }()

	var fetcher extracthtml.Fetcher
	if *urlFlag != "" && newFetcher != nil {
		fetcher = newFetcher(*timeout, log)
	}
	loader := extracthtml.NewLoader(fetcher)

	// Anchor debug mode needs HTML input but no schema.
	if *anchor != "" {
		k := extracthtml.StructureKind(*kind)
		if k != extracthtml.KindTable && k != extracthtml.KindList {
			fmt.Fprintf(stderr, "unknown -kind %q\n", *kind)
			return 2
		}
		a := extracthtml.Anchor{Pattern: *anchor, Mode: extracthtml.AnchorText}
		if *heading {
			a.Mode = extracthtml.AnchorHeading
		}

		html, err := loader.Load(ctx, extracthtml.Input{URL: *urlFlag, Stdin: stdin})
		if err != nil {
			fmt.Fprintf(stderr, "load html: %v\n", err)
			return 1
		}
		if err := extracthtml.DebugLocate(stdout, html, a, k, *lookAhead, *onlyText); err != nil {
			fmt.Fprintf(stderr, "debug anchor: %v\n", err)
			return 1
		}
		return 0
	}

	schema, err := loadSchema(*schemaPath, *version)
	if err != nil {
		fmt.Fprintf(stderr, "load schema: %v\n", err)
		return 2
	}
	ex, err := extracthtml.NewExtractor(schema, extracthtml.WithLogger(log))
	if err != nil {
		fmt.Fprintf(stderr, "schema: %v\n", err)
		return 2
	}

	enc := json.NewEncoder(stdout)
	enc.SetEscapeHTML(false)

	// Directory mode: stream output as a single JSON array.
	if *dirFlag != "" {
		if err := extracthtml.StreamFromDir(stdout, *dirFlag, ex, enc); err != nil {
			fmt.Fprintf(stderr, "dir extract: %v\n", err)
			return 1
		}
		return 0
	}

	html, err := loader.Load(ctx, extracthtml.Input{URL: *urlFlag, Stdin: stdin})
	if err != nil {
		fmt.Fprintf(stderr, "load html: %v\n", err)
		return 1
	}
	doc, err := extracthtml.ParseDocument(html)
	if err != nil {
		fmt.Fprintf(stderr, "parse html: %v\n", err)
		return 1
	}

	docName := *name
	if *urlFlag != "" && docName == "stdin" {
		docName = *urlFlag
	}
	rec, res, err := ex.AssembleDetailed(docName, doc)
	if err != nil {
		fmt.Fprintf(stderr, "extract: %v\n", err)
		return 1
	}
	if *detail {
		for _, r := range res {
			if r.Err != nil {
				fmt.Fprintf(stderr, "%s\t%s\treached=%s\t%v\n", r.Field, r.State, r.Reached, r.Err)
				continue
			}
			fmt.Fprintf(stderr, "%s\t%s\n", r.Field, r.State)
		}
	}
	if err := enc.Encode(rec); err != nil {
		fmt.Fprintf(stderr, "encode json: %v\n", err)
		return 1
	}
	return 0
}

func loadSchema(path, version string) (*extracthtml.Schema, error) {
	if path != "" {
		return extracthtml.LoadSchemaFile(path)
	}
	return extracthtml.BuiltinSchema(version)
}
