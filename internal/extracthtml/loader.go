package extracthtml

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Input describes where HTML should come from.
type Input struct {
	// URL, if provided, is fetched with the loader's Fetcher.
	URL string

	// Stdin is used when URL is empty. If nil, stdin reads as empty.
	Stdin io.Reader
}

// Fetcher retrieves a page body. internal/fetch provides the HTTP one.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Loader reads HTML from stdin or fetches it by URL.
type Loader struct {
	fetcher Fetcher
}

// NewLoader creates a Loader. fetcher may be nil when only stdin is used.
func NewLoader(fetcher Fetcher) *Loader {
	return &Loader{fetcher: fetcher}
}

// Load returns the raw page for either stdin (when input.URL is empty)
// or a fetched URL.
func (l *Loader) Load(ctx context.Context, input Input) ([]byte, error) {
	if strings.TrimSpace(input.URL) == "" {
		if input.Stdin == nil {
			return nil, nil
		}
		b, err := io.ReadAll(input.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return b, nil
	}

	if l.fetcher == nil {
		return nil, fmt.Errorf("load %s: no fetcher configured", input.URL)
	}
	b, err := l.fetcher.Fetch(ctx, input.URL)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", input.URL, err)
	}
	return b, nil
}
