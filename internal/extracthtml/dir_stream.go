package extracthtml

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cardscrape/internal/metrics"
)

// StreamFromDir streams a single JSON array to w with one record per saved
// page in dir, each led by a "source_file" field.
//
// Behavior:
//   - stable ordering by filename
//   - only .html/.htm files are read
//   - unreadable/unparseable files are skipped
//   - the document name passed to the extractor is the file name without
//     extension
func StreamFromDir(w io.Writer, dir string, ex *Extractor, enc *json.Encoder) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	if _, err := io.WriteString(w, "["); err != nil {
		return fmt.Errorf("write [: %w", err)
	}

	first := true
	for _, e := range entries {
		if e.IsDir() || !isHTMLFile(e.Name()) {
			continue
		}

		start := time.Now()
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			metrics.RecordDocument("read_error", time.Since(start))
			continue
		}
		doc, err := ParseDocument(b)
		if err != nil {
			metrics.RecordDocument("parse_error", time.Since(start))
			continue
		}

		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		rec, res, err := ex.AssembleDetailed(name, doc)
		if err != nil {
			metrics.RecordDocument("extract_error", time.Since(start))
			continue
		}
		ObserveResolutions(res)
		metrics.RecordDocument("ok", time.Since(start))

		if !first {
			if _, err := io.WriteString(w, ","); err != nil {
				return fmt.Errorf("write comma: %w", err)
			}
		}
		first = false
		if err := enc.Encode(rec.Annotate("source_file", e.Name())); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
	}

	if _, err := io.WriteString(w, "]"); err != nil {
		return fmt.Errorf("write ]: %w", err)
	}
	return nil
}

// ObserveResolutions reports per-field outcomes to the metrics backend.
func ObserveResolutions(res []Resolution) {
	for _, r := range res {
		metrics.RecordField(r.Field, string(r.State), string(r.Reached))
	}
}

func isHTMLFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".html", ".htm":
		return true
	}
	return false
}
