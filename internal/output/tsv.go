// Package output writes crawl results as tab-separated values.
package output

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// TSVWriter writes a header row of name, url and the field names, then one
// row per card. Tabs and newlines inside values are replaced by spaces so
// every record stays on one line.
type TSVWriter struct {
	w      *csv.Writer
	fields []string
	rows   int
}

// NewTSVWriter writes the header immediately.
func NewTSVWriter(w io.Writer, fields []string) (*TSVWriter, error) {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	t := &TSVWriter{w: cw, fields: append([]string(nil), fields...)}

	header := append([]string{"name", "url"}, fields...)
	if err := cw.Write(header); err != nil {
		return nil, fmt.Errorf("write tsv header: %w", err)
	}
	return t, nil
}

// Write appends one card. values maps field name to value; missing fields
// are written empty.
func (t *TSVWriter) Write(name, url string, values map[string]string) error {
	row := make([]string, 0, len(t.fields)+2)
	row = append(row, clean(name), clean(url))
	for _, f := range t.fields {
		row = append(row, clean(values[f]))
	}
	if err := t.w.Write(row); err != nil {
		return fmt.Errorf("write tsv row: %w", err)
	}
	t.rows++
	return nil
}

// Rows returns the number of data rows written.
func (t *TSVWriter) Rows() int { return t.rows }

// Flush flushes buffered output and reports any write error.
func (t *TSVWriter) Flush() error {
	t.w.Flush()
	return t.w.Error()
}

var flatten = strings.NewReplacer("\t", " ", "\r\n", " ", "\n", " ", "\r", " ")

func clean(s string) string { return flatten.Replace(s) }
