package extracthtml

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// State is how far a field got through resolution.
type State string

const (
	StateSearching   State = "searching"
	StateFound       State = "found"
	StateIndexed     State = "indexed"
	StateRowSelected State = "row_selected"
	StateNormalized  State = "normalized"
	StateDefaulted   State = "defaulted"
)

// Resolution records the outcome of one field. Reached is the last state
// before the field was defaulted; Err is nil for normalized fields.
type Resolution struct {
	Field   string
	State   State
	Reached State
	Err     error
}

// Field is one named value of a Record.
type Field struct {
	Name  string
	Value string
}

// Record holds every schema field exactly once, in schema order.
type Record struct {
	fields []Field
}

// Get returns the value of name, or "" when the record has no such field.
func (r Record) Get(name string) string {
	for _, f := range r.fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

// Fields returns the fields in schema order.
func (r Record) Fields() []Field {
	return append([]Field(nil), r.fields...)
}

// Map returns the record as a plain map.
func (r Record) Map() map[string]string {
	out := make(map[string]string, len(r.fields))
	for _, f := range r.fields {
		out[f.Name] = f.Value
	}
	return out
}

// Annotate returns a copy of r with name=value placed before the schema
// fields, e.g. the source file or URL a record came from.
func (r Record) Annotate(name, value string) Record {
	fields := make([]Field, 0, len(r.fields)+1)
	fields = append(fields, Field{Name: name, Value: value})
	fields = append(fields, r.fields...)
	return Record{fields: fields}
}

// MarshalJSON encodes the record as an object keeping schema order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSONString(&buf, f.Name); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := writeJSONString(&buf, f.Value); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeJSONString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// Encode appends a newline.
	buf.Truncate(buf.Len() - 1)
	return nil
}

// Extractor assembles records from documents according to a schema.
// It holds no per-document state and is safe for concurrent use.
type Extractor struct {
	schema *Schema
	norm   Normalizer
	log    *zap.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithLogger makes the extractor log defaulted fields at debug level.
func WithLogger(l *zap.Logger) Option {
	return func(e *Extractor) {
		if l != nil {
			e.log = l
		}
	}
}

// NewExtractor compiles s and returns an Extractor for it.
func NewExtractor(s *Schema, opts ...Option) (*Extractor, error) {
	if s == nil {
		return nil, fmt.Errorf("nil schema")
	}
	if err := s.Compile(); err != nil {
		return nil, err
	}
	e := &Extractor{
		schema: s,
		norm:   NewNormalizer(s.vocab),
		log:    zap.NewNop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Schema returns the schema the extractor was built with.
func (e *Extractor) Schema() *Schema { return e.schema }

// ExtractCardHTML parses html and assembles one record.
func (e *Extractor) ExtractCardHTML(name, html string) (Record, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Record{}, fmt.Errorf("parse html: %w", err)
	}
	return e.Assemble(name, doc)
}

// Assemble extracts every schema field from doc. name only attributes log
// lines. A field that cannot be resolved is set to "" without affecting
// the others; only a nil document is an error.
func (e *Extractor) Assemble(name string, doc *goquery.Document) (Record, error) {
	rec, _, err := e.AssembleDetailed(name, doc)
	return rec, err
}

// AssembleDetailed is Assemble plus one Resolution per field.
func (e *Extractor) AssembleDetailed(name string, doc *goquery.Document) (Record, []Resolution, error) {
	d, err := NewDocument(doc)
	if err != nil {
		return Record{}, nil, fmt.Errorf("assemble %s: %w", name, err)
	}

	tables := map[*html.Node]*Table{}
	rec := Record{fields: make([]Field, 0, len(e.schema.Fields))}
	res := make([]Resolution, 0, len(e.schema.Fields))

	for i := range e.schema.Fields {
		f := &e.schema.Fields[i]
		raw, reached, err := e.resolve(d, f, tables)
		if err != nil {
			e.log.Debug("field defaulted",
				zap.String("doc", name),
				zap.String("field", f.Name),
				zap.String("reached", string(reached)),
				zap.Error(err),
			)
			rec.fields = append(rec.fields, Field{Name: f.Name})
			res = append(res, Resolution{Field: f.Name, State: StateDefaulted, Reached: reached, Err: err})
			continue
		}
		rec.fields = append(rec.fields, Field{Name: f.Name, Value: e.norm.Normalize(raw, f.Normalize)})
		res = append(res, Resolution{Field: f.Name, State: StateNormalized, Reached: StateNormalized})
	}
	return rec, res, nil
}

// resolve returns the raw (not yet normalized) value of f.
func (e *Extractor) resolve(d *Document, f *FieldSpec, tables map[*html.Node]*Table) (string, State, error) {
	node, err := e.locate(d, f)
	if err != nil {
		return "", StateSearching, err
	}

	if f.Kind == KindList {
		return listText(node, f.Separator), StateRowSelected, nil
	}

	t, ok := tables[node]
	if !ok {
		t = NewTable(node)
		tables[node] = t
	}
	idx := IndexTable(t)

	reached := StateFound
	if idx.Len() > 0 {
		reached = StateIndexed
	}

	var firstErr error
	selected := false
	for _, sel := range f.Select {
		v, err := pick(t, idx, sel)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		selected = true
		if v != "" {
			return v, StateRowSelected, nil
		}
	}
	if selected {
		return "", StateRowSelected, nil
	}
	return "", reached, fmt.Errorf("field %s: %w", f.Name, firstErr)
}

// locate tries each anchor in order and returns the first structure found.
func (e *Extractor) locate(d *Document, f *FieldSpec) (*html.Node, error) {
	var lastErr error
	for _, a := range f.Anchors {
		n, err := d.Locate(a, f.Kind, e.schema.LookAhead)
		if err == nil {
			return n, nil
		}
		// A structure miss says more than a later anchor's absence.
		if lastErr == nil || !errors.Is(lastErr, ErrStructureNotFound) {
			lastErr = err
		}
	}
	return nil, fmt.Errorf("field %s: %w", f.Name, lastErr)
}

// pick runs one selection strategy against t.
func pick(t *Table, idx TableIndex, sel Selection) (string, error) {
	switch sel.Row {
	case RowLabel:
		return ScanLabeledCell(t, sel.Label)

	case RowKey:
		if idx.Len() == 0 {
			return "", ErrHeaderNotIndexable
		}
		col, ok := idx.Lookup(sel.Column)
		if !ok {
			return "", fmt.Errorf("%w: no %q column", ErrHeaderNotIndexable, sel.Column)
		}
		row, err := SelectRow(t, idx, sel.KeyLabel, sel.KeyValue)
		if err != nil {
			return "", err
		}
		return CellAt(row, col)

	case RowSpan:
		if idx.Len() == 0 {
			return "", ErrHeaderNotIndexable
		}
		col, ok := idx.Lookup(sel.Column)
		if !ok {
			return "", fmt.Errorf("%w: no %q column", ErrHeaderNotIndexable, sel.Column)
		}
		row, err := FirstDataRow(t)
		if err != nil {
			return "", err
		}
		return CellAt(row, col)
	}
	return "", fmt.Errorf("unknown row strategy %q", sel.Row)
}

// listText joins the collapsed text of the list's own items with sep.
// Empty items are dropped.
func listText(n *html.Node, sep string) string {
	if sep == "" {
		sep = " / "
	}
	var items []string
	goquery.NewDocumentFromNode(n).Selection.ChildrenFiltered("li").Each(func(_ int, li *goquery.Selection) {
		if t := CollapseSpace(li.Text()); t != "" {
			items = append(items, t)
		}
	})
	return strings.Join(items, sep)
}
