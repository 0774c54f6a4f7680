package extracthtml

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// maxSpan caps rowspan/colspan attributes so broken markup cannot blow up
// the grid.
const maxSpan = 64

// Cell is one logical table cell.
type Cell struct {
	Text string // collapsed text

	// Spanned is true when the cell is a copy of a rowspan/colspan origin.
	Spanned bool
}

// Row is one logical table row.
type Row []Cell

// Table is a logical grid built from a table element. Cells merged with
// rowspan or colspan appear at every position they cover, so later rows keep
// their column alignment.
type Table struct {
	Rows []Row
}

// NewTable builds the logical grid for a table element. Rows of nested
// tables are not included.
func NewTable(n *html.Node) *Table {
	sel := goquery.NewDocumentFromNode(n).Selection

	var rows []*goquery.Selection
	sel.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		if owner := tr.ParentsFiltered("table").First(); owner.Length() > 0 && owner.Nodes[0] == n {
			rows = append(rows, tr)
		}
	})

	t := &Table{Rows: make([]Row, 0, len(rows))}

	// carry[col] holds a rowspan cell still covering upcoming rows.
	type carried struct {
		text string
		left int
	}
	carry := map[int]*carried{}

	for _, tr := range rows {
		var row Row
		col := 0
		// Spans from earlier rows that this row has not used yet.
		pending := make(map[*carried]int, len(carry))
		for k, c := range carry {
			pending[c] = k
		}
		fill := func() {
			for {
				c, ok := carry[col]
				if !ok || c.left == 0 {
					return
				}
				row = append(row, Cell{Text: c.text, Spanned: true})
				delete(pending, c)
				c.left--
				if c.left == 0 {
					delete(carry, col)
				}
				col++
			}
		}

		tr.ChildrenFiltered("th, td").Each(func(_ int, td *goquery.Selection) {
			fill()
			text := CollapseSpace(td.Text())
			rs := spanAttr(td, "rowspan")
			cs := spanAttr(td, "colspan")
			for i := 0; i < cs; i++ {
				row = append(row, Cell{Text: text, Spanned: i > 0})
				if rs > 1 {
					carry[col] = &carried{text: text, left: rs - 1}
				}
				col++
			}
		})
		fill()
		// A row still uses up the spans it never reached, short or not.
		for c, k := range pending {
			c.left--
			if c.left == 0 && carry[k] == c {
				delete(carry, k)
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

func spanAttr(s *goquery.Selection, name string) int {
	v, ok := s.Attr(name)
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 1 {
		return 1
	}
	if n > maxSpan {
		return maxSpan
	}
	return n
}

// TableIndex maps header labels to column positions.
type TableIndex struct {
	pos map[string]int
}

// IndexTable indexes the first row of t. Blank cells and span copies are
// skipped; a label seen twice keeps its last position. The index is empty
// when the table has no usable header row.
func IndexTable(t *Table) TableIndex {
	idx := TableIndex{pos: map[string]int{}}
	if t == nil || len(t.Rows) == 0 {
		return idx
	}
	for i, c := range t.Rows[0] {
		if c.Spanned || c.Text == "" {
			continue
		}
		idx.pos[c.Text] = i
	}
	return idx
}

// Len returns the number of indexed labels.
func (x TableIndex) Len() int { return len(x.pos) }

// Positions returns a copy of the label -> column map.
func (x TableIndex) Positions() map[string]int {
	out := make(map[string]int, len(x.pos))
	for k, v := range x.pos {
		out[k] = v
	}
	return out
}

// MaxPosition returns the highest indexed column, or -1 when empty.
func (x TableIndex) MaxPosition() int {
	m := -1
	for _, p := range x.pos {
		if p > m {
			m = p
		}
	}
	return m
}

// Lookup resolves label to a column. An exact label wins; otherwise the
// leftmost header containing label is used, since headers carry decorations
// like "効果(Lv14)".
func (x TableIndex) Lookup(label string) (int, bool) {
	if p, ok := x.pos[label]; ok {
		return p, true
	}
	type entry struct {
		label string
		pos   int
	}
	entries := make([]entry, 0, len(x.pos))
	for k, v := range x.pos {
		entries = append(entries, entry{k, v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].pos < entries[j].pos })
	for _, e := range entries {
		if strings.Contains(e.label, label) {
			return e.pos, true
		}
	}
	return 0, false
}

// SelectRow returns the first data row whose keyLabel column equals keyValue.
// Rows not longer than the highest indexed column are skipped as malformed.
func SelectRow(t *Table, idx TableIndex, keyLabel, keyValue string) (Row, error) {
	col, ok := idx.Lookup(keyLabel)
	if !ok {
		return nil, fmt.Errorf("%w: no %q column", ErrHeaderNotIndexable, keyLabel)
	}
	if len(t.Rows) < 2 {
		return nil, fmt.Errorf("%w: table has no data rows", ErrRowNotFound)
	}
	maxPos := idx.MaxPosition()
	for _, row := range t.Rows[1:] {
		if len(row) <= maxPos {
			continue
		}
		if row[col].Text == keyValue {
			return row, nil
		}
	}
	return nil, fmt.Errorf("%w: %s=%q", ErrRowNotFound, keyLabel, keyValue)
}

// FirstDataRow returns the row right after the header. Row-span merged
// columns are read from here because their values are not repeated below.
func FirstDataRow(t *Table) (Row, error) {
	if t == nil || len(t.Rows) < 2 {
		return nil, fmt.Errorf("%w: table has no data rows", ErrRowNotFound)
	}
	return t.Rows[1], nil
}

// CellAt returns the text at col.
func CellAt(row Row, col int) (string, error) {
	if col < 0 || col >= len(row) {
		return "", fmt.Errorf("%w: column %d of %d", ErrCellOutOfRange, col, len(row))
	}
	return row[col].Text, nil
}

// ScanLabeledCell looks for the first cell containing label in any row and
// returns the cell after it. It serves tables without a usable header, such
// as vertical "label | value" stat tables.
func ScanLabeledCell(t *Table, label string) (string, error) {
	seen := false
	for _, row := range t.Rows {
		for i, c := range row {
			if !strings.Contains(c.Text, label) {
				continue
			}
			// Skip colspan copies of the label itself.
			j := i + 1
			for j < len(row) && row[j].Spanned && row[j].Text == c.Text {
				j++
			}
			if j < len(row) {
				return row[j].Text, nil
			}
			seen = true
			break
		}
	}
	if seen {
		return "", fmt.Errorf("%w: %q has no value cell", ErrCellOutOfRange, label)
	}
	return "", fmt.Errorf("%w: no cell contains %q", ErrRowNotFound, label)
}
