package extracthtml

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DebugLocate prints the structure an anchor resolves to. With textOnly a
// table is printed as its logical grid (one row per line, cells separated by
// " | ") and a list as one item per line; otherwise the outer HTML is printed.
// This backs the command's "-anchor" debug mode.
func DebugLocate(w io.Writer, html []byte, a Anchor, kind StructureKind, lookAhead int, textOnly bool) error {
	doc, err := ParseDocument(html)
	if err != nil {
		return err
	}
	d, err := NewDocument(doc)
	if err != nil {
		return err
	}
	if a.Mode == "" {
		a.Mode = AnchorText
	}

	n, err := d.Locate(a, kind, lookAhead)
	if err != nil {
		return err
	}
	sel := goquery.NewDocumentFromNode(n).Selection

	if !textOnly {
		out, err := goquery.OuterHtml(sel)
		if err != nil {
			return fmt.Errorf("render located node: %w", err)
		}
		fmt.Fprintln(w, out)
		return nil
	}

	var buf bytes.Buffer
	switch kind {
	case KindTable:
		for _, row := range NewTable(n).Rows {
			cells := make([]string, len(row))
			for i, c := range row {
				cells[i] = c.Text
			}
			fmt.Fprintln(&buf, strings.Join(cells, " | "))
		}
	case KindList:
		sel.ChildrenFiltered("li").Each(func(_ int, li *goquery.Selection) {
			fmt.Fprintln(&buf, CollapseSpace(li.Text()))
		})
	}
	_, err = w.Write(buf.Bytes())
	return err
}
