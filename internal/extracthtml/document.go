package extracthtml

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/saintfish/chardet"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
)

// DefaultLookAhead bounds how many elements after an anchor are inspected.
const DefaultLookAhead = 20

// ParseDocument parses raw page bytes into a goquery document, decoding
// non UTF-8 input using the detected charset.
func ParseDocument(b []byte) (*goquery.Document, error) {
	r, err := charset.NewReader(bytes.NewReader(b), detectContentType(b))
	if err != nil {
		return goquery.NewDocumentFromReader(bytes.NewReader(b))
	}
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// detectContentType returns a content type hint for charset.NewReader.
// BOMs, meta charsets and valid UTF-8 are trusted; only the windows-1252
// fallback is second-guessed with statistical detection.
func detectContentType(b []byte) string {
	if _, name, _ := charset.DetermineEncoding(b, "text/html"); name != "windows-1252" {
		return "text/html; charset=" + name
	}
	res, err := chardet.NewTextDetector().DetectBest(b)
	if err != nil || res == nil || res.Confidence < 50 {
		return "text/html"
	}
	return "text/html; charset=" + strings.ToLower(res.Charset)
}

// Document is a read-only, document-order view over a parsed page.
//
// The page is flattened once; every anchor lookup reuses the same order
// instead of rescanning the tree.
type Document struct {
	root  *html.Node
	nodes []*html.Node // every node, pre-order
	elems []*html.Node // element nodes only, pre-order
	pos   map[*html.Node]int
}

// NewDocument flattens doc. It returns ErrNilDocument for a nil or empty doc.
func NewDocument(doc *goquery.Document) (*Document, error) {
	if doc == nil || len(doc.Nodes) == 0 || doc.Nodes[0] == nil {
		return nil, ErrNilDocument
	}
	d := &Document{
		root: doc.Nodes[0],
		pos:  make(map[*html.Node]int),
	}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		d.nodes = append(d.nodes, n)
		if n.Type == html.ElementNode {
			d.pos[n] = len(d.elems)
			d.elems = append(d.elems, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(d.root)
	return d, nil
}

// Each calls fn for every node in document order until fn returns false.
func (d *Document) Each(fn func(n *html.Node) bool) {
	for _, n := range d.nodes {
		if !fn(n) {
			return
		}
	}
}

// Candidates returns the element each anchor match belongs to, in document
// order. For text anchors that is the text node's parent.
func (d *Document) Candidates(a Anchor) []*html.Node {
	re := a.re
	if re == nil {
		// Uncompiled anchors come from hand-built specs; validate lazily.
		compiled, err := compileAnchor(a.Pattern)
		if err != nil {
			return nil
		}
		re = compiled
	}

	var out []*html.Node
	d.Each(func(n *html.Node) bool {
		switch a.Mode {
		case AnchorHeading:
			if n.Type == html.ElementNode && isHeading(n.Data) && re.MatchString(CollapseSpace(nodeText(n))) {
				out = append(out, n)
			}
		default:
			if n.Type == html.TextNode && n.Parent != nil && re.MatchString(n.Data) {
				out = append(out, n.Parent)
			}
		}
		return true
	})
	return out
}

// Locate finds the first element of kind that follows a match of a within
// lookAhead elements. Matches are tried in document order.
func (d *Document) Locate(a Anchor, kind StructureKind, lookAhead int) (*html.Node, error) {
	if lookAhead <= 0 {
		lookAhead = DefaultLookAhead
	}
	cands := d.Candidates(a)
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrAnchorNotFound, a.Pattern)
	}
	for _, c := range cands {
		start, ok := d.pos[c]
		if !ok {
			continue
		}
		end := start + 1 + lookAhead
		if end > len(d.elems) {
			end = len(d.elems)
		}
		for _, n := range d.elems[start+1 : end] {
			if isKind(n, kind) {
				return n, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %q (%d matches, kind=%s)", ErrStructureNotFound, a.Pattern, len(cands), kind)
}

func isKind(n *html.Node, kind StructureKind) bool {
	switch kind {
	case KindTable:
		return n.Data == "table"
	case KindList:
		return n.Data == "ul" || n.Data == "ol"
	}
	return false
}

func isHeading(tag string) bool {
	switch tag {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		return true
	}
	return false
}

// nodeText concatenates all descendant text of n.
func nodeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		for ch := c.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(n)
	return b.String()
}
