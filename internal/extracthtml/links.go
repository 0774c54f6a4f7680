package extracthtml

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// DefaultListContainer is the wiki's main content element.
const DefaultListContainer = "#body"

// CardLink is one card page found on the list page.
type CardLink struct {
	Name string
	URL  string
}

// CardLinks collects card page links from a list page.
//
// Only anchors inside container are considered (the whole page when the
// container is missing). A link qualifies when its href is relative and its
// text is longer than one character. Links are deduplicated by resolved URL:
// the first occurrence fixes the position, the last one the name.
func CardLinks(listURL, html, container string) ([]CardLink, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html %s: %w", listURL, err)
	}
	base, err := url.Parse(listURL)
	if err != nil {
		return nil, fmt.Errorf("parse list url: %w", err)
	}
	if container == "" {
		container = DefaultListContainer
	}

	root := doc.Find(container).First()
	if root.Length() == 0 {
		root = doc.Selection
	}

	var out []CardLink
	at := map[string]int{}
	root.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		text := CollapseSpace(a.Text())
		if !isCardHref(href) || utf8.RuneCountInString(text) <= 1 {
			return
		}
		abs := ResolveHref(base, href)
		if i, ok := at[abs]; ok {
			out[i].Name = text
			return
		}
		at[abs] = len(out)
		out = append(out, CardLink{Name: text, URL: abs})
	})
	return out, nil
}

// isCardHref keeps site-relative links and drops absolute URLs, in-page
// fragments and script pseudo links.
func isCardHref(href string) bool {
	switch {
	case href == "":
		return false
	case strings.HasPrefix(href, "http"), strings.HasPrefix(href, "//"):
		return false
	case strings.HasPrefix(href, "#"):
		return false
	case strings.HasPrefix(strings.ToLower(href), "javascript:"), strings.HasPrefix(strings.ToLower(href), "mailto:"):
		return false
	}
	return true
}

// ResolveHref resolves href against base, returning an absolute URL string.
// If href is invalid, it is returned unchanged.
func ResolveHref(base *url.URL, href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if base == nil {
		return u.String()
	}
	return base.ResolveReference(u).String()
}
