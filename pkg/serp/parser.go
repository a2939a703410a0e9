// Package serp turns a Google results page into structured results.
package serp

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

type ResultType string

const (
	TypeOrganic         ResultType = "organic"
	TypeFeaturedSnippet ResultType = "featured_snippet"
)

type Result struct {
	Position int               `json:"position"`
	Type     ResultType        `json:"type"`
	Title    string            `json:"title,omitempty"`
	URL      string            `json:"url,omitempty"`
	Snippet  string            `json:"snippet,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Page is everything extracted from one document. Counts and results come
// from the same parse tree.
type Page struct {
	Organic    []Result
	Featured   *Result
	TotalAds   int
	TotalLinks int
	// Snapshot is the sanitized markup kept for audit.
	Snapshot string
}

// Results lists the featured snippet (position 0) followed by the organic
// results.
func (p Page) Results() []Result {
	out := make([]Result, 0, len(p.Organic)+1)
	if p.Featured != nil {
		out = append(out, *p.Featured)
	}
	return append(out, p.Organic...)
}

func (p Page) Empty() bool {
	return p.Featured == nil && len(p.Organic) == 0
}

// Parse never fails. Malformed markup is repaired by the html5 tree builder
// and extraction runs on whatever tree comes out; an unusable document just
// yields an empty Page.
func Parse(doc string) (page Page) {
	if strings.TrimSpace(doc) == "" {
		return Page{}
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Warn("panic while parsing results page", slog.Any("panic", r))
			page = Page{}
		}
	}()

	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		slog.Warn("failed to parse results page", slog.Any("err", err))
		return Page{}
	}
	d := goquery.NewDocumentFromNode(root)

	featured, featuredNode := extractFeatured(d)
	page.Featured = featured
	page.Organic = extractOrganic(d, featuredNode)
	page.TotalAds = countAds(d)
	page.TotalLinks = d.Find(linkSelector).Length()
	page.Snapshot = sanitize(root)

	slog.Debug("parsed search results",
		slog.Int("organic_results", len(page.Organic)),
		slog.Bool("has_featured_snippet", featured != nil),
		slog.Int("total_ads", page.TotalAds),
		slog.Int("total_links", page.TotalLinks),
	)
	return page
}

// first returns the first element under s matched by the earliest selector
// in the list that matches anything.
func first(s *goquery.Selection, selectors []string) *goquery.Selection {
	for _, sel := range selectors {
		if m := s.Find(sel).First(); m.Length() > 0 {
			return m
		}
	}
	return nil
}

func text(s *goquery.Selection) string {
	if s == nil {
		return ""
	}
	return strings.Join(strings.Fields(s.Text()), " ")
}

func extractFeatured(d *goquery.Document) (*Result, *html.Node) {
	for _, sel := range featuredSelectors.Container {
		c := d.Find(sel).First()
		if c.Length() == 0 {
			continue
		}

		r := Result{
			Position: 0,
			Type:     TypeFeaturedSnippet,
			Title:    text(first(c, featuredSelectors.Title)),
			Snippet:  text(first(c, featuredSelectors.Snippet)),
		}
		if r.Title == "" && r.Snippet == "" {
			continue
		}
		if a := first(c, featuredSelectors.Link); a != nil {
			if href, ok := a.Attr("href"); ok {
				r.URL = resultURL(href)
			}
		}
		return &r, c.Get(0)
	}
	return nil, nil
}

type candidate struct {
	node   *html.Node
	result Result
	ok     bool
}

func extractOrganic(d *goquery.Document, featured *html.Node) []Result {
	seen := make(map[*html.Node]bool)
	var cands []*candidate
	for _, sel := range organicSelectors.Container {
		d.Find(sel).Each(func(_ int, c *goquery.Selection) {
			n := c.Get(0)
			if seen[n] || (featured != nil && (n == featured || contains(featured, n))) {
				return
			}
			seen[n] = true
			r, ok := extractContainer(c)
			cands = append(cands, &candidate{node: n, result: r, ok: ok})
		})
	}

	// Wrappers such as div[jscontroller] often enclose a real result; keep
	// the innermost container that produced one.
	var kept []*candidate
	for _, c := range cands {
		if !c.ok {
			continue
		}
		nested := false
		for _, o := range cands {
			if o != c && o.ok && contains(c.node, o.node) {
				nested = true
				break
			}
		}
		if !nested {
			kept = append(kept, c)
		}
	}

	order := documentOrder(d.Get(0))
	sort.SliceStable(kept, func(i, j int) bool {
		return order[kept[i].node] < order[kept[j].node]
	})

	out := make([]Result, 0, len(kept))
	for i, c := range kept {
		c.result.Position = i + 1
		out = append(out, c.result)
	}
	return out
}

// extractContainer resolves each field through its own fallback list. A
// container without a title is only a result when its link leads off
// Google; widgets with settings or navigation anchors are not.
func extractContainer(c *goquery.Selection) (Result, bool) {
	r := Result{Type: TypeOrganic}

	r.Title = text(first(c, organicSelectors.Title))
	if a := first(c, organicSelectors.Link); a != nil {
		if href, ok := a.Attr("href"); ok {
			r.URL = resultURL(href)
		}
	}
	if r.Title == "" && !external(r.URL) {
		return r, false
	}
	r.Snippet = text(first(c, organicSelectors.Snippet))

	for _, m := range metadataSelectors {
		if v := text(c.Find(m.Selector).First()); v != "" {
			if r.Metadata == nil {
				r.Metadata = make(map[string]string)
			}
			r.Metadata[m.Key] = v
		}
	}
	return r, true
}

func countAds(d *goquery.Document) int {
	n := 0
	for _, sel := range adSelectors {
		n += d.Find(sel).Length()
	}
	return n
}

// contains reports whether n is a strict descendant of ancestor.
func contains(ancestor, n *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p == ancestor {
			return true
		}
	}
	return false
}

func documentOrder(root *html.Node) map[*html.Node]int {
	order := make(map[*html.Node]int)
	i := 0
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		order[n] = i
		i++
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return order
}
