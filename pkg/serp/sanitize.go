package serp

import (
	"bytes"
	"slices"
	"strings"

	"golang.org/x/net/html"
)

// sanitize renders the tree without script and style elements or inline
// event handlers, whitespace collapsed. It mutates root, so it runs after
// extraction.
func sanitize(root *html.Node) string {
	strip(root)

	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return ""
	}
	return strings.Join(strings.Fields(buf.String()), " ")
}

// Sanitize is the standalone form for documents that were not parsed.
func Sanitize(doc string) string {
	if strings.TrimSpace(doc) == "" {
		return ""
	}
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return ""
	}
	return sanitize(root)
}

func strip(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode && slices.Contains(stripElements, c.Data) {
			n.RemoveChild(c)
		} else {
			strip(c)
		}
		c = next
	}

	if n.Type == html.ElementNode {
		n.Attr = slices.DeleteFunc(n.Attr, func(a html.Attribute) bool {
			return strings.HasPrefix(strings.ToLower(a.Key), "on")
		})
	}
}
