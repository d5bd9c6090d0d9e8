package cli

import (
	"strings"

	"golang.org/x/net/html"
)

// pageTitle returns the text of the first <title> element of a captured DOM.
func pageTitle(dom string) string {
	if dom == "" {
		return ""
	}

	doc, err := html.Parse(strings.NewReader(dom))
	if err != nil {
		return ""
	}

	var find func(*html.Node) string
	find = func(n *html.Node) string {
		if n.Type == html.ElementNode && n.Data == "title" {
			var sb strings.Builder
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.TextNode {
					sb.WriteString(c.Data)
				}
			}
			return strings.TrimSpace(sb.String())
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if title := find(c); title != "" {
				return title
			}
		}
		return ""
	}

	return find(doc)
}
