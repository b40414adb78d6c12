package marketplace

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// extractConfirmationID finds the product ID on a confirmation page: first
// the value of attr on any element, then the first submatch of pattern over
// the page text.
func extractConfirmationID(doc, attr string, pattern *regexp.Regexp) string {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return ""
	}

	if attr != "" {
		if id := findAttr(root, attr); id != "" {
			return id
		}
	}
	if pattern == nil {
		return ""
	}

	var text strings.Builder
	collectText(root, &text)
	if m := pattern.FindStringSubmatch(text.String()); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func findAttr(n *html.Node, attr string) string {
	if n.Type == html.ElementNode {
		for _, a := range n.Attr {
			if a.Key == attr && strings.TrimSpace(a.Val) != "" {
				return strings.TrimSpace(a.Val)
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if v := findAttr(c, attr); v != "" {
			return v
		}
	}
	return ""
}

func collectText(n *html.Node, b *strings.Builder) {
	if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
		return
	}
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
		b.WriteByte(' ')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}
