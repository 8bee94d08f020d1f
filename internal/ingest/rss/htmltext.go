package rss

import (
	"strings"

	"golang.org/x/net/html"
)

// StripHTML extracts the text content of an HTML fragment. Script and style
// bodies are dropped; block boundaries collapse to single spaces.
func StripHTML(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return fragment
	}

	node, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return fragment
	}

	var sb strings.Builder

	collectText(node, &sb)

	return strings.Join(strings.Fields(sb.String()), " ")
}

func collectText(node *html.Node, sb *strings.Builder) {
	if node.Type == html.ElementNode && (node.Data == "script" || node.Data == "style") {
		return
	}

	if node.Type == html.TextNode {
		sb.WriteString(node.Data)
		sb.WriteByte(' ')
	}

	for child := node.FirstChild; child != nil; child = child.NextSibling {
		collectText(child, sb)
	}
}
