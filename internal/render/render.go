// Package render turns model replies, which are usually loose markdown,
// into HTML for the status page and into short plain text for Home
// Assistant entity states.
package render

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// MaxStateLength is the longest state value Home Assistant accepts.
const MaxStateLength = 255

// HTML converts markdown to an HTML fragment. Raw HTML in the input is
// not passed through.
func HTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// PlainText converts markdown to readable plain text: emphasis and
// heading markers are dropped, list items and paragraphs stay on their
// own lines.
func PlainText(md string) string {
	fragment, err := HTML(md)
	if err != nil {
		return cleanWhitespace(md)
	}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), &html.Node{
		Type:     html.ElementNode,
		Data:     "body",
		DataAtom: atom.Body,
	})
	if err != nil {
		return cleanWhitespace(md)
	}

	var b strings.Builder
	for _, n := range nodes {
		extractText(n, &b)
	}
	return cleanWhitespace(b.String())
}

// StateText renders md as plain text that fits in an entity state.
func StateText(md string) string {
	return Truncate(PlainText(md), MaxStateLength)
}

// Truncate shortens s to at most max runes, ending with an ellipsis
// when anything was cut.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max-1])) + "…"
}

func extractText(n *html.Node, w *strings.Builder) {
	if n.Type == html.ElementNode && isBlockElement(n.DataAtom) && w.Len() > 0 {
		w.WriteString("\n")
	}

	if n.Type == html.TextNode {
		w.WriteString(n.Data)
	}

	if n.Type == html.ElementNode && n.DataAtom == atom.Li {
		w.WriteString("- ")
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, w)
	}

	if n.Type == html.ElementNode && (n.DataAtom == atom.Br || n.DataAtom == atom.Li) {
		w.WriteString("\n")
	}
}

func isBlockElement(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Table, atom.Tr, atom.Hr:
		return true
	}
	return false
}

// cleanWhitespace collapses runs of spaces within lines and drops
// blank lines.
func cleanWhitespace(s string) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
