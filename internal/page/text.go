// internal/page/text.go
package page

import (
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

// normalizeSpace collapses XPath whitespace (space, tab, CR, LF) the same way
// normalize-space() does, so generated text locators match.
func normalizeSpace(s string) string {
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\r' || r == '\n'
	}), " ")
}

// Normalize lowercases s and turns every run of non-alphanumerics into a
// single space. Used for label, key and option comparisons.
func Normalize(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
			continue
		}
		space = true
	}
	return b.String()
}

// textContent concatenates descendant text. With skipControls set, the text
// of form controls nested in n (select options, textarea bodies) is left
// out, which is what a wrapping <label> should contribute.
func textContent(n *html.Node, skipControls bool) string {
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(c *html.Node) {
		switch c.Type {
		case html.TextNode:
			b.WriteString(c.Data)
			return
		case html.ElementNode:
			switch c.Data {
			case "script", "style", "template", "noscript":
				return
			case "select", "textarea", "option", "datalist":
				if skipControls {
					return
				}
			}
		}
		for k := c.FirstChild; k != nil; k = k.NextSibling {
			visit(k)
			if k.Type == html.ElementNode && blockLevel[k.Data] {
				b.WriteByte(' ')
			}
		}
	}
	visit(n)
	return b.String()
}

var blockLevel = map[string]bool{
	"p": true, "div": true, "li": true, "br": true, "h1": true, "h2": true, "h3": true,
	"h4": true, "h5": true, "h6": true, "tr": true, "td": true, "section": true, "fieldset": true,
	"legend": true, "label": true, "option": true,
}

func cleanLabel(s string) string {
	s = normalizeSpace(s)
	return strings.TrimSpace(strings.TrimRight(s, " *:"))
}

func attrOK(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			return a.Val, true
		}
	}
	return "", false
}

func attr(n *html.Node, key string) string {
	v, _ := attrOK(n, key)
	return v
}

func hasAttr(n *html.Node, key string) bool {
	_, ok := attrOK(n, key)
	return ok
}

// hiddenElement reports whether n itself is hidden from the user.
func hiddenElement(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if hasAttr(n, "hidden") || strings.EqualFold(attr(n, "aria-hidden"), "true") {
		return true
	}
	style := strings.ToLower(strings.ReplaceAll(attr(n, "style"), " ", ""))
	return strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden")
}

// hiddenByAncestor reports whether n or any ancestor is hidden.
func hiddenByAncestor(n *html.Node) bool {
	for c := n; c != nil; c = c.Parent {
		if hiddenElement(c) {
			return true
		}
	}
	return false
}

func ancestor(n *html.Node, tag string) *html.Node {
	for c := n.Parent; c != nil; c = c.Parent {
		if c.Type == html.ElementNode && c.Data == tag {
			return c
		}
	}
	return nil
}
