// internal/page/locator.go
package page

import (
	"fmt"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// Locators are XPath 1.0 expressions. Both device backends evaluate them:
// the simulation through htmlquery and the live backend through CDP's
// DOM.performSearch, so only constructs both support are generated here.

// XPathLiteral quotes s as an XPath string literal, falling back to concat()
// when s contains both quote characters.
func XPathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	var b strings.Builder
	b.WriteString("concat(")
	for i, p := range parts {
		if i > 0 {
			b.WriteString(`, "'", `)
		}
		b.WriteString("'" + p + "'")
	}
	b.WriteString(")")
	return b.String()
}

// ByID locates any element by its id attribute.
func ByID(id string) string {
	return fmt.Sprintf("//*[@id=%s]", XPathLiteral(id))
}

// ByName locates an element of the given tag by its name attribute.
func ByName(tag, name string) string {
	return fmt.Sprintf("//%s[@name=%s]", tag, XPathLiteral(name))
}

// ByText locates an element of the given tag by its whitespace-normalized text.
func ByText(tag, text string) string {
	return fmt.Sprintf("//%s[normalize-space(.)=%s]", tag, XPathLiteral(text))
}

func byPosition(tag string, pos int) string {
	return fmt.Sprintf("(//%s)[%d]", tag, pos)
}

func radioGroupLocator(name string) string {
	return fmt.Sprintf("//input[@type='radio'][@name=%s]", XPathLiteral(name))
}

func radioOptionLocator(name, value string) string {
	return fmt.Sprintf("//input[@type='radio'][@name=%s][@value=%s]", XPathLiteral(name), XPathLiteral(value))
}

// fieldLocator prefers id, then name, then document position.
func (p *parser) fieldLocator(n *html.Node) string {
	if id := attr(n, "id"); id != "" {
		return ByID(id)
	}
	if name := attr(n, "name"); name != "" {
		return ByName(n.Data, name)
	}
	return byPosition(n.Data, p.position(n))
}

func (p *parser) controlLocator(n *html.Node, label string) string {
	if id := attr(n, "id"); id != "" {
		return ByID(id)
	}
	switch n.Data {
	case "input":
		if v, ok := attrOK(n, "value"); ok && v != "" {
			return fmt.Sprintf("//input[@type=%s][@value=%s]", XPathLiteral(attr(n, "type")), XPathLiteral(v))
		}
	default:
		if label != "" && label == normalizeSpace(htmlquery.InnerText(n)) {
			return ByText(n.Data, label)
		}
	}
	return byPosition(n.Data, p.position(n))
}

// position is the 1-based document-order index of n among elements with the same tag.
func (p *parser) position(n *html.Node) int {
	pos := 0
	var found bool
	var visit func(*html.Node)
	visit = func(c *html.Node) {
		if found {
			return
		}
		if c.Type == html.ElementNode && c.Data == n.Data {
			pos++
			if c == n {
				found = true
				return
			}
		}
		for k := c.FirstChild; k != nil; k = k.NextSibling {
			visit(k)
		}
	}
	visit(p.doc)
	return pos
}
