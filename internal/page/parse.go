// internal/page/parse.go
package page

import (
	"fmt"
	"strings"

	"github.com/antchfx/htmlquery"
	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/failure"
	"golang.org/x/net/html"
)

// Parse builds a PageSnapshot from raw page source. The snapshot lists
// fields in document order; radio buttons sharing a name collapse into one
// field whose options are the individual buttons.
func Parse(source string) (schemas.PageSnapshot, error) {
	doc, err := htmlquery.Parse(strings.NewReader(source))
	if err != nil {
		return schemas.PageSnapshot{}, fmt.Errorf("failed to parse page source: %w", err)
	}
	return FromDocument(doc), nil
}

// FromDocument builds a PageSnapshot from an already parsed document.
func FromDocument(doc *html.Node) schemas.PageSnapshot {
	p := newParser(doc)
	p.walk(doc, false)

	snap := schemas.PageSnapshot{
		URL:      canonicalURL(doc),
		Title:    titleOf(doc),
		Text:     normalizeSpace(bodyText(doc)),
		Fields:   p.fields,
		Controls: p.controls,
	}
	if snap.Fields == nil {
		snap.Fields = []schemas.FieldDescriptor{}
	}
	snap.Signature = Signature(snap, p.markers)
	return snap
}

// Locate resolves locator against source and describes the matched element.
// A locator that matches a radio button describes the whole group.
func Locate(source, locator string) (schemas.FieldDescriptor, error) {
	doc, err := htmlquery.Parse(strings.NewReader(source))
	if err != nil {
		return schemas.FieldDescriptor{}, fmt.Errorf("failed to parse page source: %w", err)
	}
	return LocateIn(doc, locator)
}

// LocateIn is Locate on a parsed document.
func LocateIn(doc *html.Node, locator string) (schemas.FieldDescriptor, error) {
	n, err := htmlquery.Query(doc, locator)
	if err != nil {
		return schemas.FieldDescriptor{}, fmt.Errorf("invalid locator %q: %w", locator, err)
	}
	if n == nil {
		return schemas.FieldDescriptor{}, fmt.Errorf("%s: %w", locator, failure.ErrNotFound)
	}

	p := newParser(doc)
	hidden := hiddenByAncestor(n)
	switch {
	case n.Data == "input" && inputType(n) == "radio":
		p.walk(doc, false)
		name := attr(n, "name")
		for _, f := range p.fields {
			if f.Type == schemas.FieldRadio && f.Name == name {
				return f, nil
			}
		}
	case n.Data == "input" && isButtonInput(inputType(n)), n.Data == "button", n.Data == "a":
		label := controlLabel(n)
		typ := schemas.FieldButton
		if n.Data != "a" && buttonType(n) == "submit" {
			typ = schemas.FieldSubmit
		}
		return schemas.FieldDescriptor{
			ID:      attr(n, "id"),
			Name:    attr(n, "name"),
			Type:    typ,
			Label:   label,
			Visible: !hidden,
			Locator: locator,
		}, nil
	case n.Data == "input", n.Data == "select", n.Data == "textarea":
		fd := p.describe(n, hidden)
		fd.Locator = locator
		return fd, nil
	}

	return schemas.FieldDescriptor{
		ID:      attr(n, "id"),
		Type:    schemas.FieldType(n.Data),
		Label:   cleanLabel(textContent(n, true)),
		Visible: !hidden,
		Locator: locator,
	}, nil
}

type parser struct {
	doc       *html.Node
	labelsFor map[string]string
	radioIdx  map[string]int
	fields    []schemas.FieldDescriptor
	controls  []schemas.Control
	markers   int
}

func newParser(doc *html.Node) *parser {
	p := &parser{
		doc:       doc,
		labelsFor: make(map[string]string),
		radioIdx:  make(map[string]int),
	}
	for _, l := range htmlquery.Find(doc, "//label[@for]") {
		id := attr(l, "for")
		if _, seen := p.labelsFor[id]; !seen {
			p.labelsFor[id] = cleanLabel(textContent(l, true))
		}
	}
	return p
}

func (p *parser) walk(n *html.Node, hidden bool) {
	if n.Type == html.ElementNode {
		hidden = hidden || hiddenElement(n)
		switch n.Data {
		case "script", "style", "template", "noscript":
			return
		case "input":
			p.input(n, hidden)
		case "select", "textarea":
			p.fields = append(p.fields, p.describe(n, hidden))
			return
		case "button":
			p.button(n, hidden)
			return
		case "a":
			p.link(n, hidden)
		case "h1", "h2", "h3", "legend":
			if !hidden {
				p.markers++
			}
		}
		if !hidden && (hasAttr(n, "data-step") || isStepCurrent(n)) {
			p.markers++
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		p.walk(c, hidden)
	}
}

func isStepCurrent(n *html.Node) bool {
	v := strings.ToLower(attr(n, "aria-current"))
	return v == "step" || v == "page"
}

func (p *parser) input(n *html.Node, hidden bool) {
	typ := inputType(n)
	switch {
	case typ == "radio":
		p.radio(n, hidden)
	case isButtonInput(typ):
		label := controlLabel(n)
		if typ == "submit" || typ == "image" {
			p.addControl(n, hidden, label, true)
		} else if typ == "button" {
			p.addControl(n, hidden, label, false)
		}
	default:
		p.fields = append(p.fields, p.describe(n, hidden))
	}
}

func (p *parser) button(n *html.Node, hidden bool) {
	switch buttonType(n) {
	case "submit":
		p.addControl(n, hidden, controlLabel(n), true)
	case "button":
		p.addControl(n, hidden, controlLabel(n), false)
	}
}

func (p *parser) link(n *html.Node, hidden bool) {
	label := controlLabel(n)
	if hidden || !matchesAny(label, nextWords) {
		return
	}
	p.controls = append(p.controls, schemas.Control{
		Label:   label,
		Kind:    schemas.ControlLink,
		Locator: p.controlLocator(n, label),
	})
}

// addControl registers a visible button. Plain buttons only count when their
// label reads like forward navigation.
func (p *parser) addControl(n *html.Node, hidden bool, label string, submits bool) {
	if hidden || matchesAny(label, backWords) {
		return
	}
	kind := schemas.ControlSubmit
	switch {
	case matchesAny(label, nextWords):
		kind = schemas.ControlNext
	case !submits:
		return
	}
	p.controls = append(p.controls, schemas.Control{
		Label:   label,
		Kind:    kind,
		Locator: p.controlLocator(n, label),
	})
}

func (p *parser) radio(n *html.Node, hidden bool) {
	name := attr(n, "name")
	value, ok := attrOK(n, "value")
	if !ok {
		value = "on"
	}
	optLocator := radioOptionLocator(name, value)
	if id := attr(n, "id"); id != "" {
		optLocator = ByID(id)
	}
	optLabel := p.labelOf(n)
	if optLabel == "" {
		optLabel = value
	}
	opt := schemas.Option{Label: optLabel, Value: value, Locator: optLocator}

	if i, seen := p.radioIdx[name]; seen && name != "" {
		f := &p.fields[i]
		f.Options = append(f.Options, opt)
		f.Required = f.Required || isRequired(n)
		f.Checked = f.Checked || hasAttr(n, "checked")
		f.Visible = f.Visible || !hidden
		return
	}

	fd := schemas.FieldDescriptor{
		ID:       name,
		Name:     name,
		Type:     schemas.FieldRadio,
		Label:    groupLabel(n),
		Options:  []schemas.Option{opt},
		Visible:  !hidden,
		Required: isRequired(n),
		Checked:  hasAttr(n, "checked"),
		Locator:  radioGroupLocator(name),
	}
	if name == "" {
		fd.ID = attr(n, "id")
		fd.Label = optLabel
		fd.Locator = p.fieldLocator(n)
	}
	if fd.Label == "" {
		fd.Label = name
	}
	p.radioIdx[name] = len(p.fields)
	p.fields = append(p.fields, fd)
}

// describe builds the descriptor for a non-radio input, select or textarea.
func (p *parser) describe(n *html.Node, hidden bool) schemas.FieldDescriptor {
	typ := fieldType(n)
	fd := schemas.FieldDescriptor{
		ID:       attr(n, "id"),
		Name:     attr(n, "name"),
		Type:     typ,
		Label:    p.labelOf(n),
		Visible:  !hidden && typ != schemas.FieldHidden,
		Required: isRequired(n),
		Checked:  typ == schemas.FieldCheckbox && hasAttr(n, "checked"),
		Locator:  p.fieldLocator(n),
	}
	if fd.ID == "" {
		fd.ID = fd.Name
	}
	if fd.ID == "" {
		fd.ID = fmt.Sprintf("%s-%d", n.Data, p.position(n))
	}
	if typ == schemas.FieldSelect {
		for _, o := range htmlquery.Find(n, ".//option") {
			label := normalizeSpace(textContent(o, false))
			value, ok := attrOK(o, "value")
			if !ok {
				value = label
			}
			fd.Options = append(fd.Options, schemas.Option{Label: label, Value: value})
		}
	}
	return fd
}

// labelOf finds the accessible label for a control, in order: label[for],
// a wrapping label, aria-labelledby, aria-label, placeholder, title.
func (p *parser) labelOf(n *html.Node) string {
	if id := attr(n, "id"); id != "" {
		if l, ok := p.labelsFor[id]; ok && l != "" {
			return l
		}
	}
	if l := ancestor(n, "label"); l != nil {
		if text := cleanLabel(textContent(l, true)); text != "" {
			return text
		}
	}
	if ids := attr(n, "aria-labelledby"); ids != "" {
		var parts []string
		for _, id := range strings.Fields(ids) {
			if ref := htmlquery.FindOne(p.doc, ByID(id)); ref != nil {
				parts = append(parts, textContent(ref, true))
			}
		}
		if text := cleanLabel(strings.Join(parts, " ")); text != "" {
			return text
		}
	}
	for _, key := range []string{"aria-label", "placeholder", "title"} {
		if v := cleanLabel(attr(n, key)); v != "" {
			return v
		}
	}
	return ""
}

func groupLabel(n *html.Node) string {
	for c := n.Parent; c != nil; c = c.Parent {
		if c.Type != html.ElementNode {
			continue
		}
		if c.Data == "fieldset" {
			if legend := htmlquery.FindOne(c, "./legend"); legend != nil {
				return cleanLabel(textContent(legend, true))
			}
		}
		if strings.EqualFold(attr(c, "role"), "radiogroup") {
			if v := cleanLabel(attr(c, "aria-label")); v != "" {
				return v
			}
		}
	}
	return ""
}

func controlLabel(n *html.Node) string {
	if n.Data == "input" {
		if v := normalizeSpace(attr(n, "value")); v != "" {
			return v
		}
		if inputType(n) == "submit" {
			return "Submit"
		}
	}
	if text := normalizeSpace(htmlquery.InnerText(n)); text != "" {
		return text
	}
	return normalizeSpace(attr(n, "aria-label"))
}

func inputType(n *html.Node) string {
	t := strings.ToLower(strings.TrimSpace(attr(n, "type")))
	if t == "" {
		return "text"
	}
	return t
}

func buttonType(n *html.Node) string {
	if n.Data == "input" {
		return inputType(n)
	}
	t := strings.ToLower(strings.TrimSpace(attr(n, "type")))
	if t == "" {
		return "submit"
	}
	return t
}

func isButtonInput(typ string) bool {
	return typ == "submit" || typ == "image" || typ == "button" || typ == "reset"
}

func fieldType(n *html.Node) schemas.FieldType {
	switch n.Data {
	case "select":
		return schemas.FieldSelect
	case "textarea":
		return schemas.FieldTextarea
	}
	switch t := inputType(n); t {
	case "email", "tel", "number", "date", "password", "checkbox", "file", "hidden", "radio":
		return schemas.FieldType(t)
	default:
		return schemas.FieldText
	}
}

func isRequired(n *html.Node) bool {
	return hasAttr(n, "required") || strings.EqualFold(attr(n, "aria-required"), "true")
}

func titleOf(doc *html.Node) string {
	if t := htmlquery.FindOne(doc, "//title"); t != nil {
		return normalizeSpace(htmlquery.InnerText(t))
	}
	return ""
}

func bodyText(doc *html.Node) string {
	if body := htmlquery.FindOne(doc, "//body"); body != nil {
		return textContent(body, false)
	}
	return textContent(doc, false)
}

func canonicalURL(doc *html.Node) string {
	if l := htmlquery.FindOne(doc, "//link[@rel='canonical']"); l != nil {
		return attr(l, "href")
	}
	return ""
}
