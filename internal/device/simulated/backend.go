// internal/device/simulated/backend.go
package simulated

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/failure"
	"github.com/xkilldash9x/formpilot/internal/page"
)

// BackendName identifies the simulation in results.
const BackendName = "simulation"

// Fault scripts a failure. The first Times calls of Op whose locator equals
// Locator (any locator when empty) fail with Err, or with a transient error
// when Err is nil.
type Fault struct {
	Op      schemas.ActionType
	Locator string
	Times   int
	Err     error
}

// Options configures a simulated backend.
type Options struct {
	// Name overrides the backend name reported in results.
	Name string
	// ScreenshotDir receives an HTML capture per screenshot. When empty,
	// screenshots return a virtual sim:// path without touching disk.
	ScreenshotDir string
	Faults        []Fault
	// Latency delays each primitive of the given type, honoring ctx.
	Latency map[schemas.ActionType]time.Duration
}

// Backend is a script-free browser over a Source. It keeps a live DOM for
// the current page so typed values, selections and checkbox state persist
// until the next page load, and follows links and form submissions the way
// a browser would, including HTML required-field validation. Over a Site it
// is fully deterministic.
type Backend struct {
	source Source
	opts   Options

	mu      sync.Mutex
	doc     *html.Node
	current *url.URL
	faults  []Fault
	history []string
	closed  bool
}

// NewBackend creates a backend positioned on a blank page.
func NewBackend(source Source, opts Options) *Backend {
	if opts.Name == "" {
		opts.Name = BackendName
	}
	b := &Backend{source: source, opts: opts}
	b.faults = append(b.faults, opts.Faults...)
	b.doc, _ = htmlquery.Parse(strings.NewReader("<html><head></head><body></body></html>"))
	return b
}

func (b *Backend) Name() string { return b.opts.Name }

// History returns every path loaded, in order.
func (b *Backend) History() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.history...)
}

func (b *Backend) Navigate(ctx context.Context, rawURL string) error {
	return b.run(ctx, schemas.ActionNavigate, rawURL, func() error {
		u, err := url.Parse(rawURL)
		if err != nil {
			return failure.New(failure.Navigation, "simulated.navigate", err)
		}
		return b.load(ctx, Request{URL: u})
	})
}

func (b *Backend) Click(ctx context.Context, locator string) error {
	return b.run(ctx, schemas.ActionClick, locator, func() error {
		n, err := b.find(locator)
		if err != nil {
			return err
		}
		return b.activate(ctx, n)
	})
}

func (b *Backend) Type(ctx context.Context, locator, text string) error {
	return b.run(ctx, schemas.ActionTypeText, locator, func() error {
		n, err := b.find(locator)
		if err != nil {
			return err
		}
		switch {
		case n.Data == "textarea":
			for c := n.FirstChild; c != nil; {
				next := c.NextSibling
				n.RemoveChild(c)
				c = next
			}
			n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
		case n.Data == "input" && typable(attrOf(n, "type")):
			setAttr(n, "value", text)
		default:
			return fmt.Errorf("element %s is not typable", locator)
		}
		return nil
	})
}

func (b *Backend) Select(ctx context.Context, locator, optionLabel string) error {
	return b.run(ctx, schemas.ActionSelect, locator, func() error {
		n, err := b.find(locator)
		if err != nil {
			return err
		}
		if n.Data != "select" {
			return fmt.Errorf("element %s is not a select", locator)
		}
		want := page.Normalize(optionLabel)
		options := htmlquery.Find(n, ".//option")
		var chosen *html.Node
		for _, o := range options {
			if page.Normalize(htmlquery.InnerText(o)) == want || attrOf(o, "value") == optionLabel {
				chosen = o
				break
			}
		}
		if chosen == nil {
			return fmt.Errorf("option %q in %s: %w", optionLabel, locator, failure.ErrNotFound)
		}
		for _, o := range options {
			removeAttr(o, "selected")
		}
		setAttr(chosen, "selected", "")
		return nil
	})
}

func (b *Backend) Upload(ctx context.Context, locator, filePath string) error {
	return b.run(ctx, schemas.ActionUpload, locator, func() error {
		n, err := b.find(locator)
		if err != nil {
			return err
		}
		if n.Data != "input" || !strings.EqualFold(attrOf(n, "type"), "file") {
			return fmt.Errorf("element %s is not a file input", locator)
		}
		setAttr(n, "value", filepath.Base(filePath))
		return nil
	})
}

func (b *Backend) Scroll(ctx context.Context, direction string, amount int) error {
	return b.run(ctx, schemas.ActionScroll, direction, func() error { return nil })
}

func (b *Backend) Wait(ctx context.Context, d time.Duration) error {
	return b.run(ctx, schemas.ActionWait, "", func() error {
		return sleep(ctx, d)
	})
}

func (b *Backend) Screenshot(ctx context.Context, name string) (string, error) {
	var out string
	err := b.run(ctx, schemas.ActionScreenshot, name, func() error {
		if b.opts.ScreenshotDir == "" {
			out = "sim://screenshots/" + name
			return nil
		}
		if err := os.MkdirAll(b.opts.ScreenshotDir, 0o755); err != nil {
			return err
		}
		out = filepath.Join(b.opts.ScreenshotDir, name+".html")
		return os.WriteFile(out, []byte(b.render()), 0o644)
	})
	return out, err
}

func (b *Backend) Locate(ctx context.Context, locator string, timeout time.Duration) (schemas.FieldDescriptor, error) {
	var fd schemas.FieldDescriptor
	err := b.run(ctx, schemas.ActionLocate, locator, func() error {
		var err error
		fd, err = page.LocateIn(b.doc, locator)
		return err
	})
	return fd, err
}

func (b *Backend) ReadSource(ctx context.Context) (string, error) {
	var src string
	err := b.run(ctx, schemas.ActionReadSource, "", func() error {
		src = b.render()
		return nil
	})
	return src, err
}

func (b *Backend) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// run applies latency and scripted faults, then executes fn under the lock.
func (b *Backend) run(ctx context.Context, op schemas.ActionType, locator string, fn func() error) error {
	if d := b.opts.Latency[op]; d > 0 {
		if err := sleep(ctx, d); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("simulated backend is closed")
	}
	if err := b.takeFault(op, locator); err != nil {
		return err
	}
	return fn()
}

func (b *Backend) takeFault(op schemas.ActionType, locator string) error {
	for i := range b.faults {
		f := &b.faults[i]
		if f.Op != op || f.Times <= 0 || (f.Locator != "" && f.Locator != locator) {
			continue
		}
		f.Times--
		if f.Err != nil {
			return f.Err
		}
		return failure.Newf(failure.TransientDevice, "simulated."+string(op), "injected fault on %s", locator)
	}
	return nil
}

func (b *Backend) find(locator string) (*html.Node, error) {
	n, err := htmlquery.Query(b.doc, locator)
	if err != nil {
		return nil, failure.Newf(failure.Internal, "simulated.query", "invalid locator %q: %v", locator, err)
	}
	if n == nil {
		return nil, fmt.Errorf("%s: %w", locator, failure.ErrNotFound)
	}
	return n, nil
}

// load replaces the document with the page req names, its URL resolved
// against the current one.
func (b *Backend) load(ctx context.Context, req Request) error {
	if b.current != nil {
		req.URL = b.current.ResolveReference(req.URL)
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	pg, err := b.source.Fetch(ctx, req)
	if err != nil {
		return err
	}
	doc, err := htmlquery.Parse(strings.NewReader(pg.Markup))
	if err != nil {
		return failure.New(failure.Navigation, "simulated.navigate", err)
	}
	if pg.URL == nil {
		pg.URL = req.URL
	}
	b.doc = doc
	b.current = pg.URL
	b.history = append(b.history, path.Clean("/"+pg.URL.Path))
	return nil
}

// activate performs the default action of a clicked element.
func (b *Backend) activate(ctx context.Context, n *html.Node) error {
	switch n.Data {
	case "a":
		href, ok := attrOK(n, "href")
		if !ok || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
			return nil
		}
		u, err := url.Parse(href)
		if err != nil {
			return failure.New(failure.Navigation, "simulated.click", err)
		}
		return b.load(ctx, Request{URL: u})
	case "input":
		switch strings.ToLower(attrOf(n, "type")) {
		case "checkbox":
			if _, on := attrOK(n, "checked"); on {
				removeAttr(n, "checked")
			} else {
				setAttr(n, "checked", "")
			}
			return nil
		case "radio":
			name := attrOf(n, "name")
			for _, r := range htmlquery.Find(b.doc, fmt.Sprintf("//input[@type='radio'][@name=%s]", page.XPathLiteral(name))) {
				removeAttr(r, "checked")
			}
			setAttr(n, "checked", "")
			return nil
		case "submit", "image":
			return b.submit(ctx, n)
		}
	case "button":
		t := strings.ToLower(attrOf(n, "type"))
		if t == "" || t == "submit" {
			return b.submit(ctx, n)
		}
	case "label":
		if id := attrOf(n, "for"); id != "" {
			if target := htmlquery.FindOne(b.doc, page.ByID(id)); target != nil {
				return b.activate(ctx, target)
			}
		}
	}
	return nil
}

// submit sends the owning form to its action. A form with unmet required
// fields is not submitted, matching browser constraint validation.
func (b *Backend) submit(ctx context.Context, button *html.Node) error {
	form := owningForm(button)
	if form == nil {
		return nil
	}
	if !formValid(form) {
		return nil
	}
	action := attrOf(button, "formaction")
	if action == "" {
		action = attrOf(form, "action")
	}
	target := &url.URL{}
	if action != "" {
		u, err := url.Parse(action)
		if err != nil {
			return failure.New(failure.Navigation, "simulated.submit", err)
		}
		target = u
	}
	if b.current != nil && action == "" {
		target = &url.URL{Path: b.current.Path}
	}
	method := strings.ToUpper(attrOf(button, "formmethod"))
	if method == "" {
		method = strings.ToUpper(attrOf(form, "method"))
	}
	if method != http.MethodPost {
		method = http.MethodGet
	}
	return b.load(ctx, Request{URL: target, Method: method, Form: formValues(form, button)})
}

// formValues collects the successful controls of form the way a browser
// encodes them: checked boxes and radios, the selected option, and only the
// submitter among buttons.
func formValues(form, submitter *html.Node) url.Values {
	values := url.Values{}
	for _, n := range htmlquery.Find(form, ".//input|.//select|.//textarea|.//button") {
		name := attrOf(n, "name")
		if name == "" {
			continue
		}
		if _, disabled := attrOK(n, "disabled"); disabled {
			continue
		}
		switch n.Data {
		case "textarea":
			values.Add(name, htmlquery.InnerText(n))
		case "select":
			selected := htmlquery.FindOne(n, ".//option[@selected]")
			if selected == nil {
				selected = htmlquery.FindOne(n, ".//option")
			}
			if selected != nil {
				values.Add(name, optionValue(selected))
			}
		case "button":
			if n == submitter {
				values.Add(name, attrOf(n, "value"))
			}
		case "input":
			switch strings.ToLower(attrOf(n, "type")) {
			case "checkbox", "radio":
				if _, on := attrOK(n, "checked"); on {
					v, ok := attrOK(n, "value")
					if !ok {
						v = "on"
					}
					values.Add(name, v)
				}
			case "submit", "image":
				if n == submitter {
					values.Add(name, attrOf(n, "value"))
				}
			case "button", "reset":
			default:
				values.Add(name, attrOf(n, "value"))
			}
		}
	}
	return values
}

func (b *Backend) render() string {
	var sb strings.Builder
	if err := html.Render(&sb, b.doc); err != nil {
		return ""
	}
	return sb.String()
}

func owningForm(n *html.Node) *html.Node {
	for c := n.Parent; c != nil; c = c.Parent {
		if c.Type == html.ElementNode && c.Data == "form" {
			return c
		}
	}
	return nil
}

func formValid(form *html.Node) bool {
	radioGroups := map[string]bool{}
	for _, n := range htmlquery.Find(form, ".//input|.//select|.//textarea") {
		_, required := attrOK(n, "required")
		switch n.Data {
		case "textarea":
			if required && strings.TrimSpace(htmlquery.InnerText(n)) == "" {
				return false
			}
		case "select":
			if !required {
				continue
			}
			selected := htmlquery.FindOne(n, ".//option[@selected]")
			if selected == nil {
				selected = htmlquery.FindOne(n, ".//option")
			}
			if selected == nil || optionValue(selected) == "" {
				return false
			}
		case "input":
			switch strings.ToLower(attrOf(n, "type")) {
			case "radio":
				name := attrOf(n, "name")
				if _, seen := radioGroups[name]; !seen {
					radioGroups[name] = false
				}
				if _, on := attrOK(n, "checked"); on {
					radioGroups[name] = true
				}
				if required {
					radioGroups[name+"\x00required"] = true
				}
			case "checkbox":
				if _, on := attrOK(n, "checked"); required && !on {
					return false
				}
			case "submit", "button", "reset", "image", "hidden":
			default:
				if required && attrOf(n, "value") == "" {
					return false
				}
			}
		}
	}
	for name, checked := range radioGroups {
		if strings.HasSuffix(name, "\x00required") {
			continue
		}
		if radioGroups[name+"\x00required"] && !checked {
			return false
		}
	}
	return true
}

func optionValue(o *html.Node) string {
	if v, ok := attrOK(o, "value"); ok {
		return v
	}
	return strings.TrimSpace(htmlquery.InnerText(o))
}

func typable(t string) bool {
	switch strings.ToLower(t) {
	case "checkbox", "radio", "submit", "button", "reset", "image", "file", "hidden":
		return false
	}
	return true
}

func attrOK(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val, true
		}
	}
	return "", false
}

func attrOf(n *html.Node, key string) string {
	v, _ := attrOK(n, key)
	return v
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if !strings.EqualFold(a.Key, key) {
			out = append(out, a)
		}
	}
	n.Attr = out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
