// internal/device/simulated/source.go
package simulated

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/xkilldash9x/formpilot/internal/failure"
)

// HTTPBackendName identifies a Backend reading pages over HTTP.
const HTTPBackendName = "http"

// maxPageSize caps how much of a response body is parsed.
const maxPageSize = 8 << 20

// Request is one page load: a navigation, a followed link, or a form
// submission carrying Form.
type Request struct {
	URL    *url.URL
	Method string
	Form   url.Values
}

// Page is a loaded document. URL is where it was finally served from,
// after redirects.
type Page struct {
	URL    *url.URL
	Markup string
}

// Source serves the pages a Backend loads.
type Source interface {
	Fetch(ctx context.Context, req Request) (Page, error)
}

// Fetch serves the page at the request path. Method and form data are
// ignored.
func (s *Site) Fetch(ctx context.Context, req Request) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	markup, ok := s.Page(req.URL.Path)
	if !ok {
		return Page{}, failure.Newf(failure.Navigation, "simulated.navigate", "404 not found: %s", req.URL.Path)
	}
	return Page{URL: req.URL, Markup: markup}, nil
}

// HTTPSource loads pages from a real server. Forms are sent as a browser
// sends them: GET with a query string, POST url-encoded. An error status on
// the document is a navigation failure, as in the live browser.
type HTTPSource struct {
	client *http.Client
}

// NewHTTPSource uses client for every request. Give each session its own
// client when cookies must not be shared.
func NewHTTPSource(client *http.Client) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{client: client}
}

func (s *HTTPSource) Fetch(ctx context.Context, req Request) (Page, error) {
	target := *req.URL
	var body io.Reader
	if req.Method == http.MethodPost {
		body = strings.NewReader(req.Form.Encode())
	} else if req.Form != nil {
		target.RawQuery = req.Form.Encode()
	}

	hreq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return Page{}, failure.New(failure.Navigation, "http.fetch", err)
	}
	hreq.Header.Set("Accept", "text/html,application/xhtml+xml")
	if body != nil {
		hreq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := s.client.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return Page{}, ctx.Err()
		}
		return Page{}, fmt.Errorf("fetch %s: %w", target.Redacted(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return Page{}, failure.Newf(failure.Navigation, "http.fetch", "%d %s: %s",
			resp.StatusCode, http.StatusText(resp.StatusCode), target.Redacted())
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return Page{}, fmt.Errorf("read %s: %w", target.Redacted(), err)
	}
	return Page{URL: resp.Request.URL, Markup: string(data)}, nil
}
