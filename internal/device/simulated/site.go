// internal/device/simulated/site.go
package simulated

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mitchellh/go-homedir"
)

// Site is an immutable set of HTML pages keyed by URL path. The host part of
// navigated URLs is ignored, so a site can stand in for any origin.
type Site struct {
	pages map[string]string
}

// NewSite builds a site from path -> markup. Paths are cleaned and rooted.
func NewSite(pages map[string]string) *Site {
	s := &Site{pages: make(map[string]string, len(pages))}
	for p, markup := range pages {
		s.pages[cleanPath(p)] = markup
	}
	return s
}

// LoadSite reads every .html file under dir. "apply.html" serves "/apply",
// "step/two.html" serves "/step/two" and "index.html" serves its directory.
func LoadSite(dir string) (*Site, error) {
	root, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand site dir %q: %w", dir, err)
	}
	pages := make(map[string]string)
	err = filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(p), ".html") {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		urlPath := "/" + strings.TrimSuffix(filepath.ToSlash(rel), filepath.Ext(rel))
		if path.Base(urlPath) == "index" {
			urlPath = path.Dir(urlPath)
		}
		pages[urlPath] = string(data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load site from %s: %w", root, err)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("no .html pages found in %s", root)
	}
	return NewSite(pages), nil
}

// Page returns the markup served at p.
func (s *Site) Page(p string) (string, bool) {
	markup, ok := s.pages[cleanPath(p)]
	return markup, ok
}

// Paths lists every served path in sorted order.
func (s *Site) Paths() []string {
	out := make([]string, 0, len(s.pages))
	for p := range s.pages {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Handler serves the site over HTTP for any method, ignoring query strings
// and bodies, so a real browser walks the same pages the simulation does.
func (s *Site) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		markup, ok := s.Page(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(markup))
	})
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}
