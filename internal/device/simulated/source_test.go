// internal/device/simulated/source_test.go
package simulated

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/formpilot/internal/failure"
)

// recordingServer serves a site and remembers every form it received.
type recordingServer struct {
	mu       sync.Mutex
	methods  []string
	received []url.Values
}

func (rs *recordingServer) handler(site *Site) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rs.mu.Lock()
		rs.methods = append(rs.methods, r.Method)
		rs.received = append(rs.received, r.Form)
		rs.mu.Unlock()
		if r.URL.Path == "/moved" {
			http.Redirect(w, r, "/apply", http.StatusFound)
			return
		}
		site.Handler().ServeHTTP(w, r)
	})
}

func TestHTTPSource_SubmitsFormsLikeABrowser(t *testing.T) {
	site := NewSite(map[string]string{"/apply": stepOne, "/apply/2": stepTwo})
	rs := &recordingServer{}
	srv := httptest.NewServer(rs.handler(site))
	defer srv.Close()

	ctx := context.Background()
	b := NewBackend(NewHTTPSource(srv.Client()), Options{Name: HTTPBackendName})
	assert.Equal(t, HTTPBackendName, b.Name())

	require.NoError(t, b.Navigate(ctx, srv.URL+"/apply"))
	require.NoError(t, b.Type(ctx, "//*[@id='first_name']", "Ada"))
	require.NoError(t, b.Type(ctx, "//*[@id='bio']", "Mathematician"))
	require.NoError(t, b.Select(ctx, "//*[@id='country']", "France"))
	require.NoError(t, b.Click(ctx, "//*[@id='terms']"))
	require.NoError(t, b.Upload(ctx, "//*[@id='resume']", "/home/ada/cv.pdf"))
	require.NoError(t, b.Click(ctx, "//*[@id='next']"))
	assert.Equal(t, "Apply - Step 2", title(t, b))

	rs.mu.Lock()
	defer rs.mu.Unlock()
	require.Len(t, rs.received, 2)
	assert.Equal(t, []string{http.MethodGet, http.MethodPost}, rs.methods)
	form := rs.received[1]
	assert.Equal(t, "Ada", form.Get("first_name"))
	assert.Equal(t, "Mathematician", form.Get("bio"))
	assert.Equal(t, "fr", form.Get("country"))
	assert.Equal(t, "no", form.Get("remote"))
	assert.Equal(t, "on", form.Get("terms"))
	assert.Equal(t, "cv.pdf", form.Get("resume"))
	_, helpSent := form["help"]
	assert.False(t, helpSent, "plain buttons are never submitted")
}

func TestHTTPSource_ErrorStatusIsNavigationFailure(t *testing.T) {
	site := NewSite(map[string]string{"/apply": stepOne})
	srv := httptest.NewServer(site.Handler())
	defer srv.Close()

	b := NewBackend(NewHTTPSource(srv.Client()), Options{})
	err := b.Navigate(context.Background(), srv.URL+"/missing")
	require.Error(t, err)
	assert.True(t, failure.IsKind(err, failure.Navigation))
	assert.Contains(t, err.Error(), "404")
}

func TestHTTPSource_FollowsRedirects(t *testing.T) {
	site := NewSite(map[string]string{"/apply": stepOne, "/apply/2": stepTwo})
	rs := &recordingServer{}
	srv := httptest.NewServer(rs.handler(site))
	defer srv.Close()

	b := NewBackend(NewHTTPSource(srv.Client()), Options{})
	require.NoError(t, b.Navigate(context.Background(), srv.URL+"/moved"))
	assert.Equal(t, "Apply - Step 1", title(t, b))
	assert.Equal(t, []string{"/apply"}, b.History(), "relative links resolve against the final URL")
}

func TestHTTPSource_CanceledContext(t *testing.T) {
	site := NewSite(map[string]string{"/apply": stepOne})
	srv := httptest.NewServer(site.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHTTPSource(srv.Client()).Fetch(ctx, Request{URL: mustParse(t, srv.URL+"/apply"), Method: http.MethodGet})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSite_Fetch(t *testing.T) {
	site := NewSite(map[string]string{"/apply": stepOne})
	pg, err := site.Fetch(context.Background(), Request{URL: mustParse(t, "https://jobs.example.com/apply?x=1"), Method: http.MethodPost})
	require.NoError(t, err)
	assert.Equal(t, stepOne, pg.Markup)
	assert.Equal(t, "/apply", pg.URL.Path)

	_, err = site.Fetch(context.Background(), Request{URL: mustParse(t, "https://jobs.example.com/nope")})
	assert.True(t, failure.IsKind(err, failure.Navigation))
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
