// internal/device/simulated/backend_test.go
package simulated

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/failure"
	"github.com/xkilldash9x/formpilot/internal/page"
)

const stepOne = `<html><head><title>Apply - Step 1</title></head><body>
<h1>Your details</h1>
<form action="/apply/2" method="post">
  <label for="first_name">First name</label><input id="first_name" name="first_name" required>
  <label for="bio">About you</label><textarea id="bio" name="bio"></textarea>
  <label for="country">Country</label>
  <select id="country" name="country" required>
    <option value="">Choose...</option>
    <option value="de">Germany</option>
    <option value="fr">France</option>
  </select>
  <input type="radio" name="remote" value="yes" id="remote_yes"><label for="remote_yes">Yes</label>
  <input type="radio" name="remote" value="no" id="remote_no" checked><label for="remote_no">No</label>
  <input type="checkbox" id="terms" name="terms"><label for="terms">I agree</label>
  <input type="file" id="resume" name="resume">
  <button type="button" id="help">Help</button>
  <button type="submit" id="next">Next</button>
</form>
<a id="faq" href="/faq">FAQ</a>
</body></html>`

const stepTwo = `<html><head><title>Apply - Step 2</title></head><body>
<h1>Thank you</h1><p>Your application was received.</p>
</body></html>`

func newTestBackend(opts Options) *Backend {
	site := NewSite(map[string]string{
		"/apply":   stepOne,
		"/apply/2": stepTwo,
		"faq":      "<html><head><title>FAQ</title></head><body></body></html>",
	})
	return NewBackend(site, opts)
}

func title(t *testing.T, b *Backend) string {
	t.Helper()
	src, err := b.ReadSource(context.Background())
	require.NoError(t, err)
	snap, err := page.Parse(src)
	require.NoError(t, err)
	return snap.Title
}

func TestBackend_NavigateAndNotFound(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(Options{})
	assert.Equal(t, BackendName, b.Name())

	require.NoError(t, b.Navigate(ctx, "https://jobs.example.com/apply?ref=x"))
	assert.Equal(t, "Apply - Step 1", title(t, b))

	err := b.Navigate(ctx, "https://jobs.example.com/missing")
	require.Error(t, err)
	assert.True(t, failure.IsKind(err, failure.Navigation))
	assert.Equal(t, "Apply - Step 1", title(t, b), "a failed navigation keeps the current page")
}

func TestBackend_SubmitBlockedByRequiredFields(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(Options{})
	require.NoError(t, b.Navigate(ctx, "/apply"))

	require.NoError(t, b.Click(ctx, page.ByID("next")))
	assert.Equal(t, "Apply - Step 1", title(t, b), "empty required fields block submission")

	require.NoError(t, b.Type(ctx, page.ByID("first_name"), "Ada"))
	require.NoError(t, b.Click(ctx, page.ByID("next")))
	assert.Equal(t, "Apply - Step 1", title(t, b), "the required select still has its placeholder")

	require.NoError(t, b.Select(ctx, page.ByID("country"), "germany"))
	require.NoError(t, b.Click(ctx, page.ByID("next")))
	assert.Equal(t, "Apply - Step 2", title(t, b))
	assert.Equal(t, []string{"/apply", "/apply/2"}, b.History())
}

func TestBackend_FieldStatePersistsOnPage(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(Options{})
	require.NoError(t, b.Navigate(ctx, "/apply"))

	require.NoError(t, b.Type(ctx, page.ByID("bio"), "Mathematician"))
	require.NoError(t, b.Select(ctx, page.ByID("country"), "fr"))
	require.NoError(t, b.Click(ctx, page.ByID("remote_yes")))
	require.NoError(t, b.Click(ctx, page.ByID("terms")))
	require.NoError(t, b.Upload(ctx, page.ByID("resume"), "/tmp/cv/ada.pdf"))
	require.NoError(t, b.Click(ctx, page.ByID("help")))

	src, err := b.ReadSource(ctx)
	require.NoError(t, err)
	snap, err := page.Parse(src)
	require.NoError(t, err)
	assert.Equal(t, "Apply - Step 1", snap.Title, "type=button does not submit")

	terms, ok := snap.Field("terms")
	require.True(t, ok)
	assert.True(t, terms.Checked)

	fd, err := b.Locate(ctx, page.ByID("remote_yes"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, schemas.FieldRadio, fd.Type)
	assert.Contains(t, src, "Mathematician")
	assert.Contains(t, src, `value="ada.pdf"`)

	require.NoError(t, b.Click(ctx, page.ByID("terms")))
	src, err = b.ReadSource(ctx)
	require.NoError(t, err)
	snap, err = page.Parse(src)
	require.NoError(t, err)
	terms, _ = snap.Field("terms")
	assert.False(t, terms.Checked, "a second click unchecks")
}

func TestBackend_InteractionErrors(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(Options{})
	require.NoError(t, b.Navigate(ctx, "/apply"))

	_, err := b.Locate(ctx, page.ByID("nope"), time.Millisecond)
	assert.ErrorIs(t, err, failure.ErrNotFound)
	assert.ErrorIs(t, b.Click(ctx, page.ByID("nope")), failure.ErrNotFound)
	assert.ErrorIs(t, b.Select(ctx, page.ByID("country"), "Atlantis"), failure.ErrNotFound)
	assert.Error(t, b.Type(ctx, page.ByID("terms"), "x"))
	assert.Error(t, b.Upload(ctx, page.ByID("first_name"), "x.pdf"))
	assert.Error(t, b.Select(ctx, page.ByID("first_name"), "x"))

	_, err = b.Locate(ctx, "//*[", time.Millisecond)
	assert.Error(t, err)
}

func TestBackend_LinkNavigation(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(Options{})
	require.NoError(t, b.Navigate(ctx, "https://jobs.example.com/apply"))
	require.NoError(t, b.Click(ctx, page.ByID("faq")))
	assert.Equal(t, "FAQ", title(t, b))
}

func TestBackend_ScriptedFaults(t *testing.T) {
	ctx := context.Background()
	custom := errors.New("custom")
	b := newTestBackend(Options{Faults: []Fault{
		{Op: schemas.ActionClick, Locator: page.ByID("next"), Times: 2},
		{Op: schemas.ActionTypeText, Times: 1, Err: custom},
	}})
	require.NoError(t, b.Navigate(ctx, "/apply"))

	assert.ErrorIs(t, b.Type(ctx, page.ByID("first_name"), "Ada"), custom)
	require.NoError(t, b.Type(ctx, page.ByID("first_name"), "Ada"))

	require.NoError(t, b.Click(ctx, page.ByID("terms")), "faults match their locator only")
	for i := 0; i < 2; i++ {
		err := b.Click(ctx, page.ByID("next"))
		require.Error(t, err)
		assert.True(t, failure.IsRetryable(err))
	}
	assert.NoError(t, b.Click(ctx, page.ByID("next")))
}

func TestBackend_LatencyHonorsContext(t *testing.T) {
	b := newTestBackend(Options{Latency: map[schemas.ActionType]time.Duration{
		schemas.ActionReadSource: time.Hour,
	}})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.ReadSource(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	wctx, wcancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer wcancel()
	assert.ErrorIs(t, b.Wait(wctx, time.Hour), context.DeadlineExceeded)
}

func TestBackend_Screenshots(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(Options{})
	require.NoError(t, b.Navigate(ctx, "/apply"))
	p, err := b.Screenshot(ctx, "page-1")
	require.NoError(t, err)
	assert.Equal(t, "sim://screenshots/page-1", p)

	dir := t.TempDir()
	b = newTestBackend(Options{ScreenshotDir: dir})
	require.NoError(t, b.Navigate(ctx, "/apply"))
	p, err = b.Screenshot(ctx, "page-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "page-1.html"), p)
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Apply - Step 1")
}

func TestBackend_Closed(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(Options{})
	require.NoError(t, b.Close(ctx))
	assert.Error(t, b.Navigate(ctx, "/apply"))
}

func TestLoadSite(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "apply"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<title>home</title>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "apply", "index.html"), []byte(stepOne), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "apply", "2.html"), []byte(stepTwo), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	site, err := LoadSite(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/apply", "/apply/2"}, site.Paths())

	_, err = LoadSite(t.TempDir())
	assert.Error(t, err)
}

func TestSite_Handler(t *testing.T) {
	srv := httptest.NewServer(NewSite(map[string]string{"/apply": stepOne}).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/apply?x=1", "application/x-www-form-urlencoded", strings.NewReader("a=b"))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Step 1")

	resp, err = http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
