// internal/device/cdp/backend.go
package cdp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/failure"
	"github.com/xkilldash9x/formpilot/internal/page"
)

// BackendName identifies the live browser in results.
const BackendName = "live"

// syncStateJS mirrors live control state (value, checked, selected) into
// attributes so the serialized markup parses into the same snapshot the
// simulation produces.
const syncStateJS = `(() => {
  for (const el of document.querySelectorAll('input, textarea, select')) {
    const t = (el.type || '').toLowerCase();
    if (t === 'checkbox' || t === 'radio') {
      if (el.checked) el.setAttribute('checked', ''); else el.removeAttribute('checked');
    } else if (el.tagName === 'TEXTAREA') {
      el.textContent = el.value;
    } else if (el.tagName === 'SELECT') {
      for (const o of el.options) {
        if (o.selected) o.setAttribute('selected', ''); else o.removeAttribute('selected');
      }
    } else if (t !== 'file') {
      el.setAttribute('value', el.value);
    }
  }
  return true;
})()`

// selectJS picks an option by normalized label or by value and fires the
// events a user selection would.
const selectJS = `((xpath, want) => {
  const el = document.evaluate(xpath, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
  if (!el || el.tagName !== 'SELECT') return 'missing';
  const norm = s => s.toLowerCase().replace(/[^\p{L}\p{N}]+/gu, ' ').trim();
  for (const o of el.options) {
    if (norm(o.textContent) === norm(want) || o.value === want) {
      el.value = o.value;
      el.dispatchEvent(new Event('input', {bubbles: true}));
      el.dispatchEvent(new Event('change', {bubbles: true}));
      return 'ok';
    }
  }
  return 'no-option';
})(%s, %s)`

// Backend drives one Chrome tab. Locators are XPath and resolved with
// chromedp.BySearch.
type Backend struct {
	tabCtx        context.Context
	cancel        context.CancelFunc
	sessionID     string
	screenshotDir string
	logger        *zap.Logger

	closeOnce sync.Once
	done      func()
}

func (b *Backend) Name() string { return BackendName }

func (b *Backend) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(b.tabCtx, ctx)
	defer cancel()
	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Navigate loads url and fails with a NavigationError when the document
// answers with an HTTP error status, as the simulation does for unknown paths.
func (b *Backend) Navigate(ctx context.Context, url string) error {
	runCtx, cancel := CombineContext(b.tabCtx, ctx)
	defer cancel()

	resp, err := chromedp.RunResponse(runCtx, chromedp.Navigate(url))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	if failed(resp) {
		return failure.Newf(failure.Navigation, "cdp.navigate", "%d %s: %s", resp.Status, resp.StatusText, url)
	}
	return nil
}

func failed(resp *network.Response) bool {
	return resp != nil && resp.Status >= 400
}

func (b *Backend) Click(ctx context.Context, locator string) error {
	return b.run(ctx,
		chromedp.ScrollIntoView(locator, chromedp.BySearch),
		chromedp.Click(locator, chromedp.BySearch),
	)
}

func (b *Backend) Type(ctx context.Context, locator, text string) error {
	return b.run(ctx,
		chromedp.WaitVisible(locator, chromedp.BySearch),
		chromedp.Clear(locator, chromedp.BySearch),
		chromedp.SendKeys(locator, text, chromedp.BySearch),
	)
}

func (b *Backend) Select(ctx context.Context, locator, optionLabel string) error {
	xp, _ := json.MarshalToString(locator)
	want, _ := json.MarshalToString(optionLabel)
	var res string
	err := b.run(ctx,
		chromedp.WaitReady(locator, chromedp.BySearch),
		chromedp.Evaluate(fmt.Sprintf(selectJS, xp, want), &res),
	)
	if err != nil {
		return err
	}
	switch res {
	case "ok":
		return nil
	case "no-option":
		return fmt.Errorf("option %q in %s: %w", optionLabel, locator, failure.ErrNotFound)
	default:
		return fmt.Errorf("element %s is not a select", locator)
	}
}

func (b *Backend) Upload(ctx context.Context, locator, filePath string) error {
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return err
	}
	return b.run(ctx, chromedp.SetUploadFiles(locator, []string{abs}, chromedp.BySearch))
}

func (b *Backend) Scroll(ctx context.Context, direction string, amount int) error {
	dy := amount
	if direction == "up" {
		dy = -amount
	}
	return b.run(ctx, chromedp.Evaluate(fmt.Sprintf("window.scrollBy(0, %d)", dy), nil))
}

func (b *Backend) Wait(ctx context.Context, d time.Duration) error {
	return b.run(ctx, chromedp.Sleep(d))
}

func (b *Backend) Screenshot(ctx context.Context, name string) (string, error) {
	var buf []byte
	if err := b.run(ctx, chromedp.FullScreenshot(&buf, 90)); err != nil {
		return "", err
	}
	dir := b.screenshotDir
	if dir == "" {
		dir = os.TempDir()
	}
	dir = filepath.Join(dir, b.sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	out := filepath.Join(dir, name+".png")
	if err := os.WriteFile(out, buf, 0o644); err != nil {
		return "", err
	}
	return out, nil
}

// Locate waits up to timeout for the element and describes it from the
// serialized DOM.
func (b *Backend) Locate(ctx context.Context, locator string, timeout time.Duration) (schemas.FieldDescriptor, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := b.run(waitCtx, chromedp.WaitReady(locator, chromedp.BySearch)); err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return schemas.FieldDescriptor{}, fmt.Errorf("%s: %w", locator, failure.ErrNotFound)
		}
		return schemas.FieldDescriptor{}, err
	}
	src, err := b.ReadSource(ctx)
	if err != nil {
		return schemas.FieldDescriptor{}, err
	}
	return page.Locate(src, locator)
}

func (b *Backend) ReadSource(ctx context.Context) (string, error) {
	var src string
	err := b.run(ctx,
		chromedp.Evaluate(syncStateJS, nil),
		chromedp.OuterHTML("html", &src, chromedp.ByQuery),
	)
	return src, err
}

// Close closes the tab. Safe to call more than once.
func (b *Backend) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.logger.Debug("Closing tab.")
		b.cancel()
		if b.done != nil {
			b.done()
		}
	})
	return nil
}
