// internal/device/device_test.go
package device

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/config"
	"github.com/xkilldash9x/formpilot/internal/device/simulated"
	"github.com/xkilldash9x/formpilot/internal/failure"
	"github.com/xkilldash9x/formpilot/internal/journal"
	"github.com/xkilldash9x/formpilot/internal/page"
)

// -- Mocks --

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Name() string { return "mock" }
func (m *mockBackend) Navigate(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}
func (m *mockBackend) Click(ctx context.Context, locator string) error {
	return m.Called(ctx, locator).Error(0)
}
func (m *mockBackend) Type(ctx context.Context, locator, text string) error {
	return m.Called(ctx, locator, text).Error(0)
}
func (m *mockBackend) Select(ctx context.Context, locator, option string) error {
	return m.Called(ctx, locator, option).Error(0)
}
func (m *mockBackend) Upload(ctx context.Context, locator, path string) error {
	return m.Called(ctx, locator, path).Error(0)
}
func (m *mockBackend) Scroll(ctx context.Context, direction string, amount int) error {
	return m.Called(ctx, direction, amount).Error(0)
}
func (m *mockBackend) Wait(ctx context.Context, d time.Duration) error {
	return m.Called(ctx, d).Error(0)
}
func (m *mockBackend) Screenshot(ctx context.Context, name string) (string, error) {
	args := m.Called(ctx, name)
	return args.String(0), args.Error(1)
}
func (m *mockBackend) Locate(ctx context.Context, locator string, timeout time.Duration) (schemas.FieldDescriptor, error) {
	args := m.Called(ctx, locator, timeout)
	return args.Get(0).(schemas.FieldDescriptor), args.Error(1)
}
func (m *mockBackend) ReadSource(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}
func (m *mockBackend) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func newTestDevice(t *testing.T, b Backend, opts Options) (*Device, *journal.Journal) {
	t.Helper()
	j := journal.New("sess-test")
	opts.Logger = zaptest.NewLogger(t)
	d, err := New(b, j, opts)
	require.NoError(t, err)
	return d, j
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, journal.New("s"), Options{})
	assert.Error(t, err)
	_, err = New(&mockBackend{}, nil, Options{})
	assert.Error(t, err)
}

func TestDevice_RecordsEveryCall(t *testing.T) {
	b := new(mockBackend)
	b.On("Navigate", mock.Anything, "https://example.com/apply").Return(nil)
	b.On("Type", mock.Anything, "//*[@id='email']", "ada@example.com").Return(nil)
	b.On("Click", mock.Anything, "//button").Return(errors.New("detached node"))
	b.On("Screenshot", mock.Anything, "page-1").Return("/tmp/page-1.png", nil)

	var seen []schemas.Action
	d, j := newTestDevice(t, b, Options{OnAction: func(a schemas.Action) { seen = append(seen, a) }})
	ctx := context.Background()

	require.NoError(t, d.Navigate(ctx, "https://example.com/apply"))
	require.NoError(t, d.Type(ctx, "//*[@id='email']", "ada@example.com"))
	err := d.Click(ctx, "//button")
	require.Error(t, err)
	assert.True(t, failure.IsRetryable(err))
	path, err := d.Screenshot(ctx, "page-1")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/page-1.png", path)

	entries := j.Entries()
	require.Len(t, entries, 4)
	assert.Equal(t, entries, seen)

	assert.Equal(t, schemas.ActionNavigate, entries[0].Type)
	assert.Equal(t, "ada@example.com", entries[1].Params["text"])
	assert.Equal(t, schemas.OutcomeFailure, entries[2].Outcome)
	assert.Equal(t, schemas.ErrKindTransientDevice, entries[2].ErrorKind)
	assert.Contains(t, entries[2].Error, "detached node")
	assert.Equal(t, "/tmp/page-1.png", entries[3].Params["path"])
	assert.Equal(t, schemas.Metrics{TotalActions: 4, Errors: 1, ScreenshotsTaken: 1}, j.Metrics())
	b.AssertExpectations(t)
}

func TestDevice_SubmitIsCountable(t *testing.T) {
	b := new(mockBackend)
	b.On("Click", mock.Anything, "//button[@type='submit']").Return(nil)
	d, j := newTestDevice(t, b, Options{})

	require.NoError(t, d.Submit(context.Background(), "//button[@type='submit']"))
	require.Len(t, j.Filter(schemas.ActionSubmit), 1)
	assert.Empty(t, j.Filter(schemas.ActionClick))
}

func TestDevice_Classification(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(b *mockBackend)
		call    func(d *Device) error
		kind    failure.Kind
		outcome schemas.Outcome
	}{
		{
			name: "navigation error",
			setup: func(b *mockBackend) {
				b.On("Navigate", mock.Anything, "https://bad").Return(errors.New("net::ERR_NAME_NOT_RESOLVED"))
			},
			call:    func(d *Device) error { return d.Navigate(context.Background(), "https://bad") },
			kind:    failure.Navigation,
			outcome: schemas.OutcomeFailure,
		},
		{
			name: "missing element on interaction is transient",
			setup: func(b *mockBackend) {
				b.On("Click", mock.Anything, "//x").Return(failure.ErrNotFound)
			},
			call:    func(d *Device) error { return d.Click(context.Background(), "//x") },
			kind:    failure.TransientDevice,
			outcome: schemas.OutcomeFailure,
		},
		{
			name: "missing element on lookup is not_found",
			setup: func(b *mockBackend) {
				b.On("Locate", mock.Anything, "//x", time.Second).Return(schemas.FieldDescriptor{}, failure.ErrNotFound)
			},
			call: func(d *Device) error {
				_, err := d.Locate(context.Background(), "//x", time.Second)
				return err
			},
			kind:    failure.NotFound,
			outcome: schemas.OutcomeNotFound,
		},
		{
			name: "classified errors pass through",
			setup: func(b *mockBackend) {
				b.On("Navigate", mock.Anything, "/x").Return(failure.Newf(failure.Navigation, "simulated.navigate", "404"))
			},
			call:    func(d *Device) error { return d.Navigate(context.Background(), "/x") },
			kind:    failure.Navigation,
			outcome: schemas.OutcomeFailure,
		},
		{
			name:    "unknown scroll direction",
			setup:   func(b *mockBackend) {},
			call:    func(d *Device) error { return d.Scroll(context.Background(), "sideways", 10) },
			kind:    failure.Internal,
			outcome: schemas.OutcomeFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := new(mockBackend)
			tt.setup(b)
			d, j := newTestDevice(t, b, Options{})

			err := tt.call(d)
			require.Error(t, err)
			assert.Equal(t, tt.kind, failure.KindOf(err))

			entries := j.Entries()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.outcome, entries[0].Outcome)
			assert.Equal(t, tt.kind, entries[0].ErrorKind)
		})
	}
}

func TestDevice_OperationTimeout(t *testing.T) {
	b := new(mockBackend)
	b.On("Click", mock.Anything, "//slow").Return(nil).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	})
	d, j := newTestDevice(t, b, Options{OperationTimeout: 20 * time.Millisecond})

	err := d.Click(context.Background(), "//slow")
	require.Error(t, err)
	assert.True(t, failure.IsRetryable(err), "a missed deadline is a transient device error")
	assert.Equal(t, schemas.OutcomeFailure, j.Entries()[0].Outcome)
}

func TestDevice_LocateWindowElapsed(t *testing.T) {
	b := new(mockBackend)
	b.On("Locate", mock.Anything, "//late", 10*time.Millisecond).Return(schemas.FieldDescriptor{}, context.DeadlineExceeded).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	})
	d, j := newTestDevice(t, b, Options{OperationTimeout: 10 * time.Millisecond})

	_, err := d.Locate(context.Background(), "//late", 10*time.Millisecond)
	assert.ErrorIs(t, err, failure.ErrNotFound)
	assert.Equal(t, schemas.OutcomeNotFound, j.Entries()[0].Outcome)
	assert.Zero(t, j.Metrics().Errors)
}

func TestDevice_Pacing(t *testing.T) {
	b := new(mockBackend)
	b.On("Wait", mock.Anything, time.Duration(0)).Return(nil)
	d, _ := newTestDevice(t, b, Options{ActionsPerSecond: 50})

	start := time.Now()
	for i := 0; i < 4; i++ {
		require.NoError(t, d.Wait(context.Background(), 0))
	}
	// One token up front, then 20ms per call.
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestDevice_CanceledCallerIsRecorded(t *testing.T) {
	b := new(mockBackend)
	d, j := newTestDevice(t, b, Options{ActionsPerSecond: 0.001})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := d.Click(ctx, "//never")
	require.Error(t, err)
	require.Equal(t, 1, j.Len())
	b.AssertNotCalled(t, "Click", mock.Anything, mock.Anything)
}

func TestSimulationFactory(t *testing.T) {
	site := simulated.NewSite(map[string]string{"/": `<html><head><title>Home</title></head><body></body></html>`})
	f := NewSimulationFactory(site, simulated.Options{})
	defer f.Close(context.Background())

	b, err := f.NewBackend(context.Background(), "s1")
	require.NoError(t, err)
	d, j := newTestDevice(t, b, Options{})
	assert.Equal(t, simulated.BackendName, d.BackendName())

	ctx := context.Background()
	require.NoError(t, d.Navigate(ctx, "https://anywhere.example/"))
	src, err := d.ReadSource(ctx)
	require.NoError(t, err)
	snap, err := page.Parse(src)
	require.NoError(t, err)
	assert.Equal(t, "Home", snap.Title)
	assert.Equal(t, 2, j.Len())
	require.NoError(t, d.Close(ctx))
	assert.Equal(t, 2, j.Len(), "close is not journaled")
}

func TestNewFactory_UnknownBackend(t *testing.T) {
	_, err := NewFactory(context.Background(), config.DeviceConfig{Backend: "carrier-pigeon"}, zaptest.NewLogger(t))
	assert.Error(t, err)

	_, err = NewFactory(context.Background(), config.DeviceConfig{Backend: config.BackendSimulation, Simulation: config.SimulationConfig{SiteDir: t.TempDir()}}, zaptest.NewLogger(t))
	assert.Error(t, err, "an empty site directory cannot be simulated")
}

func TestHTTPFactory_CookiesStayPerSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state := "new"
		if _, err := r.Cookie("visited"); err == nil {
			state = "returning"
		}
		http.SetCookie(w, &http.Cookie{Name: "visited", Value: "1", Path: "/"})
		_, _ = io.WriteString(w, "<html><head><title>"+state+"</title></head><body></body></html>")
	}))
	defer srv.Close()

	f := NewHTTPFactory(srv.Client().Transport, 5*time.Second, simulated.Options{})
	visit := func(b Backend) string {
		t.Helper()
		d, _ := newTestDevice(t, b, Options{})
		require.NoError(t, d.Navigate(context.Background(), srv.URL+"/apply"))
		src, err := d.ReadSource(context.Background())
		require.NoError(t, err)
		snap, err := page.Parse(src)
		require.NoError(t, err)
		return snap.Title
	}

	first, err := f.NewBackend(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, simulated.HTTPBackendName, first.Name())
	assert.Equal(t, "new", visit(first))
	assert.Equal(t, "returning", visit(first))

	second, err := f.NewBackend(context.Background(), "s2")
	require.NoError(t, err)
	assert.Equal(t, "new", visit(second), "sessions do not share cookies")
}

func TestNewFactory_HTTP(t *testing.T) {
	f, err := NewFactory(context.Background(), config.DeviceConfig{Backend: config.BackendHTTP, NavigationTimeout: time.Second}, zaptest.NewLogger(t))
	require.NoError(t, err)
	b, err := f.NewBackend(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, simulated.HTTPBackendName, b.Name())
	assert.NoError(t, f.Close(context.Background()))
}
