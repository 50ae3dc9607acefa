// internal/telemetry/observer.go
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/api/schemas"
)

// errStreamEnded marks a normal close sent by the server after the final event.
var errStreamEnded = errors.New("stream ended")

// ObserverOptions configures an Observer.
type ObserverOptions struct {
	// Since is the last sequence already seen; streaming starts after it.
	Since uint64
	// InitialBackoff and MaxBackoff bound the delay between reconnects.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxElapsed stops reconnecting after this long without a successful
	// connection. Zero retries until ctx is done.
	MaxElapsed time.Duration
	Dialer     *websocket.Dialer
	Logger     *zap.Logger
}

// Handler processes one event. Returning an error stops the Observer.
type Handler func(schemas.ProgressEvent) error

// Observer follows one session's event stream, acknowledging every event it
// handled and reconnecting from the last seen sequence when the connection
// drops. Duplicates delivered across a reconnect are skipped.
type Observer struct {
	endpoint  string
	sessionID string
	opts      ObserverOptions
	logger    *zap.Logger
	last      atomic.Uint64
}

// NewObserver creates an Observer for the server at baseURL (http, https,
// ws or wss).
func NewObserver(baseURL, sessionID string, opts ObserverOptions) (*Observer, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid telemetry url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported telemetry url scheme %q", u.Scheme)
	}
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 250 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Observer{
		endpoint:  u.String() + "/sessions/" + url.PathEscape(sessionID) + "/events",
		sessionID: sessionID,
		opts:      opts,
		logger:    logger.Named("observer").With(zap.String("session_id", sessionID)),
	}
	o.last.Store(opts.Since)
	return o, nil
}

// LastSeen returns the highest sequence handled so far.
func (o *Observer) LastSeen() uint64 { return o.last.Load() }

// Run streams until the server ends the session's stream (nil), handle
// fails, reconnecting gives up, or ctx is done.
func (o *Observer) Run(ctx context.Context, handle Handler) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.opts.InitialBackoff
	b.MaxInterval = o.opts.MaxBackoff
	b.MaxElapsedTime = o.opts.MaxElapsed

	operation := func() error {
		err := o.stream(ctx, handle, b.Reset)
		switch {
		case errors.Is(err, errStreamEnded):
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case err != nil && errors.As(err, new(*handlerError)):
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		o.logger.Info("Telemetry stream dropped, reconnecting.",
			zap.Error(err), zap.Duration("backoff", d), zap.Uint64("since", o.LastSeen()))
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
	var he *handlerError
	if errors.As(err, &he) {
		return he.err
	}
	return err
}

// handlerError wraps a failure returned by the caller's Handler.
type handlerError struct{ err error }

func (e *handlerError) Error() string { return e.err.Error() }
func (e *handlerError) Unwrap() error { return e.err }

func (o *Observer) stream(ctx context.Context, handle Handler, connected func()) error {
	target := o.endpoint + "?since=" + strconv.FormatUint(o.LastSeen(), 10)
	conn, _, err := o.opts.Dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()
	connected()
	o.logger.Debug("Connected to telemetry stream.", zap.Uint64("since", o.LastSeen()))

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errStreamEnded
			}
			return err
		}

		var ev schemas.ProgressEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			o.logger.Warn("Skipping undecodable event.", zap.Error(err))
			continue
		}
		if ev.Sequence <= o.LastSeen() {
			continue
		}
		if err := handle(ev); err != nil {
			return &handlerError{err: err}
		}
		o.last.Store(ev.Sequence)

		ack, _ := json.Marshal(ackMessage{Ack: ev.Sequence})
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
			return err
		}
	}
}
