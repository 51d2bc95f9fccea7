// Package websocket carries gateway envelopes over a WebSocket connection.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/snowmerak/janus.go/lib/codec"
	"github.com/snowmerak/janus.go/lib/config"
	"github.com/snowmerak/janus.go/lib/protocol"
)

// Subprotocol is the WebSocket subprotocol spoken by the gateway.
const Subprotocol = "janus-protocol"

// Options configures Dial.
type Options struct {
	Subprotocol  string
	Codec        codec.Codec
	Header       http.Header
	DialTimeout  time.Duration
	DialRetries  int
	RetryBackoff time.Duration
	PingInterval time.Duration
	Logger       *zap.Logger
}

// Option mutates Options.
type Option func(*Options)

// DefaultOptions returns JSON framing on the janus-protocol subprotocol with
// three dial retries.
func DefaultOptions() *Options {
	return &Options{
		Subprotocol:  Subprotocol,
		Codec:        codec.JSON(),
		DialTimeout:  10 * time.Second,
		DialRetries:  3,
		RetryBackoff: 200 * time.Millisecond,
		PingInterval: 25 * time.Second,
		Logger:       zap.NewNop(),
	}
}

func WithCodec(c codec.Codec) Option {
	return func(o *Options) {
		if c != nil {
			o.Codec = c
		}
	}
}

func WithSubprotocol(p string) Option {
	return func(o *Options) { o.Subprotocol = p }
}

func WithHeader(h http.Header) Option {
	return func(o *Options) { o.Header = h }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *Options) { o.DialTimeout = d }
}

// WithDialRetries sets how many times a failed dial is retried.
func WithDialRetries(n int) Option {
	return func(o *Options) { o.DialRetries = n }
}

// WithRetryBackoff sets the initial delay between dial attempts.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *Options) { o.RetryBackoff = d }
}

// WithPingInterval sets the keepalive ping period; zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(o *Options) { o.PingInterval = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// FromConfig translates the gateway section of the client configuration.
func FromConfig(cfg config.GatewayConfig, codecs *codec.Registry) ([]Option, error) {
	opts := []Option{
		WithDialTimeout(cfg.DialTimeout),
		WithDialRetries(cfg.DialRetries),
		WithPingInterval(cfg.PingInterval),
	}
	if cfg.Subprotocol != "" {
		opts = append(opts, WithSubprotocol(cfg.Subprotocol))
	}
	if codecs == nil {
		codecs = codec.NewRegistry()
	}
	c, err := codecs.ByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	return append(opts, WithCodec(c)), nil
}

// Conn is a gateway connection. Send may be called from any goroutine; Run
// must be called once to receive.
type Conn struct {
	ws   *gws.Conn
	opts *Options

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// Dial connects to url, retrying failed attempts with exponential backoff.
func Dial(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	dialer := gws.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: o.DialTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	if o.Subprotocol != "" {
		dialer.Subprotocols = []string{o.Subprotocol}
	}

	var b backoff.BackOff = backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(o.RetryBackoff),
		backoff.WithMaxElapsedTime(0),
	)
	if o.DialRetries >= 0 {
		b = backoff.WithMaxRetries(b, uint64(o.DialRetries))
	}

	attempt := 0
	ws, err := backoff.RetryWithData(func() (*gws.Conn, error) {
		attempt++
		ws, resp, err := dialer.DialContext(ctx, url, o.Header)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, backoff.Permanent(fmt.Errorf("dial %s: %s: %w", url, resp.Status, err))
			}
			o.Logger.Debug("dial failed", zap.String("url", url), zap.Int("attempt", attempt), zap.Error(err))
			return nil, err
		}
		return ws, nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, &protocol.TransportError{Op: "dial", Err: err}
	}

	if o.Subprotocol != "" && ws.Subprotocol() != o.Subprotocol {
		o.Logger.Warn("gateway did not accept subprotocol",
			zap.String("requested", o.Subprotocol), zap.String("accepted", ws.Subprotocol()))
	}
	o.Logger.Info("connected", zap.String("url", url), zap.Int("attempts", attempt))

	return &Conn{ws: ws, opts: o, closed: make(chan struct{})}, nil
}

// Codec returns the envelope codec.
func (c *Conn) Codec() codec.Codec {
	return c.opts.Codec
}

// Send encodes msg and writes it as one frame. JSON travels in text frames,
// other codecs in binary frames.
func (c *Conn) Send(ctx context.Context, msg protocol.Message) error {
	data, err := c.opts.Codec.Marshal(msg.Plain())
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", msg.Type(), err)
	}

	frame := gws.BinaryMessage
	if c.opts.Codec.ContentType() == codec.ContentTypeJSON {
		frame = gws.TextMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return &protocol.TransportError{Op: "send", Err: gws.ErrCloseSent}
	default:
	}

	deadline, _ := ctx.Deadline()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return &protocol.TransportError{Op: "send", Err: err}
	}
	if err := c.ws.WriteMessage(frame, data); err != nil {
		return &protocol.TransportError{Op: "send", Err: err}
	}
	return nil
}

// Run reads frames until the connection fails, Close is called or ctx is
// done. Decoded envelopes are passed to handler one at a time in arrival
// order. Frames that fail to decode are logged and skipped.
func (c *Conn) Run(ctx context.Context, handler func(protocol.Message)) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.readLoop(handler)
	})
	if c.opts.PingInterval > 0 {
		g.Go(func() error {
			return c.pingLoop(ctx)
		})
	}
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-c.closed:
		}
		c.Close()
		return nil
	})

	err := g.Wait()
	if c.isClosed() && isNormalClose(err) {
		return nil
	}
	return err
}

func (c *Conn) readLoop(handler func(protocol.Message)) error {
	defer c.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.isClosed() || gws.IsCloseError(err, gws.CloseNormalClosure, gws.CloseGoingAway) {
				return nil
			}
			return &protocol.TransportError{Op: "read", Err: err}
		}

		var fields map[string]any
		if err := c.opts.Codec.Unmarshal(data, &fields); err != nil {
			c.opts.Logger.Warn("dropping undecodable frame", zap.Int("bytes", len(data)), zap.Error(err))
			continue
		}
		handler(protocol.NewMessage(fields))
	}
}

func (c *Conn) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.closed:
			return nil
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.PingInterval)
			c.writeMu.Lock()
			err := c.ws.WriteControl(gws.PingMessage, nil, deadline)
			c.writeMu.Unlock()
			if err != nil {
				if c.isClosed() {
					return nil
				}
				return &protocol.TransportError{Op: "ping", Err: err}
			}
		}
	}
}

// Close sends a close frame and closes the connection. It is safe to call
// more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		close(c.closed)
		_ = c.ws.WriteControl(gws.CloseMessage,
			gws.FormatCloseMessage(gws.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// Closed is closed once Close has been called.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func isNormalClose(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, protocol.ErrTransport) && gws.IsCloseError(errors.Unwrap(err), gws.CloseNormalClosure)
}
