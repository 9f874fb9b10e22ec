// Package stream owns the websocket connection for one artifact. Frames are
// decoded on the reader goroutine and handed to a single drain goroutine
// through a FIFO, so the sink sees them strictly in arrival order.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"deckflow/internal/async"
	"deckflow/internal/deck/fragment"
	dferrors "deckflow/internal/errors"
	"deckflow/internal/logging"
	"deckflow/internal/observability"
)

// State is the connection lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateStreaming    State = "streaming"
	StateClosing      State = "closing"
)

const writeTimeout = 5 * time.Second

var errAlreadyRunning = errors.New("stream channel is already running")

// Sink receives everything the channel delivers. All calls happen on the
// drain goroutine, one at a time.
type Sink interface {
	OnHandshake(env fragment.Envelope)
	OnFragment(env fragment.Envelope)
	// OnReconnect runs before any fragment of the new connection.
	OnReconnect(attempt int)
	OnTerminal(env fragment.Envelope)
}

// Options configures a Channel.
type Options struct {
	URL               string
	ArtifactID        string
	Token             string
	Backoff           dferrors.BackoffConfig
	KeepaliveInterval time.Duration
	HandshakeTimeout  time.Duration
	CloseGrace        time.Duration
	// StableAfter is how long a session must stream before its drop stops
	// counting toward Backoff.MaxAttempts.
	StableAfter       time.Duration
	BufferSize        int
	Dialer            *websocket.Dialer
	Logger            logging.Logger
	Metrics           *observability.Metrics
	Tracer            trace.Tracer
	OnState           func(State)
}

func (o Options) withDefaults() Options {
	out := o
	out.URL = strings.TrimRight(strings.TrimSpace(out.URL), "/")
	if out.Backoff == (dferrors.BackoffConfig{}) {
		out.Backoff = dferrors.DefaultBackoffConfig()
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = 10 * time.Second
	}
	if out.CloseGrace < 0 {
		out.CloseGrace = 0
	}
	if out.StableAfter <= 0 {
		out.StableAfter = 10 * time.Second
	}
	if out.BufferSize <= 0 {
		out.BufferSize = 256
	}
	if out.Tracer == nil {
		out.Tracer = observability.NoopTracer()
	}
	return out
}

// Channel is a reconnecting websocket subscription for one artifact.
type Channel struct {
	opts   Options
	logger logging.Logger

	mu    sync.RWMutex
	state State
	conn  *websocket.Conn
	up    bool

	writeMu sync.Mutex
	running atomic.Bool
}

// New creates a disconnected channel.
func New(opts Options) *Channel {
	opts = opts.withDefaults()
	return &Channel{
		opts:   opts,
		logger: logging.OrComponent(opts.Logger, "stream"),
		state:  StateDisconnected,
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connected reports whether a live connection is established.
func (c *Channel) Connected() bool {
	switch c.State() {
	case StateConnected, StateStreaming:
		return true
	}
	return false
}

func (c *Channel) setState(next State) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	wasUp := c.up
	c.up = next == StateStreaming
	c.mu.Unlock()

	if prev == next {
		return
	}
	if wasUp != (next == StateStreaming) {
		c.opts.Metrics.ChannelConnected(next == StateStreaming)
	}
	c.logger.Debug("channel %s: %s -> %s", c.opts.ArtifactID, prev, next)
	if c.opts.OnState != nil {
		c.opts.OnState(next)
	}
}

type itemKind int

const (
	itemFragment itemKind = iota
	itemHandshake
	itemReconnect
	itemTerminal
)

type item struct {
	kind    itemKind
	env     fragment.Envelope
	attempt int
}

// Run connects, reconnects on failure and delivers fragments to sink until a
// terminal fragment arrives, reconnection is exhausted, or ctx is cancelled.
// It returns nil after a terminal fragment or cancellation, and a channel
// error when reconnection gives up.
func (c *Channel) Run(ctx context.Context, sink Sink) error {
	if sink == nil {
		return fmt.Errorf("stream sink is nil")
	}
	if !c.running.CompareAndSwap(false, true) {
		return errAlreadyRunning
	}
	defer c.running.Store(false)
	defer c.setState(StateDisconnected)

	queue := make(chan item, c.opts.BufferSize)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(async.Safe(c.logger, "stream.produce", func() error {
		defer close(queue)
		return c.produce(gctx, queue)
	}))
	g.Go(async.Safe(c.logger, "stream.drain", func() error {
		c.drain(ctx, queue, sink)
		return nil
	}))

	err := g.Wait()
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

// drain delivers queued items in order. Once ctx is cancelled it keeps
// reading only to empty the queue, delivering nothing.
func (c *Channel) drain(ctx context.Context, queue <-chan item, sink Sink) {
	for it := range queue {
		if ctx.Err() != nil {
			continue
		}
		switch it.kind {
		case itemHandshake:
			sink.OnHandshake(it.env)
		case itemReconnect:
			sink.OnReconnect(it.attempt)
		case itemTerminal:
			sink.OnTerminal(it.env)
		default:
			sink.OnFragment(it.env)
		}
	}
}

func (c *Channel) produce(ctx context.Context, queue chan<- item) error {
	failures := 0
	sessions := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.setState(StateConnecting)
		conn, err := c.dial(ctx, failures)
		if err == nil {
			if sessions > 0 {
				c.opts.Metrics.IncReconnect()
				if pushErr := push(ctx, queue, item{kind: itemReconnect, attempt: sessions}); pushErr != nil {
					_ = conn.Close()
					return pushErr
				}
			}
			var (
				terminal bool
				streamed bool
			)
			connected := time.Now()
			terminal, streamed, err = c.session(ctx, conn, queue)
			if terminal {
				return nil
			}
			if streamed {
				sessions++
				if time.Since(connected) >= c.opts.StableAfter {
					failures = 0
				}
			}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		failures++
		if c.opts.Backoff.Exhausted(failures) {
			c.logger.Error("channel %s: giving up after %d failed attempts: %v", c.opts.ArtifactID, failures, err)
			return dferrors.NewChannelError(c.opts.ArtifactID, err)
		}
		delay := c.opts.Backoff.Backoff(failures - 1)
		c.logger.Warn("channel %s: connection lost (%v), retry %d/%d in %s", c.opts.ArtifactID, err, failures, c.opts.Backoff.MaxAttempts, delay)
		c.setState(StateDisconnected)
		if err := dferrors.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func push(ctx context.Context, queue chan<- item, it item) error {
	select {
	case queue <- it:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Endpoint returns the websocket URL for the configured artifact.
func (c *Channel) Endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported stream url scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	}
	q := u.Query()
	q.Set("artifact_id", c.opts.ArtifactID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Channel) dial(ctx context.Context, attempt int) (conn *websocket.Conn, err error) {
	ctx = observability.ContextWithArtifactID(ctx, c.opts.ArtifactID)
	ctx, span := observability.StartSpan(ctx, c.opts.Tracer, observability.SpanChannelDial,
		attribute.Int(observability.AttrAttempt, attempt))
	defer func() { observability.EndSpan(span, err) }()

	endpoint, err := c.Endpoint()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	dialer := c.opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.opts.HandshakeTimeout,
		}
	}
	c.logger.Debug("channel %s: dialing %s (token %s)", c.opts.ArtifactID, endpoint, observability.SanitizeToken(c.opts.Token))
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			return nil, dferrors.NewHTTPError("stream dial", c.opts.ArtifactID, resp.StatusCode, "")
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return conn, nil
}
