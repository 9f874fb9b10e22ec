package stream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"deckflow/internal/async"
	"deckflow/internal/deck/fragment"
)

// session runs one connection: subscribe, handshake, then the read loop.
// terminal reports a clean end of stream; streamed reports that the
// connection got far enough to count as healthy.
func (c *Channel) session(ctx context.Context, conn *websocket.Conn, queue chan<- item) (terminal, streamed bool, err error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()
	async.Go(c.logger, "stream.closer", func() {
		<-connCtx.Done()
		_ = conn.Close()
	})

	c.setState(StateConnected)
	subscribe := fragment.Envelope{Type: "subscribe", ArtifactID: c.opts.ArtifactID, Token: c.opts.Token}
	if err := c.writeEnvelope(conn, subscribe); err != nil {
		return false, false, fmt.Errorf("send subscribe: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return false, false, fmt.Errorf("await handshake: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	first, err := fragment.Decode(data)
	if err != nil {
		return false, false, fmt.Errorf("parse handshake: %w", err)
	}
	if first.IsHandshake() {
		if tag := strings.TrimSpace(first.ArtifactID); tag != "" && tag != c.opts.ArtifactID {
			return false, false, fmt.Errorf("handshake for artifact %q, expected %q", tag, c.opts.ArtifactID)
		}
		if err := push(ctx, queue, item{kind: itemHandshake, env: first}); err != nil {
			return false, false, err
		}
	} else {
		c.logger.Warn("channel %s: first frame was %q, not a handshake; continuing", c.opts.ArtifactID, first.Type)
	}

	c.setState(StateStreaming)
	if c.opts.KeepaliveInterval > 0 {
		async.Go(c.logger, "stream.keepalive", func() {
			c.keepalive(connCtx, conn)
		})
	}

	if !first.IsHandshake() {
		done, err := c.handle(ctx, first, queue)
		if err != nil {
			return false, true, err
		}
		if done {
			c.closeAfterGrace(ctx, conn)
			return true, true, nil
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return false, true, ctx.Err()
			}
			return false, true, fmt.Errorf("read: %w", err)
		}
		env, err := fragment.Decode(data)
		if err != nil {
			c.logger.Warn("channel %s: dropping undecodable frame: %v", c.opts.ArtifactID, err)
			c.opts.Metrics.ObserveFragment("undecodable", "error")
			continue
		}
		done, err := c.handle(ctx, env, queue)
		if err != nil {
			return false, true, err
		}
		if done {
			c.closeAfterGrace(ctx, conn)
			return true, true, nil
		}
	}
}

// handle routes one decoded frame. It returns true once the terminal fragment
// has been queued behind everything received before it.
func (c *Channel) handle(ctx context.Context, env fragment.Envelope, queue chan<- item) (bool, error) {
	if env.IsControl() {
		return false, nil
	}
	if tag := strings.TrimSpace(env.ArtifactID); tag != "" && tag != c.opts.ArtifactID {
		c.logger.Debug("channel %s: dropping fragment tagged %s", c.opts.ArtifactID, tag)
		c.opts.Metrics.ObserveFragment("stale", "dropped")
		return false, nil
	}
	switch {
	case env.IsHandshake():
		return false, push(ctx, queue, item{kind: itemHandshake, env: env})
	case env.IsTerminal():
		c.setState(StateClosing)
		return true, push(ctx, queue, item{kind: itemTerminal, env: env})
	default:
		return false, push(ctx, queue, item{kind: itemFragment, env: env})
	}
}

func (c *Channel) closeAfterGrace(ctx context.Context, conn *websocket.Conn) {
	if c.opts.CloseGrace > 0 {
		timer := time.NewTimer(c.opts.CloseGrace)
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
		time.Now().Add(writeTimeout),
	)
	c.writeMu.Unlock()
}

func (c *Channel) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeEnvelope(conn, fragment.Envelope{Type: "ping"}); err != nil {
				c.logger.Debug("channel %s: keepalive failed: %v", c.opts.ArtifactID, err)
				return
			}
		}
	}
}

func (c *Channel) writeEnvelope(conn *websocket.Conn, env fragment.Envelope) error {
	data, err := fragment.Encode(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}
