package mockserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"deckflow/internal/async"
	"deckflow/internal/deck/fragment"
)

// connPlan is what one websocket connection should do, decided under the lock.
type connPlan struct {
	handshake Frame
	dropAfter int
	finished  string
}

func (s *Server) handleStream(c *gin.Context) {
	id := strings.TrimSpace(c.Query("artifact_id"))
	var (
		plan connPlan
		code int
	)
	if !s.withArtifact(c, id, func(a *artifact) {
		if a.scenario.Fail.Stream > 0 {
			code = a.scenario.Fail.Stream
			return
		}
		a.stats.Connections++
		if !a.scenario.SkipHandshake {
			plan.handshake = Frame{
				"type":        "handshake",
				"artifact_id": id,
				"user_id":     a.scenario.UserID,
				"worker_id":   a.scenario.WorkerID,
			}
		}
		if a.scenario.DropAfter > 0 && !a.dropped {
			a.dropped = true
			plan.dropAfter = a.scenario.DropAfter
		}
		if a.cursor >= len(a.pending) && (a.status == "completed" || a.status == "failed") {
			plan.finished = a.status
		}
	}) {
		return
	}
	if code > 0 {
		c.JSON(code, gin.H{"error": "stream unavailable"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade for %s failed: %v", id, err)
		return
	}
	defer conn.Close()

	if err := awaitSubscribe(conn, id); err != nil {
		s.logger.Warn("stream %s: %v", id, err)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		return
	}

	// Client traffic after subscribe is only keepalive; reading it also
	// notices when the client goes away.
	gone := make(chan struct{})
	async.Go(s.logger, "mockserver.reader", func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	if plan.handshake != nil {
		if err := conn.WriteJSON(plan.handshake); err != nil {
			return
		}
	}

	if plan.finished != "" {
		_ = conn.WriteJSON(Frame{"type": "done", "status": plan.finished})
		waitGone(gone, 5*time.Second)
		return
	}

	sent := 0
	for {
		step, ok := s.nextStep(id)
		if !ok {
			break
		}
		if step.Delay > 0 {
			select {
			case <-gone:
				return
			case <-time.After(step.Delay):
			}
		}

		data, err := stepBytes(step)
		if err != nil {
			s.logger.Warn("stream %s: skip unencodable frame: %v", id, err)
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.logger.Debug("stream %s: write failed: %v", id, err)
			return
		}
		terminal := s.record(id, step, data)
		sent++

		if terminal {
			waitGone(gone, 5*time.Second)
			return
		}
		if plan.dropAfter > 0 && sent >= plan.dropAfter {
			s.logger.Info("stream %s: dropping connection after %d frames", id, sent)
			// Close the TCP connection without a close frame so the
			// client sees an abnormal closure and reconnects.
			_ = conn.UnderlyingConn().Close()
			return
		}
	}

	<-gone
}

func awaitSubscribe(conn *websocket.Conn, id string) error {
	_ = conn.SetReadDeadline(time.Now().Add(subscribeTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	_, data, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	env, err := fragment.Decode(data)
	if err != nil {
		return err
	}
	if !strings.EqualFold(env.Type, "subscribe") {
		return fmt.Errorf("expected subscribe, got %q", env.Type)
	}
	if env.ArtifactID != "" && env.ArtifactID != id {
		return fmt.Errorf("subscribe for %q on stream %q", env.ArtifactID, id)
	}
	return nil
}

func waitGone(gone <-chan struct{}, limit time.Duration) {
	select {
	case <-gone:
	case <-time.After(limit):
	}
}

func stepBytes(step Step) ([]byte, error) {
	if step.Raw != "" {
		return []byte(step.Raw), nil
	}
	return json.Marshal(step.Frame)
}

func (s *Server) nextStep(id string) (Step, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok || a.cursor >= len(a.pending) {
		return Step{}, false
	}
	step := a.pending[a.cursor]
	a.cursor++
	return step, true
}

// record folds a played frame into the artifact: terminal frames settle the
// status, data frames for this artifact join the history.
func (s *Server) record(id string, step Step, data []byte) bool {
	env, err := fragment.Decode(data)
	if err != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return false
	}
	if env.IsTerminal() {
		a.status = string(env.TerminalStatus())
		if reason := env.FailureReason(); reason != "" && a.status == "failed" {
			a.scenario.Error = reason
		}
		return true
	}
	if env.IsControl() || env.IsHandshake() || step.Raw != "" {
		return false
	}
	if tag := strings.TrimSpace(env.ArtifactID); tag != "" && tag != id {
		return false
	}
	for _, existing := range a.history {
		if bytes.Equal(existing, data) {
			return false
		}
	}
	a.history = append(a.history, json.RawMessage(data))
	if a.status == "queued" {
		a.status = "processing"
	}
	return false
}
