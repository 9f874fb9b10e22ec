// Package mockserver simulates the presentation backend: the REST status,
// generate, history and message endpoints plus the websocket stream, all
// driven by YAML scenarios.
package mockserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"deckflow/internal/async"
	"deckflow/internal/logging"
)

const subscribeTimeout = 10 * time.Second

// Options configures the mock backend.
type Options struct {
	// Token, when set, is required as a bearer token on every route.
	Token  string
	Debug  bool
	Logger logging.Logger
}

// Stats counts the calls one artifact received.
type Stats struct {
	StatusCalls  int
	Starts       int
	HistoryCalls int
	Connections  int
	Messages     []string
}

type artifact struct {
	scenario Scenario
	status   string
	history  []json.RawMessage
	pending  []Step
	cursor   int
	dropped  bool
	stats    Stats
}

// Server is an in-memory presentation backend.
type Server struct {
	opts     Options
	logger   logging.Logger
	engine   *gin.Engine
	upgrader websocket.Upgrader

	mu        sync.Mutex
	artifacts map[string]*artifact
}

// New builds a server preloaded with scenarios.
func New(opts Options, scenarios ...Scenario) *Server {
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		opts:      opts,
		logger:    logging.OrComponent(opts.Logger, "mockserver"),
		artifacts: make(map[string]*artifact),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.requestLogger())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s.engine = engine
	s.setupRoutes()

	for _, sc := range scenarios {
		s.Add(sc)
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := s.engine.Group("/api/presentations")
	api.Use(s.requireToken())
	{
		api.GET("/:id/status", s.handleStatus)
		api.POST("/:id/generate", s.handleGenerate)
		api.GET("/:id/history", s.handleHistory)
		api.POST("/:id/messages", s.handleMessage)
	}

	s.engine.GET("/ws", s.requireToken(), s.handleStream)
}

// Add registers or replaces a scenario.
func (s *Server) Add(sc Scenario) {
	a := &artifact{scenario: sc, status: sc.Status}
	if a.status == "" {
		a.status = "queued"
	}
	for _, frame := range sc.History {
		if raw, err := json.Marshal(frame); err == nil {
			a.history = append(a.history, raw)
		}
	}
	a.pending = append(a.pending, sc.Stream...)

	s.mu.Lock()
	s.artifacts[sc.ArtifactID] = a
	s.mu.Unlock()
}

// SetStatus overrides the reported status, as if the pipeline moved on its own.
func (s *Server) SetStatus(artifactID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.artifacts[artifactID]; ok {
		a.status = status
	}
}

// SetFailures replaces the failure toggles of one artifact.
func (s *Server) SetFailures(artifactID string, fail Failures) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.artifacts[artifactID]; ok {
		a.scenario.Fail = fail
	}
}

// Stats returns a copy of the call counters for one artifact.
func (s *Server) Stats(artifactID string) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[artifactID]
	if !ok {
		return Stats{}
	}
	out := a.stats
	out.Messages = append([]string(nil), a.stats.Messages...)
	return out
}

// Handler exposes the engine, e.g. for httptest.NewServer.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on an existing listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	async.Go(s.logger, "mockserver.shutdown", func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("mock backend shutdown: %v", err)
		}
	})

	s.logger.Info("mock backend listening on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.Token == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		if header != "Bearer "+s.opts.Token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

// withArtifact runs fn under the lock, or answers 404 for unknown ids.
func (s *Server) withArtifact(c *gin.Context, id string, fn func(a *artifact)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown artifact %q", id)})
		return false
	}
	fn(a)
	return true
}

func (s *Server) handleStatus(c *gin.Context) {
	id := c.Param("id")
	var (
		code int
		body gin.H
	)
	if !s.withArtifact(c, id, func(a *artifact) {
		a.stats.StatusCalls++
		if a.scenario.Fail.Status > 0 {
			code, body = a.scenario.Fail.Status, gin.H{"error": "status unavailable"}
			return
		}
		code, body = http.StatusOK, gin.H{"artifact_id": id, "status": a.status}
		if a.status == "failed" && a.scenario.Error != "" {
			body["error"] = a.scenario.Error
		}
	}) {
		return
	}
	c.JSON(code, body)
}

func (s *Server) handleGenerate(c *gin.Context) {
	id := c.Param("id")
	code := http.StatusAccepted
	if !s.withArtifact(c, id, func(a *artifact) {
		a.stats.Starts++
		fail := a.scenario.Fail
		if fail.Start > 0 && (fail.StartTimes <= 0 || a.stats.Starts <= fail.StartTimes) {
			code = fail.Start
			return
		}
		if a.status == "queued" {
			a.status = a.scenario.StatusAfterStart
			if a.status == "" {
				a.status = "processing"
			}
		}
	}) {
		return
	}
	if code >= 400 {
		c.JSON(code, gin.H{"error": "generate rejected"})
		return
	}
	c.JSON(code, gin.H{"artifact_id": id, "accepted": true})
}

func (s *Server) handleHistory(c *gin.Context) {
	id := c.Param("id")
	var (
		code int
		body any
	)
	if !s.withArtifact(c, id, func(a *artifact) {
		a.stats.HistoryCalls++
		if a.scenario.Fail.History > 0 {
			code, body = a.scenario.Fail.History, gin.H{"error": "history unavailable"}
			return
		}
		fragments := make([]json.RawMessage, len(a.history))
		copy(fragments, a.history)
		code, body = http.StatusOK, gin.H{
			"status":       a.status,
			"title":        a.scenario.Title,
			"total_slides": a.scenario.TotalSlides,
			"fragments":    fragments,
		}
	}) {
		return
	}
	c.JSON(code, body)
}

type messageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleMessage(c *gin.Context) {
	id := c.Param("id")
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	code := http.StatusAccepted
	if !s.withArtifact(c, id, func(a *artifact) {
		a.stats.Messages = append(a.stats.Messages, req.Content)
		if a.scenario.Fail.Message > 0 {
			code = a.scenario.Fail.Message
			return
		}
		echo, _ := json.Marshal(Frame{
			"author":    "user",
			"content":   req.Content,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
		a.history = append(a.history, echo)
		// The confirmed message is also echoed on the stream ahead of the
		// follow-up frames.
		var frame Frame
		_ = json.Unmarshal(echo, &frame)
		a.pending = append(a.pending, Step{Frame: frame})
		a.pending = append(a.pending, a.scenario.FollowUp...)
		a.status = "queued"
	}) {
		return
	}
	if code >= 400 {
		c.JSON(code, gin.H{"error": "message rejected"})
		return
	}
	c.JSON(code, gin.H{"artifact_id": id, "accepted": true})
}
