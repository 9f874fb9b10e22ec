// Package backend talks to the presentation service REST API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"deckflow/internal/deck"
	"deckflow/internal/deck/reconciler"
	dferrors "deckflow/internal/errors"
	"deckflow/internal/httpclient"
	"deckflow/internal/logging"
	"deckflow/internal/observability"
)

const maxErrorBody = 512

// Options configures a Client.
type Options struct {
	BaseURL          string
	Token            string
	Timeout          time.Duration
	MaxResponseBytes int64
	HTTPClient       *http.Client
	Breaker          dferrors.CircuitBreakerConfig
	// History tunes the scratch reconciler used by ParseHistory.
	History reconciler.Options
	Logger  logging.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer
}

// Client issues status, start, history and message requests.
type Client struct {
	baseURL string
	token   string
	limit   int64
	http    *http.Client
	history reconciler.Options
	logger  logging.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// NewClient builds a Client. A nil HTTPClient gets the breaker-guarded default.
func NewClient(opts Options) *Client {
	logger := logging.OrComponent(opts.Logger, "backend")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		breaker := opts.Breaker
		if breaker == (dferrors.CircuitBreakerConfig{}) {
			breaker = dferrors.DefaultCircuitBreakerConfig()
		}
		httpClient = httpclient.New(httpclient.Options{
			Timeout: opts.Timeout,
			Name:    "presentation-api",
			Breaker: breaker,
		}, logger)
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = observability.NoopTracer()
	}
	history := opts.History
	if history.Logger == nil {
		history.Logger = logger
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		token:   strings.TrimSpace(opts.Token),
		limit:   opts.MaxResponseBytes,
		http:    httpClient,
		history: history,
		logger:  logger,
		metrics: opts.Metrics,
		tracer:  tracer,
	}
}

// StatusResult is the answer to a status query.
type StatusResult struct {
	ArtifactID string
	Status     deck.DomainStatus
	Error      string
}

type statusPayload struct {
	ArtifactID string `json:"artifact_id"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// ResolveStatus queries the current status. It never retries.
func (c *Client) ResolveStatus(ctx context.Context, artifactID string) (StatusResult, error) {
	const op = "status"
	body, err := c.do(ctx, op, observability.SpanStatusResolve, artifactID, http.MethodGet, "status", nil)
	if err != nil {
		return StatusResult{}, err
	}
	var payload statusPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return StatusResult{}, dferrors.NewParseError(op, artifactID, err)
	}
	status, ok := deck.ParseDomainStatus(payload.Status)
	if !ok {
		return StatusResult{}, dferrors.NewParseError(op, artifactID, fmt.Errorf("unknown status %q", payload.Status))
	}
	result := StatusResult{ArtifactID: strings.TrimSpace(payload.ArtifactID), Status: status, Error: payload.Error}
	if result.ArtifactID == "" {
		result.ArtifactID = artifactID
	}
	return result, nil
}

// Start triggers generation. The endpoint is idempotent server-side.
func (c *Client) Start(ctx context.Context, artifactID string) error {
	_, err := c.do(ctx, "start", observability.SpanSessionStart, artifactID, http.MethodPost, "generate", nil)
	return err
}

// FetchHistoryRaw returns the history payload as received.
func (c *Client) FetchHistoryRaw(ctx context.Context, artifactID string) ([]byte, error) {
	return c.do(ctx, "history", observability.SpanHistoryLoad, artifactID, http.MethodGet, "history", nil)
}

// FetchHistory fetches and parses the history for artifactID.
func (c *Client) FetchHistory(ctx context.Context, artifactID string) (deck.History, error) {
	raw, err := c.FetchHistoryRaw(ctx, artifactID)
	if err != nil {
		return deck.History{}, err
	}
	opts := c.history
	opts.ArtifactID = artifactID
	return ParseHistory(raw, opts)
}

// SendMessage posts a follow-up request against an existing artifact.
func (c *Client) SendMessage(ctx context.Context, artifactID, content string) error {
	payload, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return err
	}
	_, err = c.do(ctx, "message", observability.SpanFollowUp, artifactID, http.MethodPost, "messages", payload)
	return err
}

func (c *Client) endpoint(artifactID, action string) string {
	return fmt.Sprintf("%s/api/presentations/%s/%s", c.baseURL, url.PathEscape(artifactID), action)
}

func (c *Client) do(ctx context.Context, op, spanName, artifactID, method, action string, body []byte) (out []byte, err error) {
	if strings.TrimSpace(artifactID) == "" {
		return nil, dferrors.NewParseError(op, artifactID, fmt.Errorf("artifact id is required"))
	}
	ctx = observability.ContextWithArtifactID(ctx, artifactID)
	ctx, span := observability.StartSpan(ctx, c.tracer, spanName, attribute.String("http.method", method))
	started := time.Now()
	defer func() {
		c.metrics.ObserveRequest(op, err, time.Since(started))
		observability.EndSpan(span, err)
	}()

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	var req *http.Request
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, c.endpoint(artifactID, action), reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.endpoint(artifactID, action), nil)
	}
	if err != nil {
		return nil, dferrors.NewNetworkError(op, artifactID, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if dferrors.KindOf(err) != "" {
			return nil, err
		}
		return nil, dferrors.NewNetworkError(op, artifactID, err)
	}
	defer resp.Body.Close()

	data, err := httpclient.ReadAllWithLimit(resp.Body, c.limit)
	if err != nil {
		return nil, dferrors.NewNetworkError(op, artifactID, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(data)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		c.logger.Warn("%s %s: status %d", op, artifactID, resp.StatusCode)
		return nil, dferrors.NewHTTPError(op, artifactID, resp.StatusCode, snippet)
	}
	return data, nil
}
