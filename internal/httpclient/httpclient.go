package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	dferrors "deckflow/internal/errors"
	"deckflow/internal/logging"
)

// RequestIDHeader carries a per-request id for server-side correlation.
const RequestIDHeader = "X-Request-ID"

// Options configures New.
type Options struct {
	Timeout time.Duration
	Name    string
	Breaker dferrors.CircuitBreakerConfig
	Base    http.RoundTripper
}

// New returns an http.Client guarded by a circuit breaker and stamping request ids.
func New(opts Options, logger logging.Logger) *http.Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Name == "" {
		opts.Name = "http-client"
	}
	base := opts.Base
	if base == nil {
		base = Transport()
	}
	logger = logging.OrComponent(logger, "httpclient")
	return &http.Client{
		Timeout: opts.Timeout,
		Transport: &requestIDRoundTripper{
			base: &circuitBreakerRoundTripper{
				base:    base,
				breaker: dferrors.NewCircuitBreaker(opts.Name, opts.Breaker, logger),
			},
		},
	}
}

// Transport returns a clone of the default transport.
func Transport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	return base.Clone()
}

type requestIDRoundTripper struct {
	base http.RoundTripper
}

func (t *requestIDRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get(RequestIDHeader) != "" {
		return t.base.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set(RequestIDHeader, uuid.NewString())
	return t.base.RoundTrip(clone)
}

type circuitBreakerRoundTripper struct {
	base    http.RoundTripper
	breaker *dferrors.CircuitBreaker
}

func (t *circuitBreakerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if err := t.breaker.Allow(); err != nil {
		return nil, err
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			t.breaker.Mark(nil)
			return nil, err
		}
		t.breaker.Mark(err)
		return nil, err
	}
	if isBreakerFailureStatus(resp.StatusCode) {
		t.breaker.Mark(fmt.Errorf("http status %d", resp.StatusCode))
	} else {
		t.breaker.Mark(nil)
	}
	return resp, nil
}

func isBreakerFailureStatus(status int) bool {
	return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
}

// ResponseTooLargeError reports that the response body exceeded the limit.
type ResponseTooLargeError struct {
	Limit int64
}

func (e ResponseTooLargeError) Error() string {
	return fmt.Sprintf("response body exceeded limit of %d bytes", e.Limit)
}

// IsResponseTooLarge reports whether the error indicates a response limit violation.
func IsResponseTooLarge(err error) bool {
	var limitErr ResponseTooLargeError
	return errors.As(err, &limitErr)
}

// ReadAllWithLimit reads r up to limit bytes; limit <= 0 reads everything.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	lr := &io.LimitedReader{R: r, N: limit + 1}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ResponseTooLargeError{Limit: limit}
	}
	return data, nil
}
