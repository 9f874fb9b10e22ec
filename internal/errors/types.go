package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Kind classifies failures surfaced by the reconciliation pipeline.
type Kind string

const (
	KindNetwork  Kind = "network"
	KindAuth     Kind = "auth"
	KindParse    Kind = "parse"
	KindChannel  Kind = "channel"
	KindMerge    Kind = "merge"
	KindTerminal Kind = "terminal"
)

// Error carries a Kind, the failing operation and the artifact the request was
// issued for. Message is short and safe to show to a user.
type Error struct {
	Kind       Kind
	Op         string
	ArtifactID string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Message != "" && e.Err != nil:
		fmt.Fprintf(&b, "%s: %v", e.Message, e.Err)
	case e.Message != "":
		b.WriteString(e.Message)
	case e.Err != nil:
		fmt.Fprintf(&b, "%s error: %v", e.Kind, e.Err)
	default:
		fmt.Fprintf(&b, "%s error", e.Kind)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by Kind so callers can write errors.Is(err, errors.ErrParse).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
}

// Sentinels for errors.Is comparisons.
var (
	ErrNetwork  = &Error{Kind: KindNetwork}
	ErrAuth     = &Error{Kind: KindAuth}
	ErrParse    = &Error{Kind: KindParse}
	ErrChannel  = &Error{Kind: KindChannel}
	ErrMerge    = &Error{Kind: KindMerge}
	ErrTerminal = &Error{Kind: KindTerminal}
)

// NewNetworkError wraps a failed status/start/history call.
func NewNetworkError(op, artifactID string, err error) *Error {
	return &Error{Kind: KindNetwork, Op: op, ArtifactID: artifactID, Message: "could not reach the presentation service", Err: err}
}

// NewHTTPError classifies a non-2xx response: 401/403 are auth failures, everything else network.
func NewHTTPError(op, artifactID string, statusCode int, body string) *Error {
	err := fmt.Errorf("http status %d: %s", statusCode, strings.TrimSpace(body))
	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		return &Error{Kind: KindAuth, Op: op, ArtifactID: artifactID, StatusCode: statusCode, Message: "not authorized for this presentation", Err: err}
	}
	return &Error{Kind: KindNetwork, Op: op, ArtifactID: artifactID, StatusCode: statusCode, Message: "the presentation service returned an error", Err: err}
}

// NewParseError reports a malformed history or fragment payload.
func NewParseError(op, artifactID string, err error) *Error {
	return &Error{Kind: KindParse, Op: op, ArtifactID: artifactID, Message: "received malformed presentation data", Err: err}
}

// NewChannelError reports a connect/auth failure on the stream channel.
func NewChannelError(artifactID string, err error) *Error {
	return &Error{Kind: KindChannel, Op: "channel", ArtifactID: artifactID, Message: "lost connection to the live stream", Err: err}
}

// NewMergeError reports a single fragment that could not be merged.
func NewMergeError(artifactID string, err error) *Error {
	return &Error{Kind: KindMerge, Op: "merge", ArtifactID: artifactID, Message: "dropped malformed fragment", Err: err}
}

// NewTerminalFailure reports that the backend finished with a failure.
func NewTerminalFailure(artifactID, reason string) *Error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "presentation generation failed"
	}
	return &Error{Kind: KindTerminal, Op: "generation", ArtifactID: artifactID, Message: reason}
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// UserMessage returns a short human-readable description of err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "the request timed out"
	}
	return err.Error()
}

// IsRetryable reports whether an explicit user retry can recover from err.
// Merge errors never reach the user, so they are not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err) != KindMerge
}

// IsTransient checks if an error is worth an automatic retry (reconnects, breaker accounting).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindParse, KindMerge, KindTerminal:
			return false
		}
		if e.StatusCode > 0 {
			return isTransientHTTPStatus(e.StatusCode)
		}
	}
	if isNetworkError(err) || isSyscallError(err) {
		return true
	}
	if e != nil && e.Kind == KindNetwork {
		return true
	}
	return false
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"timeout",
		"deadline exceeded",
		"connection reset",
		"broken pipe",
		"unexpected eof",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

func isSyscallError(err error) bool {
	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}

func isTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests, // 429
		http.StatusInternalServerError, // 500
		http.StatusBadGateway,          // 502
		http.StatusServiceUnavailable,  // 503
		http.StatusGatewayTimeout:      // 504
		return true
	}
	return false
}
