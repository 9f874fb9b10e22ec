package config

import (
	"time"

	"deckflow/internal/observability"
)

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

const (
	DefaultBaseURL            = "http://localhost:8080"
	DefaultRequestTimeout     = 30 * time.Second
	DefaultMaxResponseBytes   = 8 << 20
	DefaultUserDedupWindow    = 8 * time.Second
	DefaultDedupCacheSize     = 2048
	DefaultReconnectAttempts  = 5
	DefaultReconnectBaseDelay = 500 * time.Millisecond
	DefaultReconnectMaxDelay  = 10 * time.Second
	DefaultKeepaliveInterval  = 20 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultCloseGrace         = 500 * time.Millisecond
	DefaultStreamBuffer       = 256
)

// RuntimeConfig captures user-configurable settings for the client and CLI.
type RuntimeConfig struct {
	BaseURL             string
	StreamURL           string
	Token               string
	RequestTimeout      time.Duration
	MaxResponseBytes    int64
	StatusWatchInterval time.Duration
	Stream              StreamConfig
	Reconcile           ReconcileConfig
	Observability       observability.Config
}

// StreamConfig tunes the websocket channel.
type StreamConfig struct {
	ReconnectAttempts  int
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	KeepaliveInterval  time.Duration
	HandshakeTimeout   time.Duration
	CloseGrace         time.Duration
	BufferSize         int
}

// ReconcileConfig holds the merge tuning knobs.
type ReconcileConfig struct {
	// UserDedupWindow bounds the fuzzy text match for user-authored entries.
	UserDedupWindow    time.Duration
	DropUnknownAuthors bool
	WorkerAuthors      []string
	DedupCacheSize     int
}

// Metadata contains provenance information for loaded configuration.
type Metadata struct {
	sources  map[string]ValueSource
	loadedAt time.Time
}

// Sources returns a copy of the provenance map.
func (m Metadata) Sources() map[string]ValueSource {
	out := make(map[string]ValueSource, len(m.sources))
	for k, v := range m.sources {
		out[k] = v
	}
	return out
}

// Source returns the provenance for the provided field.
func (m Metadata) Source(field string) ValueSource {
	if m.sources == nil {
		return SourceDefault
	}
	if src, ok := m.sources[field]; ok {
		return src
	}
	return SourceDefault
}

// LoadedAt returns when the configuration was loaded.
func (m Metadata) LoadedAt() time.Time {
	return m.loadedAt
}

// Overrides conveys caller-provided values that should win over env/file.
type Overrides struct {
	BaseURL             *string
	StreamURL           *string
	Token               *string
	RequestTimeout      *time.Duration
	StatusWatchInterval *time.Duration
	LogLevel            *string
	LogFormat           *string
	MetricsAddr         *string
	UserDedupWindow     *time.Duration
	DropUnknownAuthors  *bool
}

// EnvLookup resolves environment variables.
type EnvLookup func(string) (string, bool)
