package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"deckflow/internal/observability"
)

// Option customizes Load.
type Option func(*loadOptions)

type loadOptions struct {
	envLookup  EnvLookup
	readFile   func(string) ([]byte, error)
	homeDir    func() (string, error)
	configPath string
	overrides  Overrides
}

// WithEnv replaces the environment lookup.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) {
		o.envLookup = lookup
	}
}

// WithOverrides applies caller-provided values last.
func WithOverrides(overrides Overrides) Option {
	return func(o *loadOptions) {
		o.overrides = overrides
	}
}

// WithPath pins the config file location.
func WithPath(path string) Option {
	return func(o *loadOptions) {
		o.configPath = path
	}
}

// WithFileReader replaces os.ReadFile, mostly for tests.
func WithFileReader(reader func(string) ([]byte, error)) Option {
	return func(o *loadOptions) {
		o.readFile = reader
	}
}

// WithHomeDir replaces os.UserHomeDir.
func WithHomeDir(resolver func() (string, error)) Option {
	return func(o *loadOptions) {
		o.homeDir = resolver
	}
}

// DefaultEnvLookup reads from the process environment.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// Default returns the built-in configuration.
func Default() RuntimeConfig {
	return RuntimeConfig{
		BaseURL:          DefaultBaseURL,
		RequestTimeout:   DefaultRequestTimeout,
		MaxResponseBytes: DefaultMaxResponseBytes,
		Stream: StreamConfig{
			ReconnectAttempts:  DefaultReconnectAttempts,
			ReconnectBaseDelay: DefaultReconnectBaseDelay,
			ReconnectMaxDelay:  DefaultReconnectMaxDelay,
			KeepaliveInterval:  DefaultKeepaliveInterval,
			HandshakeTimeout:   DefaultHandshakeTimeout,
			CloseGrace:         DefaultCloseGrace,
			BufferSize:         DefaultStreamBuffer,
		},
		Reconcile: ReconcileConfig{
			UserDedupWindow:    DefaultUserDedupWindow,
			DropUnknownAuthors: true,
			DedupCacheSize:     DefaultDedupCacheSize,
		},
		Observability: observability.DefaultConfig(),
	}
}

// Load resolves configuration: defaults, then file, then environment, then overrides.
func Load(opts ...Option) (RuntimeConfig, Metadata, error) {
	options := loadOptions{
		envLookup: DefaultEnvLookup,
		readFile:  os.ReadFile,
		homeDir:   os.UserHomeDir,
	}
	for _, opt := range opts {
		opt(&options)
	}

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}
	cfg := Default()

	if err := applyFile(&cfg, &meta, options); err != nil {
		return RuntimeConfig{}, Metadata{}, err
	}
	if err := applyEnv(&cfg, &meta, options); err != nil {
		return RuntimeConfig{}, Metadata{}, err
	}
	applyOverrides(&cfg, &meta, options.overrides)

	normalizeRuntimeConfig(&cfg)
	if err := validate(cfg); err != nil {
		return RuntimeConfig{}, Metadata{}, err
	}
	return cfg, meta, nil
}

type fileConfig struct {
	BaseURL             string                `yaml:"base_url"`
	StreamURL           string                `yaml:"stream_url"`
	Token               string                `yaml:"token"`
	RequestTimeout      string                `yaml:"request_timeout"`
	MaxResponseBytes    *int64                `yaml:"max_response_bytes"`
	StatusWatchInterval string                `yaml:"status_watch_interval"`
	Stream              *fileStreamConfig     `yaml:"stream"`
	Reconcile           *fileReconcileConfig  `yaml:"reconcile"`
	Observability       *observability.Config `yaml:"observability"`
}

type fileStreamConfig struct {
	ReconnectAttempts  *int   `yaml:"reconnect_attempts"`
	ReconnectBaseDelay string `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  string `yaml:"reconnect_max_delay"`
	KeepaliveInterval  string `yaml:"keepalive_interval"`
	HandshakeTimeout   string `yaml:"handshake_timeout"`
	CloseGrace         string `yaml:"close_grace"`
	BufferSize         *int   `yaml:"buffer_size"`
}

type fileReconcileConfig struct {
	UserDedupWindow    string   `yaml:"user_dedup_window"`
	DropUnknownAuthors *bool    `yaml:"drop_unknown_authors"`
	WorkerAuthors      []string `yaml:"worker_authors"`
	DedupCacheSize     *int     `yaml:"dedup_cache_size"`
}

func resolveConfigPath(opts loadOptions) string {
	if opts.configPath != "" {
		return opts.configPath
	}
	if opts.envLookup != nil {
		if value, ok := opts.envLookup("DECKFLOW_CONFIG"); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	home, err := opts.homeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, ".deckflow", "config.yaml")
}

func applyFile(cfg *RuntimeConfig, meta *Metadata, opts loadOptions) error {
	configPath := resolveConfigPath(opts)
	if configPath == "" {
		return nil
	}

	data, err := opts.readFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	var parsed fileConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	setString := func(field, value string, dst *string) {
		if value = strings.TrimSpace(value); value != "" {
			*dst = value
			meta.sources[field] = SourceFile
		}
	}
	setDuration := func(field, value string, dst *time.Duration) error {
		if strings.TrimSpace(value) == "" {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("parse %s from config file: %w", field, err)
		}
		*dst = d
		meta.sources[field] = SourceFile
		return nil
	}
	setInt := func(field string, value *int, dst *int) {
		if value != nil {
			*dst = *value
			meta.sources[field] = SourceFile
		}
	}

	setString("base_url", parsed.BaseURL, &cfg.BaseURL)
	setString("stream_url", parsed.StreamURL, &cfg.StreamURL)
	setString("token", parsed.Token, &cfg.Token)
	if err := setDuration("request_timeout", parsed.RequestTimeout, &cfg.RequestTimeout); err != nil {
		return err
	}
	if err := setDuration("status_watch_interval", parsed.StatusWatchInterval, &cfg.StatusWatchInterval); err != nil {
		return err
	}
	if parsed.MaxResponseBytes != nil {
		cfg.MaxResponseBytes = *parsed.MaxResponseBytes
		meta.sources["max_response_bytes"] = SourceFile
	}

	if s := parsed.Stream; s != nil {
		setInt("stream.reconnect_attempts", s.ReconnectAttempts, &cfg.Stream.ReconnectAttempts)
		setInt("stream.buffer_size", s.BufferSize, &cfg.Stream.BufferSize)
		durations := []struct {
			field string
			value string
			dst   *time.Duration
		}{
			{"stream.reconnect_base_delay", s.ReconnectBaseDelay, &cfg.Stream.ReconnectBaseDelay},
			{"stream.reconnect_max_delay", s.ReconnectMaxDelay, &cfg.Stream.ReconnectMaxDelay},
			{"stream.keepalive_interval", s.KeepaliveInterval, &cfg.Stream.KeepaliveInterval},
			{"stream.handshake_timeout", s.HandshakeTimeout, &cfg.Stream.HandshakeTimeout},
			{"stream.close_grace", s.CloseGrace, &cfg.Stream.CloseGrace},
		}
		for _, d := range durations {
			if err := setDuration(d.field, d.value, d.dst); err != nil {
				return err
			}
		}
	}

	if r := parsed.Reconcile; r != nil {
		if err := setDuration("reconcile.user_dedup_window", r.UserDedupWindow, &cfg.Reconcile.UserDedupWindow); err != nil {
			return err
		}
		if r.DropUnknownAuthors != nil {
			cfg.Reconcile.DropUnknownAuthors = *r.DropUnknownAuthors
			meta.sources["reconcile.drop_unknown_authors"] = SourceFile
		}
		if len(r.WorkerAuthors) > 0 {
			cfg.Reconcile.WorkerAuthors = append([]string(nil), r.WorkerAuthors...)
			meta.sources["reconcile.worker_authors"] = SourceFile
		}
		setInt("reconcile.dedup_cache_size", r.DedupCacheSize, &cfg.Reconcile.DedupCacheSize)
	}

	if parsed.Observability != nil {
		cfg.Observability = cfg.Observability.Merge(*parsed.Observability)
		meta.sources["observability"] = SourceFile
	}
	return nil
}

func applyEnv(cfg *RuntimeConfig, meta *Metadata, opts loadOptions) error {
	lookup := opts.envLookup
	if lookup == nil {
		lookup = DefaultEnvLookup
	}
	get := func(key string) (string, bool) {
		value, ok := lookup(key)
		value = strings.TrimSpace(value)
		return value, ok && value != ""
	}

	if value, ok := get("DECKFLOW_BASE_URL"); ok {
		cfg.BaseURL = value
		meta.sources["base_url"] = SourceEnv
	}
	if value, ok := get("DECKFLOW_STREAM_URL"); ok {
		cfg.StreamURL = value
		meta.sources["stream_url"] = SourceEnv
	}
	if value, ok := get("DECKFLOW_TOKEN"); ok {
		cfg.Token = value
		meta.sources["token"] = SourceEnv
	}
	if value, ok := get("DECKFLOW_REQUEST_TIMEOUT"); ok {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parse DECKFLOW_REQUEST_TIMEOUT: %w", err)
		}
		cfg.RequestTimeout = d
		meta.sources["request_timeout"] = SourceEnv
	}
	if value, ok := get("DECKFLOW_STATUS_WATCH_INTERVAL"); ok {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parse DECKFLOW_STATUS_WATCH_INTERVAL: %w", err)
		}
		cfg.StatusWatchInterval = d
		meta.sources["status_watch_interval"] = SourceEnv
	}
	if value, ok := get("DECKFLOW_RECONNECT_ATTEMPTS"); ok {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse DECKFLOW_RECONNECT_ATTEMPTS: %w", err)
		}
		cfg.Stream.ReconnectAttempts = n
		meta.sources["stream.reconnect_attempts"] = SourceEnv
	}
	if value, ok := get("DECKFLOW_USER_DEDUP_WINDOW"); ok {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parse DECKFLOW_USER_DEDUP_WINDOW: %w", err)
		}
		cfg.Reconcile.UserDedupWindow = d
		meta.sources["reconcile.user_dedup_window"] = SourceEnv
	}
	if value, ok := get("DECKFLOW_DROP_UNKNOWN_AUTHORS"); ok {
		b, err := parseBoolEnv(value)
		if err != nil {
			return fmt.Errorf("parse DECKFLOW_DROP_UNKNOWN_AUTHORS: %w", err)
		}
		cfg.Reconcile.DropUnknownAuthors = b
		meta.sources["reconcile.drop_unknown_authors"] = SourceEnv
	}
	if value, ok := get("DECKFLOW_WORKER_AUTHORS"); ok {
		cfg.Reconcile.WorkerAuthors = splitList(value)
		meta.sources["reconcile.worker_authors"] = SourceEnv
	}
	if value, ok := get("DECKFLOW_LOG_LEVEL"); ok {
		cfg.Observability.Logging.Level = value
		meta.sources["observability.logging.level"] = SourceEnv
	}
	if value, ok := get("DECKFLOW_LOG_FORMAT"); ok {
		cfg.Observability.Logging.Format = value
		meta.sources["observability.logging.format"] = SourceEnv
	}
	if value, ok := get("DECKFLOW_METRICS_ADDR"); ok {
		cfg.Observability.Metrics.Enabled = true
		cfg.Observability.Metrics.Addr = value
		meta.sources["observability.metrics.addr"] = SourceEnv
	}
	if value, ok := get("DECKFLOW_TRACING_ENABLED"); ok {
		b, err := parseBoolEnv(value)
		if err != nil {
			return fmt.Errorf("parse DECKFLOW_TRACING_ENABLED: %w", err)
		}
		cfg.Observability.Tracing.Enabled = b
		meta.sources["observability.tracing.enabled"] = SourceEnv
	}
	return nil
}

func applyOverrides(cfg *RuntimeConfig, meta *Metadata, overrides Overrides) {
	if overrides.BaseURL != nil {
		cfg.BaseURL = *overrides.BaseURL
		meta.sources["base_url"] = SourceOverride
	}
	if overrides.StreamURL != nil {
		cfg.StreamURL = *overrides.StreamURL
		meta.sources["stream_url"] = SourceOverride
	}
	if overrides.Token != nil {
		cfg.Token = *overrides.Token
		meta.sources["token"] = SourceOverride
	}
	if overrides.RequestTimeout != nil {
		cfg.RequestTimeout = *overrides.RequestTimeout
		meta.sources["request_timeout"] = SourceOverride
	}
	if overrides.StatusWatchInterval != nil {
		cfg.StatusWatchInterval = *overrides.StatusWatchInterval
		meta.sources["status_watch_interval"] = SourceOverride
	}
	if overrides.LogLevel != nil {
		cfg.Observability.Logging.Level = *overrides.LogLevel
		meta.sources["observability.logging.level"] = SourceOverride
	}
	if overrides.LogFormat != nil {
		cfg.Observability.Logging.Format = *overrides.LogFormat
		meta.sources["observability.logging.format"] = SourceOverride
	}
	if overrides.MetricsAddr != nil {
		cfg.Observability.Metrics.Addr = *overrides.MetricsAddr
		cfg.Observability.Metrics.Enabled = *overrides.MetricsAddr != ""
		meta.sources["observability.metrics.addr"] = SourceOverride
	}
	if overrides.UserDedupWindow != nil {
		cfg.Reconcile.UserDedupWindow = *overrides.UserDedupWindow
		meta.sources["reconcile.user_dedup_window"] = SourceOverride
	}
	if overrides.DropUnknownAuthors != nil {
		cfg.Reconcile.DropUnknownAuthors = *overrides.DropUnknownAuthors
		meta.sources["reconcile.drop_unknown_authors"] = SourceOverride
	}
}

func normalizeRuntimeConfig(cfg *RuntimeConfig) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.StreamURL = strings.TrimRight(strings.TrimSpace(cfg.StreamURL), "/")
	cfg.Token = strings.TrimSpace(cfg.Token)
	if cfg.StreamURL == "" {
		cfg.StreamURL = DeriveStreamURL(cfg.BaseURL)
	}
	if cfg.Stream.ReconnectMaxDelay < cfg.Stream.ReconnectBaseDelay {
		cfg.Stream.ReconnectMaxDelay = cfg.Stream.ReconnectBaseDelay
	}
	if cfg.Stream.BufferSize <= 0 {
		cfg.Stream.BufferSize = DefaultStreamBuffer
	}
	if cfg.Reconcile.DedupCacheSize <= 0 {
		cfg.Reconcile.DedupCacheSize = DefaultDedupCacheSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
}

// DeriveStreamURL maps an http(s) base URL onto its ws(s) counterpart.
func DeriveStreamURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	default:
		return baseURL
	}
}

func validate(cfg RuntimeConfig) error {
	if cfg.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return fmt.Errorf("base_url must be an http(s) URL, got %q", cfg.BaseURL)
	}
	if !strings.HasPrefix(cfg.StreamURL, "ws://") && !strings.HasPrefix(cfg.StreamURL, "wss://") {
		return fmt.Errorf("stream_url must be a ws(s) URL, got %q", cfg.StreamURL)
	}
	if cfg.Stream.ReconnectAttempts < 0 {
		return fmt.Errorf("stream.reconnect_attempts must not be negative")
	}
	if cfg.Reconcile.UserDedupWindow < 0 {
		return fmt.Errorf("reconcile.user_dedup_window must not be negative")
	}
	return nil
}

func parseBoolEnv(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", value)
	}
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
