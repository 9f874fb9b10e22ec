package observability

// Config represents the complete observability configuration
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultConfig returns the default observability configuration
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9464",
		},
		Tracing: TracingConfig{
			Enabled:        false,
			Exporter:       "otlp",
			OTLPEndpoint:   "localhost:4318",
			SampleRate:     1.0,
			ServiceName:    "deckflow",
			ServiceVersion: "0.1.0",
		},
	}
}

// Merge overlays non-zero fields of other onto c. Enabled flags always follow other
// when other came from an explicit source.
func (c Config) Merge(other Config) Config {
	out := c
	if other.Logging.Level != "" {
		out.Logging.Level = other.Logging.Level
	}
	if other.Logging.Format != "" {
		out.Logging.Format = other.Logging.Format
	}
	out.Metrics.Enabled = other.Metrics.Enabled
	if other.Metrics.Addr != "" {
		out.Metrics.Addr = other.Metrics.Addr
	}
	out.Tracing.Enabled = other.Tracing.Enabled
	if other.Tracing.Exporter != "" {
		out.Tracing.Exporter = other.Tracing.Exporter
	}
	if other.Tracing.OTLPEndpoint != "" {
		out.Tracing.OTLPEndpoint = other.Tracing.OTLPEndpoint
	}
	if other.Tracing.ZipkinEndpoint != "" {
		out.Tracing.ZipkinEndpoint = other.Tracing.ZipkinEndpoint
	}
	// A zero sample rate cannot be expressed here; disable tracing instead.
	if other.Tracing.SampleRate > 0 && other.Tracing.SampleRate <= 1.0 {
		out.Tracing.SampleRate = other.Tracing.SampleRate
	}
	if other.Tracing.ServiceName != "" {
		out.Tracing.ServiceName = other.Tracing.ServiceName
	}
	if other.Tracing.ServiceVersion != "" {
		out.Tracing.ServiceVersion = other.Tracing.ServiceVersion
	}
	return out
}
