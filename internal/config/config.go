package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	NATS          NATSConfig          `yaml:"nats"`
	Snapshots     SnapshotsConfig     `yaml:"snapshots"`
	Cursors       CursorsConfig       `yaml:"cursors"`
	Cache         CacheConfig         `yaml:"cache"`
	Projections   []ProjectionConfig  `yaml:"projections"`
	Retention     RetentionConfig     `yaml:"retention"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type NATSConfig struct {
	URL             string    `yaml:"url"`
	CredentialsFile string    `yaml:"credentials_file"`
	NKeySeedFile    string    `yaml:"nkey_seed_file"`
	TLS             TLSConfig `yaml:"tls"`
	ConnectionName  string    `yaml:"connection_name"`
	MaxReconnects   int       `yaml:"max_reconnects"`
	ReconnectWait   Duration  `yaml:"reconnect_wait"`
}

type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Snapshot backends.
const (
	BackendS3     = "s3"
	BackendFile   = "file"
	BackendMemory = "memory"
)

type SnapshotsConfig struct {
	Backend          string     `yaml:"backend"`
	S3               S3Config   `yaml:"s3"`
	File             FileConfig `yaml:"file"`
	Compression      string     `yaml:"compression"`
	CompressionLevel int        `yaml:"compression_level"`
	AccessTier       string     `yaml:"access_tier"`
	MaxConcurrency   int        `yaml:"max_concurrency"`
	MaxPayload       ByteSize   `yaml:"max_payload"`
}

type S3Config struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	// MaxAttempts overrides the SDK retry budget; 0 keeps the SDK default.
	MaxAttempts int `yaml:"max_attempts"`
}

type FileConfig struct {
	DataDir string `yaml:"data_dir"`
}

type CursorsConfig struct {
	Path          string   `yaml:"path"`
	SubjectPrefix string   `yaml:"subject_prefix"`
	IdleTimeout   Duration `yaml:"idle_timeout"`
}

type CacheConfig struct {
	IdleTimeout Duration `yaml:"idle_timeout"`
}

type ProjectionConfig struct {
	Kind    string `yaml:"kind"`
	Stream  string `yaml:"stream"`
	Storage string `yaml:"storage"`
	// Reducer is the fingerprint input hashed into the snapshot family's reducer hash.
	Reducer      string  `yaml:"reducer"`
	RetainModuli []int64 `yaml:"retain_moduli"`
}

type RetentionConfig struct {
	Enabled      bool     `yaml:"enabled"`
	EvalInterval Duration `yaml:"eval_interval"`
}

type APIConfig struct {
	Enabled       bool                `yaml:"enabled"`
	Listen        string              `yaml:"listen"`
	NATSResponder NATSResponderConfig `yaml:"nats_responder"`
}

type NATSResponderConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

// Trace exporters.
const (
	TraceExporterOTLP   = "otlp"
	TraceExporterStdout = "stdout"
)

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	// Endpoint is the OTLP/HTTP collector URL, e.g. http://localhost:4318.
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}

	if err := c.Snapshots.Validate(); err != nil {
		return err
	}

	if c.Cursors.Path == "" {
		return fmt.Errorf("cursors.path is required")
	}

	if len(c.Projections) == 0 {
		return fmt.Errorf("at least one projection must be configured")
	}

	seen := make(map[string]bool)
	for i, pc := range c.Projections {
		if pc.Kind == "" {
			return fmt.Errorf("projections[%d].kind is required", i)
		}
		if seen[pc.Kind] {
			return fmt.Errorf("projections[%d]: duplicate kind %q", i, pc.Kind)
		}
		seen[pc.Kind] = true
		if pc.Stream == "" {
			return fmt.Errorf("projections[%d] (%s): stream is required", i, pc.Kind)
		}
		if pc.Storage == "" {
			return fmt.Errorf("projections[%d] (%s): storage is required", i, pc.Kind)
		}
		if pc.Reducer == "" {
			return fmt.Errorf("projections[%d] (%s): reducer is required", i, pc.Kind)
		}
		for _, name := range []string{pc.Kind, pc.Stream, pc.Storage} {
			if strings.ContainsAny(name, "|.*> ") {
				return fmt.Errorf("projections[%d] (%s): %q contains a reserved character", i, pc.Kind, name)
			}
		}
		for _, m := range pc.RetainModuli {
			if m <= 0 {
				return fmt.Errorf("projections[%d] (%s): retain_moduli must be > 0, got %d", i, pc.Kind, m)
			}
		}
	}

	if c.Retention.Enabled && c.Retention.EvalInterval <= 0 {
		return fmt.Errorf("retention.eval_interval must be > 0")
	}

	if err := c.Observability.Tracing.Validate(); err != nil {
		return err
	}

	return nil
}

func (t TracingConfig) Validate() error {
	if !t.Enabled {
		return nil
	}
	switch t.Exporter {
	case TraceExporterOTLP:
		if t.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required for the otlp exporter")
		}
	case TraceExporterStdout:
	default:
		return fmt.Errorf("observability.tracing.exporter must be one of otlp, stdout; got %q", t.Exporter)
	}
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		return fmt.Errorf("observability.tracing.sample_ratio must be between 0 and 1, got %g", t.SampleRatio)
	}
	return nil
}

// Validate checks the snapshot engine settings. Archive-class tiers are
// rejected here because they cannot serve synchronous reads.
func (s SnapshotsConfig) Validate() error {
	switch s.Backend {
	case BackendS3:
		if s.S3.Bucket == "" {
			return fmt.Errorf("snapshots.s3.bucket is required")
		}
		if s.S3.Region == "" && s.S3.Endpoint == "" {
			return fmt.Errorf("snapshots.s3 requires region or endpoint")
		}
	case BackendFile:
		if s.File.DataDir == "" {
			return fmt.Errorf("snapshots.file.data_dir is required")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("snapshots.backend must be one of s3, file, memory; got %q", s.Backend)
	}

	switch s.Compression {
	case "", "none", "gzip", "brotli":
	default:
		return fmt.Errorf("snapshots.compression must be one of none, gzip, brotli; got %q", s.Compression)
	}

	switch s.AccessTier {
	case "", "hot", "cool", "cold":
	case "archive":
		return fmt.Errorf("snapshots.access_tier %q is not allowed: archive tiers require rehydration before reads", s.AccessTier)
	default:
		return fmt.Errorf("snapshots.access_tier must be one of hot, cool, cold; got %q", s.AccessTier)
	}

	if s.MaxConcurrency < 1 || s.MaxConcurrency > 256 {
		return fmt.Errorf("snapshots.max_concurrency must be between 1 and 256, got %d", s.MaxConcurrency)
	}

	return nil
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "24h".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "256MB", "10GB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		// Try as integer
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func parseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s

	switch {
	case len(s) >= 2 && s[len(s)-2:] == "KB":
		multiplier = 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "MB":
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "GB":
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "TB":
		multiplier = 1024 * 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case s[len(s)-1] == 'B':
		numStr = s[:len(s)-1]
	}

	var n int64
	_, err := fmt.Sscanf(numStr, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * multiplier, nil
}
