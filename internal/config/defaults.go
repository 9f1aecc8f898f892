package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			ConnectionName: "projection-cache",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
		},
		Snapshots: SnapshotsConfig{
			Backend:        BackendFile,
			File:           FileConfig{DataDir: "/var/lib/pc/snapshots"},
			Compression:    "gzip",
			AccessTier:     "hot",
			MaxConcurrency: 8,
			MaxPayload:     ByteSize(64 * 1024 * 1024), // 64MB
		},
		Cursors: CursorsConfig{
			Path:          "/var/lib/pc/cursors.db",
			SubjectPrefix: "pc",
			IdleTimeout:   Duration(10 * time.Minute),
		},
		Cache: CacheConfig{
			IdleTimeout: Duration(10 * time.Minute),
		},
		Retention: RetentionConfig{
			Enabled:      true,
			EvalInterval: Duration(5 * time.Minute),
		},
		API: APIConfig{
			Enabled: true,
			Listen:  ":8080",
			NATSResponder: NATSResponderConfig{
				Enabled:       false,
				SubjectPrefix: "pc",
			},
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Health: HealthConfig{
				Enabled:       true,
				Listen:        ":8081",
				LivenessPath:  "/healthz",
				ReadinessPath: "/readyz",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    TraceExporterOTLP,
				Endpoint:    "http://localhost:4318",
				ServiceName: "projection-cache",
				SampleRatio: 1,
			},
		},
	}
}
