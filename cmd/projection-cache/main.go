package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gftdcojp/projection-cache/internal/blob"
	"github.com/gftdcojp/projection-cache/internal/config"
	"github.com/gftdcojp/projection-cache/internal/cursor"
	"github.com/gftdcojp/projection-cache/internal/file"
	"github.com/gftdcojp/projection-cache/internal/lifecycle"
	"github.com/gftdcojp/projection-cache/internal/memory"
	"github.com/gftdcojp/projection-cache/internal/meta"
	"github.com/gftdcojp/projection-cache/internal/metrics"
	"github.com/gftdcojp/projection-cache/internal/notify"
	"github.com/gftdcojp/projection-cache/internal/projection"
	"github.com/gftdcojp/projection-cache/internal/reducer"
	"github.com/gftdcojp/projection-cache/internal/serve"
	"github.com/gftdcojp/projection-cache/internal/snapshot"
	"github.com/gftdcojp/projection-cache/internal/tracing"
	"github.com/gftdcojp/projection-cache/pkg/natsutil"
	"github.com/gftdcojp/projection-cache/pkg/s3util"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("projection-cache %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Tracing
	tracerProvider, shutdownTracing, err := tracing.Setup(ctx, cfg.Observability.Tracing, version, logger.Named("tracing"))
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace flush incomplete", zap.Error(err))
		}
	}()

	// Connect to NATS
	nc, err := natsutil.Connect(cfg.NATS, logger.Named("nats"))
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := natsutil.Drain(drainCtx, nc); err != nil {
			logger.Warn("NATS drain incomplete", zap.Error(err))
		}
	}()

	// Durable cursor store
	metaStore, err := meta.NewBoltStore(cfg.Cursors.Path, logger.Named("meta"))
	if err != nil {
		return fmt.Errorf("opening cursor store: %w", err)
	}
	defer metaStore.Close()

	// Snapshot engine
	backend, pinger, err := newBackend(ctx, cfg.Snapshots, logger.Named("snapshots"))
	if err != nil {
		return err
	}
	if c, ok := backend.(io.Closer); ok {
		defer c.Close()
	}
	opts, err := snapshot.OptionsFromConfig(cfg.Snapshots, logger.Named("snapshot"))
	if err != nil {
		return fmt.Errorf("snapshot options: %w", err)
	}
	opts.TracerProvider = tracerProvider
	engine, err := snapshot.NewEngine(backend, opts)
	if err != nil {
		return fmt.Errorf("creating snapshot engine: %w", err)
	}

	// Cursor trackers fed by NATS notifications
	bus := notify.NewNATS(nc, cfg.Cursors.SubjectPrefix, logger.Named("notify"))
	cursors := cursor.NewService(metaStore, bus, cursor.Config{
		IdleTimeout: cfg.Cursors.IdleTimeout.Duration(),
		Logger:      logger.Named("cursor"),
	})
	defer cursors.Close()

	// Projections
	reducers := reducer.NewRegistry()
	catalog := projection.NewCatalog()
	defer catalog.Close()
	var defs []projection.Definition
	for _, pc := range cfg.Projections {
		def, err := projection.DefinitionFromConfig(pc, reducers)
		if err != nil {
			return fmt.Errorf("projection %s: %w", pc.Kind, err)
		}
		codec := projection.RawCodec{Default: "application/json"}
		svc, err := projection.NewService[projection.Raw](def, cursors, projection.NewSnapshotProvider[projection.Raw](engine, codec), codec, projection.Config{
			IdleTimeout: cfg.Cache.IdleTimeout.Duration(),
			Logger:      logger.Named("projection").With(zap.String("kind", def.Kind)),
		})
		if err != nil {
			return fmt.Errorf("projection %s: %w", pc.Kind, err)
		}
		if err := catalog.Add(svc); err != nil {
			return err
		}
		defs = append(defs, def)
		logger.Info("projection registered",
			zap.String("kind", def.Kind),
			zap.String("stream", def.Stream),
			zap.String("storage", def.Storage),
			zap.String("reducer_hash", def.ReducerHash),
		)
	}

	writer := projection.NewWriter(engine, metaStore, notify.NewAdvancer(metaStore, bus, logger.Named("advancer")), logger.Named("writer"))

	g, gctx := errgroup.WithContext(ctx)

	// Start retention loop
	if cfg.Retention.Enabled {
		mgr := lifecycle.NewManager(engine, metaStore, defs, logger.Named("lifecycle"))
		g.Go(func() error { return mgr.Run(gctx, cfg.Retention.EvalInterval.Duration()) })
	}

	// Start HTTP API
	if cfg.API.Enabled {
		deps := serve.Deps{
			Catalog: catalog,
			Engine:  engine,
			Writer:  writer,
			Meta:    metaStore,
			MaxBody: int64(cfg.Snapshots.MaxPayload),
			Logger:  logger.Named("api"),
		}
		g.Go(func() error { return serve.RunHTTP(gctx, cfg.API, deps) })
	}

	// Start NATS responder
	if cfg.API.NATSResponder.Enabled {
		g.Go(func() error {
			return serve.RunNATSResponder(gctx, nc, cfg.API.NATSResponder, catalog, logger.Named("nats-responder"))
		})
	}

	// Start metrics server
	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	// Start health server
	if cfg.Observability.Health.Enabled {
		healthChecker := metrics.NewHealthChecker(nc, metaStore, pinger)
		g.Go(func() error {
			return metrics.RunHealthServer(gctx, cfg.Observability.Health, healthChecker)
		})
	}

	logger.Info("projection-cache started",
		zap.String("version", version),
		zap.Int("projections", len(defs)),
		zap.String("backend", cfg.Snapshots.Backend),
		zap.String("compression", string(engine.Compression())),
		zap.String("nats_url", cfg.NATS.URL),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("shutting down",
		zap.Int("active_cursors", cursors.Active()),
	)
	return nil
}

// newBackend opens the configured snapshot backend. The returned Pinger is
// nil for backends without a connectivity check.
func newBackend(ctx context.Context, cfg config.SnapshotsConfig, logger *zap.Logger) (snapshot.Backend, metrics.Pinger, error) {
	switch cfg.Backend {
	case config.BackendS3:
		client, err := s3util.NewClient(ctx, cfg.S3)
		if err != nil {
			return nil, nil, fmt.Errorf("creating S3 client: %w", err)
		}
		if err := client.EnsureBucket(ctx); err != nil {
			return nil, nil, err
		}
		store := blob.NewStore(client.S3, client.Bucket, client.Prefix, logger.With(zap.String("bucket", client.Bucket)))
		return store, store, nil
	case config.BackendFile:
		store, err := file.NewStore(cfg.File, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("creating file store: %w", err)
		}
		return store, store, nil
	case config.BackendMemory:
		return memory.NewStore(logger), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown snapshot backend %q", cfg.Backend)
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level.SetLevel(zap.DebugLevel)
	case "info":
		zapCfg.Level.SetLevel(zap.InfoLevel)
	case "warn":
		zapCfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		zapCfg.Level.SetLevel(zap.ErrorLevel)
	}

	if cfg.Output != "" {
		zapCfg.OutputPaths = []string{cfg.Output}
		zapCfg.ErrorOutputPaths = []string{cfg.Output}
	}

	return zapCfg.Build()
}
