package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nucleus/ucl-sync/internal/config"
	"github.com/nucleus/ucl-sync/internal/connector/jdbc"
	"github.com/nucleus/ucl-sync/internal/connector/minio"
	"github.com/nucleus/ucl-sync/internal/connector/s3"
	"github.com/nucleus/ucl-sync/internal/connector/warehouse"
	"github.com/nucleus/ucl-sync/internal/extract"
	"github.com/nucleus/ucl-sync/internal/loader"
	"github.com/nucleus/ucl-sync/internal/metastore"
	"github.com/nucleus/ucl-sync/internal/metrics"
	"github.com/nucleus/ucl-sync/internal/notify"
	"github.com/nucleus/ucl-sync/internal/orchestration"
	"github.com/nucleus/ucl-sync/internal/planner"
	"github.com/nucleus/ucl-sync/internal/quality"
	"github.com/nucleus/ucl-sync/internal/staging"
)

// destination is what loading and validation need from the warehouse.
type destination interface {
	loader.Target
	quality.Target
}

type app struct {
	manager *orchestration.Manager
	closers []func() error
}

// Close releases every connection opened by build.
func (a *app) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	return err
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	src, err := openSource(cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, src.Close)
	if err := src.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping source %s: %w", src.ID(), err)
	}

	dst, err := openDestination(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if w, ok := dst.(*warehouse.Warehouse); ok {
		a.closers = append(a.closers, func() error { w.Close(); return nil })
	}

	objects, err := openObjectStore(ctx, cfg.Staging)
	if err != nil {
		return nil, err
	}
	if err := objects.EnsureBucket(ctx, cfg.Staging.Bucket); err != nil {
		return nil, fmt.Errorf("staging bucket: %w", err)
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)

	notifier, err := openNotifier(cfg.Notify, logger)
	if err != nil {
		return nil, err
	}
	if c, ok := notifier.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	m := metrics.New()
	policy := cfg.Retry.Policy()
	delim := []rune(cfg.Sync.Delimiter)[0]

	deps := orchestration.Deps{
		Planner: planner.New(src, plannerOptions(cfg), logger),
		Extractor: extract.New(src, extract.Options{
			WorkDir:        cfg.Staging.WorkDir,
			Delimiter:      delim,
			FloatPrecision: cfg.Sync.FloatPrecision,
			Retry:          policy,
			OnRetry:        m.RetryNotifier("extract"),
		}, logger),
		Stager: staging.New(objects, staging.Options{
			Bucket:  cfg.Staging.Bucket,
			Prefix:  cfg.Staging.Prefix,
			Retry:   policy,
			OnRetry: m.RetryNotifier("stage"),
		}, logger),
		Loader: loader.New(dst, objects, loader.Options{
			Bucket:            cfg.Staging.Bucket,
			Delimiter:         delim,
			SourceSystemID:    cfg.Run.SourceSystemID,
			RejectFutureDates: cfg.Sync.RejectFutureDates,
		}, logger),
		Store:    store,
		Notifier: notifier,
		Metrics:  m,
	}
	if cfg.Quality.Enabled {
		deps.Validator = quality.New(src, dst, quality.Options{Tolerance: cfg.Quality.Tolerance}, logger)
	}

	orch := orchestration.New(deps, orchestration.Options{
		PipelineDepth:    cfg.Sync.PipelineDepth,
		RetainOnFailure:  cfg.Staging.RetainOnFailure,
		WorkDir:          cfg.Staging.WorkDir,
		PipelineName:     cfg.Run.PipelineName,
		TriggerType:      cfg.Run.TriggerType,
		SourceSystemID:   cfg.Run.SourceSystemID,
		SourceSystemName: cfg.Run.SourceSystemName,
	}, logger)

	pusher := metrics.NewPusher(m, cfg.Metrics.PushGateway, cfg.Metrics.Job, logger)
	a.manager = orchestration.NewManager(orch, cfg.Sync.Workers, notifier, pusher, logger)
	return a, nil
}

func plannerOptions(cfg *config.Config) planner.Options {
	return planner.Options{
		ChunkSize:       cfg.Sync.ChunkSize,
		Lookback:        time.Duration(cfg.Sync.LookbackDays) * 24 * time.Hour,
		Sampling:        cfg.Sync.Sampling,
		SampleThreshold: cfg.Sync.SampleThreshold,
		SampleSize:      cfg.Sync.SampleSize,
	}
}

func openSource(cfg *config.Config) (jdbc.Source, error) {
	src, err := jdbc.Open(jdbc.Config{
		Driver:          cfg.Source.Driver,
		DSN:             cfg.Source.DSN,
		MaxOpenConns:    cfg.Source.MaxOpenConns,
		MaxIdleConns:    cfg.Source.MaxIdleConns,
		ConnMaxLifetime: cfg.Source.ConnMaxLifetime,
		ReadsPerSecond:  cfg.Sync.ReadsPerSecond,
	})
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	return src, nil
}

// openDestination connects to the warehouse. The memory driver keeps rows in
// process and is meant for dry runs against a real source.
func openDestination(ctx context.Context, cfg *config.Config, logger *zap.Logger) (destination, error) {
	switch cfg.Target.Driver {
	case "memory":
		logger.Warn("target driver is memory, loaded rows are discarded on exit")
		return warehouse.NewMemory(), nil
	case "pgx", "postgres", "":
		return warehouse.New(ctx, warehouse.Config{
			DSN:      cfg.Target.DSN,
			MaxConns: int32(cfg.Target.MaxOpenConns),
		}, logger)
	}
	return nil, fmt.Errorf("unsupported target driver %q", cfg.Target.Driver)
}

func openObjectStore(ctx context.Context, cfg config.StagingConfig) (minio.ObjectStore, error) {
	switch cfg.Provider {
	case "minio":
		return minio.NewS3Client(&minio.Config{
			EndpointURL:     cfg.Endpoint,
			Region:          cfg.Region,
			UseSSL:          cfg.UseSSL,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			Bucket:          cfg.Bucket,
			BasePrefix:      cfg.Prefix,
		})
	case "s3":
		return s3.New(ctx, s3.Config{
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			ForcePathStyle:  cfg.Endpoint != "",
		})
	case "local":
		return minio.NewLocalStore(cfg.LocalRoot), nil
	}
	return nil, fmt.Errorf("unsupported staging provider %q", cfg.Provider)
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*metastore.SQLStore, error) {
	store, err := metastore.Open(ctx, metastore.Config{
		Driver:          cfg.Metadata.Driver,
		DSN:             cfg.Metadata.DSN,
		MaxOpenConns:    cfg.Metadata.MaxOpenConns,
		MaxIdleConns:    cfg.Metadata.MaxIdleConns,
		ConnMaxLifetime: cfg.Metadata.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func openNotifier(cfg config.NotifyConfig, logger *zap.Logger) (notify.Notifier, error) {
	log := notify.NewLogNotifier(logger)
	if cfg.NATSURL == "" {
		return log, nil
	}
	nc, err := notify.NewNATSNotifier(cfg.NATSURL, cfg.Subject, logger)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return closingMulti{Multi: notify.Multi{log, nc}, close: nc.Close}, nil
}

// closingMulti closes the NATS connection it fans out to.
type closingMulti struct {
	notify.Multi
	close func() error
}

func (c closingMulti) Close() error { return c.close() }
