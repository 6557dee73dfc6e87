package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"fpupdate/pkg/bus"
	"fpupdate/pkg/db"
	"fpupdate/pkg/render"
	"fpupdate/pkg/s3"
	"fpupdate/pkg/telemetry"
	"fpupdate/services/updater/internal/adb"
	"fpupdate/services/updater/internal/bundle"
	"fpupdate/services/updater/internal/catalog"
	"fpupdate/services/updater/internal/config"
	"fpupdate/services/updater/internal/download"
	"fpupdate/services/updater/internal/events"
	"fpupdate/services/updater/internal/ledger"
	"fpupdate/services/updater/internal/metrics"
	"fpupdate/services/updater/internal/mirror"
	"fpupdate/services/updater/internal/operator"
	"fpupdate/services/updater/internal/poller"
	"fpupdate/services/updater/internal/workflow"
)

// runtime holds the collaborators of one workflow and releases them on Close.
type runtime struct {
	deps     workflow.Dependencies
	renderer *render.Engine
	closers  []func()
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func newRuntime(ctx context.Context, cfg config.Config, runID uuid.UUID, logger zerolog.Logger) (_ *runtime, err error) {
	rt := &runtime{}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	engine, err := render.New()
	if err != nil {
		return nil, err
	}
	rt.renderer = engine

	metricOpts := []metrics.Option{metrics.WithLogger(logger)}
	if cfg.PushgatewayURL != "" {
		metricOpts = append(metricOpts, metrics.WithPushgateway(cfg.PushgatewayURL, serviceName))
	}
	recorder := metrics.NewRecorder(metricOpts...)

	bridge := newBridge(cfg, logger)
	httpClient := telemetry.HTTPClient(cfg.HTTPTimeout)
	modes, err := poller.New(bridge, poller.WithLogger(logger), poller.WithRecorder(recorder))
	if err != nil {
		return nil, err
	}

	rt.deps = workflow.Dependencies{
		Device:  bridge,
		Catalog: catalog.NewHTMLCatalog(cfg.CatalogURL, httpClient),
		Fetcher: download.New(download.Config{
			HTTPClient:  httpClient,
			MaxAttempts: cfg.DownloadAttempts,
			RetryDelay:  cfg.RetryDelay,
			OnProgress:  download.ConsolePrinter(os.Stderr),
			Recorder:    recorder,
			Logger:      logger,
		}),
		Poller:    modes,
		Renderer:  engine,
		Observers: []workflow.Observer{recorder},
		Tracer:    telemetry.Tracer("fpupdate/workflow"),
		Logger:    logger,
	}

	switch cfg.AckMode {
	case config.AckHTTP:
		srv := operator.NewServer(cfg.AckAddr, recorder.Gatherer(), logger)
		if err := srv.Start(); err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("shutdown operator server")
			}
		})
		rt.deps.Operator = srv
		rt.deps.Observers = append(rt.deps.Observers, statusObserver(srv))
		fmt.Fprintf(os.Stderr, "Waiting for acknowledgments on http://%s/v1/ack\n", srv.Addr())
	default:
		rt.deps.Operator = operator.NewConsole(os.Stdin, os.Stderr)
	}

	if cfg.NATSURL != "" {
		b, err := connectBus(cfg.NATSURL)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, b.Close)
		publisher, err := events.NewPublisher(b)
		if err != nil {
			return nil, err
		}
		rt.deps.Observers = append(rt.deps.Observers, publisher)
	}

	if cfg.DBDSN != "" {
		store, closeDB, err := openLedger(ctx, cfg.DBDSN)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, closeDB)
		rt.deps.Observers = append(rt.deps.Observers, store)
	}

	if cfg.S3.Enabled() {
		client, err := s3.New(ctx, s3.Options{
			Endpoint:       cfg.S3.Endpoint,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			Region:         cfg.S3.Region,
			DisableTLS:     cfg.S3.DisableTLS,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		m, err := mirror.New(client, cfg.S3.Bucket, cfg.S3.Prefix, logger)
		if err != nil {
			return nil, err
		}
		rt.deps.Mirror = m
	}

	if cfg.Bundle {
		signer, err := newSigner(cfg)
		if err != nil {
			return nil, err
		}
		archiver, err := bundle.NewArchiver(bundle.Config{
			Dir:           cfg.ArchiveDir(),
			LogPath:       cfg.LogPath(runID.String()),
			IncludeImages: cfg.BundleImages,
			Signer:        signer,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		rt.deps.Archiver = archiver
	}

	return rt, nil
}

func newBridge(cfg config.Config, logger zerolog.Logger) *adb.Bridge {
	return adb.NewBridge(adb.ExecRunner{Dir: cfg.WorkDir},
		adb.WithADBPath(cfg.ADBPath),
		adb.WithFastbootPath(cfg.FastbootPath),
		adb.WithLogger(logger),
	)
}

func connectBus(url string) (*bus.Bus, error) {
	b, err := bus.New(url, nats.Name(serviceName), nats.MaxReconnects(5))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return b, nil
}

func openLedger(ctx context.Context, dsn string) (*ledger.Store, func(), error) {
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	orm, err := db.OpenORM(pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	store, err := ledger.NewStore(orm, pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool.Close, nil
}

// newSigner returns nil when no key is configured.
func newSigner(cfg config.Config) (*bundle.Signer, error) {
	if cfg.AgeSecretKey == "" && cfg.AgePublicKey == "" {
		return nil, nil
	}
	return bundle.NewSigner(cfg.AgeSecretKey, cfg.AgePublicKey)
}

func statusObserver(srv *operator.Server) workflow.Observer {
	return workflow.ObserverFunc(func(_ context.Context, evt workflow.Event) error {
		var runErr error
		if evt.Error != "" {
			runErr = errors.New(evt.Error)
		}
		srv.SetState(evt.RunID.String(), string(evt.State), runErr)
		return nil
	})
}

func (a *app) consoleLogger() zerolog.Logger {
	logger, _, err := telemetry.NewLogger(telemetry.LoggerOptions{
		Service: serviceName,
		Level:   a.cfg.LogLevel,
		Console: os.Stderr,
		NoColor: a.cfg.NoColor,
	})
	if err != nil {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return logger
}

func shutdown(logger zerolog.Logger, what string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Error().Err(err).Msgf("shutdown %s", what)
	}
}
