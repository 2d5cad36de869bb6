package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/vyvo/ci/backend/pkg/api"
	"github.com/vyvo/ci/backend/pkg/config"
	"github.com/vyvo/ci/backend/pkg/engine"
	"github.com/vyvo/ci/backend/pkg/logger"
	"github.com/vyvo/ci/backend/pkg/metrics"
	"github.com/vyvo/ci/backend/pkg/queue"
	"github.com/vyvo/ci/backend/pkg/store"
	"github.com/vyvo/ci/backend/pkg/telemetry"
	"github.com/vyvo/ci/backend/pkg/trace"
)

const connectTimeout = 2 * time.Minute

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := logger.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatal().Err(err).Msg("invalid log settings")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("ci-server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("ci-server stopped")
}

func run(ctx context.Context, cfg config.ServerConfig) error {
	if cfg.TracingEnabled {
		shutdown := telemetry.InitTracer(ctx, "ci-server", telemetry.WithSampleRatio(cfg.TraceSampleRatio))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	deps := engine.Deps{
		Sink:           metrics.NewPrometheus(reg),
		Features:       cfg.Features,
		PersistWorkers: cfg.TracePersistWorkers,
	}

	var ping func(context.Context) error
	if cfg.DatabaseURL != "" {
		pg, err := connectPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer func() { _ = pg.Close() }()
		deps.Repo = pg
		ping = pg.Ping
	} else {
		log.Warn().Msg("database_url not set, using in-memory store")
	}

	if cfg.RedisURL != "" {
		client, err := connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		deps.Runners = queue.NewRedisRunnerQueueFromClient(client)
		deps.LiveTraces = trace.NewRedisChunkStore(client)
	} else {
		log.Warn().Msg("redis_url not set, runner queues and live traces stay in memory")
	}

	if cfg.ObjectStore.Endpoint != "" {
		client, err := trace.NewMinioClient(cfg.ObjectStore)
		if err != nil {
			return err
		}
		archive, err := trace.NewMinioChunkStore(ctx, client, cfg.ObjectStore.Bucket)
		if err != nil {
			return err
		}
		deps.ArchivedTraces = archive
	} else {
		log.Warn().Msg("object store not configured, archived traces stay in memory")
	}

	e := engine.New(deps)
	e.Persister.Start(ctx)
	defer e.Persister.Close()
	go e.Scheduled.Run(ctx, cfg.ScheduledWorkerInterval)

	srv := api.NewServer(e.APIServices(reg, ping), cfg.RequestTimeout)
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("ci-server shutdown error")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("ci-server listening")
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "listen")
	}
	<-ctx.Done()
	return nil
}

func retry(ctx context.Context, what string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = connectTimeout
	b.MaxInterval = 10 * time.Second
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("retry_in", wait).Msgf("%s not ready", what)
	})
}

func connectPostgres(ctx context.Context, dsn string) (*store.PostgresStore, error) {
	var pg *store.PostgresStore
	err := retry(ctx, "postgres", func() error {
		var err error
		pg, err = store.NewPostgresStore(ctx, dsn)
		return err
	})
	return pg, errors.Wrap(err, "connect postgres")
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "invalid redis URL")
	}
	client := redis.NewClient(opt)
	if err := retry(ctx, "redis", func() error { return client.Ping(ctx).Err() }); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "connect redis")
	}
	return client, nil
}
