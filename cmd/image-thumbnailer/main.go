package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/image-thumbnailer/internal/api/handlers/job"
	"github.com/aliskhannn/image-thumbnailer/internal/api/router"
	"github.com/aliskhannn/image-thumbnailer/internal/api/server"
	"github.com/aliskhannn/image-thumbnailer/internal/config"
	infraredis "github.com/aliskhannn/image-thumbnailer/internal/infra/redis"
	"github.com/aliskhannn/image-thumbnailer/internal/listener"
	"github.com/aliskhannn/image-thumbnailer/internal/migrate"
	"github.com/aliskhannn/image-thumbnailer/internal/processor"
	"github.com/aliskhannn/image-thumbnailer/internal/queue"
	kafkaqueue "github.com/aliskhannn/image-thumbnailer/internal/queue/kafka"
	memqueue "github.com/aliskhannn/image-thumbnailer/internal/queue/memory"
	"github.com/aliskhannn/image-thumbnailer/internal/queue/rabbitmq"
	redisqueue "github.com/aliskhannn/image-thumbnailer/internal/queue/redis"
	imagerepo "github.com/aliskhannn/image-thumbnailer/internal/repository/image"
	jobrepo "github.com/aliskhannn/image-thumbnailer/internal/repository/job"
	thumbnailrepo "github.com/aliskhannn/image-thumbnailer/internal/repository/thumbnail"
	imagesvc "github.com/aliskhannn/image-thumbnailer/internal/service/image"
	jobsvc "github.com/aliskhannn/image-thumbnailer/internal/service/job"
	"github.com/aliskhannn/image-thumbnailer/internal/storage/file"
	"github.com/aliskhannn/image-thumbnailer/internal/telemetry"
	"github.com/aliskhannn/image-thumbnailer/internal/worker"
)

// Process roles.
const (
	roleAll      = "all"
	roleAPI      = "api"
	roleWorker   = "worker"
	roleListener = "listener"
)

func main() {
	configPath := flag.String("config", "./config/config.yml", "path to the config file")
	role := flag.String("role", roleAll, "process role: all, api, worker or listener")
	flag.Parse()

	// Context & signals: used for graceful shutdown on system interrupts.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize logger and load application configuration.
	zlog.Init()
	cfg := config.MustLoad(*configPath)

	runs := func(r string) bool { return *role == roleAll || *role == r }
	switch *role {
	case roleAll, roleAPI, roleWorker, roleListener:
	default:
		zlog.Logger.Fatal().Str("role", *role).Msg("unknown role")
	}
	if cfg.Queue.Driver == config.DriverMemory && *role != roleAll {
		zlog.Logger.Fatal().Msg("the memory queue driver only works with -role=all")
	}

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to initialize tracing")
	}

	// Connect to PostgreSQL (master and slaves).
	opts := &dbpg.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	// Collect slave DSNs for replica connections.
	slaveDSNs := make([]string, 0, len(cfg.Database.Slaves))
	for _, s := range cfg.Database.Slaves {
		slaveDSNs = append(slaveDSNs, s.DSN())
	}

	db, err := dbpg.New(cfg.Database.Master.DSN(), slaveDSNs, opts)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	if cfg.Database.Migrate && runs(roleAPI) {
		if err := migrate.Up(ctx, db.Master); err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to apply migrations")
		}
	}

	// Retry strategy for broker calls.
	strategy := retry.Strategy{
		Attempts: cfg.Retry.Attempts,
		Delay:    cfg.Retry.Delay,
		Backoff:  cfg.Retry.Backoff,
	}
	policy := queue.Policy{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BaseDelay:   cfg.Queue.BaseDelay,
		MaxDelay:    cfg.Queue.MaxDelay,
	}

	// Initialize file storage (MinIO).
	storage, err := file.NewStorage(ctx, cfg.Storage.Endpoint, cfg.Storage.AccessKey, cfg.Storage.SecretKey, cfg.Storage.BucketName, cfg.Storage.UseSSL)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to storage")
	}

	var redisClient *goredis.Client
	if cfg.Queue.Driver == config.DriverRedis || (runs(roleListener) && cfg.Listener.Dedup == config.DriverRedis) {
		redisClient, err = infraredis.New(cfg.Redis)
		if err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
	}

	q, err := newQueue(cfg, policy, strategy, redisClient)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Str("driver", cfg.Queue.Driver).Msg("failed to initialize queue")
	}

	// Initialize repositories.
	images := imagerepo.NewRepository(db)
	jobs := jobrepo.NewRepository(db)
	thumbs := thumbnailrepo.NewRepository(db)

	var wg sync.WaitGroup

	if runs(roleWorker) {
		proc := processor.New(processor.Options{
			Width:      cfg.Thumbnail.Width,
			Height:     cfg.Thumbnail.Height,
			Mode:       cfg.Thumbnail.Mode,
			Background: cfg.Thumbnail.Background,
		})
		w := worker.New(jobs, thumbs, images, storage, proc, q, worker.Options{
			Concurrency:    cfg.Worker.Concurrency,
			ProcessTimeout: cfg.Worker.ProcessTimeout,
			Lease:          cfg.Worker.Lease,
		})

		// Start worker consumers in a separate goroutine.
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				zlog.Logger.Error().Err(err).Msg("worker stopped")
				stop()
			}
		}()
	}

	if runs(roleListener) {
		var dedup listener.Deduper = listener.NewMemoryDeduper(cfg.Listener.DedupTTL)
		if redisClient != nil && cfg.Listener.Dedup == config.DriverRedis {
			dedup = listener.NewRedisDeduper(redisClient, "thumbnailer:events:", cfg.Listener.DedupTTL)
		}
		l := listener.New(jobs, dedup, listener.NewMetrics(prometheus.DefaultRegisterer))

		// Start the completion listener in a separate goroutine.
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := q.Subscribe(ctx, l); err != nil {
				zlog.Logger.Error().Err(err).Msg("listener stopped")
				stop()
			}
		}()
	}

	var s *http.Server
	if runs(roleAPI) {
		uploads := imagesvc.NewService(storage, images)
		producer := jobsvc.NewProducer(jobs, images, q)
		status := jobsvc.NewService(jobs, thumbs, images, storage, cfg.Server.PublicBaseURL)

		// Start HTTP server in a separate goroutine.
		r := router.Setup(job.NewHandler(uploads, producer, status), promhttp.Handler())
		s = server.New(cfg.Server.HTTPPort, r)
		go func() {
			zlog.Logger.Info().Str("addr", cfg.Server.HTTPPort).Msg("starting server")
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zlog.Logger.Fatal().Err(err).Msg("failed to start server")
			}
		}()
	}

	// Block until context is canceled (SIGINT/SIGTERM).
	<-ctx.Done()
	zlog.Logger.Info().Msg("context done")

	// Graceful shutdown with timeout for HTTP server.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s != nil {
		zlog.Logger.Info().Msg("shutting down server")
		if err := s.Shutdown(shutdownCtx); err != nil {
			zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
		}
		if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
			zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
		}
	}

	// Wait for worker and listener goroutines to finish.
	wg.Wait()

	if err := q.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close queue")
	}
	if redisClient != nil && cfg.Queue.Driver != config.DriverRedis {
		if err := redisClient.Close(); err != nil {
			zlog.Logger.Error().Err(err).Msg("failed to close redis client")
		}
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown tracing")
	}

	// Close master and slave databases.
	if err := db.Master.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close master DB")
	}
	for i, slave := range db.Slaves {
		if err := slave.Close(); err != nil {
			zlog.Logger.Error().Err(err).Int("slave", i).Msg("failed to close slave DB")
		}
	}
}

// newQueue builds the task transport selected by cfg.Queue.Driver.
func newQueue(cfg *config.Config, p queue.Policy, s retry.Strategy, redisClient *goredis.Client) (queue.Client, error) {
	switch cfg.Queue.Driver {
	case config.DriverKafka:
		return kafkaqueue.New(cfg.Kafka, p, s), nil
	case config.DriverRedis:
		return redisqueue.New(redisClient, cfg.Redis, p), nil
	case config.DriverRabbitMQ:
		return rabbitmq.Dial(cfg.RabbitMQ, p)
	case config.DriverMemory:
		return memqueue.New(p, cfg.Queue.Buffer), nil
	default:
		return nil, errors.New("unknown queue driver " + cfg.Queue.Driver)
	}
}
