// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crop-diagnosis-back/internal/auth"
	"crop-diagnosis-back/internal/config"
	"crop-diagnosis-back/internal/database"
	"crop-diagnosis-back/internal/diagnosis"
	"crop-diagnosis-back/internal/events"
	"crop-diagnosis-back/internal/handlers"
	"crop-diagnosis-back/internal/ingest"
	"crop-diagnosis-back/internal/lock"
	"crop-diagnosis-back/internal/middleware"
	"crop-diagnosis-back/internal/models"
	"crop-diagnosis-back/internal/processing"
	"crop-diagnosis-back/internal/query"
	"crop-diagnosis-back/internal/queue/rabbitmq"
	"crop-diagnosis-back/internal/repository"
	"crop-diagnosis-back/internal/server"
	"crop-diagnosis-back/internal/storage"

	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type mediaStore interface {
	Get(ctx context.Context, id string) (*models.Media, error)
	CreateIfAbsent(ctx context.Context, media *models.Media) (bool, error)
	Transition(ctx context.Context, id string, t repository.Transition) error
	List(ctx context.Context, f repository.HistoryFilter) ([]models.Media, error)
	ListByStatus(ctx context.Context, f repository.StatusFilter) ([]models.Media, error)
}

type blobStore interface {
	Put(ctx context.Context, ref string, data []byte, contentType string) (string, error)
	Open(ctx context.Context, ref string) (*storage.Blob, error)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Invalid configuration: ", err)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		log.Fatal("Failed to build logger: ", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gin.SetMode(cfg.GinMode)
	ready := map[string]handlers.Pinger{}

	// Record store
	var (
		db   *gorm.DB
		repo mediaStore
		err  error
	)
	switch cfg.StoreDriver {
	case "postgres":
		db, err = database.InitDB(database.Options{
			DSN:          cfg.DatabaseURL,
			MaxOpenConns: cfg.DBMaxOpenConns,
			MaxIdleConns: cfg.DBMaxOpenConns / 2,
		}, logger)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer database.Close(db)

		if err := database.MigrateDB(db); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		repo = repository.NewGormMediaRepo(db)
		ready["database"] = func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}
	default:
		logger.Warn("using in-memory record store; records are lost on restart and user routes are disabled")
		repo = repository.NewMemoryMediaRepo()
	}

	// Blob store
	var blobs blobStore
	switch cfg.BlobDriver {
	case "minio":
		minioClient, err := storage.NewMinIOClient(ctx, storage.MinIOConfig{
			Endpoint:   cfg.MinIOEndpoint,
			AccessKey:  cfg.MinIOAccessKey,
			SecretKey:  cfg.MinIOSecretKey,
			Bucket:     cfg.MinIOBucket,
			UseSSL:     cfg.MinIOUseSSL,
			Prefix:     "media/",
			PresignTTL: time.Hour,
		})
		if err != nil {
			return fmt.Errorf("initialize MinIO: %w", err)
		}
		blobs = minioClient
	default:
		local, err := storage.NewLocalStore(cfg.UploadDir)
		if err != nil {
			return fmt.Errorf("initialize upload dir: %w", err)
		}
		blobs = local
	}

	// Claim lock and rate limiting
	var (
		locker      ingest.Locker = lock.NewKeyedLocker()
		rateLimiter gin.HandlerFunc
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}

		locker = lock.NewRedisLocker(rdb, cfg.LockTTL, logger.Named("lock"))
		rateLimiter = middleware.NewRateLimiter(middleware.RateLimiterConfig{
			RedisClient: rdb,
			Limit:       cfg.RateLimit,
			Window:      cfg.RateWindow,
			KeyPrefix:   "rl:submit:",
			Log:         logger,
		})
		ready["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	// Diagnosis
	var engine diagnosis.Engine
	if cfg.ModelURL != "" {
		engine = diagnosis.NewHTTPEngine(cfg.ModelURL, &http.Client{Timeout: cfg.DiagnosisTimeout})
		logger.Info("using model server", zap.String("url", cfg.ModelURL))
	} else {
		engine = diagnosis.NewStubEngine(cfg.StubLabel, cfg.StubConfidence, cfg.StubLatency)
		logger.Info("using stub diagnosis engine", zap.Duration("latency", cfg.StubLatency))
	}

	hub := events.NewHub(logger.Named("events"))
	worker := processing.NewWorker(repo, blobs, engine, hub, cfg.DiagnosisTimeout, logger.Named("worker"))

	g, gctx := errgroup.WithContext(ctx)

	var dispatcher processing.Dispatcher
	switch cfg.DispatchMode {
	case processing.ModeInline:
		dispatcher = processing.NewInline(worker)
	case processing.ModeRabbitMQ:
		conn, err := amqp.Dial(cfg.RabbitMQURL)
		if err != nil {
			return fmt.Errorf("connect to rabbitmq: %w", err)
		}
		defer conn.Close()

		publisher, err := rabbitmq.NewPublisher(conn, cfg.RabbitMQExchange, cfg.RabbitMQRoutingKey)
		if err != nil {
			return fmt.Errorf("create publisher: %w", err)
		}
		defer publisher.Close()

		broker := processing.NewBroker(publisher, worker, logger.Named("broker"))
		consumer, err := rabbitmq.NewConsumer(conn, cfg.RabbitMQExchange, cfg.RabbitMQRoutingKey,
			cfg.RabbitMQQueue, cfg.RabbitMQPrefetch, broker, logger.Named("consumer"))
		if err != nil {
			return fmt.Errorf("create consumer: %w", err)
		}
		defer consumer.Close()

		g.Go(func() error { return consumer.Start(gctx) })
		dispatcher = broker
	default:
		pool := processing.NewPool(worker, cfg.QueueSize, cfg.QueueWorkers, cfg.EnqueueTimeout, logger.Named("pool"))
		g.Go(func() error { return pool.Run(gctx) })
		dispatcher = pool
	}

	recoverer := processing.NewRecoverer(repo, dispatcher, worker, cfg.StaleProcessingAfter, logger.Named("recovery"))
	g.Go(func() error {
		recoverer.Run(gctx, cfg.RecoveryInterval)
		return nil
	})

	gateway := ingest.NewGateway(repo, blobs, locker, dispatcher, ingest.Config{
		AllowedTypes: cfg.AllowedMediaTypes,
		MaxBytes:     cfg.MaxUploadBytes,
		LockWait:     cfg.LockWait,
	}, logger.Named("ingest"))

	queries := query.NewService(repo, blobs, query.Options{
		CacheSize:   cfg.CacheSize,
		CacheTTL:    cfg.CacheTTL,
		MaxPageSize: cfg.HistoryLimit,
	}, logger.Named("query"))

	router := server.NewRouter(server.Deps{
		Log:            logger,
		Tokens:         auth.NewManager(cfg.JWTSecret, cfg.JWTTTL),
		DB:             db,
		Gateway:        gateway,
		Query:          queries,
		Hub:            hub,
		RateLimiter:    rateLimiter,
		CORSOrigins:    cfg.CORSOrigins,
		MaxUploadBytes: cfg.MaxUploadBytes,
		ReadyChecks:    ready,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("server starting",
			zap.String("port", cfg.Port),
			zap.String("dispatch_mode", cfg.DispatchMode),
			zap.String("store", cfg.StoreDriver),
			zap.String("blobs", cfg.BlobDriver),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
