package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	_ "github.com/lib/pq" // PostgreSQL driver

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"golang.org/x/sync/errgroup"

	"relay/internal/config"
	"relay/internal/constants"
	"relay/internal/dispatch"
	"relay/internal/downstream"
	"relay/internal/logger"
	"relay/internal/occurrence"
	"relay/internal/routing"
	"relay/internal/rules"
	"relay/pkg/bootstrap"
	"relay/pkg/cel"
	"relay/pkg/circuitbreaker"
	"relay/pkg/health"
	"relay/pkg/logging"
	"relay/pkg/metrics"
	"relay/pkg/middleware"
	"relay/pkg/ratelimit"
)

type App struct {
	*bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector

	db          *sql.DB
	redisClient *redis.Client
	mongoClient *mongo.Client

	occurrenceRepo    occurrence.Repository
	occurrenceService occurrence.Service
	router            *routing.Router
	sweeper           *routing.Sweeper
	occConsumer       *occurrence.Consumer

	server *http.Server
	engine *gin.Engine
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName("router-service")
	}
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.initDatabases(ctx); err != nil {
		return fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := a.initBroker(); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	if err := a.initEngine(ctx); err != nil {
		return fmt.Errorf("failed to initialize routing engine: %w", err)
	}

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.engine,
		ReadTimeout:  a.Config.Server.ReadTimeoutSeconds * time.Second,
		WriteTimeout: a.Config.Server.WriteTimeoutSeconds * time.Second,
	}

	return nil
}

func (a *App) initDatabases(ctx context.Context) error {
	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	a.db = db

	if a.Config.Database.RunMigrations {
		if err := a.dbConnector.RunMigrations(db, a.Config.Database.MigrationsPath); err != nil {
			return err
		}
	}

	redisClient, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		a.Logger.WarnwCtx(ctx, "Redis connection failed, dedupe guard disabled", "error", err)
	} else {
		a.redisClient = redisClient
	}

	mongoClient, err := a.dbConnector.InitMongoDB(ctx)
	if err != nil {
		a.Logger.WarnwCtx(ctx, "MongoDB connection failed, create_note action disabled", "error", err)
	} else {
		a.mongoClient = mongoClient
	}

	return nil
}

func (a *App) initBroker() error {
	if a.Config.Broker.Type != "kafka" {
		a.Logger.Infow("No broker configured, spawn_task and inbound consumer disabled")
		return nil
	}

	if err := a.InitBroker("router-service"); err != nil {
		return err
	}

	metrics.RegisterBrokerMetrics()
	return nil
}

func (a *App) initEngine(ctx context.Context) error {
	celEval, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("failed to create CEL evaluator: %w", err)
	}

	registry := routing.NewRegistry(celEval)
	healthTracker := routing.NewHealthTracker()

	a.occurrenceRepo = occurrence.NewRepository(a.db)

	var dedupe occurrence.DedupeGuard
	if a.Config.Dedupe.Enabled && a.redisClient != nil {
		dedupe = occurrence.NewRedisDedupeGuard(a.redisClient, a.Config.Dedupe.TTLSeconds, a.Logger)
	}
	a.occurrenceService = occurrence.NewService(a.occurrenceRepo, dedupe, a.Logger)

	records := dispatch.NewRecords(a.db)

	var notes dispatch.NoteStore
	if a.mongoClient != nil {
		dbName := a.Config.Database.MongoDB.Database
		if dbName == "" {
			dbName = constants.DefaultMongoDBName
		}
		collection := a.Config.Dispatch.NoteCollection
		if collection == "" {
			collection = constants.NoteCollection
		}
		mongoDB := a.mongoClient.Database(dbName)
		if err := a.dbConnector.EnsureNoteIndexes(ctx, mongoDB, collection); err != nil {
			a.Logger.WarnwCtx(ctx, "Failed to ensure note indexes", "error", err)
		}
		notes = downstream.NewNoteStore(mongoDB, collection, a.Logger)
	}

	directory := downstream.NewDirectory(a.db)

	var tasks dispatch.TaskSubstrate
	if a.Producer != nil {
		topic := a.Config.Broker.Kafka.TaskTopic
		if topic == "" {
			topic = constants.DefaultTaskTopic
		}
		var breaker *circuitbreaker.Wrapper
		if a.Config.CircuitBreaker.Enabled {
			breaker = circuitbreaker.NewWrapper(a.breakerConfig("task-substrate"))
			metrics.RegisterCircuitBreakerMetrics()
		}
		tasks = downstream.NewTaskSubstrate(a.Producer, topic, breaker, a.Logger)
	}

	dispatcher := dispatch.NewDispatcher(records, notes, directory, tasks, a.Logger)

	rulesRepo := rules.NewRepository(a.db)
	rulesService := rules.NewService(rulesRepo, registry, dispatcher, healthTracker, a.Logger)

	a.router = routing.NewRouter(a.occurrenceRepo, rulesService, registry, dispatcher, healthTracker, a.Logger)
	a.sweeper = routing.NewSweeper(a.occurrenceRepo, a.router,
		a.Config.Routing.SweepIntervalSeconds, a.Config.Routing.SweepBatchSize, a.Logger)
	a.occConsumer = occurrence.NewConsumer(a.occurrenceService, a.router, a.Config.Routing.RouteOnIngest, a.Logger)

	metrics.RegisterEngineMetrics()

	a.initHTTP(dispatcher, rulesService, healthTracker)
	return nil
}

func (a *App) initHTTP(dispatcher *dispatch.Dispatcher, rulesService rules.Service, healthTracker *routing.HealthTracker) {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	engine.Use(middleware.RecoveryMiddleware(a.Logger))
	engine.Use(middleware.LoggerMiddleware(a.Logger))
	engine.Use(middleware.RequestIDMiddleware())

	if a.Config.RateLimit.Enabled {
		rateLimitConfig := ratelimit.RateLimitConfig{
			RPS:             a.Config.RateLimit.RPS,
			Burst:           a.Config.RateLimit.Burst,
			CleanupInterval: time.Duration(a.Config.RateLimit.CleanupInterval) * time.Second,
			MaxAge:          time.Duration(a.Config.RateLimit.MaxAge) * time.Second,
		}
		engine.Use(ratelimit.RateLimitMiddleware(rateLimitConfig))
		a.Logger.Infow("Rate limiting enabled", "rps", rateLimitConfig.RPS, "burst", rateLimitConfig.Burst)
	}

	occurrenceHandler := occurrence.NewHandler(a.occurrenceService, a.router, a.Config.Routing.RouteOnIngest, a.Logger)
	occurrenceHandler.RegisterRoutes(engine)

	rulesHandler := rules.NewHandler(rulesService, a.Logger)
	rulesHandler.RegisterRoutes(engine)

	routingHandler := routing.NewHandler(a.router, dispatcher, healthTracker, a.Logger)
	routingHandler.RegisterRoutes(engine)

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewPostgreSQLChecker(a.db))
	if a.redisClient != nil {
		healthRegistry.Register(health.NewRedisChecker(a.redisClient))
	}
	if a.mongoClient != nil {
		healthRegistry.Register(health.NewMongoDBChecker(a.mongoClient))
	}

	engine.GET("/health", func(c *gin.Context) {
		h := healthRegistry.Check(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	})

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	a.engine = engine
}

func (a *App) breakerConfig(name string) circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig(name)
	if a.Config.CircuitBreaker.MaxRequests > 0 {
		cfg.MaxRequests = a.Config.CircuitBreaker.MaxRequests
	}
	if a.Config.CircuitBreaker.Interval > 0 {
		cfg.Interval = a.Config.CircuitBreaker.Interval * time.Second
	}
	if a.Config.CircuitBreaker.Timeout > 0 {
		cfg.Timeout = a.Config.CircuitBreaker.Timeout * time.Second
	}
	return cfg
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		return a.Shutdown(gCtx)
	})

	if a.Consumer != nil {
		topic := a.Config.Broker.Kafka.OccurrenceTopic
		if topic == "" {
			topic = constants.DefaultOccurrenceTopic
		}
		g.Go(func() error {
			a.Logger.InfowCtx(gCtx, "Starting occurrence consumer", "topic", topic)
			return a.Consumer.Consume(gCtx, topic, a.occConsumer.Handle)
		})
	}

	if a.Config.Routing.SweepIntervalSeconds > 0 {
		g.Go(func() error {
			return a.sweeper.Run(gCtx)
		})
	}

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx := logging.WithServiceName(ctx, "router-service")
	a.Logger.InfowCtx(shutdownCtx, "Shutting down router service")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		if a.server != nil {
			serverCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
			defer cancel()
			if err := a.server.Shutdown(serverCtx); err != nil {
				errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
			}
		}

		errs = append(errs, a.dbConnector.ShutdownDatabases(ctx, a.redisClient, a.db, a.mongoClient)...)

		return errs
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}
