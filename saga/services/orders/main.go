package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"
)

// Config agrupa as variáveis de ambiente do serviço
type Config struct {
	Port                string
	ServiceName         string
	OTLPEndpoint        string
	DatabaseHost        string
	DatabasePort        string
	DatabaseUser        string
	DatabasePassword    string
	DatabaseName        string
	BooksServiceURL     string
	BooksRequestTimeout time.Duration
	BooksRetryCount     int
	CompensationTimeout time.Duration
	RedisAddr           string
	IdempotencyTTL      time.Duration
	IdempotencyPending  time.Duration
	ShutdownTimeout     time.Duration
}

func loadConfig() Config {
	return Config{
		Port:                getEnv("PORT", "8080"),
		ServiceName:         getEnv("SERVICE_NAME", "orders-service"),
		OTLPEndpoint:        getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		DatabaseHost:        getEnv("DATABASE_HOST", "localhost"),
		DatabasePort:        getEnv("DATABASE_PORT", "5432"),
		DatabaseUser:        getEnv("DATABASE_USER", "root"),
		DatabasePassword:    getEnv("DATABASE_PASSWORD", "pass"),
		DatabaseName:        getEnv("DATABASE_NAME", "orders_db"),
		BooksServiceURL:     getEnv("BOOKS_SERVICE_URL", "http://books-service:8081"),
		BooksRequestTimeout: getEnvDuration("BOOKS_REQUEST_TIMEOUT", 5*time.Second),
		BooksRetryCount:     getEnvInt("BOOKS_RETRY_COUNT", 3),
		CompensationTimeout: getEnvDuration("COMPENSATION_TIMEOUT", 30*time.Second),
		RedisAddr:           getEnv("REDIS_ADDR", ""),
		IdempotencyTTL:      getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		IdempotencyPending:  getEnvDuration("IDEMPOTENCY_PENDING_TTL", time.Minute),
		ShutdownTimeout:     getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize OpenTelemetry
	tp, err := initTracer(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	mp, err := initMetrics(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize metrics", zap.Error(err))
	}
	defer func() {
		if err := mp.Shutdown(context.Background()); err != nil {
			logger.Error("Error shutting down meter", zap.Error(err))
		}
	}()

	// Initialize database
	db, err := initDB(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	repository := NewOrderRepository(db)
	if err := repository.EnsureSchema(ctx); err != nil {
		logger.Fatal("Failed to apply schema", zap.Error(err))
	}

	// Idempotency-Key é opcional (só com Redis configurado)
	var idempotency IdempotencyStore
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("Failed to connect to redis", zap.Error(err))
		}
		idempotency = NewRedisIdempotencyStore(rdb, cfg.IdempotencyTTL, cfg.IdempotencyPending)
		logger.Info("✅ Idempotency keys enabled", zap.String("redis_addr", cfg.RedisAddr))
	}

	// Initialize dependencies
	ledger := NewRestyBookLedger(cfg.BooksServiceURL, cfg.BooksRequestTimeout, cfg.BooksRetryCount)
	saga := NewStockReservationSaga(ledger, logger, cfg.CompensationTimeout)
	tracer := tp.Tracer(cfg.ServiceName)
	useCase := NewOrderUseCase(repository, saga, idempotency, logger)
	handler := NewOrderHandler(useCase, tracer, logger)

	// Setup Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(cfg.ServiceName))
	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		logger.Info("🚀 Orders Service listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("🛑 Shutting down Orders Service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down server", zap.Error(err))
	}
}

func initDB(ctx context.Context, cfg Config, logger *zap.Logger) (*sql.DB, error) {
	// DSN para database/sql (formato PostgreSQL lib/pq)
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.DatabaseHost,
		cfg.DatabasePort,
		cfg.DatabaseUser,
		cfg.DatabasePassword,
		cfg.DatabaseName,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	// Wait for database to be ready
	for i := 0; i < 30; i++ {
		if err := db.PingContext(ctx); err == nil {
			logger.Info("✅ Connected to orders database")
			return db, nil
		}
		logger.Info("⏳ Waiting for database...", zap.Int("attempt", i+1), zap.Int("max_attempts", 30))
		time.Sleep(1 * time.Second)
	}

	db.Close()
	return nil, fmt.Errorf("failed to connect to database after 30 attempts")
}

func initTracer(cfg Config) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	otel.SetTracerProvider(tp)

	return tp, nil
}

func initMetrics(cfg Config) (*sdkmetric.MeterProvider, error) {
	ctx := context.Background()

	exporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(mp)

	return mp, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return d
}

func getEnvInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return n
}
