package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/ridedispatch/internal/auth"
	"github.com/example/ridedispatch/internal/dispatch/domain"
	"github.com/example/ridedispatch/internal/dispatch/events"
	"github.com/example/ridedispatch/internal/dispatch/handler"
	"github.com/example/ridedispatch/internal/dispatch/service"
	"github.com/example/ridedispatch/internal/dispatch/store"
	"github.com/example/ridedispatch/internal/dispatch/sweep"
	"github.com/example/ridedispatch/pkg/observability"
)

type appConfig struct {
	HTTPAddr         string
	PostgresDSN      string
	RedisAddr        string
	NATSURL          string
	EventSubject     string
	JWTSecret        string
	SweepInterval    time.Duration
	MaxRideDuration  time.Duration
	TraceSampleRatio float64
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.NewLogger("dispatch-service")
	defer logger.Sync() //nolint:errcheck

	cfg := loadConfig()

	shutdown, err := observability.SetupTracer(ctx, observability.TracerConfig{
		Service:     "dispatch-service",
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	clock := domain.SystemClock{}

	st, ready, cleanup, err := buildStore(ctx, cfg, clock, logger)
	if err != nil {
		logger.Fatal("store setup", zap.Error(err))
	}
	defer cleanup()

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("dispatchservice")); err == nil {
			natsConn = conn
			defer conn.Drain()
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}
	publisher := events.NewPublisher(natsConn, cfg.EventSubject)

	svc := service.New(st, publisher, clock, service.WithLogger(logger.Named("service")))
	dispatchHTTP := handler.NewHTTP(svc)

	sweeper := sweep.New(st, publisher, clock, logger.Named("sweep"), sweep.Config{
		Interval:        cfg.SweepInterval,
		MaxRideDuration: cfg.MaxRideDuration,
	})
	go func() {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sweeper stopped", zap.Error(err))
		}
	}()

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.JWTSecret))
		r.Mount("/", dispatchHTTP.Router())
	})
	r.Mount("/observability", observability.Router(ready))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatch service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// buildStore prefers postgres, then redis, then the in-memory store. The
// second return value is the readiness probe for the chosen backend; the
// in-memory store has no dependency to probe.
func buildStore(ctx context.Context, cfg appConfig, clock domain.Clock, logger *zap.Logger) (domain.Store, func(context.Context) error, func(), error) {
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		pg := store.NewPostgresStore(db, clock)
		if err := pg.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		return pg, db.PingContext, func() { db.Close() }, nil
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, nil, err
		}
		ready := func(ctx context.Context) error { return client.Ping(ctx).Err() }
		return store.NewRedisStore(client, clock), ready, func() { client.Close() }, nil
	}

	logger.Warn("no POSTGRES_DSN or REDIS_ADDR configured, using in-memory store")
	return store.NewMemoryStore(clock), nil, func() {}, nil
}

func loadConfig() appConfig {
	return appConfig{
		HTTPAddr:         getenv("HTTP_ADDR", ":8080"),
		PostgresDSN:      firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		NATSURL:          os.Getenv("NATS_URL"),
		EventSubject:     getenv("EVENT_SUBJECT", "dispatch.events"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		SweepInterval:    time.Duration(parseIntEnv("SWEEP_INTERVAL_SEC", 60)) * time.Second,
		MaxRideDuration:  time.Duration(parseIntEnv("MAX_RIDE_DURATION_MIN", 5)) * time.Minute,
		TraceSampleRatio: parseFloatEnv("TRACE_SAMPLE_RATIO", 1),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
