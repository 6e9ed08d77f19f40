package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"semaphore/school-auth/internal/auth"
	"semaphore/school-auth/internal/cache"
	"semaphore/school-auth/internal/config"
	"semaphore/school-auth/internal/db"
	authgrpc "semaphore/school-auth/internal/grpc"
	internalhttp "semaphore/school-auth/internal/http"
	"semaphore/school-auth/internal/jobs"
	"semaphore/school-auth/internal/metrics"
	"semaphore/school-auth/internal/policy"
	"semaphore/school-auth/internal/repository"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("db connection failed")
	}
	defer pool.Close()

	if cfg.MigrateOnStart {
		if err := db.Migrate(ctx, pool); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
	}

	clock := clockwork.NewRealClock()
	m := metrics.NewDefault()
	store := repository.NewStore(pool,
		repository.WithTimeout(cfg.StorageTimeout),
		repository.WithMaxRetries(cfg.StorageMaxRetries),
		repository.WithRetryObserver(m.ObserveRetry),
	)

	sessionOpts := []auth.SessionOption{auth.WithSessionTTL(cfg.SessionTTL)}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("session cache unreachable, continuing without it")
		} else {
			sessionOpts = append(sessionOpts, auth.WithSessionCache(cache.NewSessionCache(client, cfg.SessionCacheTTL, clock)))
		}
	}

	pol, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		logger.Fatal().Err(err).Str("file", cfg.PolicyFile).Msg("policy load failed")
	}

	svc := auth.NewService(store, auth.Options{
		Lockout:  auth.LockoutPolicy{Threshold: cfg.LockoutThreshold, Duration: cfg.LockoutDuration},
		Sessions: sessionOpts,
		Clock:    clock,
		Logger:   logger,
	})

	server := internalhttp.NewServer(cfg, svc, pol, m, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var grpcServer *grpc.Server
	if cfg.ServiceAuthToken != "" {
		interceptor, err := authgrpc.NewServiceAuthUnaryInterceptor(cfg.ServiceAuthToken, m, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("grpc interceptor init failed")
		}
		grpcServer = grpc.NewServer(grpc.UnaryInterceptor(interceptor))
		authgrpc.RegisterIntrospectionService(grpcServer, authgrpc.NewIntrospectionServer(svc.Guard, pol, m, logger))
	} else {
		logger.Warn().Msg("SERVICE_AUTH_TOKEN not set, grpc introspection disabled")
	}

	sweeper, err := jobs.Schedule(cfg.SessionSweepSchedule, jobs.NewSessionSweep(svc.Sessions, cfg.StorageTimeout*10, m.ObserveSweep, logger))
	if err != nil {
		logger.Fatal().Err(err).Str("schedule", cfg.SessionSweepSchedule).Msg("session sweep schedule invalid")
	}
	if sweeper != nil {
		sweeper.Start()
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("school-auth http listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	if grpcServer != nil {
		go func() {
			listener, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				logger.Fatal().Err(err).Msg("grpc listen error")
			}
			logger.Info().Str("addr", cfg.GRPCAddr).Msg("school-auth grpc listening")
			if err := grpcServer.Serve(listener); err != nil {
				logger.Fatal().Err(err).Msg("grpc server error")
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if sweeper != nil {
		<-sweeper.Stop().Done()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	var logger zerolog.Logger
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", "school-auth").Logger()
}
