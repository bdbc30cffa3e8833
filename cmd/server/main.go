// Command outpass-server starts the outpass gRPC server and HTTP gateway.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/and161185/hostel-outpass/internal/auth"
	"github.com/and161185/hostel-outpass/internal/clock"
	"github.com/and161185/hostel-outpass/internal/config"
	"github.com/and161185/hostel-outpass/internal/credential"
	"github.com/and161185/hostel-outpass/internal/limiter"
	"github.com/and161185/hostel-outpass/internal/migrate"
	"github.com/and161185/hostel-outpass/internal/repository"
	"github.com/and161185/hostel-outpass/internal/repository/memory"
	"github.com/and161185/hostel-outpass/internal/repository/postgres"
	grpcserver "github.com/and161185/hostel-outpass/internal/server/grpc"
	httpserver "github.com/and161185/hostel-outpass/internal/server/http"
	"github.com/and161185/hostel-outpass/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main loads configuration, prepares storage and serves gRPC plus the HTTP gateway.
func main() {
	cfg, cfgErr := config.Load(os.Args[1:], os.LookupEnv)

	logger, _ := zap.NewProduction()
	if cfg.Dev {
		logger, _ = zap.NewDevelopment()
	}
	defer func() { _ = logger.Sync() }()
	if cfgErr != nil {
		logger.Fatal("invalid configuration", zap.Error(cfgErr))
	}
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("grpc", cfg.GRPCAddr),
		zap.String("http", cfg.HTTPAddr),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	secret, _ := cfg.Secret()
	issuer, err := credential.NewIssuer(secret, nil)
	if err != nil {
		logger.Fatal("credential issuer", zap.Error(err))
	}

	// Storage
	var (
		repo   repository.PassRepository
		db     *postgres.DB
		pinger httpserver.Pinger
	)
	if cfg.DSN != "" {
		if err := migrate.Up(ctx, cfg.DSN); err != nil {
			logger.Fatal("migrate up", zap.Error(err))
		}
		db, err = postgres.New(ctx, cfg.DSN)
		if err != nil {
			logger.Fatal("pgxpool.New", zap.Error(err))
		}
		defer db.Close()
		repo, pinger = postgres.NewPassRepo(db), db
	} else {
		logger.Warn("no dsn configured, passes are kept in memory only")
		repo = memory.New()
	}

	// Scan limiter
	var lim limiter.Limiter = limiter.Nop{}
	lc := cfg.Limiter
	switch lc.Backend {
	case config.LimiterPostgres:
		lim = limiter.NewPG(db.Pool, lc.Window, lc.MaxFails, lc.BlockFor)
	case config.LimiterRedis:
		rl, rdb, err := limiter.NewRedisFromURL(lc.RedisURL, lc.Window, lc.MaxFails, lc.BlockFor)
		if err != nil {
			logger.Fatal("redis limiter", zap.Error(err))
		}
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable at startup", zap.Error(err))
		}
		lim = rl
	}
	logger.Info("scan limiter", zap.String("backend", lc.Backend))

	// Services
	passes := service.NewPassService(repo, issuer, clock.Real(), lim, logger, service.Options{
		LateWindow:   cfg.LateWindow,
		MonthlyQuota: cfg.MonthlyQuota,
	})
	handlers := grpcserver.New(passes)
	verifier := auth.NewVerifier([]byte(cfg.JWTKey))

	// gRPC server with interceptors
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.AuthUnary(verifier),
			grpcserver.LoggingUnary(logger),
		),
	}
	if cfg.TLSCert != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			logger.Fatal("failed to load TLS cert/key", zap.Error(err))
		}
		opts = append(opts, grpc.Creds(creds))
	} else {
		logger.Warn("serving gRPC without TLS (dev)")
	}
	s := grpc.NewServer(opts...)
	grpcserver.Register(s, handlers)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr), zap.Bool("tls", cfg.TLSCert != ""))
		errCh <- s.Serve(lis)
	}()

	// HTTP gateway
	var gw *http.Server
	if cfg.HTTPAddr != "" {
		e := httpserver.New(handlers, verifier, pinger, logger)
		gw = &http.Server{Addr: cfg.HTTPAddr, Handler: e, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
			var err error
			if cfg.TLSCert != "" {
				err = gw.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
			} else {
				err = gw.ListenAndServe()
			}
			if !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	// Wait for stop
	select {
	case <-ctx.Done():
		hs.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if gw != nil {
			_ = gw.Shutdown(shutdownCtx)
		}
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			s.Stop()
		}
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
