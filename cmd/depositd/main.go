package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthv1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/somasave/sacco-deposits/internal/platform/audit"
	"github.com/somasave/sacco-deposits/internal/platform/auth"
	"github.com/somasave/sacco-deposits/internal/platform/clock"
	"github.com/somasave/sacco-deposits/internal/platform/config"
	"github.com/somasave/sacco-deposits/internal/platform/events"
	"github.com/somasave/sacco-deposits/internal/platform/ledger"
	"github.com/somasave/sacco-deposits/internal/platform/logging"
	"github.com/somasave/sacco-deposits/internal/platform/reconcile"
	"github.com/somasave/sacco-deposits/internal/platform/relworx"
	"github.com/somasave/sacco-deposits/internal/platform/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Environment == "development")
	if err != nil {
		fmt.Fprintf(os.Stderr, "configure logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("depositd stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	startedAt := time.Now().UTC()
	clk := clock.RealClock{}

	tlsCfg, err := config.BuildTLSConfig(cfg.TLS)
	if err != nil {
		return fmt.Errorf("configure tls: %w", err)
	}
	keyset, err := jwtKeyset(cfg)
	if err != nil {
		return fmt.Errorf("configure jwt: %w", err)
	}
	verifier := auth.NewJWTVerifierWithKeyset(keyset)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := server.NewMetrics(reg)

	st, err := openStorage(ctx, cfg, clk, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	publisher, err := events.New(events.Config{
		Backend:      cfg.Events.Backend,
		RedisAddr:    cfg.Events.RedisAddr,
		RedisChannel: cfg.Events.RedisChannel,
		KafkaBrokers: cfg.Events.KafkaBrokers,
		KafkaTopic:   cfg.Events.KafkaTopic,
	}, logger)
	if err != nil {
		return fmt.Errorf("configure events: %w", err)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("close event publisher", zap.Error(err))
		}
	}()

	gateway := relworx.NewClient(relworx.Config{
		BaseURL:    cfg.Relworx.BaseURL,
		APIKey:     cfg.Relworx.APIKey,
		AccountNo:  cfg.Relworx.AccountNo,
		WebhookKey: cfg.Relworx.WebhookKey,
		Timeout:    cfg.Relworx.Timeout,
	}, logger, relworx.WithObserver(metrics))

	engine := reconcile.New(st.Ledger, gateway, reconcile.Options{
		CallbackURL:     cfg.Relworx.CallbackURL,
		CheckBackoff:    cfg.SweepBackoff,
		MaxCheckBackoff: cfg.SweepMaxBackoff,
	},
		reconcile.WithClock(clk),
		reconcile.WithLogger(logger),
		reconcile.WithAudit(st.Audit),
		reconcile.WithPublisher(publisher),
		reconcile.WithObserver(metrics))

	sweepLog := logger.Named("sweeper").Sugar()
	engine.StartPendingSweeper(ctx, cfg.SweepInterval, cfg.SweepMinAge, cfg.SweepBatch, sweepLog.Infof, metrics.ObserveSweep)

	grpcOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			server.UnaryRequestIDInterceptor(),
			server.UnaryMetricsInterceptor(metrics),
			auth.UnaryJWTInterceptor(verifier, []string{
				"/grpc.health.v1.Health/Check",
				"/grpc.health.v1.Health/Watch",
			}),
		),
	}
	if tlsCfg != nil {
		grpcOpts = append(grpcOpts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	grpcServer := grpc.NewServer(grpcOpts...)
	hs := health.NewServer()
	hs.SetServingStatus("", healthv1.HealthCheckResponse_SERVING)
	hs.SetServingStatus(server.DepositServiceName, healthv1.HealthCheckResponse_SERVING)
	healthv1.RegisterHealthServer(grpcServer, hs)
	server.RegisterDepositServiceServer(grpcServer, server.DepositService{Engine: engine})

	guard, err := server.NewWebhookSourceGuard(clk, st.Audit, cfg.WebhookTrustedCIDRs)
	if err != nil {
		return fmt.Errorf("configure webhook source guard: %w", err)
	}
	guard.Metrics = metrics
	guard.TrustForwardedFor = cfg.TrustForwardedFor

	handler, err := buildHTTPHandler(httpDeps{
		Engine:   engine,
		Verifier: verifier,
		Guard:    guard,
		Metrics:  metrics,
		System: server.SystemHandler{
			Version:   cfg.Version,
			StartedAt: startedAt,
			Clock:     clk,
			Gatherer:  reg,
			Ready:     st.Ready,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	go func() {
		logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(grpcListener); err != nil {
			logger.Error("grpc server stopped", zap.Error(err))
		}
	}()
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.Bool("tls", tlsCfg != nil))
		var err error
		if tlsCfg != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	hs.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	grpcServer.GracefulStop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return nil
}

type storage struct {
	Ledger ledger.Store
	Audit  audit.Appender
	// Ready is nil for the in-memory stores.
	Ready func(context.Context) error
	Close func()
}

// openStorage returns the Postgres ledger and audit trail when a database URL
// is configured and in-memory stores otherwise. Strict mode has already
// demanded a URL. Either way the in-memory audit ring is bounded.
func openStorage(ctx context.Context, cfg config.Config, clk clock.Clock, logger *zap.Logger) (storage, error) {
	ring := audit.NewBoundedStore(cfg.AuditRetain)
	if cfg.DatabaseURL == "" {
		logger.Warn("SACCO_DATABASE_URL not set, using in-memory ledger and audit trail")
		return storage{Ledger: ledger.NewInMemoryStore(clk), Audit: ring, Close: func() {}}, nil
	}
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return storage{}, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return storage{}, fmt.Errorf("ping database: %w", err)
	}
	if err := ledger.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return storage{}, err
	}
	if err := audit.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return storage{}, err
	}
	return storage{
		Ledger: ledger.NewPostgresStore(db, clk),
		Audit:  audit.NewPostgresStore(db, ring),
		Ready:  db.PingContext,
		Close:  func() { _ = db.Close() },
	}, nil
}

func jwtKeyset(cfg config.Config) (auth.HMACKeyset, error) {
	if cfg.JWTKeysetFile != "" {
		return auth.LoadHMACKeysetFile(cfg.JWTKeysetFile)
	}
	return auth.ParseHMACKeyset(cfg.JWTSecret, cfg.JWTKeysetSpec, cfg.JWTActiveKID)
}

type httpDeps struct {
	Engine   server.DepositEngine
	Verifier *auth.JWTVerifier
	Guard    *server.WebhookSourceGuard
	Metrics  *server.Metrics
	System   server.SystemHandler
	Logger   *zap.Logger
}

// buildHTTPHandler layers access log, metrics, webhook source guard and JWT
// around the route mux. Health checks and the provider webhook skip JWT.
func buildHTTPHandler(d httpDeps) (http.Handler, error) {
	gwMux := runtime.NewServeMux()
	if err := (server.DepositHandler{Engine: d.Engine, Logger: d.Logger}).Register(gwMux); err != nil {
		return nil, fmt.Errorf("register deposit routes: %w", err)
	}
	if err := d.System.Register(gwMux); err != nil {
		return nil, fmt.Errorf("register system routes: %w", err)
	}

	var h http.Handler = auth.HTTPJWTMiddlewareWithSkips(d.Verifier, gwMux, []string{
		"/healthz",
		"/metrics",
		server.WebhookPath,
	})
	if d.Guard != nil {
		h = d.Guard.Wrap(h)
	}
	h = server.HTTPMetricsMiddleware(d.Metrics, h)
	return server.AccessLogMiddleware(d.Logger, h), nil
}
