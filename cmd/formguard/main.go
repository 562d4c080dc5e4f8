package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/xela07ax/formguard/internal/anomaly"
	"github.com/xela07ax/formguard/internal/api/handler"
	"github.com/xela07ax/formguard/internal/api/server"
	"github.com/xela07ax/formguard/internal/confidence"
	"github.com/xela07ax/formguard/internal/engine"
	"github.com/xela07ax/formguard/internal/infra"
	"github.com/xela07ax/formguard/internal/infra/auth"
	"github.com/xela07ax/formguard/internal/repository/memory"
	"github.com/xela07ax/formguard/internal/repository/postgres"
)

const (
	shutdownTimeout = 5 * time.Second
	janitorInterval = time.Minute
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("formguard stopped with error", zap.Error(err))
	}
	logger.Info("formguard exited properly")
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст живет до SIGINT/SIGTERM и останавливает все фоновые горутины
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Хранилище: Postgres или память
	store, closeStore, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// 2. Метрики
	reg := prometheus.NewRegistry()
	metrics := engine.NewMetrics(reg)

	// 3. Ядро конвейера
	scorer, err := confidence.NewScorer(cfg.Engine.Scoring)
	if err != nil {
		return fmt.Errorf("scorer: %w", err)
	}
	orch := engine.NewOrchestrator(store, anomaly.NewDetector(), scorer, metrics, logger, engine.OrchestratorConfig{
		DeviceID:       cfg.Engine.DeviceID,
		UndoMode:       engine.UndoMode(cfg.Engine.UndoMode),
		MaxSuggestions: cfg.Engine.MaxSuggestions,
	})

	// Битая заплатка в базе не мешает старту: работаем на встроенных правилах
	if err := orch.ReloadRules(ctx); err != nil {
		logger.Warn("persisted rules not applied, using defaults", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)

	// 4. Синхронизация правил между инстансами
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		syncer := engine.NewRulesSyncer(rdb, engine.NewRulesReloader(orch, metrics, logger), logger)
		orch.SetNotifier(syncer)
		g.Go(func() error {
			syncer.Run(gctx)
			return nil
		})
	} else {
		logger.Info("redis is not configured, rules sync between instances is disabled")
	}

	// 5. Сессии форм
	sessions := engine.NewSessionManager(cfg.Engine.SessionTTL, cfg.Engine.HistoryLimit, cfg.Engine.MaxSuggestions, metrics, logger)
	g.Go(func() error {
		sessions.RunJanitor(gctx, janitorInterval)
		return nil
	})

	// 6. HTTP API
	var validator auth.TokenValidator
	if len(cfg.Auth.PublicKey) > 0 {
		pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			return fmt.Errorf("auth public key: %w", err)
		}
		validator = auth.NewRSAValidator(pub)
	}

	api := server.NewServer(cfg, logger, validator,
		handler.NewSessionHandler(orch, sessions, logger),
		handler.NewEntryHandler(orch, logger),
		handler.NewAdminHandler(orch, logger),
	)
	serveHTTP(g, gctx, logger, &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, "api")

	// 7. Экспорт метрик для Prometheus
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		serveHTTP(g, gctx, logger, &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}, "metrics")
	}

	// 8. gRPC health для балансировщиков
	if cfg.GRPC.Addr != "" {
		if err := serveGRPC(g, gctx, logger, cfg.GRPC.Addr); err != nil {
			return err
		}
	}

	logger.Info("formguard started",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("device_id", orch.DeviceID()),
		zap.String("undo_mode", cfg.Engine.UndoMode),
	)
	return g.Wait()
}

// openStore выбирает хранилище. Пустой URL - все в памяти процесса.
func openStore(ctx context.Context, cfg infra.DatabaseConfig, logger *zap.Logger) (engine.Store, func(), error) {
	if cfg.URL == "" {
		logger.Warn("database url is empty, entries are kept in memory")
		return memory.NewStore(), func() {}, nil
	}

	if cfg.AutoMigrate {
		if err := postgres.Migrate(cfg.URL); err != nil {
			return nil, nil, err
		}
	}

	pg, err := postgres.NewStore(ctx, cfg.URL, cfg.MaxConns, cfg.MinConns)
	if err != nil {
		return nil, nil, err
	}

	// Проверяем соединение с таймаутом
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pg.Ping(pingCtx); err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("database unreachable: %w", err)
	}
	return pg, pg.Close, nil
}

// serveHTTP запускает сервер и гасит его, когда ctx отменен.
func serveHTTP(g *errgroup.Group, ctx context.Context, logger *zap.Logger, srv *http.Server, name string) {
	g.Go(func() error {
		logger.Info("http server listening", zap.String("server", name), zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s server shutdown: %w", name, err)
		}
		return nil
	})
}

func serveGRPC(g *errgroup.Group, ctx context.Context, logger *zap.Logger, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(engine.UnaryTraceInterceptor(logger)))
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcSrv, hs)

	g.Go(func() error {
		logger.Info("grpc health server listening", zap.String("addr", addr))
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		<-ctx.Done()
		hs.Shutdown()
		grpcSrv.GracefulStop()
		return nil
	})
	return nil
}
