package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rebalancer/internal/approval"
	"rebalancer/internal/client/chain"
	"rebalancer/internal/client/marketdata"
	"rebalancer/internal/config"
	cronrunner "rebalancer/internal/cron"
	"rebalancer/internal/db"
	"rebalancer/internal/executor"
	"rebalancer/internal/handler"
	"rebalancer/internal/logger"
	"rebalancer/internal/notifier"
	"rebalancer/internal/performance"
	"rebalancer/internal/pipeline"
	"rebalancer/internal/planner"
	gormrepository "rebalancer/internal/repository/gorm"
	"rebalancer/internal/scheduler"
	"rebalancer/internal/service"
	"rebalancer/internal/simulator"
	"rebalancer/internal/strategy"
)

func main() {
	cfgPath := os.Getenv("RB_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("RB_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		logger.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}

	store := gormrepository.New(dbConn.Gorm)
	market := marketdata.NewClient(cfg.MarketData.BaseURL, cfg.MarketData.Timeout)

	var chainExec chain.Executor
	if cfg.ChainExecutor.DryRun {
		logger.Info("chain executor in dry-run mode")
		chainExec = chain.DryRun{}
	} else {
		chainExec = chain.NewClient(cfg.ChainExecutor)
	}

	strategySvc := strategy.New(store, logger)
	sched := scheduler.New(store, market, logger, cfg.Scheduler)
	gate := approval.New(store, logger)
	agg := performance.New(store)
	dispatch := notifier.NewWebhook(cfg.Notifier, logger)

	exec := executor.New(store, chainExec, market, logger, cfg.Pipeline.StepTimeout)
	pipe := pipeline.New(store,
		planner.New(market, logger),
		simulator.New(logger),
		exec,
		dispatch,
		logger,
		cfg.Pipeline,
	)

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	healthHandler := &handler.HealthHandler{DB: dbConn.Gorm}
	healthHandler.Register(engine)
	strategyHandler := &handler.StrategyHandler{Svc: strategySvc, Repo: store}
	strategyHandler.Register(engine)
	operationHandler := &handler.OperationHandler{
		Repo:      store,
		Scheduler: sched,
		Gate:      gate,
		Pipeline:  pipe,
	}
	operationHandler.Register(engine)
	performanceHandler := &handler.PerformanceHandler{Agg: agg}
	performanceHandler.Register(engine)
	schedulerHandler := &handler.SchedulerHandler{Scheduler: sched}
	schedulerHandler.Register(engine)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cronRunner := cronrunner.New(logger, ctx)
	if cfg.Cron.Enabled {
		_, err = cronRunner.Add(cfg.Cron.SchedulerScan, func(ctx context.Context) {
			sched.ScanOnce(ctx)
		})
		if err != nil {
			logger.Warn("cron register scheduler scan failed", zap.Error(err))
		}
		_, err = cronRunner.Add(cfg.Cron.StaleOpSweep, func(ctx context.Context) {
			cutoff := time.Now().UTC().Add(-cfg.Pipeline.StaleOpTTL)
			n, err := store.CancelStaleOperations(ctx, cutoff)
			if err != nil {
				logger.Warn("stale operation sweep failed", zap.Error(err))
				return
			}
			if n > 0 {
				logger.Info("cancelled stale operations", zap.Int64("count", n))
			}
		})
		if err != nil {
			logger.Warn("cron register stale op sweep failed", zap.Error(err))
		}
		cronRunner.Start()
		defer cronRunner.Stop()
	}

	if cfg.Scheduler.Enabled {
		go sched.Run(ctx)
	}
	if cfg.Pipeline.Enabled {
		go pipe.Run(ctx)
	}
	if cfg.PriceStream.Enabled {
		stream := &service.PriceStreamService{Repo: store, Logger: logger}
		go func() {
			if err := stream.RunPriceStream(ctx, cfg.PriceStream); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("price stream stopped", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 2)

	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
