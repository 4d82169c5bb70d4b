// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/shinkeonkim/boj-to-pdf/internal/config"
	"github.com/shinkeonkim/boj-to-pdf/internal/jobs"
	"github.com/shinkeonkim/boj-to-pdf/internal/logging"
	"github.com/shinkeonkim/boj-to-pdf/internal/pdf"
	"github.com/shinkeonkim/boj-to-pdf/internal/pipeline"
	"github.com/shinkeonkim/boj-to-pdf/internal/problems"
	"github.com/shinkeonkim/boj-to-pdf/internal/source"
	"github.com/shinkeonkim/boj-to-pdf/internal/storage"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := setupStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close job store", zap.Error(err))
		}
	}()

	layout, err := storage.NewLocal(cfg.OutputDir, cfg.TempDir)
	if err != nil {
		return err
	}

	renderer, err := pdf.NewChromeRenderer(pdf.RendererOptions{ChromePath: cfg.ChromePath}, logger)
	if err != nil {
		return err
	}
	defer func() { _ = renderer.Close() }()

	notifier, err := setupEvents(cfg, logger)
	if err != nil {
		return err
	}
	defer notifier.Close()

	orchestrator, err := pipeline.New(pipeline.Deps{
		Store: store,
		Fetcher: source.NewFetcher(source.Options{
			BaseURL:   cfg.SourceBaseURL,
			UserAgent: cfg.SourceUserAgent,
			FontDir:   cfg.FontDir,
		}, logger),
		Renderer: renderer,
		Merger:   pdf.NewMerger(logger),
		Layout:   layout,
		Notifier: notifier,
		Logger:   logger,
	}, pipeline.Options{
		MaxItems:        cfg.MaxItems,
		ItemConcurrency: cfg.ItemConcurrency,
		ItemTimeout:     cfg.ItemTimeout,
		Heartbeat:       cfg.JobHeartbeat,
		StaleAfter:      cfg.JobStaleAfter,
	})
	if err != nil {
		return err
	}

	manager, err := setupDispatch(ctx, cfg, orchestrator, logger)
	if err != nil {
		return err
	}
	if manager != nil {
		defer manager.Shutdown()
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	corsConfig.ExposeHeaders = []string{"Content-Disposition", "X-Job-Id"}
	router.Use(cors.New(corsConfig))

	// ルーティングの設定
	setupRoutes(router, cfg, orchestrator, store, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting API server",
			zap.String("addr", srv.Addr),
			zap.String("mode", cfg.GinMode),
			zap.String("store", cfg.StoreBackend),
			zap.String("dispatch", cfg.DispatchMode),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		logger.Warn("in-flight jobs did not finish before shutdown", zap.Error(err))
	}
	return nil
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "boj-to-pdf-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, orchestrator *pipeline.Orchestrator, store jobs.Store, logger *zap.Logger) {
	router.GET("/health", handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	generator := problems.NewGenerator(problems.NewSolvedAC(cfg.SolvedACBaseURL, nil, logger), cfg.MaxItems, logger)

	api := router.Group("/api")
	{
		jobRoutes := api.Group("/jobs")
		{
			jobRoutes.POST("", jobs.SubmitHandler(orchestrator))
			jobRoutes.GET("/:id", jobs.StatusHandler(store, jobs.HandlerOptions{ResultBaseURL: cfg.JobResultBaseURL}))
			jobRoutes.GET("/:id/download", jobs.DownloadHandler(store))
		}
		api.POST("/problems/random", problems.RandomHandler(generator))
	}
}
