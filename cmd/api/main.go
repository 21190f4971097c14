package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/nemonet1337/apexstock/internal/config"
	"github.com/nemonet1337/apexstock/internal/lock"
	"github.com/nemonet1337/apexstock/internal/logging"
	"github.com/nemonet1337/apexstock/internal/tracing"
	"github.com/nemonet1337/apexstock/pkg/inventory"
	"github.com/nemonet1337/apexstock/pkg/inventory/publisher"
	"github.com/nemonet1337/apexstock/pkg/inventory/storage"
)

func main() {
	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("設定読み込みに失敗しました:", err)
	}

	// ログ設定
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	// トレーシング
	tp, err := tracing.InitTracer(cfg.Tracing, logger)
	if err != nil {
		logger.Fatal("トレーサー初期化に失敗しました", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(ctx, tp); err != nil {
			logger.Error("トレーサー停止に失敗しました", zap.Error(err))
		}
	}()

	// データベース接続
	store, err := storage.NewPostgreSQLStorage(cfg.DSN(), logger)
	if err != nil {
		logger.Fatal("データベース接続に失敗しました", zap.Error(err))
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []inventory.Option{inventory.WithMetrics(inventory.NewMetrics(registry))}

	// 分散ロック
	if cfg.Redis.Enabled {
		rdb, err := lock.NewRedisClient(context.Background(), cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Redis接続に失敗しました", zap.Error(err))
		}
		defer rdb.Close()
		opts = append(opts, inventory.WithLocker(lock.NewRedisLocker(rdb, cfg.Redis.LockOptions(), logger)))
		logger.Info("Redisロックを有効化しました", zap.String("addr", cfg.Redis.Addr))
	}

	// イベント発行
	var events inventory.EventPublisher = inventory.NopPublisher{}
	if cfg.Kafka.Enabled {
		kafka, err := publisher.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topics, logger)
		if err != nil {
			logger.Fatal("Kafka接続に失敗しました", zap.Error(err))
		}
		defer kafka.Close()
		events = kafka
	}

	// 在庫マネージャー初期化
	inventoryConfig := cfg.Inventory
	manager, err := inventory.NewManager(store, events, logger, &inventoryConfig, opts...)
	if err != nil {
		logger.Fatal("在庫マネージャーの初期化に失敗しました", zap.Error(err))
	}

	// HTTPハンドラー設定
	handlers := NewHandlers(manager, store.Ping, logger)
	router := setupRouter(handlers, RouterOptions{
		Registry:       registry,
		EnableMetrics:  cfg.API.EnableMetrics,
		EnableCORS:     cfg.API.EnableCORS,
		AllowedOrigins: cfg.API.AllowedOrigins,
		EnableTracing:  cfg.Tracing.Enabled,
	})

	// HTTPサーバー設定
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	// グレースフルシャットダウン設定
	go func() {
		logger.Info("在庫管理APIサーバーを開始します", zap.Int("port", cfg.API.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("サーバー開始に失敗しました", zap.Error(err))
		}
	}()

	// シャットダウンシグナル待機
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("サーバーをシャットダウンしています...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("サーバーシャットダウンに失敗しました", zap.Error(err))
	}

	logger.Info("サーバーが正常に停止しました")
}
