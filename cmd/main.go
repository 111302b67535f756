package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"gemini-gateway/core"
	"gemini-gateway/core/adapter"
	"gemini-gateway/core/storage"
	"gemini-gateway/models"
)

func main() {
	// .env 不存在就直接用环境变量
	godotenv.Load()
	cfg := core.LoadConfig()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	if cfg.LogFile != "" {
		rotator, err := core.NewLogRotator(cfg.LogFile, cfg.LogMaxSizeMB)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer rotator.Close()
		log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	}
	gin.SetMode(gin.ReleaseMode)

	db, err := initDatabase(log)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	client := core.NewUpstreamClient()

	pool, modelIDs := buildKeyPool(cfg, client, log)
	registry := core.NewModelRegistry()
	registry.SetModels(mergeModels(modelIDs, adapter.ExtendedModels, cfg.ExtraModels))
	log.Infof("serving %d models with %d upstream keys", len(registry.List()), pool.Size())

	sink, err := storage.New(context.Background(), storage.Options{
		Type:           cfg.StorageType,
		HostURL:        cfg.HostURL,
		Dir:            cfg.StorageDir,
		MaxCount:       cfg.StorageMaxCount,
		MaxBytes:       cfg.StorageMaxBytes,
		Capacity:       cfg.MemoryCapacity,
		S3Bucket:       cfg.S3Bucket,
		S3Region:       cfg.S3Region,
		S3Endpoint:     cfg.S3Endpoint,
		S3PublicDomain: cfg.S3PublicDomain,
	}, log)
	if err != nil {
		log.Fatalf("Failed to initialize media storage: %v", err)
	}

	orch := core.NewOrchestrator(pool, registry, client, sink, log, cfg)
	asyncLogger := core.NewAsyncRequestLogger(db, log)
	defer asyncLogger.Close()
	proxy := core.NewPassthroughProxy(db, client, log)

	engine := gin.New()
	engine.Use(gin.RecoveryWithWriter(log.Writer()))
	engine.Use(corsMiddleware())

	setupRoutes(engine, cfg, db, orch, registry, pool, sink, proxy, asyncLogger)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}

	go func() {
		log.Infof("Starting Gemini Gateway on port %d", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 等待中断信号以优雅地关闭服务器
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Info("Server exited")
}

// initDatabase 初始化数据库，只在出错时打印 SQL 日志
func initDatabase(log *logrus.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open("gateway.db"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	log.Info("Database initialized")
	return db, nil
}

// buildKeyPool 启动时逐个探测上游 Key，只把可用的放进池子
// 顺便从第一个可用 Key 拿到上游模型清单
func buildKeyPool(cfg *core.Config, client *http.Client, log *logrus.Logger) (*core.KeyPool, []string) {
	var healthy []string
	var modelIDs []string

	for _, key := range cfg.GeminiKeys {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		ids, err := adapter.ListModels(ctx, client, cfg.UpstreamURL, key)
		cancel()
		if err != nil {
			log.Warnf("upstream key %s failed health check: %v", models.MaskAPIKey(key), err)
			continue
		}
		healthy = append(healthy, key)
		if modelIDs == nil {
			modelIDs = ids
		}
	}

	if len(healthy) == 0 {
		// 全部探测失败时不放弃，可能只是启动时网络抖动
		log.Warn("no upstream key passed health check, keeping all keys")
		healthy = cfg.GeminiKeys
	}

	pool, err := core.NewKeyPool(healthy)
	if err != nil {
		log.Fatalf("Failed to build key pool: %v", err)
	}
	return pool, modelIDs
}

// mergeModels 合并上游发现的模型、内置扩展模型和配置追加的模型，去重保序
func mergeModels(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// setupRoutes 注册全部路由
func setupRoutes(engine *gin.Engine, cfg *core.Config, db *gorm.DB, orch *core.Orchestrator, registry *core.ModelRegistry, pool *core.KeyPool, sink storage.Store, proxy *core.PassthroughProxy, asyncLogger *core.AsyncRequestLogger) {
	engine.GET("/health", handleHealth(pool))
	engine.GET("/images/:name", handleGetImage(sink))

	// 业务接口：限流 + 鉴权 + 异步访问日志
	api := engine.Group("/")
	api.Use(requestLoggerMiddleware(asyncLogger))
	api.Use(rateLimitMiddleware(cfg))
	api.Use(authMiddleware(cfg, db))
	{
		api.GET("/v1/models", handleListModels(registry))
		api.POST("/v1/chat/completions", handleChatCompletions(orch))
	}

	// 管理接口：只认管理密码
	admin := engine.Group("/admin")
	admin.Use(adminAuthMiddleware(cfg))
	{
		admin.GET("/pool", handlePoolStatus(pool))
		admin.GET("/logs", handleRequestLogs(db))

		admin.GET("/keys", handleListAccessKeys(db))
		admin.POST("/keys", handleCreateAccessKey(db))
		admin.PUT("/keys/:id", handleUpdateAccessKey(db))
		admin.DELETE("/keys/:id", handleDeleteAccessKey(db))

		admin.GET("/media", handleListMedia(sink))
		admin.DELETE("/media/:name", handleDeleteMedia(sink))

		admin.GET("/proxies", handleListProxyMappings(db))
		admin.POST("/proxies", handleCreateProxyMapping(db, proxy))
		admin.DELETE("/proxies/:id", handleDeleteProxyMapping(db, proxy))
	}

	// 其余路径走前缀透传
	engine.NoRoute(proxy.Handle)
}
