package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jobintel-go/internal/api/handler"
	"jobintel-go/internal/api/router"
	"jobintel-go/internal/canonicalizer"
	"jobintel-go/internal/config"
	"jobintel-go/internal/constants"
	"jobintel-go/internal/embedding"
	"jobintel-go/internal/ingest"
	appLogger "jobintel-go/internal/logger"
	"jobintel-go/internal/llm"
	"jobintel-go/internal/quota"
	"jobintel-go/internal/ranker"
	"jobintel-go/internal/scorer"
	"jobintel-go/internal/spam"
	"jobintel-go/internal/storage"
	"jobintel-go/internal/tracing"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	glog "github.com/cloudwego/hertz/pkg/common/hlog"
	hertzadapter "github.com/hertz-contrib/logger/zerolog"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"github.com/spf13/pflag"
)

var (
	version     = "1.0.0"        //nolint:gochecknoglobals
	serviceName = "jobintel-api" //nolint:gochecknoglobals
)

func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "config.yaml", "配置文件路径")
	pflag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		glog.Fatalf("加载配置失败: %v", err)
	}

	initLogger(cfg)
	glog.Info("配置加载成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.InitTracerProvider(ctx, serviceName, version)
	if err != nil {
		glog.Fatalf("初始化链路追踪失败: %v", err)
	}
	if shutdownTracing != nil {
		glog.Info("OTLP链路追踪已启用")
	}

	storageManager, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		glog.Fatalf("初始化存储失败: %v", err)
	}
	defer storageManager.Close()

	// MySQL与Redis是评分/检索/配额链路的硬依赖
	if storageManager.MySQL == nil {
		glog.Fatalf("MySQL未初始化，服务无法启动")
	}
	if storageManager.Redis == nil {
		glog.Fatalf("Redis未初始化，服务无法启动")
	}
	glog.Info("存储服务初始化成功")

	guard, err := quota.NewGuard(storageManager.Redis, &cfg.Quota)
	if err != nil {
		glog.Fatalf("初始化配额守卫失败: %v", err)
	}
	glog.Info("配额守卫初始化成功")

	embeddingService := initEmbeddingService(cfg, storageManager, guard)
	glog.Info("嵌入服务初始化成功")

	compatScorer := initScorer(ctx, cfg, storageManager, guard)
	glog.Info("兼容性评分器初始化成功")

	spamDetector := initSpamDetector(cfg, storageManager)
	glog.Info("欺诈检测器初始化成功")

	canonical, err := canonicalizer.New(storageManager.Redis, storageManager.MySQL)
	if err != nil {
		glog.Fatalf("初始化规范化器失败: %v", err)
	}

	pipeline := initPipeline(storageManager, canonical, embeddingService, spamDetector)
	glog.Info("摄入管道初始化成功")

	hybridRanker := initRanker(cfg, storageManager, embeddingService)
	glog.Info("混合检索排序器初始化成功")

	// 抓取队列消费者
	var consumer *ingest.Consumer
	if storageManager.RabbitMQ != nil {
		consumer, err = ingest.NewConsumer(
			storageManager.RabbitMQ,
			pipeline,
			cfg.RabbitMQ.RawPostingQueue,
			cfg.RabbitMQ.PrefetchCount,
		)
		if err != nil {
			glog.Fatalf("创建岗位消费者失败: %v", err)
		}
		if err := consumer.Start(ctx); err != nil {
			glog.Fatalf("启动岗位消费者失败: %v", err)
		}
		glog.Infof("岗位消费者已启动，队列: %s", cfg.RabbitMQ.RawPostingQueue)
	} else {
		glog.Warn("RabbitMQ未配置，跳过抓取队列消费者")
	}

	// 欺诈补扫：兜底处理入库预筛失败留下的unscored岗位
	go runSpamBacklogScan(ctx, pipeline, storageManager)

	postingHandler := handler.NewPostingHandler(cfg, storageManager, pipeline)
	jobHandler := handler.NewJobHandler(cfg, storageManager, compatScorer, hybridRanker, spamDetector)

	tracer, tracerCfg := hertztracing.NewServerTracer()
	h := server.New(
		server.WithHostPorts(cfg.Server.Address),
		server.WithHandleMethodNotAllowed(true),
		tracer,
	)
	h.Use(hertztracing.ServerMiddleware(tracerCfg))
	h.Use(func(c context.Context, rc *app.RequestContext) {
		start := time.Now()
		rc.Next(c)
		glog.CtxInfof(c, "%s %s -> %d (%s)",
			string(rc.Method()), string(rc.Path()), rc.Response.StatusCode(), time.Since(start))
	})

	router.RegisterRoutes(h, postingHandler, jobHandler, cfg.Server.APIKeys)
	glog.Infof("HTTP服务器启动中，监听地址: %s", cfg.Server.Address)

	go func() {
		if err := h.Run(); err != nil {
			glog.Fatalf("启动HTTP服务器失败: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	glog.Info("接收到终止信号，正在优雅退出...")

	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := h.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("服务器关闭失败: %v", err)
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			glog.Errorf("链路追踪关闭失败: %v", err)
		}
	}
	glog.Info("优雅退出完成")
}

func initLogger(cfg *config.Config) {
	appLogger.Init(appLogger.Config{
		Level:        cfg.Logger.Level,
		Format:       cfg.Logger.Format,
		TimeFormat:   cfg.Logger.TimeFormat,
		ReportCaller: cfg.Logger.ReportCaller,
	})

	// Hertz日志统一走zerolog适配器
	glog.SetLogger(hertzadapter.From(appLogger.Logger))
}

func initEmbeddingService(cfg *config.Config, storageManager *storage.Storage, guard *quota.Guard) *embedding.Service {
	apiKey := cfg.Embedding.APIKey
	if apiKey == "" {
		apiKey = cfg.LLM.APIKey
	}

	embedder, err := embedding.NewOpenAIEmbedder(apiKey, cfg.Embedding)
	if err != nil {
		glog.Fatalf("初始化嵌入模型客户端失败: %v", err)
	}

	service, err := embedding.NewService(
		embedder,
		storageManager.Redis,
		storageManager.MySQL,
		embedder.ModelVersion(),
		embedder.GetDimensions(),
		embedding.WithQuotaGuard(guard, quota.ScopeProcessCost),
		embedding.WithCallTimeout(time.Duration(cfg.Embedding.TimeoutSeconds)*time.Second),
	)
	if err != nil {
		glog.Fatalf("初始化嵌入服务失败: %v", err)
	}
	return service
}

func initScorer(ctx context.Context, cfg *config.Config, storageManager *storage.Storage, guard *quota.Guard) *scorer.Scorer {
	providers := make([]scorer.Provider, 0, len(cfg.LLM.ModelChain))
	for _, modelName := range cfg.LLM.ModelChain {
		base, err := llm.NewQwenChatModel(cfg.LLM.APIKey, modelName, cfg.LLM.APIURL)
		if err != nil {
			glog.Fatalf("初始化模型 %s 失败: %v", modelName, err)
		}
		limited := llm.NewRateLimitedChatModel(base, modelName, cfg.ModelQPMLimits)
		providers = append(providers, scorer.NewChatModelProvider(limited, modelName))
	}

	opts := []scorer.Option{
		scorer.WithCache(storageManager.Redis, config.GetDuration(cfg.Scorer.CacheTTL, constants.ScoreCacheTTL)),
		scorer.WithStore(storageManager.MySQL),
		scorer.WithQuotaGate(guard),
		scorer.WithAttemptTimeout(config.GetDuration(cfg.Scorer.AttemptTimeout, 45*time.Second)),
	}
	if cfg.Scorer.RetryWaitSeconds > 0 {
		opts = append(opts, scorer.WithRetryWait(time.Duration(cfg.Scorer.RetryWaitSeconds)*time.Second))
	}

	if cfg.Fallback.APIKey != "" {
		fallback, err := scorer.NewGeminiFallbackProvider(ctx, cfg.Fallback.APIKey, cfg.Fallback.Model)
		if err != nil {
			glog.Fatalf("初始化外部回退模型失败: %v", err)
		}
		opts = append(opts, scorer.WithFallbackProvider(fallback))
		glog.Infof("外部回退模型已启用: %s", fallback.ModelID())
	} else {
		glog.Warn("外部回退模型未配置，模型链耗尽后评分直接失败")
	}

	compatScorer, err := scorer.New(
		providers,
		cfg.Scorer.DimensionWeights,
		cfg.Scorer.MaxAttemptsPerModel,
		cfg.Scorer.OverallTolerance,
		opts...,
	)
	if err != nil {
		glog.Fatalf("初始化兼容性评分器失败: %v", err)
	}
	return compatScorer
}

func initSpamDetector(cfg *config.Config, storageManager *storage.Storage) *spam.Detector {
	modelName := cfg.Spam.Model
	if modelName == "" {
		modelName = "qwen-plus"
	}

	base, err := llm.NewQwenChatModel(cfg.LLM.APIKey, modelName, cfg.LLM.APIURL)
	if err != nil {
		glog.Fatalf("初始化欺诈检测模型失败: %v", err)
	}
	limited := llm.NewRateLimitedChatModel(base, modelName, cfg.ModelQPMLimits)

	detector, err := spam.New(
		limited,
		modelName,
		spam.WithCache(storageManager.Redis),
		spam.WithStore(storageManager.MySQL),
		spam.WithThresholds(cfg.Spam.SafeThreshold, cfg.Spam.BlockThreshold),
		spam.WithRedFlagTerms(cfg.Spam.RedFlagTerms),
		spam.WithBatchPolicy(cfg.Spam.BatchSize, config.GetDuration(cfg.Spam.BatchPause, constants.DefaultSpamBatchPause)),
		spam.WithCallTimeout(config.GetDuration(cfg.Spam.CallTimeout, 30*time.Second)),
	)
	if err != nil {
		glog.Fatalf("初始化欺诈检测器失败: %v", err)
	}
	return detector
}

func initPipeline(storageManager *storage.Storage, canonical *canonicalizer.Canonicalizer, embeddingService *embedding.Service, detector *spam.Detector) *ingest.Pipeline {
	opts := []ingest.Option{
		ingest.WithSpamScreener(detector),
		// 多实例部署时补扫互斥，同一时刻只有一个实例扫描
		ingest.WithScanLock(storageManager.Redis),
	}
	if storageManager.MinIO != nil {
		opts = append(opts, ingest.WithArchiver(storageManager.MinIO))
	} else {
		glog.Warn("MinIO未配置，原始报文归档已禁用")
	}
	if storageManager.Qdrant != nil {
		opts = append(opts, ingest.WithEmbedding(embeddingService, storageManager.Qdrant))
	} else {
		glog.Warn("Qdrant未配置，语义索引已禁用")
	}

	pipeline, err := ingest.NewPipeline(canonical, opts...)
	if err != nil {
		glog.Fatalf("初始化摄入管道失败: %v", err)
	}
	return pipeline
}

func initRanker(cfg *config.Config, storageManager *storage.Storage, embeddingService *embedding.Service) *ranker.Ranker {
	var vectorIndex ranker.VectorIndex
	if storageManager.Qdrant != nil {
		vectorIndex = storageManager.Qdrant
	}

	hybridRanker, err := ranker.New(
		storageManager.MySQL,
		vectorIndex,
		embeddingService,
		ranker.WithWeights(cfg.Ranker.KeywordWeight, cfg.Ranker.SemanticWeight),
		ranker.WithNormalization(cfg.Ranker.Normalization),
		ranker.WithRecallLimit(cfg.Ranker.RecallLimit),
		ranker.WithSessionCache(storageManager.Redis, constants.SearchSessionTTL),
		ranker.WithJobLookup(storageManager.MySQL),
	)
	if err != nil {
		glog.Fatalf("初始化混合检索排序器失败: %v", err)
	}
	return hybridRanker
}

// runSpamBacklogScan 周期性补扫缺失欺诈分析的岗位
func runSpamBacklogScan(ctx context.Context, pipeline *ingest.Pipeline, storageManager *storage.Storage) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scored, err := pipeline.ScanSpamBacklog(ctx, storageManager.MySQL, 100)
			if err != nil {
				glog.Warnf("欺诈补扫失败: %v", err)
				continue
			}
			if scored > 0 {
				glog.Infof("欺诈补扫完成，本轮完成 %d 个岗位", scored)
			}
		}
	}
}
