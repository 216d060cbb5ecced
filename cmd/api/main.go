package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/insight-engine/backend/internal/api/handlers"
	"github.com/insight-engine/backend/internal/blackboard"
	"github.com/insight-engine/backend/internal/cache/redis"
	"github.com/insight-engine/backend/internal/engine"
	"github.com/insight-engine/backend/internal/feedback"
	"github.com/insight-engine/backend/internal/graph"
	"github.com/insight-engine/backend/internal/graph/neo4j"
	"github.com/insight-engine/backend/internal/hierarchy"
	"github.com/insight-engine/backend/internal/llm"
	"github.com/insight-engine/backend/internal/metrics"
	"github.com/insight-engine/backend/internal/middleware/ratelimit"
	"github.com/insight-engine/backend/internal/middleware/security"
	"github.com/insight-engine/backend/internal/middleware/validation"
	"github.com/insight-engine/backend/internal/rules"
	"github.com/insight-engine/backend/internal/scheduler"
	"github.com/insight-engine/backend/internal/storage/models"
	"github.com/insight-engine/backend/internal/storage/sqlite"
	"github.com/insight-engine/backend/internal/vector/zilliz"
	"github.com/insight-engine/backend/pkg/config"
	appLogger "github.com/insight-engine/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Insight Engine API Server")
	metrics.Init()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(ctx); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}
	if err := sqliteClient.SeedRules(ctx, rules.Baseline()); err != nil {
		appLogger.Fatal("Failed to seed rules", zap.Error(err))
	}

	checks := map[string]handlers.Pinger{"sqlite": sqliteClient}

	var freshCache scheduler.FreshnessCache
	var embeddingCache zilliz.EmbeddingCache
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisClient.Close()
		freshCache = redisClient
		embeddingCache = redisClient
		checks["redis"] = redisClient
	}

	llmClient := llm.NewClient(cfg.LLM)
	var completer llm.Completer
	if cfg.LLM.APIKey != "" {
		completer = llmClient
	} else {
		appLogger.Warn("No LLM API key configured, insights will be rule-only")
	}

	broker := blackboard.NewBroker(cfg.Engine.SubscriberBuffer)
	defer broker.Close()

	ruleEngine := rules.NewEngine(sqliteClient, rules.Config{})
	board := blackboard.NewRepository(sqliteClient, broker)

	var similarity engine.SimilarityIndex
	if cfg.Zilliz.Enabled {
		zillizClient, err := zilliz.NewClient(
			cfg.Zilliz.Endpoint,
			cfg.Zilliz.APIKey,
			cfg.Zilliz.CollectionName,
			cfg.Zilliz.VectorDim,
		)
		if err != nil {
			appLogger.Fatal("Failed to create Zilliz client", zap.Error(err))
		}
		defer zillizClient.Close()

		if err := zillizClient.CreateCollection(ctx); err != nil {
			appLogger.Fatal("Failed to create collection", zap.Error(err))
		}
		similarity = zilliz.NewIndex(zillizClient, llmClient, embeddingCache, zilliz.IndexConfig{
			MinSimilarity: cfg.Zilliz.MinSimilarity,
		})
		checks["zilliz"] = zillizClient
	}

	if cfg.Neo4j.Enabled {
		neo4jClient, err := neo4j.NewClient(
			cfg.Neo4j.URI,
			cfg.Neo4j.Username,
			cfg.Neo4j.Password,
			cfg.Neo4j.Database,
		)
		if err != nil {
			appLogger.Fatal("Failed to create Neo4j client", zap.Error(err))
		}
		defer neo4jClient.Close(context.Background())

		if err := neo4jClient.EnsureSchema(ctx); err != nil {
			appLogger.Warn("Failed to ensure graph schema", zap.Error(err))
		}
		projector := graph.NewProjector(neo4jClient)
		go projector.Run(ctx, broker.Subscribe(blackboard.AllUsers, blackboard.Filter{}))
		checks["neo4j"] = neo4jClient
	}

	eng := engine.New(engine.Deps{
		Hierarchy: hierarchy.NewAdapter(sqliteClient),
		Rules:     ruleEngine,
		LLM: llm.NewOrchestrator(completer, llm.OrchestratorConfig{
			Timeout:    cfg.LLM.Timeout(),
			MaxRetries: cfg.LLM.MaxRetries,
		}),
		Board:    board,
		Feedback: feedback.NewService(board, sqliteClient, ruleEngine),
		Scheduler: scheduler.New(board, freshCache, scheduler.Config{
			FreshnessWindow: cfg.Engine.FreshnessWindow,
			MaxPerUser:      cfg.Engine.MaxPerUser,
		}),
		Preferences: sqliteClient,
		Similarity:  similarity,
	}, engine.Config{
		DefaultDepth:     models.AnalysisDepth(cfg.Engine.DefaultDepth),
		BatchConcurrency: cfg.Engine.BatchConcurrency,
	})

	go blackboard.NewSweeper(board, cfg.Engine.SweepInterval).Run(ctx)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RateLimit.MaxRequestsPerMinute,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: joinOrigins(cfg.Server.AllowedOrigins),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, " + handlers.UserHeader,
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Development,
	}))

	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1",
		limiter.Middleware(),
		validation.Middleware(validation.Config{Logger: appLogger.GetLogger()}),
	)
	handlers.Register(api,
		handlers.NewHandler(eng),
		handlers.NewStreamHandler(broker),
		handlers.NewHealthHandler(checks),
	)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	stop()
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Warn("Server shutdown incomplete", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}

func joinOrigins(origins []string) string {
	if len(origins) == 0 {
		return "*"
	}
	out := origins[0]
	for _, o := range origins[1:] {
		out += ", " + o
	}
	return out
}
