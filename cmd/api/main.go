package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/pharmatrace/backend/internal/api/handlers"
	"github.com/pharmatrace/backend/internal/batch"
	rediscache "github.com/pharmatrace/backend/internal/cache/redis"
	"github.com/pharmatrace/backend/internal/evaluation"
	"github.com/pharmatrace/backend/internal/extraction"
	"github.com/pharmatrace/backend/internal/ingestion"
	"github.com/pharmatrace/backend/internal/llm"
	"github.com/pharmatrace/backend/internal/llm/gemini"
	"github.com/pharmatrace/backend/internal/metrics"
	"github.com/pharmatrace/backend/internal/middleware/ratelimit"
	"github.com/pharmatrace/backend/internal/middleware/security"
	"github.com/pharmatrace/backend/internal/middleware/validation"
	"github.com/pharmatrace/backend/internal/scoring"
	"github.com/pharmatrace/backend/internal/selection"
	"github.com/pharmatrace/backend/internal/storage/sqlite"
	"github.com/pharmatrace/backend/internal/storage/uploads"
	"github.com/pharmatrace/backend/internal/trials"
	"github.com/pharmatrace/backend/pkg/config"
	appLogger "github.com/pharmatrace/backend/pkg/logger"
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
	log := appLogger.GetLogger()

	appLogger.Info("Starting PharmaTrace API Server")

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	var redisClient *rediscache.Client
	if cfg.Redis.Enabled {
		redisClient, err = rediscache.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
	}

	var jobStore batch.Store
	if cfg.Batch.Store == "redis" {
		jobStore = rediscache.NewBatchStore(redisClient, cfg.Batch.JobTTL, log)
	} else {
		memStore := batch.NewMemoryStore(cfg.Batch.JobTTL, log)
		go memStore.RunJanitor(rootCtx, cfg.Batch.JanitorTick)
		jobStore = memStore
	}
	tracker := batch.NewTracker(jobStore, log)

	uploadStore, err := uploads.NewStore(afero.NewOsFs(), cfg.Uploads.Dir, log)
	if err != nil {
		appLogger.Fatal("Failed to prepare upload directory", zap.Error(err))
	}

	generator, err := gemini.NewGenerator(rootCtx, cfg.Gemini.APIKey, cfg.Gemini.Model,
		time.Duration(cfg.Gemini.TimeoutSec)*time.Second, log)
	if err != nil {
		appLogger.Fatal("Failed to create Gemini generator", zap.Error(err))
	}

	extractor, err := extraction.NewExtractor(generator, ingestion.NewPreparer(uploadStore, 0, log), extraction.Config{
		ValidationThreshold: cfg.Gemini.ValidationThreshold,
		MaxLogLength:        cfg.Gemini.MaxLogLength,
		Logger:              log,
	})
	if err != nil {
		appLogger.Fatal("Failed to create extractor", zap.Error(err))
	}

	processor := batch.NewProcessor(batch.ProcessorConfig{
		Tracker:     tracker,
		Extractor:   extractor,
		Sink:        sqliteClient,
		Uploads:     uploadStore,
		Concurrency: cfg.Batch.Concurrency,
		Logger:      log,
	})

	llmClient := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.Model,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
		time.Duration(cfg.LLM.TimeoutSec)*time.Second,
	)

	scorerCfg := scoring.Config{
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		CacheTTL:    cfg.Cache.EvaluationTTL,
		Logger:      log,
	}
	if redisClient != nil {
		scorerCfg.Cache = redisClient
	}
	scorer := scoring.NewLLMScorer(llmClient, scorerCfg)

	evaluator := evaluation.NewEvaluator(scorer, evaluation.Config{
		BatchSize:   cfg.Selection.BatchSize,
		Concurrency: cfg.Selection.EvaluationConcurrency,
		Logger:      log,
	})
	selector := selection.NewSelector(evaluator,
		selection.WithThreshold(cfg.Selection.EligibilityThreshold),
		selection.WithLogger(log),
	)
	ranker := selection.NewRanker(evaluator,
		selection.WithThreshold(cfg.Selection.EligibilityThreshold),
		selection.WithLogger(log),
	)

	trialService := trials.NewService(sqliteClient, log)

	batchHandler := handlers.NewBatchHandler(tracker, processor, uploadStore, cfg.Batch.MaxFiles, cfg.Batch.Concurrency)
	recordHandler := handlers.NewRecordHandler(uploadStore, extractor, sqliteClient, sqliteClient, scorer, 0)
	trialHandler := handlers.NewTrialHandler(trialService, sqliteClient, selector, ranker, sqliteClient, handlers.SelectionDefaults{
		Required:     cfg.Selection.DefaultRequired,
		Multiplier:   cfg.Selection.Multiplier,
		PatientLimit: cfg.Selection.PatientLimit,
	})
	consentHandler := handlers.NewConsentHandler(sqliteClient)
	wsHandler := handlers.NewWebSocketHandler(tracker, time.Second)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(cfg.Server.AllowedOrigins, ","),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Client-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Development,
	}))

	limited := func(c *fiber.Ctx) error { return c.Next() }
	var rl *ratelimit.RateLimiter
	if cfg.RateLimit.Enabled {
		rl = ratelimit.New(ratelimit.Config{
			MaxRequestsPerMinute: cfg.RateLimit.MaxRequestsPerMinute,
			Logger:               log,
		})
		limited = rl.Middleware()
	}

	batchUpload := validation.UploadMiddleware(validation.Config{
		Field:             "files",
		MaxFiles:          cfg.Batch.MaxFiles,
		MaxFileSize:       int64(cfg.Uploads.MaxFileSize),
		AllowedExtensions: cfg.Uploads.AllowedExtensions,
		Logger:            log,
	})
	singleUpload := validation.UploadMiddleware(validation.Config{
		Field:             "file",
		MaxFiles:          1,
		MaxFileSize:       int64(cfg.Uploads.MaxFileSize),
		AllowedExtensions: cfg.Uploads.AllowedExtensions,
		Logger:            log,
	})

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"service": "PharmaTrace Clinical Trial Matching API",
			"status":  "running",
			"batch_processing_info": fiber.Map{
				"max_files_per_batch":  cfg.Batch.MaxFiles,
				"concurrent_workers":   cfg.Batch.Concurrency,
				"batch_store":          cfg.Batch.Store,
				"supported_extensions": cfg.Uploads.AllowedExtensions,
			},
		})
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	app.Get("/ready", func(c *fiber.Ctx) error {
		checks := fiber.Map{"sqlite": "ok"}
		ready := true
		if err := sqliteClient.Ping(c.UserContext()); err != nil {
			checks["sqlite"] = err.Error()
			ready = false
		}
		if redisClient != nil {
			checks["redis"] = "ok"
			if err := redisClient.Ping(c.UserContext()); err != nil {
				checks["redis"] = err.Error()
				ready = false
			}
		}
		if !ready {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not ready", "checks": checks})
		}
		return c.JSON(fiber.Map{"status": "ready", "checks": checks})
	})

	app.Get("/metrics", metrics.MetricsHandler())

	app.Post("/batch-upload-records", limited, batchUpload, batchHandler.UploadBatch)
	app.Get("/batch-status/:batch_id", batchHandler.GetStatus)
	app.Get("/batch-results/:batch_id", batchHandler.GetResults)

	app.Post("/upload-record", limited, singleUpload, recordHandler.UploadRecord)
	app.Get("/patients", recordHandler.ListPatients)
	app.Get("/patients/:patient_id", recordHandler.GetPatient)

	app.Post("/upload-clinical-trial", limited, trialHandler.UploadTrial)
	app.Post("/match-trial-to-candidates", limited, trialHandler.MatchTrialToCandidates)
	app.Get("/trials", trialHandler.ListTrials)
	app.Get("/trials/:trial_id", trialHandler.GetTrial)
	app.Post("/trials/:trial_id/candidate-pool", limited, trialHandler.CandidatePool)
	app.Post("/trials/:trial_id/ranking", limited, trialHandler.Ranking)

	app.Post("/confirm-consent", consentHandler.ConfirmConsent)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/batch-status/:batch_id", websocket.New(wsHandler.HandleBatchProgress))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting",
		zap.String("address", addr),
		zap.String("batch_store", cfg.Batch.Store),
		zap.Int("batch_concurrency", cfg.Batch.Concurrency),
		zap.Bool("redis_enabled", cfg.Redis.Enabled),
	)

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.Shutdown(); err != nil {
		appLogger.Error("HTTP shutdown failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := processor.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("Batch processor did not drain before timeout", zap.Error(err))
	}
	if rl != nil {
		rl.Stop()
	}
	cancelRoot()

	appLogger.Info("Server stopped")
}
