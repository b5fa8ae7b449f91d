package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"grading-orchestrator/handlers"
	"grading-orchestrator/middleware"
	"grading-orchestrator/models"
	"grading-orchestrator/services"
)

// @title Grading Orchestrator API
// @version 1.0
// @description Grading-job orchestration core: worker pool, dispatch queue, artifact cache, anomaly detection
// @host localhost:8080
func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	// Config
	serverPort := getEnv("SERVER_PORT", "8080")
	redisHost := getEnv("REDIS_HOST", "localhost")
	redisPort := getEnvInt("REDIS_PORT", 6379)

	// PostgreSQL Config
	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnvInt("DB_PORT", 5432)
	dbUser := getEnv("DB_USER", "grader")
	dbPassword := getEnv("DB_PASSWORD", "grader")
	dbName := getEnv("DB_NAME", "grader")

	// Artifact cache Config
	cacheStoreType := getEnv("CACHE_STORE_TYPE", "local")
	cacheStorePath := getEnv("CACHE_STORE_PATH", "/data/artifacts")
	cacheMirrorDir := getEnv("CACHE_MIRROR_DIR", "/tmp/artifact-mirror")
	cacheTTL := getEnvDuration("CACHE_TTL", 24*time.Hour)
	cacheCleanupInterval := getEnvDuration("CACHE_CLEANUP_INTERVAL", time.Hour)

	// Initialize services
	dbService, err := services.NewDBService(dbHost, dbPort, dbUser, dbPassword, dbName)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer dbService.Close()

	if err := dbService.InitSchema(context.Background()); err != nil {
		logger.Fatal("failed to initialize database schema", zap.Error(err))
	}
	logger.Info("database schema initialized")

	redisService := services.NewRedisService(redisHost, redisPort,
		getEnvDuration("RESULT_TTL", services.DefaultResultTTL))

	durable, err := services.NewObjectStore(cacheStoreType, cacheStorePath)
	if err != nil {
		logger.Fatal("failed to initialize artifact store", zap.Error(err))
	}
	cacheService, err := services.NewCacheService(cacheMirrorDir, durable, cacheTTL)
	if err != nil {
		logger.Fatal("failed to initialize artifact cache", zap.Error(err))
	}
	logger.Info("artifact cache initialized",
		zap.String("store", cacheStoreType), zap.Duration("ttl", cacheTTL))

	workerClient := services.NewHTTPWorkerClient(getEnvDuration("WORKER_HTTP_TIMEOUT", 60*time.Second))

	provisioner := services.NewStaticProvisioner(workerEndpointsFromEnv())
	poolService := services.NewPoolService(provisioner, workerClient, services.PoolConfig{
		MaxPerClass:    getEnvInt("MAX_WORKERS_PER_CLASS", 3),
		ReadyTimeout:   getEnvDuration("WORKER_READY_TIMEOUT", 30*time.Second),
		ProbeTimeout:   getEnvDuration("WORKER_PROBE_TIMEOUT", 5*time.Second),
		HealthInterval: getEnvDuration("WORKER_HEALTH_INTERVAL", 30*time.Second),
	})

	orchestrator := services.NewOrchestratorService(dbService, redisService, poolService,
		workerClient, cacheService, services.OrchestratorConfig{
			SlotsPerClass:     getEnvInt("DISPATCH_SLOTS_PER_CLASS", 2),
			ExecTimeout:       getEnvDuration("EXEC_TIMEOUT", 30*time.Second),
			JobRetention:      getEnvDuration("JOB_RETENTION", 24*time.Hour),
			OptimizationLevel: getEnv("OPTIMIZATION_LEVEL", "default"),
			ToolchainVersions: map[models.WorkerClass]string{
				models.ClassRustGrader:      getEnv("RUST_TOOLCHAIN", "1.75"),
				models.ClassCargoCompiler:   getEnv("RUST_TOOLCHAIN", "1.75"),
				models.ClassFoundryCompiler: getEnv("SOLC_VERSION", "0.8.24"),
				models.ClassHardhatCompiler: getEnv("SOLC_VERSION", "0.8.24"),
				models.ClassMoveCompiler:    getEnv("MOVE_TOOLCHAIN", "1.6"),
			},
		})

	anomalyService := services.NewAnomalyService(dbService, anomalyConfigFromEnv())

	// Background loops
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go orchestrator.Run(ctx)
	go poolService.RunHealthLoop(ctx)
	go cacheService.RunCleanupLoop(ctx, cacheCleanupInterval)
	go anomalyService.RunDetectionLoop(ctx, getEnvDuration("ANOMALY_INTERVAL", time.Hour))

	// Initialize handlers
	gradeHandler := handlers.NewGradeHandler(orchestrator)
	statusHandler := handlers.NewStatusHandler(orchestrator, poolService, anomalyService, redisService, dbService)
	telemetryHandler := handlers.NewTelemetryHandler(dbService)

	// Fiber App
	app := fiber.New(fiber.Config{
		AppName: "GradingOrchestrator",
	})

	// Middleware
	app.Use(fiberlogger.New())
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))
	app.Use(middleware.XRayMiddleware())

	// Routes
	app.Post("/grade", gradeHandler.SubmitGrade)
	app.Post("/grade/batch", gradeHandler.SubmitBatch)
	app.Get("/grade/:jobId", gradeHandler.GetGradeStatus)
	app.Get("/workers/status", statusHandler.WorkersStatus)
	app.Get("/queue/status", statusHandler.QueueStatus)
	app.Get("/anomaly/report", statusHandler.AnomalyReport)
	app.Post("/telemetry/upload", telemetryHandler.RecordUpload)
	app.Get("/health", statusHandler.Health)

	logger.Info("grading orchestrator starting",
		zap.String("port", serverPort),
		zap.String("redis", redisHost),
		zap.String("db", dbHost))
	if err := app.Listen(":" + serverPort); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

// workerEndpointsFromEnv reads the externally managed worker inventory,
// e.g. WORKER_ENDPOINTS_RUST_GRADER="http://10.0.0.5:9000,http://10.0.0.6:9000".
func workerEndpointsFromEnv() map[models.WorkerClass][]string {
	endpoints := make(map[models.WorkerClass][]string)
	for _, class := range models.AllWorkerClasses {
		key := "WORKER_ENDPOINTS_" + strings.ToUpper(strings.ReplaceAll(string(class), "-", "_"))
		raw := os.Getenv(key)
		if raw == "" {
			continue
		}
		for _, ep := range strings.Split(raw, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				endpoints[class] = append(endpoints[class], ep)
			}
		}
	}
	return endpoints
}

func anomalyConfigFromEnv() services.AnomalyConfig {
	cfg := services.DefaultAnomalyConfig()
	cfg.Window = getEnvDuration("ANOMALY_WINDOW", cfg.Window)
	cfg.RapidSubmissionThreshold = getEnvInt("ANOMALY_RAPID_THRESHOLD", cfg.RapidSubmissionThreshold)
	cfg.FastSolveFloorS = getEnvInt64("ANOMALY_FAST_SOLVE_FLOOR_S", cfg.FastSolveFloorS)
	cfg.PerfectScoreFloor = getEnvFloat("ANOMALY_PERFECT_SCORE_FLOOR", cfg.PerfectScoreFloor)
	cfg.IdenticalGroupMin = getEnvInt("ANOMALY_IDENTICAL_GROUP_MIN", cfg.IdenticalGroupMin)
	cfg.OffHoursFraction = getEnvFloat("ANOMALY_OFF_HOURS_FRACTION", cfg.OffHoursFraction)
	cfg.DayStartHour = getEnvInt("ANOMALY_DAY_START_HOUR", cfg.DayStartHour)
	cfg.DayEndHour = getEnvInt("ANOMALY_DAY_END_HOUR", cfg.DayEndHour)
	cfg.MinEventsForTiming = getEnvInt("ANOMALY_MIN_EVENTS_FOR_TIMING", cfg.MinEventsForTiming)
	cfg.CoordinatedMinUsers = getEnvInt("ANOMALY_COORDINATED_MIN_USERS", cfg.CoordinatedMinUsers)
	cfg.HighFrequencyThreshold = getEnvInt("ANOMALY_HIGH_FREQUENCY_THRESHOLD", cfg.HighFrequencyThreshold)
	cfg.LargeUploadBytes = getEnvInt64("ANOMALY_LARGE_UPLOAD_BYTES", cfg.LargeUploadBytes)
	cfg.RapidUploadThreshold = getEnvInt("ANOMALY_RAPID_UPLOAD_THRESHOLD", cfg.RapidUploadThreshold)
	cfg.HighBandwidthBytes = getEnvInt64("ANOMALY_HIGH_BANDWIDTH_BYTES", cfg.HighBandwidthBytes)
	cfg.ConfidenceCap = getEnvFloat("ANOMALY_CONFIDENCE_CAP", cfg.ConfidenceCap)
	if raw := os.Getenv("ANOMALY_SUSPICIOUS_EXTENSIONS"); raw != "" {
		var exts []string
		for _, ext := range strings.Split(raw, ",") {
			if ext = strings.TrimSpace(ext); ext != "" {
				exts = append(exts, ext)
			}
		}
		cfg.SuspiciousExtensions = exts
	}
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
