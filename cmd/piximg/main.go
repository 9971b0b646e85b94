package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/user/piximg-go/internal/api"
	"github.com/user/piximg-go/internal/config"
	"github.com/user/piximg-go/internal/database"
	"github.com/user/piximg-go/internal/pixiv"
	"github.com/user/piximg-go/internal/repository"
	"github.com/user/piximg-go/internal/secret"
	"github.com/user/piximg-go/internal/service"
	"github.com/user/piximg-go/internal/version"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v":
			fmt.Println(version.Info())
			os.Exit(0)
		case "--init":
			if err := runInit(); err != nil {
				log.Fatalf("init: %v", err)
			}
			os.Exit(0)
		case "--help", "-h":
			printUsage()
			os.Exit(0)
		}
	}
	if err := run(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func printUsage() {
	fmt.Printf("piximg - %s\n\n", version.Short())
	fmt.Println("Usage: piximg [OPTIONS]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --init         Generate .env.example configuration template")
	fmt.Println("  --version, -v  Show version information")
	fmt.Println("  --help, -h     Show this help message")
	fmt.Println()
	fmt.Println("Without options, starts the image hub server.")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Use environment variables or .env file (see .env.example)")
	fmt.Println("  Run 'piximg --init' to generate configuration template")
}

func run() error {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Initialize logger.
	logDir := getLogDir()
	logger, err := newLogger(cfg.App.LogLevel, logDir, cfg.LogRotation)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting piximg",
		zap.String("version", version.Short()),
		zap.String("host", cfg.App.Host),
		zap.Int("port", cfg.App.Port),
	)

	// Initialize database.
	db, err := database.New(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()

	// Read-only pool keeps the random picker and listings from contending
	// with worker writes.
	readDB, err := database.NewReadOnly(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("init read-only database: %w", err)
	}
	defer readDB.Close()

	// Run migrations.
	if err := database.RunMigrations(db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// Field encryption for refresh tokens and proxy passwords.
	box, err := secret.NewBox(cfg.Security.FieldEncryptionKey, cfg.Security.FieldEncryptionKeyFile)
	if err != nil {
		return fmt.Errorf("init field encryption: %w", err)
	}

	// Initialize repositories.
	imageRepo := repository.NewImageRepository(db, readDB)
	tagRepo := repository.NewTagRepository(db, readDB)
	tokenRepo := repository.NewTokenRepository(db, readDB)
	poolRepo := repository.NewProxyPoolRepository(db, readDB)
	bindingRepo := repository.NewBindingRepository(db, readDB)
	importRepo := repository.NewImportRepository(db, readDB)
	runRepo := repository.NewHydrationRunRepository(db, readDB)
	settingRepo := repository.NewSettingRepository(db, readDB)
	apiKeyRepo := repository.NewAPIKeyRepository(db, readDB)
	jobRepo := repository.NewJobRepository(db)

	// Initialize services.
	settings := service.NewSettingsService(settingRepo, logger)
	selector := service.NewProxySelector(poolRepo, bindingRepo, settings, box, logger)
	breaker := service.NewProxyBreaker(poolRepo, bindingRepo, logger)
	bindings := service.NewBindingService(tokenRepo, poolRepo, bindingRepo, logger)
	strategy := service.NewTokenStrategy(tokenRepo, cfg.Hydrate.TokenStrategy, logger)
	cache := service.NewAccessTokenCache(time.Duration(cfg.Hydrate.RefreshMarginSeconds) * time.Second)
	throttle := service.NewTokenThrottle(
		time.Duration(cfg.Hydrate.MinIntervalMs)*time.Millisecond,
		time.Duration(cfg.Hydrate.JitterMs)*time.Millisecond,
	)
	hydrate := service.NewHydrateService(cfg, imageRepo, tagRepo, tokenRepo, runRepo, importRepo,
		strategy, cache, throttle, selector, breaker, box, logger)
	importer := service.NewImportService(cfg.Import, imageRepo, importRepo, jobRepo, logger)
	probe := service.NewProbeService(poolRepo, breaker, box,
		time.Duration(cfg.HTTP.ProbeTimeoutSeconds)*time.Second, logger)
	directClient, err := pixiv.NewHTTPClient(nil, pixiv.Timeouts{
		Connect: time.Duration(cfg.HTTP.ConnectTimeoutSeconds) * time.Second,
		Total:   time.Duration(cfg.HTTP.TotalTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("init http client: %w", err)
	}
	easy := service.NewEasyProxiesService(cfg.EasyProxies, poolRepo, bindings, box, directClient, logger)
	picker := service.NewPickerService(cfg.Random, imageRepo, jobRepo, logger)
	mirror := service.NewMirrorService(cfg.ImageProxy)
	stream := service.NewStreamService(selector, breaker, pixiv.Timeouts{
		Connect: time.Duration(cfg.HTTP.ConnectTimeoutSeconds) * time.Second,
		Total:   time.Duration(cfg.HTTP.TotalTimeoutSeconds) * time.Second,
	}, logger)

	// Job dispatch and the embedded worker.
	dispatcher := service.NewDispatcher(jobRepo, logger)
	service.RegisterDefaults(dispatcher, hydrate, importer, probe)

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	worker := service.NewWorker(cfg.Worker, cfg.EasyProxies, jobRepo, tokenRepo, settings, dispatcher, easy, logger)
	if cfg.Worker.Enabled {
		worker.Start(workerCtx)
		logger.Info("worker started", zap.Int("concurrency", cfg.Worker.Concurrency))
	}

	// Create HTTP server.
	server := api.NewServer(api.ServerDeps{
		Config:      cfg,
		DB:          db,
		Box:         box,
		ImageRepo:   imageRepo,
		TagRepo:     tagRepo,
		TokenRepo:   tokenRepo,
		PoolRepo:    poolRepo,
		BindingRepo: bindingRepo,
		ImportRepo:  importRepo,
		RunRepo:     runRepo,
		SettingRepo: settingRepo,
		APIKeyRepo:  apiKeyRepo,
		JobRepo:     jobRepo,
		Picker:      picker,
		Stream:      stream,
		Mirror:      mirror,
		Importer:    importer,
		Bindings:    bindings,
		Breaker:     breaker,
		Settings:    settings,
		EasyProxies: easy,
		Logger:      logger,
	})

	addr := fmt.Sprintf("%s:%d", cfg.App.Host, cfg.App.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // image streaming needs a long write timeout
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("server started", zap.String("addr", addr))

	// Wait for shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if cfg.Worker.Enabled {
		stopWorker()
		worker.Stop(10 * time.Second)
	}

	logger.Info("server stopped")
	return nil
}

func newLogger(level string, logDir string, rotation config.LogRotationConfig) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug", "DEBUG":
		zapLevel = zap.DebugLevel
	case "warn", "WARN":
		zapLevel = zap.WarnLevel
	case "error", "ERROR":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", logDir, err)
	}

	lj := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "piximg.log"),
		MaxSize:    rotation.MaxSizeMB,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAgeDays,
		Compress:   rotation.Compress,
	}

	// File core: JSON encoder for structured log parsing
	fileEncoderCfg := zap.NewProductionEncoderConfig()
	fileEncoderCfg.TimeKey = "ts"
	fileEncoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(fileEncoderCfg),
		zapcore.AddSync(lj),
		zapLevel,
	)

	// Console core: human-readable output to stdout/stderr
	consoleEncoderCfg := zap.NewDevelopmentEncoderConfig()
	consoleEncoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderCfg)

	// stdout for DEBUG/INFO, stderr for WARN/ERROR+
	stdoutCore := zapcore.NewCore(
		consoleEncoder,
		zapcore.Lock(os.Stdout),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapLevel && l < zapcore.WarnLevel
		}),
	)
	stderrCore := zapcore.NewCore(
		consoleEncoder,
		zapcore.Lock(os.Stderr),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapLevel && l >= zapcore.WarnLevel
		}),
	)

	core := zapcore.NewTee(fileCore, stdoutCore, stderrCore)

	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
	), nil
}

func getLogDir() string {
	if dir := os.Getenv("PIXIMG_LOGS_DIR"); dir != "" {
		return dir
	}
	return "logs"
}
