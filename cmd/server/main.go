package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/clinicus/clinicus-backend/internal/config"
	"github.com/clinicus/clinicus-backend/internal/database"
	"github.com/clinicus/clinicus-backend/internal/handler"
	"github.com/clinicus/clinicus-backend/internal/logger"
	"github.com/clinicus/clinicus-backend/internal/middleware"
	"github.com/clinicus/clinicus-backend/internal/repository"
	"github.com/clinicus/clinicus-backend/internal/router"
	"github.com/clinicus/clinicus-backend/internal/scoring"
	"github.com/clinicus/clinicus-backend/internal/service"
	"github.com/clinicus/clinicus-backend/internal/store"
	"github.com/clinicus/clinicus-backend/internal/validator"
	"github.com/clinicus/clinicus-backend/internal/worker"
	"github.com/rs/zerolog"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Int("test_id", cfg.TestID).
		Msg("Starting Clinicus Backend")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	userRepo := repository.NewUserRepository(pool)
	testRepo := repository.NewTestRepository(pool)
	questionRepo := repository.NewQuestionRepository(pool)
	answerRepo := repository.NewAnswerRepository(pool)
	resultRepo := repository.NewResultRepository(pool)
	loginRepo := repository.NewLoginRepository(pool)
	dashboardRepo := repository.NewDashboardRepository(pool)

	// ─── Session Store ─────────────────────────────────────────────────
	// Every answer write is also queued for the student_answers mirror.
	sessions := store.NewMirror(store.NewRedisStore(rdb, log), rdb, log)

	// ─── Initialize Services ──────────────────────────────────────────
	grader := scoring.NewGrader()
	authService := service.NewAuthService(cfg, rdb, userRepo)
	loginService := service.NewLoginService(rdb, log)
	pageService := service.NewPageService(testRepo, questionRepo, rdb, cfg.PageCacheTTL, log)
	resultService := service.NewResultService(pageService, grader, sessions, resultRepo, answerRepo, rdb, log)
	examService := service.NewExamService(cfg, sessions, pageService, resultService, resultService, testRepo, rdb, log)
	examService.PurgeMirrorOnReset(answerRepo)
	dashboardService := service.NewDashboardService(dashboardRepo, resultRepo, loginRepo)
	exportService := service.NewExportService(resultRepo)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Auth:      handler.NewAuthHandler(authService, loginService, log),
		Exam:      handler.NewExamHandler(cfg, examService, resultService, log),
		WS:        handler.NewWSHandler(cfg, examService, log),
		Dashboard: handler.NewDashboardHandler(dashboardService, exportService, log),
		System:    handler.NewSystemHandler(pool, rdb, log),
	}
	authLimiter := middleware.NewRateLimiter(rdb, "auth", cfg.AuthRateLimit, time.Minute, log)

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	for _, w := range []interface{ Start(context.Context) }{
		worker.NewAutosaveWorker(answerRepo, rdb, log),
		worker.NewResultsWorker(resultRepo, rdb, log),
		worker.NewLoginWorker(loginRepo, rdb, log),
	} {
		workers.Add(1)
		go func() {
			defer workers.Done()
			w.Start(workerCtx)
		}()
	}

	// ─── Prewarm Redis Caches ─────────────────────────────────────────
	// The first page is what every student requests at exam start.
	if _, err := pageService.LoadPage(ctx, cfg.TestID, 1); err != nil {
		log.Warn().Err(err).Msg("Cache prewarm failed")
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, authLimiter, handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop background workers and wait for queues to drain.
	workerCancel()
	workers.Wait()

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
