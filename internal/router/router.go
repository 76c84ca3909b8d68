package router

import (
	"time"

	"github.com/clinicus/clinicus-backend/internal/config"
	"github.com/clinicus/clinicus-backend/internal/handler"
	"github.com/clinicus/clinicus-backend/internal/middleware"
	"github.com/clinicus/clinicus-backend/internal/model"
	"github.com/clinicus/clinicus-backend/internal/response"
	"github.com/clinicus/clinicus-backend/internal/service"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Auth      *handler.AuthHandler
	Exam      *handler.ExamHandler
	WS        *handler.WSHandler
	Dashboard *handler.DashboardHandler
	System    *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	authLimiter *middleware.RateLimiter,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.GinMode != gin.ReleaseMode {
		router.Use(gin.Logger())
	}

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID", "Content-Disposition"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	router.GET("/health", handlers.System.Health)

	// ─── 1. Auth Group (Public, Rate Limited) ──────────────────────────
	auth := router.Group("/api/v1/auth")
	{
		auth.POST("/login", authLimiter.Middleware(), handlers.Auth.Login)

		authed := auth.Group("", middleware.RequireJWT(authService), middleware.CheckSingleDeviceSession(authService))
		authed.POST("/logout", handlers.Auth.Logout)
		authed.GET("/me", handlers.Auth.Me)
	}

	// ─── 2. Student Group (JWT + Single Device) ────────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(
		middleware.RequireJWT(authService),
		middleware.RequireRole(model.RoleStudent),
		middleware.CheckSingleDeviceSession(authService),
		middleware.NoStore(),
	)
	{
		studentAPI.GET("/home", handlers.Exam.Home)
		studentAPI.GET("/results", handlers.Exam.GetResults)
		studentAPI.POST("/progress", handlers.Exam.SaveProgress)

		examAPI := studentAPI.Group("/exam")
		examAPI.GET("/pages/:page", handlers.Exam.GetPage)
		examAPI.POST("/pages/:page/next", handlers.Exam.NextPage)
		examAPI.PUT("/answers", handlers.Exam.SaveAnswers)
		examAPI.POST("/submit", handlers.Exam.Submit)
		examAPI.GET("/state", handlers.Exam.GetState)
		examAPI.POST("/reset", handlers.Exam.Reset)
	}

	// ─── 3. WebSocket Group (Student WS Auth) ──────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(
		middleware.RequireWSAuth(authService),
		middleware.RequireRole(model.RoleStudent),
		middleware.CheckSingleDeviceSession(authService),
	)
	{
		ws.GET("/student/exam/stream", handlers.WS.ExamStream)
	}

	// ─── 4. Faculty Group (JWT + Role, compressed) ─────────────────────
	facultyAPI := router.Group("/api/v1/faculty")
	facultyAPI.Use(
		middleware.RequireJWT(authService),
		middleware.RequireRole(model.RoleFaculty),
		middleware.CheckSingleDeviceSession(authService),
		middleware.Brotli(),
	)
	{
		facultyAPI.GET("/dashboard", handlers.Dashboard.GetDashboardData)
		facultyAPI.GET("/logins", handlers.Dashboard.ListLogins)
		facultyAPI.GET("/tests/:test_id/results", handlers.Dashboard.ListResults)
		facultyAPI.GET("/tests/:test_id/results/export", handlers.Dashboard.ExportResults)
		facultyAPI.GET("/tests/:test_id/distribution", handlers.Dashboard.ScoreDistribution)
		facultyAPI.GET("/system/metrics", handlers.System.SystemMetricsSSE)
	}

	return router
}
