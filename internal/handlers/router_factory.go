package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"packplanner/internal/config"
	"packplanner/internal/middleware"
	"packplanner/internal/observability"
	"packplanner/internal/services"
	"packplanner/internal/version"
)

// healthCheckTimeout bounds the database ping behind /health
const healthCheckTimeout = 2 * time.Second

// NewRouter creates the planner's router with all the necessary middleware and routes.
// db may be nil, in which case /health does not check the database.
func NewRouter(
	cfg *config.Config,
	orchestrator services.SessionOrchestratorInterface,
	db *sql.DB,
	logger *observability.Logger,
) *gin.Engine {
	// Setup Gin mode before the engine is built
	gin.SetMode(gin.ReleaseMode)
	if cfg.Server.Debug {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	// Health check endpoint (defined before any middleware)
	router.GET("/health", func(c *gin.Context) {
		if db != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				logger.Warn(ctx, "Health check database ping failed", map[string]interface{}{"error": err.Error()})
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "service": "pack-planner", "database": "unreachable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "pack-planner"})
	})

	// Add OpenTelemetry middleware for HTTP tracing and context propagation with automatic error attributes
	router.Use(observability.GinMiddlewareWithErrorHandling("pack-planner")...)

	// Disable automatic redirection for trailing slashes, which is better for APIs
	router.RedirectTrailingSlash = false

	// Setup CORS middleware
	corsConfig := cors.DefaultConfig()
	if len(cfg.Server.CORSOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.Server.CORSOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowCredentials = len(cfg.Server.CORSOrigins) > 0
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", IdempotencyKeyHeader}
	corsConfig.ExposeHeaders = []string{ReplayedHeader}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	router.Use(cors.New(corsConfig))

	// The external auth layer issues the cookie; this service only reads it
	store := cookie.NewStore([]byte(cfg.Server.SessionSecret))
	sessionOpts := sessions.Options{
		Path:     config.SessionPath,
		MaxAge:   int(config.SessionMaxAge.Seconds()),
		HttpOnly: config.SessionHTTPOnly,
		Secure:   config.SessionSecure,
	}
	if cfg.Server.Debug {
		sessionOpts.SameSite = http.SameSiteDefaultMode
	} else {
		sessionOpts.SameSite = http.SameSiteLaxMode
		sessionOpts.Secure = true
	}
	store.Options(sessionOpts)
	router.Use(sessions.Sessions(config.SessionName, store))

	// Security middleware
	secureConfig := secure.DefaultConfig()
	secureConfig.SSLRedirect = false
	secureConfig.IsDevelopment = cfg.Server.Debug
	secureConfig.ContentSecurityPolicy = config.DefaultCSP
	router.Use(secure.New(secureConfig))

	planHandler := NewPlanHandler(orchestrator, logger)

	v1 := router.Group("/v1")
	{
		v1.GET("/version", func(c *gin.Context) {
			c.JSON(http.StatusOK, version.Get("pack-planner"))
		})

		sessionRoutes := v1.Group("/sessions/:session_id")
		sessionRoutes.Use(middleware.RequireAuth())
		{
			sessionRoutes.POST("/plan", planHandler.PlanSession)
			sessionRoutes.GET("/pack", planHandler.GetPack)
			sessionRoutes.POST("/served", planHandler.MarkServed)
			sessionRoutes.POST("/completed", planHandler.MarkCompleted)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})

	// Automatic route listing at root path
	routeListing := NewRouteListingHandler("pack-planner")
	routeListing.CollectRoutes(router)
	router.GET("/", routeListing.GetRouteListingJSON)

	return router
}

// NewWorkerRouter creates the worker's health and administration router
func NewWorkerRouter(cfg *config.Config, w WorkerController, logger *observability.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	if cfg.Server.Debug {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(observability.GinMiddlewareWithErrorHandling("pack-planner-worker")...)

	store := cookie.NewStore([]byte(cfg.Server.SessionSecret))
	router.Use(sessions.Sessions(config.SessionName, store))

	adminHandler := NewWorkerAdminHandlerWithLogger(cfg, w, logger)

	v1 := router.Group("/v1")
	{
		v1.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
		v1.GET("/version", func(c *gin.Context) {
			c.JSON(http.StatusOK, version.Get("worker"))
		})

		adminWorker := v1.Group("/admin/worker")
		adminWorker.Use(middleware.RequireAuth())
		{
			adminWorker.GET("/details", adminHandler.GetWorkerDetails)
			adminWorker.GET("/status", adminHandler.GetWorkerStatus)
			adminWorker.POST("/pause", adminHandler.PauseWorker)
			adminWorker.POST("/resume", adminHandler.ResumeWorker)
			adminWorker.POST("/trigger", adminHandler.TriggerWorkerRun)
			adminWorker.GET("/configz", adminHandler.GetConfigz)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})

	routeListing := NewRouteListingHandler("pack-planner-worker")
	routeListing.CollectRoutes(router)
	router.GET("/", routeListing.GetRouteListingJSON)

	return router
}

// requestLogger logs every request through the observability logger,
// at a level that follows the status code
func requestLogger(logger *observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		statusCode := c.Writer.Status()
		fields := map[string]interface{}{
			"http.method":      c.Request.Method,
			"http.path":        c.Request.URL.Path,
			"http.route":       c.FullPath(),
			"http.status_code": statusCode,
			"http.latency_ms":  time.Since(start).Milliseconds(),
			"http.client_ip":   c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			fields["http.error"] = c.Errors.String()
		}

		switch {
		case statusCode >= 500:
			fields["http.error_type"] = "server_error"
			logger.Error(c.Request.Context(), "HTTP request failed", nil, fields)
		case statusCode >= 400:
			fields["http.error_type"] = "client_error"
			logger.Warn(c.Request.Context(), "HTTP request warning", fields)
		default:
			logger.Info(c.Request.Context(), "HTTP request", fields)
		}
	}
}
