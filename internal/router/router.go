package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/stemsi/exstem-agent/internal/config"
	"github.com/stemsi/exstem-agent/internal/handler"
	"github.com/stemsi/exstem-agent/internal/metrics"
	"github.com/stemsi/exstem-agent/internal/middleware"
	"github.com/stemsi/exstem-agent/internal/response"
	"github.com/stemsi/exstem-agent/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session *handler.SessionHandler
	WS      *handler.WSHandler
	System  *handler.SystemHandler
}

// SetupRouter configures the kiosk bridge routes for one attempt.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
	submissionID string,
	limiter *middleware.RateLimiter,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

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
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestID())

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	auth := []gin.HandlerFunc{
		middleware.RequireBridgeJWT(authService),
		middleware.CheckSingleKioskSession(authService, submissionID),
	}

	// ─── 1. Session Group (Kiosk JWT, Rate Limited) ────────────────────
	api := router.Group("/api/v1")
	if limiter != nil {
		api.Use(limiter.Middleware())
	}
	api.Use(auth...)
	{
		api.GET("/session", handlers.Session.GetSession)
		api.PUT("/session/answers/:question_id", handlers.Session.SetAnswer)
		api.POST("/session/questions/:question_id/focus", handlers.Session.FocusQuestion)
		api.POST("/session/questions/:question_id/flag", handlers.Session.ToggleFlag)
		api.POST("/session/save", handlers.Session.SaveNow)
		api.POST("/session/submit", handlers.Session.Submit)
		api.GET("/system", handlers.System.GetSystem)
	}

	// ─── 2. WebSocket Group (Kiosk JWT via ?token=) ────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(auth...)
	{
		ws.GET("/session/stream", handlers.WS.SessionStream)
	}

	return router
}
