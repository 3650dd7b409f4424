package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/layer-3/passkeyd/service"
)

// RouterConfig carries everything the router mounts
type RouterConfig struct {
	Ceremonies *service.Coordinator
	Sessions   *service.SessionService
	Realtime   http.Handler         // optional websocket gateway
	Gatherer   prometheus.Gatherer // optional metrics source
	Logger     *slog.Logger
}

// SetupRouter sets up the Gin router
func SetupRouter(cfg RouterConfig) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(logger))

	// Create handlers
	handlers := NewAuthHandlers(cfg.Ceremonies, cfg.Sessions)

	// Auth routes
	auth := router.Group("/auth")
	{
		auth.POST("/register/start", handlers.RegisterStart)
		auth.POST("/register/complete", handlers.Complete)
		auth.POST("/login/start", handlers.LoginStart)
		auth.POST("/login/complete", handlers.Complete)
		auth.POST("/ceremony/cancel", handlers.Cancel)
		auth.GET("/ceremony/:id", handlers.CeremonyStatus)
		auth.POST("/session/restore", handlers.Restore)
		auth.POST("/session/refresh", handlers.Refresh)
		auth.POST("/logout", handlers.Logout)
	}

	// Protected API routes
	api := router.Group("/api")
	api.Use(AuthMiddleware(cfg.Sessions))
	{
		api.GET("/me", handlers.Me)
	}

	if cfg.Realtime != nil {
		router.GET("/ws", gin.WrapH(cfg.Realtime))
	}
	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	return router
}
