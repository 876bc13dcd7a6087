package handler

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/fslongjin/sandboxd/internal/auth"
	"github.com/fslongjin/sandboxd/internal/lifecycle"
	"github.com/fslongjin/sandboxd/internal/logx"
	"github.com/fslongjin/sandboxd/internal/notify"
	"github.com/fslongjin/sandboxd/internal/service"
	"github.com/fslongjin/sandboxd/internal/store"
)

type RouterConfig struct {
	Plane      *service.ControlPlane
	AuthStore  *store.AuthStore
	Hub        *notify.Hub
	DrainState *lifecycle.DrainManager
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	drainState := cfg.DrainState
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logx.RequestIDMiddleware())
	r.Use(logx.AccessLogMiddleware("api_http", "/health", "/readyz", "/metrics"))

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", auth.PrincipalHeader, "X-Request-ID", "Upgrade", "Connection", "Sec-WebSocket-Key", "Sec-WebSocket-Version", "Sec-WebSocket-Extensions", "Sec-WebSocket-Protocol"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	r.Use(func(c *gin.Context) {
		switch c.Request.URL.Path {
		case "/health", "/readyz", "/metrics":
		default:
			if drainState != nil && drainState.IsDraining() {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service is draining"})
				return
			}
		}
		c.Next()
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if drainState != nil && drainState.IsDraining() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	api := r.Group("/api/v1")
	api.Use(auth.AuthMiddleware(cfg.AuthStore))
	NewChannelHandler(cfg.Hub, drainState).RegisterRoutes(api)

	commands := api.Group("")
	commands.Use(auth.PrincipalMiddleware())
	NewCommandHandler(cfg.Plane).RegisterRoutes(commands)
	NewSandboxHandler(cfg.Plane).RegisterRoutes(commands)
	NewAdminHandler(cfg.Plane).RegisterRoutes(commands)
	return r
}
