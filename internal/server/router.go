package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"agent-relay/internal/auth"
	"agent-relay/internal/handler"
	"agent-relay/internal/middleware"
	syncengine "agent-relay/internal/sync"
	"agent-relay/internal/transport"
)

type Deps struct {
	Engine      *syncengine.Engine
	TokenConfig auth.TokenConfig
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	authRequestLimiter := middleware.NewRateLimiter(10, time.Minute)
	authHandler := &handler.AuthHandler{TokenConfig: deps.TokenConfig, Limiter: authRequestLimiter}
	r.POST("/v1/auth", authHandler.Auth)

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))

	sessionHandler := &handler.SessionHandler{Engine: deps.Engine}
	protected.GET("/sessions", sessionHandler.List)
	protected.POST("/sessions", sessionHandler.GetOrCreate)
	protected.GET("/sessions/:id", sessionHandler.Get)
	protected.DELETE("/sessions/:id", sessionHandler.Delete)
	protected.GET("/sessions/:id/messages", sessionHandler.Messages)
	protected.POST("/sessions/:id/messages", sessionHandler.PostMessage)
	protected.POST("/sessions/:id/resume", sessionHandler.Resume)
	protected.POST("/sessions/:id/abort", sessionHandler.Abort)
	protected.POST("/sessions/:id/permission", sessionHandler.Permission)
	protected.POST("/sessions/:id/switch", sessionHandler.Switch)
	protected.POST("/sessions/:id/rename", sessionHandler.Rename)
	protected.POST("/sessions/:id/config", sessionHandler.ApplyConfig)
	protected.POST("/sessions/:id/rpc", sessionHandler.RPC)

	machineHandler := &handler.MachineHandler{Engine: deps.Engine}
	protected.GET("/machines", machineHandler.List)
	protected.POST("/machines", machineHandler.Upsert)
	protected.GET("/machines/:id", machineHandler.Get)
	protected.POST("/machines/:id/spawn", machineHandler.Spawn)
	protected.POST("/machines/:id/rpc", machineHandler.RPC)

	ws := transport.NewServer(transport.Deps{Engine: deps.Engine, TokenConfig: deps.TokenConfig})
	r.GET("/ws", gin.WrapH(ws))

	return r
}
