package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/suPer8Hu/chat-platform/internal/common"
	"github.com/suPer8Hu/chat-platform/internal/httpapi/handlers"
	"github.com/suPer8Hu/chat-platform/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(h.Log))
	r.Use(middleware.Logger(h.Log))
	r.Use(middleware.Metrics())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// public read of a shared snapshot
	r.GET("/shared/:token", h.GetShared)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(h.Cfg.JWTSecret))

	authGroup.POST("/chat/query", h.Query)
	authGroup.POST("/chat/query/stream", h.QueryStream)

	authGroup.POST("/conversations", h.CreateConversation)
	authGroup.GET("/conversations", h.ListConversations)
	authGroup.GET("/conversations/:id", h.GetConversation)
	authGroup.PATCH("/conversations/:id", h.RenameConversation)
	authGroup.DELETE("/conversations/:id", h.DeleteConversation)
	authGroup.GET("/conversations/:id/messages", h.ListMessages)
	authGroup.POST("/conversations/:id/messages/:message_id/feedback", h.SetFeedback)

	authGroup.POST("/conversations/:id/share", h.ShareConversation)
	authGroup.DELETE("/conversations/:id/share", h.UnshareConversation)
	authGroup.POST("/shared/:token/clone", h.CloneShared)

	authGroup.POST("/conversations/:id/attachments", h.UploadAttachment)
	authGroup.GET("/conversations/:id/attachments", h.ListAttachments)
	return r
}
