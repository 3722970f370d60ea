package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chat-platform/internal/common"
	"github.com/suPer8Hu/chat-platform/internal/db"
	"go.uber.org/zap"
)

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

// Health reports the database and, when configured, the cache.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := gin.H{"database": "ok", "cache": "disabled"}
	healthy := true

	if err := db.Ping(ctx, h.DB); err != nil {
		h.Log.Warn("health: database", zap.Error(err))
		status["database"] = "down"
		healthy = false
	}
	if h.Cache != nil {
		status["cache"] = "ok"
		if err := h.Cache.Ping(ctx); err != nil {
			// the cache is optional; report it without failing the check
			h.Log.Warn("health: cache", zap.Error(err))
			status["cache"] = "down"
		}
	}

	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": 50300, "message": "unhealthy", "data": status})
		return
	}
	common.OK(c, status)
}
