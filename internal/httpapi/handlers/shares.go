package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chat-platform/internal/common"
)

type shareReq struct {
	// 0 or missing means the link never expires
	ExpiresInSeconds int64 `json:"expires_in_seconds"`
}

func (h *Handler) ShareConversation(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	var req shareReq
	_ = c.ShouldBindJSON(&req) // allow empty {}
	if req.ExpiresInSeconds < 0 {
		common.Fail(c, http.StatusBadRequest, 10008, "expires_in_seconds must not be negative")
		return
	}

	sh, err := h.ChatSvc.Share(c.Request.Context(), uid, c.Param("id"), time.Duration(req.ExpiresInSeconds)*time.Second)
	if err != nil {
		h.writeError(c, "share conversation", err)
		return
	}
	common.OK(c, sh)
}

func (h *Handler) UnshareConversation(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if err := h.ChatSvc.Unshare(c.Request.Context(), uid, id); err != nil {
		h.writeError(c, "unshare conversation", err)
		return
	}
	common.OK(c, gin.H{"conversation_id": id, "shared": false})
}

// GetShared is public: the token is the capability.
func (h *Handler) GetShared(c *gin.Context) {
	view, err := h.ChatSvc.GetShared(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.writeError(c, "get shared conversation", err)
		return
	}
	common.OK(c, view)
}

func (h *Handler) CloneShared(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	conv, err := h.ChatSvc.CloneShared(c.Request.Context(), uid, tenantIDFromContext(c), c.Param("token"))
	if err != nil {
		h.writeError(c, "clone shared conversation", err)
		return
	}
	common.OK(c, conv)
}
