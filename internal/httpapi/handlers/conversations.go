package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chat-platform/internal/chat"
	"github.com/suPer8Hu/chat-platform/internal/common"
)

type createConversationReq struct {
	Title     string `json:"title"`
	ChatbotID string `json:"chatbot_id"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Anonymize bool   `json:"anonymize"`
}

func (h *Handler) CreateConversation(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	var req createConversationReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	conv, err := h.ChatSvc.StartConversation(c.Request.Context(), chat.StartInput{
		UserID:    uid,
		TenantID:  tenantIDFromContext(c),
		ChatbotID: req.ChatbotID,
		Title:     req.Title,
		Provider:  req.Provider,
		Model:     req.Model,
		Anonymize: req.Anonymize,
	})
	if err != nil {
		h.writeError(c, "create conversation", err)
		return
	}
	common.OK(c, conv)
}

func (h *Handler) ListConversations(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))

	items, total, err := h.ChatSvc.ListConversations(c.Request.Context(), uid, c.Query("chatbot_id"), limit, offset)
	if err != nil {
		h.writeError(c, "list conversations", err)
		return
	}
	common.OK(c, gin.H{
		"items":  items,
		"total":  total,
		"offset": max(offset, 0),
	})
}

func (h *Handler) GetConversation(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	view, err := h.ChatSvc.GetConversation(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		h.writeError(c, "get conversation", err)
		return
	}
	common.OK(c, view)
}

func (h *Handler) ListMessages(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		h.writeError(c, "list messages", err)
		return
	}
	common.OK(c, gin.H{"messages": msgs})
}

type renameReq struct {
	Title string `json:"title" binding:"required"`
}

func (h *Handler) RenameConversation(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	var req renameReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	conv, err := h.ChatSvc.RenameConversation(c.Request.Context(), uid, c.Param("id"), req.Title)
	if err != nil {
		h.writeError(c, "rename conversation", err)
		return
	}
	common.OK(c, conv)
}

func (h *Handler) DeleteConversation(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if err := h.ChatSvc.DeleteConversation(c.Request.Context(), uid, id); err != nil {
		h.writeError(c, "delete conversation", err)
		return
	}
	common.OK(c, gin.H{"id": id, "deleted": true})
}

type feedbackReq struct {
	// empty clears earlier feedback
	Value   string `json:"value"`
	Comment string `json:"comment"`
}

func (h *Handler) SetFeedback(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	var req feedbackReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	msg, err := h.ChatSvc.SetFeedback(c.Request.Context(), uid, c.Param("id"), c.Param("message_id"), req.Value, req.Comment)
	if err != nil {
		h.writeError(c, "set feedback", err)
		return
	}
	common.OK(c, msg)
}
