package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chat-platform/internal/chat"
	"github.com/suPer8Hu/chat-platform/internal/common"
	"go.uber.org/zap"
)

type queryReq struct {
	ConversationID string   `json:"conversation_id"`
	ChatbotID      string   `json:"chatbot_id"`
	Provider       string   `json:"provider"`
	Model          string   `json:"model"`
	Anonymize      bool     `json:"anonymize"`
	ParentID       string   `json:"parent_id"`
	Message        string   `json:"message" binding:"required"`
	AttachmentIDs  []string `json:"attachment_ids"`
}

func (r queryReq) input(userID, tenantID string) chat.AskInput {
	return chat.AskInput{
		UserID:         userID,
		TenantID:       tenantID,
		ConversationID: r.ConversationID,
		ChatbotID:      r.ChatbotID,
		Provider:       r.Provider,
		Model:          r.Model,
		Anonymize:      r.Anonymize,
		ParentID:       r.ParentID,
		Message:        r.Message,
		AttachmentIDs:  r.AttachmentIDs,
	}
}

func (h *Handler) Query(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	var req queryReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	res, err := h.ChatSvc.Ask(c.Request.Context(), req.input(uid, tenantIDFromContext(c)))
	if err != nil {
		h.writeError(c, "query", err)
		return
	}
	common.OK(c, res)
}

// QueryStream answers over server-sent events: chunk events while the model writes,
// then one done or error event.
func (h *Handler) QueryStream(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	var req queryReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		common.Fail(c, http.StatusInternalServerError, 50003, "streaming not supported")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	chunks, final := h.ChatSvc.AskStream(ctx, req.input(uid, tenantIDFromContext(c)))

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"type\":\"error\",\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, b)
		flusher.Flush()
	}

	// the result only counts once every chunk has been written
	var results <-chan chat.StreamResult
	for {
		select {
		case delta, ok := <-chunks:
			if !ok {
				chunks = nil
				results = final
				continue
			}
			writeJSON("chunk", gin.H{"type": "chunk", "delta": delta})

		case <-ticker.C:
			writeJSON("ping", gin.H{"type": "ping", "ts": time.Now().Unix()})

		case r, ok := <-results:
			if !ok {
				return
			}
			if r.Err != nil {
				e := lookupError(r.Err)
				if e.status >= http.StatusInternalServerError {
					h.Log.Error("query stream", zap.String("user_id", uid), zap.Error(r.Err))
				}
				writeJSON("error", gin.H{"type": "error", "code": e.code, "message": e.message})
				return
			}
			writeJSON("done", gin.H{
				"type":            "done",
				"conversation_id": r.Result.ConversationID,
				"title":           r.Result.Title,
				"user_message_id": r.Result.UserMessageID,
				"message_id":      r.Result.MessageID,
				"references":      r.Result.References,
				"steps":           r.Result.Steps,
			})
			return

		case <-ctx.Done():
			return
		}
	}
}
