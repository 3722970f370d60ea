package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chat-platform/internal/chat"
	"github.com/suPer8Hu/chat-platform/internal/common"
)

func (h *Handler) UploadAttachment(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10009, "multipart field \"file\" required")
		return
	}
	if h.Cfg.UploadMaxBytes > 0 && fh.Size > h.Cfg.UploadMaxBytes {
		h.writeError(c, "upload attachment", chat.ErrFileTooLarge)
		return
	}
	f, err := fh.Open()
	if err != nil {
		h.writeError(c, "open upload", err)
		return
	}
	defer f.Close()

	doc, err := h.ChatSvc.UploadAttachment(c.Request.Context(), chat.UploadInput{
		UserID:         uid,
		ConversationID: c.Param("id"),
		FileName:       fh.Filename,
		ContentType:    fh.Header.Get("Content-Type"),
		Size:           fh.Size,
		Body:           f,
	})
	if err != nil {
		h.writeError(c, "upload attachment", err)
		return
	}
	common.OK(c, doc)
}

func (h *Handler) ListAttachments(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	items, err := h.ChatSvc.ListAttachments(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		h.writeError(c, "list attachments", err)
		return
	}
	common.OK(c, gin.H{"attachments": items})
}
