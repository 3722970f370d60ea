package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chat-platform/internal/ai"
	"github.com/suPer8Hu/chat-platform/internal/chat"
	"github.com/suPer8Hu/chat-platform/internal/common"
	"github.com/suPer8Hu/chat-platform/internal/config"
	"github.com/suPer8Hu/chat-platform/internal/httpapi/middleware"
	"github.com/suPer8Hu/chat-platform/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Pinger is an optional dependency checked by /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	DB      *gorm.DB
	Cfg     config.Config
	Log     *zap.Logger
	Cache   Pinger
	ChatSvc *chat.Service
}

func NewHandler(db *gorm.DB, cfg config.Config, svc *chat.Service, cache Pinger, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{DB: db, Cfg: cfg, Log: log, Cache: cache, ChatSvc: svc}
}

func userIDFromContext(c *gin.Context) (string, bool) {
	id := c.GetString(middleware.UserIDKey)
	return id, id != ""
}

func tenantIDFromContext(c *gin.Context) string {
	return c.GetString(middleware.TenantIDKey)
}

// mustUser writes a 401 and returns false when the auth middleware did not run.
func mustUser(c *gin.Context) (string, bool) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return uid, ok
}

type apiError struct {
	status  int
	code    int
	message string
}

var errorTable = []struct {
	target error
	apiError
}{
	{chat.ErrConversationNotFound, apiError{http.StatusNotFound, 40401, "conversation not found"}},
	{chat.ErrMessageNotFound, apiError{http.StatusNotFound, 40402, "message not found"}},
	{chat.ErrDocumentNotFound, apiError{http.StatusNotFound, 40403, "attachment not found"}},
	{chat.ErrShareNotFound, apiError{http.StatusNotFound, 40404, "shared conversation not found"}},
	{chat.ErrShareExpired, apiError{http.StatusGone, 41001, "shared conversation expired"}},
	{chat.ErrEmptyMessage, apiError{http.StatusBadRequest, 10002, "message required"}},
	{chat.ErrInvalidTitle, apiError{http.StatusBadRequest, 10003, "title required"}},
	{chat.ErrInvalidParent, apiError{http.StatusBadRequest, 10004, "invalid parent message"}},
	{chat.ErrInvalidFeedback, apiError{http.StatusBadRequest, 10005, "feedback must be positive or negative"}},
	{chat.ErrFeedbackNotAllowed, apiError{http.StatusBadRequest, 10006, "feedback is only accepted on assistant messages"}},
	{ai.ErrUnknownProvider, apiError{http.StatusBadRequest, 10007, "unknown ai provider"}},
	{chat.ErrFileTooLarge, apiError{http.StatusRequestEntityTooLarge, 41301, "file too large"}},
	{chat.ErrUnsupportedFile, apiError{http.StatusUnsupportedMediaType, 41501, "unsupported file type"}},
	{chat.ErrEnqueueFailed, apiError{http.StatusServiceUnavailable, 50301, "enqueue failed"}},
	{storage.ErrDisabled, apiError{http.StatusServiceUnavailable, 50302, "attachments are disabled"}},
}

func lookupError(err error) apiError {
	for _, e := range errorTable {
		if errors.Is(err, e.target) {
			return e.apiError
		}
	}
	return apiError{http.StatusInternalServerError, 50001, "internal error"}
}

// writeError maps service errors to the response envelope. Unknown errors are logged.
func (h *Handler) writeError(c *gin.Context, op string, err error) {
	e := lookupError(err)
	if e.status >= http.StatusInternalServerError {
		h.Log.Error(op,
			zap.String("request_id", c.GetString(middleware.RequestIDKey)),
			zap.String("user_id", c.GetString(middleware.UserIDKey)),
			zap.Error(err),
		)
		_ = c.Error(err)
	}
	common.Fail(c, e.status, e.code, e.message)
}
