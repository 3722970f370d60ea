package chat

import "errors"

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrDocumentNotFound     = errors.New("document not found")
	ErrShareNotFound        = errors.New("shared conversation not found")
	ErrShareExpired         = errors.New("shared conversation expired")

	ErrEmptyMessage       = errors.New("message is empty")
	ErrInvalidTitle       = errors.New("title is empty")
	ErrInvalidParent      = errors.New("parent message does not belong to conversation")
	ErrInvalidFeedback    = errors.New("feedback must be positive or negative")
	ErrFeedbackNotAllowed = errors.New("feedback is only accepted on assistant messages")

	ErrFileTooLarge    = errors.New("file too large")
	ErrUnsupportedFile = errors.New("unsupported file type")
	ErrEnqueueFailed   = errors.New("document job enqueue failed")

	// ErrDocumentRejected marks processing failures that retrying cannot fix.
	ErrDocumentRejected = errors.New("document rejected")
)
