package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/suPer8Hu/chat-platform/internal/common"
	"github.com/suPer8Hu/chat-platform/internal/docs"
	"github.com/suPer8Hu/chat-platform/internal/metrics"
	"github.com/suPer8Hu/chat-platform/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type UploadInput struct {
	UserID         string
	ConversationID string
	FileName       string
	ContentType    string
	Size           int64
	Body           io.Reader
}

// UploadAttachment stores the file at {conversation_id}/{file_id}, records it as processing
// and hands it to the document worker. Without a job publisher it is processed inline.
func (s *Service) UploadAttachment(ctx context.Context, in UploadInput) (doc *ConversationDocument, err error) {
	defer func() {
		metrics.UploadsTotal.WithLabelValues(metrics.StatusLabel(err)).Inc()
	}()

	c, err := s.owned(ctx, in.UserID, in.ConversationID)
	if err != nil {
		return nil, err
	}
	name := filepath.Base(strings.TrimSpace(in.FileName))
	if name == "." || name == "/" || name == "" || !docs.Supported(name) {
		return nil, ErrUnsupportedFile
	}
	if s.uploadMaxBytes > 0 && in.Size > s.uploadMaxBytes {
		return nil, ErrFileTooLarge
	}
	if s.store == nil {
		return nil, storage.ErrDisabled
	}

	fileID, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	key := storage.ObjectKey(c.ID, fileID)
	contentType := firstNonEmpty(in.ContentType, "application/octet-stream")

	if err := s.store.Put(ctx, key, in.Body, in.Size, contentType); err != nil {
		s.log.Error("store attachment", zap.String("conversation_id", c.ID), zap.String("key", key), zap.Error(err))
		return nil, err
	}

	now := s.now()
	doc = &ConversationDocument{
		ID:             fileID,
		ConversationID: c.ID,
		FileName:       name,
		ContentType:    contentType,
		SizeBytes:      in.Size,
		ObjectKey:      key,
		Status:         DocumentProcessing,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.CreateDocument(ctx, doc); err != nil {
		if derr := s.store.Delete(ctx, key); derr != nil {
			s.log.Warn("remove orphaned attachment", zap.String("key", key), zap.Error(derr))
		}
		return nil, err
	}

	if s.jobs == nil {
		if perr := s.ProcessDocument(ctx, doc.ID); perr != nil {
			s.log.Warn("inline document processing", zap.String("file_id", doc.ID), zap.Error(perr))
			if !errors.Is(perr, ErrDocumentRejected) {
				s.FailDocument(ctx, doc.ID, perr)
			}
		}
		return s.reloadDocument(ctx, doc)
	}

	if err := s.jobs.PublishDocumentJob(ctx, doc.ID); err != nil {
		s.log.Error("enqueue document job", zap.String("file_id", doc.ID), zap.Error(err))
		s.FailDocument(ctx, doc.ID, err)
		return nil, ErrEnqueueFailed
	}
	return doc, nil
}

func (s *Service) reloadDocument(ctx context.Context, doc *ConversationDocument) (*ConversationDocument, error) {
	fresh, err := s.repo.GetDocument(ctx, doc.ID)
	if err != nil {
		return doc, nil
	}
	return fresh, nil
}

// ProcessDocument extracts, chunks and embeds an attachment and stores its vector entries.
// Errors wrapping ErrDocumentRejected have already marked the document failed; any other
// error is worth retrying. Documents no longer processing are skipped.
func (s *Service) ProcessDocument(ctx context.Context, documentID string) (err error) {
	defer func() {
		status := "done"
		switch {
		case errors.Is(err, ErrDocumentRejected):
			status = "rejected"
		case err != nil:
			status = "error"
		}
		metrics.DocumentJobsTotal.WithLabelValues(status).Inc()
	}()

	d, err := s.repo.GetDocument(ctx, documentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrDocumentRejected, ErrDocumentNotFound)
	}
	if err != nil {
		return err
	}
	if d.Status != DocumentProcessing {
		return nil
	}
	log := s.log.With(zap.String("file_id", d.ID), zap.String("conversation_id", d.ConversationID))

	c, err := s.repo.GetConversation(ctx, d.ConversationID)
	if err != nil {
		return err
	}
	if s.store == nil {
		return storage.ErrDisabled
	}

	rc, _, err := s.store.Get(ctx, d.ObjectKey)
	if errors.Is(err, storage.ErrNotFound) {
		return s.reject(ctx, d, err)
	}
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	limit := s.uploadMaxBytes
	if limit <= 0 {
		limit = 20 << 20
	}
	_, err = io.Copy(&buf, io.LimitReader(rc, limit+1))
	rc.Close()
	if err != nil {
		return err
	}
	if int64(buf.Len()) > limit {
		return s.reject(ctx, d, ErrFileTooLarge)
	}

	text, err := docs.Extract(ctx, d.FileName, buf.Bytes())
	if err != nil {
		return s.reject(ctx, d, err)
	}
	if c.Anonymize {
		if text, err = s.anon.Anonymize(ctx, c.ID, text); err != nil {
			return err
		}
	}

	chunks := s.chunker.Chunk(text)
	entries := make([]VectorEntry, 0, len(chunks))
	for _, ch := range chunks {
		e := VectorEntry{
			ConversationID: d.ConversationID,
			DocumentID:     d.ID,
			ChunkIndex:     ch.Index,
			Content:        ch.Content,
		}
		if s.embedder != nil {
			vec, err := s.embedder.Embed(ctx, ch.Content)
			if err != nil {
				return fmt.Errorf("embed chunk %d: %w", ch.Index, err)
			}
			e.Embedding = vec
		}
		entries = append(entries, e)
	}

	if err := s.repo.ReplaceVectorEntries(ctx, d.ID, entries); err != nil {
		return err
	}
	if err := s.repo.MarkDocumentDone(ctx, d.ID, len(entries)); err != nil {
		return err
	}
	log.Info("document processed", zap.Int("chunks", len(entries)))
	return nil
}

func (s *Service) reject(ctx context.Context, d *ConversationDocument, cause error) error {
	s.FailDocument(ctx, d.ID, cause)
	return fmt.Errorf("%w: %v", ErrDocumentRejected, cause)
}

// FailDocument marks a processing document failed. Used when retries are exhausted.
func (s *Service) FailDocument(ctx context.Context, documentID string, cause error) {
	msg := "processing failed"
	if cause != nil {
		msg = cause.Error()
	}
	if err := s.repo.MarkDocumentFailed(ctx, documentID, msg); err != nil {
		s.log.Error("mark document failed", zap.String("file_id", documentID), zap.Error(err))
	}
}

func (s *Service) ListAttachments(ctx context.Context, userID, conversationID string) ([]AttachmentView, error) {
	c, err := s.owned(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	rows, err := s.repo.ListDocuments(ctx, c.ID, nil)
	if err != nil {
		return nil, err
	}
	out := make([]AttachmentView, 0, len(rows))
	for _, d := range rows {
		out = append(out, AttachmentView{
			FileID:      d.ID,
			FileName:    d.FileName,
			ContentType: d.ContentType,
			Status:      d.Status,
			ChunkCount:  d.ChunkCount,
			Error:       d.Error,
			URL:         s.presign(ctx, d.ObjectKey),
		})
	}
	return out, nil
}
