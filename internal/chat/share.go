package chat

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/suPer8Hu/chat-platform/internal/common"
	"github.com/suPer8Hu/chat-platform/internal/metrics"
	"github.com/suPer8Hu/chat-platform/internal/storage"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Share creates the conversation's shared link, or reuses the live one. Either way the
// snapshot moves to now. expiresIn <= 0 means the link does not expire.
func (s *Service) Share(ctx context.Context, userID, conversationID string, expiresIn time.Duration) (*SharedConversation, error) {
	c, err := s.owned(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var expiresAt *time.Time
	if expiresIn > 0 {
		t := now.Add(expiresIn)
		expiresAt = &t
	}

	var (
		sh      *SharedConversation
		evicted []string
	)
	// the conversation row lock serialises concurrent shares of the same conversation
	err = s.repo.Transaction(ctx, func(r *Repo) error {
		if err := r.LockConversation(ctx, c.ID); err != nil {
			return err
		}
		existing, err := r.ActiveShareForConversation(ctx, c.ID)
		if err != nil {
			return err
		}
		if existing != nil && existing.Expired(now) {
			if err := r.DeactivateShare(ctx, existing.ID); err != nil {
				return err
			}
			evicted = append(evicted, existing.ID)
			existing = nil
		}

		if existing != nil {
			if err := r.RefreshShare(ctx, existing.ID, now, expiresAt); err != nil {
				return err
			}
			evicted = append(evicted, existing.ID)
			existing.SharedAt = now
			existing.ExpiresAt = expiresAt
			sh = existing
			return nil
		}

		sh = &SharedConversation{
			ID:             common.NewUUID(),
			ConversationID: c.ID,
			OwnerID:        userID,
			SharedAt:       now,
			ExpiresAt:      expiresAt,
			IsActive:       true,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return r.CreateShare(ctx, sh)
	})
	if err != nil {
		return nil, err
	}
	s.evictShares(ctx, evicted...)
	return sh, nil
}

// Unshare switches off every live link of the conversation. It is idempotent.
func (s *Service) Unshare(ctx context.Context, userID, conversationID string) error {
	c, err := s.owned(ctx, userID, conversationID)
	if err != nil {
		return err
	}
	tokens, err := s.repo.DeactivateSharesForConversation(ctx, c.ID)
	if err != nil {
		return err
	}
	s.evictShares(ctx, tokens...)
	return nil
}

type SharedView struct {
	Token     string        `json:"token"`
	Title     string        `json:"title"`
	ChatbotID string        `json:"chatbot_id,omitempty"`
	SharedAt  time.Time     `json:"shared_at"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
	Messages  []MessageView `json:"messages"`
}

// GetShared returns the conversation as it was when the link was (re)shared.
func (s *Service) GetShared(ctx context.Context, token string) (*SharedView, error) {
	sh, c, err := s.resolveShare(ctx, token)
	if err != nil {
		return nil, err
	}
	msgs, err := s.repo.ListMessages(ctx, c.ID, &sh.SharedAt)
	if err != nil {
		return nil, err
	}
	views := s.render(ctx, c, msgs)
	// feedback is the owner's own rating and stays private
	for i := range views {
		views[i].Feedback = nil
		views[i].FeedbackComment = nil
	}
	return &SharedView{
		Token:     sh.ID,
		Title:     c.Title,
		ChatbotID: c.ChatbotID,
		SharedAt:  sh.SharedAt,
		ExpiresAt: sh.ExpiresAt,
		Messages:  views,
	}, nil
}

func (s *Service) resolveShare(ctx context.Context, token string) (*SharedConversation, *Conversation, error) {
	if !common.IsUUID(token) {
		metrics.ShareLookupsTotal.WithLabelValues("not_found").Inc()
		return nil, nil, ErrShareNotFound
	}

	sh := s.cachedShare(ctx, token)
	if sh != nil {
		metrics.ShareLookupsTotal.WithLabelValues("cache_hit").Inc()
	} else {
		row, err := s.repo.GetActiveShare(ctx, token)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			metrics.ShareLookupsTotal.WithLabelValues("not_found").Inc()
			return nil, nil, ErrShareNotFound
		}
		if err != nil {
			return nil, nil, err
		}
		sh = row
		s.cacheShare(ctx, sh)
	}

	if sh.Expired(s.now()) {
		if err := s.repo.DeactivateShare(ctx, sh.ID); err != nil {
			s.log.Error("deactivate expired share", zap.String("token", sh.ID), zap.Error(err))
		}
		s.evictShares(ctx, sh.ID)
		metrics.ShareLookupsTotal.WithLabelValues("expired").Inc()
		return nil, nil, ErrShareExpired
	}

	c, err := s.repo.GetConversation(ctx, sh.ConversationID)
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !c.IsActive) {
		metrics.ShareLookupsTotal.WithLabelValues("not_found").Inc()
		return nil, nil, ErrShareNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	metrics.ShareLookupsTotal.WithLabelValues("ok").Inc()
	return sh, c, nil
}

func (s *Service) cachedShare(ctx context.Context, token string) *SharedConversation {
	if s.cache == nil {
		return nil
	}
	raw, err := s.cache.GetShare(ctx, token)
	if err != nil {
		s.log.Warn("share cache get", zap.String("token", token), zap.Error(err))
		return nil
	}
	if raw == nil {
		return nil
	}
	var sh SharedConversation
	if err := json.Unmarshal(raw, &sh); err != nil || !sh.IsActive {
		return nil
	}
	return &sh
}

func (s *Service) cacheShare(ctx context.Context, sh *SharedConversation) {
	if s.cache == nil || s.shareCacheTTL <= 0 {
		return
	}
	ttl := s.shareCacheTTL
	if sh.ExpiresAt != nil {
		if left := sh.ExpiresAt.Sub(s.now()); left < ttl {
			ttl = left
		}
	}
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(sh)
	if err != nil {
		return
	}
	if err := s.cache.SetShare(ctx, sh.ID, raw, ttl); err != nil {
		s.log.Warn("share cache set", zap.String("token", sh.ID), zap.Error(err))
	}
}

func (s *Service) evictShares(ctx context.Context, tokens ...string) {
	if s.cache == nil {
		return
	}
	for _, t := range tokens {
		if err := s.cache.DeleteShare(ctx, t); err != nil {
			s.log.Warn("share cache delete", zap.String("token", t), zap.Error(err))
		}
	}
}

// CloneShared copies the shared snapshot into a new conversation owned by userID.
// The copy is not transactional: attachments that fail to copy are logged and left out,
// and messages referring to them lose the reference. Failing to create the conversation
// or its messages aborts the clone.
func (s *Service) CloneShared(ctx context.Context, userID, tenantID, token string) (*Conversation, error) {
	sh, src, err := s.resolveShare(ctx, token)
	if err != nil {
		return nil, err
	}
	log := s.log.With(zap.String("source_conversation_id", src.ID), zap.String("token", sh.ID))

	dst, err := s.createConversation(ctx, newConversationID(), StartInput{
		UserID:    userID,
		TenantID:  firstNonEmpty(tenantID, src.TenantID),
		ChatbotID: src.ChatbotID,
		Title:     src.Title,
		Provider:  src.Provider,
		Model:     src.Model,
		Anonymize: src.Anonymize,
	})
	cloneStep("conversation", err)
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("conversation_id", dst.ID))

	fileMap := s.cloneDocuments(ctx, log, src.ID, dst.ID, sh.SharedAt)

	n, err := s.cloneMessages(ctx, src.ID, dst.ID, sh.SharedAt, fileMap)
	cloneStep("messages", err)
	if err != nil {
		log.Error("clone messages", zap.Error(err))
		return nil, err
	}

	if src.Anonymize {
		_, err := s.anon.Copy(ctx, src.ID, dst.ID)
		cloneStep("pii_mappings", err)
		if err != nil {
			log.Error("clone pii mappings", zap.Error(err))
		}
	}

	err = s.cloneVectors(ctx, src.ID, dst.ID, fileMap)
	cloneStep("vectors", err)
	if err != nil {
		log.Error("clone vector entries", zap.Error(err))
	}

	log.Info("conversation cloned", zap.Int("messages", n), zap.Int("attachments", len(fileMap)))
	return dst, nil
}

func cloneStep(step string, err error) {
	metrics.CloneStepsTotal.WithLabelValues(step, metrics.StatusLabel(err)).Inc()
}

// cloneDocuments copies objects then rows, returning old file id → new file id for the
// attachments that made it.
func (s *Service) cloneDocuments(ctx context.Context, log *zap.Logger, srcID, dstID string, upTo time.Time) map[string]string {
	fileMap := map[string]string{}
	documents, err := s.repo.ListDocuments(ctx, srcID, &upTo)
	if err != nil {
		cloneStep("attachments", err)
		log.Error("list attachments to clone", zap.Error(err))
		return fileMap
	}

	for _, d := range documents {
		newID, err := common.NewULID()
		if err != nil {
			cloneStep("attachment", err)
			log.Error("new file id", zap.Error(err))
			continue
		}
		newKey := storage.ObjectKey(dstID, newID)

		if s.store == nil {
			err = storage.ErrDisabled
		} else {
			err = s.store.Copy(ctx, d.ObjectKey, newKey)
		}
		if err != nil {
			cloneStep("attachment", err)
			log.Warn("copy attachment object, skipping", zap.String("file_id", d.ID), zap.Error(err))
			continue
		}

		clone := d
		clone.ID = newID
		clone.ConversationID = dstID
		clone.ObjectKey = newKey
		if err := s.repo.CreateDocument(ctx, &clone); err != nil {
			cloneStep("attachment", err)
			log.Warn("insert cloned attachment, skipping", zap.String("file_id", d.ID), zap.Error(err))
			if derr := s.store.Delete(ctx, newKey); derr != nil {
				log.Warn("remove orphaned attachment copy", zap.String("key", newKey), zap.Error(derr))
			}
			continue
		}
		cloneStep("attachment", nil)
		fileMap[d.ID] = newID

		if clone.Status == DocumentProcessing && s.jobs != nil {
			if err := s.jobs.PublishDocumentJob(ctx, newID); err != nil {
				log.Warn("enqueue cloned attachment", zap.String("file_id", newID), zap.Error(err))
			}
		}
	}
	return fileMap
}

// cloneMessages copies the snapshot with fresh ids, remapping parent links and attachment
// references. Creation times are kept so the copy orders like the source.
func (s *Service) cloneMessages(ctx context.Context, srcID, dstID string, upTo time.Time, fileMap map[string]string) (int, error) {
	msgs, err := s.repo.ListMessages(ctx, srcID, &upTo)
	if err != nil {
		return 0, err
	}

	idMap := make(map[string]string, len(msgs))
	for _, m := range msgs {
		id, err := common.NewULID()
		if err != nil {
			return 0, err
		}
		idMap[m.ID] = id
	}

	clones := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		var parent *string
		if m.ParentID != nil {
			if p, ok := idMap[*m.ParentID]; ok {
				parent = &p
			}
		}
		clones = append(clones, Message{
			ID:             idMap[m.ID],
			ConversationID: dstID,
			ParentID:       parent,
			Role:           m.Role,
			Content:        m.Content,
			Metadata:       datatypes.NewJSONType(remapMetadata(m.Metadata.Data(), fileMap)),
			CreatedAt:      m.CreatedAt,
		})
	}
	if err := s.repo.InsertMessages(ctx, clones); err != nil {
		return 0, err
	}
	return len(clones), nil
}

func remapMetadata(meta MessageMetadata, fileMap map[string]string) MessageMetadata {
	out := MessageMetadata{Steps: meta.Steps, Extra: meta.Extra}
	for _, a := range meta.Attachments {
		if id, ok := fileMap[a.FileID]; ok {
			a.FileID = id
			out.Attachments = append(out.Attachments, a)
		}
	}
	for _, r := range meta.References {
		if id, ok := fileMap[r.DocumentID]; ok {
			r.DocumentID = id
			out.References = append(out.References, r)
		}
	}
	return out
}

func (s *Service) cloneVectors(ctx context.Context, srcID, dstID string, fileMap map[string]string) error {
	if len(fileMap) == 0 {
		return nil
	}
	entries, err := s.repo.ListVectorEntries(ctx, srcID)
	if err != nil {
		return err
	}
	clones := make([]VectorEntry, 0, len(entries))
	for _, e := range entries {
		id, ok := fileMap[e.DocumentID]
		if !ok {
			continue
		}
		clones = append(clones, VectorEntry{
			ConversationID: dstID,
			DocumentID:     id,
			ChunkIndex:     e.ChunkIndex,
			Content:        e.Content,
			Embedding:      e.Embedding,
		})
	}
	return s.repo.InsertVectorEntries(ctx, clones)
}
