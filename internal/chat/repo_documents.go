package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (r *Repo) CreateDocument(ctx context.Context, d *ConversationDocument) error {
	return r.db.WithContext(ctx).Create(d).Error
}

func (r *Repo) GetDocument(ctx context.Context, id string) (*ConversationDocument, error) {
	var d ConversationDocument
	if err := r.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDocuments returns a conversation's attachments, oldest first. A non-nil upTo bounds
// created_at inclusively.
func (r *Repo) ListDocuments(ctx context.Context, conversationID string, upTo *time.Time) ([]ConversationDocument, error) {
	q := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").Order("id ASC")
	if upTo != nil {
		q = q.Where("created_at <= ?", *upTo)
	}
	var out []ConversationDocument
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) DocumentsByID(ctx context.Context, conversationID string, ids []string) (map[string]ConversationDocument, error) {
	out := make(map[string]ConversationDocument, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []ConversationDocument
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND id IN ?", conversationID, ids).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, d := range rows {
		out[d.ID] = d
	}
	return out, nil
}

// MarkDocumentDone only moves a document out of processing.
func (r *Repo) MarkDocumentDone(ctx context.Context, id string, chunks int) error {
	return r.db.WithContext(ctx).Model(&ConversationDocument{}).
		Where("id = ? AND status = ?", id, DocumentProcessing).
		Updates(map[string]any{
			"status":      DocumentDone,
			"chunk_count": chunks,
			"error":       nil,
		}).Error
}

func (r *Repo) MarkDocumentFailed(ctx context.Context, id, errMsg string) error {
	return r.db.WithContext(ctx).Model(&ConversationDocument{}).
		Where("id = ? AND status = ?", id, DocumentProcessing).
		Updates(map[string]any{
			"status": DocumentFailed,
			"error":  errMsg,
		}).Error
}

func (r *Repo) InsertVectorEntries(ctx context.Context, entries []VectorEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(entries, 100).Error
}

// ReplaceVectorEntries swaps a document's entries in one transaction so a retried job
// never leaves duplicates.
func (r *Repo) ReplaceVectorEntries(ctx context.Context, documentID string, entries []VectorEntry) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", documentID).Delete(&VectorEntry{}).Error; err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		return tx.CreateInBatches(entries, 100).Error
	})
}

// ListVectorEntries returns the entries of processed documents of a conversation.
func (r *Repo) ListVectorEntries(ctx context.Context, conversationID string) ([]VectorEntry, error) {
	var out []VectorEntry
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Where("document_id IN (?)", r.db.Model(&ConversationDocument{}).
			Select("id").
			Where("conversation_id = ? AND status = ?", conversationID, DocumentDone)).
		Order("document_id ASC").Order("chunk_index ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

type ScoredEntry struct {
	VectorEntry
	Distance float64
}

// SearchVectorEntries orders by pgvector cosine distance. Postgres only.
func (r *Repo) SearchVectorEntries(ctx context.Context, conversationID string, query Embedding, k int) ([]ScoredEntry, error) {
	var out []ScoredEntry
	err := r.db.WithContext(ctx).
		Model(&VectorEntry{}).
		Select("vector_entries.*, embedding <=> ? AS distance", query).
		Where("conversation_id = ? AND embedding IS NOT NULL", conversationID).
		Where("document_id IN (?)", r.db.Model(&ConversationDocument{}).
			Select("id").
			Where("conversation_id = ? AND status = ?", conversationID, DocumentDone)).
		Order("distance ASC").
		Limit(k).
		Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) IsPostgres() bool {
	return r.db.Dialector.Name() == "postgres"
}

// Transaction runs fn against a Repo bound to one database transaction.
func (r *Repo) Transaction(ctx context.Context, fn func(r *Repo) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewRepo(tx))
	})
}

func lockConversationQuery(db *gorm.DB, id string) *gorm.DB {
	return db.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
		Select("id").
		Where("id = ?", id).
		Take(&Conversation{})
}

// LockConversation holds the conversation row until the surrounding transaction ends.
// SQLite has no row locks and serialises writers instead.
func (r *Repo) LockConversation(ctx context.Context, id string) error {
	return lockConversationQuery(r.db.WithContext(ctx), id).Error
}

func (r *Repo) CreateShare(ctx context.Context, s *SharedConversation) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) GetActiveShare(ctx context.Context, token string) (*SharedConversation, error) {
	var s SharedConversation
	if err := r.db.WithContext(ctx).
		Where("id = ? AND is_active = ?", token, true).
		First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ActiveShareForConversation returns the live link of a conversation, or nil.
func (r *Repo) ActiveShareForConversation(ctx context.Context, conversationID string) (*SharedConversation, error) {
	var s SharedConversation
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND is_active = ?", conversationID, true).
		Order("created_at DESC").
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repo) RefreshShare(ctx context.Context, token string, sharedAt time.Time, expiresAt *time.Time) error {
	return r.db.WithContext(ctx).Model(&SharedConversation{}).
		Where("id = ?", token).
		Updates(map[string]any{
			"shared_at":  sharedAt,
			"expires_at": expiresAt,
		}).Error
}

func (r *Repo) DeactivateShare(ctx context.Context, token string) error {
	return r.db.WithContext(ctx).Model(&SharedConversation{}).
		Where("id = ?", token).
		Update("is_active", false).Error
}

// DeactivateSharesForConversation returns the tokens it switched off.
func (r *Repo) DeactivateSharesForConversation(ctx context.Context, conversationID string) ([]string, error) {
	var tokens []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&SharedConversation{}).
			Where("conversation_id = ? AND is_active = ?", conversationID, true).
			Pluck("id", &tokens).Error; err != nil {
			return err
		}
		if len(tokens) == 0 {
			return nil
		}
		return tx.Model(&SharedConversation{}).
			Where("id IN ?", tokens).
			Update("is_active", false).Error
	})
	return tokens, err
}
