package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) DB() *gorm.DB { return r.db }

func (r *Repo) CreateConversation(ctx context.Context, c *Conversation) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *Repo) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// GetOwnedConversation returns an active conversation of userID. Anything else is
// reported as gorm.ErrRecordNotFound.
func (r *Repo) GetOwnedConversation(ctx context.Context, userID, id string) (*Conversation, error) {
	var c Conversation
	if err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ? AND is_active = ?", id, userID, true).
		First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns active conversations, most recently updated first.
func (r *Repo) ListConversations(ctx context.Context, userID, chatbotID string, limit, offset int) ([]Conversation, int64, error) {
	q := r.db.WithContext(ctx).Model(&Conversation{}).
		Where("user_id = ? AND is_active = ?", userID, true)
	if chatbotID != "" {
		q = q.Where("chatbot_id = ?", chatbotID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var out []Conversation
	if err := q.Order("updated_at DESC").Order("id DESC").
		Limit(limit).Offset(offset).
		Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *Repo) UpdateTitle(ctx context.Context, id, title string) error {
	return r.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ?", id).
		Update("title", title).Error
}

func (r *Repo) Deactivate(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ?", id).
		Update("is_active", false).Error
}

func (r *Repo) Touch(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ?", id).
		Update("updated_at", at).Error
}

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *Repo) InsertMessages(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(msgs, 200).Error
}

func (r *Repo) GetMessage(ctx context.Context, conversationID, id string) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND id = ?", conversationID, id).
		First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// LatestMessage returns the newest message of a conversation, or nil if there is none.
func (r *Repo) LatestMessage(ctx context.Context, conversationID string) (*Message, error) {
	var m Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").Order("id DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns messages oldest first. A non-nil upTo bounds created_at inclusively.
func (r *Repo) ListMessages(ctx context.Context, conversationID string, upTo *time.Time) ([]Message, error) {
	q := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").Order("id ASC")
	if upTo != nil {
		q = q.Where("created_at <= ?", *upTo)
	}
	var msgs []Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// MessageChain walks parent links from id towards the root and returns at most limit
// messages, oldest first.
func (r *Repo) MessageChain(ctx context.Context, conversationID, id string, limit int) ([]Message, error) {
	var chain []Message
	next := id
	for next != "" && len(chain) < limit {
		m, err := r.GetMessage(ctx, conversationID, next)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		chain = append(chain, *m)
		next = ""
		if m.ParentID != nil {
			next = *m.ParentID
		}
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func (r *Repo) UpdateFeedback(ctx context.Context, conversationID, id string, value, comment *string) error {
	return r.db.WithContext(ctx).Model(&Message{}).
		Where("conversation_id = ? AND id = ?", conversationID, id).
		Updates(map[string]any{
			"feedback":         value,
			"feedback_comment": comment,
		}).Error
}
