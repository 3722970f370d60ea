package chat

import (
	"database/sql/driver"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/suPer8Hu/chat-platform/internal/pipeline"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	FeedbackPositive = "positive"
	FeedbackNegative = "negative"
)

type Conversation struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID    string    `gorm:"type:varchar(128);not null;index:idx_conv_user_active,priority:1" json:"-"`
	Title     string    `gorm:"type:varchar(255);not null" json:"title"`
	TenantID  string    `gorm:"type:varchar(64);index" json:"tenant_id,omitempty"`
	ChatbotID string    `gorm:"type:varchar(64);index" json:"chatbot_id,omitempty"`
	Provider  string    `gorm:"type:varchar(32);not null" json:"provider"`
	Model     string    `gorm:"type:varchar(64);not null" json:"model"`
	IsActive  bool      `gorm:"not null;default:true;index:idx_conv_user_active,priority:2" json:"is_active"`
	Anonymize bool      `gorm:"not null;default:false" json:"anonymize"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Conversation) TableName() string { return "conversations" }

// AttachmentRef points a message at an uploaded ConversationDocument.
type AttachmentRef struct {
	FileID      string `json:"file_id"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type,omitempty"`
}

type MessageMetadata struct {
	Attachments []AttachmentRef      `json:"attachments,omitempty"`
	References  []pipeline.Reference `json:"references,omitempty"`
	Steps       []string             `json:"steps,omitempty"`
	Extra       map[string]any       `json:"extra,omitempty"`
}

// Message content is raw UTF-8 for user turns and keyring ciphertext for assistant turns.
type Message struct {
	ID              string                              `gorm:"type:varchar(26);primaryKey" json:"id"`
	ConversationID  string                              `gorm:"type:varchar(36);not null;index:idx_msg_conv_created,priority:1" json:"conversation_id"`
	ParentID        *string                             `gorm:"type:varchar(26);index" json:"parent_id"`
	Role            string                              `gorm:"type:varchar(16);not null" json:"role"`
	Content         []byte                              `gorm:"not null" json:"-"`
	Feedback        *string                             `gorm:"type:varchar(16)" json:"feedback,omitempty"`
	FeedbackComment *string                             `gorm:"type:text" json:"feedback_comment,omitempty"`
	Metadata        datatypes.JSONType[MessageMetadata] `json:"metadata"`
	CreatedAt       time.Time                           `gorm:"index:idx_msg_conv_created,priority:2" json:"created_at"`
}

func (Message) TableName() string { return "messages" }

type DocumentStatus string

const (
	DocumentProcessing DocumentStatus = "processing"
	DocumentDone       DocumentStatus = "done"
	DocumentFailed     DocumentStatus = "failed"
)

type ConversationDocument struct {
	ID             string         `gorm:"type:varchar(26);primaryKey" json:"file_id"`
	ConversationID string         `gorm:"type:varchar(36);not null;index" json:"conversation_id"`
	FileName       string         `gorm:"type:varchar(255);not null" json:"file_name"`
	ContentType    string         `gorm:"type:varchar(128)" json:"content_type"`
	SizeBytes      int64          `json:"size_bytes"`
	ObjectKey      string         `gorm:"type:varchar(255);not null" json:"-"`
	Status         DocumentStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	ChunkCount     int            `gorm:"not null;default:0" json:"chunk_count"`
	Error          *string        `gorm:"type:text" json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (ConversationDocument) TableName() string { return "conversation_documents" }

// SharedConversation is a bearer capability: whoever holds ID can read the conversation
// as it was at SharedAt.
type SharedConversation struct {
	ID             string     `gorm:"type:varchar(36);primaryKey" json:"token"`
	ConversationID string     `gorm:"type:varchar(36);not null;index:idx_share_conv_active,priority:1" json:"conversation_id"`
	OwnerID        string     `gorm:"type:varchar(128);not null" json:"-"`
	SharedAt       time.Time  `gorm:"not null" json:"shared_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	IsActive       bool       `gorm:"not null;default:true;index:idx_share_conv_active,priority:2" json:"is_active"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (SharedConversation) TableName() string { return "shared_conversations" }

func (s *SharedConversation) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// VectorEntry is one embedded chunk of a processed attachment.
type VectorEntry struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement"`
	ConversationID string    `gorm:"type:varchar(36);not null;index"`
	DocumentID     string    `gorm:"type:varchar(26);not null;index"`
	ChunkIndex     int       `gorm:"not null"`
	Content        string    `gorm:"type:text;not null"`
	Embedding      Embedding `gorm:""`
	CreatedAt      time.Time
}

func (VectorEntry) TableName() string { return "vector_entries" }

// Embedding is stored as a pgvector column on postgres and as its text form elsewhere.
type Embedding []float32

// GormDataType marks the slice as a column rather than a relation.
func (Embedding) GormDataType() string { return "vector" }

func (Embedding) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "vector"
	}
	return "text"
}

func (e Embedding) Value() (driver.Value, error) {
	if e == nil {
		return nil, nil
	}
	return pgvector.NewVector(e).Value()
}

func (e *Embedding) Scan(src any) error {
	if src == nil {
		*e = nil
		return nil
	}
	var v pgvector.Vector
	if err := v.Scan(src); err != nil {
		return err
	}
	*e = v.Slice()
	return nil
}

// Models lists the tables owned by this package, for migrations.
func Models() []any {
	return []any{
		&Conversation{},
		&Message{},
		&ConversationDocument{},
		&SharedConversation{},
		&VectorEntry{},
	}
}
