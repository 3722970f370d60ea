package anonymizer

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Mapping ties a placeholder in one conversation to the original PII value.
type Mapping struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	ConversationID string `gorm:"type:varchar(36);not null;index:uniq_anon_conv_placeholder,unique,priority:1"`
	Placeholder    string `gorm:"type:varchar(64);not null;index:uniq_anon_conv_placeholder,unique,priority:2"`
	EntityType     string `gorm:"type:varchar(32);not null"`
	EncryptedValue []byte `gorm:"not null"`
	CreatedAt      time.Time
}

func (Mapping) TableName() string { return "anonymizer_mappings" }

// Encrypter seals mapping values at rest.
type Encrypter interface {
	EncryptString(s string) ([]byte, error)
	DecryptString(data []byte) (string, error)
}

var placeholderRe = regexp.MustCompile(`<([A-Z_]+)_(\d+)>`)

type Anonymizer struct {
	db       *gorm.DB
	enc      Encrypter
	detector *Detector
	log      *zap.Logger
}

func New(db *gorm.DB, enc Encrypter, log *zap.Logger) *Anonymizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Anonymizer{
		db:       db,
		enc:      enc,
		detector: NewDetector(),
		log:      log.With(zap.String("component", "anonymizer")),
	}
}

func (a *Anonymizer) listMappings(ctx context.Context, conversationID string) ([]Mapping, error) {
	var rows []Mapping
	if err := a.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Anonymize replaces PII in text with placeholders. A value seen before in the same
// conversation reuses its placeholder; new values are persisted encrypted.
func (a *Anonymizer) Anonymize(ctx context.Context, conversationID, text string) (string, error) {
	spans := a.detector.Find(text)
	if len(spans) == 0 {
		return text, nil
	}

	existing, err := a.listMappings(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("load pii mappings: %w", err)
	}

	byValue := make(map[string]string, len(existing))
	counters := make(map[string]int)
	for _, m := range existing {
		counters[m.EntityType]++
		v, err := a.enc.DecryptString(m.EncryptedValue)
		if err != nil {
			a.log.Warn("pii mapping not decryptable", zap.String("conversation_id", conversationID), zap.String("placeholder", m.Placeholder), zap.Error(err))
			continue
		}
		byValue[m.EntityType+"\x00"+v] = m.Placeholder
	}

	var created []Mapping
	var b strings.Builder
	last := 0
	for _, s := range spans {
		key := s.EntityType + "\x00" + s.Value
		ph, ok := byValue[key]
		if !ok {
			counters[s.EntityType]++
			ph = fmt.Sprintf("<%s_%d>", s.EntityType, counters[s.EntityType])
			sealed, err := a.enc.EncryptString(s.Value)
			if err != nil {
				return "", fmt.Errorf("encrypt pii value: %w", err)
			}
			created = append(created, Mapping{
				ConversationID: conversationID,
				Placeholder:    ph,
				EntityType:     s.EntityType,
				EncryptedValue: sealed,
			})
			byValue[key] = ph
		}
		b.WriteString(text[last:s.Start])
		b.WriteString(ph)
		last = s.End
	}
	b.WriteString(text[last:])

	if len(created) > 0 {
		if err := a.db.WithContext(ctx).Create(&created).Error; err != nil {
			return "", fmt.Errorf("save pii mappings: %w", err)
		}
	}
	return b.String(), nil
}

// Deanonymize restores original values. A mapping that cannot be decrypted leaves its
// placeholder in the text.
func (a *Anonymizer) Deanonymize(ctx context.Context, conversationID, text string) (string, error) {
	if !placeholderRe.MatchString(text) {
		return text, nil
	}
	values, err := a.Values(ctx, conversationID)
	if err != nil {
		return "", err
	}
	return Restore(text, values), nil
}

// Values returns placeholder → original for every decryptable mapping of the conversation.
func (a *Anonymizer) Values(ctx context.Context, conversationID string) (map[string]string, error) {
	rows, err := a.listMappings(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load pii mappings: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, m := range rows {
		v, err := a.enc.DecryptString(m.EncryptedValue)
		if err != nil {
			a.log.Warn("pii mapping not decryptable, keeping placeholder", zap.String("conversation_id", conversationID), zap.String("placeholder", m.Placeholder), zap.Error(err))
			continue
		}
		out[m.Placeholder] = v
	}
	return out, nil
}

// Restore substitutes known placeholders in text.
func Restore(text string, values map[string]string) string {
	if len(values) == 0 {
		return text
	}
	return placeholderRe.ReplaceAllStringFunc(text, func(ph string) string {
		if v, ok := values[ph]; ok {
			return v
		}
		return ph
	})
}

// Copy duplicates all mappings of one conversation into another. Values stay sealed.
func (a *Anonymizer) Copy(ctx context.Context, fromConversationID, toConversationID string) (int, error) {
	rows, err := a.listMappings(ctx, fromConversationID)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	clones := make([]Mapping, 0, len(rows))
	for _, m := range rows {
		clones = append(clones, Mapping{
			ConversationID: toConversationID,
			Placeholder:    m.Placeholder,
			EntityType:     m.EntityType,
			EncryptedValue: m.EncryptedValue,
		})
	}
	if err := a.db.WithContext(ctx).Create(&clones).Error; err != nil {
		return 0, err
	}
	return len(clones), nil
}
